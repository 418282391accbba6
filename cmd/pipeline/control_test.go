package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-pipeline/internal/config"
	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
	"github.com/JakeFAU/artifact-pipeline/internal/storage/sqlite"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = filepath.Join(t.TempDir(), "pipeline.db")
	return cfg
}

// runCLI executes the root command with cfg injected in place of config
// loading. Tests using it must not run in parallel.
func runCLI(t *testing.T, cfg config.Config, args ...string) (string, error) {
	t.Helper()
	prev := newApp
	newApp = func(string, string) (*app, error) {
		return &app{cfg: cfg, logger: zap.NewNop()}, nil
	}
	t.Cleanup(func() { newApp = prev })

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seedFailed(t *testing.T, cfg config.Config, id string) {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.Store.Path}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	a, _, err := store.Register(ctx, pipeline.Artifact{ID: id, SourceName: "museum", SourceURL: "https://museum.test/" + id})
	require.NoError(t, err)
	claim, err := store.Claim(ctx, id, pipeline.StageDiscovered, a.Version, pipeline.StageExtractInProgress)
	require.NoError(t, err)
	failed, err := store.RecordFailure(ctx, claim, pipeline.Failure{
		Release: pipeline.StageDiscovered,
		Message: "metadata incomplete",
		Ceiling: 1,
	})
	require.NoError(t, err)
	require.Equal(t, pipeline.StageFailed, failed.Stage)
}

func TestStopThenStatusJSON(t *testing.T) {
	cfg := testConfig(t)

	out, err := runCLI(t, cfg, "stop")
	require.NoError(t, err)
	require.Equal(t, "run state: STOPPED\n", out)

	out, err = runCLI(t, cfg, "status", "-o", "json", "--activity", "5")
	require.NoError(t, err)

	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Equal(t, pipeline.RunStateStopped, report.RunState)
	require.True(t, report.Persisted)
	require.Len(t, report.Activity, 1)
	require.Equal(t, pipeline.ActivityControl, report.Activity[0].Kind)
	require.Len(t, report.Stages, len(pipeline.Stages()))

	_, err = runCLI(t, cfg, "start")
	require.NoError(t, err)
	out, err = runCLI(t, cfg, "status", "-o", "yaml")
	require.NoError(t, err)
	require.Contains(t, out, "run_state: RUNNING")
}

func TestStatusTableOnFreshStore(t *testing.T) {
	cfg := testConfig(t)
	seedFailed(t, cfg, "museum-a")

	out, err := runCLI(t, cfg, "status")
	require.NoError(t, err)
	require.Contains(t, out, "Run state: RUNNING (initial)")
	require.Contains(t, out, "Artifacts: 1")
	require.Contains(t, out, "FAILED")
}

func TestStatusRejectsUnknownOutput(t *testing.T) {
	cfg := testConfig(t)
	_, err := runCLI(t, cfg, "status", "-o", "xml")
	require.ErrorContains(t, err, "unknown output")
}

func TestRetryFailed(t *testing.T) {
	cfg := testConfig(t)
	seedFailed(t, cfg, "museum-a")

	out, err := runCLI(t, cfg, "retry-failed", "museum-a")
	require.NoError(t, err)
	require.Equal(t, "museum-a -> DISCOVERED\n", out)

	_, err = runCLI(t, cfg, "retry-failed", "museum-a", "museum-missing")
	require.ErrorIs(t, err, pipeline.ErrNotFailed)
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestControlRejectsMemoryStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "memory"
	_, err := runCLI(t, cfg, "stop")
	require.ErrorContains(t, err, "memory")
}
