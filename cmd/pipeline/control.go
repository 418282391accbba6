package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/artifact-pipeline/internal/clock/system"
	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

const storeTimeout = 15 * time.Second

// withStore opens the configured store for a one-shot control command.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, a *app, store pipeline.Store) error) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if a.cfg.Store.Driver == "memory" {
		return errors.New("store.driver is memory; control commands need a sqlite or postgres store shared with serve")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), storeTimeout)
	defer cancel()

	store, err := openStore(ctx, a.cfg.Store, system.New())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			a.logger.Warn("close store", zap.Error(cerr))
		}
	}()
	return fn(ctx, a, store)
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Let the orchestrator claim new work",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return setRunState(cmd, pipeline.RunStateRunning)
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop claiming new work; in-flight jobs finish",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return setRunState(cmd, pipeline.RunStateStopped)
		},
	}
}

func setRunState(cmd *cobra.Command, state pipeline.RunState) error {
	return withStore(cmd, func(ctx context.Context, a *app, store pipeline.Store) error {
		if err := store.SetRunState(ctx, state); err != nil {
			return fmt.Errorf("set run state: %w", err)
		}
		entry := pipeline.Activity{
			Kind:    pipeline.ActivityControl,
			Message: "run state set to " + string(state) + " from cli",
			At:      time.Now().UTC(),
		}
		if err := store.AppendActivity(ctx, entry); err != nil {
			a.logger.Warn("append control activity", zap.Error(err))
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "run state: %s\n", state)
		return err
	})
}

func newRetryFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed ARTIFACT_ID...",
		Short: "Return FAILED artifacts to the stage they failed from",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, _ *app, store pipeline.Store) error {
				var errs []error
				for _, id := range args {
					a, err := store.RetryFailed(ctx, id)
					if err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", id, err))
						continue
					}
					if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", a.ID, a.Stage); err != nil {
						return err
					}
				}
				return errors.Join(errs...)
			})
		},
	}
}

type stageRow struct {
	Stage string `json:"stage" yaml:"stage"`
	Count int    `json:"count" yaml:"count"`
}

type cursorRow struct {
	Source    string    `json:"source" yaml:"source"`
	LastPage  int       `json:"last_page" yaml:"last_page"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

type activityRow struct {
	At         time.Time `json:"at" yaml:"at"`
	Kind       string    `json:"kind" yaml:"kind"`
	ArtifactID string    `json:"artifact_id,omitempty" yaml:"artifact_id,omitempty"`
	Message    string    `json:"message" yaml:"message"`
}

type statusReport struct {
	RunState pipeline.RunState `json:"run_state" yaml:"run_state"`
	// Persisted is false when no run state was ever written and the
	// configured initial state applies.
	Persisted bool          `json:"persisted" yaml:"persisted"`
	Total     int           `json:"total" yaml:"total"`
	Stages    []stageRow    `json:"stages" yaml:"stages"`
	Cursors   []cursorRow   `json:"cursors" yaml:"cursors"`
	Activity  []activityRow `json:"activity" yaml:"activity"`
}

func newStatusCmd() *cobra.Command {
	var (
		output   string
		activity int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the run state, stage counts and discovery cursors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch output {
			case "table", "json", "yaml":
			default:
				return fmt.Errorf("unknown output %q (want table, json or yaml)", output)
			}
			return withStore(cmd, func(ctx context.Context, a *app, store pipeline.Store) error {
				report, err := collectStatus(ctx, a, store, activity)
				if err != nil {
					return err
				}
				return writeStatus(cmd.OutOrStdout(), report, output)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json or yaml")
	cmd.Flags().IntVar(&activity, "activity", 10, "number of recent activity entries to include")
	return cmd
}

func collectStatus(ctx context.Context, a *app, store pipeline.Store, activity int) (statusReport, error) {
	state, err := store.RunState(ctx)
	if err != nil {
		return statusReport{}, fmt.Errorf("read run state: %w", err)
	}
	report := statusReport{RunState: state, Persisted: state != pipeline.RunStateUnset}
	if !report.Persisted {
		report.RunState = a.cfg.InitialRunState()
	}

	counts, err := store.Metrics(ctx)
	if err != nil {
		return statusReport{}, fmt.Errorf("read stage counts: %w", err)
	}
	report.Total = counts.Total()
	for _, stage := range pipeline.Stages() {
		report.Stages = append(report.Stages, stageRow{Stage: string(stage), Count: counts.Count(stage)})
	}

	cursors, err := store.Cursors(ctx)
	if err != nil {
		return statusReport{}, fmt.Errorf("read cursors: %w", err)
	}
	report.Cursors = make([]cursorRow, 0, len(cursors))
	for _, c := range cursors {
		report.Cursors = append(report.Cursors, cursorRow{Source: c.SourceName, LastPage: c.LastPage, UpdatedAt: c.UpdatedAt})
	}

	report.Activity = []activityRow{}
	if activity > 0 {
		entries, err := store.RecentActivity(ctx, activity)
		if err != nil {
			return statusReport{}, fmt.Errorf("read activity: %w", err)
		}
		for _, e := range entries {
			report.Activity = append(report.Activity, activityRow{At: e.At, Kind: e.Kind, ArtifactID: e.ArtifactID, Message: e.Message})
		}
	}
	return report, nil
}

func writeStatus(w io.Writer, report statusReport, output string) error {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encode status: %w", err)
		}
		return nil
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encode status: %w", err)
		}
		return enc.Close()
	}

	var b strings.Builder
	state := string(report.RunState)
	if !report.Persisted {
		state += " (initial)"
	}
	fmt.Fprintf(&b, "Run state: %s\nArtifacts: %d\n\n", state, report.Total)

	stageRows := make([][]string, 0, len(report.Stages))
	for _, s := range report.Stages {
		stageRows = append(stageRows, []string{s.Stage, strconv.Itoa(s.Count)})
	}
	b.WriteString(renderTable("Stages", []string{"Stage", "Count"}, stageRows, []columnAlignment{alignLeft, alignRight}))
	b.WriteString("\n")

	if len(report.Cursors) > 0 {
		rows := make([][]string, 0, len(report.Cursors))
		for _, c := range report.Cursors {
			rows = append(rows, []string{c.Source, strconv.Itoa(c.LastPage), c.UpdatedAt.Format(time.RFC3339)})
		}
		b.WriteString("\n")
		b.WriteString(renderTable("Discovery cursors", []string{"Source", "Last page", "Updated"}, rows,
			[]columnAlignment{alignLeft, alignRight, alignLeft}))
		b.WriteString("\n")
	}

	if len(report.Activity) > 0 {
		rows := make([][]string, 0, len(report.Activity))
		for _, e := range report.Activity {
			rows = append(rows, []string{e.At.Format(time.RFC3339), e.Kind, e.ArtifactID, e.Message})
		}
		b.WriteString("\n")
		b.WriteString(renderTable("Recent activity", []string{"At", "Kind", "Artifact", "Message"}, rows, nil))
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}
