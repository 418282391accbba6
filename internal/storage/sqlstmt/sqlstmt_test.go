package sqlstmt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

var now = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func TestClaimIsConditionalOnStageAndVersion(t *testing.T) {
	t.Parallel()

	query, args, err := Postgres.Claim("museum_a", pipeline.StageDiscovered, 4, pipeline.StageExtractInProgress, now).ToSql()
	require.NoError(t, err)
	require.Contains(t, query, "UPDATE artifacts SET stage = $1, version = version + 1, updated_at = $2")
	require.Contains(t, query, "id = $3")
	require.Contains(t, query, "stage = $4")
	require.Contains(t, query, "version = $5")
	require.Equal(t, []any{"EXTRACT_IN_PROGRESS", now, "museum_a", "DISCOVERED", int64(4)}, args)
}

func TestRecordFailureArgumentOrder(t *testing.T) {
	t.Parallel()

	claim := pipeline.Claim{ArtifactID: "museum_a", Stage: pipeline.StageExtractInProgress, Version: 2}
	f := pipeline.Failure{Release: pipeline.StageDiscovered, Message: "timeout", Ceiling: 3}
	query, args, err := SQLite.RecordFailure(claim, f, now).ToSql()
	require.NoError(t, err)
	require.Contains(t, query, "failure_count = failure_count + 1")
	require.Contains(t, query, "CASE WHEN ? > 0 AND failure_count + 1 >= ? THEN ? ELSE ? END")
	require.Equal(t, []any{
		"timeout",
		3, 3, "FAILED", "DISCOVERED",
		3, 3, "DISCOVERED",
		now.UnixNano(),
		"museum_a", "EXTRACT_IN_PROGRESS", int64(2),
	}, args)
}

func TestInsertArtifactIgnoresDuplicates(t *testing.T) {
	t.Parallel()

	query, _, err := SQLite.InsertArtifact(pipeline.Artifact{ID: "museum_a", SourceName: "museum", SourceURL: "https://x"}, now).ToSql()
	require.NoError(t, err)
	require.Contains(t, query, "INSERT INTO artifacts")
	require.Contains(t, query, "ON CONFLICT (id) DO NOTHING")
}

func TestReleaseStaleCoversEveryClaimMarker(t *testing.T) {
	t.Parallel()

	stmts := SQLite.ReleaseStale(now, time.Time{})
	require.Len(t, stmts, 4)
	for _, stmt := range stmts {
		query, args, err := stmt.ToSql()
		require.NoError(t, err)
		require.Contains(t, query, "WHERE stage = ?")
		require.NotContains(t, query, "updated_at <")
		require.Len(t, args, 3)
	}
}

func TestReleaseStaleHonoursLeaseCutoff(t *testing.T) {
	t.Parallel()

	cutoff := now.Add(-time.Hour)
	for _, stmt := range Postgres.ReleaseStale(now, cutoff) {
		query, args, err := stmt.ToSql()
		require.NoError(t, err)
		require.Contains(t, query, "WHERE stage = $3 AND updated_at < $4")
		require.Len(t, args, 4)
		require.Equal(t, cutoff.UTC(), args[3])
	}
}

func TestSaveDetailsSkipsEmptyFields(t *testing.T) {
	t.Parallel()

	_, ok := SQLite.SaveDetails("museum_a", pipeline.Details{}, now)
	require.False(t, ok)

	ub, ok := SQLite.SaveDetails("museum_a", pipeline.Details{Title: "Vase"}, now)
	require.True(t, ok)
	query, args, err := ub.ToSql()
	require.NoError(t, err)
	require.Contains(t, query, "title = ?")
	require.NotContains(t, query, "description")
	require.Equal(t, []any{"Vase", now.UnixNano(), "museum_a"}, args)
}
