package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/artifact-pipeline/internal/clock/system"
	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
	"github.com/JakeFAU/artifact-pipeline/internal/storage/storetest"
)

func openTestStore(t *testing.T, clock pipeline.Clock) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "pipeline.db")}, clock)
	require.NoError(t, err)
	return s
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock pipeline.Clock) pipeline.Store {
		return openTestStore(t, clock)
	})
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "pipeline.db")
	clock := system.NewManual(storetest.Epoch)

	s, err := Open(ctx, Config{Path: path}, clock)
	require.NoError(t, err)
	storetest.Register(t, s, clock, "museum_persist")
	require.NoError(t, s.AdvanceCursor(ctx, "museum", 2))
	require.NoError(t, s.SetRunState(ctx, pipeline.RunStateRunning))
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Path: path}, clock)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	a, err := s.Get(ctx, "museum_persist")
	require.NoError(t, err)
	require.Equal(t, storetest.Epoch, a.CreatedAt)
	page, err := s.GetCursor(ctx, "museum")
	require.NoError(t, err)
	require.Equal(t, 2, page)
	state, err := s.RunState(ctx)
	require.NoError(t, err)
	require.Equal(t, pipeline.RunStateRunning, state)
}

func TestSchemaMismatch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pipeline.db")
	s, err := Open(ctx, Config{Path: path}, nil)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, "UPDATE schema_version SET version = 99")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Config{Path: path}, nil)
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{}, nil)
	require.Error(t, err)
}
