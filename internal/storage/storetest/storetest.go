// Package storetest holds the behavioural suite every pipeline.Store
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/artifact-pipeline/internal/clock/system"
	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

// Epoch is the start time of the manual clock handed to factories.
var Epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// Factory builds an empty store driven by clock.
type Factory func(t *testing.T, clock pipeline.Clock) pipeline.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, s pipeline.Store, clock *system.Manual)
	}{
		{"RegisterIsIdempotent", testRegisterIdempotent},
		{"ConcurrentRegister", testConcurrentRegister},
		{"FetchOldest", testFetchOldest},
		{"ClaimCompareAndSwap", testClaimCAS},
		{"ConcurrentClaim", testConcurrentClaim},
		{"FinalizeResetsFailures", testFinalizeResetsFailures},
		{"FailureCeiling", testFailureCeiling},
		{"Transition", testTransition},
		{"ReleaseStale", testReleaseStale},
		{"ReleaseStaleLease", testReleaseStaleLease},
		{"Cursor", testCursor},
		{"RunState", testRunState},
		{"Activity", testActivity},
		{"DetailsAndAssets", testDetailsAndAssets},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := system.NewManual(Epoch)
			s := newStore(t, clock)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s, clock)
		})
	}
}

// Register inserts a DISCOVERED artifact created at the clock's current time.
func Register(t *testing.T, s pipeline.Store, clock pipeline.Clock, id string) pipeline.Artifact {
	t.Helper()
	a, created, err := s.Register(context.Background(), pipeline.Artifact{
		ID:         id,
		SourceName: "museum",
		SourceURL:  "https://example.com/items/" + id,
		CreatedAt:  clock.Now(),
	})
	require.NoError(t, err)
	require.True(t, created)
	return a
}

func testRegisterIdempotent(t *testing.T, s pipeline.Store, clock *system.Manual) {
	ctx := context.Background()
	first := Register(t, s, clock, "museum_aaa")
	require.Equal(t, pipeline.StageDiscovered, first.Stage)

	again, created, err := s.Register(ctx, pipeline.Artifact{
		ID:         "museum_aaa",
		SourceName: "museum",
		SourceURL:  "https://example.com/items/museum_aaa",
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)

	m, err := s.Metrics(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, m.Count(pipeline.StageDiscovered))
	require.Equal(t, 1, m.Total())
}

func testConcurrentRegister(t *testing.T, s pipeline.Store, clock *system.Manual) {
	ctx := context.Background()
	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Register(ctx, pipeline.Artifact{
				ID:         "museum_same",
				SourceName: "museum",
				SourceURL:  "https://example.com/items/same",
				CreatedAt:  clock.Now(),
			})
			if err == nil && ok {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), created.Load())

	m, err := s.Metrics(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, m.Count(pipeline.StageDiscovered))
}

func testFetchOldest(t *testing.T, s pipeline.Store, clock *system.Manual) {
	ctx := context.Background()
	Register(t, s, clock, "museum_b")
	clock.Advance(time.Second)
	Register(t, s, clock, "museum_a")
	clock.Advance(time.Second)
	Register(t, s, clock, "museum_c")

	oldest, ok, err := s.FetchOldest(ctx, pipeline.StageDiscovered)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "museum_b", oldest.ID)

	_, ok, err = s.FetchOldest(ctx, pipeline.StageExtracted)
	require.NoError(t, err)
	require.False(t, ok)
}

func testClaimCAS(t *testing.T, s pipeline.Store, clock *system.Manual) {
	ctx := context.Background()
	a := Register(t, s, clock, "museum_claim")

	_, err := s.Claim(ctx, a.ID, pipeline.StageDiscovered, a.Version+7, pipeline.StageExtractInProgress)
	require.ErrorIs(t, err, pipeline.ErrClaimConflict)

	_, err = s.Claim(ctx, a.ID, pipeline.StageExtracted, a.Version, pipeline.StageAnalyzeInProgress)
	require.ErrorIs(t, err, pipeline.ErrClaimConflict)

	claim, err := s.Claim(ctx, a.ID, pipeline.StageDiscovered, a.Version, pipeline.StageExtractInProgress)
	require.NoError(t, err)
	require.Equal(t, pipeline.StageExtractInProgress, claim.Stage)
	require.Greater(t, claim.Version, a.Version)

	_, err = s.Claim(ctx, a.ID, pipeline.StageDiscovered, a.Version, pipeline.StageExtractInProgress)
	require.ErrorIs(t, err, pipeline.ErrClaimConflict)

	_, err = s.Claim(ctx, "museum_missing", pipeline.StageDiscovered, 1, pipeline.StageExtractInProgress)
	require.ErrorIs(t, err, pipeline.ErrNotFound)

	m, err := s.Metrics(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, m.Count(pipeline.StageDiscovered))
	require.Equal(t, 1, m.Count(pipeline.StageExtractInProgress))
}

func testConcurrentClaim(t *testing.T, s pipeline.Store, clock *system.Manual) {
	ctx := context.Background()
	a := Register(t, s, clock, "museum_race")

	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Claim(ctx, a.ID, pipeline.StageDiscovered, a.Version, pipeline.StageExtractInProgress)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, pipeline.ErrClaimConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, int32(19), conflicts.Load())
}

func testFinalizeResetsFailures(t *testing.T, s pipeline.Store, clock *system.Manual) {
	ctx := context.Background()
	a := Register(t, s, clock, "museum_fin")

	claim, err := s.Claim(ctx, a.ID, pipeline.StageDiscovered, a.Version, pipeline.StageExtractInProgress)
	require.NoError(t, err)
	failed, err := s.RecordFailure(ctx, claim, pipeline.Failure{
		Release: pipeline.StageDiscovered,
		Message: "timeout",
		Ceiling: 3,
	})
	require.NoError(t, err)
	require.Equal(t, pipeline.StageDiscovered, failed.Stage)
	require.Equal(t, 1, failed.FailureCount)
	require.Equal(t, "timeout", failed.LastError)

	err = s.Finalize(ctx, claim, pipeline.StageExtracted)
	require.ErrorIs(t, err, pipeline.ErrClaimConflict)

	claim, err = s.Claim(ctx, a.ID, pipeline.StageDiscovered, failed.Version, pipeline.StageExtractInProgress)
	require.NoError(t, err)
	require.NoError(t, s.Finalize(ctx, claim, pipeline.StageExtracted))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StageExtracted, got.Stage)
	require.Equal(t, 0, got.FailureCount)
	require.Empty(t, got.LastError)
}

func testFailureCeiling(t *testing.T, s pipeline.Store, clock *system.Manual) {
	ctx := context.Background()
	a := Register(t, s, clock, "museum_ceiling")

	current := a
	for i := 1; i <= 2; i++ {
		claim, err := s.Claim(ctx, a.ID, pipeline.StageDiscovered, current.Version, pipeline.StageExtractInProgress)
		require.NoError(t, err)
		current, err = s.RecordFailure(ctx, claim, pipeline.Failure{
			Release: pipeline.StageDiscovered,
			Message: fmt.Sprintf("attempt %d", i),
			Ceiling: 2,
		})
		require.NoError(t, err)
		require.Equal(t, i, current.FailureCount)
	}
	require.Equal(t, pipeline.StageFailed, current.Stage)
	require.Equal(t, pipeline.StageDiscovered, current.FailedFrom)
	require.Equal(t, "attempt 2", current.LastError)

	_, ok, err := s.FetchOldest(ctx, pipeline.StageDiscovered)
	require.NoError(t, err)
	require.False(t, ok)

	retried, err := s.RetryFailed(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StageDiscovered, retried.Stage)
	require.Equal(t, 0, retried.FailureCount)

	_, err = s.RetryFailed(ctx, a.ID)
	require.Error(t, err)
}

// Advance walks an artifact through a claim/finalize pair for action.
func Advance(t *testing.T, s pipeline.Store, id string, action pipeline.Action) {
	t.Helper()
	ctx := context.Background()
	tr, ok := action.Transition()
	require.True(t, ok)
	a, err := s.Get(ctx, id)
	require.NoError(t, err)
	claim, err := s.Claim(ctx, id, tr.From, a.Version, tr.InProgress)
	require.NoError(t, err)
	require.NoError(t, s.Finalize(ctx, claim, tr.Done))
}

func testTransition(t *testing.T, s pipeline.Store, clock *system.Manual) {
	ctx := context.Background()
	a := Register(t, s, clock, "museum_review")
	Advance(t, s, a.ID, pipeline.ActionExtract)
	Advance(t, s, a.ID, pipeline.ActionAnalyze)
	Advance(t, s, a.ID, pipeline.ActionReview)

	ok, err := s.Transition(ctx, a.ID, pipeline.StageReviewPending, pipeline.StageApproved)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Transition(ctx, a.ID, pipeline.StageReviewPending, pipeline.StageApproved)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Transition(ctx, "museum_missing", pipeline.StageReviewPending, pipeline.StageApproved)
	require.ErrorIs(t, err, pipeline.ErrNotFound)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StageApproved, got.Stage)
}

func testReleaseStale(t *testing.T, s pipeline.Store, clock *system.Manual) {
	ctx := context.Background()
	a := Register(t, s, clock, "museum_stale")
	Register(t, s, clock, "museum_idle")
	_, err := s.Claim(ctx, a.ID, pipeline.StageDiscovered, a.Version, pipeline.StageExtractInProgress)
	require.NoError(t, err)

	n, err := s.ReleaseStale(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StageDiscovered, got.Stage)
	require.Equal(t, 0, got.FailureCount)
}

func testReleaseStaleLease(t *testing.T, s pipeline.Store, clock *system.Manual) {
	ctx := context.Background()
	old := Register(t, s, clock, "museum_old")
	_, err := s.Claim(ctx, old.ID, pipeline.StageDiscovered, old.Version, pipeline.StageExtractInProgress)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	live := Register(t, s, clock, "museum_live")
	_, err = s.Claim(ctx, live.ID, pipeline.StageDiscovered, live.Version, pipeline.StageExtractInProgress)
	require.NoError(t, err)
	clock.Advance(time.Minute)

	n, err := s.ReleaseStale(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.Get(ctx, old.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StageDiscovered, got.Stage)

	got, err = s.Get(ctx, live.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StageExtractInProgress, got.Stage)
}

func testCursor(t *testing.T, s pipeline.Store, _ *system.Manual) {
	ctx := context.Background()
	page, err := s.GetCursor(ctx, "museum")
	require.NoError(t, err)
	require.Equal(t, 0, page)

	require.NoError(t, s.AdvanceCursor(ctx, "museum", 1))
	require.NoError(t, s.AdvanceCursor(ctx, "museum", 0))
	page, err = s.GetCursor(ctx, "museum")
	require.NoError(t, err)
	require.Equal(t, 1, page)

	require.NoError(t, s.AdvanceCursor(ctx, "gallery", 4))
	cursors, err := s.Cursors(ctx)
	require.NoError(t, err)
	require.Len(t, cursors, 2)
	require.Equal(t, "gallery", cursors[0].SourceName)
	require.Equal(t, 4, cursors[0].LastPage)
	require.Equal(t, "museum", cursors[1].SourceName)
}

func testRunState(t *testing.T, s pipeline.Store, _ *system.Manual) {
	ctx := context.Background()
	state, err := s.RunState(ctx)
	require.NoError(t, err)
	require.Equal(t, pipeline.RunStateUnset, state)

	require.NoError(t, s.SetRunState(ctx, pipeline.RunStateRunning))
	require.NoError(t, s.SetRunState(ctx, pipeline.RunStateStopped))
	state, err = s.RunState(ctx)
	require.NoError(t, err)
	require.Equal(t, pipeline.RunStateStopped, state)
}

func testActivity(t *testing.T, s pipeline.Store, clock *system.Manual) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendActivity(ctx, pipeline.Activity{
			ArtifactID: "museum_a",
			Action:     pipeline.ActionExtract.String(),
			Kind:       pipeline.ActivityCompleted,
			Message:    fmt.Sprintf("entry %d", i),
			At:         clock.Advance(time.Second),
		}))
	}
	recent, err := s.RecentActivity(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "entry 2", recent[0].Message)
	require.Equal(t, "entry 1", recent[1].Message)
}

func testDetailsAndAssets(t *testing.T, s pipeline.Store, clock *system.Manual) {
	ctx := context.Background()
	a := Register(t, s, clock, "museum_assets")

	require.NoError(t, s.SaveDetails(ctx, a.ID, pipeline.Details{Title: "Amphora", Description: "Clay"}))
	require.NoError(t, s.SaveDetails(ctx, a.ID, pipeline.Details{ArchiveURI: "gs://bucket/museum_assets"}))
	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "Amphora", got.Title)
	require.Equal(t, "Clay", got.Description)
	require.Equal(t, "gs://bucket/museum_assets", got.ArchiveURI)

	require.NoError(t, s.AddMediaAssets(ctx, a.ID, []pipeline.MediaAsset{
		{AssetURL: "https://example.com/a.jpg", Role: pipeline.AssetRolePrimary, StagedURI: "memory://a"},
		{AssetURL: "https://example.com/b.jpg", Role: pipeline.AssetRoleImage},
	}))
	assets, err := s.MediaAssets(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, assets, 2)
	require.Equal(t, a.ID, assets[0].ArtifactID)
	require.Equal(t, pipeline.AssetRolePrimary, assets[0].Role)
	require.Equal(t, "memory://a", assets[0].StagedURI)

	_, err = s.Get(ctx, "museum_missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}
