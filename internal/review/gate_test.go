package review

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
	"github.com/JakeFAU/artifact-pipeline/internal/progress"
	"github.com/JakeFAU/artifact-pipeline/internal/storage/memory"
)

// pendingArtifact walks a fresh artifact to REVIEW_PENDING through the
// normal claim path.
func pendingArtifact(t *testing.T, store *memory.Store, id string) {
	t.Helper()
	ctx := context.Background()
	a, _, err := store.Register(ctx, pipeline.Artifact{ID: id, SourceName: "museum", SourceURL: "https://museum.example/" + id})
	require.NoError(t, err)
	for _, action := range []pipeline.Action{pipeline.ActionExtract, pipeline.ActionAnalyze, pipeline.ActionReview} {
		tr, _ := action.Transition()
		claim, err := store.Claim(ctx, id, tr.From, a.Version, tr.InProgress)
		require.NoError(t, err)
		require.NoError(t, store.Finalize(ctx, claim, tr.Done))
		a, err = store.Get(ctx, id)
		require.NoError(t, err)
	}
	require.Equal(t, pipeline.StageReviewPending, a.Stage)
}

func TestApplyVerdicts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cases := []struct {
		verdict pipeline.Verdict
		want    pipeline.Stage
	}{
		{pipeline.VerdictApprove, pipeline.StageApproved},
		{pipeline.VerdictReject, pipeline.StageRejected},
	}
	for _, tc := range cases {
		t.Run(string(tc.verdict), func(t *testing.T) {
			t.Parallel()
			store := memory.NewStore(nil)
			pendingArtifact(t, store, "a1")
			events := &recorder{}
			gate := NewGate(store, events, zap.NewNop())

			applied, err := gate.Apply(ctx, pipeline.ReviewSignal{ArtifactID: "a1", Verdict: tc.verdict})
			require.NoError(t, err)
			require.True(t, applied)

			got, err := store.Get(ctx, "a1")
			require.NoError(t, err)
			require.Equal(t, tc.want, got.Stage)
			require.Len(t, events.events, 1)
			require.Equal(t, progress.StageReview, events.events[0].Stage)
			require.NoError(t, events.events[0].Validate())
		})
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore(nil)
	pendingArtifact(t, store, "a1")
	events := &recorder{}
	gate := NewGate(store, events, zap.NewNop())

	sig := pipeline.ReviewSignal{ArtifactID: "a1", Verdict: pipeline.VerdictApprove}
	applied, err := gate.Apply(ctx, sig)
	require.NoError(t, err)
	require.True(t, applied)

	before, err := store.Get(ctx, "a1")
	require.NoError(t, err)

	applied, err = gate.Apply(ctx, sig)
	require.NoError(t, err)
	require.False(t, applied)

	// A contradicting late verdict is ignored too.
	applied, err = gate.Apply(ctx, pipeline.ReviewSignal{ArtifactID: "a1", Verdict: pipeline.VerdictReject})
	require.NoError(t, err)
	require.False(t, applied)

	after, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Len(t, events.events, 1)
}

func TestApplyOutsideReviewIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore(nil)
	_, _, err := store.Register(ctx, pipeline.Artifact{ID: "a1", SourceName: "museum", SourceURL: "https://museum.example/a1"})
	require.NoError(t, err)

	applied, err := NewGate(store, nil, nil).Apply(ctx, pipeline.ReviewSignal{ArtifactID: "a1", Verdict: pipeline.VerdictApprove})
	require.NoError(t, err)
	require.False(t, applied)

	got, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, pipeline.StageDiscovered, got.Stage)
}

func TestApplyDuringReviewJobAsksForRedelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore(nil)
	a, _, err := store.Register(ctx, pipeline.Artifact{ID: "a1", SourceName: "museum", SourceURL: "https://museum.example/a1"})
	require.NoError(t, err)
	for _, action := range []pipeline.Action{pipeline.ActionExtract, pipeline.ActionAnalyze} {
		tr, _ := action.Transition()
		claim, err := store.Claim(ctx, "a1", tr.From, a.Version, tr.InProgress)
		require.NoError(t, err)
		require.NoError(t, store.Finalize(ctx, claim, tr.Done))
		a, err = store.Get(ctx, "a1")
		require.NoError(t, err)
	}
	tr, _ := pipeline.ActionReview.Transition()
	claim, err := store.Claim(ctx, "a1", tr.From, a.Version, tr.InProgress)
	require.NoError(t, err)

	events := &recorder{}
	gate := NewGate(store, events, zap.NewNop())
	sig := pipeline.ReviewSignal{ArtifactID: "a1", Verdict: pipeline.VerdictApprove}

	applied, err := gate.Apply(ctx, sig)
	require.ErrorIs(t, err, ErrNotReady)
	require.False(t, applied)
	require.Empty(t, events.events)

	// The review job finishes; the redelivered verdict lands.
	require.NoError(t, store.Finalize(ctx, claim, tr.Done))
	applied, err = gate.Apply(ctx, sig)
	require.NoError(t, err)
	require.True(t, applied)

	got, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, pipeline.StageApproved, got.Stage)
}

func TestApplyUnknownArtifact(t *testing.T) {
	t.Parallel()
	gate := NewGate(memory.NewStore(nil), nil, nil)
	_, err := gate.Apply(context.Background(), pipeline.ReviewSignal{ArtifactID: "nope", Verdict: pipeline.VerdictReject})
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestApplyValidatesSignal(t *testing.T) {
	t.Parallel()
	gate := NewGate(memory.NewStore(nil), nil, nil)

	_, err := gate.Apply(context.Background(), pipeline.ReviewSignal{ArtifactID: "a1", Verdict: "MAYBE"})
	require.ErrorIs(t, err, ErrInvalidSignal)

	_, err = gate.Apply(context.Background(), pipeline.ReviewSignal{Verdict: pipeline.VerdictApprove})
	require.ErrorIs(t, err, ErrInvalidSignal)
}

// --- fakes ---

type recorder struct {
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.events = append(r.events, evt)
}
