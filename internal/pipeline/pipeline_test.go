package pipeline

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArtifactActionsHaveDistinctClaimMarkers(t *testing.T) {
	t.Parallel()

	seen := map[Stage]Action{}
	for _, action := range Actions() {
		tr, ok := action.Transition()
		switch action {
		case ActionSleep, ActionDiscover:
			require.False(t, ok, action.String())
			continue
		}
		require.True(t, ok, action.String())
		require.True(t, tr.InProgress.InProgress())
		require.False(t, tr.From.InProgress())
		require.False(t, tr.Done.InProgress())
		_, dup := seen[tr.InProgress]
		require.False(t, dup, "marker %s reused", tr.InProgress)
		seen[tr.InProgress] = action

		from, ok := tr.InProgress.PreClaim()
		require.True(t, ok)
		require.Equal(t, tr.From, from)
	}
	require.Len(t, seen, 4)
}

func TestStageClassification(t *testing.T) {
	t.Parallel()

	for _, s := range Stages() {
		require.True(t, s.Valid())
	}
	require.False(t, Stage("DISCOVERED_IN_PROGRESS").Valid())
	require.True(t, StageFailed.Terminal())
	require.True(t, StageRejected.Terminal())
	require.True(t, StageArchived.Terminal())
	require.False(t, StageReviewPending.Terminal())
	_, ok := StageReviewPending.PreClaim()
	require.False(t, ok)
}

func TestVerdictStage(t *testing.T) {
	t.Parallel()

	s, err := VerdictApprove.Stage()
	require.NoError(t, err)
	require.Equal(t, StageApproved, s)
	s, err = VerdictReject.Stage()
	require.NoError(t, err)
	require.Equal(t, StageRejected, s)
	_, err = Verdict("MAYBE").Stage()
	require.Error(t, err)
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	require.Equal(t, ErrorKindTransient, KindOf(errors.New("boom")))
	require.Equal(t, ErrorKindTransient, KindOf(Transient("fetch", io.ErrUnexpectedEOF)))
	require.True(t, IsPermanent(Permanent("parse", errors.New("no title"))))

	wrapped := Unavailable("metrics", errors.New("connection refused"))
	require.ErrorIs(t, wrapped, ErrStoreUnavailable)

	inner := Permanent("extract", io.EOF)
	require.ErrorIs(t, inner, io.EOF)
}

func TestDecisionString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "SLEEP", Decision{}.String())
	require.Equal(t, "DISCOVER museum page 3", Decision{Action: ActionDiscover, Source: "museum", Page: 3}.String())
	require.Equal(t, "EXTRACT a1", Decision{Action: ActionExtract, Target: &Artifact{ID: "a1"}}.String())
}
