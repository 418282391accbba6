package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-pipeline/internal/clock/system"
	"github.com/JakeFAU/artifact-pipeline/internal/id/uuid"
	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
	"github.com/JakeFAU/artifact-pipeline/internal/publisher/memory"
)

func TestRequestReviewPublishes(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	clock := system.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	r := NewReviewer(pub, "artifact-review", fixedIDs("req-1"), clock, zap.NewNop())

	err := r.RequestReview(context.Background(), pipeline.Artifact{
		ID:          "museum-abc",
		SourceName:  "museum",
		SourceURL:   "https://museum.test/objects/7",
		Title:       "Mask",
		Description: "Carved wood.",
	})
	require.NoError(t, err)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "artifact-review", msgs[0].Topic)

	var got ReviewRequest
	require.NoError(t, pub.Decode(0, &got))
	require.Equal(t, ReviewRequest{
		RequestID:   "req-1",
		ArtifactID:  "museum-abc",
		SourceName:  "museum",
		SourceURL:   "https://museum.test/objects/7",
		Title:       "Mask",
		Description: "Carved wood.",
		RequestedAt: clock.Now(),
	}, got)
}

func TestRequestReviewUsesGeneratedIDs(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	r := NewReviewer(pub, "t", uuid.NewWithPrefix("review"), system.New(), nil)
	require.NoError(t, r.RequestReview(context.Background(), pipeline.Artifact{ID: "a"}))

	var got ReviewRequest
	require.NoError(t, pub.Decode(0, &got))
	require.Regexp(t, `^review-[0-9a-f-]{36}$`, got.RequestID)
}

func TestRequestReviewPublishFailureIsTransient(t *testing.T) {
	t.Parallel()

	r := NewReviewer(failingPublisher{}, "t", fixedIDs("x"), system.New(), nil)
	err := r.RequestReview(context.Background(), pipeline.Artifact{ID: "a"})
	require.Error(t, err)
	require.Equal(t, pipeline.ErrorKindTransient, pipeline.KindOf(err))
}
