package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
	"github.com/JakeFAU/artifact-pipeline/internal/progress"
	"github.com/JakeFAU/artifact-pipeline/internal/storage/memory"
)

func TestStoreSinkWritesFeed(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(nil)
	sink := NewStoreSink(store, nil)
	jobID := uuid.New()

	failed := progress.JobEvent(progress.StageJobError, jobID, pipeline.ActionAnalyze, "a1")
	failed.Note = "analyzer timeout"
	batch := []progress.Event{
		progress.JobEvent(progress.StageJobStart, jobID, pipeline.ActionAnalyze, "a1"),
		{TS: time.Now(), Stage: progress.StageFetchDone, Site: "museum.example", StatusClass: progress.Status2xx},
		failed,
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	feed, err := store.RecentActivity(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, feed, 2, "fetch events stay out of the feed")
	require.Equal(t, pipeline.ActivityFailed, feed[0].Kind)
	require.Equal(t, "analyzer timeout", feed[0].Message)
	require.Equal(t, pipeline.ActivityClaimed, feed[1].Kind)
	require.Equal(t, "ANALYZE started", feed[1].Message)
	require.Equal(t, "a1", feed[1].ArtifactID)
}

func TestStoreSinkSurfacesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(failingWriter{}, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		progress.JobEvent(progress.StageJobStart, uuid.New(), pipeline.ActionExtract, "a1"),
	})
	require.Error(t, err)
}

type failingWriter struct{}

func (failingWriter) AppendActivity(context.Context, pipeline.Activity) error {
	return errors.New("disk full")
}
