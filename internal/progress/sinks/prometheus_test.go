package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
	"github.com/JakeFAU/artifact-pipeline/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	jobID := uuid.New()
	done := progress.JobEvent(progress.StageJobDone, jobID, pipeline.ActionExtract, "a1")
	done.Dur = 3 * time.Second
	batch := []progress.Event{
		progress.JobEvent(progress.StageJobStart, jobID, pipeline.ActionExtract, "a1"),
		{
			TS:          time.Now(),
			Stage:       progress.StageFetchDone,
			Site:        "museum.example",
			Bytes:       1024,
			StatusClass: progress.Status2xx,
			Dur:         200 * time.Millisecond,
		},
		done,
		{TS: time.Now(), Stage: progress.StageDiscover, Site: "museum"},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsStarted.WithLabelValues("EXTRACT")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("EXTRACT", "success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning.WithLabelValues("EXTRACT")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.discovered.WithLabelValues("museum")))
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.fetchBytes.WithLabelValues("museum.example")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.fetchDuration, "pipeline_fetch_duration_seconds"))
}

func TestPrometheusSinkDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
