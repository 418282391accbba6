package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/artifact-pipeline/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TS: time.Now(), Stage: progress.StageControl, Note: "pipeline started"},
		{TS: time.Now(), Stage: progress.StageFetchDone, Site: "museum.example", StatusClass: progress.Status2xx},
	}))

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	require.Equal(t, zap.InfoLevel, entries[0].Level)
	require.Equal(t, "pipeline started", entries[0].ContextMap()["note"])
	require.Equal(t, zap.DebugLevel, entries[1].Level)
}
