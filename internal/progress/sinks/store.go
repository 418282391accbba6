package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
	"github.com/JakeFAU/artifact-pipeline/internal/progress"
)

// ActivityWriter is the slice of the control store the sink needs.
type ActivityWriter interface {
	AppendActivity(ctx context.Context, entry pipeline.Activity) error
}

// StoreSink appends feed-worthy events to the durable activity log.
type StoreSink struct {
	store  ActivityWriter
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink.
func NewStoreSink(store ActivityWriter, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{store: store, logger: logger}
}

// Consume writes one activity entry per feed event, in batch order. It stops
// at the first store error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	for _, evt := range batch {
		kind, ok := evt.ActivityKind()
		if !ok {
			continue
		}
		entry := pipeline.Activity{
			ArtifactID: evt.ArtifactID,
			Action:     evt.Action,
			Kind:       kind,
			Message:    message(evt),
			At:         evt.TS,
		}
		if err := s.store.AppendActivity(ctx, entry); err != nil {
			return fmt.Errorf("append activity: %w", err)
		}
	}
	return nil
}

func message(evt progress.Event) string {
	if evt.Note != "" {
		return evt.Note
	}
	switch evt.Stage {
	case progress.StageJobStart:
		return fmt.Sprintf("%s started", evt.Action)
	case progress.StageJobDone:
		return fmt.Sprintf("%s completed in %s", evt.Action, evt.Dur.Round(1e6))
	case progress.StageDiscover:
		return fmt.Sprintf("discovery on %s", evt.Site)
	default:
		return string(evt.Stage)
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
