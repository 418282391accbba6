package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

// ReviewRequest is the message a human reviewer receives. The verdict comes
// back through the review endpoint keyed by ArtifactID.
type ReviewRequest struct {
	RequestID   string    `json:"request_id"`
	ArtifactID  string    `json:"artifact_id"`
	SourceName  string    `json:"source_name"`
	SourceURL   string    `json:"source_url"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	RequestedAt time.Time `json:"requested_at"`
}

// Reviewer publishes review requests to a topic.
type Reviewer struct {
	publisher pipeline.Publisher
	topic     string
	ids       pipeline.IDGenerator
	clock     pipeline.Clock
	logger    *zap.Logger
}

var _ pipeline.Reviewer = (*Reviewer)(nil)

// NewReviewer wires a Reviewer.
func NewReviewer(
	publisher pipeline.Publisher,
	topic string,
	ids pipeline.IDGenerator,
	clock pipeline.Clock,
	logger *zap.Logger,
) *Reviewer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reviewer{publisher: publisher, topic: topic, ids: ids, clock: clock, logger: logger}
}

// RequestReview publishes a ReviewRequest for a. Publish failures are
// transient.
func (r *Reviewer) RequestReview(ctx context.Context, a pipeline.Artifact) error {
	requestID, err := r.ids.NewID()
	if err != nil {
		return pipeline.Transient("review", fmt.Errorf("request id: %w", err))
	}
	req := ReviewRequest{
		RequestID:   requestID,
		ArtifactID:  a.ID,
		SourceName:  a.SourceName,
		SourceURL:   a.SourceURL,
		Title:       a.Title,
		Description: a.Description,
		RequestedAt: r.clock.Now().UTC(),
	}
	msgID, err := r.publisher.Publish(ctx, r.topic, req)
	if err != nil {
		return pipeline.Transient("review", fmt.Errorf("publish to %s: %w", r.topic, err))
	}
	r.logger.Info("review requested",
		zap.String("artifact_id", a.ID),
		zap.String("request_id", requestID),
		zap.String("message_id", msgID),
	)
	return nil
}
