// Package review applies human review verdicts to artifacts waiting in
// REVIEW_PENDING.
package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
	"github.com/JakeFAU/artifact-pipeline/internal/progress"
)

var (
	// ErrInvalidSignal reports a malformed review signal.
	ErrInvalidSignal = errors.New("invalid review signal")
	// ErrNotReady reports a verdict that arrived while the review job is
	// still running. The sender should deliver it again later.
	ErrNotReady = errors.New("artifact review still in progress")
)

// Store is the slice of pipeline.Store the gate writes.
type Store interface {
	Transition(ctx context.Context, id string, from, to pipeline.Stage) (bool, error)
	Get(ctx context.Context, id string) (pipeline.Artifact, error)
}

// Gate moves REVIEW_PENDING artifacts to APPROVED or REJECTED.
type Gate struct {
	store  Store
	events progress.Emitter
	logger *zap.Logger
}

// NewGate constructs a Gate.
func NewGate(store Store, events progress.Emitter, logger *zap.Logger) *Gate {
	if events == nil {
		events = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{store: store, events: events, logger: logger}
}

// Apply applies sig. applied is false when the artifact is not waiting for
// review, which makes repeated signals harmless. A verdict for an artifact
// still in REVIEW_IN_PROGRESS returns ErrNotReady instead of being dropped.
// Unknown artifacts return pipeline.ErrNotFound.
func (g *Gate) Apply(ctx context.Context, sig pipeline.ReviewSignal) (bool, error) {
	if sig.ArtifactID == "" {
		return false, fmt.Errorf("%w: artifact id is required", ErrInvalidSignal)
	}
	to, err := sig.Verdict.Stage()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidSignal, err)
	}

	applied, err := g.store.Transition(ctx, sig.ArtifactID, pipeline.StageReviewPending, to)
	if err != nil {
		return false, fmt.Errorf("apply review %s: %w", sig.ArtifactID, err)
	}
	if !applied {
		current, err := g.store.Get(ctx, sig.ArtifactID)
		if err != nil {
			return false, fmt.Errorf("apply review %s: %w", sig.ArtifactID, err)
		}
		if current.Stage == pipeline.StageReviewInProgress {
			g.logger.Info("review signal deferred; review job still running",
				zap.String("artifact_id", sig.ArtifactID),
				zap.String("verdict", string(sig.Verdict)))
			return false, fmt.Errorf("apply review %s: %w", sig.ArtifactID, ErrNotReady)
		}
		g.logger.Debug("review signal ignored; artifact not pending review",
			zap.String("artifact_id", sig.ArtifactID),
			zap.String("verdict", string(sig.Verdict)))
		return false, nil
	}

	g.logger.Info("review applied",
		zap.String("artifact_id", sig.ArtifactID),
		zap.String("verdict", string(sig.Verdict)),
		zap.Stringer("stage", to))
	g.events.Emit(progress.Event{
		TS:         time.Now().UTC(),
		Stage:      progress.StageReview,
		Action:     pipeline.ActionReview.String(),
		ArtifactID: sig.ArtifactID,
		Note:       fmt.Sprintf("verdict %s: moved to %s", sig.Verdict, to),
	})
	return true, nil
}
