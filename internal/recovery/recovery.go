// Package recovery records failed stage jobs and decides whether the artifact
// is retried or parked in FAILED.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

// maxErrorLength bounds the last_error column.
const maxErrorLength = 1000

// Outcome reports what Handle did with a failure.
type Outcome struct {
	Kind pipeline.ErrorKind
	// Artifact is the stored state after the failure was recorded.
	Artifact pipeline.Artifact
	// Exhausted is true when the artifact moved to FAILED.
	Exhausted bool
	// Recorded is false when the store rejected the write. Err then holds
	// the store error and the claim is still in place.
	Recorded bool
	Err      error
}

// Handler applies the retry ceiling to failed jobs.
type Handler struct {
	store   pipeline.ArtifactStore
	ceiling int
	logger  *zap.Logger
}

// New builds a Handler. A ceiling of zero or less retries forever.
func New(store pipeline.ArtifactStore, ceiling int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, ceiling: ceiling, logger: logger}
}

// Ceiling returns the configured retry ceiling.
func (h *Handler) Ceiling() int {
	return h.ceiling
}

// Handle records cause against the claimed artifact and releases the claim
// back to release, or to FAILED once the ceiling is reached. It never
// returns an error; store failures are logged.
func (h *Handler) Handle(ctx context.Context, claim pipeline.Claim, release pipeline.Stage, cause error) Outcome {
	kind := pipeline.KindOf(cause)
	out := Outcome{Kind: kind}
	logger := h.logger.With(
		zap.String("artifact_id", claim.ArtifactID),
		zap.String("stage", claim.Stage.String()),
		zap.String("kind", string(kind)),
	)

	a, err := h.store.RecordFailure(ctx, claim, pipeline.Failure{
		Release: release,
		Message: Message(cause),
		Ceiling: h.ceiling,
	})
	if err != nil {
		level := logger.Warn
		if errors.Is(err, pipeline.ErrStoreUnavailable) {
			level = logger.Error
		}
		level("record failure", zap.NamedError("cause", cause), zap.Error(err))
		out.Err = err
		return out
	}

	out.Artifact = a
	out.Recorded = true
	out.Exhausted = a.Stage == pipeline.StageFailed
	if out.Exhausted {
		logger.Warn("artifact failed permanently",
			zap.Int("failure_count", a.FailureCount),
			zap.Int("retry_ceiling", h.ceiling),
			zap.Error(cause))
		return out
	}
	logger.Warn("stage job failed; released for retry",
		zap.Int("failure_count", a.FailureCount),
		zap.String("released_to", a.Stage.String()),
		zap.Error(cause))
	return out
}

// Message renders cause for the last_error column.
func Message(cause error) string {
	if cause == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %v", pipeline.KindOf(cause), cause)
	if len(msg) <= maxErrorLength {
		return strings.ToValidUTF8(msg, "?")
	}
	cut := maxErrorLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return strings.ToValidUTF8(msg[:cut], "?")
}
