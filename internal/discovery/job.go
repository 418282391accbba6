package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-pipeline/internal/identity"
	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
	"github.com/JakeFAU/artifact-pipeline/internal/progress"
)

// Result summarises one discovery page.
type Result struct {
	Source   string
	Page     int
	Found    int
	Created  int
	Advanced bool
	Backoff  time.Duration
}

// Job runs discovery for one page of one source.
type Job struct {
	discoverer pipeline.Discoverer
	registrar  *identity.Registrar
	cursors    pipeline.CursorStore
	tracker    *Tracker
	events     progress.Emitter
	logger     *zap.Logger
}

// NewJob wires a Job.
func NewJob(
	discoverer pipeline.Discoverer,
	registrar *identity.Registrar,
	cursors pipeline.CursorStore,
	tracker *Tracker,
	events progress.Emitter,
	logger *zap.Logger,
) *Job {
	if events == nil {
		events = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Job{
		discoverer: discoverer,
		registrar:  registrar,
		cursors:    cursors,
		tracker:    tracker,
		events:     events,
		logger:     logger,
	}
}

// Tracker returns the lease tracker the job releases into.
func (j *Job) Tracker() *Tracker {
	return j.tracker
}

// Run discovers page of source, registers each link and advances the cursor
// to page when at least one artifact was new. The caller must hold the
// source's lease; Run always releases it.
func (j *Job) Run(ctx context.Context, source pipeline.Source, page int) (res Result, err error) {
	res = Result{Source: source.Name, Page: page}
	outcome := OutcomeFailed
	start := time.Now()
	defer func() {
		res.Backoff = j.tracker.Release(source.Name, outcome)
		j.report(res, outcome, err, time.Since(start))
	}()

	links, err := j.discoverer.Discover(ctx, source, page)
	if err != nil {
		return res, fmt.Errorf("discover %s page %d: %w", source.Name, page, err)
	}
	res.Found = len(links)

	seen := make(map[string]struct{}, len(links))
	for _, link := range links {
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		_, created, rerr := j.registrar.Register(ctx, source.Name, link)
		if errors.Is(rerr, identity.ErrInvalidURL) {
			j.logger.Debug("skipping invalid link", zap.String("source", source.Name), zap.String("url", link))
			continue
		}
		if rerr != nil {
			return res, rerr
		}
		if created {
			res.Created++
		}
	}

	if res.Created == 0 {
		outcome = OutcomeEmpty
		return res, nil
	}
	if err := j.cursors.AdvanceCursor(ctx, source.Name, page); err != nil {
		return res, fmt.Errorf("advance cursor %s: %w", source.Name, err)
	}
	res.Advanced = true
	outcome = OutcomeAdvanced
	return res, nil
}

func (j *Job) report(res Result, outcome Outcome, err error, dur time.Duration) {
	fields := []zap.Field{
		zap.String("source", res.Source),
		zap.Int("page", res.Page),
		zap.Int("found", res.Found),
		zap.Int("created", res.Created),
		zap.Stringer("outcome", outcome),
	}
	var note string
	switch outcome {
	case OutcomeAdvanced:
		note = fmt.Sprintf("page %d: %d links, %d new", res.Page, res.Found, res.Created)
		j.logger.Info("discovery advanced cursor", fields...)
	case OutcomeEmpty:
		note = fmt.Sprintf("page %d: no new items, backing off %s", res.Page, res.Backoff)
		j.logger.Info("discovery found nothing new", append(fields, zap.Duration("backoff", res.Backoff))...)
	default:
		note = fmt.Sprintf("page %d failed: %v", res.Page, err)
		j.logger.Warn("discovery failed", append(fields, zap.Duration("backoff", res.Backoff), zap.Error(err))...)
	}
	j.events.Emit(progress.Event{
		TS:     time.Now().UTC(),
		Stage:  progress.StageDiscover,
		Action: pipeline.ActionDiscover.String(),
		Site:   res.Source,
		Dur:    dur,
		Note:   note,
	})
}
