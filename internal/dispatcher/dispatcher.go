// Package dispatcher runs stage jobs on a bounded pool. Every artifact job
// claims its target first; the claim is the only serialisation point between
// jobs.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/artifact-pipeline/internal/backoff"
	"github.com/JakeFAU/artifact-pipeline/internal/metrics"
	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
	"github.com/JakeFAU/artifact-pipeline/internal/progress"
	"github.com/JakeFAU/artifact-pipeline/internal/recovery"
)

const tracerName = "github.com/JakeFAU/artifact-pipeline/internal/dispatcher"

// Store is the slice of pipeline.Store the dispatcher writes.
type Store interface {
	Claim(ctx context.Context, id string, from pipeline.Stage, version int64, to pipeline.Stage) (pipeline.Claim, error)
	Finalize(ctx context.Context, claim pipeline.Claim, done pipeline.Stage) error
}

// FailureHandler records a failed job against its claim.
type FailureHandler interface {
	Handle(ctx context.Context, claim pipeline.Claim, release pipeline.Stage, cause error) recovery.Outcome
}

// Task performs the stage work on a claimed artifact. The artifact passed in
// carries the claimed stage and version.
type Task func(ctx context.Context, a pipeline.Artifact) error

// Config configures a Dispatcher.
type Config struct {
	// Concurrency is the number of slots. Values below 1 mean 1.
	Concurrency int
	Logger      *zap.Logger
	Events      progress.Emitter
	Tracer      trace.Tracer
	// Settle retries the write that completes or releases a claim while the
	// store is unavailable. Zero MaxAttempts selects DefaultSettle.
	Settle backoff.Retry
}

// DefaultSettle retries a settling write three times over about a second.
func DefaultSettle() backoff.Retry {
	return backoff.Retry{
		MaxAttempts: 3,
		Backoff:     backoff.Exponential{Base: 200 * time.Millisecond, Max: 2 * time.Second, Jitter: true},
	}
}

// settlement is a claim whose completing write could not reach the store.
type settlement struct {
	claim  pipeline.Claim
	action pipeline.Action
	write  func(ctx context.Context) error
}

// Dispatcher owns the worker slots and the completion handling of every job.
type Dispatcher struct {
	store    Store
	failures FailureHandler
	events   progress.Emitter
	tracer   trace.Tracer
	settle   backoff.Retry
	logger   *zap.Logger

	sem      *semaphore.Weighted
	size     int
	inFlight atomic.Int64
	wg       sync.WaitGroup

	mu      sync.Mutex
	claimed map[string]pipeline.Action
	pending []settlement
}

// New constructs a Dispatcher.
func New(store Store, failures FailureHandler, cfg Config) *Dispatcher {
	size := cfg.Concurrency
	if size < 1 {
		size = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := cfg.Events
	if events == nil {
		events = progress.Discard
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	settle := cfg.Settle
	if settle.MaxAttempts < 1 {
		settle = DefaultSettle()
	}
	settle.Retryable = func(err error) bool {
		return errors.Is(err, pipeline.ErrStoreUnavailable)
	}
	return &Dispatcher{
		store:    store,
		failures: failures,
		events:   events,
		tracer:   tracer,
		settle:   settle,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(size)),
		size:     size,
		claimed:  make(map[string]pipeline.Action),
	}
}

// Size returns the number of slots.
func (d *Dispatcher) Size() int {
	return d.size
}

// InFlight reports the number of busy slots.
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}

// Claimed returns the IDs of artifacts currently claimed by running jobs,
// sorted.
func (d *Dispatcher) Claimed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.claimed))
	for id := range d.claimed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dispatch claims decision's target and runs task on it in a new goroutine.
// It returns ErrSaturated when no slot is free and ErrClaimConflict when the
// target moved since the decision was made; neither starts a job.
func (d *Dispatcher) Dispatch(ctx context.Context, decision pipeline.Decision, task Task) (*Job, error) {
	tr, ok := decision.Action.Transition()
	if !ok {
		return nil, fmt.Errorf("dispatch %s: action has no stage transition", decision.Action)
	}
	if decision.Target == nil {
		return nil, fmt.Errorf("dispatch %s: no target", decision.Action)
	}
	if !d.acquire() {
		return nil, pipeline.ErrSaturated
	}

	target := *decision.Target
	claim, err := d.store.Claim(ctx, target.ID, tr.From, target.Version, tr.InProgress)
	if err != nil {
		d.release()
		if errors.Is(err, pipeline.ErrClaimConflict) {
			metrics.ObserveClaimConflict(decision.Action)
			d.logger.Debug("claim lost",
				zap.String("artifact_id", target.ID),
				zap.Stringer("action", decision.Action),
				zap.Int64("version", target.Version))
		}
		return nil, fmt.Errorf("claim %s: %w", target.ID, err)
	}
	target.Stage = claim.Stage
	target.Version = claim.Version

	d.mu.Lock()
	d.claimed[target.ID] = decision.Action
	d.mu.Unlock()

	job := newJob(decision)
	d.events.Emit(progress.JobEvent(progress.StageJobStart, job.ID, decision.Action, target.ID))
	d.logger.Debug("job claimed",
		zap.String("job_id", job.ID.String()),
		zap.String("artifact_id", target.ID),
		zap.Stringer("action", decision.Action))

	d.start(ctx, job, func(ctx context.Context) (bool, error) {
		defer func() {
			d.mu.Lock()
			delete(d.claimed, target.ID)
			d.mu.Unlock()
		}()
		return d.complete(ctx, job, tr, claim, d.protect(ctx, job, func(ctx context.Context) error {
			return task(ctx, target)
		}))
	})
	return job, nil
}

// Go runs fn on a slot without claiming an artifact. Discovery uses it.
func (d *Dispatcher) Go(ctx context.Context, decision pipeline.Decision, fn func(ctx context.Context) error) (*Job, error) {
	if !d.acquire() {
		return nil, pipeline.ErrSaturated
	}
	job := newJob(decision)
	d.start(ctx, job, func(ctx context.Context) (bool, error) {
		return false, d.protect(ctx, job, fn)
	})
	return job, nil
}

// Wait blocks until every running job has completed or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for jobs: %w", ctx.Err())
	}
}

func (d *Dispatcher) acquire() bool {
	if !d.sem.TryAcquire(1) {
		metrics.ObserveSaturated()
		return false
	}
	d.inFlight.Add(1)
	return true
}

func (d *Dispatcher) release() {
	d.inFlight.Add(-1)
	d.sem.Release(1)
}

// start runs body on its own goroutine. Jobs outlive the caller's
// cancellation so shutdown lets them finish; the slot is released only after
// completion handling.
func (d *Dispatcher) start(ctx context.Context, job *Job, body func(ctx context.Context) (bool, error)) {
	jobCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		started := time.Now()
		exhausted, err := body(jobCtx)
		d.release()
		job.finish(Result{
			Decision:  job.Decision,
			Err:       err,
			Duration:  time.Since(started),
			Exhausted: exhausted,
		})
	}()
}

// protect runs fn inside a span and turns panics into permanent failures.
func (d *Dispatcher) protect(ctx context.Context, job *Job, fn func(ctx context.Context) error) (err error) {
	attrs := []attribute.KeyValue{
		attribute.String("job.id", job.ID.String()),
		attribute.String("pipeline.action", job.Decision.Action.String()),
	}
	if job.Decision.Target != nil {
		attrs = append(attrs, attribute.String("artifact.id", job.Decision.Target.ID))
	}
	if job.Decision.Source != "" {
		attrs = append(attrs, attribute.String("source.name", job.Decision.Source))
	}
	ctx, span := d.tracer.Start(ctx, job.Decision.Action.String(), trace.WithAttributes(attrs...))
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("job panicked",
				zap.String("job_id", job.ID.String()),
				zap.Stringer("action", job.Decision.Action),
				zap.Any("panic", r))
			err = pipeline.Permanent(job.Decision.Action.String(), fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return fn(ctx)
}

// complete finalizes the claim on success and hands failures to the failure
// handler. Either write is retried through store outages; when the retries
// run out the claim is parked until FlushPending can settle it.
func (d *Dispatcher) complete(
	ctx context.Context,
	job *Job,
	tr pipeline.StageTransition,
	claim pipeline.Claim,
	cause error,
) (bool, error) {
	action := job.Decision.Action
	if cause == nil {
		finalize := func(ctx context.Context) error {
			return d.store.Finalize(ctx, claim, tr.Done)
		}
		if err := d.settle.Do(ctx, finalize); err != nil {
			d.unsettled(claim, action, finalize, err)
			d.logger.Error("finalize claim",
				zap.String("artifact_id", claim.ArtifactID),
				zap.Stringer("action", action),
				zap.Error(err))
			evt := progress.JobEvent(progress.StageJobError, job.ID, action, claim.ArtifactID)
			evt.Note = fmt.Sprintf("finalize: %v", err)
			d.events.Emit(evt)
			return false, fmt.Errorf("finalize %s: %w", claim.ArtifactID, err)
		}
		evt := progress.JobEvent(progress.StageJobDone, job.ID, action, claim.ArtifactID)
		evt.Dur = time.Since(job.created)
		d.events.Emit(evt)
		return false, nil
	}

	var out recovery.Outcome
	record := func(ctx context.Context) error {
		out = d.failures.Handle(ctx, claim, tr.From, cause)
		return out.Err
	}
	if err := d.settle.Do(ctx, record); err != nil {
		d.unsettled(claim, action, record, err)
	}
	stage := progress.StageJobError
	if out.Exhausted {
		stage = progress.StageJobExhausted
	}
	evt := progress.JobEvent(stage, job.ID, action, claim.ArtifactID)
	evt.Note = recovery.Message(cause)
	evt.Dur = time.Since(job.created)
	d.events.Emit(evt)
	return out.Exhausted, cause
}

// unsettled parks the claim when err is a store outage. Other errors mean the
// claim is already gone (conflict, missing artifact) and nothing is left to
// settle.
func (d *Dispatcher) unsettled(claim pipeline.Claim, action pipeline.Action, write func(context.Context) error, err error) {
	if !errors.Is(err, pipeline.ErrStoreUnavailable) {
		return
	}
	metrics.ObserveStoreUnavailable()
	d.mu.Lock()
	d.pending = append(d.pending, settlement{claim: claim, action: action, write: write})
	d.mu.Unlock()
	d.logger.Warn("claim parked until the store recovers",
		zap.String("artifact_id", claim.ArtifactID),
		zap.Stringer("stage", claim.Stage))
}

// Pending returns the IDs of artifacts whose claims are waiting to be
// settled, sorted.
func (d *Dispatcher) Pending() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.pending))
	for _, p := range d.pending {
		ids = append(ids, p.claim.ArtifactID)
	}
	sort.Strings(ids)
	return ids
}

// FlushPending replays the parked claim writes in order. It stops at the
// first store outage, keeping that claim and the rest parked, and returns
// the outage. Claims the store no longer recognises are dropped.
func (d *Dispatcher) FlushPending(ctx context.Context) (int, error) {
	d.mu.Lock()
	queue := d.pending
	d.pending = nil
	d.mu.Unlock()

	settled := 0
	for i, p := range queue {
		err := p.write(ctx)
		switch {
		case err == nil:
			settled++
			d.logger.Info("parked claim settled",
				zap.String("artifact_id", p.claim.ArtifactID),
				zap.Stringer("action", p.action))
		case errors.Is(err, pipeline.ErrStoreUnavailable):
			d.mu.Lock()
			d.pending = append(queue[i:len(queue):len(queue)], d.pending...)
			d.mu.Unlock()
			return settled, fmt.Errorf("settle %s: %w", p.claim.ArtifactID, err)
		default:
			d.logger.Warn("parked claim dropped",
				zap.String("artifact_id", p.claim.ArtifactID),
				zap.Stringer("action", p.action),
				zap.Error(err))
		}
	}
	return settled, nil
}

// Result is delivered by a Job once it completes.
type Result struct {
	Decision pipeline.Decision
	Err      error
	Duration time.Duration
	// Exhausted is true when the failure moved the artifact to FAILED.
	Exhausted bool
}

// Job is a handle on a dispatched unit of work.
type Job struct {
	ID       uuid.UUID
	Decision pipeline.Decision

	created time.Time
	done    chan struct{}
	result  Result
}

func newJob(decision pipeline.Decision) *Job {
	return &Job{
		ID:       uuid.New(),
		Decision: decision,
		created:  time.Now(),
		done:     make(chan struct{}),
	}
}

// Done is closed once the job has completed and its claim was settled.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Result blocks until the job completes and returns its outcome.
func (j *Job) Result() Result {
	<-j.done
	return j.result
}

// Wait blocks until the job completes or ctx ends.
func (j *Job) Wait(ctx context.Context) (Result, error) {
	select {
	case <-j.done:
		return j.result, nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("wait for job %s: %w", j.ID, ctx.Err())
	}
}

func (j *Job) finish(r Result) {
	j.result = r
	close(j.done)
}
