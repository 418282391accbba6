// Package orchestrator drives the pipeline: one goroutine asks the scheduler
// for the next decision each cycle and hands it to the dispatcher.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-pipeline/internal/backoff"
	"github.com/JakeFAU/artifact-pipeline/internal/discovery"
	"github.com/JakeFAU/artifact-pipeline/internal/dispatcher"
	"github.com/JakeFAU/artifact-pipeline/internal/identity"
	"github.com/JakeFAU/artifact-pipeline/internal/metrics"
	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
	"github.com/JakeFAU/artifact-pipeline/internal/progress"
	"github.com/JakeFAU/artifact-pipeline/internal/recovery"
	"github.com/JakeFAU/artifact-pipeline/internal/review"
	"github.com/JakeFAU/artifact-pipeline/internal/scheduler"
)

// Config tunes the loop.
type Config struct {
	Sources      []pipeline.Source
	Concurrency  int
	RetryCeiling int
	// InitialState applies until a run state has been persisted.
	InitialState pipeline.RunState

	LoopInterval        time.Duration
	SleepInterval       time.Duration
	ErrorBackoff        time.Duration
	ErrorBackoffMax     time.Duration
	SaturationBackoff   time.Duration
	DiscoveryBackoff    time.Duration
	DiscoveryBackoffMax time.Duration
	ShutdownTimeout     time.Duration
	// ClaimLease bounds the startup release to claims older than it, so a
	// restart leaves the live claims of other instances alone. Zero
	// releases every in-progress claim.
	ClaimLease time.Duration
	// Settle retries claim-settling writes through store outages.
	Settle backoff.Retry

	Clock pipeline.Clock
}

func (c Config) withDefaults() Config {
	if c.InitialState == pipeline.RunStateUnset {
		c.InitialState = pipeline.RunStateRunning
	}
	if c.LoopInterval <= 0 {
		c.LoopInterval = 2 * time.Second
	}
	if c.SleepInterval <= 0 {
		c.SleepInterval = 10 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 10 * time.Second
	}
	if c.ErrorBackoffMax <= 0 {
		c.ErrorBackoffMax = 5 * time.Minute
	}
	if c.SaturationBackoff <= 0 {
		c.SaturationBackoff = c.LoopInterval / 4
	}
	if c.DiscoveryBackoff <= 0 {
		c.DiscoveryBackoff = time.Minute
	}
	if c.DiscoveryBackoffMax <= 0 {
		c.DiscoveryBackoffMax = time.Hour
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// Workers are the stage collaborators.
type Workers struct {
	Discoverer pipeline.Discoverer
	Extractor  pipeline.Extractor
	Analyzer   pipeline.Analyzer
	Reviewer   pipeline.Reviewer
	Archiver   pipeline.Archiver
}

func (w Workers) validate() error {
	switch {
	case w.Discoverer == nil:
		return errors.New("discoverer is required")
	case w.Extractor == nil:
		return errors.New("extractor is required")
	case w.Analyzer == nil:
		return errors.New("analyzer is required")
	case w.Reviewer == nil:
		return errors.New("reviewer is required")
	case w.Archiver == nil:
		return errors.New("archiver is required")
	}
	return nil
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	RunState     pipeline.RunState        `json:"run_state"`
	StageCounts  pipeline.Metrics         `json:"stage_counts"`
	InFlight     int                      `json:"in_flight"`
	Capacity     int                      `json:"capacity"`
	Claimed      []string                 `json:"claimed"`
	Unsettled    []string                 `json:"unsettled,omitempty"`
	LastError    string                   `json:"last_error,omitempty"`
	LastDecision string                   `json:"last_decision,omitempty"`
	LastCycle    time.Time                `json:"last_cycle,omitzero"`
	Cursors      []pipeline.Cursor        `json:"cursors"`
	Sources      []discovery.SourceStatus `json:"sources"`
}

// Orchestrator owns every piece of pipeline state for one process.
type Orchestrator struct {
	cfg        Config
	store      pipeline.Store
	workers    Workers
	sources    map[string]pipeline.Source
	scheduler  *scheduler.Scheduler
	dispatcher *dispatcher.Dispatcher
	discovery  *discovery.Job
	tracker    *discovery.Tracker
	gate       *review.Gate
	events     progress.Emitter
	logger     *zap.Logger

	outages int

	mu           sync.Mutex
	lastError    string
	lastDecision string
	lastCycle    time.Time
}

// New wires an Orchestrator over store and workers.
func New(cfg Config, store pipeline.Store, workers Workers, events progress.Emitter, logger *zap.Logger) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if err := workers.validate(); err != nil {
		return nil, err
	}
	if err := checkStages(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if events == nil {
		events = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sources := make(map[string]pipeline.Source, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources[s.Name] = s
	}
	tracker := discovery.NewTracker(cfg.Clock, backoff.Exponential{
		Base: cfg.DiscoveryBackoff,
		Max:  cfg.DiscoveryBackoffMax,
	})
	failures := recovery.New(store, cfg.RetryCeiling, logger.Named("recovery"))

	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		workers:   workers,
		sources:   sources,
		scheduler: scheduler.New(store, cfg.Sources, tracker),
		dispatcher: dispatcher.New(store, failures, dispatcher.Config{
			Concurrency: cfg.Concurrency,
			Logger:      logger.Named("dispatcher"),
			Events:      events,
			Settle:      cfg.Settle,
		}),
		discovery: discovery.NewJob(
			workers.Discoverer,
			identity.NewRegistrar(store, cfg.Clock),
			store,
			tracker,
			events,
			logger.Named("discovery"),
		),
		tracker: tracker,
		gate:    review.NewGate(store, events, logger.Named("review")),
		events:  events,
		logger:  logger,
	}, nil
}

// Run releases claims orphaned by a previous process and then loops until
// ctx ends. On return every job started by the loop has finished or the
// shutdown timeout expired.
func (o *Orchestrator) Run(ctx context.Context) error {
	if n, err := o.store.ReleaseStale(ctx, o.cfg.ClaimLease); err != nil {
		o.logger.Warn("release stale claims", zap.Error(err))
	} else if n > 0 {
		o.logger.Info("released stale claims", zap.Int("count", n), zap.Duration("lease", o.cfg.ClaimLease))
	}

	o.logger.Info("orchestrator started",
		zap.Int("concurrency", o.dispatcher.Size()),
		zap.Int("sources", len(o.sources)),
		zap.Duration("loop_interval", o.cfg.LoopInterval))

	for {
		wait := o.cycle(ctx)
		if err := backoff.Pause(ctx, wait); err != nil {
			break
		}
	}

	o.logger.Info("orchestrator stopping; waiting for in-flight jobs", zap.Int("in_flight", o.dispatcher.InFlight()))
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ShutdownTimeout)
	defer cancel()
	if err := o.dispatcher.Wait(waitCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if _, err := o.dispatcher.FlushPending(waitCtx); err != nil {
		o.logger.Warn("claims left for startup release", zap.Strings("artifact_ids", o.dispatcher.Pending()), zap.Error(err))
	}
	return nil
}

// cycle runs one scheduling step and returns how long to wait before the
// next one.
func (o *Orchestrator) cycle(ctx context.Context) time.Duration {
	if ctx.Err() != nil {
		return 0
	}
	o.mu.Lock()
	o.lastCycle = time.Now().UTC()
	o.mu.Unlock()

	state, err := o.runState(ctx)
	if err != nil {
		return o.failed(err)
	}
	if _, err := o.dispatcher.FlushPending(ctx); err != nil {
		return o.failed(err)
	}
	if state == pipeline.RunStateStopped {
		return o.cfg.LoopInterval
	}

	decision, counts, err := o.scheduler.Next(ctx)
	if err != nil {
		return o.failed(err)
	}
	o.outages = 0
	metrics.ObserveStageCounts(counts)
	metrics.ObserveDecision(decision.Action)
	o.mu.Lock()
	o.lastDecision = decision.String()
	o.mu.Unlock()

	if decision.Action == pipeline.ActionSleep {
		return o.cfg.SleepInterval
	}

	spec := stages[decision.Action]
	if _, err := spec.dispatch(o, ctx, decision); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrSaturated):
			o.logger.Debug("dispatcher saturated", zap.Stringer("decision", decision))
			return o.cfg.SaturationBackoff
		case errors.Is(err, pipeline.ErrClaimConflict):
			o.logger.Debug("decision lost its claim", zap.Stringer("decision", decision))
			return o.cfg.LoopInterval
		default:
			return o.failed(fmt.Errorf("%s: %w", decision, err))
		}
	}
	o.logger.Debug("dispatched", zap.Stringer("decision", decision))
	return o.cfg.LoopInterval
}

// failed records a cycle error. Store outages back off exponentially; other
// errors wait one loop interval.
func (o *Orchestrator) failed(err error) time.Duration {
	o.mu.Lock()
	o.lastError = err.Error()
	o.mu.Unlock()

	if !errors.Is(err, pipeline.ErrStoreUnavailable) {
		o.logger.Error("cycle failed", zap.Error(err))
		return o.cfg.LoopInterval
	}
	metrics.ObserveStoreUnavailable()
	wait := backoff.Exponential{Base: o.cfg.ErrorBackoff, Max: o.cfg.ErrorBackoffMax}.Delay(o.outages)
	o.outages++
	o.logger.Error("store unavailable; backing off",
		zap.Int("consecutive", o.outages),
		zap.Duration("backoff", wait),
		zap.Error(err))
	return wait
}

func (o *Orchestrator) runState(ctx context.Context) (pipeline.RunState, error) {
	state, err := o.store.RunState(ctx)
	if err != nil {
		return pipeline.RunStateUnset, fmt.Errorf("read run state: %w", err)
	}
	if state == pipeline.RunStateUnset {
		return o.cfg.InitialState, nil
	}
	return state, nil
}

// Start persists RUNNING. The loop picks it up on its next cycle.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.setRunState(ctx, pipeline.RunStateRunning)
}

// Stop persists STOPPED. No new work is claimed; running jobs finish.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.setRunState(ctx, pipeline.RunStateStopped)
}

func (o *Orchestrator) setRunState(ctx context.Context, state pipeline.RunState) error {
	if err := o.store.SetRunState(ctx, state); err != nil {
		return fmt.Errorf("set run state %s: %w", state, err)
	}
	o.logger.Info("run state changed", zap.String("run_state", string(state)))
	o.events.Emit(progress.Event{
		TS:    time.Now().UTC(),
		Stage: progress.StageControl,
		Note:  fmt.Sprintf("run state set to %s", state),
	})
	return nil
}

// Status reports the persisted run state, stage counts and loop state.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	state, err := o.runState(ctx)
	if err != nil {
		return Status{}, err
	}
	counts, err := o.store.Metrics(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("read stage counts: %w", err)
	}
	cursors, err := o.store.Cursors(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("read cursors: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		RunState:     state,
		StageCounts:  counts,
		InFlight:     o.dispatcher.InFlight(),
		Capacity:     o.dispatcher.Size(),
		Claimed:      o.dispatcher.Claimed(),
		Unsettled:    o.dispatcher.Pending(),
		LastError:    o.lastError,
		LastDecision: o.lastDecision,
		LastCycle:    o.lastCycle,
		Cursors:      cursors,
		Sources:      o.tracker.Snapshot(),
	}, nil
}

// ApplyReview applies a human verdict. See review.Gate.Apply.
func (o *Orchestrator) ApplyReview(ctx context.Context, sig pipeline.ReviewSignal) (bool, error) {
	return o.gate.Apply(ctx, sig)
}

// RetryFailed returns a FAILED artifact to the stage it failed from.
func (o *Orchestrator) RetryFailed(ctx context.Context, id string) (pipeline.Artifact, error) {
	a, err := o.store.RetryFailed(ctx, id)
	if err != nil {
		return pipeline.Artifact{}, fmt.Errorf("retry %s: %w", id, err)
	}
	o.logger.Info("failed artifact requeued", zap.String("artifact_id", id), zap.Stringer("stage", a.Stage))
	o.events.Emit(progress.Event{
		TS:         time.Now().UTC(),
		Stage:      progress.StageControl,
		ArtifactID: id,
		Note:       fmt.Sprintf("requeued to %s", a.Stage),
	})
	return a, nil
}

// Artifact returns one artifact by ID.
func (o *Orchestrator) Artifact(ctx context.Context, id string) (pipeline.Artifact, error) {
	return o.store.Get(ctx, id)
}

// Activity returns the newest activity feed entries.
func (o *Orchestrator) Activity(ctx context.Context, limit int) ([]pipeline.Activity, error) {
	return o.store.RecentActivity(ctx, limit)
}
