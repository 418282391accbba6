package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-pipeline/internal/config"
	collyfetcher "github.com/JakeFAU/artifact-pipeline/internal/fetcher/colly"
	"github.com/JakeFAU/artifact-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/artifact-pipeline/internal/id/uuid"
	"github.com/JakeFAU/artifact-pipeline/internal/orchestrator"
	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
	"github.com/JakeFAU/artifact-pipeline/internal/policy/ratelimit"
	"github.com/JakeFAU/artifact-pipeline/internal/progress"
	memorypublisher "github.com/JakeFAU/artifact-pipeline/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/artifact-pipeline/internal/publisher/pubsub"
	"github.com/JakeFAU/artifact-pipeline/internal/storage/gcs"
	"github.com/JakeFAU/artifact-pipeline/internal/storage/local"
	"github.com/JakeFAU/artifact-pipeline/internal/storage/memory"
	"github.com/JakeFAU/artifact-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/artifact-pipeline/internal/storage/sqlite"
	"github.com/JakeFAU/artifact-pipeline/internal/worker"
)

// openStore opens the artifact store selected by cfg.Store.Driver.
func openStore(ctx context.Context, cfg config.StoreConfig, clock pipeline.Clock) (pipeline.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.NewStore(clock), nil
	case "sqlite":
		store, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.Path}, clock)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := postgres.Open(ctx, postgres.Config{
			DSN:      cfg.DSN,
			MaxConns: cfg.MaxConns,
			Migrate:  cfg.Migrate,
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// openBlobStore returns the store plus a release func for drivers that hold
// a client.
func openBlobStore(ctx context.Context, cfg config.BlobConfig) (pipeline.BlobStore, func() error, error) {
	switch cfg.Driver {
	case "memory":
		return memory.NewBlobStore(), noop, nil
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, nil, fmt.Errorf("open local blob store: %w", err)
		}
		return store, noop, nil
	case "gcs":
		store, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, nil, fmt.Errorf("open gcs blob store: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

type reviewPublisher interface {
	pipeline.Publisher
	Close() error
}

func openPublisher(ctx context.Context, cfg config.ReviewConfig) (reviewPublisher, error) {
	switch cfg.Publisher {
	case "memory":
		return memorypublisher.New(), nil
	case "pubsub":
		pub, err := pubsubpublisher.Open(ctx, cfg.ProjectID, cfg.Topic)
		if err != nil {
			return nil, fmt.Errorf("open pubsub publisher: %w", err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown review publisher %q", cfg.Publisher)
	}
}

func noop() error { return nil }

// resources tracks everything serve opened so it can be closed in reverse.
type resources struct {
	closers []func() error
}

func (r *resources) add(fn func() error) {
	r.closers = append(r.closers, fn)
}

func (r *resources) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildWorkers wires the default stage workers around one shared fetcher so
// politeness spacing applies across every stage.
func buildWorkers(
	cfg config.Config,
	staging, archive pipeline.BlobStore,
	publisher pipeline.Publisher,
	clock pipeline.Clock,
	events progress.Emitter,
	logger *zap.Logger,
) orchestrator.Workers {
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		RespectRobots: !cfg.HTTP.IgnoreRobots,
		Timeout:       cfg.FetchTimeout(),
		MaxBodySize:   cfg.HTTP.MaxBodyBytes,
		Limiter:       ratelimit.New(ratelimit.Config{MinDelay: cfg.PolitenessDelay()}),
		Events:        events,
	})
	return orchestrator.Workers{
		Discoverer: worker.NewDiscoverer(fetcher, logger.Named("discover")),
		Extractor: worker.NewExtractor(fetcher, staging, sha256.New(),
			worker.ExtractorConfig{MaxAssets: cfg.HTTP.MaxAssets}, logger.Named("extract")),
		Analyzer: worker.NewAnalyzer(0, logger.Named("analyze")),
		Reviewer: worker.NewReviewer(publisher, cfg.Review.Topic, uuid.NewWithPrefix("review"), clock,
			logger.Named("review")),
		Archiver: worker.NewArchiver(staging, archive, clock, logger.Named("archive")),
	}
}

func orchestratorConfig(cfg config.Config, clock pipeline.Clock) orchestrator.Config {
	p := cfg.Pipeline
	return orchestrator.Config{
		Sources:             cfg.Sources,
		Concurrency:         p.ConcurrencyLimit,
		RetryCeiling:        p.RetryCeiling,
		InitialState:        cfg.InitialRunState(),
		LoopInterval:        p.LoopInterval,
		SleepInterval:       p.SleepInterval,
		ErrorBackoff:        p.ErrorBackoff,
		ErrorBackoffMax:     p.ErrorBackoffMax,
		SaturationBackoff:   p.SaturationBackoff,
		DiscoveryBackoff:    p.DiscoveryBackoff,
		DiscoveryBackoffMax: p.DiscoveryBackoffMax,
		ShutdownTimeout:     p.ShutdownTimeout,
		ClaimLease:          p.ClaimLease,
		Clock:               clock,
	}
}
