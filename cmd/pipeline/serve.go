package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/artifact-pipeline/internal/api"
	"github.com/JakeFAU/artifact-pipeline/internal/clock/system"
	"github.com/JakeFAU/artifact-pipeline/internal/config"
	"github.com/JakeFAU/artifact-pipeline/internal/metrics"
	"github.com/JakeFAU/artifact-pipeline/internal/orchestrator"
	"github.com/JakeFAU/artifact-pipeline/internal/progress"
	"github.com/JakeFAU/artifact-pipeline/internal/progress/sinks"
	"github.com/JakeFAU/artifact-pipeline/internal/telemetry"
)

const httpShutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator loop and the HTTP API",
		Long: `serve runs the scheduling loop and the HTTP control API until SIGINT or
SIGTERM. In-flight stage jobs are allowed to finish before the process exits.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) (err error) {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := a.logger
	cfg := a.cfg

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res := &resources{}
	defer func() {
		if cerr := res.Close(); cerr != nil {
			logger.Warn("shutdown cleanup failed", zap.Error(cerr))
		}
	}()

	if cfg.Store.Driver == "sqlite" {
		unlock, lerr := lockDatabase(cfg.Store.Path)
		if lerr != nil {
			return lerr
		}
		res.add(unlock)
	}

	if cfg.Tracing.Enabled {
		exporter, terr := telemetry.NewExporter(cfg.Tracing.Exporter, os.Stderr)
		if terr != nil {
			return terr
		}
		tp, terr := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
			Exporter:    exporter,
		})
		if terr != nil {
			return fmt.Errorf("init tracing: %w", terr)
		}
		res.add(func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			return tp.Shutdown(shutdownCtx)
		})
	}

	metrics.Init()
	orch, hub, err := buildOrchestrator(ctx, cfg, res, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(orch, cfg.Auth, logger.Named("api")).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), httpShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	closeCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if cerr := hub.Close(closeCtx); cerr != nil {
		logger.Warn("progress hub close failed", zap.Error(cerr))
	}
	if err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// buildOrchestrator opens every backend the pipeline needs and registers
// their release funcs on res.
func buildOrchestrator(
	ctx context.Context,
	cfg config.Config,
	res *resources,
	logger *zap.Logger,
) (*orchestrator.Orchestrator, *progress.Hub, error) {
	clock := system.New()

	store, err := openStore(ctx, cfg.Store, clock)
	if err != nil {
		return nil, nil, err
	}
	res.add(store.Close)

	staging, closeStaging, err := openBlobStore(ctx, cfg.Staging)
	if err != nil {
		return nil, nil, err
	}
	res.add(closeStaging)
	archive, closeArchive, err := openBlobStore(ctx, cfg.Archive)
	if err != nil {
		return nil, nil, err
	}
	res.add(closeArchive)

	publisher, err := openPublisher(ctx, cfg.Review)
	if err != nil {
		return nil, nil, err
	}
	res.add(publisher.Close)

	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("progress prometheus sink: %w", err)
	}
	hub := progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("events")),
		promSink,
		sinks.NewStoreSink(store, logger.Named("activity")),
	)

	workers := buildWorkers(cfg, staging, archive, publisher, clock, hub, logger)
	orch, err := orchestrator.New(orchestratorConfig(cfg, clock), store, workers, hub, logger.Named("orchestrator"))
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		_ = hub.Close(closeCtx)
		return nil, nil, fmt.Errorf("build orchestrator: %w", err)
	}
	return orch, hub, nil
}

// lockDatabase takes an exclusive file lock next to the sqlite database.
func lockDatabase(path string) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another pipeline instance holds %s", lock.Path())
	}
	return lock.Unlock, nil
}
