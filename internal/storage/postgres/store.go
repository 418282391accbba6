// Package postgres provides the Postgres-backed pipeline.Store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/artifact-pipeline/internal/clock/system"
	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
	"github.com/JakeFAU/artifact-pipeline/internal/storage/sqlstmt"
)

//go:embed schema.sql
var schemaSQL string

var stmt = sqlstmt.Postgres

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Migrate applies schema.sql on open.
	Migrate bool
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store persists artifacts in Postgres.
type Store struct {
	pool  pool
	clock pipeline.Clock
}

var _ pipeline.Store = (*Store)(nil)

// Open connects a pgx pool using cfg.
func Open(ctx context.Context, cfg Config, clock pipeline.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, pipeline.Unavailable("connect postgres", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, pipeline.Unavailable("ping postgres", err)
	}
	s, err := NewWithPool(p, clock)
	if err != nil {
		p.Close()
		return nil, err
	}
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, clock pipeline.Clock) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		clock = system.New()
	}
	return &Store{pool: p, clock: clock}, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return classify("apply schema", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// classify wraps err, marking connection-level failures as ErrStoreUnavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		connectErr *pgconn.ConnectError
		netErr     net.Error
	)
	if errors.As(err, &connectErr) || errors.As(err, &netErr) || pgconn.Timeout(err) {
		return pipeline.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Store) exec(ctx context.Context, op string, b sq.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("%s: build query: %w", op, err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, classify(op, err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) queryRow(ctx context.Context, op string, b sq.Sqlizer, dest ...any) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("%s: build query: %w", op, err)
	}
	if err := s.pool.QueryRow(ctx, query, args...).Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		return classify(op, err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, op string, b sq.Sqlizer, each func(pgx.Rows) error) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("%s: build query: %w", op, err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return classify(op, err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := each(rows); err != nil {
			return fmt.Errorf("%s: scan: %w", op, err)
		}
	}
	if err := rows.Err(); err != nil {
		return classify(op, err)
	}
	return nil
}

func artifactDest(a *pipeline.Artifact, stage, failedFrom *string) []any {
	return []any{
		&a.ID,
		&a.SourceName,
		&a.SourceURL,
		stage,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.FailureCount,
		&a.LastError,
		failedFrom,
		&a.Title,
		&a.Description,
		&a.ArchiveURI,
	}
}

func (s *Store) selectOne(ctx context.Context, op string, b sq.SelectBuilder) (pipeline.Artifact, bool, error) {
	var (
		a                 pipeline.Artifact
		stage, failedFrom string
	)
	err := s.queryRow(ctx, op, b, artifactDest(&a, &stage, &failedFrom)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Artifact{}, false, nil
	}
	if err != nil {
		return pipeline.Artifact{}, false, err
	}
	a.Stage = pipeline.Stage(stage)
	a.FailedFrom = pipeline.Stage(failedFrom)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, true, nil
}
