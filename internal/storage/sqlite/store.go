// Package sqlite implements pipeline.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/artifact-pipeline/internal/clock/system"
	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
	"github.com/JakeFAU/artifact-pipeline/internal/storage/sqlstmt"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

var stmt = sqlstmt.SQLite

// Config controls where the database lives.
type Config struct {
	Path string
}

// Store persists artifacts in SQLite.
type Store struct {
	db    *sql.DB
	path  string
	clock pipeline.Clock
}

var _ pipeline.Store = (*Store)(nil)

// Open creates or opens the database at cfg.Path. A nil clock uses the
// system clock.
func Open(ctx context.Context, cfg Config, clock pipeline.Clock) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if clock == nil {
		clock = system.New()
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	pragmas := url.Values{}
	pragmas.Add("_pragma", "journal_mode(WAL)")
	pragmas.Add("_pragma", "foreign_keys(1)")
	pragmas.Add("_pragma", "busy_timeout(5000)")
	db, err := sql.Open("sqlite", "file:"+cfg.Path+"?"+pragmas.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, pipeline.Unavailable("ping sqlite", err)
	}

	store := &Store{db: db, path: cfg.Path, clock: clock}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	if isSQLiteBusy(lastErr) {
		return pipeline.Unavailable("sqlite busy", lastErr)
	}
	return lastErr
}

func (s *Store) exec(ctx context.Context, b sq.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	var affected int64
	err = retryOnBusy(ctx, func() error {
		res, execErr := s.db.ExecContext(ctx, query, args...)
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	return affected, err
}

func (s *Store) queryRow(ctx context.Context, b sq.Sqlizer, dest ...any) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, query, args...).Scan(dest...)
	})
}

func (s *Store) query(ctx context.Context, b sq.Sqlizer, each func(*sql.Rows) error) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return retryOnBusy(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			if err := each(rows); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (pipeline.Artifact, error) {
	var (
		a                  pipeline.Artifact
		stage, failedFrom  string
		createdAt, updated int64
	)
	if err := row.Scan(
		&a.ID,
		&a.SourceName,
		&a.SourceURL,
		&stage,
		&a.Version,
		&createdAt,
		&updated,
		&a.FailureCount,
		&a.LastError,
		&failedFrom,
		&a.Title,
		&a.Description,
		&a.ArchiveURI,
	); err != nil {
		return pipeline.Artifact{}, err
	}
	a.Stage = pipeline.Stage(stage)
	a.FailedFrom = pipeline.Stage(failedFrom)
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	a.UpdatedAt = time.Unix(0, updated).UTC()
	return a, nil
}

func (s *Store) selectOne(ctx context.Context, b sq.SelectBuilder) (pipeline.Artifact, bool, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return pipeline.Artifact{}, false, fmt.Errorf("build query: %w", err)
	}
	var a pipeline.Artifact
	err = retryOnBusy(ctx, func() error {
		var scanErr error
		a, scanErr = scanArtifact(s.db.QueryRowContext(ctx, query, args...))
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Artifact{}, false, nil
	}
	if err != nil {
		return pipeline.Artifact{}, false, err
	}
	return a, true, nil
}
