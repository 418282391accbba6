package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
	"github.com/JakeFAU/artifact-pipeline/internal/storage/sqlstmt"
)

// GetCursor returns the last page scraped for source, 0 if never advanced.
func (s *Store) GetCursor(ctx context.Context, source string) (int, error) {
	var page int
	err := s.queryRow(ctx, stmt.SelectCursor(source), &page)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor %s: %w", source, err)
	}
	return page, nil
}

// AdvanceCursor moves the cursor forward; lower pages are ignored.
func (s *Store) AdvanceCursor(ctx context.Context, source string, page int) error {
	if _, err := s.exec(ctx, stmt.AdvanceCursor(source, page, s.clock.Now())); err != nil {
		return fmt.Errorf("advance cursor %s: %w", source, err)
	}
	return nil
}

// Cursors lists every persisted cursor.
func (s *Store) Cursors(ctx context.Context) ([]pipeline.Cursor, error) {
	var out []pipeline.Cursor
	err := s.query(ctx, stmt.SelectCursors(), func(rows *sql.Rows) error {
		var (
			c       pipeline.Cursor
			updated int64
		)
		if err := rows.Scan(&c.SourceName, &c.LastPage, &updated); err != nil {
			return err
		}
		c.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	return out, nil
}

// RunState reads the persisted run flag.
func (s *Store) RunState(ctx context.Context) (pipeline.RunState, error) {
	var value string
	err := s.queryRow(ctx, stmt.SelectConfig(sqlstmt.RunStateKey), &value)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.RunStateUnset, nil
	}
	if err != nil {
		return pipeline.RunStateUnset, fmt.Errorf("read run state: %w", err)
	}
	return pipeline.RunState(value), nil
}

// SetRunState persists the run flag.
func (s *Store) SetRunState(ctx context.Context, state pipeline.RunState) error {
	if _, err := s.exec(ctx, stmt.UpsertConfig(sqlstmt.RunStateKey, string(state))); err != nil {
		return fmt.Errorf("write run state: %w", err)
	}
	return nil
}

// AppendActivity records a feed entry.
func (s *Store) AppendActivity(ctx context.Context, entry pipeline.Activity) error {
	if entry.At.IsZero() {
		entry.At = s.clock.Now()
	}
	if _, err := s.exec(ctx, stmt.InsertActivity(entry)); err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// RecentActivity returns up to limit entries, newest first.
func (s *Store) RecentActivity(ctx context.Context, limit int) ([]pipeline.Activity, error) {
	var out []pipeline.Activity
	err := s.query(ctx, stmt.SelectActivity(limit), func(rows *sql.Rows) error {
		var (
			e  pipeline.Activity
			at int64
		)
		if err := rows.Scan(&e.ArtifactID, &e.Action, &e.Kind, &e.Message, &at); err != nil {
			return err
		}
		e.At = time.Unix(0, at).UTC()
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	return out, nil
}
