package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
	"github.com/JakeFAU/artifact-pipeline/internal/storage/sqlstmt"
)

// GetCursor returns the last page scraped for source, 0 if never advanced.
func (s *Store) GetCursor(ctx context.Context, source string) (int, error) {
	var page int
	err := s.queryRow(ctx, "get cursor", stmt.SelectCursor(source), &page)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return page, nil
}

// AdvanceCursor moves the cursor forward; lower pages are ignored.
func (s *Store) AdvanceCursor(ctx context.Context, source string, page int) error {
	_, err := s.exec(ctx, "advance cursor", stmt.AdvanceCursor(source, page, s.clock.Now()))
	return err
}

// Cursors lists every persisted cursor.
func (s *Store) Cursors(ctx context.Context) ([]pipeline.Cursor, error) {
	var out []pipeline.Cursor
	err := s.query(ctx, "list cursors", stmt.SelectCursors(), func(rows pgx.Rows) error {
		var c pipeline.Cursor
		if err := rows.Scan(&c.SourceName, &c.LastPage, &c.UpdatedAt); err != nil {
			return err
		}
		c.UpdatedAt = c.UpdatedAt.UTC()
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RunState reads the persisted run flag.
func (s *Store) RunState(ctx context.Context) (pipeline.RunState, error) {
	var value string
	err := s.queryRow(ctx, "read run state", stmt.SelectConfig(sqlstmt.RunStateKey), &value)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.RunStateUnset, nil
	}
	if err != nil {
		return pipeline.RunStateUnset, err
	}
	return pipeline.RunState(value), nil
}

// SetRunState persists the run flag.
func (s *Store) SetRunState(ctx context.Context, state pipeline.RunState) error {
	_, err := s.exec(ctx, "write run state", stmt.UpsertConfig(sqlstmt.RunStateKey, string(state)))
	return err
}

// AppendActivity records a feed entry.
func (s *Store) AppendActivity(ctx context.Context, entry pipeline.Activity) error {
	if entry.At.IsZero() {
		entry.At = s.clock.Now()
	}
	_, err := s.exec(ctx, "append activity", stmt.InsertActivity(entry))
	return err
}

// RecentActivity returns up to limit entries, newest first.
func (s *Store) RecentActivity(ctx context.Context, limit int) ([]pipeline.Activity, error) {
	var out []pipeline.Activity
	err := s.query(ctx, "recent activity", stmt.SelectActivity(limit), func(rows pgx.Rows) error {
		var e pipeline.Activity
		if err := rows.Scan(&e.ArtifactID, &e.Action, &e.Kind, &e.Message, &e.At); err != nil {
			return err
		}
		e.At = e.At.UTC()
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
