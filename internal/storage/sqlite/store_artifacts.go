package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

// Register inserts a DISCOVERED artifact unless the ID exists.
func (s *Store) Register(ctx context.Context, a pipeline.Artifact) (pipeline.Artifact, bool, error) {
	if a.ID == "" {
		return pipeline.Artifact{}, false, fmt.Errorf("artifact id is required")
	}
	affected, err := s.exec(ctx, stmt.InsertArtifact(a, s.clock.Now()))
	if err != nil {
		return pipeline.Artifact{}, false, fmt.Errorf("insert artifact: %w", err)
	}
	stored, err := s.Get(ctx, a.ID)
	if err != nil {
		return pipeline.Artifact{}, false, err
	}
	return stored, affected == 1, nil
}

// Get fetches an artifact by ID.
func (s *Store) Get(ctx context.Context, id string) (pipeline.Artifact, error) {
	a, ok, err := s.selectOne(ctx, stmt.SelectArtifact(id))
	if err != nil {
		return pipeline.Artifact{}, fmt.Errorf("get %s: %w", id, err)
	}
	if !ok {
		return pipeline.Artifact{}, fmt.Errorf("get %s: %w", id, pipeline.ErrNotFound)
	}
	return a, nil
}

// Metrics counts artifacts per stage.
func (s *Store) Metrics(ctx context.Context) (pipeline.Metrics, error) {
	m := make(pipeline.Metrics)
	err := s.query(ctx, stmt.CountByStage(), func(rows *sql.Rows) error {
		var (
			stage string
			count int
		)
		if err := rows.Scan(&stage, &count); err != nil {
			return err
		}
		m[pipeline.Stage(stage)] = count
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stage counts: %w", err)
	}
	return m, nil
}

// FetchOldest returns the oldest artifact at stage.
func (s *Store) FetchOldest(ctx context.Context, stage pipeline.Stage) (pipeline.Artifact, bool, error) {
	a, ok, err := s.selectOne(ctx, stmt.Oldest(stage))
	if err != nil {
		return pipeline.Artifact{}, false, fmt.Errorf("fetch oldest %s: %w", stage, err)
	}
	return a, ok, nil
}

// Claim performs the (stage, version) compare-and-swap.
func (s *Store) Claim(
	ctx context.Context,
	id string,
	from pipeline.Stage,
	version int64,
	to pipeline.Stage,
) (pipeline.Claim, error) {
	if !to.InProgress() {
		return pipeline.Claim{}, fmt.Errorf("claim target %s is not an in-progress stage", to)
	}
	affected, err := s.exec(ctx, stmt.Claim(id, from, version, to, s.clock.Now()))
	if err != nil {
		return pipeline.Claim{}, fmt.Errorf("claim %s: %w", id, err)
	}
	if affected == 0 {
		return pipeline.Claim{}, s.missOrConflict(ctx, id)
	}
	return pipeline.Claim{ArtifactID: id, Stage: to, Version: version + 1}, nil
}

// Finalize completes a claim.
func (s *Store) Finalize(ctx context.Context, claim pipeline.Claim, done pipeline.Stage) error {
	affected, err := s.exec(ctx, stmt.Finalize(claim, done, s.clock.Now()))
	if err != nil {
		return fmt.Errorf("finalize %s: %w", claim.ArtifactID, err)
	}
	if affected == 0 {
		return s.missOrConflict(ctx, claim.ArtifactID)
	}
	return nil
}

// RecordFailure releases a claim after a failed job.
func (s *Store) RecordFailure(ctx context.Context, claim pipeline.Claim, f pipeline.Failure) (pipeline.Artifact, error) {
	affected, err := s.exec(ctx, stmt.RecordFailure(claim, f, s.clock.Now()))
	if err != nil {
		return pipeline.Artifact{}, fmt.Errorf("record failure %s: %w", claim.ArtifactID, err)
	}
	if affected == 0 {
		return pipeline.Artifact{}, s.missOrConflict(ctx, claim.ArtifactID)
	}
	return s.Get(ctx, claim.ArtifactID)
}

func (s *Store) missOrConflict(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return pipeline.ErrClaimConflict
}

// Transition moves id from one stage to another if it is still at from.
func (s *Store) Transition(ctx context.Context, id string, from, to pipeline.Stage) (bool, error) {
	affected, err := s.exec(ctx, stmt.Transition(id, from, to, s.clock.Now()))
	if err != nil {
		return false, fmt.Errorf("transition %s: %w", id, err)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// RetryFailed returns a FAILED artifact to the stage it failed from.
func (s *Store) RetryFailed(ctx context.Context, id string) (pipeline.Artifact, error) {
	affected, err := s.exec(ctx, stmt.RetryFailed(id, s.clock.Now()))
	if err != nil {
		return pipeline.Artifact{}, fmt.Errorf("retry %s: %w", id, err)
	}
	a, err := s.Get(ctx, id)
	if err != nil {
		return pipeline.Artifact{}, err
	}
	if affected == 0 {
		return pipeline.Artifact{}, fmt.Errorf("artifact %s is %s: %w", id, a.Stage, pipeline.ErrNotFailed)
	}
	return a, nil
}

// ReleaseStale returns in-progress artifacts claimed more than lease ago to
// their pre-claim stage.
func (s *Store) ReleaseStale(ctx context.Context, lease time.Duration) (int, error) {
	now := s.clock.Now()
	var cutoff time.Time
	if lease > 0 {
		cutoff = now.Add(-lease)
	}
	total := 0
	for _, b := range stmt.ReleaseStale(now, cutoff) {
		affected, err := s.exec(ctx, b)
		if err != nil {
			return total, fmt.Errorf("release stale claims: %w", err)
		}
		total += int(affected)
	}
	return total, nil
}

// SaveDetails merges non-empty descriptive fields.
func (s *Store) SaveDetails(ctx context.Context, id string, d pipeline.Details) error {
	b, ok := stmt.SaveDetails(id, d, s.clock.Now())
	if !ok {
		return nil
	}
	affected, err := s.exec(ctx, b)
	if err != nil {
		return fmt.Errorf("save details %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("save details %s: %w", id, pipeline.ErrNotFound)
	}
	return nil
}

// AddMediaAssets replaces the asset list of an artifact in one transaction.
func (s *Store) AddMediaAssets(ctx context.Context, id string, assets []pipeline.MediaAsset) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		query, args, err := stmt.DeleteAssets(id).ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("delete assets: %w", err)
		}
		if len(assets) > 0 {
			query, args, err = stmt.InsertAssets(id, assets).ToSql()
			if err != nil {
				return fmt.Errorf("build query: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("insert assets: %w", err)
			}
		}
		return tx.Commit()
	})
}

// MediaAssets lists the assets of an artifact.
func (s *Store) MediaAssets(ctx context.Context, id string) ([]pipeline.MediaAsset, error) {
	var out []pipeline.MediaAsset
	err := s.query(ctx, stmt.SelectAssets(id), func(rows *sql.Rows) error {
		var a pipeline.MediaAsset
		if err := rows.Scan(&a.ArtifactID, &a.AssetURL, &a.Role, &a.StagedURI, &a.ContentType); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list assets %s: %w", id, err)
	}
	return out, nil
}
