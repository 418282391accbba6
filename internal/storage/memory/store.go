// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/artifact-pipeline/internal/clock/system"
	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

const maxActivity = 1000

// Store is an in-memory pipeline.Store. A single mutex serializes every
// transition, which makes Claim atomic.
type Store struct {
	mu        sync.RWMutex
	clock     pipeline.Clock
	artifacts map[string]pipeline.Artifact
	assets    map[string][]pipeline.MediaAsset
	cursors   map[string]pipeline.Cursor
	runState  pipeline.RunState
	activity  []pipeline.Activity
}

var _ pipeline.Store = (*Store)(nil)

// NewStore constructs a Store. A nil clock uses the system clock.
func NewStore(clock pipeline.Clock) *Store {
	if clock == nil {
		clock = system.New()
	}
	return &Store{
		clock:     clock,
		artifacts: make(map[string]pipeline.Artifact),
		assets:    make(map[string][]pipeline.MediaAsset),
		cursors:   make(map[string]pipeline.Cursor),
	}
}

// Register stores a new artifact at DISCOVERED unless the ID is known.
func (s *Store) Register(_ context.Context, a pipeline.Artifact) (pipeline.Artifact, bool, error) {
	if a.ID == "" {
		return pipeline.Artifact{}, false, fmt.Errorf("artifact id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.artifacts[a.ID]; ok {
		return existing, false, nil
	}
	now := s.clock.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	a.Stage = pipeline.StageDiscovered
	a.Version = 1
	a.FailureCount = 0
	a.LastError = ""
	s.artifacts[a.ID] = a
	return a, true, nil
}

// Get fetches an artifact by ID.
func (s *Store) Get(_ context.Context, id string) (pipeline.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	if !ok {
		return pipeline.Artifact{}, fmt.Errorf("get %s: %w", id, pipeline.ErrNotFound)
	}
	return a, nil
}

// Metrics counts artifacts per stage.
func (s *Store) Metrics(_ context.Context) (pipeline.Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := make(pipeline.Metrics)
	for _, a := range s.artifacts {
		m[a.Stage]++
	}
	return m, nil
}

// FetchOldest returns the artifact at stage with the earliest CreatedAt.
func (s *Store) FetchOldest(_ context.Context, stage pipeline.Stage) (pipeline.Artifact, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		oldest pipeline.Artifact
		found  bool
	)
	for _, a := range s.artifacts {
		if a.Stage != stage {
			continue
		}
		if !found || older(a, oldest) {
			oldest = a
			found = true
		}
	}
	return oldest, found, nil
}

func older(a, b pipeline.Artifact) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Claim moves the artifact into an in-progress stage if it is still at
// (from, version).
func (s *Store) Claim(
	_ context.Context,
	id string,
	from pipeline.Stage,
	version int64,
	to pipeline.Stage,
) (pipeline.Claim, error) {
	if !to.InProgress() {
		return pipeline.Claim{}, fmt.Errorf("claim target %s is not an in-progress stage", to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return pipeline.Claim{}, fmt.Errorf("claim %s: %w", id, pipeline.ErrNotFound)
	}
	if a.Stage != from || a.Version != version {
		return pipeline.Claim{}, pipeline.ErrClaimConflict
	}
	a.Stage = to
	a.Version++
	a.UpdatedAt = s.clock.Now()
	s.artifacts[id] = a
	return pipeline.Claim{ArtifactID: id, Stage: to, Version: a.Version}, nil
}

// Finalize completes a claim.
func (s *Store) Finalize(_ context.Context, claim pipeline.Claim, done pipeline.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.claimed(claim)
	if err != nil {
		return err
	}
	a.Stage = done
	a.Version++
	a.FailureCount = 0
	a.LastError = ""
	a.UpdatedAt = s.clock.Now()
	s.artifacts[a.ID] = a
	return nil
}

// RecordFailure releases a claim after a failed job.
func (s *Store) RecordFailure(_ context.Context, claim pipeline.Claim, f pipeline.Failure) (pipeline.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.claimed(claim)
	if err != nil {
		return pipeline.Artifact{}, err
	}
	a.FailureCount++
	a.LastError = f.Message
	if f.Ceiling > 0 && a.FailureCount >= f.Ceiling {
		a.Stage = pipeline.StageFailed
		a.FailedFrom = f.Release
	} else {
		a.Stage = f.Release
	}
	a.Version++
	a.UpdatedAt = s.clock.Now()
	s.artifacts[a.ID] = a
	return a, nil
}

func (s *Store) claimed(claim pipeline.Claim) (pipeline.Artifact, error) {
	a, ok := s.artifacts[claim.ArtifactID]
	if !ok {
		return pipeline.Artifact{}, fmt.Errorf("artifact %s: %w", claim.ArtifactID, pipeline.ErrNotFound)
	}
	if a.Stage != claim.Stage || a.Version != claim.Version {
		return pipeline.Artifact{}, pipeline.ErrClaimConflict
	}
	return a, nil
}

// Transition moves id from one stage to another if it is still at from.
func (s *Store) Transition(_ context.Context, id string, from, to pipeline.Stage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return false, fmt.Errorf("transition %s: %w", id, pipeline.ErrNotFound)
	}
	if a.Stage != from {
		return false, nil
	}
	a.Stage = to
	a.Version++
	a.UpdatedAt = s.clock.Now()
	s.artifacts[id] = a
	return true, nil
}

// RetryFailed returns a FAILED artifact to the stage it failed from.
func (s *Store) RetryFailed(_ context.Context, id string) (pipeline.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return pipeline.Artifact{}, fmt.Errorf("retry %s: %w", id, pipeline.ErrNotFound)
	}
	if a.Stage != pipeline.StageFailed {
		return pipeline.Artifact{}, fmt.Errorf("artifact %s is %s: %w", id, a.Stage, pipeline.ErrNotFailed)
	}
	a.Stage = a.FailedFrom
	if a.Stage == "" {
		a.Stage = pipeline.StageDiscovered
	}
	a.FailedFrom = ""
	a.FailureCount = 0
	a.Version++
	a.UpdatedAt = s.clock.Now()
	s.artifacts[id] = a
	return a, nil
}

// ReleaseStale returns in-progress artifacts claimed more than lease ago to
// their pre-claim stage.
func (s *Store) ReleaseStale(_ context.Context, lease time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	now := s.clock.Now()
	for id, a := range s.artifacts {
		from, ok := a.Stage.PreClaim()
		if !ok {
			continue
		}
		if lease > 0 && now.Sub(a.UpdatedAt) <= lease {
			continue
		}
		a.Stage = from
		a.Version++
		a.UpdatedAt = now
		s.artifacts[id] = a
		released++
	}
	return released, nil
}

// SaveDetails merges non-empty descriptive fields into the artifact.
func (s *Store) SaveDetails(_ context.Context, id string, d pipeline.Details) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return fmt.Errorf("save details %s: %w", id, pipeline.ErrNotFound)
	}
	if d.Title != "" {
		a.Title = d.Title
	}
	if d.Description != "" {
		a.Description = d.Description
	}
	if d.ArchiveURI != "" {
		a.ArchiveURI = d.ArchiveURI
	}
	a.UpdatedAt = s.clock.Now()
	s.artifacts[id] = a
	return nil
}

// AddMediaAssets replaces the asset list of an artifact.
func (s *Store) AddMediaAssets(_ context.Context, id string, assets []pipeline.MediaAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[id]; !ok {
		return fmt.Errorf("add assets %s: %w", id, pipeline.ErrNotFound)
	}
	out := make([]pipeline.MediaAsset, 0, len(assets))
	for _, asset := range assets {
		asset.ArtifactID = id
		out = append(out, asset)
	}
	s.assets[id] = out
	return nil
}

// MediaAssets returns a copy of the assets recorded for id.
func (s *Store) MediaAssets(_ context.Context, id string) ([]pipeline.MediaAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assets := s.assets[id]
	out := make([]pipeline.MediaAsset, len(assets))
	copy(out, assets)
	return out, nil
}

// GetCursor returns the last page scraped for source, 0 if never advanced.
func (s *Store) GetCursor(_ context.Context, source string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[source].LastPage, nil
}

// AdvanceCursor moves the cursor forward. Lower pages are ignored.
func (s *Store) AdvanceCursor(_ context.Context, source string, page int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cursors[source]
	if page <= c.LastPage {
		return nil
	}
	s.cursors[source] = pipeline.Cursor{SourceName: source, LastPage: page, UpdatedAt: s.clock.Now()}
	return nil
}

// Cursors lists every persisted cursor ordered by source name.
func (s *Store) Cursors(_ context.Context) ([]pipeline.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.Cursor, 0, len(s.cursors))
	for _, c := range s.cursors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceName < out[j].SourceName })
	return out, nil
}

// RunState returns the persisted run flag.
func (s *Store) RunState(_ context.Context) (pipeline.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runState, nil
}

// SetRunState persists the run flag.
func (s *Store) SetRunState(_ context.Context, state pipeline.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runState = state
	return nil
}

// AppendActivity records a feed entry, keeping the most recent entries.
func (s *Store) AppendActivity(_ context.Context, entry pipeline.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.At.IsZero() {
		entry.At = s.clock.Now()
	}
	s.activity = append(s.activity, entry)
	if len(s.activity) > maxActivity {
		s.activity = append([]pipeline.Activity(nil), s.activity[len(s.activity)-maxActivity:]...)
	}
	return nil
}

// RecentActivity returns up to limit entries, newest first.
func (s *Store) RecentActivity(_ context.Context, limit int) ([]pipeline.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.activity) {
		limit = len(s.activity)
	}
	out := make([]pipeline.Activity, 0, limit)
	for i := len(s.activity) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.activity[i])
	}
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
