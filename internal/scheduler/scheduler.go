// Package scheduler picks the next unit of work. Later stages always win so
// artifacts already in flight are finished before new ones are started.
package scheduler

import (
	"context"
	"fmt"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

// priority lists artifact actions from most to least urgent, each with the
// stage it draws from.
var priority = []struct {
	action pipeline.Action
	from   pipeline.Stage
}{
	{pipeline.ActionArchive, pipeline.StageApproved},
	{pipeline.ActionReview, pipeline.StageAnalyzed},
	{pipeline.ActionAnalyze, pipeline.StageExtracted},
	{pipeline.ActionExtract, pipeline.StageDiscovered},
}

// DecideNext applies the priority policy to stage counts. sources are the
// discovery candidates in preference order; the first one is used when no
// artifact work is waiting. The returned decision carries no target; Next
// resolves it.
func DecideNext(m pipeline.Metrics, sources []pipeline.Cursor) pipeline.Decision {
	for _, p := range priority {
		if m.Count(p.from) > 0 {
			return pipeline.Decision{Action: p.action}
		}
	}
	if len(sources) > 0 {
		return pipeline.Decision{
			Action: pipeline.ActionDiscover,
			Source: sources[0].SourceName,
			Page:   sources[0].LastPage + 1,
		}
	}
	return pipeline.Decision{Action: pipeline.ActionSleep}
}

// SourceGate reports which sources may be discovered right now.
type SourceGate interface {
	Eligible(names []string) []string
}

// Store is the slice of pipeline.Store the scheduler reads.
type Store interface {
	Metrics(ctx context.Context) (pipeline.Metrics, error)
	FetchOldest(ctx context.Context, stage pipeline.Stage) (pipeline.Artifact, bool, error)
	GetCursor(ctx context.Context, source string) (int, error)
}

// Scheduler reads the store and returns a fully resolved Decision.
type Scheduler struct {
	store   Store
	sources []string
	gate    SourceGate
}

// New builds a Scheduler over the configured source names.
func New(store Store, sources []pipeline.Source, gate SourceGate) *Scheduler {
	names := make([]string, 0, len(sources))
	for _, s := range sources {
		names = append(names, s.Name)
	}
	return &Scheduler{store: store, sources: names, gate: gate}
}

// Next decides what to do next. Artifact decisions carry the oldest artifact
// of the source stage as Target. The stage counts used are returned too.
func (s *Scheduler) Next(ctx context.Context) (pipeline.Decision, pipeline.Metrics, error) {
	m, err := s.store.Metrics(ctx)
	if err != nil {
		return pipeline.Decision{}, nil, fmt.Errorf("read stage counts: %w", err)
	}
	counts := make(pipeline.Metrics, len(m))
	for stage, n := range m {
		counts[stage] = n
	}

	for {
		// Cursors are only read when discovery can actually win.
		var candidates []pipeline.Cursor
		if !hasArtifactWork(counts) {
			candidates, err = s.candidates(ctx)
			if err != nil {
				return pipeline.Decision{}, m, err
			}
		}
		d := DecideNext(counts, candidates)
		if d.Action == pipeline.ActionSleep || d.Action == pipeline.ActionDiscover {
			return d, m, nil
		}

		tr, _ := d.Action.Transition()
		from := tr.From
		target, ok, err := s.store.FetchOldest(ctx, from)
		if err != nil {
			return pipeline.Decision{}, m, fmt.Errorf("fetch oldest %s: %w", from, err)
		}
		if ok {
			d.Target = &target
			return d, m, nil
		}
		// The stage drained since the counts were read.
		counts[from] = 0
	}
}

func hasArtifactWork(m pipeline.Metrics) bool {
	for _, p := range priority {
		if m.Count(p.from) > 0 {
			return true
		}
	}
	return false
}

func (s *Scheduler) candidates(ctx context.Context) ([]pipeline.Cursor, error) {
	names := s.sources
	if s.gate != nil {
		names = s.gate.Eligible(names)
	}
	out := make([]pipeline.Cursor, 0, len(names))
	for _, name := range names {
		page, err := s.store.GetCursor(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("read cursor %s: %w", name, err)
		}
		out = append(out, pipeline.Cursor{SourceName: name, LastPage: page})
	}
	return out, nil
}
