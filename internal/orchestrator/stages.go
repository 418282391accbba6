package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/artifact-pipeline/internal/dispatcher"
	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

// stageSpec binds a scheduler action to the code that carries it out.
type stageSpec struct {
	dispatch func(o *Orchestrator, ctx context.Context, d pipeline.Decision) (*dispatcher.Job, error)
}

// stages is the dispatch table for every action except ActionSleep.
var stages = map[pipeline.Action]stageSpec{
	pipeline.ActionDiscover: {dispatch: (*Orchestrator).discover},
	pipeline.ActionExtract:  {dispatch: claimed((*Orchestrator).extract)},
	pipeline.ActionAnalyze:  {dispatch: claimed((*Orchestrator).analyze)},
	pipeline.ActionReview:   {dispatch: claimed((*Orchestrator).review)},
	pipeline.ActionArchive:  {dispatch: claimed((*Orchestrator).archive)},
}

func checkStages() error {
	for _, action := range pipeline.Actions() {
		if action == pipeline.ActionSleep {
			continue
		}
		if _, ok := stages[action]; !ok {
			return fmt.Errorf("no stage registered for %s", action)
		}
	}
	return nil
}

func claimed(
	task func(o *Orchestrator, ctx context.Context, a pipeline.Artifact) error,
) func(o *Orchestrator, ctx context.Context, d pipeline.Decision) (*dispatcher.Job, error) {
	return func(o *Orchestrator, ctx context.Context, d pipeline.Decision) (*dispatcher.Job, error) {
		return o.dispatcher.Dispatch(ctx, d, func(ctx context.Context, a pipeline.Artifact) error {
			return task(o, ctx, a)
		})
	}
}

func (o *Orchestrator) discover(ctx context.Context, d pipeline.Decision) (*dispatcher.Job, error) {
	source, ok := o.sources[d.Source]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", d.Source)
	}
	if !o.tracker.Acquire(source.Name) {
		return nil, fmt.Errorf("discover %s: %w", source.Name, pipeline.ErrClaimConflict)
	}
	job, err := o.dispatcher.Go(ctx, d, func(ctx context.Context) error {
		_, err := o.discovery.Run(ctx, source, d.Page)
		return err
	})
	if err != nil {
		o.tracker.Abandon(source.Name)
		return nil, err
	}
	return job, nil
}

func (o *Orchestrator) extract(ctx context.Context, a pipeline.Artifact) error {
	res, err := o.workers.Extractor.Extract(ctx, a)
	if err != nil {
		return err
	}
	if !res.MetadataComplete {
		return pipeline.Permanent("extract", errors.New("metadata incomplete"))
	}
	if err := o.store.SaveDetails(ctx, a.ID, pipeline.Details{Title: res.Title, Description: res.Description}); err != nil {
		return fmt.Errorf("save details: %w", err)
	}
	assets := make([]pipeline.MediaAsset, 0, len(res.MediaAssets))
	for _, m := range res.MediaAssets {
		m.ArtifactID = a.ID
		assets = append(assets, m)
	}
	if err := o.store.AddMediaAssets(ctx, a.ID, assets); err != nil {
		return fmt.Errorf("save media assets: %w", err)
	}
	return nil
}

func (o *Orchestrator) analyze(ctx context.Context, a pipeline.Artifact) error {
	assets, err := o.store.MediaAssets(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("load media assets: %w", err)
	}
	res, err := o.workers.Analyzer.Analyze(ctx, a, assets)
	if err != nil {
		return err
	}
	if !res.DescriptionComplete {
		return pipeline.Transient("analyze", errors.New("description incomplete"))
	}
	if err := o.store.SaveDetails(ctx, a.ID, pipeline.Details{Description: res.Description}); err != nil {
		return fmt.Errorf("save description: %w", err)
	}
	return nil
}

func (o *Orchestrator) review(ctx context.Context, a pipeline.Artifact) error {
	return o.workers.Reviewer.RequestReview(ctx, a)
}

func (o *Orchestrator) archive(ctx context.Context, a pipeline.Artifact) error {
	assets, err := o.store.MediaAssets(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("load media assets: %w", err)
	}
	res, err := o.workers.Archiver.Archive(ctx, a, assets)
	if err != nil {
		return err
	}
	if !res.Uploaded {
		return pipeline.Transient("archive", errors.New("upload incomplete"))
	}
	if err := o.store.SaveDetails(ctx, a.ID, pipeline.Details{ArchiveURI: res.URI}); err != nil {
		return fmt.Errorf("save archive uri: %w", err)
	}
	return nil
}
