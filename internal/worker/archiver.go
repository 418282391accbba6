package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-pipeline/internal/backoff"
	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

// Manifest is the JSON record written next to an archived artifact's files.
type Manifest struct {
	ArtifactID  string          `json:"artifact_id"`
	SourceName  string          `json:"source_name"`
	SourceURL   string          `json:"source_url"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	ArchivedAt  time.Time       `json:"archived_at"`
	Assets      []ManifestAsset `json:"assets"`
}

// ManifestAsset locates one archived media file.
type ManifestAsset struct {
	SourceURL   string `json:"source_url"`
	Role        string `json:"role"`
	ContentType string `json:"content_type"`
	URI         string `json:"uri"`
}

// Archiver copies staged assets into the archive, writes the manifest and
// then clears the staging copies.
type Archiver struct {
	staging pipeline.BlobStore
	archive pipeline.BlobStore
	clock   pipeline.Clock
	retry   backoff.Retry
	logger  *zap.Logger
}

var _ pipeline.Archiver = (*Archiver)(nil)

// NewArchiver wires an Archiver.
func NewArchiver(staging, archive pipeline.BlobStore, clock pipeline.Clock, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		staging: staging,
		archive: archive,
		clock:   clock,
		retry:   backoff.DefaultRetry(),
		logger:  logger,
	}
}

// Archive returns the manifest URI. Staging cleanup happens only after the
// manifest is written, and a failed delete does not fail the archive.
func (ar *Archiver) Archive(ctx context.Context, a pipeline.Artifact, assets []pipeline.MediaAsset) (pipeline.ArchiveResult, error) {
	manifest := Manifest{
		ArtifactID:  a.ID,
		SourceName:  a.SourceName,
		SourceURL:   a.SourceURL,
		Title:       a.Title,
		Description: a.Description,
		ArchivedAt:  ar.clock.Now().UTC(),
		Assets:      make([]ManifestAsset, 0, len(assets)),
	}
	staged := make([]string, 0, len(assets))
	for _, asset := range assets {
		if asset.StagedURI == "" {
			continue
		}
		uri, err := ar.copy(ctx, a.ID, asset)
		if err != nil {
			return pipeline.ArchiveResult{}, err
		}
		manifest.Assets = append(manifest.Assets, ManifestAsset{
			SourceURL:   asset.AssetURL,
			Role:        asset.Role,
			ContentType: asset.ContentType,
			URI:         uri,
		})
		staged = append(staged, asset.StagedURI)
	}

	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return pipeline.ArchiveResult{}, pipeline.Permanent("archive", fmt.Errorf("encode manifest: %w", err))
	}
	var uri string
	err = ar.retry.Do(ctx, func(ctx context.Context) error {
		var perr error
		uri, perr = ar.archive.PutObject(ctx, a.ID+"/manifest.json", "application/json", bytes.NewReader(body))
		return perr
	})
	if err != nil {
		return pipeline.ArchiveResult{}, pipeline.Transient("archive", fmt.Errorf("write manifest: %w", err))
	}

	for _, s := range staged {
		if err := ar.staging.DeleteObject(ctx, s); err != nil {
			ar.logger.Warn("staged asset not deleted",
				zap.String("artifact_id", a.ID),
				zap.String("uri", s),
				zap.Error(err),
			)
		}
	}
	ar.logger.Info("artifact archived",
		zap.String("artifact_id", a.ID),
		zap.String("uri", uri),
		zap.Int("assets", len(manifest.Assets)),
	)
	return pipeline.ArchiveResult{URI: uri, Uploaded: true}, nil
}

// copy re-reads the staged object on every upload attempt since a failed
// PutObject may have consumed part of the reader.
func (ar *Archiver) copy(ctx context.Context, artifactID string, asset pipeline.MediaAsset) (string, error) {
	name := artifactID + "/" + path.Base(asset.StagedURI)
	retry := ar.retry
	retry.Retryable = func(err error) bool {
		var readErr *stagedReadError
		return !errors.As(err, &readErr)
	}
	var uri string
	err := retry.Do(ctx, func(ctx context.Context) error {
		rc, err := ar.staging.GetObject(ctx, asset.StagedURI)
		if err != nil {
			return &stagedReadError{err: err}
		}
		defer func() { _ = rc.Close() }()
		uri, err = ar.archive.PutObject(ctx, name, asset.ContentType, rc)
		return err
	})
	var readErr *stagedReadError
	switch {
	case err == nil:
		return uri, nil
	case errors.As(err, &readErr):
		return "", pipeline.Transient("archive", fmt.Errorf("read staged %s: %w", asset.StagedURI, readErr.err))
	default:
		return "", pipeline.Transient("archive", fmt.Errorf("upload %s: %w", name, err))
	}
}

// stagedReadError stops the upload retry: a missing staged object will not
// reappear within one attempt.
type stagedReadError struct{ err error }

func (e *stagedReadError) Error() string { return e.err.Error() }
func (e *stagedReadError) Unwrap() error { return e.err }
