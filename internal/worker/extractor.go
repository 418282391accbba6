package worker

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

// ExtractorConfig tunes asset collection.
type ExtractorConfig struct {
	// MaxAssets caps how many media files are staged per artifact.
	MaxAssets int
}

// Extractor reads an item page's metadata and stages its media assets.
type Extractor struct {
	fetcher pipeline.Fetcher
	staging pipeline.BlobStore
	hasher  pipeline.Hasher
	cfg     ExtractorConfig
	logger  *zap.Logger
}

var _ pipeline.Extractor = (*Extractor)(nil)

// NewExtractor wires an Extractor.
func NewExtractor(
	fetcher pipeline.Fetcher,
	staging pipeline.BlobStore,
	hasher pipeline.Hasher,
	cfg ExtractorConfig,
	logger *zap.Logger,
) *Extractor {
	if cfg.MaxAssets <= 0 {
		cfg.MaxAssets = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{fetcher: fetcher, staging: staging, hasher: hasher, cfg: cfg, logger: logger}
}

// Extract fetches the artifact page, reads its title, description and media
// links, and copies the media into the staging store. A page without a title
// or without any media is reported as incomplete. The first media asset is
// the primary one; failing to stage it fails the extraction, while failures
// on the others are logged and skipped.
func (e *Extractor) Extract(ctx context.Context, a pipeline.Artifact) (pipeline.ExtractResult, error) {
	resp, err := e.fetcher.Fetch(ctx, pipeline.FetchRequest{URL: a.SourceURL, Accept: acceptHTML})
	if err != nil {
		return pipeline.ExtractResult{}, err
	}
	doc, err := parseHTML("extract", resp.Body)
	if err != nil {
		return pipeline.ExtractResult{}, err
	}
	base, err := url.Parse(resp.URL)
	if err != nil || resp.URL == "" {
		base, err = url.Parse(a.SourceURL)
		if err != nil {
			return pipeline.ExtractResult{}, pipeline.Permanent("extract", fmt.Errorf("parse source url: %w", err))
		}
	}

	res := pipeline.ExtractResult{
		Title:       pageTitle(doc),
		Description: metaContent(doc, `meta[property="og:description"]`, `meta[name="description"]`),
	}
	media := mediaLinks(doc, base, e.cfg.MaxAssets)
	if res.Title == "" || len(media) == 0 {
		e.logger.Info("artifact page lacks metadata",
			zap.String("artifact_id", a.ID),
			zap.Bool("title", res.Title != ""),
			zap.Int("media", len(media)),
		)
		return res, nil
	}

	for i, link := range media {
		role := pipeline.AssetRoleImage
		if i == 0 {
			role = pipeline.AssetRolePrimary
		}
		asset, err := e.stage(ctx, a.ID, link, role)
		if err != nil {
			if role == pipeline.AssetRolePrimary {
				return pipeline.ExtractResult{}, fmt.Errorf("stage primary asset: %w", err)
			}
			e.logger.Warn("skipping media asset",
				zap.String("artifact_id", a.ID),
				zap.String("url", link),
				zap.Error(err),
			)
			continue
		}
		res.MediaAssets = append(res.MediaAssets, asset)
	}
	res.MetadataComplete = true
	return res, nil
}

func (e *Extractor) stage(ctx context.Context, artifactID, link, role string) (pipeline.MediaAsset, error) {
	resp, err := e.fetcher.Fetch(ctx, pipeline.FetchRequest{URL: link, Accept: acceptMedia})
	if err != nil {
		return pipeline.MediaAsset{}, err
	}
	sum, err := e.hasher.Hash(resp.Body)
	if err != nil {
		return pipeline.MediaAsset{}, pipeline.Permanent("extract", fmt.Errorf("hash asset: %w", err))
	}
	if len(sum) > 16 {
		sum = sum[:16]
	}
	contentType := mediaType(resp.ContentType)
	name := fmt.Sprintf("%s/%s%s", artifactID, sum, extension(link, contentType))
	uri, err := e.staging.PutObject(ctx, name, contentType, bytes.NewReader(resp.Body))
	if err != nil {
		return pipeline.MediaAsset{}, pipeline.Transient("extract", fmt.Errorf("stage %s: %w", link, err))
	}
	return pipeline.MediaAsset{
		ArtifactID:  artifactID,
		AssetURL:    link,
		Role:        role,
		StagedURI:   uri,
		ContentType: contentType,
	}, nil
}

func pageTitle(doc *goquery.Document) string {
	if t := metaContent(doc, `meta[property="og:title"]`, `meta[name="twitter:title"]`); t != "" {
		return t
	}
	if t := strings.TrimSpace(doc.Find("h1").First().Text()); t != "" {
		return t
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// mediaLinks lists og:image entries first, then <img> sources, without
// duplicates and capped at limit.
func mediaLinks(doc *goquery.Document, base *url.URL, limit int) []string {
	seen := make(map[string]struct{})
	var links []string
	add := func(raw string) {
		if len(links) >= limit {
			return
		}
		link, ok := resolve(base, raw)
		if !ok {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	}
	doc.Find(`meta[property="og:image"], meta[property="og:image:url"]`).Each(func(_ int, s *goquery.Selection) {
		add(s.AttrOr("content", ""))
	})
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src := s.AttrOr("src", "")
		if src == "" {
			src = s.AttrOr("data-src", "")
		}
		if strings.HasPrefix(src, "data:") {
			return
		}
		add(src)
	})
	return links
}

func mediaType(contentType string) string {
	if contentType == "" {
		return "application/octet-stream"
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "application/octet-stream"
	}
	return mt
}

func extension(link, contentType string) string {
	if u, err := url.Parse(link); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 5 {
			return strings.ToLower(ext)
		}
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
