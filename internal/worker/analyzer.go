package worker

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

// Analyzer composes the archive abstract from the extracted metadata.
type Analyzer struct {
	maxWords int
	logger   *zap.Logger
}

var _ pipeline.Analyzer = (*Analyzer)(nil)

// NewAnalyzer returns an Analyzer whose abstracts hold at most maxWords
// words; maxWords <= 0 selects 80.
func NewAnalyzer(maxWords int, logger *zap.Logger) *Analyzer {
	if maxWords <= 0 {
		maxWords = 80
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{maxWords: maxWords, logger: logger}
}

// Analyze builds the abstract. Artifacts with neither a title nor a source
// description yield an incomplete result.
func (an *Analyzer) Analyze(_ context.Context, a pipeline.Artifact, assets []pipeline.MediaAsset) (pipeline.AnalyzeResult, error) {
	title := strings.TrimSpace(a.Title)
	body := strings.TrimSpace(a.Description)
	if title == "" && body == "" {
		return pipeline.AnalyzeResult{}, nil
	}

	var parts []string
	if title != "" {
		parts = append(parts, strings.TrimSuffix(title, ".")+".")
	}
	if body != "" {
		parts = append(parts, body)
	}
	parts = append(parts, provenance(a, assets))

	words := strings.Fields(strings.Join(parts, " "))
	if len(words) > an.maxWords {
		words = append(words[:an.maxWords:an.maxWords], "…")
	}
	description := strings.Join(words, " ")
	an.logger.Debug("abstract composed",
		zap.String("artifact_id", a.ID),
		zap.Int("words", len(words)),
	)
	return pipeline.AnalyzeResult{Description: description, DescriptionComplete: true}, nil
}

func provenance(a pipeline.Artifact, assets []pipeline.MediaAsset) string {
	host := a.SourceURL
	if u, err := url.Parse(a.SourceURL); err == nil && u.Host != "" {
		host = u.Host
	}
	switch n := len(assets); n {
	case 0:
		return fmt.Sprintf("Catalogued from %s (%s).", a.SourceName, host)
	case 1:
		return fmt.Sprintf("Catalogued from %s (%s) with 1 media file.", a.SourceName, host)
	default:
		return fmt.Sprintf("Catalogued from %s (%s) with %d media files.", a.SourceName, host, n)
	}
}
