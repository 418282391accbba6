package worker

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

func TestAnalyzeComposesAbstract(t *testing.T) {
	t.Parallel()

	an := NewAnalyzer(0, zap.NewNop())
	res, err := an.Analyze(context.Background(), pipeline.Artifact{
		ID:          "a",
		SourceName:  "museum",
		SourceURL:   "https://museum.test/objects/7",
		Title:       "Agbogho Mmuo mask",
		Description: "Carved wood, pigment.",
	}, []pipeline.MediaAsset{{Role: pipeline.AssetRolePrimary}, {Role: pipeline.AssetRoleImage}})
	require.NoError(t, err)
	require.True(t, res.DescriptionComplete)
	require.Equal(t,
		"Agbogho Mmuo mask. Carved wood, pigment. Catalogued from museum (museum.test) with 2 media files.",
		res.Description)
}

func TestAnalyzeTruncates(t *testing.T) {
	t.Parallel()

	an := NewAnalyzer(5, nil)
	res, err := an.Analyze(context.Background(), pipeline.Artifact{
		Title:       "Title",
		Description: strings.Repeat("word ", 20),
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "Title. word word word word …", res.Description)
}

func TestAnalyzeIncomplete(t *testing.T) {
	t.Parallel()

	res, err := NewAnalyzer(0, nil).Analyze(context.Background(), pipeline.Artifact{ID: "a"}, nil)
	require.NoError(t, err)
	require.False(t, res.DescriptionComplete)
	require.Empty(t, res.Description)
}
