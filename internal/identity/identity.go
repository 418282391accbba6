// Package identity derives deterministic artifact IDs and registers newly
// discovered artifacts idempotently.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/artifact-pipeline/internal/clock/system"
	"github.com/JakeFAU/artifact-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

const digestLength = 12

// ErrInvalidURL is returned for URLs that cannot identify an artifact.
var ErrInvalidURL = errors.New("invalid artifact url")

// Canonicalize standardizes a URL so equivalent spellings share one ID.
// It lowercases the scheme and host, removes default ports and fragments,
// sorts query parameters, and drops a trailing slash from non-root paths.
func Canonicalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not absolute", ErrInvalidURL, rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = u.Query().Encode()
	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
		u.RawPath = ""
	}
	return u.String(), nil
}

// ComputeID returns "<source-slug>_<digest>" for a source URL. The digest
// covers the exact source name as well as the URL; the slug is only a
// readable prefix and may be shared by distinct names. URLs that do not
// parse are hashed verbatim, so the result is always defined.
func ComputeID(sourceName, sourceURL string) string {
	canonical, err := Canonicalize(sourceURL)
	if err != nil {
		canonical = strings.TrimSpace(sourceURL)
	}
	digest := sha256.Short([]byte(sourceName+"\x00"+canonical), digestLength)
	return slug(sourceName) + "_" + digest
}

func slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "source"
	}
	return out
}

// Registrar inserts discovered URLs into the store.
type Registrar struct {
	store pipeline.ArtifactStore
	clock pipeline.Clock
}

// NewRegistrar wires a Registrar. A nil clock uses the system clock.
func NewRegistrar(store pipeline.ArtifactStore, clock pipeline.Clock) *Registrar {
	if clock == nil {
		clock = system.New()
	}
	return &Registrar{store: store, clock: clock}
}

// Register records sourceURL at DISCOVERED. A URL that is already known
// returns the stored artifact with created=false.
func (r *Registrar) Register(ctx context.Context, sourceName, sourceURL string) (pipeline.Artifact, bool, error) {
	if strings.TrimSpace(sourceName) == "" {
		return pipeline.Artifact{}, false, fmt.Errorf("source name is required")
	}
	canonical, err := Canonicalize(sourceURL)
	if err != nil {
		return pipeline.Artifact{}, false, err
	}
	now := r.clock.Now()
	artifact := pipeline.Artifact{
		ID:         ComputeID(sourceName, canonical),
		SourceName: sourceName,
		SourceURL:  canonical,
		Stage:      pipeline.StageDiscovered,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	stored, created, err := r.store.Register(ctx, artifact)
	if err != nil {
		return pipeline.Artifact{}, false, fmt.Errorf("register %s: %w", artifact.ID, err)
	}
	return stored, created, nil
}
