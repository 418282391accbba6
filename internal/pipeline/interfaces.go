package pipeline

import (
	"context"
	"io"
	"time"
)

// ArtifactStore persists artifacts and performs every stage transition.
type ArtifactStore interface {
	// Register inserts a at DISCOVERED unless its ID exists. created is false
	// for duplicates, which are not errors.
	Register(ctx context.Context, a Artifact) (stored Artifact, created bool, err error)
	Get(ctx context.Context, id string) (Artifact, error)
	Metrics(ctx context.Context) (Metrics, error)
	// FetchOldest returns the oldest artifact at stage, or ok=false.
	FetchOldest(ctx context.Context, stage Stage) (a Artifact, ok bool, err error)
	// Claim moves id from (from, version) to the in-progress stage to. It
	// returns ErrClaimConflict when the artifact is no longer at (from, version).
	Claim(ctx context.Context, id string, from Stage, version int64, to Stage) (Claim, error)
	// Finalize completes a claim, moving the artifact to done and resetting
	// its failure count.
	Finalize(ctx context.Context, claim Claim, done Stage) error
	// RecordFailure releases a claim after a failed job and returns the
	// updated artifact.
	RecordFailure(ctx context.Context, claim Claim, f Failure) (Artifact, error)
	// Transition is an unclaimed conditional move used by the review gate.
	Transition(ctx context.Context, id string, from, to Stage) (bool, error)
	// RetryFailed returns a FAILED artifact to the stage it failed from.
	RetryFailed(ctx context.Context, id string) (Artifact, error)
	// ReleaseStale returns in-progress artifacts whose claim is older than
	// lease to their pre-claim stage. A lease of zero releases every claim.
	ReleaseStale(ctx context.Context, lease time.Duration) (int, error)
	SaveDetails(ctx context.Context, id string, d Details) error
	AddMediaAssets(ctx context.Context, id string, assets []MediaAsset) error
	MediaAssets(ctx context.Context, id string) ([]MediaAsset, error)
}

// CursorStore persists per-source discovery cursors.
type CursorStore interface {
	GetCursor(ctx context.Context, source string) (int, error)
	// AdvanceCursor never lowers a cursor.
	AdvanceCursor(ctx context.Context, source string, page int) error
	Cursors(ctx context.Context) ([]Cursor, error)
}

// ControlStore persists the run flag and the activity feed.
type ControlStore interface {
	RunState(ctx context.Context) (RunState, error)
	SetRunState(ctx context.Context, state RunState) error
	AppendActivity(ctx context.Context, entry Activity) error
	RecentActivity(ctx context.Context, limit int) ([]Activity, error)
}

// Store is the durable artifact store.
type Store interface {
	ArtifactStore
	CursorStore
	ControlStore
	Close() error
}

// Discoverer lists candidate item URLs on one page of a source.
type Discoverer interface {
	Discover(ctx context.Context, source Source, page int) ([]string, error)
}

// Extractor pulls metadata and media assets for an artifact.
type Extractor interface {
	Extract(ctx context.Context, a Artifact) (ExtractResult, error)
}

// Analyzer produces the descriptive text for an artifact.
type Analyzer interface {
	Analyze(ctx context.Context, a Artifact, assets []MediaAsset) (AnalyzeResult, error)
}

// Reviewer hands an artifact to the human review channel. The verdict arrives
// later as a ReviewSignal.
type Reviewer interface {
	RequestReview(ctx context.Context, a Artifact) error
}

// Archiver uploads an approved artifact to the permanent archive.
type Archiver interface {
	Archive(ctx context.Context, a Artifact, assets []MediaAsset) (ArchiveResult, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// RateLimiter gates outbound fetches per domain.
type RateLimiter interface {
	WaitIfNeeded(ctx context.Context, rawURL string) error
}

// BlobStore writes and reads binary objects and returns URIs.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
	GetObject(ctx context.Context, uri string) (io.ReadCloser, error)
	DeleteObject(ctx context.Context, uri string) error
}

// Publisher pushes messages to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for identity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
