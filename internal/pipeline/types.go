package pipeline

import (
	"fmt"
	"time"
)

// Artifact is a unit of work tracked through the pipeline.
type Artifact struct {
	ID           string    `json:"id"`
	SourceName   string    `json:"source_name"`
	SourceURL    string    `json:"source_url"`
	Stage        Stage     `json:"stage"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	FailureCount int       `json:"failure_count"`
	LastError    string    `json:"last_error,omitempty"`
	FailedFrom   Stage     `json:"failed_from,omitempty"`
	Title        string    `json:"title,omitempty"`
	Description  string    `json:"description,omitempty"`
	ArchiveURI   string    `json:"archive_uri,omitempty"`
}

// Details are the descriptive fields workers fill in along the way.
// Empty fields leave the stored value untouched.
type Details struct {
	Title       string
	Description string
	ArchiveURI  string
}

// Asset roles recorded during extraction.
const (
	AssetRolePrimary = "primary"
	AssetRoleImage   = "image"
)

// MediaAsset is a downloadable file that belongs to an artifact.
type MediaAsset struct {
	ArtifactID  string `json:"artifact_id"`
	AssetURL    string `json:"asset_url"`
	Role        string `json:"role"`
	StagedURI   string `json:"staged_uri,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Cursor is the persisted discovery bookmark for one source.
type Cursor struct {
	SourceName string    `json:"source_name"`
	LastPage   int       `json:"last_page"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Source describes a paginated listing that discovery walks.
type Source struct {
	Name string `mapstructure:"name"`
	// SeedPage is the listing URL. A "{page}" placeholder is replaced with the
	// page number; otherwise PageParam is set as a query parameter.
	SeedPage string `mapstructure:"seed_page"`
	// LinkPattern is a regular expression item links must match.
	LinkPattern string `mapstructure:"link_pattern"`
	PageParam   string `mapstructure:"page_param"`
}

// Metrics holds artifact counts per stage.
type Metrics map[Stage]int

// Count returns the number of artifacts at stage s.
func (m Metrics) Count(s Stage) int {
	if m == nil {
		return 0
	}
	return m[s]
}

// Total returns the number of tracked artifacts.
func (m Metrics) Total() int {
	total := 0
	for _, n := range m {
		total += n
	}
	return total
}

// Claim is the lock token returned by a successful Store.Claim.
type Claim struct {
	ArtifactID string
	Stage      Stage
	Version    int64
}

// Failure describes a failed job to Store.RecordFailure.
type Failure struct {
	// Release is the stage the artifact returns to while retries remain.
	Release Stage
	Message string
	// Ceiling is the failure count at which the artifact moves to FAILED.
	Ceiling int
}

// RunState is the persisted global run flag.
type RunState string

// Run states. RunStateUnset means the flag was never written.
const (
	RunStateUnset   RunState = ""
	RunStateRunning RunState = "RUNNING"
	RunStateStopped RunState = "STOPPED"
)

// ParseRunState validates a textual run state.
func ParseRunState(s string) (RunState, error) {
	switch RunState(s) {
	case RunStateRunning, RunStateStopped:
		return RunState(s), nil
	default:
		return RunStateUnset, fmt.Errorf("unknown run state %q", s)
	}
}

// Activity kinds written to the feed.
const (
	ActivityClaimed   = "claimed"
	ActivityCompleted = "completed"
	ActivityFailed    = "failed"
	ActivityExhausted = "exhausted"
	ActivityDiscover  = "discover"
	ActivityReview    = "review"
	ActivityControl   = "control"
)

// Activity is one entry in the append-only activity feed.
type Activity struct {
	ArtifactID string    `json:"artifact_id,omitempty"`
	Action     string    `json:"action,omitempty"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// Verdict is a human review decision.
type Verdict string

// Review verdicts.
const (
	VerdictApprove Verdict = "APPROVE"
	VerdictReject  Verdict = "REJECT"
)

// Stage returns the stage a verdict moves a REVIEW_PENDING artifact to.
func (v Verdict) Stage() (Stage, error) {
	switch v {
	case VerdictApprove:
		return StageApproved, nil
	case VerdictReject:
		return StageRejected, nil
	default:
		return "", fmt.Errorf("unknown verdict %q", string(v))
	}
}

// ReviewSignal carries an external review verdict.
type ReviewSignal struct {
	ArtifactID string  `json:"artifact_id"`
	Verdict    Verdict `json:"verdict"`
}

// ExtractResult is returned by an Extractor.
type ExtractResult struct {
	MediaAssets      []MediaAsset
	Title            string
	Description      string
	MetadataComplete bool
}

// AnalyzeResult is returned by an Analyzer.
type AnalyzeResult struct {
	Description         string
	DescriptionComplete bool
}

// ArchiveResult is returned by an Archiver.
type ArchiveResult struct {
	URI      string
	Uploaded bool
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL    string
	Accept string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
}
