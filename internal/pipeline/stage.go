package pipeline

// Stage is a point in an artifact's lifecycle graph.
type Stage string

// Stage values persisted by the stores.
const (
	StageDiscovered    Stage = "DISCOVERED"
	StageExtracted     Stage = "EXTRACTED"
	StageAnalyzed      Stage = "ANALYZED"
	StageReviewPending Stage = "REVIEW_PENDING"
	StageApproved      Stage = "APPROVED"
	StageArchived      Stage = "ARCHIVED"
	StageRejected      Stage = "REJECTED"
	StageFailed        Stage = "FAILED"

	StageExtractInProgress Stage = "EXTRACT_IN_PROGRESS"
	StageAnalyzeInProgress Stage = "ANALYZE_IN_PROGRESS"
	StageReviewInProgress  Stage = "REVIEW_IN_PROGRESS"
	StageArchiveInProgress Stage = "ARCHIVE_IN_PROGRESS"
)

// Stages lists every stage in lifecycle order, side states last.
func Stages() []Stage {
	return []Stage{
		StageDiscovered,
		StageExtractInProgress,
		StageExtracted,
		StageAnalyzeInProgress,
		StageAnalyzed,
		StageReviewInProgress,
		StageReviewPending,
		StageApproved,
		StageArchiveInProgress,
		StageArchived,
		StageRejected,
		StageFailed,
	}
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, known := range Stages() {
		if s == known {
			return true
		}
	}
	return false
}

// InProgress reports whether s is a claim marker.
func (s Stage) InProgress() bool {
	_, ok := s.PreClaim()
	return ok
}

// Terminal reports whether no automatic transition leaves s.
func (s Stage) Terminal() bool {
	switch s {
	case StageArchived, StageRejected, StageFailed:
		return true
	default:
		return false
	}
}

// PreClaim returns the stage an in-progress marker was claimed from.
func (s Stage) PreClaim() (Stage, bool) {
	for _, t := range transitions {
		if t.InProgress == s {
			return t.From, true
		}
	}
	return "", false
}

func (s Stage) String() string {
	return string(s)
}
