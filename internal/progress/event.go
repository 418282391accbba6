package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart     Stage = "JOB_START"
	StageJobDone      Stage = "JOB_DONE"
	StageJobError     Stage = "JOB_ERROR"
	StageJobExhausted Stage = "JOB_EXHAUSTED"
	StageFetchDone    Stage = "FETCH_DONE"
	StageDiscover     Stage = "DISCOVER"
	StageReview       Stage = "REVIEW"
	StageControl      Stage = "CONTROL"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one pipeline milestone.
type Event struct {
	// JobID identifies a dispatched job; zero for events outside a job.
	JobID [16]byte
	TS    time.Time
	Stage Stage
	// Action is the scheduler action the event belongs to, e.g. "EXTRACT".
	Action     string
	ArtifactID string
	// Site scopes fetch and discovery events to a host or source name.
	Site        string
	URL         string
	Bytes       int64
	StatusClass StatusClass
	Dur         time.Duration
	// Note is a short human-readable message, such as an error string.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError, StageJobExhausted:
		if e.JobID == [16]byte{} {
			return errors.New("job id is required")
		}
	case StageFetchDone:
		if e.Site == "" {
			return errors.New("fetch done requires site")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	case StageDiscover:
		if e.Site == "" {
			return errors.New("discover requires source")
		}
	case StageReview, StageControl:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// JobUUID converts the binary job ID to uuid.UUID.
func (e Event) JobUUID() uuid.UUID {
	return uuid.UUID(e.JobID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// JobEvent builds a job lifecycle event.
func JobEvent(stage Stage, jobID uuid.UUID, action pipeline.Action, artifactID string) Event {
	return Event{
		JobID:      UUIDToBytes(jobID),
		TS:         time.Now().UTC(),
		Stage:      stage,
		Action:     action.String(),
		ArtifactID: artifactID,
	}
}

// ActivityKind maps an event stage onto the activity feed vocabulary. ok is
// false for events that do not belong in the feed.
func (e Event) ActivityKind() (string, bool) {
	switch e.Stage {
	case StageJobStart:
		return pipeline.ActivityClaimed, true
	case StageJobDone:
		return pipeline.ActivityCompleted, true
	case StageJobError:
		return pipeline.ActivityFailed, true
	case StageJobExhausted:
		return pipeline.ActivityExhausted, true
	case StageDiscover:
		return pipeline.ActivityDiscover, true
	case StageReview:
		return pipeline.ActivityReview, true
	case StageControl:
		return pipeline.ActivityControl, true
	default:
		return "", false
	}
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
