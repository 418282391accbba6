package pipeline

import "fmt"

// Action is the closed set of decisions the scheduler can make.
type Action uint8

// Scheduler actions. The zero value is ActionSleep.
const (
	ActionSleep Action = iota
	ActionDiscover
	ActionExtract
	ActionAnalyze
	ActionReview
	ActionArchive
)

// Actions returns every action, including ActionSleep.
func Actions() []Action {
	return []Action{ActionSleep, ActionDiscover, ActionExtract, ActionAnalyze, ActionReview, ActionArchive}
}

func (a Action) String() string {
	switch a {
	case ActionSleep:
		return "SLEEP"
	case ActionDiscover:
		return "DISCOVER"
	case ActionExtract:
		return "EXTRACT"
	case ActionAnalyze:
		return "ANALYZE"
	case ActionReview:
		return "REVIEW"
	case ActionArchive:
		return "ARCHIVE"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// StageTransition describes the stage walk an action performs on an artifact.
type StageTransition struct {
	From       Stage
	InProgress Stage
	Done       Stage
}

var transitions = map[Action]StageTransition{
	ActionExtract: {From: StageDiscovered, InProgress: StageExtractInProgress, Done: StageExtracted},
	ActionAnalyze: {From: StageExtracted, InProgress: StageAnalyzeInProgress, Done: StageAnalyzed},
	ActionReview:  {From: StageAnalyzed, InProgress: StageReviewInProgress, Done: StageReviewPending},
	ActionArchive: {From: StageApproved, InProgress: StageArchiveInProgress, Done: StageArchived},
}

// Transition returns the stage walk for actions that operate on an artifact.
// ActionSleep and ActionDiscover have none.
func (a Action) Transition() (StageTransition, bool) {
	t, ok := transitions[a]
	return t, ok
}

// Decision is the scheduler's output for one cycle.
type Decision struct {
	Action Action
	// Target is set for artifact actions.
	Target *Artifact
	// Source and Page are set for ActionDiscover.
	Source string
	Page   int
}

func (d Decision) String() string {
	switch {
	case d.Target != nil:
		return fmt.Sprintf("%s %s", d.Action, d.Target.ID)
	case d.Action == ActionDiscover:
		return fmt.Sprintf("%s %s page %d", d.Action, d.Source, d.Page)
	default:
		return d.Action.String()
	}
}
