// Package pipeline defines the artifact state machine, the scheduler action
// set, and the ports shared by the orchestrator, the stores, and the stage
// workers.
//
// Stages form a fixed forward graph:
//
//	DISCOVERED -> EXTRACTED -> ANALYZED -> REVIEW_PENDING -> APPROVED -> ARCHIVED
//
// with REJECTED reachable from REVIEW_PENDING and FAILED reachable from any
// in-progress stage. Every action that works on an existing artifact claims it
// first by moving it into that action's in-progress stage with a
// compare-and-swap on (stage, version).
package pipeline
