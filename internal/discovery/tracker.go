// Package discovery walks paginated sources, registers the items it finds and
// advances each source's cursor only when a page yields something new.
package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/artifact-pipeline/internal/backoff"
	"github.com/JakeFAU/artifact-pipeline/internal/clock/system"
	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

// Outcome is how a discovery attempt ended.
type Outcome int

// Discovery outcomes.
const (
	// OutcomeAdvanced means the page produced new artifacts.
	OutcomeAdvanced Outcome = iota
	// OutcomeEmpty means the page produced nothing new.
	OutcomeEmpty
	// OutcomeFailed means the discoverer or the store returned an error.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdvanced:
		return "advanced"
	case OutcomeEmpty:
		return "empty"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SourceStatus is a snapshot of one source's discovery state.
type SourceStatus struct {
	Name        string    `json:"name"`
	InFlight    bool      `json:"in_flight"`
	LastAttempt time.Time `json:"last_attempt,omitzero"`
	LastOutcome string    `json:"last_outcome,omitempty"`
	EmptyPages  int       `json:"empty_pages"`
	NotBefore   time.Time `json:"not_before,omitzero"`
}

type sourceState struct {
	leased      bool
	lastAttempt time.Time
	lastOutcome string
	notBefore   time.Time
	empty       int
}

// Tracker holds the in-memory lease and backoff state per source.
type Tracker struct {
	mu     sync.Mutex
	clock  pipeline.Clock
	policy backoff.Exponential
	states map[string]*sourceState
}

// NewTracker builds a Tracker. policy.Base is the backoff after the first
// unproductive page; it doubles per consecutive one up to policy.Max.
func NewTracker(clock pipeline.Clock, policy backoff.Exponential) *Tracker {
	if clock == nil {
		clock = system.New()
	}
	return &Tracker{clock: clock, policy: policy, states: make(map[string]*sourceState)}
}

func (t *Tracker) state(name string) *sourceState {
	st, ok := t.states[name]
	if !ok {
		st = &sourceState{}
		t.states[name] = st
	}
	return st
}

// Eligible filters names down to sources with no discovery in flight and no
// active backoff, least recently attempted first.
func (t *Tracker) Eligible(names []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	out := make([]string, 0, len(names))
	for _, name := range names {
		st := t.state(name)
		if st.leased || now.Before(st.notBefore) {
			continue
		}
		out = append(out, name)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return t.states[out[i]].lastAttempt.Before(t.states[out[j]].lastAttempt)
	})
	return out
}

// Acquire takes the discovery lease for name. It returns false if a
// discovery is already in flight or the source is backing off.
func (t *Tracker) Acquire(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(name)
	if st.leased || t.clock.Now().Before(st.notBefore) {
		return false
	}
	st.leased = true
	return true
}

// Abandon drops a lease without recording an attempt.
func (t *Tracker) Abandon(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(name).leased = false
}

// Release ends the lease and applies outcome. Unproductive outcomes start
// or extend the source's backoff window.
func (t *Tracker) Release(name string, outcome Outcome) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(name)
	now := t.clock.Now()
	st.leased = false
	st.lastAttempt = now
	st.lastOutcome = outcome.String()
	if outcome == OutcomeAdvanced {
		st.empty = 0
		st.notBefore = time.Time{}
		return 0
	}
	st.empty++
	wait := t.policy.Delay(st.empty - 1)
	st.notBefore = now.Add(wait)
	return wait
}

// Snapshot returns the state of every tracked source ordered by name.
func (t *Tracker) Snapshot() []SourceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SourceStatus, 0, len(t.states))
	for name, st := range t.states {
		out = append(out, SourceStatus{
			Name:        name,
			InFlight:    st.leased,
			LastAttempt: st.lastAttempt,
			LastOutcome: st.lastOutcome,
			EmptyPages:  st.empty,
			NotBefore:   st.notBefore,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
