package targettracker

import (
	"sync"
	"time"
)

// TargetState is a consistent view of the tracked target.
type TargetState struct {
	Name  string
	Found bool
	// LastSeen is when the target was last published. It survives Found going false.
	LastSeen    time.Time
	LastOutcome Outcome
}

// TargetStateStore is the state shared by fusion cycles and queries. Every read returns fields
// written by a single completed update.
type TargetStateStore struct {
	mu    sync.Mutex
	state TargetState
}

// NewTargetStateStore starts out looking for `name` with nothing found.
func NewTargetStateStore(name string) *TargetStateStore {
	return &TargetStateStore{state: TargetState{Name: name}}
}

// Snapshot returns the current state.
func (s *TargetStateStore) Snapshot() TargetState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Name returns the target currently being looked for.
func (s *TargetStateStore) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Name
}

// SetName switches the target. Changing to a different name forgets that the previous one was
// found. It returns the name now stored.
func (s *TargetStateStore) SetName(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Name != name {
		s.state.Name = name
		s.state.Found = false
	}
	return s.state.Name
}

// Record stores the result of a cycle that searched for `name`. Results for a name that is no
// longer the target are ignored and reported as not applied.
func (s *TargetStateStore) Record(name string, outcome Outcome, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name != s.state.Name {
		return false
	}
	s.state.LastOutcome = outcome
	s.state.Found = outcome == OutcomePublished
	if s.state.Found {
		s.state.LastSeen = at
	}
	return true
}
