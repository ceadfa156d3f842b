// Package runstate holds the process-wide run state observed by every loop.
package runstate

import (
	"sync"

	"github.com/aescanero/kgworker/pkg/domain"
)

// State is the shared run state. Transitions only move forward:
// Starting -> Running -> Draining -> Stopped (Running may be skipped).
type State struct {
	mu       sync.RWMutex
	current  domain.RunState
	draining chan struct{}
}

// New returns a state in Starting
func New() *State {
	return &State{
		current:  domain.RunStateStarting,
		draining: make(chan struct{}),
	}
}

// Load returns the current state
func (s *State) Load() domain.RunState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Transition moves to next and reports whether the state changed. Backward
// moves and repeats are ignored.
func (s *State) Transition(next domain.RunState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if next <= s.current {
		return false
	}
	prev := s.current
	s.current = next
	if prev < domain.RunStateDraining && next >= domain.RunStateDraining {
		close(s.draining)
	}
	return true
}

// Draining reports whether a stop was requested
func (s *State) Draining() bool {
	return !s.Load().AcceptsWork()
}

// DrainRequested is closed when the state first reaches Draining.
func (s *State) DrainRequested() <-chan struct{} {
	return s.draining
}
