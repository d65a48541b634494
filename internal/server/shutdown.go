package server

import "sync/atomic"

// ShutdownState is the shared two-phase shutdown flag pair. Phase one stops
// new work at the bus edge; phase two begins once in-flight work drained.
type ShutdownState struct {
	initiated atomic.Bool
	complete  atomic.Bool
}

// NewShutdownState returns both flags cleared.
func NewShutdownState() *ShutdownState { return &ShutdownState{} }

// Initiate sets the first-phase flag. New events stop being accepted.
func (s *ShutdownState) Initiate() { s.initiated.Store(true) }

// Initiated reports whether shutdown has begun.
func (s *ShutdownState) Initiated() bool { return s.initiated.Load() }

// Complete sets the second-phase flag. All in-flight work has drained.
func (s *ShutdownState) Complete() { s.complete.Store(true) }

// Completed reports whether drain finished.
func (s *ShutdownState) Completed() bool { return s.complete.Load() }
