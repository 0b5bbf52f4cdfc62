// Package timers keeps at most one live timer per purpose. Arming a kind
// that is already pending stops the old timer first, so callbacks never
// stack up.
package timers

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Kind names the purpose of a timer (ping, reconnect, settle, ...).
type Kind string

type handle struct {
	timer *clock.Timer
}

// Set is a group of named, independently cancellable timers sharing a clock.
type Set struct {
	clk clock.Clock

	mu   sync.Mutex
	live map[Kind]*handle
}

// New returns an empty Set. A nil clock uses the wall clock.
func New(clk clock.Clock) *Set {
	if clk == nil {
		clk = clock.New()
	}
	return &Set{clk: clk, live: make(map[Kind]*handle)}
}

// Arm schedules fn after d, replacing any pending timer of the same kind.
// fn runs on its own goroutine. A timer that was replaced or cancelled after
// it fired but before fn started is discarded.
func (s *Set) Arm(kind Kind, d time.Duration, fn func()) {
	h := &handle{}

	s.mu.Lock()
	if old, ok := s.live[kind]; ok {
		old.timer.Stop()
	}
	s.live[kind] = h
	h.timer = s.clk.AfterFunc(d, func() {
		s.mu.Lock()
		if s.live[kind] != h {
			s.mu.Unlock()
			return
		}
		delete(s.live, kind)
		s.mu.Unlock()
		fn()
	})
	s.mu.Unlock()
}

// ArmIfIdle schedules fn only when no timer of this kind is pending.
// Returns true if a new timer was armed.
func (s *Set) ArmIfIdle(kind Kind, d time.Duration, fn func()) bool {
	s.mu.Lock()
	_, pending := s.live[kind]
	s.mu.Unlock()
	if pending {
		return false
	}
	s.Arm(kind, d, fn)
	return true
}

// Cancel stops the pending timer of this kind. Returns true if one was pending.
func (s *Set) Cancel(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.live[kind]
	if !ok {
		return false
	}
	h.timer.Stop()
	delete(s.live, kind)
	return true
}

// Pending reports whether a timer of this kind is armed and has not fired.
func (s *Set) Pending(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[kind]
	return ok
}

// CancelAll stops every pending timer.
func (s *Set) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind, h := range s.live {
		h.timer.Stop()
		delete(s.live, kind)
	}
}

// Clock returns the clock the set schedules on.
func (s *Set) Clock() clock.Clock { return s.clk }
