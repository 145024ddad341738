package abaichat

import (
	"sync"
	"time"
)

// Timer-driven expiry (pending-message timeout, typing TTL) goes through a
// single registry keyed by (kind, id) so arming, re-arming and cancelling are
// uniform and tests can drive virtual time instead of sleeping.

type timerKind string

const (
	timerPendingMessage timerKind = "pending"
	timerTyping         timerKind = "typing"
)

type timerKey struct {
	Kind timerKind
	ID   string
}

// Scheduler arms one-shot expiry callbacks. Scheduling an already-armed
// (kind, id) pair re-arms it, replacing the previous deadline.
type Scheduler interface {
	After(kind timerKind, id string, d time.Duration, fn func())
	Cancel(kind timerKind, id string)
	Stop()
}

// wallScheduler is the production Scheduler backed by time.AfterFunc.
type wallScheduler struct {
	mu     sync.Mutex
	timers map[timerKey]*time.Timer
}

func newWallScheduler() *wallScheduler {
	return &wallScheduler{timers: make(map[timerKey]*time.Timer)}
}

func (s *wallScheduler) After(kind timerKind, id string, d time.Duration, fn func()) {
	key := timerKey{Kind: kind, ID: id}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	s.timers[key] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
}

func (s *wallScheduler) Cancel(kind timerKind, id string) {
	key := timerKey{Kind: kind, ID: id}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

func (s *wallScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}
