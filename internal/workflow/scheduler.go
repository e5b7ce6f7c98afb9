package workflow

import (
	"strings"
	"sync"
	"time"
)

// Scheduler runs functions after a delay with cancellation by key.
// Keys are "verificationID:stepID" so an entire workflow's pending
// timers can be cancelled by prefix.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[string]*time.Timer)}
}

// After schedules fn to run after d, replacing any timer already
// registered under key.
func (s *Scheduler) After(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	s.timers[key] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, key)
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			fn()
		}
	})
}

// Cancel stops the timer registered under key, if any.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

// CancelPrefix stops every timer whose key starts with prefix.
func (s *Scheduler) CancelPrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.timers {
		if strings.HasPrefix(key, prefix) {
			t.Stop()
			delete(s.timers, key)
		}
	}
}

// Close stops all timers and rejects further scheduling.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}
