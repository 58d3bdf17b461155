package sessions

import (
	"sync"
	"time"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateActive State = iota
	StateExpired
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Channel is the per-session transport a Session owns. The registry only
// ever closes it.
type Channel interface {
	Close() error
}

// Session binds an id to exactly one Channel.
type Session struct {
	id     string
	userID string
	ch     Channel

	mu           sync.Mutex
	lastActivity time.Time
	state        State

	// deliver serializes POST deliveries when single-flight mode is on.
	deliver sync.Mutex
}

func (s *Session) ID() string { return s.id }

// UserID is the principal that created the session, empty when
// authentication is disabled.
func (s *Session) UserID() string { return s.userID }

func (s *Session) Channel() Channel { return s.ch }

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LockDelivery acquires the session's delivery lock and returns the unlock
// function.
func (s *Session) LockDelivery() (unlock func()) {
	s.deliver.Lock()
	return s.deliver.Unlock
}

// touch records activity if the session is still active.
func (s *Session) touch(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return false
	}
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	return true
}

// expireIfIdle moves an idle active session to StateExpired. It reports
// whether the transition happened.
func (s *Session) expireIfIdle(now time.Time, threshold time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive || !IsExpired(s.lastActivity, now, threshold) {
		return false
	}
	s.state = StateExpired
	return true
}

func (s *Session) setState(st State) (prev State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev = s.state
	s.state = st
	return prev
}
