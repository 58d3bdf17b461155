package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSessionNotFound is returned for ids that are not registered.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned by Resume when the session was idle past
	// the threshold. The session has already been removed.
	ErrSessionExpired = errors.New("session expired")
	// ErrRegistryFull is returned by Create when the session bound is reached.
	ErrRegistryFull = errors.New("session registry full")
	// ErrIDGeneration is returned by Create when no id could be generated.
	ErrIDGeneration = errors.New("session id generation failed")
	// ErrRegistryClosed is returned by Create after Close.
	ErrRegistryClosed = errors.New("session registry closed")
)

// DefaultMaxSessions bounds the registry unless overridden.
const DefaultMaxSessions = 1000

// RemoveReason labels why a session left the registry.
type RemoveReason string

const (
	ReasonClosed   RemoveReason = "closed"
	ReasonExpired  RemoveReason = "expired"
	ReasonShutdown RemoveReason = "shutdown"
)

// MetricsSink receives session lifecycle events. Each call corresponds to
// exactly one insertion or deletion.
type MetricsSink interface {
	SessionCreated()
	SessionRemoved(reason RemoveReason)
}

type noopSink struct{}

func (noopSink) SessionCreated()             {}
func (noopSink) SessionRemoved(RemoveReason) {}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIdleThreshold sets the expiry threshold. Defaults to DefaultIdleThreshold.
func WithIdleThreshold(d time.Duration) Option {
	return func(r *Registry) { r.idle = d }
}

// WithMaxSessions bounds the number of live sessions. 0 means unbounded.
func WithMaxSessions(n int) Option {
	return func(r *Registry) { r.max = n }
}

// WithMetricsSink installs a lifecycle sink.
func WithMetricsSink(s MetricsSink) Option {
	return func(r *Registry) { r.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// withIDSource replaces id generation in tests.
func withIDSource(fn func() (string, error)) Option {
	return func(r *Registry) { r.newID = fn }
}

// Registry is the process-wide table of live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	now   func() time.Time
	idle  time.Duration
	max   int
	sink  MetricsSink
	log   *slog.Logger
	newID func() (string, error)

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry builds an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
		idle:     DefaultIdleThreshold,
		max:      DefaultMaxSessions,
		sink:     noopSink{},
		log:      slog.Default(),
		newID:    newSessionID,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newSessionID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// IdleThreshold returns the configured expiry threshold.
func (r *Registry) IdleThreshold() time.Duration { return r.idle }

// CreateOption configures a single Create call.
type CreateOption func(*Session)

// OwnedBy binds the authenticated principal to the new session.
func OwnedBy(userID string) CreateOption {
	return func(s *Session) { s.userID = userID }
}

// Create allocates a fresh id, opens a channel bound to it and registers the
// resulting Session. open runs without any registry lock held. If open fails
// nothing is registered.
func (r *Registry) Create(open func(id string) (Channel, error), opts ...CreateOption) (*Session, error) {
	if err := r.admit(); err != nil {
		return nil, err
	}

	id, err := r.reserveID()
	if err != nil {
		return nil, err
	}

	ch, err := open(id)
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	s := &Session{id: id, ch: ch, lastActivity: r.now(), state: StateActive}
	for _, opt := range opts {
		opt(s)
	}

	r.mu.Lock()
	switch {
	case r.closed:
		err = ErrRegistryClosed
	case r.max > 0 && len(r.sessions) >= r.max:
		err = ErrRegistryFull
	case r.sessions[id] != nil:
		err = fmt.Errorf("%w: duplicate id", ErrIDGeneration)
	default:
		r.sessions[id] = s
	}
	r.mu.Unlock()

	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	r.sink.SessionCreated()
	r.log.Debug("session.create", slog.String("session_id", id), slog.String("user_id", s.userID))
	return s, nil
}

// admit enforces the bound, sweeping expired sessions before giving up.
func (r *Registry) admit() error {
	r.mu.RLock()
	closed, n := r.closed, len(r.sessions)
	r.mu.RUnlock()
	if closed {
		return ErrRegistryClosed
	}
	if r.max <= 0 || n < r.max {
		return nil
	}
	r.Sweep(r.now())
	if r.Len() >= r.max {
		r.log.Warn("session.create.full", slog.Int("max", r.max))
		return ErrRegistryFull
	}
	return nil
}

func (r *Registry) reserveID() (string, error) {
	for range 3 {
		id, err := r.newID()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrIDGeneration, err)
		}
		r.mu.RLock()
		_, taken := r.sessions[id]
		r.mu.RUnlock()
		if !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: repeated collisions", ErrIDGeneration)
}

// Lookup returns the session without recording activity.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Touch records activity on the session.
func (r *Registry) Touch(id string) (*Session, error) {
	s, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	if !s.touch(r.now()) {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Resume applies the idle policy and then touches the session. An idle
// session is expired, removed and its channel closed; Resume then returns it
// alongside ErrSessionExpired.
func (r *Registry) Resume(id string) (*Session, error) {
	s, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	now := r.now()
	if s.expireIfIdle(now, r.idle) {
		r.Expire(s.id)
		r.closeChannel(s)
		return s, ErrSessionExpired
	}
	if !s.touch(now) {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove deletes the session and marks it closed. Removing an absent id is
// a no-op. The channel is not closed here; Remove is what the channel's
// close callback calls.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		s.setState(StateClosed)
	}
	r.mu.Unlock()
	if ok {
		r.sink.SessionRemoved(ReasonClosed)
		r.log.Debug("session.remove", slog.String("session_id", id))
	}
}

// Expire marks the session expired and removes it, returning it so the
// caller can close its channel. It returns nil for absent ids.
func (r *Registry) Expire(id string) *Session {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || !r.evict(s, ReasonExpired) {
		return nil
	}
	s.setState(StateExpired)
	return s
}

// evict deletes s if it is still the registered session for its id.
func (r *Registry) evict(s *Session, reason RemoveReason) bool {
	r.mu.Lock()
	cur, ok := r.sessions[s.id]
	if ok && cur == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
	if !ok || cur != s {
		return false
	}
	r.sink.SessionRemoved(reason)
	r.log.Info("session.expire", slog.String("session_id", s.id))
	return true
}

func (r *Registry) closeChannel(s *Session) {
	if err := s.ch.Close(); err != nil {
		r.log.Warn("session.channel.close.fail", slog.String("session_id", s.id), slog.String("err", err.Error()))
	}
}

// Sweep evicts every session idle past the threshold at now and closes
// their channels. It returns the number evicted.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.RLock()
	candidates := make([]*Session, 0)
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	evicted := 0
	for _, s := range candidates {
		// expireIfIdle re-checks under the session lock so a concurrent
		// Touch either lands first and keeps the session, or loses.
		if !s.expireIfIdle(now, r.idle) {
			continue
		}
		if r.evict(s, ReasonExpired) {
			evicted++
		}
		r.closeChannel(s)
	}
	if evicted > 0 {
		r.log.Info("session.sweep", slog.Int("evicted", evicted))
	}
	return evicted
}

// StartSweeper runs Sweep every interval until ctx is done or Close is
// called. Non-positive intervals are ignored.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-t.C:
				r.Sweep(r.now())
			}
		}
	}()
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close stops the sweeper, evicts every session and closes their channels.
// Further Create calls fail with ErrRegistryClosed.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()

	r.mu.Lock()
	r.closed = true
	remaining := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		delete(r.sessions, id)
		s.setState(StateClosed)
		remaining = append(remaining, s)
	}
	r.mu.Unlock()

	for _, s := range remaining {
		r.sink.SessionRemoved(ReasonShutdown)
		r.closeChannel(s)
	}
	if len(remaining) > 0 {
		r.log.Info("session.registry.close", slog.Int("closed", len(remaining)))
	}
}
