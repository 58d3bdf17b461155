package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type fakeChannel struct {
	closes atomic.Int32
}

func (c *fakeChannel) Close() error {
	c.closes.Add(1)
	return nil
}

type countingSink struct {
	mu      sync.Mutex
	created int
	removed map[RemoveReason]int
}

func newCountingSink() *countingSink {
	return &countingSink{removed: map[RemoveReason]int{}}
}

func (s *countingSink) SessionCreated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created++
}

func (s *countingSink) SessionRemoved(reason RemoveReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed[reason]++
}

func (s *countingSink) totals() (created, removed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.removed {
		removed += n
	}
	return s.created, removed
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openFake(ch *fakeChannel) func(string) (Channel, error) {
	return func(string) (Channel, error) { return ch, nil }
}

func TestIsExpiredBoundary(t *testing.T) {
	last := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	threshold := 30 * time.Minute

	if IsExpired(last, last.Add(threshold), threshold) {
		t.Fatalf("want not expired exactly at threshold")
	}
	if !IsExpired(last, last.Add(threshold+time.Nanosecond), threshold) {
		t.Fatalf("want expired one nanosecond past threshold")
	}
	if IsExpired(last, last.Add(-time.Minute), threshold) {
		t.Fatalf("want not expired when clock is behind")
	}
}

func TestCreateLookupTouch(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithClock(clock.Now))

	ch := &fakeChannel{}
	s, err := r.Create(openFake(ch), OwnedBy("alice"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.ID() == "" {
		t.Fatalf("want non-empty id")
	}
	if s.State() != StateActive {
		t.Fatalf("want active got %s", s.State())
	}
	if s.UserID() != "alice" {
		t.Fatalf("want alice got %q", s.UserID())
	}

	created := s.LastActivity()
	clock.Advance(time.Minute)

	got, err := r.Lookup(s.ID())
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got != s {
		t.Fatalf("want same session from lookup")
	}
	if !s.LastActivity().Equal(created) {
		t.Fatalf("lookup must not record activity")
	}

	if _, err := r.Touch(s.ID()); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if want := created.Add(time.Minute); !s.LastActivity().Equal(want) {
		t.Fatalf("want lastActivity %v got %v", want, s.LastActivity())
	}
}

func TestUnknownID(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Lookup("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound got %v", err)
	}
	if _, err := r.Touch("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound got %v", err)
	}
	if _, err := r.Resume("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound got %v", err)
	}
	if s := r.Expire("nope"); s != nil {
		t.Fatalf("want nil from Expire of unknown id")
	}
	r.Remove("nope")
	if r.Len() != 0 {
		t.Fatalf("want empty registry got %d", r.Len())
	}
}

func TestCreateOpenFailureRegistersNothing(t *testing.T) {
	sink := newCountingSink()
	r := NewRegistry(WithMetricsSink(sink))
	boom := errors.New("boom")

	var seenID string
	_, err := r.Create(func(id string) (Channel, error) {
		seenID = id
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom got %v", err)
	}
	if seenID == "" {
		t.Fatalf("want open to receive the generated id")
	}
	if r.Len() != 0 {
		t.Fatalf("want no session registered, got %d", r.Len())
	}
	if _, err := r.Lookup(seenID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("want id unregistered, got %v", err)
	}
	if created, _ := sink.totals(); created != 0 {
		t.Fatalf("want no created event got %d", created)
	}
}

func TestCreateIDGenerationFailure(t *testing.T) {
	r := NewRegistry(withIDSource(func() (string, error) { return "", errors.New("entropy") }))
	opened := false
	_, err := r.Create(func(string) (Channel, error) {
		opened = true
		return &fakeChannel{}, nil
	})
	if !errors.Is(err, ErrIDGeneration) {
		t.Fatalf("want ErrIDGeneration got %v", err)
	}
	if opened {
		t.Fatalf("want open never called")
	}
}

func TestCreateRetriesOnCollision(t *testing.T) {
	ids := []string{"a", "a", "b"}
	var n int
	r := NewRegistry(withIDSource(func() (string, error) {
		id := ids[n]
		n++
		return id, nil
	}))
	if _, err := r.Create(openFake(&fakeChannel{})); err != nil {
		t.Fatalf("first create: %v", err)
	}
	s, err := r.Create(openFake(&fakeChannel{}))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if s.ID() != "b" {
		t.Fatalf("want fresh id b got %s", s.ID())
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	sink := newCountingSink()
	r := NewRegistry(WithMetricsSink(sink))
	s, err := r.Create(openFake(&fakeChannel{}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	r.Remove(s.ID())
	r.Remove(s.ID())

	if s.State() != StateClosed {
		t.Fatalf("want closed got %s", s.State())
	}
	if _, err := r.Lookup(s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("want removed, got %v", err)
	}
	if sink.removed[ReasonClosed] != 1 {
		t.Fatalf("want exactly one removal got %d", sink.removed[ReasonClosed])
	}
}

func TestResumeExpiresIdleSession(t *testing.T) {
	clock := newFakeClock()
	sink := newCountingSink()
	r := NewRegistry(WithClock(clock.Now), WithIdleThreshold(time.Minute), WithMetricsSink(sink))

	ch := &fakeChannel{}
	s, err := r.Create(openFake(ch))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clock.Advance(time.Minute)
	if _, err := r.Resume(s.ID()); err != nil {
		t.Fatalf("resume at threshold: %v", err)
	}

	clock.Advance(time.Minute + time.Nanosecond)
	got, err := r.Resume(s.ID())
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("want ErrSessionExpired got %v", err)
	}
	if got != s {
		t.Fatalf("want the expired session returned")
	}
	if s.State() != StateExpired {
		t.Fatalf("want expired got %s", s.State())
	}
	if ch.closes.Load() != 1 {
		t.Fatalf("want channel closed once got %d", ch.closes.Load())
	}
	if _, err := r.Resume(s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("want not found after expiry got %v", err)
	}
	if sink.removed[ReasonExpired] != 1 {
		t.Fatalf("want one expired removal got %d", sink.removed[ReasonExpired])
	}

	// The channel's close callback removing it again must not double count.
	r.Remove(s.ID())
	if _, removed := sink.totals(); removed != 1 {
		t.Fatalf("want one removal total got %d", removed)
	}
}

func TestExpire(t *testing.T) {
	sink := newCountingSink()
	r := NewRegistry(WithMetricsSink(sink))
	ch := &fakeChannel{}
	s, err := r.Create(openFake(ch))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := r.Expire(s.ID()); got != s {
		t.Fatalf("want session from Expire")
	}
	if s.State() != StateExpired {
		t.Fatalf("want expired got %s", s.State())
	}
	if r.Len() != 0 {
		t.Fatalf("want removed, len %d", r.Len())
	}
	if got := r.Expire(s.ID()); got != nil {
		t.Fatalf("want nil from second Expire")
	}
	if sink.removed[ReasonExpired] != 1 {
		t.Fatalf("want one expired removal got %d", sink.removed[ReasonExpired])
	}
	// Closing the channel is left to the caller.
	if ch.closes.Load() != 0 {
		t.Fatalf("want channel untouched got %d closes", ch.closes.Load())
	}
}

func TestSweep(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithClock(clock.Now), WithIdleThreshold(time.Minute))

	stale := &fakeChannel{}
	if _, err := r.Create(openFake(stale)); err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(45 * time.Second)

	fresh := &fakeChannel{}
	freshSess, err := r.Create(openFake(fresh))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(30 * time.Second)

	if n := r.Sweep(clock.Now()); n != 1 {
		t.Fatalf("want one evicted got %d", n)
	}
	if stale.closes.Load() != 1 || fresh.closes.Load() != 0 {
		t.Fatalf("want only stale closed, got stale=%d fresh=%d", stale.closes.Load(), fresh.closes.Load())
	}
	if _, err := r.Lookup(freshSess.ID()); err != nil {
		t.Fatalf("want fresh session kept: %v", err)
	}
}

func TestCapacity(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithClock(clock.Now), WithMaxSessions(2), WithIdleThreshold(time.Minute))

	for i := range 2 {
		if _, err := r.Create(openFake(&fakeChannel{})); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	opened := false
	_, err := r.Create(func(string) (Channel, error) {
		opened = true
		return &fakeChannel{}, nil
	})
	if !errors.Is(err, ErrRegistryFull) {
		t.Fatalf("want ErrRegistryFull got %v", err)
	}
	if opened {
		t.Fatalf("want no channel opened when full")
	}

	// Once the existing sessions go idle, admission reclaims them.
	clock.Advance(2 * time.Minute)
	if _, err := r.Create(openFake(&fakeChannel{})); err != nil {
		t.Fatalf("create after idle: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("want 1 live session got %d", r.Len())
	}
}

func TestConcurrentCreateTouchRemove(t *testing.T) {
	sink := newCountingSink()
	r := NewRegistry(WithMetricsSink(sink), WithMaxSessions(0))

	const workers = 32
	const perWorker = 50

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker*8)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				s, err := r.Create(openFake(&fakeChannel{}))
				if err != nil {
					errs <- err
					return
				}
				var inner sync.WaitGroup
				for range 4 {
					inner.Add(1)
					go func() {
						defer inner.Done()
						// Touch may lose the race with Remove; both outcomes are valid.
						if _, err := r.Touch(s.ID()); err != nil && !errors.Is(err, ErrSessionNotFound) {
							errs <- err
						}
					}()
				}
				inner.Add(2)
				go func() { defer inner.Done(); r.Remove(s.ID()) }()
				go func() { defer inner.Done(); r.Remove(s.ID()) }()
				inner.Wait()
				if s.State() != StateClosed {
					errs <- fmt.Errorf("session %s state %s after remove", s.ID(), s.State())
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	created, removed := sink.totals()
	if created != workers*perWorker {
		t.Fatalf("want %d created got %d", workers*perWorker, created)
	}
	if removed != created {
		t.Fatalf("want removals to match creations, got %d vs %d", removed, created)
	}
	if r.Len() != 0 {
		t.Fatalf("want empty registry got %d", r.Len())
	}
}

func TestSweepRacesTouch(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithClock(clock.Now), WithIdleThreshold(time.Minute), WithMaxSessions(0))

	var chans []*fakeChannel
	var ids []string
	for range 100 {
		ch := &fakeChannel{}
		s, err := r.Create(openFake(ch))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		chans = append(chans, ch)
		ids = append(ids, s.ID())
	}
	clock.Advance(2 * time.Minute)

	var wg sync.WaitGroup
	var touched atomic.Int32
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, id := range ids {
			if _, err := r.Touch(id); err == nil {
				touched.Add(1)
			}
		}
	}()
	var evicted int
	go func() {
		defer wg.Done()
		evicted = r.Sweep(clock.Now())
	}()
	wg.Wait()

	if evicted+r.Len() != len(ids) {
		t.Fatalf("want every session either evicted or live, evicted=%d live=%d", evicted, r.Len())
	}
	var closed int
	for _, ch := range chans {
		n := ch.closes.Load()
		if n > 1 {
			t.Fatalf("want at most one close got %d", n)
		}
		closed += int(n)
	}
	if closed != evicted {
		t.Fatalf("want closes to match evictions, %d vs %d", closed, evicted)
	}
}

func TestSweeperStopsWithoutLeaks(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := newFakeClock()
	r := NewRegistry(WithClock(clock.Now), WithIdleThreshold(time.Minute))
	ch := &fakeChannel{}
	if _, err := r.Create(openFake(ch)); err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(time.Hour)

	r.StartSweeper(context.Background(), 5*time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sweeper did not evict idle session")
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.Close()
	if ch.closes.Load() != 1 {
		t.Fatalf("want one close got %d", ch.closes.Load())
	}
}

func TestSweeperStopsOnContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	r.StartSweeper(ctx, time.Millisecond)
	cancel()
	r.wg.Wait()
}

func TestCloseEvictsEverything(t *testing.T) {
	sink := newCountingSink()
	r := NewRegistry(WithMetricsSink(sink))
	var chans []*fakeChannel
	for range 3 {
		ch := &fakeChannel{}
		if _, err := r.Create(openFake(ch)); err != nil {
			t.Fatalf("create: %v", err)
		}
		chans = append(chans, ch)
	}

	r.Close()
	r.Close()

	for i, ch := range chans {
		if ch.closes.Load() != 1 {
			t.Fatalf("channel %d: want one close got %d", i, ch.closes.Load())
		}
	}
	if sink.removed[ReasonShutdown] != 3 {
		t.Fatalf("want 3 shutdown removals got %d", sink.removed[ReasonShutdown])
	}
	if _, err := r.Create(openFake(&fakeChannel{})); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("want ErrRegistryClosed got %v", err)
	}
}
