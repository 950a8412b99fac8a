package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mlowery/feedmirror/bus"
	"github.com/mlowery/feedmirror/models"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// fakeTicker lets tests fire interval ticks by hand.
type fakeTicker struct {
	ch chan time.Time
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               {}

type fakeClock struct {
	ticker *fakeTicker
}

func (f *fakeClock) NewTicker(d time.Duration) Ticker { return f.ticker }

func newFakeClock() *fakeClock {
	return &fakeClock{ticker: &fakeTicker{ch: make(chan time.Time)}}
}

// controlledFetch blocks each fetch until released and counts attempts.
type controlledFetch struct {
	mu      sync.Mutex
	started chan struct{} // one send per fetch start
	release chan struct{} // one receive per fetch completion
	calls   int
	err     error
	board   *models.Leaderboard
}

func newControlledFetch() *controlledFetch {
	return &controlledFetch{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
		board:   &models.Leaderboard{Users: []models.LeaderboardEntry{{ID: 1, Username: "ada"}}},
	}
}

func (c *controlledFetch) fetch(ctx context.Context) (*models.Leaderboard, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	c.started <- struct{}{}
	<-c.release
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.board, c.err
}

func (c *controlledFetch) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestTriggersCoalesceWhileFetchInFlight(t *testing.T) {
	clock := newFakeClock()
	fetch := newControlledFetch()
	s := New(fetch.fetch, time.Second, clock, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	// initial fetch fires on start
	<-fetch.started

	// an interval tick while the first fetch is still pending must not
	// start a second request
	clock.ticker.ch <- time.Now()
	clock.ticker.ch <- time.Now()
	if got := fetch.callCount(); got != 1 {
		t.Fatalf("in-flight fetches = %d; want 1 (ticks coalesced)", got)
	}

	fetch.release <- struct{}{}
	waitFor(t, func() bool { return s.Leaderboard() != nil }, "first result never committed")

	// once idle, the next tick fetches again
	clock.ticker.ch <- time.Now()
	<-fetch.started
	fetch.release <- struct{}{}
	waitFor(t, func() bool { return fetch.callCount() == 2 }, "second fetch never ran")
}

func TestLikeActivityTriggersRefetch(t *testing.T) {
	clock := newFakeClock()
	fetch := newControlledFetch()
	b := bus.New(testLogger())
	s := New(fetch.fetch, time.Second, clock, b, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	<-fetch.started
	fetch.release <- struct{}{}
	waitFor(t, func() bool { return s.Leaderboard() != nil }, "initial fetch never committed")

	b.PublishLikeActivity()
	<-fetch.started
	fetch.release <- struct{}{}

	waitFor(t, func() bool { return fetch.callCount() == 2 }, "activity-triggered fetch never ran")
}

func TestFailureDoesNotStopTimer(t *testing.T) {
	clock := newFakeClock()
	fetch := newControlledFetch()
	fetch.err = errors.New("leaderboard unavailable")
	s := New(fetch.fetch, time.Second, clock, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	<-fetch.started
	fetch.release <- struct{}{}
	waitFor(t, func() bool { return s.LastError() != nil }, "failure never surfaced")
	if s.Leaderboard() != nil {
		t.Error("failed fetch committed a leaderboard")
	}

	// next tick self-heals
	fetch.mu.Lock()
	fetch.err = nil
	fetch.mu.Unlock()

	clock.ticker.ch <- time.Now()
	<-fetch.started
	fetch.release <- struct{}{}

	waitFor(t, func() bool { return s.Leaderboard() != nil }, "recovery fetch never committed")
	if s.LastError() != nil {
		t.Errorf("LastError = %v after recovery; want nil", s.LastError())
	}
}

func TestStopDiscardsLateResult(t *testing.T) {
	clock := newFakeClock()
	fetch := newControlledFetch()
	s := New(fetch.fetch, time.Second, clock, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	<-fetch.started
	s.Stop()
	fetch.release <- struct{}{}

	// give the discarded commit path a chance to run wrongly
	time.Sleep(20 * time.Millisecond)
	if s.Leaderboard() != nil {
		t.Error("result arriving after Stop was committed")
	}

	s.Stop() // idempotent
}

func TestStartIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	fetch := newControlledFetch()
	s := New(fetch.fetch, time.Second, clock, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Start(ctx) // second start is a no-op

	<-fetch.started
	select {
	case <-fetch.started:
		t.Fatal("double Start produced a second initial fetch")
	case <-time.After(50 * time.Millisecond):
	}

	fetch.release <- struct{}{}
	s.Stop()
}

func TestStoppedSchedulerIgnoresBusActivity(t *testing.T) {
	clock := newFakeClock()
	fetch := newControlledFetch()
	b := bus.New(testLogger())
	s := New(fetch.fetch, time.Second, clock, b, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	<-fetch.started
	s.Stop()
	fetch.release <- struct{}{}

	b.PublishLikeActivity()
	select {
	case <-fetch.started:
		t.Fatal("bus activity reached a stopped scheduler")
	case <-time.After(50 * time.Millisecond):
	}
}
