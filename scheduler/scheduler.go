// Package scheduler keeps the leaderboard projection eventually consistent
// with the server. The leaderboard's 24h-window ranking is server-computed
// and cannot be derived client-side, so the only correct move is to
// re-fetch it: on a fixed interval while running, and whenever the bus
// signals like activity.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mlowery/feedmirror/bus"
	"github.com/mlowery/feedmirror/models"
)

// DefaultInterval matches the 30-second auto-refresh of the leaderboard
// view.
const DefaultInterval = 30 * time.Second

// FetchFunc fetches the current leaderboard from the server.
type FetchFunc func(ctx context.Context) (*models.Leaderboard, error)

// RefreshScheduler owns the last successfully fetched leaderboard and
// replaces it wholesale on every refresh. Triggers are coalesced: while a
// fetch is in flight, further interval ticks and activity signals produce
// no second request. A late result arriving after Stop is discarded.
type RefreshScheduler struct {
	fetch    FetchFunc
	interval time.Duration
	clock    Clock
	bus      *bus.Bus
	log      *logrus.Logger

	trigger chan struct{}

	mu          sync.RWMutex
	current     *models.Leaderboard
	lastErr     error
	inFlight    bool
	running     bool
	cancel      context.CancelFunc
	unsubscribe func()
}

// New creates a scheduler. A nil clock selects the wall clock; interval <= 0
// selects DefaultInterval.
func New(fetch FetchFunc, interval time.Duration, clock Clock, b *bus.Bus, log *logrus.Logger) *RefreshScheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clock == nil {
		clock = RealClock()
	}
	return &RefreshScheduler{
		fetch:    fetch,
		interval: interval,
		clock:    clock,
		bus:      b,
		log:      log,
		trigger:  make(chan struct{}, 1),
	}
}

// Start begins the refresh loop: one immediate fetch, then interval ticks
// and like-activity triggers. Returns immediately; the loop runs until
// Stop or ctx cancellation.
func (s *RefreshScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	if s.bus != nil {
		s.unsubscribe = s.bus.SubscribeLikeActivity(func() {
			select {
			case s.trigger <- struct{}{}:
			default: // a trigger is already queued
			}
		})
	}
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop tears the loop down: ticker released, bus subscription dropped,
// in-flight results discarded. Idempotent.
func (s *RefreshScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancel()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

func (s *RefreshScheduler) run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.kick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.kick(ctx)
		case <-s.trigger:
			s.kick(ctx)
		}
	}
}

// kick starts one refetch unless one is already in flight, in which case
// the trigger is coalesced.
func (s *RefreshScheduler) kick(ctx context.Context) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		s.log.Debug("Leaderboard refresh already in flight, coalescing trigger")
		return
	}
	s.inFlight = true
	s.mu.Unlock()

	go func() {
		board, err := s.fetch(ctx)

		s.mu.Lock()
		defer s.mu.Unlock()
		s.inFlight = false

		// the view this result was fetched for may be gone
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.lastErr = err
			s.log.WithError(err).Warn("Leaderboard refresh failed, will retry on next trigger")
			return
		}
		s.current = board
		s.lastErr = nil
		s.log.WithField("entries", len(board.Users)).Debug("Leaderboard refreshed")
	}()
}

// Leaderboard returns the last successfully fetched leaderboard, or nil
// before the first success.
func (s *RefreshScheduler) Leaderboard() *models.Leaderboard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// LastError returns the error from the most recent refresh attempt, nil
// after a success. Surfaced to the leaderboard view only.
func (s *RefreshScheduler) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}
