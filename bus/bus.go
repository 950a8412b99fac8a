// Package bus is the session-scoped broadcast channel that fans confirmed
// mutation effects out to every interested view.
package bus

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// KarmaChanged announces that a user's karma moved by Delta. Subscribers
// must apply deltas idempotently per event; deltas commute across events.
type KarmaChanged struct {
	UserID int64
	Delta  int
}

// KarmaHandler receives KarmaChanged events.
type KarmaHandler func(KarmaChanged)

// LikeActivityHandler receives the coarse "something likable happened"
// signal used to nudge aggregate views into refreshing.
type LikeActivityHandler func()

type karmaSub struct {
	id int64
	fn KarmaHandler
}

type activitySub struct {
	id int64
	fn LikeActivityHandler
}

// Bus delivers events synchronously and in subscriber registration order
// during the publish call itself. There is no buffering and no replay: a
// subscriber that registers after an event owns its own initial fetch.
//
// A Bus lives for exactly one authenticated session; Close drops every
// subscriber so a credential switch can never deliver stale deltas to the
// next session's views.
type Bus struct {
	mu       sync.Mutex
	log      *logrus.Logger
	nextID   int64
	karma    []karmaSub
	activity []activitySub
	closed   bool
}

// New creates a bus for a fresh session.
func New(log *logrus.Logger) *Bus {
	return &Bus{log: log}
}

// SubscribeKarma registers a handler for KarmaChanged events. The returned
// function removes the subscription and is safe to call more than once.
func (b *Bus) SubscribeKarma(fn KarmaHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}
	b.nextID++
	id := b.nextID
	b.karma = append(b.karma, karmaSub{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.karma {
			if sub.id == id {
				b.karma = append(b.karma[:i], b.karma[i+1:]...)
				return
			}
		}
	}
}

// SubscribeLikeActivity registers a handler for like-activity signals.
func (b *Bus) SubscribeLikeActivity(fn LikeActivityHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}
	b.nextID++
	id := b.nextID
	b.activity = append(b.activity, activitySub{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.activity {
			if sub.id == id {
				b.activity = append(b.activity[:i], b.activity[i+1:]...)
				return
			}
		}
	}
}

// PublishKarma delivers a karma delta to every subscriber registered at
// the time of the call, in registration order, on the caller's stack.
func (b *Bus) PublishKarma(ev KarmaChanged) {
	b.mu.Lock()
	subs := make([]karmaSub, len(b.karma))
	copy(subs, b.karma)
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return
	}
	b.log.WithFields(logrus.Fields{
		"user_id":     ev.UserID,
		"delta":       ev.Delta,
		"subscribers": len(subs),
	}).Debug("Broadcasting karma change")

	for _, sub := range subs {
		sub.fn(ev)
	}
}

// PublishLikeActivity delivers the like-activity signal in registration
// order on the caller's stack.
func (b *Bus) PublishLikeActivity() {
	b.mu.Lock()
	subs := make([]activitySub, len(b.activity))
	copy(subs, b.activity)
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return
	}
	for _, sub := range subs {
		sub.fn()
	}
}

// Close drops every subscriber and rejects further publishes. Called on
// logout before session state is cleared.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.karma = nil
	b.activity = nil
}
