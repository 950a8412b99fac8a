package scheduler

import "time"

// Ticker abstracts time.Ticker so refresh behavior can be tested without
// the wall clock.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock produces tickers.
type Clock interface {
	NewTicker(d time.Duration) Ticker
}

type realTicker struct {
	t *time.Ticker
}

func (rt *realTicker) C() <-chan time.Time { return rt.t.C }
func (rt *realTicker) Stop()               { rt.t.Stop() }

type realClock struct{}

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

// RealClock returns a Clock backed by time.NewTicker.
func RealClock() Clock { return realClock{} }
