// Package clock abstracts time for every component so tests can drive
// cool-offs, dwell gates and suppression windows deterministically.
package clock

import (
	"context"
	"time"
)

// Ticker delivers periodic ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock is the time source every component receives. Blocking waits take a
// context so shutdown can interrupt them.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
	Sleep(ctx context.Context, d time.Duration) error
}

// System is the wall clock.
type System struct{}

// NewSystem returns the production clock.
func NewSystem() *System { return &System{} }

func (*System) Now() time.Time { return time.Now().UTC() }

func (*System) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (*System) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

func (*System) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type systemTicker struct{ t *time.Ticker }

func (s *systemTicker) C() <-chan time.Time { return s.t.C }
func (s *systemTicker) Stop()               { s.t.Stop() }
