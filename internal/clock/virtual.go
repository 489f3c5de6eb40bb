package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Virtual is a manually advanced clock for tests. Advance moves time
// forward and fires due timers in chronological order on the calling
// goroutine.
type Virtual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*vtimer
}

type vtimer struct {
	when    time.Time
	period  time.Duration // 0 for one-shot
	ch      chan time.Time
	stopped bool
}

// NewVirtual returns a virtual clock pinned at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start.UTC()}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *Virtual) After(d time.Duration) <-chan time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	t := &vtimer{when: v.now.Add(d), ch: make(chan time.Time, 1)}
	v.timers = append(v.timers, t)
	return t.ch
}

func (v *Virtual) NewTicker(d time.Duration) Ticker {
	v.mu.Lock()
	defer v.mu.Unlock()
	t := &vtimer{when: v.now.Add(d), period: d, ch: make(chan time.Time, 1)}
	v.timers = append(v.timers, t)
	return &virtualTicker{clock: v, timer: t}
}

func (v *Virtual) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-v.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Advance moves the clock forward by d, firing due timers in order. Tick
// channels are buffered one deep; missed ticks coalesce like the real
// ticker.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	target := v.now.Add(d)
	for {
		next := v.nextDueLocked(target)
		if next == nil {
			break
		}
		v.now = next.when
		select {
		case next.ch <- next.when:
		default:
		}
		if next.period > 0 {
			next.when = next.when.Add(next.period)
		} else {
			next.stopped = true
		}
		v.compactLocked()
	}
	v.now = target
	v.mu.Unlock()
}

// nextDueLocked returns the earliest live timer due at or before target.
func (v *Virtual) nextDueLocked(target time.Time) *vtimer {
	var due *vtimer
	for _, t := range v.timers {
		if t.stopped || t.when.After(target) {
			continue
		}
		if due == nil || t.when.Before(due.when) {
			due = t
		}
	}
	return due
}

func (v *Virtual) compactLocked() {
	live := v.timers[:0]
	for _, t := range v.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	v.timers = live
	sort.Slice(v.timers, func(i, j int) bool { return v.timers[i].when.Before(v.timers[j].when) })
}

type virtualTicker struct {
	clock *Virtual
	timer *vtimer
}

func (t *virtualTicker) C() <-chan time.Time { return t.timer.ch }

func (t *virtualTicker) Stop() {
	t.clock.mu.Lock()
	t.timer.stopped = true
	t.clock.compactLocked()
	t.clock.mu.Unlock()
}
