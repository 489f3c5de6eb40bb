// Package runtime wires modules to their shared dependencies and
// supervises their lifecycle.
package runtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/orbitquant/tradeplane/internal/bus"
	"github.com/orbitquant/tradeplane/internal/clock"
	"github.com/orbitquant/tradeplane/internal/config"
)

// Module health states.
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateDegraded = "degraded"
	StateStopped  = "stopped"
	StateFailed   = "failed"
)

// Health is one module's self-reported condition.
type Health struct {
	State     string `json:"state"`
	Detail    string `json:"detail,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// Runtime carries the shared dependencies handed to every module.
type Runtime struct {
	Bus    *bus.Bus
	Clock  clock.Clock
	Sched  *clock.Scheduler
	Config *config.Manager
	Log    zerolog.Logger
}

// Module is one supervised unit. Initialize subscribes to topics and
// registers scheduled tasks; it must not block. Shutdown releases
// whatever Initialize acquired.
type Module interface {
	Name() string
	Initialize(ctx context.Context, rt *Runtime) error
	Shutdown(ctx context.Context) error
	Health() Health
}

// Base carries the name and health bookkeeping modules share. Embed it
// by pointer and construct with NewBase.
type Base struct {
	name string

	mu sync.Mutex
	h  Health
}

// NewBase returns a Base in the starting state.
func NewBase(name string) *Base {
	return &Base{name: name, h: Health{State: StateStarting}}
}

// Name returns the module name used in logs and health reports.
func (b *Base) Name() string { return b.name }

// Health returns the current self-reported condition.
func (b *Base) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.h
}

// MarkRunning records a healthy state and clears any previous error.
func (b *Base) MarkRunning() {
	b.mu.Lock()
	b.h = Health{State: StateRunning}
	b.mu.Unlock()
}

// MarkDegraded records a running-but-impaired state.
func (b *Base) MarkDegraded(detail string) {
	b.mu.Lock()
	b.h = Health{State: StateDegraded, Detail: detail}
	b.mu.Unlock()
}

// MarkStopped records a clean shutdown.
func (b *Base) MarkStopped() {
	b.mu.Lock()
	b.h.State = StateStopped
	b.mu.Unlock()
}

// MarkFailed records a fatal error.
func (b *Base) MarkFailed(err error) {
	b.mu.Lock()
	b.h.State = StateFailed
	if err != nil {
		b.h.LastError = err.Error()
	}
	b.mu.Unlock()
}

// SetDetail updates the detail line without changing state.
func (b *Base) SetDetail(detail string) {
	b.mu.Lock()
	b.h.Detail = detail
	b.mu.Unlock()
}
