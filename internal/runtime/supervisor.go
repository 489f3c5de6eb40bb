package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitquant/tradeplane/internal/buserr"
)

// Supervisor starts modules in registration order and stops them in
// reverse. A failed Initialize rolls back everything already started.
type Supervisor struct {
	rt  *Runtime
	log zerolog.Logger

	mu      sync.Mutex
	modules []Module
	started []Module
}

// NewSupervisor returns an empty supervisor bound to rt.
func NewSupervisor(rt *Runtime) *Supervisor {
	return &Supervisor{
		rt:  rt,
		log: rt.Log.With().Str("component", "supervisor").Logger(),
	}
}

// Register appends modules. Order matters: producers of state other
// modules read at startup go first.
func (s *Supervisor) Register(mods ...Module) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules = append(s.modules, mods...)
}

// StartAll initializes every registered module. On the first failure it
// shuts down the already-started modules in reverse and returns a fatal
// error.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	mods := make([]Module, len(s.modules))
	copy(mods, s.modules)
	s.mu.Unlock()

	for _, m := range mods {
		if err := m.Initialize(ctx, s.rt); err != nil {
			s.log.Error().Err(err).Str("module", m.Name()).Msg("module failed to initialize")
			s.rollback(ctx)
			return buserr.Wrap(buserr.Fatal, "supervisor.start", fmt.Errorf("module %s: %w", m.Name(), err))
		}
		s.mu.Lock()
		s.started = append(s.started, m)
		s.mu.Unlock()
		s.log.Info().Str("module", m.Name()).Msg("module initialized")
	}

	s.rt.Sched.Start(ctx)
	s.log.Info().Int("modules", len(mods)).Msg("all modules running")
	return nil
}

func (s *Supervisor) rollback(ctx context.Context) {
	s.mu.Lock()
	started := make([]Module, len(s.started))
	copy(started, s.started)
	s.started = nil
	s.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Str("module", started[i].Name()).Msg("rollback shutdown error")
		}
	}
}

// ShutdownAll stops the scheduler, shuts modules down in reverse
// registration order, then drains the bus. Each phase shares the grace
// budget.
func (s *Supervisor) ShutdownAll(grace time.Duration) error {
	s.rt.Sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	s.mu.Lock()
	started := make([]Module, len(s.started))
	copy(started, s.started)
	s.started = nil
	s.mu.Unlock()

	var firstErr error
	for i := len(started) - 1; i >= 0; i-- {
		m := started[i]
		if err := m.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Str("module", m.Name()).Msg("module shutdown error")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.log.Debug().Str("module", m.Name()).Msg("module stopped")
	}

	if err := s.rt.Bus.Close(grace); err != nil && firstErr == nil {
		firstErr = err
	}
	s.log.Info().Msg("shutdown complete")
	return firstErr
}

// HealthSnapshot reports every module plus a synthetic bus entry.
func (s *Supervisor) HealthSnapshot() map[string]Health {
	s.mu.Lock()
	mods := make([]Module, len(s.modules))
	copy(mods, s.modules)
	s.mu.Unlock()

	out := make(map[string]Health, len(mods)+1)
	for _, m := range mods {
		out[m.Name()] = m.Health()
	}

	st := s.rt.Bus.Snapshot()
	busState := StateRunning
	if st.Failures > 0 {
		busState = StateDegraded
	}
	out["bus"] = Health{
		State:  busState,
		Detail: fmt.Sprintf("published=%d subscribers=%d dropped=%d failures=%d", st.Published, st.Subscribers, st.Dropped, st.Failures),
	}
	return out
}
