package clock

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TaskFunc is one periodic unit of work. The scheduler never runs the same
// task concurrently with itself.
type TaskFunc func(ctx context.Context, now time.Time)

type task struct {
	name     string
	interval time.Duration
	jitter   time.Duration
	fn       TaskFunc
}

// Scheduler owns every periodic task in the process. Tasks get per-task
// startup jitter so probes and flushes do not align into herds.
type Scheduler struct {
	clock Clock
	log   zerolog.Logger

	mu      sync.Mutex
	tasks   []*task
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a scheduler over the given clock.
func NewScheduler(c Clock, log zerolog.Logger) *Scheduler {
	return &Scheduler{clock: c, log: log.With().Str("component", "scheduler").Logger()}
}

// Every registers a periodic task. Must be called before Start.
func (s *Scheduler) Every(name string, interval, jitter time.Duration, fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, &task{name: name, interval: interval, jitter: jitter, fn: fn})
}

// Start launches one goroutine per task.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.run(t)
	}
	s.log.Info().Int("tasks", len(s.tasks)).Msg("scheduler started")
}

// Stop cancels all tasks and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) run(t *task) {
	defer s.wg.Done()

	if t.jitter > 0 {
		delay := time.Duration(rand.Int63n(int64(t.jitter)))
		if err := s.clock.Sleep(s.ctx, delay); err != nil {
			return
		}
	}

	ticker := s.clock.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C():
			t.fn(s.ctx, now)
		}
	}
}

// NextMinute returns the duration until the next wall-minute boundary,
// used to align the tick.1m task.
func NextMinute(now time.Time) time.Duration {
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now)
}
