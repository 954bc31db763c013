package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrAlreadyRunning is returned by Start on a running scheduler.
	ErrAlreadyRunning = errors.New("scheduler already running")
	// ErrInvalidInterval rejects non-positive intervals.
	ErrInvalidInterval = errors.New("scheduler interval must be positive")
)

// State of the scheduler lifecycle.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// TickFunc is invoked on every interval with the generation it was started
// under. Results should be published through Commit.
type TickFunc func(ctx context.Context, generation uint64)

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
}

// Scheduler triggers ticks on a reconfigurable interval. Stop bumps the
// generation so late results from in-flight ticks are dropped by Commit.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	interval   time.Duration
	cancel     context.CancelFunc
	reset      chan time.Duration

	inFlight atomic.Bool
	wg       sync.WaitGroup
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:     opts,
		interval: opts.Interval,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start moves the scheduler to Running, fires one tick immediately (after
// the optional startup delay) and then one per interval.
func (s *Scheduler) Start(ctx context.Context, tick TickFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning {
		return ErrAlreadyRunning
	}

	s.generation++
	gen := s.generation
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.reset = make(chan time.Duration, 1)
	s.state = StateRunning

	s.wg.Add(1)
	go s.loop(runCtx, gen, s.interval, s.reset, tick)

	s.logger.Info().Dur("interval", s.interval).Uint64("generation", gen).Msg("scheduler started")
	return nil
}

// Reconfigure swaps the interval. The timer restarts with the new interval
// and no extra tick is fired; an in-flight tick is left to finish.
func (s *Scheduler) Reconfigure(interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interval == interval {
		return nil
	}
	s.interval = interval
	if s.state == StateRunning {
		select {
		case <-s.reset:
		default:
		}
		s.reset <- interval
	}
	s.logger.Info().Dur("interval", interval).Msg("scheduler interval reconfigured")
	return nil
}

// Stop moves to Stopped, cancels the timer and any in-flight tick context
// and waits for the loop to exit. Results committed after Stop are dropped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	s.generation++
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// Commit runs fn only if the scheduler is still running under generation
// gen. It holds the same lock as Stop, so nothing is published after Stop
// returns.
func (s *Scheduler) Commit(gen uint64, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning || gen != s.generation {
		s.logger.Debug().Uint64("generation", gen).Uint64("current", s.generation).Msg("discarding stale tick result")
		return false
	}
	fn()
	return true
}

// State returns the lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Interval returns the current interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Generation returns the current generation token.
func (s *Scheduler) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Scheduler) loop(ctx context.Context, gen uint64, interval time.Duration, reset <-chan time.Duration, tick TickFunc) {
	defer s.wg.Done()

	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	s.fire(ctx, gen, tick)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		s.logger.Debug().Dur("interval", interval).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			return
		case d := <-reset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			interval = d
			timer.Reset(interval)
		case <-timer.C:
			s.fire(ctx, gen, tick)
			timer.Reset(interval)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, gen uint64, tick TickFunc) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Warn().Msg("previous tick still running; skipping")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Store(false)
		tick(ctx, gen)
	}()
}
