// Package scheduler triggers ingestion cycles on a fixed interval, one at a time.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/uscrn-ingest/internal/observability"
	"github.com/couchcryptid/uscrn-ingest/internal/pipeline"
	"github.com/jonboulle/clockwork"
)

// ErrBusy is returned by RunOnce while another cycle is running.
var ErrBusy = errors.New("an ingestion cycle is already running")

// State is the scheduler's lifecycle state.
type State int32

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Cycler runs one ingestion cycle.
type Cycler interface {
	RunCycle(ctx context.Context) pipeline.CycleSummary
}

// Config controls timing.
type Config struct {
	Interval     time.Duration
	InitialDelay time.Duration
}

// Scheduler runs a cycle immediately (after the optional initial delay) and
// then once per interval. Ticks that arrive during a cycle are dropped.
type Scheduler struct {
	cycler  Cycler
	cfg     Config
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	state atomic.Int32
	wg    sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the real clock, for tests.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// New creates an idle scheduler.
func New(c Cycler, cfg Config, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Scheduler {
	s := &Scheduler{
		cycler:  c,
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		logger:  logger,
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State reports whether a cycle is running.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// RunOnce runs a single cycle synchronously.
func (s *Scheduler) RunOnce(ctx context.Context) (pipeline.CycleSummary, error) {
	if !s.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return pipeline.CycleSummary{}, ErrBusy
	}
	defer s.state.CompareAndSwap(int32(Running), int32(Idle))
	return s.cycler.RunCycle(ctx), nil
}

// Serve implements suture.Service. It returns after ctx is canceled and the
// running cycle, if any, has returned.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.state.CompareAndSwap(int32(Stopped), int32(Idle))
	s.metrics.SchedulerRunning.Set(1)
	defer s.metrics.SchedulerRunning.Set(0)

	s.logger.Info("scheduler started", "interval", s.cfg.Interval, "initial_delay", s.cfg.InitialDelay)

	if s.cfg.InitialDelay > 0 {
		select {
		case <-s.clock.After(s.cfg.InitialDelay):
		case <-ctx.Done():
			return s.stop(ctx)
		}
	}

	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.trigger(ctx)
	for {
		select {
		case <-ctx.Done():
			return s.stop(ctx)
		case <-ticker.Chan():
			s.trigger(ctx)
		}
	}
}

// String names the service in supervisor logs.
func (s *Scheduler) String() string {
	return "scheduler"
}

func (s *Scheduler) trigger(ctx context.Context) {
	if !s.state.CompareAndSwap(int32(Idle), int32(Running)) {
		s.metrics.SkippedTicks.Inc()
		s.logger.Warn("previous cycle still running, skipping tick")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.state.CompareAndSwap(int32(Running), int32(Idle))
		s.cycler.RunCycle(ctx)
	}()
}

func (s *Scheduler) stop(ctx context.Context) error {
	s.logger.Info("scheduler stopping, waiting for running cycle")
	s.wg.Wait()
	s.state.Store(int32(Stopped))
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}
