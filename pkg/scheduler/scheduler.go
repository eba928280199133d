// Package scheduler runs speed tests on a fixed interval and hands every
// result to the configured sinks.
//
// A Scheduler moves through Idle → Running → Stopped and never back. All
// cycles run on one goroutine, so at most one measurement is in flight and
// sink writes never overlap. Stop is observed between cycles and during
// retry backoff; a measurement that has already started is allowed to finish
// and its result is written.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"speedtest-monitor/pkg/config"
	"speedtest-monitor/pkg/metrics"
	"speedtest-monitor/pkg/models"
	"speedtest-monitor/pkg/sink"
)

type State int

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrInvalidState is returned for commands the current state does not allow.
var ErrInvalidState = errors.New("invalid scheduler state")

const defaultEventBuffer = 64

// Runner performs one measurement.
type Runner interface {
	Run(ctx context.Context, target models.Target) (models.MeasurementResult, error)
}

// Config is copied into the scheduler; later changes to the source have no
// effect on a running loop.
type Config struct {
	Interval     time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	RunOnStart   bool
	Target       models.Target
}

// ConfigFrom converts the file configuration into a scheduler Config.
func ConfigFrom(sc config.ScheduleConfig, target models.Target) Config {
	return Config{
		Interval:     sc.Interval(),
		MaxRetries:   sc.MaxRetries,
		RetryBackoff: sc.RetryBackoff,
		RunOnStart:   sc.RunOnStart,
		Target:       target,
	}
}

func (c Config) validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", c.Interval)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	return nil
}

type Option func(*Scheduler)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

type Scheduler struct {
	runner  Runner
	sink    sink.Sink
	logger  *slog.Logger
	metrics *metrics.Metrics
	wait    func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	state  State
	cfg    Config
	cancel context.CancelFunc

	done   chan struct{}
	events chan Event
}

func New(runner Runner, s sink.Sink, logger *slog.Logger, cfg Config, opts ...Option) *Scheduler {
	sch := &Scheduler{
		runner: runner,
		sink:   s,
		logger: logger,
		wait:   sleep,
		cfg:    cfg,
		done:   make(chan struct{}),
		events: make(chan Event, defaultEventBuffer),
	}
	for _, opt := range opts {
		opt(sch)
	}
	return sch
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events delivers cycle notifications. The channel is closed once the
// scheduler has stopped. Events are dropped when the buffer is full.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Configure replaces the configuration. Only allowed while Idle.
func (s *Scheduler) Configure(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return fmt.Errorf("%w: configure while %s", ErrInvalidState, s.state)
	}
	s.cfg = cfg
	return nil
}

// Start launches the loop. Cancelling ctx has the same effect as Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Idle {
		return fmt.Errorf("%w: start while %s", ErrInvalidState, s.state)
	}
	if err := s.cfg.validate(); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = Running

	go s.loop(loopCtx, s.cfg)
	return nil
}

// Stop requests the loop to end. It does not wait; use Wait for that.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Idle:
		s.state = Stopped
		close(s.events)
		close(s.done)
	case Running:
		s.state = Stopped
		s.cancel()
	}
}

// Wait blocks until the scheduler has stopped and its last cycle, if any,
// has been written.
func (s *Scheduler) Wait() {
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context, cfg Config) {
	defer func() {
		s.mu.Lock()
		s.state = Stopped
		s.cancel()
		s.mu.Unlock()

		s.emit(Event{Kind: EventStopped})
		s.logger.Info("Speed test scheduler stopped")
		close(s.events)
		close(s.done)
	}()

	s.logger.Info("Speed test scheduler started",
		"interval", cfg.Interval,
		"maxRetries", cfg.MaxRetries,
		"server", cfg.Target.String())

	skipWait := cfg.RunOnStart
	for cycle := 1; ; cycle++ {
		if !skipWait {
			if err := s.wait(ctx, cfg.Interval); err != nil {
				return
			}
		}
		skipWait = false

		if ctx.Err() != nil {
			return
		}
		s.runCycle(ctx, cfg, cycle)
	}
}

func (s *Scheduler) runCycle(ctx context.Context, cfg Config, cycle int) {
	started := time.Now()
	s.logger.Info("Running scheduled test",
		"cycle", cycle,
		"interval", cfg.Interval,
		"server", cfg.Target.String())
	s.emit(Event{Kind: EventCycleStarted, Cycle: cycle})

	// Stop must not abort a measurement or the write of its result.
	workCtx := context.WithoutCancel(ctx)

	result, attempts, err := s.measure(ctx, workCtx, cfg, cycle)
	if err != nil {
		s.logger.Error("Error running speed test",
			"cycle", cycle,
			"attempts", attempts,
			"error", err)
		s.metrics.CycleFailed(time.Since(started))
		s.emit(Event{Kind: EventCycleFailed, Cycle: cycle, Err: err})
		return
	}

	s.metrics.ObserveResult(result, time.Since(started))
	s.logger.Info("Speed test completed",
		"cycle", cycle,
		"downloadMbps", fmt.Sprintf("%.2f", result.DownloadMbps),
		"uploadMbps", fmt.Sprintf("%.2f", result.UploadMbps),
		"pingMs", fmt.Sprintf("%.1f", result.PingMs),
		"server", result.Server.Host)

	if err := s.sink.Write(workCtx, result); err != nil {
		s.logger.Error("Error saving results", "cycle", cycle, "error", err)
		for _, name := range failedSinks(err) {
			s.metrics.SinkFailed(name)
		}
		s.emit(Event{Kind: EventSinkFailed, Cycle: cycle, Result: &result, Err: err})
	}
	s.emit(Event{Kind: EventResult, Cycle: cycle, Result: &result})
}

// measure runs the measurement, retrying up to cfg.MaxRetries times. Backoff
// waits watch stopCtx; the measurement itself runs on workCtx.
func (s *Scheduler) measure(stopCtx, workCtx context.Context, cfg Config, cycle int) (models.MeasurementResult, int, error) {
	for attempt := 1; ; attempt++ {
		result, err := s.runner.Run(workCtx, cfg.Target)
		if err == nil {
			return result, attempt, nil
		}
		if attempt > cfg.MaxRetries {
			return models.MeasurementResult{}, attempt, err
		}

		s.logger.Warn("Speed test failed, retrying",
			"cycle", cycle,
			"attempt", attempt,
			"maxRetries", cfg.MaxRetries,
			"backoff", cfg.RetryBackoff,
			"error", err)
		s.metrics.Retry()

		if werr := s.wait(stopCtx, cfg.RetryBackoff); werr != nil {
			return models.MeasurementResult{}, attempt, fmt.Errorf("retry abandoned on stop: %w", err)
		}
	}
}

func (s *Scheduler) emit(ev Event) {
	ev.Time = time.Now()
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("Event dropped, no consumer", "kind", ev.Kind, "cycle", ev.Cycle)
	}
}

func failedSinks(err error) []string {
	errs := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	}

	var names []string
	for _, e := range errs {
		var swe *sink.SinkWriteError
		if errors.As(e, &swe) {
			names = append(names, swe.Sink)
		}
	}
	return names
}
