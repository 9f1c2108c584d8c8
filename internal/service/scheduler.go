package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tickrun/tickrun/internal/model"
)

// BatchRunner executes a batch and returns results in batch order.
type BatchRunner interface {
	RunBatch(ctx context.Context, batch model.Batch) []model.Result
}

// State is a snapshot of the scheduler, used for status reporting.
type State struct {
	Running  bool
	Mode     model.Mode
	Interval time.Duration
	Ticks    int64
}

// Scheduler is the top level loop: on every tick it asks the Planner for the
// due batch, runs it and hands each result to the reporters in batch order.
type Scheduler struct {
	planner   *Planner
	runner    BatchRunner
	reporters []model.Reporter
	mode      model.Mode
	interval  time.Duration
	tickCheck func() error

	running  atomic.Bool
	ticks    atomic.Int64
	wake     chan struct{}
	stopOnce sync.Once
}

func NewScheduler(planner *Planner, runner BatchRunner, reporters ...model.Reporter) *Scheduler {
	s := &Scheduler{
		planner:   planner,
		runner:    runner,
		reporters: reporters,
		mode:      model.ModeContinuous,
		interval:  model.DefaultInterval,
		wake:      make(chan struct{}),
	}
	s.running.Store(true)
	return s
}

func (s *Scheduler) WithMode(mode model.Mode) *Scheduler {
	s.mode = mode
	return s
}

func (s *Scheduler) WithInterval(d time.Duration) *Scheduler {
	if d > 0 {
		s.interval = d
	}
	return s
}

// WithTickCheck installs a hook called at the start of every tick. Errors are
// logged and never stop the loop.
func (s *Scheduler) WithTickCheck(fn func() error) *Scheduler {
	s.tickCheck = fn
	return s
}

func (s *Scheduler) State() State {
	return State{
		Running:  s.running.Load(),
		Mode:     s.mode,
		Interval: s.interval,
		Ticks:    s.ticks.Load(),
	}
}

// Stop asks the loop to end. A sleeping loop wakes immediately; a running
// batch is allowed to finish. Safe to call from a signal handler goroutine
// and more than once.
func (s *Scheduler) Stop() {
	s.running.Store(false)
	s.stopOnce.Do(func() {
		close(s.wake)
	})
}

// Do runs the loop until Stop is called or ctx is done. In oneshot mode it
// runs exactly one tick with every configured command.
//
// Ticks start at least interval apart. A tick that overruns the interval is
// followed by the next one immediately; missed ticks are not caught up.
// Cancelling ctx acts as Stop: executions already started are not canceled.
func (s *Scheduler) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a scheduler", "mode", s.mode.String(), "interval", s.interval.String())
	defer s.closeReporters(ctx)

	stopped := context.AfterFunc(ctx, s.Stop)
	defer stopped()

	for {
		if !s.running.Load() {
			slog.DebugContext(ctx, "scheduler stopped")
			return nil
		}

		start := time.Now()
		s.tick(ctx, start)

		if s.mode == model.ModeOneShot {
			s.running.Store(false)
			return nil
		}

		delay := s.interval - time.Since(start)
		if delay <= 0 {
			slog.WarnContext(ctx, "tick overran the interval", "took", time.Since(start).String(), "interval", s.interval.String())
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	n := s.ticks.Add(1)
	ctx = context.WithoutCancel(ctx)

	if s.tickCheck != nil {
		if err := s.tickCheck(); err != nil {
			slog.ErrorContext(ctx, "tick check failed", "tick", n, "error", err)
		}
	}

	var batch model.Batch
	var err error
	if s.mode == model.ModeOneShot {
		batch, err = s.planner.All(now)
	} else {
		batch, err = s.planner.Due(now)
	}
	if err != nil {
		slog.ErrorContext(ctx, "resolving due commands failed", "tick", n, "error", err)
		return
	}
	if len(batch) == 0 {
		slog.DebugContext(ctx, "nothing due", "tick", n)
		return
	}

	results := s.runner.RunBatch(ctx, batch)
	for _, result := range results {
		logResult(ctx, result)
		if err := s.report(ctx, result); err != nil {
			slog.ErrorContext(ctx, "report failed", "command", result.Command.Name, "error", err)
		}
	}
}

func logResult(ctx context.Context, r model.Result) {
	attrs := []any{
		"command", r.Command.Name,
		"status", r.Status.String(),
		"duration", r.Duration().String(),
	}
	switch r.Status {
	case model.StatusSuccess:
		slog.InfoContext(ctx, "command succeeded", attrs...)
	case model.StatusFailure:
		slog.ErrorContext(ctx, "command failed", append(attrs, "exit_code", r.ExitCode)...)
	default:
		slog.ErrorContext(ctx, "command did not complete", append(attrs, "error", r.Err)...)
	}
}

func (s *Scheduler) report(ctx context.Context, result model.Result) error {
	var errs []error
	for _, r := range s.reporters {
		if err := r.Report(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) closeReporters(ctx context.Context) {
	for _, reporter := range s.reporters {
		if closer, ok := reporter.(model.ReportCloser); ok {
			if err := closer.Close(); err != nil {
				slog.ErrorContext(ctx, "closing reporter have failed", "error", err)
			}
		}
	}
}
