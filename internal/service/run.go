package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tickrun/tickrun/internal/model"
)

// Engine is everything a run command needs.
type Engine struct {
	Settings model.Settings
	Mode     model.Mode
	Source   Source
	// TickCheck is called at the start of every tick, optional.
	TickCheck func() error
	// Watcher, when set, is watched for config changes while the scheduler runs.
	Watcher *Watcher
}

// Run implements CLI run command
func (e Engine) Run(ctx context.Context) error {
	reporters, err := Reporters(ctx, e.Settings.Report)
	if err != nil {
		return err
	}

	runner := NewRunner().
		WithGrace(e.Settings.Grace).
		WithStderr(logStderr)
	dispatcher := NewDispatcher(runner, e.Settings.MaxConcurrency).
		WithGroupLimits(e.Settings.Groups)
	scheduler := NewScheduler(NewPlanner(e.Source), dispatcher, reporters...).
		WithMode(e.Mode).
		WithInterval(e.Settings.Interval)
	if e.TickCheck != nil {
		scheduler.WithTickCheck(e.TickCheck)
	}

	if e.Watcher == nil {
		return scheduler.Do(ctx)
	}

	wctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Go(func() {
		if err := e.Watcher.Watch(wctx); err != nil {
			slog.WarnContext(ctx, "config watcher stopped", "error", err)
		}
	})
	err = scheduler.Do(ctx)
	cancel()
	wg.Wait()
	return err
}

func logStderr(ctx context.Context, line string) {
	slog.DebugContext(ctx, "stderr", "line", line)
}
