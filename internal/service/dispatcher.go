package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tickrun/tickrun/internal/model"
	"github.com/tickrun/tickrun/internal/parallel"
)

// Executor runs one command to completion.
type Executor interface {
	Execute(ctx context.Context, cmd model.Command) model.Result
}

// Dispatcher runs a batch with bounded fan-out.
type Dispatcher struct {
	exec   Executor
	limit  int
	groups map[string]groupSemaphore
}

func NewDispatcher(exec Executor, maxConcurrency int) *Dispatcher {
	return &Dispatcher{
		exec:  exec,
		limit: max(maxConcurrency, 1),
	}
}

// WithGroupLimits caps how many commands of the same group run at once, on
// top of the dispatcher limit. Groups missing from limits are not capped.
func (d *Dispatcher) WithGroupLimits(limits map[string]int) *Dispatcher {
	d.groups = make(map[string]groupSemaphore, len(limits))
	for name, limit := range limits {
		if key := strings.TrimSpace(name); key != "" && limit > 0 {
			d.groups[key] = make(groupSemaphore, limit)
		}
	}
	return d
}

// RunBatch executes every command of the batch and returns one result per
// command in batch order. At most maxConcurrency executions are in flight,
// the rest start in batch order as slots free up. A failing command never
// cancels its siblings.
func (d *Dispatcher) RunBatch(ctx context.Context, batch model.Batch) []model.Result {
	slog.DebugContext(ctx, "dispatching batch", "commands", batch.Names(), "max_concurrency", d.limit)
	return parallel.Map(ctx, d.limit, batch, func(ctx context.Context, _ int, cmd model.Command) model.Result {
		sem := d.groups[strings.TrimSpace(cmd.Group)]
		sem.acquire()
		defer sem.release()
		return d.exec.Execute(ctx, cmd)
	})
}

// groupSemaphore is a channel-based counting semaphore; nil means unlimited.
type groupSemaphore chan struct{}

func (g groupSemaphore) acquire() {
	if g != nil {
		g <- struct{}{}
	}
}

func (g groupSemaphore) release() {
	if g != nil {
		<-g
	}
}
