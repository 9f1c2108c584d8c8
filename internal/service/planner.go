package service

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tickrun/tickrun/internal/model"
)

// Source supplies the current set of configured commands.
type Source interface {
	Commands() []model.Command
}

// StaticSource is a fixed command set, used in command-line mode.
type StaticSource []model.Command

func (s StaticSource) Commands() []model.Command {
	return slices.Clone(s)
}

// Planner decides which commands are due on a tick:
//   - commands without every/cron are due on every tick
//   - every: due when never started, or the last start is at least every ago
//   - cron: due when the schedule fired since the last start (or since the
//     planner first looked at the command)
type Planner struct {
	src Source

	mx        sync.Mutex
	firstSeen map[string]time.Time
	lastStart map[string]time.Time
	schedules map[string]cron.Schedule
}

func NewPlanner(src Source) *Planner {
	return &Planner{
		src:       src,
		firstSeen: make(map[string]time.Time),
		lastStart: make(map[string]time.Time),
		schedules: make(map[string]cron.Schedule),
	}
}

// Due returns the batch due at now and records now as their start time.
func (p *Planner) Due(now time.Time) (model.Batch, error) {
	return p.plan(now, false)
}

// All returns every configured command regardless of its schedule.
func (p *Planner) All(now time.Time) (model.Batch, error) {
	return p.plan(now, true)
}

func (p *Planner) plan(now time.Time, all bool) (model.Batch, error) {
	cmds := p.src.Commands()
	batch, err := model.NewBatch(cmds...)
	if err != nil {
		return nil, err
	}

	p.mx.Lock()
	defer p.mx.Unlock()
	p.forget(batch)

	due := batch[:0]
	for _, cmd := range batch {
		if _, ok := p.firstSeen[cmd.Name]; !ok {
			p.firstSeen[cmd.Name] = now
		}
		if all || p.isDue(cmd, now) {
			p.lastStart[cmd.Name] = now
			due = append(due, cmd)
		}
	}
	return due, nil
}

func (p *Planner) isDue(cmd model.Command, now time.Time) bool {
	last, started := p.lastStart[cmd.Name]
	switch {
	case cmd.Every > 0:
		return !started || now.Sub(last) >= cmd.Every
	case cmd.Cron != "":
		schedule, ok := p.schedules[cmd.Cron]
		if !ok {
			var err error
			schedule, err = model.ParseCron(cmd.Cron)
			if err != nil {
				slog.Error("invalid cron expression: skipping", "command", cmd.Name, "cron", cmd.Cron, "error", err)
				return false
			}
			p.schedules[cmd.Cron] = schedule
		}
		ref := last
		if !started {
			ref = p.firstSeen[cmd.Name]
		}
		return !schedule.Next(ref).After(now)
	default:
		return true
	}
}

// forget drops state of commands no longer configured.
func (p *Planner) forget(batch model.Batch) {
	known := make(map[string]struct{}, len(batch))
	for _, cmd := range batch {
		known[cmd.Name] = struct{}{}
	}
	for name := range p.firstSeen {
		if _, ok := known[name]; !ok {
			delete(p.firstSeen, name)
			delete(p.lastStart, name)
		}
	}
}
