package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tickrun/tickrun/internal/model"
)

const reloadDebounce = 250 * time.Millisecond

// Watcher is a Source backed by a config file. Watch reloads the command set
// when the file changes; the new set is picked up on the next tick. Changes
// of the service section need a restart.
type Watcher struct {
	path string

	mx   sync.RWMutex
	cmds []model.Command
}

func NewWatcher(path string, initial []model.Command) *Watcher {
	return &Watcher{
		path: path,
		cmds: slices.Clone(initial),
	}
}

func (w *Watcher) Commands() []model.Command {
	w.mx.RLock()
	defer w.mx.RUnlock()
	return slices.Clone(w.cmds)
}

// Reload parses the config file and swaps the command set. On error the
// current set is kept.
func (w *Watcher) Reload(ctx context.Context) error {
	cfg, err := model.LoadConfigFile(w.path)
	if err != nil {
		return err
	}
	settings, err := cfg.Resolve()
	if err != nil {
		return err
	}

	w.mx.Lock()
	unchanged := slices.EqualFunc(w.cmds, settings.Commands, equalCommand)
	w.cmds = settings.Commands
	w.mx.Unlock()

	if unchanged {
		slog.DebugContext(ctx, "config unchanged", "path", w.path)
		return nil
	}
	slog.InfoContext(ctx, "commands reloaded", "path", w.path, "commands", len(settings.Commands))
	return nil
}

// Watch blocks until ctx is done.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer func() {
		_ = fw.Close()
	}()

	// editors replace files, so watch the directory
	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	file := filepath.Clean(w.path)

	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != file || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			slog.DebugContext(ctx, "config change detected; scheduling reload", "path", w.path, "op", ev.Op.String())
			debounce.Reset(reloadDebounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "config watcher error", "error", err)
		case <-debounce.C:
			if err := w.Reload(ctx); err != nil {
				slog.WarnContext(ctx, "config rejected: keeping current commands", "path", w.path, "error", err)
				for _, d := range model.CueErrDetails(err) {
					slog.WarnContext(ctx, d.String(), d.Attr("detail"))
				}
			}
		}
	}
}

func equalCommand(a, b model.Command) bool {
	return a.Name == b.Name &&
		a.Path == b.Path &&
		slices.Equal(a.Args, b.Args) &&
		slices.Equal(a.Env, b.Env) &&
		a.Dir == b.Dir &&
		a.Group == b.Group &&
		a.Timeout == b.Timeout &&
		a.Every == b.Every &&
		a.Cron == b.Cron
}
