package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/tickrun/tickrun/internal/model"
)

// Reporters builds the reporting sinks selected in the configuration. With
// nothing configured, results are written to stdout.
func Reporters(_ context.Context, cfg model.Report) ([]model.Reporter, error) {
	stdout := cfg.Stdout != nil && *cfg.Stdout
	if cfg.Dir == "" && cfg.URL == "" {
		stdout = cfg.Stdout == nil || *cfg.Stdout
	}

	var reporters []model.Reporter
	if stdout {
		reporters = append(reporters, NewWriteReporter(os.Stdout))
	}
	if cfg.Dir != "" {
		r, err := NewDirReporter(cfg.Dir)
		if err != nil {
			return nil, err
		}
		reporters = append(reporters, r)
	}
	if cfg.URL != "" {
		r, err := NewHTTPReporter(cfg.URL)
		if err != nil {
			closeAll(reporters)
			return nil, err
		}
		reporters = append(reporters, r)
	}
	return reporters, nil
}

func closeAll(reporters []model.Reporter) {
	for _, r := range reporters {
		if c, ok := r.(model.ReportCloser); ok {
			_ = c.Close()
		}
	}
}

// WriteReporter writes one JSON document per line.
type WriteReporter struct {
	mx sync.Mutex
	w  io.Writer
}

func NewWriteReporter(w io.Writer) *WriteReporter {
	return &WriteReporter{w: w}
}

func (r *WriteReporter) Report(_ context.Context, result model.Result) error {
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	b = append(b, '\n')

	r.mx.Lock()
	defer r.mx.Unlock()
	w := r.w
	if w == nil {
		w = os.Stdout
	}
	_, err = w.Write(b)
	return err
}

// DirReporter stores every result as a separate JSON file in a directory.
type DirReporter struct {
	root *os.Root
}

func NewDirReporter(path string) (*DirReporter, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating report dir: %w", err)
	}
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &DirReporter{root: root}, nil
}

func (r *DirReporter) Report(ctx context.Context, result model.Result) error {
	if r.root == nil {
		return errors.New("root already closed")
	}

	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}

	path := resultFileName(result)
	f, err := r.root.Create(path)
	if err != nil {
		return fmt.Errorf("creating result file: %w", err)
	}
	_, err = f.Write(b)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving result: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing result file: %w", err)
	}
	slog.DebugContext(ctx, "result saved", "path", path)
	return nil
}

func (r *DirReporter) Close() error {
	if r.root == nil {
		return errors.New("reporter already closed")
	}
	err := r.root.Close()
	r.root = nil
	return err
}

func resultFileName(result model.Result) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, result.Command.Name)
	id := result.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return name + "-" + result.Started.UTC().Format("2006-01-02-15-04-05") + "-" + id + ".json"
}
