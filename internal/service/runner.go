package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tickrun/tickrun/internal/log"
	"github.com/tickrun/tickrun/internal/model"
)

// StderrFunc receives stderr of a running command line by line.
type StderrFunc func(ctx context.Context, line string)

// SpawnError is attached to results with model.StatusNotStarted.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Runner is a thin, opinionated wrapper around os/exec executing one
// model.Command to completion.
type Runner struct {
	grace      time.Duration
	stderrFunc StderrFunc
}

func NewRunner() *Runner {
	return &Runner{grace: model.DefaultGrace}
}

// WithGrace sets how long a timed out command may take to exit after SIGTERM
// before it is killed.
func (r *Runner) WithGrace(d time.Duration) *Runner {
	if d > 0 {
		r.grace = d
	}
	return r
}

func (r *Runner) WithStderr(fn StderrFunc) *Runner {
	r.stderrFunc = fn
	return r
}

// Execute runs the command and always returns a terminal Result; it never
// returns before the child has been reaped.
//
// The child gets its own process group. When the command timeout expires or
// ctx is done, the whole group receives SIGTERM and, after the grace period,
// SIGKILL; the result is then model.StatusTimedOut.
func (r *Runner) Execute(ctx context.Context, proto model.Command) model.Result {
	result := model.Result{
		ID:      uuid.NewString(),
		Command: proto.Clone(),
	}

	if proto.Timeout == 0 {
		slog.DebugContext(ctx, "command has no timeout", "command", proto.Name)
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	if len(proto.Env) > 0 {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	cmd.Dir = proto.Dir
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = r.grace

	var stdout bytes.Buffer
	stderr := &lineWriter{ctx: log.ContextAttrs(ctx, slog.String("command", proto.Name)), fn: r.stderrFunc}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		result.Stopped = time.Now().UTC()
		result.Status = model.StatusNotStarted
		result.Err = &SpawnError{Path: proto.Path, Err: err}
		return result
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if proto.Timeout > 0 {
		timer := time.NewTimer(proto.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-timeout:
		timedOut = true
		slog.WarnContext(ctx, "command timed out: terminating", "command", proto.Name, "timeout", proto.Timeout.String())
		waitErr = r.terminate(ctx, cmd.Process.Pid, done)
	case <-ctx.Done():
		timedOut = true
		slog.WarnContext(ctx, "command canceled: terminating", "command", proto.Name)
		waitErr = r.terminate(ctx, cmd.Process.Pid, done)
		if waitErr == nil {
			waitErr = context.Cause(ctx)
		}
	}

	result.Stopped = time.Now().UTC()
	result.Stdout = stdout.Bytes()
	result.Stderr = stderr.Bytes()
	result.ExitCode = exitCode(cmd.ProcessState)

	var exitErr *exec.ExitError
	switch {
	case timedOut:
		result.Status = model.StatusTimedOut
		result.Err = waitErr
	case waitErr == nil:
		result.Status = model.StatusSuccess
	case errors.As(waitErr, &exitErr):
		result.Status = model.StatusFailure
	case errors.Is(waitErr, exec.ErrWaitDelay) && result.ExitCode == 0:
		// exited cleanly, but a descendant kept the output open
		result.Status = model.StatusSuccess
		result.Err = waitErr
	default:
		result.Status = model.StatusFailure
		result.Err = waitErr
	}
	return result
}

// terminate escalates from SIGTERM to SIGKILL on the process group and
// returns the Wait error.
func (r *Runner) terminate(ctx context.Context, pid int, done <-chan error) error {
	if err := signalGroup(pid, sigTerm); err != nil {
		slog.WarnContext(ctx, "sending SIGTERM failed", "pid", pid, "error", err)
	}
	grace := time.NewTimer(r.grace)
	defer grace.Stop()
	select {
	case err := <-done:
		return err
	case <-grace.C:
	}
	slog.WarnContext(ctx, "command ignored SIGTERM: killing", "pid", pid, "grace", r.grace.String())
	if err := signalGroup(pid, sigKill); err != nil {
		slog.WarnContext(ctx, "sending SIGKILL failed", "pid", pid, "error", err)
	}
	return <-done
}

// lineWriter keeps all of stderr and hands complete lines to fn. It is
// written by the single copying goroutine of os/exec.
type lineWriter struct {
	ctx     context.Context
	fn      StderrFunc
	mx      sync.Mutex
	buf     bytes.Buffer
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	w.buf.Write(p)
	if w.fn == nil {
		return len(p), nil
	}
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.fn(w.ctx, string(w.partial[:i]))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

// Bytes flushes an unterminated last line and returns everything written.
func (w *lineWriter) Bytes() []byte {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.fn != nil && len(w.partial) > 0 {
		w.fn(w.ctx, string(w.partial))
		w.partial = nil
	}
	return w.buf.Bytes()
}
