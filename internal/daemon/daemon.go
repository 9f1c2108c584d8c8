// Package daemon controls the lifecycle of a tickrun instance: serving in the
// foreground, detaching into the background and stopping or inspecting a
// running instance through its lock record.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"

	"github.com/tickrun/tickrun/internal/pidfile"
)

// ExitAlreadyRunning is the exit code of a child that found the lock taken.
const ExitAlreadyRunning = 3

const (
	defaultStartTimeout = 10 * time.Second
	defaultStopTimeout  = 30 * time.Second
	pollInterval        = 100 * time.Millisecond
)

var (
	ErrNotRunning  = errors.New("not running")
	ErrStopTimeout = errors.New("timed out waiting for the instance to stop")
)

type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateUnknown
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Report is what Status knows about the instance owning the lock.
type Report struct {
	State      State
	PID        int
	AcquiredAt time.Time
	Detail     string
}

// ServeFunc is the work done while holding the lock.
type ServeFunc func(ctx context.Context, lock *pidfile.Handle) error

type Controller struct {
	pidPath      string
	outPath      string
	args         []string
	executable   string
	startTimeout time.Duration
	stopTimeout  time.Duration

	mx    sync.Mutex
	state State
}

// New returns a controller for the instance locked at pidPath. Detached
// instances append their output to outPath.
func New(pidPath, outPath string) *Controller {
	return &Controller{
		pidPath:      pidPath,
		outPath:      outPath,
		args:         []string{"run", "--detached"},
		startTimeout: defaultStartTimeout,
		stopTimeout:  defaultStopTimeout,
	}
}

// WithArgs sets the arguments the detached child is started with.
func (c *Controller) WithArgs(args ...string) *Controller {
	c.args = args
	return c
}

// WithExecutable replaces the binary Start re-executes, which defaults to
// the running one.
func (c *Controller) WithExecutable(path string) *Controller {
	c.executable = path
	return c
}

func (c *Controller) WithStartTimeout(d time.Duration) *Controller {
	if d > 0 {
		c.startTimeout = d
	}
	return c
}

func (c *Controller) WithStopTimeout(d time.Duration) *Controller {
	if d > 0 {
		c.stopTimeout = d
	}
	return c
}

// State of the instance served by this process.
func (c *Controller) State() State {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

func (c *Controller) setState(ctx context.Context, s State) {
	c.mx.Lock()
	c.state = s
	c.mx.Unlock()
	slog.DebugContext(ctx, "instance state", "state", s.String())
}

// Serve holds the instance lock for the duration of fn. The lock is released
// on every exit path of fn, a panic included.
func (c *Controller) Serve(ctx context.Context, fn ServeFunc) (err error) {
	c.setState(ctx, StateStarting)
	lock, err := pidfile.Acquire(c.pidPath)
	if err != nil {
		c.setState(ctx, StateStopped)
		return err
	}

	c.setState(ctx, StateRunning)
	notify(ctx, sd.SdNotifyReady)
	slog.InfoContext(ctx, "instance running", "pid", lock.Record().PID, "lock", c.pidPath)

	defer func() {
		c.setState(ctx, StateStopping)
		notify(ctx, sd.SdNotifyStopping)
		if rerr := lock.Release(); rerr != nil {
			err = errors.Join(err, rerr)
		}
		c.setState(ctx, StateStopped)
	}()
	return fn(ctx, lock)
}

func notify(ctx context.Context, state string) {
	sent, err := sd.SdNotify(false, state)
	switch {
	case err != nil:
		slog.WarnContext(ctx, "sd_notify failed", "state", state, "error", err)
	case sent:
		slog.DebugContext(ctx, "sd_notify sent", "state", state)
	}
}

// Status never fails; problems reading the lock record are reported as
// StateUnknown.
func (c *Controller) Status() Report {
	rec, err := pidfile.Read(c.pidPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Report{State: StateStopped}
	case err != nil:
		return Report{State: StateUnknown, Detail: err.Error()}
	case !pidfile.Alive(rec.PID):
		return Report{State: StateStopped, PID: rec.PID, AcquiredAt: rec.AcquiredAt, Detail: "stale lock record"}
	}
	return Report{State: StateRunning, PID: rec.PID, AcquiredAt: rec.AcquiredAt}
}

// Start launches a detached instance and waits until it holds the lock.
func (c *Controller) Start(ctx context.Context) (int, error) {
	if rep := c.Status(); rep.State == StateRunning {
		return 0, &pidfile.AlreadyRunningError{PID: rep.PID}
	}

	exe := c.executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return 0, fmt.Errorf("locating executable: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(c.outPath), 0o755); err != nil {
		return 0, fmt.Errorf("creating output dir: %w", err)
	}
	out, err := os.OpenFile(c.outPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening output file: %w", err)
	}
	defer func() {
		_ = out.Close()
	}()
	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = devnull.Close()
	}()

	// the child outlives ctx, so no CommandContext here
	cmd := exec.Command(exe, c.args...)
	cmd.Stdin = devnull
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = detachAttr()
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting daemon: %w", err)
	}
	pid := cmd.Process.Pid
	slog.DebugContext(ctx, "daemon spawned", "pid", pid, "path", exe, "args", c.args)

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(c.startTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-exited:
			code := cmd.ProcessState.ExitCode()
			if code == 0 {
				// a oneshot instance may finish before the lock is polled
				slog.InfoContext(ctx, "daemon finished during startup", "pid", pid)
				return pid, nil
			}
			if code == ExitAlreadyRunning {
				rec, _ := pidfile.Read(c.pidPath)
				return 0, &pidfile.AlreadyRunningError{PID: rec.PID}
			}
			return 0, fmt.Errorf("daemon exited during startup with code %d, see %s", code, c.outPath)
		case <-timeout.C:
			_ = terminate(pid)
			return 0, fmt.Errorf("daemon did not take the lock within %s", c.startTimeout)
		case <-ticker.C:
			rec, err := pidfile.Read(c.pidPath)
			if err == nil && rec.PID == pid {
				return pid, nil
			}
		}
	}
}

// Stop asks the running instance to terminate and waits for it to release
// the lock. A record left by a dead process is removed.
func (c *Controller) Stop(ctx context.Context) error {
	rec, err := pidfile.Read(c.pidPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotRunning
	case err != nil:
		return err
	}

	if !pidfile.Alive(rec.PID) {
		slog.InfoContext(ctx, "removing stale lock record", "pid", rec.PID, "path", c.pidPath)
		if err := pidfile.Remove(c.pidPath); err != nil {
			return err
		}
		return ErrNotRunning
	}

	if err := terminate(rec.PID); err != nil {
		return fmt.Errorf("signaling pid %d: %w", rec.PID, err)
	}
	slog.DebugContext(ctx, "sent SIGTERM", "pid", rec.PID)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(c.stopTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("%w: pid %d", ErrStopTimeout, rec.PID)
		case <-ticker.C:
			cur, err := pidfile.Read(c.pidPath)
			if errors.Is(err, fs.ErrNotExist) || (err == nil && cur.Token != rec.Token) {
				return nil
			}
			if !pidfile.Alive(rec.PID) {
				return pidfile.Remove(c.pidPath)
			}
		}
	}
}
