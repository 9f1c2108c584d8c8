// Package pidfile implements the single-instance lock: a small JSON record
// naming the owning process.
//
// Acquisition reads the current record and overwrites it when the owner is
// gone. There is no flock, so two processes starting at the same moment can
// both observe a stale record and race on the write; the later rename wins
// and the loser notices on its next Verify.
package pidfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLockLost is returned by Verify when the record no longer belongs to the handle.
	ErrLockLost = errors.New("instance lock lost")
	// ErrCorrupt marks a record that exists but cannot be decoded.
	ErrCorrupt = errors.New("corrupt lock record")
)

type Record struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	Token      string    `json:"token"`
}

type AlreadyRunningError struct {
	PID int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("already running with pid %d", e.PID)
}

type LockIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *LockIOError) Error() string {
	return fmt.Sprintf("lock %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *LockIOError) Unwrap() error {
	return e.Err
}

// Read returns the record stored at path. A missing file is reported as an
// error matching fs.ErrNotExist, an undecodable one as ErrCorrupt.
func Read(path string) (Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, err
		}
		return Record{}, &LockIOError{Op: "read", Path: path, Err: err}
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("%w %s: %v", ErrCorrupt, path, err)
	}
	if rec.PID <= 0 {
		return Record{}, fmt.Errorf("%w %s: invalid pid %d", ErrCorrupt, path, rec.PID)
	}
	return rec, nil
}

// Handle is an acquired lock.
type Handle struct {
	path string
	rec  Record

	mx       sync.Mutex
	released bool
}

// Acquire takes the lock at path for the current process.
func Acquire(path string) (*Handle, error) {
	rec, err := Read(path)
	switch {
	case err == nil:
		if rec.PID != os.Getpid() && Alive(rec.PID) {
			return nil, &AlreadyRunningError{PID: rec.PID}
		}
		slog.Debug("replacing stale lock record", "path", path, "pid", rec.PID)
	case errors.Is(err, fs.ErrNotExist):
	case errors.Is(err, ErrCorrupt):
		slog.Warn("replacing corrupt lock record", "path", path, "error", err)
	default:
		// owner unknown, the record is left alone
		return nil, err
	}

	h := &Handle{
		path: path,
		rec: Record{
			PID:        os.Getpid(),
			AcquiredAt: time.Now().UTC(),
			Token:      uuid.NewString(),
		},
	}
	if err := write(path, h.rec); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handle) Path() string {
	return h.path
}

func (h *Handle) Record() Record {
	return h.rec
}

// Verify checks the record on disk still carries the handle's token.
func (h *Handle) Verify() error {
	h.mx.Lock()
	released := h.released
	h.mx.Unlock()
	if released {
		return ErrLockLost
	}

	rec, err := Read(h.path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		return ErrLockLost
	case errors.Is(err, ErrCorrupt):
		return fmt.Errorf("%w: %w", ErrLockLost, err)
	default:
		return err
	}
	if rec.Token != h.rec.Token {
		return fmt.Errorf("%w: record owned by pid %d", ErrLockLost, rec.PID)
	}
	return nil
}

// Release removes the record if it is still ours. Calling it more than once
// is a no-op.
func (h *Handle) Release() error {
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.released {
		return nil
	}

	rec, err := Read(h.path)
	switch {
	case err == nil:
		if rec.Token != h.rec.Token {
			slog.Warn("lock record taken over; leaving it in place", "path", h.path, "pid", rec.PID)
			h.released = true
			return nil
		}
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, ErrCorrupt):
		h.released = true
		return nil
	default:
		return err
	}

	if err := os.Remove(h.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &LockIOError{Op: "remove", Path: h.path, Err: err}
	}
	h.released = true
	return nil
}

// Remove deletes a record left behind by a dead process.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &LockIOError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

func write(path string, rec Record) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &LockIOError{Op: "write", Path: path, Err: err}
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return &LockIOError{Op: "write", Path: path, Err: err}
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if err := json.NewEncoder(f).Encode(rec); err != nil {
		_ = f.Close()
		return &LockIOError{Op: "write", Path: path, Err: err}
	}
	if err := f.Chmod(0o644); err != nil {
		_ = f.Close()
		return &LockIOError{Op: "write", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &LockIOError{Op: "write", Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &LockIOError{Op: "write", Path: path, Err: err}
	}
	return nil
}
