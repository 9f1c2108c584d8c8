package pidfile_test

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/tickrun/tickrun/internal/pidfile"

	"github.com/stretchr/testify/require"
)

func writeRecord(t *testing.T, path string, rec pidfile.Record) {
	t.Helper()
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))
}

// deadPID returns the pid of a process that has already been reaped.
func deadPID(t *testing.T) int {
	t.Helper()
	path, err := exec.LookPath("true")
	if err != nil {
		t.Skipf("true not found: %v", err)
	}
	cmd := exec.Command(path)
	require.NoError(t, cmd.Run())
	return cmd.ProcessState.Pid()
}

func TestAcquire(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "run", "tickrun.pid")

	h, err := pidfile.Acquire(path)
	require.NoError(t, err)
	require.Equal(t, path, h.Path())

	rec, err := pidfile.Read(path)
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), rec.PID)
	require.NotEmpty(t, rec.Token)
	require.Equal(t, h.Record().Token, rec.Token)
	require.WithinDuration(t, time.Now(), rec.AcquiredAt, time.Minute)
	require.NoError(t, h.Verify())

	require.NoError(t, h.Release())
	_, err = os.Stat(path)
	require.ErrorIs(t, err, fs.ErrNotExist)
	require.NoError(t, h.Release())
	require.ErrorIs(t, h.Verify(), pidfile.ErrLockLost)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestAcquire_AlreadyRunning(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tickrun.pid")
	writeRecord(t, path, pidfile.Record{PID: os.Getppid(), AcquiredAt: time.Now(), Token: "other"})

	_, err := pidfile.Acquire(path)
	var are *pidfile.AlreadyRunningError
	require.ErrorAs(t, err, &are)
	require.Equal(t, os.Getppid(), are.PID)

	rec, err := pidfile.Read(path)
	require.NoError(t, err)
	require.Equal(t, "other", rec.Token)
}

func TestAcquire_Stale(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    func(t *testing.T, path string)
	}{
		{
			"dead pid",
			func(t *testing.T, path string) {
				writeRecord(t, path, pidfile.Record{PID: deadPID(t), Token: "dead"})
			},
		},
		{
			"own pid",
			func(t *testing.T, path string) {
				writeRecord(t, path, pidfile.Record{PID: os.Getpid(), Token: "previous"})
			},
		},
		{
			"corrupt",
			func(t *testing.T, path string) {
				require.NoError(t, os.WriteFile(path, []byte("12 34"), 0o644))
			},
		},
		{
			"zero pid",
			func(t *testing.T, path string) {
				writeRecord(t, path, pidfile.Record{Token: "zero"})
			},
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "tickrun.pid")
			tt.given(t, path)

			h, err := pidfile.Acquire(path)
			require.NoError(t, err)
			t.Cleanup(func() { _ = h.Release() })

			rec, err := pidfile.Read(path)
			require.NoError(t, err)
			require.Equal(t, os.Getpid(), rec.PID)
			require.Equal(t, h.Record().Token, rec.Token)
		})
	}
}

func TestHandle_TakenOver(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tickrun.pid")

	h, err := pidfile.Acquire(path)
	require.NoError(t, err)

	writeRecord(t, path, pidfile.Record{PID: os.Getppid(), Token: "intruder"})
	err = h.Verify()
	require.ErrorIs(t, err, pidfile.ErrLockLost)

	require.NoError(t, h.Release())
	rec, err := pidfile.Read(path)
	require.NoError(t, err)
	require.Equal(t, "intruder", rec.Token)
}

func TestHandle_Verify(t *testing.T) {
	t.Parallel()

	t.Run("removed", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "tickrun.pid")
		h, err := pidfile.Acquire(path)
		require.NoError(t, err)
		require.NoError(t, pidfile.Remove(path))
		require.ErrorIs(t, h.Verify(), pidfile.ErrLockLost)
		require.NoError(t, h.Release())
	})

	t.Run("corrupted", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "tickrun.pid")
		h, err := pidfile.Acquire(path)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
		err = h.Verify()
		require.ErrorIs(t, err, pidfile.ErrLockLost)
		require.ErrorIs(t, err, pidfile.ErrCorrupt)
	})
}

func TestRead(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, err := pidfile.Read(filepath.Join(dir, "missing.pid"))
	require.ErrorIs(t, err, fs.ErrNotExist)

	corrupt := filepath.Join(dir, "corrupt.pid")
	require.NoError(t, os.WriteFile(corrupt, []byte("not json"), 0o644))
	_, err = pidfile.Read(corrupt)
	require.ErrorIs(t, err, pidfile.ErrCorrupt)

	// a regular file used as a directory
	notDir := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(notDir, nil, 0o644))
	_, err = pidfile.Read(filepath.Join(notDir, "tickrun.pid"))
	var lie *pidfile.LockIOError
	require.ErrorAs(t, err, &lie)
	require.Equal(t, "read", lie.Op)
	require.False(t, errors.Is(err, fs.ErrNotExist))

	_, err = pidfile.Acquire(filepath.Join(notDir, "tickrun.pid"))
	require.ErrorAs(t, err, &lie)
}

func TestAlive(t *testing.T) {
	t.Parallel()
	require.True(t, pidfile.Alive(os.Getpid()))
	require.True(t, pidfile.Alive(os.Getppid()))
	require.False(t, pidfile.Alive(0))
	require.False(t, pidfile.Alive(-1))
	require.False(t, pidfile.Alive(deadPID(t)))
}
