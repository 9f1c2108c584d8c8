package model_test

import (
	"testing"
	"time"

	"github.com/tickrun/tickrun/internal/model"

	"github.com/stretchr/testify/require"
)

func TestNewCommand(t *testing.T) {
	t.Parallel()

	inv := []string{"/bin/echo", "hello"}
	cmd, err := model.NewCommand("echo", inv,
		model.WithGroup("g1"),
		model.WithTimeout(time.Second),
		model.WithEnv("A=b"),
	)
	require.NoError(t, err)
	require.Equal(t, "echo", cmd.Name)
	require.Equal(t, "/bin/echo", cmd.Path)
	require.Equal(t, []string{"hello"}, cmd.Args)
	require.Equal(t, "g1", cmd.Group)
	require.Equal(t, time.Second, cmd.Timeout)

	// invocation is copied
	inv[1] = "changed"
	require.Equal(t, []string{"/bin/echo", "hello"}, cmd.Invocation())
}

func TestNewCommand_Invalid(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		name     string
		inv      []string
		opts     []model.CommandOption
		then     string
	}{
		{"empty name", "", []string{"/bin/true"}, nil, "config: name: command name is empty"},
		{"empty invocation", "x", nil, nil, "config: command x: invocation: command invocation is empty"},
		{"zero timeout", "x", []string{"/bin/true"}, []model.CommandOption{model.WithTimeout(0)}, "config: command x: timeout: must be positive, got 0s"},
		{"negative timeout", "x", []string{"/bin/true"}, []model.CommandOption{model.WithTimeout(-time.Second)}, "config: command x: timeout: must be positive, got -1s"},
		{"negative every", "x", []string{"/bin/true"}, []model.CommandOption{model.WithEvery(-time.Second)}, "config: command x: every: must not be negative, got -1s"},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			_, err := model.NewCommand(tt.name, tt.inv, tt.opts...)
			require.Error(t, err)
			var cerr *model.ConfigError
			require.ErrorAs(t, err, &cerr)
			require.EqualError(t, err, tt.then)
		})
	}

	t.Run("bad cron", func(t *testing.T) {
		_, err := model.NewCommand("x", []string{"/bin/true"}, model.WithCron("* * 32 * *"))
		require.Error(t, err)
		require.True(t, model.IsConfigError(err))
	})
}

func TestNewBatch(t *testing.T) {
	t.Parallel()

	a := model.Command{Name: "a", Path: "/bin/true"}
	b := model.Command{Name: "b", Path: "/bin/true"}

	batch, err := model.NewBatch(a, b)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, batch.Names())

	_, err = model.NewBatch(a, b, a)
	require.Error(t, err)
	require.EqualError(t, err, "config: command a: name: duplicate command name")
}
