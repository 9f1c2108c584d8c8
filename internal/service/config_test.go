package service_test

import (
	"strings"
	"testing"
	"time"

	"github.com/tickrun/tickrun/internal/model"
	"github.com/tickrun/tickrun/internal/service"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

const overridesConfig = `
verbose: true
pid: /run/tickrun.pid
interval: 2m
max_concurrency: 8
timeout: 15s
`

func TestParseOverrides(t *testing.T) {
	t.Parallel()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(overridesConfig)))

	o, err := service.ParseOverrides(v)
	require.NoError(t, err)
	require.Equal(t, service.Overrides{
		Verbose:        true,
		PID:            "/run/tickrun.pid",
		Interval:       "2m",
		MaxConcurrency: 8,
		Timeout:        15 * time.Second,
	}, o)

	cfg := model.DefaultConfig()
	o.Apply(&cfg)
	require.True(t, cfg.Service.Verbose)
	require.Equal(t, "/run/tickrun.pid", cfg.Service.PID)
	require.Equal(t, model.DefaultOut, cfg.Service.Out)
	require.Equal(t, "2m", cfg.Service.Interval)
	require.Equal(t, 8, cfg.Service.MaxConcurrency)

	t.Run("cmd", func(t *testing.T) {
		cmd, err := o.Cmd([]string{"/usr/local/bin/nr-metrics", "--account", "1"})
		require.NoError(t, err)
		require.Equal(t, "nr-metrics", cmd.Name)
		require.Equal(t, "/usr/local/bin/nr-metrics", cmd.Path)
		require.Equal(t, []string{"--account", "1"}, cmd.Args)
		require.Equal(t, 15*time.Second, cmd.Timeout)

		o.Name = "newrelic"
		cmd, err = o.Cmd([]string{"nr"})
		require.NoError(t, err)
		require.Equal(t, "newrelic", cmd.Name)

		_, err = o.Cmd(nil)
		require.Error(t, err)

		o.Timeout = -time.Second
		_, err = o.Cmd([]string{"nr"})
		require.Error(t, err)
		require.True(t, model.IsConfigError(err))
	})
}

func TestParseOverrides_Env(t *testing.T) {
	// can't be parallel as it touches the environment
	t.Setenv("TICKRUN_OUT", "/var/log/tickrun.out")
	t.Setenv("TICKRUN_MAX_CONCURRENCY", "3")

	v := viper.New()
	v.SetEnvPrefix("tickrun")
	v.AutomaticEnv()
	require.NoError(t, v.BindEnv("out"))
	require.NoError(t, v.BindEnv("max_concurrency"))

	o, err := service.ParseOverrides(v)
	require.NoError(t, err)
	require.Equal(t, "/var/log/tickrun.out", o.Out)
	require.Equal(t, 3, o.MaxConcurrency)
	require.False(t, o.Verbose)
}
