package service_test

import (
	"testing"
	"time"

	"github.com/tickrun/tickrun/internal/model"
	"github.com/tickrun/tickrun/internal/service"

	"github.com/stretchr/testify/require"
)

type mutableSource struct {
	cmds []model.Command
}

func (m *mutableSource) Commands() []model.Command {
	return m.cmds
}

func TestPlanner(t *testing.T) {
	t.Parallel()

	src := &mutableSource{cmds: []model.Command{
		{Name: "always", Path: "/bin/true"},
		{Name: "every", Path: "/bin/true", Every: 5 * time.Minute},
		{Name: "hourly", Path: "/bin/true", Cron: "0 * * * *"},
	}}
	p := service.NewPlanner(src)
	t0 := time.Date(2025, 1, 1, 10, 58, 0, 0, time.UTC)

	var testCases = []struct {
		at   time.Duration
		then []string
	}{
		{0, []string{"always", "every"}},
		{time.Minute, []string{"always"}},
		{2 * time.Minute, []string{"always", "hourly"}},
		{5 * time.Minute, []string{"always", "every"}},
		{6 * time.Minute, []string{"always"}},
		{62 * time.Minute, []string{"always", "every", "hourly"}},
	}
	for _, tt := range testCases {
		batch, err := p.Due(t0.Add(tt.at))
		require.NoError(t, err)
		require.Equal(t, tt.then, batch.Names(), "at +%s", tt.at)
	}

	t.Run("all ignores schedules", func(t *testing.T) {
		batch, err := p.All(t0.Add(63 * time.Minute))
		require.NoError(t, err)
		require.Equal(t, []string{"always", "every", "hourly"}, batch.Names())
	})

	t.Run("reloaded set", func(t *testing.T) {
		src.cmds = []model.Command{
			{Name: "every", Path: "/bin/true", Every: 5 * time.Minute},
			{Name: "new", Path: "/bin/true", Every: time.Hour},
		}
		batch, err := p.Due(t0.Add(64 * time.Minute))
		require.NoError(t, err)
		require.Equal(t, []string{"new"}, batch.Names())
	})

	t.Run("duplicates", func(t *testing.T) {
		src.cmds = append(src.cmds, model.Command{Name: "new", Path: "/bin/false"})
		_, err := p.Due(t0.Add(65 * time.Minute))
		require.Error(t, err)
		require.True(t, model.IsConfigError(err))
	})
}
