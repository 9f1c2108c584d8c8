package model_test

import (
	"testing"
	"time"

	"github.com/tickrun/tickrun/internal/model"

	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	t.Parallel()

	type then struct {
		d   time.Duration
		err bool
	}
	cases := []struct {
		scenario string
		given    string
		then     then
	}{
		{"seconds", "60s", then{60 * time.Second, false}},
		{"cue", "1d2h3m4s", then{26*time.Hour + 3*time.Minute + 4*time.Second, false}},
		{"iso", "PT5M", then{5 * time.Minute, false}},
		{"iso days", "P1DT1H", then{25 * time.Hour, false}},
		{"iso fraction", "PT1.5S", then{1500 * time.Millisecond, false}},
		{"go", "250ms", then{250 * time.Millisecond, false}},
		{"go fraction", "1.5h", then{90 * time.Minute, false}},
		{"empty", "", then{0, true}},
		{"garbage", "soon", then{0, true}},
		{"iso ambiguous", "P2M", then{0, true}},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			d, err := model.ParseDuration(tc.given)
			if tc.then.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then.d, d)
		})
	}
}

func TestParseCron(t *testing.T) {
	t.Parallel()

	cases := []struct {
		scenario string
		given    string
		then     string
	}{
		{"valid_5_fields", "*/15 * * * *", ""},
		{"macro_hourly", "@hourly", ""},
		{"macro_every", "@every 5m", ""},
		{"invalid_field_count_4", "* * * *", "expected exactly 5 fields, found 4: [* * * *]"},
		{"invalid_token", "* * 32 * *", "end of range (32) above maximum (31): 32"},
		{"empty", "", "empty cron expression"},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			s, err := model.ParseCron(tc.given)
			if tc.then != "" {
				require.EqualError(t, err, tc.then)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, s)
		})
	}

	t.Run("next", func(t *testing.T) {
		s, err := model.ParseCron("0 * * * *")
		require.NoError(t, err)
		from := time.Date(2025, 1, 1, 10, 15, 0, 0, time.UTC)
		require.Equal(t, time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC), s.Next(from))
	})
}
