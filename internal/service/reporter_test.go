package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tickrun/tickrun/internal/model"
	"github.com/tickrun/tickrun/internal/service"

	"github.com/stretchr/testify/require"
)

func sampleResult() model.Result {
	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return model.Result{
		ID:       "0d8e3a52-5bd8-4a4c-9d0b-3f6f4b1c2a10",
		Command:  model.Command{Name: "new relic", Path: "/usr/bin/nr", Args: []string{"-v"}, Group: "cloud"},
		Started:  started,
		Stopped:  started.Add(1500 * time.Millisecond),
		Status:   model.StatusFailure,
		ExitCode: 2,
		Stdout:   []byte("metric 1\n"),
	}
}

func TestWriteReporter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	rep := service.NewWriteReporter(&buf)
	require.NoError(t, rep.Report(t.Context(), sampleResult()))
	require.NoError(t, rep.Report(t.Context(), model.Result{Command: model.Command{Name: "x", Path: "x"}, Status: model.StatusNotStarted}))

	dec := json.NewDecoder(&buf)
	var got map[string]any
	require.NoError(t, dec.Decode(&got))
	require.Equal(t, "new relic", got["name"])
	require.Equal(t, "failure", got["status"])
	require.Equal(t, float64(2), got["exit_code"])
	require.Equal(t, "1.5s", got["duration"])
	require.Equal(t, "metric 1\n", got["stdout"])
	require.Equal(t, []any{"/usr/bin/nr", "-v"}, got["argv"])
	require.Equal(t, "2025-03-01T12:00:00Z", got["started_at"])

	var second map[string]any
	require.NoError(t, dec.Decode(&second))
	require.Equal(t, "not_started", second["status"])
	require.NotContains(t, second, "exit_code")
}

func TestDirReporter(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "results")
	rep, err := service.NewDirReporter(dir)
	require.NoError(t, err)

	require.NoError(t, rep.Report(t.Context(), sampleResult()))
	require.NoError(t, rep.Close())
	require.Error(t, rep.Close())
	require.Error(t, rep.Report(t.Context(), sampleResult()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "new_relic-2025-03-01-12-00-00-0d8e3a52.json", entries[0].Name())

	b, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	require.Contains(t, string(b), `"status":"failure"`)
}

func TestHTTPReporter(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		handler  http.HandlerFunc
		then     string
	}{
		{
			"created",
			func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				if r.URL.Path != "/api/v1/results" || r.Header.Get("Content-Type") != "application/json" || !bytes.Contains(body, []byte(`"name":"new relic"`)) {
					w.WriteHeader(http.StatusTeapot)
					return
				}
				w.WriteHeader(http.StatusCreated)
			},
			"",
		},
		{
			"problem",
			func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"detail":"bad result"}`))
			},
			"status code: 400, detail: bad result",
		},
		{
			"unknown",
			func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte("boom"))
			},
			"unknown error, status: 500, body: boom",
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			t.Cleanup(srv.Close)

			rep, err := service.NewHTTPReporter(srv.URL)
			require.NoError(t, err)
			rep.WithClient(srv.Client())
			t.Cleanup(func() { _ = rep.Close() })

			err = rep.Report(t.Context(), sampleResult())
			if tt.then == "" {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, tt.then)
		})
	}

	t.Run("collector never answers", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		t.Cleanup(srv.Close)

		rep, err := service.NewHTTPReporter(srv.URL)
		require.NoError(t, err)
		rep.WithClient(srv.Client()).WithTimeout(200 * time.Millisecond)
		t.Cleanup(func() { _ = rep.Close() })

		start := time.Now()
		err = rep.Report(context.WithoutCancel(t.Context()), sampleResult())
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("url with path", func(t *testing.T) {
		_, err := service.NewHTTPReporter("http://example.com/api")
		require.Error(t, err)
	})
}

func TestReporters(t *testing.T) {
	t.Parallel()

	yes, no := true, false
	dir := t.TempDir()

	var testCases = []struct {
		scenario string
		given    model.Report
		then     int
	}{
		{"default stdout", model.Report{}, 1},
		{"stdout disabled", model.Report{Stdout: &no}, 0},
		{"dir only", model.Report{Dir: dir}, 1},
		{"dir and stdout", model.Report{Dir: dir, Stdout: &yes}, 2},
		{"all", model.Report{Dir: dir, Stdout: &yes, URL: "http://localhost:9"}, 3},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			reporters, err := service.Reporters(t.Context(), tt.given)
			require.NoError(t, err)
			require.Len(t, reporters, tt.then)
			for _, r := range reporters {
				if c, ok := r.(model.ReportCloser); ok {
					require.NoError(t, c.Close())
				}
			}
		})
	}

	t.Run("bad url", func(t *testing.T) {
		_, err := service.Reporters(t.Context(), model.Report{Dir: dir, URL: "http://localhost:9/x"})
		require.Error(t, err)
	})
}
