package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the terminal state of one execution.
type Status int

const (
	StatusNotStarted Status = iota
	StatusSuccess
	StatusFailure
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result is the outcome of one Runner.Execute call.
type Result struct {
	ID       string
	Command  Command
	Started  time.Time
	Stopped  time.Time
	Status   Status
	ExitCode int   // valid for StatusFailure
	Err      error // spawn error for StatusNotStarted
	Stdout   []byte
	Stderr   []byte
}

func (r Result) Duration() time.Duration {
	if r.Stopped.Before(r.Started) {
		return 0
	}
	return r.Stopped.Sub(r.Started)
}

func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

type resultJSON struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Group    string   `json:"group,omitempty"`
	Argv     []string `json:"argv"`
	Started  string   `json:"started_at"`
	Stopped  string   `json:"finished_at"`
	Duration string   `json:"duration"`
	Status   Status   `json:"status"`
	ExitCode *int     `json:"exit_code,omitempty"`
	Error    string   `json:"error,omitempty"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr,omitempty"`
}

// MarshalJSON is the wire form used by the reporting sinks.
func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		ID:       r.ID,
		Name:     r.Command.Name,
		Group:    r.Command.Group,
		Argv:     r.Command.Invocation(),
		Started:  r.Started.UTC().Format(time.RFC3339Nano),
		Stopped:  r.Stopped.UTC().Format(time.RFC3339Nano),
		Duration: r.Duration().String(),
		Status:   r.Status,
		Stdout:   string(r.Stdout),
		Stderr:   string(r.Stderr),
	}
	if r.Status == StatusSuccess || r.Status == StatusFailure {
		code := r.ExitCode
		out.ExitCode = &code
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}
