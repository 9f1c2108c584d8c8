package model

import "context"

// Reporter receives every completed execution.
type Reporter interface {
	Report(ctx context.Context, result Result) error
}

type ReportCloser interface {
	Reporter
	Close() error
}
