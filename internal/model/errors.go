package model

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigError reports an invalid command descriptor or configuration. It is
// always fatal and reported before anything is executed.
type ConfigError struct {
	Command string // command name, if the error is bound to one
	Field   string
	Reason  string
	Details []CueErrorDetail
	Err     error
}

func (e *ConfigError) Error() string {
	var sb strings.Builder
	sb.WriteString("config")
	if e.Command != "" {
		sb.WriteString(": command ")
		sb.WriteString(e.Command)
	}
	if e.Field != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Field)
	}
	if e.Reason != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Reason)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func configErrorf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func withCommand(err error, name string) error {
	var cerr *ConfigError
	if errors.As(err, &cerr) && cerr.Command == "" {
		cerr.Command = name
	}
	return err
}

// IsConfigError reports whether err carries a *ConfigError.
func IsConfigError(err error) bool {
	var cerr *ConfigError
	return errors.As(err, &cerr)
}
