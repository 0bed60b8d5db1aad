package pipeline

import (
	"errors"
	"fmt"

	"github.com/tarshard/tarshard/internal/chunk"
)

// ConfigError reports invalid run configuration. It is always raised
// before any destination I/O starts and is fatal to the whole run.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return "config: " + e.msg }

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// ReadError reports a source that became unreadable mid-stream. It
// aborts that source only.
type ReadError struct {
	Source string
	Err    error
}

func (e *ReadError) Error() string { return fmt.Sprintf("read source %s: %v", e.Source, e.Err) }
func (e *ReadError) Unwrap() error { return e.Err }

// classify wraps a per-source pipeline failure. Destination failures
// surface as *chunk.WriteError from the writer stage and pass through;
// anything else originated on the source side.
func classify(source string, err error) error {
	var we *chunk.WriteError
	if errors.As(err, &we) {
		return err
	}
	var re *ReadError
	if errors.As(err, &re) {
		return err
	}
	return &ReadError{Source: source, Err: err}
}
