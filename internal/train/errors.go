package train

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigError reports an invalid or missing training configuration
// value. Configuration errors are fatal at startup, never retried, and
// raised before any side effect occurs.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// NewConfigError creates a ConfigError for a field.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is a ConfigError.
// Uses errors.As to handle wrapped errors.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// StepError is the synchronous form of a step's deferred error report.
// The driver raises it immediately after the step's timer and metric
// updates are committed, so diagnostic state is preserved even though
// the step's numeric correctness is in question.
type StepError struct {
	Step   int64
	Report *ErrorReport
}

// Error implements the error interface.
func (e *StepError) Error() string {
	cats := make([]string, 0, len(e.Report.Failures))
	for _, f := range e.Report.Failures {
		cats = append(cats, string(f.Category))
	}
	return fmt.Sprintf("step %d: categorized errors [%s]: %s",
		e.Step, strings.Join(cats, ","), e.Report.Failures[0].Message)
}

// IsStepError reports whether err is a StepError.
// Uses errors.As to handle wrapped errors.
func IsStepError(err error) bool {
	var se *StepError
	return errors.As(err, &se)
}
