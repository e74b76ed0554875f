package taskhawk

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation marks a malformed or unresolvable message envelope.
	ErrValidation = errors.New("taskhawk: validation error")
	// ErrConfiguration marks a deployment problem such as a duplicate task
	// name or an unsupported task signature.
	ErrConfiguration = errors.New("taskhawk: configuration error")
	// ErrTaskNotFound is returned by Registry.Find. Message validation
	// converts it to ErrValidation.
	ErrTaskNotFound = errors.New("taskhawk: task not found")
	// ErrNotConsumerDelivered is returned by Metadata.ExtendVisibilityTimeout
	// for metadata that did not come from a consumer backend.
	ErrNotConsumerDelivered = errors.New("taskhawk: message was not delivered by a consumer backend")
)

// IgnoreError tells the consumer to acknowledge the message without treating
// it as a failure.
type IgnoreError struct {
	Reason string
}

func (e *IgnoreError) Error() string {
	if e.Reason == "" {
		return "taskhawk: task ignored"
	}
	return "taskhawk: task ignored: " + e.Reason
}

// Ignore returns an *IgnoreError.
func Ignore(reason string) error {
	return &IgnoreError{Reason: reason}
}

// RetryError asks for redelivery. A positive Delay keeps the message hidden
// for that long instead of nacking it.
type RetryError struct {
	Delay time.Duration
}

func (e *RetryError) Error() string {
	if e.Delay > 0 {
		return fmt.Sprintf("taskhawk: retry in %s", e.Delay)
	}
	return "taskhawk: retry"
}

// Retry returns a *RetryError.
func Retry(delay time.Duration) error {
	return &RetryError{Delay: delay}
}

// LoggingError is a task failure that carries structured fields for the
// error log line.
type LoggingError struct {
	Message string
	Extra   map[string]any
}

func (e *LoggingError) Error() string {
	return e.Message
}

// NewLoggingError returns a *LoggingError.
func NewLoggingError(message string, extra map[string]any) error {
	return &LoggingError{Message: message, Extra: extra}
}

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

func configurationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConfiguration}, args...)...)
}
