package taskhawk

import (
	"errors"
	"fmt"
	"time"
)

// OutcomeKind classifies how a task invocation ended.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeIgnored
	OutcomeRetry
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// Outcome is the result of running a task function.
type Outcome struct {
	Kind  OutcomeKind
	Delay time.Duration  // OutcomeRetry only
	Err   error          // nil for OutcomeSuccess
	Extra map[string]any // set for a *LoggingError
	Stack []byte         // set when the task panicked
}

// Classify maps an error returned by a task function to an Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeSuccess}
	}
	var ignore *IgnoreError
	if errors.As(err, &ignore) {
		return Outcome{Kind: OutcomeIgnored, Err: err}
	}
	var retry *RetryError
	if errors.As(err, &retry) {
		return Outcome{Kind: OutcomeRetry, Delay: retry.Delay, Err: err}
	}
	var logging *LoggingError
	if errors.As(err, &logging) {
		return Outcome{Kind: OutcomeFailed, Err: err, Extra: logging.Extra}
	}
	return Outcome{Kind: OutcomeFailed, Err: err}
}

// PanicError wraps a value recovered from a panicking task or hook.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
