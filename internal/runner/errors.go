package runner

import (
	"fmt"
	"strings"
)

// AttemptFailure summarizes one failed provider attempt. Failure lists are
// ordered by attempt label, not completion time.
type AttemptFailure struct {
	Provider string
	Attempt  int
	Err      error
}

func (f AttemptFailure) summary() string {
	return fmt.Sprintf("%s (attempt %d): %v", f.Provider, f.Attempt, f.Err)
}

func joinFailures(failures []AttemptFailure) string {
	parts := make([]string, len(failures))
	for i, f := range failures {
		parts[i] = f.summary()
	}
	return strings.Join(parts, "; ")
}

// AllFailedError reports that every provider in the chain failed.
type AllFailedError struct {
	Message    string
	Failures   []AttemptFailure
	StopReason string
	Cause      error
}

func (e *AllFailedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "all providers failed"
	}
	if len(e.Failures) > 0 {
		msg += ": " + joinFailures(e.Failures)
	}
	return msg
}

func (e *AllFailedError) Unwrap() error { return e.Cause }

// ParallelExecutionError reports per-provider failures of a parallel run.
type ParallelExecutionError struct {
	Failures []AttemptFailure
}

func (e *ParallelExecutionError) Error() string {
	return fmt.Sprintf("parallel execution failed: %s", joinFailures(e.Failures))
}
