package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a provider outcome for retry and failover decisions.
// Strategies never inspect raw driver errors; Kind is the sole input.
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindRateLimit Kind = "rate_limit"
	KindRetryable Kind = "retryable"
	KindSkip      Kind = "skip"
	KindAuth      Kind = "auth"
	KindConfig    Kind = "config"
	KindFatal     Kind = "fatal"

	// KindCancelled marks attempts that lost a parallel race and were
	// cancelled; it is synthesized by strategies, never by classifiers.
	KindCancelled Kind = "cancelled"
)

// Family buckets kinds for event reporting.
func (k Kind) Family() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindSkip:
		return "skip"
	case KindFatal, KindAuth, KindConfig:
		return "fatal"
	case KindRetryable, KindTimeout:
		return "retryable"
	default:
		return "unknown"
	}
}

// Error is a classified provider error.
type Error struct {
	Kind       Kind
	Reason     string
	RetryAfter time.Duration // only meaningful for KindRateLimit
	Err        error         // underlying driver error, if any
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Skip builds a KindSkip error with the given reason.
func Skip(reason string) *Error {
	return &Error{Kind: KindSkip, Reason: reason}
}

// KindOf returns the classification of err, classifying on the fly when the
// error has not been wrapped yet.
func KindOf(err error) Kind {
	return Classify(err).Kind
}

// Classify maps an arbitrary driver error to the taxonomy. Already
// classified errors pass through unchanged.
func Classify(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancelled, Err: err}
	}
	var se *StatusError
	if errors.As(err, &se) {
		return classifyStatus(se)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline"):
		return &Error{Kind: KindTimeout, Err: err}
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return &Error{Kind: KindRateLimit, Err: err}
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") || strings.Contains(msg, "authentication"):
		return &Error{Kind: KindAuth, Err: err}
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "temporarily unavailable"):
		return &Error{Kind: KindRetryable, Err: err}
	}
	return &Error{Kind: KindFatal, Err: err}
}

func classifyStatus(se *StatusError) *Error {
	switch {
	case se.StatusCode == 401 || se.StatusCode == 403:
		return &Error{Kind: KindAuth, Err: se}
	case se.StatusCode == 404:
		return &Error{Kind: KindConfig, Err: se}
	case se.StatusCode == 408:
		return &Error{Kind: KindTimeout, Err: se}
	case se.StatusCode == 429:
		return &Error{Kind: KindRateLimit, Err: se, RetryAfter: se.RetryAfter}
	case se.StatusCode >= 500:
		return &Error{Kind: KindRetryable, Err: se}
	}
	return &Error{Kind: KindFatal, Err: se}
}

// StatusError captures an HTTP status code from a provider response. Driver
// adapters return it so Classify can inspect the status.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter parses a Retry-After header value (delta seconds only)
// into the RetryAfter field. Invalid or empty values are ignored.
func (e *StatusError) ParseRetryAfter(header string) {
	if header == "" {
		return
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs >= 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
}
