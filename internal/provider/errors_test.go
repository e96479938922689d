package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyPassesThroughClassified(t *testing.T) {
	orig := &Error{Kind: KindSkip, Reason: "capability missing"}
	wrapped := fmt.Errorf("invoke: %w", orig)
	if got := Classify(wrapped); got != orig {
		t.Fatalf("got %+v", got)
	}
}

func TestClassifyContextErrors(t *testing.T) {
	if k := KindOf(context.DeadlineExceeded); k != KindTimeout {
		t.Errorf("deadline = %s", k)
	}
	if k := KindOf(context.Canceled); k != KindCancelled {
		t.Errorf("canceled = %s", k)
	}
}

func TestClassifyStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{404, KindConfig},
		{408, KindTimeout},
		{429, KindRateLimit},
		{500, KindRetryable},
		{503, KindRetryable},
		{400, KindFatal},
	}
	for _, tc := range cases {
		err := &StatusError{StatusCode: tc.status}
		if k := KindOf(err); k != tc.want {
			t.Errorf("status %d = %s, want %s", tc.status, k, tc.want)
		}
	}
}

func TestClassifyRateLimitKeepsRetryAfter(t *testing.T) {
	se := &StatusError{StatusCode: 429}
	se.ParseRetryAfter("7")
	got := Classify(se)
	if got.Kind != KindRateLimit || got.RetryAfter != 7*time.Second {
		t.Fatalf("got %+v", got)
	}
}

func TestParseRetryAfterIgnoresGarbage(t *testing.T) {
	se := &StatusError{StatusCode: 429}
	se.ParseRetryAfter("Wed, 21 Oct 2026 07:28:00 GMT")
	if se.RetryAfter != 0 {
		t.Fatalf("RetryAfter = %v", se.RetryAfter)
	}
}

func TestClassifyMessageSubstrings(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"request timed out after 30s", KindTimeout},
		{"rate limit exceeded", KindRateLimit},
		{"too many requests", KindRateLimit},
		{"invalid api key provided", KindAuth},
		{"connection refused", KindRetryable},
		{"something completely different", KindFatal},
	}
	for _, tc := range cases {
		if k := KindOf(errors.New(tc.msg)); k != tc.want {
			t.Errorf("%q = %s, want %s", tc.msg, k, tc.want)
		}
	}
}

func TestFamilies(t *testing.T) {
	cases := map[Kind]string{
		KindRateLimit: "rate_limit",
		KindSkip:      "skip",
		KindFatal:     "fatal",
		KindAuth:      "fatal",
		KindConfig:    "fatal",
		KindRetryable: "retryable",
		KindTimeout:   "retryable",
		KindCancelled: "unknown",
	}
	for k, want := range cases {
		if got := k.Family(); got != want {
			t.Errorf("%s family = %s, want %s", k, got, want)
		}
	}
}

func TestErrorMessagePreference(t *testing.T) {
	e := &Error{Kind: KindSkip, Reason: "no capacity", Err: errors.New("inner")}
	if e.Error() != "no capacity" {
		t.Errorf("Error() = %q", e.Error())
	}
	e2 := &Error{Kind: KindFatal, Err: errors.New("inner")}
	if e2.Error() != "inner" {
		t.Errorf("Error() = %q", e2.Error())
	}
	e3 := &Error{Kind: KindFatal}
	if e3.Error() != "fatal" {
		t.Errorf("Error() = %q", e3.Error())
	}
}

func TestSkipHelper(t *testing.T) {
	err := Skip("model not served")
	if err.Kind != KindSkip || err.Reason != "model not served" {
		t.Fatalf("got %+v", err)
	}
}
