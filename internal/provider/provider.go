// Package provider defines the contract between the runner and model
// drivers: the request/response envelope, the Provider interface, and the
// error taxonomy that drives all retry and failover decisions.
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the provider-agnostic generation request. Drivers translate it
// into vendor-specific API calls. Prompt and Messages are mutually
// derivable after Normalize.
type Request struct {
	Model       string         `json:"model"`
	Prompt      string         `json:"prompt,omitempty"`
	Messages    []Message      `json:"messages,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature float64        `json:"temperature,omitempty"`
	TopP        float64        `json:"top_p,omitempty"`
	Stop        []string       `json:"stop,omitempty"`
	Timeout     time.Duration  `json:"-"`

	// Metadata carries run bookkeeping (trace_id, run_id, mode); it is NOT
	// forwarded to providers.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Options is driver-specific passthrough. It stays a loosely typed map
	// at the edge.
	Options map[string]any `json:"options,omitempty"`
}

// Normalize trims the model name, derives Messages from Prompt (and vice
// versa), and validates the request. It returns a copy; the input is not
// mutated.
func (r Request) Normalize() (Request, error) {
	r.Model = strings.TrimSpace(r.Model)
	if r.Model == "" {
		return r, &Error{Kind: KindConfig, Reason: "request model is empty"}
	}
	if r.MaxTokens < 0 {
		return r, &Error{Kind: KindConfig, Reason: fmt.Sprintf("max_tokens must be non-negative, got %d", r.MaxTokens)}
	}
	for _, s := range r.Stop {
		if s == "" {
			return r, &Error{Kind: KindConfig, Reason: "stop sequences must be non-empty"}
		}
	}
	if len(r.Messages) == 0 && r.Prompt != "" {
		r.Messages = []Message{{Role: "user", Content: r.Prompt}}
	} else if len(r.Messages) > 0 && r.Prompt == "" {
		r.Prompt = r.Messages[0].Content
	}
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	return r, nil
}

// TokenUsage counts prompt and completion tokens. Total is always
// Prompt+Completion; use NewTokenUsage or Normalize to keep the invariant.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// NewTokenUsage builds a TokenUsage with Total filled in.
func NewTokenUsage(prompt, completion int) TokenUsage {
	return TokenUsage{Prompt: prompt, Completion: completion, Total: prompt + completion}
}

// Normalize recomputes Total from Prompt+Completion.
func (u TokenUsage) Normalize() TokenUsage {
	u.Total = u.Prompt + u.Completion
	return u
}

// Response is a successful provider result.
type Response struct {
	Text         string     `json:"text"`
	LatencyMs    int64      `json:"latency_ms"`
	Usage        TokenUsage `json:"token_usage"`
	Model        string     `json:"model"`
	FinishReason string     `json:"finish_reason,omitempty"`

	// Raw is opaque driver passthrough (e.g. a numeric "score" used by
	// weighted consensus).
	Raw map[string]any `json:"raw,omitempty"`
}

// Score extracts a numeric "score" from Raw, if present.
func (r *Response) Score() (float64, bool) {
	if r == nil || r.Raw == nil {
		return 0, false
	}
	switch v := r.Raw["score"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Provider is the contract a model driver must satisfy. Invoke is
// synchronous; drivers return errors classified through this package (or
// raw errors which the invoker classifies via Classify).
type Provider interface {
	Name() string
	Capabilities() []string
	Invoke(ctx context.Context, req *Request) (*Response, error)
}

// CostEstimator is an optional interface for providers that can price a
// call from token counts.
type CostEstimator interface {
	EstimateCost(tokensIn, tokensOut int) float64
}

// EstimateCost returns the provider's cost estimate for the given token
// counts, or 0 when the provider does not price calls.
func EstimateCost(p Provider, tokensIn, tokensOut int) float64 {
	if ce, ok := p.(CostEstimator); ok {
		return ce.EstimateCost(tokensIn, tokensOut)
	}
	return 0
}
