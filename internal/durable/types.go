package durable

import (
	"github.com/modelmux/modelmux/internal/provider"
)

// DispatchInput is the input for DispatchWorkflow: a sequential failover run
// executed as a durable workflow so crashed processes resume mid-chain.
type DispatchInput struct {
	RunID      string           `json:"run_id"`
	Providers  []string         `json:"providers"`
	Request    provider.Request `json:"request"`
	MaxRetries int              `json:"max_retries"`
	BackoffMs  int64            `json:"backoff_ms"`
}

// DispatchOutput is the final result of DispatchWorkflow.
type DispatchOutput struct {
	Provider  string  `json:"provider"`
	Text      string  `json:"text"`
	Model     string  `json:"model,omitempty"`
	LatencyMs int64   `json:"latency_ms"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
	Attempts  int     `json:"attempts"`
}

// CallInput is the input for the CallProvider activity.
type CallInput struct {
	Provider string           `json:"provider"`
	Request  provider.Request `json:"request"`
}

// CallOutput is the output of the CallProvider activity.
type CallOutput struct {
	Text      string  `json:"text"`
	Model     string  `json:"model,omitempty"`
	LatencyMs int64   `json:"latency_ms"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
}

// ClassifyInput is the input for the ClassifyFailure activity.
type ClassifyInput struct {
	ErrorMsg string `json:"error_msg"`
}

// ClassifyOutput carries the taxonomy verdict back into the workflow, which
// never inspects raw error strings itself.
type ClassifyOutput struct {
	Kind         string `json:"kind"`
	Family       string `json:"family"`
	Retryable    bool   `json:"retryable"`
	NextProvider bool   `json:"next_provider"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// OutcomeInput is the input for the RecordOutcome activity.
type OutcomeInput struct {
	RunID     string  `json:"run_id"`
	Provider  string  `json:"provider"`
	Attempt   int     `json:"attempt"`
	Success   bool    `json:"success"`
	LatencyMs int64   `json:"latency_ms"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
	ErrorKind string  `json:"error_kind,omitempty"`
	ErrorMsg  string  `json:"error_msg,omitempty"`
}
