// Package events defines the structured event stream emitted by the
// runner: one record type per event, a JSONL file sink, a composite
// fan-out, and an in-memory pub/sub bus for live subscribers.
package events

import "time"

// Event type names as they appear in the "event" field of each record.
const (
	TypeProviderCall     = "provider_call"
	TypeProviderSkipped  = "provider_skipped"
	TypeProviderFallback = "provider_fallback"
	TypeRetry            = "retry"
	TypeChainFailed      = "provider_chain_failed"
	TypeRunMetric        = "run_metric"
	TypeShadowDiff       = "shadow_diff"
	TypeConsensusVote    = "consensus_vote"
)

// Base carries the fields present on every record.
type Base struct {
	TsMs               int64  `json:"ts_ms"`
	Event              string `json:"event"`
	RequestFingerprint string `json:"request_fingerprint"`
}

// Meta exposes the embedded Base for stamping.
func (b *Base) Meta() *Base { return b }

// Record is any emittable event.
type Record interface {
	Meta() *Base
	EventType() string
}

// stamp fills ts_ms and event on a record before it reaches a sink.
func stamp(r Record) {
	b := r.Meta()
	if b.Event == "" {
		b.Event = r.EventType()
	}
	if b.TsMs == 0 {
		b.TsMs = time.Now().UnixMilli()
	}
}

// TokenUsage mirrors provider.TokenUsage for event payloads.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// ProviderCall records one provider attempt, success or failure. Exactly
// one is emitted per attempt.
type ProviderCall struct {
	Base
	Provider         string     `json:"provider"`
	ProviderID       string     `json:"provider_id"`
	Model            string     `json:"model"`
	Attempt          int        `json:"attempt"`
	Retries          int        `json:"retries"`
	TotalProviders   int        `json:"total_providers"`
	Status           string     `json:"status"`  // ok | error
	Outcome          string     `json:"outcome"` // success | error | skip
	LatencyMs        int64      `json:"latency_ms"`
	TokensIn         int        `json:"tokens_in"`
	TokensOut        int        `json:"tokens_out"`
	TokenUsage       TokenUsage `json:"token_usage"`
	CostEstimate     float64    `json:"cost_estimate"`
	ErrorType        string     `json:"error_type,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	ErrorFamily      string     `json:"error_family,omitempty"`
	ShadowUsed       bool       `json:"shadow_used"`
	ShadowProviderID string     `json:"shadow_provider_id,omitempty"`
	ShadowLatencyMs  int64      `json:"shadow_latency_ms,omitempty"`
	ShadowOutcome    string     `json:"shadow_outcome,omitempty"`
	Mode             string     `json:"mode"`
	Providers        []string   `json:"providers"`
	TraceID          string     `json:"trace_id,omitempty"`
	ProjectID        string     `json:"project_id,omitempty"`
}

func (*ProviderCall) EventType() string { return TypeProviderCall }

// ProviderSkipped precedes the matching provider_call when a provider
// declines the request (Skip classification).
type ProviderSkipped struct {
	Base
	Provider       string `json:"provider"`
	Attempt        int    `json:"attempt"`
	TotalProviders int    `json:"total_providers"`
	Reason         string `json:"reason"`
	ErrorMessage   string `json:"error_message"`
}

func (*ProviderSkipped) EventType() string { return TypeProviderSkipped }

// ProviderFallback records an Auth/Config failure that caused the strategy
// to advance to the next provider without retrying.
type ProviderFallback struct {
	Base
	Provider     string `json:"provider"`
	Attempt      int    `json:"attempt"`
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
}

func (*ProviderFallback) EventType() string { return TypeProviderFallback }

// Retry records a scheduled re-attempt; emitted only when the re-attempt
// actually starts.
type Retry struct {
	Base
	Provider     string  `json:"provider"`
	Attempt      int     `json:"attempt"`
	RetryAttempt int     `json:"retry_attempt"`
	NextAttempt  int     `json:"next_attempt"`
	ErrorType    string  `json:"error_type"`
	DelaySeconds float64 `json:"delay_seconds"`
}

func (*Retry) EventType() string { return TypeRetry }

// ChainFailed records the terminal failure of a whole provider chain.
type ChainFailed struct {
	Base
	ProviderAttempts int      `json:"provider_attempts"`
	Providers        []string `json:"providers"`
	LastErrorType    string   `json:"last_error_type"`
	LastErrorMessage string   `json:"last_error_message"`
	LastErrorFamily  string   `json:"last_error_family"`
}

func (*ChainFailed) EventType() string { return TypeChainFailed }

// RunMetric summarizes one provider's contribution to a run, or the whole
// run when Provider is empty (terminal failure record).
type RunMetric struct {
	Base
	Provider     string     `json:"provider,omitempty"`
	Status       string     `json:"status"`
	Outcome      string     `json:"outcome"`
	Attempts     int        `json:"attempts"`
	Retries      int        `json:"retries"`
	LatencyMs    int64      `json:"latency_ms"`
	TokensIn     int        `json:"tokens_in,omitempty"`
	TokensOut    int        `json:"tokens_out,omitempty"`
	TokenUsage   TokenUsage `json:"token_usage"`
	CostUSD      float64    `json:"cost_usd"`
	CostEstimate float64    `json:"cost_estimate"`
	ErrorType    string     `json:"error_type,omitempty"`
	ErrorFamily  string     `json:"error_family,omitempty"`
	StopReason   string     `json:"stop_reason,omitempty"`
	ShadowUsed   bool       `json:"shadow_used"`
	Mode         string     `json:"mode"`
	Providers    []string   `json:"providers"`
}

func (*RunMetric) EventType() string { return TypeRunMetric }

// ShadowDiff carries the shadow comparison record. Emitted at most once per
// shadow invocation.
type ShadowDiff struct {
	Base
	PrimaryProvider        string   `json:"primary_provider"`
	ShadowProvider         string   `json:"shadow_provider"`
	PrimaryLatencyMs       int64    `json:"primary_latency_ms"`
	ShadowLatencyMs        int64    `json:"shadow_latency_ms,omitempty"`
	ShadowOK               bool     `json:"shadow_ok"`
	ShadowOutcome          string   `json:"shadow_outcome"` // success | error | timeout
	ShadowError            string   `json:"shadow_error,omitempty"`
	ShadowTextLen          int      `json:"shadow_text_len,omitempty"`
	ShadowTokenUsageTotal  int      `json:"shadow_token_usage_total,omitempty"`
	PrimaryTokenUsageTotal int      `json:"primary_token_usage_total,omitempty"`
	LatencyGapMs           *int64   `json:"latency_gap_ms,omitempty"`
	ShadowConsensusDelta   *float64 `json:"shadow_consensus_delta,omitempty"`

	// ShadowText is kept in memory for consensus enrichment; it is never
	// serialized.
	ShadowText string `json:"-"`
}

func (*ShadowDiff) EventType() string { return TypeShadowDiff }

// CandidateSummary is one consensus candidate's footprint in the vote
// record.
type CandidateSummary struct {
	Provider  string `json:"provider"`
	LatencyMs int64  `json:"latency_ms"`
	Votes     int    `json:"votes"`
	TextHash  string `json:"text_hash"`
}

// ConsensusVote records the outcome of a consensus evaluation.
type ConsensusVote struct {
	Base
	Strategy           string             `json:"strategy"`
	TieBreaker         string             `json:"tie_breaker,omitempty"`
	Quorum             int                `json:"quorum"`
	MinVotes           int                `json:"min_votes"`
	VotersTotal        int                `json:"voters_total"`
	VotesFor           int                `json:"votes_for"`
	VotesAgainst       int                `json:"votes_against"`
	Abstained          int                `json:"abstained"`
	ChosenProvider     string             `json:"chosen_provider"`
	WinnerProvider     string             `json:"winner_provider"`
	WinnerScore        float64            `json:"winner_score"`
	WinnerLatencyMs    int64              `json:"winner_latency_ms"`
	TieBreakApplied    bool               `json:"tie_break_applied"`
	TieBreakReason     string             `json:"tie_break_reason,omitempty"`
	TieBreakerSelected string             `json:"tie_breaker_selected,omitempty"`
	Rounds             int                `json:"rounds"`
	Scores             map[string]float64 `json:"scores,omitempty"`
	SchemaChecked      bool               `json:"schema_checked"`
	SchemaFailures     map[string]string  `json:"schema_failures"`
	Judge              string             `json:"judge,omitempty"`
	JudgeScore         *float64           `json:"judge_score,omitempty"`
	Votes              map[string]int     `json:"votes"`
	CandidateSummaries []CandidateSummary `json:"candidate_summaries"`
}

func (*ConsensusVote) EventType() string { return TypeConsensusVote }
