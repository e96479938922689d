// Package store persists run and call history, daily spend, and the vault
// blob. The sqlite backend is the only implementation; the interface exists
// so tests and the budget manager can substitute in-memory fakes.
package store

import (
	"context"
	"time"
)

// Store is the persistence surface.
type Store interface {
	// Run history
	SaveRun(ctx context.Context, run RunRecord) error
	ListRuns(ctx context.Context, limit, offset int) ([]RunRecord, error)
	GetRun(ctx context.Context, runID string) (*RunRecord, error)

	// Call history
	SaveCall(ctx context.Context, call CallRecord) error
	ListCalls(ctx context.Context, runID string) ([]CallRecord, error)
	ListCallsSince(ctx context.Context, since time.Time) ([]CallRecord, error)

	// Daily spend ledger (implements budget.SpendStore)
	DailySpend(ctx context.Context, providerID string, day string) (float64, error)
	AddSpend(ctx context.Context, providerID string, day string, amountUSD float64) error

	// Vault persistence
	SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error
	LoadVaultBlob(ctx context.Context) (salt []byte, data map[string]string, err error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// RunRecord is the persisted outcome of one dispatch run.
type RunRecord struct {
	RunID          string    `json:"run_id"`
	Timestamp      time.Time `json:"timestamp"`
	Fingerprint    string    `json:"fingerprint"`
	Mode           string    `json:"mode"`
	Status         string    `json:"status"` // ok | error
	WinnerProvider string    `json:"winner_provider,omitempty"`
	Attempts       int       `json:"attempts"`
	LatencyMs      int64     `json:"latency_ms"`
	TokensIn       int       `json:"tokens_in"`
	TokensOut      int       `json:"tokens_out"`
	CostUSD        float64   `json:"cost_usd"`
	ErrorType      string    `json:"error_type,omitempty"`
	StopReason     string    `json:"stop_reason,omitempty"`
}

// CallRecord is the persisted form of one provider attempt within a run.
type CallRecord struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	RunID      string    `json:"run_id"`
	ProviderID string    `json:"provider_id"`
	Model      string    `json:"model,omitempty"`
	Mode       string    `json:"mode"`
	Attempt    int       `json:"attempt"`
	Status     string    `json:"status"` // ok | error
	Outcome    string    `json:"outcome"`
	LatencyMs  int64     `json:"latency_ms"`
	TokensIn   int       `json:"tokens_in"`
	TokensOut  int       `json:"tokens_out"`
	CostUSD    float64   `json:"cost_usd"`
	ErrorType  string    `json:"error_type,omitempty"`
}
