package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelmux/modelmux/internal/events"
)

// Sink persists the event stream: provider_call records become call rows and
// run_metric records upsert the run row keyed by request fingerprint. It
// implements events.Logger so it can sit in the runner's composite.
type Sink struct {
	store  Store
	logger *slog.Logger
}

// NewSink wraps a store as an event sink.
func NewSink(s Store, logger *slog.Logger) *Sink {
	return &Sink{store: s, logger: logger}
}

func (s *Sink) Emit(r events.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch e := r.(type) {
	case *events.ProviderCall:
		err := s.store.SaveCall(ctx, CallRecord{
			Timestamp:  time.UnixMilli(e.TsMs).UTC(),
			RunID:      e.RequestFingerprint,
			ProviderID: e.Provider,
			Model:      e.Model,
			Mode:       e.Mode,
			Attempt:    e.Attempt,
			Status:     e.Status,
			Outcome:    e.Outcome,
			LatencyMs:  e.LatencyMs,
			TokensIn:   e.TokensIn,
			TokensOut:  e.TokensOut,
			CostUSD:    e.CostEstimate,
			ErrorType:  e.ErrorType,
		})
		if err != nil && s.logger != nil {
			s.logger.Warn("persist call failed", slog.String("error", err.Error()))
		}
	case *events.RunMetric:
		err := s.store.SaveRun(ctx, RunRecord{
			RunID:          e.RequestFingerprint,
			Timestamp:      time.UnixMilli(e.TsMs).UTC(),
			Fingerprint:    e.RequestFingerprint,
			Mode:           e.Mode,
			Status:         e.Status,
			WinnerProvider: e.Provider,
			Attempts:       e.Attempts,
			LatencyMs:      e.LatencyMs,
			TokensIn:       e.TokensIn,
			TokensOut:      e.TokensOut,
			CostUSD:        e.CostUSD,
			ErrorType:      e.ErrorType,
			StopReason:     e.StopReason,
		})
		if err != nil && s.logger != nil {
			s.logger.Warn("persist run failed", slog.String("error", err.Error()))
		}
	}
}

// SeedSnapshots loads recent call history for warming the in-memory stats
// collector on startup.
func SeedSnapshots(ctx context.Context, s Store, since time.Time) ([]CallRecord, error) {
	return s.ListCallsSince(ctx, since)
}
