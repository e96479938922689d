package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelmux/modelmux/internal/events"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := RunRecord{
		RunID:          "abc123",
		Fingerprint:    "abc123",
		Mode:           "sequential",
		Status:         "ok",
		WinnerProvider: "openai",
		Attempts:       2,
		LatencyMs:      340,
		TokensIn:       12,
		TokensOut:      80,
		CostUSD:        0.004,
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetRun(ctx, "abc123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.WinnerProvider != "openai" || got.Attempts != 2 {
		t.Fatalf("got = %+v", got)
	}

	// Upsert replaces the terminal state.
	run.Status = "error"
	run.StopReason = "guard_violation"
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _ = s.GetRun(ctx, "abc123")
	if got.Status != "error" || got.StopReason != "guard_violation" {
		t.Fatalf("after upsert = %+v", got)
	}

	runs, err := s.ListRuns(ctx, 10, 0)
	if err != nil || len(runs) != 1 {
		t.Fatalf("list = %v, %v", runs, err)
	}
}

func TestGetRunMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetRun(context.Background(), "nope")
	if err != nil || got != nil {
		t.Fatalf("got = %v, err = %v", got, err)
	}
}

func TestCallsByRunAndSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := CallRecord{Timestamp: time.Now().Add(-2 * time.Hour), RunID: "r1", ProviderID: "a", Status: "ok"}
	fresh := CallRecord{RunID: "r1", ProviderID: "b", Status: "error", ErrorType: "timeout", Attempt: 2}
	other := CallRecord{RunID: "r2", ProviderID: "a", Status: "ok"}
	for _, c := range []CallRecord{old, fresh, other} {
		if err := s.SaveCall(ctx, c); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	calls, err := s.ListCalls(ctx, "r1")
	if err != nil || len(calls) != 2 {
		t.Fatalf("ListCalls = %v, %v", calls, err)
	}
	if calls[1].ErrorType != "timeout" || calls[1].Attempt != 2 {
		t.Fatalf("call = %+v", calls[1])
	}

	recent, err := s.ListCallsSince(ctx, time.Now().Add(-time.Hour))
	if err != nil || len(recent) != 2 {
		t.Fatalf("ListCallsSince = %v, %v", recent, err)
	}
}

func TestDailySpendAccumulates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := "2026-08-24"

	if got, err := s.DailySpend(ctx, "openai", day); err != nil || got != 0 {
		t.Fatalf("empty spend = %v, %v", got, err)
	}
	if err := s.AddSpend(ctx, "openai", day, 0.25); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddSpend(ctx, "openai", day, 0.50); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddSpend(ctx, "openai", "2026-08-25", 9.0); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, err := s.DailySpend(ctx, "openai", day)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != 0.75 {
		t.Fatalf("spend = %v, want 0.75", got)
	}
}

func TestVaultBlobRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	salt, data, err := s.LoadVaultBlob(ctx)
	if err != nil || salt != nil || data != nil {
		t.Fatalf("empty vault = %v %v %v", salt, data, err)
	}

	want := map[string]string{"openai": "ciphertext"}
	if err := s.SaveVaultBlob(ctx, []byte{1, 2, 3}, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	salt, data, err = s.LoadVaultBlob(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(salt) != 3 || data["openai"] != "ciphertext" {
		t.Fatalf("salt = %v, data = %v", salt, data)
	}
}

func TestSinkPersistsEvents(t *testing.T) {
	s := newTestStore(t)
	sink := NewSink(s, nil)

	call := &events.ProviderCall{
		Provider: "openai", Mode: "sequential", Attempt: 1,
		Status: "ok", Outcome: "success", LatencyMs: 120,
		TokensIn: 10, TokensOut: 30, CostEstimate: 0.002,
	}
	call.Base = events.Base{TsMs: time.Now().UnixMilli(), RequestFingerprint: "fp1"}
	sink.Emit(call)

	metric := &events.RunMetric{
		Provider: "openai", Mode: "sequential", Status: "ok",
		Attempts: 1, LatencyMs: 120, CostUSD: 0.002,
	}
	metric.Base = events.Base{TsMs: time.Now().UnixMilli(), RequestFingerprint: "fp1"}
	sink.Emit(metric)

	ctx := context.Background()
	calls, err := s.ListCalls(ctx, "fp1")
	if err != nil || len(calls) != 1 {
		t.Fatalf("calls = %v, %v", calls, err)
	}
	run, err := s.GetRun(ctx, "fp1")
	if err != nil || run == nil || run.WinnerProvider != "openai" {
		t.Fatalf("run = %+v, %v", run, err)
	}
}
