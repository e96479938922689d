package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type memStore struct {
	mu    sync.Mutex
	spend map[string]float64
}

func (s *memStore) key(p, d string) string { return p + "/" + d }

func (s *memStore) DailySpend(_ context.Context, providerID, day string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spend[s.key(providerID, day)], nil
}

func (s *memStore) AddSpend(_ context.Context, providerID, day string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spend == nil {
		s.spend = map[string]float64{}
	}
	s.spend[s.key(providerID, day)] += amount
	return nil
}

func TestNilManagerIsNoOp(t *testing.T) {
	var m *Manager
	if err := m.Record(context.Background(), "p", 100); err != nil {
		t.Fatalf("nil manager: %v", err)
	}
}

func TestPerRunCeiling(t *testing.T) {
	m := New(Limits{PerRunUSD: 0.10}, nil)
	ctx := context.Background()

	if err := m.Record(ctx, "openai", 0.06); err != nil {
		t.Fatalf("first record: %v", err)
	}
	err := m.Record(ctx, "openai", 0.06)
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("err = %v, want ExceededError", err)
	}
	if exceeded.Scope != "run" || exceeded.Provider != "openai" {
		t.Fatalf("exceeded = %+v", exceeded)
	}
	if m.RunSpend("openai") != 0.12 {
		t.Fatalf("run spend = %v (spend is recorded even on breach)", m.RunSpend("openai"))
	}
}

func TestAllowOverrunSuppressesError(t *testing.T) {
	m := New(Limits{PerRunUSD: 0.01, AllowOverrun: true}, nil)
	if err := m.Record(context.Background(), "p", 5.0); err != nil {
		t.Fatalf("overrun allowed: %v", err)
	}
}

func TestPerProviderLimitsOverrideDefault(t *testing.T) {
	m := New(Limits{PerRunUSD: 0.01}, map[string]Limits{"premium": {PerRunUSD: 10}})
	ctx := context.Background()
	if err := m.Record(ctx, "premium", 1.0); err != nil {
		t.Fatalf("premium within its own ceiling: %v", err)
	}
	if err := m.Record(ctx, "cheap", 1.0); err == nil {
		t.Fatal("cheap should breach the default ceiling")
	}
}

func TestPerDayCeilingWithStore(t *testing.T) {
	store := &memStore{}
	m := New(Limits{PerDayUSD: 1.00}, nil, WithStore(store))
	ctx := context.Background()

	if err := m.Record(ctx, "p", 0.40); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := m.Record(ctx, "p", 0.40); err != nil {
		t.Fatalf("second: %v", err)
	}
	err := m.Record(ctx, "p", 0.40)
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("err = %v, want ExceededError", err)
	}
	if exceeded.Scope != "day" {
		t.Fatalf("scope = %s, want day", exceeded.Scope)
	}
}
