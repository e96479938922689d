// Package budget enforces per-run and per-day spending ceilings on provider
// usage. A short-lived cache keeps daily-spend lookups off the persistence
// hot path.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const spendCacheTTL = 30 * time.Second

// ExceededError reports a breached spending ceiling.
type ExceededError struct {
	Provider string
	Scope    string // run | day
	LimitUSD float64
	SpentUSD float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s budget exceeded for %s: limit=$%.4f, spent=$%.4f", e.Scope, e.Provider, e.LimitUSD, e.SpentUSD)
}

// Limits configures the ceilings for one provider or the whole run.
type Limits struct {
	PerRunUSD    float64 `yaml:"per_run_usd" json:"per_run_usd"`
	PerDayUSD    float64 `yaml:"per_day_usd" json:"per_day_usd"`
	AllowOverrun bool    `yaml:"allow_overrun" json:"allow_overrun"`
}

// SpendStore persists daily spend so ceilings survive process restarts.
// Implementations must be safe for concurrent use.
type SpendStore interface {
	DailySpend(ctx context.Context, providerID string, day string) (float64, error)
	AddSpend(ctx context.Context, providerID string, day string, amountUSD float64) error
}

type cachedSpend struct {
	amount    float64
	expiresAt time.Time
}

// Manager tracks spend per provider within a run and per calendar day.
// A nil *Manager disables all accounting.
type Manager struct {
	limits  map[string]Limits
	def     Limits
	store   SpendStore
	nowFunc func() time.Time

	mu       sync.Mutex
	runSpend map[string]float64
	cache    map[string]cachedSpend
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore attaches a persistent daily-spend backend.
func WithStore(s SpendStore) Option {
	return func(m *Manager) { m.store = s }
}

// WithClock injects the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.nowFunc = now }
}

// New creates a Manager. def applies to providers without an explicit entry
// in limits.
func New(def Limits, limits map[string]Limits, opts ...Option) *Manager {
	m := &Manager{
		limits:   limits,
		def:      def,
		nowFunc:  time.Now,
		runSpend: make(map[string]float64),
		cache:    make(map[string]cachedSpend),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) limitsFor(providerID string) Limits {
	if l, ok := m.limits[providerID]; ok {
		return l
	}
	return m.def
}

// Record accounts costUSD against providerID and returns an *ExceededError
// when a ceiling is breached and overrun is not allowed. The spend is
// recorded either way so subsequent checks see it.
func (m *Manager) Record(ctx context.Context, providerID string, costUSD float64) error {
	if m == nil || costUSD <= 0 {
		return nil
	}
	l := m.limitsFor(providerID)
	day := m.nowFunc().UTC().Format("2006-01-02")

	m.mu.Lock()
	m.runSpend[providerID] += costUSD
	run := m.runSpend[providerID]
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.AddSpend(ctx, providerID, day, costUSD); err != nil {
			return fmt.Errorf("record spend: %w", err)
		}
		m.invalidate(providerID)
	}
	if l.AllowOverrun {
		return nil
	}

	if l.PerRunUSD > 0 && run > l.PerRunUSD {
		return &ExceededError{Provider: providerID, Scope: "run", LimitUSD: l.PerRunUSD, SpentUSD: run}
	}
	if l.PerDayUSD > 0 {
		daily, err := m.dailySpend(ctx, providerID, day)
		if err != nil {
			return fmt.Errorf("budget check: %w", err)
		}
		if daily > l.PerDayUSD {
			return &ExceededError{Provider: providerID, Scope: "day", LimitUSD: l.PerDayUSD, SpentUSD: daily}
		}
	}
	return nil
}

// RunSpend returns the amount spent on providerID during this run.
func (m *Manager) RunSpend(providerID string) float64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runSpend[providerID]
}

func (m *Manager) dailySpend(ctx context.Context, providerID, day string) (float64, error) {
	key := providerID + "/" + day
	m.mu.Lock()
	if c, ok := m.cache[key]; ok && m.nowFunc().Before(c.expiresAt) {
		m.mu.Unlock()
		return c.amount, nil
	}
	m.mu.Unlock()

	// Without a store the run spend is all there is; skip the cache so the
	// figure tracks the run as it grows.
	if m.store == nil {
		return m.RunSpend(providerID), nil
	}

	amount, err := m.store.DailySpend(ctx, providerID, day)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.cache[key] = cachedSpend{amount: amount, expiresAt: m.nowFunc().Add(spendCacheTTL)}
	m.mu.Unlock()
	return amount, nil
}

func (m *Manager) invalidate(providerID string) {
	m.mu.Lock()
	for k := range m.cache {
		if len(k) > len(providerID) && k[:len(providerID)] == providerID && k[len(providerID)] == '/' {
			delete(m.cache, k)
		}
	}
	m.mu.Unlock()
}
