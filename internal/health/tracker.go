// Package health tracks per-provider availability from the runner's event
// stream and from active endpoint probes. The doctor command and the
// observability API read its state.
package health

import (
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/events"
)

// State is the availability state of a provider.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// Stats captures runtime health metrics for a single provider.
type Stats struct {
	ProviderID    string    `json:"provider_id"`
	State         State     `json:"state"`
	TotalCalls    int64     `json:"total_calls"`
	TotalErrors   int64     `json:"total_errors"`
	ConsecErrors  int       `json:"consec_errors"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// TrackerConfig sets the state transition thresholds.
type TrackerConfig struct {
	// Consecutive errors before a provider is marked degraded.
	ConsecErrorsForDegraded int
	// Consecutive errors before a provider is marked down.
	ConsecErrorsForDown int
	// How long a down provider stays unavailable.
	CooldownDuration time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ConsecErrorsForDegraded: 2,
		ConsecErrorsForDown:     5,
		CooldownDuration:        30 * time.Second,
	}
}

// Tracker maintains health state for all providers seen on the event stream.
// It implements events.Logger so it can sit in the runner's composite.
type Tracker struct {
	cfg      TrackerConfig
	onChange func(providerID string, from, to State, reason string)
	now      func() time.Time

	mu    sync.RWMutex
	stats map[string]*Stats
}

// TrackerOption configures optional Tracker behaviour.
type TrackerOption func(*Tracker)

// WithOnChange registers a callback invoked on every state transition.
func WithOnChange(fn func(providerID string, from, to State, reason string)) TrackerOption {
	return func(t *Tracker) {
		t.onChange = fn
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a health tracker.
func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		cfg:   cfg,
		now:   time.Now,
		stats: make(map[string]*Stats),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Emit consumes provider_call records; skipped calls and other record types
// do not affect health state.
func (t *Tracker) Emit(r events.Record) {
	call, ok := r.(*events.ProviderCall)
	if !ok {
		return
	}
	switch call.Status {
	case "ok":
		t.RecordSuccess(call.Provider, float64(call.LatencyMs))
	case "error":
		t.RecordError(call.Provider, call.ErrorMessage)
	}
}

// RecordSuccess records a successful call and resets the error streak.
func (t *Tracker) RecordSuccess(providerID string, latencyMs float64) {
	t.mu.Lock()

	s := t.getOrCreate(providerID)
	from := s.State

	s.TotalCalls++
	s.ConsecErrors = 0
	s.LastSuccessAt = t.now()
	s.State = StateHealthy
	s.CooldownUntil = time.Time{}

	// Exponentially weighted running average.
	if s.TotalCalls == 1 {
		s.AvgLatencyMs = latencyMs
	} else {
		s.AvgLatencyMs = s.AvgLatencyMs*0.9 + latencyMs*0.1
	}

	to := s.State
	t.mu.Unlock()

	if from != to && t.onChange != nil {
		t.onChange(providerID, from, to, "success recorded")
	}
}

// RecordError records a failed call and advances the state machine.
func (t *Tracker) RecordError(providerID string, errMsg string) {
	t.mu.Lock()

	s := t.getOrCreate(providerID)
	from := s.State

	s.TotalCalls++
	s.TotalErrors++
	s.ConsecErrors++
	s.LastError = errMsg
	s.LastErrorTime = t.now()

	if s.ConsecErrors >= t.cfg.ConsecErrorsForDown {
		s.State = StateDown
		s.CooldownUntil = t.now().Add(t.cfg.CooldownDuration)
	} else if s.ConsecErrors >= t.cfg.ConsecErrorsForDegraded {
		s.State = StateDegraded
	}

	to := s.State
	t.mu.Unlock()

	if from != to && t.onChange != nil {
		t.onChange(providerID, from, to, errMsg)
	}
}

// IsAvailable reports whether a provider should receive traffic. Unknown
// providers are assumed available.
func (t *Tracker) IsAvailable(providerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[providerID]
	if !ok {
		return true
	}
	if s.State == StateDown && t.now().Before(s.CooldownUntil) {
		return false
	}
	return true
}

// GetStats returns a copy of the health stats for a provider.
func (t *Tracker) GetStats(providerID string) *Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[providerID]
	if !ok {
		return &Stats{ProviderID: providerID, State: StateHealthy}
	}
	cp := *s
	return &cp
}

// AllStats returns a copy of health stats for every known provider.
func (t *Tracker) AllStats() []Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Stats, 0, len(t.stats))
	for _, s := range t.stats {
		result = append(result, *s)
	}
	return result
}

// ErrorRate returns the lifetime error rate for a provider.
func (t *Tracker) ErrorRate(providerID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[providerID]; ok && s.TotalCalls > 0 {
		return float64(s.TotalErrors) / float64(s.TotalCalls)
	}
	return 0
}

func (t *Tracker) getOrCreate(providerID string) *Stats {
	s, ok := t.stats[providerID]
	if !ok {
		s = &Stats{ProviderID: providerID, State: StateHealthy}
		t.stats[providerID] = s
	}
	return s
}
