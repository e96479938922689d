// Package stats keeps rolling in-memory aggregates of provider calls for
// the observability API. It is fed from the runner's event stream.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/events"
)

// Snapshot is one provider call's footprint.
type Snapshot struct {
	Timestamp  time.Time
	ProviderID string
	Mode       string
	LatencyMs  float64
	CostUSD    float64
	Success    bool
	TokensIn   int
	TokensOut  int
}

// Window is a named aggregation horizon.
type Window struct {
	Name     string
	Duration time.Duration
}

// DefaultWindows returns the standard rolling windows.
func DefaultWindows() []Window {
	return []Window{
		{Name: "1m", Duration: time.Minute},
		{Name: "5m", Duration: 5 * time.Minute},
		{Name: "1h", Duration: time.Hour},
		{Name: "24h", Duration: 24 * time.Hour},
	}
}

// Aggregate holds computed stats for one window.
type Aggregate struct {
	Window       string  `json:"window"`
	ProviderID   string  `json:"provider_id,omitempty"`
	Mode         string  `json:"mode,omitempty"`
	CallCount    int     `json:"call_count"`
	ErrorCount   int     `json:"error_count"`
	ErrorRate    float64 `json:"error_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	TokensIn     int     `json:"tokens_in"`
	TokensOut    int     `json:"tokens_out"`
	TotalTokens  int     `json:"total_tokens"`
}

// Collector maintains rolling snapshots. It implements events.Logger so the
// runner can feed it directly.
type Collector struct {
	mu        sync.RWMutex
	snapshots []Snapshot
	maxAge    time.Duration
	windows   []Window
}

// NewCollector creates a collector with the default windows.
func NewCollector() *Collector {
	return &Collector{
		windows: DefaultWindows(),
		// Slightly more than the largest window.
		maxAge: 25 * time.Hour,
	}
}

// Emit consumes provider_call events; everything else is ignored.
func (c *Collector) Emit(r events.Record) {
	call, ok := r.(*events.ProviderCall)
	if !ok {
		return
	}
	c.Record(Snapshot{
		ProviderID: call.Provider,
		Mode:       call.Mode,
		LatencyMs:  float64(call.LatencyMs),
		CostUSD:    call.CostEstimate,
		Success:    call.Status == "ok",
		TokensIn:   call.TokensIn,
		TokensOut:  call.TokensOut,
	})
}

// Record adds one snapshot.
func (c *Collector) Record(s Snapshot) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	c.mu.Lock()
	c.snapshots = append(c.snapshots, s)
	c.mu.Unlock()
}

// Seed bulk-loads historical snapshots (from the run store on startup).
func (c *Collector) Seed(snapshots []Snapshot) {
	c.mu.Lock()
	c.snapshots = append(c.snapshots, snapshots...)
	c.mu.Unlock()
}

func (c *Collector) pruneLocked(cutoff time.Time) {
	i := 0
	for i < len(c.snapshots) && c.snapshots[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.snapshots = c.snapshots[i:]
	}
}

// snapshotsAfterPrune prunes under the write lock and returns a copy, so a
// separate Prune/read pair never races.
func (c *Collector) snapshotsAfterPrune() []Snapshot {
	cutoff := time.Now().Add(-c.maxAge)
	c.mu.Lock()
	c.pruneLocked(cutoff)
	cp := make([]Snapshot, len(c.snapshots))
	copy(cp, c.snapshots)
	c.mu.Unlock()
	return cp
}

// ByProvider returns per-window aggregates grouped by provider.
func (c *Collector) ByProvider() map[string][]Aggregate {
	snapshots := c.snapshotsAfterPrune()
	now := time.Now()
	result := make(map[string][]Aggregate)
	for _, w := range c.windows {
		cutoff := now.Add(-w.Duration)
		groups := make(map[string][]Snapshot)
		for _, s := range snapshots {
			if s.Timestamp.After(cutoff) {
				groups[s.ProviderID] = append(groups[s.ProviderID], s)
			}
		}
		for providerID, snaps := range groups {
			result[w.Name] = append(result[w.Name], computeAggregate(w.Name, providerID, "", snaps))
		}
	}
	return result
}

// ByMode returns per-window aggregates grouped by dispatch mode.
func (c *Collector) ByMode() map[string][]Aggregate {
	snapshots := c.snapshotsAfterPrune()
	now := time.Now()
	result := make(map[string][]Aggregate)
	for _, w := range c.windows {
		cutoff := now.Add(-w.Duration)
		groups := make(map[string][]Snapshot)
		for _, s := range snapshots {
			if s.Timestamp.After(cutoff) {
				groups[s.Mode] = append(groups[s.Mode], s)
			}
		}
		for mode, snaps := range groups {
			result[w.Name] = append(result[w.Name], computeAggregate(w.Name, "", mode, snaps))
		}
	}
	return result
}

// Global returns aggregates across all providers and modes.
func (c *Collector) Global() []Aggregate {
	snapshots := c.snapshotsAfterPrune()
	now := time.Now()
	var result []Aggregate
	for _, w := range c.windows {
		cutoff := now.Add(-w.Duration)
		var snaps []Snapshot
		for _, s := range snapshots {
			if s.Timestamp.After(cutoff) {
				snaps = append(snaps, s)
			}
		}
		if len(snaps) > 0 {
			result = append(result, computeAggregate(w.Name, "", "", snaps))
		}
	}
	return result
}

// SnapshotCount returns the number of stored snapshots.
func (c *Collector) SnapshotCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshots)
}

func computeAggregate(window, providerID, mode string, snaps []Snapshot) Aggregate {
	a := Aggregate{
		Window:     window,
		ProviderID: providerID,
		Mode:       mode,
		CallCount:  len(snaps),
	}

	var totalLatency float64
	latencies := make([]float64, 0, len(snaps))
	for _, s := range snaps {
		totalLatency += s.LatencyMs
		latencies = append(latencies, s.LatencyMs)
		a.TotalCostUSD += s.CostUSD
		a.TokensIn += s.TokensIn
		a.TokensOut += s.TokensOut
		if !s.Success {
			a.ErrorCount++
		}
	}
	a.TotalTokens = a.TokensIn + a.TokensOut
	if a.CallCount > 0 {
		a.AvgLatencyMs = totalLatency / float64(a.CallCount)
		a.ErrorRate = float64(a.ErrorCount) / float64(a.CallCount)
	}

	sort.Float64s(latencies)
	if len(latencies) > 0 {
		idx := int(float64(len(latencies)) * 0.95)
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		a.P95LatencyMs = latencies[idx]
	}
	return a
}
