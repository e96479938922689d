package stats

import (
	"testing"
	"time"

	"github.com/modelmux/modelmux/internal/events"
)

func TestEmitRecordsProviderCalls(t *testing.T) {
	c := NewCollector()
	c.Emit(&events.ProviderCall{Provider: "openai", Mode: "sequential", Status: "ok", LatencyMs: 100, TokensIn: 5, TokensOut: 7, CostEstimate: 0.01})
	c.Emit(&events.ProviderCall{Provider: "openai", Mode: "sequential", Status: "error", LatencyMs: 20})
	c.Emit(&events.RunMetric{Status: "ok"}) // ignored

	if c.SnapshotCount() != 2 {
		t.Fatalf("snapshots = %d, want 2", c.SnapshotCount())
	}

	byProvider := c.ByProvider()
	aggs := byProvider["1m"]
	if len(aggs) != 1 {
		t.Fatalf("1m aggregates = %+v", aggs)
	}
	a := aggs[0]
	if a.ProviderID != "openai" || a.CallCount != 2 || a.ErrorCount != 1 {
		t.Fatalf("aggregate = %+v", a)
	}
	if a.ErrorRate != 0.5 {
		t.Fatalf("error rate = %v", a.ErrorRate)
	}
	if a.AvgLatencyMs != 60 {
		t.Fatalf("avg latency = %v", a.AvgLatencyMs)
	}
	if a.TotalTokens != 12 {
		t.Fatalf("total tokens = %d", a.TotalTokens)
	}
}

func TestByModeGroups(t *testing.T) {
	c := NewCollector()
	c.Record(Snapshot{Mode: "consensus", LatencyMs: 10, Success: true})
	c.Record(Snapshot{Mode: "parallel_any", LatencyMs: 30, Success: true})

	byMode := c.ByMode()
	if len(byMode["1h"]) != 2 {
		t.Fatalf("1h groups = %+v", byMode["1h"])
	}
}

func TestOldSnapshotsArePruned(t *testing.T) {
	c := NewCollector()
	c.Seed([]Snapshot{{Timestamp: time.Now().Add(-48 * time.Hour), ProviderID: "stale"}})
	c.Record(Snapshot{ProviderID: "fresh", Success: true})

	global := c.Global()
	for _, a := range global {
		if a.Window == "24h" && a.CallCount != 1 {
			t.Fatalf("24h window should only see the fresh snapshot: %+v", a)
		}
	}
	if c.SnapshotCount() != 1 {
		t.Fatalf("stale snapshot not pruned, count = %d", c.SnapshotCount())
	}
}

func TestP95Latency(t *testing.T) {
	c := NewCollector()
	for i := 1; i <= 100; i++ {
		c.Record(Snapshot{ProviderID: "p", LatencyMs: float64(i), Success: true})
	}
	aggs := c.ByProvider()["24h"]
	if len(aggs) != 1 {
		t.Fatalf("aggregates = %+v", aggs)
	}
	if p95 := aggs[0].P95LatencyMs; p95 < 95 || p95 > 97 {
		t.Fatalf("p95 = %v", p95)
	}
}
