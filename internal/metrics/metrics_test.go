package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/modelmux/modelmux/internal/events"
)

func TestSinkCountsProviderCalls(t *testing.T) {
	reg := New()
	sink := NewSink(reg)

	sink.Emit(&events.ProviderCall{
		Mode: "sequential", Provider: "openai", Status: "ok",
		LatencyMs: 42, TokensIn: 10, TokensOut: 20, CostEstimate: 0.003,
	})
	sink.Emit(&events.ProviderCall{Mode: "sequential", Provider: "openai", Status: "error", LatencyMs: 5})
	sink.Emit(&events.Retry{Provider: "openai", ErrorType: "rate_limit"})
	sink.Emit(&events.ChainFailed{})
	gap := int64(15)
	sink.Emit(&events.ShadowDiff{LatencyGapMs: &gap})
	sink.Emit(&events.ConsensusVote{Strategy: "majority", WinnerProvider: "openai"})

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`modelmux_provider_calls_total{mode="sequential",provider="openai",status="ok"} 1`,
		`modelmux_provider_calls_total{mode="sequential",provider="openai",status="error"} 1`,
		`modelmux_retries_total{error_type="rate_limit",provider="openai"} 1`,
		`modelmux_chain_failures_total 1`,
		`modelmux_tokens_total{direction="in",provider="openai"} 10`,
		`modelmux_consensus_votes_total{strategy="majority",winner="openai"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestErrorCallsDoNotAddCost(t *testing.T) {
	reg := New()
	sink := NewSink(reg)
	sink.Emit(&events.ProviderCall{Mode: "sequential", Provider: "p", Status: "error", CostEstimate: 1.0})

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if strings.Contains(rec.Body.String(), `modelmux_cost_usd_total{provider="p"}`) {
		t.Error("failed calls must not accrue cost")
	}
}
