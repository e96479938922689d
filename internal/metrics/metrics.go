// Package metrics exposes Prometheus counters for runs and provider calls,
// plus an event sink that feeds them from the runner's event stream.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelmux/modelmux/internal/events"
)

type Registry struct {
	reg *prometheus.Registry

	ProviderCalls   *prometheus.CounterVec
	CallLatency     *prometheus.HistogramVec
	Retries         *prometheus.CounterVec
	ChainFailures   prometheus.Counter
	CostUSD         *prometheus.CounterVec
	TokensTotal     *prometheus.CounterVec
	RateLimitWaits  prometheus.Counter
	ConsensusVotes  *prometheus.CounterVec
	ShadowDivergeMs prometheus.Histogram
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_provider_calls_total",
			Help: "Provider attempts by mode, provider, and status",
		}, []string{"mode", "provider", "status"}),
		CallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelmux_call_latency_ms",
			Help:    "Provider call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"mode", "provider"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_retries_total",
			Help: "Scheduled re-attempts by provider and error type",
		}, []string{"provider", "error_type"}),
		ChainFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelmux_chain_failures_total",
			Help: "Runs where every provider in the chain failed",
		}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_cost_usd_total",
			Help: "Estimated USD spend by provider",
		}, []string{"provider"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_tokens_total",
			Help: "Token usage by provider and direction",
		}, []string{"provider", "direction"}),
		RateLimitWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelmux_rate_limit_waits_total",
			Help: "Acquisitions that had to wait on the token bucket",
		}),
		ConsensusVotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_consensus_votes_total",
			Help: "Consensus evaluations by strategy and winning provider",
		}, []string{"strategy", "winner"}),
		ShadowDivergeMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "modelmux_shadow_latency_gap_ms",
			Help:    "Latency gap between shadow and primary (shadow - primary)",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12),
		}),
	}
	reg.MustRegister(
		m.ProviderCalls, m.CallLatency, m.Retries, m.ChainFailures,
		m.CostUSD, m.TokensTotal, m.RateLimitWaits, m.ConsensusVotes,
		m.ShadowDivergeMs,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Sink adapts the registry to events.Logger so it can sit in the runner's
// composite next to the JSONL file.
type Sink struct {
	reg *Registry
}

// NewSink wraps a Registry as an event sink.
func NewSink(reg *Registry) *Sink { return &Sink{reg: reg} }

func (s *Sink) Emit(r events.Record) {
	switch e := r.(type) {
	case *events.ProviderCall:
		s.reg.ProviderCalls.WithLabelValues(e.Mode, e.Provider, e.Status).Inc()
		s.reg.CallLatency.WithLabelValues(e.Mode, e.Provider).Observe(float64(e.LatencyMs))
		if e.Status == "ok" {
			s.reg.CostUSD.WithLabelValues(e.Provider).Add(e.CostEstimate)
			s.reg.TokensTotal.WithLabelValues(e.Provider, "in").Add(float64(e.TokensIn))
			s.reg.TokensTotal.WithLabelValues(e.Provider, "out").Add(float64(e.TokensOut))
		}
	case *events.Retry:
		s.reg.Retries.WithLabelValues(e.Provider, e.ErrorType).Inc()
	case *events.ChainFailed:
		s.reg.ChainFailures.Inc()
	case *events.ConsensusVote:
		s.reg.ConsensusVotes.WithLabelValues(e.Strategy, e.WinnerProvider).Inc()
	case *events.ShadowDiff:
		if e.LatencyGapMs != nil {
			s.reg.ShadowDivergeMs.Observe(float64(*e.LatencyGapMs))
		}
	}
}
