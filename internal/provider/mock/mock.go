// Package mock implements a scriptable in-process provider used by tests
// and by `modelmux doctor`. Each invocation can be given a fixed reply, an
// artificial delay, and a per-attempt error script.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/provider"
)

// Provider is a deterministic provider.Provider implementation. The reply
// text is "<prefix>: <prompt>" unless Text is set.
type Provider struct {
	name   string
	prefix string

	// Text, when non-empty, is returned verbatim instead of the echo reply.
	Text string
	// Delay is slept (context-aware) before answering.
	Delay time.Duration
	// Errs is consumed one entry per invocation; a nil entry means success.
	Errs []error
	// Raw is attached to every response (e.g. {"score": 0.9}).
	Raw map[string]any
	// CostPerCall, when > 0, makes the provider a CostEstimator returning a
	// flat cost regardless of token counts.
	CostPerCall float64
	// LatencyMs overrides the reported response latency (defaults to the
	// observed elapsed time).
	LatencyMs int64

	mu    sync.Mutex
	calls int
}

// New creates a mock provider that echoes prompts as "<name>: <prompt>".
func New(name string) *Provider {
	return &Provider{name: name, prefix: name}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Capabilities() []string { return []string{"chat", "completion"} }

// Calls returns how many times Invoke has been called.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *Provider) Invoke(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	var scripted error
	if n <= len(p.Errs) {
		scripted = p.Errs[n-1]
	}
	p.mu.Unlock()

	start := time.Now()
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if scripted != nil {
		return nil, scripted
	}

	text := p.Text
	if text == "" {
		text = fmt.Sprintf("%s: %s", p.prefix, req.Prompt)
	}
	latency := p.LatencyMs
	if latency == 0 {
		latency = time.Since(start).Milliseconds()
	}
	return &provider.Response{
		Text:         text,
		LatencyMs:    latency,
		Usage:        provider.NewTokenUsage(len(req.Prompt)/4, len(text)/4),
		Model:        req.Model,
		FinishReason: "stop",
		Raw:          p.Raw,
	}, nil
}

// EstimateCost implements provider.CostEstimator when CostPerCall is set.
func (p *Provider) EstimateCost(tokensIn, tokensOut int) float64 {
	return p.CostPerCall
}
