package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/health"
	"github.com/modelmux/modelmux/internal/provider"
)

// Activities holds dependencies for the dispatch activity implementations.
type Activities struct {
	Providers map[string]provider.Provider
	Logger    events.Logger
	Health    *health.Tracker
}

// CallProvider invokes a single provider adapter once. Retry and failover
// decisions belong to the workflow, so the activity reports raw outcomes.
func (a *Activities) CallProvider(ctx context.Context, input CallInput) (CallOutput, error) {
	p, ok := a.Providers[input.Provider]
	if !ok {
		return CallOutput{}, fmt.Errorf("no adapter for provider %q", input.Provider)
	}

	activity.RecordHeartbeat(ctx, "calling")
	start := time.Now()
	resp, err := p.Invoke(ctx, &input.Request)
	latencyMs := time.Since(start).Milliseconds()

	if err != nil {
		if a.Health != nil {
			a.Health.RecordError(input.Provider, err.Error())
		}
		return CallOutput{LatencyMs: latencyMs}, err
	}

	if a.Health != nil {
		a.Health.RecordSuccess(input.Provider, float64(resp.LatencyMs))
	}

	out := CallOutput{
		Text:      resp.Text,
		Model:     resp.Model,
		LatencyMs: resp.LatencyMs,
		TokensIn:  resp.Usage.Prompt,
		TokensOut: resp.Usage.Completion,
	}
	out.CostUSD = provider.EstimateCost(p, resp.Usage.Prompt, resp.Usage.Completion)
	return out, nil
}

// ClassifyFailure maps an activity error message to the taxonomy. The
// workflow branches on the verdict instead of string matching.
func (a *Activities) ClassifyFailure(ctx context.Context, input ClassifyInput) (ClassifyOutput, error) {
	classified := provider.Classify(errors.New(input.ErrorMsg))
	out := ClassifyOutput{
		Kind:   string(classified.Kind),
		Family: classified.Kind.Family(),
	}
	switch classified.Kind {
	case provider.KindTimeout, provider.KindRetryable:
		out.Retryable = true
		out.NextProvider = true
	case provider.KindRateLimit:
		out.Retryable = true
		out.NextProvider = true
		out.RetryAfterMs = classified.RetryAfter.Milliseconds()
	case provider.KindSkip:
		out.NextProvider = true
	}
	return out, nil
}

// RecordOutcome emits the attempt onto the event stream.
func (a *Activities) RecordOutcome(ctx context.Context, input OutcomeInput) error {
	if a.Logger == nil {
		return nil
	}
	status, outcome := "ok", "success"
	if !input.Success {
		status, outcome = "error", "error"
	}
	rec := &events.ProviderCall{
		Provider:     input.Provider,
		ProviderID:   input.Provider,
		Attempt:      input.Attempt,
		Status:       status,
		Outcome:      outcome,
		LatencyMs:    input.LatencyMs,
		TokensIn:     input.TokensIn,
		TokensOut:    input.TokensOut,
		TokenUsage:   events.TokenUsage{Prompt: input.TokensIn, Completion: input.TokensOut, Total: input.TokensIn + input.TokensOut},
		CostEstimate: input.CostUSD,
		ErrorType:    input.ErrorKind,
		ErrorMessage: input.ErrorMsg,
		Mode:         "durable",
	}
	rec.RequestFingerprint = input.RunID
	events.Emit(a.Logger, rec)
	return nil
}
