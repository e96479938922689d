package runner

import (
	"time"

	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/provider"
)

// Invocation is the outcome of one provider attempt. Exactly one of
// Response/Err is set. Shadow carries captured shadow metrics the strategy
// has not emitted yet.
type Invocation struct {
	Provider   provider.Provider
	ProviderID string
	Attempt    int
	Retries    int
	Response   *provider.Response
	Err        *provider.Error
	LatencyMs  int64
	Shadow     *events.ShadowDiff

	// CallLogged marks that the provider_call event for this attempt has
	// been emitted, so deferred paths never double-log.
	CallLogged bool
}

// invoke performs one provider attempt: rate-limiter acquire, optional
// shadow fan-out, classification, and event emission. It never retries.
func (r *Runner) invoke(rc *runContext, p provider.Provider, attempt, retries int, captureShadow bool) *Invocation {
	inv := &Invocation{Provider: p, ProviderID: p.Name(), Attempt: attempt, Retries: retries}

	if err := r.limiter.Acquire(rc.ctx); err != nil {
		inv.Err = provider.Classify(err)
		r.logCall(rc, inv)
		return inv
	}

	started := time.Now()
	var resp *provider.Response
	var err error
	if r.shadow != nil {
		resp, inv.Shadow, err = r.shadow.Invoke(rc.ctx, p, rc.req, rc.fingerprint, captureShadow)
	} else {
		resp, err = p.Invoke(rc.ctx, rc.req)
	}

	if err != nil {
		inv.Err = provider.Classify(err)
		inv.LatencyMs = time.Since(started).Milliseconds()
	} else {
		inv.Response = resp
		inv.LatencyMs = resp.LatencyMs
	}
	r.logCall(rc, inv)
	return inv
}

// logCall emits provider_skipped (when applicable) followed by
// provider_call for one finished attempt.
func (r *Runner) logCall(rc *runContext, inv *Invocation) {
	if inv.CallLogged {
		return
	}
	inv.CallLogged = true

	call := &events.ProviderCall{
		Base:           events.Base{RequestFingerprint: rc.fingerprint},
		Provider:       inv.ProviderID,
		ProviderID:     inv.ProviderID,
		Model:          rc.req.Model,
		Attempt:        inv.Attempt,
		Retries:        inv.Retries,
		TotalProviders: rc.total,
		Mode:           string(r.cfg.Mode),
		Providers:      rc.providerNames,
		TraceID:        rc.req.Metadata["trace_id"],
		ProjectID:      rc.req.Metadata["project_id"],
		ShadowUsed:     r.shadow != nil,
	}
	if inv.Shadow != nil {
		call.ShadowProviderID = inv.Shadow.ShadowProvider
		call.ShadowLatencyMs = inv.Shadow.ShadowLatencyMs
		call.ShadowOutcome = inv.Shadow.ShadowOutcome
	}

	if inv.Err != nil {
		if inv.Err.Kind == provider.KindSkip {
			events.Emit(r.logger, &events.ProviderSkipped{
				Base:           events.Base{RequestFingerprint: rc.fingerprint},
				Provider:       inv.ProviderID,
				Attempt:        inv.Attempt,
				TotalProviders: rc.total,
				Reason:         inv.Err.Reason,
				ErrorMessage:   inv.Err.Error(),
			})
		}
		call.Status = "error"
		call.Outcome = "error"
		if inv.Err.Kind == provider.KindSkip {
			call.Outcome = "skip"
		}
		call.LatencyMs = inv.LatencyMs
		call.ErrorType = string(inv.Err.Kind)
		call.ErrorMessage = inv.Err.Error()
		call.ErrorFamily = inv.Err.Kind.Family()
	} else {
		call.Status = "ok"
		call.Outcome = "success"
		call.LatencyMs = inv.Response.LatencyMs
		call.TokensIn = inv.Response.Usage.Prompt
		call.TokensOut = inv.Response.Usage.Completion
		call.TokenUsage = usageEvent(inv.Response.Usage)
		call.CostEstimate = provider.EstimateCost(inv.Provider, inv.Response.Usage.Prompt, inv.Response.Usage.Completion)
	}
	events.Emit(r.logger, call)
}

func usageEvent(u provider.TokenUsage) events.TokenUsage {
	return events.TokenUsage{Prompt: u.Prompt, Completion: u.Completion, Total: u.Total}
}
