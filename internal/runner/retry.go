package runner

import (
	"context"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/provider"
)

// attemptCap enforces the run-wide attempt ceiling across providers and
// retries. max <= 0 means unlimited.
type attemptCap struct {
	mu   sync.Mutex
	used int
	max  int
}

func newAttemptCap(max int) *attemptCap {
	return &attemptCap{max: max}
}

// take consumes one attempt slot; false means the cap is exhausted and no
// new attempt may start.
func (c *attemptCap) take() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.max > 0 && c.used >= c.max {
		return false
	}
	c.used++
	return true
}

func (c *attemptCap) usedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// runContext is the per-run state shared by the strategies.
type runContext struct {
	ctx           context.Context
	req           *provider.Request
	fingerprint   string
	providers     []provider.Provider
	providerNames []string
	total         int
	cap           *attemptCap
}

// runWithRetries drives the per-provider attempt loop around invoke. The
// second return value tells the strategy whether to advance to the next
// provider after a failure.
func (r *Runner) runWithRetries(rc *runContext, p provider.Provider, attempt int, captureShadow bool) (*Invocation, bool) {
	maxAttempts := r.cfg.Retries.Max
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	maxAttempts++

	var inv *Invocation
	var pending *events.Retry
	for try := 0; try < maxAttempts; try++ {
		if !rc.cap.take() {
			if inv == nil {
				inv = &Invocation{
					Provider:   p,
					ProviderID: p.Name(),
					Attempt:    attempt,
					Err:        &provider.Error{Kind: provider.KindSkip, Reason: "run attempt limit reached"},
				}
			}
			return inv, false
		}
		// A scheduled retry is only recorded once it actually starts.
		if pending != nil {
			events.Emit(r.logger, pending)
			pending = nil
		}

		inv = r.invoke(rc, p, attempt, try, captureShadow)
		if inv.Err == nil {
			return inv, false
		}

		switch inv.Err.Kind {
		case provider.KindSkip:
			return inv, true

		case provider.KindRateLimit:
			if try+1 >= maxAttempts {
				return inv, true
			}
			delay := r.cfg.Backoff.RateLimitSleep
			if delay <= 0 && inv.Err.RetryAfter > 0 {
				delay = inv.Err.RetryAfter
			}
			if err := r.sleep(rc.ctx, delay); err != nil {
				return inv, false
			}
			pending = r.retryEvent(rc, p, attempt, try+1, inv.Err, delay)

		case provider.KindTimeout:
			return inv, r.cfg.Backoff.TimeoutNextProvider

		case provider.KindRetryable:
			if try+1 >= maxAttempts {
				return inv, r.cfg.Backoff.RetryableNextProvider
			}
			delay := r.cfg.Retries.Backoff
			if err := r.sleep(rc.ctx, delay); err != nil {
				return inv, false
			}
			pending = r.retryEvent(rc, p, attempt, try+1, inv.Err, delay)

		case provider.KindAuth, provider.KindConfig:
			events.Emit(r.logger, &events.ProviderFallback{
				Base:         events.Base{RequestFingerprint: rc.fingerprint},
				Provider:     inv.ProviderID,
				Attempt:      attempt,
				ErrorType:    string(inv.Err.Kind),
				ErrorMessage: inv.Err.Error(),
			})
			return inv, true

		case provider.KindCancelled:
			return inv, false

		default: // fatal: abort the run
			return inv, false
		}
	}
	return inv, false
}

func (r *Runner) retryEvent(rc *runContext, p provider.Provider, attempt, retryAttempt int, perr *provider.Error, delay time.Duration) *events.Retry {
	return &events.Retry{
		Base:         events.Base{RequestFingerprint: rc.fingerprint},
		Provider:     p.Name(),
		Attempt:      attempt,
		RetryAttempt: retryAttempt,
		NextAttempt:  attempt,
		ErrorType:    string(perr.Kind),
		DelaySeconds: delay.Seconds(),
	}
}
