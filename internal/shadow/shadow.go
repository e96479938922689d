// Package shadow runs a secondary provider concurrently with the primary
// and produces a diff record comparing the two. The shadow result never
// affects the primary outcome.
package shadow

import (
	"context"
	"time"

	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/provider"
)

// DefaultJoinTimeout bounds how long we wait for the shadow after the
// primary has completed.
const DefaultJoinTimeout = 10 * time.Second

// Runner coordinates one shadow provider alongside primary calls.
type Runner struct {
	shadow      provider.Provider
	logger      events.Logger
	joinTimeout time.Duration
}

// New creates a shadow runner. logger may be nil when metrics are always
// captured by the caller.
func New(shadowProvider provider.Provider, logger events.Logger) *Runner {
	return &Runner{
		shadow:      shadowProvider,
		logger:      logger,
		joinTimeout: DefaultJoinTimeout,
	}
}

// WithJoinTimeout overrides the shadow join timeout (tests).
func (r *Runner) WithJoinTimeout(d time.Duration) *Runner {
	r.joinTimeout = d
	return r
}

// Provider returns the shadow provider.
func (r *Runner) Provider() provider.Provider { return r.shadow }

type shadowResult struct {
	resp    *provider.Response
	err     error
	latency time.Duration
}

// Invoke calls primary while the shadow provider runs concurrently.
//
// When the primary fails, the shadow is cancelled, discarded, and the
// primary error is returned unchanged with nil metrics. When the primary
// succeeds, the shadow is joined with a bounded timeout and a ShadowDiff is
// built. If capture is true the diff is returned for the caller to emit
// later; otherwise it is emitted immediately and also returned.
func (r *Runner) Invoke(ctx context.Context, primary provider.Provider, req *provider.Request, fingerprint string, capture bool) (*provider.Response, *events.ShadowDiff, error) {
	shadowCtx, cancelShadow := context.WithCancel(ctx)
	defer cancelShadow()

	ch := make(chan shadowResult, 1)
	go func() {
		start := time.Now()
		resp, err := r.shadow.Invoke(shadowCtx, req)
		ch <- shadowResult{resp: resp, err: err, latency: time.Since(start)}
	}()

	primaryResp, primaryErr := primary.Invoke(ctx, req)
	if primaryErr != nil {
		cancelShadow()
		return nil, nil, primaryErr
	}

	diff := &events.ShadowDiff{
		Base:                   events.Base{RequestFingerprint: fingerprint},
		PrimaryProvider:        primary.Name(),
		ShadowProvider:         r.shadow.Name(),
		PrimaryLatencyMs:       primaryResp.LatencyMs,
		PrimaryTokenUsageTotal: primaryResp.Usage.Total,
	}

	timer := time.NewTimer(r.joinTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			diff.ShadowOutcome = "error"
			diff.ShadowError = provider.Classify(res.err).Error()
			diff.ShadowLatencyMs = res.latency.Milliseconds()
		} else {
			diff.ShadowOK = true
			diff.ShadowOutcome = "success"
			diff.ShadowText = res.resp.Text
			diff.ShadowLatencyMs = res.resp.LatencyMs
			diff.ShadowTextLen = len(res.resp.Text)
			diff.ShadowTokenUsageTotal = res.resp.Usage.Total
			gap := res.resp.LatencyMs - primaryResp.LatencyMs
			diff.LatencyGapMs = &gap
		}
	case <-timer.C:
		cancelShadow()
		diff.ShadowOutcome = "timeout"
		diff.ShadowError = "shadow provider timed out"
	}

	if !capture {
		events.Emit(r.logger, diff)
	}
	return primaryResp, diff, nil
}
