// Package runner dispatches generation requests across a chain of model
// providers under one of four strategies (sequential, parallel_any,
// parallel_all, consensus), with rate limiting, retry/failover driven by
// the error taxonomy, optional shadow comparison, spend ceilings, and a
// structured JSONL event stream.
package runner

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/modelmux/modelmux/internal/budget"
	"github.com/modelmux/modelmux/internal/consensus"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/provider"
	"github.com/modelmux/modelmux/internal/ratelimit"
	"github.com/modelmux/modelmux/internal/shadow"
)

// Result is the outcome of a successful run. Response is always set; All is
// set in parallel_all mode and Consensus in consensus mode.
type Result struct {
	Response    *provider.Response
	Provider    string
	All         *ParallelAllResult
	Consensus   *consensus.Result
	Fingerprint string
}

// ParallelAllResult carries every invocation of a parallel_all run in input
// order. Primary is the first provider's response, for consumers that want
// a single answer.
type ParallelAllResult struct {
	Invocations []*Invocation
	Primary     *provider.Response
}

// Runner executes runs. It is safe for concurrent use; the rate limiter
// and event logger are shared across all calls.
type Runner struct {
	providers      []provider.Provider
	cfg            Config
	logger         events.Logger
	owned          events.Closer
	limiter        *ratelimit.Limiter
	shadow         *shadow.Runner
	budget         *budget.Manager
	shadowProvider provider.Provider
	sleep          func(ctx context.Context, d time.Duration) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger attaches an event sink alongside the MetricsPath sink.
func WithLogger(l events.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithShadowProvider mirrors every primary call to p.
func WithShadowProvider(p provider.Provider) Option {
	return func(r *Runner) { r.shadowProvider = p }
}

// WithBudget attaches a spend manager.
func WithBudget(m *budget.Manager) Option {
	return func(r *Runner) { r.budget = m }
}

// WithSleep injects the backoff sleep function (tests).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) { r.sleep = sleep }
}

// New builds a Runner over the given provider chain.
func New(providers []provider.Provider, cfg Config, opts ...Option) (*Runner, error) {
	if len(providers) == 0 {
		return nil, errors.New("runner: no providers configured")
	}
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	cfg.Mode = mode

	r := &Runner{providers: providers, cfg: cfg, sleep: sleepCtx}
	for _, o := range opts {
		o(r)
	}
	if cfg.MetricsPath != "" {
		jl, err := events.NewJSONLLogger(cfg.MetricsPath)
		if err != nil {
			return nil, err
		}
		r.owned = jl
		if r.logger != nil {
			r.logger = events.NewComposite(r.logger, jl)
		} else {
			r.logger = jl
		}
	}
	r.limiter = ratelimit.New(cfg.RPM)
	if r.shadowProvider != nil {
		r.shadow = shadow.New(r.shadowProvider, r.logger)
	}
	return r, nil
}

// Close releases the metrics sink, if the Runner owns one.
func (r *Runner) Close() error {
	if r.owned != nil {
		return r.owned.Close()
	}
	return nil
}

// Run executes one request under the configured strategy and blocks until
// it finishes.
func (r *Runner) Run(ctx context.Context, req provider.Request) (*Result, error) {
	nreq, err := req.Normalize()
	if err != nil {
		return nil, err
	}
	fp := Fingerprint(&nreq)
	runID := nreq.Metadata["trace_id"]
	if runID == "" {
		runID = fp
	}
	nreq.Metadata["run_id"] = runID
	nreq.Metadata["mode"] = string(r.cfg.Mode)

	providers := r.providers
	if r.cfg.MaxAttempts > 0 && len(providers) > r.cfg.MaxAttempts {
		providers = providers[:r.cfg.MaxAttempts]
	}
	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.Name()
	}
	nreq.Metadata["providers"] = strings.Join(names, ",")

	rc := &runContext{
		ctx:           ctx,
		req:           &nreq,
		fingerprint:   fp,
		providers:     providers,
		providerNames: names,
		total:         len(providers),
		cap:           newAttemptCap(r.cfg.MaxAttempts),
	}

	started := time.Now()
	var res *Result
	switch r.cfg.Mode {
	case ModeSequential:
		res, err = r.runSequential(rc)
	case ModeParallelAny:
		res, err = r.runParallelAny(rc)
	case ModeParallelAll:
		res, err = r.runParallelAll(rc)
	case ModeConsensus:
		res, err = r.runConsensus(rc)
	}
	if err != nil {
		r.logFailure(rc, err, time.Since(started))
		return nil, err
	}
	res.Fingerprint = fp
	return res, nil
}

// Handle tracks an asynchronous run started with Go.
type Handle struct {
	done chan struct{}
	res  *Result
	err  error
}

// Go starts the run on its own goroutine.
func (r *Runner) Go(ctx context.Context, req provider.Request) *Handle {
	h := &Handle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.res, h.err = r.Run(ctx, req)
	}()
	return h
}

// Done is closed when the run finishes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run finishes and returns its outcome.
func (h *Handle) Wait() (*Result, error) {
	<-h.done
	return h.res, h.err
}

// guard consults the budget manager with the observed cost of a successful
// invocation. On a breach the invocation is demoted and the run aborts.
func (r *Runner) guard(rc *runContext, inv *Invocation) error {
	if r.budget == nil || inv.Err != nil {
		return nil
	}
	cost := provider.EstimateCost(inv.Provider, inv.Response.Usage.Prompt, inv.Response.Usage.Completion)
	return r.budget.Record(rc.ctx, inv.ProviderID, cost)
}

// logRunMetric records one provider's contribution to the run. A non-empty
// stopReason demotes a successful invocation (budget breach). Successful and
// demoted records carry the run-total attempt count; a failed invocation's
// record carries only its own attempts.
func (r *Runner) logRunMetric(rc *runContext, inv *Invocation, stopReason string) {
	m := &events.RunMetric{
		Base:       events.Base{RequestFingerprint: rc.fingerprint},
		Provider:   inv.ProviderID,
		Attempts:   inv.Retries + 1,
		Retries:    inv.Retries,
		LatencyMs:  inv.LatencyMs,
		StopReason: stopReason,
		ShadowUsed: r.shadow != nil,
		Mode:       string(r.cfg.Mode),
		Providers:  rc.providerNames,
	}
	switch {
	case inv.Err != nil:
		m.Status = "error"
		m.Outcome = "error"
		m.ErrorType = string(inv.Err.Kind)
		m.ErrorFamily = inv.Err.Kind.Family()
	case stopReason != "":
		m.Status = "error"
		m.Outcome = "error"
		m.ErrorType = "guard_violation"
		m.ErrorFamily = "fatal"
		m.Attempts = rc.cap.usedCount()
		m.TokensIn = inv.Response.Usage.Prompt
		m.TokensOut = inv.Response.Usage.Completion
		m.TokenUsage = usageEvent(inv.Response.Usage)
	default:
		m.Status = "ok"
		m.Outcome = "success"
		m.Attempts = rc.cap.usedCount()
		m.TokensIn = inv.Response.Usage.Prompt
		m.TokensOut = inv.Response.Usage.Completion
		m.TokenUsage = usageEvent(inv.Response.Usage)
		cost := provider.EstimateCost(inv.Provider, inv.Response.Usage.Prompt, inv.Response.Usage.Completion)
		m.CostUSD = cost
		m.CostEstimate = cost
	}
	events.Emit(r.logger, m)
}

// logFailure emits the terminal provider_chain_failed and whole-run
// run_metric records, in that order.
func (r *Runner) logFailure(rc *runContext, err error, elapsed time.Duration) {
	last := lastClassified(err)
	stop := ""
	var afe *AllFailedError
	if errors.As(err, &afe) {
		stop = afe.StopReason
	}
	events.Emit(r.logger, &events.ChainFailed{
		Base:             events.Base{RequestFingerprint: rc.fingerprint},
		ProviderAttempts: rc.cap.usedCount(),
		Providers:        rc.providerNames,
		LastErrorType:    string(last.Kind),
		LastErrorMessage: last.Error(),
		LastErrorFamily:  last.Kind.Family(),
	})
	events.Emit(r.logger, &events.RunMetric{
		Base:        events.Base{RequestFingerprint: rc.fingerprint},
		Status:      "error",
		Outcome:     "error",
		Attempts:    rc.cap.usedCount(),
		LatencyMs:   elapsed.Milliseconds(),
		ErrorType:   string(last.Kind),
		ErrorFamily: last.Kind.Family(),
		StopReason:  stop,
		ShadowUsed:  r.shadow != nil,
		Mode:        string(r.cfg.Mode),
		Providers:   rc.providerNames,
	})
}

// lastClassified digs the most recent provider error out of a run failure.
func lastClassified(err error) *provider.Error {
	var afe *AllFailedError
	if errors.As(err, &afe) {
		if len(afe.Failures) > 0 {
			return provider.Classify(afe.Failures[len(afe.Failures)-1].Err)
		}
		if afe.Cause != nil {
			return provider.Classify(afe.Cause)
		}
	}
	var pee *ParallelExecutionError
	if errors.As(err, &pee) && len(pee.Failures) > 0 {
		return provider.Classify(pee.Failures[len(pee.Failures)-1].Err)
	}
	return provider.Classify(err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
