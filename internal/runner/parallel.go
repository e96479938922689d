package runner

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/provider"
)

// cancelledInv synthesizes the record for an attempt that lost a parallel
// race, so the event stream accounts for every launched provider.
func (r *Runner) cancelledInv(rc *runContext, p provider.Provider, attempt, retries int) *Invocation {
	inv := &Invocation{
		Provider:   p,
		ProviderID: p.Name(),
		Attempt:    attempt,
		Retries:    retries,
		Err:        &provider.Error{Kind: provider.KindCancelled, Reason: "cancelled"},
	}
	r.logCall(rc, inv)
	return inv
}

// runParallelAny launches every provider concurrently and returns the first
// success, cancelling the rest. Rate-limited attempts are re-enqueued with
// fresh attempt labels while retry budget remains.
func (r *Runner) runParallelAny(rc *runContext) (*Result, error) {
	ctx, cancel := context.WithCancel(rc.ctx)
	defer cancel()
	wrc := *rc
	wrc.ctx = ctx

	sem := semaphore.NewWeighted(int64(r.cfg.concurrency(len(rc.providers))))
	results := make(chan *Invocation, len(rc.providers)+r.cfg.Retries.Max)

	worker := func(p provider.Provider, attempt, retries int, pending *events.Retry) {
		if err := sem.Acquire(ctx, 1); err != nil {
			results <- r.cancelledInv(&wrc, p, attempt, retries)
			return
		}
		defer sem.Release(1)
		if ctx.Err() != nil {
			results <- r.cancelledInv(&wrc, p, attempt, retries)
			return
		}
		if !rc.cap.take() {
			results <- &Invocation{
				Provider:   p,
				ProviderID: p.Name(),
				Attempt:    attempt,
				Retries:    retries,
				Err:        &provider.Error{Kind: provider.KindSkip, Reason: "run attempt limit reached"},
				CallLogged: true, // never started, nothing to log
			}
			return
		}
		if pending != nil {
			events.Emit(r.logger, pending)
		}
		results <- r.invoke(&wrc, p, attempt, retries, false)
	}

	outstanding := len(rc.providers)
	for i, p := range rc.providers {
		go worker(p, i+1, 0, nil)
	}

	var winner *Invocation
	var failures []AttemptFailure
	retryCount := 0
	for outstanding > 0 {
		inv := <-results
		outstanding--

		if inv.Err == nil {
			if winner == nil {
				winner = inv
				cancel()
				continue
			}
			// A second success lost the race; account for it normally.
			r.logRunMetric(rc, inv, "")
			continue
		}

		r.logRunMetric(rc, inv, "")
		if winner == nil && inv.Err.Kind == provider.KindRateLimit && retryCount < r.cfg.Retries.Max {
			retryCount++
			label := rc.total + retryCount
			delay := r.cfg.Backoff.RateLimitSleep
			pending := &events.Retry{
				Base:         events.Base{RequestFingerprint: rc.fingerprint},
				Provider:     inv.ProviderID,
				Attempt:      inv.Attempt,
				RetryAttempt: retryCount,
				NextAttempt:  label,
				ErrorType:    string(inv.Err.Kind),
				DelaySeconds: delay.Seconds(),
			}
			outstanding++
			go func(p provider.Provider, retries int) {
				_ = r.sleep(ctx, delay)
				worker(p, label, retries, pending)
			}(inv.Provider, inv.Retries+1)
			continue
		}
		failures = append(failures, AttemptFailure{Provider: inv.ProviderID, Attempt: inv.Attempt, Err: inv.Err})
	}

	if winner != nil {
		if err := r.guard(rc, winner); err != nil {
			r.logRunMetric(rc, winner, "guard_violation")
			return nil, &AllFailedError{
				Message:    "run aborted: " + err.Error(),
				StopReason: "guard_violation",
				Cause:      err,
			}
		}
		r.logRunMetric(rc, winner, "")
		return &Result{Response: winner.Response, Provider: winner.ProviderID}, nil
	}

	sort.Slice(failures, func(i, j int) bool { return failures[i].Attempt < failures[j].Attempt })
	return nil, &AllFailedError{
		Message:  "all providers failed",
		Failures: failures,
		Cause:    &ParallelExecutionError{Failures: failures},
	}
}

// fanOutAll runs every provider to completion through the retry controller.
// With cancelOnFailure set, the first real failure cancels the remaining
// workers (parallel_all); otherwise failures are tolerated (consensus).
func (r *Runner) fanOutAll(rc *runContext, cancelOnFailure, captureShadow bool) []*Invocation {
	ctx, cancel := context.WithCancel(rc.ctx)
	defer cancel()
	wrc := *rc
	wrc.ctx = ctx

	sem := semaphore.NewWeighted(int64(r.cfg.concurrency(len(rc.providers))))
	invs := make([]*Invocation, len(rc.providers))
	var wg sync.WaitGroup
	for i, p := range rc.providers {
		wg.Add(1)
		go func(i int, p provider.Provider) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				invs[i] = r.cancelledInv(&wrc, p, i+1, 0)
				r.logRunMetric(rc, invs[i], "")
				return
			}
			defer sem.Release(1)
			if ctx.Err() != nil {
				invs[i] = r.cancelledInv(&wrc, p, i+1, 0)
				r.logRunMetric(rc, invs[i], "")
				return
			}
			inv, _ := r.runWithRetries(&wrc, p, i+1, captureShadow)
			invs[i] = inv
			r.logRunMetric(rc, inv, "")
			if cancelOnFailure && inv.Err != nil && inv.Err.Kind != provider.KindCancelled {
				cancel()
			}
		}(i, p)
	}
	wg.Wait()
	return invs
}

// runParallelAll requires every provider to succeed and returns the full
// ordered invocation list.
func (r *Runner) runParallelAll(rc *runContext) (*Result, error) {
	invs := r.fanOutAll(rc, true, false)

	// Cancelled siblings are bookkeeping for the event stream; the error
	// reports the failures that triggered the cancellation.
	var failures, cancelled []AttemptFailure
	for _, inv := range invs {
		if inv.Err == nil {
			continue
		}
		f := AttemptFailure{Provider: inv.ProviderID, Attempt: inv.Attempt, Err: inv.Err}
		if inv.Err.Kind == provider.KindCancelled {
			cancelled = append(cancelled, f)
			continue
		}
		failures = append(failures, f)
	}
	if len(failures) == 0 {
		failures = cancelled
	}
	if len(failures) > 0 {
		return nil, &ParallelExecutionError{Failures: failures}
	}

	for _, inv := range invs {
		if err := r.guard(rc, inv); err != nil {
			r.logRunMetric(rc, inv, "guard_violation")
			return nil, &AllFailedError{
				Message:    "run aborted: " + err.Error(),
				StopReason: "guard_violation",
				Cause:      err,
			}
		}
	}
	all := &ParallelAllResult{Invocations: invs, Primary: invs[0].Response}
	return &Result{Response: invs[0].Response, Provider: invs[0].ProviderID, All: all}, nil
}
