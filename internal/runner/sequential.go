package runner

// runSequential tries providers in input order, each through the retry
// controller, returning the first success.
func (r *Runner) runSequential(rc *runContext) (*Result, error) {
	var failures []AttemptFailure
	var last *Invocation
	for i, p := range rc.providers {
		inv, advance := r.runWithRetries(rc, p, i+1, false)
		last = inv
		if inv.Err == nil {
			if err := r.guard(rc, inv); err != nil {
				r.logRunMetric(rc, inv, "guard_violation")
				failures = append(failures, AttemptFailure{Provider: inv.ProviderID, Attempt: inv.Attempt, Err: err})
				return nil, &AllFailedError{
					Message:    "run aborted: " + err.Error(),
					Failures:   failures,
					StopReason: "guard_violation",
					Cause:      err,
				}
			}
			r.logRunMetric(rc, inv, "")
			return &Result{Response: inv.Response, Provider: inv.ProviderID}, nil
		}
		failures = append(failures, AttemptFailure{Provider: inv.ProviderID, Attempt: inv.Attempt, Err: inv.Err})
		if !advance {
			break
		}
	}

	// A single-provider chain surfaces the provider's own error so callers
	// can inspect it directly.
	if len(rc.providers) == 1 && last != nil && last.Err != nil {
		return nil, last.Err
	}
	var cause error
	if last != nil && last.Err != nil {
		cause = last.Err
	}
	return nil, &AllFailedError{Message: "all providers failed", Failures: failures, Cause: cause}
}
