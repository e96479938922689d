// Package durable runs dispatch chains as Temporal workflows so that a
// crashed process resumes the chain instead of replaying completed provider
// calls. The in-process runner remains the default path; the circuit breaker
// falls back to it when the workflow engine is unreachable.
package durable

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	activityTimeout = 60 * time.Second

	defaultBackoffMs = 250
)

// DispatchWorkflow walks the provider chain in order, retrying transient
// failures on the same provider before moving to the next one. Fatal
// classifications abort the whole chain.
func DispatchWorkflow(ctx workflow.Context, input DispatchInput) (DispatchOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			// The workflow owns retry semantics; the SDK must not add its own.
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	backoff := time.Duration(input.BackoffMs) * time.Millisecond
	if backoff <= 0 {
		backoff = defaultBackoffMs * time.Millisecond
	}

	attempt := 0
	var lastErrMsg string

	for _, name := range input.Providers {
		retries := 0
		for {
			attempt++

			var out CallOutput
			err := workflow.ExecuteActivity(ctx, (*Activities).CallProvider, CallInput{
				Provider: name,
				Request:  input.Request,
			}).Get(ctx, &out)

			if err == nil {
				_ = workflow.ExecuteActivity(ctx, (*Activities).RecordOutcome, OutcomeInput{
					RunID:     input.RunID,
					Provider:  name,
					Attempt:   attempt,
					Success:   true,
					LatencyMs: out.LatencyMs,
					TokensIn:  out.TokensIn,
					TokensOut: out.TokensOut,
					CostUSD:   out.CostUSD,
				}).Get(ctx, nil)

				return DispatchOutput{
					Provider:  name,
					Text:      out.Text,
					Model:     out.Model,
					LatencyMs: out.LatencyMs,
					TokensIn:  out.TokensIn,
					TokensOut: out.TokensOut,
					CostUSD:   out.CostUSD,
					Attempts:  attempt,
				}, nil
			}

			lastErrMsg = err.Error()

			var verdict ClassifyOutput
			if cErr := workflow.ExecuteActivity(ctx, (*Activities).ClassifyFailure, ClassifyInput{
				ErrorMsg: lastErrMsg,
			}).Get(ctx, &verdict); cErr != nil {
				verdict = ClassifyOutput{Kind: "fatal", Family: "fatal"}
			}

			_ = workflow.ExecuteActivity(ctx, (*Activities).RecordOutcome, OutcomeInput{
				RunID:     input.RunID,
				Provider:  name,
				Attempt:   attempt,
				Success:   false,
				ErrorKind: verdict.Kind,
				ErrorMsg:  lastErrMsg,
			}).Get(ctx, nil)

			if verdict.Family == "fatal" {
				return DispatchOutput{Attempts: attempt},
					fmt.Errorf("provider %s failed fatally: %s", name, lastErrMsg)
			}

			if verdict.Retryable && retries < input.MaxRetries {
				retries++
				wait := backoff * time.Duration(1<<(retries-1))
				if verdict.RetryAfterMs > 0 {
					wait = time.Duration(verdict.RetryAfterMs) * time.Millisecond
				}
				if err := workflow.Sleep(ctx, wait); err != nil {
					return DispatchOutput{Attempts: attempt}, err
				}
				continue
			}

			// Retries exhausted or skip: move to the next provider.
			break
		}
	}

	return DispatchOutput{Attempts: attempt},
		fmt.Errorf("all providers failed, last error: %s", lastErrMsg)
}
