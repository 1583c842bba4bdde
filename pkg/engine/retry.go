package engine

import (
	"context"

	"github.com/cenkalti/backoff/v4"

	"github.com/stepflow-io/stepflow/pkg/flow"
	"github.com/stepflow-io/stepflow/pkg/registry"
)

// invokeWithRetry calls the task invoker under the step's retry policy.
// Without a policy the task gets exactly one attempt. Errors the registry
// marks permanent, and context cancellation, stop the retry loop early.
func (e *Engine) invokeWithRetry(ctx context.Context, step *flow.Step, inputs map[string]any) (map[string]any, error) {
	attempt := func() (map[string]any, error) {
		outputs, err := e.invoker.Invoke(ctx, step.Task.Name, inputs, step.Task.Connection)
		if err != nil {
			if registry.IsPermanent(err) || isCancellation(err) {
				return nil, backoff.Permanent(err)
			}

			return nil, err
		}

		return outputs, nil
	}

	if step.Retry == nil || step.Retry.MaxAttempts <= 1 {
		outputs, err := attempt()
		if permanent, ok := err.(*backoff.PermanentError); ok {
			return nil, permanent.Unwrap()
		}

		return outputs, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = step.Retry.Delay()
	policy.Multiplier = step.Retry.Multiplier()
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	var wrapped backoff.BackOff = backoff.WithMaxRetries(policy, uint64(step.Retry.MaxAttempts-1))
	wrapped = backoff.WithContext(wrapped, ctx)

	return backoff.RetryWithData(attempt, wrapped)
}
