// Package retry is the shared retry/backoff controller for broker calls.
// Transient failures are retried with exponential backoff plus jitter, capped
// by both attempt count and total elapsed time; fatal failures short-circuit.
package retry

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	apperrors "optionsrunner/pkg/errors"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxElapsed     time.Duration
	JitterFactor   float64
}

// DefaultPolicy is used where configuration supplies nothing.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	MaxElapsed:     30 * time.Second,
	JitterFactor:   0.25,
}

// Classifier reports whether an error should be retried.
type Classifier func(error) bool

// Do runs fn under the policy, retrying failures the classifier accepts.
// The returned error is the last attempt's error once either cap is hit.
func Do(ctx context.Context, policy Policy, retryable Classifier, fn func() error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = DefaultPolicy.InitialBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	if retryable == nil {
		retryable = apperrors.IsRetryable
	}

	builder := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && retryable(err)
		}).
		WithBackoff(policy.InitialBackoff, policy.MaxBackoff).
		WithMaxAttempts(policy.MaxAttempts)

	if policy.JitterFactor > 0 {
		builder = builder.WithJitterFactor(policy.JitterFactor)
	}
	if policy.MaxElapsed > 0 {
		builder = builder.WithMaxDuration(policy.MaxElapsed)
	}

	return failsafe.With[any](builder.Build()).
		WithContext(ctx).
		Run(fn)
}

// DoBroker runs fn with the shared broker taxonomy classifier.
func DoBroker(ctx context.Context, policy Policy, fn func() error) error {
	return Do(ctx, policy, apperrors.IsRetryable, fn)
}
