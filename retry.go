package converge

import "time"

// RetryBuilder assembles a RetryPolicy through chained calls. Every call
// operates on a copy, so a partially built policy can serve as a template
// for several phases.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry starts a policy allowing up to maxAttempts executions of a phase
// in total. Values below 1 collapse to a single attempt.
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return RetryBuilder{policy: RetryPolicy{MaxAttempts: maxAttempts}}
}

// WithExponentialBackoff waits initial before the first retry and grows
// the wait by multiplier for each one after, never exceeding max. A
// multiplier of zero or less falls back to doubling; max <= 0 leaves the
// growth uncapped.
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	if multiplier <= 0 {
		multiplier = 2.0
	}
	r.policy.InitialBackoff = initial
	r.policy.BackoffMultiplier = multiplier
	r.policy.MaxBackoff = max
	return r
}

// WithConstantBackoff waits the same delay before every retry.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	r.policy.InitialBackoff = delay
	r.policy.BackoffMultiplier = 1.0
	r.policy.MaxBackoff = 0
	return r
}

// Immediate clears any configured backoff; failed attempts are rerun back
// to back up to the attempt limit.
func (r RetryBuilder) Immediate() RetryBuilder {
	r.policy.InitialBackoff = 0
	r.policy.BackoffMultiplier = 0
	r.policy.MaxBackoff = 0
	return r
}

// Policy returns the assembled RetryPolicy, ready to hand to
// FlowTypeBuilder.PhaseWithRetry.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
