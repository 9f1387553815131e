package lumi

import "time"

// RetryBuilder derives a RetryPolicy from the retreat default (one second,
// doubling, thirty second cap).
//
//	lumi.Retry(3).Policy()                         // same as DefaultRetry(3)
//	lumi.Retry(5).Every(10 * time.Second).Policy() // fixed delay
//	lumi.Retry(2).Immediate().Policy()             // tests
type RetryBuilder struct {
	p RetryPolicy
}

// Retry starts from DefaultRetry(attempts). attempts < 1 means one attempt
// and no retries.
func Retry(attempts int) RetryBuilder {
	if attempts < 1 {
		attempts = 1
	}
	return RetryBuilder{p: DefaultRetry(attempts)}
}

// Backoff replaces the exponential schedule. factor <= 0 keeps doubling.
func (b RetryBuilder) Backoff(first time.Duration, factor float64, limit time.Duration) RetryBuilder {
	if factor <= 0 {
		factor = 2
	}
	b.p.InitialBackoff, b.p.Multiplier, b.p.MaxBackoff = first, factor, limit
	return b
}

// CappedAt changes only the maximum delay.
func (b RetryBuilder) CappedAt(limit time.Duration) RetryBuilder {
	b.p.MaxBackoff = limit
	return b
}

// Every waits d before each retry.
func (b RetryBuilder) Every(d time.Duration) RetryBuilder {
	b.p.InitialBackoff, b.p.Multiplier, b.p.MaxBackoff = d, 1, 0
	return b
}

// Immediate retries with no delay.
func (b RetryBuilder) Immediate() RetryBuilder {
	b.p.InitialBackoff, b.p.Multiplier, b.p.MaxBackoff = 0, 0, 0
	return b
}

// Policy returns the built policy.
func (b RetryBuilder) Policy() RetryPolicy { return b.p }
