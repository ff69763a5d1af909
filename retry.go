package strata

import (
	"context"
	"time"

	"github.com/grafana/dskit/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultTransient reports whether a status code describes a failure that may
// resolve on its own, making a retry worthwhile. Every other code is treated
// as permanent.
func DefaultTransient(code codes.Code) bool {
	switch code {
	case codes.Unavailable, codes.Aborted, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	}
	return false
}

// RetryPolicy decides, after a failed attempt, whether another attempt may
// run. Policies are stateful: the client clones the table's policy at the
// start of each call and feeds every failure of that call to the clone.
type RetryPolicy interface {
	// OnFailure records err and reports whether the call may try again.
	OnFailure(err error) bool
	// Clone returns an unused copy for a new call.
	Clone() RetryPolicy
}

// LimitedFailures is the default retry policy. It allows another attempt
// while fewer than maxFailures transient failures have been recorded, so a
// call makes at most maxFailures+1 attempts. The first failure whose status
// code is not transient stops the call immediately, whatever the budget has
// left. A maxFailures of 0 removes the cap.
type LimitedFailures struct {
	maxFailures int
	transient   func(codes.Code) bool
	failures    int
}

// NewLimitedFailures returns a LimitedFailures policy classifying codes with
// DefaultTransient.
func NewLimitedFailures(maxFailures int) *LimitedFailures {
	return newLimitedFailures(maxFailures, DefaultTransient)
}

func newLimitedFailures(maxFailures int, transient func(codes.Code) bool) *LimitedFailures {
	return &LimitedFailures{maxFailures: maxFailures, transient: transient}
}

// OnFailure implements RetryPolicy.
func (p *LimitedFailures) OnFailure(err error) bool {
	if !p.transient(status.Code(err)) {
		return false
	}
	p.failures++
	if p.maxFailures == 0 {
		return true
	}
	return p.failures <= p.maxFailures
}

// Clone implements RetryPolicy.
func (p *LimitedFailures) Clone() RetryPolicy {
	return newLimitedFailures(p.maxFailures, p.transient)
}

// BackoffPolicy produces the delay to wait before the next attempt. Policies
// are stateful in the same way retry policies are: cloned per call, and the
// clone's delays grow as the call keeps failing. The policy only computes
// delays, it never sleeps; the client waits so that cancellation cuts the
// wait short.
type BackoffPolicy interface {
	// NextDelay returns the delay before the next attempt and advances the
	// policy's state.
	NextDelay() time.Duration
	// Clone returns an unused copy for a new call.
	Clone() BackoffPolicy
}

// ExponentialBackoff is the default backoff policy. Delays are drawn with
// jitter from a window starting at [MinBackoff, 2*MinBackoff) that doubles on
// every call until it is capped at MaxBackoff, so consecutive delays never
// decrease below an earlier window. The Config's MaxRetries is ignored here,
// stopping is the retry policy's job.
type ExponentialBackoff struct {
	cfg backoff.Config
	b   *backoff.Backoff
}

// NewExponentialBackoff returns an ExponentialBackoff for the given range.
func NewExponentialBackoff(cfg backoff.Config) *ExponentialBackoff {
	return &ExponentialBackoff{cfg: cfg, b: backoff.New(context.Background(), cfg)}
}

// NextDelay implements BackoffPolicy.
func (p *ExponentialBackoff) NextDelay() time.Duration {
	return p.b.NextDelay()
}

// Clone implements BackoffPolicy.
func (p *ExponentialBackoff) Clone() BackoffPolicy {
	return NewExponentialBackoff(p.cfg)
}
