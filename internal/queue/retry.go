package queue

import (
	"context"
	"fmt"
	"math"
	"time"
)

// retryTTL bounds how long an attempt counter outlives its last failure.
const retryTTL = 24 * time.Hour

// maxRetryDelay caps exponential backoff before it overflows Duration.
const maxRetryDelay = time.Duration(math.MaxInt64)

// RetryOptions is the retry policy of a job kind. A job without options
// fails terminally on its first error.
type RetryOptions struct {
	// Retries is how many times a failing instance is re-enqueued.
	Retries int
	// Backoff multiplies BackoffDelay by BackoffExponent per attempt.
	Backoff         bool
	BackoffDelay    time.Duration
	BackoffExponent float64
}

// Delay returns the wait before retry attempt n (1-indexed):
// BackoffDelay * BackoffExponent^(n-1) with backoff, BackoffDelay without.
func (o *RetryOptions) Delay(attempt int) time.Duration {
	if o == nil {
		return 0
	}
	if !o.Backoff || attempt <= 1 {
		return o.BackoffDelay
	}
	exp := o.BackoffExponent
	if exp <= 0 {
		exp = 2
	}
	d := float64(o.BackoffDelay) * math.Pow(exp, float64(attempt-1))
	if d >= math.MaxInt64 {
		return maxRetryDelay
	}
	return time.Duration(d)
}

// recordFailure increments the attempt counter of a job instance and
// returns the attempt number just consumed.
func (c *Client) recordFailure(ctx context.Context, env Envelope) (int, error) {
	key := c.retryKey(env.Queue, env.Class, env.digest())
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, retryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue: record failure: %w", err)
	}
	return int(incr.Val()), nil
}

// clearFailures drops the attempt counter of a job instance.
func (c *Client) clearFailures(ctx context.Context, env Envelope) error {
	if err := c.rdb.Del(ctx, c.retryKey(env.Queue, env.Class, env.digest())).Err(); err != nil {
		return fmt.Errorf("queue: clear failures: %w", err)
	}
	return nil
}

// requeue writes an already-encoded envelope back, delayed when d > 0.
func (c *Client) requeue(ctx context.Context, d time.Duration, env Envelope) error {
	if d <= 0 {
		return c.push(ctx, env)
	}
	return c.pushAt(ctx, time.Now().Add(d), env)
}
