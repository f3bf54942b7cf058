package resiliency

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/commercelab/spikes"
)

// RetryOptions configures the exponential backoff applied to transient
// failures.
type RetryOptions struct {
	// MaxAttempts counts the first call plus retries.
	MaxAttempts int
	// InitialDelay before the first retry; doubles each attempt.
	InitialDelay time.Duration
	// Jitter adds up to +/- Jitter to each delay when non-zero.
	Jitter time.Duration
}

// DefaultRetryOptions: 3 attempts, 500ms initial delay, doubling.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
	}
}

// Retrier re-invokes an operation on transient failures only. Tagged domain
// errors and breaker-open rejections pass through on the first occurrence.
type Retrier struct {
	options RetryOptions
}

// NewRetrier builds a Retrier with the given options.
func NewRetrier(options RetryOptions) *Retrier {
	if options.MaxAttempts <= 0 {
		options = DefaultRetryOptions()
	}
	return &Retrier{options: options}
}

// Do runs task until it succeeds, fails permanently, or the attempt budget
// is exhausted. Backoff sleeps respect ctx cancellation.
func (r *Retrier) Do(ctx context.Context, task func(ctx context.Context) error) error {
	b := retry.NewExponential(r.options.InitialDelay)
	if r.options.Jitter > 0 {
		b = retry.WithJitter(r.options.Jitter, b)
	}
	b = retry.WithMaxRetries(uint64(r.options.MaxAttempts-1), b)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := task(ctx)
		if err == nil {
			return nil
		}
		if spikes.IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
