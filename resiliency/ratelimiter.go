// Package resiliency provides the three guard primitives composed around
// every write-side operation: token-bucket rate limiting, exponential retry
// with jitter for transient failures, and a sliding-window circuit breaker.
// Primitives are created once at startup and looked up by name through a
// Registry; there is no mutable package-level state.
package resiliency

import (
	"fmt"

	"golang.org/x/time/rate"

	"github.com/commercelab/spikes"
)

// RateLimiterOptions configures a token bucket.
type RateLimiterOptions struct {
	// Limit is the bucket capacity and the number of tokens refilled per
	// second.
	Limit int
	// RetryAfterSeconds is surfaced to the caller on rejection.
	RetryAfterSeconds int
}

// DefaultRateLimiterOptions: 100 tokens, refilled every second, reject
// immediately when empty.
func DefaultRateLimiterOptions() RateLimiterOptions {
	return RateLimiterOptions{
		Limit:             100,
		RetryAfterSeconds: 2,
	}
}

// RateLimiter is a named token bucket. Acquisition never blocks: a command
// either gets a token or is rejected with a RateLimited error.
type RateLimiter struct {
	name    string
	options RateLimiterOptions
	bucket  *rate.Limiter
}

// NewRateLimiter builds a RateLimiter with the given name and options.
func NewRateLimiter(name string, options RateLimiterOptions) *RateLimiter {
	if options.Limit <= 0 {
		options = DefaultRateLimiterOptions()
	}
	return &RateLimiter{
		name:    name,
		options: options,
		bucket:  rate.NewLimiter(rate.Limit(options.Limit), options.Limit),
	}
}

// Allow takes a token or returns a RateLimited error. The token check never
// suspends.
func (rl *RateLimiter) Allow() error {
	if rl.bucket.Allow() {
		return nil
	}
	return spikes.NewErrorWithDetails(spikes.RateLimited,
		fmt.Errorf("rate limiter %s rejected the call", rl.name),
		map[string]any{"retryAfterSeconds": rl.options.RetryAfterSeconds})
}

// Name returns the limiter's registry name.
func (rl *RateLimiter) Name() string {
	return rl.name
}
