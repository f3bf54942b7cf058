package resiliency

import (
	"errors"
	"fmt"
	"time"

	log "log/slog"

	"github.com/sony/gobreaker"

	"github.com/commercelab/spikes"
)

// BreakerOptions configures the sliding-window circuit breaker.
type BreakerOptions struct {
	// WindowInterval is the period over which call counts accumulate before
	// being cleared (gobreaker clears closed-state counts every Interval).
	WindowInterval time.Duration
	// MinimumCalls before the failure rate is evaluated.
	MinimumCalls uint32
	// FailureRateThreshold in [0,1]; slow calls count as failures so a
	// single threshold covers both trip conditions.
	FailureRateThreshold float64
	// SlowCallThreshold marks a successful call as slow (and counted as a
	// failure) when it takes at least this long. Zero disables slow-call
	// accounting.
	SlowCallThreshold time.Duration
	// OpenTimeout is how long the breaker stays OPEN before admitting
	// half-open probes.
	OpenTimeout time.Duration
	// HalfOpenMaxCalls is the number of probe calls admitted when HALF_OPEN.
	HalfOpenMaxCalls uint32
	// RetryAfterSeconds is surfaced to the caller on rejection.
	RetryAfterSeconds int
}

// DefaultBreakerOptions: 10-call window over 10s, 5-call minimum, 50%
// failure or slow rate, 2s slow threshold, 5s open wait, 3 half-open probes.
func DefaultBreakerOptions() BreakerOptions {
	return BreakerOptions{
		WindowInterval:       10 * time.Second,
		MinimumCalls:         5,
		FailureRateThreshold: 0.5,
		SlowCallThreshold:    2 * time.Second,
		OpenTimeout:          5 * time.Second,
		HalfOpenMaxCalls:     3,
		RetryAfterSeconds:    15,
	}
}

// errSlow marks a successful but slow call inside the breaker so it is
// recorded as a failure without failing the caller.
type errSlow struct {
	elapsed time.Duration
}

func (e errSlow) Error() string {
	return fmt.Sprintf("call exceeded slow threshold, took %v", e.elapsed)
}

// Breaker wraps a gobreaker circuit breaker, adding slow-call accounting and
// mapping open-state rejections to ServiceUnavailable.
type Breaker struct {
	name    string
	options BreakerOptions
	cb      *gobreaker.CircuitBreaker
}

// NewBreaker builds a named Breaker.
func NewBreaker(name string, options BreakerOptions) *Breaker {
	if options.MinimumCalls == 0 {
		options = DefaultBreakerOptions()
	}
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: options.HalfOpenMaxCalls,
		Interval:    options.WindowInterval,
		Timeout:     options.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < options.MinimumCalls {
				return false
			}
			failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRate >= options.FailureRateThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &Breaker{
		name:    name,
		options: options,
		cb:      gobreaker.NewCircuitBreaker(st),
	}
}

// Execute runs fn through the breaker. When OPEN (or half-open probes are
// exhausted) it fails immediately with ServiceUnavailable. Successful calls
// slower than the slow threshold are recorded as failures but still return
// their result to the caller.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(func() (any, error) {
		started := time.Now()
		v, err := fn()
		if err != nil {
			return v, err
		}
		if b.options.SlowCallThreshold > 0 {
			if elapsed := time.Since(started); elapsed >= b.options.SlowCallThreshold {
				return v, errSlow{elapsed: elapsed}
			}
		}
		return v, nil
	})
	var slow errSlow
	if errors.As(err, &slow) {
		// The work itself succeeded.
		return v, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, spikes.NewErrorWithDetails(spikes.ServiceUnavailable, err,
			map[string]any{"retryAfterSeconds": b.options.RetryAfterSeconds})
	}
	return v, err
}

// State returns the breaker's current state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Name returns the breaker's registry name.
func (b *Breaker) Name() string {
	return b.name
}
