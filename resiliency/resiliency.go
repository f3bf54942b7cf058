package resiliency

import (
	"context"
	"sync"
)

// Policy composes the three primitives around one operation. Order is
// rate limiter, then retry, then circuit breaker, then the work itself, so
// limiter and breaker rejections are never retried (neither is transient).
type Policy struct {
	Limiter *RateLimiter
	Retrier *Retrier
	Breaker *Breaker
}

// Execute runs fn under the policy. Nil members are skipped.
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if p.Limiter != nil {
		if err := p.Limiter.Allow(); err != nil {
			return nil, err
		}
	}

	work := func(ctx context.Context) (any, error) {
		if p.Breaker != nil {
			return p.Breaker.Execute(func() (any, error) {
				return fn(ctx)
			})
		}
		return fn(ctx)
	}

	if p.Retrier == nil {
		return work(ctx)
	}

	var result any
	err := p.Retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = work(ctx)
		return err
	})
	return result, err
}

// Registry hands out named primitives, creating each once. Construct one at
// startup and share it; lookups are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
	retriers map[string]*Retrier
	breakers map[string]*Breaker
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		limiters: make(map[string]*RateLimiter),
		retriers: make(map[string]*Retrier),
		breakers: make(map[string]*Breaker),
	}
}

// RateLimiter returns the named limiter, creating it with options on first use.
func (r *Registry) RateLimiter(name string, options RateLimiterOptions) *RateLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rl, ok := r.limiters[name]; ok {
		return rl
	}
	rl := NewRateLimiter(name, options)
	r.limiters[name] = rl
	return rl
}

// Retrier returns the named retrier, creating it with options on first use.
func (r *Registry) Retrier(name string, options RetryOptions) *Retrier {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok := r.retriers[name]; ok {
		return rt
	}
	rt := NewRetrier(options)
	r.retriers[name] = rt
	return rt
}

// Breaker returns the named breaker, creating it with options on first use.
func (r *Registry) Breaker(name string, options BreakerOptions) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, options)
	r.breakers[name] = b
	return b
}

// Policy assembles a Policy from named primitives using default options.
func (r *Registry) Policy(name string) *Policy {
	return &Policy{
		Limiter: r.RateLimiter(name, DefaultRateLimiterOptions()),
		Retrier: r.Retrier(name, DefaultRetryOptions()),
		Breaker: r.Breaker(name, DefaultBreakerOptions()),
	}
}
