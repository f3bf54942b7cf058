package product

import (
	"context"
	"time"

	log "log/slog"

	"github.com/commercelab/spikes"
)

// JanitorOptions configure idempotency-row retention.
type JanitorOptions struct {
	// Retention window; rows older than this are purged. Defaults to 7 days.
	Retention time.Duration
	// SweepInterval between purges; defaults to 1h.
	SweepInterval time.Duration
}

// DefaultJanitorOptions returns the production defaults.
func DefaultJanitorOptions() JanitorOptions {
	return JanitorOptions{
		Retention:     7 * 24 * time.Hour,
		SweepInterval: time.Hour,
	}
}

// Janitor periodically purges idempotency records past retention. Replay
// protection is only guaranteed within the retention window.
type Janitor struct {
	idem    IdempotencyRepository
	clock   spikes.Clock
	options JanitorOptions
}

// NewJanitor builds a Janitor. clock may be nil for the system clock.
func NewJanitor(idem IdempotencyRepository, clock spikes.Clock, options JanitorOptions) *Janitor {
	if options.Retention <= 0 {
		options.Retention = 7 * 24 * time.Hour
	}
	if options.SweepInterval <= 0 {
		options.SweepInterval = time.Hour
	}
	if clock == nil {
		clock = spikes.SystemClock{}
	}
	return &Janitor{idem: idem, clock: clock, options: options}
}

// Run sweeps until the context is done.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.options.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := j.Sweep(ctx); err != nil {
				log.Error("idempotency purge failed", "error", err.Error())
			}
		}
	}
}

// Sweep purges one round of expired rows.
func (j *Janitor) Sweep(ctx context.Context) error {
	cutoff := j.clock.Now().Add(-j.options.Retention)
	removed, err := j.idem.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		log.Info("idempotency records purged", "count", removed, "cutoff", cutoff)
	}
	return nil
}
