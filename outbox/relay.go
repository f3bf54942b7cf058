// Package outbox publishes committed state changes to the change log. Command
// transactions write events into the outbox table; the Relay polls the table
// and produces the rows to Kafka, stamping each as dispatched only after the
// produce is acknowledged. At-least-once is the contract: consumers
// deduplicate on the event id.
package outbox

import (
	"context"
	"time"

	log "log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/commercelab/spikes"
	"github.com/commercelab/spikes/product"
)

// Source is the slice of the outbox the relay needs.
type Source interface {
	FetchUndispatched(ctx context.Context, limit int) ([]product.OutboxEvent, error)
	MarkDispatched(ctx context.Context, ids []spikes.UUID, at time.Time) error
}

// Producer is the slice of the Kafka client the relay needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// RelayOptions configure the polling relay.
type RelayOptions struct {
	// Topic the events are produced to.
	Topic string
	// PollInterval between outbox sweeps; defaults to 1s.
	PollInterval time.Duration
	// BatchSize per sweep; defaults to 100.
	BatchSize int
}

// DefaultRelayOptions returns the production defaults.
func DefaultRelayOptions() RelayOptions {
	return RelayOptions{
		Topic:        "commerce.product.events",
		PollInterval: time.Second,
		BatchSize:    100,
	}
}

// Relay drains the outbox table to Kafka.
type Relay struct {
	source   Source
	producer Producer
	clock    spikes.Clock
	options  RelayOptions
}

// NewRelay builds a Relay. clock may be nil for the system clock.
func NewRelay(source Source, producer Producer, clock spikes.Clock, options RelayOptions) *Relay {
	if options.PollInterval <= 0 {
		options.PollInterval = time.Second
	}
	if options.BatchSize <= 0 {
		options.BatchSize = 100
	}
	if clock == nil {
		clock = spikes.SystemClock{}
	}
	return &Relay{source: source, producer: producer, clock: clock, options: options}
}

// Run sweeps the outbox until the context is done.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.options.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				log.Error("outbox sweep failed", "error", err.Error())
			}
		}
	}
}

// Sweep publishes one batch of undispatched events. Events keep their insert
// order; a produce failure leaves the whole batch undispatched so the next
// sweep retries it.
func (r *Relay) Sweep(ctx context.Context) error {
	events, err := r.source.FetchUndispatched(ctx, r.options.BatchSize)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	records := make([]*kgo.Record, len(events))
	for i, e := range events {
		records[i] = &kgo.Record{
			Topic: r.options.Topic,
			Key:   []byte(e.AggregateID.String()),
			Value: []byte(e.Payload),
			Headers: []kgo.RecordHeader{
				{Key: "event_id", Value: []byte(e.ID.String())},
				{Key: "event_type", Value: []byte(e.EventType)},
			},
		}
	}
	if err := r.producer.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return err
	}

	ids := make([]spikes.UUID, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	if err := r.source.MarkDispatched(ctx, ids, r.clock.Now()); err != nil {
		return err
	}
	log.Debug("outbox batch dispatched", "count", len(events), "topic", r.options.Topic)
	return nil
}
