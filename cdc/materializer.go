package cdc

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/commercelab/spikes"
	"github.com/commercelab/spikes/telemetry"
)

// Database operation attribute values recorded on the consume span.
const (
	dbOpUpsert    = "UPSERT"
	dbOpDelete    = "DELETE"
	dbOpSkipStale = "SKIP_STALE"
	dbOpIgnore    = "IGNORE"
)

// StaleComparator decides whether an incoming source timestamp is stale
// relative to the stored one. The default treats equal timestamps as stale;
// deployments wanting last-write-wins on ties can plug in StaleIfOlder.
type StaleComparator func(newTS, storedTS int64) bool

// StaleIfNotNewer skips envelopes whose timestamp is less than or equal to
// the stored one.
func StaleIfNotNewer(newTS, storedTS int64) bool {
	return newTS <= storedTS
}

// StaleIfOlder skips only strictly older envelopes.
func StaleIfOlder(newTS, storedTS int64) bool {
	return newTS < storedTS
}

// MaterializerOptions tune a Materializer.
type MaterializerOptions struct {
	// Stale decides out-of-order suppression; defaults to StaleIfNotNewer.
	Stale StaleComparator
	// KeyShards sizes the per-key mutex table enforcing the single-writer
	// rule per aggregate. Defaults to 64.
	KeyShards int
}

// Materializer applies decoded envelopes to the document store. Apart from
// the store it is stateless; the log offset is the only progress marker.
type Materializer struct {
	store spikes.DocumentStore
	tel   *telemetry.Telemetry
	clock spikes.Clock
	stale StaleComparator
	locks []sync.Mutex
}

// NewMaterializer builds a Materializer over the given store and telemetry.
func NewMaterializer(store spikes.DocumentStore, tel *telemetry.Telemetry, clock spikes.Clock, options MaterializerOptions) *Materializer {
	if options.Stale == nil {
		options.Stale = StaleIfNotNewer
	}
	if options.KeyShards <= 0 {
		options.KeyShards = 64
	}
	return &Materializer{
		store: store,
		tel:   tel,
		clock: clock,
		stale: options.Stale,
		locks: make([]sync.Mutex, options.KeyShards),
	}
}

// Process materializes one log record and returns the tagged outcome. The
// caller acknowledges the offset only on Ack; Retryable results must be
// redelivered and Fatal ones dead-lettered then acknowledged.
func (m *Materializer) Process(ctx context.Context, rec Record) spikes.ProcessResult {
	started := time.Now()
	partition := telemetry.PartitionLabel(rec.Partition)
	ctx, span := m.tel.StartConsumeSpan(ctx, rec.Topic, rec.Partition, rec.Offset, string(rec.Key))
	defer func() {
		span.End()
		m.tel.ProcessingLatency.WithLabelValues(rec.Topic, partition).Observe(time.Since(started).Seconds())
	}()

	// A null value is a tombstone; acknowledge without touching the store.
	if rec.IsTombstone() {
		m.tel.SetDBOperation(span, dbOpIgnore)
		m.tel.MessagesProcessed.WithLabelValues(rec.Topic, partition, "ignore").Inc()
		return spikes.AckResult()
	}

	envelope, err := Decode(rec)
	if err != nil {
		m.tel.MessagesErrors.WithLabelValues(rec.Topic, partition).Inc()
		m.tel.MarkSpanError(span, err)
		return spikes.FatalResult(err)
	}

	// Single writer per aggregate: concurrent envelopes for the same key
	// serialize on a sharded mutex; distinct keys proceed in parallel.
	lock := m.lockFor(envelope.AggregateID)
	lock.Lock()
	defer lock.Unlock()

	found, current, err := m.store.Get(ctx, envelope.AggregateID)
	if err != nil {
		m.tel.MessagesErrors.WithLabelValues(rec.Topic, partition).Inc()
		m.tel.MarkSpanError(span, err)
		return spikes.RetryableResult(err)
	}

	// Envelopes without a source timestamp always apply.
	newTS := int64(math.MaxInt64)
	if envelope.SourceTimestamp != nil {
		newTS = *envelope.SourceTimestamp
	}
	if found && m.stale(newTS, current.CDCMetadata.SourceTimestamp) {
		m.tel.SetDBOperation(span, dbOpSkipStale)
		m.tel.MessagesProcessed.WithLabelValues(rec.Topic, partition, "skip_stale").Inc()
		return spikes.AckResult()
	}

	if envelope.IsDelete() {
		if found {
			if err := m.store.Delete(ctx, envelope.AggregateID); err != nil {
				m.tel.MessagesErrors.WithLabelValues(rec.Topic, partition).Inc()
				m.tel.MarkSpanError(span, err)
				return spikes.RetryableResult(err)
			}
		}
		m.tel.SetDBOperation(span, dbOpDelete)
		m.tel.DBOperations.WithLabelValues("delete").Inc()
		m.tel.MessagesProcessed.WithLabelValues(rec.Topic, partition, "delete").Inc()
		return spikes.AckResult()
	}

	sourceTS := int64(0)
	if envelope.SourceTimestamp != nil {
		sourceTS = *envelope.SourceTimestamp
	}
	doc := spikes.Document{
		ID:     envelope.AggregateID,
		Fields: envelope.Fields,
		CDCMetadata: spikes.CDCMetadata{
			SourceTimestamp: sourceTS,
			Operation:       string(envelope.Operation),
			LogOffset:       envelope.Offset,
			LogPartition:    envelope.Partition,
			ProcessedAt:     m.clock.Now(),
		},
	}
	if err := m.store.Upsert(ctx, doc); err != nil {
		m.tel.MessagesErrors.WithLabelValues(rec.Topic, partition).Inc()
		m.tel.MarkSpanError(span, err)
		return spikes.RetryableResult(err)
	}
	m.tel.SetDBOperation(span, dbOpUpsert)
	m.tel.DBOperations.WithLabelValues("upsert").Inc()
	m.tel.MessagesProcessed.WithLabelValues(rec.Topic, partition, "upsert").Inc()
	return spikes.AckResult()
}

func (m *Materializer) lockFor(aggregateID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(aggregateID))
	return &m.locks[int(h.Sum32())%len(m.locks)]
}
