package spikes

import (
	"context"
	"time"
)

// CDCMetadata travels with every materialized document and records the
// envelope that produced the stored state. SourceTimestamp is the maximum
// logical time ever applied for the aggregate.
type CDCMetadata struct {
	SourceTimestamp int64     `json:"source_timestamp"`
	Operation       string    `json:"operation"`
	LogOffset       int64     `json:"log_offset"`
	LogPartition    int32     `json:"log_partition"`
	ProcessedAt     time.Time `json:"processed_at"`
}

// Document is a materialized per-aggregate view. Fields fully replaces the
// prior payload on every upsert; there is no field-level merging.
type Document struct {
	ID          string         `json:"_id"`
	Fields      map[string]any `json:"fields"`
	CDCMetadata CDCMetadata    `json:"cdc_metadata"`
}

// DocumentStore is the downstream store the CDC materializer writes to.
// Get returns found=false (and no error) when the document does not exist.
type DocumentStore interface {
	Get(ctx context.Context, id string) (bool, Document, error)
	Upsert(ctx context.Context, doc Document) error
	// Delete is a no-op when the document does not exist.
	Delete(ctx context.Context, id string) error
}

// DeadLetterSink receives envelopes that permanently failed decoding or
// application. Implementations must be safe for concurrent use.
type DeadLetterSink interface {
	Send(ctx context.Context, topic string, partition int32, offset int64, key, value []byte, cause error) error
}
