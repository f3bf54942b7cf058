// Package cdc consumes Debezium-style change events from a partitioned,
// offset-addressed log and maintains materialized per-aggregate documents in
// the downstream document store. Application is exactly-once effective under
// redelivery, reordering and partial failure: stale envelopes are suppressed
// by source timestamp and offsets are only acknowledged after the
// store-confirmed write.
package cdc

import (
	"encoding/json"
	"fmt"
)

// Operation is the change kind carried by an envelope.
type Operation string

const (
	OpCreate  Operation = "c"
	OpUpdate  Operation = "u"
	OpDelete  Operation = "d"
	OpUnknown Operation = "unknown"
)

// Record is one raw log record as fetched from the broker.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// IsTombstone reports whether the record carries a null value.
func (r Record) IsTombstone() bool {
	return len(r.Value) == 0
}

// Envelope is a decoded change event.
type Envelope struct {
	AggregateID string
	Operation   Operation
	// Deleted mirrors the connector's "__deleted" flag: "true", "false" or
	// empty when absent.
	Deleted string
	// SourceTimestamp is the logical time assigned by the source; nil when
	// the connector did not emit one.
	SourceTimestamp *int64
	// Fields is the after-state payload, stripped of connector bookkeeping.
	Fields map[string]any

	Topic     string
	Partition int32
	Offset    int64
}

// IsDelete classifies the envelope: a "d" operation or an explicit
// deleted="true" flag both mean delete.
func (e Envelope) IsDelete() bool {
	return e.Operation == OpDelete || e.Deleted == "true"
}

// Decode parses a log record into an Envelope. Both the full Debezium
// envelope shape ({"payload":{"op","before","after","source"}}, with or
// without the schema wrapper) and the flattened single-message-transform
// shape (row fields plus "__op"/"__deleted"/"__source_ts_ms") are accepted.
// The caller must have screened tombstones already.
func Decode(r Record) (Envelope, error) {
	e := Envelope{
		Operation: OpUnknown,
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
	}

	var value map[string]any
	if err := json.Unmarshal(r.Value, &value); err != nil {
		return e, fmt.Errorf("decoding envelope value at %s/%d@%d: %w", r.Topic, r.Partition, r.Offset, err)
	}
	// Unwrap the schema envelope when present.
	if payload, ok := value["payload"].(map[string]any); ok {
		value = payload
	}

	if op, ok := value["op"].(string); ok {
		e.Operation = parseOperation(op)
		// Full envelope shape.
		if after, ok := value["after"].(map[string]any); ok {
			e.Fields = after
		}
		if source, ok := value["source"].(map[string]any); ok {
			if ts, ok := asInt64(source["ts_ms"]); ok {
				e.SourceTimestamp = &ts
			}
		}
	} else {
		// Flattened shape: bookkeeping fields ride next to the row fields.
		if op, ok := value["__op"].(string); ok {
			e.Operation = parseOperation(op)
		}
		if ts, ok := asInt64(value["__source_ts_ms"]); ok {
			e.SourceTimestamp = &ts
		}
		if deleted, ok := value["__deleted"].(string); ok {
			e.Deleted = deleted
		}
		fields := make(map[string]any, len(value))
		for k, v := range value {
			if len(k) > 1 && k[0] == '_' && k[1] == '_' {
				continue
			}
			fields[k] = v
		}
		e.Fields = fields
	}

	if deleted, ok := value["__deleted"].(string); ok {
		e.Deleted = deleted
	}

	id, err := decodeAggregateID(r.Key, e.Fields)
	if err != nil {
		return e, fmt.Errorf("decoding envelope key at %s/%d@%d: %w", r.Topic, r.Partition, r.Offset, err)
	}
	e.AggregateID = id
	return e, nil
}

// decodeAggregateID extracts the aggregate id from the record key, falling
// back to the payload's "id" field. Keys may be a JSON object (optionally
// schema-wrapped) or a bare string.
func decodeAggregateID(key []byte, fields map[string]any) (string, error) {
	if len(key) > 0 {
		var keyDoc map[string]any
		if err := json.Unmarshal(key, &keyDoc); err == nil {
			if payload, ok := keyDoc["payload"].(map[string]any); ok {
				keyDoc = payload
			}
			if id, ok := keyDoc["id"].(string); ok && id != "" {
				return id, nil
			}
			if id, ok := asInt64(keyDoc["id"]); ok {
				return fmt.Sprintf("%d", id), nil
			}
		}
		var s string
		if err := json.Unmarshal(key, &s); err == nil && s != "" {
			return s, nil
		}
	}
	if id, ok := fields["id"].(string); ok && id != "" {
		return id, nil
	}
	return "", fmt.Errorf("no aggregate id in key or payload")
}

func parseOperation(op string) Operation {
	switch op {
	case "c", "r":
		// Snapshot reads materialize the same way creates do.
		return OpCreate
	case "u":
		return OpUpdate
	case "d":
		return OpDelete
	default:
		return OpUnknown
	}
}

// asInt64 coerces JSON numbers (decoded as float64) and integer types.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
