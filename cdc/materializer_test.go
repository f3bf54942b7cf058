package cdc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/commercelab/spikes"
	"github.com/commercelab/spikes/docstore"
	"github.com/commercelab/spikes/telemetry"
)

var frozen = spikes.FrozenClock{T: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}

func newTestMaterializer(store spikes.DocumentStore) *Materializer {
	tel := telemetry.New(prometheus.NewRegistry())
	return NewMaterializer(store, tel, frozen, MaterializerOptions{})
}

func record(id string, op string, ts int64, fields string) Record {
	return Record{
		Topic:     "cdc.products",
		Partition: 0,
		Offset:    1,
		Key:       []byte(fmt.Sprintf(`{"id":%q}`, id)),
		Value: []byte(fmt.Sprintf(`{"payload":{"op":%q,"after":%s,"source":{"ts_ms":%d}}}`,
			op, fields, ts)),
	}
}

func TestProcessCreateMaterializesDocument(t *testing.T) {
	store := docstore.NewInMemoryStore()
	mat := newTestMaterializer(store)

	res := mat.Process(context.Background(), record("p-1", "c", 100, `{"id":"p-1","name":"widget"}`))
	if res.Status != spikes.Ack {
		t.Fatalf("status, got %v want Ack (err=%v)", res.Status, res.Err)
	}
	found, doc, _ := store.Get(context.Background(), "p-1")
	if !found {
		t.Fatal("document not materialized")
	}
	if doc.Fields["name"] != "widget" {
		t.Errorf("fields, got %v", doc.Fields)
	}
	if doc.CDCMetadata.SourceTimestamp != 100 {
		t.Errorf("source timestamp, got %d want 100", doc.CDCMetadata.SourceTimestamp)
	}
	if !doc.CDCMetadata.ProcessedAt.Equal(frozen.T) {
		t.Errorf("processed at, got %v", doc.CDCMetadata.ProcessedAt)
	}
}

func TestProcessUpdateReplacesDocument(t *testing.T) {
	store := docstore.NewInMemoryStore()
	mat := newTestMaterializer(store)
	ctx := context.Background()

	mat.Process(ctx, record("p-1", "c", 100, `{"id":"p-1","name":"widget","color":"red"}`))
	res := mat.Process(ctx, record("p-1", "u", 200, `{"id":"p-1","name":"widget v2"}`))
	if res.Status != spikes.Ack {
		t.Fatalf("status, got %v want Ack", res.Status)
	}
	_, doc, _ := store.Get(ctx, "p-1")
	if doc.Fields["name"] != "widget v2" {
		t.Errorf("update not applied, got %v", doc.Fields)
	}
	// Full replacement, no merging with prior state.
	if _, ok := doc.Fields["color"]; ok {
		t.Error("stale field survived a full-replace update")
	}
}

func TestProcessSuppressesStaleEnvelope(t *testing.T) {
	store := docstore.NewInMemoryStore()
	mat := newTestMaterializer(store)
	ctx := context.Background()

	mat.Process(ctx, record("p-1", "u", 200, `{"id":"p-1","name":"newer"}`))
	res := mat.Process(ctx, record("p-1", "u", 100, `{"id":"p-1","name":"older"}`))
	if res.Status != spikes.Ack {
		t.Fatalf("stale envelope must still ack, got %v", res.Status)
	}
	_, doc, _ := store.Get(ctx, "p-1")
	if doc.Fields["name"] != "newer" {
		t.Errorf("stale envelope overwrote newer state: %v", doc.Fields)
	}
}

func TestProcessEqualTimestampIsStale(t *testing.T) {
	store := docstore.NewInMemoryStore()
	mat := newTestMaterializer(store)
	ctx := context.Background()

	mat.Process(ctx, record("p-1", "u", 100, `{"id":"p-1","name":"first"}`))
	mat.Process(ctx, record("p-1", "u", 100, `{"id":"p-1","name":"second"}`))
	_, doc, _ := store.Get(ctx, "p-1")
	if doc.Fields["name"] != "first" {
		t.Errorf("equal timestamp must be suppressed, got %v", doc.Fields)
	}
}

func TestProcessRedeliveryIsIdempotent(t *testing.T) {
	store := docstore.NewInMemoryStore()
	mat := newTestMaterializer(store)
	ctx := context.Background()

	rec := record("p-1", "c", 100, `{"id":"p-1","name":"widget"}`)
	first := mat.Process(ctx, rec)
	second := mat.Process(ctx, rec)
	if first.Status != spikes.Ack || second.Status != spikes.Ack {
		t.Fatal("redelivery must ack both times")
	}
	_, doc, _ := store.Get(ctx, "p-1")
	if doc.Fields["name"] != "widget" || store.Len() != 1 {
		t.Errorf("redelivery changed state: %v (len=%d)", doc.Fields, store.Len())
	}
}

func TestProcessDeleteRemovesDocument(t *testing.T) {
	store := docstore.NewInMemoryStore()
	mat := newTestMaterializer(store)
	ctx := context.Background()

	mat.Process(ctx, record("p-1", "c", 100, `{"id":"p-1"}`))
	res := mat.Process(ctx, record("p-1", "d", 200, `{"id":"p-1"}`))
	if res.Status != spikes.Ack {
		t.Fatalf("delete, got %v want Ack", res.Status)
	}
	if store.Len() != 0 {
		t.Error("document survived delete")
	}
}

func TestProcessDeleteOfAbsentDocumentAcks(t *testing.T) {
	store := docstore.NewInMemoryStore()
	mat := newTestMaterializer(store)

	res := mat.Process(context.Background(), record("ghost", "d", 200, `{"id":"ghost"}`))
	if res.Status != spikes.Ack {
		t.Errorf("delete of absent document must ack, got %v", res.Status)
	}
}

func TestProcessTombstoneAcksWithoutStoreAccess(t *testing.T) {
	store := docstore.NewInMemoryStore()
	store.ErrOnRead = errors.New("store must not be touched")
	mat := newTestMaterializer(store)

	res := mat.Process(context.Background(), Record{Topic: "cdc.products", Key: []byte(`{"id":"p-1"}`)})
	if res.Status != spikes.Ack {
		t.Errorf("tombstone, got %v want Ack", res.Status)
	}
}

func TestProcessGarbageIsFatal(t *testing.T) {
	mat := newTestMaterializer(docstore.NewInMemoryStore())

	res := mat.Process(context.Background(), Record{Topic: "cdc.products", Key: []byte(`{"id":"p-1"}`), Value: []byte("not json")})
	if res.Status != spikes.Fatal {
		t.Errorf("garbage, got %v want Fatal", res.Status)
	}
	if res.Err == nil {
		t.Error("fatal result must carry the cause")
	}
}

func TestProcessStoreFailureIsRetryable(t *testing.T) {
	store := docstore.NewInMemoryStore()
	store.ErrOnWrite = errors.New("connection refused")
	mat := newTestMaterializer(store)

	res := mat.Process(context.Background(), record("p-1", "c", 100, `{"id":"p-1"}`))
	if res.Status != spikes.Retryable {
		t.Errorf("store failure, got %v want Retryable", res.Status)
	}
}

func TestProcessMissingTimestampAlwaysApplies(t *testing.T) {
	store := docstore.NewInMemoryStore()
	mat := newTestMaterializer(store)
	ctx := context.Background()

	mat.Process(ctx, record("p-1", "u", 500, `{"id":"p-1","name":"stamped"}`))
	res := mat.Process(ctx, Record{
		Topic: "cdc.products",
		Key:   []byte(`{"id":"p-1"}`),
		Value: []byte(`{"payload":{"op":"u","after":{"id":"p-1","name":"unstamped"}}}`),
	})
	if res.Status != spikes.Ack {
		t.Fatalf("got %v want Ack", res.Status)
	}
	_, doc, _ := store.Get(ctx, "p-1")
	if doc.Fields["name"] != "unstamped" {
		t.Errorf("envelope without timestamp must apply, got %v", doc.Fields)
	}
}

func TestProcessLastWriteWinsComparator(t *testing.T) {
	store := docstore.NewInMemoryStore()
	tel := telemetry.New(prometheus.NewRegistry())
	mat := NewMaterializer(store, tel, frozen, MaterializerOptions{Stale: StaleIfOlder})
	ctx := context.Background()

	mat.Process(ctx, record("p-1", "u", 100, `{"id":"p-1","name":"first"}`))
	mat.Process(ctx, record("p-1", "u", 100, `{"id":"p-1","name":"second"}`))
	_, doc, _ := store.Get(ctx, "p-1")
	if doc.Fields["name"] != "second" {
		t.Errorf("last-write-wins comparator must apply ties, got %v", doc.Fields)
	}
}
