package cdc

import (
	"testing"
)

func TestDecodeFullEnvelope(t *testing.T) {
	rec := Record{
		Topic:     "cdc.products",
		Partition: 2,
		Offset:    41,
		Key:       []byte(`{"id":"p-1"}`),
		Value: []byte(`{"payload":{"op":"u","before":null,` +
			`"after":{"id":"p-1","name":"widget","price_cents":1500},` +
			`"source":{"ts_ms":1723500000000,"db":"commerce"}}}`),
	}
	e, err := Decode(rec)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if e.AggregateID != "p-1" {
		t.Errorf("aggregate id, got %s want p-1", e.AggregateID)
	}
	if e.Operation != OpUpdate {
		t.Errorf("operation, got %s want u", e.Operation)
	}
	if e.SourceTimestamp == nil || *e.SourceTimestamp != 1723500000000 {
		t.Errorf("source timestamp, got %v want 1723500000000", e.SourceTimestamp)
	}
	if e.Fields["name"] != "widget" {
		t.Errorf("after fields not carried, got %v", e.Fields)
	}
	if e.IsDelete() {
		t.Error("update classified as delete")
	}
}

func TestDecodeFlattenedEnvelope(t *testing.T) {
	rec := Record{
		Topic: "cdc.products",
		Key:   []byte(`{"id":"p-2"}`),
		Value: []byte(`{"id":"p-2","name":"gadget","__op":"c","__deleted":"false","__source_ts_ms":99}`),
	}
	e, err := Decode(rec)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if e.Operation != OpCreate {
		t.Errorf("operation, got %s want c", e.Operation)
	}
	if e.SourceTimestamp == nil || *e.SourceTimestamp != 99 {
		t.Errorf("source timestamp, got %v want 99", e.SourceTimestamp)
	}
	if _, ok := e.Fields["__op"]; ok {
		t.Error("bookkeeping fields leaked into document fields")
	}
	if e.Fields["name"] != "gadget" {
		t.Errorf("row fields missing, got %v", e.Fields)
	}
}

func TestDecodeFlattenedDeleteFlag(t *testing.T) {
	rec := Record{
		Key:   []byte(`{"id":"p-3"}`),
		Value: []byte(`{"id":"p-3","__op":"u","__deleted":"true"}`),
	}
	e, err := Decode(rec)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !e.IsDelete() {
		t.Error("__deleted=true must classify as delete")
	}
}

func TestDecodeSnapshotReadMaterializesAsCreate(t *testing.T) {
	rec := Record{
		Key:   []byte(`{"id":"p-4"}`),
		Value: []byte(`{"payload":{"op":"r","after":{"id":"p-4"},"source":{"ts_ms":1}}}`),
	}
	e, err := Decode(rec)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if e.Operation != OpCreate {
		t.Errorf("snapshot read, got %s want c", e.Operation)
	}
}

func TestDecodeKeyShapes(t *testing.T) {
	cases := []struct {
		name string
		key  []byte
		want string
	}{
		{"json object", []byte(`{"id":"k-1"}`), "k-1"},
		{"schema wrapped", []byte(`{"payload":{"id":"k-2"}}`), "k-2"},
		{"numeric id", []byte(`{"id":42}`), "42"},
		{"bare string", []byte(`"k-3"`), "k-3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, err := Decode(Record{Key: tc.key, Value: []byte(`{"payload":{"op":"c","after":{"id":"fallback"}}}`)})
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if e.AggregateID != tc.want {
				t.Errorf("got %s want %s", e.AggregateID, tc.want)
			}
		})
	}
}

func TestDecodeKeyFallsBackToPayloadID(t *testing.T) {
	e, err := Decode(Record{Value: []byte(`{"id":"p-9","__op":"c"}`)})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if e.AggregateID != "p-9" {
		t.Errorf("got %s want p-9", e.AggregateID)
	}
}

func TestDecodeGarbageIsAnError(t *testing.T) {
	if _, err := Decode(Record{Key: []byte(`{"id":"x"}`), Value: []byte(`not json`)}); err == nil {
		t.Error("garbage value must not decode")
	}
}

func TestDecodeMissingAggregateIDIsAnError(t *testing.T) {
	if _, err := Decode(Record{Value: []byte(`{"name":"no id here","__op":"c"}`)}); err == nil {
		t.Error("envelope without aggregate id must not decode")
	}
}
