// Package telemetry is the observability port shared by the CDC consumer and
// the saga engine: one OpenTelemetry tracer plus the Prometheus collectors
// both cores emit into. Construct with a private Registerer in tests to read
// counter deltas from a clean baseline.
package telemetry

import (
	"context"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/commercelab/spikes"

// Telemetry bundles the tracer and metric instruments.
type Telemetry struct {
	tracer trace.Tracer

	// CDC pipeline.
	MessagesProcessed *prometheus.CounterVec
	MessagesErrors    *prometheus.CounterVec
	DBOperations      *prometheus.CounterVec
	ProcessingLatency *prometheus.HistogramVec

	// Saga engine.
	StepDuration    *prometheus.HistogramVec
	SagaOutcomes    *prometheus.CounterVec
	CommandOutcomes *prometheus.CounterVec
}

// New builds the instruments and registers them on reg. The global otel
// tracer provider supplies the tracer; with no SDK installed spans are no-ops.
func New(reg prometheus.Registerer) *Telemetry {
	factory := promauto.With(reg)
	return &Telemetry{
		tracer: otel.Tracer(instrumentationName),
		MessagesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_messages_processed_total",
			Help: "CDC envelopes processed, by topic, partition and applied operation.",
		}, []string{"topic", "partition", "operation"}),
		MessagesErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_messages_errors_total",
			Help: "CDC envelopes that failed decoding or application.",
		}, []string{"topic", "partition"}),
		DBOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_db_operations_total",
			Help: "Document store mutations performed by the materializer.",
		}, []string{"operation"}),
		ProcessingLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdc_processing_latency_seconds",
			Help:    "Envelope latency from span start to acknowledgement.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic", "partition"}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_step_duration_seconds",
			Help:    "Execution time per saga step.",
			Buckets: prometheus.DefBuckets,
		}, []string{"step"}),
		SagaOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_executions_total",
			Help: "Finished saga executions by terminal result.",
		}, []string{"result"}),
		CommandOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "product_commands_total",
			Help: "Handled product commands by command type and outcome.",
		}, []string{"command", "outcome"}),
	}
}

// StartConsumeSpan opens the consumer span for one envelope, named
// "cdc-consume {topic}" with the messaging attributes attached.
func (t *Telemetry) StartConsumeSpan(ctx context.Context, topic string, partition int32, offset int64, key string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("cdc-consume %s", topic),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", topic),
			attribute.Int64("messaging.kafka.partition", int64(partition)),
			attribute.Int64("messaging.kafka.offset", offset),
			attribute.String("messaging.kafka.message_key", key),
		))
}

// SetDBOperation records which store mutation (UPSERT, DELETE, SKIP_STALE,
// IGNORE) the envelope resulted in.
func (t *Telemetry) SetDBOperation(span trace.Span, operation string) {
	span.SetAttributes(attribute.String("db.operation", operation))
}

// MarkSpanError flags the span as failed and attaches the error.
func (t *Telemetry) MarkSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// PartitionLabel renders a partition number the way all CDC metrics label it.
func PartitionLabel(partition int32) string {
	return strconv.Itoa(int(partition))
}
