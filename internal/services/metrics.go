package services

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/branchorder/api/internal/services"

var tracer = otel.Tracer(instrumentationName)

// Metrics records engine outcomes. A nil *Metrics is valid and records nothing.
type Metrics struct {
	dedupHits        metric.Int64Counter
	confirmResults   metric.Int64Counter
	webhooksHandled  metric.Int64Counter
	providerLatency  metric.Float64Histogram
	refundsProcessed metric.Int64Counter
}

// NewMetrics registers instruments on meter, falling back to the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	dedupHits, err := meter.Int64Counter(
		"orders.dedup.hits",
		metric.WithDescription("Order submissions answered with an existing order"),
	)
	if err != nil {
		return nil, err
	}
	confirmResults, err := meter.Int64Counter(
		"payments.confirm.result",
		metric.WithDescription("Payment confirmation outcomes"),
	)
	if err != nil {
		return nil, err
	}
	webhooksHandled, err := meter.Int64Counter(
		"webhooks.processed",
		metric.WithDescription("Provider webhook deliveries by event type and outcome"),
	)
	if err != nil {
		return nil, err
	}
	providerLatency, err := meter.Float64Histogram(
		"payments.provider.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds of outbound payment provider calls"),
	)
	if err != nil {
		return nil, err
	}
	refunds, err := meter.Int64Counter(
		"payments.refunds",
		metric.WithDescription("Refunds recorded by resulting payment status"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{
		dedupHits:        dedupHits,
		confirmResults:   confirmResults,
		webhooksHandled:  webhooksHandled,
		providerLatency:  providerLatency,
		refundsProcessed: refunds,
	}, nil
}

func (m *Metrics) dedupHit(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.dedupHits.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) confirmResult(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.confirmResults.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) webhookHandled(ctx context.Context, eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhooksHandled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) providerCall(ctx context.Context, op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.providerLatency.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("error", err != nil),
	))
}

func (m *Metrics) refundRecorded(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.refundsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
