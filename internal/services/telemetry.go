package services

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/torquebay/api/internal/services"

var tracer = otel.Tracer(instrumentationName)

type reservationMetrics struct {
	commits       metric.Int64Counter
	bulkItems     metric.Int64Counter
	notifications metric.Int64Counter
	reconciles    metric.Int64Counter
}

func newReservationMetrics(meter metric.Meter) reservationMetrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	fallback := noop.NewMeterProvider().Meter(instrumentationName)
	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil {
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}
	return reservationMetrics{
		commits:       counter("reservations.commit.outcomes", "Mirrored write outcomes by kind"),
		bulkItems:     counter("reservations.bulk.items", "Bulk transition item outcomes"),
		notifications: counter("reservations.notifications", "Status change notifications by result"),
		reconciles:    counter("reservations.reconcile.attempts", "Reconciliation attempts by result"),
	}
}

func (m reservationMetrics) add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
