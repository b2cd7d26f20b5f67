package main

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

const instrumentationName = "vehicle-transactions"

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
}

func initTracer(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if cfg.TelemetryEnabled {
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetTracerProvider(tp)

	return tp, nil
}

func initMetrics(ctx context.Context, cfg Config) (*sdkmetric.MeterProvider, error) {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.TelemetryEnabled {
		exporter, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	return mp, nil
}

// Metrics agrupa os instrumentos do ciclo de vida das transações
type Metrics struct {
	transitions     metric.Int64Counter
	reconciliations metric.Int64Counter
	sweepTasks      metric.Int64Counter
	sweepAffected   metric.Int64Counter
	notifications   metric.Int64Counter
	tickDuration    metric.Float64Histogram
}

// NewMetrics cria os instrumentos no meter informado
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	if m.transitions, err = meter.Int64Counter("transactions.state_transitions",
		metric.WithDescription("State transitions applied to rentals and purchases")); err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}
	if m.reconciliations, err = meter.Int64Counter("transactions.payment_reconciliations",
		metric.WithDescription("Payment webhook reconciliations by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create reconciliations counter: %w", err)
	}
	if m.sweepTasks, err = meter.Int64Counter("transactions.sweep_tasks",
		metric.WithDescription("Sweep task executions by status")); err != nil {
		return nil, fmt.Errorf("failed to create sweep tasks counter: %w", err)
	}
	if m.sweepAffected, err = meter.Int64Counter("transactions.sweep_affected_records",
		metric.WithDescription("Records changed, notified or deleted by sweep tasks")); err != nil {
		return nil, fmt.Errorf("failed to create sweep affected counter: %w", err)
	}
	if m.notifications, err = meter.Int64Counter("transactions.notifications",
		metric.WithDescription("Notifications dispatched by kind and status")); err != nil {
		return nil, fmt.Errorf("failed to create notifications counter: %w", err)
	}
	if m.tickDuration, err = meter.Float64Histogram("transactions.sweep_tick_duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of a full sweep tick")); err != nil {
		return nil, fmt.Errorf("failed to create tick duration histogram: %w", err)
	}

	return &m, nil
}

func (m *Metrics) RecordTransition(ctx context.Context, entity, from, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) RecordReconciliation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.reconciliations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordSweepTask(ctx context.Context, task string, affected int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("task", task), attribute.String("status", statusOf(err)))
	m.sweepTasks.Add(ctx, 1, attrs)
	m.sweepAffected.Add(ctx, int64(affected), metric.WithAttributes(attribute.String("task", task)))
}

func (m *Metrics) RecordNotification(ctx context.Context, kind NotificationKind, err error) {
	if m == nil {
		return
	}
	m.notifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("status", statusOf(err)),
	))
}

func (m *Metrics) RecordTick(ctx context.Context, d time.Duration, aborted bool) {
	if m == nil {
		return
	}
	m.tickDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("aborted", aborted)))
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
