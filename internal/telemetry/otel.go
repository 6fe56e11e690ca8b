// Package telemetry wires the engine to OpenTelemetry: one provider owning
// the trace and metric pipelines, exporting over OTLP/HTTP when a collector
// endpoint is configured and to stdout otherwise. Constructed once at
// startup; every actor reaches it through the tracer/meter accessors, never
// by re-initializing.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the process's telemetry pipelines.
type Provider struct {
	tracer         trace.Tracer
	meter          metric.Meter
	traceProvider  *sdktrace.TracerProvider
	metricProvider *sdkmetric.MeterProvider

	errorCounter    metric.Int64Counter
	taskCounter     metric.Int64Counter
	downshiftGauge  metric.Int64Counter
	taskDuration    metric.Float64Histogram

	shutdownOnce sync.Once
}

// Config selects the export target.
type Config struct {
	ServiceName string
	// Endpoint is an OTLP/HTTP collector endpoint (host:port). Empty means
	// export traces to stdout and keep metrics in-process only.
	Endpoint       string
	MetricInterval time.Duration
}

// New constructs the Provider and installs it as the global OTel provider
// pair so instrumentation libraries (otelhttp) pick it up.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("telemetry: service name cannot be empty")
	}
	if cfg.MetricInterval <= 0 {
		cfg.MetricInterval = 30 * time.Second
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.ServiceName),
	)

	var traceOpts []sdktrace.TracerProviderOption
	traceOpts = append(traceOpts, sdktrace.WithResource(res))

	var metricOpts []sdkmetric.Option
	metricOpts = append(metricOpts, sdkmetric.WithResource(res))

	if cfg.Endpoint != "" {
		traceExporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: creating trace exporter for %s: %w", cfg.Endpoint, err)
		}
		metricExporter, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(cfg.Endpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			_ = traceExporter.Shutdown(ctx)
			return nil, fmt.Errorf("telemetry: creating metric exporter for %s: %w", cfg.Endpoint, err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(traceExporter))
		metricOpts = append(metricOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(cfg.MetricInterval)),
		))
	} else {
		stdoutExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("telemetry: creating stdout trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(stdoutExporter))
	}

	tp := sdktrace.NewTracerProvider(traceOpts...)
	mp := sdkmetric.NewMeterProvider(metricOpts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	p := &Provider{
		tracer:         tp.Tracer(cfg.ServiceName),
		meter:          mp.Meter(cfg.ServiceName),
		traceProvider:  tp,
		metricProvider: mp,
	}
	if err := p.initInstruments(); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}
	return p, nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.errorCounter, err = p.meter.Int64Counter("crawler.errors",
		metric.WithDescription("Errors logged, by service and level"))
	if err != nil {
		return fmt.Errorf("telemetry: creating error counter: %w", err)
	}
	p.taskCounter, err = p.meter.Int64Counter("crawler.tasks",
		metric.WithDescription("Task terminal outcomes, by stage and outcome"))
	if err != nil {
		return fmt.Errorf("telemetry: creating task counter: %w", err)
	}
	p.downshiftGauge, err = p.meter.Int64Counter("crawler.concurrency.shifts",
		metric.WithDescription("Governor limit adjustments, by class and direction"))
	if err != nil {
		return fmt.Errorf("telemetry: creating downshift counter: %w", err)
	}
	p.taskDuration, err = p.meter.Float64Histogram("crawler.task.duration_ms",
		metric.WithDescription("Task elapsed time including retries, in milliseconds"))
	if err != nil {
		return fmt.Errorf("telemetry: creating task duration histogram: %w", err)
	}
	return nil
}

// Tracer returns the engine's tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Meter returns the engine's meter.
func (p *Provider) Meter() metric.Meter { return p.meter }

// IncrementErrorCount satisfies telemetrylog.MetricEmitter.
func (p *Provider) IncrementErrorCount(serviceName, level string) {
	p.errorCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("service", serviceName),
		attribute.String("level", level),
	))
}

// RecordTaskOutcome counts one task terminal outcome and its total elapsed
// time.
func (p *Provider) RecordTaskOutcome(ctx context.Context, stage string, success bool, elapsed time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	)
	p.taskCounter.Add(ctx, 1, attrs)
	p.taskDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

// RecordConcurrencyShift counts one governor limit adjustment.
func (p *Provider) RecordConcurrencyShift(ctx context.Context, class, direction string) {
	p.downshiftGauge.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", class),
		attribute.String("direction", direction),
	))
}

// Shutdown flushes and stops both pipelines. Safe to call more than once.
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		traceErr := p.traceProvider.Shutdown(ctx)
		metricErr := p.metricProvider.Shutdown(ctx)
		if traceErr != nil {
			err = traceErr
		} else {
			err = metricErr
		}
	})
	return err
}
