package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nadeem4/nl2sql-sub001/core"
)

// OTelConfig selects the exporter backend.
type OTelConfig struct {
	// Exporter is "none", "console", or "otlp".
	Exporter     string
	OTLPEndpoint string
	ServiceName  string
}

// Provider owns the configured meter and tracer providers plus the
// core.Metrics implementation components emit through.
type Provider struct {
	Metrics core.Metrics
	Tracer  trace.Tracer

	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
}

// InitOTel wires metrics and tracing for the configured exporter.
// Exporter "none" returns no-op implementations with zero overhead.
func InitOTel(ctx context.Context, cfg OTelConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "nl2sql"
	}
	if cfg.Exporter == "" || cfg.Exporter == "none" {
		return &Provider{
			Metrics: &core.NoOpMetrics{},
			Tracer:  noop.NewTracerProvider().Tracer(cfg.ServiceName),
		}, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("building otel resource: %w", err)
	}

	var metricExp sdkmetric.Exporter
	var traceExp sdktrace.SpanExporter

	switch cfg.Exporter {
	case "console":
		if metricExp, err = stdoutmetric.New(); err != nil {
			return nil, fmt.Errorf("creating console metric exporter: %w", err)
		}
		if traceExp, err = stdouttrace.New(stdouttrace.WithPrettyPrint()); err != nil {
			return nil, fmt.Errorf("creating console trace exporter: %w", err)
		}
	case "otlp":
		metricOpts := []otlpmetrichttp.Option{}
		traceOpts := []otlptracehttp.Option{}
		if ep := cfg.OTLPEndpoint; ep != "" {
			if strings.Contains(ep, "://") {
				metricOpts = append(metricOpts, otlpmetrichttp.WithEndpointURL(ep))
				traceOpts = append(traceOpts, otlptracehttp.WithEndpointURL(ep))
			} else {
				metricOpts = append(metricOpts, otlpmetrichttp.WithEndpoint(ep), otlpmetrichttp.WithInsecure())
				traceOpts = append(traceOpts, otlptracehttp.WithEndpoint(ep), otlptracehttp.WithInsecure())
			}
		}
		if metricExp, err = otlpmetrichttp.New(ctx, metricOpts...); err != nil {
			return nil, fmt.Errorf("creating otlp metric exporter: %w", err)
		}
		if traceExp, err = otlptracehttp.New(ctx, traceOpts...); err != nil {
			return nil, fmt.Errorf("creating otlp trace exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown exporter %q", core.ErrInvalidConfiguration, cfg.Exporter)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
	)
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExp),
	)

	return &Provider{
		Metrics:        NewOTelMetrics(meterProvider.Meter(cfg.ServiceName)),
		Tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
	}, nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OTelMetrics implements core.Metrics on an otel meter, creating each
// instrument once and caching it by name.
type OTelMetrics struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

// NewOTelMetrics wraps a meter.
func NewOTelMetrics(meter metric.Meter) *OTelMetrics {
	return &OTelMetrics{
		meter:      meter,
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (m *OTelMetrics) Counter(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	counter, ok := m.counters[name]
	if !ok {
		var err error
		if counter, err = m.meter.Float64Counter(name); err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = counter
	}
	m.mu.Unlock()
	counter.Add(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

func (m *OTelMetrics) Histogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	hist, ok := m.histograms[name]
	if !ok {
		var err error
		if hist, err = m.meter.Float64Histogram(name); err != nil {
			m.mu.Unlock()
			return
		}
		m.histograms[name] = hist
	}
	m.mu.Unlock()
	hist.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

func toAttributes(labels map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}
