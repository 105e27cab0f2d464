// Package instrumentation provides OpenTelemetry metrics and tracing for
// the mcp-authkit library. When disabled (the default), all components use
// no-op providers with zero overhead.
package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// scopePrefix namespaces all meters and tracers created by this library.
const scopePrefix = "github.com/giantswarm/mcp-authkit/"

// Config holds instrumentation configuration.
type Config struct {
	// ServiceName identifies the embedding service in telemetry scopes.
	ServiceName string

	// ServiceVersion is reported alongside the service name.
	ServiceVersion string

	// MeterProvider supplies meters. Nil means no-op.
	MeterProvider metric.MeterProvider

	// TracerProvider supplies tracers. Nil means no-op.
	TracerProvider trace.TracerProvider

	// Resource carries custom resource attributes. Nil means a default
	// resource built from ServiceName and ServiceVersion.
	Resource *resource.Resource
}

// Instrumentation hands out meters, tracers, and the pre-built metric
// instruments the library records.
type Instrumentation struct {
	serviceName    string
	resource       *resource.Resource
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metrics        *Metrics
}

// New creates an Instrumentation from the given config. Missing providers
// fall back to no-op implementations.
func New(cfg Config) (*Instrumentation, error) {
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = metricnoop.NewMeterProvider()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = tracenoop.NewTracerProvider()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "mcp-authkit"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "unknown"
	}

	res := cfg.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(cfg.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	i := &Instrumentation{
		serviceName:    cfg.ServiceName,
		resource:       res,
		meterProvider:  cfg.MeterProvider,
		tracerProvider: cfg.TracerProvider,
	}

	m, err := newMetrics(i)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	i.metrics = m

	return i, nil
}

// NewNoop returns an Instrumentation backed entirely by no-op providers.
func NewNoop() *Instrumentation {
	i, _ := New(Config{})
	return i
}

// Meter returns a meter for the given scope.
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the pre-configured metric instruments.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// Resource returns the service identity for exporter setup. Embedders pass
// it to their SDK meter and tracer providers so telemetry from this library
// carries the same attributes as their own.
func (i *Instrumentation) Resource() *resource.Resource {
	return i.resource
}

// RegisterStoreSizeCallbacks registers observable gauges that report live
// store sizes: issued tokens, registered clients, pending PKCE entries,
// and session metadata records. Callbacks must be safe for concurrent use
// (atomic counters, not lock acquisition).
func (i *Instrumentation) RegisterStoreSizeCallbacks(tokens, clients, pkce, sessions func() int64) error {
	meter := i.Meter("storage")

	instruments := []struct {
		name string
		desc string
		fn   func() int64
	}{
		{"authkit.storage.tokens", "Number of issued token records", tokens},
		{"authkit.storage.clients", "Number of registered clients", clients},
		{"authkit.storage.pkce_entries", "Number of pending PKCE entries", pkce},
		{"authkit.storage.sessions", "Number of session metadata records", sessions},
	}

	for _, inst := range instruments {
		if inst.fn == nil {
			continue
		}
		fn := inst.fn
		_, err := meter.Int64ObservableGauge(inst.name,
			metric.WithDescription(inst.desc),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(fn())
				return nil
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to register gauge %s: %w", inst.name, err)
		}
	}

	return nil
}
