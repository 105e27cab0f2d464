package instrumentation

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments recorded across the library.
type Metrics struct {
	flowOperations     metric.Int64Counter
	tokenOperations    metric.Int64Counter
	storageOperations  metric.Int64Counter
	storageDuration    metric.Float64Histogram
	providerCalls      metric.Int64Counter
	instanceRecreation metric.Int64Counter
	instanceEvictions  metric.Int64Counter
	rateLimitExceeded  metric.Int64Counter
}

func newMetrics(i *Instrumentation) (*Metrics, error) {
	meter := i.Meter("metrics")
	m := &Metrics{}

	var errs []error
	counter := func(dst *metric.Int64Counter, name, desc string) {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = c
	}

	counter(&m.flowOperations, "authkit.flow.operations",
		"OAuth flow operations by type and outcome")
	counter(&m.tokenOperations, "authkit.token.operations",
		"Token endpoint operations by grant type and outcome")
	counter(&m.storageOperations, "authkit.storage.operations",
		"Store operations by operation and result")
	counter(&m.providerCalls, "authkit.provider.calls",
		"Upstream identity provider calls by provider and operation")
	counter(&m.instanceRecreation, "authkit.instance.recreations",
		"Server instances reconstructed from session metadata")
	counter(&m.instanceEvictions, "authkit.instance.evictions",
		"Server instances evicted from the local cache")
	counter(&m.rateLimitExceeded, "authkit.ratelimit.exceeded",
		"Requests rejected by rate limiting")

	hist, err := meter.Float64Histogram("authkit.storage.duration",
		metric.WithDescription("Store operation duration in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		errs = append(errs, fmt.Errorf("authkit.storage.duration: %w", err))
	}
	m.storageDuration = hist

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return m, nil
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordFlowOperation records an OAuth flow step (authorize, callback,
// exchange, refresh, logout) and its outcome.
func (m *Metrics) RecordFlowOperation(ctx context.Context, provider, operation string, success bool) {
	m.flowOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome(success)),
	))
}

// RecordTokenOperation records a universal token endpoint operation.
func (m *Metrics) RecordTokenOperation(ctx context.Context, grantType string, success bool) {
	m.tokenOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("outcome", outcome(success)),
	))
}

// RecordStorageOperation records one store operation with its duration.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation string, err error, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", outcome(err == nil)),
	)
	m.storageOperations.Add(ctx, 1, attrs)
	m.storageDuration.Record(ctx, durationMs, attrs)
}

// RecordProviderCall records an upstream identity provider call.
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, operation string, err error) {
	m.providerCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome(err == nil)),
	))
}

// RecordInstanceRecreation records a server instance rebuilt from durable
// session metadata.
func (m *Metrics) RecordInstanceRecreation(ctx context.Context) {
	m.instanceRecreation.Add(ctx, 1)
}

// RecordInstanceEviction records idle instances dropped from the cache.
func (m *Metrics) RecordInstanceEviction(ctx context.Context, count int64) {
	m.instanceEvictions.Add(ctx, count)
}

// RecordRateLimitExceeded records a request rejected by a limiter.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.rateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter", limiterType),
	))
}
