package core

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type coreMetrics struct {
	createCount    metric.Int64Counter
	lockCount      metric.Int64Counter
	lockDuration   metric.Int64Histogram
	registrySelect metric.Int64Counter
}

func newCoreMetrics(logger pslog.Logger) *coreMetrics {
	meter := otel.Meter("pkt.systems/batchd/core")
	m := &coreMetrics{}
	var err error

	m.createCount, err = meter.Int64Counter(
		"batchd.operation.create",
		metric.WithDescription("Operation submissions"),
	)
	logMetricInitError(logger, "batchd.operation.create", err)

	m.lockCount, err = meter.Int64Counter(
		"batchd.lock.acquire",
		metric.WithDescription("Lock acquire attempts"),
	)
	logMetricInitError(logger, "batchd.lock.acquire", err)

	m.lockDuration, err = meter.Int64Histogram(
		"batchd.lock.acquire.duration_ms",
		metric.WithDescription("Lock acquire duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "batchd.lock.acquire.duration_ms", err)

	m.registrySelect, err = meter.Int64Counter(
		"batchd.registry.select",
		metric.WithDescription("Least-loaded service lookups"),
	)
	logMetricInitError(logger, "batchd.registry.select", err)
	return m
}

func (m *coreMetrics) recordCreate(ctx context.Context, err error) {
	if m == nil || m.createCount == nil {
		return
	}
	result := "buffered"
	var failure Failure
	if errors.As(err, &failure) {
		result = failure.Code
	} else if err != nil {
		result = "error"
	}
	m.createCount.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("batchd.operation.result", result)))
}

func (m *coreMetrics) recordLock(ctx context.Context, result string, duration time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(attribute.String("batchd.lock.result", result))
	if m.lockCount != nil {
		m.lockCount.Add(ctx, 1, attrs)
	}
	if m.lockDuration != nil {
		m.lockDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *coreMetrics) recordSelect(ctx context.Context, typ, result string) {
	if m == nil || m.registrySelect == nil {
		return
	}
	m.registrySelect.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("batchd.service.type", typ),
		attribute.String("batchd.registry.result", result),
	))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
