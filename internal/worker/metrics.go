package worker

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type workerMetrics struct {
	outcomes  metric.Int64Counter
	reclaimed metric.Int64Counter
}

func newWorkerMetrics(logger pslog.Logger) *workerMetrics {
	meter := otel.Meter("pkt.systems/batchd/worker")
	m := &workerMetrics{}
	var err error

	m.outcomes, err = meter.Int64Counter(
		"batchd.worker.outcomes",
		metric.WithDescription("Operation outcomes recorded by workers"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "batchd.worker.outcomes", "error", err)
	}
	m.reclaimed, err = meter.Int64Counter(
		"batchd.worker.reclaimed",
		metric.WithDescription("Stale PROCESSING operations returned to the queue"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "batchd.worker.reclaimed", "error", err)
	}
	return m
}

func (m *workerMetrics) record(ctx context.Context, stats Stats) {
	if m == nil {
		return
	}
	if m.outcomes != nil {
		m.outcomes.Add(ctx, int64(stats.Done), metric.WithAttributes(attribute.String("status", "DONE")))
		m.outcomes.Add(ctx, int64(stats.Failed), metric.WithAttributes(attribute.String("status", "ERROR")))
	}
	if m.reclaimed != nil && stats.Reclaimed > 0 {
		m.reclaimed.Add(ctx, int64(stats.Reclaimed))
	}
}
