package flush

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type flushMetrics struct {
	rows    metric.Int64Counter
	batches metric.Int64Counter
}

func newFlushMetrics(logger pslog.Logger) *flushMetrics {
	meter := otel.Meter("pkt.systems/batchd/flush")
	m := &flushMetrics{}
	var err error

	m.rows, err = meter.Int64Counter(
		"batchd.flush.rows",
		metric.WithDescription("Operations drained from the buffer by result"),
	)
	logMetricInitError(logger, "batchd.flush.rows", err)

	m.batches, err = meter.Int64Counter(
		"batchd.flush.batches",
		metric.WithDescription("Bulk inserts attempted by the flush scheduler"),
	)
	logMetricInitError(logger, "batchd.flush.batches", err)
	return m
}

func (m *flushMetrics) record(ctx context.Context, drained, inserted int, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if m.batches != nil {
		m.batches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if m.rows == nil {
		return
	}
	if err != nil {
		m.rows.Add(ctx, int64(drained), metric.WithAttributes(attribute.String("result", "lost")))
		return
	}
	m.rows.Add(ctx, int64(inserted), metric.WithAttributes(attribute.String("result", "inserted")))
	if skipped := drained - inserted; skipped > 0 {
		m.rows.Add(ctx, int64(skipped), metric.WithAttributes(attribute.String("result", "duplicate")))
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
