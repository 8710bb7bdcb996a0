// Package logging decorates an operation store with OpenTelemetry spans and
// trace-level logs for every call on the batch pipeline's hot path.
package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/batchd/internal/correlation"
	"pkt.systems/batchd/internal/storage"
)

type operationStore struct {
	inner  storage.OperationStore
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with spans and trace/debug logging.
func Wrap(inner storage.OperationStore, logger pslog.Logger, sys string) storage.OperationStore {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &operationStore{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/batchd/storage"),
		sys:    sys,
	}
}

// Unwrap returns the decorated store.
func Unwrap(store storage.OperationStore) storage.OperationStore {
	if w, ok := store.(*operationStore); ok {
		return w.inner
	}
	return store
}

func (b *operationStore) start(ctx context.Context, op string) (context.Context, trace.Span, pslog.Logger, time.Time, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "batchd.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("batchd.storage.operation", op),
		attribute.String("batchd.sys", b.sys),
	)
	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
		span.SetAttributes(attribute.String("batchd.correlation_id", corr))
	}
	return ctx, span, logger, begin, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("batchd.storage.end", trace.WithAttributes(
			attribute.Int64("batchd.storage.duration_ms", time.Since(begin).Milliseconds()),
		))
	}
}

func (b *operationStore) BulkInsert(ctx context.Context, ops []storage.Operation) (int, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "bulk_insert")
	defer span.End()
	span.SetAttributes(attribute.Int("batchd.storage.rows", len(ops)))
	verbose.Trace("storage.bulk_insert.begin", "rows", len(ops))

	n, err := b.inner.BulkInsert(ctx, ops)
	finish(err)
	if err != nil {
		verbose.Debug("storage.bulk_insert.error", "rows", len(ops), "inserted", n, "error", err, "elapsed", time.Since(begin))
		return n, err
	}
	span.SetAttributes(attribute.Int("batchd.storage.inserted", n))
	verbose.Debug("storage.bulk_insert.success", "rows", len(ops), "inserted", n, "skipped", len(ops)-n, "elapsed", time.Since(begin))
	return n, nil
}

func (b *operationStore) SelectUnprocessed(ctx context.Context, limit int) ([]storage.Operation, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "select_unprocessed")
	defer span.End()
	verbose.Trace("storage.select_unprocessed.begin", "limit", limit)

	rows, err := b.inner.SelectUnprocessed(ctx, limit)
	finish(err)
	if err != nil {
		verbose.Debug("storage.select_unprocessed.error", "limit", limit, "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	span.SetAttributes(attribute.Int("batchd.storage.rows", len(rows)))
	verbose.Trace("storage.select_unprocessed.success", "rows", len(rows), "elapsed", time.Since(begin))
	return rows, nil
}

func (b *operationStore) MarkProcessing(ctx context.Context, ids []string) ([]string, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "mark_processing")
	defer span.End()
	verbose.Trace("storage.mark_processing.begin", "ids", len(ids))

	claimed, err := b.inner.MarkProcessing(ctx, ids)
	finish(err)
	if err != nil {
		verbose.Debug("storage.mark_processing.error", "ids", len(ids), "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("batchd.storage.requested", len(ids)),
		attribute.Int("batchd.storage.claimed", len(claimed)),
	)
	verbose.Debug("storage.mark_processing.success", "requested", len(ids), "claimed", len(claimed), "elapsed", time.Since(begin))
	return claimed, nil
}

func (b *operationStore) UpdateOutcomes(ctx context.Context, outcomes []storage.Outcome) (int, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "update_outcomes")
	defer span.End()
	failed := 0
	for _, o := range outcomes {
		if o.Status == storage.StatusError {
			failed++
		}
	}
	span.SetAttributes(
		attribute.Int("batchd.storage.rows", len(outcomes)),
		attribute.Int("batchd.storage.failed", failed),
	)
	verbose.Trace("storage.update_outcomes.begin", "rows", len(outcomes), "failed", failed)

	applied, err := b.inner.UpdateOutcomes(ctx, outcomes)
	finish(err)
	if err != nil {
		verbose.Debug("storage.update_outcomes.error", "rows", len(outcomes), "error", err, "elapsed", time.Since(begin))
		return applied, err
	}
	span.SetAttributes(attribute.Int("batchd.storage.applied", applied))
	verbose.Debug("storage.update_outcomes.success", "rows", len(outcomes), "applied", applied, "failed", failed, "elapsed", time.Since(begin))
	return applied, nil
}

func (b *operationStore) TouchProcessing(ctx context.Context, ids []string) (int, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "touch_processing")
	defer span.End()

	n, err := b.inner.TouchProcessing(ctx, ids)
	finish(err)
	if err != nil {
		verbose.Debug("storage.touch_processing.error", "rows", len(ids), "error", err, "elapsed", time.Since(begin))
		return n, err
	}
	span.SetAttributes(attribute.Int("batchd.storage.touched", n))
	verbose.Trace("storage.touch_processing.success", "rows", len(ids), "touched", n, "elapsed", time.Since(begin))
	return n, nil
}

func (b *operationStore) GetOperation(ctx context.Context, id string) (storage.Operation, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "get_operation")
	defer span.End()

	op, err := b.inner.GetOperation(ctx, id)
	finish(err)
	if err != nil {
		verbose.Debug("storage.get_operation.error", "id", id, "error", err, "elapsed", time.Since(begin))
		return op, err
	}
	verbose.Trace("storage.get_operation.success", "id", id, "status", string(op.Status), "elapsed", time.Since(begin))
	return op, nil
}

func (b *operationStore) ReclaimStale(ctx context.Context, olderThan time.Time) (int, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "reclaim_stale")
	defer span.End()

	n, err := b.inner.ReclaimStale(ctx, olderThan)
	finish(err)
	if err != nil {
		verbose.Debug("storage.reclaim_stale.error", "older_than", olderThan, "error", err, "elapsed", time.Since(begin))
		return n, err
	}
	span.SetAttributes(attribute.Int("batchd.storage.reclaimed", n))
	verbose.Trace("storage.reclaim_stale.success", "reclaimed", n, "elapsed", time.Since(begin))
	return n, nil
}
