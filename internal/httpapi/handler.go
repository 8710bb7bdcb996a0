// Package httpapi exposes the core service over JSON/HTTP. Every response
// is wrapped in api.Envelope.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/batchd/api"
	"pkt.systems/batchd/internal/core"
	"pkt.systems/batchd/internal/correlation"
	"pkt.systems/batchd/internal/ids"
	"pkt.systems/batchd/internal/loggingutil"
	"pkt.systems/batchd/internal/svcfields"
)

// DefaultMaxBodyBytes bounds request bodies.
const DefaultMaxBodyBytes = 1 << 20

// Config wires the handler.
type Config struct {
	Core               *core.Service
	Logger             pslog.Logger
	MaxBodyBytes       int64
	HTTPTracingEnabled bool
}

// Handler serves the batchd HTTP API.
type Handler struct {
	core               *core.Service
	logger             pslog.Logger
	maxBodyBytes       int64
	httpTracingEnabled bool
	tracer             trace.Tracer
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Handler{
		core:               cfg.Core,
		logger:             loggingutil.EnsureLogger(cfg.Logger),
		maxBodyBytes:       maxBody,
		httpTracingEnabled: cfg.HTTPTracingEnabled,
		tracer:             otel.Tracer("pkt.systems/batchd/httpapi"),
	}
}

// Register wires the routes under /v1 and the health endpoint.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/operations", h.wrap("operations", h.handleOperations))
	mux.Handle("/v1/locks/acquire", h.wrap("locks.acquire", h.handleAcquireLock))
	mux.Handle("/v1/services", h.wrap("services.list", h.handleListServices))
	mux.Handle("/v1/services/register", h.wrap("services.register", h.handleRegisterService))
	mux.Handle("/v1/services/least-loaded", h.wrap("services.least_loaded", h.handleLeastLoaded))
	mux.Handle("/v1/services/load", h.wrap("services.load", h.handleUpdateLoad))
	mux.Handle("/v1/services/status", h.wrap("services.status", h.handleUpdateStatus))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

type correlationAppliedKey struct{}

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return svcfields.Subsystem(svcfields.SubsystemHTTP, "router")
	}
	return svcfields.Subsystem(svcfields.SubsystemHTTP, "router", strings.Join(parts, "."))
}

func applyCorrelation(ctx context.Context, logger pslog.Logger, span trace.Span) (context.Context, pslog.Logger) {
	if id := correlation.ID(ctx); id != "" {
		if ctx.Value(correlationAppliedKey{}) == nil {
			logger = logger.With("cid", id)
			ctx = context.WithValue(ctx, correlationAppliedKey{}, struct{}{})
		}
		ctx = pslog.ContextWithLogger(ctx, logger)
		if span != nil {
			span.SetAttributes(attribute.String("batchd.correlation_id", id))
		}
	}
	return ctx, logger
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "batchd.http." + operation
	txSpanName := "batchd.tx." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := ids.NewUUID()
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, txSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("batchd.sys", sys)),
			)
			span.SetAttributes(
				attribute.String("batchd.operation", operation),
				attribute.String("batchd.route", r.URL.Path),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		ctx = correlation.With(ctx, correlation.FromHeader(r.Header.Get(correlation.Header)))
		ctx, logger = applyCorrelation(ctx, logger, span)
		w.Header().Set(correlation.Header, correlation.ID(ctx))

		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		err := fn(w, r)
		if err == nil {
			if instrument {
				span.SetStatus(codes.Ok, "")
			}
			logger.Trace("http.request.complete", "elapsed", time.Since(start))
			return
		}
		if instrument {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler_error")
			var httpErr httpError
			if errors.As(err, &httpErr) {
				span.SetAttributes(
					attribute.String("batchd.error_code", httpErr.Code),
					attribute.Int("batchd.error_status", httpErr.Status),
				)
			}
		}
		logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
		h.handleError(ctx, w, err)
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

func (h *Handler) writeOK(w http.ResponseWriter, message string, data any) {
	h.writeJSON(w, http.StatusOK, api.Envelope{Status: true, Message: message, Data: data}, nil)
}

// httpError is a failed request with the envelope message to report.
type httpError struct {
	Status     int
	Code       string
	Message    string
	Detail     string
	RetryAfter int64
	Data       any
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return h.Code + ": " + h.Detail
	}
	return h.Code
}

// convertCoreError maps core failures onto HTTP errors carrying message.
func convertCoreError(message string, err error) error {
	var failure core.Failure
	if errors.As(err, &failure) {
		status := failure.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return httpError{
			Status:     status,
			Code:       failure.Code,
			Message:    message,
			Detail:     failure.Detail,
			RetryAfter: failure.RetryAfter,
		}
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		if httpErr.Message == "" {
			httpErr.Message = message
		}
		return httpErr
	}
	return httpError{Status: http.StatusInternalServerError, Code: "internal_error", Message: message, Detail: err.Error()}
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := loggingutil.FromContext(ctx, h.logger)
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
			"retry_after", httpErr.RetryAfter,
		)
		headers := map[string]string{}
		if httpErr.RetryAfter > 0 {
			headers["Retry-After"] = strconv.FormatInt(httpErr.RetryAfter, 10)
		}
		h.writeJSON(w, httpErr.Status, api.Envelope{
			Status:  false,
			Message: httpErr.Message,
			Error:   httpErr.Detail,
			Code:    httpErr.Code,
			Data:    httpErr.Data,
		}, headers)
		return
	}
	logger.Error("http.request.panic", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.Envelope{
		Status:  false,
		Message: "Internal server error",
		Error:   "internal server error",
		Code:    "internal_error",
	}, nil)
}
