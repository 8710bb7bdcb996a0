package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pkt.systems/batchd/api"
	"pkt.systems/batchd/internal/storage"
)

type jsonDecodeOptions struct {
	allowEmpty       bool
	disallowUnknowns bool
}

func decodeJSONBody(body io.Reader, dst any, opts jsonDecodeOptions) error {
	if body == nil {
		if opts.allowEmpty {
			return nil
		}
		return io.EOF
	}
	dec := json.NewDecoder(body)
	if opts.disallowUnknowns {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		if opts.allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unexpected trailing JSON value")
}

// decodeRequest reads a size-limited strict JSON body into dst.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, message string, dst any) error {
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := decodeJSONBody(body, dst, jsonDecodeOptions{disallowUnknowns: true}); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return httpError{
				Status:  http.StatusRequestEntityTooLarge,
				Code:    "body_too_large",
				Message: message,
				Detail:  fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			}
		}
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Message: message, Detail: err.Error()}
	}
	return nil
}

func requireMethod(w http.ResponseWriter, r *http.Request, message string, methods ...string) error {
	for _, m := range methods {
		if r.Method == m {
			return nil
		}
	}
	allow := strings.Join(methods, ", ")
	w.Header().Set("Allow", allow)
	return httpError{
		Status:  http.StatusMethodNotAllowed,
		Code:    "method_not_allowed",
		Message: message,
		Detail:  "supported methods: " + allow,
	}
}

func toAPIOperation(op storage.Operation) api.Operation {
	return api.Operation{
		ID:            op.ID,
		OperationType: string(op.Type),
		Payload:       op.Payload,
		Status:        string(op.Status),
		Error:         op.Error,
		CreatedAt:     op.CreatedAt,
		UpdatedAt:     op.UpdatedAt,
	}
}

func toAPIService(svc storage.Service) api.Service {
	return api.Service{
		ID:          svc.ID,
		URL:         svc.URL,
		Type:        svc.Type,
		Load:        svc.Load,
		Status:      string(svc.Status),
		LastUpdated: svc.LastUpdated,
		CreatedAt:   svc.CreatedAt,
	}
}

func toAPIServices(in []storage.Service) []api.Service {
	out := make([]api.Service, 0, len(in))
	for _, svc := range in {
		out = append(out, toAPIService(svc))
	}
	return out
}
