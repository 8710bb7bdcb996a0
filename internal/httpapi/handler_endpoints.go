package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"pkt.systems/batchd/api"
	"pkt.systems/batchd/internal/core"
	"pkt.systems/batchd/internal/version"
)

const (
	msgCreateOperationOK     = "Create operation success"
	msgCreateOperationFailed = "Create operation failed"
	msgGetOperationOK        = "Get operation success"
	msgGetOperationFailed    = "Get operation failed"
	msgLockAcquired          = "Lock acquired"
	msgLockHeld              = "Lock is held"
	msgLockFailed            = "Lock acquire failed"
	msgServiceRegistered     = "Service registered successfully"
	msgServiceRefreshed      = "Service already registered, updated successfully"
	msgServiceRegisterFailed = "Service registration failed"
	msgServiceFound          = "Service found"
	msgNoActiveService       = "No active service available"
	msgLeastLoadedFailed     = "Get least loaded service failed"
	msgServicesOK            = "Get services successfully"
	msgServicesFailed        = "Get services failed"
	msgLoadUpdated           = "Service load updated"
	msgLoadFailed            = "Service load update failed"
	msgStatusUpdated         = "Service status updated"
	msgStatusFailed          = "Service status update failed"
)

func (h *Handler) handleOperations(w http.ResponseWriter, r *http.Request) error {
	switch r.Method {
	case http.MethodPost:
		return h.handleCreateOperation(w, r)
	case http.MethodGet:
		return h.handleGetOperation(w, r)
	default:
		return requireMethod(w, r, "Method not allowed", http.MethodGet, http.MethodPost)
	}
}

// handleCreateOperation godoc
// @Summary      Submit an operation
// @Description  Buffers the operation in memory. It reaches the store on the next flush; duplicate ids are coalesced.
// @Tags         operations
// @Accept       json
// @Produce      json
// @Param        request  body      api.CreateOperationRequest  true  "Operation"
// @Success      200      {object}  api.Envelope
// @Failure      400      {object}  api.Envelope
// @Router       /v1/operations [post]
func (h *Handler) handleCreateOperation(w http.ResponseWriter, r *http.Request) error {
	var req api.CreateOperationRequest
	if err := h.decodeRequest(w, r, msgCreateOperationFailed, &req); err != nil {
		return err
	}
	err := h.core.CreateOperation(r.Context(), core.CreateOperationCommand{
		ID:      req.ID,
		Type:    req.OperationType,
		Payload: req.Payload,
	})
	if err != nil {
		return convertCoreError(msgCreateOperationFailed, err)
	}
	h.writeOK(w, msgCreateOperationOK, nil)
	return nil
}

// handleGetOperation godoc
// @Summary      Get an operation
// @Tags         operations
// @Produce      json
// @Param        id   query     string  true  "Operation id"
// @Success      200  {object}  api.Envelope{data=api.Operation}
// @Failure      404  {object}  api.Envelope
// @Router       /v1/operations [get]
func (h *Handler) handleGetOperation(w http.ResponseWriter, r *http.Request) error {
	op, err := h.core.GetOperation(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		return convertCoreError(msgGetOperationFailed, err)
	}
	h.writeOK(w, msgGetOperationOK, toAPIOperation(op))
	return nil
}

// handleAcquireLock godoc
// @Summary      Acquire a rate-limiting lock
// @Description  Takes operation:subject for ttl_seconds. A held lock answers 409 with the holder's creation time and Retry-After.
// @Tags         locks
// @Accept       json
// @Produce      json
// @Param        request  body      api.AcquireLockRequest  true  "Lock request"
// @Success      200      {object}  api.Envelope{data=api.LockResponse}
// @Failure      409      {object}  api.Envelope{data=api.LockResponse}
// @Failure      503      {object}  api.Envelope
// @Router       /v1/locks/acquire [post]
func (h *Handler) handleAcquireLock(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, msgLockFailed, http.MethodPost); err != nil {
		return err
	}
	var req api.AcquireLockRequest
	if err := h.decodeRequest(w, r, msgLockFailed, &req); err != nil {
		return err
	}
	res, err := h.core.AcquireLock(r.Context(), core.AcquireLockCommand{
		Operation:  req.Operation,
		Subject:    req.Subject,
		TTLSeconds: req.TTLSeconds,
	})
	data := api.LockResponse{
		Key:               res.Key,
		Acquired:          res.Acquired,
		Token:             res.Token,
		LockCreatedAt:     res.CreatedAt,
		ExpiresAt:         res.ExpiresAt,
		RetryAfterSeconds: res.RetryAfter(),
	}
	if err != nil {
		var failure core.Failure
		if errors.As(err, &failure) && failure.Code == "lock_held" {
			httpErr := convertCoreError(msgLockHeld, err).(httpError)
			httpErr.Data = data
			return httpErr
		}
		return convertCoreError(msgLockFailed, err)
	}
	h.writeOK(w, msgLockAcquired, data)
	return nil
}

// handleRegisterService godoc
// @Summary      Register a service instance
// @Description  Upserts by URL. An existing registration becomes ACTIVE with the new load and type.
// @Tags         services
// @Accept       json
// @Produce      json
// @Param        request  body      api.RegisterServiceRequest  true  "Registration"
// @Success      200      {object}  api.Envelope{data=api.RegisterServiceResponse}
// @Failure      400      {object}  api.Envelope
// @Router       /v1/services/register [post]
func (h *Handler) handleRegisterService(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, msgServiceRegisterFailed, http.MethodPost); err != nil {
		return err
	}
	var req api.RegisterServiceRequest
	if err := h.decodeRequest(w, r, msgServiceRegisterFailed, &req); err != nil {
		return err
	}
	res, err := h.core.RegisterService(r.Context(), core.RegisterServiceCommand{URL: req.URL, Type: req.Type, Load: req.Load})
	if err != nil {
		return convertCoreError(msgServiceRegisterFailed, err)
	}
	msg := msgServiceRegistered
	if !res.Created {
		msg = msgServiceRefreshed
	}
	h.writeOK(w, msg, api.RegisterServiceResponse{Service: toAPIService(res.Service), Created: res.Created})
	return nil
}

// handleLeastLoaded godoc
// @Summary      Pick the least-loaded active service
// @Tags         services
// @Produce      json
// @Param        type  query     string  true  "Service type"
// @Success      200   {object}  api.Envelope{data=api.LeastLoadedResponse}
// @Router       /v1/services/least-loaded [get]
func (h *Handler) handleLeastLoaded(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, msgLeastLoadedFailed, http.MethodGet); err != nil {
		return err
	}
	svc, ok, err := h.core.LeastLoadedService(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		httpErr := convertCoreError(msgLeastLoadedFailed, err).(httpError)
		httpErr.Data = api.LeastLoadedResponse{}
		return httpErr
	}
	if !ok {
		h.writeOK(w, msgNoActiveService, api.LeastLoadedResponse{})
		return nil
	}
	out := toAPIService(svc)
	h.writeOK(w, msgServiceFound, api.LeastLoadedResponse{Service: &out})
	return nil
}

// handleListServices godoc
// @Summary      List services
// @Tags         services
// @Produce      json
// @Param        active  query     bool  false  "Only ACTIVE services"
// @Success      200     {object}  api.Envelope{data=api.ServicesResponse}
// @Router       /v1/services [get]
func (h *Handler) handleListServices(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, msgServicesFailed, http.MethodGet); err != nil {
		return err
	}
	activeOnly := false
	if raw := strings.TrimSpace(r.URL.Query().Get("active")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return httpError{Status: http.StatusBadRequest, Code: "invalid_query", Message: msgServicesFailed, Detail: "active must be a boolean"}
		}
		activeOnly = v
	}
	services, err := h.core.ListServices(r.Context(), activeOnly)
	if err != nil {
		httpErr := convertCoreError(msgServicesFailed, err).(httpError)
		httpErr.Data = api.ServicesResponse{Services: []api.Service{}}
		return httpErr
	}
	h.writeOK(w, msgServicesOK, api.ServicesResponse{Services: toAPIServices(services)})
	return nil
}

// handleUpdateLoad godoc
// @Summary      Report service load
// @Tags         services
// @Accept       json
// @Produce      json
// @Param        request  body      api.UpdateServiceLoadRequest  true  "Load sample"
// @Success      200      {object}  api.Envelope
// @Failure      404      {object}  api.Envelope
// @Router       /v1/services/load [post]
func (h *Handler) handleUpdateLoad(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, msgLoadFailed, http.MethodPost); err != nil {
		return err
	}
	var req api.UpdateServiceLoadRequest
	if err := h.decodeRequest(w, r, msgLoadFailed, &req); err != nil {
		return err
	}
	if err := h.core.UpdateServiceLoad(r.Context(), core.UpdateServiceLoadCommand{ID: req.ID, Load: req.Load, Status: req.Status}); err != nil {
		return convertCoreError(msgLoadFailed, err)
	}
	h.writeOK(w, msgLoadUpdated, nil)
	return nil
}

// handleUpdateStatus godoc
// @Summary      Change service status
// @Tags         services
// @Accept       json
// @Produce      json
// @Param        request  body      api.UpdateServiceStatusRequest  true  "Status change"
// @Success      200      {object}  api.Envelope
// @Failure      404      {object}  api.Envelope
// @Router       /v1/services/status [post]
func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, msgStatusFailed, http.MethodPost); err != nil {
		return err
	}
	var req api.UpdateServiceStatusRequest
	if err := h.decodeRequest(w, r, msgStatusFailed, &req); err != nil {
		return err
	}
	if err := h.core.UpdateServiceStatus(r.Context(), core.UpdateServiceStatusCommand{ID: req.ID, Status: req.Status}); err != nil {
		return convertCoreError(msgStatusFailed, err)
	}
	h.writeOK(w, msgStatusUpdated, nil)
	return nil
}

// handleHealth godoc
// @Summary      Liveness probe
// @Tags         system
// @Produce      json
// @Success      200  {object}  api.Envelope{data=api.HealthResponse}
// @Router       /healthz [get]
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	h.writeOK(w, "OK", api.HealthResponse{
		Version:            version.Current(),
		BufferedOperations: h.core.BufferedOperations(),
	})
	return nil
}
