// Package api defines the JSON bodies exchanged with the batchd HTTP API.
package api

import (
	"encoding/json"
	"time"
)

// Envelope wraps every response body.
type Envelope struct {
	// Status is true when the request succeeded.
	Status bool `json:"status"`
	// Message is a short human-readable summary of the outcome.
	Message string `json:"message"`
	// Error carries the failure detail when Status is false.
	Error string `json:"error,omitempty"`
	// Code is the stable error identifier when Status is false.
	Code string `json:"code,omitempty"`
	// Data holds the operation specific payload.
	Data any `json:"data,omitempty"`
}

// CreateOperationRequest models the JSON payload for POST /v1/operations.
type CreateOperationRequest struct {
	// ID is the caller-chosen idempotency key.
	ID string `json:"id"`
	// OperationType is one of INSERT, UPDATE, UPSERT or DELETE.
	OperationType string `json:"operation_type"`
	// Payload is the operation body, usually {"collection","key","data"}.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Operation is the stored view of a submitted operation.
type Operation struct {
	// ID is the caller-chosen idempotency key.
	ID string `json:"id"`
	// OperationType is the operation discriminator.
	OperationType string `json:"operation_type"`
	// Payload is the operation body as submitted.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Status is UNPROCESSED, PROCESSING, DONE or ERROR.
	Status string `json:"status"`
	// Error holds the failure message for ERROR operations.
	Error *string `json:"error"`
	// CreatedAt is when the operation was submitted.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is the last status transition.
	UpdatedAt time.Time `json:"updated_at"`
}

// AcquireLockRequest models the JSON payload for POST /v1/locks/acquire.
type AcquireLockRequest struct {
	// Operation names the rate-limited action, for example createConfirmationCodes.
	Operation string `json:"operation"`
	// Subject identifies who the action is limited for, usually a user id.
	Subject string `json:"subject"`
	// TTLSeconds is the lock lifetime in seconds.
	TTLSeconds int64 `json:"ttl_seconds"`
}

// LockResponse describes an acquired lock or the current holder.
type LockResponse struct {
	// Key is the lock key, operation:subject.
	Key string `json:"key"`
	// Acquired is true when this request took the lock.
	Acquired bool `json:"acquired"`
	// Token identifies the holder when Acquired is true.
	Token string `json:"token,omitempty"`
	// LockCreatedAt is when the current holder took the lock.
	LockCreatedAt time.Time `json:"lock_created_at"`
	// ExpiresAt is when the current holder's lock lapses.
	ExpiresAt time.Time `json:"expires_at"`
	// RetryAfterSeconds is the wait before the lock can be taken again.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}

// Service is one registered downstream instance.
type Service struct {
	// ID is the registry assigned identifier.
	ID string `json:"id"`
	// URL is the unique address of the instance.
	URL string `json:"url"`
	// Type groups interchangeable instances.
	Type string `json:"type"`
	// Load is the last reported load; lower is preferred.
	Load float64 `json:"load"`
	// Status is ACTIVE or INACTIVE.
	Status string `json:"status"`
	// LastUpdated is the last registration or load report.
	LastUpdated time.Time `json:"last_updated"`
	// CreatedAt is the first registration.
	CreatedAt time.Time `json:"created_at"`
}

// RegisterServiceRequest models the JSON payload for POST /v1/services/register.
type RegisterServiceRequest struct {
	// URL is the unique address of the instance.
	URL string `json:"url"`
	// Type groups interchangeable instances.
	Type string `json:"type"`
	// Load is the current load of the instance.
	Load float64 `json:"load"`
}

// RegisterServiceResponse is returned by POST /v1/services/register.
type RegisterServiceResponse struct {
	// Service is the stored registration.
	Service Service `json:"service"`
	// Created is false when an existing registration was refreshed.
	Created bool `json:"created"`
}

// LeastLoadedResponse is returned by GET /v1/services/least-loaded.
type LeastLoadedResponse struct {
	// Service is null when no active service of the type exists.
	Service *Service `json:"service"`
}

// ServicesResponse is returned by GET /v1/services.
type ServicesResponse struct {
	// Services lists the matching registrations.
	Services []Service `json:"services"`
}

// UpdateServiceLoadRequest models the JSON payload for POST /v1/services/load.
type UpdateServiceLoadRequest struct {
	// ID identifies the service.
	ID string `json:"id"`
	// Load is the new load sample.
	Load float64 `json:"load"`
	// Status optionally changes the status; ACTIVE when omitted.
	Status string `json:"status,omitempty"`
}

// UpdateServiceStatusRequest models the JSON payload for POST /v1/services/status.
type UpdateServiceStatusRequest struct {
	// ID identifies the service.
	ID string `json:"id"`
	// Status is ACTIVE or INACTIVE.
	Status string `json:"status"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	// Version is the running build version.
	Version string `json:"version"`
	// BufferedOperations counts operations awaiting the next flush.
	BufferedOperations int `json:"buffered_operations"`
}
