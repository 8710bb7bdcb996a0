// Package storage defines the durable data model shared by the batch
// pipeline, the lock manager and the service registry, together with the
// store interfaces their backends implement.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates the requested row or record is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists indicates a create-only write hit an existing row.
	ErrAlreadyExists = errors.New("storage: already exists")
	// ErrCASMismatch indicates a conditional write lost a race.
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrNonTerminalOutcome rejects outcomes that do not end an operation.
	ErrNonTerminalOutcome = errors.New("storage: outcome status must be DONE or ERROR")
)

// OperationType discriminates what an operation does when executed.
type OperationType string

const (
	// OperationInsert creates a record and fails when it already exists.
	OperationInsert OperationType = "INSERT"
	// OperationUpdate replaces the data of an existing record.
	OperationUpdate OperationType = "UPDATE"
	// OperationUpsert creates or replaces a record.
	OperationUpsert OperationType = "UPSERT"
	// OperationDelete removes an existing record.
	OperationDelete OperationType = "DELETE"
)

// OperationTypes lists every supported operation type.
func OperationTypes() []OperationType {
	return []OperationType{OperationInsert, OperationUpdate, OperationUpsert, OperationDelete}
}

// ParseOperationType normalises s and validates it against OperationTypes.
func ParseOperationType(s string) (OperationType, error) {
	candidate := OperationType(strings.ToUpper(strings.TrimSpace(s)))
	for _, t := range OperationTypes() {
		if t == candidate {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown operation type %q", s)
}

// OperationStatus tracks an operation through UNPROCESSED, PROCESSING and a
// terminal DONE or ERROR.
type OperationStatus string

const (
	StatusUnprocessed OperationStatus = "UNPROCESSED"
	StatusProcessing  OperationStatus = "PROCESSING"
	StatusDone        OperationStatus = "DONE"
	StatusError       OperationStatus = "ERROR"
)

// Terminal reports whether s ends the operation lifecycle.
func (s OperationStatus) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Operation is one submitted unit of deferred work.
type Operation struct {
	ID        string
	Type      OperationType
	Payload   json.RawMessage
	Status    OperationStatus
	Error     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Outcome is the terminal result recorded for a claimed operation.
type Outcome struct {
	ID     string
	Status OperationStatus
	Error  *string
}

// Done builds a successful outcome.
func Done(id string) Outcome {
	return Outcome{ID: id, Status: StatusDone}
}

// Failed builds an ERROR outcome carrying err's message.
func Failed(id string, err error) Outcome {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Outcome{ID: id, Status: StatusError, Error: &msg}
}

// ValidateOutcomes rejects empty ids and non-terminal statuses.
func ValidateOutcomes(outcomes []Outcome) error {
	for _, o := range outcomes {
		if o.ID == "" {
			return fmt.Errorf("storage: outcome without id")
		}
		if !o.Status.Terminal() {
			return fmt.Errorf("%w: %s has %q", ErrNonTerminalOutcome, o.ID, o.Status)
		}
	}
	return nil
}

// OperationInserter is the write side used by the flush scheduler.
type OperationInserter interface {
	// BulkInsert stores ops, silently skipping ids that already exist. It
	// returns the number of rows actually inserted.
	BulkInsert(ctx context.Context, ops []Operation) (int, error)
}

// OperationStore is the durable operations table.
type OperationStore interface {
	OperationInserter
	// SelectUnprocessed returns at most limit UNPROCESSED rows ordered by
	// CreatedAt ascending.
	SelectUnprocessed(ctx context.Context, limit int) ([]Operation, error)
	// MarkProcessing moves the given UNPROCESSED rows to PROCESSING and
	// returns the ids this call transitioned.
	MarkProcessing(ctx context.Context, ids []string) ([]string, error)
	// UpdateOutcomes applies every outcome in one transaction and returns
	// how many rows it changed. Only PROCESSING rows accept an outcome; rows
	// in any other status are skipped. An unknown id fails the whole batch
	// with ErrNotFound.
	UpdateOutcomes(ctx context.Context, outcomes []Outcome) (int, error)
	// TouchProcessing refreshes UpdatedAt on the PROCESSING rows among ids so
	// ReclaimStale leaves them alone while they execute.
	TouchProcessing(ctx context.Context, ids []string) (int, error)
	// GetOperation loads a single row.
	GetOperation(ctx context.Context, id string) (Operation, error)
	// ReclaimStale returns PROCESSING rows last touched before olderThan to
	// UNPROCESSED.
	ReclaimStale(ctx context.Context, olderThan time.Time) (int, error)
}

// Record is the durable target operation payloads execute against.
type Record struct {
	Collection string
	Key        string
	Data       json.RawMessage
	UpdatedAt  time.Time
}

// RecordStore applies executed operations.
type RecordStore interface {
	InsertRecord(ctx context.Context, rec Record) error
	UpdateRecord(ctx context.Context, rec Record) error
	UpsertRecord(ctx context.Context, rec Record) error
	DeleteRecord(ctx context.Context, collection, key string) error
	GetRecord(ctx context.Context, collection, key string) (Record, error)
}

// ServiceStatus reports whether a registered service accepts work.
type ServiceStatus string

const (
	ServiceActive   ServiceStatus = "ACTIVE"
	ServiceInactive ServiceStatus = "INACTIVE"
)

// ParseServiceStatus validates s.
func ParseServiceStatus(s string) (ServiceStatus, error) {
	switch ServiceStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case ServiceActive:
		return ServiceActive, nil
	case ServiceInactive:
		return ServiceInactive, nil
	}
	return "", fmt.Errorf("unknown service status %q", s)
}

// Service is one downstream instance known to the registry.
type Service struct {
	ID          string
	URL         string
	Type        string
	Load        float64
	Status      ServiceStatus
	LastUpdated time.Time
	CreatedAt   time.Time
}

// ServiceFilter narrows ListServices. Zero values match everything.
type ServiceFilter struct {
	Status ServiceStatus
	Type   string
}

// ServiceStore persists the service registry.
type ServiceStore interface {
	// UpsertService inserts svc or refreshes the row with the same URL. It
	// reports whether a new row was created.
	UpsertService(ctx context.Context, svc Service) (Service, bool, error)
	// LeastLoadedService returns the ACTIVE service of typ with the lowest
	// load, or ErrNotFound.
	LeastLoadedService(ctx context.Context, typ string) (Service, error)
	UpdateServiceLoad(ctx context.Context, id string, load float64, status ServiceStatus, at time.Time) error
	UpdateServiceStatus(ctx context.Context, id string, status ServiceStatus, at time.Time) error
	ListServices(ctx context.Context, filter ServiceFilter) ([]Service, error)
}

// SettingsStore is the key/value settings table.
type SettingsStore interface {
	LoadSettings(ctx context.Context) (map[string]string, error)
	PutSetting(ctx context.Context, key, data string) error
}

// LockRecord is a short-lived exclusive claim on a key.
type LockRecord struct {
	Key       string
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Live reports whether the record is unexpired at now.
func (r LockRecord) Live(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// LockStore provides atomic set-if-not-exists with TTL.
type LockStore interface {
	// TryAcquire creates a record for key owned by token expiring after ttl
	// unless a live record exists. It returns the winning record and
	// whether the caller created it.
	TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (LockRecord, bool, error)
	// Release deletes the record when token still owns it.
	Release(ctx context.Context, key, token string) (bool, error)
	Close() error
}

type transientError struct {
	err error
}

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
