package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/batchd/internal/loggingutil"
	"pkt.systems/batchd/internal/storage"
)

// CreateOperation validates cmd and places it in the buffer. The operation
// reaches the store on the next flush.
func (s *Service) CreateOperation(ctx context.Context, cmd CreateOperationCommand) (err error) {
	defer func() { s.metrics.recordCreate(ctx, err) }()
	id := strings.TrimSpace(cmd.ID)
	if id == "" {
		return invalidOperation("id is required")
	}
	if len(id) > s.maxIDLength {
		return invalidOperation(fmt.Sprintf("id exceeds %d characters", s.maxIDLength))
	}
	typ, err := storage.ParseOperationType(cmd.Type)
	if err != nil {
		return invalidOperation(err.Error())
	}
	payload := cmd.Payload
	if len(payload) > 0 && !json.Valid(payload) {
		return invalidOperation("payload must be valid JSON")
	}
	if s.maxPayload > 0 && len(payload) > s.maxPayload {
		return invalidOperation(fmt.Sprintf("payload exceeds %d bytes", s.maxPayload))
	}
	s.buffer.Put(storage.Operation{
		ID:        id,
		Type:      typ,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: s.clock.Now(),
	})
	loggingutil.FromContext(ctx, s.logger).Trace("core.operation.buffered", "operation_id", id, "type", string(typ))
	return nil
}

func invalidOperation(detail string) Failure {
	return Failure{Code: "invalid_operation", Detail: detail, HTTPStatus: 400}
}

// GetOperation loads a flushed operation. Operations still in the buffer
// are not visible yet.
func (s *Service) GetOperation(ctx context.Context, id string) (storage.Operation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.Operation{}, Failure{Code: "invalid_operation", Detail: "id is required", HTTPStatus: 400}
	}
	op, err := s.operations.GetOperation(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Operation{}, Failure{Code: "operation_not_found", Detail: "Operation not found", HTTPStatus: 404}
	}
	if err != nil {
		loggingutil.FromContext(ctx, s.logger).Error("core.operation.get_failed", "operation_id", id, "error", err)
		return storage.Operation{}, storeFailure(err)
	}
	return op, nil
}
