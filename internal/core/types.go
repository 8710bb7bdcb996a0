package core

import (
	"encoding/json"

	"pkt.systems/batchd/internal/storage"
)

// CreateOperationCommand submits one operation for deferred execution.
type CreateOperationCommand struct {
	ID      string
	Type    string
	Payload json.RawMessage
}

// AcquireLockCommand requests a rate-limiting lock on operation:subject.
type AcquireLockCommand struct {
	Operation  string
	Subject    string
	TTLSeconds int64
}

// RegisterServiceCommand registers or refreshes a service instance.
type RegisterServiceCommand struct {
	URL  string
	Type string
	Load float64
}

// RegisterServiceResult reports the stored service and whether it was new.
type RegisterServiceResult struct {
	Service storage.Service
	Created bool
}

// UpdateServiceLoadCommand reports a new load sample for a service.
type UpdateServiceLoadCommand struct {
	ID     string
	Load   float64
	Status string
}

// UpdateServiceStatusCommand toggles a service between ACTIVE and INACTIVE.
type UpdateServiceStatusCommand struct {
	ID     string
	Status string
}
