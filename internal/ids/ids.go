// Package ids generates identifiers: time-ordered UUIDv7 values for
// persisted entities and lock tokens, and compact xids for process-local
// names such as worker instances.
package ids

import (
	"github.com/google/uuid"
	"github.com/rs/xid"
)

// NewUUID returns a UUIDv7 string or panics if generation fails.
func NewUUID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewXID returns a 20 character sortable identifier.
func NewXID() string {
	return xid.New().String()
}

// ValidUUID reports whether s parses as a UUID.
func ValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
