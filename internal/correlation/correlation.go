// Package correlation carries request correlation identifiers through
// contexts so HTTP handlers, core calls and storage spans share one id.
package correlation

import (
	"context"
	"strings"

	"pkt.systems/batchd/internal/ids"
)

// Header is the HTTP header that carries the correlation id.
const Header = "X-Correlation-Id"

// MaxIDLength is the longest accepted external id.
const MaxIDLength = 128

type contextKey struct{}

// With returns ctx carrying id. Invalid ids leave ctx untouched.
func With(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the correlation id stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Normalize trims id and rejects empty, oversized or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// FromHeader returns the normalized header value or a freshly generated id.
func FromHeader(value string) string {
	if id, ok := Normalize(value); ok {
		return id
	}
	return Generate()
}

// Generate produces a new correlation id.
func Generate() string {
	return ids.NewXID()
}
