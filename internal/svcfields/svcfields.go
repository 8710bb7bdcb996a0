package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem names used across batchd.
const (
	SubsystemFlush    = "batch.flush"
	SubsystemWorker   = "batch.worker"
	SubsystemSettings = "batch.settings"
	SubsystemLocks    = "coord.locks"
	SubsystemRegistry = "coord.registry"
	SubsystemHTTP     = "api.http"
	SubsystemStorage  = "storage"
	SubsystemServer   = "server.lifecycle"
	SubsystemCore     = "api.core"
)

// Subsystem builds a dot-delimited subsystem path from the supplied parts while
// skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
