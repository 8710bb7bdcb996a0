package batchd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/batchd/internal/core"
	"pkt.systems/batchd/internal/httpapi"
	"pkt.systems/batchd/internal/settings"
	"pkt.systems/batchd/internal/worker"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9380"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStore is the relational store used when none is configured.
	DefaultStore = "sqlite://batchd.db"
	// DefaultWorkers is how many poll loops run per process.
	DefaultWorkers = 1
	// DefaultWorkerBatchSize caps the rows selected per poll.
	DefaultWorkerBatchSize = worker.DefaultBatchSize
	// DefaultWorkerPollInterval is the idle sleep between empty polls.
	DefaultWorkerPollInterval = worker.DefaultPollInterval
	// DefaultWorkerConcurrency bounds how many rows of one batch execute at once.
	DefaultWorkerConcurrency = worker.DefaultConcurrency
	// DefaultReclaimAfter re-queues PROCESSING rows untouched for this long.
	DefaultReclaimAfter = worker.DefaultReclaimAfter
	// DefaultSettingsPullInterval is the cadence of the settings table refresh.
	DefaultSettingsPullInterval = settings.DefaultPullInterval
	// DefaultMaxBodyBytes bounds incoming JSON request bodies.
	DefaultMaxBodyBytes = httpapi.DefaultMaxBodyBytes
	// DefaultMaxOperationIDLength caps caller supplied idempotency ids.
	DefaultMaxOperationIDLength = core.DefaultMaxOperationIDLength
	// DefaultLockRetryMaxAttempts describes how many transient lock store errors are retried.
	DefaultLockRetryMaxAttempts = 3
	// DefaultLockRetryBaseDelay configures the base delay between lock store retries.
	DefaultLockRetryBaseDelay = 50 * time.Millisecond
	// DefaultLockRetryMaxDelay caps the exponential backoff between lock store retries.
	DefaultLockRetryMaxDelay = time.Second
	// DefaultLockRetryMultiplier defines the exponential backoff ratio.
	DefaultLockRetryMultiplier = 2.0
	// DefaultShutdownTimeout caps the HTTP drain and worker wait, and separately
	// the final flush.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a batchd server.
type Config struct {
	// Listen is the HTTP bind address (for example ":9380").
	Listen string
	// MetricsListen is the metrics endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint is the trace collector (host:port, grpc://, grpcs://, http://, https://).
	OTLPEndpoint string

	// Store holds operations, records, services and settings
	// (mem://, sqlite://path, postgres://...).
	Store string
	// LockStore overrides where locks live (redis://, rediss://, s3://, or any
	// Store URL). Empty keeps locks in Store.
	LockStore string

	// Workers is how many poll loops run in this process.
	Workers int
	// WorkerBatchSize caps the rows selected per poll.
	WorkerBatchSize int
	// WorkerPollInterval is the idle sleep between empty polls.
	WorkerPollInterval time.Duration
	// WorkerConcurrency bounds the rows of one batch executing at once.
	WorkerConcurrency int
	// ReclaimAfter re-queues stale PROCESSING rows. Zero selects the default,
	// a negative value disables reclaim.
	ReclaimAfter time.Duration

	// SettingsPullInterval is the cadence of the settings table refresh.
	SettingsPullInterval time.Duration

	// MaxBodyBytes bounds incoming JSON request bodies.
	MaxBodyBytes int64
	// MaxOperationIDLength caps caller supplied idempotency ids.
	MaxOperationIDLength int

	// LockRetryMaxAttempts bounds retries of transient lock store errors.
	LockRetryMaxAttempts int
	// LockRetryBaseDelay is the first backoff step.
	LockRetryBaseDelay time.Duration
	// LockRetryMaxDelay caps the backoff.
	LockRetryMaxDelay time.Duration
	// LockRetryMultiplier grows the backoff per attempt.
	LockRetryMultiplier float64

	// ShutdownTimeout caps Shutdown when callers pass a context without deadline.
	ShutdownTimeout time.Duration
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.MetricsListen = strings.TrimSpace(c.MetricsListen)
	c.PprofListen = strings.TrimSpace(c.PprofListen)
	if c.EnableProfilingMetrics && c.MetricsListen == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	scheme, err := storeScheme(c.Store)
	if err != nil {
		return fmt.Errorf("config: store: %w", err)
	}
	if lockOnlyScheme(scheme) {
		return fmt.Errorf("config: store: %s:// only holds locks; use it as lock-store", scheme)
	}
	c.LockStore = strings.TrimSpace(c.LockStore)
	if c.LockStore != "" {
		if _, err := storeScheme(c.LockStore); err != nil {
			return fmt.Errorf("config: lock store: %w", err)
		}
	}
	if c.Workers < 0 {
		return fmt.Errorf("config: workers must be >= 0")
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.WorkerBatchSize <= 0 {
		c.WorkerBatchSize = DefaultWorkerBatchSize
	}
	if c.WorkerPollInterval <= 0 {
		c.WorkerPollInterval = DefaultWorkerPollInterval
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = DefaultWorkerConcurrency
	}
	if c.ReclaimAfter == 0 {
		c.ReclaimAfter = DefaultReclaimAfter
	}
	if c.SettingsPullInterval <= 0 {
		c.SettingsPullInterval = DefaultSettingsPullInterval
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.MaxOperationIDLength <= 0 {
		c.MaxOperationIDLength = DefaultMaxOperationIDLength
	}
	if c.LockRetryMaxAttempts <= 0 {
		c.LockRetryMaxAttempts = DefaultLockRetryMaxAttempts
	}
	if c.LockRetryBaseDelay <= 0 {
		c.LockRetryBaseDelay = DefaultLockRetryBaseDelay
	}
	if c.LockRetryMaxDelay <= 0 {
		c.LockRetryMaxDelay = DefaultLockRetryMaxDelay
	}
	if c.LockRetryMaxDelay < c.LockRetryBaseDelay {
		return fmt.Errorf("config: lock retry max delay %s is below base delay %s", c.LockRetryMaxDelay, c.LockRetryBaseDelay)
	}
	if c.LockRetryMultiplier < 1 {
		c.LockRetryMultiplier = DefaultLockRetryMultiplier
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// storeScheme splits the scheme off a store URL. SQLite paths such as
// sqlite://:memory: are not valid net/url hosts, so no full parse happens here.
func storeScheme(raw string) (string, error) {
	scheme, _, ok := strings.Cut(raw, "://")
	if !ok || scheme == "" {
		return "", fmt.Errorf("missing scheme in %q", raw)
	}
	scheme = strings.ToLower(scheme)
	switch scheme {
	case "mem", "memory", "sqlite", "postgres", "postgresql", "redis", "rediss", "s3":
		return scheme, nil
	default:
		return "", fmt.Errorf("scheme %q not supported", scheme)
	}
}

func lockOnlyScheme(scheme string) bool {
	switch scheme {
	case "redis", "rediss", "s3":
		return true
	}
	return false
}

// DefaultConfigDir returns $BATCHD_CONFIG_DIR when set, otherwise $HOME/.batchd.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("BATCHD_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".batchd"), nil
}
