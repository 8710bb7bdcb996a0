package batchd

import (
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen default %q, got %q", DefaultListen, cfg.Listen)
	}
	if cfg.Store != DefaultStore {
		t.Fatalf("expected store default %q, got %q", DefaultStore, cfg.Store)
	}
	if cfg.Workers != DefaultWorkers || cfg.WorkerBatchSize != DefaultWorkerBatchSize {
		t.Fatalf("expected worker defaults, got %d workers batch %d", cfg.Workers, cfg.WorkerBatchSize)
	}
	if cfg.ReclaimAfter != DefaultReclaimAfter {
		t.Fatalf("expected reclaim default %s, got %s", DefaultReclaimAfter, cfg.ReclaimAfter)
	}
	if cfg.SettingsPullInterval != DefaultSettingsPullInterval {
		t.Fatalf("expected settings pull default, got %s", cfg.SettingsPullInterval)
	}
	if cfg.MaxBodyBytes != DefaultMaxBodyBytes || cfg.MaxOperationIDLength != DefaultMaxOperationIDLength {
		t.Fatal("expected body and id limits")
	}
	if cfg.LockRetryMaxAttempts <= 0 || cfg.LockRetryBaseDelay <= 0 || cfg.LockRetryMultiplier < 1 {
		t.Fatal("expected lock retry defaults")
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("expected shutdown timeout default, got %s", cfg.ShutdownTimeout)
	}
}

func TestConfigValidateKeepsNegativeReclaim(t *testing.T) {
	cfg := Config{Store: "mem://", ReclaimAfter: -time.Second}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ReclaimAfter != -time.Second {
		t.Fatalf("expected reclaim to stay disabled, got %s", cfg.ReclaimAfter)
	}
}

func TestConfigValidateAcceptsSQLiteMemory(t *testing.T) {
	cfg := Config{Store: "sqlite://:memory:", LockStore: "redis://localhost:6379/0"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"unknown store", Config{Store: "mongodb://x"}, "not supported"},
		{"missing scheme", Config{Store: "/var/lib/batchd.db"}, "missing scheme"},
		{"lock only store", Config{Store: "redis://localhost"}, "only holds locks"},
		{"bad lock store", Config{Store: "mem://", LockStore: "etcd://x"}, "lock store"},
		{"negative workers", Config{Store: "mem://", Workers: -1}, "workers"},
		{"profiling without metrics", Config{Store: "mem://", EnableProfilingMetrics: true}, "metrics-listen"},
		{"retry delays", Config{Store: "mem://", LockRetryBaseDelay: time.Second, LockRetryMaxDelay: time.Millisecond}, "max delay"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BATCHD_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("default config dir: %v", err)
	}
	if got != dir {
		t.Fatalf("expected %q, got %q", dir, got)
	}
}
