package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/batchd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage batchd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.batchd/" + batchd.DefaultConfigFileName
	if dir, err := batchd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, batchd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default batchd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := batchd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, batchd.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                 string  `yaml:"listen"`
	MetricsListen          string  `yaml:"metrics-listen"`
	PprofListen            string  `yaml:"pprof-listen"`
	EnableProfilingMetrics bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string  `yaml:"otlp-endpoint"`
	Store                  string  `yaml:"store"`
	LockStore              string  `yaml:"lock-store"`
	Workers                int     `yaml:"workers"`
	WorkerBatchSize        int     `yaml:"worker-batch-size"`
	WorkerPollInterval     string  `yaml:"worker-poll-interval"`
	WorkerConcurrency      int     `yaml:"worker-concurrency"`
	ReclaimAfter           string  `yaml:"reclaim-after"`
	SettingsPullInterval   string  `yaml:"settings-pull-interval"`
	MaxBody                string  `yaml:"max-body"`
	MaxOperationIDLength   int     `yaml:"max-operation-id-length"`
	LockRetryAttempts      int     `yaml:"lock-retry-attempts"`
	LockRetryBaseDelay     string  `yaml:"lock-retry-base-delay"`
	LockRetryMaxDelay      string  `yaml:"lock-retry-max-delay"`
	LockRetryMultiplier    float64 `yaml:"lock-retry-multiplier"`
	ShutdownTimeout        string  `yaml:"shutdown-timeout"`
	LogLevel               string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:               batchd.DefaultListen,
		MetricsListen:        batchd.DefaultMetricsListen,
		PprofListen:          batchd.DefaultPprofListen,
		Store:                batchd.DefaultStore,
		Workers:              batchd.DefaultWorkers,
		WorkerBatchSize:      batchd.DefaultWorkerBatchSize,
		WorkerPollInterval:   batchd.DefaultWorkerPollInterval.String(),
		WorkerConcurrency:    batchd.DefaultWorkerConcurrency,
		ReclaimAfter:         batchd.DefaultReclaimAfter.String(),
		SettingsPullInterval: batchd.DefaultSettingsPullInterval.String(),
		MaxBody:              humanizeBytes(batchd.DefaultMaxBodyBytes),
		MaxOperationIDLength: batchd.DefaultMaxOperationIDLength,
		LockRetryAttempts:    batchd.DefaultLockRetryMaxAttempts,
		LockRetryBaseDelay:   batchd.DefaultLockRetryBaseDelay.String(),
		LockRetryMaxDelay:    batchd.DefaultLockRetryMaxDelay.String(),
		LockRetryMultiplier:  batchd.DefaultLockRetryMultiplier,
		ShutdownTimeout:      batchd.DefaultShutdownTimeout.String(),
		LogLevel:             "info",
	}
	for _, fn := range overrides {
		fn(&defaults)
	}
	return yaml.Marshal(defaults)
}
