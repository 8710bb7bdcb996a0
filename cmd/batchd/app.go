package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/batchd"
	"pkt.systems/batchd/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("BATCHD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "batchd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand, so failures are logged or printed accordingly.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	hasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			i++
			if strings.Contains(arg, "=") {
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !hasSubcommand(args[i:])
			}
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			i++
			short := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range short {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !hasSubcommand(args[i:])
				}
				if flag.NoOptDefVal == "" {
					consumeNext = idx == len(short)-1
					break
				}
			}
			if consumeNext && i < len(args) {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := batchd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, batchd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "batchd",
		Short:         "batchd buffers idempotent operations, flushes them in batches and processes them with workers",
		SilenceErrors: true,
		Example: `
  # SQLite file next to the binary (default)
  batchd

  # PostgreSQL for operations, Redis for locks
  BATCHD_STORE=postgres://batchd:secret@db/batchd?sslmode=disable BATCHD_LOCK_STORE=redis://cache:6379/0 batchd

  # Locks as objects in a MinIO bucket
  batchd --lock-store 's3://locks/batchd?endpoint=localhost:9000&insecure=1&path-style=1'

  # In-memory storage (tests/dev only)
  batchd --store mem:// --workers 4
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cmd.SilenceUsage = true
			ctx := cmd.Context()

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to batchd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			var cfg batchd.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			server, err := batchd.NewServer(cfg, batchd.WithLogger(logger))
			if err != nil {
				return err
			}
			stopped := make(chan struct{})
			defer close(stopped)
			go func() {
				select {
				case <-ctx.Done():
				case <-stopped:
					return
				}
				if err := server.Shutdown(context.Background()); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				_ = server.Shutdown(context.Background())
				return err
			}
			// Start returns as soon as the listener closes; wait for the final
			// flush before exiting.
			return server.Shutdown(context.Background())
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.batchd/"+batchd.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("listen", batchd.DefaultListen, "listen address")
	flags.String("metrics-listen", batchd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", batchd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	persistentFlags.String("store", batchd.DefaultStore, "store URL for operations, records, services and settings (mem://, sqlite://path, postgres://...)")
	flags.String("lock-store", "", "lock store URL (redis://, rediss://, s3://bucket/prefix, or any store URL; empty keeps locks in --store)")
	flags.Int("workers", batchd.DefaultWorkers, "number of worker poll loops")
	flags.Int("worker-batch-size", batchd.DefaultWorkerBatchSize, "maximum UNPROCESSED rows claimed per poll")
	flags.Duration("worker-poll-interval", batchd.DefaultWorkerPollInterval, "sleep between polls that found no work")
	flags.Int("worker-concurrency", batchd.DefaultWorkerConcurrency, "rows of one batch executed concurrently")
	flags.Duration("reclaim-after", batchd.DefaultReclaimAfter, "requeue PROCESSING rows untouched for this long (negative disables)")
	flags.Duration("settings-pull-interval", batchd.DefaultSettingsPullInterval, "settings table refresh cadence")
	flags.String("max-body", humanizeBytes(batchd.DefaultMaxBodyBytes), "maximum request body size (e.g. 1MiB)")
	flags.Int("max-operation-id-length", batchd.DefaultMaxOperationIDLength, "maximum length of caller supplied operation ids")
	flags.Int("lock-retry-attempts", batchd.DefaultLockRetryMaxAttempts, "attempts for transient lock store errors")
	flags.Duration("lock-retry-base-delay", batchd.DefaultLockRetryBaseDelay, "first backoff step between lock store retries")
	flags.Duration("lock-retry-max-delay", batchd.DefaultLockRetryMaxDelay, "maximum backoff between lock store retries")
	flags.Float64("lock-retry-multiplier", batchd.DefaultLockRetryMultiplier, "backoff growth per lock store retry")
	flags.Duration("shutdown-timeout", batchd.DefaultShutdownTimeout, "upper bound for HTTP drain, worker stop and the final flush")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("BATCHD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"config", "log-level",
		"listen", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
		"store", "lock-store",
		"workers", "worker-batch-size", "worker-poll-interval", "worker-concurrency", "reclaim-after",
		"settings-pull-interval", "max-body", "max-operation-id-length",
		"lock-retry-attempts", "lock-retry-base-delay", "lock-retry-max-delay", "lock-retry-multiplier",
		"shutdown-timeout",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newMigrateCommand(svcfields.WithSubsystem(baseLogger, "cli.migrate")))
	cmd.AddCommand(newSettingsCommand(svcfields.WithSubsystem(baseLogger, "cli.settings")))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *batchd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.Store = viper.GetString("store")
	cfg.LockStore = viper.GetString("lock-store")
	cfg.Workers = viper.GetInt("workers")
	cfg.WorkerBatchSize = viper.GetInt("worker-batch-size")
	cfg.WorkerPollInterval = viper.GetDuration("worker-poll-interval")
	cfg.WorkerConcurrency = viper.GetInt("worker-concurrency")
	cfg.ReclaimAfter = viper.GetDuration("reclaim-after")
	cfg.SettingsPullInterval = viper.GetDuration("settings-pull-interval")
	if maxBody := strings.TrimSpace(viper.GetString("max-body")); maxBody != "" {
		size, err := humanize.ParseBytes(maxBody)
		if err != nil {
			return fmt.Errorf("parse max-body: %w", err)
		}
		cfg.MaxBodyBytes = int64(size)
	}
	cfg.MaxOperationIDLength = viper.GetInt("max-operation-id-length")
	cfg.LockRetryMaxAttempts = viper.GetInt("lock-retry-attempts")
	cfg.LockRetryBaseDelay = viper.GetDuration("lock-retry-base-delay")
	cfg.LockRetryMaxDelay = viper.GetDuration("lock-retry-max-delay")
	cfg.LockRetryMultiplier = viper.GetFloat64("lock-retry-multiplier")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
