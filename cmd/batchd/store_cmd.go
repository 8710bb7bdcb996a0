package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/batchd"
	"pkt.systems/batchd/internal/settings"
	"pkt.systems/pslog"
)

func newMigrateCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to --store and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			storeURL := storeFromConfig()
			store, err := batchd.OpenStore(cmd.Context(), storeURL, logger)
			if err != nil {
				return err
			}
			defer batchd.CloseStore(store)
			logger.Info("store migrated", "store", storeURL)
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "store is up to date")
			return err
		},
	}
}

func newSettingsCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect or change runtime settings stored in --store",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print every stored setting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			store, err := batchd.OpenStore(cmd.Context(), storeFromConfig(), logger)
			if err != nil {
				return err
			}
			defer batchd.CloseStore(store)
			values, err := store.LoadSettings(cmd.Context())
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, k := range keys {
				fmt.Fprintf(tw, "%s\t%s\n", k, values[k])
			}
			return tw.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Write one setting; running servers pick it up on their next pull",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := strings.TrimSpace(args[0]), strings.TrimSpace(args[1])
			if key == "" {
				return fmt.Errorf("setting key is required")
			}
			if key == settings.KeyFlushInterval {
				ms, err := strconv.Atoi(value)
				if err != nil || ms <= 0 {
					return fmt.Errorf("%s must be a positive number of milliseconds", key)
				}
			}
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			store, err := batchd.OpenStore(cmd.Context(), storeFromConfig(), logger)
			if err != nil {
				return err
			}
			defer batchd.CloseStore(store)
			if err := store.PutSetting(cmd.Context(), key, value); err != nil {
				return err
			}
			logger.Info("setting stored", "key", key, "value", value)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", key, value)
			return err
		},
	})
	return cmd
}

func storeFromConfig() string {
	if v := strings.TrimSpace(viper.GetString("store")); v != "" {
		return v
	}
	return batchd.DefaultStore
}
