package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/momentum/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "momentum",
		Short:         "Momentum device: offline edits and sync",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newUpsertCommand(),
		newDeleteCommand(),
		newListCommand(),
		newSyncCommand(),
		newStatusCommand(),
		newRetryCommand(),
		newResyncCommand(),
		newWatchCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.url"), "Sync server base URL")
	cmd.PersistentFlags().String("device-id", "", "Device identifier (generated and persisted when empty)")
	cmd.PersistentFlags().String("data-path", defaults.GetString("data.path"), "Local database path")
	cmd.PersistentFlags().String("token", "", "Bearer token (overrides env)")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Background sync interval")
	cmd.PersistentFlags().Int("batch-size", defaults.GetInt("sync.batch_size"), "Mutations per push request")
	cmd.PersistentFlags().Duration("request-timeout", defaults.GetDuration("sync.request_timeout"), "Per-request timeout")
	cmd.PersistentFlags().Duration("retry-max-elapsed", defaults.GetDuration("sync.retry_max_elapsed"), "Give up retrying a request after this long")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "device.id", "device-id")
	bindFlag(cmd, "data.path", "data-path")
	bindFlag(cmd, "auth.token", "token")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "sync.batch_size", "batch-size")
	bindFlag(cmd, "sync.request_timeout", "request-timeout")
	bindFlag(cmd, "sync.retry_max_elapsed", "retry-max-elapsed")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
