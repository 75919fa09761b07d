// Package cmd implements the CLI commands for playarr.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/playarr/internal/config"
	"github.com/jmylchreest/playarr/internal/observability"
	"github.com/jmylchreest/playarr/internal/version"
)

var (
	cfgFile string
	// cfg and logger are set by the root command before any subcommand runs.
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:     "playarr",
	Short:   "Adaptive stream player with automatic recovery",
	Version: version.Short(),
	Long: `playarr plays segmented (HLS), manifest-description (DASH), native and
embedded sources, picking a backend per source and recovering from stalls,
network faults and decode errors within a bounded retry budget.

Run "playarr play" to play a source headlessly with an optional control API,
or "playarr probe" to check which catalog sources reach playback.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return setup(cmd)
	}

	// Flags are applied over config only when set, keeping the order
	// flag > env > file > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml, /etc/playarr/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
}

func setup(cmd *cobra.Command) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	flags := cmd.Root().PersistentFlags()
	overrideString(flags, "log-level", &loaded.Logging.Level)
	overrideString(flags, "log-format", &loaded.Logging.Format)
	loaded.Logging.Level = strings.ToLower(loaded.Logging.Level)
	if loaded.Logging.Level == "warning" {
		loaded.Logging.Level = "warn"
	}

	cfg = loaded
	logger = observability.NewLoggerWithWriter(cfg.Logging, os.Stderr).
		With(slog.String("app", version.ApplicationName))
	slog.SetDefault(logger)
	return nil
}

// overrideString copies a flag into dst only when the user set it.
func overrideString(flags *pflag.FlagSet, name string, dst *string) {
	if !flags.Changed(name) {
		return
	}
	if v, err := flags.GetString(name); err == nil {
		*dst = v
	}
}
