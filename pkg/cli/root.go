// Package cli implements the chargekit command line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chargekit/chargekit/pkg/config"
	"github.com/chargekit/chargekit/pkg/logging"
)

var (
	// Persistent flags available to all subcommands
	logLevel   string
	logFormat  string
	logFile    string
	jsonOutput bool

	// Version is injected during build
	Version = "dev"
	// Commit is injected during build
	Commit = "none"
	// BuildDate is injected during build
	BuildDate = "unknown"
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "chargekit",
	Short: "chargekit provisions and tears down EV charging test resources",
	Long: `chargekit drives test resources for EV charging backends: it creates
chargers, transactions, users, and messages through pluggable adapters
(REST, OCPP, MQTT, auth, emulator), tracks everything it created, and
rolls it all back when the run ends.

Scenarios are YAML or JSON files declaring the resources to stand up;
'chargekit run' executes them. 'chargekit emulate' runs a fleet of
emulated charge points on their own, and 'chargekit broker' starts an
embedded MQTT broker for offline runs.`,
	SilenceUsage:  true,
	SilenceErrors: true, // errors are printed once, in Execute
}

// Execute runs the root command. Called by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also append logs to this file, as JSON")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output command results in JSON format")
}

// buildLogger constructs the process logger. The config file's logging
// block is the base; flags set explicitly on the command line win.
// With --log-file, records fan out to stderr and the file; the returned
// cleanup flushes and closes the file and is safe to call always.
func buildLogger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, func(), error) {
	c := cfg.Logging.Build()
	if cmd.Flags().Changed("log-level") {
		c.Level = logging.ParseLevel(logLevel)
	}
	if cmd.Flags().Changed("log-format") {
		c.Format = logging.ParseFormat(logFormat)
	}
	if logFile == "" {
		return logging.New(c), func() {}, nil
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	fileCfg := c
	fileCfg.Output = f
	fileCfg.Format = logging.FormatJSON
	handler := logging.NewMultiHandler(logging.Handler(c), logging.Handler(fileCfg))
	return slog.New(handler), func() { f.Close() }, nil
}
