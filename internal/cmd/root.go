// Package cmd implements the tidal-guard command line.
package cmd

import (
	"github.com/spf13/cobra"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configFile string
	logLevel   string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "tidal-guard",
		Short: "Throttling and failure isolation for Tidal catalog and download traffic",
		Long: `tidal-guard enforces hourly request budgets and concurrency limits per
traffic class, pauses a failing dependency behind a circuit breaker and
retries recoverable failures with exponential backoff.

Use the subcommands to run the admin service, drive a simulated workload or
inspect the effective configuration.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default ./tidal-guard.yaml when present)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override: debug, info, warn, error")

	root.AddCommand(
		newServeCmd(opts),
		newSimulateCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// Execute runs the root command. It is called by main.main().
func Execute() error {
	return NewRootCmd().Execute()
}
