package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "cld",
	Short: "Synthetic workload driver for distributed storage clusters",
	Long: `cld generates a rate-limited stream of find, insert and update
operations against a storage cluster and reports how the cluster held up.

A heartbeat probe watches target connectivity alongside the workload,
run statistics are served over HTTP, and lifecycle events can be
published to NATS JetStream for external consumers.`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to configuration file")
}
