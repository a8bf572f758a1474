package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "batchqueue",
	Short: "batchqueue schedules and runs batch jobs",
	Long: `batchqueue accepts job submissions over HTTP, holds them in prioritized queues
until their dependencies succeed, and drives each job through its lifecycle:

  SUBMITTED -> PENDING -> RUNNABLE -> STARTING -> RUNNING -> SUCCEEDED | FAILED

Configuration is read from --config, or ./config.yaml when present. Every key can be
overridden with a BATCHQ_ environment variable, for example:
    BATCHQ_HTTP_ADDR          listen address (default :8080)
    BATCHQ_DISPATCH_EXECUTOR  real or instant
    BATCHQ_STORE_KIND         none, file or postgres`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
}
