package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Popie52/batchqueue/internal/bootstrap"
	"github.com/Popie52/batchqueue/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and its HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		return bootstrap.Run(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
