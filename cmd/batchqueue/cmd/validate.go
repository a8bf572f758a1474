package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Popie52/batchqueue/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the configuration and report every problem in it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cmd.Printf("configuration ok: region %s, account %s, %d queues, %d definitions\n",
			cfg.Region, cfg.Account, len(cfg.Queues), len(cfg.Definitions))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
