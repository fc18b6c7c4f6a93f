package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrape-scheduler/internal/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Checks the configuration and exits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d seeded task(s), max_instances=%d, storage=%s\n",
				len(cfg.Tasks), cfg.Scheduler.MaxInstances, cfg.Storage.Backend)
			return nil
		},
	}
}
