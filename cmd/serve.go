package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrape-scheduler/internal/app"
	"github.com/JakeFAU/scrape-scheduler/internal/config"
)

// runApp is replaced in tests.
var runApp = func(ctx context.Context, cfg config.Config) error {
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	return a.Run(ctx)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the scheduler and the admin API",
		Long: `Loads the configuration, schedules the configured tasks and serves the
admin API until the process receives SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := runApp(cmd.Context(), cfg); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
