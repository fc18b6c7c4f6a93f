package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrape-scheduler",
		Short: "Schedules and runs browser scraping tasks.",
		Long: `scrape-scheduler runs scraping tasks on a schedule against a pool of
headless browsers, rotating proxies and honouring per-domain rate limits.
Tasks come from the config file or the admin API.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars with the SCRAPER_ prefix override it)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newValidateCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "command execution failed: %v\n", err)
		os.Exit(1)
	}
}
