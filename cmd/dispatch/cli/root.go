// Package cli implements the dispatch command tree.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dispatchbot/dispatch/internal/config"
)

var (
	cfgPath string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "dispatch: ticket-to-agent job orchestrator",
	Long: "dispatch watches the issue tracker for labeled tickets, launches a coding agent\n" +
		"per target repository, and reconciles agent and pull request outcomes into a\n" +
		"local job run database. Each subcommand runs one polling batch and exits, so\n" +
		"the binary fits a cron or CI schedule.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path (default ~/.dispatch/dispatch.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// Execute runs the command tree, printing the failure to stderr.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return err
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	return config.Resolve(cfgPath)
}
