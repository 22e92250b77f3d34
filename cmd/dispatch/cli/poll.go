package cli

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/dispatchbot/dispatch/internal/dispatch/agent"
	"github.com/dispatchbot/dispatch/internal/dispatch/agentstatus"
	"github.com/dispatchbot/dispatch/internal/dispatch/ingest"
	"github.com/dispatchbot/dispatch/internal/dispatch/mergestatus"
	"github.com/dispatchbot/dispatch/internal/dispatch/poll"
	"github.com/dispatchbot/dispatch/internal/dispatch/registry"
	"github.com/dispatchbot/dispatch/internal/dispatch/store"
	"github.com/dispatchbot/dispatch/internal/dispatch/tracker"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Poll the tracker for labeled tickets and launch agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		result, err := poll.RunScheduled(cmd.Context(), cfg, slog.Default(), func(st *store.Store) poll.Runner {
			tc := tracker.New(cfg.Tracker.BaseURL, cfg.Tracker.APIToken, tracker.WithHTTPClient(httpClient))
			return ingest.New(ingest.Options{
				Store:        st,
				Tracker:      tc,
				Launcher:     agent.New(cfg.Agent.BaseURL, st, agent.WithHTTPClient(httpClient)),
				Registry:     registry.New(cfg.Repositories),
				Credentials:  st,
				TriggerLabel: cfg.Bot.TriggerLabel,
				Projects:     cfg.Tracker.Projects,
				AutoCreatePR: cfg.AutoCreatePR(),
			})
		})
		if err != nil {
			return err
		}
		return failOnErrored(result)
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Reconcile running job runs against the agent API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		result, err := poll.RunScheduled(cmd.Context(), cfg, slog.Default(), func(st *store.Store) poll.Runner {
			return agentstatus.New(agentstatus.Options{
				Store:   st,
				Agents:  agent.New(cfg.Agent.BaseURL, st, agent.WithHTTPClient(httpClient)),
				Tracker: tracker.New(cfg.Tracker.BaseURL, cfg.Tracker.APIToken, tracker.WithHTTPClient(httpClient)),
				TTL:     cfg.TTL(),
			})
		})
		if err != nil {
			return err
		}
		return failOnErrored(result)
	},
}

var prsCmd = &cobra.Command{
	Use:   "prs",
	Short: "Reconcile completed job runs against pull request outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		result, err := poll.RunScheduled(cmd.Context(), cfg, slog.Default(), func(st *store.Store) poll.Runner {
			tc := tracker.New(cfg.Tracker.BaseURL, cfg.Tracker.APIToken, tracker.WithHTTPClient(httpClient))
			return mergestatus.New(st, tc, slog.Default())
		})
		if err != nil {
			return err
		}
		return failOnErrored(result)
	},
}

// failOnErrored turns item-level failures into a nonzero exit. Skips are
// normal operation and never fail the run.
func failOnErrored(result poll.Result) error {
	if result.Failed() {
		return fmt.Errorf("%d of %d items errored", result.Errored, result.Found)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(ingestCmd, agentsCmd, prsCmd)
}
