// Package agentstatus reconciles running job runs against the coding-agent
// API: it polls each running agent and records terminal outcomes, enforcing
// the maximum runtime along the way.
package agentstatus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dispatchbot/dispatch/internal/dispatch/agent"
	"github.com/dispatchbot/dispatch/internal/dispatch/comment"
	"github.com/dispatchbot/dispatch/internal/dispatch/poll"
	"github.com/dispatchbot/dispatch/internal/dispatch/store"
)

// StatusFetcher polls the external agent API for a run's current status.
type StatusFetcher interface {
	GetStatus(ctx context.Context, input agent.StatusInput) agent.StatusResult
}

// Commenter posts tracker comments for terminal outcomes.
type Commenter interface {
	AddComment(ctx context.Context, issueKey, text string) error
}

// Reconciler is the agent status polling service.
type Reconciler struct {
	store   *store.Store
	agents  StatusFetcher
	tracker Commenter
	ttl     time.Duration
	logger  *slog.Logger

	// now is overridable in tests to exercise the runtime limit.
	now func() time.Time
}

// Options carries the collaborators and settings for a Reconciler.
type Options struct {
	Store   *store.Store
	Agents  StatusFetcher
	Tracker Commenter
	TTL     time.Duration
	Logger  *slog.Logger
}

// New creates the agent status reconciler.
func New(opts Options) *Reconciler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:   opts.Store,
		agents:  opts.Agents,
		tracker: opts.Tracker,
		ttl:     opts.TTL,
		logger:  logger,
		now:     time.Now,
	}
}

// Poll executes one reconciliation batch over all running job runs.
func (r *Reconciler) Poll(ctx context.Context) (poll.Result, error) {
	return poll.Run(ctx, "agent status", r, r.logger)
}

// FetchCandidates returns every running job run, oldest first.
func (r *Reconciler) FetchCandidates(ctx context.Context) ([]store.JobRun, error) {
	return r.store.FindRunning()
}

// ProcessItem reconciles one running job run against the agent API.
func (r *Reconciler) ProcessItem(ctx context.Context, run store.JobRun) poll.ItemResult {
	if run.AgentID == "" || run.Assignee == "" {
		r.logger.Warn("job run missing agent id or assignee, skipping",
			"job_run_id", run.ID, "ticket", run.TicketKey)
		return poll.ItemResult{Key: run.ID, Success: true, Skipped: true,
			SkipReason: "Missing agent id or assignee"}
	}

	status := r.agents.GetStatus(ctx, agent.StatusInput{
		AgentID:       run.AgentID,
		AssigneeEmail: run.Assignee,
	})
	if !status.Success {
		// A fetch failure is transient: leave the run untouched and let the
		// next poll retry.
		r.logger.Warn("agent status fetch failed, skipping",
			"job_run_id", run.ID, "agent_id", run.AgentID, "error", status.Error)
		return poll.ItemResult{Key: run.ID, Success: true, Skipped: true,
			SkipReason: "API error: " + status.Error}
	}

	switch status.Status {
	case agent.StatusRunning, agent.StatusCreating:
		if r.exceededTTL(run) {
			return r.timeOut(ctx, run)
		}
		return poll.ItemResult{Key: run.ID, Success: true}

	case agent.StatusFinished:
		return r.complete(ctx, run, status)

	case agent.StatusError:
		return r.fail(ctx, run, "agent encountered an error", comment.AgentFailed("The agent encountered an error while working on this ticket."))

	case agent.StatusExpired:
		return r.fail(ctx, run, "agent session expired", comment.AgentExpired())

	default:
		r.logger.Warn("unknown agent status, skipping",
			"job_run_id", run.ID, "agent_id", run.AgentID, "status", status.Status)
		return poll.ItemResult{Key: run.ID, Success: true, Skipped: true,
			SkipReason: fmt.Sprintf("Unknown agent status: %s", status.Status)}
	}
}

// exceededTTL reports whether the run has been going longer than the
// configured maximum runtime. The clock starts at started_at, falling back
// to created_at for runs that never recorded a start.
func (r *Reconciler) exceededTTL(run store.JobRun) bool {
	start := run.StartedAt
	if start.IsZero() {
		start = run.CreatedAt
	}
	return r.now().Sub(start) > r.ttl
}

func (r *Reconciler) timeOut(ctx context.Context, run store.JobRun) poll.ItemResult {
	r.logger.Warn("job run exceeded maximum runtime",
		"job_run_id", run.ID, "ticket", run.TicketKey, "agent_id", run.AgentID, "ttl", r.ttl)

	timedOut := store.StatusFailedTimeout
	msg := "Job exceeded maximum runtime"
	if _, err := r.store.UpdateJobRun(run.ID, store.JobRunUpdate{Status: &timedOut, ErrorMessage: &msg}); err != nil {
		return poll.ItemResult{Key: run.ID, Err: fmt.Errorf("marking job run %s timed out: %w", run.ID, err)}
	}
	if err := r.tracker.AddComment(ctx, run.TicketKey, comment.AgentTimedOut()); err != nil {
		r.logger.Error("posting timeout comment", "ticket", run.TicketKey, "error", err)
	}
	return poll.ItemResult{Key: run.ID, Success: true}
}

func (r *Reconciler) complete(ctx context.Context, run store.JobRun, status agent.StatusResult) poll.ItemResult {
	completed := store.StatusCompleted
	upd := store.JobRunUpdate{Status: &completed}
	if status.PRURL != "" {
		prURL := status.PRURL
		prStatus := store.PRStatusOpen
		upd.PRURL = &prURL
		upd.PRStatus = &prStatus
	}
	if _, err := r.store.UpdateJobRun(run.ID, upd); err != nil {
		return poll.ItemResult{Key: run.ID, Err: fmt.Errorf("marking job run %s completed: %w", run.ID, err)}
	}

	r.logger.Info("job run completed", "job_run_id", run.ID,
		"ticket", run.TicketKey, "agent_id", run.AgentID, "pr_url", status.PRURL)

	if err := r.tracker.AddComment(ctx, run.TicketKey, comment.AgentCompleted(status.PRURL, status.Summary)); err != nil {
		r.logger.Error("posting completion comment", "ticket", run.TicketKey, "error", err)
	}
	return poll.ItemResult{Key: run.ID, Success: true}
}

func (r *Reconciler) fail(ctx context.Context, run store.JobRun, reason, commentText string) poll.ItemResult {
	r.logger.Warn("job run failed", "job_run_id", run.ID,
		"ticket", run.TicketKey, "agent_id", run.AgentID, "reason", reason)

	failed := store.StatusFailed
	if _, err := r.store.UpdateJobRun(run.ID, store.JobRunUpdate{Status: &failed, ErrorMessage: &reason}); err != nil {
		return poll.ItemResult{Key: run.ID, Err: fmt.Errorf("marking job run %s failed: %w", run.ID, err)}
	}
	if err := r.tracker.AddComment(ctx, run.TicketKey, commentText); err != nil {
		r.logger.Error("posting failure comment", "ticket", run.TicketKey, "error", err)
	}
	return poll.ItemResult{Key: run.ID, Success: true}
}
