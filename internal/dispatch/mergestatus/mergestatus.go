// Package mergestatus reconciles completed job runs with open pull requests
// against the tracker's development status, recording merges and closures.
package mergestatus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dispatchbot/dispatch/internal/dispatch/poll"
	"github.com/dispatchbot/dispatch/internal/dispatch/store"
	"github.com/dispatchbot/dispatch/internal/dispatch/tracker"
)

// DevStatusFetcher returns the tracker's development status for a ticket.
type DevStatusFetcher interface {
	GetDevStatus(ctx context.Context, issueKey string) (*tracker.DevStatus, error)
}

// Reconciler is the merge status polling service.
type Reconciler struct {
	store   *store.Store
	tracker DevStatusFetcher
	logger  *slog.Logger

	now func() time.Time
}

// New creates the merge status reconciler.
func New(st *store.Store, devStatus DevStatusFetcher, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: st, tracker: devStatus, logger: logger, now: time.Now}
}

// Poll executes one reconciliation batch over completed runs with open PRs.
func (r *Reconciler) Poll(ctx context.Context) (poll.Result, error) {
	return poll.Run(ctx, "merge status", r, r.logger)
}

// FetchCandidates returns every completed job run whose PR is still open.
func (r *Reconciler) FetchCandidates(ctx context.Context) ([]store.JobRun, error) {
	return r.store.FindCompletedWithOpenPR()
}

// ProcessItem checks one job run's PR against the tracker's dev status.
func (r *Reconciler) ProcessItem(ctx context.Context, run store.JobRun) poll.ItemResult {
	if run.PRURL == "" {
		r.logger.Warn("job run missing PR URL, skipping", "job_run_id", run.ID)
		return poll.ItemResult{Key: run.ID, Success: true, Skipped: true,
			SkipReason: "Missing PR URL"}
	}

	devStatus, err := r.tracker.GetDevStatus(ctx, run.TicketKey)
	if err != nil {
		// Transient: the next poll retries.
		r.logger.Warn("dev status fetch failed, skipping",
			"job_run_id", run.ID, "ticket", run.TicketKey, "error", err)
		return poll.ItemResult{Key: run.ID, Success: true, Skipped: true,
			SkipReason: "API error: " + err.Error()}
	}
	if devStatus == nil {
		return poll.ItemResult{Key: run.ID, Success: true, Skipped: true,
			SkipReason: "No dev status found"}
	}

	pr := matchPullRequest(devStatus.PullRequests, run.PRURL)
	if pr == nil {
		r.logger.Warn("no matching pull request in dev status",
			"job_run_id", run.ID, "ticket", run.TicketKey, "pr_url", run.PRURL)
		return poll.ItemResult{Key: run.ID, Success: true, Skipped: true,
			SkipReason: "PR not found in dev status"}
	}

	switch strings.ToUpper(pr.Status) {
	case "MERGED":
		return r.record(run, store.PRStatusMerged)
	case "DECLINED":
		return r.record(run, store.PRStatusClosed)
	case "OPEN":
		return poll.ItemResult{Key: run.ID, Success: true, Skipped: true,
			SkipReason: "PR still open"}
	default:
		r.logger.Warn("unknown pull request status, skipping",
			"job_run_id", run.ID, "pr_status", pr.Status)
		return poll.ItemResult{Key: run.ID, Success: true, Skipped: true,
			SkipReason: fmt.Sprintf("Unknown PR status: %s", pr.Status)}
	}
}

func (r *Reconciler) record(run store.JobRun, prStatus string) poll.ItemResult {
	now := r.now().UTC()
	upd := store.JobRunUpdate{PRStatus: &prStatus}
	switch prStatus {
	case store.PRStatusMerged:
		upd.PRMergedAt = &now
	case store.PRStatusClosed:
		upd.PRClosedAt = &now
	}
	if _, err := r.store.UpdateJobRun(run.ID, upd); err != nil {
		return poll.ItemResult{Key: run.ID, Err: fmt.Errorf("recording PR status on job run %s: %w", run.ID, err)}
	}
	r.logger.Info("recorded pull request outcome", "job_run_id", run.ID,
		"ticket", run.TicketKey, "pr_url", run.PRURL, "pr_status", prStatus)
	return poll.ItemResult{Key: run.ID, Success: true}
}

// matchPullRequest finds the dev-status entry for the run's PR. URLs are
// compared after trimming whitespace and any trailing slash.
func matchPullRequest(prs []tracker.PullRequest, prURL string) *tracker.PullRequest {
	want := normalizeURL(prURL)
	for i := range prs {
		if normalizeURL(prs[i].URL) == want {
			return &prs[i]
		}
	}
	return nil
}

func normalizeURL(u string) string {
	return strings.TrimSuffix(strings.TrimSpace(u), "/")
}
