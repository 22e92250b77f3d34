// Package ingest turns freshly labeled tickets into job runs and launches an
// agent for each target repository.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dispatchbot/dispatch/internal/dispatch/agent"
	"github.com/dispatchbot/dispatch/internal/dispatch/comment"
	"github.com/dispatchbot/dispatch/internal/dispatch/poll"
	"github.com/dispatchbot/dispatch/internal/dispatch/store"
	"github.com/dispatchbot/dispatch/internal/dispatch/tracker"
)

// TrackerClient is the slice of the tracker API the ingestion service uses.
type TrackerClient interface {
	SearchIssues(ctx context.Context, jql string) ([]tracker.Issue, error)
	RemoveLabel(ctx context.Context, issueKey, label string) error
	AddComment(ctx context.Context, issueKey, text string) error
	FindLabelApplier(ctx context.Context, issueKey, label string) string
}

// Launcher starts an external agent run.
type Launcher interface {
	Launch(ctx context.Context, input agent.LaunchInput) agent.LaunchResult
}

// Service is the ticket ingestion polling service.
type Service struct {
	store        *store.Store
	tracker      TrackerClient
	launcher     Launcher
	registry     Registry
	creds        CredentialChecker
	triggerLabel string
	projects     []string
	autoCreatePR bool
	logger       *slog.Logger
}

// Options carries the collaborators and settings for a Service.
type Options struct {
	Store        *store.Store
	Tracker      TrackerClient
	Launcher     Launcher
	Registry     Registry
	Credentials  CredentialChecker
	TriggerLabel string
	Projects     []string
	AutoCreatePR bool
	Logger       *slog.Logger
}

// New creates the ingestion service.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:        opts.Store,
		tracker:      opts.Tracker,
		launcher:     opts.Launcher,
		registry:     opts.Registry,
		creds:        opts.Credentials,
		triggerLabel: opts.TriggerLabel,
		projects:     opts.Projects,
		autoCreatePR: opts.AutoCreatePR,
		logger:       logger,
	}
}

// Poll executes one ingestion batch.
func (s *Service) Poll(ctx context.Context) (poll.Result, error) {
	return poll.Run(ctx, "ingest", s, s.logger)
}

// BuildQuery returns the JQL matching every ticket carrying the trigger
// label across the configured projects.
func (s *Service) BuildQuery() string {
	quoted := make([]string, len(s.projects))
	for i, p := range s.projects {
		quoted[i] = fmt.Sprintf("%q", p)
	}
	return fmt.Sprintf("labels = %q AND project IN (%s)", s.triggerLabel, strings.Join(quoted, ", "))
}

// FetchCandidates searches the tracker for tickets to ingest.
func (s *Service) FetchCandidates(ctx context.Context) ([]tracker.Issue, error) {
	return s.tracker.SearchIssues(ctx, s.BuildQuery())
}

// ProcessItem ingests one ticket: dedup against active job runs, trigger
// label removal, job run creation per target, one ticket-level validation,
// and one agent launch per target.
func (s *Service) ProcessItem(ctx context.Context, issue tracker.Issue) poll.ItemResult {
	targets := ParseTargets(issue.Labels)

	// No target label: the ticket cannot be processed. Remove the trigger
	// label so the next poll does not pick it up again, then report every
	// validation error in one comment.
	if len(targets) == 0 {
		return s.processWithoutTargets(ctx, issue)
	}

	// Keep only targets without an active job run for this ticket.
	var toProcess []Target
	for _, target := range targets {
		existing, err := s.store.FindActive(issue.Key, target.Repository)
		if err == nil {
			s.logger.Info("active job run exists, skipping target",
				"ticket", issue.Key, "repository", target.Repository,
				"job_run_id", existing.ID, "status", existing.Status)
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return poll.ItemResult{Key: issue.Key, Err: fmt.Errorf("checking active job run for %s/%s: %w", issue.Key, target.Repository, err)}
		}
		toProcess = append(toProcess, target)
	}

	if len(toProcess) == 0 {
		s.logger.Info("all repositories have active job runs, skipping ticket", "ticket", issue.Key)
		// Still remove the trigger label to avoid a relabel loop. A removal
		// failure is tolerated: the skip stands either way.
		if err := s.tracker.RemoveLabel(ctx, issue.Key, s.triggerLabel); err != nil {
			s.logger.Warn("removing trigger label while skipping duplicate",
				"ticket", issue.Key, "error", err)
		}
		return poll.ItemResult{Key: issue.Key, Success: true, Skipped: true,
			SkipReason: "All repositories have active job runs"}
	}

	initiatedBy := s.tracker.FindLabelApplier(ctx, issue.Key, s.triggerLabel)
	if initiatedBy == "" {
		initiatedBy = "unknown"
	}

	// Removing the trigger label is the idempotency signal: even if a later
	// step fails, the next poll will not reprocess this ticket.
	if err := s.tracker.RemoveLabel(ctx, issue.Key, s.triggerLabel); err != nil {
		return poll.ItemResult{Key: issue.Key, Err: fmt.Errorf("removing trigger label from %s: %w", issue.Key, err)}
	}

	runs := make([]store.JobRun, 0, len(toProcess))
	for _, target := range toProcess {
		run, err := s.store.CreateJobRun(store.CreateJobRunInput{
			TicketKey:        issue.Key,
			TargetRepository: target.Repository,
			TargetRef:        target.Ref,
			InitiatedBy:      initiatedBy,
			Assignee:         issue.AssigneeEmail,
			Summary:          issue.Summary,
			Description:      issue.Description,
		})
		if err != nil {
			return poll.ItemResult{Key: issue.Key, Err: fmt.Errorf("creating job run for %s/%s: %w", issue.Key, target.Repository, err)}
		}
		s.logger.Info("created job run", "ticket", issue.Key,
			"repository", target.Repository, "job_run_id", run.ID,
			"initiated_by", initiatedBy, "assignee", issue.AssigneeEmail)
		runs = append(runs, run)
	}

	// Ticket-level validation runs once, using the first target to satisfy
	// the repository check.
	validation, err := validateTicket(ticketData{
		TicketKey:     issue.Key,
		Summary:       issue.Summary,
		Description:   issue.Description,
		AssigneeEmail: issue.AssigneeEmail,
		Target:        &toProcess[0],
	}, s.registry, s.creds)
	if err != nil {
		return poll.ItemResult{Key: issue.Key, Err: err}
	}
	if !validation.Valid() {
		return s.failValidation(ctx, issue.Key, runs, validation)
	}

	return s.launchAll(ctx, issue, runs)
}

// processWithoutTargets handles tickets carrying the trigger label but no
// target label. No job run is created; the user gets one combined
// validation comment.
func (s *Service) processWithoutTargets(ctx context.Context, issue tracker.Issue) poll.ItemResult {
	if err := s.tracker.RemoveLabel(ctx, issue.Key, s.triggerLabel); err != nil {
		return poll.ItemResult{Key: issue.Key, Err: fmt.Errorf("removing trigger label from %s: %w", issue.Key, err)}
	}

	validation, err := validateTicket(ticketData{
		TicketKey:     issue.Key,
		AssigneeEmail: issue.AssigneeEmail,
		Target:        nil,
	}, s.registry, s.creds)
	if err != nil {
		return poll.ItemResult{Key: issue.Key, Err: err}
	}

	s.logger.Warn("ticket failed validation", "ticket", issue.Key, "errors", validation.Errors)
	if err := s.tracker.AddComment(ctx, issue.Key, comment.ValidationFailed(validation.Errors)); err != nil {
		return poll.ItemResult{Key: issue.Key, Err: fmt.Errorf("posting validation comment on %s: %w", issue.Key, err)}
	}
	return poll.ItemResult{Key: issue.Key, Success: true, Skipped: true,
		SkipReason: validation.Message()}
}

// failValidation marks every job run created for this ticket as failed and
// posts a single combined comment.
func (s *Service) failValidation(ctx context.Context, ticketKey string, runs []store.JobRun, validation ValidationResult) poll.ItemResult {
	msg := validation.Message()
	s.logger.Warn("ticket failed validation", "ticket", ticketKey, "errors", validation.Errors)

	failed := store.StatusFailed
	for _, run := range runs {
		if _, err := s.store.UpdateJobRun(run.ID, store.JobRunUpdate{Status: &failed, ErrorMessage: &msg}); err != nil {
			return poll.ItemResult{Key: ticketKey, Err: fmt.Errorf("marking job run %s failed: %w", run.ID, err)}
		}
	}

	if err := s.tracker.AddComment(ctx, ticketKey, comment.ValidationFailed(validation.Errors)); err != nil {
		return poll.ItemResult{Key: ticketKey, Err: fmt.Errorf("posting validation comment on %s: %w", ticketKey, err)}
	}
	return poll.ItemResult{Key: ticketKey, Success: true, Skipped: true, SkipReason: msg}
}

// launchAll starts one agent per job run. The ticket counts as processed if
// at least one launch succeeds; each failed launch is recorded on its own
// job run and counted as an errored result.
func (s *Service) launchAll(ctx context.Context, issue tracker.Issue, runs []store.JobRun) poll.ItemResult {
	var launched int
	var failures int
	var lastErr string

	for _, run := range runs {
		result := s.launcher.Launch(ctx, agent.LaunchInput{
			TicketKey:     issue.Key,
			Summary:       issue.Summary,
			Description:   issue.Description,
			Repository:    run.TargetRepository,
			Ref:           run.TargetRef,
			AssigneeEmail: issue.AssigneeEmail,
			AutoCreatePR:  s.autoCreatePR,
		})

		if result.Success && result.AgentID == "" {
			result = agent.LaunchResult{Error: "agent launch reported success but did not return an agent id"}
		}

		if !result.Success {
			msg := "Agent launch failed: " + result.Error
			s.logger.Error("agent launch failed", "ticket", issue.Key,
				"repository", run.TargetRepository, "job_run_id", run.ID, "error", result.Error)

			failed := store.StatusFailed
			if _, err := s.store.UpdateJobRun(run.ID, store.JobRunUpdate{Status: &failed, ErrorMessage: &msg}); err != nil {
				s.logger.Error("marking job run failed", "job_run_id", run.ID, "error", err)
			}
			if err := s.tracker.AddComment(ctx, issue.Key, comment.AgentLaunchFailed(result.Error)); err != nil {
				s.logger.Error("posting launch-failed comment", "ticket", issue.Key, "error", err)
			}
			failures++
			lastErr = msg
			continue
		}

		running := store.StatusRunning
		if _, err := s.store.UpdateJobRun(run.ID, store.JobRunUpdate{Status: &running, AgentID: &result.AgentID}); err != nil {
			s.logger.Error("marking job run running", "job_run_id", run.ID, "error", err)
			failures++
			lastErr = err.Error()
			continue
		}
		if err := s.tracker.AddComment(ctx, issue.Key, comment.AgentLaunched(run.TargetRepository, result.AgentURL)); err != nil {
			s.logger.Error("posting launched comment", "ticket", issue.Key, "error", err)
		}

		s.logger.Info("agent launched", "ticket", issue.Key,
			"repository", run.TargetRepository, "job_run_id", run.ID,
			"agent_id", result.AgentID, "agent_url", result.AgentURL)
		launched++
	}

	if launched == 0 {
		return poll.ItemResult{Key: issue.Key, Err: fmt.Errorf("%s", lastErr), PartialErrors: failures - 1}
	}
	return poll.ItemResult{Key: issue.Key, Success: true, PartialErrors: failures}
}
