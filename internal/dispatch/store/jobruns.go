package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by lookups and updates when no matching record exists.
var ErrNotFound = errors.New("record not found")

// Status is the lifecycle state of a job run.
type Status string

const (
	StatusPending       Status = "pending"
	StatusRunning       Status = "running"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusFailedTimeout Status = "failed_timeout"
	StatusCancelled     Status = "cancelled"
)

// Terminal reports whether s is a terminal status. Terminal job runs are
// never mutated back to an active status; retries create a new record.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusFailedTimeout, StatusCancelled:
		return true
	}
	return false
}

// Pull request states tracked on a job run once the agent reports a PR.
const (
	PRStatusOpen   = "open"
	PRStatusMerged = "merged"
	PRStatusClosed = "closed"
)

// activeStatuses are the statuses that count as "in flight" for dedup
// purposes. At most one job run per (ticket, repository) may hold one.
var activeStatuses = []Status{StatusPending, StatusRunning}

// JobRun is one persisted attempt to execute a coding task against one
// ticket/target-repository pair. Records are append-only: a retry creates a
// new row rather than reviving an old one.
type JobRun struct {
	ID               string
	TicketKey        string
	TargetRepository string
	TargetRef        string
	InitiatedBy      string
	Assignee         string
	Status           Status
	AgentID          string
	PRURL            string
	PRStatus         string
	PRMergedAt       time.Time
	PRClosedAt       time.Time
	ErrorMessage     string
	Summary          string
	Description      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        time.Time
	CompletedAt      time.Time
}

// CreateJobRunInput carries the fields captured at ingestion time.
type CreateJobRunInput struct {
	TicketKey        string
	TargetRepository string
	TargetRef        string
	InitiatedBy      string
	Assignee         string
	Summary          string
	Description      string
}

// JobRunUpdate is a partial update. Nil fields are left untouched.
type JobRunUpdate struct {
	Status       *Status
	AgentID      *string
	ErrorMessage *string
	PRURL        *string
	PRStatus     *string
	PRMergedAt   *time.Time
	PRClosedAt   *time.Time
}

const jobRunColumns = `id, ticket_key, target_repository, target_ref, initiated_by, assignee,
	status, agent_id, pr_url, pr_status, pr_merged_at, pr_closed_at,
	error_message, summary, description, created_at, updated_at, started_at, completed_at`

// CreateJobRun inserts a new job run in status pending.
func (s *Store) CreateJobRun(input CreateJobRunInput) (JobRun, error) {
	run := JobRun{
		ID:               uuid.New().String(),
		TicketKey:        input.TicketKey,
		TargetRepository: input.TargetRepository,
		TargetRef:        input.TargetRef,
		InitiatedBy:      input.InitiatedBy,
		Assignee:         input.Assignee,
		Status:           StatusPending,
		Summary:          input.Summary,
		Description:      input.Description,
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	_, err := s.conn.Exec(`
		INSERT INTO job_runs (id, ticket_key, target_repository, target_ref, initiated_by,
			assignee, status, summary, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TicketKey, run.TargetRepository, run.TargetRef, run.InitiatedBy,
		run.Assignee, string(run.Status), run.Summary, run.Description,
		run.CreatedAt.Format(time.RFC3339), run.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return JobRun{}, fmt.Errorf("creating job run: %w", err)
	}
	return run, nil
}

// FindActive returns the pending or running job run for the given ticket and
// repository, or ErrNotFound. This lookup is the system's only concurrency
// control: callers check it immediately before creating a new record.
func (s *Store) FindActive(ticketKey, targetRepository string) (JobRun, error) {
	row := s.conn.QueryRow(`
		SELECT `+jobRunColumns+`
		FROM job_runs
		WHERE ticket_key = ? AND target_repository = ? AND status IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		ticketKey, targetRepository, string(activeStatuses[0]), string(activeStatuses[1]))
	return scanJobRunRow(row, "finding active job run")
}

// FindByTicketKey returns the most recent job run for the ticket regardless
// of repository, or ErrNotFound. Legacy single-target lookup; ingestion dedup
// uses FindActive.
func (s *Store) FindByTicketKey(ticketKey string) (JobRun, error) {
	row := s.conn.QueryRow(`
		SELECT `+jobRunColumns+`
		FROM job_runs WHERE ticket_key = ?
		ORDER BY created_at DESC LIMIT 1`, ticketKey)
	return scanJobRunRow(row, "finding job run by ticket")
}

// FindByAgentID returns the job run correlated with the given external agent
// run, or ErrNotFound.
func (s *Store) FindByAgentID(agentID string) (JobRun, error) {
	row := s.conn.QueryRow(`
		SELECT `+jobRunColumns+`
		FROM job_runs WHERE agent_id = ?
		ORDER BY created_at DESC LIMIT 1`, agentID)
	return scanJobRunRow(row, "finding job run by agent id")
}

// FindRunning returns all job runs in status running, oldest first.
func (s *Store) FindRunning() ([]JobRun, error) {
	return s.queryJobRuns(`
		SELECT `+jobRunColumns+`
		FROM job_runs WHERE status = ?
		ORDER BY created_at ASC`, string(StatusRunning))
}

// FindCompletedWithOpenPR returns completed job runs whose pull request is
// still open, oldest first.
func (s *Store) FindCompletedWithOpenPR() ([]JobRun, error) {
	return s.queryJobRuns(`
		SELECT `+jobRunColumns+`
		FROM job_runs WHERE status = ? AND pr_status = ?
		ORDER BY created_at ASC`, string(StatusCompleted), PRStatusOpen)
}

// UpdateJobRun applies a partial update to the job run and returns the
// updated record. started_at is set on the first transition into running and
// completed_at on the first transition into a terminal status; neither is
// ever overwritten.
func (s *Store) UpdateJobRun(id string, upd JobRunUpdate) (JobRun, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	sets := []string{"updated_at = ?"}
	args := []any{now}

	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
		if *upd.Status == StatusRunning {
			sets = append(sets, "started_at = CASE WHEN started_at = '' THEN ? ELSE started_at END")
			args = append(args, now)
		}
		if upd.Status.Terminal() {
			sets = append(sets, "completed_at = CASE WHEN completed_at = '' THEN ? ELSE completed_at END")
			args = append(args, now)
		}
	}
	if upd.AgentID != nil {
		sets = append(sets, "agent_id = ?")
		args = append(args, *upd.AgentID)
	}
	if upd.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *upd.ErrorMessage)
	}
	if upd.PRURL != nil {
		sets = append(sets, "pr_url = ?")
		args = append(args, *upd.PRURL)
	}
	if upd.PRStatus != nil {
		sets = append(sets, "pr_status = ?")
		args = append(args, *upd.PRStatus)
	}
	if upd.PRMergedAt != nil {
		sets = append(sets, "pr_merged_at = ?")
		args = append(args, upd.PRMergedAt.UTC().Format(time.RFC3339))
	}
	if upd.PRClosedAt != nil {
		sets = append(sets, "pr_closed_at = ?")
		args = append(args, upd.PRClosedAt.UTC().Format(time.RFC3339))
	}

	args = append(args, id)
	result, err := s.conn.Exec(`UPDATE job_runs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return JobRun{}, fmt.Errorf("updating job run: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return JobRun{}, fmt.Errorf("job run %s: %w", id, ErrNotFound)
	}
	return s.GetJobRun(id)
}

// GetJobRun returns the job run with the given id, or ErrNotFound.
func (s *Store) GetJobRun(id string) (JobRun, error) {
	row := s.conn.QueryRow(`
		SELECT `+jobRunColumns+`
		FROM job_runs WHERE id = ?`, id)
	return scanJobRunRow(row, "getting job run")
}

func (s *Store) queryJobRuns(query string, args ...any) ([]JobRun, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying job runs: %w", err)
	}
	defer rows.Close()

	var runs []JobRun
	for rows.Next() {
		run, err := scanJobRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanJobRun(rows *sql.Rows) (JobRun, error) {
	var run JobRun
	var status string
	var mergedAt, closedAt, createdAt, updatedAt, startedAt, completedAt string
	err := rows.Scan(&run.ID, &run.TicketKey, &run.TargetRepository, &run.TargetRef,
		&run.InitiatedBy, &run.Assignee, &status, &run.AgentID,
		&run.PRURL, &run.PRStatus, &mergedAt, &closedAt,
		&run.ErrorMessage, &run.Summary, &run.Description,
		&createdAt, &updatedAt, &startedAt, &completedAt)
	if err != nil {
		return JobRun{}, fmt.Errorf("scanning job run: %w", err)
	}
	run.Status = Status(status)
	run.PRMergedAt = parseTime(mergedAt)
	run.PRClosedAt = parseTime(closedAt)
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	run.StartedAt = parseTime(startedAt)
	run.CompletedAt = parseTime(completedAt)
	return run, nil
}

func scanJobRunRow(row *sql.Row, action string) (JobRun, error) {
	var run JobRun
	var status string
	var mergedAt, closedAt, createdAt, updatedAt, startedAt, completedAt string
	err := row.Scan(&run.ID, &run.TicketKey, &run.TargetRepository, &run.TargetRef,
		&run.InitiatedBy, &run.Assignee, &status, &run.AgentID,
		&run.PRURL, &run.PRStatus, &mergedAt, &closedAt,
		&run.ErrorMessage, &run.Summary, &run.Description,
		&createdAt, &updatedAt, &startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return JobRun{}, ErrNotFound
		}
		return JobRun{}, fmt.Errorf("%s: %w", action, err)
	}
	run.Status = Status(status)
	run.PRMergedAt = parseTime(mergedAt)
	run.PRClosedAt = parseTime(closedAt)
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	run.StartedAt = parseTime(startedAt)
	run.CompletedAt = parseTime(completedAt)
	return run, nil
}

// parseTime parses an RFC3339 column value, returning the zero time for the
// empty string used as "not set".
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
