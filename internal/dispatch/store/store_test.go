package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createRun(t *testing.T, s *Store, ticketKey, repo string) JobRun {
	t.Helper()
	run, err := s.CreateJobRun(CreateJobRunInput{
		TicketKey:        ticketKey,
		TargetRepository: repo,
		InitiatedBy:      "alice@example.com",
		Assignee:         "bob@example.com",
		Summary:          "Fix the thing",
	})
	if err != nil {
		t.Fatalf("creating job run: %v", err)
	}
	return run
}

func TestCreateJobRun_Defaults(t *testing.T) {
	s := testStore(t)
	run := createRun(t, s, "PROJ-1", "org/repo")

	if run.ID == "" {
		t.Error("expected a generated id")
	}
	if run.Status != StatusPending {
		t.Errorf("expected status pending, got %q", run.Status)
	}

	got, err := s.GetJobRun(run.ID)
	if err != nil {
		t.Fatalf("getting job run: %v", err)
	}
	if got.TicketKey != "PROJ-1" || got.TargetRepository != "org/repo" {
		t.Errorf("unexpected record: %+v", got)
	}
	if !got.StartedAt.IsZero() || !got.CompletedAt.IsZero() {
		t.Errorf("expected unset started_at/completed_at, got %v / %v", got.StartedAt, got.CompletedAt)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("expected created_at and updated_at to be set")
	}
}

func TestFindActive_ScopedToTicketAndRepository(t *testing.T) {
	s := testStore(t)
	run := createRun(t, s, "PROJ-1", "org/repo-a")
	createRun(t, s, "PROJ-1", "org/repo-b")

	got, err := s.FindActive("PROJ-1", "org/repo-a")
	if err != nil {
		t.Fatalf("finding active: %v", err)
	}
	if got.ID != run.ID {
		t.Errorf("expected run %s, got %s", run.ID, got.ID)
	}

	if _, err := s.FindActive("PROJ-1", "org/repo-c"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown repo, got %v", err)
	}
	if _, err := s.FindActive("PROJ-2", "org/repo-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown ticket, got %v", err)
	}
}

func TestFindActive_IgnoresTerminalRuns(t *testing.T) {
	s := testStore(t)
	run := createRun(t, s, "PROJ-1", "org/repo")

	failed := StatusFailed
	if _, err := s.UpdateJobRun(run.ID, JobRunUpdate{Status: &failed}); err != nil {
		t.Fatalf("updating job run: %v", err)
	}

	if _, err := s.FindActive("PROJ-1", "org/repo"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after terminal transition, got %v", err)
	}
}

func TestUpdateJobRun_PartialUpdate(t *testing.T) {
	s := testStore(t)
	run := createRun(t, s, "PROJ-1", "org/repo")

	agentID := "agent-42"
	running := StatusRunning
	got, err := s.UpdateJobRun(run.ID, JobRunUpdate{Status: &running, AgentID: &agentID})
	if err != nil {
		t.Fatalf("updating job run: %v", err)
	}
	if got.Status != StatusRunning || got.AgentID != "agent-42" {
		t.Errorf("unexpected record after update: %+v", got)
	}
	if got.Assignee != "bob@example.com" {
		t.Errorf("untouched field changed: %q", got.Assignee)
	}
}

func TestUpdateJobRun_SetsStartedAtOnce(t *testing.T) {
	s := testStore(t)
	run := createRun(t, s, "PROJ-1", "org/repo")

	running := StatusRunning
	first, err := s.UpdateJobRun(run.ID, JobRunUpdate{Status: &running})
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if first.StartedAt.IsZero() {
		t.Fatal("expected started_at to be set on transition into running")
	}

	time.Sleep(1100 * time.Millisecond)
	second, err := s.UpdateJobRun(run.ID, JobRunUpdate{Status: &running})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if !second.StartedAt.Equal(first.StartedAt) {
		t.Errorf("started_at changed on repeat transition: %v -> %v", first.StartedAt, second.StartedAt)
	}
}

func TestUpdateJobRun_SetsCompletedAtOnTerminal(t *testing.T) {
	s := testStore(t)
	run := createRun(t, s, "PROJ-1", "org/repo")

	for _, status := range []Status{StatusCompleted, StatusFailed, StatusFailedTimeout, StatusCancelled} {
		r := createRun(t, s, "PROJ-T", "org/"+string(status))
		st := status
		got, err := s.UpdateJobRun(r.ID, JobRunUpdate{Status: &st})
		if err != nil {
			t.Fatalf("updating to %s: %v", status, err)
		}
		if got.CompletedAt.IsZero() {
			t.Errorf("expected completed_at set for terminal status %s", status)
		}
	}

	running := StatusRunning
	got, err := s.UpdateJobRun(run.ID, JobRunUpdate{Status: &running})
	if err != nil {
		t.Fatalf("updating to running: %v", err)
	}
	if !got.CompletedAt.IsZero() {
		t.Error("completed_at should not be set for non-terminal status")
	}
}

func TestUpdateJobRun_NotFound(t *testing.T) {
	s := testStore(t)
	failed := StatusFailed
	if _, err := s.UpdateJobRun("no-such-id", JobRunUpdate{Status: &failed}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFindRunning(t *testing.T) {
	s := testStore(t)
	a := createRun(t, s, "PROJ-1", "org/repo-a")
	b := createRun(t, s, "PROJ-2", "org/repo-b")
	createRun(t, s, "PROJ-3", "org/repo-c") // stays pending

	running := StatusRunning
	for _, id := range []string{a.ID, b.ID} {
		if _, err := s.UpdateJobRun(id, JobRunUpdate{Status: &running}); err != nil {
			t.Fatalf("updating %s: %v", id, err)
		}
	}

	runs, err := s.FindRunning()
	if err != nil {
		t.Fatalf("finding running: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 running runs, got %d", len(runs))
	}
}

func TestFindCompletedWithOpenPR(t *testing.T) {
	s := testStore(t)

	open := createRun(t, s, "PROJ-1", "org/repo-a")
	merged := createRun(t, s, "PROJ-2", "org/repo-b")
	noPR := createRun(t, s, "PROJ-3", "org/repo-c")

	completed := StatusCompleted
	prOpen := PRStatusOpen
	prURL := "https://github.com/org/repo-a/pull/1"
	if _, err := s.UpdateJobRun(open.ID, JobRunUpdate{Status: &completed, PRStatus: &prOpen, PRURL: &prURL}); err != nil {
		t.Fatalf("updating open: %v", err)
	}

	prMerged := PRStatusMerged
	if _, err := s.UpdateJobRun(merged.ID, JobRunUpdate{Status: &completed, PRStatus: &prMerged}); err != nil {
		t.Fatalf("updating merged: %v", err)
	}
	if _, err := s.UpdateJobRun(noPR.ID, JobRunUpdate{Status: &completed}); err != nil {
		t.Fatalf("updating noPR: %v", err)
	}

	runs, err := s.FindCompletedWithOpenPR()
	if err != nil {
		t.Fatalf("finding completed with open PR: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != open.ID {
		t.Fatalf("expected only run %s, got %+v", open.ID, runs)
	}
}

func TestFindByAgentID(t *testing.T) {
	s := testStore(t)
	run := createRun(t, s, "PROJ-1", "org/repo")

	agentID := "agent-7"
	if _, err := s.UpdateJobRun(run.ID, JobRunUpdate{AgentID: &agentID}); err != nil {
		t.Fatalf("setting agent id: %v", err)
	}

	got, err := s.FindByAgentID("agent-7")
	if err != nil {
		t.Fatalf("finding by agent id: %v", err)
	}
	if got.ID != run.ID {
		t.Errorf("expected run %s, got %s", run.ID, got.ID)
	}

	if _, err := s.FindByAgentID("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCredentials_Lifecycle(t *testing.T) {
	s := testStore(t)

	exists, err := s.CredentialsExist("bob@example.com")
	if err != nil {
		t.Fatalf("checking credentials: %v", err)
	}
	if exists {
		t.Fatal("expected no credentials initially")
	}

	if err := s.UpsertCredential("bob@example.com", "key-1"); err != nil {
		t.Fatalf("upserting credential: %v", err)
	}
	key, err := s.GetAgentAPIKey("bob@example.com")
	if err != nil {
		t.Fatalf("getting key: %v", err)
	}
	if key != "key-1" {
		t.Errorf("expected key-1, got %q", key)
	}

	// Upsert replaces.
	if err := s.UpsertCredential("bob@example.com", "key-2"); err != nil {
		t.Fatalf("replacing credential: %v", err)
	}
	key, _ = s.GetAgentAPIKey("bob@example.com")
	if key != "key-2" {
		t.Errorf("expected key-2 after replace, got %q", key)
	}

	if err := s.DeleteCredential("bob@example.com"); err != nil {
		t.Fatalf("deleting credential: %v", err)
	}
	if _, err := s.GetAgentAPIKey("bob@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting a missing credential is not an error.
	if err := s.DeleteCredential("nobody@example.com"); err != nil {
		t.Errorf("expected delete of missing credential to succeed, got %v", err)
	}
}
