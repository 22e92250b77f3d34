package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dispatchbot/dispatch/internal/dispatch/agent"
	"github.com/dispatchbot/dispatch/internal/dispatch/store"
	"github.com/dispatchbot/dispatch/internal/dispatch/tracker"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeTracker struct {
	issues []tracker.Issue

	removeLabelErr error
	applier        string

	removedLabels []string
	comments      []string
}

func (f *fakeTracker) SearchIssues(ctx context.Context, jql string) ([]tracker.Issue, error) {
	return f.issues, nil
}

func (f *fakeTracker) RemoveLabel(ctx context.Context, issueKey, label string) error {
	if f.removeLabelErr != nil {
		return f.removeLabelErr
	}
	f.removedLabels = append(f.removedLabels, issueKey+":"+label)
	return nil
}

func (f *fakeTracker) AddComment(ctx context.Context, issueKey, text string) error {
	f.comments = append(f.comments, text)
	return nil
}

func (f *fakeTracker) FindLabelApplier(ctx context.Context, issueKey, label string) string {
	return f.applier
}

type fakeLauncher struct {
	results map[string]agent.LaunchResult // keyed by repository
	inputs  []agent.LaunchInput
}

func (f *fakeLauncher) Launch(ctx context.Context, input agent.LaunchInput) agent.LaunchResult {
	f.inputs = append(f.inputs, input)
	if r, ok := f.results[input.Repository]; ok {
		return r
	}
	return agent.LaunchResult{Success: true, AgentID: "agent-" + input.Repository, AgentURL: "https://agents.example.com/" + input.Repository}
}

func newTestService(t *testing.T, st *store.Store, tr *fakeTracker, launcher *fakeLauncher) *Service {
	t.Helper()
	if err := st.UpsertCredential("bob@example.com", "key"); err != nil {
		t.Fatalf("seeding credentials: %v", err)
	}
	return New(Options{
		Store:        st,
		Tracker:      tr,
		Launcher:     launcher,
		Registry:     &fakeRegistry{configured: map[string]bool{"acme/api": true, "acme/web": true}},
		Credentials:  st,
		TriggerLabel: "dispatch-bot",
		Projects:     []string{"PROJ"},
		AutoCreatePR: true,
	})
}

func issue(labels ...string) tracker.Issue {
	return tracker.Issue{
		Key:           "PROJ-1",
		Summary:       "Fix login",
		Description:   "Users cannot log in",
		AssigneeEmail: "bob@example.com",
		Labels:        labels,
	}
}

func TestBuildQuery(t *testing.T) {
	s := New(Options{TriggerLabel: "dispatch-bot", Projects: []string{"PROJ", "OPS"}})
	got := s.BuildQuery()
	want := `labels = "dispatch-bot" AND project IN ("PROJ", "OPS")`
	if got != want {
		t.Errorf("BuildQuery() = %q, want %q", got, want)
	}
}

func TestProcessItem_LaunchesAgent(t *testing.T) {
	st := testStore(t)
	tr := &fakeTracker{applier: "alice@example.com"}
	launcher := &fakeLauncher{}
	s := newTestService(t, st, tr, launcher)

	ir := s.ProcessItem(context.Background(), issue("dispatch-bot", "target:acme/api"))
	if !ir.Success || ir.Skipped || ir.Err != nil {
		t.Fatalf("expected success, got %+v", ir)
	}

	run, err := st.FindByTicketKey("PROJ-1")
	if err != nil {
		t.Fatalf("finding run: %v", err)
	}
	if run.Status != store.StatusRunning {
		t.Errorf("expected running, got %s", run.Status)
	}
	if run.AgentID != "agent-acme/api" {
		t.Errorf("unexpected agent id: %q", run.AgentID)
	}
	if run.InitiatedBy != "alice@example.com" {
		t.Errorf("unexpected initiated_by: %q", run.InitiatedBy)
	}
	if run.StartedAt.IsZero() {
		t.Error("expected started_at set")
	}

	if len(tr.removedLabels) != 1 || tr.removedLabels[0] != "PROJ-1:dispatch-bot" {
		t.Errorf("unexpected label removals: %v", tr.removedLabels)
	}
	if len(tr.comments) != 1 || !strings.Contains(tr.comments[0], "Agent Launched") {
		t.Errorf("unexpected comments: %v", tr.comments)
	}
	if len(launcher.inputs) != 1 || !launcher.inputs[0].AutoCreatePR {
		t.Errorf("unexpected launch inputs: %+v", launcher.inputs)
	}
}

func TestProcessItem_UnknownApplierFallsBack(t *testing.T) {
	st := testStore(t)
	tr := &fakeTracker{}
	s := newTestService(t, st, tr, &fakeLauncher{})

	s.ProcessItem(context.Background(), issue("target:acme/api"))

	run, err := st.FindByTicketKey("PROJ-1")
	if err != nil {
		t.Fatalf("finding run: %v", err)
	}
	if run.InitiatedBy != "unknown" {
		t.Errorf("expected unknown initiator, got %q", run.InitiatedBy)
	}
}

func TestProcessItem_SkipsActiveDuplicate(t *testing.T) {
	st := testStore(t)
	tr := &fakeTracker{}
	s := newTestService(t, st, tr, &fakeLauncher{})

	if _, err := st.CreateJobRun(store.CreateJobRunInput{TicketKey: "PROJ-1", TargetRepository: "acme/api"}); err != nil {
		t.Fatalf("seeding active run: %v", err)
	}

	ir := s.ProcessItem(context.Background(), issue("target:acme/api"))
	if !ir.Skipped || ir.SkipReason != "All repositories have active job runs" {
		t.Fatalf("expected duplicate skip, got %+v", ir)
	}
	// The trigger label is still removed so the next poll does not loop.
	if len(tr.removedLabels) != 1 {
		t.Errorf("expected label removal on skip, got %v", tr.removedLabels)
	}
	if len(tr.comments) != 0 {
		t.Errorf("expected no comments on skip, got %v", tr.comments)
	}
}

func TestProcessItem_DuplicateSkipToleratesLabelRemovalFailure(t *testing.T) {
	st := testStore(t)
	tr := &fakeTracker{removeLabelErr: errors.New("403")}
	s := newTestService(t, st, tr, &fakeLauncher{})

	if _, err := st.CreateJobRun(store.CreateJobRunInput{TicketKey: "PROJ-1", TargetRepository: "acme/api"}); err != nil {
		t.Fatalf("seeding active run: %v", err)
	}

	ir := s.ProcessItem(context.Background(), issue("target:acme/api"))
	if !ir.Skipped || ir.Err != nil {
		t.Fatalf("expected skip despite removal failure, got %+v", ir)
	}
}

func TestProcessItem_RelabelAfterTerminalRunCreatesNewRun(t *testing.T) {
	st := testStore(t)
	tr := &fakeTracker{}
	s := newTestService(t, st, tr, &fakeLauncher{})

	old, err := st.CreateJobRun(store.CreateJobRunInput{TicketKey: "PROJ-1", TargetRepository: "acme/api"})
	if err != nil {
		t.Fatalf("seeding run: %v", err)
	}
	failed := store.StatusFailed
	if _, err := st.UpdateJobRun(old.ID, store.JobRunUpdate{Status: &failed}); err != nil {
		t.Fatalf("failing old run: %v", err)
	}

	ir := s.ProcessItem(context.Background(), issue("target:acme/api"))
	if !ir.Success || ir.Skipped {
		t.Fatalf("expected a fresh run, got %+v", ir)
	}

	run, err := st.FindActive("PROJ-1", "acme/api")
	if err != nil {
		t.Fatalf("finding new active run: %v", err)
	}
	if run.ID == old.ID {
		t.Error("expected a new record, not a revived one")
	}
}

func TestProcessItem_NoTargetLabel(t *testing.T) {
	st := testStore(t)
	tr := &fakeTracker{}
	s := newTestService(t, st, tr, &fakeLauncher{})

	ir := s.ProcessItem(context.Background(), issue("dispatch-bot"))
	if !ir.Skipped {
		t.Fatalf("expected skip, got %+v", ir)
	}
	if !strings.Contains(ir.SkipReason, "Missing repository label") {
		t.Errorf("unexpected skip reason: %q", ir.SkipReason)
	}

	// No job run is created for an untargetable ticket.
	if _, err := st.FindByTicketKey("PROJ-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no job run, got %v", err)
	}
	if len(tr.comments) != 1 || !strings.Contains(tr.comments[0], "Validation Failed") {
		t.Errorf("expected one validation comment, got %v", tr.comments)
	}
	if len(tr.removedLabels) != 1 {
		t.Errorf("expected label removal, got %v", tr.removedLabels)
	}
}

func TestProcessItem_ValidationFailureMarksRunsFailed(t *testing.T) {
	st := testStore(t)
	tr := &fakeTracker{}
	launcher := &fakeLauncher{}
	s := newTestService(t, st, tr, launcher)

	iss := issue("target:acme/api")
	iss.AssigneeEmail = ""
	ir := s.ProcessItem(context.Background(), iss)
	if !ir.Skipped {
		t.Fatalf("expected validation skip, got %+v", ir)
	}

	run, err := st.FindByTicketKey("PROJ-1")
	if err != nil {
		t.Fatalf("finding run: %v", err)
	}
	if run.Status != store.StatusFailed {
		t.Errorf("expected failed, got %s", run.Status)
	}
	if !strings.HasPrefix(run.ErrorMessage, "Validation failed: ") {
		t.Errorf("unexpected error message: %q", run.ErrorMessage)
	}
	if len(launcher.inputs) != 0 {
		t.Error("no agent may be launched for an invalid ticket")
	}
	if len(tr.comments) != 1 {
		t.Errorf("expected one combined comment, got %v", tr.comments)
	}
}

func TestProcessItem_MultiTargetMixedOutcome(t *testing.T) {
	st := testStore(t)
	tr := &fakeTracker{}
	launcher := &fakeLauncher{results: map[string]agent.LaunchResult{
		"acme/web": {Error: "insufficient quota"},
	}}
	s := newTestService(t, st, tr, launcher)

	ir := s.ProcessItem(context.Background(), issue("target:acme/api", "target:acme/web"))
	if !ir.Success || ir.Skipped {
		t.Fatalf("expected success with partial errors, got %+v", ir)
	}
	if ir.PartialErrors != 1 {
		t.Errorf("expected 1 partial error, got %d", ir.PartialErrors)
	}

	api, err := st.FindActive("PROJ-1", "acme/api")
	if err != nil {
		t.Fatalf("finding api run: %v", err)
	}
	if api.Status != store.StatusRunning {
		t.Errorf("expected api running, got %s", api.Status)
	}

	if _, err := st.FindActive("PROJ-1", "acme/web"); !errors.Is(err, store.ErrNotFound) {
		t.Error("expected web run to be terminal")
	}
}

func TestProcessItem_AllLaunchesFail(t *testing.T) {
	st := testStore(t)
	tr := &fakeTracker{}
	launcher := &fakeLauncher{results: map[string]agent.LaunchResult{
		"acme/api": {Error: "quota"},
		"acme/web": {Error: "quota"},
	}}
	s := newTestService(t, st, tr, launcher)

	ir := s.ProcessItem(context.Background(), issue("target:acme/api", "target:acme/web"))
	if ir.Err == nil {
		t.Fatalf("expected an errored item, got %+v", ir)
	}
	if ir.PartialErrors != 1 {
		t.Errorf("expected 1 partial error on top of the item error, got %d", ir.PartialErrors)
	}
}

func TestProcessItem_LaunchWithoutAgentIDIsFailure(t *testing.T) {
	st := testStore(t)
	tr := &fakeTracker{}
	launcher := &fakeLauncher{results: map[string]agent.LaunchResult{
		"acme/api": {Success: true},
	}}
	s := newTestService(t, st, tr, launcher)

	ir := s.ProcessItem(context.Background(), issue("target:acme/api"))
	if ir.Err == nil {
		t.Fatalf("expected failure when no agent id is returned, got %+v", ir)
	}

	run, err := st.FindByTicketKey("PROJ-1")
	if err != nil {
		t.Fatalf("finding run: %v", err)
	}
	if run.Status != store.StatusFailed {
		t.Errorf("expected failed, got %s", run.Status)
	}
}

func TestProcessItem_LabelRemovalFailureErrors(t *testing.T) {
	st := testStore(t)
	tr := &fakeTracker{removeLabelErr: errors.New("403")}
	launcher := &fakeLauncher{}
	s := newTestService(t, st, tr, launcher)

	ir := s.ProcessItem(context.Background(), issue("target:acme/api"))
	if ir.Err == nil {
		t.Fatalf("expected error, got %+v", ir)
	}
	// No run was created: label removal precedes record creation.
	if _, err := st.FindByTicketKey("PROJ-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no job run, got %v", err)
	}
	if len(launcher.inputs) != 0 {
		t.Error("no agent may launch when relabeling fails")
	}
}
