package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/beemflowhq/beemflow/model"
	"github.com/google/uuid"
)

func TestNewSqliteStorage(t *testing.T) {
	s, err := NewSqliteStorage(":memory:")
	if err != nil {
		t.Fatalf("NewSqliteStorage() failed: %v", err)
	}
	if s == nil {
		t.Fatal("NewSqliteStorage() returned nil storage")
	}
	defer s.Close()
}

func TestSqliteStorage_Conformance(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSqliteStorage(filepath.Join(dir, "flow.db"))
	if err != nil {
		t.Fatalf("NewSqliteStorage failed: %v", err)
	}
	defer s.Close()
	testStorageConformance(t, s)
}

func TestMemoryStorage_Conformance(t *testing.T) {
	testStorageConformance(t, NewMemoryStorage())
}

// testStorageConformance exercises the Storage contract identically across
// backends: save/get/list/update/delete a Run, append/read StepRecords
// (including the retry upsert-by-attempt rule), resume tokens, and deployed
// flow versions.
func testStorageConformance(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	run := &model.Run{
		ID:        uuid.New(),
		FlowName:  "greet",
		Event:     map[string]any{"source": "test"},
		Vars:      map[string]any{"who": "world"},
		Status:    model.RunRunning,
		StartedAt: time.Now(),
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.FlowName != run.FlowName || got.Status != model.RunRunning {
		t.Errorf("GetRun returned %+v, want flow_name=%s status=%s", got, run.FlowName, model.RunRunning)
	}

	if err := s.UpdateRunStatus(ctx, run.ID, model.RunSucceeded); err != nil {
		t.Fatalf("UpdateRunStatus failed: %v", err)
	}
	got, err = s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun after update failed: %v", err)
	}
	if got.Status != model.RunSucceeded {
		t.Errorf("status after update = %s, want %s", got.Status, model.RunSucceeded)
	}

	latest, err := s.GetLatestRunByFlowName(ctx, "greet")
	if err != nil {
		t.Fatalf("GetLatestRunByFlowName failed: %v", err)
	}
	if latest.ID != run.ID {
		t.Errorf("GetLatestRunByFlowName returned run %s, want %s", latest.ID, run.ID)
	}

	runs, err := s.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) == 0 {
		t.Error("ListRuns returned no runs, want at least one")
	}

	// StepRecord append/read, including the retry-then-succeed shape: two
	// attempts persisted for the same step_id, distinguished by Attempts.
	startedAt := time.Now()
	first := &model.StepRecord{StepID: "call", Status: model.StepFailed, Attempts: 1, StartedAt: startedAt, Error: "503"}
	if err := s.AppendStepRecord(ctx, run.ID, first); err != nil {
		t.Fatalf("AppendStepRecord (attempt 1) failed: %v", err)
	}
	second := &model.StepRecord{StepID: "call", Status: model.StepSucceeded, Attempts: 2, StartedAt: startedAt.Add(time.Millisecond), Output: map[string]any{"ok": true}}
	if err := s.AppendStepRecord(ctx, run.ID, second); err != nil {
		t.Fatalf("AppendStepRecord (attempt 2) failed: %v", err)
	}
	// Re-appending attempt 1 with a terminal status upserts the existing row
	// rather than adding a third.
	firstDone := &model.StepRecord{StepID: "call", Status: model.StepFailed, Attempts: 1, StartedAt: startedAt, Error: "503 final"}
	if err := s.AppendStepRecord(ctx, run.ID, firstDone); err != nil {
		t.Fatalf("AppendStepRecord (attempt 1 upsert) failed: %v", err)
	}

	records, err := s.GetStepRecords(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetStepRecords failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("GetStepRecords returned %d records, want 2 (one per attempt)", len(records))
	}

	// Resume tokens: save, take (consumes), take again (absent).
	if err := s.SaveResumeToken(ctx, "tok-1", []byte(`{"step_id":"approve"}`)); err != nil {
		t.Fatalf("SaveResumeToken failed: %v", err)
	}
	data, ok, err := s.TakeResumeToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("TakeResumeToken failed: %v", err)
	}
	if !ok || len(data) == 0 {
		t.Error("TakeResumeToken did not return the saved payload")
	}
	if _, ok, err := s.TakeResumeToken(ctx, "tok-1"); err != nil {
		t.Fatalf("TakeResumeToken (second call) failed: %v", err)
	} else if ok {
		t.Error("TakeResumeToken returned ok=true after the token was already consumed")
	}

	if err := s.SaveResumeToken(ctx, "tok-2", []byte(`{}`)); err != nil {
		t.Fatalf("SaveResumeToken failed: %v", err)
	}
	tokens, err := s.ListResumeTokens(ctx)
	if err != nil {
		t.Fatalf("ListResumeTokens failed: %v", err)
	}
	if _, ok := tokens["tok-2"]; !ok {
		t.Error("ListResumeTokens did not include tok-2")
	}

	// Deployed flow versions.
	if err := s.DeployFlowVersion(ctx, "greet", "v1", []byte("name: greet\nsteps: []\n")); err != nil {
		t.Fatalf("DeployFlowVersion failed: %v", err)
	}
	content, err := s.GetFlowVersionContent(ctx, "greet", "v1")
	if err != nil {
		t.Fatalf("GetFlowVersionContent failed: %v", err)
	}
	if len(content) == 0 {
		t.Error("GetFlowVersionContent returned empty content")
	}
	if _, err := s.GetFlowVersionContent(ctx, "greet", "missing"); err == nil {
		t.Error("GetFlowVersionContent should fail for an undeployed version")
	}

	if err := s.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	if _, err := s.GetRun(ctx, run.ID); err == nil {
		t.Error("GetRun should fail after DeleteRun")
	}
}

func TestNewSqliteStorage_RoundTripFile(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "nested", "flow.db")
	s, err := NewSqliteStorage(dbPath)
	if err != nil {
		t.Fatalf("NewSqliteStorage failed: %v", err)
	}
	defer s.Close()
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("expected db file at %q: %v", dbPath, err)
	}
}
