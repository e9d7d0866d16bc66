package repository

import (
	"context"
	"testing"
	"time"

	"scanhub/internal/domain/scan"
	"scanhub/internal/ports"
)

func setupExecutionRepository(t *testing.T) *ExecutionRepository {
	t.Helper()
	return NewExecutionRepository(setupDB(t))
}

func seedExecution(t *testing.T, repo *ExecutionRepository, executionUUID, jobUUID string, parameters map[string]string) {
	t.Helper()
	err := repo.CreateExecutions(context.Background(), []ports.ProductExecutionRecord{{
		ExecutionUUID: executionUUID,
		JobUUID:       jobUUID,
		ProductID:     "gosec",
		ScanType:      scan.ScanTypeCode,
		State:         scan.ExecutionCreated,
		Parameters:    parameters,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}})
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
}

func TestExecutionParametersRoundTrip(t *testing.T) {
	repo := setupExecutionRepository(t)
	ctx := context.Background()

	parameters := map[string]string{
		"target":       "https://example.org",
		"include.path": "src",
	}
	seedExecution(t, repo, "exec-1", "job-1", parameters)

	loaded, err := repo.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if len(loaded.Parameters) != 2 {
		t.Fatalf("parameters len = %d, want 2", len(loaded.Parameters))
	}
	if loaded.Parameters["target"] != "https://example.org" {
		t.Fatalf("parameters[target] = %q", loaded.Parameters["target"])
	}
}

func TestMarkExecutionFinishedIdempotent(t *testing.T) {
	repo := setupExecutionRepository(t)
	ctx := context.Background()
	seedExecution(t, repo, "exec-1", "job-1", nil)

	ended := time.Now().UTC().Format(time.RFC3339Nano)
	applied, err := repo.MarkExecutionFinished(ctx, "exec-1", scan.ExecutionDone, 0, "", `{"findings":[]}`, ended)
	if err != nil {
		t.Fatalf("MarkExecutionFinished() error = %v", err)
	}
	if !applied {
		t.Fatal("MarkExecutionFinished() applied = false")
	}

	// Concurrent terminal writes: later writers lose without error and the
	// first terminal state stays.
	applied, err = repo.MarkExecutionFinished(ctx, "exec-1", scan.ExecutionFailed, 1, "late failure", "", ended)
	if err != nil {
		t.Fatalf("MarkExecutionFinished() repeat error = %v", err)
	}
	if applied {
		t.Fatal("MarkExecutionFinished() repeat applied = true")
	}

	loaded, err := repo.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if loaded.State != scan.ExecutionDone {
		t.Fatalf("state = %s, want DONE", loaded.State)
	}
	if loaded.Result == "" {
		t.Fatal("result payload lost")
	}
}

func TestMarkExecutionRunningStoresPID(t *testing.T) {
	repo := setupExecutionRepository(t)
	ctx := context.Background()
	seedExecution(t, repo, "exec-1", "job-1", nil)

	started := time.Now().UTC().Format(time.RFC3339Nano)
	if err := repo.MarkExecutionRunning(ctx, "exec-1", 4242, started); err != nil {
		t.Fatalf("MarkExecutionRunning() error = %v", err)
	}

	running, err := repo.ListExecutionsInState(ctx, scan.ExecutionRunning)
	if err != nil {
		t.Fatalf("ListExecutionsInState() error = %v", err)
	}
	if len(running) != 1 || running[0].PID != 4242 {
		t.Fatalf("running executions = %+v, want one with pid 4242", running)
	}
}

func TestDeleteExecutionsByJob(t *testing.T) {
	repo := setupExecutionRepository(t)
	ctx := context.Background()
	seedExecution(t, repo, "exec-1", "job-1", nil)
	seedExecution(t, repo, "exec-2", "job-1", nil)
	seedExecution(t, repo, "exec-3", "job-2", nil)

	if err := repo.DeleteExecutionsByJob(ctx, "job-1"); err != nil {
		t.Fatalf("DeleteExecutionsByJob() error = %v", err)
	}

	remaining, err := repo.ListExecutionsByJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListExecutionsByJob() error = %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("remaining executions = %d, want 0", len(remaining))
	}

	other, err := repo.ListExecutionsByJob(ctx, "job-2")
	if err != nil {
		t.Fatalf("ListExecutionsByJob() error = %v", err)
	}
	if len(other) != 1 {
		t.Fatalf("other job executions = %d, want 1", len(other))
	}
}

func TestSchedulerKVRoundTrip(t *testing.T) {
	store := NewSchedulerKVStore(setupDB(t))
	ctx := context.Background()

	if _, found, err := store.Get(ctx, "scheduler.enabled"); err != nil || found {
		t.Fatalf("Get() on empty store = found=%v err=%v", found, err)
	}

	if err := store.Set(ctx, "scheduler.enabled", "false"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := store.Set(ctx, "scheduler.enabled", "true"); err != nil {
		t.Fatalf("Set() upsert error = %v", err)
	}

	value, found, err := store.Get(ctx, "scheduler.enabled")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !found || value != "true" {
		t.Fatalf("Get() = %q found=%v, want true", value, found)
	}

	if err := store.Delete(ctx, "scheduler.enabled"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, found, _ := store.Get(ctx, "scheduler.enabled"); found {
		t.Fatal("Get() found deleted key")
	}
}
