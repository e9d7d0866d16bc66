package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"scanhub/internal/domain/scan"
	"scanhub/internal/infrastructure/persistence/sqlite/model"
	"scanhub/internal/ports"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "scanhub.sqlite")
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&model.Job{}, &model.ProductExecution{}, &model.SchedulerKV{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func setupJobRepository(t *testing.T) *JobRepository {
	t.Helper()
	return NewJobRepository(setupDB(t))
}

const testConfiguration = `{"sections":[{"type":"code","product":"gosec","useSchedulerStorage":true}]}`

func createJob(t *testing.T, repo *JobRepository, jobUUID, projectID string, state scan.JobState, createdAt string) {
	t.Helper()
	err := repo.CreateJob(context.Background(), ports.JobRecord{
		JobUUID:       jobUUID,
		ProjectID:     projectID,
		State:         state,
		Strategy:      scan.StrategyFirstComeFirstServed,
		Configuration: testConfiguration,
		CreatedAt:     createdAt,
	})
	if err != nil {
		t.Fatalf("create job %s: %v", jobUUID, err)
	}
}

func TestClaimNextJobFirstComeFirstServed(t *testing.T) {
	repo := setupJobRepository(t)
	ctx := context.Background()

	base := time.Now().UTC()
	createJob(t, repo, "job-b", "p1", scan.JobReadyToStart, base.Add(time.Second).Format(time.RFC3339Nano))
	createJob(t, repo, "job-a", "p2", scan.JobReadyToStart, base.Format(time.RFC3339Nano))
	createJob(t, repo, "job-c", "p1", scan.JobCreated, base.Add(-time.Second).Format(time.RFC3339Nano))

	claimed, found, err := repo.ClaimNextJob(ctx, scan.StrategyFirstComeFirstServed)
	if err != nil {
		t.Fatalf("ClaimNextJob() error = %v", err)
	}
	if !found {
		t.Fatal("ClaimNextJob() found = false")
	}
	if claimed.JobUUID != "job-a" {
		t.Fatalf("ClaimNextJob() job = %s, want job-a", claimed.JobUUID)
	}
	if claimed.State != scan.JobQueued {
		t.Fatalf("ClaimNextJob() state = %s, want QUEUED", claimed.State)
	}

	persisted, err := repo.GetJob(ctx, "job-a")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if persisted.State != scan.JobQueued {
		t.Fatalf("persisted state = %s, want QUEUED", persisted.State)
	}
}

func TestClaimNextJobPrefersSuspended(t *testing.T) {
	repo := setupJobRepository(t)
	ctx := context.Background()

	base := time.Now().UTC()
	createJob(t, repo, "job-new", "p1", scan.JobReadyToStart, base.Format(time.RFC3339Nano))
	createJob(t, repo, "job-resumed", "p2", scan.JobSuspended, base.Add(time.Minute).Format(time.RFC3339Nano))

	claimed, found, err := repo.ClaimNextJob(ctx, scan.StrategyFirstComeFirstServed)
	if err != nil {
		t.Fatalf("ClaimNextJob() error = %v", err)
	}
	if !found || claimed.JobUUID != "job-resumed" {
		t.Fatalf("ClaimNextJob() = %s found=%v, want job-resumed", claimed.JobUUID, found)
	}
}

func TestClaimNextJobOneScanPerProject(t *testing.T) {
	repo := setupJobRepository(t)
	ctx := context.Background()

	base := time.Now().UTC()
	createJob(t, repo, "job-running", "busy", scan.JobRunning, base.Format(time.RFC3339Nano))
	createJob(t, repo, "job-blocked", "busy", scan.JobReadyToStart, base.Add(time.Second).Format(time.RFC3339Nano))
	createJob(t, repo, "job-free", "idle", scan.JobReadyToStart, base.Add(2*time.Second).Format(time.RFC3339Nano))

	claimed, found, err := repo.ClaimNextJob(ctx, scan.StrategyOneScanPerProject)
	if err != nil {
		t.Fatalf("ClaimNextJob() error = %v", err)
	}
	if !found || claimed.JobUUID != "job-free" {
		t.Fatalf("ClaimNextJob() = %s found=%v, want job-free", claimed.JobUUID, found)
	}

	// The busy project's job stays untouched for later cycles.
	blocked, err := repo.GetJob(ctx, "job-blocked")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if blocked.State != scan.JobReadyToStart {
		t.Fatalf("blocked job state = %s, want READY_TO_START", blocked.State)
	}
}

func TestClaimNextJobEmpty(t *testing.T) {
	repo := setupJobRepository(t)

	_, found, err := repo.ClaimNextJob(context.Background(), scan.StrategyFirstComeFirstServed)
	if err != nil {
		t.Fatalf("ClaimNextJob() error = %v", err)
	}
	if found {
		t.Fatal("ClaimNextJob() found = true on empty table")
	}
}

func TestCASJobState(t *testing.T) {
	repo := setupJobRepository(t)
	ctx := context.Background()
	createJob(t, repo, "job-1", "p1", scan.JobCreated, time.Now().UTC().Format(time.RFC3339Nano))

	swapped, err := repo.CASJobState(ctx, "job-1", scan.JobCreated, scan.JobReadyToStart)
	if err != nil {
		t.Fatalf("CASJobState() error = %v", err)
	}
	if !swapped {
		t.Fatal("CASJobState() swapped = false")
	}

	// Second attempt from the stale expected state must lose without error.
	swapped, err = repo.CASJobState(ctx, "job-1", scan.JobCreated, scan.JobReadyToStart)
	if err != nil {
		t.Fatalf("CASJobState() error = %v", err)
	}
	if swapped {
		t.Fatal("CASJobState() swapped = true from stale state")
	}
}

func TestMarkJobEndedIdempotent(t *testing.T) {
	repo := setupJobRepository(t)
	ctx := context.Background()
	createJob(t, repo, "job-1", "p1", scan.JobRunning, time.Now().UTC().Format(time.RFC3339Nano))

	ended := time.Now().UTC().Format(time.RFC3339Nano)
	applied, err := repo.MarkJobEnded(ctx, "job-1", scan.JobDone, ended)
	if err != nil {
		t.Fatalf("MarkJobEnded() error = %v", err)
	}
	if !applied {
		t.Fatal("MarkJobEnded() applied = false")
	}

	applied, err = repo.MarkJobEnded(ctx, "job-1", scan.JobDone, ended)
	if err != nil {
		t.Fatalf("MarkJobEnded() repeat error = %v", err)
	}
	if applied {
		t.Fatal("MarkJobEnded() repeat applied = true")
	}

	if _, err := repo.MarkJobEnded(ctx, "job-1", scan.JobFailed, ended); !errors.Is(err, scan.ErrInvalidTransition) {
		t.Fatalf("MarkJobEnded() DONE->FAILED error = %v, want ErrInvalidTransition", err)
	}
}

func TestSuspendActiveJobs(t *testing.T) {
	repo := setupJobRepository(t)
	ctx := context.Background()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	createJob(t, repo, "job-q", "p1", scan.JobQueued, now)
	createJob(t, repo, "job-r", "p2", scan.JobRunning, now)
	createJob(t, repo, "job-d", "p3", scan.JobDone, now)
	createJob(t, repo, "job-c", "p4", scan.JobCreated, now)

	count, err := repo.SuspendActiveJobs(ctx)
	if err != nil {
		t.Fatalf("SuspendActiveJobs() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("SuspendActiveJobs() count = %d, want 2", count)
	}

	for _, jobUUID := range []string{"job-q", "job-r"} {
		job, err := repo.GetJob(ctx, jobUUID)
		if err != nil {
			t.Fatalf("GetJob(%s) error = %v", jobUUID, err)
		}
		if job.State != scan.JobSuspended {
			t.Fatalf("job %s state = %s, want SUSPENDED", jobUUID, job.State)
		}
	}
}

func TestResetJobForRestart(t *testing.T) {
	repo := setupJobRepository(t)
	ctx := context.Background()
	createJob(t, repo, "job-1", "p1", scan.JobFailed, time.Now().UTC().Format(time.RFC3339Nano))

	if err := repo.ResetJobForRestart(ctx, "job-1"); err != nil {
		t.Fatalf("ResetJobForRestart() error = %v", err)
	}

	job, err := repo.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.State != scan.JobReadyToStart {
		t.Fatalf("state = %s, want READY_TO_START", job.State)
	}
	if job.StartedAt != nil || job.EndedAt != nil {
		t.Fatal("restart must clear started_at and ended_at")
	}

	// Restarting the now-active job is rejected.
	if err := repo.ResetJobForRestart(ctx, "job-1"); !errors.Is(err, scan.ErrInvalidTransition) {
		t.Fatalf("ResetJobForRestart() active error = %v, want ErrInvalidTransition", err)
	}
}

func TestGetJobNotFound(t *testing.T) {
	repo := setupJobRepository(t)

	if _, err := repo.GetJob(context.Background(), "missing"); !errors.Is(err, scan.ErrJobNotFound) {
		t.Fatalf("GetJob() error = %v, want ErrJobNotFound", err)
	}
}
