package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"scanhub/internal/domain/scan"
	"scanhub/internal/infrastructure/persistence/sqlite/model"
	sqliterepo "scanhub/internal/infrastructure/persistence/sqlite/repository"
	sqliteuow "scanhub/internal/infrastructure/persistence/sqlite/uow"
	localstorage "scanhub/internal/infrastructure/storage/local"
	"scanhub/internal/ports"
	"scanhub/internal/usecase/execution"
	"scanhub/internal/usecase/report"
)

type serviceEnv struct {
	service    *Service
	dispatcher *Dispatcher
	queue      *execution.Queue
	jobs       *sqliterepo.JobRepository
	executions *sqliterepo.ExecutionRepository
	kv         *sqliterepo.SchedulerKVStore
	storage    *localstorage.Factory
}

func setupServiceEnv(t *testing.T, strategy string, products map[string]execution.ProductConfig) serviceEnv {
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

	jobs := sqliterepo.NewJobRepository(db)
	executions := sqliterepo.NewExecutionRepository(db)
	kv := sqliterepo.NewSchedulerKVStore(db)
	uow := sqliteuow.NewUnitOfWork(db)
	schedulerStorage := localstorage.NewFactory(filepath.Join(t.TempDir(), "scheduler"), 5*time.Second)
	executionStorage := localstorage.NewFactory(filepath.Join(t.TempDir(), "execution"), 5*time.Second)
	engine := report.NewEngine(
		report.NewSarifImporter(),
		report.NewGenericImporter(),
		report.NewTextImporter(),
	)

	queue := execution.NewQueue(
		execution.QueueConfig{
			QueueMax:       2,
			WorkspaceRoot:  filepath.Join(t.TempDir(), "workspace"),
			DefaultTimeout: 30 * time.Second,
			StorageRetries: 1,
		},
		jobs, executions,
		schedulerStorage, executionStorage,
		engine,
		execution.NewRunner(time.Second, 64*1024),
		execution.ProductProfile{Products: products},
		nil,
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = queue.Shutdown(ctx)
	})

	service := NewService(jobs, executions, uow, kv, schedulerStorage, engine, queue, nil, strategy)
	dispatcher := NewDispatcher(jobs, queue, service, nil, 0, time.Second)

	return serviceEnv{
		service:    service,
		dispatcher: dispatcher,
		queue:      queue,
		jobs:       jobs,
		executions: executions,
		kv:         kv,
		storage:    schedulerStorage,
	}
}

const validConfiguration = `{"sections":[{"type":"code","product":"fake","useSchedulerStorage":true}]}`

func TestCreateJobValidatesConfiguration(t *testing.T) {
	env := setupServiceEnv(t, scan.StrategyFirstComeFirstServed, nil)
	ctx := context.Background()

	if _, err := env.service.CreateJob(ctx, "p1", []byte(`{"sections":[]}`)); !errors.Is(err, scan.ErrValidation) {
		t.Fatalf("CreateJob() error = %v, want ErrValidation", err)
	}

	jobUUID, err := env.service.CreateJob(ctx, "p1", []byte(validConfiguration))
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	status, err := env.service.GetJobStatus(ctx, "p1", jobUUID)
	if err != nil {
		t.Fatalf("GetJobStatus() error = %v", err)
	}
	if status.State != scan.JobCreated {
		t.Fatalf("state = %s, want CREATED", status.State)
	}
}

func TestApproveJob(t *testing.T) {
	env := setupServiceEnv(t, scan.StrategyFirstComeFirstServed, nil)
	ctx := context.Background()

	jobUUID, err := env.service.CreateJob(ctx, "p1", []byte(validConfiguration))
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	if err := env.service.ApproveJob(ctx, "p1", jobUUID); err != nil {
		t.Fatalf("ApproveJob() error = %v", err)
	}

	status, err := env.service.GetJobStatus(ctx, "p1", jobUUID)
	if err != nil {
		t.Fatalf("GetJobStatus() error = %v", err)
	}
	if status.State != scan.JobReadyToStart {
		t.Fatalf("state = %s, want READY_TO_START", status.State)
	}

	if err := env.service.ApproveJob(ctx, "p1", jobUUID); !errors.Is(err, scan.ErrInvalidTransition) {
		t.Fatalf("ApproveJob() repeat error = %v, want ErrInvalidTransition", err)
	}
}

func TestUploadArtifactOnlyBeforeApproval(t *testing.T) {
	env := setupServiceEnv(t, scan.StrategyFirstComeFirstServed, nil)
	ctx := context.Background()

	jobUUID, err := env.service.CreateJob(ctx, "p1", []byte(validConfiguration))
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	if err := env.service.UploadArtifact(ctx, "p1", jobUUID, "sources.zip", strings.NewReader("zip-bytes")); err != nil {
		t.Fatalf("UploadArtifact() error = %v", err)
	}

	reader, err := env.storage.ForJob("p1", jobUUID).Fetch(ctx, "sources.zip")
	if err != nil {
		t.Fatalf("fetch artifact: %v", err)
	}
	data, _ := io.ReadAll(reader)
	_ = reader.Close()
	if string(data) != "zip-bytes" {
		t.Fatalf("artifact = %q", data)
	}

	if err := env.service.ApproveJob(ctx, "p1", jobUUID); err != nil {
		t.Fatalf("ApproveJob() error = %v", err)
	}
	if err := env.service.UploadArtifact(ctx, "p1", jobUUID, "late.zip", strings.NewReader("x")); !errors.Is(err, scan.ErrValidation) {
		t.Fatalf("UploadArtifact() after approval error = %v, want ErrValidation", err)
	}
}

func TestJobsAreProjectScoped(t *testing.T) {
	env := setupServiceEnv(t, scan.StrategyFirstComeFirstServed, nil)
	ctx := context.Background()

	jobUUID, err := env.service.CreateJob(ctx, "p1", []byte(validConfiguration))
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	if _, err := env.service.GetJobStatus(ctx, "other-project", jobUUID); !errors.Is(err, scan.ErrJobNotFound) {
		t.Fatalf("GetJobStatus() cross-project error = %v, want ErrJobNotFound", err)
	}
}

func TestCancelAndRestart(t *testing.T) {
	env := setupServiceEnv(t, scan.StrategyFirstComeFirstServed, nil)
	ctx := context.Background()

	jobUUID, err := env.service.CreateJob(ctx, "p1", []byte(validConfiguration))
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := env.service.ApproveJob(ctx, "p1", jobUUID); err != nil {
		t.Fatalf("ApproveJob() error = %v", err)
	}

	if err := env.service.CancelJob(ctx, "p1", jobUUID); err != nil {
		t.Fatalf("CancelJob() error = %v", err)
	}
	status, err := env.service.GetJobStatus(ctx, "p1", jobUUID)
	if err != nil {
		t.Fatalf("GetJobStatus() error = %v", err)
	}
	if status.State != scan.JobCanceled {
		t.Fatalf("state = %s, want CANCELED", status.State)
	}

	// Canceling a canceled job stays a no-op.
	if err := env.service.CancelJob(ctx, "p1", jobUUID); err != nil {
		t.Fatalf("CancelJob() repeat error = %v", err)
	}

	// Seed a leftover execution; restart must drop it.
	err = env.executions.CreateExecutions(ctx, []ports.ProductExecutionRecord{{
		ExecutionUUID: "exec-old",
		JobUUID:       jobUUID,
		ProductID:     "fake",
		ScanType:      scan.ScanTypeCode,
		State:         scan.ExecutionCanceled,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}})
	if err != nil {
		t.Fatalf("seed execution: %v", err)
	}

	if err := env.service.RestartJob(ctx, "p1", jobUUID); err != nil {
		t.Fatalf("RestartJob() error = %v", err)
	}
	status, err = env.service.GetJobStatus(ctx, "p1", jobUUID)
	if err != nil {
		t.Fatalf("GetJobStatus() error = %v", err)
	}
	if status.State != scan.JobReadyToStart {
		t.Fatalf("state after restart = %s, want READY_TO_START", status.State)
	}
	if len(status.Executions) != 0 {
		t.Fatalf("executions after restart = %d, want 0", len(status.Executions))
	}
}

func TestGetReportRequiresTerminalState(t *testing.T) {
	env := setupServiceEnv(t, scan.StrategyFirstComeFirstServed, nil)
	ctx := context.Background()

	jobUUID, err := env.service.CreateJob(ctx, "p1", []byte(validConfiguration))
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	if _, err := env.service.GetReport(ctx, "p1", jobUUID); !errors.Is(err, scan.ErrValidation) {
		t.Fatalf("GetReport() on active job error = %v, want ErrValidation", err)
	}
}

func TestGetReportRecomputesFromExecutions(t *testing.T) {
	env := setupServiceEnv(t, scan.StrategyFirstComeFirstServed, nil)
	ctx := context.Background()

	jobUUID, err := env.service.CreateJob(ctx, "p1", []byte(validConfiguration))
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if _, err := env.jobs.CASJobState(ctx, jobUUID, scan.JobCreated, scan.JobReadyToStart); err != nil {
		t.Fatalf("CASJobState() error = %v", err)
	}
	if _, err := env.jobs.MarkJobEnded(ctx, jobUUID, scan.JobDone, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		t.Fatalf("MarkJobEnded() error = %v", err)
	}

	err = env.executions.CreateExecutions(ctx, []ports.ProductExecutionRecord{{
		ExecutionUUID: "exec-1",
		JobUUID:       jobUUID,
		ProductID:     "fake",
		ScanType:      scan.ScanTypeCode,
		State:         scan.ExecutionDone,
		Result:        `{"findings":[{"severity":"HIGH","type":"code","name":"rce"}]}`,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}})
	if err != nil {
		t.Fatalf("seed execution: %v", err)
	}

	// No stored report.json exists, so the report comes from the database.
	raw, err := env.service.GetReport(ctx, "p1", jobUUID)
	if err != nil {
		t.Fatalf("GetReport() error = %v", err)
	}

	var built report.Report
	if err := json.Unmarshal(raw, &built); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if built.TrafficLight != scan.TrafficLightRed {
		t.Fatalf("traffic light = %s, want RED", built.TrafficLight)
	}
	if built.Result == nil || built.Result.Count != 1 {
		t.Fatalf("result = %+v, want one finding", built.Result)
	}
}

func TestSchedulerToggle(t *testing.T) {
	env := setupServiceEnv(t, scan.StrategyFirstComeFirstServed, nil)
	ctx := context.Background()

	enabled, err := env.service.SchedulerEnabled(ctx)
	if err != nil {
		t.Fatalf("SchedulerEnabled() error = %v", err)
	}
	if !enabled {
		t.Fatal("scheduler must default to enabled")
	}

	if err := env.service.DisableScheduler(ctx); err != nil {
		t.Fatalf("DisableScheduler() error = %v", err)
	}
	status, err := env.service.GetSchedulerStatus(ctx)
	if err != nil {
		t.Fatalf("GetSchedulerStatus() error = %v", err)
	}
	if status.Enabled {
		t.Fatal("status.Enabled = true after disable")
	}

	// The toggle is a plain kv row, so it survives a restart.
	value, found, err := env.kv.Get(ctx, "scheduler.enabled")
	if err != nil || !found || value != "false" {
		t.Fatalf("kv value = %q found=%v err=%v", value, found, err)
	}

	if err := env.service.EnableScheduler(ctx); err != nil {
		t.Fatalf("EnableScheduler() error = %v", err)
	}
	if enabled, _ := env.service.SchedulerEnabled(ctx); !enabled {
		t.Fatal("SchedulerEnabled() = false after enable")
	}
}

func TestStrategyFallback(t *testing.T) {
	env := setupServiceEnv(t, "round-robin", nil)
	if env.service.Strategy() != scan.StrategyFirstComeFirstServed {
		t.Fatalf("strategy = %s, want FCFS fallback", env.service.Strategy())
	}
}

func TestGetReportTreatsEmptyOutputAsClean(t *testing.T) {
	env := setupServiceEnv(t, scan.StrategyFirstComeFirstServed, nil)
	ctx := context.Background()

	jobUUID, err := env.service.CreateJob(ctx, "p1", []byte(validConfiguration))
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if _, err := env.jobs.CASJobState(ctx, jobUUID, scan.JobCreated, scan.JobReadyToStart); err != nil {
		t.Fatalf("CASJobState() error = %v", err)
	}
	if _, err := env.jobs.MarkJobEnded(ctx, jobUUID, scan.JobDone, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		t.Fatalf("MarkJobEnded() error = %v", err)
	}

	// A product can legitimately finish with nothing to say.
	err = env.executions.CreateExecutions(ctx, []ports.ProductExecutionRecord{{
		ExecutionUUID: "exec-1",
		JobUUID:       jobUUID,
		ProductID:     "fake",
		ScanType:      scan.ScanTypeCode,
		State:         scan.ExecutionDone,
		Result:        "",
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}})
	if err != nil {
		t.Fatalf("seed execution: %v", err)
	}

	raw, err := env.service.GetReport(ctx, "p1", jobUUID)
	if err != nil {
		t.Fatalf("GetReport() error = %v", err)
	}

	var built report.Report
	if err := json.Unmarshal(raw, &built); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	for _, message := range built.Messages {
		if message.Type == report.MessageError {
			t.Fatalf("report carries an ERROR message for a clean run: %q", message.Text)
		}
	}
	if built.TrafficLight != scan.TrafficLightGreen {
		t.Fatalf("traffic light = %s, want GREEN", built.TrafficLight)
	}
	if built.Result == nil || built.Result.Count != 0 {
		t.Fatalf("result = %+v, want empty result block", built.Result)
	}
}
