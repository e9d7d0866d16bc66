package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"scanhub/internal/domain/scan"
	"scanhub/internal/ports"
	"scanhub/internal/usecase/execution"
)

func echoProducts() map[string]execution.ProductConfig {
	return map[string]execution.ProductConfig{
		"fake": {
			Program:    "/bin/sh",
			Args:       []string{"-c", `printf '{"findings":[]}' > "$SCANHUB_RESULT_FILE"`},
			ResultFile: "result.json",
		},
	}
}

func waitForJobState(t *testing.T, env serviceEnv, jobUUID string, want scan.JobState) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		job, err := env.jobs.GetJob(context.Background(), jobUUID)
		if err != nil {
			t.Fatalf("GetJob() error = %v", err)
		}
		if job.State == want {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	job, _ := env.jobs.GetJob(context.Background(), jobUUID)
	t.Fatalf("job %s stuck in %s, want %s", jobUUID, job.State, want)
}

func TestDispatcherCycleRunsApprovedJob(t *testing.T) {
	env := setupServiceEnv(t, scan.StrategyFirstComeFirstServed, echoProducts())
	ctx := context.Background()

	jobUUID, err := env.service.CreateJob(ctx, "p1", []byte(validConfiguration))
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := env.service.ApproveJob(ctx, "p1", jobUUID); err != nil {
		t.Fatalf("ApproveJob() error = %v", err)
	}

	env.dispatcher.Cycle(ctx)

	waitForJobState(t, env, jobUUID, scan.JobDone)

	status, err := env.service.GetJobStatus(ctx, "p1", jobUUID)
	if err != nil {
		t.Fatalf("GetJobStatus() error = %v", err)
	}
	if len(status.Executions) != 1 || status.Executions[0].State != scan.ExecutionDone {
		t.Fatalf("executions = %+v, want one DONE", status.Executions)
	}
}

func TestDispatcherCycleHonorsDisabledToggle(t *testing.T) {
	env := setupServiceEnv(t, scan.StrategyFirstComeFirstServed, echoProducts())
	ctx := context.Background()

	jobUUID, err := env.service.CreateJob(ctx, "p1", []byte(validConfiguration))
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := env.service.ApproveJob(ctx, "p1", jobUUID); err != nil {
		t.Fatalf("ApproveJob() error = %v", err)
	}
	if err := env.service.DisableScheduler(ctx); err != nil {
		t.Fatalf("DisableScheduler() error = %v", err)
	}

	env.dispatcher.Cycle(ctx)

	job, err := env.jobs.GetJob(ctx, jobUUID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.State != scan.JobReadyToStart {
		t.Fatalf("state = %s, want READY_TO_START while scheduler disabled", job.State)
	}
}

func TestDispatcherSkipsBlockedProject(t *testing.T) {
	env := setupServiceEnv(t, scan.StrategyOneScanPerProject, echoProducts())
	ctx := context.Background()

	// A running job in the project blocks further claims for it.
	blocking, err := env.service.CreateJob(ctx, "p1", []byte(validConfiguration))
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if _, err := env.jobs.CASJobState(ctx, blocking, scan.JobCreated, scan.JobReadyToStart); err != nil {
		t.Fatalf("CASJobState() error = %v", err)
	}
	if _, err := env.jobs.CASJobState(ctx, blocking, scan.JobReadyToStart, scan.JobQueued); err != nil {
		t.Fatalf("CASJobState() error = %v", err)
	}

	waiting, err := env.service.CreateJob(ctx, "p1", []byte(validConfiguration))
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := env.service.ApproveJob(ctx, "p1", waiting); err != nil {
		t.Fatalf("ApproveJob() error = %v", err)
	}

	other, err := env.service.CreateJob(ctx, "p2", []byte(validConfiguration))
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := env.service.ApproveJob(ctx, "p2", other); err != nil {
		t.Fatalf("ApproveJob() error = %v", err)
	}

	env.dispatcher.Cycle(ctx)

	waitForJobState(t, env, other, scan.JobDone)

	job, err := env.jobs.GetJob(ctx, waiting)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.State != scan.JobReadyToStart {
		t.Fatalf("blocked job state = %s, want READY_TO_START", job.State)
	}
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []ports.JobEvent
}

func (p *capturingPublisher) PublishJobEvent(_ context.Context, event ports.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturingPublisher) Close() {}

func (p *capturingPublisher) snapshot() []ports.JobEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ports.JobEvent(nil), p.events...)
}

func TestDispatcherPublishesQueuedAfterHandOff(t *testing.T) {
	env := setupServiceEnv(t, scan.StrategyFirstComeFirstServed, echoProducts())
	ctx := context.Background()

	jobUUID, err := env.service.CreateJob(ctx, "p1", []byte(validConfiguration))
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := env.service.ApproveJob(ctx, "p1", jobUUID); err != nil {
		t.Fatalf("ApproveJob() error = %v", err)
	}

	pub := &capturingPublisher{}
	dispatcher := NewDispatcher(env.jobs, env.queue, env.service, pub, 0, time.Second)
	dispatcher.Cycle(ctx)

	waitForJobState(t, env, jobUUID, scan.JobDone)

	queued := 0
	for _, event := range pub.snapshot() {
		if event.JobUUID == jobUUID && event.State == scan.JobQueued {
			queued++
		}
	}
	if queued != 1 {
		t.Fatalf("QUEUED events = %d, want exactly 1", queued)
	}
}

func TestDispatcherRevertedJobPublishesNothing(t *testing.T) {
	env := setupServiceEnv(t, scan.StrategyFirstComeFirstServed, echoProducts())
	ctx := context.Background()

	jobUUID, err := env.service.CreateJob(ctx, "p1", []byte(validConfiguration))
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := env.service.ApproveJob(ctx, "p1", jobUUID); err != nil {
		t.Fatalf("ApproveJob() error = %v", err)
	}

	// A shut-down queue still reports capacity but rejects every Add, which
	// forces the claim-then-revert path.
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := env.queue.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	pub := &capturingPublisher{}
	dispatcher := NewDispatcher(env.jobs, env.queue, env.service, pub, 0, time.Second)
	dispatcher.Cycle(ctx)

	job, err := env.jobs.GetJob(ctx, jobUUID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.State != scan.JobReadyToStart {
		t.Fatalf("state = %s, want READY_TO_START after revert", job.State)
	}
	if events := pub.snapshot(); len(events) != 0 {
		t.Fatalf("events = %+v, want none for a reverted job", events)
	}
}
