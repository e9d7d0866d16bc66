package ports

import (
	"context"

	"scanhub/internal/domain/scan"
)

type JobRecord struct {
	JobUUID       string
	ProjectID     string
	State         scan.JobState
	Strategy      string
	Configuration string
	CreatedAt     string
	StartedAt     *string
	EndedAt       *string
}

type ProductExecutionRecord struct {
	ExecutionUUID string
	JobUUID       string
	ProductID     string
	ScanType      scan.ScanType
	State         scan.ExecutionState
	Parameters    map[string]string
	Result        string
	ExitCode      int
	ErrorMessage  string
	PID           int
	CreatedAt     string
	StartedAt     *string
	EndedAt       *string
}

type JobReadRepository interface {
	GetJob(ctx context.Context, jobUUID string) (JobRecord, error)
	ListJobsInStates(ctx context.Context, states ...scan.JobState) ([]JobRecord, error)
	CountActiveJobsForProject(ctx context.Context, projectID string, excludeJobUUID string) (int64, error)
}

// JobRepository is the single source of truth for job lifecycle state.
//
// CASJobState is the claim primitive: a single conditional update keyed by
// job uuid and expected state, never a read-then-write pair. It reports false
// without error when the expected state did not match.
type JobRepository interface {
	JobReadRepository
	CreateJob(ctx context.Context, job JobRecord) error
	CASJobState(ctx context.Context, jobUUID string, from, to scan.JobState) (bool, error)
	MarkJobStarted(ctx context.Context, jobUUID string, startedAt string) error
	MarkJobEnded(ctx context.Context, jobUUID string, state scan.JobState, endedAt string) (bool, error)
	ClaimNextJob(ctx context.Context, strategy string) (JobRecord, bool, error)
	SuspendActiveJobs(ctx context.Context) (int64, error)
	ResetJobForRestart(ctx context.Context, jobUUID string) error
}

type ExecutionRepository interface {
	CreateExecutions(ctx context.Context, executions []ProductExecutionRecord) error
	GetExecution(ctx context.Context, executionUUID string) (ProductExecutionRecord, error)
	ListExecutionsByJob(ctx context.Context, jobUUID string) ([]ProductExecutionRecord, error)
	ListExecutionsInState(ctx context.Context, state scan.ExecutionState) ([]ProductExecutionRecord, error)
	CountExecutionsInState(ctx context.Context, state scan.ExecutionState) (int64, error)
	MarkExecutionRunning(ctx context.Context, executionUUID string, pid int, startedAt string) error
	MarkExecutionFinished(ctx context.Context, executionUUID string, state scan.ExecutionState, exitCode int, errorMessage string, result string, endedAt string) (bool, error)
	DeleteExecutionsByJob(ctx context.Context, jobUUID string) error
}
