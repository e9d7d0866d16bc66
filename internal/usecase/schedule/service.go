package schedule

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"scanhub/internal/bootstrap/logging"
	"scanhub/internal/domain/scan"
	"scanhub/internal/errs"
	"scanhub/internal/ports"
	"scanhub/internal/usecase/report"
)

const schedulerEnabledKey = "scheduler.enabled"

const reportArtifactName = "report.json"

// JobStatus is the user-facing view of one job.
type JobStatus struct {
	JobUUID    string            `json:"jobUUID"`
	ProjectID  string            `json:"projectId"`
	State      scan.JobState     `json:"state"`
	CreatedAt  string            `json:"createdAt"`
	StartedAt  *string           `json:"startedAt,omitempty"`
	EndedAt    *string           `json:"endedAt,omitempty"`
	Executions []ExecutionStatus `json:"executions,omitempty"`
}

type ExecutionStatus struct {
	ProductID string              `json:"productId"`
	ScanType  scan.ScanType       `json:"scanType"`
	State     scan.ExecutionState `json:"state"`
	ExitCode  int                 `json:"exitCode"`
}

// SchedulerStatus is the admin view of the dispatch side.
type SchedulerStatus struct {
	Enabled  bool   `json:"enabled"`
	Strategy string `json:"strategy"`
}

// JobCanceler is the slice of the execution queue the service needs: ask the
// running set to cancel a held job.
type JobCanceler interface {
	Cancel(jobUUID string) bool
}

// Service implements the job lifecycle operations behind the HTTP API.
type Service struct {
	jobs       ports.JobRepository
	executions ports.ExecutionRepository
	uow        ports.UnitOfWork
	kv         ports.KV
	storage    ports.StorageFactory
	engine     *report.Engine
	canceler   JobCanceler
	publisher  ports.EventPublisher
	strategy   string
}

func NewService(
	jobs ports.JobRepository,
	executions ports.ExecutionRepository,
	uow ports.UnitOfWork,
	kv ports.KV,
	schedulerStorage ports.StorageFactory,
	engine *report.Engine,
	canceler JobCanceler,
	publisher ports.EventPublisher,
	strategy string,
) *Service {
	normalized, known := scan.NormalizeStrategy(strategy)
	if !known {
		logging.Warn(context.Background(), "unknown scheduling strategy, using first-come-first-served",
			slog.String("strategy", strategy),
		)
	}
	return &Service{
		jobs:       jobs,
		executions: executions,
		uow:        uow,
		kv:         kv,
		storage:    schedulerStorage,
		engine:     engine,
		canceler:   canceler,
		publisher:  publisher,
		strategy:   normalized,
	}
}

// Strategy is the normalized active scheduling strategy.
func (s *Service) Strategy() string { return s.strategy }

// CreateJob validates the scan configuration and stores a new CREATED job.
// Nothing is dispatched until the job is approved.
func (s *Service) CreateJob(ctx context.Context, projectID string, rawConfiguration []byte) (string, error) {
	if projectID == "" {
		return "", fmt.Errorf("%w: project id is required", scan.ErrValidation)
	}
	if _, err := scan.ParseConfiguration(rawConfiguration); err != nil {
		return "", err
	}

	job := ports.JobRecord{
		JobUUID:       uuid.NewString(),
		ProjectID:     projectID,
		State:         scan.JobCreated,
		Strategy:      s.strategy,
		Configuration: string(rawConfiguration),
		CreatedAt:     nowRFC3339(),
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return "", errs.Wrap(err, "create job")
	}

	logging.Info(ctx, "job created",
		slog.String("job_uuid", job.JobUUID),
		slog.String("project_id", projectID),
	)
	s.publish(ctx, job, scan.JobCreated)
	return job.JobUUID, nil
}

// UploadArtifact attaches one named artifact to a job that has not been
// approved yet. Uploads after approval are rejected: the running side may
// already be reading.
func (s *Service) UploadArtifact(ctx context.Context, projectID, jobUUID, name string, data io.Reader) error {
	job, err := s.projectJob(ctx, projectID, jobUUID)
	if err != nil {
		return err
	}
	if job.State != scan.JobCreated {
		return fmt.Errorf("%w: job %s is %s, uploads are only accepted before approval", scan.ErrValidation, jobUUID, job.State)
	}
	if err := s.storage.ForJob(projectID, jobUUID).Store(ctx, name, data); err != nil {
		return err
	}
	logging.Info(ctx, "artifact stored",
		slog.String("job_uuid", jobUUID),
		slog.String("artifact", name),
	)
	return nil
}

// ApproveJob releases a CREATED job to the dispatcher.
func (s *Service) ApproveJob(ctx context.Context, projectID, jobUUID string) error {
	job, err := s.projectJob(ctx, projectID, jobUUID)
	if err != nil {
		return err
	}

	swapped, err := s.jobs.CASJobState(ctx, jobUUID, scan.JobCreated, scan.JobReadyToStart)
	if err != nil {
		return errs.Wrap(err, "approve job")
	}
	if !swapped {
		current, getErr := s.jobs.GetJob(ctx, jobUUID)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s -> %s", scan.ErrInvalidTransition, current.State, scan.JobReadyToStart)
	}

	logging.Info(ctx, "job approved", slog.String("job_uuid", jobUUID))
	s.publish(ctx, job, scan.JobReadyToStart)
	return nil
}

// GetJobStatus returns state, timestamps and the per-product breakdown.
func (s *Service) GetJobStatus(ctx context.Context, projectID, jobUUID string) (JobStatus, error) {
	job, err := s.projectJob(ctx, projectID, jobUUID)
	if err != nil {
		return JobStatus{}, err
	}

	executions, err := s.executions.ListExecutionsByJob(ctx, jobUUID)
	if err != nil {
		return JobStatus{}, errs.Wrap(err, "list executions")
	}

	status := JobStatus{
		JobUUID:   job.JobUUID,
		ProjectID: job.ProjectID,
		State:     job.State,
		CreatedAt: job.CreatedAt,
		StartedAt: job.StartedAt,
		EndedAt:   job.EndedAt,
	}
	for _, execution := range executions {
		status.Executions = append(status.Executions, ExecutionStatus{
			ProductID: execution.ProductID,
			ScanType:  execution.ScanType,
			State:     execution.State,
			ExitCode:  execution.ExitCode,
		})
	}
	return status, nil
}

// GetReport returns the merged report of a terminal job. The stored report is
// preferred; when it is missing the report is recomputed from the persisted
// execution results.
func (s *Service) GetReport(ctx context.Context, projectID, jobUUID string) ([]byte, error) {
	job, err := s.projectJob(ctx, projectID, jobUUID)
	if err != nil {
		return nil, err
	}
	if !job.State.IsTerminal() {
		return nil, fmt.Errorf("%w: job %s is still %s", scan.ErrValidation, jobUUID, job.State)
	}

	stored, err := s.storage.ForJob(projectID, jobUUID).Fetch(ctx, reportArtifactName)
	if err == nil {
		defer stored.Close()
		raw, readErr := io.ReadAll(stored)
		if readErr == nil {
			return raw, nil
		}
		logging.Warn(ctx, "stored report unreadable, recomputing",
			slog.String("job_uuid", jobUUID),
			slog.Any("error", errs.Loggable(readErr)),
		)
	}

	return s.recomputeReport(ctx, job)
}

func (s *Service) recomputeReport(ctx context.Context, job ports.JobRecord) ([]byte, error) {
	executions, err := s.executions.ListExecutionsByJob(ctx, job.JobUUID)
	if err != nil {
		return nil, errs.Wrap(err, "list executions")
	}

	var merged report.MergeResult
	for _, execution := range executions {
		if execution.State != scan.ExecutionDone {
			if execution.State == scan.ExecutionFailed {
				merged.AnyProductRan = true
				merged.Messages = append(merged.Messages, report.Message{
					Type: report.MessageError,
					Text: fmt.Sprintf("product %s failed (exit code %d): %s", execution.ProductID, execution.ExitCode, execution.ErrorMessage),
				})
			}
			continue
		}
		merged.AnyProductRan = true
		if strings.TrimSpace(execution.Result) == "" {
			merged.Messages = append(merged.Messages, report.Message{
				Type: report.MessageInfo,
				Text: fmt.Sprintf("product %s finished without output", execution.ProductID),
			})
			continue
		}
		param := report.ImportParameter{
			ProductID: execution.ProductID,
			ScanType:  execution.ScanType,
			Payload:   []byte(execution.Result),
		}
		if err := s.engine.Import(ctx, &merged, param); err != nil {
			merged.Messages = append(merged.Messages, report.Message{
				Type: report.MessageError,
				Text: err.Error(),
			})
		}
	}

	built := report.Build(string(job.State), merged.Findings, merged.Messages, merged.AnyProductRan)
	return built.ToJSON()
}

// CancelJob cancels a job in any non-terminal state. Canceling an already
// canceled job is a no-op; canceling DONE or FAILED is an error.
func (s *Service) CancelJob(ctx context.Context, projectID, jobUUID string) error {
	job, err := s.projectJob(ctx, projectID, jobUUID)
	if err != nil {
		return err
	}

	// A job held by the execution queue is signaled there; the queue settles
	// its executions and writes the terminal state itself.
	if s.canceler != nil && s.canceler.Cancel(jobUUID) {
		logging.Info(ctx, "cancel signaled to running job", slog.String("job_uuid", jobUUID))
		return nil
	}

	applied, err := s.jobs.MarkJobEnded(ctx, jobUUID, scan.JobCanceled, nowRFC3339())
	if err != nil {
		return err
	}
	if applied {
		logging.Info(ctx, "job canceled", slog.String("job_uuid", jobUUID))
		s.publish(ctx, job, scan.JobCanceled)
	}
	return nil
}

// RestartJob puts a terminal job back on the dispatch path under the same job
// uuid. Prior executions are dropped so every product runs again; uploaded
// artifacts stay in place.
func (s *Service) RestartJob(ctx context.Context, projectID, jobUUID string) error {
	job, err := s.projectJob(ctx, projectID, jobUUID)
	if err != nil {
		return err
	}

	err = s.uow.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.executions.DeleteExecutionsByJob(txCtx, jobUUID); err != nil {
			return errs.Wrap(err, "drop prior executions")
		}
		return s.jobs.ResetJobForRestart(txCtx, jobUUID)
	})
	if err != nil {
		return err
	}

	logging.Info(ctx, "job restarted", slog.String("job_uuid", jobUUID))
	s.publish(ctx, job, scan.JobReadyToStart)
	return nil
}

// PurgeJob removes every stored artifact and execution row of a terminal job.
// The job row itself stays for audit.
func (s *Service) PurgeJob(ctx context.Context, projectID, jobUUID string) error {
	job, err := s.projectJob(ctx, projectID, jobUUID)
	if err != nil {
		return err
	}
	if !job.State.IsTerminal() {
		return fmt.Errorf("%w: job %s is still %s", scan.ErrValidation, jobUUID, job.State)
	}

	if err := s.storage.ForJob(projectID, jobUUID).DeleteAll(ctx); err != nil {
		return err
	}
	if err := s.executions.DeleteExecutionsByJob(ctx, jobUUID); err != nil {
		return errs.Wrap(err, "drop executions")
	}
	logging.Info(ctx, "job purged", slog.String("job_uuid", jobUUID))
	return nil
}

// EnableScheduler / DisableScheduler flip the persistent dispatch toggle.
func (s *Service) EnableScheduler(ctx context.Context) error {
	return s.kv.Set(ctx, schedulerEnabledKey, "true")
}

func (s *Service) DisableScheduler(ctx context.Context) error {
	return s.kv.Set(ctx, schedulerEnabledKey, "false")
}

// SchedulerEnabled reads the persistent toggle. Absent means enabled.
func (s *Service) SchedulerEnabled(ctx context.Context) (bool, error) {
	value, found, err := s.kv.Get(ctx, schedulerEnabledKey)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	return value != "false", nil
}

func (s *Service) GetSchedulerStatus(ctx context.Context) (SchedulerStatus, error) {
	enabled, err := s.SchedulerEnabled(ctx)
	if err != nil {
		return SchedulerStatus{}, err
	}
	return SchedulerStatus{Enabled: enabled, Strategy: s.strategy}, nil
}

// projectJob loads a job and verifies project ownership. A job uuid of a
// different project reads as not found, not as forbidden.
func (s *Service) projectJob(ctx context.Context, projectID, jobUUID string) (ports.JobRecord, error) {
	job, err := s.jobs.GetJob(ctx, jobUUID)
	if err != nil {
		return ports.JobRecord{}, err
	}
	if job.ProjectID != projectID {
		return ports.JobRecord{}, scan.ErrJobNotFound
	}
	return job, nil
}

func (s *Service) publish(ctx context.Context, job ports.JobRecord, state scan.JobState) {
	if s.publisher == nil {
		return
	}
	event := ports.JobEvent{
		JobUUID:   job.JobUUID,
		ProjectID: job.ProjectID,
		State:     state,
		At:        nowRFC3339(),
	}
	if err := s.publisher.PublishJobEvent(ctx, event); err != nil {
		logging.Warn(ctx, "publish job event failed", slog.Any("error", errs.Loggable(err)))
	}
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
