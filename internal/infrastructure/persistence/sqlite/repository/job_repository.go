package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"scanhub/internal/domain/scan"
	"scanhub/internal/errs"
	"scanhub/internal/infrastructure/persistence/sqlite/model"
	"scanhub/internal/ports"
)

type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) dbFromContext(ctx context.Context) (*gorm.DB, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	tx := ports.TxFromContext(ctx)
	if tx == nil {
		return r.db.WithContext(ctx), nil
	}

	gormTx, ok := tx.(*gorm.DB)
	if !ok || gormTx == nil {
		return nil, fmt.Errorf("invalid tx in context: %T", tx)
	}
	return gormTx.WithContext(ctx), nil
}

func (r *JobRepository) CreateJob(ctx context.Context, job ports.JobRecord) error {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return err
	}

	row := model.Job{
		JobUUID:       job.JobUUID,
		ProjectID:     job.ProjectID,
		State:         string(job.State),
		Strategy:      job.Strategy,
		Configuration: job.Configuration,
		CreatedAt:     job.CreatedAt,
		StartedAt:     job.StartedAt,
		EndedAt:       job.EndedAt,
	}
	if err := db.Create(&row).Error; err != nil {
		return errs.Wrap(err, "insert job")
	}
	return nil
}

func (r *JobRepository) GetJob(ctx context.Context, jobUUID string) (ports.JobRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return ports.JobRecord{}, err
	}

	var row model.Job
	if err := db.Where("job_uuid = ?", jobUUID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ports.JobRecord{}, scan.ErrJobNotFound
		}
		return ports.JobRecord{}, errs.Wrap(err, "query job")
	}
	return mapJob(row), nil
}

func (r *JobRepository) ListJobsInStates(ctx context.Context, states ...scan.JobState) ([]ports.JobRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return nil, err
	}

	stateValues := make([]string, 0, len(states))
	for _, state := range states {
		stateValues = append(stateValues, string(state))
	}

	var rows []model.Job
	if err := db.
		Where("state IN ?", stateValues).
		Order("created_at asc, job_uuid asc").
		Find(&rows).Error; err != nil {
		return nil, errs.Wrap(err, "query jobs by state")
	}

	items := make([]ports.JobRecord, 0, len(rows))
	for _, row := range rows {
		items = append(items, mapJob(row))
	}
	return items, nil
}

func (r *JobRepository) CountActiveJobsForProject(ctx context.Context, projectID string, excludeJobUUID string) (int64, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return 0, err
	}

	query := db.Model(&model.Job{}).
		Where("project_id = ?", projectID).
		Where("state IN ?", nonTerminalStates())
	if excludeJobUUID != "" {
		query = query.Where("job_uuid <> ?", excludeJobUUID)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, errs.Wrap(err, "count active jobs for project")
	}
	return count, nil
}

// CASJobState performs the single conditional update required by the claim
// protocol. It reports false without error when the job was not in the
// expected state.
func (r *JobRepository) CASJobState(ctx context.Context, jobUUID string, from, to scan.JobState) (bool, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return false, err
	}

	result := db.Model(&model.Job{}).
		Where("job_uuid = ? AND state = ?", jobUUID, string(from)).
		Update("state", string(to))
	if result.Error != nil {
		return false, errs.Wrap(result.Error, "conditional state update")
	}
	return result.RowsAffected > 0, nil
}

func (r *JobRepository) MarkJobStarted(ctx context.Context, jobUUID string, startedAt string) error {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return err
	}

	if err := db.Model(&model.Job{}).
		Where("job_uuid = ? AND state = ?", jobUUID, string(scan.JobQueued)).
		Updates(map[string]any{
			"state":      string(scan.JobRunning),
			"started_at": startedAt,
		}).Error; err != nil {
		return errs.Wrap(err, "mark job started")
	}
	return nil
}

// MarkJobEnded moves a job into a terminal state. Re-applying the same
// terminal state is a no-op; switching between terminal states is an error.
func (r *JobRepository) MarkJobEnded(ctx context.Context, jobUUID string, state scan.JobState, endedAt string) (bool, error) {
	if !state.IsTerminal() {
		return false, fmt.Errorf("%w: %s is not terminal", scan.ErrInvalidTransition, state)
	}

	db, err := r.dbFromContext(ctx)
	if err != nil {
		return false, err
	}

	result := db.Model(&model.Job{}).
		Where("job_uuid = ? AND state IN ?", jobUUID, nonTerminalStates()).
		Updates(map[string]any{
			"state":    string(state),
			"ended_at": endedAt,
		})
	if result.Error != nil {
		return false, errs.Wrap(result.Error, "mark job ended")
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	current, err := r.GetJob(ctx, jobUUID)
	if err != nil {
		return false, err
	}
	if current.State == state {
		return false, nil
	}
	return false, fmt.Errorf("%w: %s -> %s", scan.ErrInvalidTransition, current.State, state)
}

// ClaimNextJob selects the next eligible job under the given strategy and
// atomically marks it QUEUED in the same transaction. Suspended jobs are
// resumed before new ones are started.
func (r *JobRepository) ClaimNextJob(ctx context.Context, strategy string) (ports.JobRecord, bool, error) {
	if ctx == nil {
		return ports.JobRecord{}, false, errors.New("context is required")
	}

	var claimed ports.JobRecord
	found := false

	run := func(txCtx context.Context) error {
		candidate, ok, err := r.nextCandidate(txCtx, strategy)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		swapped, err := r.CASJobState(txCtx, candidate.JobUUID, candidate.State, scan.JobQueued)
		if err != nil {
			return err
		}
		if !swapped {
			return scan.ErrClaimRaceLost
		}

		candidate.State = scan.JobQueued
		claimed = candidate
		found = true
		return nil
	}

	if ports.TxFromContext(ctx) != nil {
		if err := run(ctx); err != nil {
			return ports.JobRecord{}, false, err
		}
		return claimed, found, nil
	}

	if err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return run(ports.WithTxContext(ctx, tx))
	}); err != nil {
		return ports.JobRecord{}, false, err
	}
	return claimed, found, nil
}

func (r *JobRepository) nextCandidate(ctx context.Context, strategy string) (ports.JobRecord, bool, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return ports.JobRecord{}, false, err
	}

	// Resume path first: suspended jobs return to the queue before any new
	// job is started.
	var row model.Job
	err = db.
		Where("state = ?", string(scan.JobSuspended)).
		Order("created_at asc, job_uuid asc").
		Take(&row).Error
	if err == nil {
		return mapJob(row), true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return ports.JobRecord{}, false, errs.Wrap(err, "query suspended jobs")
	}

	query := db.Where("state = ?", string(scan.JobReadyToStart))
	if strategy == scan.StrategyOneScanPerProject {
		busy := db.Session(&gorm.Session{NewDB: true}).
			Model(&model.Job{}).
			Select("project_id").
			Where("state IN ?", []string{
				string(scan.JobQueued),
				string(scan.JobRunning),
				string(scan.JobSuspended),
			})
		query = query.Where("project_id NOT IN (?)", busy)
	}

	err = query.Order("created_at asc, job_uuid asc").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ports.JobRecord{}, false, nil
	}
	if err != nil {
		return ports.JobRecord{}, false, errs.Wrap(err, "query next ready job")
	}
	return mapJob(row), true, nil
}

// SuspendActiveJobs is the orderly-shutdown path: every QUEUED or RUNNING job
// moves to SUSPENDED so a restart can reconcile and resume it.
func (r *JobRepository) SuspendActiveJobs(ctx context.Context) (int64, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return 0, err
	}

	result := db.Model(&model.Job{}).
		Where("state IN ?", []string{string(scan.JobQueued), string(scan.JobRunning)}).
		Update("state", string(scan.JobSuspended))
	if result.Error != nil {
		return 0, errs.Wrap(result.Error, "suspend active jobs")
	}
	return result.RowsAffected, nil
}

// ResetJobForRestart puts a finished job back on the dispatch path under the
// same job uuid. Only terminal jobs can restart; an active job has to be
// canceled first.
func (r *JobRepository) ResetJobForRestart(ctx context.Context, jobUUID string) error {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return err
	}

	terminal := []string{
		string(scan.JobDone),
		string(scan.JobFailed),
		string(scan.JobCanceled),
	}
	result := db.Model(&model.Job{}).
		Where("job_uuid = ? AND state IN ?", jobUUID, terminal).
		Updates(map[string]any{
			"state":      string(scan.JobReadyToStart),
			"started_at": nil,
			"ended_at":   nil,
		})
	if result.Error != nil {
		return errs.Wrap(result.Error, "reset job for restart")
	}
	if result.RowsAffected > 0 {
		return nil
	}

	current, err := r.GetJob(ctx, jobUUID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", scan.ErrInvalidTransition, current.State, scan.JobReadyToStart)
}

func nonTerminalStates() []string {
	return []string{
		string(scan.JobCreated),
		string(scan.JobReadyToStart),
		string(scan.JobQueued),
		string(scan.JobRunning),
		string(scan.JobSuspended),
	}
}

func mapJob(row model.Job) ports.JobRecord {
	return ports.JobRecord{
		JobUUID:       row.JobUUID,
		ProjectID:     row.ProjectID,
		State:         scan.JobState(row.State),
		Strategy:      row.Strategy,
		Configuration: row.Configuration,
		CreatedAt:     row.CreatedAt,
		StartedAt:     row.StartedAt,
		EndedAt:       row.EndedAt,
	}
}
