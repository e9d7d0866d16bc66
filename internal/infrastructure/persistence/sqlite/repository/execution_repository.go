package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"scanhub/internal/domain/scan"
	"scanhub/internal/errs"
	"scanhub/internal/infrastructure/persistence/sqlite/model"
	"scanhub/internal/ports"
)

type ExecutionRepository struct {
	db *gorm.DB
}

func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

func (r *ExecutionRepository) dbFromContext(ctx context.Context) (*gorm.DB, error) {
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

func (r *ExecutionRepository) CreateExecutions(ctx context.Context, executions []ports.ProductExecutionRecord) error {
	if len(executions) == 0 {
		return nil
	}

	db, err := r.dbFromContext(ctx)
	if err != nil {
		return err
	}

	rows := make([]model.ProductExecution, 0, len(executions))
	for _, execution := range executions {
		row, err := mapExecutionToModel(execution)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	if err := db.Create(&rows).Error; err != nil {
		return errs.Wrap(err, "insert product executions")
	}
	return nil
}

func (r *ExecutionRepository) GetExecution(ctx context.Context, executionUUID string) (ports.ProductExecutionRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return ports.ProductExecutionRecord{}, err
	}

	var row model.ProductExecution
	if err := db.Where("execution_uuid = ?", executionUUID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ports.ProductExecutionRecord{}, scan.ErrExecutionNotFound
		}
		return ports.ProductExecutionRecord{}, errs.Wrap(err, "query product execution")
	}
	return mapExecution(row)
}

func (r *ExecutionRepository) ListExecutionsByJob(ctx context.Context, jobUUID string) ([]ports.ProductExecutionRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var rows []model.ProductExecution
	if err := db.
		Where("job_uuid = ?", jobUUID).
		Order("created_at asc, execution_uuid asc").
		Find(&rows).Error; err != nil {
		return nil, errs.Wrap(err, "query executions by job")
	}
	return mapExecutions(rows)
}

func (r *ExecutionRepository) ListExecutionsInState(ctx context.Context, state scan.ExecutionState) ([]ports.ProductExecutionRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var rows []model.ProductExecution
	if err := db.
		Where("state = ?", string(state)).
		Order("created_at asc, execution_uuid asc").
		Find(&rows).Error; err != nil {
		return nil, errs.Wrap(err, "query executions by state")
	}
	return mapExecutions(rows)
}

func (r *ExecutionRepository) CountExecutionsInState(ctx context.Context, state scan.ExecutionState) (int64, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := db.Model(&model.ProductExecution{}).
		Where("state = ?", string(state)).
		Count(&count).Error; err != nil {
		return 0, errs.Wrap(err, "count executions by state")
	}
	return count, nil
}

func (r *ExecutionRepository) MarkExecutionRunning(ctx context.Context, executionUUID string, pid int, startedAt string) error {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return err
	}

	if err := db.Model(&model.ProductExecution{}).
		Where("execution_uuid = ?", executionUUID).
		Updates(map[string]any{
			"state":      string(scan.ExecutionRunning),
			"pid":        pid,
			"started_at": startedAt,
		}).Error; err != nil {
		return errs.Wrap(err, "mark execution running")
	}
	return nil
}

// MarkExecutionFinished settles an execution in a terminal state. The guard on
// non-terminal states makes the terminal transition idempotent.
func (r *ExecutionRepository) MarkExecutionFinished(ctx context.Context, executionUUID string, state scan.ExecutionState, exitCode int, errorMessage string, result string, endedAt string) (bool, error) {
	if !state.IsTerminal() {
		return false, fmt.Errorf("%w: %s is not terminal", scan.ErrInvalidTransition, state)
	}

	db, err := r.dbFromContext(ctx)
	if err != nil {
		return false, err
	}

	update := db.Model(&model.ProductExecution{}).
		Where("execution_uuid = ? AND state IN ?", executionUUID, []string{
			string(scan.ExecutionCreated),
			string(scan.ExecutionQueued),
			string(scan.ExecutionRunning),
		}).
		Updates(map[string]any{
			"state":         string(state),
			"exit_code":     exitCode,
			"error_message": errorMessage,
			"result":        result,
			"ended_at":      endedAt,
		})
	if update.Error != nil {
		return false, errs.Wrap(update.Error, "mark execution finished")
	}
	return update.RowsAffected > 0, nil
}

func (r *ExecutionRepository) DeleteExecutionsByJob(ctx context.Context, jobUUID string) error {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return err
	}

	if err := db.Where("job_uuid = ?", jobUUID).Delete(&model.ProductExecution{}).Error; err != nil {
		return errs.Wrap(err, "delete executions by job")
	}
	return nil
}

func mapExecutionToModel(execution ports.ProductExecutionRecord) (model.ProductExecution, error) {
	parameters := execution.Parameters
	if parameters == nil {
		parameters = map[string]string{}
	}
	raw, err := json.Marshal(parameters)
	if err != nil {
		return model.ProductExecution{}, errs.Wrap(err, "marshal execution parameters")
	}

	return model.ProductExecution{
		ExecutionUUID: execution.ExecutionUUID,
		JobUUID:       execution.JobUUID,
		ProductID:     execution.ProductID,
		ScanType:      string(execution.ScanType),
		State:         string(execution.State),
		Parameters:    string(raw),
		Result:        execution.Result,
		ExitCode:      execution.ExitCode,
		ErrorMessage:  execution.ErrorMessage,
		PID:           execution.PID,
		CreatedAt:     execution.CreatedAt,
		StartedAt:     execution.StartedAt,
		EndedAt:       execution.EndedAt,
	}, nil
}

func mapExecutions(rows []model.ProductExecution) ([]ports.ProductExecutionRecord, error) {
	items := make([]ports.ProductExecutionRecord, 0, len(rows))
	for _, row := range rows {
		item, err := mapExecution(row)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func mapExecution(row model.ProductExecution) (ports.ProductExecutionRecord, error) {
	parameters := map[string]string{}
	if row.Parameters != "" {
		if err := json.Unmarshal([]byte(row.Parameters), &parameters); err != nil {
			return ports.ProductExecutionRecord{}, errs.Wrap(err, "unmarshal execution parameters")
		}
	}

	return ports.ProductExecutionRecord{
		ExecutionUUID: row.ExecutionUUID,
		JobUUID:       row.JobUUID,
		ProductID:     row.ProductID,
		ScanType:      scan.ScanType(row.ScanType),
		State:         scan.ExecutionState(row.State),
		Parameters:    parameters,
		Result:        row.Result,
		ExitCode:      row.ExitCode,
		ErrorMessage:  row.ErrorMessage,
		PID:           row.PID,
		CreatedAt:     row.CreatedAt,
		StartedAt:     row.StartedAt,
		EndedAt:       row.EndedAt,
	}, nil
}
