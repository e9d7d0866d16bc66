package execution

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"syscall"
	"time"

	"scanhub/internal/bootstrap/logging"
	"scanhub/internal/domain/scan"
	"scanhub/internal/errs"
	"scanhub/internal/ports"
)

const adoptPollInterval = time.Second

// Reconciler re-aligns persisted state with process reality after a restart.
//
// Executions stored as RUNNING fall into two groups: the product process is
// still alive (it runs in its own process group and survived the restart), or
// it is gone. Dead processes are settled here from whatever result file they
// left behind. Alive processes stay RUNNING and are adopted by the queue once
// the dispatcher resumes their suspended job.
type Reconciler struct {
	jobs           ports.JobRepository
	executions     ports.ExecutionRepository
	profile        ProductProfile
	workspaceRoot  string
	defaultTimeout time.Duration
}

func NewReconciler(jobs ports.JobRepository, executions ports.ExecutionRepository, profile ProductProfile, workspaceRoot string, defaultTimeout time.Duration) *Reconciler {
	return &Reconciler{
		jobs:           jobs,
		executions:     executions,
		profile:        profile,
		workspaceRoot:  workspaceRoot,
		defaultTimeout: defaultTimeout,
	}
}

// Reconcile settles orphaned executions and suspends every job that was
// QUEUED or RUNNING when the previous process died. Run it before the
// dispatcher starts.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	running, err := r.executions.ListExecutionsInState(ctx, scan.ExecutionRunning)
	if err != nil {
		return errs.Wrap(err, "list running executions")
	}

	for _, record := range running {
		recCtx := logging.WithAttrs(ctx,
			slog.String("job_uuid", record.JobUUID),
			slog.String("execution_uuid", record.ExecutionUUID),
			slog.String("product_id", record.ProductID),
			slog.Int("pid", record.PID),
		)

		if processAlive(record.PID) {
			logging.Info(recCtx, "product process survived restart, leaving for adoption")
			continue
		}

		payload := r.leftoverResult(record)
		if payload != "" {
			logging.Info(recCtx, "settling orphaned execution from result file")
			if _, err := r.executions.MarkExecutionFinished(recCtx, record.ExecutionUUID, scan.ExecutionDone, 0, "", payload, nowRFC3339()); err != nil {
				logging.Error(recCtx, "settle orphaned execution failed", slog.Any("error", errs.Loggable(err)))
			}
			continue
		}

		logging.Warn(recCtx, "product process lost during restart")
		if _, err := r.executions.MarkExecutionFinished(recCtx, record.ExecutionUUID, scan.ExecutionFailed, -1, "process lost during restart", "", nowRFC3339()); err != nil {
			logging.Error(recCtx, "settle lost execution failed", slog.Any("error", errs.Loggable(err)))
		}
	}

	suspended, err := r.jobs.SuspendActiveJobs(ctx)
	if err != nil {
		return errs.Wrap(err, "suspend active jobs")
	}
	if suspended > 0 {
		logging.Info(ctx, "suspended unfinished jobs for resume", slog.Int64("count", suspended))
	}
	return nil
}

func (r *Reconciler) leftoverResult(record ports.ProductExecutionRecord) string {
	resultFile := defaultResultFile
	if product, err := r.profile.ResolveProduct(record.ProductID, r.defaultTimeout); err == nil {
		resultFile = product.ResultFile
	}
	workspace := filepath.Join(r.workspaceRoot, record.JobUUID, record.ExecutionUUID)
	payload, err := readResultFile(workspace, resultFile)
	if err != nil {
		return ""
	}
	return payload
}

// processAlive probes a pid with signal 0. EPERM still means the process
// exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
