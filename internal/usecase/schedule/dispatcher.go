package schedule

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"scanhub/internal/bootstrap/logging"
	"scanhub/internal/domain/scan"
	"scanhub/internal/errs"
	"scanhub/internal/ports"
	"scanhub/internal/usecase/execution"
)

// Dispatcher is the periodic bridge between persisted jobs and the execution
// queue. Each cycle claims jobs under the active strategy until the queue is
// full or no candidate is left. Singleton mode keeps cycles from overlapping.
type Dispatcher struct {
	jobs      ports.JobRepository
	queue     *execution.Queue
	service   *Service
	publisher ports.EventPublisher

	initialDelay time.Duration
	period       time.Duration

	scheduler gocron.Scheduler
}

func NewDispatcher(jobs ports.JobRepository, queue *execution.Queue, service *Service, publisher ports.EventPublisher, initialDelay, period time.Duration) *Dispatcher {
	return &Dispatcher{
		jobs:         jobs,
		queue:        queue,
		service:      service,
		publisher:    publisher,
		initialDelay: initialDelay,
		period:       period,
	}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errs.Wrap(err, "initialize scheduler")
	}

	options := []gocron.JobOption{
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if d.initialDelay > 0 {
		options = append(options, gocron.WithStartAt(
			gocron.WithStartDateTime(time.Now().Add(d.initialDelay)),
		))
	}

	task := gocron.NewTask(func() { d.Cycle(ctx) })
	if _, err := scheduler.NewJob(gocron.DurationJob(d.period), task, options...); err != nil {
		return errs.Wrap(err, "initialize dispatch job")
	}

	d.scheduler = scheduler
	scheduler.Start()
	logging.Info(ctx, "dispatcher started",
		slog.Duration("period", d.period),
		slog.Duration("initial_delay", d.initialDelay),
		slog.String("strategy", d.service.Strategy()),
	)
	return nil
}

func (d *Dispatcher) Stop() error {
	if d.scheduler == nil {
		return nil
	}
	return d.scheduler.Shutdown()
}

// Cycle runs one dispatch round. Exported so tests and the serve command can
// trigger a round without waiting for the timer.
func (d *Dispatcher) Cycle(ctx context.Context) {
	enabled, err := d.service.SchedulerEnabled(ctx)
	if err != nil {
		logging.Error(ctx, "read scheduler toggle failed", slog.Any("error", errs.Loggable(err)))
		return
	}
	if !enabled {
		return
	}

	for d.queue.HasCapacity() {
		if ctx.Err() != nil {
			return
		}

		job, ok, err := d.jobs.ClaimNextJob(ctx, d.service.Strategy())
		if errors.Is(err, scan.ErrClaimRaceLost) {
			// Another cycle or instance got there first. Try the next one.
			continue
		}
		if err != nil {
			logging.Error(ctx, "claim next job failed", slog.Any("error", errs.Loggable(err)))
			return
		}
		if !ok {
			return
		}

		jobCtx := logging.WithAttrs(ctx,
			slog.String("job_uuid", job.JobUUID),
			slog.String("project_id", job.ProjectID),
		)
		if err := d.queue.Add(jobCtx, job); err != nil {
			// Slot vanished between the capacity check and Add. Put the job
			// back on the dispatch path for the next cycle.
			if reverted, revertErr := d.jobs.CASJobState(jobCtx, job.JobUUID, scan.JobQueued, scan.JobReadyToStart); revertErr != nil || !reverted {
				logging.Error(jobCtx, "revert claimed job failed", slog.Any("error", errs.Loggable(revertErr)))
			}
			if !errors.Is(err, execution.ErrQueueFull) {
				logging.Error(jobCtx, "enqueue claimed job failed", slog.Any("error", errs.Loggable(err)))
			}
			return
		}
		// Published only once the queue holds the job, so consumers never
		// see a QUEUED transition for a job that was reverted.
		d.publish(jobCtx, job)
		logging.Info(jobCtx, "job dispatched")
	}
}

func (d *Dispatcher) publish(ctx context.Context, job ports.JobRecord) {
	if d.publisher == nil {
		return
	}
	event := ports.JobEvent{
		JobUUID:   job.JobUUID,
		ProjectID: job.ProjectID,
		State:     scan.JobQueued,
		At:        nowRFC3339(),
	}
	if err := d.publisher.PublishJobEvent(ctx, event); err != nil {
		logging.Warn(ctx, "publish job event failed", slog.Any("error", errs.Loggable(err)))
	}
}
