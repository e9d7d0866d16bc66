package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"scanhub/internal/bootstrap/logging"
	"scanhub/internal/domain/scan"
	"scanhub/internal/errs"
	"scanhub/internal/infrastructure/storage"
	"scanhub/internal/ports"
	"scanhub/internal/usecase/report"
)

// ErrQueueFull is returned by Add when every execution slot is taken. The
// dispatcher reverts the claim and retries on a later cycle.
var ErrQueueFull = errors.New("execution queue is full")

const reportArtifactName = "report.json"

// QueueConfig carries the execution-tier tunables.
type QueueConfig struct {
	QueueMax       int
	WorkspaceRoot  string
	DefaultTimeout time.Duration
	RetryMax       int
	StorageRetries int
	StorageBackoff time.Duration
}

// Queue runs claimed jobs with a hard upper bound on concurrency. Each job
// occupies one slot from claim hand-off until its terminal state is stored.
type Queue struct {
	cfg        QueueConfig
	jobs       ports.JobRepository
	executions ports.ExecutionRepository
	scheduler  ports.StorageFactory
	local      ports.StorageFactory
	engine     *report.Engine
	runner     *Runner
	profile    ProductProfile
	publisher  ports.EventPublisher

	baseCtx context.Context
	slots   chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[string]context.CancelFunc
	closed bool
}

func NewQueue(
	cfg QueueConfig,
	jobs ports.JobRepository,
	executions ports.ExecutionRepository,
	schedulerStorage ports.StorageFactory,
	localStorage ports.StorageFactory,
	engine *report.Engine,
	runner *Runner,
	profile ProductProfile,
	publisher ports.EventPublisher,
) *Queue {
	if cfg.QueueMax < 1 {
		cfg.QueueMax = 1
	}
	if cfg.StorageRetries < 1 {
		cfg.StorageRetries = 1
	}
	return &Queue{
		cfg:        cfg,
		jobs:       jobs,
		executions: executions,
		scheduler:  schedulerStorage,
		local:      localStorage,
		engine:     engine,
		runner:     runner,
		profile:    profile,
		publisher:  publisher,
		baseCtx:    context.Background(),
		slots:      make(chan struct{}, cfg.QueueMax),
		active:     make(map[string]context.CancelFunc),
	}
}

// Fill reports the occupied and total execution slots.
func (q *Queue) Fill() (running, capacity int) {
	return len(q.slots), cap(q.slots)
}

// HasCapacity reports whether at least one slot is free right now. It is a
// snapshot for the dispatcher's pre-claim check; Add stays the authority.
func (q *Queue) HasCapacity() bool {
	return len(q.slots) < cap(q.slots)
}

// Add takes ownership of a claimed job. It never blocks: either a slot is
// acquired and the job runs on its own goroutine, or ErrQueueFull comes back
// immediately.
func (q *Queue) Add(ctx context.Context, job ports.JobRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("execution queue is shut down")
	}
	select {
	case q.slots <- struct{}{}:
	default:
		q.mu.Unlock()
		return ErrQueueFull
	}

	// Job lifetime is decoupled from the caller's context. Only Cancel and
	// process exit end a running job.
	jobCtx, cancel := context.WithCancel(q.baseCtx)
	q.active[job.JobUUID] = cancel
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer q.release(job.JobUUID)
		q.process(jobCtx, job)
	}()
	return nil
}

// Cancel requests cancellation of a job currently held by the queue. It
// reports whether the job was found running here.
func (q *Queue) Cancel(jobUUID string) bool {
	q.mu.Lock()
	cancel, ok := q.active[jobUUID]
	q.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown stops accepting jobs and waits for in-flight job goroutines up to
// the context deadline. Running product processes are left alone: they live
// in their own process groups and are re-adopted after restart.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquireExtraSlots takes up to want additional slots without blocking. The
// caller falls back to running its work sequentially on whatever it got.
func (q *Queue) acquireExtraSlots(want int) int {
	got := 0
	for got < want {
		select {
		case q.slots <- struct{}{}:
			got++
		default:
			return got
		}
	}
	return got
}

func (q *Queue) releaseExtraSlots(n int) {
	for i := 0; i < n; i++ {
		<-q.slots
	}
}

func (q *Queue) release(jobUUID string) {
	q.mu.Lock()
	if cancel, ok := q.active[jobUUID]; ok {
		cancel()
		delete(q.active, jobUUID)
	}
	q.mu.Unlock()
	<-q.slots
}

func (q *Queue) process(ctx context.Context, job ports.JobRecord) {
	ctx = logging.WithAttrs(ctx,
		slog.String("job_uuid", job.JobUUID),
		slog.String("project_id", job.ProjectID),
	)
	// Lifecycle writes go through a context that survives a job cancel. The
	// cancel is observed through ctx; the state still has to be persisted.
	persist := logging.WithAttrs(q.baseCtx,
		slog.String("job_uuid", job.JobUUID),
		slog.String("project_id", job.ProjectID),
	)

	if ctx.Err() != nil {
		// Canceled before the start transition. The job still settles.
		q.finalize(ctx, job, scan.JobCanceled, nil, nil)
		return
	}

	started, err := q.jobs.CASJobState(persist, job.JobUUID, scan.JobQueued, scan.JobRunning)
	if err != nil {
		logging.Error(ctx, "job start transition failed", slog.Any("error", errs.Loggable(err)))
		return
	}
	if !started {
		// Someone else already moved the job to a terminal state. Nothing
		// to run, nothing to settle.
		logging.Warn(ctx, "job no longer queued, skipping")
		return
	}
	if err := q.jobs.MarkJobStarted(persist, job.JobUUID, nowRFC3339()); err != nil {
		logging.Error(ctx, "persist job start time failed", slog.Any("error", errs.Loggable(err)))
	}
	q.publish(ctx, job, scan.JobRunning)

	cfg, err := scan.ParseConfiguration([]byte(job.Configuration))
	if err != nil {
		q.finalize(ctx, job, scan.JobFailed, nil, []report.Message{{
			Type: report.MessageError,
			Text: "scan configuration could not be parsed: " + err.Error(),
		}})
		return
	}

	records, err := q.loadOrCreateExecutions(persist, job, cfg)
	if err != nil {
		q.finalize(ctx, job, scan.JobFailed, nil, []report.Message{{
			Type: report.MessageError,
			Text: "product executions could not be prepared: " + err.Error(),
		}})
		return
	}

	final := q.runExecutions(ctx, job, cfg, records)
	state := jobStateForExecutions(final, ctx.Err() != nil)
	q.finalize(ctx, job, state, final, nil)
}

// loadOrCreateExecutions reuses existing rows on resume so a product never
// spawns twice for the same execution, and creates fresh rows on first start.
func (q *Queue) loadOrCreateExecutions(ctx context.Context, job ports.JobRecord, cfg scan.Configuration) ([]ports.ProductExecutionRecord, error) {
	existing, err := q.executions.ListExecutionsByJob(ctx, job.JobUUID)
	if err != nil {
		return nil, errs.Wrap(err, "list executions")
	}
	if len(existing) > 0 {
		return existing, nil
	}

	now := nowRFC3339()
	records := make([]ports.ProductExecutionRecord, 0, len(cfg.Sections))
	for _, section := range cfg.Sections {
		records = append(records, ports.ProductExecutionRecord{
			ExecutionUUID: uuid.NewString(),
			JobUUID:       job.JobUUID,
			ProductID:     section.Product,
			ScanType:      section.Type,
			State:         scan.ExecutionCreated,
			Parameters:    section.Parameters,
			CreatedAt:     now,
		})
	}
	if err := q.executions.CreateExecutions(ctx, records); err != nil {
		return nil, errs.Wrap(err, "create executions")
	}
	return records, nil
}

// runExecutions drives every product of one job. Products are independent of
// each other; each settles its own outcome, one product failing never stops
// its siblings. The job's own slot covers one running product; siblings run
// in parallel only when free slots exist, so the number of concurrently
// running executions never exceeds the queue ceiling.
func (q *Queue) runExecutions(ctx context.Context, job ports.JobRecord, cfg scan.Configuration, records []ports.ProductExecutionRecord) []ports.ProductExecutionRecord {
	sections := sectionsByProduct(cfg)
	final := make([]ports.ProductExecutionRecord, len(records))

	pending := 0
	for _, record := range records {
		if !record.State.IsTerminal() {
			pending++
		}
	}
	extra := q.acquireExtraSlots(pending - 1)
	defer q.releaseExtraSlots(extra)

	var group errgroup.Group
	group.SetLimit(1 + extra)
	for i, record := range records {
		if record.State.IsTerminal() {
			// Resumed job: this product already finished before the restart.
			final[i] = record
			continue
		}

		group.Go(func() error {
			if ctx.Err() != nil {
				final[i] = q.settleExecution(job, record, scan.ExecutionCanceled, -1, "canceled before start", "")
				return nil
			}
			section, ok := sections[record.ProductID]
			if !ok {
				final[i] = q.settleExecution(job, record, scan.ExecutionFailed, -1, "no scan section for product", "")
				return nil
			}
			if record.State == scan.ExecutionRunning && processAlive(record.PID) {
				// The product survived a restart in its own process group.
				final[i] = q.adoptExecution(ctx, job, section, record)
				return nil
			}
			final[i] = q.runOneExecution(ctx, job, section, record)
			return nil
		})
	}
	_ = group.Wait()
	return final
}

func (q *Queue) runOneExecution(ctx context.Context, job ports.JobRecord, section scan.Section, record ports.ProductExecutionRecord) ports.ProductExecutionRecord {
	execCtx := logging.WithAttrs(ctx,
		slog.String("execution_uuid", record.ExecutionUUID),
		slog.String("product_id", record.ProductID),
	)

	product, err := q.profile.ResolveProduct(record.ProductID, q.cfg.DefaultTimeout)
	if err != nil {
		return q.settleExecution(job, record, scan.ExecutionFailed, -1, err.Error(), "")
	}

	input := RunInput{
		JobUUID:             job.JobUUID,
		ExecutionUUID:       record.ExecutionUUID,
		ProductID:           record.ProductID,
		UseSchedulerStorage: section.UseSchedulerStorage != nil && *section.UseSchedulerStorage,
		Parameters:          record.Parameters,
		Product:             product,
		WorkspaceDir:        filepath.Join(q.cfg.WorkspaceRoot, job.JobUUID, record.ExecutionUUID),
	}

	attempts := 1 + q.cfg.RetryMax
	var out RunOutput
	var runErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		logging.Info(execCtx, "starting product execution", slog.Int("attempt", attempt))
		out, runErr = q.runner.Run(execCtx, input, func(pid int) {
			if err := q.executions.MarkExecutionRunning(execCtx, record.ExecutionUUID, pid, nowRFC3339()); err != nil {
				logging.Error(execCtx, "persist execution pid failed", slog.Any("error", errs.Loggable(err)))
			}
		})
		if runErr == nil && out.ExitCode == 0 {
			break
		}
		// Retry only plain nonzero exits. Crashes, signals, timeouts and
		// cancellation are not retried automatically.
		if runErr != nil || out.ExitCode <= 0 || out.TimedOut || out.Canceled {
			break
		}
		if attempt < attempts {
			logging.Warn(execCtx, "product failed, retrying",
				slog.Int("exit_code", out.ExitCode),
				slog.Int("attempt", attempt),
			)
		}
	}

	switch {
	case runErr != nil:
		return q.settleExecution(job, record, scan.ExecutionFailed, -1, runErr.Error(), "")
	case out.Canceled:
		return q.settleExecution(job, record, scan.ExecutionCanceled, out.ExitCode, "execution canceled", "")
	case out.TimedOut:
		return q.settleExecution(job, record, scan.ExecutionFailed, out.ExitCode, fmt.Sprintf("product timed out after %ds", product.TimeoutSeconds), "")
	case out.ExitCode != 0:
		return q.settleExecution(job, record, scan.ExecutionFailed, out.ExitCode, failureExcerpt(out.Output), "")
	}

	q.storeRawResult(execCtx, job, section, record.ProductID, out.ResultPayload)
	return q.settleExecution(job, record, scan.ExecutionDone, 0, "", out.ResultPayload)
}

// adoptExecution waits for a product process started before the restart. The
// process is not our child, so there is no Wait; liveness is polled and the
// outcome is read from the result file it leaves behind.
func (q *Queue) adoptExecution(ctx context.Context, job ports.JobRecord, section scan.Section, record ports.ProductExecutionRecord) ports.ProductExecutionRecord {
	execCtx := logging.WithAttrs(ctx,
		slog.String("execution_uuid", record.ExecutionUUID),
		slog.String("product_id", record.ProductID),
		slog.Int("pid", record.PID),
	)
	logging.Info(execCtx, "adopting detached product process")

	product, err := q.profile.ResolveProduct(record.ProductID, q.cfg.DefaultTimeout)
	if err != nil {
		return q.settleExecution(job, record, scan.ExecutionFailed, -1, err.Error(), "")
	}

	ticker := time.NewTicker(adoptPollInterval)
	defer ticker.Stop()
	for processAlive(record.PID) {
		select {
		case <-ctx.Done():
			// Setpgid at launch made the pid its own process group id.
			if killErr := syscall.Kill(-record.PID, syscall.SIGTERM); killErr != nil {
				logging.Warn(execCtx, "signal adopted process failed", slog.Any("error", errs.Loggable(killErr)))
			}
			return q.settleExecution(job, record, scan.ExecutionCanceled, -1, "execution canceled", "")
		case <-ticker.C:
		}
	}

	workspace := filepath.Join(q.cfg.WorkspaceRoot, job.JobUUID, record.ExecutionUUID)
	payload, err := readResultFile(workspace, product.ResultFile)
	if err != nil || payload == "" {
		return q.settleExecution(job, record, scan.ExecutionFailed, -1, "process ended without a result after restart", "")
	}
	q.storeRawResult(execCtx, job, section, record.ProductID, payload)
	return q.settleExecution(job, record, scan.ExecutionDone, 0, "", payload)
}

// settleExecution persists the terminal execution state and returns the
// updated record. The repository keeps the write idempotent; losing the write
// race to an earlier terminal state is not an error.
func (q *Queue) settleExecution(job ports.JobRecord, record ports.ProductExecutionRecord, state scan.ExecutionState, exitCode int, errorMessage string, result string) ports.ProductExecutionRecord {
	ctx := logging.WithAttrs(q.baseCtx,
		slog.String("job_uuid", job.JobUUID),
		slog.String("execution_uuid", record.ExecutionUUID),
	)
	if _, err := q.executions.MarkExecutionFinished(ctx, record.ExecutionUUID, state, exitCode, errorMessage, result, nowRFC3339()); err != nil {
		logging.Error(ctx, "persist execution result failed", slog.Any("error", errs.Loggable(err)))
	}
	record.State = state
	record.ExitCode = exitCode
	record.ErrorMessage = errorMessage
	record.Result = result
	return record
}

// storeRawResult archives the untouched product payload next to the merged
// report so the original output stays auditable.
func (q *Queue) storeRawResult(ctx context.Context, job ports.JobRecord, section scan.Section, productID, payload string) {
	if payload == "" {
		return
	}
	store := q.storageFor(section)
	name := productID + ".result"
	err := storage.Retry(ctx, q.cfg.StorageRetries, q.cfg.StorageBackoff, func() error {
		return store.ForJob(job.ProjectID, job.JobUUID).Store(ctx, name, strings.NewReader(payload))
	})
	if err != nil {
		logging.Error(ctx, "store raw product result failed", slog.Any("error", errs.Loggable(err)))
	}
}

func (q *Queue) storageFor(section scan.Section) ports.StorageFactory {
	if section.UseSchedulerStorage != nil && *section.UseSchedulerStorage {
		return q.scheduler
	}
	return q.local
}

// finalize builds and stores the merged report, moves the job to its terminal
// state and publishes the transition. Terminal writes are idempotent, so a
// concurrent cancel and a normal finish cannot corrupt the job.
func (q *Queue) finalize(ctx context.Context, job ports.JobRecord, state scan.JobState, executions []ports.ProductExecutionRecord, extraMessages []report.Message) {
	// A canceled job still gets its terminal state and report persisted.
	if ctx.Err() != nil {
		ctx = logging.WithAttrs(q.baseCtx,
			slog.String("job_uuid", job.JobUUID),
			slog.String("project_id", job.ProjectID),
		)
	}
	merged := q.mergeResults(ctx, executions)
	merged.Messages = append(merged.Messages, extraMessages...)

	applied, err := q.jobs.MarkJobEnded(ctx, job.JobUUID, state, nowRFC3339())
	if err != nil {
		logging.Error(ctx, "persist job terminal state failed", slog.Any("error", errs.Loggable(err)))
	}
	if !applied {
		// Another writer (cancel) reached terminal first; its state wins.
		if current, getErr := q.jobs.GetJob(ctx, job.JobUUID); getErr == nil {
			state = current.State
		}
	}

	built := report.Build(string(state), merged.Findings, merged.Messages, merged.AnyProductRan)
	q.storeReport(ctx, job, built)

	logging.Info(ctx, "job finished",
		slog.String("state", string(state)),
		slog.String("traffic_light", string(built.TrafficLight)),
		slog.Int("findings", len(merged.Findings)),
	)
	q.publish(ctx, job, state)
}

func (q *Queue) mergeResults(ctx context.Context, executions []ports.ProductExecutionRecord) report.MergeResult {
	var merged report.MergeResult
	for _, execution := range executions {
		switch execution.State {
		case scan.ExecutionDone:
			merged.AnyProductRan = true
			if strings.TrimSpace(execution.Result) == "" {
				// A clean exit without output is a clean run, not a failure.
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
			if err := q.engine.Import(ctx, &merged, param); err != nil {
				merged.Messages = append(merged.Messages, report.Message{
					Type: report.MessageError,
					Text: err.Error(),
				})
			}
		case scan.ExecutionFailed:
			merged.AnyProductRan = true
			merged.Messages = append(merged.Messages, report.Message{
				Type: report.MessageError,
				Text: fmt.Sprintf("product %s failed (exit code %d): %s", execution.ProductID, execution.ExitCode, execution.ErrorMessage),
			})
		case scan.ExecutionCanceled:
			merged.Messages = append(merged.Messages, report.Message{
				Type: report.MessageWarning,
				Text: fmt.Sprintf("product %s was canceled", execution.ProductID),
			})
		}
	}
	return merged
}

func (q *Queue) storeReport(ctx context.Context, job ports.JobRecord, built report.Report) {
	raw, err := built.ToJSON()
	if err != nil {
		logging.Error(ctx, "marshal report failed", slog.Any("error", errs.Loggable(err)))
		return
	}
	err = storage.Retry(ctx, q.cfg.StorageRetries, q.cfg.StorageBackoff, func() error {
		return q.scheduler.ForJob(job.ProjectID, job.JobUUID).Store(ctx, reportArtifactName, strings.NewReader(string(raw)))
	})
	if err != nil {
		logging.Error(ctx, "store report failed", slog.Any("error", errs.Loggable(err)))
	}
}

func (q *Queue) publish(ctx context.Context, job ports.JobRecord, state scan.JobState) {
	if q.publisher == nil {
		return
	}
	event := ports.JobEvent{
		JobUUID:   job.JobUUID,
		ProjectID: job.ProjectID,
		State:     state,
		At:        nowRFC3339(),
	}
	if err := q.publisher.PublishJobEvent(ctx, event); err != nil {
		logging.Warn(ctx, "publish job event failed", slog.Any("error", errs.Loggable(err)))
	}
}

const failureExcerptMax = 512

// failureExcerpt keeps the tail of the combined output, where tools print
// their final error.
func failureExcerpt(output string) string {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return "no output"
	}
	if len(trimmed) > failureExcerptMax {
		trimmed = "..." + trimmed[len(trimmed)-failureExcerptMax:]
	}
	return trimmed
}

// Duplicate product ids are rejected at configuration validation, so the
// product id identifies its section.
func sectionsByProduct(cfg scan.Configuration) map[string]scan.Section {
	byProduct := make(map[string]scan.Section, len(cfg.Sections))
	for _, section := range cfg.Sections {
		byProduct[section.Product] = section
	}
	return byProduct
}

func jobStateForExecutions(executions []ports.ProductExecutionRecord, canceled bool) scan.JobState {
	if canceled {
		return scan.JobCanceled
	}
	state := scan.JobDone
	for _, execution := range executions {
		switch execution.State {
		case scan.ExecutionCanceled:
			return scan.JobCanceled
		case scan.ExecutionFailed:
			state = scan.JobFailed
		}
	}
	return state
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
