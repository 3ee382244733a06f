package workers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"listing_harvester/identity"
	"listing_harvester/models"
	"listing_harvester/ratelimit"
	"listing_harvester/scraper"
	"listing_harvester/storage"
)

// TaskStore is the part of the durable store the executor drives.
type TaskStore interface {
	ClaimNextPendingTask(ctx context.Context, workerID string, now time.Time) (*models.Task, error)
	SaveCheckpoint(ctx context.Context, workerID string, cp models.Checkpoint, now time.Time) (models.TaskStatus, error)
	CompleteTask(ctx context.Context, taskID, workerID string, now time.Time) (*models.Job, error)
	FailTask(ctx context.Context, taskID, workerID, lastErr string, maxRetries int, now time.Time) (models.TaskStatus, error)
	YieldTask(ctx context.Context, taskID, workerID string, now time.Time) error
}

// Sink receives harvested records. Upserts must be idempotent on
// (TaskID, ExternalID).
type Sink interface {
	UpsertRecord(ctx context.Context, r *models.HarvestedRecord) error
}

// BatchSink writes a whole page in one round trip.
type BatchSink interface {
	Sink
	UpsertRecords(ctx context.Context, records []*models.HarvestedRecord) error
}

// Archiver keeps the raw body of every fetched page.
type Archiver interface {
	ArchivePage(ctx context.Context, jobID, taskID string, page int, body []byte) error
}

// Gate is the rate limiter as seen by the executor.
type Gate interface {
	Acquire(ctx context.Context) error
	Penalize(ctx context.Context, retryAfter time.Duration) error
	Relax(ctx context.Context) error
}

// GateFunc returns the gate guarding a source.
type GateFunc func(ctx context.Context, sourceID string) (Gate, error)

// RegistryGates adapts a limiter registry.
func RegistryGates(reg *ratelimit.Registry) GateFunc {
	return func(ctx context.Context, sourceID string) (Gate, error) {
		l, err := reg.For(ctx, sourceID)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

// Recorder receives executor metrics.
type Recorder interface {
	PageFetched(sourceID string)
	RecordsSaved(sourceID string, n int)
	SourceError(sourceID, kind string)
	TaskFinished(sourceID, outcome string)
}

type noopRecorder struct{}

func (noopRecorder) PageFetched(string)          {}
func (noopRecorder) RecordsSaved(string, int)    {}
func (noopRecorder) SourceError(string, string)  {}
func (noopRecorder) TaskFinished(string, string) {}

type Outcome string

const (
	OutcomeIdle      Outcome = "idle"
	OutcomeCompleted Outcome = "completed"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeFailed    Outcome = "failed"
	OutcomePaused    Outcome = "paused"
	OutcomeYielded   Outcome = "yielded"
	// OutcomeReleased means the task was taken away mid-run, for example
	// requeued after a stale heartbeat.
	OutcomeReleased Outcome = "released"
)

// ExecutionResult describes one RunOne invocation.
type ExecutionResult struct {
	TaskID       string
	JobID        string
	Outcome      Outcome
	PagesFetched int
	ItemsSaved   int
	Err          error
	// Job is the parent job after a completing transition.
	Job *models.Job
}

type Options struct {
	WorkerID       string
	PageDelay      time.Duration
	PageRetries    int
	RetryBase      time.Duration
	TaskBudget     time.Duration
	RequestTimeout time.Duration
}

// HarvestWorker claims tasks and pages through them against their source.
type HarvestWorker struct {
	id       string
	store    TaskStore
	sources  map[string]scraper.Source
	gates    GateFunc
	sink     Sink
	archiver Archiver
	metrics  Recorder
	logger   *zap.Logger
	logFunc  LogFunc
	opts     Options

	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	triggerCh chan struct{}
}

// NewHarvestWorker creates an executor. An empty WorkerID gets a
// host-scoped unique id.
func NewHarvestWorker(store TaskStore, sources []scraper.Source, gates GateFunc, sink Sink, opts Options) *HarvestWorker {
	if opts.WorkerID == "" {
		host, _ := os.Hostname()
		opts.WorkerID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}

	bySource := make(map[string]scraper.Source, len(sources))
	for _, src := range sources {
		bySource[src.ID()] = src
	}

	return &HarvestWorker{
		id:        opts.WorkerID,
		store:     store,
		sources:   bySource,
		gates:     gates,
		sink:      sink,
		metrics:   noopRecorder{},
		logger:    zap.NewNop(),
		logFunc:   NoOpLogger,
		opts:      opts,
		now:       time.Now,
		sleep:     sleepCtx,
		triggerCh: make(chan struct{}, 1),
	}
}

func (w *HarvestWorker) ID() string { return w.id }

func (w *HarvestWorker) SetLogger(logger *zap.Logger) {
	w.logger = logger.With(zap.String("worker_id", w.id))
}

// SetLogFunc sets where per-task progress lines are persisted.
func (w *HarvestWorker) SetLogFunc(fn LogFunc) {
	w.logFunc = fn
}

func (w *HarvestWorker) SetArchiver(a Archiver) {
	w.archiver = a
}

func (w *HarvestWorker) SetMetrics(r Recorder) {
	w.metrics = r
}

// SetClock replaces the wall clock and sleeper, for tests.
func (w *HarvestWorker) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	w.now = now
	w.sleep = sleep
}

// Trigger causes the worker to run immediately
func (w *HarvestWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Run drains the queue, then waits for the next tick or trigger.
func (w *HarvestWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("harvest worker stopping")
			return
		case <-ticker.C:
			w.drain(ctx)
		case <-w.triggerCh:
			w.logger.Debug("harvest worker triggered")
			w.drain(ctx)
		}
	}
}

func (w *HarvestWorker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		res, err := w.RunOne(ctx)
		if err != nil {
			w.logger.Error("harvest run failed", zap.Error(err))
			return
		}
		if res.Outcome == OutcomeIdle {
			return
		}
	}
}

// RunOne claims at most one task and works it until it completes, fails,
// is paused, or runs out of wall-clock budget. Task-level errors land in
// the result and in the task's last_error; only store failures are
// returned as err.
func (w *HarvestWorker) RunOne(ctx context.Context) (ExecutionResult, error) {
	task, err := w.store.ClaimNextPendingTask(ctx, w.id, w.now())
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("claim task: %w", err)
	}
	if task == nil {
		return ExecutionResult{Outcome: OutcomeIdle}, nil
	}

	res := w.execute(ctx, task)
	w.metrics.TaskFinished(task.SourceID, string(res.Outcome))
	return res, nil
}

type pageRun struct {
	task       *models.Task
	logger     *zap.Logger
	page       int
	retrieved  int
	totalPages *int
	totalFound *int
}

func (w *HarvestWorker) execute(ctx context.Context, task *models.Task) ExecutionResult {
	logger := w.logger.With(
		zap.String("task_id", task.ID),
		zap.String("job_id", task.JobID),
		zap.String("seller_id", task.SellerID))
	res := ExecutionResult{TaskID: task.ID, JobID: task.JobID}

	logger.Info("task claimed",
		zap.Int("from_page", task.NextPage()),
		zap.Int("retry_count", task.RetryCount))
	w.progress(ctx, task, models.LogLevelInfo, fmt.Sprintf("claimed by %s, starting at page %d", w.id, task.NextPage()))

	src, ok := w.sources[task.SourceID]
	if !ok {
		err := fmt.Errorf("unknown source %q", task.SourceID)
		return w.fail(ctx, res, task, logger, err, 0)
	}
	gate, err := w.gates(ctx, task.SourceID)
	if err != nil {
		return w.fail(ctx, res, task, logger, fmt.Errorf("rate limiter: %w", err), task.MaxRetries)
	}

	runCtx := ctx
	if w.opts.TaskBudget > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.opts.TaskBudget)
		defer cancel()
	}

	run := &pageRun{
		task:       task,
		logger:     logger,
		page:       task.NextPage(),
		retrieved:  task.ItemsRetrieved,
		totalPages: task.TotalPages,
		totalFound: task.TotalItemsFound,
	}
	filters := scraper.FiltersFor(task)

	for !task.Exhausted() {
		page, err := w.fetch(runCtx, gate, src, filters, run)
		if err != nil {
			return w.interrupted(ctx, runCtx, res, task, logger, err)
		}
		res.PagesFetched++

		// The first page fixes the loop bound; later totals are ignored.
		if run.totalPages == nil {
			found := page.TotalCount
			pages := models.TotalPagesFor(found, task.ItemsPerPage)
			run.totalFound = &found
			run.totalPages = &pages
			logger.Info("result set sized", zap.Int("total_items", found), zap.Int("total_pages", pages))
		} else if run.totalFound != nil && page.TotalCount != *run.totalFound {
			logger.Debug("source total moved, keeping first-page bound",
				zap.Int("first", *run.totalFound), zap.Int("now", page.TotalCount))
		}

		if err := w.save(runCtx, task, page.Items); err != nil {
			return w.interrupted(ctx, runCtx, res, task, logger, err)
		}
		res.ItemsSaved += len(page.Items)
		w.archive(runCtx, task, run.page, page.Raw, logger)

		run.retrieved += len(page.Items)
		cpPage := run.page
		if cpPage > *run.totalPages {
			cpPage = *run.totalPages
		}
		status, err := w.checkpoint(ctx, models.Checkpoint{
			TaskID:          task.ID,
			CurrentPage:     cpPage,
			ItemsRetrieved:  run.retrieved,
			TotalPages:      run.totalPages,
			TotalItemsFound: run.totalFound,
		}, logger)
		if err != nil {
			if errors.Is(err, storage.ErrTaskNotOwned) {
				res.Outcome = OutcomeReleased
				logger.Warn("task taken away mid-run, stopping")
				return res
			}
			return w.interrupted(ctx, runCtx, res, task, logger, err)
		}
		task.CurrentPage = cpPage
		task.ItemsRetrieved = run.retrieved
		task.TotalPages = run.totalPages
		task.TotalItemsFound = run.totalFound

		if status == models.TaskStatusPaused {
			res.Outcome = OutcomePaused
			logger.Info("pause observed at checkpoint", zap.Int("page", cpPage))
			w.progress(ctx, task, models.LogLevelInfo, fmt.Sprintf("paused after page %d", cpPage))
			return res
		}
		if run.page >= *run.totalPages {
			break
		}

		run.page++
		if err := w.sleep(runCtx, w.opts.PageDelay); err != nil {
			return w.interrupted(ctx, runCtx, res, task, logger, err)
		}
	}

	return w.complete(ctx, res, task, logger)
}

// fetch runs one page through the gate with in-place retries for
// transient failures.
func (w *HarvestWorker) fetch(ctx context.Context, gate Gate, src scraper.Source, f scraper.Filters, run *pageRun) (*scraper.Page, error) {
	for attempt := 0; ; attempt++ {
		if err := gate.Acquire(ctx); err != nil {
			return nil, err
		}

		reqCtx, cancel := ctx, context.CancelFunc(func() {})
		if w.opts.RequestTimeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, w.opts.RequestTimeout)
		}
		page, err := src.FetchPage(reqCtx, f, run.page, run.task.ItemsPerPage)
		cancel()

		if err == nil {
			w.metrics.PageFetched(src.ID())
			if rerr := gate.Relax(ctx); rerr != nil {
				run.logger.Warn("relax rate limiter", zap.Error(rerr))
			}
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = &models.TransportError{Retryable: true, Err: fmt.Errorf("request timed out after %s", w.opts.RequestTimeout)}
		}

		w.metrics.SourceError(src.ID(), errorKind(err))
		var rate *models.RateExceededError
		if errors.As(err, &rate) {
			if perr := gate.Penalize(ctx, rate.RetryAfter); perr != nil {
				run.logger.Warn("penalize rate limiter", zap.Error(perr))
			}
		}

		if !models.IsPageRetryable(err) || attempt >= w.opts.PageRetries {
			return nil, err
		}
		delay := backoff(attempt, w.opts.RetryBase, time.Minute)
		run.logger.Warn("page fetch failed, retrying",
			zap.Int("page", run.page),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if serr := w.sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}
}

func (w *HarvestWorker) save(ctx context.Context, task *models.Task, items []models.ListingItem) error {
	if len(items) == 0 {
		return nil
	}
	now := w.now()
	records := make([]*models.HarvestedRecord, 0, len(items))
	for i := range items {
		r := models.NewHarvestedRecord(task, &items[i], now)
		r.ExternalID = identity.ExternalID(&items[i])
		r.PayloadHash = identity.PayloadHash(&items[i])
		records = append(records, r)
	}

	if batch, ok := w.sink.(BatchSink); ok {
		if err := batch.UpsertRecords(ctx, records); err != nil {
			return asSinkError(err, "")
		}
	} else {
		for _, r := range records {
			if err := w.sink.UpsertRecord(ctx, r); err != nil {
				return asSinkError(err, r.ExternalID)
			}
		}
	}
	w.metrics.RecordsSaved(task.SourceID, len(records))
	return nil
}

func (w *HarvestWorker) archive(ctx context.Context, task *models.Task, page int, body []byte, logger *zap.Logger) {
	if w.archiver == nil || len(body) == 0 {
		return
	}
	if err := w.archiver.ArchivePage(ctx, task.JobID, task.ID, page, body); err != nil {
		logger.Warn("archive page", zap.Int("page", page), zap.Error(err))
	}
}

func (w *HarvestWorker) checkpoint(ctx context.Context, cp models.Checkpoint, logger *zap.Logger) (models.TaskStatus, error) {
	var status models.TaskStatus
	err := retryTransition(ctx, w.sleep, logger, "checkpoint", func(ctx context.Context) error {
		var err error
		status, err = w.store.SaveCheckpoint(ctx, w.id, cp, w.now())
		return err
	})
	return status, err
}

// interrupted routes a run-ending error: shutdown and budget exhaustion
// hand the task back, anything else is charged as a failed attempt.
func (w *HarvestWorker) interrupted(ctx, runCtx context.Context, res ExecutionResult, task *models.Task, logger *zap.Logger, err error) ExecutionResult {
	switch {
	case ctx.Err() != nil:
		return w.yield(ctx, res, task, logger, "shutdown")
	case runCtx.Err() != nil:
		return w.yield(ctx, res, task, logger, "wall-clock budget exhausted")
	}
	return w.fail(ctx, res, task, logger, err, models.EffectiveMaxRetries(err, task.MaxRetries))
}

func (w *HarvestWorker) yield(ctx context.Context, res ExecutionResult, task *models.Task, logger *zap.Logger, reason string) ExecutionResult {
	tctx, cancel := transitionContext(ctx)
	defer cancel()

	err := retryTransition(tctx, w.sleep, logger, "yield", func(ctx context.Context) error {
		return w.store.YieldTask(ctx, task.ID, w.id, w.now())
	})
	switch {
	case errors.Is(err, storage.ErrTaskNotOwned):
		res.Outcome = OutcomeReleased
		return res
	case err != nil:
		res.Outcome = OutcomeYielded
		res.Err = err
		logger.Error("yield task", zap.Error(err))
		return res
	}

	res.Outcome = OutcomeYielded
	logger.Info("task yielded", zap.String("reason", reason), zap.Int("current_page", task.CurrentPage))
	w.progress(tctx, task, models.LogLevelInfo, fmt.Sprintf("yielded at page %d: %s", task.CurrentPage, reason))
	return res
}

func (w *HarvestWorker) fail(ctx context.Context, res ExecutionResult, task *models.Task, logger *zap.Logger, cause error, maxRetries int) ExecutionResult {
	res.Err = cause
	ctx, cancel := transitionContext(ctx)
	defer cancel()

	var status models.TaskStatus
	err := retryTransition(ctx, w.sleep, logger, "fail", func(ctx context.Context) error {
		var err error
		status, err = w.store.FailTask(ctx, task.ID, w.id, cause.Error(), maxRetries, w.now())
		return err
	})
	switch {
	case errors.Is(err, storage.ErrTaskNotOwned):
		res.Outcome = OutcomeReleased
		return res
	case err != nil:
		logger.Error("record task failure", zap.Error(err), zap.NamedError("cause", cause))
		res.Outcome = OutcomeRetrying
		return res
	}

	if status == models.TaskStatusFailed {
		res.Outcome = OutcomeFailed
		logger.Error("task failed", zap.Int("attempts", task.RetryCount+1), zap.Error(cause))
		w.progress(ctx, task, models.LogLevelError, "failed: "+cause.Error())
	} else {
		res.Outcome = OutcomeRetrying
		logger.Warn("task attempt failed, will retry", zap.Int("retry_count", task.RetryCount+1), zap.Error(cause))
		w.progress(ctx, task, models.LogLevelWarn, "attempt failed: "+cause.Error())
	}
	return res
}

func (w *HarvestWorker) complete(ctx context.Context, res ExecutionResult, task *models.Task, logger *zap.Logger) ExecutionResult {
	ctx, cancel := transitionContext(ctx)
	defer cancel()

	var job *models.Job
	err := retryTransition(ctx, w.sleep, logger, "complete", func(ctx context.Context) error {
		var err error
		job, err = w.store.CompleteTask(ctx, task.ID, w.id, w.now())
		return err
	})
	switch {
	case errors.Is(err, storage.ErrTaskNotOwned):
		res.Outcome = OutcomeReleased
		return res
	case err != nil:
		// The final checkpoint is stored; a later claim completes it
		// without fetching again.
		res.Outcome = OutcomeYielded
		res.Err = err
		logger.Error("complete task", zap.Error(err))
		return res
	}

	res.Outcome = OutcomeCompleted
	res.Job = job
	logger.Info("task completed",
		zap.Int("items", task.ItemsRetrieved),
		zap.String("job_status", string(job.Status)),
		zap.Int("job_completed", job.TasksCompleted),
		zap.Int("job_total", job.TotalTasks))
	w.progress(ctx, task, models.LogLevelInfo, fmt.Sprintf("completed with %d items", task.ItemsRetrieved))
	return res
}

func (w *HarvestWorker) progress(ctx context.Context, task *models.Task, level models.LogLevel, msg string) {
	if err := w.logFunc(ctx, task.JobID, task.ID, level, msg); err != nil {
		w.logger.Debug("write harvest log", zap.Error(err))
	}
}

// transitionContext outlives a cancelled parent so that a task being
// handed back on shutdown still lands.
func transitionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
}

func asSinkError(err error, externalID string) error {
	var sinkErr *models.SinkError
	if errors.As(err, &sinkErr) {
		return err
	}
	return &models.SinkError{ExternalID: externalID, Err: err}
}

func errorKind(err error) string {
	var (
		rate      *models.RateExceededError
		transport *models.TransportError
		malformed *models.MalformedResponseError
	)
	switch {
	case errors.As(err, &rate):
		return "rate_exceeded"
	case errors.As(err, &transport):
		return "transport"
	case errors.As(err, &malformed):
		return "malformed"
	}
	return "other"
}
