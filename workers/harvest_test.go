package workers

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"listing_harvester/identity"
	"listing_harvester/models"
	"listing_harvester/ratelimit"
	"listing_harvester/scraper"
	"listing_harvester/services"
	"listing_harvester/storage"
)

type fetchFunc func(ctx context.Context, f scraper.Filters, page, size int) (*scraper.Page, error)

// scriptedSource answers pages from a test-supplied function and records
// which pages were asked for.
type scriptedSource struct {
	mu    sync.Mutex
	pages []int
	fetch fetchFunc
}

func (s *scriptedSource) ID() string       { return "mock" }
func (s *scriptedSource) MaxPageSize() int { return 100 }

func (s *scriptedSource) FetchPage(ctx context.Context, f scraper.Filters, page, size int) (*scraper.Page, error) {
	s.mu.Lock()
	s.pages = append(s.pages, page)
	s.mu.Unlock()
	return s.fetch(ctx, f, page, size)
}

func (s *scriptedSource) requested() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.pages...)
}

// listing builds page `page` of a result set of `total` items.
func listing(f scraper.Filters, total, page, size int) *scraper.Page {
	p := &scraper.Page{TotalCount: total, Raw: []byte(fmt.Sprintf(`{"page":%d}`, page))}
	for i := (page - 1) * size; i < total && i < page*size; i++ {
		p.Items = append(p.Items, models.ListingItem{
			ExternalID: fmt.Sprintf("%s-%s-%d", f.SellerID, f.DateStart.Format("0102"), i),
			Title:      fmt.Sprintf("item %d", i),
			Price:      float64(10 + i),
			Currency:   "USD",
		})
	}
	return p
}

type fakeGate struct {
	mu        sync.Mutex
	acquired  int
	penalties []time.Duration
	relaxed   int
}

func (g *fakeGate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.acquired++
	return ctx.Err()
}

func (g *fakeGate) Penalize(ctx context.Context, retryAfter time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.penalties = append(g.penalties, retryAfter)
	return nil
}

func (g *fakeGate) Relax(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.relaxed++
	return nil
}

type failingSink struct{}

func (failingSink) UpsertRecord(ctx context.Context, r *models.HarvestedRecord) error {
	return errors.New("results database unavailable")
}

type archiveCall struct {
	taskID string
	page   int
}

type memoryArchiver struct {
	mu    sync.Mutex
	calls []archiveCall
}

func (a *memoryArchiver) ArchivePage(ctx context.Context, jobID, taskID string, page int, body []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, archiveCall{taskID: taskID, page: page})
	return nil
}

type harness struct {
	store  *storage.SQLiteStore
	src    *scriptedSource
	gate   *fakeGate
	worker *HarvestWorker
	jobs   *services.JobService
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newHarness(t *testing.T, fetch fetchFunc, opts Options) *harness {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "harvester.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{store: store, src: &scriptedSource{fetch: fetch}, gate: &fakeGate{}}
	if opts.WorkerID == "" {
		opts.WorkerID = "worker-1"
	}
	h.worker = NewHarvestWorker(store, []scraper.Source{h.src},
		func(ctx context.Context, sourceID string) (Gate, error) { return h.gate, nil },
		store, opts)
	h.worker.SetClock(time.Now, noSleep)
	h.worker.SetLogFunc(store.Log)

	h.jobs = services.NewJobService(store, services.Limits{
		DefaultItemsPerPage: 2,
		DefaultMaxRetries:   3,
		MaxTasksPerJob:      100,
	}, nil)
	return h
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func (h *harness) createJob(t *testing.T, start, end string, perPage, maxRetries int) (*models.Job, []models.Task) {
	t.Helper()
	ctx := context.Background()
	job, err := h.jobs.CreateJob(ctx, services.JobRequest{
		SourceID:     "mock",
		SellerIDs:    []string{"abc123"},
		DateStart:    day(start),
		DateEnd:      day(end),
		GridUnit:     models.GridDay,
		ItemsPerPage: perPage,
		MaxRetries:   &maxRetries,
	})
	require.NoError(t, err)
	tasks, err := h.store.ListTasks(ctx, storage.TaskFilter{JobID: job.ID})
	require.NoError(t, err)
	return job, tasks
}

func (h *harness) runOne(t *testing.T) ExecutionResult {
	t.Helper()
	res, err := h.worker.RunOne(context.Background())
	require.NoError(t, err)
	return res
}

func (h *harness) task(t *testing.T, id string) *models.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (h *harness) job(t *testing.T, id string) *models.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestHarvestThreeDayJob(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, f scraper.Filters, page, size int) (*scraper.Page, error) {
		return listing(f, 2, page, size), nil
	}, Options{})
	archiver := &memoryArchiver{}
	h.worker.SetArchiver(archiver)

	job, tasks := h.createJob(t, "2024-01-01", "2024-01-03", 50, 3)
	require.Len(t, tasks, 3)

	for i := 0; i < 3; i++ {
		res := h.runOne(t)
		assert.Equal(t, OutcomeCompleted, res.Outcome)
		assert.Equal(t, 1, res.PagesFetched)
		assert.Equal(t, 2, res.ItemsSaved)
	}
	assert.Equal(t, OutcomeIdle, h.runOne(t).Outcome)

	got := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 3, got.TasksCompleted)
	assert.Equal(t, 0, got.TasksPending)
	assert.Equal(t, 0, got.TasksProcessing)
	assert.Equal(t, 6, got.TotalItemsFound)
	assert.Equal(t, 6, got.TotalItemsSaved)
	assert.NotNil(t, got.CompletedAt)
	assert.True(t, got.CountersBalanced())

	n, err := h.store.CountRecords(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	for _, task := range tasks {
		done := h.task(t, task.ID)
		assert.Equal(t, models.TaskStatusCompleted, done.Status)
		assert.Equal(t, 1, done.CurrentPage)
		require.NotNil(t, done.TotalPages)
		assert.Equal(t, 1, *done.TotalPages)
	}
	assert.Len(t, archiver.calls, 3)
	assert.Equal(t, 3, h.gate.acquired)

	logs, err := h.store.ListLogs(context.Background(), tasks[0].ID, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestHarvestResumesFromCheckpoint(t *testing.T) {
	var calls int
	h := newHarness(t, func(ctx context.Context, f scraper.Filters, page, size int) (*scraper.Page, error) {
		calls++
		if calls == 2 {
			return nil, &models.TransportError{StatusCode: 503, Retryable: true, Err: errors.New("unavailable")}
		}
		return listing(f, 5, page, size), nil
	}, Options{PageRetries: 0})

	job, tasks := h.createJob(t, "2024-01-01", "2024-01-01", 2, 3)
	id := tasks[0].ID

	res := h.runOne(t)
	assert.Equal(t, OutcomeRetrying, res.Outcome)
	mid := h.task(t, id)
	assert.Equal(t, models.TaskStatusPending, mid.Status)
	assert.Equal(t, 1, mid.CurrentPage)
	assert.Equal(t, 2, mid.ItemsRetrieved)
	assert.Equal(t, 1, mid.RetryCount)
	assert.Contains(t, mid.LastError, "unavailable")

	res = h.runOne(t)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, []int{1, 2, 2, 3}, h.src.requested())

	done := h.task(t, id)
	assert.Equal(t, 3, done.CurrentPage)
	assert.Equal(t, 5, done.ItemsRetrieved)

	n, err := h.store.CountRecords(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, h.job(t, job.ID).TotalItemsSaved)
}

func TestHarvestRetryExhaustion(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, f scraper.Filters, page, size int) (*scraper.Page, error) {
		return nil, &models.TransportError{StatusCode: 502, Retryable: true, Err: errors.New("bad gateway")}
	}, Options{PageRetries: 1})

	job, tasks := h.createJob(t, "2024-01-01", "2024-01-01", 2, 2)

	assert.Equal(t, OutcomeRetrying, h.runOne(t).Outcome)
	assert.Equal(t, OutcomeRetrying, h.runOne(t).Outcome)
	assert.Equal(t, OutcomeFailed, h.runOne(t).Outcome)
	assert.Equal(t, OutcomeIdle, h.runOne(t).Outcome)

	// max_retries+1 task attempts, each with one in-place page retry.
	assert.Len(t, h.src.requested(), 6)

	failed := h.task(t, tasks[0].ID)
	assert.Equal(t, models.TaskStatusFailed, failed.Status)
	assert.Equal(t, 3, failed.RetryCount)

	got := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, 1, got.TasksFailed)
	assert.True(t, got.CountersBalanced())
}

func TestHarvestNonRetryableFailsImmediately(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, f scraper.Filters, page, size int) (*scraper.Page, error) {
		return nil, &models.TransportError{StatusCode: 401, Retryable: false, Err: errors.New("unauthorized")}
	}, Options{PageRetries: 3})

	_, tasks := h.createJob(t, "2024-01-01", "2024-01-01", 2, 3)

	assert.Equal(t, OutcomeFailed, h.runOne(t).Outcome)
	assert.Len(t, h.src.requested(), 1)
	assert.Equal(t, models.TaskStatusFailed, h.task(t, tasks[0].ID).Status)
}

func TestHarvestMalformedResponseRetriesOnce(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, f scraper.Filters, page, size int) (*scraper.Page, error) {
		return nil, &models.MalformedResponseError{Err: errors.New("unexpected end of JSON input")}
	}, Options{PageRetries: 3})

	_, tasks := h.createJob(t, "2024-01-01", "2024-01-01", 2, 5)

	assert.Equal(t, OutcomeRetrying, h.runOne(t).Outcome)
	assert.Equal(t, OutcomeFailed, h.runOne(t).Outcome)
	assert.Len(t, h.src.requested(), 2)
	assert.Equal(t, 2, h.task(t, tasks[0].ID).RetryCount)
}

func TestHarvestSinkErrorSkipsCheckpoint(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, f scraper.Filters, page, size int) (*scraper.Page, error) {
		return listing(f, 3, page, size), nil
	}, Options{})
	h.worker.sink = failingSink{}

	_, tasks := h.createJob(t, "2024-01-01", "2024-01-01", 2, 3)

	res := h.runOne(t)
	assert.Equal(t, OutcomeRetrying, res.Outcome)
	var sinkErr *models.SinkError
	assert.True(t, errors.As(res.Err, &sinkErr))

	task := h.task(t, tasks[0].ID)
	assert.Equal(t, 0, task.CurrentPage)
	assert.Equal(t, 0, task.ItemsRetrieved)
	assert.Nil(t, task.TotalPages)
}

func TestHarvestPauseObservedAtCheckpoint(t *testing.T) {
	var h *harness
	var taskID string
	h = newHarness(t, func(ctx context.Context, f scraper.Filters, page, size int) (*scraper.Page, error) {
		if page == 1 {
			require.NoError(t, h.store.PauseTask(ctx, taskID, time.Now()))
		}
		return listing(f, 6, page, size), nil
	}, Options{})

	job, tasks := h.createJob(t, "2024-01-01", "2024-01-01", 2, 3)
	taskID = tasks[0].ID

	res := h.runOne(t)
	assert.Equal(t, OutcomePaused, res.Outcome)
	paused := h.task(t, taskID)
	assert.Equal(t, models.TaskStatusPaused, paused.Status)
	assert.Equal(t, 1, paused.CurrentPage)
	assert.Equal(t, 1, h.job(t, job.ID).TasksPaused)

	assert.Equal(t, OutcomeIdle, h.runOne(t).Outcome, "paused tasks are never claimed")

	require.NoError(t, h.store.ResumeTask(context.Background(), taskID, time.Now()))
	res = h.runOne(t)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, []int{1, 2, 3}, h.src.requested())
	assert.Equal(t, 0, h.task(t, taskID).RetryCount)
}

func TestHarvestYieldsWhenBudgetRunsOut(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, f scraper.Filters, page, size int) (*scraper.Page, error) {
		if page == 2 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return listing(f, 4, page, size), nil
	}, Options{TaskBudget: 50 * time.Millisecond})

	job, tasks := h.createJob(t, "2024-01-01", "2024-01-01", 2, 3)

	res := h.runOne(t)
	assert.Equal(t, OutcomeYielded, res.Outcome)

	task := h.task(t, tasks[0].ID)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, 0, task.RetryCount)
	assert.Equal(t, 1, task.CurrentPage)
	assert.Empty(t, task.WorkerID)

	got := h.job(t, job.ID)
	assert.Equal(t, 1, got.TasksPending)
	assert.Equal(t, 0, got.TasksProcessing)
}

func TestHarvestFirstPageTotalFixesBound(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, f scraper.Filters, page, size int) (*scraper.Page, error) {
		if page == 1 {
			return listing(f, 4, page, size), nil
		}
		// The result set grew after the first page.
		return listing(f, 10, page, size), nil
	}, Options{})

	_, tasks := h.createJob(t, "2024-01-01", "2024-01-01", 2, 3)

	assert.Equal(t, OutcomeCompleted, h.runOne(t).Outcome)
	assert.Equal(t, []int{1, 2}, h.src.requested())

	task := h.task(t, tasks[0].ID)
	require.NotNil(t, task.TotalItemsFound)
	assert.Equal(t, 4, *task.TotalItemsFound)
	assert.Equal(t, 2, *task.TotalPages)
}

func TestHarvestZeroResultsCompletes(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, f scraper.Filters, page, size int) (*scraper.Page, error) {
		return &scraper.Page{TotalCount: 0}, nil
	}, Options{})

	job, tasks := h.createJob(t, "2024-01-01", "2024-01-01", 2, 3)

	assert.Equal(t, OutcomeCompleted, h.runOne(t).Outcome)
	task := h.task(t, tasks[0].ID)
	assert.Equal(t, 0, task.CurrentPage)
	assert.Equal(t, 0, *task.TotalPages)
	assert.Equal(t, models.JobStatusCompleted, h.job(t, job.ID).Status)
}

func TestHarvestRateExceededPenalizesAndRetries(t *testing.T) {
	var calls int
	h := newHarness(t, func(ctx context.Context, f scraper.Filters, page, size int) (*scraper.Page, error) {
		calls++
		if calls == 1 {
			return nil, &models.RateExceededError{RetryAfter: 3 * time.Second}
		}
		return listing(f, 1, page, size), nil
	}, Options{PageRetries: 2})

	h.createJob(t, "2024-01-01", "2024-01-01", 2, 3)

	res := h.runOne(t)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, []time.Duration{3 * time.Second}, h.gate.penalties)
	assert.Equal(t, 2, h.gate.acquired)
	assert.Equal(t, 1, h.gate.relaxed)
}

func TestHarvestUnknownSourceFails(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.worker.sources = map[string]scraper.Source{}

	_, tasks := h.createJob(t, "2024-01-01", "2024-01-01", 2, 3)

	res := h.runOne(t)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, h.task(t, tasks[0].ID).LastError, "unknown source")
}

func TestHarvestWithPersistedLimiter(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, f scraper.Filters, page, size int) (*scraper.Page, error) {
		return listing(f, 3, page, size), nil
	}, Options{})

	reg := ratelimit.NewRegistry(h.store, func(string) ratelimit.Config {
		return ratelimit.Config{Quota: 100, Window: time.Minute}
	})
	h.worker.gates = RegistryGates(reg)

	_, tasks := h.createJob(t, "2024-01-01", "2024-01-02", 2, 3)
	require.Len(t, tasks, 2)

	assert.Equal(t, OutcomeCompleted, h.runOne(t).Outcome)
	assert.Equal(t, OutcomeCompleted, h.runOne(t).Outcome)

	calls, err := h.store.CallTimes(context.Background(), "mock")
	require.NoError(t, err)
	assert.Len(t, calls, 4)
}

func TestRetryTransitionStopsOnPermanentError(t *testing.T) {
	attempts := 0
	err := retryTransition(context.Background(), noSleep, zap.NewNop(), "complete", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return storage.ErrTaskNotOwned
	})
	assert.ErrorIs(t, err, storage.ErrTaskNotOwned)
	assert.Equal(t, 3, attempts)
}

func TestBackoffIsCapped(t *testing.T) {
	assert.Equal(t, time.Second, backoff(0, time.Second, time.Minute))
	assert.Equal(t, 8*time.Second, backoff(3, time.Second, time.Minute))
	assert.Equal(t, time.Minute, backoff(20, time.Second, time.Minute))
}

func TestSaveFingerprintsItemsWithoutSourceID(t *testing.T) {
	item := models.ListingItem{Title: "Vintage Lamp", SellerID: "abc123", Price: 12, URL: "https://m.invalid/l/1"}
	h := newHarness(t, func(ctx context.Context, f scraper.Filters, page, size int) (*scraper.Page, error) {
		return &scraper.Page{TotalCount: 1, Items: []models.ListingItem{item}}, nil
	}, Options{})
	_, tasks := h.createJob(t, "2024-01-01", "2024-01-01", 10, 1)

	res := h.runOne(t)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 1, res.ItemsSaved)

	rec, err := h.store.GetRecord(context.Background(), tasks[0].ID, identity.ExternalID(&item))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.ExternalID, "fp_"))
	assert.Equal(t, identity.PayloadHash(&item), rec.PayloadHash)
}
