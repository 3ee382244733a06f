package services

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing_harvester/models"
	"listing_harvester/storage"
)

type memoryJobStore struct {
	jobs  []*models.Job
	tasks []*models.Task
	err   error
}

func (m *memoryJobStore) CreateJobWithTasks(ctx context.Context, job *models.Job, tasks []*models.Task) error {
	if m.err != nil {
		return m.err
	}
	m.jobs = append(m.jobs, job)
	m.tasks = append(m.tasks, tasks...)
	return nil
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func testLimits() Limits {
	return Limits{
		DefaultItemsPerPage: 50,
		DefaultMaxRetries:   3,
		MaxTasksPerJob:      100,
		MaxPageSize:         func(string) int { return 100 },
	}
}

func TestCreateJobSingleSellerThreeDays(t *testing.T) {
	store := &memoryJobStore{}
	svc := NewJobService(store, testLimits(), nil)

	job, err := svc.CreateJob(context.Background(), JobRequest{
		SourceID:  "mock",
		SellerIDs: []string{"abc123"},
		DateStart: day("2024-01-01"),
		DateEnd:   day("2024-01-03"),
		GridUnit:  models.GridDay,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, job.TotalTasks)
	assert.Equal(t, 3, job.TasksPending)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, models.RecurrenceOnce, job.Recurrence)
	assert.Equal(t, 50, job.ItemsPerPage)
	assert.Equal(t, 3, job.MaxRetries)

	require.Len(t, store.tasks, 3)
	for i, task := range store.tasks {
		want := day("2024-01-01").AddDate(0, 0, i)
		assert.Equal(t, want, task.DateStart)
		assert.Equal(t, want, task.DateEnd)
		assert.Nil(t, task.Keyword)
		assert.Equal(t, 0, task.RetryCount)
		assert.Equal(t, models.TaskStatusPending, task.Status)
		assert.Equal(t, job.ID, task.JobID)
	}
}

func TestTaskCountFormula(t *testing.T) {
	cases := []struct {
		name     string
		sellers  []string
		keywords []string
		start    string
		end      string
		unit     models.GridUnit
		want     int
	}{
		{"one day", []string{"a"}, nil, "2024-01-01", "2024-01-01", models.GridDay, 1},
		{"two sellers two keywords", []string{"a", "b"}, []string{"x", "y"}, "2024-01-01", "2024-01-03", models.GridDay, 12},
		{"exact weeks", []string{"a"}, nil, "2024-01-01", "2024-01-14", models.GridWeek, 2},
		{"partial last week", []string{"a"}, nil, "2024-01-01", "2024-01-15", models.GridWeek, 3},
		{"week across month", []string{"a", "b"}, []string{"k"}, "2024-01-29", "2024-02-10", models.GridWeek, 4},
		{"duplicate sellers collapse", []string{"a", " a ", ""}, nil, "2024-01-01", "2024-01-02", models.GridDay, 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := NewJobService(&memoryJobStore{}, testLimits(), nil)
			job, tasks, err := svc.Plan(JobRequest{
				SourceID:  "mock",
				SellerIDs: tc.sellers,
				Keywords:  tc.keywords,
				DateStart: day(tc.start),
				DateEnd:   day(tc.end),
				GridUnit:  tc.unit,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.want, job.TotalTasks)
			assert.Len(t, tasks, tc.want)
		})
	}
}

func TestSplitDatesWeekCellsAreContiguous(t *testing.T) {
	ranges := SplitDates(day("2024-01-01"), day("2024-01-17"), models.GridWeek)
	require.Len(t, ranges, 3)
	assert.Equal(t, day("2024-01-07"), ranges[0].End)
	assert.Equal(t, day("2024-01-08"), ranges[1].Start)
	assert.Equal(t, day("2024-01-15"), ranges[2].Start)
	assert.Equal(t, day("2024-01-17"), ranges[2].End)
}

func TestCreateJobValidation(t *testing.T) {
	negative := -1
	base := func() JobRequest {
		return JobRequest{
			SourceID:  "mock",
			SellerIDs: []string{"abc123"},
			DateStart: day("2024-01-01"),
			DateEnd:   day("2024-01-03"),
			GridUnit:  models.GridDay,
		}
	}

	cases := []struct {
		name   string
		mutate func(r *JobRequest)
		field  string
	}{
		{"no sellers", func(r *JobRequest) { r.SellerIDs = nil }, "seller_ids"},
		{"blank sellers", func(r *JobRequest) { r.SellerIDs = []string{" ", ""} }, "seller_ids"},
		{"reversed dates", func(r *JobRequest) { r.DateStart = day("2024-02-01") }, "date_range"},
		{"unknown unit", func(r *JobRequest) { r.GridUnit = "fortnight" }, "grid_unit"},
		{"bad recurrence", func(r *JobRequest) { r.Recurrence = "hourly" }, "recurrence"},
		{"page too large", func(r *JobRequest) { r.ItemsPerPage = 500 }, "items_per_page"},
		{"negative retries", func(r *JobRequest) { r.MaxRetries = &negative }, "max_retries"},
		{"too many tasks", func(r *JobRequest) { r.DateEnd = day("2024-12-31") }, "date_range"},
		{"no source", func(r *JobRequest) { r.SourceID = "" }, "source_id"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &memoryJobStore{}
			svc := NewJobService(store, testLimits(), nil)
			req := base()
			tc.mutate(&req)

			_, err := svc.CreateJob(context.Background(), req)
			var verr *models.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tc.field, verr.Field)
			assert.Empty(t, store.jobs)
			assert.Empty(t, store.tasks)
		})
	}
}

func TestItemsPerPageDefaultIsCapped(t *testing.T) {
	limits := testLimits()
	limits.MaxPageSize = func(string) int { return 25 }
	svc := NewJobService(&memoryJobStore{}, limits, nil)

	job, _, err := svc.Plan(JobRequest{SourceID: "mock", SellerIDs: []string{"a"},
		DateStart: day("2024-01-01"), DateEnd: day("2024-01-01")})
	require.NoError(t, err)
	assert.Equal(t, 25, job.ItemsPerPage)
	assert.Equal(t, models.GridDay, job.GridUnit)
}

func TestCreateJobStoreFailurePersistsNothing(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer store.Close()

	svc := NewJobService(store, testLimits(), nil)
	job, err := svc.CreateJob(ctx, JobRequest{SourceID: "mock", SellerIDs: []string{"abc123"},
		DateStart: day("2024-01-01"), DateEnd: day("2024-01-03")})
	require.NoError(t, err)

	tasks, err := store.ListTasks(ctx, storage.TaskFilter{JobID: job.ID})
	require.NoError(t, err)
	assert.Len(t, tasks, 3)

	failing := NewJobService(&memoryJobStore{err: errors.New("disk full")}, testLimits(), nil)
	_, err = failing.CreateJob(ctx, JobRequest{SourceID: "mock", SellerIDs: []string{"abc123"},
		DateStart: day("2024-01-01"), DateEnd: day("2024-01-03")})
	assert.ErrorContains(t, err, "disk full")
}

func TestSpawnRecurrenceShiftsWindow(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer store.Close()

	svc := NewJobService(store, testLimits(), nil)
	parent, err := svc.CreateJob(ctx, JobRequest{SourceID: "mock", SellerIDs: []string{"abc123"},
		DateStart: day("2024-01-01"), DateEnd: day("2024-01-07"), GridUnit: models.GridWeek,
		Recurrence: models.RecurrenceWeekly})
	require.NoError(t, err)

	task, err := store.ClaimNextPendingTask(ctx, "w1", time.Now())
	require.NoError(t, err)
	_, err = store.CompleteTask(ctx, task.ID, "w1", time.Now())
	require.NoError(t, err)

	parent, err = store.GetJob(ctx, parent.ID)
	require.NoError(t, err)
	require.NotNil(t, parent.NextExecutionAt)

	child, err := svc.SpawnRecurrence(ctx, parent)
	require.NoError(t, err)
	assert.Equal(t, day("2024-01-08"), child.DateStart)
	assert.Equal(t, day("2024-01-14"), child.DateEnd)
	require.NotNil(t, child.ParentJobID)
	assert.Equal(t, parent.ID, *child.ParentJobID)
	assert.Equal(t, 1, child.TotalTasks)

	_, err = svc.SpawnRecurrence(ctx, parent)
	assert.ErrorIs(t, err, storage.ErrAlreadySpawned)
}
