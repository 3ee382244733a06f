package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"listing_harvester/models"
)

// JobStore persists a job together with its tasks in one transaction.
type JobStore interface {
	CreateJobWithTasks(ctx context.Context, job *models.Job, tasks []*models.Task) error
}

// JobRequest is a broad harvesting request before decomposition.
type JobRequest struct {
	Name              string
	SourceID          string
	SellerIDs         []string
	Keywords          []string
	DateStart         time.Time
	DateEnd           time.Time
	GridUnit          models.GridUnit
	StatusFilter      string
	ListingTypeFilter string
	ItemsPerPage      int
	Priority          int
	MaxRetries        *int
	Recurrence        models.Recurrence
}

type Limits struct {
	DefaultItemsPerPage int
	DefaultMaxRetries   int
	MaxTasksPerJob      int
	// MaxPageSize returns the largest page a source accepts.
	MaxPageSize func(sourceID string) int
}

// JobService decomposes job requests into date-bounded tasks.
type JobService struct {
	store  JobStore
	limits Limits
	logger *zap.Logger
	now    func() time.Time
}

func NewJobService(store JobStore, limits Limits, logger *zap.Logger) *JobService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limits.MaxPageSize == nil {
		limits.MaxPageSize = func(string) int { return 100 }
	}
	return &JobService{store: store, limits: limits, logger: logger, now: time.Now}
}

// DateRange is an inclusive span of calendar days.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// SplitDates cuts [start, end] into consecutive cells of unit length. The
// last cell may be shorter.
func SplitDates(start, end time.Time, unit models.GridUnit) []DateRange {
	step := unit.Days()
	if step <= 0 || end.Before(start) {
		return nil
	}
	var out []DateRange
	for cur := start; !cur.After(end); cur = cur.AddDate(0, 0, step) {
		last := cur.AddDate(0, 0, step-1)
		if last.After(end) {
			last = end
		}
		out = append(out, DateRange{Start: cur, End: last})
	}
	return out
}

// CreateJob validates req, decomposes it and persists the job with all of
// its tasks, or nothing at all.
func (s *JobService) CreateJob(ctx context.Context, req JobRequest) (*models.Job, error) {
	job, tasks, err := s.Plan(req)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateJobWithTasks(ctx, job, tasks); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("source_id", job.SourceID),
		zap.Int("tasks", job.TotalTasks),
		zap.String("recurrence", string(job.Recurrence)))
	return job, nil
}

// SpawnRecurrence creates the next run of a recurring job, its window
// shifted forward by one period. The store refuses a second spawn for the
// same parent.
func (s *JobService) SpawnRecurrence(ctx context.Context, parent *models.Job) (*models.Job, error) {
	start, ok := parent.Recurrence.Next(parent.DateStart)
	if !ok {
		return nil, fmt.Errorf("job %s does not recur", parent.ID)
	}
	end, _ := parent.Recurrence.Next(parent.DateEnd)
	maxRetries := parent.MaxRetries

	job, tasks, err := s.Plan(JobRequest{
		Name:              parent.Name,
		SourceID:          parent.SourceID,
		SellerIDs:         parent.SellerIDs,
		Keywords:          parent.Keywords,
		DateStart:         start,
		DateEnd:           end,
		GridUnit:          parent.GridUnit,
		StatusFilter:      parent.StatusFilter,
		ListingTypeFilter: parent.ListingTypeFilter,
		ItemsPerPage:      parent.ItemsPerPage,
		Priority:          parent.Priority,
		MaxRetries:        &maxRetries,
		Recurrence:        parent.Recurrence,
	})
	if err != nil {
		return nil, err
	}
	parentID := parent.ID
	job.ParentJobID = &parentID

	if err := s.store.CreateJobWithTasks(ctx, job, tasks); err != nil {
		return nil, fmt.Errorf("spawn recurrence of %s: %w", parent.ID, err)
	}
	s.logger.Info("recurring job spawned",
		zap.String("job_id", job.ID),
		zap.String("parent_job_id", parent.ID),
		zap.Time("date_start", job.DateStart))
	return job, nil
}

// Plan validates req and builds the job and its tasks without persisting
// anything.
func (s *JobService) Plan(req JobRequest) (*models.Job, []*models.Task, error) {
	sourceID := strings.TrimSpace(req.SourceID)
	if sourceID == "" {
		return nil, nil, &models.ValidationError{Field: "source_id", Reason: "required"}
	}

	sellers := cleanList(req.SellerIDs)
	if len(sellers) == 0 {
		return nil, nil, &models.ValidationError{Field: "seller_ids", Reason: "at least one non-blank seller id is required"}
	}
	keywords := cleanList(req.Keywords)

	if req.DateStart.IsZero() || req.DateEnd.IsZero() {
		return nil, nil, &models.ValidationError{Field: "date_range", Reason: "start and end are required"}
	}
	start, end := calendarDay(req.DateStart), calendarDay(req.DateEnd)
	if start.After(end) {
		return nil, nil, &models.ValidationError{Field: "date_range",
			Reason: fmt.Sprintf("start %s is after end %s", start.Format("2006-01-02"), end.Format("2006-01-02"))}
	}

	unit := req.GridUnit
	if unit == "" {
		unit = models.GridDay
	}
	if unit.Days() == 0 {
		return nil, nil, &models.ValidationError{Field: "grid_unit", Reason: fmt.Sprintf("unknown unit %q", req.GridUnit)}
	}

	recurrence := req.Recurrence
	if recurrence == "" {
		recurrence = models.RecurrenceOnce
	}
	if !recurrence.Valid() {
		return nil, nil, &models.ValidationError{Field: "recurrence", Reason: fmt.Sprintf("unknown recurrence %q", req.Recurrence)}
	}

	maxPage := s.limits.MaxPageSize(sourceID)
	perPage := req.ItemsPerPage
	switch {
	case perPage < 0:
		return nil, nil, &models.ValidationError{Field: "items_per_page", Reason: "must not be negative"}
	case perPage == 0:
		perPage = s.limits.DefaultItemsPerPage
		if perPage <= 0 || perPage > maxPage {
			perPage = maxPage
		}
	case perPage > maxPage:
		return nil, nil, &models.ValidationError{Field: "items_per_page",
			Reason: fmt.Sprintf("%d exceeds the source maximum of %d", perPage, maxPage)}
	}

	maxRetries := s.limits.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 {
		return nil, nil, &models.ValidationError{Field: "max_retries", Reason: "must not be negative"}
	}

	ranges := SplitDates(start, end, unit)
	kwSlots := len(keywords)
	if kwSlots == 0 {
		kwSlots = 1
	}
	count := len(ranges) * len(sellers) * kwSlots
	if s.limits.MaxTasksPerJob > 0 && count > s.limits.MaxTasksPerJob {
		return nil, nil, &models.ValidationError{Field: "date_range",
			Reason: fmt.Sprintf("request expands to %d tasks, limit is %d", count, s.limits.MaxTasksPerJob)}
	}

	now := s.now().UTC()
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = fmt.Sprintf("%s %s..%s", sourceID, start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	job := &models.Job{
		ID:                uuid.NewString(),
		Name:              name,
		SourceID:          sourceID,
		SellerIDs:         sellers,
		Keywords:          keywords,
		DateStart:         start,
		DateEnd:           end,
		GridUnit:          unit,
		StatusFilter:      req.StatusFilter,
		ListingTypeFilter: req.ListingTypeFilter,
		ItemsPerPage:      perPage,
		Priority:          req.Priority,
		MaxRetries:        maxRetries,
		Status:            models.JobStatusPending,
		TotalTasks:        count,
		TasksPending:      count,
		Recurrence:        recurrence,
		CreatedAt:         now,
	}

	tasks := make([]*models.Task, 0, count)
	for _, r := range ranges {
		for _, seller := range sellers {
			for k := 0; k < kwSlots; k++ {
				var keyword *string
				if len(keywords) > 0 {
					kw := keywords[k]
					keyword = &kw
				}
				tasks = append(tasks, &models.Task{
					ID:                uuid.NewString(),
					JobID:             job.ID,
					SourceID:          sourceID,
					SellerID:          seller,
					Keyword:           keyword,
					DateStart:         r.Start,
					DateEnd:           r.End,
					StatusFilter:      req.StatusFilter,
					ListingTypeFilter: req.ListingTypeFilter,
					ItemsPerPage:      perPage,
					Priority:          req.Priority,
					Status:            models.TaskStatusPending,
					MaxRetries:        maxRetries,
					Recurrence:        recurrence,
					CreatedAt:         now,
					UpdatedAt:         now,
				})
			}
		}
	}

	return job, tasks, nil
}

func calendarDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func cleanList(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
