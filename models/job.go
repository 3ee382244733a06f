package models

import (
	"time"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusPaused    JobStatus = "paused"
)

type GridUnit string

const (
	GridDay  GridUnit = "day"
	GridWeek GridUnit = "week"
)

// Days returns the length of one grid cell, or 0 for an unknown unit.
func (g GridUnit) Days() int {
	switch g {
	case GridDay:
		return 1
	case GridWeek:
		return 7
	default:
		return 0
	}
}

type Recurrence string

const (
	RecurrenceOnce    Recurrence = "once"
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
)

func (r Recurrence) Valid() bool {
	switch r {
	case RecurrenceOnce, RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly:
		return true
	}
	return false
}

// Next returns the time one period after t. ok is false for once.
func (r Recurrence) Next(t time.Time) (next time.Time, ok bool) {
	switch r {
	case RecurrenceDaily:
		return t.AddDate(0, 0, 1), true
	case RecurrenceWeekly:
		return t.AddDate(0, 0, 7), true
	case RecurrenceMonthly:
		return t.AddDate(0, 1, 0), true
	}
	return time.Time{}, false
}

// Job is a broad harvesting request. It owns a set of Tasks and carries
// per-state task counters that always sum to TotalTasks.
type Job struct {
	ID                string     `json:"id" db:"id"`
	Name              string     `json:"name" db:"name"`
	SourceID          string     `json:"source_id" db:"source_id"`
	SellerIDs         []string   `json:"seller_ids" db:"seller_ids"`
	Keywords          []string   `json:"keywords,omitempty" db:"keywords"`
	DateStart         time.Time  `json:"date_start" db:"date_start"`
	DateEnd           time.Time  `json:"date_end" db:"date_end"`
	GridUnit          GridUnit   `json:"grid_unit" db:"grid_unit"`
	StatusFilter      string     `json:"status_filter" db:"status_filter"`
	ListingTypeFilter string     `json:"listing_type_filter" db:"listing_type_filter"`
	ItemsPerPage      int        `json:"items_per_page" db:"items_per_page"`
	Priority          int        `json:"priority" db:"priority"`
	MaxRetries        int        `json:"max_retries" db:"max_retries"`
	Status            JobStatus  `json:"status" db:"status"`
	TotalTasks        int        `json:"total_tasks" db:"total_tasks"`
	TasksPending      int        `json:"tasks_pending" db:"tasks_pending"`
	TasksProcessing   int        `json:"tasks_processing" db:"tasks_processing"`
	TasksCompleted    int        `json:"tasks_completed" db:"tasks_completed"`
	TasksFailed       int        `json:"tasks_failed" db:"tasks_failed"`
	TasksPaused       int        `json:"tasks_paused" db:"tasks_paused"`
	TotalItemsFound   int        `json:"total_items_found" db:"total_items_found"`
	TotalItemsSaved   int        `json:"total_items_saved" db:"total_items_saved"`
	Recurrence        Recurrence `json:"recurrence" db:"recurrence"`
	ParentJobID       *string    `json:"parent_job_id,omitempty" db:"parent_job_id"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	StartedAt         *time.Time `json:"started_at" db:"started_at"`
	CompletedAt       *time.Time `json:"completed_at" db:"completed_at"`
	NextExecutionAt   *time.Time `json:"next_execution_at" db:"next_execution_at"`
}

// Progress is tasks_completed / total_tasks, as shown on the admin job list.
func (j *Job) Progress() float64 {
	if j.TotalTasks == 0 {
		return 0
	}
	return float64(j.TasksCompleted) / float64(j.TotalTasks)
}

// CountersBalanced reports whether the per-state counters sum to TotalTasks.
func (j *Job) CountersBalanced() bool {
	return j.TasksPending+j.TasksProcessing+j.TasksCompleted+j.TasksFailed+j.TasksPaused == j.TotalTasks
}

func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// JobDeltas are in-place adjustments to a Job's counters and aggregates.
type JobDeltas struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Paused     int
	ItemsFound int
	ItemsSaved int
}

// Transition returns the counter deltas for one task moving from -> to.
func Transition(from, to TaskStatus) JobDeltas {
	var d JobDeltas
	d.add(from, -1)
	d.add(to, 1)
	return d
}

func (d *JobDeltas) add(s TaskStatus, n int) {
	switch s {
	case TaskStatusPending:
		d.Pending += n
	case TaskStatusProcessing:
		d.Processing += n
	case TaskStatusCompleted:
		d.Completed += n
	case TaskStatusFailed:
		d.Failed += n
	case TaskStatusPaused:
		d.Paused += n
	}
}
