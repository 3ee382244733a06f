package models

import (
	"time"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusPaused     TaskStatus = "paused"
)

func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task is one date-bounded, seller/keyword-scoped unit of harvesting work.
// CurrentPage is the last checkpointed page (0 when nothing was fetched yet).
type Task struct {
	ID                string     `json:"id" db:"id"`
	JobID             string     `json:"job_id" db:"job_id"`
	SourceID          string     `json:"source_id" db:"source_id"`
	SellerID          string     `json:"seller_id" db:"seller_id"`
	Keyword           *string    `json:"keyword,omitempty" db:"keyword"`
	DateStart         time.Time  `json:"date_start" db:"date_start"`
	DateEnd           time.Time  `json:"date_end" db:"date_end"`
	StatusFilter      string     `json:"status_filter" db:"status_filter"`
	ListingTypeFilter string     `json:"listing_type_filter" db:"listing_type_filter"`
	ItemsPerPage      int        `json:"items_per_page" db:"items_per_page"`
	Priority          int        `json:"priority" db:"priority"`
	CurrentPage       int        `json:"current_page" db:"current_page"`
	TotalPages        *int       `json:"total_pages" db:"total_pages"`
	TotalItemsFound   *int       `json:"total_items_found" db:"total_items_found"`
	ItemsRetrieved    int        `json:"items_retrieved" db:"items_retrieved"`
	Status            TaskStatus `json:"status" db:"status"`
	RetryCount        int        `json:"retry_count" db:"retry_count"`
	MaxRetries        int        `json:"max_retries" db:"max_retries"`
	LastError         string     `json:"last_error" db:"last_error"`
	WorkerID          string     `json:"worker_id" db:"worker_id"`
	Recurrence        Recurrence `json:"recurrence" db:"recurrence"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	StartedAt         *time.Time `json:"started_at" db:"started_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at" db:"completed_at"`
	NextExecutionAt   *time.Time `json:"next_execution_at" db:"next_execution_at"`
}

// NextPage is the page a (re)claimed task fetches first.
func (t *Task) NextPage() int {
	return t.CurrentPage + 1
}

// Exhausted reports whether every known page has been checkpointed.
func (t *Task) Exhausted() bool {
	return t.TotalPages != nil && t.CurrentPage >= *t.TotalPages
}

// Checkpoint is persisted pagination progress for a task.
type Checkpoint struct {
	TaskID          string
	CurrentPage     int
	ItemsRetrieved  int
	TotalPages      *int
	TotalItemsFound *int
}

// TotalPagesFor returns ceil(total/perPage).
func TotalPagesFor(total, perPage int) int {
	if total <= 0 || perPage <= 0 {
		return 0
	}
	return (total + perPage - 1) / perPage
}
