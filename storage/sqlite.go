package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"listing_harvester/models"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrTaskNotOwned     = errors.New("task is no longer held by this worker")
	ErrInvalidState     = errors.New("invalid state transition")
	ErrAlreadySpawned   = errors.New("recurrence already spawned")
	errCounterImbalance = errors.New("job counters out of balance")
)

const dateLayout = "2006-01-02"

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the task/job store. Transactions begin IMMEDIATE so
// the write lock is taken up front and conditional updates cannot race.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		source_id TEXT NOT NULL,
		seller_ids JSON NOT NULL,
		keywords JSON,
		date_start TEXT NOT NULL,
		date_end TEXT NOT NULL,
		grid_unit TEXT NOT NULL,
		status_filter TEXT NOT NULL DEFAULT '',
		listing_type_filter TEXT NOT NULL DEFAULT '',
		items_per_page INTEGER NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		status TEXT NOT NULL DEFAULT 'pending',
		total_tasks INTEGER NOT NULL DEFAULT 0,
		tasks_pending INTEGER NOT NULL DEFAULT 0,
		tasks_processing INTEGER NOT NULL DEFAULT 0,
		tasks_completed INTEGER NOT NULL DEFAULT 0,
		tasks_failed INTEGER NOT NULL DEFAULT 0,
		tasks_paused INTEGER NOT NULL DEFAULT 0,
		total_items_found INTEGER NOT NULL DEFAULT 0,
		total_items_saved INTEGER NOT NULL DEFAULT 0,
		recurrence TEXT NOT NULL DEFAULT 'once',
		parent_job_id TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		next_execution_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		keyword TEXT,
		date_start TEXT NOT NULL,
		date_end TEXT NOT NULL,
		status_filter TEXT NOT NULL DEFAULT '',
		listing_type_filter TEXT NOT NULL DEFAULT '',
		items_per_page INTEGER NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		current_page INTEGER NOT NULL DEFAULT 0,
		total_pages INTEGER,
		total_items_found INTEGER,
		items_retrieved INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		last_error TEXT NOT NULL DEFAULT '',
		worker_id TEXT NOT NULL DEFAULT '',
		recurrence TEXT NOT NULL DEFAULT 'once',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME,
		next_execution_at DATETIME,
		FOREIGN KEY (job_id) REFERENCES jobs(id)
	);

	CREATE TABLE IF NOT EXISTS call_budget (
		source_id TEXT PRIMARY KEY,
		quota INTEGER NOT NULL,
		window_ms INTEGER NOT NULL,
		calls_in_window INTEGER NOT NULL DEFAULT 0,
		window_start INTEGER,
		last_call_at INTEGER,
		backoff_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS call_log (
		id INTEGER PRIMARY KEY,
		source_id TEXT NOT NULL,
		called_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS harvested_records (
		task_id TEXT NOT NULL,
		external_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		title TEXT,
		seller_id TEXT,
		price REAL,
		currency TEXT,
		item_condition TEXT,
		category TEXT,
		listed_at DATETIME,
		ends_at DATETIME,
		url TEXT,
		raw JSON,
		payload_hash TEXT NOT NULL,
		harvested_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (task_id, external_id)
	);

	CREATE TABLE IF NOT EXISTS harvest_logs (
		id INTEGER PRIMARY KEY,
		job_id TEXT,
		task_id TEXT,
		timestamp DATETIME,
		level TEXT,
		message TEXT
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		command TEXT,
		params JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		processed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, priority DESC, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_job ON tasks(job_id, status);
	CREATE INDEX IF NOT EXISTS idx_jobs_next_exec ON jobs(next_execution_at) WHERE next_execution_at IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_call_log_source ON call_log(source_id, called_at);
	CREATE INDEX IF NOT EXISTS idx_records_job ON harvested_records(job_id);
	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at) WHERE processed_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_logs_task ON harvest_logs(task_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// withTx runs fn inside one immediate transaction.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const jobColumns = `id, name, source_id, seller_ids, keywords, date_start, date_end, grid_unit,
	status_filter, listing_type_filter, items_per_page, priority, max_retries, status,
	total_tasks, tasks_pending, tasks_processing, tasks_completed, tasks_failed, tasks_paused,
	total_items_found, total_items_saved, recurrence, parent_job_id,
	created_at, started_at, completed_at, next_execution_at`

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var sellers string
	var keywords sql.NullString
	var dateStart, dateEnd string
	err := row.Scan(&j.ID, &j.Name, &j.SourceID, &sellers, &keywords, &dateStart, &dateEnd, &j.GridUnit,
		&j.StatusFilter, &j.ListingTypeFilter, &j.ItemsPerPage, &j.Priority, &j.MaxRetries, &j.Status,
		&j.TotalTasks, &j.TasksPending, &j.TasksProcessing, &j.TasksCompleted, &j.TasksFailed, &j.TasksPaused,
		&j.TotalItemsFound, &j.TotalItemsSaved, &j.Recurrence, &j.ParentJobID,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.NextExecutionAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sellers), &j.SellerIDs); err != nil {
		return nil, fmt.Errorf("job %s seller_ids: %w", j.ID, err)
	}
	if keywords.Valid && keywords.String != "" {
		if err := json.Unmarshal([]byte(keywords.String), &j.Keywords); err != nil {
			return nil, fmt.Errorf("job %s keywords: %w", j.ID, err)
		}
	}
	if j.DateStart, err = time.Parse(dateLayout, dateStart); err != nil {
		return nil, err
	}
	if j.DateEnd, err = time.Parse(dateLayout, dateEnd); err != nil {
		return nil, err
	}
	return &j, nil
}

const taskColumns = `id, job_id, source_id, seller_id, keyword, date_start, date_end,
	status_filter, listing_type_filter, items_per_page, priority, current_page, total_pages,
	total_items_found, items_retrieved, status, retry_count, max_retries, last_error, worker_id,
	recurrence, created_at, started_at, updated_at, completed_at, next_execution_at`

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var dateStart, dateEnd string
	var totalPages, totalFound sql.NullInt64
	err := row.Scan(&t.ID, &t.JobID, &t.SourceID, &t.SellerID, &t.Keyword, &dateStart, &dateEnd,
		&t.StatusFilter, &t.ListingTypeFilter, &t.ItemsPerPage, &t.Priority, &t.CurrentPage, &totalPages,
		&totalFound, &t.ItemsRetrieved, &t.Status, &t.RetryCount, &t.MaxRetries, &t.LastError, &t.WorkerID,
		&t.Recurrence, &t.CreatedAt, &t.StartedAt, &t.UpdatedAt, &t.CompletedAt, &t.NextExecutionAt)
	if err != nil {
		return nil, err
	}
	if totalPages.Valid {
		v := int(totalPages.Int64)
		t.TotalPages = &v
	}
	if totalFound.Valid {
		v := int(totalFound.Int64)
		t.TotalItemsFound = &v
	}
	if t.DateStart, err = time.Parse(dateLayout, dateStart); err != nil {
		return nil, err
	}
	if t.DateEnd, err = time.Parse(dateLayout, dateEnd); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateJobWithTasks persists a job and all of its tasks atomically. When
// the job was spawned by a recurrence, the parent's next_execution_at is
// cleared in the same transaction so a recurrence fires at most once.
func (s *SQLiteStore) CreateJobWithTasks(ctx context.Context, job *models.Job, tasks []*models.Task) error {
	sellers, err := json.Marshal(job.SellerIDs)
	if err != nil {
		return err
	}
	var keywords any
	if len(job.Keywords) > 0 {
		b, err := json.Marshal(job.Keywords)
		if err != nil {
			return err
		}
		keywords = string(b)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if job.ParentJobID != nil {
			res, err := tx.ExecContext(ctx, `
				UPDATE jobs SET next_execution_at = NULL
				WHERE id = ? AND next_execution_at IS NOT NULL`, *job.ParentJobID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrAlreadySpawned
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, name, source_id, seller_ids, keywords, date_start, date_end, grid_unit,
				status_filter, listing_type_filter, items_per_page, priority, max_retries, status,
				total_tasks, tasks_pending, recurrence, parent_job_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.Name, job.SourceID, string(sellers), keywords,
			job.DateStart.Format(dateLayout), job.DateEnd.Format(dateLayout), job.GridUnit,
			job.StatusFilter, job.ListingTypeFilter, job.ItemsPerPage, job.Priority, job.MaxRetries, job.Status,
			job.TotalTasks, job.TasksPending, job.Recurrence, job.ParentJobID, job.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO tasks (id, job_id, source_id, seller_id, keyword, date_start, date_end,
				status_filter, listing_type_filter, items_per_page, priority, status, retry_count,
				max_retries, recurrence, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, t := range tasks {
			created := t.CreatedAt.UTC()
			if _, err := stmt.ExecContext(ctx, t.ID, t.JobID, t.SourceID, t.SellerID, t.Keyword,
				t.DateStart.Format(dateLayout), t.DateEnd.Format(dateLayout),
				t.StatusFilter, t.ListingTypeFilter, t.ItemsPerPage, t.Priority, t.Status, t.RetryCount,
				t.MaxRetries, t.Recurrence, created, created); err != nil {
				return fmt.Errorf("insert task %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return j, err
}

func (s *SQLiteStore) ListJobs(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

type TaskFilter struct {
	JobID  string
	Status models.TaskStatus
	Limit  int
}

func (s *SQLiteStore) ListTasks(ctx context.Context, f TaskFilter) ([]models.Task, error) {
	var where []string
	var args []any
	if f.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, f.JobID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date_start, seller_id, rowid"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ClaimNextPendingTask moves the highest-priority, oldest pending task to
// processing on behalf of workerID. It returns nil when nothing is pending.
func (s *SQLiteStore) ClaimNextPendingTask(ctx context.Context, workerID string, now time.Time) (*models.Task, error) {
	now = now.UTC()
	var claimed *models.Task

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var id, jobID string
		err := tx.QueryRowContext(ctx, `
			SELECT id, job_id FROM tasks
			WHERE status = 'pending'
			ORDER BY priority DESC, created_at ASC, rowid ASC
			LIMIT 1`).Scan(&id, &jobID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'processing', worker_id = ?, started_at = ?, updated_at = ?
			WHERE id = ? AND status = 'pending'`, workerID, now, now, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		if err := applyJobDeltas(ctx, tx, jobID,
			models.Transition(models.TaskStatusPending, models.TaskStatusProcessing)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'running', started_at = COALESCE(started_at, ?)
			WHERE id = ? AND status = 'pending'`, now, jobID); err != nil {
			return err
		}

		claimed, err = scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return claimed, nil
}

// SaveCheckpoint records pagination progress and heartbeats the task. It
// is accepted while the task is processing or paused by its holder, and
// returns the status so the caller can observe a pause.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, workerID string, cp models.Checkpoint, now time.Time) (models.TaskStatus, error) {
	var status models.TaskStatus
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET current_page = ?, items_retrieved = ?,
				total_pages = COALESCE(?, total_pages),
				total_items_found = COALESCE(?, total_items_found),
				updated_at = ?
			WHERE id = ? AND worker_id = ? AND status IN ('processing', 'paused')
				AND current_page <= ?`,
			cp.CurrentPage, cp.ItemsRetrieved, cp.TotalPages, cp.TotalItemsFound, now.UTC(),
			cp.TaskID, workerID, cp.CurrentPage)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrTaskNotOwned
		}
		return tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, cp.TaskID).Scan(&status)
	})
	return status, err
}

// TaskStatus reads the current status and holder of a task.
func (s *SQLiteStore) TaskStatus(ctx context.Context, taskID string) (models.TaskStatus, string, error) {
	var status models.TaskStatus
	var worker string
	err := s.db.QueryRowContext(ctx, `SELECT status, worker_id FROM tasks WHERE id = ?`, taskID).Scan(&status, &worker)
	if err == sql.ErrNoRows {
		return "", "", ErrNotFound
	}
	return status, worker, err
}

// CompleteTask marks a processing task completed and folds its totals into
// the job. It returns the job as it stands after the transition.
func (s *SQLiteStore) CompleteTask(ctx context.Context, taskID, workerID string, now time.Time) (*models.Job, error) {
	now = now.UTC()
	var job *models.Job

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var jobID string
		var retrieved int
		var found sql.NullInt64
		var recurrence models.Recurrence
		err := tx.QueryRowContext(ctx, `
			SELECT job_id, items_retrieved, total_items_found, recurrence FROM tasks
			WHERE id = ? AND status = 'processing' AND worker_id = ?`, taskID, workerID).
			Scan(&jobID, &retrieved, &found, &recurrence)
		if err == sql.ErrNoRows {
			return ErrTaskNotOwned
		}
		if err != nil {
			return err
		}

		var next any
		if t, ok := recurrence.Next(now); ok {
			next = t
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'completed', completed_at = ?, updated_at = ?, last_error = '',
				next_execution_at = ?
			WHERE id = ?`, now, now, next, taskID); err != nil {
			return err
		}

		d := models.Transition(models.TaskStatusProcessing, models.TaskStatusCompleted)
		d.ItemsFound = int(found.Int64)
		d.ItemsSaved = retrieved
		if err := applyJobDeltas(ctx, tx, jobID, d); err != nil {
			return err
		}
		job, err = finalizeJob(ctx, tx, jobID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// FailTask records a failed attempt. The task goes back to pending with
// its checkpoint intact while retries remain, otherwise it fails for good.
func (s *SQLiteStore) FailTask(ctx context.Context, taskID, workerID, lastErr string, maxRetries int, now time.Time) (models.TaskStatus, error) {
	now = now.UTC()
	var status models.TaskStatus

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var jobID string
		var retries int
		err := tx.QueryRowContext(ctx, `
			SELECT job_id, retry_count FROM tasks
			WHERE id = ? AND status = 'processing' AND worker_id = ?`, taskID, workerID).
			Scan(&jobID, &retries)
		if err == sql.ErrNoRows {
			return ErrTaskNotOwned
		}
		if err != nil {
			return err
		}

		retries++
		if retries <= maxRetries {
			status = models.TaskStatusPending
			_, err = tx.ExecContext(ctx, `
				UPDATE tasks SET status = 'pending', retry_count = ?, last_error = ?, worker_id = '', updated_at = ?
				WHERE id = ?`, retries, lastErr, now, taskID)
		} else {
			status = models.TaskStatusFailed
			_, err = tx.ExecContext(ctx, `
				UPDATE tasks SET status = 'failed', retry_count = ?, last_error = ?, completed_at = ?, updated_at = ?
				WHERE id = ?`, retries, lastErr, now, now, taskID)
		}
		if err != nil {
			return err
		}

		if err := applyJobDeltas(ctx, tx, jobID, models.Transition(models.TaskStatusProcessing, status)); err != nil {
			return err
		}
		_, err = finalizeJob(ctx, tx, jobID, now)
		return err
	})
	return status, err
}

// YieldTask hands a processing task back to the queue without charging a
// retry, keeping its checkpoint.
func (s *SQLiteStore) YieldTask(ctx context.Context, taskID, workerID string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var jobID string
		err := tx.QueryRowContext(ctx, `
			SELECT job_id FROM tasks WHERE id = ? AND status = 'processing' AND worker_id = ?`,
			taskID, workerID).Scan(&jobID)
		if err == sql.ErrNoRows {
			return ErrTaskNotOwned
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'pending', worker_id = '', updated_at = ? WHERE id = ?`,
			now.UTC(), taskID); err != nil {
			return err
		}
		return applyJobDeltas(ctx, tx, jobID, models.Transition(models.TaskStatusProcessing, models.TaskStatusPending))
	})
}

// PauseTask parks a pending or processing task. A running executor sees
// the pause at its next checkpoint.
func (s *SQLiteStore) PauseTask(ctx context.Context, taskID string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return setTaskStatus(ctx, tx, taskID, now, models.TaskStatusPaused,
			models.TaskStatusPending, models.TaskStatusProcessing)
	})
}

// ResumeTask returns a paused task to pending. The holder is cleared so a
// stale executor cannot keep writing to it.
func (s *SQLiteStore) ResumeTask(ctx context.Context, taskID string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return setTaskStatus(ctx, tx, taskID, now, models.TaskStatusPending, models.TaskStatusPaused)
	})
}

func (s *SQLiteStore) PauseJob(ctx context.Context, jobID string, now time.Time) (int, error) {
	var paused int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status models.JobStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		if status == models.JobStatusCompleted || status == models.JobStatusFailed {
			return fmt.Errorf("pause job %s in state %s: %w", jobID, status, ErrInvalidState)
		}

		ids, err := taskIDsWithStatus(ctx, tx, jobID, models.TaskStatusPending, models.TaskStatusProcessing)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := setTaskStatus(ctx, tx, id, now, models.TaskStatusPaused,
				models.TaskStatusPending, models.TaskStatusProcessing); err != nil {
				return err
			}
		}
		paused = len(ids)
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'paused' WHERE id = ?`, jobID)
		return err
	})
	return paused, err
}

func (s *SQLiteStore) ResumeJob(ctx context.Context, jobID string, now time.Time) (int, error) {
	var resumed int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status models.JobStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}

		ids, err := taskIDsWithStatus(ctx, tx, jobID, models.TaskStatusPaused)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := setTaskStatus(ctx, tx, id, now, models.TaskStatusPending, models.TaskStatusPaused); err != nil {
				return err
			}
		}
		resumed = len(ids)
		if status == models.JobStatusPaused {
			_, err = tx.ExecContext(ctx, `
				UPDATE jobs SET status = CASE WHEN started_at IS NULL THEN 'pending' ELSE 'running' END
				WHERE id = ?`, jobID)
		}
		return err
	})
	return resumed, err
}

// RequeueStaleTasks returns processing tasks whose heartbeat is older than
// cutoff to pending. Their executors are presumed dead.
func (s *SQLiteStore) RequeueStaleTasks(ctx context.Context, cutoff, now time.Time) (int, error) {
	var requeued int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, job_id FROM tasks WHERE status = 'processing' AND updated_at < ?`, cutoff.UTC())
		if err != nil {
			return err
		}
		type stale struct{ id, jobID string }
		var found []stale
		for rows.Next() {
			var st stale
			if err := rows.Scan(&st.id, &st.jobID); err != nil {
				rows.Close()
				return err
			}
			found = append(found, st)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, st := range found {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = 'pending', worker_id = '', updated_at = ?,
					last_error = 'requeued after stale heartbeat'
				WHERE id = ?`, now.UTC(), st.id); err != nil {
				return err
			}
			if err := applyJobDeltas(ctx, tx, st.jobID,
				models.Transition(models.TaskStatusProcessing, models.TaskStatusPending)); err != nil {
				return err
			}
		}
		requeued = len(found)
		return nil
	})
	return requeued, err
}

// IncrementJobCounters applies deltas to a job and finalizes it if every
// task has reached a terminal state.
func (s *SQLiteStore) IncrementJobCounters(ctx context.Context, jobID string, d models.JobDeltas, now time.Time) (*models.Job, error) {
	var job *models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := applyJobDeltas(ctx, tx, jobID, d); err != nil {
			return err
		}
		var err error
		job, err = finalizeJob(ctx, tx, jobID, now.UTC())
		return err
	})
	return job, err
}

// DueRecurrences lists finished jobs whose next execution time has come.
func (s *SQLiteStore) DueRecurrences(ctx context.Context, now time.Time) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE next_execution_at IS NOT NULL AND next_execution_at <= ?
			AND status IN ('completed', 'failed')
		ORDER BY next_execution_at`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func applyJobDeltas(ctx context.Context, ex execer, jobID string, d models.JobDeltas) error {
	res, err := ex.ExecContext(ctx, `
		UPDATE jobs SET
			tasks_pending = tasks_pending + ?,
			tasks_processing = tasks_processing + ?,
			tasks_completed = tasks_completed + ?,
			tasks_failed = tasks_failed + ?,
			tasks_paused = tasks_paused + ?,
			total_items_found = total_items_found + ?,
			total_items_saved = total_items_saved + ?
		WHERE id = ?`,
		d.Pending, d.Processing, d.Completed, d.Failed, d.Paused, d.ItemsFound, d.ItemsSaved, jobID)
	if err != nil {
		return fmt.Errorf("job counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// finalizeJob closes a job once every task is completed or failed and
// schedules its next run when it recurs.
func finalizeJob(ctx context.Context, tx *sql.Tx, jobID string, now time.Time) (*models.Job, error) {
	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if err != nil {
		return nil, err
	}
	if !job.CountersBalanced() {
		return nil, fmt.Errorf("job %s: %w", jobID, errCounterImbalance)
	}
	if job.IsTerminal() || job.TasksCompleted+job.TasksFailed != job.TotalTasks {
		return job, nil
	}

	job.Status = models.JobStatusCompleted
	if job.TasksFailed > 0 {
		job.Status = models.JobStatusFailed
	}
	job.CompletedAt = &now
	job.NextExecutionAt = nil
	if next, ok := job.Recurrence.Next(now); ok {
		job.NextExecutionAt = &next
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, completed_at = ?, next_execution_at = ? WHERE id = ?`,
		job.Status, now, job.NextExecutionAt, jobID)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func setTaskStatus(ctx context.Context, tx *sql.Tx, taskID string, now time.Time, to models.TaskStatus, from ...models.TaskStatus) error {
	var jobID string
	var current models.TaskStatus
	err := tx.QueryRowContext(ctx, `SELECT job_id, status FROM tasks WHERE id = ?`, taskID).Scan(&jobID, &current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if current == to {
		return nil
	}

	allowed := false
	for _, f := range from {
		if current == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("task %s %s -> %s: %w", taskID, current, to, ErrInvalidState)
	}

	query := `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	if to == models.TaskStatusPending {
		query = `UPDATE tasks SET status = ?, updated_at = ?, worker_id = '' WHERE id = ? AND status = ?`
	}
	if _, err := tx.ExecContext(ctx, query, to, now.UTC(), taskID, current); err != nil {
		return err
	}
	return applyJobDeltas(ctx, tx, jobID, models.Transition(current, to))
}

func taskIDsWithStatus(ctx context.Context, tx *sql.Tx, jobID string, statuses ...models.TaskStatus) ([]string, error) {
	placeholders := make([]string, len(statuses))
	args := []any{jobID}
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, st)
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM tasks WHERE job_id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
