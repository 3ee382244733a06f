package storage

import (
	"context"
	"database/sql"
	"time"

	"listing_harvester/models"
)

// EnsureBudget creates the budget row for a source, or refreshes its quota
// and window from configuration. Recorded calls are kept.
func (s *SQLiteStore) EnsureBudget(ctx context.Context, sourceID string, quota int, window time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_budget (source_id, quota, window_ms) VALUES (?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET quota = excluded.quota, window_ms = excluded.window_ms`,
		sourceID, quota, window.Milliseconds())
	return err
}

func (s *SQLiteStore) GetBudget(ctx context.Context, sourceID string) (*models.CallBudget, error) {
	var b models.CallBudget
	var windowMS, backoffMS int64
	var windowStart, lastCall sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT source_id, quota, window_ms, calls_in_window, window_start, last_call_at, backoff_ms
		FROM call_budget WHERE source_id = ?`, sourceID).
		Scan(&b.SourceID, &b.Quota, &windowMS, &b.CallsInWindow, &windowStart, &lastCall, &backoffMS)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Window = time.Duration(windowMS) * time.Millisecond
	b.Backoff = time.Duration(backoffMS) * time.Millisecond
	b.WindowStart = nanosToTime(windowStart)
	b.LastCallAt = nanosToTime(lastCall)
	return &b, nil
}

func (s *SQLiteStore) ListBudgets(ctx context.Context) ([]models.CallBudget, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_id FROM call_budget ORDER BY source_id`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	budgets := make([]models.CallBudget, 0, len(ids))
	for _, id := range ids {
		b, err := s.GetBudget(ctx, id)
		if err != nil {
			return nil, err
		}
		budgets = append(budgets, *b)
	}
	return budgets, nil
}

func (s *SQLiteStore) SetBackoff(ctx context.Context, sourceID string, backoff time.Duration) error {
	res, err := s.db.ExecContext(ctx, `UPDATE call_budget SET backoff_ms = ? WHERE source_id = ?`,
		backoff.Milliseconds(), sourceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LoadWindow reads the calls still inside the rolling window ending at now.
func (s *SQLiteStore) LoadWindow(ctx context.Context, sourceID string, now time.Time, window time.Duration, quota int) (models.WindowState, error) {
	return loadWindow(ctx, s.db, sourceID, now, window, quota)
}

// RecordCallIfAllowed is the only critical section of the rate limiter: it
// re-evaluates the window under the write lock and appends the call only
// if it still fits.
func (s *SQLiteStore) RecordCallIfAllowed(ctx context.Context, sourceID string, now time.Time, quota int, window, spacing time.Duration) (models.BudgetDecision, error) {
	var decision models.BudgetDecision
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cutoff := now.Add(-window).UnixNano()
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM call_log WHERE source_id = ? AND called_at <= ?`, sourceID, cutoff); err != nil {
			return err
		}

		state, err := loadWindow(ctx, tx, sourceID, now, window, quota)
		if err != nil {
			return err
		}
		decision = state.Evaluate(now, quota, window, spacing)
		if !decision.Allowed {
			return nil
		}

		at := now.UnixNano()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO call_log (source_id, called_at) VALUES (?, ?)`, sourceID, at); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE call_budget SET
				calls_in_window = ?,
				window_start = COALESCE((SELECT MIN(called_at) FROM call_log WHERE source_id = ?), ?),
				last_call_at = ?
			WHERE source_id = ?`,
			state.Calls+1, sourceID, at, at, sourceID)
		return err
	})
	return decision, err
}

// CallTimes returns recorded call times for a source in ascending order.
func (s *SQLiteStore) CallTimes(ctx context.Context, sourceID string) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT called_at FROM call_log WHERE source_id = ? ORDER BY called_at`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var ns int64
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		times = append(times, time.Unix(0, ns))
	}
	return times, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// loadWindow counts every logged call after now-window, including any
// stamped later than now by a concurrent writer, so the check errs on the
// side of waiting.
func loadWindow(ctx context.Context, q queryer, sourceID string, now time.Time, window time.Duration, quota int) (models.WindowState, error) {
	var state models.WindowState
	var backoffMS int64
	err := q.QueryRowContext(ctx, `SELECT backoff_ms FROM call_budget WHERE source_id = ?`, sourceID).Scan(&backoffMS)
	if err == sql.ErrNoRows {
		return state, ErrNotFound
	}
	if err != nil {
		return state, err
	}
	state.Backoff = time.Duration(backoffMS) * time.Millisecond

	cutoff := now.Add(-window).UnixNano()
	var last sql.NullInt64
	if err := q.QueryRowContext(ctx, `
		SELECT COUNT(*), MAX(called_at) FROM call_log WHERE source_id = ? AND called_at > ?`,
		sourceID, cutoff).Scan(&state.Calls, &last); err != nil {
		return state, err
	}
	if last.Valid {
		state.LastCall = time.Unix(0, last.Int64)
	} else if err := q.QueryRowContext(ctx, `
		SELECT MAX(called_at) FROM call_log WHERE source_id = ?`, sourceID).Scan(&last); err == nil && last.Valid {
		state.LastCall = time.Unix(0, last.Int64)
	}

	if quota > 0 && state.Calls >= quota {
		// The call at index Calls-quota (oldest first) has to expire before
		// the window has room again.
		var expiring int64
		if err := q.QueryRowContext(ctx, `
			SELECT called_at FROM call_log WHERE source_id = ? AND called_at > ?
			ORDER BY called_at LIMIT 1 OFFSET ?`, sourceID, cutoff, state.Calls-quota).Scan(&expiring); err != nil {
			return state, err
		}
		state.Expiring = time.Unix(0, expiring)
	}
	return state, nil
}

func nanosToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}
