package storage

import (
	"context"
	"database/sql"

	"listing_harvester/models"
)

// UpsertRecord writes a harvested record keyed by (task_id, external_id).
// A re-harvest with an unchanged payload hash leaves the row untouched.
func (s *SQLiteStore) UpsertRecord(ctx context.Context, r *models.HarvestedRecord) error {
	var raw any
	if len(r.Raw) > 0 {
		raw = string(r.Raw)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO harvested_records (task_id, external_id, job_id, title, seller_id, price, currency,
			item_condition, category, listed_at, ends_at, url, raw, payload_hash, harvested_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, external_id) DO UPDATE SET
			title = excluded.title,
			seller_id = excluded.seller_id,
			price = excluded.price,
			currency = excluded.currency,
			item_condition = excluded.item_condition,
			category = excluded.category,
			listed_at = excluded.listed_at,
			ends_at = excluded.ends_at,
			url = excluded.url,
			raw = excluded.raw,
			payload_hash = excluded.payload_hash,
			updated_at = excluded.updated_at
		WHERE harvested_records.payload_hash <> excluded.payload_hash`,
		r.TaskID, r.ExternalID, r.JobID, r.Title, r.SellerID, r.Price, r.Currency,
		r.Condition, r.Category, utcPtr(r.ListedAt), utcPtr(r.EndsAt), r.URL, raw, r.PayloadHash,
		r.HarvestedAt.UTC(), r.UpdatedAt.UTC())
	return err
}

func (s *SQLiteStore) GetRecord(ctx context.Context, taskID, externalID string) (*models.HarvestedRecord, error) {
	var r models.HarvestedRecord
	var title, seller, currency, cond, category, url, raw sql.NullString
	var price sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, external_id, job_id, title, seller_id, price, currency, item_condition, category,
			listed_at, ends_at, url, raw, payload_hash, harvested_at, updated_at
		FROM harvested_records WHERE task_id = ? AND external_id = ?`, taskID, externalID).
		Scan(&r.TaskID, &r.ExternalID, &r.JobID, &title, &seller, &price, &currency, &cond, &category,
			&r.ListedAt, &r.EndsAt, &url, &raw, &r.PayloadHash, &r.HarvestedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Title = title.String
	r.SellerID = seller.String
	r.Price = price.Float64
	r.Currency = currency.String
	r.Condition = cond.String
	r.Category = category.String
	r.URL = url.String
	if raw.Valid {
		r.Raw = []byte(raw.String)
	}
	return &r, nil
}

// CountRecords counts stored records for a task, or for all tasks when
// taskID is empty.
func (s *SQLiteStore) CountRecords(ctx context.Context, taskID string) (int, error) {
	var n int
	var err error
	if taskID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM harvested_records`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM harvested_records WHERE task_id = ?`, taskID).Scan(&n)
	}
	return n, err
}
