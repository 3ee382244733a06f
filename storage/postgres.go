package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"listing_harvester/models"
)

// PostgresStore is the production result sink.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS harvested_records (
			task_id TEXT NOT NULL,
			external_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			title TEXT,
			seller_id TEXT,
			price NUMERIC(14, 2),
			currency TEXT,
			item_condition TEXT,
			category TEXT,
			listed_at TIMESTAMPTZ,
			ends_at TIMESTAMPTZ,
			url TEXT,
			raw JSONB,
			payload_hash TEXT NOT NULL,
			harvested_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (task_id, external_id)
		);
		CREATE INDEX IF NOT EXISTS idx_harvested_records_job ON harvested_records (job_id);
		CREATE INDEX IF NOT EXISTS idx_harvested_records_seller ON harvested_records (seller_id, listed_at);
	`)
	return err
}

const upsertRecordSQL = `
	INSERT INTO harvested_records (
		task_id, external_id, job_id, title, seller_id, price, currency, item_condition, category,
		listed_at, ends_at, url, raw, payload_hash, harvested_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
	)
	ON CONFLICT (task_id, external_id) DO UPDATE SET
		title = EXCLUDED.title,
		seller_id = EXCLUDED.seller_id,
		price = EXCLUDED.price,
		currency = EXCLUDED.currency,
		item_condition = EXCLUDED.item_condition,
		category = EXCLUDED.category,
		listed_at = COALESCE(EXCLUDED.listed_at, harvested_records.listed_at),
		ends_at = COALESCE(EXCLUDED.ends_at, harvested_records.ends_at),
		url = EXCLUDED.url,
		raw = EXCLUDED.raw,
		payload_hash = EXCLUDED.payload_hash,
		updated_at = EXCLUDED.updated_at
	WHERE harvested_records.payload_hash IS DISTINCT FROM EXCLUDED.payload_hash`

func recordArgs(r *models.HarvestedRecord) []any {
	var raw any
	if len(r.Raw) > 0 {
		raw = []byte(r.Raw)
	}
	return []any{
		r.TaskID, r.ExternalID, r.JobID, r.Title, r.SellerID, r.Price, r.Currency, r.Condition, r.Category,
		r.ListedAt, r.EndsAt, r.URL, raw, r.PayloadHash, r.HarvestedAt, r.UpdatedAt,
	}
}

func (s *PostgresStore) UpsertRecord(ctx context.Context, r *models.HarvestedRecord) error {
	if _, err := s.pool.Exec(ctx, upsertRecordSQL, recordArgs(r)...); err != nil {
		return fmt.Errorf("upsert record %s/%s: %w", r.TaskID, r.ExternalID, err)
	}
	return nil
}

// UpsertRecords sends one page of records as a single batch.
func (s *PostgresStore) UpsertRecords(ctx context.Context, records []*models.HarvestedRecord) error {
	if len(records) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, r := range records {
		b.Queue(upsertRecordSQL, recordArgs(r)...)
	}

	br := s.pool.SendBatch(ctx, b)
	for _, r := range records {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("upsert record %s/%s: %w", r.TaskID, r.ExternalID, err)
		}
	}
	return br.Close()
}

func (s *PostgresStore) CountRecords(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM harvested_records WHERE task_id = $1`, taskID).Scan(&n)
	return n, err
}
