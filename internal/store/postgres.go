package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"renderd/internal/models"
)

// Store records terminal render jobs in Postgres for reporting. It is
// best-effort history, never on the request path, and the service runs fine
// without it.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RecordJob inserts one terminal job row.
func (s *Store) RecordJob(ctx context.Context, job models.Job, duration time.Duration) error {
	var errText *string
	if job.Error != "" {
		errText = &job.Error
	}
	var kind *string
	if job.ErrorKind != "" {
		kind = &job.ErrorKind
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO render_history (id, fingerprint, state, attempts, duration_ms, error_kind, error, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, job.ID, job.Fingerprint, string(job.State), job.Attempts, duration.Milliseconds(), kind, errText, job.CreatedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert render history: %w", err)
	}
	return nil
}

// HistorySummary aggregates recent outcomes for the stats endpoint.
type HistorySummary struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Summary counts terminal jobs recorded since the cutoff.
func (s *Store) Summary(ctx context.Context, since time.Time) (HistorySummary, error) {
	var out HistorySummary
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE state = 'completed'),
			COUNT(*) FILTER (WHERE state = 'failed')
		FROM render_history WHERE completed_at >= $1
	`, since).Scan(&out.Completed, &out.Failed)
	if err != nil {
		return HistorySummary{}, fmt.Errorf("query render history summary: %w", err)
	}
	return out, nil
}
