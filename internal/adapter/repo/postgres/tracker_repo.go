package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-apply-agent/internal/domain"
)

// Schema creates the applications table. Applied at startup; idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS applications (
    user_id         TEXT NOT NULL,
    job_id          TEXT NOT NULL,
    job_title       TEXT NOT NULL DEFAULT '',
    company         TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    submitted_at    TIMESTAMPTZ,
    confirmation_id TEXT NOT NULL DEFAULT '',
    error           TEXT NOT NULL DEFAULT '',
    retry_count     INT  NOT NULL DEFAULT 0,
    match_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
    match_reasoning TEXT NOT NULL DEFAULT '',
    cover_letter    TEXT NOT NULL DEFAULT '',
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, job_id)
);
CREATE INDEX IF NOT EXISTS idx_applications_user_submitted
    ON applications (user_id, submitted_at DESC)
    WHERE status = 'submitted';
CREATE INDEX IF NOT EXISTS idx_applications_user_recency
    ON applications (user_id, submitted_at DESC NULLS LAST, updated_at DESC);
`

// TrackerRepo persists application records in the applications table.
type TrackerRepo struct {
	pool *pgxpool.Pool
}

// NewTrackerRepo wraps an existing pool.
func NewTrackerRepo(pool *pgxpool.Pool) *TrackerRepo {
	return &TrackerRepo{pool: pool}
}

// EnsureSchema applies the table definition.
func (r *TrackerRepo) EnsureSchema(ctx domain.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("op=postgres.EnsureSchema: %w", err)
	}
	return nil
}

const selectColumns = `user_id, job_id, job_title, company, status, submitted_at,
confirmation_id, error, retry_count, match_score, match_reasoning, cover_letter, updated_at`

// UpsertAttempt inserts or replaces the (user_id, job_id) row. A new attempt
// over a previously failed row carries the retry count forward in SQL so
// concurrent writers stay consistent.
func (r *TrackerRepo) UpsertAttempt(ctx domain.Context, rec domain.ApplicationRecord) error {
	ctx, span := otel.Tracer("repo.postgres").Start(ctx, "tracker.upsert_attempt")
	defer span.End()
	if rec.UserID == "" || rec.JobID == "" {
		return fmt.Errorf("op=postgres.UpsertAttempt: user_id and job_id required: %w", domain.ErrInvalidArgument)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO applications (user_id, job_id, job_title, company, status, submitted_at,
    confirmation_id, error, retry_count, match_score, match_reasoning, cover_letter, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (user_id, job_id) DO UPDATE SET
    job_title = EXCLUDED.job_title,
    company = EXCLUDED.company,
    status = EXCLUDED.status,
    submitted_at = EXCLUDED.submitted_at,
    confirmation_id = EXCLUDED.confirmation_id,
    error = EXCLUDED.error,
    retry_count = CASE
        WHEN applications.status = 'failed' AND EXCLUDED.retry_count < applications.retry_count + 1
        THEN applications.retry_count + 1
        ELSE EXCLUDED.retry_count
    END,
    match_score = EXCLUDED.match_score,
    match_reasoning = EXCLUDED.match_reasoning,
    cover_letter = EXCLUDED.cover_letter,
    updated_at = EXCLUDED.updated_at`,
		rec.UserID, rec.JobID, rec.JobTitle, rec.Company, rec.Status, rec.SubmittedAt,
		rec.ConfirmationID, rec.Error, rec.RetryCount, rec.MatchScore, rec.MatchReasoning,
		rec.CoverLetter, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("op=postgres.UpsertAttempt user_id=%s job_id=%s: %w", rec.UserID, rec.JobID, err)
	}
	return nil
}

// Get returns the record for (user_id, job_id).
func (r *TrackerRepo) Get(ctx domain.Context, userID, jobID string) (domain.ApplicationRecord, error) {
	ctx, span := otel.Tracer("repo.postgres").Start(ctx, "tracker.get")
	defer span.End()
	row := r.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM applications WHERE user_id = $1 AND job_id = $2`,
		userID, jobID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ApplicationRecord{}, fmt.Errorf("op=postgres.Get user_id=%s job_id=%s: %w", userID, jobID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ApplicationRecord{}, fmt.Errorf("op=postgres.Get: %w", err)
	}
	return rec, nil
}

// List returns the user's records ordered by submission time descending with
// never-submitted rows last, optionally filtered.
func (r *TrackerRepo) List(ctx domain.Context, userID string, status domain.AppStatus) ([]domain.ApplicationRecord, error) {
	ctx, span := otel.Tracer("repo.postgres").Start(ctx, "tracker.list")
	defer span.End()
	query := `SELECT ` + selectColumns + ` FROM applications WHERE user_id = $1`
	args := []any{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY submitted_at DESC NULLS LAST, updated_at DESC, job_id ASC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.List: %w", err)
	}
	defer rows.Close()

	var out []domain.ApplicationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("op=postgres.List scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=postgres.List rows: %w", err)
	}
	return out, nil
}

// CountSubmittedWindow counts submissions inside the rolling window, served
// by the partial index on (user_id, submitted_at).
func (r *TrackerRepo) CountSubmittedWindow(ctx domain.Context, userID string, window time.Duration) (int, error) {
	ctx, span := otel.Tracer("repo.postgres").Start(ctx, "tracker.count_submitted_window")
	defer span.End()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM applications
		 WHERE user_id = $1 AND status = 'submitted' AND submitted_at > $2`,
		userID, time.Now().UTC().Add(-window)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=postgres.CountSubmittedWindow: %w", err)
	}
	return n, nil
}

// Clear removes all of the user's rows.
func (r *TrackerRepo) Clear(ctx domain.Context, userID string) error {
	ctx, span := otel.Tracer("repo.postgres").Start(ctx, "tracker.clear")
	defer span.End()
	if _, err := r.pool.Exec(ctx, `DELETE FROM applications WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("op=postgres.Clear: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (domain.ApplicationRecord, error) {
	var rec domain.ApplicationRecord
	err := row.Scan(&rec.UserID, &rec.JobID, &rec.JobTitle, &rec.Company, &rec.Status,
		&rec.SubmittedAt, &rec.ConfirmationID, &rec.Error, &rec.RetryCount,
		&rec.MatchScore, &rec.MatchReasoning, &rec.CoverLetter, &rec.UpdatedAt)
	return rec, err
}
