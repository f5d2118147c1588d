package repository

import (
	"context"
	"durableq/internal/models"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository implements JobRepository on PostgreSQL.
// Every timestamp comes from the server's NOW(), so processes on different
// hosts agree on eligibility without synchronised clocks. Claims take row
// locks with FOR UPDATE SKIP LOCKED so concurrent pollers never block on or
// return each other's rows.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository opens a connection pool to the database at url
func NewPostgresRepository(ctx context.Context, url string, maxConns int32) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// NewPostgresRepositoryFromPool wraps an existing pool. Close closes the pool.
func NewPostgresRepositoryFromPool(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Close closes the pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const pgJobColumns = `id::text, kind, payload, state, scheduled_for, failure_count, last_error,
	locked_until, claim_id::text, created_at, updated_at`

// validID reports whether id can be compared against a UUID column.
// Malformed ids cannot name any row, so callers treat them as absent.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// CreateJob inserts a new pending job and fills in the store-assigned timestamps
func (r *PostgresRepository) CreateJob(ctx context.Context, job *models.Job) error {
	job.State = models.StatePending

	err := r.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, kind, payload, state, scheduled_for, eligible_at, failure_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($5, NOW()), 0, NOW(), NOW())
		RETURNING created_at, updated_at`,
		job.ID, job.Kind, job.Payload, string(job.State), job.ScheduledFor,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// ClaimJobs flips up to limit eligible rows to claimed and returns exactly the rows it flipped
func (r *PostgresRepository) ClaimJobs(ctx context.Context, limit int, lease time.Duration) ([]*models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	claimID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate claim id: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		UPDATE jobs
		SET state = 'claimed',
		    locked_until = NOW() + ($2::bigint * interval '1 millisecond'),
		    claim_id = $3,
		    updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE (state = 'pending' AND eligible_at <= NOW())
			   OR (state = 'claimed' AND locked_until <= NOW())
			ORDER BY created_at ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+pgJobColumns,
		limit, lease.Milliseconds(), claimID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// DeleteJob removes a job. Deleting an absent id is not an error, and a
// job claimed under a different claimID is left alone.
func (r *PostgresRepository) DeleteJob(ctx context.Context, id, claimID string) error {
	if !validID(id) {
		return nil
	}
	_, err := r.pool.Exec(ctx,
		"DELETE FROM jobs WHERE id = $1 AND (state <> 'claimed' OR claim_id::text = $2)", id, claimID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// FailJob records a failure against a claimed job and either reschedules or archives it
func (r *PostgresRepository) FailJob(ctx context.Context, id, claimID, reason string, decide RetryDecision) (models.FailOutcome, error) {
	if !validID(id) {
		return models.FailOutcome{}, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.FailOutcome{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var count int
	err = tx.QueryRow(ctx,
		"SELECT failure_count FROM jobs WHERE id = $1 AND state = 'claimed' AND claim_id::text = $2 FOR UPDATE",
		id, claimID,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.FailOutcome{}, nil
		}
		return models.FailOutcome{}, fmt.Errorf("failed to load job for failure: %w", err)
	}

	count++
	delay, dead := decide(count)
	outcome := models.FailOutcome{Found: true, FailureCount: count, Dead: dead}

	if dead {
		_, err = tx.Exec(ctx, `
			INSERT INTO dead_jobs (id, kind, payload, scheduled_for, failure_count, last_error, created_at, failed_at)
			SELECT id, kind, payload, scheduled_for, $2, $3, created_at, NOW()
			FROM jobs WHERE id = $1
			ON CONFLICT (id) DO UPDATE
			SET failure_count = EXCLUDED.failure_count,
			    last_error = EXCLUDED.last_error,
			    failed_at = EXCLUDED.failed_at`,
			id, count, reason,
		)
		if err != nil {
			return models.FailOutcome{}, fmt.Errorf("failed to insert into dead jobs: %w", err)
		}
		if _, err = tx.Exec(ctx, "DELETE FROM jobs WHERE id = $1", id); err != nil {
			return models.FailOutcome{}, fmt.Errorf("failed to delete job: %w", err)
		}
	} else {
		err = tx.QueryRow(ctx, `
			UPDATE jobs
			SET state = 'pending', failure_count = $2, last_error = $3,
			    eligible_at = NOW() + ($4::bigint * interval '1 millisecond'),
			    locked_until = NULL, claim_id = NULL, updated_at = NOW()
			WHERE id = $1
			RETURNING eligible_at`,
			id, count, reason, delay.Milliseconds(),
		).Scan(&outcome.RetryAt)
		if err != nil {
			return models.FailOutcome{}, fmt.Errorf("failed to reschedule job: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.FailOutcome{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return outcome, nil
}

// GetJob retrieves a live job by ID
func (r *PostgresRepository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	if !validID(id) {
		return nil, ErrJobNotFound
	}
	row := r.pool.QueryRow(ctx, "SELECT "+pgJobColumns+" FROM jobs WHERE id = $1", id)
	job, err := scanPgJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListDeadJobs returns archived jobs, most recently failed first
func (r *PostgresRepository) ListDeadJobs(ctx context.Context, limit int) ([]*models.DeadJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, kind, payload, scheduled_for, failure_count, last_error, created_at, failed_at
		FROM dead_jobs
		ORDER BY failed_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead jobs: %w", err)
	}
	defer rows.Close()

	var dead []*models.DeadJob
	for rows.Next() {
		var d models.DeadJob
		if err := rows.Scan(&d.ID, &d.Kind, &d.Payload, &d.ScheduledFor, &d.FailureCount,
			&d.LastError, &d.CreatedAt, &d.FailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead job: %w", err)
		}
		dead = append(dead, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead jobs: %w", err)
	}
	return dead, nil
}

// RequeueDeadJob moves an archived job back into the live table with a fresh failure budget
func (r *PostgresRepository) RequeueDeadJob(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrJobNotFound
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		INSERT INTO jobs (id, kind, payload, state, scheduled_for, eligible_at, failure_count, last_error, created_at, updated_at)
		SELECT id, kind, payload, 'pending', NULL, NOW(), 0, last_error, created_at, NOW()
		FROM dead_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to requeue dead job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}

	if _, err := tx.Exec(ctx, "DELETE FROM dead_jobs WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete dead job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Counts returns how many jobs are in each state
func (r *PostgresRepository) Counts(ctx context.Context) (models.Counts, error) {
	var c models.Counts
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE state = 'pending' AND eligible_at <= NOW()),
			COUNT(*) FILTER (WHERE state = 'pending' AND eligible_at > NOW()),
			COUNT(*) FILTER (WHERE state = 'claimed'),
			(SELECT COUNT(*) FROM dead_jobs)
		FROM jobs`,
	).Scan(&c.Pending, &c.Scheduled, &c.Claimed, &c.Dead)
	if err != nil {
		return c, fmt.Errorf("failed to count jobs: %w", err)
	}
	return c, nil
}

// Clear removes every job, live and dead
func (r *PostgresRepository) Clear(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, "TRUNCATE jobs, dead_jobs"); err != nil {
		return fmt.Errorf("failed to clear jobs: %w", err)
	}
	return nil
}

func scanPgJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	var state string
	var lastError, claimID *string

	err := row.Scan(
		&job.ID,
		&job.Kind,
		&job.Payload,
		&state,
		&job.ScheduledFor,
		&job.FailureCount,
		&lastError,
		&job.LockedUntil,
		&claimID,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.State = models.JobState(state)
	if lastError != nil {
		job.LastError = *lastError
	}
	if claimID != nil {
		job.ClaimID = *claimID
	}
	return &job, nil
}
