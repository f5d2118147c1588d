package repository

import (
	"context"
	"database/sql"
	"durableq/internal/models"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteRepository implements JobRepository using SQLite.
// All processes sharing the file serialise their writes on SQLite's database
// lock, so a claim is a single UPDATE ... RETURNING run inside an immediate
// transaction. Timestamps are stored as unix nanoseconds taken from the
// repository clock.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// SQLiteOption configures a SQLiteRepository
type SQLiteOption func(*SQLiteRepository)

// WithClock replaces time.Now as the repository's notion of the current instant
func WithClock(now func() time.Time) SQLiteOption {
	return func(r *SQLiteRepository) { r.now = now }
}

func sqliteDSN(path string) string {
	return path + "?_journal_mode=WAL&_timeout=5000&_txlock=immediate&_foreign_keys=on"
}

// NewSQLiteRepository opens the database at dbPath and applies pending migrations
func NewSQLiteRepository(dbPath string, opts ...SQLiteOption) (*SQLiteRepository, error) {
	if err := MigrateSQLite(dbPath); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	db, err := sql.Open("sqlite3", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db, now: time.Now}
	for _, opt := range opts {
		opt(repo)
	}
	return repo, nil
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

const sqliteJobColumns = `id, kind, payload, state, scheduled_for, failure_count, last_error,
	locked_until, claim_id, created_at, updated_at`

// CreateJob inserts a new pending job. CreatedAt is assigned here.
func (r *SQLiteRepository) CreateJob(ctx context.Context, job *models.Job) error {
	now := r.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.State = models.StatePending

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, payload, state, scheduled_for, eligible_at, failure_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		job.ID,
		job.Kind,
		job.Payload,
		string(job.State),
		nullableNanos(job.ScheduledFor),
		job.EligibleAt().UnixNano(),
		now.UnixNano(),
		now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// ClaimJobs flips up to limit eligible rows to claimed and returns exactly the rows it flipped
func (r *SQLiteRepository) ClaimJobs(ctx context.Context, limit int, lease time.Duration) ([]*models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := r.now()
	nowNanos := now.UnixNano()

	claimID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate claim id: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		UPDATE jobs
		SET state = 'claimed', locked_until = ?, claim_id = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM jobs
			WHERE (state = 'pending' AND eligible_at <= ?)
			   OR (state = 'claimed' AND locked_until <= ?)
			ORDER BY created_at ASC, id ASC
			LIMIT ?
		)
		RETURNING `+sqliteJobColumns,
		now.Add(lease).UnixNano(), claimID.String(), nowNanos, nowNanos, nowNanos, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	jobs, err := collectSQLiteJobs(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	// RETURNING does not preserve the subquery order.
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
func (r *SQLiteRepository) DeleteJob(ctx context.Context, id, claimID string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM jobs WHERE id = ? AND (state <> 'claimed' OR claim_id = ?)", id, claimID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// FailJob records a failure against a claimed job and either reschedules or archives it
func (r *SQLiteRepository) FailJob(ctx context.Context, id, claimID, reason string, decide RetryDecision) (models.FailOutcome, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.FailOutcome{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx,
		"SELECT failure_count FROM jobs WHERE id = ? AND state = 'claimed' AND claim_id = ?", id, claimID,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.FailOutcome{}, nil
		}
		return models.FailOutcome{}, fmt.Errorf("failed to load job for failure: %w", err)
	}

	count++
	now := r.now()
	delay, dead := decide(count)
	outcome := models.FailOutcome{Found: true, FailureCount: count, Dead: dead}

	if dead {
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO dead_jobs (id, kind, payload, scheduled_for, failure_count, last_error, created_at, failed_at)
			SELECT id, kind, payload, scheduled_for, ?, ?, created_at, ?
			FROM jobs WHERE id = ?`,
			count, reason, now.UnixNano(), id,
		)
		if err != nil {
			return models.FailOutcome{}, fmt.Errorf("failed to insert into dead jobs: %w", err)
		}
		if _, err = tx.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id); err != nil {
			return models.FailOutcome{}, fmt.Errorf("failed to delete job: %w", err)
		}
	} else {
		outcome.RetryAt = now.Add(delay)
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'pending', failure_count = ?, last_error = ?, eligible_at = ?,
			    locked_until = NULL, claim_id = NULL, updated_at = ?
			WHERE id = ?`,
			count, reason, outcome.RetryAt.UnixNano(), now.UnixNano(), id,
		)
		if err != nil {
			return models.FailOutcome{}, fmt.Errorf("failed to reschedule job: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.FailOutcome{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return outcome, nil
}

// GetJob retrieves a live job by ID
func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+sqliteJobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListDeadJobs returns archived jobs, most recently failed first
func (r *SQLiteRepository) ListDeadJobs(ctx context.Context, limit int) ([]*models.DeadJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, payload, scheduled_for, failure_count, last_error, created_at, failed_at
		FROM dead_jobs
		ORDER BY failed_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead jobs: %w", err)
	}
	defer rows.Close()

	var dead []*models.DeadJob
	for rows.Next() {
		var d models.DeadJob
		var scheduledFor sql.NullInt64
		var createdAt, failedAt int64

		if err := rows.Scan(&d.ID, &d.Kind, &d.Payload, &scheduledFor, &d.FailureCount,
			&d.LastError, &createdAt, &failedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead job: %w", err)
		}
		d.ScheduledFor = timeFromNullNanos(scheduledFor)
		d.CreatedAt = time.Unix(0, createdAt)
		d.FailedAt = time.Unix(0, failedAt)
		dead = append(dead, &d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead jobs: %w", err)
	}
	return dead, nil
}

// RequeueDeadJob moves an archived job back into the live table with a fresh failure budget
func (r *SQLiteRepository) RequeueDeadJob(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := r.now().UnixNano()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, payload, state, scheduled_for, eligible_at, failure_count, last_error, created_at, updated_at)
		SELECT id, kind, payload, 'pending', NULL, ?, 0, last_error, created_at, ?
		FROM dead_jobs WHERE id = ?`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to requeue dead job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM dead_jobs WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete dead job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Counts returns how many jobs are in each state
func (r *SQLiteRepository) Counts(ctx context.Context) (models.Counts, error) {
	var c models.Counts
	now := r.now().UnixNano()

	err := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN state = 'pending' AND eligible_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'pending' AND eligible_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'claimed' THEN 1 ELSE 0 END), 0)
		FROM jobs`, now, now,
	).Scan(&c.Pending, &c.Scheduled, &c.Claimed)
	if err != nil {
		return c, fmt.Errorf("failed to count jobs: %w", err)
	}

	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_jobs").Scan(&c.Dead); err != nil {
		return c, fmt.Errorf("failed to count dead jobs: %w", err)
	}
	return c, nil
}

// Clear removes every job, live and dead
func (r *SQLiteRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM jobs"); err != nil {
		return fmt.Errorf("failed to clear jobs: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, "DELETE FROM dead_jobs"); err != nil {
		return fmt.Errorf("failed to clear dead jobs: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var scheduledFor, lockedUntil sql.NullInt64
	var lastError, claimID sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&job.ID,
		&job.Kind,
		&job.Payload,
		&job.State,
		&scheduledFor,
		&job.FailureCount,
		&lastError,
		&lockedUntil,
		&claimID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.ScheduledFor = timeFromNullNanos(scheduledFor)
	job.LockedUntil = timeFromNullNanos(lockedUntil)
	job.LastError = lastError.String
	job.ClaimID = claimID.String
	job.CreatedAt = time.Unix(0, createdAt)
	job.UpdatedAt = time.Unix(0, updatedAt)
	return &job, nil
}

func collectSQLiteJobs(rows *sql.Rows) ([]*models.Job, error) {
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timeFromNullNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}
