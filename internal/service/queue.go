package service

import (
	"context"
	"durableq/internal/backoff"
	"durableq/internal/metrics"
	"durableq/internal/models"
	"durableq/internal/payload"
	"durableq/internal/repository"
	"durableq/internal/wakeup"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrJobNotFound    = repository.ErrJobNotFound
	ErrInvalidPayload = errors.New("invalid payload")
)

// QueueConfig controls claiming and retry behaviour
type QueueConfig struct {
	// Lease is how long a claim stays exclusive before the job is redelivered.
	Lease time.Duration
	// MaxFailures is the failure count at which a job is dead-lettered.
	MaxFailures int
	Backoff     backoff.Strategy
}

// DefaultQueueConfig returns a 10 minute lease, a ceiling of 5 failures and jittered exponential backoff
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Lease:       10 * time.Minute,
		MaxFailures: 5,
		Backoff:     backoff.Default(),
	}
}

// Queue is the producer and consumer facing API over a JobRepository
type Queue struct {
	repo     repository.JobRepository
	cfg      QueueConfig
	metrics  *metrics.Metrics
	notifier wakeup.Notifier
}

// NewQueue creates a new queue. Zero config fields take their defaults.
func NewQueue(repo repository.JobRepository, cfg QueueConfig, metrics *metrics.Metrics, notifier wakeup.Notifier) *Queue {
	def := DefaultQueueConfig()
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Backoff == nil {
		cfg.Backoff = def.Backoff
	}
	if notifier == nil {
		notifier = wakeup.Nop{}
	}

	return &Queue{
		repo:     repo,
		cfg:      cfg,
		metrics:  metrics,
		notifier: notifier,
	}
}

// Push stores a new pending job and returns its id. A nil scheduledFor makes
// the job eligible immediately.
func (q *Queue) Push(ctx context.Context, p payload.Payload, scheduledFor *time.Time) (string, error) {
	kind, body, err := payload.Encode(p)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate job id: %w", err)
	}

	job := &models.Job{
		ID:           id.String(),
		Kind:         string(kind),
		Payload:      body,
		ScheduledFor: scheduledFor,
	}

	if err := q.repo.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("failed to push job: %w", err)
	}

	q.metrics.IncrementPushedJobs()
	event := log.Ctx(ctx).Info().Str("job_id", job.ID).Str("kind", job.Kind)
	if scheduledFor != nil {
		event = event.Time("scheduled_for", *scheduledFor)
	}
	event.Msg("job pushed")

	if scheduledFor == nil || !scheduledFor.After(time.Now()) {
		q.wake(ctx)
	}
	return job.ID, nil
}

// Pull claims up to maxN eligible jobs for this caller
func (q *Queue) Pull(ctx context.Context, maxN int) ([]*models.Job, error) {
	if maxN <= 0 {
		return nil, nil
	}
	jobs, err := q.repo.ClaimJobs(ctx, maxN, q.cfg.Lease)
	if err != nil {
		return nil, fmt.Errorf("failed to pull jobs: %w", err)
	}
	return jobs, nil
}

// DeleteJob acknowledges a job as done. Unknown ids are ignored, as is an ack
// whose claimID no longer holds the claim.
func (q *Queue) DeleteJob(ctx context.Context, id, claimID string) error {
	if err := q.repo.DeleteJob(ctx, id, claimID); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// FailJob records a failed attempt. Below the failure ceiling the job becomes
// eligible again after the backoff delay; at the ceiling it is dead-lettered.
func (q *Queue) FailJob(ctx context.Context, id, claimID string, cause error) error {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}

	outcome, err := q.repo.FailJob(ctx, id, claimID, reason, q.decide)
	if err != nil {
		return fmt.Errorf("failed to record job failure: %w", err)
	}

	logger := log.Ctx(ctx)
	switch {
	case !outcome.Found:
		logger.Warn().Str("job_id", id).Msg("failure reported for a job not held by this claim, ignoring")
	case outcome.Dead:
		q.metrics.IncrementDeadJobs()
		logger.Error().
			Str("job_id", id).
			Int("failure_count", outcome.FailureCount).
			Str("error", reason).
			Msg("job moved to dead letter table")
	default:
		q.metrics.IncrementRetriedJobs()
		logger.Warn().
			Str("job_id", id).
			Int("failure_count", outcome.FailureCount).
			Int("max_failures", q.cfg.MaxFailures).
			Time("retry_at", outcome.RetryAt).
			Str("error", reason).
			Msg("job failed, retrying")
	}
	return nil
}

func (q *Queue) decide(failureCount int) (time.Duration, bool) {
	if failureCount >= q.cfg.MaxFailures {
		return 0, true
	}
	return q.cfg.Backoff.Delay(failureCount), false
}

// Clear deletes every job. Meant for tests.
func (q *Queue) Clear(ctx context.Context) error {
	return q.repo.Clear(ctx)
}

// Get returns a live job
func (q *Queue) Get(ctx context.Context, id string) (*models.Job, error) {
	job, err := q.repo.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// DeadJobs lists dead-lettered jobs, newest first
func (q *Queue) DeadJobs(ctx context.Context, limit int) ([]*models.DeadJob, error) {
	dead, err := q.repo.ListDeadJobs(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead jobs: %w", err)
	}
	return dead, nil
}

// Requeue returns a dead job to the queue with its failure count reset
func (q *Queue) Requeue(ctx context.Context, id string) error {
	if err := q.repo.RequeueDeadJob(ctx, id); err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return ErrJobNotFound
		}
		return fmt.Errorf("failed to requeue job: %w", err)
	}

	log.Ctx(ctx).Info().Str("job_id", id).Msg("dead job requeued")
	q.wake(ctx)
	return nil
}

// Counts returns a breakdown of jobs by state
func (q *Queue) Counts(ctx context.Context) (models.Counts, error) {
	counts, err := q.repo.Counts(ctx)
	if err != nil {
		return counts, fmt.Errorf("failed to count jobs: %w", err)
	}
	return counts, nil
}

func (q *Queue) wake(ctx context.Context) {
	if err := q.notifier.Notify(ctx); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("failed to publish wake-up")
	}
}
