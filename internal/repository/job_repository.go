package repository

import (
	"context"
	"durableq/internal/models"
	"errors"
	"time"
)

// ErrJobNotFound is returned when a job id does not exist in the table being queried
var ErrJobNotFound = errors.New("job not found")

// RetryDecision is consulted by FailJob with the incremented failure count.
// It returns how long the job should wait before becoming eligible again,
// or dead=true to archive it.
type RetryDecision func(failureCount int) (delay time.Duration, dead bool)

// JobRepository defines the interface for job persistence.
// DeleteJob and FailJob are fenced by the claimID ClaimJobs stamped on the job:
// an ack carrying a claim that has since been superseded changes nothing.
type JobRepository interface {
	CreateJob(ctx context.Context, job *models.Job) error
	ClaimJobs(ctx context.Context, limit int, lease time.Duration) ([]*models.Job, error)
	DeleteJob(ctx context.Context, id, claimID string) error
	FailJob(ctx context.Context, id, claimID, reason string, decide RetryDecision) (models.FailOutcome, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListDeadJobs(ctx context.Context, limit int) ([]*models.DeadJob, error)
	RequeueDeadJob(ctx context.Context, id string) error
	Counts(ctx context.Context) (models.Counts, error)
	Clear(ctx context.Context) error
	Close() error
}
