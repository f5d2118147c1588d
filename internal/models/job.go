package models

import "time"

// JobState represents the lifecycle state of a job
type JobState string

const (
	StatePending JobState = "pending"
	StateClaimed JobState = "claimed"
	StateDead    JobState = "dead"
)

// Job represents a unit of work in the jobs table.
// ClaimID identifies the pull holding the current claim; acks must present
// it, so a worker whose lease lapsed cannot ack a later worker's claim.
type Job struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	Payload      []byte     `json:"payload"`
	State        JobState   `json:"state"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	FailureCount int        `json:"failure_count"`
	LastError    string     `json:"last_error,omitempty"`
	LockedUntil  *time.Time `json:"locked_until,omitempty"`
	ClaimID      string     `json:"claim_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// EligibleAt returns the earliest instant the job may be delivered for its first attempt
func (j *Job) EligibleAt() time.Time {
	if j.ScheduledFor != nil {
		return *j.ScheduledFor
	}
	return j.CreatedAt
}

// DeadJob represents a job that exceeded the failure ceiling
type DeadJob struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	Payload      []byte     `json:"payload"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	FailureCount int        `json:"failure_count"`
	LastError    string     `json:"last_error"`
	CreatedAt    time.Time  `json:"created_at"`
	FailedAt     time.Time  `json:"failed_at"`
}

// Counts is a point-in-time breakdown of the job tables
type Counts struct {
	Pending   int `json:"pending"`
	Scheduled int `json:"scheduled"`
	Claimed   int `json:"claimed"`
	Dead      int `json:"dead"`
}

// FailOutcome describes what happened to a job after a failure was recorded
type FailOutcome struct {
	Found        bool
	FailureCount int
	Dead         bool
	RetryAt      time.Time
}
