package domain

import "time"

// JobStatus enumerates queue envelope states. A job is deliverable only
// while queued; a leased job is invisible to other workers until its lease
// expires or it is acked/retried.
type JobStatus string

const (
	JobQueued JobStatus = "queued"
	JobLeased JobStatus = "leased"
	JobDone   JobStatus = "done"
	JobDead   JobStatus = "dead"
)

// Job is the queue envelope for one generation attempt. JobID equals the
// Generation ID, so re-enqueueing the same generation is a no-op.
type Job struct {
	JobID       string
	Payload     []byte
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	AvailableAt time.Time
	LeasedUntil time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AttemptsExhausted reports whether the job has no retry budget left.
func (j Job) AttemptsExhausted() bool {
	return j.Attempts >= j.MaxAttempts
}
