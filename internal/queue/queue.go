package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/sqlinline"
)

// Options tunes queue delivery behavior.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	Lease       time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 1500 * time.Millisecond
	}
	if o.Lease <= 0 {
		o.Lease = 5 * time.Minute
	}
	return o
}

// ErrLeaseLost reports that a retry or ack targeted a job the caller no
// longer holds a lease on. The job is deliverable to another worker, so the
// caller must not dead-letter or otherwise settle it.
var ErrLeaseLost = errors.New("queue: lease no longer held")

// PGQueue is a durable at-least-once job queue stored alongside the
// generation records. Delivery exclusivity comes from FOR UPDATE SKIP LOCKED
// plus a lease deadline; expired leases are reaped back to the queued state.
type PGQueue struct {
	sql    infra.SQLExecutor
	opts   Options
	logger zerolog.Logger
}

// New creates a Postgres-backed queue.
func New(sql infra.SQLExecutor, opts Options, logger zerolog.Logger) *PGQueue {
	return &PGQueue{sql: sql, opts: opts.withDefaults(), logger: logger}
}

// Enqueue registers a deliverable job keyed by jobID. A jobID that already
// exists is left untouched, so re-submission cannot create a second
// deliverable job.
func (q *PGQueue) Enqueue(ctx context.Context, jobID string, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := q.sql.Exec(ctx, sqlinline.QEnqueueJob, jobID, payload, q.opts.MaxAttempts)
	if err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", jobID, err)
	}
	return nil
}

// Claim leases the next deliverable job to the caller. domain.ErrNoJob is
// returned when nothing is deliverable.
func (q *PGQueue) Claim(ctx context.Context) (*domain.Job, error) {
	row := q.sql.QueryRow(ctx, sqlinline.QClaimJob, q.opts.Lease.Milliseconds())
	var j domain.Job
	if err := row.Scan(
		&j.JobID,
		&j.Payload,
		&j.Status,
		&j.Attempts,
		&j.MaxAttempts,
		&j.AvailableAt,
		&j.LeasedUntil,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNoJob
		}
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	j.Payload = append([]byte(nil), j.Payload...)
	return &j, nil
}

// Ack marks a leased job done.
func (q *PGQueue) Ack(ctx context.Context, jobID string) error {
	tag, err := q.sql.Exec(ctx, sqlinline.QAckJob, jobID)
	if err != nil {
		return fmt.Errorf("queue: ack %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		q.logger.Warn().Str("job_id", jobID).Msg("queue: ack for job not leased")
	}
	return nil
}

// Retry schedules a leased job for redelivery after the backoff for its next
// attempt. When the attempt budget is exhausted the job is moved to the dead
// state instead and false is returned. A zero-row update while budget remains
// means the lease lapsed under the caller and is reported as ErrLeaseLost;
// the job belongs to the reaper or another worker now.
func (q *PGQueue) Retry(ctx context.Context, job *domain.Job) (bool, error) {
	delay := Backoff(q.opts.BackoffBase, job.Attempts+1)
	tag, err := q.sql.Exec(ctx, sqlinline.QRetryJob, job.JobID, delay.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("queue: retry %s: %w", job.JobID, err)
	}
	if tag.RowsAffected() == 1 {
		job.Attempts++
		return true, nil
	}
	if job.Attempts+1 < job.MaxAttempts {
		return false, fmt.Errorf("queue: retry %s: %w", job.JobID, ErrLeaseLost)
	}
	if _, err := q.sql.Exec(ctx, sqlinline.QMarkJobDead, job.JobID); err != nil {
		return false, fmt.Errorf("queue: mark dead %s: %w", job.JobID, err)
	}
	job.Attempts++
	return false, nil
}

// ReapExpired returns jobs whose lease lapsed to the deliverable state and
// reports how many were recovered.
func (q *PGQueue) ReapExpired(ctx context.Context) (int, error) {
	tag, err := q.sql.Exec(ctx, sqlinline.QReapExpiredLeases)
	if err != nil {
		return 0, fmt.Errorf("queue: reap leases: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		q.logger.Warn().Int("count", n).Msg("queue: requeued expired leases")
	}
	return n, nil
}

// Backoff computes the exponential redelivery delay before the given attempt
// (1-based): base, 2*base, 4*base, ...
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return delay
}

var _ domain.JobQueue = (*PGQueue)(nil)
