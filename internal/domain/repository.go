package domain

import (
	"context"
	"time"
)

// CreditLedger owns the durable credit balance per user. Both mutation
// primitives must be atomic with respect to concurrent calls for the same
// user; TryDebit never drives a balance negative.
type CreditLedger interface {
	// TryDebit decrements the balance by amount only when the balance
	// covers it. It reports whether the debit was applied and the balance
	// after the call. A successful debit also advances TotalCreditsUsed.
	TryDebit(ctx context.Context, userID string, amount int) (ok bool, newBalance int, err error)

	// Credit increments the balance by amount. Refund-once discipline is
	// the caller's responsibility.
	Credit(ctx context.Context, userID string, amount int) (newBalance int, err error)

	// RefundOnce returns the generation's credits to its owner exactly once.
	// The refunded flag and the balance credit commit as a single statement,
	// so a failure leaves the flag unset and a later redelivery can retry.
	// It reports false when the generation is not terminal without refund
	// (already refunded, still in flight, or completed).
	RefundOnce(ctx context.Context, generationID string) (applied bool, err error)

	// InFlightCount counts the user's generations in QUEUED or RUNNING.
	InFlightCount(ctx context.Context, userID string) (int, error)

	// GetUser fetches the account, including tier and balance.
	GetUser(ctx context.Context, userID string) (*User, error)
}

// PresetRepository is a read-only preset lookup.
type PresetRepository interface {
	// GetActive resolves a preset by ID; inactive or missing presets
	// yield ErrPresetNotFound.
	GetActive(ctx context.Context, presetID string) (*Preset, error)
	ListActive(ctx context.Context) ([]Preset, error)
}

// GenerationRepository persists generation records. Every status transition
// is conditional on the expected prior status: a false return means the
// record was not in that status and nothing was written.
type GenerationRepository interface {
	Create(ctx context.Context, g *Generation) error
	GetByID(ctx context.Context, id string) (*Generation, error)
	GetForUser(ctx context.Context, id, userID string) (*Generation, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Generation, error)

	// MarkRunning transitions QUEUED -> RUNNING.
	MarkRunning(ctx context.Context, id string) (bool, error)
	// MarkCompleted transitions RUNNING -> COMPLETED and records the output URL.
	MarkCompleted(ctx context.Context, id, outputURL string) (bool, error)
	// MarkFailed transitions QUEUED/RUNNING -> FAILED and records the reason.
	MarkFailed(ctx context.Context, id, errorMessage string) (bool, error)
	// MarkCancelled transitions QUEUED/RUNNING -> CANCELLED.
	MarkCancelled(ctx context.Context, id string) (bool, error)
}

// JobQueue is a durable at-least-once delivery queue keyed by generation ID.
type JobQueue interface {
	// Enqueue registers a deliverable job. Enqueueing a jobID that already
	// exists is a no-op, not a duplicate.
	Enqueue(ctx context.Context, jobID string, payload []byte) error

	// Claim leases the next deliverable job exclusively to the caller.
	// ErrNoJob is returned when nothing is deliverable.
	Claim(ctx context.Context) (*Job, error)

	// Ack marks a leased job done.
	Ack(ctx context.Context, jobID string) error

	// Retry schedules a leased job for redelivery after the backoff for its
	// attempt count. It reports false when the attempt budget is exhausted,
	// in which case the job has been moved to the dead state instead.
	Retry(ctx context.Context, job *Job) (bool, error)

	// ReapExpired returns jobs whose lease lapsed to the deliverable state.
	ReapExpired(ctx context.Context) (int, error)
}

// BackoffPolicy computes the redelivery delay before a given attempt.
type BackoffPolicy func(attempt int) time.Duration
