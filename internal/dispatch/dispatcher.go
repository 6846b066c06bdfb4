package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/providers/image"
)

// Router is the slice of the provider router the dispatcher needs.
type Router interface {
	Invoke(ctx context.Context, provider domain.Provider, req image.Request) (image.NormalizedOutput, error)
}

// Options tunes the worker pool.
type Options struct {
	Workers      int
	PollInterval time.Duration
	ReapInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = time.Minute
	}
	return o
}

// Dispatcher drives the generation state machine. A fixed pool of workers
// claims jobs, invokes the provider router and reconciles the generation
// record and the credit ledger on every terminal transition. It is the only
// component that mutates a generation after admission.
type Dispatcher struct {
	queue       domain.JobQueue
	generations domain.GenerationRepository
	ledger      domain.CreditLedger
	router      Router
	opts        Options
	logger      zerolog.Logger
}

// New wires a dispatcher over the queue, record store, ledger and router.
func New(
	queue domain.JobQueue,
	generations domain.GenerationRepository,
	ledger domain.CreditLedger,
	router Router,
	opts Options,
	logger zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		queue:       queue,
		generations: generations,
		ledger:      ledger,
		router:      router,
		opts:        opts.withDefaults(),
		logger:      logger,
	}
}

// Run blocks until ctx is cancelled, operating the worker pool and the lease
// reaper.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().Int("workers", d.opts.Workers).Msg("dispatcher: started")

	var wg sync.WaitGroup
	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.workerLoop(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.reapLoop(ctx)
	}()

	wg.Wait()
	d.logger.Info().Msg("dispatcher: stopped")
	return ctx.Err()
}

func (d *Dispatcher) workerLoop(ctx context.Context, id int) {
	logger := d.logger.With().Int("worker", id).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := d.queue.Claim(ctx)
		if err != nil {
			if !errors.Is(err, domain.ErrNoJob) && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("dispatcher: claim failed")
			}
			sleep(ctx, d.opts.PollInterval)
			continue
		}

		d.Process(ctx, job)
	}
}

func (d *Dispatcher) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(d.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.queue.ReapExpired(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error().Err(err).Msg("dispatcher: lease reaping failed")
			}
		}
	}
}

// Process runs one claimed job through the state machine. Exported so tests
// can drive single deliveries without the pool.
func (d *Dispatcher) Process(ctx context.Context, job *domain.Job) {
	logger := d.logger.With().Str("generation_id", job.JobID).Int("attempt", job.Attempts+1).Logger()

	gen, err := d.generations.GetByID(ctx, job.JobID)
	if err != nil {
		logger.Error().Err(err).Msg("dispatcher: load generation failed")
		if errors.Is(err, domain.ErrNotFound) {
			// A job with no record is unrunnable; drop it rather than
			// redeliver forever.
			d.ack(ctx, job.JobID, logger)
		}
		return
	}

	// Terminal on pickup: the user cancelled while queued, or this is a
	// redelivery of work that already resolved. No provider call is made, and
	// the job is acked only once any owed refund has settled.
	if gen.Status.IsTerminal() {
		if gen.Status != domain.GenerationCompleted && !gen.Refunded {
			if !d.refundOnce(ctx, gen, logger) {
				return
			}
		}
		d.ack(ctx, job.JobID, logger)
		return
	}

	if gen.Status == domain.GenerationQueued {
		ok, err := d.generations.MarkRunning(ctx, gen.ID)
		if err != nil {
			logger.Error().Err(err).Msg("dispatcher: mark running failed")
			return
		}
		if !ok {
			// Lost a race with a cancel between load and transition;
			// re-read and settle on the next delivery or right now.
			refreshed, err := d.generations.GetByID(ctx, gen.ID)
			if err == nil && refreshed.Status == domain.GenerationCancelled {
				if d.refundOnce(ctx, refreshed, logger) {
					d.ack(ctx, job.JobID, logger)
				}
				return
			}
			logger.Error().Err(domain.ErrInvariantViolation).Msg("dispatcher: queued generation refused RUNNING transition")
			d.ack(ctx, job.JobID, logger)
			return
		}
	}

	result, err := d.router.Invoke(ctx, gen.Provider, image.Request{
		GenerationID:   gen.ID,
		Prompt:         promptFor(job, gen),
		SourceImageRef: gen.SourceImageRef,
		OutputSize:     gen.OutputSize,
		Params:         gen.InputValues,
	})
	if err != nil {
		d.resolveFailure(ctx, gen, job, err, logger)
		return
	}

	// Commit success only if still RUNNING: a cancel that landed during the
	// provider call must win, and the result is discarded.
	ok, err := d.generations.MarkCompleted(ctx, gen.ID, result.URL)
	if err != nil {
		logger.Error().Err(err).Msg("dispatcher: mark completed failed")
		return
	}
	if !ok {
		refreshed, err := d.generations.GetByID(ctx, gen.ID)
		if err != nil {
			logger.Error().Err(err).Msg("dispatcher: reload after refused completion")
			return
		}
		if refreshed.Status == domain.GenerationCancelled {
			logger.Info().Msg("dispatcher: result discarded, generation cancelled mid-call")
			if d.refundOnce(ctx, refreshed, logger) {
				d.ack(ctx, job.JobID, logger)
			}
			return
		}
		// No other writer moves a RUNNING generation to a terminal state.
		logger.Error().Err(domain.ErrInvariantViolation).Str("status", string(refreshed.Status)).Msg("dispatcher: unexpected status on completion")
		d.ack(ctx, job.JobID, logger)
		return
	}

	d.ack(ctx, job.JobID, logger)
	logger.Info().Str("output_url", result.URL).Msg("dispatcher: generation completed")
}

// resolveFailure applies the retry policy: transient failures with budget
// left are redelivered, everything else fails the generation terminally with
// a single compensating refund.
func (d *Dispatcher) resolveFailure(ctx context.Context, gen *domain.Generation, job *domain.Job, cause error, logger zerolog.Logger) {
	exhausted := false
	if !image.IsPermanent(cause) {
		retried, err := d.queue.Retry(ctx, job)
		if err != nil {
			// A lost lease means another worker owns the delivery now;
			// either way the job is left for the queue to settle.
			logger.Error().Err(err).Msg("dispatcher: retry scheduling failed")
			return
		}
		if retried {
			// The generation stays RUNNING; from the outside this is
			// indistinguishable from a long provider call.
			logger.Warn().Err(cause).Int("attempts", job.Attempts).Msg("dispatcher: transient failure, retrying")
			return
		}
		// The queue already dead-lettered the job, so there is nothing
		// left to ack.
		exhausted = true
		cause = fmt.Errorf("retries exhausted after %d attempts: %w", job.Attempts, cause)
	}

	ok, err := d.generations.MarkFailed(ctx, gen.ID, cause.Error())
	if err != nil {
		logger.Error().Err(err).Msg("dispatcher: mark failed failed")
		return
	}
	if !ok {
		refreshed, rerr := d.generations.GetByID(ctx, gen.ID)
		if rerr == nil && refreshed.Status == domain.GenerationCancelled {
			if d.refundOnce(ctx, refreshed, logger) && !exhausted {
				d.ack(ctx, job.JobID, logger)
			}
			return
		}
		logger.Error().Err(domain.ErrInvariantViolation).Msg("dispatcher: failure transition refused")
		return
	}

	gen.Status = domain.GenerationFailed
	if d.refundOnce(ctx, gen, logger) && !exhausted {
		d.ack(ctx, job.JobID, logger)
	}
	logger.Warn().Err(cause).Msg("dispatcher: generation failed")
}

// refundOnce issues the compensating credit for a FAILED or CANCELLED
// generation. The ledger flips the refunded flag and credits the balance in
// one statement, so on error the flag stays unset and the refund is retried
// on redelivery. The return reports whether the refund is settled, meaning
// applied now or already issued earlier; callers ack only after settlement.
func (d *Dispatcher) refundOnce(ctx context.Context, gen *domain.Generation, logger zerolog.Logger) bool {
	applied, err := d.ledger.RefundOnce(ctx, gen.ID)
	if err != nil {
		logger.Error().Err(err).Int("amount", gen.CreditsUsed).Msg("dispatcher: refund failed, retrying on redelivery")
		return false
	}
	if applied {
		logger.Info().Int("amount", gen.CreditsUsed).Msg("dispatcher: credits refunded")
	}
	return true
}

func (d *Dispatcher) ack(ctx context.Context, jobID string, logger zerolog.Logger) {
	if err := d.queue.Ack(ctx, jobID); err != nil {
		logger.Error().Err(err).Msg("dispatcher: ack failed")
	}
}

// promptFor prefers the prompt snapshotted into the job payload at admission
// time and falls back to the raw input values.
func promptFor(job *domain.Job, gen *domain.Generation) string {
	var payload struct {
		Prompt string `json:"prompt"`
	}
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err == nil && payload.Prompt != "" {
			return payload.Prompt
		}
	}
	return gen.InputValues["prompt"]
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
