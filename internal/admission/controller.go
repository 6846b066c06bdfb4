package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"server/internal/domain"
)

// Request is one admission attempt.
type Request struct {
	UserID         string
	PresetID       string
	InputValues    map[string]string
	SourceImageRef string
	OutputSize     domain.OutputSize
}

// Controller is the gate every new generation passes through. It serializes
// admission per user so the cap check and the debit cannot interleave with a
// concurrent admission for the same account.
type Controller struct {
	ledger      domain.CreditLedger
	presets     domain.PresetRepository
	generations domain.GenerationRepository
	queue       domain.JobQueue
	caps        domain.TierCaps
	logger      zerolog.Logger

	userLocks sync.Map // userID -> *sync.Mutex
}

// NewController wires the admission gate.
func NewController(
	ledger domain.CreditLedger,
	presets domain.PresetRepository,
	generations domain.GenerationRepository,
	queue domain.JobQueue,
	caps domain.TierCaps,
	logger zerolog.Logger,
) *Controller {
	if caps == nil {
		caps = domain.DefaultTierCaps()
	}
	return &Controller{
		ledger:      ledger,
		presets:     presets,
		generations: generations,
		queue:       queue,
		caps:        caps,
		logger:      logger,
	}
}

// Admit authorizes a generation request, debits its cost, creates the QUEUED
// record and enqueues the job. Each check short-circuits; a debit that is
// followed by a failed enqueue is compensated before the error returns, so a
// debited-but-unqueued generation never survives this call.
func (c *Controller) Admit(ctx context.Context, req Request) (*domain.Generation, error) {
	if req.OutputSize == "" {
		req.OutputSize = domain.OutputSizeSquare
	}

	preset, err := c.presets.GetActive(ctx, req.PresetID)
	if err != nil {
		return nil, err
	}

	unlock := c.lockUser(req.UserID)
	defer unlock()

	user, err := c.ledger.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	limit := c.caps.Cap(user.Tier)
	inFlight, err := c.ledger.InFlightCount(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if inFlight >= limit {
		return nil, fmt.Errorf("%w: %d of %d for tier %s", domain.ErrTooManyInFlight, inFlight, limit, user.Tier)
	}

	ok, _, err := c.ledger.TryDebit(ctx, req.UserID, preset.Credits)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: preset costs %d", domain.ErrInsufficientCredits, preset.Credits)
	}

	gen := &domain.Generation{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		PresetID:       preset.ID,
		Provider:       preset.Provider,
		InputValues:    req.InputValues,
		SourceImageRef: req.SourceImageRef,
		OutputSize:     req.OutputSize,
		CreditsUsed:    preset.Credits,
		Status:         domain.GenerationQueued,
	}

	if err := c.generations.Create(ctx, gen); err != nil {
		c.compensate(ctx, req.UserID, preset.Credits, "create generation", err)
		return nil, fmt.Errorf("admit: create generation: %w", err)
	}

	payload, err := json.Marshal(jobPayload{
		GenerationID:   gen.ID,
		UserID:         gen.UserID,
		Provider:       string(gen.Provider),
		Prompt:         renderPrompt(preset.PromptTemplate, req.InputValues),
		SourceImageRef: gen.SourceImageRef,
	})
	if err != nil {
		payload = []byte("{}")
	}
	if err := c.queue.Enqueue(ctx, gen.ID, payload); err != nil {
		// The record exists but no job will ever run it; fail it and give
		// the credits back before surfacing the error. With the record in
		// FAILED the refund goes through the once-only ledger path; if even
		// the failure transition broke, fall back to a plain credit.
		if _, ferr := c.generations.MarkFailed(ctx, gen.ID, "enqueue failed"); ferr != nil {
			c.logger.Error().Err(ferr).Str("generation_id", gen.ID).Msg("admission: mark failed after enqueue error")
			c.compensate(ctx, req.UserID, preset.Credits, "enqueue", err)
			return nil, fmt.Errorf("admit: enqueue: %w", err)
		}
		if _, rerr := c.ledger.RefundOnce(ctx, gen.ID); rerr != nil {
			c.logger.Error().Err(rerr).Str("generation_id", gen.ID).Msg("admission: refund after enqueue error failed")
		}
		return nil, fmt.Errorf("admit: enqueue: %w", err)
	}

	c.logger.Info().
		Str("generation_id", gen.ID).
		Str("user_id", req.UserID).
		Str("preset_id", preset.ID).
		Str("provider", string(preset.Provider)).
		Int("credits", preset.Credits).
		Msg("admission: generation queued")
	return gen, nil
}

// compensate refunds a debit whose generation never became runnable. This is
// the only refund issued outside the worker dispatcher.
func (c *Controller) compensate(ctx context.Context, userID string, amount int, step string, cause error) {
	if _, err := c.ledger.Credit(ctx, userID, amount); err != nil {
		c.logger.Error().Err(err).
			Str("user_id", userID).
			Int("amount", amount).
			Str("step", step).
			AnErr("cause", cause).
			Msg("admission: compensating refund failed")
		return
	}
	c.logger.Warn().
		Str("user_id", userID).
		Int("amount", amount).
		Str("step", step).
		AnErr("cause", cause).
		Msg("admission: debit compensated")
}

func (c *Controller) lockUser(userID string) func() {
	v, _ := c.userLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

type jobPayload struct {
	GenerationID   string `json:"generation_id"`
	UserID         string `json:"user_id"`
	Provider       string `json:"provider"`
	Prompt         string `json:"prompt,omitempty"`
	SourceImageRef string `json:"source_image_ref,omitempty"`
}

// renderPrompt substitutes {key} placeholders in the preset template with
// the submitted input values. The prompt is snapshotted into the job payload
// at admission time, mirroring the credit cost snapshot.
func renderPrompt(template string, values map[string]string) string {
	prompt := template
	for key, value := range values {
		prompt = strings.ReplaceAll(prompt, "{"+key+"}", value)
	}
	if strings.TrimSpace(prompt) == "" {
		return values["prompt"]
	}
	return prompt
}
