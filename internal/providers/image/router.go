package image

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
)

// Router dispatches a canonical request to the backend configured for a
// provider and normalizes whatever shape comes back into NormalizedOutput.
// Adding a provider means registering one more Backend; nothing else changes.
type Router struct {
	backends map[domain.Provider]Backend
	store    BlobStore
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewRouter builds a router over the given backends. timeout bounds every
// provider call; a call that exceeds it surfaces as a transient failure.
func NewRouter(backends []Backend, store BlobStore, timeout time.Duration, logger zerolog.Logger) *Router {
	m := make(map[domain.Provider]Backend, len(backends))
	for _, b := range backends {
		m[b.Name()] = b
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Router{backends: m, store: store, timeout: timeout, logger: logger}
}

// Supports reports whether a backend is registered for the provider.
func (r *Router) Supports(provider domain.Provider) bool {
	_, ok := r.backends[provider]
	return ok
}

// Invoke calls the backend for provider and returns the single canonical
// result type. Stream outputs are persisted to durable storage first; the
// raw bytes never reach the caller. Every failure is classified so the
// queue's retry policy can act on it.
func (r *Router) Invoke(ctx context.Context, provider domain.Provider, req Request) (NormalizedOutput, error) {
	backend, ok := r.backends[provider]
	if !ok {
		return NormalizedOutput{}, Permanent(provider, fmt.Errorf("no backend configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	started := time.Now()
	raw, err := backend.Generate(ctx, req)
	if err != nil {
		classified := r.classify(provider, err)
		r.logger.Warn().
			Str("provider", string(provider)).
			Str("generation_id", req.GenerationID).
			Str("class", classified.Class.String()).
			Dur("elapsed", time.Since(started)).
			Err(err).
			Msg("provider call failed")
		return NormalizedOutput{}, classified
	}

	out, err := r.normalize(ctx, provider, req, raw)
	if err != nil {
		return NormalizedOutput{}, err
	}
	r.logger.Info().
		Str("provider", string(provider)).
		Str("generation_id", req.GenerationID).
		Dur("elapsed", time.Since(started)).
		Msg("provider call succeeded")
	return out, nil
}

func (r *Router) normalize(ctx context.Context, provider domain.Provider, req Request, raw RawOutput) (NormalizedOutput, error) {
	switch v := raw.(type) {
	case URLOutput:
		if v.URL == "" {
			return NormalizedOutput{}, Permanent(provider, fmt.Errorf("empty url in output"))
		}
		return NormalizedOutput{URL: v.URL}, nil
	case StreamOutput:
		if len(v.Data) == 0 {
			return NormalizedOutput{}, Permanent(provider, fmt.Errorf("empty stream output"))
		}
		key := storageKeyFor(req.GenerationID, v.MIME)
		url, err := r.store.Store(ctx, key, v.MIME, v.Data)
		if err != nil {
			// Storage is on our side of the boundary; let the retry
			// budget absorb a flaky disk or network share.
			return NormalizedOutput{}, Transient(provider, fmt.Errorf("persist stream output: %w", err))
		}
		return NormalizedOutput{URL: url}, nil
	default:
		// A shape this package does not know about is a broken data
		// contract, never something to retry forever.
		return NormalizedOutput{}, Permanent(provider, fmt.Errorf("unrecognized output shape %T", raw))
	}
}

func (r *Router) classify(provider domain.Provider, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return classifyTransport(provider, err)
}

func storageKeyFor(generationID, mime string) string {
	ext := ".png"
	switch mime {
	case "image/jpeg", "image/jpg":
		ext = ".jpg"
	case "image/webp":
		ext = ".webp"
	}
	return fmt.Sprintf("generated/%s/output%s", generationID, ext)
}
