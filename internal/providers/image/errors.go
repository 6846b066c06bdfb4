package image

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"server/internal/domain"
)

// Class divides provider failures by how the retry policy must treat them.
type Class int

const (
	// ClassTransient failures (network, rate limit, 5xx) are retryable.
	ClassTransient Class = iota
	// ClassPermanent failures (invalid input, content policy, broken data
	// contract) bypass retry and fail the generation immediately.
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified provider failure.
type Error struct {
	Provider domain.Provider
	Class    Class
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable provider failure.
func Transient(provider domain.Provider, err error) *Error {
	return &Error{Provider: provider, Class: ClassTransient, Err: err}
}

// Permanent wraps err as a non-retryable provider failure.
func Permanent(provider domain.Provider, err error) *Error {
	return &Error{Provider: provider, Class: ClassPermanent, Err: err}
}

// IsPermanent reports whether err is a classified permanent failure.
// Unclassified errors are not permanent: the retry budget, not a guess,
// decides when to give up on them.
func IsPermanent(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Class == ClassPermanent
}

// classifyStatus converts a non-2xx provider HTTP status into a classified
// error. Rate limits, timeouts and server errors are transient; everything
// else the provider rejected deliberately.
func classifyStatus(provider domain.Provider, status int, detail string) *Error {
	err := fmt.Errorf("http %d: %s", status, detail)
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= http.StatusInternalServerError:
		return Transient(provider, err)
	default:
		return Permanent(provider, err)
	}
}

// classifyTransport converts a failed round trip into a classified error.
// Context expiry and connection failures are transient by definition.
func classifyTransport(provider domain.Provider, err error) *Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Transient(provider, fmt.Errorf("call timed out: %w", err))
	}
	return Transient(provider, err)
}
