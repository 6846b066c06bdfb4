package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrPresetNotFound      = errors.New("preset not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrTooManyInFlight     = errors.New("too many in-flight generations")
	ErrCannotCancel        = errors.New("cannot cancel a finished generation")
	ErrNoJob               = errors.New("no job available")
	ErrInvariantViolation  = errors.New("invariant violation")
)
