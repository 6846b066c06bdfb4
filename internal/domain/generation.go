package domain

import "time"

// GenerationStatus enumerates generation lifecycle states.
type GenerationStatus string

const (
	GenerationQueued    GenerationStatus = "QUEUED"
	GenerationRunning   GenerationStatus = "RUNNING"
	GenerationCompleted GenerationStatus = "COMPLETED"
	GenerationFailed    GenerationStatus = "FAILED"
	GenerationCancelled GenerationStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition out of the status is
// permitted.
func (s GenerationStatus) IsTerminal() bool {
	switch s {
	case GenerationCompleted, GenerationFailed, GenerationCancelled:
		return true
	}
	return false
}

// InFlight reports whether the status counts against the user's concurrency
// cap.
func (s GenerationStatus) InFlight() bool {
	return s == GenerationQueued || s == GenerationRunning
}

// Generation is one request to produce a transformed image. Its ID doubles
// as the queue job's idempotency key.
type Generation struct {
	ID             string
	UserID         string
	PresetID       string
	Provider       Provider
	InputValues    map[string]string
	SourceImageRef string
	OutputSize     OutputSize
	CreditsUsed    int
	Status         GenerationStatus
	OutputURL      string
	ErrorMessage   string
	Refunded       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OwnedBy is the ownership check primitive used at the API boundary.
func (g *Generation) OwnedBy(userID string) bool {
	return g != nil && g.UserID == userID
}
