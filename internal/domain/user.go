package domain

import "time"

// Tier enumerates billing tiers.
type Tier string

const (
	TierFree       Tier = "FREE"
	TierPro        Tier = "PRO"
	TierCreator    Tier = "CREATOR"
	TierEnterprise Tier = "ENTERPRISE"
)

// User represents an account holding a durable credit balance.
type User struct {
	ID               string
	Email            string
	Tier             Tier
	Credits          int
	TotalCreditsUsed int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsFree reports whether the user is on the free tier.
func (u User) IsFree() bool {
	return u.Tier == TierFree
}

// TierCaps maps a tier to its maximum number of in-flight generations.
type TierCaps map[Tier]int

// DefaultTierCaps returns the built-in concurrency caps. The CREATOR tier
// inherits the PRO cap until configured otherwise.
func DefaultTierCaps() TierCaps {
	return TierCaps{
		TierFree:       1,
		TierPro:        2,
		TierCreator:    2,
		TierEnterprise: 100,
	}
}

// Cap resolves the in-flight cap for a tier. Unknown tiers fall back to the
// free cap, never to unlimited.
func (c TierCaps) Cap(tier Tier) int {
	if n, ok := c[tier]; ok {
		return n
	}
	return c[TierFree]
}
