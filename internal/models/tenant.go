package models

import "time"

// Tier identifies a tenant's capability profile.
type Tier string

const (
	// TierFree is the default, unpaid tier.
	TierFree Tier = "free"
	// TierPro is the paid tier.
	TierPro Tier = "pro"
)

// Tenant is the principal whose quota is being enforced (the "wallet").
type Tenant struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Wallet string `gorm:"type:text;not null;uniqueIndex"`    // Opaque tenant identifier.
	Tier   Tier   `gorm:"type:text;not null;default:'free'"` // Stored tier, before paid-until is applied.

	PaidUntil *time.Time // Optional pro-tier expiry; absent or elapsed means free regardless of Tier.

	BaseRPM int `gorm:"not null;default:100"` // Provider-agnostic fallback per-minute allowance.

	CustomRequestsPerMinute *int // Gated by may-use-custom-limits.
	CustomTokensPerMinute   *int // Gated by may-use-custom-limits.
	CustomMaxQueueSize      *int // Gated by may-use-custom-limits.

	LastDecisionAt    *time.Time // Last pre-call decision timestamp, advisory only.
	ConsecutiveBlocks int        `gorm:"not null;default:0"` // Advisory streak counter for status().

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// EffectiveTier resolves pro iff the stored tier is pro and paid-until has not elapsed.
func (t *Tenant) EffectiveTier(now time.Time) Tier {
	if t == nil {
		return TierFree
	}
	if t.Tier == TierPro && t.PaidUntil != nil && t.PaidUntil.After(now) {
		return TierPro
	}
	return TierFree
}

// Capabilities describes the capability flags a tier grants.
// The per-tier matrix lives in the settings package; tenants with
// may-use-custom-limits may override MaxQueueSize via CustomMaxQueueSize.
type Capabilities struct {
	MayQueue             bool
	MaxQueueSize         int
	MayLearnPatterns     bool
	MayUseCustomLimits   bool
	PriorityQueueEnabled bool
}
