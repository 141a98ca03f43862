package models

import "time"

// LimitConfig maps a (provider, model-or-wildcard, tier) tuple to numeric ceilings.
// A nil Model row is the provider-wide fallback.
type LimitConfig struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Provider string  `gorm:"type:text;not null;uniqueIndex:idx_limit_config_key"` // Provider name.
	Model    *string `gorm:"type:text;uniqueIndex:idx_limit_config_key"`          // Model name, nil = wildcard.
	Tier     Tier    `gorm:"type:text;not null;uniqueIndex:idx_limit_config_key"` // Tier this row applies to.

	RequestsPerMinute *int // Optional ceiling.
	RequestsPerHour   *int // Optional ceiling.
	RequestsPerDay    *int // Optional ceiling.
	TokensPerMinute   *int // Optional ceiling.
	TokensPerDay      *int // Optional ceiling.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name.
func (LimitConfig) TableName() string {
	return "limit_configs"
}

// ResolvedLimits is the flattened ceiling set a window is initialized from,
// for whichever horizon is currently in play.
type ResolvedLimits struct {
	RequestsPerMinute *int
	RequestsPerHour   *int
	RequestsPerDay    *int
	TokensPerMinute   *int
	TokensPerDay      *int
}

// RequestLimitFor returns the request-count ceiling for a horizon, if any.
func (r ResolvedLimits) RequestLimitFor(horizon Horizon) *int {
	switch horizon {
	case HorizonMinute:
		return r.RequestsPerMinute
	case HorizonHour:
		return r.RequestsPerHour
	case HorizonDay:
		return r.RequestsPerDay
	default:
		return nil
	}
}

// TokenLimitFor returns the token-count ceiling for a horizon, if any.
func (r ResolvedLimits) TokenLimitFor(horizon Horizon) *int {
	switch horizon {
	case HorizonMinute:
		return r.TokensPerMinute
	case HorizonDay:
		return r.TokensPerDay
	default:
		return nil
	}
}
