package models

import "time"

// Horizon is one of the enforced sliding-window durations.
type Horizon string

const (
	// HorizonMinute is a 60 second window.
	HorizonMinute Horizon = "minute"
	// HorizonHour is a 3600 second window.
	HorizonHour Horizon = "hour"
	// HorizonDay is an 86400 second window.
	HorizonDay Horizon = "day"
)

// Duration returns the fixed duration of a horizon.
func (h Horizon) Duration() time.Duration {
	switch h {
	case HorizonMinute:
		return time.Minute
	case HorizonHour:
		return time.Hour
	case HorizonDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// EnforcedHorizons lists the horizons checked, in checking order.
var EnforcedHorizons = []Horizon{HorizonMinute, HorizonHour, HorizonDay}

// Window is one accounting bucket for a (tenant, provider, model, horizon) key.
// At most one row may be Active per key at a time.
type Window struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Tenant   string  `gorm:"type:text;not null;index:idx_window_key"` // Tenant wallet.
	Provider string  `gorm:"type:text;not null;index:idx_window_key"` // Provider name.
	Model    string  `gorm:"type:text;not null;index:idx_window_key"` // Model name.
	Horizon  Horizon `gorm:"type:text;not null;index:idx_window_key"` // Accounting horizon.

	Start time.Time `gorm:"column:start_at;not null"` // Window start, request-anchored.
	End   time.Time `gorm:"column:end_at;not null"`   // Start + horizon duration.

	RequestCount int64 `gorm:"not null;default:0"` // Monotonic request counter.
	TokenCount   int64 `gorm:"not null;default:0"` // Monotonic token counter.

	RequestLimit *int `gorm:""` // Ceiling snapshot at creation time.
	TokenLimit   *int `gorm:""` // Ceiling snapshot at creation time.

	Active bool `gorm:"not null;index"` // At most one active row per key.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Stale reports whether the window's end has passed as of now.
func (w *Window) Stale(now time.Time) bool {
	if w == nil {
		return false
	}
	return !now.Before(w.End)
}
