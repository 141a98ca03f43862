package models

import (
	"time"

	"gorm.io/datatypes"
)

// PatternKind classifies a detected usage pattern.
type PatternKind string

const (
	// PatternTimeOfDay is an hourly concentration pattern.
	PatternTimeOfDay PatternKind = "time-of-day"
	// PatternDayOfWeek is a weekday/weekend concentration pattern.
	PatternDayOfWeek PatternKind = "day-of-week"
	// PatternBurst is an inter-arrival burstiness pattern.
	PatternBurst PatternKind = "burst"
)

// Pattern is one persisted statistical summary of a tenant's admit history.
// Rows are upsert-keyed on PatternID and refreshed by each analysis run.
type Pattern struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	PatternID string `gorm:"type:text;not null;uniqueIndex"` // Deterministic upsert key.

	Tenant string      `gorm:"type:text;not null;index"` // Tenant wallet.
	Kind   PatternKind `gorm:"type:text;not null"`       // Analysis kind.

	Label string `gorm:"type:text;not null"` // Descriptive window label (e.g. "morning", "weekday-heavy").

	AverageRPM float64 `gorm:"not null;default:0"` // Mean requests per minute over the lookback.
	PeakRPM    float64 `gorm:"not null;default:0"` // Peak requests per minute over the lookback.

	Confidence float64 `gorm:"not null;default:0"` // [0,1].

	SuggestedLimit     *int // Advisory request-limit recommendation.
	SuggestedQueueSize *int // Advisory queue-size recommendation.

	ObservationCount int `gorm:"not null;default:0"` // Events the analysis consumed.

	FirstDetected time.Time `gorm:"not null"` // First analysis run that produced this row.
	LastObserved  time.Time `gorm:"not null"` // Most recent refresh.

	Description     string         `gorm:"type:text"`  // Natural-language summary.
	Recommendations datatypes.JSON `gorm:"type:jsonb"` // Structured advisory payload.
}
