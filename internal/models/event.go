package models

import (
	"time"

	"gorm.io/datatypes"
)

// EventKind classifies an admission decision.
type EventKind string

const (
	// EventAllowed records an admitted request.
	EventAllowed EventKind = "allowed"
	// EventWarned records an admitted request near its ceiling.
	EventWarned EventKind = "warned"
	// EventBlocked records a refused request.
	EventBlocked EventKind = "blocked"
	// EventQueued records a deferred request.
	EventQueued EventKind = "queued"
)

// Event is one append-only audit record of an admission decision.
type Event struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Tenant   string `gorm:"type:text;not null;index:idx_event_tenant_ts,priority:1"` // Tenant wallet.
	Provider string `gorm:"type:text;not null"`                                      // Provider name.
	Model    string `gorm:"type:text;not null"`                                      // Model name.

	Timestamp time.Time `gorm:"column:occurred_at;not null;index:idx_event_tenant_ts,priority:2,sort:desc"` // Decision instant.

	Kind EventKind `gorm:"type:text;not null;index"` // Decision kind.

	Horizon      *Horizon `gorm:"type:text"` // Offending horizon for blocked/queued.
	CurrentCount *int64   // Window count observed at decision time.
	LimitValue   *int     // Ceiling in force, if any.
	PercentUsed  *float64 // CurrentCount / LimitValue * 100.

	RequestID   string `gorm:"type:text"`              // Caller-supplied request id.
	WasQueued   bool   `gorm:"not null;default:false"` // Whether the request entered the queue.
	QueueTimeMs *int64 // Time spent queued before admission, when known.

	PatternTag string `gorm:"type:text"` // Detected-pattern tag, advisory.

	Detail datatypes.JSON `gorm:"type:jsonb"` // Structured decision detail for dashboards.
}
