package models

import (
	"time"

	"gorm.io/datatypes"
)

// QueueStatus is the lifecycle state of a queue entry.
type QueueStatus string

const (
	// QueueStatusPending marks an entry waiting to be drained.
	QueueStatusPending QueueStatus = "pending"
	// QueueStatusProcessing marks an entry handed to a drain attempt.
	QueueStatusProcessing QueueStatus = "processing"
	// QueueStatusCompleted marks an entry admitted by a drain.
	QueueStatusCompleted QueueStatus = "completed"
	// QueueStatusFailed marks a terminal failure (expired, cancelled, retries exhausted).
	QueueStatusFailed QueueStatus = "failed"
)

// Queue priority bounds and default.
const (
	QueuePriorityMin     = 1
	QueuePriorityMax     = 10
	QueuePriorityDefault = 5
)

// QueueEntry is one deferred request awaiting window capacity.
// Ordering is priority descending, queued_at ascending.
type QueueEntry struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	QueueID string `gorm:"type:text;not null;uniqueIndex"` // Caller-facing opaque id.

	Tenant   string `gorm:"type:text;not null;index:idx_queue_tenant_status"` // Tenant wallet.
	Provider string `gorm:"type:text;not null"`                               // Provider name.
	Model    string `gorm:"type:text;not null"`                               // Model name.

	Payload datatypes.JSON `gorm:"type:jsonb"` // Serialized request payload.

	Priority   int `gorm:"not null;default:5;index:idx_queue_order,priority:1,sort:desc"` // 1..10, higher drains first.
	RetryCount int `gorm:"not null;default:0"`                                            // Failed drain attempts so far.
	MaxRetries int `gorm:"not null;default:3"`                                            // Retry ceiling.

	Status QueueStatus `gorm:"type:text;not null;default:'pending';index:idx_queue_tenant_status"` // Lifecycle state.

	QueuedAt    time.Time  `gorm:"not null;index:idx_queue_order,priority:2"` // Enqueue instant, millisecond precision ties.
	ProcessedAt *time.Time // Terminal transition instant.

	Error string `gorm:"type:text"` // Failure reason, empty unless failed.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Terminal reports whether the entry has reached a terminal status.
func (e *QueueEntry) Terminal() bool {
	if e == nil {
		return false
	}
	return e.Status == QueueStatusCompleted || e.Status == QueueStatusFailed
}
