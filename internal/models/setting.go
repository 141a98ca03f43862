package models

import (
	"encoding/json"
	"time"
)

// Setting stores one runtime-tunable key/value entry in the database.
// The settings package keeps an atomic in-memory snapshot of all rows.
type Setting struct {
	Key       string          `gorm:"type:varchar(255);primaryKey"`                      // Configuration key.
	Value     json.RawMessage `gorm:"type:jsonb"`                                        // JSON-encoded value.
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime;default:CURRENT_TIMESTAMP"` // Last update timestamp.
}
