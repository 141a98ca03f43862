package pipeline

import (
	"errors"
	"fmt"

	"github.com/apiquota/governor/internal/models"
)

// ErrInvalidInput reports an unknown provider, out-of-range priority or
// otherwise malformed hook input.
var ErrInvalidInput = errors.New("pipeline: invalid input")

// LimitExceededError signals a blocked admission. The host treats it as a
// hard refusal.
type LimitExceededError struct {
	Horizon     models.Horizon `json:"horizon"`
	Current     int64          `json:"current"`
	Limit       int            `json:"limit"`
	PercentUsed float64        `json:"percent_used"`
	// StoreFailure marks a fail-closed conversion from a storage error.
	StoreFailure bool `json:"store_failure,omitempty"`

	err error
}

func (e *LimitExceededError) Error() string {
	if e == nil {
		return ""
	}
	if e.StoreFailure {
		return fmt.Sprintf("pipeline: limit exceeded (fail-closed, horizon=%s)", e.Horizon)
	}
	return fmt.Sprintf("pipeline: limit exceeded (horizon=%s current=%d limit=%d)", e.Horizon, e.Current, e.Limit)
}

func (e *LimitExceededError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// QueuedError signals a deferred admission. Expected and recoverable: the
// request does not proceed now, but the carried queue id will drain later.
type QueuedError struct {
	QueueID     string         `json:"queue_id"`
	Horizon     models.Horizon `json:"horizon"`
	Current     int64          `json:"current"`
	Limit       int            `json:"limit"`
	PercentUsed float64        `json:"percent_used"`
}

func (e *QueuedError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("pipeline: request queued (queue_id=%s horizon=%s current=%d limit=%d)", e.QueueID, e.Horizon, e.Current, e.Limit)
}

// IsQueued reports whether err carries a QueuedError.
func IsQueued(err error) bool {
	var queued *QueuedError
	return errors.As(err, &queued)
}

// IsLimitExceeded reports whether err carries a LimitExceededError.
func IsLimitExceeded(err error) bool {
	var exceeded *LimitExceededError
	return errors.As(err, &exceeded)
}
