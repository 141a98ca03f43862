package queue

import (
	"context"
	"errors"
	"time"

	"github.com/apiquota/governor/internal/models"
	"github.com/apiquota/governor/internal/settings"
	"github.com/apiquota/governor/internal/store"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Queue admission and lookup errors.
var (
	// ErrQueueDisabled reports a queue attempt for a tier without may-queue.
	ErrQueueDisabled = errors.New("queue: queueing disabled for tier")
	// ErrQueueFull reports a queue attempt past max-queue-size.
	ErrQueueFull = errors.New("queue: queue is full")
	// ErrNotFound reports a cancel/update on a missing or terminal entry.
	ErrNotFound = errors.New("queue: entry not found")
	// ErrInvalidPriority reports an out-of-range priority.
	ErrInvalidPriority = errors.New("queue: priority out of range")
)

// Queue accepts deferred requests and picks the next one to drain under the
// (priority desc, queued_at asc) discipline.
type Queue struct {
	store *store.Store
	index *PositionIndex
	now   func() time.Time
}

// New constructs a queue. index may be nil; a nil now func defaults to time.Now.
func New(st *store.Store, index *PositionIndex, now func() time.Time) *Queue {
	if st == nil {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{store: st, index: index, now: now}
}

// MaxAge returns the in-flight age bound for queued entries.
func MaxAge() time.Duration {
	minutes := settings.IntValue(settings.QueueMaxAgeMinutesKey, settings.DefaultQueueMaxAgeMinutes)
	if minutes <= 0 {
		minutes = settings.DefaultQueueMaxAgeMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// Enqueue admits a deferred request to the queue, gated on the tenant's tier
// capabilities and queue capacity.
func (q *Queue) Enqueue(ctx context.Context, tenant *models.Tenant, caps models.Capabilities, provider, model string, payload []byte, priority int) (*models.QueueEntry, error) {
	if q == nil || q.store == nil {
		return nil, errors.New("queue: not initialized")
	}
	if tenant == nil {
		return nil, errors.New("queue: nil tenant")
	}
	if !caps.MayQueue {
		return nil, ErrQueueDisabled
	}

	if priority == 0 {
		priority = models.QueuePriorityDefault
	}
	if priority < models.QueuePriorityMin || priority > models.QueuePriorityMax {
		return nil, ErrInvalidPriority
	}
	if !caps.PriorityQueueEnabled {
		priority = models.QueuePriorityDefault
	}

	maxSize := caps.MaxQueueSize
	if caps.MayUseCustomLimits && tenant.CustomMaxQueueSize != nil {
		maxSize = *tenant.CustomMaxQueueSize
	}
	pending, errCount := q.store.PendingCount(ctx, tenant.Wallet)
	if errCount != nil {
		return nil, errCount
	}
	if pending >= int64(maxSize) {
		return nil, ErrQueueFull
	}

	entry := &models.QueueEntry{
		QueueID:    uuid.NewString(),
		Tenant:     tenant.Wallet,
		Provider:   provider,
		Model:      model,
		Payload:    datatypes.JSON(payload),
		Priority:   priority,
		MaxRetries: 3,
		Status:     models.QueueStatusPending,
		QueuedAt:   q.now().UTC().Truncate(time.Millisecond),
	}
	if errEnqueue := q.store.Enqueue(ctx, entry); errEnqueue != nil {
		return nil, errEnqueue
	}
	q.index.Add(ctx, entry)
	return entry, nil
}

// DequeueNext claims the next drain candidate for a tenant. Entries older
// than maxAge are terminated as failed("expired") and skipped.
func (q *Queue) DequeueNext(ctx context.Context, tenant string, maxAge time.Duration) (*models.QueueEntry, error) {
	if q == nil || q.store == nil {
		return nil, errors.New("queue: not initialized")
	}

	for {
		entry, errDequeue := q.store.DequeueOne(ctx, tenant)
		if errDequeue != nil {
			return nil, errDequeue
		}
		if entry == nil {
			return nil, nil
		}
		now := q.now().UTC()
		if maxAge > 0 && now.Sub(entry.QueuedAt) > maxAge {
			if errExpire := q.store.CompleteQueued(ctx, entry.ID, false, "expired", now); errExpire != nil {
				return nil, errExpire
			}
			q.index.Remove(ctx, entry)
			continue
		}
		q.index.Remove(ctx, entry)
		return entry, nil
	}
}

// Requeue returns a claimed-but-not-admissible entry to pending without
// counting a retry.
func (q *Queue) Requeue(ctx context.Context, entry *models.QueueEntry) error {
	if q == nil || q.store == nil {
		return errors.New("queue: not initialized")
	}
	if entry == nil {
		return errors.New("queue: nil entry")
	}
	if errRequeue := q.store.RequeueEntry(ctx, entry.ID); errRequeue != nil {
		return errRequeue
	}
	entry.Status = models.QueueStatusPending
	q.index.Add(ctx, entry)
	return nil
}

// Complete applies the terminal transition for a claimed entry.
func (q *Queue) Complete(ctx context.Context, entry *models.QueueEntry, success bool, reason string) error {
	if q == nil || q.store == nil {
		return errors.New("queue: not initialized")
	}
	if entry == nil {
		return errors.New("queue: nil entry")
	}
	if errComplete := q.store.CompleteQueued(ctx, entry.ID, success, reason, q.now().UTC()); errComplete != nil {
		return errComplete
	}
	q.index.Remove(ctx, entry)
	return nil
}

// Cancel moves a pending entry to failed("cancelled").
func (q *Queue) Cancel(ctx context.Context, queueID string) error {
	if q == nil || q.store == nil {
		return errors.New("queue: not initialized")
	}
	cancelled, errCancel := q.store.CancelQueued(ctx, queueID, q.now().UTC())
	if errCancel != nil {
		return errCancel
	}
	if !cancelled {
		return ErrNotFound
	}
	if entry, errFind := q.store.GetQueueEntry(ctx, queueID); errFind == nil && entry != nil {
		q.index.Remove(ctx, entry)
	}
	return nil
}

// UpdatePriority repositions a pending entry.
func (q *Queue) UpdatePriority(ctx context.Context, queueID string, priority int) error {
	if q == nil || q.store == nil {
		return errors.New("queue: not initialized")
	}
	if priority < models.QueuePriorityMin || priority > models.QueuePriorityMax {
		return ErrInvalidPriority
	}
	updated, errUpdate := q.store.UpdateQueuePriority(ctx, queueID, priority)
	if errUpdate != nil {
		return errUpdate
	}
	if !updated {
		return ErrNotFound
	}
	if entry, errFind := q.store.GetQueueEntry(ctx, queueID); errFind == nil && entry != nil {
		q.index.Add(ctx, entry)
	}
	return nil
}

// Position returns the number of pending entries strictly ahead of an entry.
// Non-pending entries report position 0.
func (q *Queue) Position(ctx context.Context, queueID string) (int64, error) {
	if q == nil || q.store == nil {
		return 0, errors.New("queue: not initialized")
	}
	entry, errFind := q.store.GetQueueEntry(ctx, queueID)
	if errFind != nil {
		return 0, errFind
	}
	if entry == nil {
		return 0, ErrNotFound
	}
	if entry.Status != models.QueueStatusPending {
		return 0, nil
	}
	if rank, ok := q.index.Position(ctx, entry); ok {
		return rank, nil
	}
	return q.store.QueuePosition(ctx, entry)
}

// Stats aggregates per-tenant queue statistics.
func (q *Queue) Stats(ctx context.Context, tenant string) (store.QueueStats, error) {
	if q == nil || q.store == nil {
		return store.QueueStats{}, errors.New("queue: not initialized")
	}
	return q.store.QueueStatsFor(ctx, tenant)
}

// List returns a tenant's entries in drain order.
func (q *Queue) List(ctx context.Context, tenant string, limit int) ([]models.QueueEntry, error) {
	if q == nil || q.store == nil {
		return nil, errors.New("queue: not initialized")
	}
	return q.store.ListQueue(ctx, tenant, limit)
}
