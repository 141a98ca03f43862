package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/apiquota/governor/internal/models"
	"gorm.io/gorm"
)

const dequeueRaceRetries = 3

// QueueStats summarizes a tenant's queue.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	// AvgWaitMs is the mean queued-to-processed latency over terminal entries.
	AvgWaitMs float64 `json:"avg_wait_ms"`
}

// Enqueue inserts a new pending entry. Capacity gating is the queue
// component's responsibility.
func (s *Store) Enqueue(ctx context.Context, entry *models.QueueEntry) error {
	if s == nil || s.db == nil {
		return errors.New("store: not initialized")
	}
	if entry == nil {
		return errors.New("store: nil queue entry")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	entry.Tenant = strings.TrimSpace(entry.Tenant)
	entry.Provider = strings.ToLower(strings.TrimSpace(entry.Provider))
	entry.Status = models.QueueStatusPending
	return s.db.WithContext(ctx).Create(entry).Error
}

// PendingCount returns the number of pending entries for a tenant.
func (s *Store) PendingCount(ctx context.Context, tenant string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var count int64
	errCount := s.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Where("tenant = ? AND status = ?", strings.TrimSpace(tenant), models.QueueStatusPending).
		Count(&count).Error
	return count, errCount
}

// DequeueOne selects the highest-priority pending entry (priority descending,
// queued_at ascending), atomically marks it processing and returns it.
// A non-empty tenant restricts selection to that tenant. Returns nil when no
// candidate exists.
func (s *Store) DequeueOne(ctx context.Context, tenant string) (*models.QueueEntry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for attempt := 0; attempt < dequeueRaceRetries; attempt++ {
		query := s.db.WithContext(ctx).
			Where("status = ? AND retry_count < max_retries", models.QueueStatusPending)
		if trimmed := strings.TrimSpace(tenant); trimmed != "" {
			query = query.Where("tenant = ?", trimmed)
		}

		var entry models.QueueEntry
		errFind := query.
			Order("priority DESC, queued_at ASC, id ASC").
			First(&entry).Error
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if errFind != nil {
			return nil, errFind
		}

		res := s.db.WithContext(ctx).
			Model(&models.QueueEntry{}).
			Where("id = ? AND status = ?", entry.ID, models.QueueStatusPending).
			Update("status", models.QueueStatusProcessing)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the claim to a concurrent dequeue; pick the next candidate.
			continue
		}
		entry.Status = models.QueueStatusProcessing
		return &entry, nil
	}
	return nil, nil
}

// RequeueEntry moves a processing entry back to pending without touching
// retry_count; no failure occurred.
func (s *Store) RequeueEntry(ctx context.Context, id uint64) error {
	if s == nil || s.db == nil {
		return errors.New("store: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return s.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Where("id = ? AND status = ?", id, models.QueueStatusProcessing).
		Update("status", models.QueueStatusPending).Error
}

// CompleteQueued applies the terminal transition. Failure increments
// retry_count and records the reason.
func (s *Store) CompleteQueued(ctx context.Context, id uint64, success bool, errMsg string, at time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("store: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	updates := map[string]any{
		"processed_at": at,
	}
	if success {
		updates["status"] = models.QueueStatusCompleted
	} else {
		updates["status"] = models.QueueStatusFailed
		updates["retry_count"] = gorm.Expr("retry_count + 1")
		updates["error"] = errMsg
	}
	return s.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// GetQueueEntry returns an entry by its caller-facing queue id, or nil.
func (s *Store) GetQueueEntry(ctx context.Context, queueID string) (*models.QueueEntry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var entry models.QueueEntry
	errFind := s.db.WithContext(ctx).Where("queue_id = ?", strings.TrimSpace(queueID)).First(&entry).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if errFind != nil {
		return nil, errFind
	}
	return &entry, nil
}

// CancelQueued moves a pending entry to failed("cancelled"). Reports whether
// a pending row was transitioned.
func (s *Store) CancelQueued(ctx context.Context, queueID string, at time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	res := s.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Where("queue_id = ? AND status = ?", strings.TrimSpace(queueID), models.QueueStatusPending).
		Updates(map[string]any{
			"status":       models.QueueStatusFailed,
			"error":        "cancelled",
			"processed_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpdateQueuePriority changes a pending entry's priority. Reports whether a
// pending row was updated.
func (s *Store) UpdateQueuePriority(ctx context.Context, queueID string, priority int) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	res := s.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Where("queue_id = ? AND status = ?", strings.TrimSpace(queueID), models.QueueStatusPending).
		Update("priority", priority)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// QueuePosition returns how many pending entries are strictly ahead of the
// given entry under the (priority desc, queued_at asc) ordering.
func (s *Store) QueuePosition(ctx context.Context, entry *models.QueueEntry) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store: not initialized")
	}
	if entry == nil {
		return 0, errors.New("store: nil queue entry")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var ahead int64
	errCount := s.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Where("tenant = ? AND status = ?", entry.Tenant, models.QueueStatusPending).
		Where("priority > ? OR (priority = ? AND queued_at < ?) OR (priority = ? AND queued_at = ? AND id < ?)",
			entry.Priority, entry.Priority, entry.QueuedAt, entry.Priority, entry.QueuedAt, entry.ID).
		Count(&ahead).Error
	return ahead, errCount
}

// QueueStatsFor aggregates per-tenant queue statistics.
func (s *Store) QueueStatsFor(ctx context.Context, tenant string) (QueueStats, error) {
	if s == nil || s.db == nil {
		return QueueStats{}, errors.New("store: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tenant = strings.TrimSpace(tenant)

	var stats QueueStats
	type statusCount struct {
		Status models.QueueStatus
		N      int64
	}
	var counts []statusCount
	if errFind := s.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Select("status, COUNT(*) AS n").
		Where("tenant = ?", tenant).
		Group("status").
		Scan(&counts).Error; errFind != nil {
		return QueueStats{}, errFind
	}
	for _, row := range counts {
		switch row.Status {
		case models.QueueStatusPending:
			stats.Pending = row.N
		case models.QueueStatusProcessing:
			stats.Processing = row.N
		case models.QueueStatusCompleted:
			stats.Completed = row.N
		case models.QueueStatusFailed:
			stats.Failed = row.N
		}
	}

	var terminal []models.QueueEntry
	if errFind := s.db.WithContext(ctx).
		Select("queued_at", "processed_at").
		Where("tenant = ? AND status IN ? AND processed_at IS NOT NULL",
			tenant, []models.QueueStatus{models.QueueStatusCompleted, models.QueueStatusFailed}).
		Find(&terminal).Error; errFind != nil {
		return QueueStats{}, errFind
	}
	if len(terminal) > 0 {
		totalMs := float64(0)
		for _, entry := range terminal {
			totalMs += float64(entry.ProcessedAt.Sub(entry.QueuedAt).Milliseconds())
		}
		stats.AvgWaitMs = totalMs / float64(len(terminal))
	}
	return stats, nil
}

// ListQueue returns a tenant's entries in drain order, newest statuses included.
func (s *Store) ListQueue(ctx context.Context, tenant string, limit int) ([]models.QueueEntry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}

	var entries []models.QueueEntry
	if errFind := s.db.WithContext(ctx).
		Where("tenant = ?", strings.TrimSpace(tenant)).
		Order("priority DESC, queued_at ASC, id ASC").
		Limit(limit).
		Find(&entries).Error; errFind != nil {
		return nil, errFind
	}
	return entries, nil
}
