package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/apiquota/governor/internal/models"
)

// RecordEvent appends one admission decision to the audit log.
func (s *Store) RecordEvent(ctx context.Context, event *models.Event) error {
	if s == nil || s.db == nil {
		return errors.New("store: not initialized")
	}
	if event == nil {
		return errors.New("store: nil event")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	event.Tenant = strings.TrimSpace(event.Tenant)
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	return s.db.WithContext(ctx).Create(event).Error
}

// ListEvents returns a tenant's events newest first, optionally filtered by
// kind and bounded to a timeframe.
func (s *Store) ListEvents(ctx context.Context, tenant string, kind models.EventKind, since time.Time, limit int) ([]models.Event, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 100
	}

	query := s.db.WithContext(ctx).Where("tenant = ?", strings.TrimSpace(tenant))
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}
	if !since.IsZero() {
		query = query.Where("occurred_at >= ?", since)
	}

	var events []models.Event
	if errFind := query.
		Order("occurred_at DESC, id DESC").
		Limit(limit).
		Find(&events).Error; errFind != nil {
		return nil, errFind
	}
	return events, nil
}

// AllowedEventsSince returns a tenant's allowed events inside the lookback,
// oldest first, as the pattern analysis input.
func (s *Store) AllowedEventsSince(ctx context.Context, tenant string, since time.Time) ([]models.Event, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var events []models.Event
	if errFind := s.db.WithContext(ctx).
		Where("tenant = ? AND kind = ? AND occurred_at >= ?", strings.TrimSpace(tenant), models.EventAllowed, since).
		Order("occurred_at ASC, id ASC").
		Find(&events).Error; errFind != nil {
		return nil, errFind
	}
	return events, nil
}
