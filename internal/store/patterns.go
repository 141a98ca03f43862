package store

import (
	"context"
	"errors"
	"strings"

	"github.com/apiquota/governor/internal/models"
	"gorm.io/gorm"
)

// UpsertPattern inserts or refreshes a pattern row on its deterministic
// pattern_id, preserving first_detected across refreshes.
func (s *Store) UpsertPattern(ctx context.Context, pattern *models.Pattern) error {
	if s == nil || s.db == nil {
		return errors.New("store: not initialized")
	}
	if pattern == nil {
		return errors.New("store: nil pattern")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var existing models.Pattern
	errFind := s.db.WithContext(ctx).Where("pattern_id = ?", pattern.PatternID).First(&existing).Error
	if errFind == nil {
		return s.db.WithContext(ctx).
			Model(&models.Pattern{}).
			Where("id = ?", existing.ID).
			Updates(map[string]any{
				"label":                pattern.Label,
				"average_rpm":          pattern.AverageRPM,
				"peak_rpm":             pattern.PeakRPM,
				"confidence":           pattern.Confidence,
				"suggested_limit":      pattern.SuggestedLimit,
				"suggested_queue_size": pattern.SuggestedQueueSize,
				"observation_count":    pattern.ObservationCount,
				"last_observed":        pattern.LastObserved,
				"description":          pattern.Description,
				"recommendations":      pattern.Recommendations,
			}).Error
	}
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(pattern).Error
	}
	return errFind
}

// ListPatterns returns a tenant's patterns, highest confidence first.
func (s *Store) ListPatterns(ctx context.Context, tenant string, limit int) ([]models.Pattern, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 10
	}

	var patterns []models.Pattern
	if errFind := s.db.WithContext(ctx).
		Where("tenant = ?", strings.TrimSpace(tenant)).
		Order("confidence DESC, id ASC").
		Limit(limit).
		Find(&patterns).Error; errFind != nil {
		return nil, errFind
	}
	return patterns, nil
}

// TopPattern returns the stored pattern with the highest confidence, or nil.
func (s *Store) TopPattern(ctx context.Context, tenant string) (*models.Pattern, error) {
	patterns, errList := s.ListPatterns(ctx, tenant, 1)
	if errList != nil {
		return nil, errList
	}
	if len(patterns) == 0 {
		return nil, nil
	}
	return &patterns[0], nil
}
