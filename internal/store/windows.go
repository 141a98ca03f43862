package store

import (
	"context"
	"errors"
	"strings"

	"github.com/apiquota/governor/internal/models"
	"gorm.io/gorm"
)

// ActiveWindow returns the unique active window for a key, stale or not.
// Returns nil when no active row exists. Staleness is the tracker's call.
func (s *Store) ActiveWindow(ctx context.Context, tenant, provider, model string, horizon models.Horizon) (*models.Window, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var window models.Window
	errFind := s.db.WithContext(ctx).
		Where("tenant = ? AND provider = ? AND model = ? AND horizon = ? AND active = ?",
			strings.TrimSpace(tenant), strings.ToLower(strings.TrimSpace(provider)), strings.TrimSpace(model), horizon, true).
		First(&window).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if errFind != nil {
		return nil, errFind
	}
	return &window, nil
}

// CreateWindow inserts a fresh window row.
func (s *Store) CreateWindow(ctx context.Context, w *models.Window) error {
	if s == nil || s.db == nil {
		return errors.New("store: not initialized")
	}
	if w == nil {
		return errors.New("store: nil window")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	w.Tenant = strings.TrimSpace(w.Tenant)
	w.Provider = strings.ToLower(strings.TrimSpace(w.Provider))
	w.Model = strings.TrimSpace(w.Model)
	w.Active = true
	return s.db.WithContext(ctx).Create(w).Error
}

// DeactivateWindow marks a window inactive; part of rotation.
func (s *Store) DeactivateWindow(ctx context.Context, id uint64) error {
	if s == nil || s.db == nil {
		return errors.New("store: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return s.db.WithContext(ctx).
		Model(&models.Window{}).
		Where("id = ?", id).
		Update("active", false).Error
}

// IncrementWindow adds exactly one request and deltaTokens tokens.
func (s *Store) IncrementWindow(ctx context.Context, id uint64, deltaTokens int64) error {
	if s == nil || s.db == nil {
		return errors.New("store: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return s.db.WithContext(ctx).
		Model(&models.Window{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"request_count": gorm.Expr("request_count + 1"),
			"token_count":   gorm.Expr("token_count + ?", deltaTokens),
		}).Error
}

// AddWindowTokens raises only the token count; the post-call path uses this
// to record true usage without double-counting the request.
func (s *Store) AddWindowTokens(ctx context.Context, id uint64, deltaTokens int64) error {
	if s == nil || s.db == nil {
		return errors.New("store: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if deltaTokens == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.Window{}).
		Where("id = ?", id).
		Update("token_count", gorm.Expr("token_count + ?", deltaTokens)).Error
}

// ActiveWindows returns all active windows for a tenant, ordered for display.
func (s *Store) ActiveWindows(ctx context.Context, tenant string) ([]models.Window, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var windows []models.Window
	if errFind := s.db.WithContext(ctx).
		Where("tenant = ? AND active = ?", strings.TrimSpace(tenant), true).
		Order("provider ASC, model ASC, horizon ASC").
		Find(&windows).Error; errFind != nil {
		return nil, errFind
	}
	return windows, nil
}
