package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/apiquota/governor/internal/models"
	"gorm.io/gorm"
)

// Store is the sole custodian of durable governor state. Every operation is
// individually atomic; composite invariants across calls are the Manager's
// responsibility.
type Store struct {
	db *gorm.DB
}

// New constructs a Store backed by GORM.
func New(db *gorm.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

// EnsureTenant lazily initializes a tenant row on first reference.
func (s *Store) EnsureTenant(ctx context.Context, wallet string) (*models.Tenant, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return nil, errors.New("store: tenant wallet is required")
	}

	var tenant models.Tenant
	errFind := s.db.WithContext(ctx).Where("wallet = ?", wallet).First(&tenant).Error
	if errFind == nil {
		return &tenant, nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, errFind
	}

	tenant = models.Tenant{
		Wallet:  wallet,
		Tier:    models.TierFree,
		BaseRPM: 100,
	}
	if errCreate := s.db.WithContext(ctx).Create(&tenant).Error; errCreate != nil {
		// Concurrent first reference may have created the row already.
		var existing models.Tenant
		if errRetry := s.db.WithContext(ctx).Where("wallet = ?", wallet).First(&existing).Error; errRetry == nil {
			return &existing, nil
		}
		return nil, errCreate
	}
	return &tenant, nil
}

// GetTenant returns a tenant row, or nil when the wallet is unknown.
func (s *Store) GetTenant(ctx context.Context, wallet string) (*models.Tenant, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var tenant models.Tenant
	errFind := s.db.WithContext(ctx).Where("wallet = ?", strings.TrimSpace(wallet)).First(&tenant).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if errFind != nil {
		return nil, errFind
	}
	return &tenant, nil
}

// SetTenantTier records a tier change from the external licensing collaborator.
func (s *Store) SetTenantTier(ctx context.Context, wallet string, tier models.Tier, paidUntil *time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("store: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, errEnsure := s.EnsureTenant(ctx, wallet); errEnsure != nil {
		return errEnsure
	}
	return s.db.WithContext(ctx).
		Model(&models.Tenant{}).
		Where("wallet = ?", strings.TrimSpace(wallet)).
		Updates(map[string]any{
			"tier":       tier,
			"paid_until": paidUntil,
		}).Error
}

// SetTenantCustomLimits stores per-tenant ceiling overrides.
func (s *Store) SetTenantCustomLimits(ctx context.Context, wallet string, rpm, tpm, maxQueueSize *int) error {
	if s == nil || s.db == nil {
		return errors.New("store: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, errEnsure := s.EnsureTenant(ctx, wallet); errEnsure != nil {
		return errEnsure
	}
	return s.db.WithContext(ctx).
		Model(&models.Tenant{}).
		Where("wallet = ?", strings.TrimSpace(wallet)).
		Updates(map[string]any{
			"custom_requests_per_minute": rpm,
			"custom_tokens_per_minute":   tpm,
			"custom_max_queue_size":      maxQueueSize,
		}).Error
}

// TouchTenantDecision updates the advisory decision health fields after a
// pre-call outcome. Never consulted by admission logic.
func (s *Store) TouchTenantDecision(ctx context.Context, wallet string, at time.Time, blocked bool) error {
	if s == nil || s.db == nil {
		return errors.New("store: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	updates := map[string]any{
		"last_decision_at": at,
	}
	if blocked {
		updates["consecutive_blocks"] = gorm.Expr("consecutive_blocks + 1")
	} else {
		updates["consecutive_blocks"] = 0
	}
	return s.db.WithContext(ctx).
		Model(&models.Tenant{}).
		Where("wallet = ?", strings.TrimSpace(wallet)).
		Updates(updates).Error
}

// GetLimitConfig returns the most specific configured row for a
// (provider, model, tier): an exact model match beats the provider-wide
// nil-model fallback. Returns nil when neither is configured.
func (s *Store) GetLimitConfig(ctx context.Context, provider, model string, tier models.Tier) (*models.LimitConfig, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.TrimSpace(model)

	var rows []models.LimitConfig
	if errFind := s.db.WithContext(ctx).
		Where("provider = ? AND tier = ? AND (model = ? OR model IS NULL)", provider, tier, model).
		Find(&rows).Error; errFind != nil {
		return nil, errFind
	}

	bestRank := -1
	var best *models.LimitConfig
	consider := func(r *models.LimitConfig, rank int) {
		if rank > bestRank {
			bestRank = rank
			best = r
		}
	}
	for i := range rows {
		r := &rows[i]
		if r.Model != nil && strings.TrimSpace(*r.Model) == model && model != "" {
			consider(r, 1)
			continue
		}
		if r.Model == nil {
			consider(r, 0)
		}
	}
	return best, nil
}

// UpsertLimitConfig inserts or replaces a row on its (provider, model, tier) key.
func (s *Store) UpsertLimitConfig(ctx context.Context, cfg *models.LimitConfig) error {
	if s == nil || s.db == nil {
		return errors.New("store: not initialized")
	}
	if cfg == nil {
		return errors.New("store: nil limit config")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.Provider == "" {
		return errors.New("store: limit config provider is required")
	}

	query := s.db.WithContext(ctx).Where("provider = ? AND tier = ?", cfg.Provider, cfg.Tier)
	if cfg.Model != nil {
		query = query.Where("model = ?", strings.TrimSpace(*cfg.Model))
	} else {
		query = query.Where("model IS NULL")
	}

	var existing models.LimitConfig
	errFind := query.First(&existing).Error
	if errFind == nil {
		return s.db.WithContext(ctx).
			Model(&models.LimitConfig{}).
			Where("id = ?", existing.ID).
			Updates(map[string]any{
				"requests_per_minute": cfg.RequestsPerMinute,
				"requests_per_hour":   cfg.RequestsPerHour,
				"requests_per_day":    cfg.RequestsPerDay,
				"tokens_per_minute":   cfg.TokensPerMinute,
				"tokens_per_day":      cfg.TokensPerDay,
			}).Error
	}
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(cfg).Error
	}
	return errFind
}
