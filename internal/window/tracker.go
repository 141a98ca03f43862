package window

import (
	"context"
	"errors"
	"time"

	"github.com/apiquota/governor/internal/models"
	"github.com/apiquota/governor/internal/settings"
	"github.com/apiquota/governor/internal/store"
)

// Decision is the outcome of one would-exceed check against one horizon.
type Decision struct {
	Exceeded    bool           `json:"exceeded"`
	Horizon     models.Horizon `json:"horizon"`
	Current     int64          `json:"current"`
	Limit       int            `json:"limit"`
	PercentUsed float64        `json:"percent_used"`
	// TokenBound marks a decision driven by the token ceiling rather than
	// the request ceiling.
	TokenBound bool `json:"token_bound,omitempty"`
}

// Tracker owns the sliding-window arithmetic for (tenant, provider, model,
// horizon) keys. Windows are request-anchored: a fresh window starts at the
// instant of the first admission that needs one.
type Tracker struct {
	store *store.Store
	now   func() time.Time
}

// New constructs a tracker. A nil now func defaults to time.Now.
func New(st *store.Store, now func() time.Time) *Tracker {
	if st == nil {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{store: st, now: now}
}

// ResolveLimits resolves the ceiling set for a (provider, model, tier):
// exact (provider, model, tier) row, then the provider-wide nil-model row,
// then the built-in default table, then the tenant's base allowance.
// Custom per-tenant overrides apply last, gated by may-use-custom-limits.
func (t *Tracker) ResolveLimits(ctx context.Context, provider, model string, tier models.Tier, tenant *models.Tenant) (models.ResolvedLimits, error) {
	if t == nil || t.store == nil {
		return models.ResolvedLimits{}, errors.New("window tracker: not initialized")
	}

	var limits models.ResolvedLimits
	cfg, errFind := t.store.GetLimitConfig(ctx, provider, model, tier)
	if errFind != nil {
		return models.ResolvedLimits{}, errFind
	}
	if cfg != nil {
		limits = models.ResolvedLimits{
			RequestsPerMinute: cfg.RequestsPerMinute,
			RequestsPerHour:   cfg.RequestsPerHour,
			RequestsPerDay:    cfg.RequestsPerDay,
			TokensPerMinute:   cfg.TokensPerMinute,
			TokensPerDay:      cfg.TokensPerDay,
		}
	} else if defaults, ok := settings.DefaultLimits(provider, tier); ok {
		limits = defaults
	} else if tenant != nil && tenant.BaseRPM > 0 {
		base := tenant.BaseRPM
		limits = models.ResolvedLimits{RequestsPerMinute: &base}
	}

	if tenant != nil && settings.TierCapabilities(tier).MayUseCustomLimits {
		if tenant.CustomRequestsPerMinute != nil {
			limits.RequestsPerMinute = tenant.CustomRequestsPerMinute
		}
		if tenant.CustomTokensPerMinute != nil {
			limits.TokensPerMinute = tenant.CustomTokensPerMinute
		}
	}
	return limits, nil
}

// WouldExceed reports whether admitting one more request against a horizon
// would breach its ceilings. The token check is a soft pre-check against
// current counts; estimatedTokens, when positive, adds a forward check.
// Ensures a current window exists, rotating a stale one first.
func (t *Tracker) WouldExceed(ctx context.Context, tenant, provider, model string, horizon models.Horizon, limits models.ResolvedLimits, estimatedTokens int64) (Decision, error) {
	w, errCurrent := t.current(ctx, tenant, provider, model, horizon, limits)
	if errCurrent != nil {
		return Decision{Horizon: horizon}, errCurrent
	}

	decision := Decision{Horizon: horizon, Current: w.RequestCount}
	if w.RequestLimit != nil {
		decision.Limit = *w.RequestLimit
		decision.PercentUsed = percentOf(w.RequestCount, *w.RequestLimit)
		if w.RequestCount >= int64(*w.RequestLimit) {
			decision.Exceeded = true
			return decision, nil
		}
	}
	if w.TokenLimit != nil {
		if w.TokenCount >= int64(*w.TokenLimit) {
			return Decision{
				Exceeded:    true,
				Horizon:     horizon,
				Current:     w.TokenCount,
				Limit:       *w.TokenLimit,
				PercentUsed: percentOf(w.TokenCount, *w.TokenLimit),
				TokenBound:  true,
			}, nil
		}
		if estimatedTokens > 0 && w.TokenCount+estimatedTokens >= int64(*w.TokenLimit) {
			return Decision{
				Exceeded:    true,
				Horizon:     horizon,
				Current:     w.TokenCount,
				Limit:       *w.TokenLimit,
				PercentUsed: percentOf(w.TokenCount, *w.TokenLimit),
				TokenBound:  true,
			}, nil
		}
	}
	return decision, nil
}

// Increment reserves one request slot and deltaTokens tokens against the
// current window, creating or rotating it first.
func (t *Tracker) Increment(ctx context.Context, tenant, provider, model string, horizon models.Horizon, limits models.ResolvedLimits, deltaTokens int64) error {
	w, errCurrent := t.current(ctx, tenant, provider, model, horizon, limits)
	if errCurrent != nil {
		return errCurrent
	}
	return t.store.IncrementWindow(ctx, w.ID, deltaTokens)
}

// AddTokens records post-call token usage without double-counting the request.
func (t *Tracker) AddTokens(ctx context.Context, tenant, provider, model string, horizon models.Horizon, limits models.ResolvedLimits, deltaTokens int64) error {
	if deltaTokens <= 0 {
		return nil
	}
	w, errCurrent := t.current(ctx, tenant, provider, model, horizon, limits)
	if errCurrent != nil {
		return errCurrent
	}
	return t.store.AddWindowTokens(ctx, w.ID, deltaTokens)
}

// ActiveWindows returns the materialized active-window view for a tenant.
func (t *Tracker) ActiveWindows(ctx context.Context, tenant string) ([]models.Window, error) {
	if t == nil || t.store == nil {
		return nil, errors.New("window tracker: not initialized")
	}
	return t.store.ActiveWindows(ctx, tenant)
}

// current returns the active, unexpired window for a key, rotating a stale
// row or creating a fresh one aligned to [now, now+duration).
func (t *Tracker) current(ctx context.Context, tenant, provider, model string, horizon models.Horizon, limits models.ResolvedLimits) (*models.Window, error) {
	if t == nil || t.store == nil {
		return nil, errors.New("window tracker: not initialized")
	}
	duration := horizon.Duration()
	if duration <= 0 {
		return nil, errors.New("window tracker: unknown horizon")
	}

	now := t.now().UTC()
	w, errFind := t.store.ActiveWindow(ctx, tenant, provider, model, horizon)
	if errFind != nil {
		return nil, errFind
	}
	if w != nil && !w.Stale(now) {
		return w, nil
	}
	if w != nil {
		if errDeactivate := t.store.DeactivateWindow(ctx, w.ID); errDeactivate != nil {
			return nil, errDeactivate
		}
	}

	fresh := &models.Window{
		Tenant:       tenant,
		Provider:     provider,
		Model:        model,
		Horizon:      horizon,
		Start:        now,
		End:          now.Add(duration),
		RequestLimit: limits.RequestLimitFor(horizon),
		TokenLimit:   limits.TokenLimitFor(horizon),
		Active:       true,
	}
	if errCreate := t.store.CreateWindow(ctx, fresh); errCreate != nil {
		// A concurrent caller may have rotated first; fall back to its row.
		existing, errRetry := t.store.ActiveWindow(ctx, tenant, provider, model, horizon)
		if errRetry == nil && existing != nil && !existing.Stale(now) {
			return existing, nil
		}
		return nil, errCreate
	}
	return fresh, nil
}

func percentOf(current int64, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(current) / float64(limit) * 100
}
