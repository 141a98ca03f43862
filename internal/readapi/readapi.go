package readapi

import (
	"context"
	"errors"
	"time"

	"github.com/apiquota/governor/internal/models"
	"github.com/apiquota/governor/internal/pattern"
	"github.com/apiquota/governor/internal/pipeline"
	"github.com/apiquota/governor/internal/queue"
	"github.com/apiquota/governor/internal/settings"
	"github.com/apiquota/governor/internal/store"
)

// ErrProOnly reports a pro-gated call made for a free-tier tenant.
var ErrProOnly = errors.New("readapi: pro tier required")

// API is the read surface projected to dashboards and the CLI. All queries
// are pure reads except AnalyzeNow, which stores the patterns it finds, and
// the admin mutators at the bottom.
type API struct {
	store    *store.Store
	queue    *queue.Queue
	detector *pattern.Detector
	manager  *pipeline.Manager
	now      func() time.Time
}

// New constructs the read API over the same components the manager owns.
func New(st *store.Store, q *queue.Queue, detector *pattern.Detector, manager *pipeline.Manager, now func() time.Time) *API {
	if st == nil || q == nil || detector == nil || manager == nil {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &API{store: st, queue: q, detector: detector, manager: manager, now: now}
}

// Status returns the tenant snapshot.
func (a *API) Status(ctx context.Context, tenant string) (*pipeline.Status, error) {
	if a == nil {
		return nil, errors.New("readapi: not initialized")
	}
	return a.manager.GetStatus(ctx, tenant)
}

// ActiveWindows returns the tenant's live accounting buckets.
func (a *API) ActiveWindows(ctx context.Context, tenant string) ([]models.Window, error) {
	if a == nil {
		return nil, errors.New("readapi: not initialized")
	}
	return a.store.ActiveWindows(ctx, tenant)
}

// Patterns returns stored patterns, highest confidence first.
func (a *API) Patterns(ctx context.Context, tenant string, limit int) ([]models.Pattern, error) {
	if a == nil {
		return nil, errors.New("readapi: not initialized")
	}
	return a.store.ListPatterns(ctx, tenant, limit)
}

// QueueView pairs a tenant's entries with aggregate statistics.
type QueueView struct {
	Entries []models.QueueEntry `json:"entries"`
	Stats   store.QueueStats    `json:"stats"`
}

// Queue returns the tenant's queue in drain order with statistics.
func (a *API) Queue(ctx context.Context, tenant string, limit int) (*QueueView, error) {
	if a == nil {
		return nil, errors.New("readapi: not initialized")
	}
	entries, errList := a.queue.List(ctx, tenant, limit)
	if errList != nil {
		return nil, errList
	}
	stats, errStats := a.queue.Stats(ctx, tenant)
	if errStats != nil {
		return nil, errStats
	}
	return &QueueView{Entries: entries, Stats: stats}, nil
}

// Events returns the tenant's decision stream, newest first, optionally
// filtered by kind and bounded to a trailing timeframe.
func (a *API) Events(ctx context.Context, tenant string, kind models.EventKind, timeframe time.Duration, limit int) ([]models.Event, error) {
	if a == nil {
		return nil, errors.New("readapi: not initialized")
	}
	since := time.Time{}
	if timeframe > 0 {
		since = a.now().UTC().Add(-timeframe)
	}
	return a.store.ListEvents(ctx, tenant, kind, since, limit)
}

// Predict returns usage predictions for a pro tenant.
func (a *API) Predict(ctx context.Context, tenant string) (*pattern.Prediction, error) {
	if a == nil {
		return nil, errors.New("readapi: not initialized")
	}
	caps, errCaps := a.tenantCapabilities(ctx, tenant)
	if errCaps != nil {
		return nil, errCaps
	}
	if !caps.MayLearnPatterns {
		return nil, ErrProOnly
	}
	return a.detector.PredictUsage(ctx, tenant)
}

// AnalyzeNow is the out-of-band analysis trigger, equivalent to what
// session-end runs, for eligible tenants.
func (a *API) AnalyzeNow(ctx context.Context, tenant string) (*pattern.Analysis, error) {
	if a == nil {
		return nil, errors.New("readapi: not initialized")
	}
	caps, errCaps := a.tenantCapabilities(ctx, tenant)
	if errCaps != nil {
		return nil, errCaps
	}
	if !caps.MayLearnPatterns {
		return nil, ErrProOnly
	}
	return a.detector.Analyze(ctx, tenant)
}

// SetLimit stores per-tenant ceiling overrides, gated on
// may-use-custom-limits.
func (a *API) SetLimit(ctx context.Context, tenant string, rpm, tpm *int) error {
	if a == nil {
		return errors.New("readapi: not initialized")
	}
	caps, errCaps := a.tenantCapabilities(ctx, tenant)
	if errCaps != nil {
		return errCaps
	}
	if !caps.MayUseCustomLimits {
		return ErrProOnly
	}
	return a.store.SetTenantCustomLimits(ctx, tenant, rpm, tpm, nil)
}

// CancelQueued cancels a pending entry by queue id.
func (a *API) CancelQueued(ctx context.Context, queueID string) error {
	if a == nil {
		return errors.New("readapi: not initialized")
	}
	return a.queue.Cancel(ctx, queueID)
}

// UpdateQueuePriority repositions a pending entry.
func (a *API) UpdateQueuePriority(ctx context.Context, queueID string, priority int) error {
	if a == nil {
		return errors.New("readapi: not initialized")
	}
	return a.queue.UpdatePriority(ctx, queueID, priority)
}

// QueuePosition returns how many entries are ahead of a pending entry.
func (a *API) QueuePosition(ctx context.Context, queueID string) (int64, error) {
	if a == nil {
		return 0, errors.New("readapi: not initialized")
	}
	return a.queue.Position(ctx, queueID)
}

func (a *API) tenantCapabilities(ctx context.Context, tenant string) (models.Capabilities, error) {
	tenantRow, errEnsure := a.store.EnsureTenant(ctx, tenant)
	if errEnsure != nil {
		return models.Capabilities{}, errEnsure
	}
	return settings.TierCapabilities(tenantRow.EffectiveTier(a.now().UTC())), nil
}
