package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/apiquota/governor/internal/models"
	"github.com/apiquota/governor/internal/pattern"
	"github.com/apiquota/governor/internal/queue"
	"github.com/apiquota/governor/internal/settings"
	"github.com/apiquota/governor/internal/store"
	"github.com/apiquota/governor/internal/window"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gorm.io/datatypes"
)

// decisionKey is the payload field carrying the pre-call decision record
// into the post-call hook.
const decisionKey = "_quota_decision"

// HookRequest is the mutable request context threaded through the three
// pipeline hooks. Payload is the serialized request body; PreCall attaches
// its decision record into it.
type HookRequest struct {
	RequestID string
	Provider  string
	Model     string
	Tenant    string
	SessionID string
	Payload   []byte
}

// sessionState is the in-memory per-session roster entry.
type sessionState struct {
	tenant    string
	startedAt time.Time
	requests  []string
}

// Manager orchestrates admission control. It owns the per-tenant mutex that
// makes the composite pre-call, post-call and drain sections atomic; for
// different tenants the hooks run fully in parallel.
type Manager struct {
	store    *store.Store
	tracker  *window.Tracker
	queue    *queue.Queue
	detector *pattern.Detector
	now      func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	sessionsMu sync.Mutex
	sessions   map[string]*sessionState
}

// NewManager composes the governor core. A nil now func defaults to time.Now.
// Hosts construct exactly one Manager and thread it through explicitly.
func NewManager(st *store.Store, tracker *window.Tracker, q *queue.Queue, detector *pattern.Detector, now func() time.Time) *Manager {
	if st == nil || tracker == nil || q == nil || detector == nil {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:    st,
		tracker:  tracker,
		queue:    q,
		detector: detector,
		now:      now,
		locks:    map[string]*sync.Mutex{},
		sessions: map[string]*sessionState{},
	}
}

// PreCall decides whether a request may proceed. It returns nil on admit
// (after pre-incrementing every horizon), a QueuedError when the request was
// deferred, a LimitExceededError when blocked, and queue.ErrQueueDisabled /
// queue.ErrQueueFull / ErrInvalidInput as named in the error taxonomy.
// Storage errors in this path fail closed: they surface as a
// LimitExceededError with StoreFailure set, never as a silent admit.
func (m *Manager) PreCall(ctx context.Context, req *HookRequest) error {
	if m == nil {
		return errors.New("pipeline: manager not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if req == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Tenant) == "" {
		return fmt.Errorf("%w: tenant is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Provider) == "" {
		return fmt.Errorf("%w: provider is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.RequestID) == "" {
		req.RequestID = uuid.NewString()
	}

	priority := 0
	if raw := gjson.GetBytes(req.Payload, "priority"); raw.Exists() {
		priority = int(raw.Int())
		if priority < models.QueuePriorityMin || priority > models.QueuePriorityMax {
			return fmt.Errorf("%w: priority %d out of range", ErrInvalidInput, priority)
		}
	}

	now := m.now().UTC()
	tenantRow, errEnsure := m.store.EnsureTenant(ctx, req.Tenant)
	if errEnsure != nil {
		return m.failClosed(ctx, req, models.HorizonMinute, errEnsure, now)
	}
	tier := tenantRow.EffectiveTier(now)
	caps := settings.TierCapabilities(tier)

	lock := m.tenantLock(req.Tenant)
	lock.Lock()
	defer lock.Unlock()

	limits, errResolve := m.tracker.ResolveLimits(ctx, req.Provider, req.Model, tier, tenantRow)
	if errResolve != nil {
		return m.failClosed(ctx, req, models.HorizonMinute, errResolve, now)
	}
	estimate := EstimateTokens(req.Payload)

	var minuteDecision window.Decision
	for _, horizon := range models.EnforcedHorizons {
		decision, errCheck := m.tracker.WouldExceed(ctx, req.Tenant, req.Provider, req.Model, horizon, limits, estimate)
		if errCheck != nil {
			return m.failClosed(ctx, req, horizon, errCheck, now)
		}
		if horizon == models.HorizonMinute {
			minuteDecision = decision
		}
		if !decision.Exceeded {
			continue
		}

		if tier == models.TierPro && caps.MayQueue {
			entry, errEnqueue := m.queue.Enqueue(ctx, tenantRow, caps, req.Provider, req.Model, req.Payload, priority)
			if errEnqueue == nil {
				m.recordDecision(ctx, req, models.EventQueued, decision, entry.QueueID, nil, now)
				return &QueuedError{
					QueueID:     entry.QueueID,
					Horizon:     decision.Horizon,
					Current:     decision.Current,
					Limit:       decision.Limit,
					PercentUsed: decision.PercentUsed,
				}
			}
			if errors.Is(errEnqueue, queue.ErrQueueFull) || errors.Is(errEnqueue, queue.ErrQueueDisabled) {
				m.recordDecision(ctx, req, models.EventBlocked, decision, "", nil, now)
				return errEnqueue
			}
			if errors.Is(errEnqueue, queue.ErrInvalidPriority) {
				return fmt.Errorf("%w: %v", ErrInvalidInput, errEnqueue)
			}
			log.WithError(errEnqueue).Warnf("pipeline: enqueue failed (tenant=%s)", req.Tenant)
		}
		m.recordDecision(ctx, req, models.EventBlocked, decision, "", nil, now)
		return &LimitExceededError{
			Horizon:     decision.Horizon,
			Current:     decision.Current,
			Limit:       decision.Limit,
			PercentUsed: decision.PercentUsed,
		}
	}

	for _, horizon := range models.EnforcedHorizons {
		if errIncrement := m.tracker.Increment(ctx, req.Tenant, req.Provider, req.Model, horizon, limits, 0); errIncrement != nil {
			return m.failClosed(ctx, req, horizon, errIncrement, now)
		}
	}
	m.recordDecision(ctx, req, models.EventAllowed, minuteDecision, "", nil, now)

	if updated, errSet := sjson.SetBytes(req.Payload, decisionKey, map[string]any{
		"allowed":    true,
		"request_id": req.RequestID,
		"decided_at": now.Format(time.RFC3339Nano),
	}); errSet == nil {
		req.Payload = updated
	} else {
		log.WithError(errSet).Warnf("pipeline: attach decision failed (request=%s)", req.RequestID)
	}

	m.registerSession(req.SessionID, req.Tenant, req.RequestID, now)
	return nil
}

// PostCall finalizes token accounting for an admitted request and drains the
// queue opportunistically. It never returns an error to the host: a
// successful provider call must not be invalidated by accounting failures.
func (m *Manager) PostCall(ctx context.Context, req *HookRequest, response []byte) {
	if m == nil || req == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !gjson.GetBytes(req.Payload, decisionKey+".allowed").Bool() {
		// The request was queued or blocked; windows were not pre-incremented.
		return
	}

	now := m.now().UTC()
	tenantRow, errEnsure := m.store.EnsureTenant(ctx, req.Tenant)
	if errEnsure != nil {
		log.WithError(errEnsure).Warnf("pipeline: post-call tenant load failed (tenant=%s)", req.Tenant)
		return
	}
	tier := tenantRow.EffectiveTier(now)
	caps := settings.TierCapabilities(tier)

	lock := m.tenantLock(req.Tenant)
	lock.Lock()
	defer lock.Unlock()

	tokens := TokensFromResponse(response)
	if tokens > 0 {
		limits, errResolve := m.tracker.ResolveLimits(ctx, req.Provider, req.Model, tier, tenantRow)
		if errResolve != nil {
			log.WithError(errResolve).Warnf("pipeline: post-call limit resolve failed (tenant=%s)", req.Tenant)
		} else {
			for _, horizon := range models.EnforcedHorizons {
				if errAdd := m.tracker.AddTokens(ctx, req.Tenant, req.Provider, req.Model, horizon, limits, tokens); errAdd != nil {
					log.WithError(errAdd).Warnf("pipeline: add tokens failed (tenant=%s horizon=%s)", req.Tenant, horizon)
				}
			}
		}
	}

	if tier == models.TierPro && caps.MayQueue {
		m.drainQueue(ctx, tenantRow, tier)
	}
}

// drainQueue admits pending entries while minute capacity holds, bounded per
// post-call so one caller never does unbounded work.
func (m *Manager) drainQueue(ctx context.Context, tenantRow *models.Tenant, tier models.Tier) {
	bound := settings.IntValue(settings.DrainBoundKey, settings.DefaultDrainBound)
	if bound <= 0 {
		bound = settings.DefaultDrainBound
	}
	maxAge := queue.MaxAge()

	for i := 0; i < bound; i++ {
		entry, errDequeue := m.queue.DequeueNext(ctx, tenantRow.Wallet, maxAge)
		if errDequeue != nil {
			log.WithError(errDequeue).Warnf("pipeline: drain dequeue failed (tenant=%s)", tenantRow.Wallet)
			return
		}
		if entry == nil {
			return
		}

		limits, errResolve := m.tracker.ResolveLimits(ctx, entry.Provider, entry.Model, tier, tenantRow)
		if errResolve != nil {
			log.WithError(errResolve).Warnf("pipeline: drain limit resolve failed (tenant=%s)", tenantRow.Wallet)
			m.requeueQuietly(ctx, entry)
			return
		}
		decision, errCheck := m.tracker.WouldExceed(ctx, tenantRow.Wallet, entry.Provider, entry.Model, models.HorizonMinute, limits, 0)
		if errCheck != nil {
			log.WithError(errCheck).Warnf("pipeline: drain admit check failed (tenant=%s)", tenantRow.Wallet)
			m.requeueQuietly(ctx, entry)
			return
		}
		if decision.Exceeded {
			m.requeueQuietly(ctx, entry)
			return
		}

		drainedAt := m.now().UTC()
		if errComplete := m.queue.Complete(ctx, entry, true, ""); errComplete != nil {
			log.WithError(errComplete).Warnf("pipeline: drain complete failed (queue_id=%s)", entry.QueueID)
			return
		}
		for _, horizon := range models.EnforcedHorizons {
			if errIncrement := m.tracker.Increment(ctx, tenantRow.Wallet, entry.Provider, entry.Model, horizon, limits, 0); errIncrement != nil {
				log.WithError(errIncrement).Warnf("pipeline: drain increment failed (queue_id=%s horizon=%s)", entry.QueueID, horizon)
			}
		}

		queueTimeMs := drainedAt.Sub(entry.QueuedAt).Milliseconds()
		event := &models.Event{
			Tenant:      tenantRow.Wallet,
			Provider:    entry.Provider,
			Model:       entry.Model,
			Timestamp:   drainedAt,
			Kind:        models.EventAllowed,
			RequestID:   entry.QueueID,
			WasQueued:   true,
			QueueTimeMs: &queueTimeMs,
		}
		if errRecord := m.store.RecordEvent(ctx, event); errRecord != nil {
			log.WithError(errRecord).Warnf("pipeline: drain event append failed (queue_id=%s)", entry.QueueID)
		}
	}
}

func (m *Manager) requeueQuietly(ctx context.Context, entry *models.QueueEntry) {
	if errRequeue := m.queue.Requeue(ctx, entry); errRequeue != nil {
		log.WithError(errRequeue).Warnf("pipeline: requeue failed (queue_id=%s)", entry.QueueID)
	}
}

// SessionEnd releases the session roster entry, runs pattern analysis for
// eligible tenants and logs a summary. It never returns an error.
func (m *Manager) SessionEnd(ctx context.Context, sessionID, tenant string) {
	if m == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := m.now().UTC()
	state := m.takeSession(sessionID)
	if state != nil {
		log.Infof("pipeline: session ended (session=%s tenant=%s requests=%d duration=%s)",
			sessionID, state.tenant, len(state.requests), now.Sub(state.startedAt))
	}

	tenantRow, errEnsure := m.store.EnsureTenant(ctx, tenant)
	if errEnsure != nil {
		log.WithError(errEnsure).Warnf("pipeline: session-end tenant load failed (tenant=%s)", tenant)
		return
	}
	tier := tenantRow.EffectiveTier(now)
	if tier == models.TierPro && settings.TierCapabilities(tier).MayLearnPatterns {
		if analysis, errAnalyze := m.detector.Analyze(ctx, tenant); errAnalyze != nil {
			log.WithError(errAnalyze).Warnf("pipeline: pattern analysis failed (tenant=%s)", tenant)
		} else if analysis != nil && len(analysis.Patterns) > 0 {
			log.Infof("pipeline: pattern analysis stored %d patterns (tenant=%s confidence=%.2f)",
				len(analysis.Patterns), tenant, analysis.OverallConfidence)
		}
	}

	if windows, errWindows := m.tracker.ActiveWindows(ctx, tenant); errWindows != nil {
		log.WithError(errWindows).Warnf("pipeline: session-end window snapshot failed (tenant=%s)", tenant)
	} else {
		log.Debugf("pipeline: session-end snapshot (tenant=%s active_windows=%d)", tenant, len(windows))
	}
}

// Status is the pure-read snapshot exposed to dashboards and the CLI.
type Status struct {
	Tenant            string              `json:"tenant"`
	Tier              models.Tier         `json:"tier"`
	Capabilities      models.Capabilities `json:"capabilities"`
	BaseRPM           int                 `json:"base_rpm"`
	PaidUntil         *time.Time          `json:"paid_until,omitempty"`
	ActiveWindows     []models.Window     `json:"active_windows"`
	QueueStats        store.QueueStats    `json:"queue_stats"`
	LastDecisionAt    *time.Time          `json:"last_decision_at,omitempty"`
	ConsecutiveBlocks int                 `json:"consecutive_blocks"`
}

// GetStatus returns the tenant snapshot. Pure read; takes no tenant lock.
func (m *Manager) GetStatus(ctx context.Context, tenant string) (*Status, error) {
	if m == nil {
		return nil, errors.New("pipeline: manager not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	tenantRow, errEnsure := m.store.EnsureTenant(ctx, tenant)
	if errEnsure != nil {
		return nil, errEnsure
	}
	now := m.now().UTC()
	tier := tenantRow.EffectiveTier(now)

	windows, errWindows := m.tracker.ActiveWindows(ctx, tenant)
	if errWindows != nil {
		return nil, errWindows
	}
	stats, errStats := m.queue.Stats(ctx, tenant)
	if errStats != nil {
		return nil, errStats
	}

	return &Status{
		Tenant:            tenantRow.Wallet,
		Tier:              tier,
		Capabilities:      settings.TierCapabilities(tier),
		BaseRPM:           tenantRow.BaseRPM,
		PaidUntil:         tenantRow.PaidUntil,
		ActiveWindows:     windows,
		QueueStats:        stats,
		LastDecisionAt:    tenantRow.LastDecisionAt,
		ConsecutiveBlocks: tenantRow.ConsecutiveBlocks,
	}, nil
}

// failClosed converts a storage error in the admission path into a blocked
// decision. The governor never silently admits on a broken store.
func (m *Manager) failClosed(ctx context.Context, req *HookRequest, horizon models.Horizon, cause error, now time.Time) error {
	log.WithError(cause).Errorf("pipeline: admission storage failure, failing closed (tenant=%s request=%s)", req.Tenant, req.RequestID)
	m.recordDecision(ctx, req, models.EventBlocked, window.Decision{Horizon: horizon}, "", cause, now)
	return &LimitExceededError{Horizon: horizon, StoreFailure: true, err: cause}
}

// recordDecision appends the pre-call audit event. Append failures are
// logged, never surfaced: the decision itself already stands.
func (m *Manager) recordDecision(ctx context.Context, req *HookRequest, kind models.EventKind, decision window.Decision, queueID string, cause error, now time.Time) {
	horizon := decision.Horizon
	current := decision.Current
	limit := decision.Limit
	percent := decision.PercentUsed

	detail := map[string]any{
		"horizon":      horizon,
		"current":      current,
		"limit":        limit,
		"percent_used": percent,
	}
	if queueID != "" {
		detail["queue_id"] = queueID
	}
	if cause != nil {
		detail["store_error"] = cause.Error()
	}
	detailJSON, _ := json.Marshal(detail)

	event := &models.Event{
		Tenant:    req.Tenant,
		Provider:  req.Provider,
		Model:     req.Model,
		Timestamp: now,
		Kind:      kind,
		RequestID: req.RequestID,
		WasQueued: kind == models.EventQueued,
		Detail:    datatypes.JSON(detailJSON),
	}
	if kind != models.EventAllowed || limit > 0 {
		event.Horizon = &horizon
		event.CurrentCount = &current
		event.LimitValue = &limit
		event.PercentUsed = &percent
	}
	if errRecord := m.store.RecordEvent(ctx, event); errRecord != nil {
		log.WithError(errRecord).Warnf("pipeline: event append failed (tenant=%s kind=%s)", req.Tenant, kind)
	}

	if errTouch := m.store.TouchTenantDecision(ctx, req.Tenant, now, kind == models.EventBlocked); errTouch != nil {
		log.WithError(errTouch).Warnf("pipeline: tenant decision touch failed (tenant=%s)", req.Tenant)
	}
}

// tenantLock returns the mutex serialising one tenant's critical sections.
func (m *Manager) tenantLock(tenant string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.locks[tenant]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[tenant] = lock
	}
	return lock
}

func (m *Manager) registerSession(sessionID, tenant, requestID string, now time.Time) {
	if strings.TrimSpace(sessionID) == "" {
		return
	}
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	state, ok := m.sessions[sessionID]
	if !ok {
		state = &sessionState{tenant: tenant, startedAt: now}
		m.sessions[sessionID] = state
	}
	state.requests = append(state.requests, requestID)
}

func (m *Manager) takeSession(sessionID string) *sessionState {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	state := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	return state
}
