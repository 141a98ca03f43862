package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/apiquota/governor/internal/db"
	"github.com/apiquota/governor/internal/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return New(conn)
}

func intPtr(n int) *int { return &n }

func TestEnsureTenantLazyInit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	tenant, errEnsure := st.EnsureTenant(ctx, "wallet-1")
	if errEnsure != nil {
		t.Fatalf("ensure tenant: %v", errEnsure)
	}
	if tenant.Tier != models.TierFree {
		t.Fatalf("new tenant tier: got %s want free", tenant.Tier)
	}
	if tenant.BaseRPM != 100 {
		t.Fatalf("new tenant base rpm: got %d want 100", tenant.BaseRPM)
	}

	again, errAgain := st.EnsureTenant(ctx, "wallet-1")
	if errAgain != nil {
		t.Fatalf("ensure tenant again: %v", errAgain)
	}
	if again.ID != tenant.ID {
		t.Fatalf("ensure tenant should reuse the row: %d vs %d", again.ID, tenant.ID)
	}
}

func TestEffectiveTierRequiresUnexpiredPaidUntil(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := now.Add(-time.Hour)
	if errSet := st.SetTenantTier(ctx, "wallet-2", models.TierPro, &expired); errSet != nil {
		t.Fatalf("set tier: %v", errSet)
	}
	tenant, _ := st.GetTenant(ctx, "wallet-2")
	if tenant.EffectiveTier(now) != models.TierFree {
		t.Fatalf("elapsed paid-until should resolve free")
	}

	future := now.Add(time.Hour)
	if errSet := st.SetTenantTier(ctx, "wallet-2", models.TierPro, &future); errSet != nil {
		t.Fatalf("set tier: %v", errSet)
	}
	tenant, _ = st.GetTenant(ctx, "wallet-2")
	if tenant.EffectiveTier(now) != models.TierPro {
		t.Fatalf("unexpired paid-until should resolve pro")
	}

	if errSet := st.SetTenantTier(ctx, "wallet-2", models.TierPro, nil); errSet != nil {
		t.Fatalf("set tier: %v", errSet)
	}
	tenant, _ = st.GetTenant(ctx, "wallet-2")
	if tenant.EffectiveTier(now) != models.TierFree {
		t.Fatalf("absent paid-until should resolve free")
	}
}

func TestGetLimitConfigPrecedence(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if errUpsert := st.UpsertLimitConfig(ctx, &models.LimitConfig{
		Provider:          "anthropic",
		Tier:              models.TierFree,
		RequestsPerMinute: intPtr(30),
	}); errUpsert != nil {
		t.Fatalf("upsert wildcard: %v", errUpsert)
	}
	model := "claude-sonnet"
	if errUpsert := st.UpsertLimitConfig(ctx, &models.LimitConfig{
		Provider:          "anthropic",
		Model:             &model,
		Tier:              models.TierFree,
		RequestsPerMinute: intPtr(10),
	}); errUpsert != nil {
		t.Fatalf("upsert exact: %v", errUpsert)
	}

	cfg, errGet := st.GetLimitConfig(ctx, "anthropic", "claude-sonnet", models.TierFree)
	if errGet != nil {
		t.Fatalf("get exact: %v", errGet)
	}
	if cfg == nil || cfg.Model == nil || *cfg.RequestsPerMinute != 10 {
		t.Fatalf("exact model row should win: %+v", cfg)
	}

	cfg, errGet = st.GetLimitConfig(ctx, "anthropic", "claude-opus", models.TierFree)
	if errGet != nil {
		t.Fatalf("get fallback: %v", errGet)
	}
	if cfg == nil || cfg.Model != nil || *cfg.RequestsPerMinute != 30 {
		t.Fatalf("wildcard row should serve unknown models: %+v", cfg)
	}

	cfg, errGet = st.GetLimitConfig(ctx, "openai", "gpt", models.TierFree)
	if errGet != nil {
		t.Fatalf("get unconfigured: %v", errGet)
	}
	if cfg != nil {
		t.Fatalf("unconfigured provider should return nothing, got %+v", cfg)
	}
}

func TestUpsertLimitConfigReplacesOnKey(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if errUpsert := st.UpsertLimitConfig(ctx, &models.LimitConfig{
		Provider:          "openai",
		Tier:              models.TierPro,
		RequestsPerMinute: intPtr(100),
	}); errUpsert != nil {
		t.Fatalf("first upsert: %v", errUpsert)
	}
	if errUpsert := st.UpsertLimitConfig(ctx, &models.LimitConfig{
		Provider:          "openai",
		Tier:              models.TierPro,
		RequestsPerMinute: intPtr(200),
		TokensPerMinute:   intPtr(50000),
	}); errUpsert != nil {
		t.Fatalf("second upsert: %v", errUpsert)
	}

	var count int64
	if errCount := st.db.Model(&models.LimitConfig{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("upsert should replace, not duplicate: %d rows", count)
	}

	cfg, _ := st.GetLimitConfig(ctx, "openai", "", models.TierPro)
	if cfg == nil || *cfg.RequestsPerMinute != 200 || *cfg.TokensPerMinute != 50000 {
		t.Fatalf("replaced values not applied: %+v", cfg)
	}
}

func TestWindowLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	w := &models.Window{
		Tenant:       "wallet-3",
		Provider:     "anthropic",
		Model:        "claude",
		Horizon:      models.HorizonMinute,
		Start:        now,
		End:          now.Add(time.Minute),
		RequestLimit: intPtr(50),
	}
	if errCreate := st.CreateWindow(ctx, w); errCreate != nil {
		t.Fatalf("create window: %v", errCreate)
	}

	if errIncrement := st.IncrementWindow(ctx, w.ID, 100); errIncrement != nil {
		t.Fatalf("increment: %v", errIncrement)
	}
	if errAdd := st.AddWindowTokens(ctx, w.ID, 50); errAdd != nil {
		t.Fatalf("add tokens: %v", errAdd)
	}

	active, errActive := st.ActiveWindow(ctx, "wallet-3", "anthropic", "claude", models.HorizonMinute)
	if errActive != nil {
		t.Fatalf("active window: %v", errActive)
	}
	if active == nil || active.RequestCount != 1 || active.TokenCount != 150 {
		t.Fatalf("counts after increment: %+v", active)
	}

	if errDeactivate := st.DeactivateWindow(ctx, w.ID); errDeactivate != nil {
		t.Fatalf("deactivate: %v", errDeactivate)
	}
	active, errActive = st.ActiveWindow(ctx, "wallet-3", "anthropic", "claude", models.HorizonMinute)
	if errActive != nil {
		t.Fatalf("active after deactivate: %v", errActive)
	}
	if active != nil {
		t.Fatalf("deactivated window should not be returned")
	}
}

func TestDequeueOrderingPriorityThenFIFO(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	entries := []*models.QueueEntry{
		{QueueID: "q-low", Tenant: "wallet-4", Provider: "anthropic", Priority: 3, MaxRetries: 3, QueuedAt: base},
		{QueueID: "q-high-early", Tenant: "wallet-4", Provider: "anthropic", Priority: 8, MaxRetries: 3, QueuedAt: base.Add(time.Second)},
		{QueueID: "q-high-late", Tenant: "wallet-4", Provider: "anthropic", Priority: 8, MaxRetries: 3, QueuedAt: base.Add(2 * time.Second)},
	}
	for _, entry := range entries {
		if errEnqueue := st.Enqueue(ctx, entry); errEnqueue != nil {
			t.Fatalf("enqueue %s: %v", entry.QueueID, errEnqueue)
		}
	}

	want := []string{"q-high-early", "q-high-late", "q-low"}
	for _, expected := range want {
		entry, errDequeue := st.DequeueOne(ctx, "wallet-4")
		if errDequeue != nil {
			t.Fatalf("dequeue: %v", errDequeue)
		}
		if entry == nil || entry.QueueID != expected {
			t.Fatalf("dequeue order: got %+v want %s", entry, expected)
		}
		if entry.Status != models.QueueStatusProcessing {
			t.Fatalf("dequeued entry should be processing: %s", entry.Status)
		}
	}

	entry, errDequeue := st.DequeueOne(ctx, "wallet-4")
	if errDequeue != nil {
		t.Fatalf("dequeue empty: %v", errDequeue)
	}
	if entry != nil {
		t.Fatalf("queue should be drained, got %+v", entry)
	}
}

func TestDequeueSkipsExhaustedRetries(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	entry := &models.QueueEntry{
		QueueID: "q-exhausted", Tenant: "wallet-5", Provider: "openai",
		Priority: 5, RetryCount: 3, MaxRetries: 3, QueuedAt: time.Now().UTC(),
	}
	if errEnqueue := st.Enqueue(ctx, entry); errEnqueue != nil {
		t.Fatalf("enqueue: %v", errEnqueue)
	}

	got, errDequeue := st.DequeueOne(ctx, "wallet-5")
	if errDequeue != nil {
		t.Fatalf("dequeue: %v", errDequeue)
	}
	if got != nil {
		t.Fatalf("retry-exhausted entry must not be a candidate: %+v", got)
	}
}

func TestRequeueDoesNotTouchRetryCount(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	entry := &models.QueueEntry{
		QueueID: "q-repend", Tenant: "wallet-6", Provider: "openai",
		Priority: 5, MaxRetries: 3, QueuedAt: time.Now().UTC(),
	}
	if errEnqueue := st.Enqueue(ctx, entry); errEnqueue != nil {
		t.Fatalf("enqueue: %v", errEnqueue)
	}
	claimed, _ := st.DequeueOne(ctx, "wallet-6")
	if claimed == nil {
		t.Fatalf("expected a claimed entry")
	}
	if errRequeue := st.RequeueEntry(ctx, claimed.ID); errRequeue != nil {
		t.Fatalf("requeue: %v", errRequeue)
	}

	reloaded, _ := st.GetQueueEntry(ctx, "q-repend")
	if reloaded.Status != models.QueueStatusPending {
		t.Fatalf("requeued entry should be pending: %s", reloaded.Status)
	}
	if reloaded.RetryCount != 0 {
		t.Fatalf("requeue must not count a retry: %d", reloaded.RetryCount)
	}
}

func TestCompleteQueuedFailureIncrementsRetries(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entry := &models.QueueEntry{
		QueueID: "q-fail", Tenant: "wallet-7", Provider: "openai",
		Priority: 5, MaxRetries: 3, QueuedAt: now,
	}
	if errEnqueue := st.Enqueue(ctx, entry); errEnqueue != nil {
		t.Fatalf("enqueue: %v", errEnqueue)
	}
	claimed, _ := st.DequeueOne(ctx, "wallet-7")
	if errComplete := st.CompleteQueued(ctx, claimed.ID, false, "expired", now); errComplete != nil {
		t.Fatalf("complete: %v", errComplete)
	}

	reloaded, _ := st.GetQueueEntry(ctx, "q-fail")
	if reloaded.Status != models.QueueStatusFailed || reloaded.Error != "expired" {
		t.Fatalf("failed transition: %+v", reloaded)
	}
	if reloaded.RetryCount != 1 {
		t.Fatalf("failure should count a retry: %d", reloaded.RetryCount)
	}
	if reloaded.ProcessedAt == nil {
		t.Fatalf("terminal entry should carry processed_at")
	}
}

func TestQueuePositionCountsStrictlyAhead(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i, spec := range []struct {
		id       string
		priority int
		offset   time.Duration
	}{
		{"q-a", 9, 0},
		{"q-b", 5, time.Second},
		{"q-c", 5, 2 * time.Second},
	} {
		entry := &models.QueueEntry{
			QueueID: spec.id, Tenant: "wallet-8", Provider: "openai",
			Priority: spec.priority, MaxRetries: 3, QueuedAt: base.Add(spec.offset),
		}
		if errEnqueue := st.Enqueue(ctx, entry); errEnqueue != nil {
			t.Fatalf("enqueue %d: %v", i, errEnqueue)
		}
	}

	last, _ := st.GetQueueEntry(ctx, "q-c")
	position, errPosition := st.QueuePosition(ctx, last)
	if errPosition != nil {
		t.Fatalf("position: %v", errPosition)
	}
	if position != 2 {
		t.Fatalf("position: got %d want 2", position)
	}

	first, _ := st.GetQueueEntry(ctx, "q-a")
	position, _ = st.QueuePosition(ctx, first)
	if position != 0 {
		t.Fatalf("head position: got %d want 0", position)
	}
}

func TestQueueStatsAggregates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	pendingEntry := &models.QueueEntry{QueueID: "q-pend", Tenant: "wallet-9", Provider: "openai", Priority: 5, MaxRetries: 3, QueuedAt: base}
	if errEnqueue := st.Enqueue(ctx, pendingEntry); errEnqueue != nil {
		t.Fatalf("enqueue: %v", errEnqueue)
	}
	doneEntry := &models.QueueEntry{QueueID: "q-done", Tenant: "wallet-9", Provider: "openai", Priority: 5, MaxRetries: 3, QueuedAt: base}
	if errEnqueue := st.Enqueue(ctx, doneEntry); errEnqueue != nil {
		t.Fatalf("enqueue: %v", errEnqueue)
	}
	claimed, _ := st.DequeueOne(ctx, "wallet-9")
	if errComplete := st.CompleteQueued(ctx, claimed.ID, true, "", base.Add(2*time.Second)); errComplete != nil {
		t.Fatalf("complete: %v", errComplete)
	}

	stats, errStats := st.QueueStatsFor(ctx, "wallet-9")
	if errStats != nil {
		t.Fatalf("stats: %v", errStats)
	}
	if stats.Pending != 1 || stats.Completed != 1 {
		t.Fatalf("stats counts: %+v", stats)
	}
	if stats.AvgWaitMs < 1900 || stats.AvgWaitMs > 2100 {
		t.Fatalf("avg wait: got %.0f want ~2000", stats.AvgWaitMs)
	}
}

func TestCancelAndUpdatePriorityPendingOnly(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entry := &models.QueueEntry{QueueID: "q-cancel", Tenant: "wallet-10", Provider: "openai", Priority: 5, MaxRetries: 3, QueuedAt: now}
	if errEnqueue := st.Enqueue(ctx, entry); errEnqueue != nil {
		t.Fatalf("enqueue: %v", errEnqueue)
	}

	updated, errUpdate := st.UpdateQueuePriority(ctx, "q-cancel", 9)
	if errUpdate != nil || !updated {
		t.Fatalf("update priority: %v updated=%v", errUpdate, updated)
	}

	cancelled, errCancel := st.CancelQueued(ctx, "q-cancel", now)
	if errCancel != nil || !cancelled {
		t.Fatalf("cancel: %v cancelled=%v", errCancel, cancelled)
	}
	reloaded, _ := st.GetQueueEntry(ctx, "q-cancel")
	if reloaded.Status != models.QueueStatusFailed || reloaded.Error != "cancelled" {
		t.Fatalf("cancel transition: %+v", reloaded)
	}

	cancelled, errCancel = st.CancelQueued(ctx, "q-cancel", now)
	if errCancel != nil {
		t.Fatalf("cancel terminal: %v", errCancel)
	}
	if cancelled {
		t.Fatalf("cancel of a terminal entry should not transition")
	}
	updated, _ = st.UpdateQueuePriority(ctx, "q-cancel", 2)
	if updated {
		t.Fatalf("priority update of a terminal entry should not apply")
	}
}

func TestListEventsFilters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, kind := range []models.EventKind{models.EventAllowed, models.EventBlocked, models.EventAllowed} {
		event := &models.Event{
			Tenant: "wallet-11", Provider: "anthropic", Model: "claude",
			Timestamp: now.Add(time.Duration(i) * time.Second), Kind: kind,
		}
		if errRecord := st.RecordEvent(ctx, event); errRecord != nil {
			t.Fatalf("record event: %v", errRecord)
		}
	}

	events, errList := st.ListEvents(ctx, "wallet-11", "", time.Time{}, 10)
	if errList != nil {
		t.Fatalf("list: %v", errList)
	}
	if len(events) != 3 {
		t.Fatalf("list all: got %d want 3", len(events))
	}
	if !events[0].Timestamp.After(events[2].Timestamp) {
		t.Fatalf("events should be newest first")
	}

	events, _ = st.ListEvents(ctx, "wallet-11", models.EventBlocked, time.Time{}, 10)
	if len(events) != 1 || events[0].Kind != models.EventBlocked {
		t.Fatalf("kind filter: %+v", events)
	}

	allowed, errAllowed := st.AllowedEventsSince(ctx, "wallet-11", now.Add(-time.Minute))
	if errAllowed != nil {
		t.Fatalf("allowed since: %v", errAllowed)
	}
	if len(allowed) != 2 {
		t.Fatalf("allowed events: got %d want 2", len(allowed))
	}
}

func TestUpsertPatternRefreshes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	pattern := &models.Pattern{
		PatternID: "pat-1", Tenant: "wallet-12", Kind: models.PatternBurst,
		Label: "bursty", Confidence: 0.7, FirstDetected: now, LastObserved: now,
	}
	if errUpsert := st.UpsertPattern(ctx, pattern); errUpsert != nil {
		t.Fatalf("upsert: %v", errUpsert)
	}

	refreshed := *pattern
	refreshed.Confidence = 0.9
	refreshed.LastObserved = now.Add(time.Hour)
	if errUpsert := st.UpsertPattern(ctx, &refreshed); errUpsert != nil {
		t.Fatalf("refresh: %v", errUpsert)
	}

	patterns, errList := st.ListPatterns(ctx, "wallet-12", 10)
	if errList != nil {
		t.Fatalf("list: %v", errList)
	}
	if len(patterns) != 1 {
		t.Fatalf("upsert should refresh in place: %d rows", len(patterns))
	}
	if patterns[0].Confidence != 0.9 {
		t.Fatalf("refreshed confidence: %f", patterns[0].Confidence)
	}
	if !patterns[0].FirstDetected.Equal(pattern.FirstDetected) {
		t.Fatalf("first_detected should survive refreshes")
	}
}
