package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apiquota/governor/internal/db"
	"github.com/apiquota/governor/internal/models"
	"github.com/apiquota/governor/internal/settings"
	"github.com/apiquota/governor/internal/store"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T) (*Queue, *store.Store, *fakeClock) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	st := store.New(conn)
	clock := newFakeClock(time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC))
	return New(st, nil, clock.Now), st, clock
}

func proTenant(t *testing.T, st *store.Store, clock *fakeClock, wallet string) (*models.Tenant, models.Capabilities) {
	t.Helper()
	ctx := context.Background()
	paidUntil := clock.Now().Add(24 * time.Hour)
	if errSet := st.SetTenantTier(ctx, wallet, models.TierPro, &paidUntil); errSet != nil {
		t.Fatalf("set tier: %v", errSet)
	}
	tenant, errGet := st.GetTenant(ctx, wallet)
	if errGet != nil {
		t.Fatalf("get tenant: %v", errGet)
	}
	return tenant, settings.TierCapabilities(models.TierPro)
}

func TestEnqueueDisabledForFreeTier(t *testing.T) {
	q, st, _ := newTestQueue(t)
	ctx := context.Background()

	tenant, errEnsure := st.EnsureTenant(ctx, "free-wallet")
	if errEnsure != nil {
		t.Fatalf("ensure tenant: %v", errEnsure)
	}
	caps := settings.TierCapabilities(models.TierFree)

	_, errEnqueue := q.Enqueue(ctx, tenant, caps, "anthropic", "claude", nil, 0)
	if !errors.Is(errEnqueue, ErrQueueDisabled) {
		t.Fatalf("free tier enqueue: got %v want ErrQueueDisabled", errEnqueue)
	}
}

func TestEnqueueFullQueue(t *testing.T) {
	q, st, clock := newTestQueue(t)
	ctx := context.Background()

	tenant, caps := proTenant(t, st, clock, "pro-wallet")
	caps.MaxQueueSize = 2

	for i := 0; i < 2; i++ {
		if _, errEnqueue := q.Enqueue(ctx, tenant, caps, "anthropic", "claude", nil, 0); errEnqueue != nil {
			t.Fatalf("enqueue %d: %v", i, errEnqueue)
		}
	}
	_, errEnqueue := q.Enqueue(ctx, tenant, caps, "anthropic", "claude", nil, 0)
	if !errors.Is(errEnqueue, ErrQueueFull) {
		t.Fatalf("full queue enqueue: got %v want ErrQueueFull", errEnqueue)
	}
}

func TestEnqueueCustomQueueSizeOverride(t *testing.T) {
	q, st, clock := newTestQueue(t)
	ctx := context.Background()

	tenant, caps := proTenant(t, st, clock, "pro-custom")
	if errSet := st.SetTenantCustomLimits(ctx, "pro-custom", nil, nil, intPtrQ(1)); errSet != nil {
		t.Fatalf("set custom limits: %v", errSet)
	}
	tenant, _ = st.GetTenant(ctx, "pro-custom")

	if _, errEnqueue := q.Enqueue(ctx, tenant, caps, "anthropic", "claude", nil, 0); errEnqueue != nil {
		t.Fatalf("first enqueue: %v", errEnqueue)
	}
	_, errEnqueue := q.Enqueue(ctx, tenant, caps, "anthropic", "claude", nil, 0)
	if !errors.Is(errEnqueue, ErrQueueFull) {
		t.Fatalf("custom size should cap the queue: got %v", errEnqueue)
	}
}

func intPtrQ(n int) *int { return &n }

func TestEnqueuePriorityValidationAndDefault(t *testing.T) {
	q, st, clock := newTestQueue(t)
	ctx := context.Background()

	tenant, caps := proTenant(t, st, clock, "pro-priority")

	if _, errEnqueue := q.Enqueue(ctx, tenant, caps, "anthropic", "claude", nil, 11); !errors.Is(errEnqueue, ErrInvalidPriority) {
		t.Fatalf("priority 11: got %v want ErrInvalidPriority", errEnqueue)
	}

	entry, errEnqueue := q.Enqueue(ctx, tenant, caps, "anthropic", "claude", nil, 0)
	if errEnqueue != nil {
		t.Fatalf("default priority enqueue: %v", errEnqueue)
	}
	if entry.Priority != models.QueuePriorityDefault {
		t.Fatalf("default priority: got %d want %d", entry.Priority, models.QueuePriorityDefault)
	}

	// Without priority-queue-enabled the requested priority is flattened.
	flatCaps := caps
	flatCaps.PriorityQueueEnabled = false
	entry, errEnqueue = q.Enqueue(ctx, tenant, flatCaps, "anthropic", "claude", nil, 9)
	if errEnqueue != nil {
		t.Fatalf("flattened enqueue: %v", errEnqueue)
	}
	if entry.Priority != models.QueuePriorityDefault {
		t.Fatalf("flattened priority: got %d want %d", entry.Priority, models.QueuePriorityDefault)
	}
}

func TestDequeueExpiresAgedEntries(t *testing.T) {
	q, st, clock := newTestQueue(t)
	ctx := context.Background()

	tenant, caps := proTenant(t, st, clock, "pro-expiry")
	entry, errEnqueue := q.Enqueue(ctx, tenant, caps, "anthropic", "claude", nil, 0)
	if errEnqueue != nil {
		t.Fatalf("enqueue: %v", errEnqueue)
	}

	clock.Advance(31 * time.Minute)

	got, errDequeue := q.DequeueNext(ctx, "pro-expiry", 30*time.Minute)
	if errDequeue != nil {
		t.Fatalf("dequeue: %v", errDequeue)
	}
	if got != nil {
		t.Fatalf("expired entry must not be admitted: %+v", got)
	}

	reloaded, _ := st.GetQueueEntry(ctx, entry.QueueID)
	if reloaded.Status != models.QueueStatusFailed || reloaded.Error != "expired" {
		t.Fatalf("expired transition: %+v", reloaded)
	}
}

func TestDequeueReturnsFreshEntry(t *testing.T) {
	q, st, clock := newTestQueue(t)
	ctx := context.Background()

	tenant, caps := proTenant(t, st, clock, "pro-fresh")
	entry, errEnqueue := q.Enqueue(ctx, tenant, caps, "anthropic", "claude", nil, 0)
	if errEnqueue != nil {
		t.Fatalf("enqueue: %v", errEnqueue)
	}

	clock.Advance(time.Minute)

	got, errDequeue := q.DequeueNext(ctx, "pro-fresh", 30*time.Minute)
	if errDequeue != nil {
		t.Fatalf("dequeue: %v", errDequeue)
	}
	if got == nil || got.QueueID != entry.QueueID {
		t.Fatalf("dequeue should claim the entry: %+v", got)
	}
	if got.Status != models.QueueStatusProcessing {
		t.Fatalf("claimed entry status: %s", got.Status)
	}
}

func TestCancelPendingOnly(t *testing.T) {
	q, st, clock := newTestQueue(t)
	ctx := context.Background()

	tenant, caps := proTenant(t, st, clock, "pro-cancel")
	entry, errEnqueue := q.Enqueue(ctx, tenant, caps, "anthropic", "claude", nil, 0)
	if errEnqueue != nil {
		t.Fatalf("enqueue: %v", errEnqueue)
	}

	if errCancel := q.Cancel(ctx, entry.QueueID); errCancel != nil {
		t.Fatalf("cancel: %v", errCancel)
	}
	reloaded, _ := st.GetQueueEntry(ctx, entry.QueueID)
	if reloaded.Status != models.QueueStatusFailed || reloaded.Error != "cancelled" {
		t.Fatalf("cancel transition: %+v", reloaded)
	}

	if errCancel := q.Cancel(ctx, entry.QueueID); !errors.Is(errCancel, ErrNotFound) {
		t.Fatalf("cancel terminal: got %v want ErrNotFound", errCancel)
	}
	if errCancel := q.Cancel(ctx, "missing-id"); !errors.Is(errCancel, ErrNotFound) {
		t.Fatalf("cancel missing: got %v want ErrNotFound", errCancel)
	}
}

func TestUpdatePriorityAndPosition(t *testing.T) {
	q, st, clock := newTestQueue(t)
	ctx := context.Background()

	tenant, caps := proTenant(t, st, clock, "pro-position")
	first, _ := q.Enqueue(ctx, tenant, caps, "anthropic", "claude", nil, 5)
	clock.Advance(time.Second)
	second, _ := q.Enqueue(ctx, tenant, caps, "anthropic", "claude", nil, 5)

	position, errPosition := q.Position(ctx, second.QueueID)
	if errPosition != nil {
		t.Fatalf("position: %v", errPosition)
	}
	if position != 1 {
		t.Fatalf("position before bump: got %d want 1", position)
	}

	if errUpdate := q.UpdatePriority(ctx, second.QueueID, 9); errUpdate != nil {
		t.Fatalf("update priority: %v", errUpdate)
	}
	position, _ = q.Position(ctx, second.QueueID)
	if position != 0 {
		t.Fatalf("position after bump: got %d want 0", position)
	}
	position, _ = q.Position(ctx, first.QueueID)
	if position != 1 {
		t.Fatalf("displaced position: got %d want 1", position)
	}

	if errUpdate := q.UpdatePriority(ctx, second.QueueID, 99); !errors.Is(errUpdate, ErrInvalidPriority) {
		t.Fatalf("out of range priority: got %v", errUpdate)
	}
	if errUpdate := q.UpdatePriority(ctx, "missing-id", 5); !errors.Is(errUpdate, ErrNotFound) {
		t.Fatalf("missing entry priority: got %v", errUpdate)
	}
}

func TestStatsAfterLifecycle(t *testing.T) {
	q, st, clock := newTestQueue(t)
	ctx := context.Background()

	tenant, caps := proTenant(t, st, clock, "pro-stats")
	if _, errEnqueue := q.Enqueue(ctx, tenant, caps, "anthropic", "claude", nil, 0); errEnqueue != nil {
		t.Fatalf("enqueue: %v", errEnqueue)
	}
	if _, errEnqueue := q.Enqueue(ctx, tenant, caps, "anthropic", "claude", nil, 0); errEnqueue != nil {
		t.Fatalf("enqueue second: %v", errEnqueue)
	}

	clock.Advance(2 * time.Second)
	claimed, _ := q.DequeueNext(ctx, "pro-stats", 30*time.Minute)
	if claimed == nil {
		t.Fatalf("expected a claimed entry")
	}
	if errComplete := q.Complete(ctx, claimed, true, ""); errComplete != nil {
		t.Fatalf("complete: %v", errComplete)
	}

	stats, errStats := q.Stats(ctx, "pro-stats")
	if errStats != nil {
		t.Fatalf("stats: %v", errStats)
	}
	if stats.Pending != 1 || stats.Completed != 1 {
		t.Fatalf("stats: %+v", stats)
	}
	if stats.AvgWaitMs <= 0 {
		t.Fatalf("avg wait should be positive: %+v", stats)
	}
}
