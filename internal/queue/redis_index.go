package queue

import (
	"context"
	"time"

	"github.com/apiquota/governor/internal/models"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const indexKeyTTL = 24 * time.Hour

// PositionIndex is an optional Redis ZSET mirror of pending entries, used
// only to answer position queries in O(log n). The relational store remains
// the source of truth; every index write is best-effort.
type PositionIndex struct {
	client *redis.Client
}

// NewPositionIndex constructs a position index. A nil client disables it.
func NewPositionIndex(client *redis.Client) *PositionIndex {
	if client == nil {
		return nil
	}
	return &PositionIndex{client: client}
}

// indexKey scopes the ZSET per tenant.
func indexKey(tenant string) string {
	return "governor:queue:" + tenant
}

// indexScore orders members by priority descending, queued-at ascending.
// Ascending ZSET rank then matches the drain order.
func indexScore(entry *models.QueueEntry) float64 {
	return float64(models.QueuePriorityMax-entry.Priority)*1e13 + float64(entry.QueuedAt.UnixMilli())
}

// Add mirrors a pending entry into the index.
func (ix *PositionIndex) Add(ctx context.Context, entry *models.QueueEntry) {
	if ix == nil || ix.client == nil || entry == nil {
		return
	}
	key := indexKey(entry.Tenant)
	pipe := ix.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: indexScore(entry), Member: entry.QueueID})
	pipe.Expire(ctx, key, indexKeyTTL)
	if _, errExec := pipe.Exec(ctx); errExec != nil {
		log.WithError(errExec).Warnf("queue index: add failed (queue_id=%s)", entry.QueueID)
	}
}

// Remove drops an entry from the index.
func (ix *PositionIndex) Remove(ctx context.Context, entry *models.QueueEntry) {
	if ix == nil || ix.client == nil || entry == nil {
		return
	}
	if errRem := ix.client.ZRem(ctx, indexKey(entry.Tenant), entry.QueueID).Err(); errRem != nil {
		log.WithError(errRem).Warnf("queue index: remove failed (queue_id=%s)", entry.QueueID)
	}
}

// Position returns the entry's rank among pending entries, when the index
// can answer. A miss falls back to the relational count.
func (ix *PositionIndex) Position(ctx context.Context, entry *models.QueueEntry) (int64, bool) {
	if ix == nil || ix.client == nil || entry == nil {
		return 0, false
	}
	rank, errRank := ix.client.ZRank(ctx, indexKey(entry.Tenant), entry.QueueID).Result()
	if errRank != nil {
		if errRank != redis.Nil {
			log.WithError(errRank).Warnf("queue index: rank failed (queue_id=%s)", entry.QueueID)
		}
		return 0, false
	}
	return rank, true
}
