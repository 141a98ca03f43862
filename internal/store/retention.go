package store

import (
	"context"
	"time"

	"github.com/apiquota/governor/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultRetentionInterval = 6 * time.Hour
	defaultDeleteBatchSize   = 5000
	maxDeleteBatchesPerRun   = 2000
)

// RetentionCleaner periodically prunes aged events, terminal queue entries,
// deactivated windows and low-confidence patterns.
type RetentionCleaner struct {
	db        *gorm.DB
	interval  time.Duration
	batchSize int
}

// NewRetentionCleaner constructs a retention cleaner.
func NewRetentionCleaner(db *gorm.DB) *RetentionCleaner {
	if db == nil {
		return nil
	}
	return &RetentionCleaner{
		db:        db,
		interval:  defaultRetentionInterval,
		batchSize: defaultDeleteBatchSize,
	}
}

// Start launches the cleanup loop in a background goroutine.
func (c *RetentionCleaner) Start(ctx context.Context) {
	if c == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go c.run(ctx)
	log.Infof("retention cleaner started (interval=%s)", c.interval)
}

func (c *RetentionCleaner) run(ctx context.Context) {
	for {
		if ctx != nil && ctx.Err() != nil {
			return
		}
		c.CleanupOnce(ctx)
		if ctx != nil && ctx.Err() != nil {
			return
		}
		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// CleanupOnce runs a single bounded pruning pass over every concern.
func (c *RetentionCleaner) CleanupOnce(ctx context.Context) {
	if c == nil || c.db == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now().UTC()

	eventsDays := settings.IntValue(settings.EventsRetentionDaysKey, settings.DefaultEventsRetentionDays)
	queueDays := settings.IntValue(settings.QueueRetentionDaysKey, settings.DefaultQueueRetentionDays)
	windowsDays := settings.IntValue(settings.WindowsRetentionDaysKey, settings.DefaultWindowsRetentionDays)
	patternsDays := settings.IntValue(settings.PatternsRetentionDaysKey, settings.DefaultPatternsRetentionDays)

	if eventsDays > 0 {
		c.pruneConcern(ctx, "events", `
			DELETE FROM events
			WHERE id IN (
				SELECT id FROM events
				WHERE occurred_at < ?
				ORDER BY occurred_at ASC
				LIMIT ?
			)
		`, now.AddDate(0, 0, -eventsDays))
	}

	if queueDays > 0 {
		c.pruneConcern(ctx, "queue entries", `
			DELETE FROM queue_entries
			WHERE id IN (
				SELECT id FROM queue_entries
				WHERE status IN ('completed', 'failed') AND processed_at < ?
				ORDER BY processed_at ASC
				LIMIT ?
			)
		`, now.AddDate(0, 0, -queueDays))
	}

	if windowsDays > 0 {
		c.pruneConcern(ctx, "windows", `
			DELETE FROM windows
			WHERE id IN (
				SELECT id FROM windows
				WHERE active = ? AND end_at < ?
				ORDER BY end_at ASC
				LIMIT ?
			)
		`, false, now.AddDate(0, 0, -windowsDays))
	}

	if patternsDays > 0 {
		c.pruneConcern(ctx, "patterns", `
			DELETE FROM patterns
			WHERE id IN (
				SELECT id FROM patterns
				WHERE confidence < ? AND last_observed < ?
				ORDER BY last_observed ASC
				LIMIT ?
			)
		`, settings.PatternPruneConfidenceCeiling, now.AddDate(0, 0, -patternsDays))
	}
}

// pruneConcern runs batched deletes until a batch comes back empty.
// Limited subqueries keep transactions short and avoid table locks.
func (c *RetentionCleaner) pruneConcern(ctx context.Context, concern, stmt string, args ...any) {
	limit := c.batchSize
	if limit <= 0 {
		limit = defaultDeleteBatchSize
	}

	deletedTotal := int64(0)
	for i := 0; i < maxDeleteBatchesPerRun; i++ {
		if ctx != nil && ctx.Err() != nil {
			return
		}
		execArgs := append(append([]any{}, args...), limit)
		res := c.db.WithContext(ctx).Exec(stmt, execArgs...)
		if res.Error != nil {
			log.WithError(res.Error).Warnf("retention cleaner: delete %s batch failed", concern)
			break
		}
		if res.RowsAffected <= 0 {
			break
		}
		deletedTotal += res.RowsAffected
	}

	if deletedTotal > 0 {
		log.Infof("retention cleaner: deleted %d %s rows", deletedTotal, concern)
	}
}
