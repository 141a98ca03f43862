package settings

// DB config keys and defaults for the quota governor.
const (
	// EventsRetentionDaysKey controls how long admission events are kept.
	EventsRetentionDaysKey = "EVENTS_RETENTION_DAYS"
	// QueueRetentionDaysKey controls how long terminal queue entries are kept.
	QueueRetentionDaysKey = "QUEUE_RETENTION_DAYS"
	// WindowsRetentionDaysKey controls how long deactivated windows are kept.
	WindowsRetentionDaysKey = "WINDOWS_RETENTION_DAYS"
	// PatternsRetentionDaysKey controls how long low-confidence patterns are kept.
	PatternsRetentionDaysKey = "PATTERNS_RETENTION_DAYS"
	// QueueMaxAgeMinutesKey controls the in-flight age bound for queue entries.
	QueueMaxAgeMinutesKey = "QUEUE_MAX_AGE_MINUTES"
	// DrainBoundKey controls how many queue entries one post-call may drain.
	DrainBoundKey = "DRAIN_BOUND"
	// PatternLookbackDaysKey controls the pattern analysis lookback horizon.
	PatternLookbackDaysKey = "PATTERN_LOOKBACK_DAYS"
	// PatternConfidenceThresholdKey filters out low-confidence analyses.
	PatternConfidenceThresholdKey = "PATTERN_CONFIDENCE_THRESHOLD"

	// DefaultEventsRetentionDays is the fallback event retention (days).
	DefaultEventsRetentionDays = 30
	// DefaultQueueRetentionDays is the fallback terminal queue retention (days).
	DefaultQueueRetentionDays = 7
	// DefaultWindowsRetentionDays is the fallback deactivated window retention (days).
	DefaultWindowsRetentionDays = 7
	// DefaultPatternsRetentionDays is the fallback low-confidence pattern retention (days).
	DefaultPatternsRetentionDays = 30
	// DefaultQueueMaxAgeMinutes is the fallback in-flight age bound (minutes).
	DefaultQueueMaxAgeMinutes = 30
	// DefaultDrainBound is the fallback per-post-call drain bound.
	DefaultDrainBound = 5
	// DefaultPatternLookbackDays is the fallback analysis lookback (days).
	DefaultPatternLookbackDays = 7
	// DefaultPatternConfidenceThreshold is the fallback per-analysis filter.
	DefaultPatternConfidenceThreshold = 0.6
	// PatternPruneConfidenceCeiling marks patterns eligible for retention pruning.
	PatternPruneConfidenceCeiling = 0.3
)
