package pattern

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/apiquota/governor/internal/models"
	"github.com/apiquota/governor/internal/settings"
	"github.com/apiquota/governor/internal/store"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"gorm.io/datatypes"
)

// minEventsForAnalysis is the floor below which analysis reports
// insufficient data.
const minEventsForAnalysis = 10

// Analysis is the outcome of one detection run. Purely advisory; nothing in
// the governor consumes it automatically.
type Analysis struct {
	Patterns          []models.Pattern `json:"patterns"`
	OverallConfidence float64          `json:"overall_confidence"`
	InsufficientData  bool             `json:"insufficient_data"`
	EventCount        int              `json:"event_count"`
}

// Prediction is the advisory output of PredictUsage.
type Prediction struct {
	Pattern         *models.Pattern `json:"pattern,omitempty"`
	Recommendations []string        `json:"recommendations"`
}

// Detector summarizes recent admit events into hourly, weekly and burstiness
// patterns. It reads events and writes patterns; it never touches windows or
// queue state.
type Detector struct {
	store *store.Store
	now   func() time.Time
}

// New constructs a detector. A nil now func defaults to time.Now.
func New(st *store.Store, now func() time.Time) *Detector {
	if st == nil {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &Detector{store: st, now: now}
}

// Analyze runs all three analyses over the lookback horizon, persists the
// retained patterns and returns them. Callers gate on may-learn-patterns.
func (d *Detector) Analyze(ctx context.Context, tenant string) (*Analysis, error) {
	if d == nil || d.store == nil {
		return nil, errors.New("pattern detector: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return nil, errors.New("pattern detector: tenant is required")
	}

	now := d.now().UTC()
	lookbackDays := settings.IntValue(settings.PatternLookbackDaysKey, settings.DefaultPatternLookbackDays)
	if lookbackDays <= 0 {
		lookbackDays = settings.DefaultPatternLookbackDays
	}
	threshold := settings.FloatValue(settings.PatternConfidenceThresholdKey, settings.DefaultPatternConfidenceThreshold)

	events, errFind := d.store.AllowedEventsSince(ctx, tenant, now.AddDate(0, 0, -lookbackDays))
	if errFind != nil {
		return nil, errFind
	}
	if len(events) < minEventsForAnalysis {
		return &Analysis{InsufficientData: true, EventCount: len(events)}, nil
	}

	candidates := []*models.Pattern{
		d.analyzeHourly(tenant, events, now),
		d.analyzeWeekly(tenant, events, now),
		d.analyzeBurst(tenant, events, now),
	}

	analysis := &Analysis{EventCount: len(events)}
	sum := float64(0)
	for _, candidate := range candidates {
		if candidate == nil || candidate.Confidence < threshold {
			continue
		}
		if errUpsert := d.store.UpsertPattern(ctx, candidate); errUpsert != nil {
			log.WithError(errUpsert).Warnf("pattern detector: upsert failed (tenant=%s kind=%s)", tenant, candidate.Kind)
			continue
		}
		analysis.Patterns = append(analysis.Patterns, *candidate)
		sum += candidate.Confidence
	}
	if len(analysis.Patterns) > 0 {
		analysis.OverallConfidence = sum / float64(len(analysis.Patterns))
		if len(analysis.Patterns) > 1 {
			analysis.OverallConfidence = math.Min(1, analysis.OverallConfidence+0.1)
		}
	}
	return analysis, nil
}

// PredictUsage returns the stored pattern of highest confidence plus a
// narrow set of advisory recommendations.
func (d *Detector) PredictUsage(ctx context.Context, tenant string) (*Prediction, error) {
	if d == nil || d.store == nil {
		return nil, errors.New("pattern detector: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	top, errFind := d.store.TopPattern(ctx, tenant)
	if errFind != nil {
		return nil, errFind
	}
	prediction := &Prediction{Pattern: top}
	if top == nil {
		prediction.Recommendations = []string{"no stored patterns yet; keep using the service to build history"}
		return prediction, nil
	}

	now := d.now().UTC()
	switch top.Kind {
	case models.PatternTimeOfDay:
		if labelContainsWindow(top.Label, hourWindow(now.Hour())) {
			prediction.Recommendations = append(prediction.Recommendations, "currently in a peak usage window")
		}
		if top.SuggestedLimit != nil {
			prediction.Recommendations = append(prediction.Recommendations,
				fmt.Sprintf("consider a per-minute limit of %d for peak hours", *top.SuggestedLimit))
		}
	case models.PatternDayOfWeek:
		prediction.Recommendations = append(prediction.Recommendations,
			fmt.Sprintf("traffic is %s; schedule heavy jobs accordingly", top.Label))
	case models.PatternBurst:
		if top.SuggestedQueueSize != nil {
			prediction.Recommendations = append(prediction.Recommendations,
				fmt.Sprintf("%s traffic; consider queue size %d", top.Label, *top.SuggestedQueueSize))
		}
	}
	if len(prediction.Recommendations) == 0 {
		prediction.Recommendations = []string{"usage looks steady; no changes recommended"}
	}
	return prediction, nil
}

// analyzeHourly buckets events by hour of day and flags hours above 1.5x the
// mean as peaks, mapped onto coarse day windows.
func (d *Detector) analyzeHourly(tenant string, events []models.Event, now time.Time) *models.Pattern {
	counts := make([]float64, 24)
	for _, event := range events {
		counts[event.Timestamp.UTC().Hour()]++
	}

	mean, variance := meanVariance(counts)
	if mean <= 0 {
		return nil
	}

	maxCount := float64(0)
	var peakHours []int
	for hour, count := range counts {
		if count > maxCount {
			maxCount = count
		}
		if count > 1.5*mean {
			peakHours = append(peakHours, hour)
		}
	}

	confidence := 0.3
	if len(peakHours) > 0 {
		confidence = math.Min(1, variance/mean*0.5+0.3)
	}

	peakRPM := math.Ceil(maxCount / 60)
	suggested := int(math.Ceil(peakRPM * 1.2))
	label := coarseWindows(peakHours)

	recommendations, _ := json.Marshal(map[string]any{"peak_hours": peakHours})
	return &models.Pattern{
		PatternID:        derivePatternID(tenant, models.PatternTimeOfDay, label),
		Tenant:           tenant,
		Kind:             models.PatternTimeOfDay,
		Label:            label,
		AverageRPM:       mean / 60,
		PeakRPM:          peakRPM,
		Confidence:       confidence,
		SuggestedLimit:   &suggested,
		ObservationCount: len(events),
		FirstDetected:    now,
		LastObserved:     now,
		Description:      fmt.Sprintf("usage concentrates in the %s window (peak %.0f requests/hour)", label, maxCount),
		Recommendations:  datatypes.JSON(recommendations),
	}
}

// analyzeWeekly buckets events by day of week and labels weekday or weekend
// concentration.
func (d *Detector) analyzeWeekly(tenant string, events []models.Event, now time.Time) *models.Pattern {
	counts := make([]float64, 7)
	for _, event := range events {
		counts[int(event.Timestamp.UTC().Weekday())]++
	}

	mean, variance := meanVariance(counts)
	if mean <= 0 {
		return nil
	}

	weekendSum := counts[time.Saturday] + counts[time.Sunday]
	weekdaySum := float64(0)
	for day := time.Monday; day <= time.Friday; day++ {
		weekdaySum += counts[day]
	}

	label := "balanced"
	if weekdaySum > 1.5*weekendSum {
		label = "weekday-heavy"
	} else if weekendSum > 1.5*weekdaySum {
		label = "weekend-heavy"
	}

	maxCount := float64(0)
	for _, count := range counts {
		if count > maxCount {
			maxCount = count
		}
	}

	confidence := math.Min(1, variance/mean*0.4+0.4)
	recommendations, _ := json.Marshal(map[string]any{
		"weekday_total": weekdaySum,
		"weekend_total": weekendSum,
	})
	return &models.Pattern{
		PatternID:        derivePatternID(tenant, models.PatternDayOfWeek, label),
		Tenant:           tenant,
		Kind:             models.PatternDayOfWeek,
		Label:            label,
		AverageRPM:       mean / (24 * 60),
		PeakRPM:          math.Ceil(maxCount / (24 * 60)),
		Confidence:       confidence,
		ObservationCount: len(events),
		FirstDetected:    now,
		LastObserved:     now,
		Description:      fmt.Sprintf("weekly usage is %s (%.0f weekday vs %.0f weekend events)", label, weekdaySum, weekendSum),
		Recommendations:  datatypes.JSON(recommendations),
	}
}

// analyzeBurst classifies inter-arrival variability by coefficient of
// variation and maps it to a suggested queue size.
func (d *Detector) analyzeBurst(tenant string, events []models.Event, now time.Time) *models.Pattern {
	if len(events) < 2 {
		return nil
	}

	sorted := make([]time.Time, 0, len(events))
	for _, event := range events {
		sorted = append(sorted, event.Timestamp.UTC())
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	intervals := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		intervals = append(intervals, sorted[i].Sub(sorted[i-1]).Seconds())
	}
	mean, variance := meanVariance(intervals)
	if mean <= 0 {
		return nil
	}
	cv := math.Sqrt(variance) / mean

	label := "mixed"
	switch {
	case cv > 1.0:
		label = "bursty"
	case cv < 0.5:
		label = "steady"
	}

	queueSize := 10
	switch {
	case cv > 2.0:
		queueSize = 100
	case cv > 1.5:
		queueSize = 50
	case cv > 1.0:
		queueSize = 25
	}

	confidence := math.Min(1, math.Abs(cv-1)*0.5+0.4)
	recommendations, _ := json.Marshal(map[string]any{"cv": cv})
	return &models.Pattern{
		PatternID:          derivePatternID(tenant, models.PatternBurst, label),
		Tenant:             tenant,
		Kind:               models.PatternBurst,
		Label:              label,
		AverageRPM:         60 / mean,
		PeakRPM:            60 / mean,
		Confidence:         confidence,
		SuggestedQueueSize: &queueSize,
		ObservationCount:   len(events),
		FirstDetected:      now,
		LastObserved:       now,
		Description:        fmt.Sprintf("traffic is %s (coefficient of variation %.2f)", label, cv),
		Recommendations:    datatypes.JSON(recommendations),
	}
}

// derivePatternID hashes (tenant, kind, label) into a stable upsert key.
func derivePatternID(tenant string, kind models.PatternKind, label string) string {
	sum := blake2b.Sum256([]byte(tenant + "|" + string(kind) + "|" + label))
	return hex.EncodeToString(sum[:16])
}

// coarseWindows maps peak hours to named day windows.
func coarseWindows(peakHours []int) string {
	seen := map[string]bool{}
	var ordered []string
	for _, hour := range peakHours {
		window := hourWindow(hour)
		if !seen[window] {
			seen[window] = true
			ordered = append(ordered, window)
		}
	}
	if len(ordered) == 0 {
		return "none"
	}
	return strings.Join(ordered, ",")
}

func hourWindow(hour int) string {
	switch {
	case hour >= 6 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 18:
		return "afternoon"
	case hour >= 18:
		return "evening"
	default:
		return "night"
	}
}

func labelContainsWindow(label, window string) bool {
	for _, part := range strings.Split(label, ",") {
		if strings.TrimSpace(part) == window {
			return true
		}
	}
	return false
}

// meanVariance returns the population mean and variance.
func meanVariance(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := float64(0)
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	sq := float64(0)
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, sq / float64(len(values))
}
