package settings

import (
	_ "embed"
	"strings"
	"sync"

	"github.com/apiquota/governor/internal/models"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// defaultsFile mirrors the defaults.yaml layout.
type defaultsFile struct {
	Tiers  map[string]tierEntry `yaml:"tiers"`
	Limits []limitEntry         `yaml:"limits"`
}

type tierEntry struct {
	MayQueue             bool `yaml:"may_queue"`
	MaxQueueSize         int  `yaml:"max_queue_size"`
	MayLearnPatterns     bool `yaml:"may_learn_patterns"`
	MayUseCustomLimits   bool `yaml:"may_use_custom_limits"`
	PriorityQueueEnabled bool `yaml:"priority_queue_enabled"`
}

type limitEntry struct {
	Provider          string `yaml:"provider"`
	Tier              string `yaml:"tier"`
	RequestsPerMinute *int   `yaml:"requests_per_minute"`
	RequestsPerHour   *int   `yaml:"requests_per_hour"`
	RequestsPerDay    *int   `yaml:"requests_per_day"`
	TokensPerMinute   *int   `yaml:"tokens_per_minute"`
	TokensPerDay      *int   `yaml:"tokens_per_day"`
}

var (
	defaultsOnce  sync.Once
	defaultLimits map[string]models.ResolvedLimits
	defaultTiers  map[models.Tier]models.Capabilities
)

func loadDefaults() {
	defaultsOnce.Do(func() {
		defaultLimits = map[string]models.ResolvedLimits{}
		defaultTiers = map[models.Tier]models.Capabilities{}

		var parsed defaultsFile
		if errUnmarshal := yaml.Unmarshal(defaultsYAML, &parsed); errUnmarshal != nil {
			log.WithError(errUnmarshal).Error("settings: parse embedded defaults failed")
			return
		}

		for name, entry := range parsed.Tiers {
			defaultTiers[models.Tier(strings.TrimSpace(name))] = models.Capabilities{
				MayQueue:             entry.MayQueue,
				MaxQueueSize:         entry.MaxQueueSize,
				MayLearnPatterns:     entry.MayLearnPatterns,
				MayUseCustomLimits:   entry.MayUseCustomLimits,
				PriorityQueueEnabled: entry.PriorityQueueEnabled,
			}
		}

		for _, entry := range parsed.Limits {
			key := defaultLimitKey(entry.Provider, models.Tier(entry.Tier))
			if key == "" {
				continue
			}
			defaultLimits[key] = models.ResolvedLimits{
				RequestsPerMinute: entry.RequestsPerMinute,
				RequestsPerHour:   entry.RequestsPerHour,
				RequestsPerDay:    entry.RequestsPerDay,
				TokensPerMinute:   entry.TokensPerMinute,
				TokensPerDay:      entry.TokensPerDay,
			}
		}
	})
}

// DefaultLimits returns the built-in ceiling set for a (provider, tier), if any.
func DefaultLimits(provider string, tier models.Tier) (models.ResolvedLimits, bool) {
	loadDefaults()
	limits, ok := defaultLimits[defaultLimitKey(provider, tier)]
	return limits, ok
}

// TierCapabilities returns the capability matrix entry for a tier.
// Unknown tiers resolve to the free entry.
func TierCapabilities(tier models.Tier) models.Capabilities {
	loadDefaults()
	if caps, ok := defaultTiers[tier]; ok {
		return caps
	}
	return defaultTiers[models.TierFree]
}

func defaultLimitKey(provider string, tier models.Tier) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" || tier == "" {
		return ""
	}
	return provider + "/" + string(tier)
}
