package settings

import (
	"testing"

	"github.com/apiquota/governor/internal/models"
)

func TestDefaultLimitsBuiltinTable(t *testing.T) {
	cases := []struct {
		provider string
		tier     models.Tier
		rpm      int
		rpd      int
	}{
		{"anthropic", models.TierFree, 50, 1000},
		{"anthropic", models.TierPro, 1000, 10000},
		{"openai", models.TierFree, 60, 200},
		{"openai", models.TierPro, 500, 10000},
		{"google", models.TierFree, 60, 1500},
		{"google", models.TierPro, 1000, 15000},
	}
	for _, tc := range cases {
		limits, ok := DefaultLimits(tc.provider, tc.tier)
		if !ok {
			t.Fatalf("missing defaults for %s/%s", tc.provider, tc.tier)
		}
		if limits.RequestsPerMinute == nil || *limits.RequestsPerMinute != tc.rpm {
			t.Fatalf("%s/%s rpm: got %v want %d", tc.provider, tc.tier, limits.RequestsPerMinute, tc.rpm)
		}
		if limits.RequestsPerDay == nil || *limits.RequestsPerDay != tc.rpd {
			t.Fatalf("%s/%s rpd: got %v want %d", tc.provider, tc.tier, limits.RequestsPerDay, tc.rpd)
		}
	}
}

func TestDefaultLimitsUnenforcedCeilingsAreAbsent(t *testing.T) {
	limits, ok := DefaultLimits("google", models.TierFree)
	if !ok {
		t.Fatalf("missing google free defaults")
	}
	if limits.TokensPerMinute != nil || limits.TokensPerDay != nil {
		t.Fatalf("google free should not enforce token ceilings")
	}

	limits, ok = DefaultLimits("openai", models.TierPro)
	if !ok {
		t.Fatalf("missing openai pro defaults")
	}
	if limits.TokensPerDay != nil {
		t.Fatalf("openai pro should not enforce tokens per day")
	}
}

func TestDefaultLimitsUnknownProvider(t *testing.T) {
	if _, ok := DefaultLimits("acme", models.TierFree); ok {
		t.Fatalf("unknown provider should have no defaults")
	}
}

func TestTierCapabilitiesMatrix(t *testing.T) {
	free := TierCapabilities(models.TierFree)
	if free.MayQueue || free.MayLearnPatterns || free.MayUseCustomLimits || free.PriorityQueueEnabled {
		t.Fatalf("free tier should grant no capabilities: %+v", free)
	}
	if free.MaxQueueSize != 0 {
		t.Fatalf("free max queue size: got %d want 0", free.MaxQueueSize)
	}

	pro := TierCapabilities(models.TierPro)
	if !pro.MayQueue || !pro.MayLearnPatterns || !pro.MayUseCustomLimits || !pro.PriorityQueueEnabled {
		t.Fatalf("pro tier should grant all capabilities: %+v", pro)
	}
	if pro.MaxQueueSize != 100 {
		t.Fatalf("pro max queue size: got %d want 100", pro.MaxQueueSize)
	}

	if got := TierCapabilities(models.Tier("unknown")); got.MayQueue {
		t.Fatalf("unknown tier should resolve to free capabilities")
	}
}

func TestIntValueFallsBackWithoutSnapshot(t *testing.T) {
	if got := IntValue("MISSING_KEY", 42); got != 42 {
		t.Fatalf("missing key: got %d want 42", got)
	}
}
