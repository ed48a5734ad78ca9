package workflow

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/steepletech/flock_backend/models"
	"github.com/steepletech/flock_backend/utils"
)

func starterPlan(allowsOverage bool) *models.SubscriptionPlan {
	return &models.SubscriptionPlan{
		Code:             "starter",
		IncludedMessages: 500,
		OverageRate:      decimal.RequireFromString("0.0150"),
		AllowsOverage:    &allowsOverage,
	}
}

func TestDecideAllowanceWithinIncluded(t *testing.T) {
	d := decideAllowance(starterPlan(false), 100, 50)
	if !d.Allowed || d.OverageCount != 0 {
		t.Fatalf("decision = %+v", d)
	}
}

func TestDecideAllowanceOverageBlockedPlan(t *testing.T) {
	d := decideAllowance(starterPlan(false), 480, 50)
	if d.Allowed {
		t.Fatal("overage on a no-overage plan must be blocked")
	}
	if d.OverageCount != 30 {
		t.Fatalf("overage count = %d, want 30", d.OverageCount)
	}
	want := decimal.RequireFromString("0.4500")
	if !d.OverageCost.Equal(want) {
		t.Fatalf("overage cost = %s, want %s", d.OverageCost, want)
	}
}

func TestDecideAllowanceOveragePermittedPlan(t *testing.T) {
	d := decideAllowance(starterPlan(true), 480, 50)
	if !d.Allowed {
		t.Fatal("overage-permitting plan must allow the batch")
	}
	if d.OverageCount != 30 {
		t.Fatalf("overage count = %d", d.OverageCount)
	}
}

// The whole batch can land in overage when included messages are already used
// up; the charged count never exceeds the requested amount.
func TestDecideAllowanceEntireBatchOverage(t *testing.T) {
	d := decideAllowance(starterPlan(true), 900, 25)
	if d.OverageCount != 25 {
		t.Fatalf("overage count = %d, want 25", d.OverageCount)
	}
}

func TestStartOfCycle(t *testing.T) {
	now := time.Date(2026, time.March, 17, 13, 45, 2, 0, time.UTC)
	got := startOfCycle(now)
	want := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("startOfCycle = %v, want %v", got, want)
	}
}

func TestUsageCacheKeyShape(t *testing.T) {
	if got := utils.UsageCacheKey("t1"); got != "MessageUsage:t1" {
		t.Fatalf("cache key = %q", got)
	}
}
