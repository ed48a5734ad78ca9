package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/steepletech/flock_backend/models"
	"github.com/steepletech/flock_backend/tenantdb"
	"github.com/steepletech/flock_backend/utils"
)

var ErrAllowanceExceeded = errors.New("monthly message allowance exceeded")

// AllowanceChecker answers "may this tenant enqueue N more recipients right
// now" from the tenant's plan and its current-cycle usage. Usage counting
// needs a tenant DB handle, so the checker lives here rather than in models.
type AllowanceChecker struct {
	Router *tenantdb.Router
}

type AllowanceDecision struct {
	Allowed          bool            `json:"allowed"`
	UsedThisCycle    int64           `json:"used_this_cycle"`
	IncludedMessages int             `json:"included_messages"`
	OverageCount     int64           `json:"overage_count"`
	OverageCost      decimal.Decimal `json:"overage_cost"`
}

// CheckSendAllowance prices the requested batch against the tenant's plan.
// Tenants whose plan allows overage are never blocked; the decision carries
// the projected overage cost either way.
func (c *AllowanceChecker) CheckSendAllowance(ctx context.Context, tenantId string, requested int64) (*AllowanceDecision, error) {
	plan, err := models.GetPlanForTenant(ctx, tenantId)
	if err != nil {
		return nil, err
	}
	used, err := c.usageThisCycle(ctx, tenantId)
	if err != nil {
		return nil, err
	}

	return decideAllowance(plan, used, requested), nil
}

func decideAllowance(plan *models.SubscriptionPlan, used, requested int64) *AllowanceDecision {
	decision := &AllowanceDecision{
		UsedThisCycle:    used,
		IncludedMessages: plan.IncludedMessages,
	}
	projected := used + requested
	if projected > int64(plan.IncludedMessages) {
		decision.OverageCount = projected - int64(plan.IncludedMessages)
		if decision.OverageCount > requested {
			decision.OverageCount = requested
		}
		decision.OverageCost = plan.OverageRate.Mul(decimal.NewFromInt(decision.OverageCount))
	}
	decision.Allowed = decision.OverageCount == 0 || (plan.AllowsOverage != nil && *plan.AllowsOverage)
	return decision
}

// usageThisCycle counts recipients created since the start of the current
// calendar month, cache-aside so the hot enqueue path rarely touches the
// tenant DB.
func (c *AllowanceChecker) usageThisCycle(ctx context.Context, tenantId string) (int64, error) {
	count, err := utils.GetOrCompute(ctx, utils.UsageCacheKey(tenantId), usageCacheTTL(),
		func(ctx context.Context) (*int64, error) {
			handle, err := c.Router.Acquire(ctx, tenantId)
			if err != nil {
				return nil, err
			}
			n, err := models.CountRecipientsSince(ctx, handle.DB, startOfCycle(time.Now().UTC()))
			if err != nil {
				return nil, err
			}
			return &n, nil
		})
	if err != nil {
		return 0, err
	}
	return *count, nil
}

func usageCacheTTL() time.Duration {
	// Usage moves fast relative to tenant records, so it gets a much shorter
	// lifespan than the default cache window.
	return 5 * time.Minute
}

func startOfCycle(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// RejectOverAllowance is the enqueue-side guard: it turns a blocked decision
// into an error the HTTP layer can surface.
func (c *AllowanceChecker) RejectOverAllowance(ctx context.Context, tenantId string, requested int64) (*AllowanceDecision, error) {
	decision, err := c.CheckSendAllowance(ctx, tenantId, requested)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return decision, fmt.Errorf("%w: %d of %d included messages used", ErrAllowanceExceeded, decision.UsedThisCycle, decision.IncludedMessages)
	}
	return decision, nil
}
