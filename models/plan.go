package models

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/steepletech/flock_backend/config"
	"github.com/steepletech/flock_backend/utils"
	"gorm.io/gorm"
)

// SubscriptionPlan is registry-owned billing metadata. Looked up on hot paths
// (enqueue allowance checks) through the cache-aside layer.
type SubscriptionPlan struct {
	Code             string          `gorm:"primary_key;size:64" json:"code"`
	Name             string          `gorm:"size:128;not null" json:"name"`
	MonthlyPrice     decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"monthly_price"`
	IncludedMessages int             `gorm:"not null" json:"included_messages"`
	OverageRate      decimal.Decimal `gorm:"type:decimal(8,4);not null" json:"overage_rate"`
	AllowsOverage    *bool           `gorm:"not null;default:true" json:"allows_overage"`
	IsActive         *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

var ErrPlanNotFound = errors.New("subscription plan not found")

// GetPlanForTenant resolves the tenant's plan through the cache-aside layer.
func GetPlanForTenant(ctx context.Context, tenantId string) (*SubscriptionPlan, error) {
	return utils.GetOrCompute(ctx, utils.PlanCacheKey(tenantId), utils.GetCacheLifespan(),
		func(ctx context.Context) (*SubscriptionPlan, error) {
			rec, err := GetTenantById(ctx, tenantId)
			if err != nil {
				return nil, err
			}
			db := config.GetRegistryDB()
			var plan SubscriptionPlan
			if err := db.WithContext(ctx).Where("code = ?", rec.SubscriptionPlan).Take(&plan).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil, ErrPlanNotFound
				}
				return nil, err
			}
			return &plan, nil
		})
}
