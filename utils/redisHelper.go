package utils

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/steepletech/flock_backend/config"
)

// Cache keys are derived from entity kind + tenant id so invalidation can
// target exactly one tenant's derived data.

func TenantRecordCacheKey(tenantId string) string {
	return "TenantRecord:" + tenantId
}

func PlanCacheKey(tenantId string) string {
	return "SubscriptionPlan:" + tenantId
}

func UsageCacheKey(tenantId string) string {
	return "MessageUsage:" + tenantId
}

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

// InvalidateTenantCache clears all cached data derived from one tenant's
// registry row. Other tenants' entries are untouched.
func InvalidateTenantCache(ctx context.Context, tenantId string) error {
	return config.RemoveRedisKey(ctx,
		TenantRecordCacheKey(tenantId),
		PlanCacheKey(tenantId),
		UsageCacheKey(tenantId),
	)
}
