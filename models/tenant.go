package models

import (
	"context"
	"errors"
	"time"

	"github.com/steepletech/flock_backend/config"
	"github.com/steepletech/flock_backend/utils"
	"gorm.io/gorm"
)

type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "ACTIVE"
	TenantStatusSuspended TenantStatus = "SUSPENDED"
)

type SubscriptionStatus string

const (
	SubscriptionStatusTrialing  SubscriptionStatus = "TRIALING"
	SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPastDue   SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusCancelled SubscriptionStatus = "CANCELLED"
)

// TenantRecord lives in the shared registry database. One row per church.
// Connection fields are written once by provisioning and only touched again
// by the explicit repair pass; everything downstream treats them as immutable.
type TenantRecord struct {
	ID             string `gorm:"primary_key;size:64" json:"id"`
	OrganizationId string `gorm:"size:64;not null;uniqueIndex" json:"organization_id"`
	Name           string `gorm:"size:255;not null" json:"name"`
	Email          string `gorm:"size:255" json:"email"`

	ConnectionUrl string `gorm:"size:512;not null" json:"connection_url"`
	Host          string `gorm:"size:255;not null" json:"host"`
	Port          string `gorm:"size:16" json:"port"`
	DatabaseName  string `gorm:"size:128;not null;uniqueIndex" json:"database_name"`

	SubscriptionPlan   string             `gorm:"size:64;not null;default:'starter'" json:"subscription_plan"`
	SubscriptionStatus SubscriptionStatus `gorm:"type:enum('TRIALING','ACTIVE','PAST_DUE','CANCELLED');default:'TRIALING'" json:"subscription_status"`
	TrialEndsAt        *time.Time         `json:"trial_ends_at"`
	Status             TenantStatus       `gorm:"type:enum('ACTIVE','SUSPENDED');default:'ACTIVE';index" json:"status"`
	SchemaVersion      int                `gorm:"not null;default:1" json:"schema_version"`

	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	LastAccessedAt *time.Time `gorm:"index" json:"last_accessed_at"`
}

var (
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrTenantSuspended = errors.New("tenant is suspended")
)

// CanSendMessages reports whether outbound messaging is allowed for the tenant.
// Checked by workers at dispatch time, never mid-flight.
func (t *TenantRecord) CanSendMessages() error {
	if t.Status == TenantStatusSuspended {
		return ErrTenantSuspended
	}
	if t.SubscriptionStatus == SubscriptionStatusCancelled {
		return ErrTenantSuspended
	}
	return nil
}

// GetTenantById resolves a tenant record through the cache-aside layer.
// A miss always falls back to the registry; the cached copy is derived data.
func GetTenantById(ctx context.Context, tenantId string) (*TenantRecord, error) {
	return utils.GetOrCompute(ctx, utils.TenantRecordCacheKey(tenantId), utils.GetCacheLifespan(),
		func(ctx context.Context) (*TenantRecord, error) {
			return getTenantByIdUncached(ctx, tenantId)
		})
}

func getTenantByIdUncached(ctx context.Context, tenantId string) (*TenantRecord, error) {
	db := config.GetRegistryDB()
	var rec TenantRecord
	if err := db.WithContext(ctx).Where("id = ?", tenantId).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// GetTenantByIdFresh bypasses the cache. Used when STRICT_SUSPENSION_CHECK is on.
func GetTenantByIdFresh(ctx context.Context, tenantId string) (*TenantRecord, error) {
	return getTenantByIdUncached(ctx, tenantId)
}

func GetTenantByOrganizationId(ctx context.Context, organizationId string) (*TenantRecord, error) {
	db := config.GetRegistryDB()
	var rec TenantRecord
	if err := db.WithContext(ctx).Where("organization_id = ?", organizationId).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// TouchTenantLastAccessed updates last_accessed_at. Best effort: callers on the
// hot path ignore the returned error after logging.
func TouchTenantLastAccessed(ctx context.Context, tenantId string) error {
	db := config.GetRegistryDB()
	if db == nil {
		return nil
	}
	now := time.Now().UTC()
	return db.WithContext(ctx).
		Model(&TenantRecord{}).
		Where("id = ?", tenantId).
		Update("last_accessed_at", &now).Error
}

// SetTenantStatus flips lifecycle status. Active tenants are never hard-deleted.
func SetTenantStatus(ctx context.Context, tenantId string, status TenantStatus) error {
	err := config.GetRegistryDB().WithContext(ctx).
		Model(&TenantRecord{}).
		Where("id = ?", tenantId).
		Update("status", status).Error
	if err != nil {
		return err
	}
	// Drop the cached record so the new status is observed promptly.
	_ = config.RemoveRedisKey(ctx, utils.TenantRecordCacheKey(tenantId))
	return nil
}
