package models

import (
	"context"
	"errors"
	"time"

	"github.com/steepletech/flock_backend/config"
	"gorm.io/gorm"
)

func GetDeliveryJobById(ctx context.Context, jobId int) (*DeliveryJobRecord, error) {
	var rec DeliveryJobRecord
	err := config.GetRegistryDB().WithContext(ctx).Where("id = ?", jobId).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// ListDeliveryJobsForTenant is newest-first, for ops dashboards and the job
// status endpoint.
func ListDeliveryJobsForTenant(ctx context.Context, tenantId string, limit int) ([]DeliveryJobRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var recs []DeliveryJobRecord
	err := config.GetRegistryDB().WithContext(ctx).
		Where("tenant_id = ?", tenantId).
		Order("id DESC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

// ReplayDeadJob puts a DEAD job back on the queue with a fresh attempt
// budget. Ops tooling only.
func ReplayDeadJob(ctx context.Context, jobId int) (*DeliveryJobRecord, error) {
	db := config.GetRegistryDB()
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&DeliveryJobRecord{}).
		Where("id = ? AND status = ?", jobId, JobStatusDead).
		Updates(map[string]interface{}{
			"status":          JobStatusPending,
			"attempts":        0,
			"next_attempt_at": &now,
			"locked_at":       nil,
			"locked_by":       nil,
			"last_error":      nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrJobNotFound
	}
	return GetDeliveryJobById(ctx, jobId)
}

// PurgeTerminalJobs deletes SENT and DEAD rows older than the retention
// window so the dispatch index stays small.
func PurgeTerminalJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := config.GetRegistryDB().WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{JobStatusSent, JobStatusDead}, cutoff).
		Delete(&DeliveryJobRecord{})
	return res.RowsAffected, res.Error
}
