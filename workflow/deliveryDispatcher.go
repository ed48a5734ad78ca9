package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/steepletech/flock_backend/config"
	"github.com/steepletech/flock_backend/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer trace.Tracer = otel.Tracer("flock-delivery")

type DeliveryDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Worker       *DeliveryWorker
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	InitialBackoff time.Duration
	WorkerCount    int
}

func NewDeliveryDispatcher(db *gorm.DB, worker *DeliveryWorker, logger *logrus.Logger) *DeliveryDispatcher {
	return &DeliveryDispatcher{
		DB:             db,
		Logger:         logger,
		Worker:         worker,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		InitialBackoff: 5 * time.Second,
		WorkerCount:    config.IntFromEnv("DELIVERY_WORKER_COUNT", 4),
	}
}

func (d *DeliveryDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.dispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

func (d *DeliveryDispatcher) dispatchOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTimeout)
	db := d.DB
	if db == nil {
		return
	}

	var claimed []models.DeliveryJobRecord
	var exhausted []models.DeliveryJobRecord
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - PENDING / FAILED and ready to retry
		// - PROCESSING but lock is stale (worker crashed mid-attempt), reclaim after LockTimeout
		q := tx.
			Where(`
				(
					status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{models.JobStatusPending, models.JobStatusFailed}, now, models.JobStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		for i := range claimed {
			// Poison jobs go terminal before another attempt is started.
			if claimed[i].Attempts >= claimed[i].MaxAttempts {
				msg := fmt.Sprintf("max delivery attempts exceeded (%d)", claimed[i].MaxAttempts)
				claimed[i].Status = models.JobStatusDead
				claimed[i].LastError = &msg
				if err := tx.Model(&models.DeliveryJobRecord{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"status":          models.JobStatusDead,
					"last_error":      &msg,
					"next_attempt_at": nil,
					"locked_at":       nil,
					"locked_by":       nil,
				}).Error; err != nil {
					return err
				}
				exhausted = append(exhausted, claimed[i])
				continue
			}

			// Claim for one attempt.
			claimed[i].Status = models.JobStatusProcessing
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &d.DispatcherID
			claimed[i].Attempts = claimed[i].Attempts + 1
			claimed[i].LastError = nil
			if err := tx.Model(&models.DeliveryJobRecord{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"status":          claimed[i].Status,
				"locked_at":       claimed[i].LockedAt,
				"locked_by":       claimed[i].LockedBy,
				"attempts":        gorm.Expr("attempts + 1"),
				"last_error":      nil,
				"next_attempt_at": nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return
	}

	// Jobs that went terminal in the claim transaction still owe the tenant a
	// recorded failure.
	for i := range exhausted {
		reason := "max delivery attempts exceeded"
		if exhausted[i].LastError != nil {
			reason = *exhausted[i].LastError
		}
		d.Worker.recordFailure(ctx, &exhausted[i], reason)
	}

	// Fan the batch out to the worker pool. Each lane runs one job to
	// completion before taking the next; lanes run in parallel, and nothing
	// here serializes across tenants.
	sem := make(chan struct{}, d.workerCount())
	var wg sync.WaitGroup
	for i := range claimed {
		if claimed[i].Status == models.JobStatusDead {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(job models.DeliveryJobRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			d.runOne(ctx, &job)
		}(claimed[i])
	}
	wg.Wait()
}

func (d *DeliveryDispatcher) workerCount() int {
	if d.WorkerCount > 0 {
		return d.WorkerCount
	}
	return 1
}

func (d *DeliveryDispatcher) runOne(ctx context.Context, job *models.DeliveryJobRecord) {
	ctx, span := tracer.Start(ctx, "delivery.attempt")
	defer span.End()

	// A panicking job must never take the pool down with it.
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in delivery worker: %v", r)
			config.LogError(d.Logger, "deliveryDispatcher.go", "runOne", "recover", job.ID, err)
			d.markJobRetryOrDead(ctx, job, err.Error())
		}
	}()

	outcome := d.Worker.ProcessJob(ctx, job)
	switch outcome.Result {
	case ResultSent:
		d.markJobSent(ctx, job.ID, outcome.ProviderMessageId)
	case ResultDead:
		d.markJobDead(ctx, job.ID, job.TenantId, outcome.Reason, job.Attempts)
	case ResultRetry:
		d.markJobRetry(ctx, job.ID, job.TenantId, outcome.Reason, job.Attempts)
	}
}

func (d *DeliveryDispatcher) markJobSent(ctx context.Context, jobID int, providerMessageId string) {
	if d.DB == nil {
		return
	}
	now := time.Now().UTC()
	id := providerMessageId
	_ = d.DB.WithContext(ctx).Model(&models.DeliveryJobRecord{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":              models.JobStatusSent,
			"sent_at":             &now,
			"provider_message_id": &id,
			"locked_at":           nil,
			"locked_by":           nil,
			"next_attempt_at":     nil,
		}).Error
}

func (d *DeliveryDispatcher) markJobDead(ctx context.Context, jobID int, tenantId string, reason string, attempt int) {
	msg := reason
	if d.DB == nil {
		d.logJobDead(jobID, tenantId, reason, attempt)
		return
	}
	_ = d.DB.WithContext(ctx).Model(&models.DeliveryJobRecord{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":          models.JobStatusDead,
			"last_error":      &msg,
			"next_attempt_at": nil,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error

	d.logJobDead(jobID, tenantId, reason, attempt)
}

func (d *DeliveryDispatcher) logJobDead(jobID int, tenantId string, reason string, attempt int) {
	if d.Logger == nil {
		return
	}
	d.Logger.WithFields(logrus.Fields{
		"field":     "DeliveryDispatcher",
		"tenant_id": tenantId,
		"job_id":    jobID,
		"attempt":   attempt,
	}).Error("delivery job moved to DEAD after max attempts: " + reason)
}

func (d *DeliveryDispatcher) markJobRetry(ctx context.Context, jobID int, tenantId string, reason string, attempt int) {
	now := time.Now().UTC()
	msg := reason
	next := now.Add(d.NextBackoff(attempt))
	if d.DB != nil {
		_ = d.DB.WithContext(ctx).Model(&models.DeliveryJobRecord{}).
			Where("id = ?", jobID).
			Updates(map[string]interface{}{
				"status":          models.JobStatusFailed,
				"last_error":      &msg,
				"next_attempt_at": &next,
				"locked_at":       nil,
				"locked_by":       nil,
			}).Error
	}

	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":           "DeliveryDispatcher",
			"tenant_id":       tenantId,
			"job_id":          jobID,
			"attempt":         attempt,
			"next_attempt_at": next.Format(time.RFC3339Nano),
		}).Error("delivery attempt failed: " + reason)
	}
}

func (d *DeliveryDispatcher) markJobRetryOrDead(ctx context.Context, job *models.DeliveryJobRecord, reason string) {
	if job.Attempts >= job.MaxAttempts {
		d.markJobDead(ctx, job.ID, job.TenantId, reason, job.Attempts)
		// Exhaustion on the recovery path still owes the tenant a terminal
		// failed outcome and an event, same as exhaustion inside ProcessJob.
		d.Worker.recordFailure(ctx, job, reason)
		return
	}
	d.markJobRetry(ctx, job.ID, job.TenantId, reason, job.Attempts)
}

// NextBackoff doubles the initial delay per prior attempt, capped at ten
// minutes. The curve is a throughput choice, not a correctness requirement.
func (d *DeliveryDispatcher) NextBackoff(attempt int) time.Duration {
	backoff := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > time.Minute*10 {
			backoff = time.Minute * 10
			break
		}
	}
	return backoff
}
