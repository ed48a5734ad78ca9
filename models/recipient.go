package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Delivery status recorded on recipients and conversation messages.
// Flow: pending -> sent | failed. "sent" is only written by the provider's
// delivery callback (outside this core); workers write the provider message id
// while leaving the row pending, or a terminal failed.
const (
	DeliveryStatusPending = "pending"
	DeliveryStatusSent    = "sent"
	DeliveryStatusFailed  = "failed"
)

// MessageRecipient lives in the tenant database: one row per (blast, member).
// It hosts the delivery outcome for roster blasts.
type MessageRecipient struct {
	ID                int        `gorm:"primary_key" json:"id"`
	MemberId          *int       `gorm:"index" json:"member_id"`
	Phone             string     `gorm:"size:20;not null;index" json:"phone"`
	Body              string     `gorm:"type:text" json:"body"`
	Status            string     `gorm:"size:16;not null;default:'pending';index" json:"status"`
	ProviderMessageId *string    `gorm:"size:255" json:"provider_message_id"`
	Attempt           int        `gorm:"not null;default:0" json:"attempt"`
	FailureReason     *string    `gorm:"type:text" json:"failure_reason"`
	FailedAt          *time.Time `json:"failed_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// MarkRecipientSent records a provider acceptance. Status stays pending until
// the provider's delivery callback confirms; attempt is zero-indexed.
func MarkRecipientSent(ctx context.Context, db *gorm.DB, recipientId int, providerMessageId string, attempt int) error {
	return db.WithContext(ctx).Model(&MessageRecipient{}).
		Where("id = ?", recipientId).
		Updates(map[string]interface{}{
			"status":              DeliveryStatusPending,
			"provider_message_id": &providerMessageId,
			"attempt":             attempt,
			"failure_reason":      nil,
			"failed_at":           nil,
		}).Error
}

// MarkRecipientFailed records a terminal failure after attempts are exhausted.
func MarkRecipientFailed(ctx context.Context, db *gorm.DB, recipientId int, reason string, attempt int) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&MessageRecipient{}).
		Where("id = ?", recipientId).
		Updates(map[string]interface{}{
			"status":         DeliveryStatusFailed,
			"failure_reason": &reason,
			"failed_at":      &now,
			"attempt":        attempt,
		}).Error
}

// CountRecipientsSince supports plan usage lookups (messages this period).
func CountRecipientsSince(ctx context.Context, db *gorm.DB, since time.Time) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&MessageRecipient{}).
		Where("created_at >= ?", since).
		Count(&n).Error
	return n, err
}
