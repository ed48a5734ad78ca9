package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// ConversationMessage is the tenant-database record for one-to-one threads.
// Outbound rows host a delivery outcome just like MessageRecipient.
type ConversationMessage struct {
	ID                int        `gorm:"primary_key" json:"id"`
	MemberId          *int       `gorm:"index" json:"member_id"`
	Phone             string     `gorm:"size:20;not null;index" json:"phone"`
	Direction         string     `gorm:"type:enum('inbound','outbound');not null" json:"direction"`
	Body              string     `gorm:"type:text" json:"body"`
	MediaUrl          *string    `gorm:"size:512" json:"media_url"`
	Status            string     `gorm:"size:16;not null;default:'pending';index" json:"status"`
	ProviderMessageId *string    `gorm:"size:255" json:"provider_message_id"`
	Attempt           int        `gorm:"not null;default:0" json:"attempt"`
	FailureReason     *string    `gorm:"type:text" json:"failure_reason"`
	FailedAt          *time.Time `json:"failed_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func MarkConversationMessageSent(ctx context.Context, db *gorm.DB, messageId int, providerMessageId string, attempt int) error {
	return db.WithContext(ctx).Model(&ConversationMessage{}).
		Where("id = ?", messageId).
		Updates(map[string]interface{}{
			"status":              DeliveryStatusPending,
			"provider_message_id": &providerMessageId,
			"attempt":             attempt,
			"failure_reason":      nil,
			"failed_at":           nil,
		}).Error
}

func MarkConversationMessageFailed(ctx context.Context, db *gorm.DB, messageId int, reason string, attempt int) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&ConversationMessage{}).
		Where("id = ?", messageId).
		Updates(map[string]interface{}{
			"status":         DeliveryStatusFailed,
			"failure_reason": &reason,
			"failed_at":      &now,
			"attempt":        attempt,
		}).Error
}
