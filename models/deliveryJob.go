package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/steepletech/flock_backend/config"
	"github.com/steepletech/flock_backend/utils"
)

type MessageType string

const (
	MessageTypeSMS      MessageType = "SMS"
	MessageTypeMMS      MessageType = "MMS"
	MessageTypeRichCard MessageType = "RICH_CARD"
)

// Queue statuses for DeliveryJobRecord.Status.
// PENDING   queued, ready to claim
// PROCESSING claimed by a worker
// SENT      provider accepted (terminal)
// FAILED    attempt failed, retry scheduled at next_attempt_at
// DEAD      attempts exhausted (terminal)
const (
	JobStatusPending    = "PENDING"
	JobStatusProcessing = "PROCESSING"
	JobStatusSent       = "SENT"
	JobStatusFailed     = "FAILED"
	JobStatusDead       = "DEAD"
)

// RichCard is the rich-messaging payload. Stored as JSON on the job record;
// immutable across retries.
type RichCard struct {
	Title        string   `json:"title" validate:"required,max=200"`
	Description  string   `json:"description" validate:"max=2000"`
	ImageUrl     string   `json:"image_url" validate:"omitempty,url"`
	RsvpUrl      string   `json:"rsvp_url" validate:"omitempty,url"`
	WebsiteUrl   string   `json:"website_url" validate:"omitempty,url"`
	PhoneNumber  string   `json:"phone_number" validate:"omitempty"`
	Location     string   `json:"location" validate:"max=500"`
	QuickReplies []string `json:"quick_replies" validate:"max=10,dive,max=25"`
}

// DeliveryJobRecord is the durable queue row, kept in the registry database so
// the queue survives restarts and is visible across instances. Payload fields
// never change after enqueue; only the attempt/status metadata moves.
type DeliveryJobRecord struct {
	ID          int         `gorm:"primary_key;index:idx_job_dispatch,priority:3" json:"id"`
	TenantId    string      `gorm:"size:64;not null;index" json:"tenant_id"`
	MessageType MessageType `gorm:"type:enum('SMS','MMS','RICH_CARD');not null" json:"message_type"`
	Phone       string      `gorm:"size:20;not null" json:"phone"`
	Content     string      `gorm:"type:text" json:"content"`
	MediaUrl    *string     `gorm:"size:512" json:"media_url"`
	RichCard    []byte      `gorm:"type:blob" json:"rich_card"`

	// Optional linkage into the tenant database: exactly one is usually set.
	RecipientId           *int `json:"recipient_id"`
	ConversationMessageId *int `json:"conversation_message_id"`

	Attempts    int `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts int `gorm:"not null;default:3" json:"max_attempts"`

	Status        string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_job_dispatch,priority:1" json:"status"`
	NextAttemptAt *time.Time `gorm:"index;index:idx_job_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt      *time.Time `gorm:"index" json:"locked_at"`
	LockedBy      *string    `gorm:"size:100" json:"locked_by"`
	LastError     *string    `gorm:"type:text" json:"last_error"`

	ProviderMessageId *string    `gorm:"size:255" json:"provider_message_id"`
	SentAt            *time.Time `json:"sent_at"`
	CorrelationId     string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewDeliveryJob is the producer-facing payload.
type NewDeliveryJob struct {
	TenantId              string      `json:"tenant_id" validate:"required,max=64"`
	MessageType           MessageType `json:"message_type" validate:"required,oneof=SMS MMS RICH_CARD"`
	Phone                 string      `json:"phone" validate:"required"`
	Content               string      `json:"content" validate:"required_without=RichCard,max=1600"`
	MediaUrl              *string     `json:"media_url" validate:"omitempty,url"`
	RichCard              *RichCard   `json:"rich_card"`
	RecipientId           *int        `json:"recipient_id"`
	ConversationMessageId *int        `json:"conversation_message_id"`
	MaxAttempts           int         `json:"max_attempts" validate:"omitempty,min=1,max=10"`
}

var validate = validator.New()

var (
	ErrJobNotFound       = errors.New("delivery job not found")
	ErrRichCardRequired  = errors.New("rich card payload is required for RICH_CARD jobs")
	ErrMediaUrlForbidden = errors.New("media_url is only allowed on MMS jobs")
)

func (in *NewDeliveryJob) Validate() error {
	if err := validate.Struct(in); err != nil {
		return err
	}
	if in.MessageType == MessageTypeRichCard && in.RichCard == nil {
		return ErrRichCardRequired
	}
	if in.RichCard != nil {
		if err := validate.Struct(in.RichCard); err != nil {
			return err
		}
	}
	if in.MediaUrl != nil && in.MessageType != MessageTypeMMS {
		return ErrMediaUrlForbidden
	}
	return nil
}

// EnqueueDeliveryJob validates, normalizes the phone number, and writes the
// durable queue row. One job per outbound message.
func EnqueueDeliveryJob(ctx context.Context, in *NewDeliveryJob) (*DeliveryJobRecord, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	phone, err := utils.NormalizePhoneNumber(in.Phone, "")
	if err != nil {
		return nil, err
	}

	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = config.IntFromEnv("DELIVERY_MAX_ATTEMPTS", 3)
	}

	var cardJSON []byte
	if in.RichCard != nil {
		cardJSON, err = json.Marshal(in.RichCard)
		if err != nil {
			return nil, err
		}
	}

	rec := DeliveryJobRecord{
		TenantId:              in.TenantId,
		MessageType:           in.MessageType,
		Phone:                 phone,
		Content:               in.Content,
		MediaUrl:              in.MediaUrl,
		RichCard:              cardJSON,
		RecipientId:           in.RecipientId,
		ConversationMessageId: in.ConversationMessageId,
		MaxAttempts:           maxAttempts,
		Status:                JobStatusPending,
		CorrelationId:         correlationIdFromContextOrNew(ctx),
	}
	if err := config.GetRegistryDB().WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func (j *DeliveryJobRecord) DecodeRichCard() (*RichCard, error) {
	if len(j.RichCard) == 0 {
		return nil, nil
	}
	var card RichCard
	if err := json.Unmarshal(j.RichCard, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
