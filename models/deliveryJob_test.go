package models

import (
	"encoding/json"
	"errors"
	"testing"
)

func validSmsJob() *NewDeliveryJob {
	return &NewDeliveryJob{
		TenantId:    "t1",
		MessageType: MessageTypeSMS,
		Phone:       "+1 212 555 0123",
		Content:     "Potluck is moved to the fellowship hall",
	}
}

func TestNewDeliveryJobValidateAccepts(t *testing.T) {
	if err := validSmsJob().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestNewDeliveryJobValidateRejectsBadType(t *testing.T) {
	in := validSmsJob()
	in.MessageType = "CARRIER_PIGEON"
	if err := in.Validate(); err == nil {
		t.Fatal("unknown message type must be rejected")
	}
}

func TestNewDeliveryJobRichCardRequired(t *testing.T) {
	in := validSmsJob()
	in.MessageType = MessageTypeRichCard
	if err := in.Validate(); !errors.Is(err, ErrRichCardRequired) {
		t.Fatalf("got %v, want ErrRichCardRequired", err)
	}

	in.RichCard = &RichCard{Title: "Youth Night", RsvpUrl: "https://example.org/rsvp"}
	if err := in.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestNewDeliveryJobRichCardFieldValidation(t *testing.T) {
	in := validSmsJob()
	in.MessageType = MessageTypeRichCard
	in.RichCard = &RichCard{Title: "Bad link", ImageUrl: "not-a-url"}
	if err := in.Validate(); err == nil {
		t.Fatal("invalid image url must be rejected")
	}
}

func TestNewDeliveryJobMediaUrlOnlyOnMMS(t *testing.T) {
	url := "https://storage.example.org/t1/media/x.jpg"
	in := validSmsJob()
	in.MediaUrl = &url
	if err := in.Validate(); !errors.Is(err, ErrMediaUrlForbidden) {
		t.Fatalf("got %v, want ErrMediaUrlForbidden", err)
	}

	in.MessageType = MessageTypeMMS
	if err := in.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestDecodeRichCardRoundTrip(t *testing.T) {
	card := RichCard{
		Title:        "Easter Service",
		Description:  "Two services: 9am and 11am",
		QuickReplies: []string{"RSVP 9am", "RSVP 11am"},
	}
	raw, err := json.Marshal(&card)
	if err != nil {
		t.Fatal(err)
	}
	job := &DeliveryJobRecord{RichCard: raw}
	got, err := job.DecodeRichCard()
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != card.Title || len(got.QuickReplies) != 2 {
		t.Fatalf("decoded card = %+v", got)
	}
}

func TestDecodeRichCardEmpty(t *testing.T) {
	job := &DeliveryJobRecord{}
	got, err := job.DecodeRichCard()
	if err != nil || got != nil {
		t.Fatalf("empty payload should decode to nil, got %v / %v", got, err)
	}
}

func TestCanSendMessages(t *testing.T) {
	active := &TenantRecord{Status: TenantStatusActive, SubscriptionStatus: SubscriptionStatusActive}
	if err := active.CanSendMessages(); err != nil {
		t.Fatal(err)
	}
	suspended := &TenantRecord{Status: TenantStatusSuspended}
	if err := suspended.CanSendMessages(); !errors.Is(err, ErrTenantSuspended) {
		t.Fatalf("got %v", err)
	}
	cancelled := &TenantRecord{Status: TenantStatusActive, SubscriptionStatus: SubscriptionStatusCancelled}
	if err := cancelled.CanSendMessages(); !errors.Is(err, ErrTenantSuspended) {
		t.Fatalf("got %v", err)
	}
}
