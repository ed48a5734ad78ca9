package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/steepletech/flock_backend/config"
	"github.com/steepletech/flock_backend/models"
)

type fakeGate struct{ err error }

func (g fakeGate) CanSend(ctx context.Context, tenantId string) error { return g.err }

// fakeProvider fails a configured number of sends, then succeeds with
// messageId. All calls are recorded.
type fakeProvider struct {
	failFirst int
	messageId string
	calls     int
}

func (p *fakeProvider) send() (string, error) {
	p.calls++
	if p.calls <= p.failFirst {
		return "", fmt.Errorf("provider unavailable (call %d)", p.calls)
	}
	return p.messageId, nil
}

func (p *fakeProvider) SendText(ctx context.Context, msg OutboundMessage) (string, error) {
	return p.send()
}

func (p *fakeProvider) SendRichCard(ctx context.Context, msg RichCardMessage) (string, error) {
	return p.send()
}

type outcomeCall struct {
	kind              string
	providerMessageId string
	reason            string
	attempt           int
}

type fakeOutcomes struct {
	calls []outcomeCall
}

func (o *fakeOutcomes) MarkSent(ctx context.Context, job *models.DeliveryJobRecord, providerMessageId string) error {
	o.calls = append(o.calls, outcomeCall{kind: "sent", providerMessageId: providerMessageId, attempt: job.Attempts - 1})
	return nil
}

func (o *fakeOutcomes) MarkFailed(ctx context.Context, job *models.DeliveryJobRecord, reason string) error {
	o.calls = append(o.calls, outcomeCall{kind: "failed", reason: reason, attempt: job.Attempts - 1})
	return nil
}

type fakeEvents struct {
	events []config.DeliveryEvent
}

func (e *fakeEvents) Publish(ctx context.Context, evt config.DeliveryEvent) {
	e.events = append(e.events, evt)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newWorker(gate TenantGate, provider MessageProvider, outcomes *fakeOutcomes, events *fakeEvents) *DeliveryWorker {
	return &DeliveryWorker{
		Gate:     gate,
		Provider: provider,
		Outcomes: outcomes,
		Events:   events,
		Logger:   quietLogger(),
	}
}

func textJob(attempts, maxAttempts int) *models.DeliveryJobRecord {
	recipientId := 7
	return &models.DeliveryJobRecord{
		ID:          101,
		TenantId:    "t1",
		MessageType: models.MessageTypeSMS,
		Phone:       "+15555550101",
		Content:     "Service moved to 11am this Sunday",
		RecipientId: &recipientId,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
	}
}

// Two provider failures followed by a success: the first two attempts come
// back as retries without touching the tenant DB, the third records the
// provider message id with the zero-indexed attempt number.
func TestProcessJobThirdAttemptSucceeds(t *testing.T) {
	provider := &fakeProvider{failFirst: 2, messageId: "PMSG-9"}
	outcomes := &fakeOutcomes{}
	events := &fakeEvents{}
	w := newWorker(fakeGate{}, provider, outcomes, events)

	for attempt := 1; attempt <= 2; attempt++ {
		job := textJob(attempt, 3)
		out := w.ProcessJob(context.Background(), job)
		if out.Result != ResultRetry {
			t.Fatalf("attempt %d: result = %v, want retry", attempt, out.Result)
		}
		if out.Reason == "" {
			t.Fatalf("attempt %d: retry outcome must carry a reason", attempt)
		}
		if len(outcomes.calls) != 0 {
			t.Fatalf("attempt %d wrote an outcome before the job settled: %+v", attempt, outcomes.calls)
		}
	}

	job := textJob(3, 3)
	out := w.ProcessJob(context.Background(), job)
	if out.Result != ResultSent {
		t.Fatalf("result = %v, want sent", out.Result)
	}
	if out.ProviderMessageId != "PMSG-9" {
		t.Fatalf("provider message id = %q", out.ProviderMessageId)
	}
	if len(outcomes.calls) != 1 {
		t.Fatalf("outcome calls = %+v", outcomes.calls)
	}
	got := outcomes.calls[0]
	if got.kind != "sent" || got.providerMessageId != "PMSG-9" || got.attempt != 2 {
		t.Fatalf("sent outcome = %+v, want sent/PMSG-9/attempt 2", got)
	}
	if len(events.events) != 1 || events.events[0].Status != models.JobStatusSent || events.events[0].Attempt != 2 {
		t.Fatalf("events = %+v", events.events)
	}
}

func TestProcessJobExhaustionRecordsFailure(t *testing.T) {
	provider := &fakeProvider{failFirst: 10}
	outcomes := &fakeOutcomes{}
	events := &fakeEvents{}
	w := newWorker(fakeGate{}, provider, outcomes, events)

	job := textJob(1, 1)
	out := w.ProcessJob(context.Background(), job)
	if out.Result != ResultDead {
		t.Fatalf("result = %v, want dead", out.Result)
	}
	if len(outcomes.calls) != 1 || outcomes.calls[0].kind != "failed" {
		t.Fatalf("outcome calls = %+v", outcomes.calls)
	}
	if outcomes.calls[0].reason == "" {
		t.Fatal("terminal failure must carry the provider error")
	}
	if len(events.events) != 1 || events.events[0].Status != models.JobStatusDead {
		t.Fatalf("events = %+v", events.events)
	}
}

func TestProcessJobSuspendedTenantGoesTerminal(t *testing.T) {
	provider := &fakeProvider{messageId: "PMSG-1"}
	outcomes := &fakeOutcomes{}
	events := &fakeEvents{}
	w := newWorker(fakeGate{err: models.ErrTenantSuspended}, provider, outcomes, events)

	job := textJob(1, 3)
	out := w.ProcessJob(context.Background(), job)
	if out.Result != ResultDead {
		t.Fatalf("result = %v, want dead", out.Result)
	}
	if provider.calls != 0 {
		t.Fatalf("provider was called %d times for a suspended tenant", provider.calls)
	}
	if len(outcomes.calls) != 1 || outcomes.calls[0].kind != "failed" {
		t.Fatalf("outcome calls = %+v", outcomes.calls)
	}
}

func TestProcessJobRichCardDispatch(t *testing.T) {
	card := models.RichCard{Title: "Fall Picnic", Description: "Saturday at noon"}
	raw, err := json.Marshal(card)
	if err != nil {
		t.Fatal(err)
	}
	provider := &fakeProvider{messageId: "PMSG-RC"}
	outcomes := &fakeOutcomes{}
	w := newWorker(fakeGate{}, provider, outcomes, &fakeEvents{})

	msgId := 12
	job := &models.DeliveryJobRecord{
		ID:                    202,
		TenantId:              "t1",
		MessageType:           models.MessageTypeRichCard,
		Phone:                 "+15555550101",
		RichCard:              raw,
		ConversationMessageId: &msgId,
		Attempts:              1,
		MaxAttempts:           3,
	}
	out := w.ProcessJob(context.Background(), job)
	if out.Result != ResultSent || out.ProviderMessageId != "PMSG-RC" {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestProcessJobRichCardMissingPayload(t *testing.T) {
	provider := &fakeProvider{messageId: "never"}
	outcomes := &fakeOutcomes{}
	w := newWorker(fakeGate{}, provider, outcomes, &fakeEvents{})

	job := &models.DeliveryJobRecord{
		ID:          203,
		TenantId:    "t1",
		MessageType: models.MessageTypeRichCard,
		Phone:       "+15555550101",
		Attempts:    3,
		MaxAttempts: 3,
	}
	out := w.ProcessJob(context.Background(), job)
	if out.Result != ResultDead {
		t.Fatalf("result = %v, want dead on final attempt", out.Result)
	}
	if provider.calls != 0 {
		t.Fatal("provider must not be called without a card payload")
	}
}

// panickingProvider blows up mid-send, standing in for a bug in a provider
// integration rather than a transport error.
type panickingProvider struct{}

func (panickingProvider) SendText(ctx context.Context, msg OutboundMessage) (string, error) {
	panic("provider integration bug")
}

func (panickingProvider) SendRichCard(ctx context.Context, msg RichCardMessage) (string, error) {
	panic("provider integration bug")
}

// A panic on the final attempt must still leave the tenant a terminal failed
// outcome with a reason, exactly like an ordinary exhaustion.
func TestRunOnePanicOnFinalAttemptRecordsFailure(t *testing.T) {
	outcomes := &fakeOutcomes{}
	events := &fakeEvents{}
	w := newWorker(fakeGate{}, panickingProvider{}, outcomes, events)
	d := &DeliveryDispatcher{Worker: w, Logger: quietLogger(), InitialBackoff: 5 * time.Second}

	job := textJob(3, 3)
	d.runOne(context.Background(), job)

	if len(outcomes.calls) != 1 || outcomes.calls[0].kind != "failed" {
		t.Fatalf("outcome calls = %+v, want one terminal failure", outcomes.calls)
	}
	if outcomes.calls[0].reason == "" {
		t.Fatal("terminal failure from a recovered panic must carry a reason")
	}
	if outcomes.calls[0].attempt != 2 {
		t.Fatalf("attempt = %d, want zero-indexed 2", outcomes.calls[0].attempt)
	}
	if len(events.events) != 1 || events.events[0].Status != models.JobStatusDead {
		t.Fatalf("events = %+v, want one DEAD event", events.events)
	}
	if events.events[0].FailureReason == "" {
		t.Fatal("DEAD event must carry the failure reason")
	}
}

// A panic with attempts left schedules a retry and writes nothing to the
// tenant database.
func TestRunOnePanicWithAttemptsLeftRetriesSilently(t *testing.T) {
	outcomes := &fakeOutcomes{}
	events := &fakeEvents{}
	w := newWorker(fakeGate{}, panickingProvider{}, outcomes, events)
	d := &DeliveryDispatcher{Worker: w, Logger: quietLogger(), InitialBackoff: 5 * time.Second}

	job := textJob(1, 3)
	d.runOne(context.Background(), job)

	if len(outcomes.calls) != 0 {
		t.Fatalf("outcome calls = %+v, want none before exhaustion", outcomes.calls)
	}
	if len(events.events) != 0 {
		t.Fatalf("events = %+v, want none before exhaustion", events.events)
	}
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	d := &DeliveryDispatcher{InitialBackoff: 5 * time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{10, 10 * time.Minute},
		{100, 10 * time.Minute},
	}
	for _, tc := range cases {
		if got := d.NextBackoff(tc.attempt); got != tc.want {
			t.Errorf("NextBackoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestProviderRejectedErrorMessage(t *testing.T) {
	err := &ProviderRejectedError{StatusCode: 429, Body: "slow down"}
	var target *ProviderRejectedError
	if !errors.As(fmt.Errorf("send: %w", err), &target) {
		t.Fatal("ProviderRejectedError must survive wrapping")
	}
	if target.StatusCode != 429 {
		t.Fatalf("status = %d", target.StatusCode)
	}
}
