package workflow

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/steepletech/flock_backend/config"
	"github.com/steepletech/flock_backend/models"
	"github.com/steepletech/flock_backend/tenantdb"
)

// TenantGate answers whether a tenant may send right now. Checked once per
// dispatch; never mid-flight.
type TenantGate interface {
	CanSend(ctx context.Context, tenantId string) error
}

// OutcomeWriter records the delivery outcome in the tenant's own database.
// The production writer goes through the router; workers never hold an
// ad-hoc tenant connection.
type OutcomeWriter interface {
	MarkSent(ctx context.Context, job *models.DeliveryJobRecord, providerMessageId string) error
	MarkFailed(ctx context.Context, job *models.DeliveryJobRecord, reason string) error
}

// EventSink publishes terminal delivery events. Best effort only.
type EventSink interface {
	Publish(ctx context.Context, evt config.DeliveryEvent)
}

type AttemptResult int

const (
	ResultSent AttemptResult = iota
	ResultRetry
	ResultDead
)

// AttemptOutcome is what the dispatcher persists onto the queue row.
type AttemptOutcome struct {
	Result            AttemptResult
	ProviderMessageId string
	Reason            string
}

type DeliveryWorker struct {
	Gate     TenantGate
	Provider MessageProvider
	Outcomes OutcomeWriter
	Events   EventSink
	Logger   *logrus.Logger
}

// ProcessJob runs exactly one delivery attempt. The job arrives already
// claimed, with Attempts incremented (so Attempts is the 1-indexed attempt
// number). The payload is immutable here; only outcomes move.
func (w *DeliveryWorker) ProcessJob(ctx context.Context, job *models.DeliveryJobRecord) AttemptOutcome {
	if err := w.Gate.CanSend(ctx, job.TenantId); err != nil {
		// No point burning retries for a suspended tenant; the job goes
		// terminal immediately with a recorded reason.
		reason := "tenant suspended: " + err.Error()
		w.recordFailure(ctx, job, reason)
		return AttemptOutcome{Result: ResultDead, Reason: reason}
	}

	providerMessageId, err := w.dispatch(ctx, job)
	if err == nil {
		if werr := w.Outcomes.MarkSent(ctx, job, providerMessageId); werr != nil {
			// The message is already on the wire; re-sending to fix a local
			// write would double-deliver. Log and keep the job terminal.
			config.LogError(w.Logger, "deliveryWorker.go", "ProcessJob", "mark sent", job.ID, werr)
		}
		w.publishEvent(ctx, job, models.JobStatusSent, providerMessageId, "")
		return AttemptOutcome{Result: ResultSent, ProviderMessageId: providerMessageId}
	}

	if job.Attempts >= job.MaxAttempts {
		w.recordFailure(ctx, job, err.Error())
		return AttemptOutcome{Result: ResultDead, Reason: err.Error()}
	}
	return AttemptOutcome{Result: ResultRetry, Reason: err.Error()}
}

// dispatch picks the provider branch. Rich cards go through rich messaging;
// the branch is logged for observability but does not change the state machine.
func (w *DeliveryWorker) dispatch(ctx context.Context, job *models.DeliveryJobRecord) (string, error) {
	if job.MessageType == models.MessageTypeRichCard {
		card, err := job.DecodeRichCard()
		if err != nil {
			return "", err
		}
		if card == nil {
			return "", errors.New("rich card job has no card payload")
		}
		w.Logger.WithFields(logrus.Fields{
			"module":    "deliveryWorker.go",
			"job_id":    job.ID,
			"tenant_id": job.TenantId,
			"branch":    "rich",
		}).Debug("dispatching via rich messaging")
		return w.Provider.SendRichCard(ctx, RichCardMessage{
			TenantId: job.TenantId,
			Phone:    job.Phone,
			Card:     *card,
		})
	}

	msg := OutboundMessage{
		TenantId: job.TenantId,
		Phone:    job.Phone,
		Body:     job.Content,
	}
	if job.MediaUrl != nil {
		msg.MediaUrl = *job.MediaUrl
	}
	w.Logger.WithFields(logrus.Fields{
		"module":    "deliveryWorker.go",
		"job_id":    job.ID,
		"tenant_id": job.TenantId,
		"branch":    "text",
	}).Debug("dispatching via sms/mms")
	return w.Provider.SendText(ctx, msg)
}

func (w *DeliveryWorker) recordFailure(ctx context.Context, job *models.DeliveryJobRecord, reason string) {
	if err := w.Outcomes.MarkFailed(ctx, job, reason); err != nil {
		config.LogError(w.Logger, "deliveryWorker.go", "recordFailure", "mark failed", job.ID, err)
	}
	w.publishEvent(ctx, job, models.JobStatusDead, "", reason)
}

func (w *DeliveryWorker) publishEvent(ctx context.Context, job *models.DeliveryJobRecord, status string, providerMessageId string, reason string) {
	if w.Events == nil {
		return
	}
	w.Events.Publish(ctx, config.DeliveryEvent{
		JobId:             job.ID,
		TenantId:          job.TenantId,
		MessageType:       string(job.MessageType),
		Status:            status,
		ProviderMessageId: providerMessageId,
		FailureReason:     reason,
		Attempt:           job.Attempts - 1,
		OccurredAt:        nowUTC(),
		CorrelationId:     job.CorrelationId,
	})
}

// registryGate enforces suspension from the tenant registry, cached unless
// STRICT_SUSPENSION_CHECK forces a fresh read per dispatch.
type registryGate struct{}

func NewRegistryGate() TenantGate { return registryGate{} }

func (registryGate) CanSend(ctx context.Context, tenantId string) error {
	var (
		rec *models.TenantRecord
		err error
	)
	if config.StrictSuspensionCheck() {
		rec, err = models.GetTenantByIdFresh(ctx, tenantId)
	} else {
		rec, err = models.GetTenantById(ctx, tenantId)
	}
	if err != nil {
		return err
	}
	return rec.CanSendMessages()
}

// routerOutcomeWriter is the production OutcomeWriter: every tenant-database
// write goes through the router so connection accounting stays centralized.
type routerOutcomeWriter struct {
	router *tenantdb.Router
}

func NewRouterOutcomeWriter(router *tenantdb.Router) OutcomeWriter {
	return &routerOutcomeWriter{router: router}
}

func (o *routerOutcomeWriter) MarkSent(ctx context.Context, job *models.DeliveryJobRecord, providerMessageId string) error {
	handle, err := o.router.Acquire(ctx, job.TenantId)
	if err != nil {
		return err
	}
	attempt := job.Attempts - 1 // zero-indexed attempt at success
	if job.RecipientId != nil {
		return models.MarkRecipientSent(ctx, handle.DB, *job.RecipientId, providerMessageId, attempt)
	}
	if job.ConversationMessageId != nil {
		return models.MarkConversationMessageSent(ctx, handle.DB, *job.ConversationMessageId, providerMessageId, attempt)
	}
	return nil
}

func (o *routerOutcomeWriter) MarkFailed(ctx context.Context, job *models.DeliveryJobRecord, reason string) error {
	handle, err := o.router.Acquire(ctx, job.TenantId)
	if err != nil {
		return err
	}
	attempt := job.Attempts - 1
	if attempt < 0 {
		attempt = 0
	}
	if job.RecipientId != nil {
		return models.MarkRecipientFailed(ctx, handle.DB, *job.RecipientId, reason, attempt)
	}
	if job.ConversationMessageId != nil {
		return models.MarkConversationMessageFailed(ctx, handle.DB, *job.ConversationMessageId, reason, attempt)
	}
	return nil
}
