package workflow

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/steepletech/flock_backend/config"
)

func nowUTC() time.Time { return time.Now().UTC() }

// pubsubEventSink forwards delivery events to the Pub/Sub topic. Publishing
// is best effort: a broker outage must never fail or retry a delivery job.
type pubsubEventSink struct {
	logger *logrus.Logger
}

func NewPubSubEventSink(logger *logrus.Logger) EventSink {
	return &pubsubEventSink{logger: logger}
}

func (s *pubsubEventSink) Publish(ctx context.Context, evt config.DeliveryEvent) {
	if !config.DeliveryEventsEnabled() {
		return
	}
	if _, err := config.PublishDeliveryEventWithResult(ctx, evt); err != nil {
		config.LogError(s.logger, "deliveryEvents.go", "Publish", "publish delivery event", evt.JobId, err)
	}
}

// noopEventSink keeps the worker wiring uniform when event streaming is
// disabled entirely.
type noopEventSink struct{}

func NewNoopEventSink() EventSink { return noopEventSink{} }

func (noopEventSink) Publish(ctx context.Context, evt config.DeliveryEvent) {}
