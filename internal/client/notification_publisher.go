package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	natsclient "github.com/labforge/be-lab-bookings/internal/platform/nats"
)

// NotificationPublisher publishes booking lifecycle events to NATS for
// consumption by the notifications service.
//
// Subject convention: notifications.bookings.<event_type>
// Event types: booking_submitted, approval_required, booking_approved,
//              booking_rejected, booking_cancelled, approval_escalated,
//              usage_settled
//
// All publish operations are non-fatal. Errors are logged but never
// propagated to the caller, so notification failures never interrupt
// admission or settlement.
type NotificationPublisher struct {
	nats *natsclient.Client
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	ActorID      string         `json:"actor_id"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS client.
func NewNotificationPublisher(nats *natsclient.Client, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// PublishBookingEvent publishes a booking event to NATS.
// Subject: notifications.bookings.<eventType>
func (p *NotificationPublisher) PublishBookingEvent(ctx context.Context, eventType, bookingID, actorID string, recipients []string, payload map[string]any) {
	if p == nil || p.nats == nil {
		return
	}
	if len(recipients) == 0 {
		return
	}

	event := &NotificationEvent{
		EventType:    eventType,
		ActorID:      actorID,
		Recipients:   recipients,
		ResourceType: "booking",
		ResourceID:   bookingID,
		IsActionable: true,
		Severity:     "info",
		Category:     "lab_bookings",
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.bookings.%s", eventType)
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("booking_id", bookingID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("booking_id", bookingID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}
