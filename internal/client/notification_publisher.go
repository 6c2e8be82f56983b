package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-hr-approvals/internal/natsclient"
)

// NotificationPublisher publishes approval engine events to NATS JetStream
// for the platform notification and audit consumers.
//
// Subject convention: notifications.hr.<event_type>
//
// All publish operations are non-fatal. Failures are logged and swallowed so
// a notification outage never interrupts approval operations.
type NotificationPublisher struct {
	nats *natsclient.Client
	log  zerolog.Logger
}

// NotificationEvent is the JSON payload published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	ActorID      string         `json:"actor_id"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	EntityType   string         `json:"entity_type,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// client. A nil client turns publishing into a no-op for environments
// running without NATS.
func NewNotificationPublisher(nats *natsclient.Client, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// PublishApprovalEvent publishes an approval event to
// notifications.hr.<eventType>.
func (p *NotificationPublisher) PublishApprovalEvent(ctx context.Context, eventType, requestID, entityType, actorID string, recipients []string, payload map[string]any) {
	if p == nil || p.nats == nil {
		return
	}

	event := &NotificationEvent{
		EventType:    eventType,
		ActorID:      actorID,
		Recipients:   recipients,
		ResourceType: "approval_request",
		ResourceID:   requestID,
		EntityType:   entityType,
		Category:     "hr_approval",
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("Failed to marshal notification event")
		return
	}

	subject := fmt.Sprintf("notifications.hr.%s", eventType)
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", requestID).
			Msg("Failed to publish notification event")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", requestID).
		Int("recipients", len(recipients)).
		Msg("Notification event published")
}
