package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stone-age-io/taskservice/internal/runner"
	"go.uber.org/zap"
)

// transport is the part of Client used by Publisher
type transport interface {
	PublishTelemetry(subject string, data []byte) error
	Publish(subject string, data []byte) error
}

// notificationMessage is published on the notification subject
type notificationMessage struct {
	Action       string               `json:"action"` // "show" or "remove"
	Notification *runner.Notification `json:"notification,omitempty"`
	ID           int                  `json:"id"`
	Timestamp    string               `json:"timestamp"`
}

// Publisher sends task telemetry, notification state and relayed
// notification events for one device
type Publisher struct {
	transport transport
	subjects  Subjects
	logger    *zap.Logger
}

// NewPublisher creates a publisher over the given transport
func NewPublisher(t transport, subjects Subjects, logger *zap.Logger) *Publisher {
	return &Publisher{
		transport: t,
		subjects:  subjects,
		logger:    logger,
	}
}

// PublishTelemetry marshals payload and publishes it to the telemetry
// subject for kind
func (p *Publisher) PublishTelemetry(_ context.Context, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s telemetry: %w", kind, err)
	}
	return p.transport.PublishTelemetry(p.subjects.Telemetry(kind), data)
}

// Show publishes the notification content. Publishing the same ID again
// replaces what the UI host displays.
func (p *Publisher) Show(_ context.Context, n runner.Notification) error {
	return p.publishNotification(notificationMessage{
		Action:       "show",
		Notification: &n,
		ID:           n.ID,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	})
}

// Remove asks the UI host to dismiss the notification
func (p *Publisher) Remove(_ context.Context, id int) error {
	return p.publishNotification(notificationMessage{
		Action:    "remove",
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (p *Publisher) publishNotification(msg notificationMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := p.transport.Publish(p.subjects.Notification(), data); err != nil {
		return err
	}
	p.logger.Debug("Published notification",
		zap.String("action", msg.Action),
		zap.Int("id", msg.ID))
	return nil
}

// RelayNotificationEvent forwards an interaction unmodified to the app
func (p *Publisher) RelayNotificationEvent(_ context.Context, ev runner.NotificationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal notification event: %w", err)
	}
	return p.transport.Publish(p.subjects.RelayedEvent(), data)
}

// eventHandler receives interactions reported by the UI host
type eventHandler interface {
	HandleNotificationEvent(ctx context.Context, ev runner.NotificationEvent) error
}

// NotificationEvents returns the message handler for the notification
// event subject. Events are passed to h as received.
func NotificationEvents(h eventHandler, timeout time.Duration, logger *zap.Logger) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ev, err := decodeNotificationEvent(msg.Data)
		if err != nil {
			logger.Warn("Dropping malformed notification event",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := h.HandleNotificationEvent(ctx, ev); err != nil {
			logger.Warn("Failed to handle notification event",
				zap.String("kind", ev.Kind),
				zap.Error(err))
		}
	}
}

func decodeNotificationEvent(data []byte) (runner.NotificationEvent, error) {
	var ev runner.NotificationEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("invalid notification event: %w", err)
	}
	if ev.Kind == "" {
		return ev, fmt.Errorf("notification event kind is required")
	}
	return ev, nil
}
