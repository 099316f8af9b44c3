package runner

import (
	"context"

	"go.uber.org/zap"
)

// ServiceNotificationID identifies the anchoring notification
const ServiceNotificationID = 1000

// Notification is the content of the anchoring notification
type Notification struct {
	ID        int    `json:"id"`
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
	Text      string `json:"text"`
	PlaySound bool   `json:"play_sound"`
}

// Notifier shows and removes the anchoring notification.
// Show with an ID that is already visible replaces its content.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Remove(ctx context.Context, id int) error
}

// Notification interaction kinds relayed to the application
const (
	NotificationPressed   = "pressed"
	NotificationPresented = "presented"
)

// NotificationEvent is an interaction with the notification reported by the
// host UI. It is relayed without modification.
type NotificationEvent struct {
	Kind           string         `json:"kind"`
	NotificationID int            `json:"notification_id"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// EventSink receives notification events for the owning application
type EventSink interface {
	RelayNotificationEvent(ctx context.Context, ev NotificationEvent) error
}

// LogNotifier writes notification changes to the log. It is used when no
// notification transport is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-only notifier
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Show(_ context.Context, notif Notification) error {
	n.logger.Info("Notification shown",
		zap.Int("id", notif.ID),
		zap.String("title", notif.Title),
		zap.String("text", notif.Text),
		zap.Bool("play_sound", notif.PlaySound))
	return nil
}

func (n *LogNotifier) Remove(_ context.Context, id int) error {
	n.logger.Info("Notification removed", zap.Int("id", id))
	return nil
}
