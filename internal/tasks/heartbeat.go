package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/stone-age-io/taskservice/internal/runner"
	"go.uber.org/zap"
)

// Heartbeat is published on every tick of the heartbeat task
type Heartbeat struct {
	Version   string `json:"version"`
	SessionID string `json:"session_id"`
	Tick      int64  `json:"tick"`
	Title     string `json:"title,omitempty"`
	Text      string `json:"text,omitempty"`
	Timestamp string `json:"timestamp"`
}

// DataEcho is published for every payload the heartbeat task receives
type DataEcho struct {
	SessionID string `json:"session_id"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

// CreateHeartbeat builds the heartbeat for a tick
func CreateHeartbeat(version string, ev runner.TaskEvent) Heartbeat {
	return Heartbeat{
		Version:   version,
		SessionID: ev.SessionID.String(),
		Tick:      ev.Tick,
		Title:     ev.Config.NotificationTitle,
		Text:      ev.Config.NotificationText,
		Timestamp: timestamp(),
	}
}

// HeartbeatHandler publishes a heartbeat on every tick and echoes received
// data back to the application
type HeartbeatHandler struct {
	publisher Publisher
	version   string
	logger    *zap.Logger

	mu      sync.Mutex
	session string
}

// NewHeartbeatHandler creates the heartbeat task body
func NewHeartbeatHandler(publisher Publisher, version string, logger *zap.Logger) *HeartbeatHandler {
	return &HeartbeatHandler{
		publisher: publisher,
		version:   version,
		logger:    logger.Named("heartbeat"),
	}
}

func (h *HeartbeatHandler) OnStart(ctx context.Context, ev runner.TaskEvent) error {
	h.mu.Lock()
	h.session = ev.SessionID.String()
	h.mu.Unlock()

	return publishLifecycle(ctx, h.publisher, "heartbeat", "started", ev.SessionID.String())
}

func (h *HeartbeatHandler) OnRepeatEvent(ctx context.Context, ev runner.TaskEvent) error {
	hb := CreateHeartbeat(h.version, ev)
	if err := h.publisher.PublishTelemetry(ctx, "heartbeat", hb); err != nil {
		return fmt.Errorf("failed to publish heartbeat: %w", err)
	}
	h.logger.Debug("Heartbeat published", zap.Int64("tick", ev.Tick))
	return nil
}

func (h *HeartbeatHandler) OnReceiveData(ctx context.Context, data any) {
	h.mu.Lock()
	session := h.session
	h.mu.Unlock()

	echo := DataEcho{SessionID: session, Payload: data, Timestamp: timestamp()}
	if err := h.publisher.PublishTelemetry(ctx, "data", echo); err != nil {
		h.logger.Warn("Failed to echo task data", zap.Error(err))
	}
}

func (h *HeartbeatHandler) OnNotificationPressed(ctx context.Context, ev runner.NotificationEvent) {
	h.mu.Lock()
	session := h.session
	h.mu.Unlock()

	if err := publishLifecycle(ctx, h.publisher, "heartbeat", "notification_"+ev.Kind, session); err != nil {
		h.logger.Warn("Failed to publish notification press", zap.Error(err))
	}
}

func (h *HeartbeatHandler) OnDestroy(ctx context.Context) error {
	h.mu.Lock()
	session := h.session
	h.session = ""
	h.mu.Unlock()

	return publishLifecycle(ctx, h.publisher, "heartbeat", "destroyed", session)
}
