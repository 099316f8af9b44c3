// Package tasks provides the built-in task bodies selectable by callback
// handle.
package tasks

import (
	"context"
	"time"

	"github.com/stone-age-io/taskservice/internal/runner"
	"go.uber.org/zap"
)

// Callback handles of the built-in task bodies
const (
	HeartbeatHandle int64 = 1
	MetricsHandle   int64 = 2
)

// Publisher sends task output to the owning application
type Publisher interface {
	PublishTelemetry(ctx context.Context, kind string, payload any) error
}

// LifecycleEvent reports task handler lifecycle changes
type LifecycleEvent struct {
	Event     string `json:"event"`
	Task      string `json:"task"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// RegisterBuiltins registers the built-in task bodies in registry
func RegisterBuiltins(registry *runner.Registry, publisher Publisher, collector MetricsCollector, version string, logger *zap.Logger) {
	registry.Register(HeartbeatHandle, NewHeartbeatHandler(publisher, version, logger))
	registry.Register(MetricsHandle, NewMetricsHandler(publisher, collector, logger))
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func publishLifecycle(ctx context.Context, p Publisher, task, event, session string) error {
	return p.PublishTelemetry(ctx, "lifecycle", LifecycleEvent{
		Event:     event,
		Task:      task,
		SessionID: session,
		Timestamp: timestamp(),
	})
}
