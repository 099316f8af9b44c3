package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/stone-age-io/taskservice/internal/runner"
	"go.uber.org/zap"
)

// collectTimeout bounds one metrics collection
const collectTimeout = 30 * time.Second

// SystemMetrics is the payload of the metrics task
type SystemMetrics struct {
	Source          string        `json:"source"`
	SessionID       string        `json:"session_id,omitempty"`
	Tick            int64         `json:"tick,omitempty"`
	CPUUsagePercent float64       `json:"cpu_usage_percent"`
	MemoryFreeGB    float64       `json:"memory_free_gb"`
	Disks           []DiskMetrics `json:"disks"`
	Timestamp       string        `json:"timestamp"`
}

// DiskMetrics describes one drive or mount point
type DiskMetrics struct {
	Drive       string  `json:"drive"`
	FreePercent float64 `json:"free_percent"`
	FreeGB      float64 `json:"free_gb"`
	TotalGB     float64 `json:"total_gb"`
}

// MetricsError is published when a collection fails
type MetricsError struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// CreateMetricsError creates the error payload for a failed collection
func CreateMetricsError(err error) *MetricsError {
	return &MetricsError{
		Status:    "error",
		Error:     err.Error(),
		Timestamp: timestamp(),
	}
}

// validateMetrics performs sanity checks on collected values
func validateMetrics(m *SystemMetrics) error {
	if m.CPUUsagePercent < 0 || m.CPUUsagePercent > 100 {
		return fmt.Errorf("invalid CPU usage: %.2f%% (must be 0-100)", m.CPUUsagePercent)
	}
	if m.MemoryFreeGB < 0 {
		return fmt.Errorf("invalid memory free: %.2f GB (cannot be negative)", m.MemoryFreeGB)
	}
	for _, d := range m.Disks {
		if d.FreePercent < 0 || d.FreePercent > 100 {
			return fmt.Errorf("invalid disk free percent for %s: %.2f%% (must be 0-100)", d.Drive, d.FreePercent)
		}
		if d.FreeGB < 0 || d.TotalGB < 0 {
			return fmt.Errorf("invalid disk space for %s (cannot be negative)", d.Drive)
		}
	}
	return nil
}

// MetricsHandler collects host metrics on every tick and publishes them.
// Sending it the payload "reset" drops the rate baseline.
type MetricsHandler struct {
	publisher Publisher
	collector MetricsCollector
	logger    *zap.Logger
}

// NewMetricsHandler creates the metrics task body
func NewMetricsHandler(publisher Publisher, collector MetricsCollector, logger *zap.Logger) *MetricsHandler {
	return &MetricsHandler{
		publisher: publisher,
		collector: collector,
		logger:    logger.Named("metrics"),
	}
}

func (h *MetricsHandler) OnStart(ctx context.Context, ev runner.TaskEvent) error {
	h.collector.ResetCache()
	h.logger.Info("Metrics task started", zap.String("collector", h.collector.Name()))
	return publishLifecycle(ctx, h.publisher, "metrics", "started", ev.SessionID.String())
}

func (h *MetricsHandler) OnRepeatEvent(ctx context.Context, ev runner.TaskEvent) error {
	collectCtx, cancel := context.WithTimeout(ctx, collectTimeout)
	defer cancel()

	metrics, err := h.collector.Collect(collectCtx)
	if err == nil {
		err = validateMetrics(metrics)
	}
	if err != nil {
		if pubErr := h.publisher.PublishTelemetry(ctx, "metrics", CreateMetricsError(err)); pubErr != nil {
			h.logger.Warn("Failed to publish metrics error", zap.Error(pubErr))
		}
		return fmt.Errorf("metrics collection failed: %w", err)
	}

	metrics.SessionID = ev.SessionID.String()
	metrics.Tick = ev.Tick
	if err := h.publisher.PublishTelemetry(ctx, "metrics", metrics); err != nil {
		return fmt.Errorf("failed to publish metrics: %w", err)
	}
	return nil
}

func (h *MetricsHandler) OnReceiveData(_ context.Context, data any) {
	if s, ok := data.(string); ok && s == "reset" {
		h.collector.ResetCache()
		h.logger.Info("Metrics baseline reset on request")
		return
	}
	h.logger.Debug("Ignoring task data", zap.Any("payload", data))
}

func (h *MetricsHandler) OnDestroy(ctx context.Context) error {
	return publishLifecycle(ctx, h.publisher, "metrics", "destroyed", "")
}
