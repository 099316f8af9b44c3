package nats

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stone-age-io/taskservice/internal/capability"
	"github.com/stone-age-io/taskservice/internal/lifecycle"
	"github.com/stone-age-io/taskservice/internal/permission"
	"github.com/stone-age-io/taskservice/internal/runner"
	"go.uber.org/zap"
)

// Lifecycle is the command surface of the lifecycle controller
type Lifecycle interface {
	Start(ctx context.Context, args map[string]any) error
	Restart(ctx context.Context, args map[string]any) error
	Update(ctx context.Context, args map[string]any) error
	Stop(ctx context.Context) error
	SendData(payload any) bool
	IsRunningService() bool
	CheckNotificationPermission(ctx context.Context) (permission.Status, error)
	RequestNotificationPermission(ctx context.Context) (permission.Status, error)
}

// StatsSource reports runner statistics for the health command
type StatsSource interface {
	Stats() runner.StatsSnapshot
}

// Connection reports the state of the NATS connection for the health command
type Connection interface {
	IsConnected() bool
	Stats() nats.Statistics
}

// subscriber is the part of Client used to register handlers
type subscriber interface {
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// CommandHandlers manages all command subscriptions and handlers
type CommandHandlers struct {
	logger     *zap.Logger
	subjects   Subjects
	lifecycle  Lifecycle
	stats      StatsSource
	conn       Connection
	capability capability.Capability
	timeout    time.Duration
}

// NewCommandHandlers creates a new command handler manager. timeout bounds
// each command, including waiting for a stop or a permission prompt.
func NewCommandHandlers(logger *zap.Logger, subjects Subjects, lc Lifecycle, stats StatsSource, conn Connection, c capability.Capability, timeout time.Duration) *CommandHandlers {
	return &CommandHandlers{
		logger:     logger,
		subjects:   subjects,
		lifecycle:  lc,
		stats:      stats,
		conn:       conn,
		capability: c,
		timeout:    timeout,
	}
}

type commandFunc func(ctx context.Context, data []byte) any

// handleWithRecovery wraps a command handler with panic recovery so a
// panicking command cannot take the agent down
func (h *CommandHandlers) handleWithRecovery(name string, handler nats.MsgHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("Panic recovered in command handler",
					zap.String("handler", name),
					zap.String("subject", msg.Subject),
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())))

				h.respond(msg, errorResponse{
					Status:    "error",
					Code:      lifecycle.CodeInternal,
					Error:     fmt.Sprintf("Internal error: handler panicked: %v", r),
					Timestamp: timestamp(),
				})
			}
		}()

		handler(msg)
	}
}

// serve adapts a command function to a message handler
func (h *CommandHandlers) serve(fn commandFunc) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		h.respond(msg, fn(ctx, msg.Data))
	}
}

// commands lists every command subject and its handler
func (h *CommandHandlers) commands() map[string]commandFunc {
	return map[string]commandFunc{
		"ping":               h.handlePing,
		"start":              h.handleStart,
		"restart":            h.handleRestart,
		"update":             h.handleUpdate,
		"stop":               h.handleStop,
		"is_running":         h.handleIsRunning,
		"send_data":          h.handleSendData,
		"check_permission":   h.handleCheckPermission,
		"request_permission": h.handleRequestPermission,
		"health":             h.handleHealth,
	}
}

// SubscribeAll subscribes to all command subjects for this device
func (h *CommandHandlers) SubscribeAll(client subscriber) error {
	for name, fn := range h.commands() {
		if _, err := client.Subscribe(
			h.subjects.Command(name),
			h.handleWithRecovery(name, h.serve(fn)),
		); err != nil {
			return err
		}
	}
	return nil
}

// Request and response structures

type argsRequest struct {
	Args map[string]any `json:"args"`
}

type sendDataRequest struct {
	Payload any `json:"payload"`
}

type pingResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type commandResponse struct {
	Status    string `json:"status"`
	Command   string `json:"command"`
	Running   bool   `json:"running"`
	Timestamp string `json:"timestamp"`
}

type isRunningResponse struct {
	Status    string `json:"status"`
	Running   bool   `json:"running"`
	Timestamp string `json:"timestamp"`
}

type sendDataResponse struct {
	Status    string `json:"status"`
	Accepted  bool   `json:"accepted"`
	Timestamp string `json:"timestamp"`
}

type permissionResponse struct {
	Status     string `json:"status"`
	Permission string `json:"permission"`
	Timestamp  string `json:"timestamp"`
}

type healthResponse struct {
	Status     string                `json:"status"`
	Running    bool                  `json:"running"`
	Capability capability.Capability `json:"capability"`
	Runner     runner.StatsSnapshot  `json:"runner"`
	NATS       connectionStatus      `json:"nats"`
	Timestamp  string                `json:"timestamp"`
}

type connectionStatus struct {
	Connected  bool   `json:"connected"`
	InMsgs     uint64 `json:"in_msgs"`
	OutMsgs    uint64 `json:"out_msgs"`
	InBytes    uint64 `json:"in_bytes"`
	OutBytes   uint64 `json:"out_bytes"`
	Reconnects uint64 `json:"reconnects"`
}

type errorResponse struct {
	Status    string `json:"status"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// decode parses an optional JSON request body. Numbers are kept as
// json.Number so integer arguments survive without float rounding.
func decode(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// handlePing responds to ping commands
func (h *CommandHandlers) handlePing(_ context.Context, _ []byte) any {
	h.logger.Debug("Received ping command")
	return pingResponse{Status: "pong", Timestamp: timestamp()}
}

func (h *CommandHandlers) handleStart(ctx context.Context, data []byte) any {
	return h.transition(ctx, "start", data, h.lifecycle.Start)
}

func (h *CommandHandlers) handleRestart(ctx context.Context, data []byte) any {
	return h.transition(ctx, "restart", data, h.lifecycle.Restart)
}

func (h *CommandHandlers) handleUpdate(ctx context.Context, data []byte) any {
	return h.transition(ctx, "update", data, h.lifecycle.Update)
}

func (h *CommandHandlers) handleStop(ctx context.Context, data []byte) any {
	return h.transition(ctx, "stop", data, func(ctx context.Context, _ map[string]any) error {
		return h.lifecycle.Stop(ctx)
	})
}

// transition runs one lifecycle command with the decoded argument bundle
func (h *CommandHandlers) transition(ctx context.Context, name string, data []byte, fn func(context.Context, map[string]any) error) any {
	var req argsRequest
	if err := decode(data, &req); err != nil {
		h.logger.Error("Failed to parse command request",
			zap.String("command", name),
			zap.Error(err))
		return invalidRequest()
	}

	h.logger.Info("Processing lifecycle command",
		zap.String("command", name),
		zap.Int("args", len(req.Args)))

	if err := fn(ctx, req.Args); err != nil {
		h.logger.Warn("Lifecycle command rejected",
			zap.String("command", name),
			zap.String("code", lifecycle.Code(err)),
			zap.Error(err))
		return failure(err)
	}

	return commandResponse{
		Status:    "success",
		Command:   name,
		Running:   h.lifecycle.IsRunningService(),
		Timestamp: timestamp(),
	}
}

func (h *CommandHandlers) handleIsRunning(_ context.Context, _ []byte) any {
	return isRunningResponse{
		Status:    "success",
		Running:   h.lifecycle.IsRunningService(),
		Timestamp: timestamp(),
	}
}

func (h *CommandHandlers) handleSendData(_ context.Context, data []byte) any {
	var req sendDataRequest
	if err := decode(data, &req); err != nil {
		h.logger.Error("Failed to parse send_data request", zap.Error(err))
		return invalidRequest()
	}

	accepted := h.lifecycle.SendData(req.Payload)
	if !accepted && req.Payload != nil {
		h.logger.Debug("Task data not accepted")
	}
	return sendDataResponse{Status: "success", Accepted: accepted, Timestamp: timestamp()}
}

func (h *CommandHandlers) handleCheckPermission(ctx context.Context, _ []byte) any {
	return h.permission(ctx, "check_permission", h.lifecycle.CheckNotificationPermission)
}

func (h *CommandHandlers) handleRequestPermission(ctx context.Context, _ []byte) any {
	return h.permission(ctx, "request_permission", h.lifecycle.RequestNotificationPermission)
}

func (h *CommandHandlers) permission(ctx context.Context, name string, fn func(context.Context) (permission.Status, error)) any {
	status, err := fn(ctx)
	if err != nil {
		h.logger.Warn("Permission command failed",
			zap.String("command", name),
			zap.Error(err))
		return failure(err)
	}
	return permissionResponse{Status: "success", Permission: status.String(), Timestamp: timestamp()}
}

// handleHealth returns runner statistics, the NATS connection state and the
// startup capability probe
func (h *CommandHandlers) handleHealth(_ context.Context, _ []byte) any {
	stats := h.stats.Stats()
	ns := h.conn.Stats()
	h.logger.Debug("Sent health response",
		zap.Float64("memory_mb", stats.MemoryUsageMB),
		zap.Int("goroutines", stats.Goroutines))

	return healthResponse{
		Status:     "healthy",
		Running:    h.lifecycle.IsRunningService(),
		Capability: h.capability,
		Runner:     stats,
		NATS: connectionStatus{
			Connected:  h.conn.IsConnected(),
			InMsgs:     ns.InMsgs,
			OutMsgs:    ns.OutMsgs,
			InBytes:    ns.InBytes,
			OutBytes:   ns.OutBytes,
			Reconnects: ns.Reconnects,
		},
		Timestamp: timestamp(),
	}
}

func invalidRequest() errorResponse {
	return errorResponse{Status: "error", Error: "Invalid request format", Timestamp: timestamp()}
}

func failure(err error) errorResponse {
	return errorResponse{
		Status:    "error",
		Code:      lifecycle.Code(err),
		Error:     err.Error(),
		Timestamp: timestamp(),
	}
}

// respond marshals and sends a reply. Messages without a reply subject
// are ignored.
func (h *CommandHandlers) respond(msg *nats.Msg, response any) {
	if msg.Reply == "" {
		return
	}
	responseBytes, err := json.Marshal(response)
	if err != nil {
		h.logger.Error("Failed to marshal response", zap.Error(err))
		return
	}
	if err := msg.Respond(responseBytes); err != nil {
		h.logger.Warn("Failed to send response",
			zap.String("subject", msg.Subject),
			zap.Error(err))
	}
}
