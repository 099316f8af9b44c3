package runner

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stone-age-io/taskservice/internal/options"
)

// TaskEvent describes one invocation of the task body
type TaskEvent struct {
	SessionID uuid.UUID
	Time      time.Time
	Tick      int64 // 1-based tick count since the last start or restart; 0 for OnStart
	Config    options.ServiceConfiguration
}

// TaskHandler is the application code identified by a callback handle
type TaskHandler interface {
	// OnStart runs when the task starts or restarts, before the first tick
	OnStart(ctx context.Context, ev TaskEvent) error

	// OnRepeatEvent runs on every tick
	OnRepeatEvent(ctx context.Context, ev TaskEvent) error

	// OnReceiveData receives payloads sent to the running task, one at a time
	OnReceiveData(ctx context.Context, data any)

	// OnDestroy runs when the task stops or before a restart
	OnDestroy(ctx context.Context) error
}

// NotificationHandler is implemented by handlers that react to a tap on the
// anchoring notification
type NotificationHandler interface {
	OnNotificationPressed(ctx context.Context, ev NotificationEvent)
}

// Registry maps callback handles to task handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[int64]TaskHandler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[int64]TaskHandler)}
}

// Register binds a handler to a callback handle, replacing any previous one
func (r *Registry) Register(handle int64, h TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handle] = h
}

// Lookup returns the handler bound to handle
func (r *Registry) Lookup(handle int64) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[handle]
	return h, ok
}

// Handles returns the registered callback handles
func (r *Registry) Handles() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.handlers))
	for h := range r.handlers {
		out = append(out, h)
	}
	return out
}
