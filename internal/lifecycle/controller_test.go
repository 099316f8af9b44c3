package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stone-age-io/taskservice/internal/capability"
	"github.com/stone-age-io/taskservice/internal/options"
	"github.com/stone-age-io/taskservice/internal/permission"
	"github.com/stone-age-io/taskservice/internal/runner"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

var supported = capability.Capability{Supported: true, Platform: "test"}

// tickCounter counts ticks of the task body
type tickCounter struct {
	mu    sync.Mutex
	ticks []time.Time
}

func (h *tickCounter) OnStart(context.Context, runner.TaskEvent) error { return nil }
func (h *tickCounter) OnReceiveData(context.Context, any)              {}
func (h *tickCounter) OnDestroy(context.Context) error                 { return nil }

func (h *tickCounter) OnRepeatEvent(_ context.Context, ev runner.TaskEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ticks = append(h.ticks, ev.Time)
	return nil
}

func (h *tickCounter) times() []time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Time(nil), h.ticks...)
}

const counterHandle int64 = 42

type harness struct {
	ctrl    *Controller
	store   *options.Manager
	runner  *runner.Runner
	counter *tickCounter
}

func newHarness(t *testing.T, gateway permission.Gateway, c capability.Capability) *harness {
	t.Helper()

	store := options.NewManager(options.NewFileStore(filepath.Join(t.TempDir(), "options.json")), zap.NewNop())

	counter := &tickCounter{}
	registry := runner.NewRegistry()
	registry.Register(counterHandle, counter)

	r, err := runner.New(zap.NewNop(), store, registry, runner.NewLogNotifier(zap.NewNop()),
		runner.WithMinInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("runner.New() error = %v", err)
	}

	if gateway == nil {
		gateway, _ = permission.NewStaticGateway("granted")
	}

	ctrl := New(zap.NewNop(), store, r, gateway, c)
	t.Cleanup(func() {
		ctrl.Close()
		r.Shutdown(context.Background())
	})

	return &harness{ctrl: ctrl, store: store, runner: r, counter: counter}
}

// TestTransitionSequences tests that every command succeeds exactly when the
// state machine allows it, over random command sequences
func TestTransitionSequences(t *testing.T) {
	h := newHarness(t, nil, supported)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))

	running := false
	for i := 0; i < 200; i++ {
		var (
			name string
			err  error
			want error
		)

		switch rng.Intn(4) {
		case 0:
			name = "start"
			err = h.ctrl.Start(ctx, map[string]any{"taskInterval": 1000})
			if running {
				want = ErrServiceAlreadyStarted
			}
			running = true
		case 1:
			name = "restart"
			err = h.ctrl.Restart(ctx, nil)
			if !running {
				want = ErrServiceNotStarted
			}
		case 2:
			name = "update"
			err = h.ctrl.Update(ctx, map[string]any{"notificationContentText": fmt.Sprint(i)})
			if !running {
				want = ErrServiceNotStarted
			}
		case 3:
			name = "stop"
			err = h.ctrl.Stop(ctx)
			if !running {
				want = ErrServiceNotStarted
			}
			running = false
		}

		if want == nil && err != nil {
			t.Fatalf("step %d: %s error = %v, want success", i, name, err)
		}
		if want != nil && !errors.Is(err, want) {
			t.Fatalf("step %d: %s error = %v, want %v", i, name, err, want)
		}
		if got := h.ctrl.IsRunningService(); got != running {
			t.Fatalf("step %d: IsRunningService() = %v after %s, want %v", i, got, name, running)
		}
	}
}

// TestStopTwice tests that a second stop fails without changing state
func TestStopTwice(t *testing.T) {
	h := newHarness(t, nil, supported)
	ctx := context.Background()

	if err := h.ctrl.Start(ctx, nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := h.ctrl.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := h.ctrl.Stop(ctx); !errors.Is(err, ErrServiceNotStarted) {
		t.Errorf("second Stop() error = %v, want ErrServiceNotStarted", err)
	}
	if h.ctrl.IsRunningService() {
		t.Error("IsRunningService() = true after stop")
	}
}

// TestRejectedCommandsDoNotTouchOptions tests that validation precedes mutation
func TestRejectedCommandsDoNotTouchOptions(t *testing.T) {
	h := newHarness(t, nil, supported)
	ctx := context.Background()

	if err := h.ctrl.Update(ctx, map[string]any{"taskInterval": 10}); !errors.Is(err, ErrServiceNotStarted) {
		t.Fatalf("Update() while stopped error = %v", err)
	}
	if _, ok, _ := h.store.Read(ctx); ok {
		t.Fatal("rejected update created a configuration")
	}

	if err := h.ctrl.Start(ctx, map[string]any{"notificationContentTitle": "first"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := h.ctrl.Start(ctx, map[string]any{"notificationContentTitle": "second"}); !errors.Is(err, ErrServiceAlreadyStarted) {
		t.Fatalf("second Start() error = %v", err)
	}

	cfg, _, _ := h.store.Read(ctx)
	if cfg.NotificationTitle != "first" {
		t.Errorf("rejected start overwrote title: %q", cfg.NotificationTitle)
	}
}

// TestStartWithEmptyArgsPersistsDefaults tests the all-default configuration
func TestStartWithEmptyArgsPersistsDefaults(t *testing.T) {
	h := newHarness(t, nil, supported)
	ctx := context.Background()

	if err := h.ctrl.Start(ctx, map[string]any{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	cfg, ok, err := h.store.Read(ctx)
	if err != nil || !ok {
		t.Fatalf("Read() = %v, %v", ok, err)
	}

	if !cfg.ShowNotification {
		t.Error("ShowNotification = false, want true")
	}
	if cfg.PlaySound {
		t.Error("PlaySound = true, want false")
	}
	if cfg.TaskIntervalMs != 5000 {
		t.Errorf("TaskIntervalMs = %d, want 5000", cfg.TaskIntervalMs)
	}
	if cfg.IsOnceEvent {
		t.Error("IsOnceEvent = true, want false")
	}
	if cfg.CallbackHandle != nil {
		t.Errorf("CallbackHandle = %d, want absent", *cfg.CallbackHandle)
	}
	if cfg.NotificationTitle != "" || cfg.NotificationText != "" {
		t.Errorf("title/text = %q/%q, want empty", cfg.NotificationTitle, cfg.NotificationText)
	}
}

// TestUpdateMergesOnlyPresentFields tests update against the stored record
func TestUpdateMergesOnlyPresentFields(t *testing.T) {
	h := newHarness(t, nil, supported)
	ctx := context.Background()

	err := h.ctrl.Start(ctx, map[string]any{
		"showNotification":         false,
		"playSound":                true,
		"taskInterval":             1000,
		"callbackHandle":           counterHandle,
		"notificationContentTitle": "Title",
		"notificationContentText":  "Text",
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	before, _, _ := h.store.Read(ctx)

	tests := []struct {
		name  string
		args  map[string]any
		apply func(*options.ServiceConfiguration)
	}{
		{
			name:  "interval only",
			args:  map[string]any{"taskInterval": 2000},
			apply: func(c *options.ServiceConfiguration) { c.TaskIntervalMs = 2000 },
		},
		{
			name:  "explicit false is not absent",
			args:  map[string]any{"playSound": false},
			apply: func(c *options.ServiceConfiguration) { c.PlaySound = false },
		},
		{
			name:  "empty bundle",
			args:  map[string]any{},
			apply: func(*options.ServiceConfiguration) {},
		},
		{
			name:  "json numbers",
			args:  map[string]any{"taskInterval": json.Number("3000")},
			apply: func(c *options.ServiceConfiguration) { c.TaskIntervalMs = 3000 },
		},
		{
			name:  "text only keeps title",
			args:  map[string]any{"notificationContentText": "New"},
			apply: func(c *options.ServiceConfiguration) { c.NotificationText = "New" },
		},
	}

	want := before
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.ctrl.Update(ctx, tt.args); err != nil {
				t.Fatalf("Update() error = %v", err)
			}
			tt.apply(&want)

			got, ok, err := h.store.Read(ctx)
			if err != nil || !ok {
				t.Fatalf("Read() = %v, %v", ok, err)
			}
			if !sameConfig(got, want) {
				t.Errorf("Read() = %+v, want %+v", got, want)
			}
		})
	}
}

// TestStopClearsOptions tests that nothing leaks into the next start
func TestStopClearsOptions(t *testing.T) {
	h := newHarness(t, nil, supported)
	ctx := context.Background()

	err := h.ctrl.Start(ctx, map[string]any{
		"notificationContentTitle": "Old",
		"notificationContentText":  "Old text",
		"callbackHandle":           counterHandle,
		"taskInterval":             1234,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := h.ctrl.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if _, ok, err := h.store.Read(ctx); err != nil || ok {
		t.Fatalf("Read() after stop = %v, %v, want absent", ok, err)
	}

	if err := h.ctrl.Start(ctx, map[string]any{"notificationContentTitle": "T"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cfg, _, _ := h.store.Read(ctx)
	if cfg.NotificationTitle != "T" {
		t.Errorf("title = %q, want T", cfg.NotificationTitle)
	}
	if cfg.NotificationText != "" || cfg.CallbackHandle != nil || cfg.TaskIntervalMs != 5000 {
		t.Errorf("pre-stop values leaked: %+v", cfg)
	}
}

// TestSendDataNil tests that a nil payload is a no-op in both states
func TestSendDataNil(t *testing.T) {
	h := newHarness(t, nil, supported)
	ctx := context.Background()

	if h.ctrl.SendData(nil) {
		t.Error("SendData(nil) while stopped reported delivery")
	}
	if h.ctrl.SendData("x") {
		t.Error("SendData() while stopped reported delivery")
	}

	h.ctrl.Start(ctx, map[string]any{"callbackHandle": counterHandle})
	if h.ctrl.SendData(nil) {
		t.Error("SendData(nil) while running reported delivery")
	}
	if !h.ctrl.SendData("x") {
		t.Error("SendData() while running dropped payload")
	}
	if !h.ctrl.IsRunningService() {
		t.Error("SendData changed run state")
	}
}

// TestNotSupported tests the uniform failure on an unsupported host
func TestNotSupported(t *testing.T) {
	h := newHarness(t, nil, capability.Capability{Supported: false, Reason: "disabled by configuration"})
	ctx := context.Background()

	checks := []struct {
		name string
		call func() error
	}{
		{"start", func() error { return h.ctrl.Start(ctx, nil) }},
		{"restart", func() error { return h.ctrl.Restart(ctx, nil) }},
		{"update", func() error { return h.ctrl.Update(ctx, nil) }},
		{"stop", func() error { return h.ctrl.Stop(ctx) }},
		{"resume", func() error { _, err := h.ctrl.Resume(ctx); return err }},
	}

	for _, c := range checks {
		t.Run(c.name, func(t *testing.T) {
			err := c.call()
			if !errors.Is(err, ErrServiceNotSupported) {
				t.Errorf("%s error = %v, want ErrServiceNotSupported", c.name, err)
			}
			if Code(err) != CodeServiceNotSupported {
				t.Errorf("Code() = %q", Code(err))
			}
		})
	}

	if h.ctrl.IsRunningService() {
		t.Error("IsRunningService() = true on unsupported host")
	}
	if _, ok, _ := h.store.Read(ctx); ok {
		t.Error("unsupported start persisted a configuration")
	}
}

// TestCadenceScenario starts a repeating task, slows it down with update and
// stops it
func TestCadenceScenario(t *testing.T) {
	h := newHarness(t, nil, supported)
	ctx := context.Background()

	err := h.ctrl.Start(ctx, map[string]any{
		"taskInterval":   25,
		"isOnceEvent":    false,
		"callbackHandle": counterHandle,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !h.ctrl.IsRunningService() {
		t.Fatal("not running after start")
	}

	time.Sleep(200 * time.Millisecond)
	if n := len(h.counter.times()); n < 3 {
		t.Fatalf("only %d ticks at 25ms cadence", n)
	}

	updatedAt := time.Now()
	if err := h.ctrl.Update(ctx, map[string]any{"taskInterval": 150}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	time.Sleep(700 * time.Millisecond)

	var after []time.Time
	for _, ts := range h.counter.times() {
		if ts.After(updatedAt) {
			after = append(after, ts)
		}
	}
	if len(after) < 2 {
		t.Fatalf("loop did not continue after update: %d ticks", len(after))
	}
	for i := 1; i < len(after); i++ {
		if gap := after[i].Sub(after[i-1]); gap < 100*time.Millisecond {
			t.Errorf("tick gap after update = %v, want about 150ms", gap)
		}
	}

	if err := h.ctrl.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	stopped := len(h.counter.times())
	time.Sleep(300 * time.Millisecond)
	if n := len(h.counter.times()); n != stopped {
		t.Errorf("loop kept firing after stop: %d -> %d", stopped, n)
	}
	if h.ctrl.IsRunningService() {
		t.Error("still running after stop")
	}
}

// TestResume tests that a stored configuration restarts the task
func TestResume(t *testing.T) {
	h := newHarness(t, nil, supported)
	ctx := context.Background()

	resumed, err := h.ctrl.Resume(ctx)
	if err != nil || resumed {
		t.Fatalf("Resume() with nothing stored = %v, %v", resumed, err)
	}

	cfg := options.Defaults()
	cfg.TaskIntervalMs = 20
	handle := counterHandle
	cfg.CallbackHandle = &handle
	if err := h.store.Save(ctx, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	resumed, err = h.ctrl.Resume(ctx)
	if err != nil || !resumed {
		t.Fatalf("Resume() = %v, %v", resumed, err)
	}
	if !h.ctrl.IsRunningService() {
		t.Fatal("not running after resume")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(h.counter.times()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(h.counter.times()) < 2 {
		t.Error("resumed task is not ticking")
	}
}

// stubRunner is a Runner whose transitions can be made to fail
type stubRunner struct {
	mu       sync.Mutex
	running  bool
	failRun  error
	actions  []runner.Action
	awaited  int
	statuses []permission.Status
}

func (s *stubRunner) Run(_ context.Context, a runner.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, a)
	if s.failRun != nil {
		return s.failRun
	}
	switch a {
	case runner.Start:
		s.running = true
	case runner.Stop:
		s.running = false
	}
	return nil
}

func (s *stubRunner) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *stubRunner) SendData(any) bool { return true }

func (s *stubRunner) AwaitPermission(<-chan permission.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.awaited++
}

func (s *stubRunner) ApplyPermission(status permission.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}

// TestFailedStartClearsOptions tests that a runner failure leaves no
// configuration behind
func TestFailedStartClearsOptions(t *testing.T) {
	store := options.NewManager(options.NewFileStore(filepath.Join(t.TempDir(), "options.json")), zap.NewNop())
	r := &stubRunner{failRun: errors.New("scheduler down")}
	gateway, _ := permission.NewStaticGateway("granted")
	ctrl := New(zap.NewNop(), store, r, gateway, supported)
	defer ctrl.Close()

	ctx := context.Background()
	err := ctrl.Start(ctx, map[string]any{"notificationContentTitle": "T"})
	if err == nil {
		t.Fatal("Start() succeeded with failing runner")
	}
	if Code(err) != CodeInternal {
		t.Errorf("Code() = %q, want %q", Code(err), CodeInternal)
	}
	if _, ok, _ := store.Read(ctx); ok {
		t.Error("failed start left a configuration")
	}
	if r.awaited != 0 {
		t.Error("permission requested for a task that did not start")
	}
}

// TestStartDoesNotWaitForPermission tests that start returns while the
// permission answer is still pending
func TestStartDoesNotWaitForPermission(t *testing.T) {
	store := options.NewManager(options.NewFileStore(filepath.Join(t.TempDir(), "options.json")), zap.NewNop())
	r := &stubRunner{}
	gateway := &pendingGateway{}
	ctrl := New(zap.NewNop(), store, r, gateway, supported)
	defer ctrl.Close()

	done := make(chan error, 1)
	go func() { done <- ctrl.Start(context.Background(), nil) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() blocked on the permission answer")
	}

	if r.awaited != 1 {
		t.Errorf("AwaitPermission called %d times, want 1", r.awaited)
	}
}

// pendingGateway never answers a request and fails checks
type pendingGateway struct{}

func (pendingGateway) Check(context.Context) (permission.Status, error) {
	return permission.NotDetermined, errors.New("notification center unavailable")
}

func (pendingGateway) Request(context.Context) <-chan permission.Result {
	return make(chan permission.Result)
}

// TestNotificationPermissionCommands tests the check and request commands
func TestNotificationPermissionCommands(t *testing.T) {
	ctx := context.Background()

	t.Run("granted", func(t *testing.T) {
		r := &stubRunner{}
		gateway, _ := permission.NewStaticGateway("granted")
		ctrl := New(zap.NewNop(), nil, r, gateway, supported)
		defer ctrl.Close()

		status, err := ctrl.CheckNotificationPermission(ctx)
		if err != nil || status != permission.Granted {
			t.Fatalf("CheckNotificationPermission() = %v, %v", status, err)
		}
		status, err = ctrl.RequestNotificationPermission(ctx)
		if err != nil || status != permission.Granted {
			t.Fatalf("RequestNotificationPermission() = %v, %v", status, err)
		}
		if len(r.statuses) != 2 {
			t.Errorf("runner saw %d permission updates, want 2", len(r.statuses))
		}
	})

	t.Run("check failure", func(t *testing.T) {
		ctrl := New(zap.NewNop(), nil, &stubRunner{}, pendingGateway{}, supported)
		defer ctrl.Close()

		_, err := ctrl.CheckNotificationPermission(ctx)
		if !errors.Is(err, permission.ErrQueryFailed) {
			t.Fatalf("error = %v, want ErrQueryFailed", err)
		}
		if Code(err) != CodePermissionQueryFailed {
			t.Errorf("Code() = %q", Code(err))
		}
	})

	t.Run("request abandoned", func(t *testing.T) {
		ctrl := New(zap.NewNop(), nil, &stubRunner{}, pendingGateway{}, supported)
		defer ctrl.Close()

		reqCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		if _, err := ctrl.RequestNotificationPermission(reqCtx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("error = %v, want deadline exceeded", err)
		}
	})
}

// TestCode tests the wire code mapping
func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrServiceAlreadyStarted, CodeServiceAlreadyStarted},
		{fmt.Errorf("wrapped: %w", ErrServiceNotStarted), CodeServiceNotStarted},
		{ErrServiceNotSupported, CodeServiceNotSupported},
		{&permission.QueryError{Cause: errors.New("x")}, CodePermissionQueryFailed},
		{errors.New("disk full"), CodeInternal},
	}

	for _, tt := range tests {
		if got := Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

// TestControllerLeavesNoGoroutines tests that a full lifecycle cleans up
func TestControllerLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := options.NewManager(options.NewFileStore(filepath.Join(t.TempDir(), "options.json")), zap.NewNop())
	r, err := runner.New(zap.NewNop(), store, runner.NewRegistry(), runner.NewLogNotifier(zap.NewNop()))
	if err != nil {
		t.Fatalf("runner.New() error = %v", err)
	}
	ctrl := New(zap.NewNop(), store, r, pendingGateway{}, supported)

	ctx := context.Background()
	ctrl.Start(ctx, map[string]any{"taskInterval": 50})
	ctrl.Update(ctx, map[string]any{"taskInterval": 100})
	ctrl.Restart(ctx, nil)

	ctrl.Close()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func sameConfig(a, b options.ServiceConfiguration) bool {
	if (a.CallbackHandle == nil) != (b.CallbackHandle == nil) {
		return false
	}
	if a.CallbackHandle != nil && *a.CallbackHandle != *b.CallbackHandle {
		return false
	}
	a.CallbackHandle, b.CallbackHandle = nil, nil
	return a == b
}
