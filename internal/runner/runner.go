// Package runner owns the running state of the background task and the loop
// that invokes it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stone-age-io/taskservice/internal/options"
	"github.com/stone-age-io/taskservice/internal/permission"
	"go.uber.org/zap"
)

// Action is a lifecycle transition executed by the runner
type Action int

const (
	Start Action = iota
	Restart
	Update
	Stop
)

func (a Action) String() string {
	switch a {
	case Start:
		return "start"
	case Restart:
		return "restart"
	case Update:
		return "update"
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

var (
	// ErrAlreadyRunning is returned by Start while running
	ErrAlreadyRunning = errors.New("task already running")
	// ErrNotRunning is returned by Restart, Update and Stop while stopped
	ErrNotRunning = errors.New("task not running")
)

// ConfigSource provides the persisted configuration
type ConfigSource interface {
	Read(ctx context.Context) (options.ServiceConfiguration, bool, error)
}

const (
	defaultMinInterval = 100 * time.Millisecond
	defaultStopTimeout = 10 * time.Second
	dataQueueSize      = 32
)

// Option configures a Runner
type Option func(*Runner)

// WithClock sets the clock used for scheduling and timestamps
func WithClock(c clockwork.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithEventSink sets where notification events are relayed
func WithEventSink(s EventSink) Option {
	return func(r *Runner) { r.sink = s }
}

// WithMinInterval sets the smallest interval a repeating task may tick at
func WithMinInterval(d time.Duration) Option {
	return func(r *Runner) { r.minInterval = d }
}

// WithStopTimeout bounds how long shutdown waits for a running tick
func WithStopTimeout(d time.Duration) Option {
	return func(r *Runner) { r.stopTimeout = d }
}

// Runner runs the single background task of this process
type Runner struct {
	logger      *zap.Logger
	config      ConfigSource
	registry    *Registry
	notifier    Notifier
	sink        EventSink
	clock       clockwork.Clock
	scheduler   gocron.Scheduler
	minInterval time.Duration
	stopTimeout time.Duration
	stats       *Stats

	baseCtx    context.Context
	baseCancel context.CancelFunc
	background sync.WaitGroup

	// mu serializes lifecycle actions and guards the fields below
	mu                sync.Mutex
	running           bool
	session           uuid.UUID
	jobID             uuid.UUID
	hasJob            bool
	permission        permission.Status
	notificationShown bool
	loopCancel        context.CancelFunc
	taskFn            func()
	data              chan any
	pumpDone          chan struct{}

	// taskMu guards the state shared with ticks and the data pump
	taskMu   sync.Mutex
	cfg      options.ServiceConfiguration
	handler  TaskHandler
	ticks    int64
	lastTick time.Time
	spent    bool

	// tickMu orders tick admission against loop cancellation
	tickMu   sync.Mutex
	inflight sync.WaitGroup
}

// New creates a runner and starts its scheduler
func New(logger *zap.Logger, config ConfigSource, registry *Registry, notifier Notifier, opts ...Option) (*Runner, error) {
	r := &Runner{
		logger:      logger,
		config:      config,
		registry:    registry,
		notifier:    notifier,
		clock:       clockwork.NewRealClock(),
		minInterval: defaultMinInterval,
		stopTimeout: defaultStopTimeout,
		stats:       newStats(),
		permission:  permission.NotDetermined,
	}
	for _, opt := range opts {
		opt(r)
	}

	sched, err := gocron.NewScheduler(
		gocron.WithClock(r.clock),
		gocron.WithLogger(newSchedulerLogger(logger)),
		gocron.WithStopTimeout(r.stopTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	r.scheduler = sched
	r.baseCtx, r.baseCancel = context.WithCancel(context.Background())

	sched.Start()
	return r, nil
}

// IsRunning reports whether the task is running
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Session returns the identity of the running task; uuid.Nil when stopped
func (r *Runner) Session() uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return uuid.Nil
	}
	return r.session
}

// Stats returns the activity counters
func (r *Runner) Stats() StatsSnapshot {
	return r.stats.Snapshot()
}

// Run executes a lifecycle action. Stop returns only after the loop has
// halted and the notification is removed.
func (r *Runner) Run(ctx context.Context, action Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	switch action {
	case Start:
		err = r.start(ctx)
	case Restart:
		err = r.restart(ctx)
	case Update:
		err = r.update(ctx)
	case Stop:
		err = r.stop(ctx)
	default:
		err = fmt.Errorf("unknown action: %v", action)
	}

	if err != nil {
		r.stats.recordError(err)
		return err
	}
	r.stats.recordAction(action)
	return nil
}

func (r *Runner) start(ctx context.Context) error {
	if r.running {
		return ErrAlreadyRunning
	}

	cfg, err := r.readConfig(ctx)
	if err != nil {
		return err
	}

	r.session = uuid.New()
	r.hasJob = false

	if err := r.arm(ctx, cfg); err != nil {
		return err
	}

	r.running = true
	r.refreshNotification(ctx)

	r.logger.Info("Background task started",
		zap.String("session", r.session.String()),
		zap.Duration("interval", cfg.TaskInterval()),
		zap.Bool("once_event", cfg.IsOnceEvent),
		zap.Bool("has_callback", cfg.HasCallback()))
	return nil
}

func (r *Runner) restart(ctx context.Context) error {
	if !r.running {
		return ErrNotRunning
	}

	cfg, err := r.readConfig(ctx)
	if err != nil {
		return err
	}

	r.halt()
	r.destroyHandler(ctx)

	if err := r.arm(ctx, cfg); err != nil {
		// The loop is gone; the task can no longer be considered running
		r.unschedule()
		r.running = false
		r.removeNotification(ctx)
		return err
	}

	r.refreshNotification(ctx)

	r.logger.Info("Background task restarted",
		zap.String("session", r.session.String()),
		zap.Duration("interval", cfg.TaskInterval()))
	return nil
}

// update applies a changed configuration without interrupting the loop.
//
// A one-shot task fires once per start or restart. Once it has fired, update
// never re-arms it; switching the configuration back to repeating does.
func (r *Runner) update(ctx context.Context) error {
	if !r.running {
		return ErrNotRunning
	}

	cfg, err := r.readConfig(ctx)
	if err != nil {
		return err
	}

	r.taskMu.Lock()
	prev := r.cfg
	r.cfg = cfg
	lastTick := r.lastTick
	ticked := r.ticks > 0
	if !cfg.IsOnceEvent {
		r.spent = false
	} else if ticked {
		r.spent = true
	}
	r.taskMu.Unlock()

	if handleChanged(prev, cfg) {
		r.swapHandler(ctx, cfg)
	}

	switch {
	case !cfg.IsOnceEvent:
		// Keep the cadence anchored on the last tick
		startAt := time.Time{}
		if ticked {
			startAt = lastTick.Add(r.interval(cfg))
		}
		if err := r.schedule(cfg, startAt); err != nil {
			return err
		}
	case ticked:
		r.unschedule()
	case prev.IsOnceEvent:
		// one-shot not fired yet; leave it pending
	default:
		if err := r.schedule(cfg, time.Time{}); err != nil {
			return err
		}
	}

	r.refreshNotification(ctx)

	r.logger.Info("Background task updated",
		zap.String("session", r.session.String()),
		zap.Duration("interval", cfg.TaskInterval()),
		zap.Bool("once_event", cfg.IsOnceEvent))
	return nil
}

func (r *Runner) stop(ctx context.Context) error {
	if !r.running {
		return ErrNotRunning
	}

	r.halt()
	r.unschedule()
	r.destroyHandler(ctx)
	r.removeNotification(ctx)
	r.running = false

	r.logger.Info("Background task stopped", zap.String("session", r.session.String()))
	return nil
}

// Shutdown halts the task without touching persisted configuration and
// stops the scheduler. Used when the process exits.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.halt()
		r.unschedule()
		r.destroyHandler(ctx)
		r.removeNotification(ctx)
		r.running = false
	}
	r.mu.Unlock()

	r.baseCancel()
	r.background.Wait()

	if err := r.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down scheduler: %w", err)
	}
	return nil
}

func (r *Runner) readConfig(ctx context.Context) (options.ServiceConfiguration, error) {
	cfg, ok, err := r.config.Read(ctx)
	if err != nil {
		return options.ServiceConfiguration{}, fmt.Errorf("failed to read task options: %w", err)
	}
	if !ok {
		return options.Defaults(), nil
	}
	return cfg, nil
}

// arm installs the handler, starts the data pump and schedules the first
// tick immediately. Caller holds mu with the loop halted.
func (r *Runner) arm(ctx context.Context, cfg options.ServiceConfiguration) error {
	loopCtx, cancel := context.WithCancel(r.baseCtx)
	handler := r.resolveHandler(cfg)

	r.taskMu.Lock()
	r.cfg = cfg
	r.handler = handler
	r.ticks = 0
	r.lastTick = time.Time{}
	r.spent = false
	r.taskMu.Unlock()

	r.loopCancel = cancel
	r.taskFn = func() { r.tick(loopCtx) }
	r.data = make(chan any, dataQueueSize)
	r.pumpDone = make(chan struct{})
	go r.pump(loopCtx, r.data, r.pumpDone)

	if handler != nil {
		ev := TaskEvent{SessionID: r.session, Time: r.clock.Now(), Config: cfg}
		if err := r.call("OnStart", func() error { return handler.OnStart(ctx, ev) }); err != nil {
			r.logger.Error("Task handler failed to start", zap.Error(err))
			r.stats.recordError(err)
		}
	}

	if err := r.schedule(cfg, time.Time{}); err != nil {
		r.halt()
		r.destroyHandler(ctx)
		return err
	}
	return nil
}

// schedule creates or updates the job. A zero startAt means run now.
func (r *Runner) schedule(cfg options.ServiceConfiguration, startAt time.Time) error {
	var def gocron.JobDefinition
	jobOpts := []gocron.JobOption{
		gocron.WithName("task-" + r.session.String()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}

	if cfg.IsOnceEvent {
		def = gocron.OneTimeJob(gocron.OneTimeJobStartImmediately())
	} else {
		def = gocron.DurationJob(r.interval(cfg))
		now := r.clock.Now()
		if startAt.IsZero() || !startAt.After(now.Add(10*time.Millisecond)) {
			jobOpts = append(jobOpts, gocron.WithStartAt(gocron.WithStartImmediately()))
		} else {
			jobOpts = append(jobOpts, gocron.WithStartAt(gocron.WithStartDateTime(startAt)))
		}
	}

	task := gocron.NewTask(r.taskFn)

	if r.hasJob {
		job, err := r.scheduler.Update(r.jobID, def, task, jobOpts...)
		if err == nil {
			r.jobID = job.ID()
			return nil
		}
		if !errors.Is(err, gocron.ErrJobNotFound) {
			return fmt.Errorf("failed to reschedule task: %w", err)
		}
		// one-time jobs may already be gone
		r.hasJob = false
	}

	job, err := r.scheduler.NewJob(def, task, jobOpts...)
	if err != nil {
		return fmt.Errorf("failed to schedule task: %w", err)
	}
	r.jobID = job.ID()
	r.hasJob = true
	return nil
}

func (r *Runner) unschedule() {
	if !r.hasJob {
		return
	}
	if err := r.scheduler.RemoveJob(r.jobID); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
		r.logger.Warn("Failed to remove task job", zap.Error(err))
	}
	r.hasJob = false
}

// halt stops admitting ticks, then waits for the running tick and the data
// pump to finish. Caller holds mu.
func (r *Runner) halt() {
	r.tickMu.Lock()
	if r.loopCancel != nil {
		r.loopCancel()
	}
	r.tickMu.Unlock()

	r.inflight.Wait()
	if r.pumpDone != nil {
		<-r.pumpDone
		r.pumpDone = nil
	}
	r.data = nil
}

func (r *Runner) interval(cfg options.ServiceConfiguration) time.Duration {
	d := cfg.TaskInterval()
	if d < r.minInterval {
		r.logger.Warn("Task interval below minimum, clamping",
			zap.Duration("requested", d),
			zap.Duration("minimum", r.minInterval))
		return r.minInterval
	}
	return d
}

func (r *Runner) tick(ctx context.Context) {
	r.tickMu.Lock()
	if ctx.Err() != nil {
		r.tickMu.Unlock()
		return
	}
	r.inflight.Add(1)
	r.tickMu.Unlock()
	defer r.inflight.Done()

	r.taskMu.Lock()
	if r.spent {
		r.taskMu.Unlock()
		return
	}
	now := r.clock.Now()
	r.ticks++
	r.lastTick = now
	if r.cfg.IsOnceEvent {
		r.spent = true
	}
	ev := TaskEvent{SessionID: r.session, Time: now, Tick: r.ticks, Config: r.cfg}
	handler := r.handler
	r.taskMu.Unlock()

	var err error
	if handler != nil {
		err = r.call("OnRepeatEvent", func() error { return handler.OnRepeatEvent(ctx, ev) })
		if err != nil {
			r.logger.Warn("Task tick failed", zap.Int64("tick", ev.Tick), zap.Error(err))
		}
	}
	r.stats.recordTick(now, err)
}

// SendData queues payload for the running task. It reports false when the
// payload was dropped because the task is stopped or the queue is full.
func (r *Runner) SendData(payload any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running || r.data == nil {
		return false
	}

	select {
	case r.data <- payload:
		return true
	default:
		r.logger.Warn("Task data queue full, dropping payload")
		r.stats.recordData(false)
		return false
	}
}

func (r *Runner) pump(ctx context.Context, data <-chan any, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-data:
			r.taskMu.Lock()
			handler := r.handler
			r.taskMu.Unlock()

			if handler == nil {
				r.stats.recordData(false)
				continue
			}
			r.call("OnReceiveData", func() error {
				handler.OnReceiveData(ctx, payload)
				return nil
			})
			r.stats.recordData(true)
		}
	}
}

// HandleNotificationEvent relays an interaction with the notification to the
// application and, for taps, to the task handler
func (r *Runner) HandleNotificationEvent(ctx context.Context, ev NotificationEvent) error {
	if ev.Kind == NotificationPressed {
		r.taskMu.Lock()
		handler := r.handler
		r.taskMu.Unlock()

		if nh, ok := handler.(NotificationHandler); ok && r.IsRunning() {
			r.call("OnNotificationPressed", func() error {
				nh.OnNotificationPressed(ctx, ev)
				return nil
			})
		}
	}

	if r.sink == nil {
		return nil
	}
	if err := r.sink.RelayNotificationEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to relay notification event: %w", err)
	}
	return nil
}

// AwaitPermission applies the permission result once it arrives. The
// lifecycle does not wait for it.
func (r *Runner) AwaitPermission(results <-chan permission.Result) {
	r.background.Add(1)
	go func() {
		defer r.background.Done()
		permission.Deliver(r.baseCtx, results, permission.CallbackFuncs{
			Result: func(s permission.Status) { r.ApplyPermission(s) },
			Error: func(err error) {
				r.logger.Warn("Notification permission query failed", zap.Error(err))
				r.stats.recordError(err)
			},
		})
	}()
}

// ApplyPermission records the permission status and shows or hides the
// notification accordingly
func (r *Runner) ApplyPermission(status permission.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.permission = status
	r.logger.Debug("Notification permission changed", zap.String("status", status.String()))
	if r.running {
		r.refreshNotification(r.baseCtx)
	}
}

// refreshNotification makes the notification match configuration and
// permission. Caller holds mu.
func (r *Runner) refreshNotification(ctx context.Context) {
	r.taskMu.Lock()
	cfg := r.cfg
	r.taskMu.Unlock()

	if !cfg.ShowNotification || !r.permission.AllowsNotification() {
		r.removeNotification(ctx)
		return
	}

	n := Notification{
		ID:        ServiceNotificationID,
		SessionID: r.session.String(),
		Title:     cfg.NotificationTitle,
		Text:      cfg.NotificationText,
		PlaySound: cfg.PlaySound,
	}
	if err := r.notifier.Show(ctx, n); err != nil {
		r.logger.Warn("Failed to show notification", zap.Error(err))
		r.stats.recordError(err)
		return
	}
	r.notificationShown = true
}

func (r *Runner) removeNotification(ctx context.Context) {
	if !r.notificationShown {
		return
	}
	if err := r.notifier.Remove(ctx, ServiceNotificationID); err != nil {
		r.logger.Warn("Failed to remove notification", zap.Error(err))
		r.stats.recordError(err)
	}
	r.notificationShown = false
}

func (r *Runner) resolveHandler(cfg options.ServiceConfiguration) TaskHandler {
	if cfg.CallbackHandle == nil {
		return nil
	}
	h, ok := r.registry.Lookup(*cfg.CallbackHandle)
	if !ok {
		r.logger.Warn("No task handler registered for callback handle",
			zap.Int64("callback_handle", *cfg.CallbackHandle))
		return nil
	}
	return h
}

func (r *Runner) swapHandler(ctx context.Context, cfg options.ServiceConfiguration) {
	next := r.resolveHandler(cfg)

	r.taskMu.Lock()
	prev := r.handler
	r.handler = next
	r.taskMu.Unlock()

	if prev != nil {
		if err := r.call("OnDestroy", func() error { return prev.OnDestroy(ctx) }); err != nil {
			r.logger.Warn("Task handler failed to stop", zap.Error(err))
		}
	}
	if next != nil {
		ev := TaskEvent{SessionID: r.session, Time: r.clock.Now(), Config: cfg}
		if err := r.call("OnStart", func() error { return next.OnStart(ctx, ev) }); err != nil {
			r.logger.Error("Task handler failed to start", zap.Error(err))
			r.stats.recordError(err)
		}
	}
}

func (r *Runner) destroyHandler(ctx context.Context) {
	r.taskMu.Lock()
	handler := r.handler
	r.handler = nil
	r.taskMu.Unlock()

	if handler == nil {
		return
	}
	if err := r.call("OnDestroy", func() error { return handler.OnDestroy(ctx) }); err != nil {
		r.logger.Warn("Task handler failed to stop", zap.Error(err))
		r.stats.recordError(err)
	}
}

// call runs a handler method, converting a panic into an error so a faulty
// task body cannot take down the process
func (r *Runner) call(method string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Panic recovered in task handler",
				zap.String("method", method),
				zap.Any("panic", p),
				zap.String("stack", string(debug.Stack())))
			err = fmt.Errorf("task handler %s panicked: %v", method, p)
		}
	}()
	return fn()
}

func handleChanged(a, b options.ServiceConfiguration) bool {
	if (a.CallbackHandle == nil) != (b.CallbackHandle == nil) {
		return true
	}
	return a.CallbackHandle != nil && *a.CallbackHandle != *b.CallbackHandle
}
