// Package lifecycle implements the command-facing state machine of the
// background task service.
//
// The service is either Stopped or Running. Start is legal only when stopped;
// Restart, Update and Stop only when running. Every command is validated
// before any configuration is written or the runner is touched.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stone-age-io/taskservice/internal/capability"
	"github.com/stone-age-io/taskservice/internal/options"
	"github.com/stone-age-io/taskservice/internal/permission"
	"github.com/stone-age-io/taskservice/internal/runner"
	"go.uber.org/zap"
)

// OptionStore persists the task configuration
type OptionStore interface {
	Save(ctx context.Context, cfg options.ServiceConfiguration) error
	Merge(ctx context.Context, p options.Partial) (options.ServiceConfiguration, error)
	Clear(ctx context.Context) error
	Read(ctx context.Context) (options.ServiceConfiguration, bool, error)
}

// Runner executes lifecycle transitions
type Runner interface {
	Run(ctx context.Context, action runner.Action) error
	IsRunning() bool
	SendData(payload any) bool
	AwaitPermission(results <-chan permission.Result)
	ApplyPermission(status permission.Status)
}

// Controller serializes commands and enforces the transition rules
type Controller struct {
	mu         sync.Mutex
	logger     *zap.Logger
	options    OptionStore
	runner     Runner
	gateway    permission.Gateway
	capability capability.Capability

	// ctx outlives individual commands; pending permission requests use it
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a controller. capability is the result of the startup probe.
func New(logger *zap.Logger, store OptionStore, r Runner, gateway permission.Gateway, c capability.Capability) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		logger:     logger,
		options:    store,
		runner:     r,
		gateway:    gateway,
		capability: c,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Close abandons pending permission requests
func (c *Controller) Close() {
	c.cancel()
}

// Start persists a full configuration built from args and starts the task.
// The notification permission is requested without waiting for the answer.
func (c *Controller) Start(ctx context.Context, args map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkSupported(); err != nil {
		return err
	}
	if c.runner.IsRunning() {
		return ErrServiceAlreadyStarted
	}

	cfg := options.FromArgs(args).Apply(options.Defaults())
	if err := c.options.Save(ctx, cfg); err != nil {
		return fmt.Errorf("failed to save task options: %w", err)
	}

	if err := c.runner.Run(ctx, runner.Start); err != nil {
		// Do not leave a configuration behind that resume would pick up
		if clearErr := c.options.Clear(ctx); clearErr != nil {
			c.logger.Warn("Failed to clear task options after failed start", zap.Error(clearErr))
		}
		return translate(err)
	}

	c.runner.AwaitPermission(c.gateway.Request(c.ctx))

	c.logger.Info("Service started",
		zap.Int64("task_interval_ms", cfg.TaskIntervalMs),
		zap.Bool("once_event", cfg.IsOnceEvent),
		zap.Bool("show_notification", cfg.ShowNotification))
	return nil
}

// Restart re-runs the task setup in place. Arguments are accepted for command
// symmetry but the stored configuration is used unchanged.
func (c *Controller) Restart(ctx context.Context, args map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkSupported(); err != nil {
		return err
	}
	if !c.runner.IsRunning() {
		return ErrServiceNotStarted
	}
	if len(args) > 0 {
		c.logger.Debug("Restart ignores arguments", zap.Int("count", len(args)))
	}

	if err := c.runner.Run(ctx, runner.Restart); err != nil {
		return translate(err)
	}

	c.logger.Info("Service restarted")
	return nil
}

// Update merges the fields present in args into the stored configuration and
// applies them to the running task
func (c *Controller) Update(ctx context.Context, args map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkSupported(); err != nil {
		return err
	}
	if !c.runner.IsRunning() {
		return ErrServiceNotStarted
	}

	cfg, err := c.options.Merge(ctx, options.FromArgs(args))
	if err != nil {
		return fmt.Errorf("failed to merge task options: %w", err)
	}

	if err := c.runner.Run(ctx, runner.Update); err != nil {
		return translate(err)
	}

	c.logger.Info("Service updated",
		zap.Int64("task_interval_ms", cfg.TaskIntervalMs),
		zap.Bool("once_event", cfg.IsOnceEvent),
		zap.Bool("show_notification", cfg.ShowNotification))
	return nil
}

// Stop erases the stored configuration and stops the task. It returns after
// the loop has halted.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkSupported(); err != nil {
		return err
	}
	if !c.runner.IsRunning() {
		return ErrServiceNotStarted
	}

	if err := c.options.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear task options: %w", err)
	}

	if err := c.runner.Run(ctx, runner.Stop); err != nil {
		return translate(err)
	}

	c.logger.Info("Service stopped")
	return nil
}

// SendData forwards payload to the running task. A nil payload is ignored.
// It reports whether the payload was queued.
func (c *Controller) SendData(payload any) bool {
	if payload == nil || !c.capability.Supported {
		return false
	}
	return c.runner.SendData(payload)
}

// IsRunningService reports whether the task is running
func (c *Controller) IsRunningService() bool {
	if !c.capability.Supported {
		return false
	}
	return c.runner.IsRunning()
}

// Resume starts the task from an already persisted configuration. It is used
// when the process restarts while the service was enabled and reports false
// when nothing was stored.
func (c *Controller) Resume(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkSupported(); err != nil {
		return false, err
	}
	if c.runner.IsRunning() {
		return false, ErrServiceAlreadyStarted
	}

	_, ok, err := c.options.Read(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read task options: %w", err)
	}
	if !ok {
		return false, nil
	}

	if err := c.runner.Run(ctx, runner.Start); err != nil {
		return false, translate(err)
	}
	c.runner.AwaitPermission(c.gateway.Request(c.ctx))

	c.logger.Info("Service resumed from stored options")
	return true, nil
}

// CheckNotificationPermission returns the current permission without
// prompting
func (c *Controller) CheckNotificationPermission(ctx context.Context) (permission.Status, error) {
	status, err := c.gateway.Check(ctx)
	if err != nil {
		return permission.NotDetermined, asQueryError(err)
	}
	c.runner.ApplyPermission(status)
	return status, nil
}

// RequestNotificationPermission prompts for the permission if needed and
// waits for the answer or ctx
func (c *Controller) RequestNotificationPermission(ctx context.Context) (permission.Status, error) {
	var (
		status permission.Status
		err    error
	)
	permission.Deliver(ctx, c.gateway.Request(ctx), permission.CallbackFuncs{
		Result: func(s permission.Status) { status = s },
		Error:  func(e error) { err = e },
	})

	if err != nil {
		return permission.NotDetermined, asQueryError(err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return permission.NotDetermined, ctxErr
	}

	c.runner.ApplyPermission(status)
	return status, nil
}

func (c *Controller) checkSupported() error {
	if c.capability.Supported {
		return nil
	}
	if c.capability.Reason != "" {
		return fmt.Errorf("%w: %s", ErrServiceNotSupported, c.capability.Reason)
	}
	return ErrServiceNotSupported
}

// translate maps runner state errors onto the command taxonomy
func translate(err error) error {
	switch {
	case errors.Is(err, runner.ErrAlreadyRunning):
		return ErrServiceAlreadyStarted
	case errors.Is(err, runner.ErrNotRunning):
		return ErrServiceNotStarted
	default:
		return err
	}
}

func asQueryError(err error) error {
	if errors.Is(err, permission.ErrQueryFailed) {
		return err
	}
	return &permission.QueryError{Cause: err}
}
