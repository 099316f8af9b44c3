package agent

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stone-age-io/taskservice/internal/bootstrap"
	"github.com/stone-age-io/taskservice/internal/capability"
	"github.com/stone-age-io/taskservice/internal/config"
	"github.com/stone-age-io/taskservice/internal/lifecycle"
	natsclient "github.com/stone-age-io/taskservice/internal/nats"
	"github.com/stone-age-io/taskservice/internal/options"
	"github.com/stone-age-io/taskservice/internal/permission"
	"github.com/stone-age-io/taskservice/internal/runner"
	"github.com/stone-age-io/taskservice/internal/tasks"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Agent owns the background task service of one device
type Agent struct {
	config     *config.Config
	logger     *zap.Logger
	level      zap.AtomicLevel
	nats       *natsclient.Client
	subjects   natsclient.Subjects
	handlers   *natsclient.CommandHandlers
	controller *lifecycle.Controller
	runner     *runner.Runner
	publisher  *natsclient.Publisher
	storeClose func() error
	closers    []func() error
	version    string
	ctx        context.Context
	cancel     context.CancelFunc
}

// New creates a new agent instance
func New(configPath string, version string) (*Agent, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, level, err := initLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Starting taskservice",
		zap.String("version", version),
		zap.String("device_id", cfg.DeviceID))

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		config:   cfg,
		logger:   logger,
		level:    level,
		subjects: natsclient.Subjects{Prefix: cfg.SubjectPrefix, DeviceID: cfg.DeviceID},
		version:  version,
		ctx:      ctx,
		cancel:   cancel,
	}

	if err := a.build(); err != nil {
		a.close()
		cancel()
		return nil, err
	}
	return a, nil
}

// build wires the components. Anything that needs closing on a failed
// build is registered in a.closers as soon as it exists.
func (a *Agent) build() error {
	cfg := a.config
	logger := a.logger

	if cfg.NATS.Auth.Type == "pocketbase" {
		p := bootstrap.NewProvisioner(cfg.DeviceID, cfg.NATS.Auth.PocketBase, nil, logger.Named("bootstrap"))
		if err := p.EnsureCredentials(a.ctx, cfg.NATS.Auth.CredsFile); err != nil {
			return fmt.Errorf("failed to bootstrap credentials: %w", err)
		}
	}

	logger.Info("Connecting to NATS...")
	nc, err := natsclient.NewClient(&cfg.NATS, cfg.Service.Name, logger.Named("nats"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	a.nats = nc
	a.closers = append(a.closers, func() error {
		nc.Close()
		return nil
	})
	a.publisher = natsclient.NewPublisher(nc, a.subjects, logger.Named("publisher"))

	store, err := a.openStore()
	if err != nil {
		return err
	}
	optionStore := options.NewManager(store, logger.Named("options"))

	capa, err := capability.Probe(cfg.Service.Capability)
	if err != nil {
		return err
	}
	logger.Info("Service capability probed",
		zap.Bool("supported", capa.Supported),
		zap.String("platform", capa.Platform),
		zap.String("reason", capa.Reason))

	gateway, err := a.permissionGateway()
	if err != nil {
		return err
	}

	collector, err := tasks.NewMetricsCollector(cfg.Tasks.Metrics.Source, cfg.Tasks.Metrics.ExporterURL, logger.Named("collector"), nil)
	if err != nil {
		return fmt.Errorf("failed to create metrics collector: %w", err)
	}
	registry := runner.NewRegistry()
	tasks.RegisterBuiltins(registry, a.publisher, collector, a.version, logger.Named("tasks"))

	r, err := runner.New(logger.Named("runner"), optionStore, registry, a.notifier(),
		runner.WithEventSink(a.publisher),
		runner.WithMinInterval(cfg.Service.MinInterval),
		runner.WithStopTimeout(cfg.Service.StopTimeout),
	)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}
	a.runner = r
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Service.StopTimeout)
		defer cancel()
		return r.Shutdown(ctx)
	})

	a.controller = lifecycle.New(logger.Named("lifecycle"), optionStore, r, gateway, capa)
	a.closers = append(a.closers, func() error {
		a.controller.Close()
		return nil
	})

	a.handlers = natsclient.NewCommandHandlers(logger.Named("commands"), a.subjects, a.controller, r, nc, capa, a.commandTimeout())
	return nil
}

// openStore opens the configured option store backend
func (a *Agent) openStore() (options.Store, error) {
	cfg := a.config.Store

	switch cfg.Backend {
	case "redis":
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(a.ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		store := options.NewRedisStore(client, cfg.Redis.Key)
		a.storeClose = store.Close
		a.logger.Info("Using redis option store", zap.Strings("addrs", cfg.Redis.Addrs))
		return store, nil

	case "nats":
		kv, err := a.nats.KeyValue(cfg.NATS.Bucket)
		if err != nil {
			return nil, err
		}
		a.logger.Info("Using NATS key/value option store", zap.String("bucket", cfg.NATS.Bucket))
		return options.NewKVStore(kv), nil

	default:
		a.logger.Info("Using file option store", zap.String("path", cfg.File))
		return options.NewFileStore(cfg.File), nil
	}
}

// permissionGateway builds the configured notification permission gateway
func (a *Agent) permissionGateway() (permission.Gateway, error) {
	cfg := a.config.Permission
	if cfg.Mode == "remote" {
		return permission.NewRemoteGateway(a.nats, a.subjects.PermissionPrompt(), cfg.PromptTimeout, clock.New(), a.logger.Named("permission")), nil
	}
	return permission.NewStaticGateway(cfg.Mode)
}

func (a *Agent) notifier() runner.Notifier {
	if a.config.Notifications.Transport == "log" {
		return runner.NewLogNotifier(a.logger.Named("notification"))
	}
	return a.publisher
}

// commandTimeout bounds one command: the longest of a stop and a
// permission prompt, plus the request timeout
func (a *Agent) commandTimeout() time.Duration {
	d := a.config.Service.StopTimeout
	if a.config.Permission.PromptTimeout > d {
		d = a.config.Permission.PromptTimeout
	}
	return d + a.config.NATS.RequestTimeout
}

// Start subscribes to commands and resumes a persisted task. It does not block.
func (a *Agent) Start() error {
	a.config.WatchLogLevel(a.level, a.logger)

	logger := a.logger
	logger.Info("Subscribing to commands...")
	if err := a.handlers.SubscribeAll(a.nats); err != nil {
		return fmt.Errorf("failed to subscribe to commands: %w", err)
	}

	events := natsclient.NotificationEvents(a.runner, a.config.NATS.RequestTimeout, logger.Named("events"))
	if _, err := a.nats.Subscribe(a.subjects.NotificationEvent(), events); err != nil {
		return fmt.Errorf("failed to subscribe to notification events: %w", err)
	}

	if a.config.Service.ResumeOnBoot {
		resumed, err := a.controller.Resume(a.ctx)
		if err != nil {
			// The agent stays up so the task can be started by command
			logger.Error("Failed to resume task", zap.Error(err))
		} else if resumed {
			logger.Info("Resumed persisted task")
		}
	}

	logger.Info("Agent running",
		zap.String("device_id", a.config.DeviceID),
		zap.String("version", a.version))
	return nil
}

// Run starts the agent and blocks until shutdown
func (a *Agent) Run() error {
	if err := a.Start(); err != nil {
		a.Shutdown()
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		a.logger.Info("Received shutdown signal")
	case <-a.ctx.Done():
		a.logger.Info("Context cancelled")
	}

	return a.Shutdown()
}

// Shutdown gracefully shuts down the agent. The persisted task configuration
// is kept so the task resumes on the next start.
func (a *Agent) Shutdown() error {
	a.logger.Info("Shutting down agent gracefully")
	a.cancel()

	if a.controller != nil {
		a.controller.Close()
	}
	if a.runner != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.config.Service.StopTimeout)
		if err := a.runner.Shutdown(ctx); err != nil {
			a.logger.Error("Error shutting down runner", zap.Error(err))
		}
		cancel()
	}

	if a.nats != nil {
		if err := a.nats.Drain(a.config.NATS.DrainTimeout); err != nil {
			a.logger.Error("Error draining NATS", zap.Error(err))
		}
	}

	if a.storeClose != nil {
		if err := a.storeClose(); err != nil {
			a.logger.Warn("Error closing option store", zap.Error(err))
		}
	}

	a.logger.Info("Agent shutdown complete")
	a.logger.Sync()
	return nil
}

// close releases whatever build managed to create, newest first
func (a *Agent) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Error during cleanup", zap.Error(err))
		}
	}
	if a.storeClose != nil {
		a.storeClose()
	}
}

// initLogger creates the logger with log rotation. The returned level can be
// changed while the agent runs.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, level, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	fileWriter := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB, // megabytes
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(fileWriter), level),
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(os.Stdout), level),
	)

	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), level, nil
}
