package options

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Store is a flat key/value namespace scoped to one installation
type Store interface {
	// Load returns every stored key. An empty map means nothing is stored.
	Load(ctx context.Context) (map[string]string, error)

	// Apply writes the given values and removes the given keys in one call
	Apply(ctx context.Context, set map[string]string, remove []string) error

	// Name returns the backend name for logging
	Name() string
}

// Manager reads and writes the ServiceConfiguration through a Store.
// All methods are serialized so Merge is a read-modify-write with respect to
// the other calls in this process.
type Manager struct {
	mu     sync.Mutex
	store  Store
	logger *zap.Logger
}

// NewManager creates a manager over the given store
func NewManager(store Store, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger,
	}
}

// Save writes the full configuration, replacing whatever was stored
func (m *Manager) Save(ctx context.Context, cfg ServiceConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, remove := cfg.encode()
	if err := m.store.Apply(ctx, set, remove); err != nil {
		return fmt.Errorf("failed to save options: %w", err)
	}

	m.logger.Debug("Saved service options",
		zap.String("store", m.store.Name()),
		zap.Int64("task_interval_ms", cfg.TaskIntervalMs),
		zap.Bool("once_event", cfg.IsOnceEvent))
	return nil
}

// Merge overlays the present fields of p onto the stored configuration and
// returns the result. When nothing is stored the defaults are the base.
func (m *Manager) Merge(ctx context.Context, p Partial) (ServiceConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, _, err := m.read(ctx)
	if err != nil {
		return ServiceConfiguration{}, err
	}

	merged := p.Apply(current)
	set, remove := merged.encode()
	if err := m.store.Apply(ctx, set, remove); err != nil {
		return ServiceConfiguration{}, fmt.Errorf("failed to merge options: %w", err)
	}

	return merged, nil
}

// Clear removes every key
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Apply(ctx, nil, AllKeys); err != nil {
		return fmt.Errorf("failed to clear options: %w", err)
	}
	m.logger.Debug("Cleared service options", zap.String("store", m.store.Name()))
	return nil
}

// Read returns the stored configuration. The bool is false when none is stored.
func (m *Manager) Read(ctx context.Context) (ServiceConfiguration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read(ctx)
}

func (m *Manager) read(ctx context.Context) (ServiceConfiguration, bool, error) {
	values, err := m.store.Load(ctx)
	if err != nil {
		return ServiceConfiguration{}, false, fmt.Errorf("failed to load options: %w", err)
	}

	cfg, found, err := decode(values)
	if err != nil {
		return ServiceConfiguration{}, false, err
	}
	if !found {
		return ServiceConfiguration{}, false, nil
	}
	return cfg, true, nil
}
