package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stake-plus/govwatch/src/logging"
)

// ErrStarted is returned when modules are added or started twice.
var ErrStarted = errors.New("app: modules already started")

// Module is one long-lived piece of the process: a listener, the
// investigation engine, or a connection that must be released.
type Module interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager starts modules in registration order and stops the ones that
// started in reverse.
type Manager struct {
	logger *slog.Logger

	mu      sync.Mutex
	modules []Module
	running []Module
	started bool
}

// NewManager returns a manager for mods. Nil modules are ignored.
func NewManager(logger *slog.Logger, mods ...Module) *Manager {
	m := &Manager{logger: logging.OrDiscard(logger).With("component", "lifecycle")}
	for _, mod := range mods {
		if mod != nil {
			m.modules = append(m.modules, mod)
		}
	}
	return m
}

// Add registers mod. Modules cannot be added once started.
func (m *Manager) Add(mod Module) error {
	if mod == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("add %s: %w", mod.Name(), ErrStarted)
	}
	m.modules = append(m.modules, mod)
	return nil
}

// Start starts every module. On the first failure the modules already
// running are stopped and the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrStarted
	}
	for _, mod := range m.modules {
		begin := time.Now()
		if err := mod.Start(ctx); err != nil {
			m.logger.Error("module failed to start", "module", mod.Name(), "error", err)
			if stopErr := m.stopRunning(ctx); stopErr != nil {
				m.logger.Warn("rollback incomplete", "error", stopErr)
			}
			return fmt.Errorf("module %s failed: %w", mod.Name(), err)
		}
		m.running = append(m.running, mod)
		m.logger.Debug("module started", "module", mod.Name(), "took", time.Since(begin))
	}
	m.started = true
	return nil
}

// Stop stops running modules newest first and joins their errors. It is a
// no-op when nothing is running.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.stopRunning(ctx)
	m.started = false
	return err
}

func (m *Manager) stopRunning(ctx context.Context) error {
	var errs []error
	for i := len(m.running) - 1; i >= 0; i-- {
		mod := m.running[i]
		if err := mod.Stop(ctx); err != nil {
			m.logger.Warn("module stop failed", "module", mod.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", mod.Name(), err))
			continue
		}
		m.logger.Debug("module stopped", "module", mod.Name())
	}
	m.running = nil
	return errors.Join(errs...)
}
