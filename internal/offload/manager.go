package offload

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/polisai/polis-keyoffload/internal/offload/driver"
)

// ManagerConfig configures the driver lifetime. Only the configuration of
// the acquisition that starts the driver takes effect.
type ManagerConfig struct {
	Driver      driver.Driver
	ProcessName string
	Logger      *slog.Logger
}

const defaultProcessName = "SSL"

var (
	registryMu sync.Mutex
	current    *Manager
)

// Manager owns the process-wide driver lifetime. Acquire starts the driver
// the first time and hands out references to the same Manager until the
// last one is released, which drains any remaining section and stops the
// driver.
type Manager struct {
	binding *driver.Binding
	events  *EventLogger
	metrics *MetricsCollector

	mu       sync.Mutex
	refs     int
	closing  bool
	sections map[*Section]struct{}
}

// Acquire returns the running Manager, starting the driver if no Manager is
// alive.
func Acquire(ctx context.Context, cfg ManagerConfig) (*Manager, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if current != nil {
		current.mu.Lock()
		current.refs++
		current.mu.Unlock()
		return current, nil
	}

	if cfg.ProcessName == "" {
		cfg.ProcessName = defaultProcessName
	}
	events := NewEventLogger(cfg.Logger)
	metrics, err := GetMetricsCollector(events.Logger())
	if err != nil {
		events.Logger().Warn("Offload metrics unavailable", "error", err)
		metrics = nil
	}

	m := &Manager{
		binding:  driver.NewBinding(cfg.Driver),
		events:   events,
		metrics:  metrics,
		refs:     1,
		sections: make(map[*Section]struct{}),
	}
	if err := m.binding.Start(cfg.ProcessName); err != nil {
		return nil, NewHardwareInitError("user_start", -1, err).WithContext("process_name", cfg.ProcessName)
	}
	events.LogDriverStarted(ctx, cfg.ProcessName)

	current = m
	return m, nil
}

// Release drops one reference. The last release drains every section that
// is still running and then stops the driver. Releasing more references
// than were acquired panics with *LogicError.
func (m *Manager) Release(ctx context.Context) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	m.mu.Lock()
	if m.refs == 0 {
		m.mu.Unlock()
		logicPanic("offload manager released more times than acquired")
	}
	m.refs--
	if m.refs > 0 {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	live := make([]*Section, 0, len(m.sections))
	for s := range m.sections {
		live = append(live, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range live {
		m.events.Logger().Warn("Draining section left running at manager release", "section", s.name)
		// The driver cannot stop while a polling loop may still call into it.
		if err := s.Drain(context.WithoutCancel(ctx)); err != nil {
			errs = append(errs, err)
		}
	}

	err := m.binding.Stop()
	m.events.LogDriverStopped(ctx, err)
	if err != nil {
		errs = append(errs, err)
	}
	if current == m {
		current = nil
	}
	return errors.Join(errs...)
}

// Closing reports whether teardown has begun.
func (m *Manager) Closing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing
}

// Driver exposes the binding for diagnostics such as instance listing.
func (m *Manager) Driver() *driver.Binding {
	return m.binding
}

func (m *Manager) registerSection(s *Section) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing || m.refs == 0 {
		return NewManagerClosedError()
	}
	m.sections[s] = struct{}{}
	return nil
}

func (m *Manager) unregisterSection(s *Section) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sections, s)
}
