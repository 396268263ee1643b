package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Manager is a registry of named breakers, one per protected dependency.
// It carries no state machine of its own; it composes breakers for
// lookup, aggregate observability, and the periodic recovery monitor.
type Manager struct {
	mu            sync.Mutex
	breakers      map[string]*Breaker
	defaults      Config
	onStateChange StateChangeFunc
	logger        *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDefaults sets the config applied to breakers created via Get.
func WithDefaults(cfg Config) ManagerOption {
	return func(m *Manager) { m.defaults = cfg }
}

// WithStateChangeHook sets a hook applied to every breaker the manager
// creates.
func WithStateChangeHook(fn StateChangeFunc) ManagerOption {
	return func(m *Manager) { m.onStateChange = fn }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates an empty registry.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]*Breaker),
		defaults: DefaultConfig(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers a breaker with an explicit config. Idempotent by
// name: a second call for the same name returns the existing breaker.
func (m *Manager) Create(name string, cfg Config) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[name]; ok {
		return b
	}
	return m.registerLocked(name, cfg)
}

// Get returns the breaker for the given dependency, creating one with
// the manager's default config on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[name]; ok {
		return b
	}
	return m.registerLocked(name, m.defaults)
}

func (m *Manager) registerLocked(name string, cfg Config) *Breaker {
	b := New(name, cfg)
	logger := m.logger
	hook := m.onStateChange
	b.OnStateChange(func(name string, from, to State) {
		logger.Info("circuit breaker state change",
			"breaker", name, "from", from.String(), "to", to.String())
		if hook != nil {
			hook(name, from, to)
		}
	})
	m.breakers[name] = b
	return b
}

// Status returns snapshots of all registered breakers keyed by name.
func (m *Manager) Status() map[string]Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := make(map[string]Snapshot, len(m.breakers))
	for name, b := range m.breakers {
		status[name] = b.Status()
	}
	return status
}

// ForceOpen opens the named breaker. Returns false if it is unknown.
func (m *Manager) ForceOpen(name string) bool {
	m.mu.Lock()
	b, ok := m.breakers[name]
	m.mu.Unlock()

	if !ok {
		return false
	}
	b.ForceOpen()
	return true
}

// ForceClose closes the named breaker. Returns false if it is unknown.
func (m *Manager) ForceClose(name string) bool {
	m.mu.Lock()
	b, ok := m.breakers[name]
	m.mu.Unlock()

	if !ok {
		return false
	}
	b.ForceClose()
	return true
}

// StartMonitor launches a goroutine that periodically ticks every
// breaker so open breakers move to half-open on elapsed recovery
// timeout even with no call traffic. Stops when ctx is cancelled.
func (m *Manager) StartMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.mu.Lock()
				breakers := make([]*Breaker, 0, len(m.breakers))
				for _, b := range m.breakers {
					breakers = append(breakers, b)
				}
				m.mu.Unlock()

				for _, b := range breakers {
					b.tick(now)
				}
			}
		}
	}()
}
