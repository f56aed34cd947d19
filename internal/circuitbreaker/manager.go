package circuitbreaker

import (
	"context"
	"sort"
	"sync"

	"tidal-guard/internal/common/logging"
)

// Manager manages multiple circuit breakers that share one settings snapshot
type Manager struct {
	breakers map[string]*CircuitBreaker
	settings Settings
	opts     []Option
	logger   logging.Logger
	mu       sync.RWMutex
}

// NewManager creates a new circuit breaker manager. opts apply to every
// breaker it creates.
func NewManager(settings Settings, logger logging.Logger, opts ...Option) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		settings: settings.normalized(),
		opts:     opts,
		logger:   logging.OrNop(logger),
	}
}

// GetOrCreate gets an existing circuit breaker or creates one with the
// manager's current settings
func (m *Manager) GetOrCreate(name string) *CircuitBreaker {
	m.mu.RLock()
	breaker, exists := m.breakers[name]
	m.mu.RUnlock()
	if exists {
		return breaker
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if breaker, exists := m.breakers[name]; exists {
		return breaker
	}

	opts := append([]Option{WithLogger(m.logger)}, m.opts...)
	breaker = New(name, m.settings, opts...)

	// Set up logging for state changes
	breaker.OnStateChange(func(name string, from, to State) {
		m.logger.Warn("Circuit breaker state change",
			logging.String("circuit_breaker", name),
			logging.String("from_state", from.String()),
			logging.String("to_state", to.String()),
		)
	})

	m.breakers[name] = breaker
	return breaker
}

// Get retrieves an existing circuit breaker by name
func (m *Manager) Get(name string) (*CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	breaker, exists := m.breakers[name]
	return breaker, exists
}

// Execute executes a function with circuit breaker protection
func (m *Manager) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	return m.GetOrCreate(name).Execute(ctx, fn)
}

// All returns every breaker ordered by name
func (m *Manager) All() []*CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, breaker := range m.breakers {
		breakers = append(breakers, breaker)
	}
	sort.Slice(breakers, func(i, j int) bool { return breakers[i].Name() < breakers[j].Name() })
	return breakers
}

// AllStats returns statistics for all circuit breakers ordered by name
func (m *Manager) AllStats() []Stats {
	breakers := m.All()
	stats := make([]Stats, 0, len(breakers))
	for _, breaker := range breakers {
		stats = append(stats, breaker.Stats())
	}
	return stats
}

// OpenBreakers returns the names of breakers currently rejecting calls
func (m *Manager) OpenBreakers() []string {
	var open []string
	for _, breaker := range m.All() {
		if breaker.IsOpen() {
			open = append(open, breaker.Name())
		}
	}
	return open
}

// Settings returns the settings new breakers are created with
func (m *Manager) Settings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// UpdateSettings applies settings to every existing breaker and to the ones
// created later
func (m *Manager) UpdateSettings(settings Settings) {
	m.mu.Lock()
	m.settings = settings.normalized()
	s := m.settings
	m.mu.Unlock()

	for _, breaker := range m.All() {
		breaker.UpdateSettings(s)
	}
}

// Reset resets all circuit breakers to closed state
func (m *Manager) Reset() {
	for _, breaker := range m.All() {
		breaker.Reset()
		m.logger.Info("Circuit breaker reset",
			logging.String("circuit_breaker", breaker.Name()),
		)
	}
}

// Remove removes a circuit breaker from the manager
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.breakers[name]; exists {
		delete(m.breakers, name)
		return true
	}

	return false
}
