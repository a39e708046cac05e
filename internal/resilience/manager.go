package resilience

import (
	"sync"
)

// Manager coordinates per-provider resilience components.
type Manager struct {
	mu              sync.RWMutex
	circuitBreakers map[string]*CircuitBreaker
	rateLimiters    map[string]*RateLimiter
	cbConfig        CircuitBreakerConfig
	rpmFor          func(provider string) int
}

// ManagerConfig contains configuration for the resilience manager.
type ManagerConfig struct {
	CircuitBreaker CircuitBreakerConfig
	// RPMFor resolves the requests-per-minute limit for a provider. Nil
	// means 60 for everyone.
	RPMFor func(provider string) int
}

// NewManager creates a resilience manager.
func NewManager(cfg ManagerConfig) *Manager {
	rpmFor := cfg.RPMFor
	if rpmFor == nil {
		rpmFor = func(string) int { return 60 }
	}
	return &Manager{
		circuitBreakers: make(map[string]*CircuitBreaker),
		rateLimiters:    make(map[string]*RateLimiter),
		cbConfig:        cfg.CircuitBreaker,
		rpmFor:          rpmFor,
	}
}

// Breaker returns or creates the circuit breaker for a provider.
func (m *Manager) Breaker(provider string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.circuitBreakers[provider]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok = m.circuitBreakers[provider]; ok {
		return cb
	}
	cb = NewCircuitBreaker(provider, m.cbConfig)
	m.circuitBreakers[provider] = cb
	return cb
}

// Limiter returns or creates the rate limiter for a provider.
func (m *Manager) Limiter(provider string) *RateLimiter {
	m.mu.RLock()
	rl, ok := m.rateLimiters[provider]
	m.mu.RUnlock()
	if ok {
		return rl
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rl, ok = m.rateLimiters[provider]; ok {
		return rl
	}
	rl = NewRateLimiter(m.rpmFor(provider))
	m.rateLimiters[provider] = rl
	return rl
}

// BreakerStates returns a snapshot of breaker states by provider.
func (m *Manager) BreakerStates() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.circuitBreakers))
	for name, cb := range m.circuitBreakers {
		out[name] = cb.State().String()
	}
	return out
}

// ResetBreakers forces every breaker back to Closed.
func (m *Manager) ResetBreakers() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cb := range m.circuitBreakers {
		cb.Reset()
	}
}
