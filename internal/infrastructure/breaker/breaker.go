// Package breaker wraps upstream hosts in circuit breakers so a dying
// provider sheds load instead of burning the retry budget of every worker.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Settings tunes the per-host breakers.
type Settings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ErrorRateThreshold  float64
	ConsecutiveFailures uint32
}

// DefaultSettings trips after 5 consecutive failures, or a 50% error rate
// once 10 requests have been counted, and probes again after 30s.
func DefaultSettings() Settings {
	return Settings{
		MaxRequests:         3,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ErrorRateThreshold:  50,
		ConsecutiveFailures: 5,
	}
}

// Manager holds one breaker per upstream host.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	settings Settings
}

// NewManager creates a breaker manager with the given settings.
func NewManager(settings Settings) *Manager {
	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: settings,
	}
}

func (m *Manager) getBreaker(host string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[host]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists := m.breakers[host]; exists {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: m.settings.MaxRequests,
		Interval:    m.settings.Interval,
		Timeout:     m.settings.Timeout,
		ReadyToTrip: m.readyToTrip,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("host", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
	m.breakers[host] = cb
	return cb
}

func (m *Manager) readyToTrip(counts gobreaker.Counts) bool {
	if counts.Requests >= 10 {
		errorRate := float64(counts.TotalFailures) / float64(counts.Requests) * 100
		if errorRate >= m.settings.ErrorRateThreshold {
			return true
		}
	}
	return counts.ConsecutiveFailures >= m.settings.ConsecutiveFailures
}

// Execute runs fn under the host's breaker. When the circuit is open it
// returns gobreaker.ErrOpenState without invoking fn.
func (m *Manager) Execute(host string, fn func() (interface{}, error)) (interface{}, error) {
	return m.getBreaker(host).Execute(fn)
}

// State reports the current breaker state for a host.
func (m *Manager) State(host string) gobreaker.State {
	return m.getBreaker(host).State()
}

// IsOpen reports whether fetches to host are currently shed.
func IsOpen(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}
