// Package resilience implements the external-service reliability layer:
// per-service circuit breakers and the classified retry executor that gates
// every external call.
package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows requests to pass through.
	BreakerClosed BreakerState = iota
	// BreakerOpen blocks requests after consecutive failures.
	BreakerOpen
	// BreakerHalfOpen probes recovery with trial requests after cooldown.
	BreakerHalfOpen
)

// String returns the uppercase wire name of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig tunes one breaker. Zero fields take the package defaults.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	SuccessThreshold int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	return c
}

// Breaker is a per-service circuit breaker.
//
// CLOSED: calls pass; FailureThreshold consecutive failures open the circuit.
// OPEN: calls fail fast; after Cooldown since openedAt the next Allow moves
// the breaker to HALF_OPEN.
// HALF_OPEN: calls pass; SuccessThreshold consecutive successes close the
// circuit, any failure reopens it with a fresh openedAt.
type Breaker struct {
	mu      sync.Mutex
	service string
	cfg     BreakerConfig

	state                BreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time

	now func() time.Time // test seam
}

// NewBreaker constructs a breaker for one external service.
func NewBreaker(service string, cfg BreakerConfig) *Breaker {
	return &Breaker{
		service: service,
		cfg:     cfg.withDefaults(),
		state:   BreakerClosed,
		now:     time.Now,
	}
}

// Allow reports whether a call may proceed. While OPEN it handles the
// cooldown-elapsed transition to HALF_OPEN; callers that are refused must not
// perform any external I/O.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
			b.state = BreakerHalfOpen
			b.consecutiveSuccesses = 0
			slog.Info("circuit breaker half-open after cooldown",
				slog.String("service", b.service),
				slog.Duration("cooldown", b.cfg.Cooldown))
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful call and applies HALF_OPEN→CLOSED.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state == BreakerHalfOpen {
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.consecutiveSuccesses = 0
			slog.Info("circuit breaker closed after recovery",
				slog.String("service", b.service))
		}
	}
}

// RecordFailure records a failed call. In CLOSED it opens the circuit at the
// failure threshold; in HALF_OPEN any failure reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	switch b.state {
	case BreakerClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.open()
		}
	case BreakerHalfOpen:
		b.open()
	}
}

// ForceOpen opens the circuit immediately, bypassing the failure threshold.
// Used for Critical classifications such as authentication failures.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		b.open()
	}
}

// open transitions to OPEN. Caller holds the lock.
func (b *Breaker) open() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.consecutiveSuccesses = 0
	slog.Warn("circuit breaker opened",
		slog.String("service", b.service),
		slog.Int("consecutive_failures", b.consecutiveFailures),
		slog.Int("threshold", b.cfg.FailureThreshold))
}

// State returns the current state without side effects.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current consecutive failure count.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// OpenedAt returns when the breaker last opened; zero if it never opened.
func (b *Breaker) OpenedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt
}

// BreakerManager holds one breaker per external service.
type BreakerManager struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	defaults  BreakerConfig
	overrides map[string]BreakerConfig
}

// NewBreakerManager creates a manager with a default config and optional
// per-service overrides (e.g. tighter thresholds for the secret service).
func NewBreakerManager(defaults BreakerConfig, overrides map[string]BreakerConfig) *BreakerManager {
	return &BreakerManager{
		breakers:  make(map[string]*Breaker),
		defaults:  defaults,
		overrides: overrides,
	}
}

// Get returns the breaker for service, creating it on first use.
func (m *BreakerManager) Get(service string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[service]; ok {
		return b
	}
	cfg := m.defaults
	if o, ok := m.overrides[service]; ok {
		cfg = o
	}
	b := NewBreaker(service, cfg)
	m.breakers[service] = b
	return b
}

// States returns a snapshot of all breaker states keyed by service.
func (m *BreakerManager) States() map[string]BreakerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]BreakerState, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State()
	}
	return out
}
