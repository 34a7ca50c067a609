// Package tracker maintains per-provider health, cost, and quality metrics.
// Each tracker exclusively owns one JSON file under the data root and
// persists after every mutation via atomic rename.
package tracker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/collabiq/collabiq/internal/persist"
	"github.com/collabiq/collabiq/internal/resilience"
)

// latencyAlpha is the EMA smoothing factor for response time.
const latencyAlpha = 0.2

// ProviderHealth is the persisted health record for one provider.
type ProviderHealth struct {
	Name                string     `json:"name"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	AvgResponseMs       float64    `json:"avg_response_ms"`
	SuccessCount        int64      `json:"success_count"`
	ErrorCount          int64      `json:"error_count"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

// HealthTracker records per-provider success/latency/error counters and
// mirrors breaker state into the persisted snapshot.
type HealthTracker struct {
	mu       sync.Mutex
	path     string
	stats    map[string]*ProviderHealth
	breakers *resilience.BreakerManager
}

// NewHealthTracker loads existing health state from path, tolerating missing
// or corrupt files.
func NewHealthTracker(path string, breakers *resilience.BreakerManager) *HealthTracker {
	t := &HealthTracker{
		path:     path,
		stats:    make(map[string]*ProviderHealth),
		breakers: breakers,
	}
	persist.LoadOrInit(path, &t.stats)
	return t
}

func (t *HealthTracker) get(provider string) *ProviderHealth {
	h, ok := t.stats[provider]
	if !ok {
		h = &ProviderHealth{Name: provider, State: resilience.BreakerClosed.String()}
		t.stats[provider] = h
	}
	return h
}

// RecordSuccess records a successful call with its latency in milliseconds.
func (t *HealthTracker) RecordSuccess(provider string, ms float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.get(provider)
	if h.SuccessCount == 0 && h.ErrorCount == 0 {
		h.AvgResponseMs = ms
	} else {
		h.AvgResponseMs = latencyAlpha*ms + (1-latencyAlpha)*h.AvgResponseMs
	}
	h.SuccessCount++
	h.ConsecutiveFailures = 0
	now := time.Now().UTC()
	h.LastSuccessAt = &now
	t.flush()
}

// RecordFailure records a failed call with its error.
func (t *HealthTracker) RecordFailure(provider string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.get(provider)
	h.ErrorCount++
	h.ConsecutiveFailures++
	now := time.Now().UTC()
	h.LastFailureAt = &now
	if err != nil {
		h.LastError = err.Error()
	}
	t.flush()
}

// Allow reports whether the provider's breaker currently admits calls.
func (t *HealthTracker) Allow(provider string) bool {
	return t.breakers.Get(provider).Allow()
}

// Snapshot returns a copy of all health records with live breaker state.
func (t *HealthTracker) Snapshot() map[string]ProviderHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]ProviderHealth, len(t.stats))
	for name, h := range t.stats {
		cp := *h
		cp.State = t.breakers.Get(name).State().String()
		out[name] = cp
	}
	return out
}

// flush persists under the lock; breaker state is refreshed first so the file
// reflects the live state machine.
func (t *HealthTracker) flush() {
	for name, h := range t.stats {
		h.State = t.breakers.Get(name).State().String()
	}
	if err := persist.WriteJSON(t.path, t.stats); err != nil {
		slog.Error("health tracker persist failed",
			slog.String("path", t.path),
			slog.Any("error", err))
	}
}
