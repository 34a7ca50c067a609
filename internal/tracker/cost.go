package tracker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/collabiq/collabiq/internal/config"
	"github.com/collabiq/collabiq/internal/persist"
)

// ProviderCost is the persisted token and USD accounting for one provider.
type ProviderCost struct {
	Name           string    `json:"name"`
	Calls          int64     `json:"calls"`
	InTokens       int64     `json:"in_tokens"`
	OutTokens      int64     `json:"out_tokens"`
	CostUSD        float64   `json:"cost_usd"`
	AvgCostPerCall float64   `json:"avg_cost_per_call"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CostTracker accumulates per-provider token counts and USD cost using
// configured per-million prices. Free providers accrue zero cost.
type CostTracker struct {
	mu      sync.Mutex
	path    string
	pricing map[string]config.Pricing
	stats   map[string]*ProviderCost
}

// NewCostTracker loads existing cost state from path.
func NewCostTracker(path string, pricing map[string]config.Pricing) *CostTracker {
	t := &CostTracker{
		path:    path,
		pricing: pricing,
		stats:   make(map[string]*ProviderCost),
	}
	persist.LoadOrInit(path, &t.stats)
	return t
}

// RecordUsage adds one call's token usage for provider and persists.
func (t *CostTracker) RecordUsage(provider string, inTokens, outTokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.stats[provider]
	if !ok {
		c = &ProviderCost{Name: provider}
		t.stats[provider] = c
	}
	c.Calls++
	c.InTokens += int64(inTokens)
	c.OutTokens += int64(outTokens)
	p := t.pricing[provider]
	c.CostUSD += float64(inTokens)*p.InputPerMillion/1e6 + float64(outTokens)*p.OutputPerMillion/1e6
	c.AvgCostPerCall = c.CostUSD / float64(c.Calls)
	c.UpdatedAt = time.Now().UTC()
	if err := persist.WriteJSON(t.path, t.stats); err != nil {
		slog.Error("cost tracker persist failed",
			slog.String("path", t.path),
			slog.Any("error", err))
	}
}

// AvgCostPerCall returns the running average USD cost per call for provider;
// zero when the provider has no recorded calls.
func (t *CostTracker) AvgCostPerCall(provider string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.stats[provider]; ok {
		return c.AvgCostPerCall
	}
	return 0
}

// Snapshot returns a copy of all cost records.
func (t *CostTracker) Snapshot() map[string]ProviderCost {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]ProviderCost, len(t.stats))
	for name, c := range t.stats {
		out[name] = *c
	}
	return out
}
