package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/collabiq/collabiq/internal/adapter/observability"
	"github.com/collabiq/collabiq/internal/domain"
	"github.com/collabiq/collabiq/internal/resilience"
	"github.com/collabiq/collabiq/internal/tracker"
)

// Orchestrator selects LLM providers per request via a pluggable strategy and
// binds health, cost, and quality tracking around every attempt. It exposes a
// single Extract call to the pipeline, plus the one classification call the
// classifier makes.
type Orchestrator struct {
	mu             sync.RWMutex
	strategy       Strategy
	qualityRouting bool

	adapters map[string]domain.ProviderAdapter
	priority []string
	exec     *resilience.Executor
	retryCfg resilience.RetryConfig
	health   *tracker.HealthTracker
	cost     *tracker.CostTracker
	quality  *tracker.QualityTracker
}

// New composes an orchestrator. priority is the configured provider order;
// adapters must contain an entry per priority name.
func New(
	adapters map[string]domain.ProviderAdapter,
	priority []string,
	strategyName string,
	qualityRouting bool,
	exec *resilience.Executor,
	retryCfg resilience.RetryConfig,
	health *tracker.HealthTracker,
	cost *tracker.CostTracker,
	quality *tracker.QualityTracker,
) (*Orchestrator, error) {
	o := &Orchestrator{
		adapters:       adapters,
		priority:       priority,
		qualityRouting: qualityRouting,
		exec:           exec,
		retryCfg:       retryCfg,
		health:         health,
		cost:           cost,
		quality:        quality,
	}
	s, err := StrategyByName(strategyName)
	if err != nil {
		return nil, err
	}
	o.strategy = s
	for _, name := range priority {
		if _, ok := adapters[name]; !ok {
			return nil, fmt.Errorf("op=llm.New: no adapter for provider %q", name)
		}
	}
	return o, nil
}

// Extract runs the current strategy and returns the chosen entities.
func (o *Orchestrator) Extract(ctx context.Context, in domain.ExtractInput) (domain.ExtractedEntities, error) {
	o.mu.RLock()
	s := o.strategy
	o.mu.RUnlock()

	res, err := s.Execute(ctx, o, in)
	if err != nil {
		return domain.ExtractedEntities{}, fmt.Errorf("op=llm.Extract strategy=%s: %w", s.Name(), err)
	}
	return res.Entities, nil
}

// Classify runs the single classification call through the failover order.
// Classification reuses the extraction routing but never consensus: a
// majority vote over free-text summaries is meaningless.
func (o *Orchestrator) Classify(ctx context.Context, in domain.ClassifyInput) (domain.ClassifyResult, error) {
	var lastErr error
	for _, provider := range o.failoverOrder() {
		adapter := o.adapters[provider]
		var res domain.ClassifyResult
		start := time.Now()
		err := o.exec.Do(ctx, provider, o.retryCfg, func(actx context.Context) error {
			var cerr error
			res, cerr = adapter.Classify(actx, in)
			if cerr != nil {
				o.health.RecordFailure(provider, cerr)
			}
			return cerr
		})
		if err != nil {
			lastErr = err
			continue
		}
		o.health.RecordSuccess(provider, float64(time.Since(start).Milliseconds()))
		o.cost.RecordUsage(provider, res.Usage.InTokens, res.Usage.OutTokens)
		return res, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no providers available")
	}
	return domain.ClassifyResult{}, fmt.Errorf("op=llm.Classify: %w", lastErr)
}

// SetStrategy switches the routing strategy at runtime.
func (o *Orchestrator) SetStrategy(name string) error {
	s, err := StrategyByName(name)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.strategy = s
	o.mu.Unlock()
	slog.Info("llm strategy changed", slog.String("strategy", name))
	return nil
}

// StrategyName returns the active strategy's name.
func (o *Orchestrator) StrategyName() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.strategy.Name()
}

// SetQualityRouting toggles quality-based candidate ordering.
func (o *Orchestrator) SetQualityRouting(enabled bool) {
	o.mu.Lock()
	o.qualityRouting = enabled
	o.mu.Unlock()
	slog.Info("llm quality routing changed", slog.Bool("enabled", enabled))
}

// QualityRouting reports whether quality routing is enabled.
func (o *Orchestrator) QualityRouting() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.qualityRouting
}

// Providers returns the configured priority order.
func (o *Orchestrator) Providers() []string {
	return append([]string(nil), o.priority...)
}

// failoverOrder builds the candidate list for ordered strategies: the
// quality-selected winner first, then the configured priority minus the
// winner. With quality routing off, the configured priority alone.
func (o *Orchestrator) failoverOrder() []string {
	o.mu.RLock()
	routing := o.qualityRouting
	o.mu.RUnlock()

	if !routing {
		return o.Providers()
	}
	top := o.quality.SelectByQuality(o.priority)
	if top == "" {
		return o.Providers()
	}
	order := make([]string, 0, len(o.priority))
	order = append(order, top)
	for _, p := range o.priority {
		if p != top {
			order = append(order, p)
		}
	}
	return order
}

// healthyProviders returns the priority-ordered providers whose breakers
// currently admit calls.
func (o *Orchestrator) healthyProviders() []string {
	var out []string
	for _, p := range o.priority {
		if o.health.Allow(p) {
			out = append(out, p)
		}
	}
	return out
}

// attempt runs one provider through the executor and records health, cost,
// and quality around the call. Failed attempts are recorded individually so
// health counters reflect every adapter invocation, and tracker updates
// happen even when the surrounding strategy ultimately chooses another
// provider's result.
func (o *Orchestrator) attempt(ctx context.Context, provider string, in domain.ExtractInput) (domain.ExtractResult, error) {
	adapter, ok := o.adapters[provider]
	if !ok {
		return domain.ExtractResult{}, domain.Permanent(fmt.Errorf("unknown provider %q", provider))
	}
	var res domain.ExtractResult
	start := time.Now()
	err := o.exec.Do(ctx, provider, o.retryCfg, func(actx context.Context) error {
		var aerr error
		res, aerr = adapter.Extract(actx, in)
		if aerr != nil {
			o.health.RecordFailure(provider, aerr)
		}
		return aerr
	})
	elapsed := time.Since(start)
	observability.LLMRequestDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
	if err != nil {
		observability.LLMRequestsTotal.WithLabelValues(provider, "error").Inc()
		return domain.ExtractResult{}, err
	}
	observability.LLMRequestsTotal.WithLabelValues(provider, "success").Inc()
	o.health.RecordSuccess(provider, float64(elapsed.Milliseconds()))
	o.cost.RecordUsage(provider, res.Usage.InTokens, res.Usage.OutTokens)
	passed, reasons := ValidateEntities(res.Entities)
	if !passed {
		slog.Warn("extraction validation failed",
			slog.String("provider", provider),
			slog.Any("reasons", reasons))
	}
	o.quality.RecordExtraction(provider, res.Entities, passed)
	return res, nil
}
