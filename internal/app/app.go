// Package app composes the pipeline from configuration: adapters, trackers,
// resilience, orchestrator, and controller, all via constructor injection.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/collabiq/collabiq/internal/adapter/kb/notion"
	"github.com/collabiq/collabiq/internal/adapter/llm/anthropic"
	"github.com/collabiq/collabiq/internal/adapter/llm/gemini"
	"github.com/collabiq/collabiq/internal/adapter/llm/openai"
	"github.com/collabiq/collabiq/internal/adapter/llm/stub"
	"github.com/collabiq/collabiq/internal/adapter/mail/gmail"
	"github.com/collabiq/collabiq/internal/adapter/secrets"
	"github.com/collabiq/collabiq/internal/config"
	"github.com/collabiq/collabiq/internal/dlq"
	"github.com/collabiq/collabiq/internal/domain"
	"github.com/collabiq/collabiq/internal/linker"
	"github.com/collabiq/collabiq/internal/llm"
	"github.com/collabiq/collabiq/internal/pipeline"
	"github.com/collabiq/collabiq/internal/resilience"
	"github.com/collabiq/collabiq/internal/tracker"
)

// App is the composed application.
type App struct {
	Cfg        config.Config
	Providers  config.Providers
	Secrets    *secrets.Source
	Mail       domain.MailSource
	KB         *notion.Client
	Exec       *resilience.Executor
	Health     *tracker.HealthTracker
	Cost       *tracker.CostTracker
	Quality    *tracker.QualityTracker
	Orch       *llm.Orchestrator
	Linker     *linker.Linker
	DLQ        *dlq.Store
	Processed  *dlq.ProcessedIndex
	Controller *pipeline.Controller
}

// Options tweak composition for tests and dry runs.
type Options struct {
	// UseStubProviders replaces the vendor adapters with deterministic stubs.
	UseStubProviders bool
}

// New builds the application from cfg. All state lives under cfg.DataDir.
func New(cfg config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = applySettings(cfg)
	providers, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		return nil, fmt.Errorf("op=app.New: %w", err)
	}

	breakerDefaults := resilience.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Cooldown:         cfg.BreakerCooldown,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
	}
	breakers := resilience.NewBreakerManager(breakerDefaults, map[string]resilience.BreakerConfig{
		"secret-service": {FailureThreshold: 3, Cooldown: 30 * time.Second, SuccessThreshold: 2},
	})
	exec := resilience.NewExecutor(breakers)

	// The secret source shares the manager's breaker so its state shows up on
	// the admin status surface with the rest.
	secretSource := secrets.New(cfg, breakers.Get("secret-service"))
	retryCfg := resilience.RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		BaseBackoff:       cfg.RetryBaseBackoff,
		MaxBackoff:        cfg.RetryMaxBackoff,
		JitterMax:         cfg.RetryJitterMax,
		PerAttemptTimeout: cfg.RetryPerAttemptTimeout,
		RespectRetryAfter: cfg.RetryRespectRetryAfter,
	}

	healthDir := filepath.Join(cfg.DataDir, "llm_health")
	health := tracker.NewHealthTracker(filepath.Join(healthDir, "health.json"), breakers)
	cost := tracker.NewCostTracker(filepath.Join(healthDir, "cost_metrics.json"), providers.Pricing)
	quality := tracker.NewQualityTracker(filepath.Join(healthDir, "quality_metrics.json"), cost.AvgCostPerCall)

	adapters := buildAdapters(cfg, secretSource, providers.Priority, opts)
	orch, err := llm.New(adapters, providers.Priority, cfg.Strategy, cfg.QualityRouting, exec, retryCfg, health, cost, quality)
	if err != nil {
		return nil, fmt.Errorf("op=app.New: %w", err)
	}

	kb, err := notion.New(cfg, secretSource, filepath.Join(cfg.DataDir, "notion_cache"))
	if err != nil {
		return nil, fmt.Errorf("op=app.New: %w", err)
	}
	mail := gmail.New(cfg, secretSource)

	dlqStore, err := dlq.NewStore(filepath.Join(cfg.DataDir, "dlq"))
	if err != nil {
		return nil, fmt.Errorf("op=app.New: %w", err)
	}
	processed := dlq.NewProcessedIndex(filepath.Join(cfg.DataDir, "processed_ids.json"))

	lk := linker.New()
	controller := pipeline.NewController(cfg, mail, kb, kb, orch, lk, dlqStore, processed, exec, retryCfg)
	controller.OnRunFinished = func(run domain.RunRecord) {
		if err := pipeline.WriteReport(cfg.DataDir, run, quality.Snapshot(), cost.Snapshot()); err != nil {
			slog.Error("report write failed",
				slog.String("run_id", run.RunID),
				slog.Any("error", err))
		}
	}

	return &App{
		Cfg:        cfg,
		Providers:  providers,
		Secrets:    secretSource,
		Mail:       mail,
		KB:         kb,
		Exec:       exec,
		Health:     health,
		Cost:       cost,
		Quality:    quality,
		Orch:       orch,
		Linker:     lk,
		DLQ:        dlqStore,
		Processed:  processed,
		Controller: controller,
	}, nil
}

// RunOnce executes one pipeline run. Reports are written by the controller's
// run-finished hook.
func (a *App) RunOnce(ctx context.Context) (domain.RunRecord, error) {
	return a.Controller.RunOnce(ctx)
}

// buildAdapters wires one adapter per configured provider name. Unknown
// names are left unwired so a misconfigured priority list fails loudly in
// llm.New rather than at first use.
func buildAdapters(cfg config.Config, sec domain.SecretSource, priority []string, opts Options) map[string]domain.ProviderAdapter {
	adapters := make(map[string]domain.ProviderAdapter, len(priority))
	for _, name := range priority {
		if opts.UseStubProviders {
			adapters[name] = stub.New(name, 0.9)
			continue
		}
		switch name {
		case "gemini":
			adapters[name] = gemini.New(cfg, sec)
		case "claude":
			adapters[name] = anthropic.New(cfg, sec)
		case "openai":
			adapters[name] = openai.New(cfg, sec)
		}
	}
	return adapters
}
