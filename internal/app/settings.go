package app

import (
	"fmt"
	"path/filepath"

	"github.com/collabiq/collabiq/internal/config"
	"github.com/collabiq/collabiq/internal/persist"
)

// llmSettings are the runtime-adjustable orchestrator knobs, persisted so a
// CLI invocation survives into the next daemon start.
type llmSettings struct {
	Strategy       string `json:"strategy,omitempty"`
	QualityRouting *bool  `json:"quality_routing,omitempty"`
}

func settingsPath(cfg config.Config) string {
	return filepath.Join(cfg.DataDir, "llm_settings.json")
}

// applySettings overlays persisted settings onto the configured defaults.
func applySettings(cfg config.Config) config.Config {
	var s llmSettings
	persist.LoadOrInit(settingsPath(cfg), &s)
	if s.Strategy != "" {
		cfg.Strategy = s.Strategy
	}
	if s.QualityRouting != nil {
		cfg.QualityRouting = *s.QualityRouting
	}
	return cfg
}

// SetStrategy switches the routing strategy and persists the choice.
func (a *App) SetStrategy(name string) error {
	if err := a.Orch.SetStrategy(name); err != nil {
		return err
	}
	return a.saveSettings()
}

// SetQualityRouting toggles quality routing and persists the choice.
func (a *App) SetQualityRouting(enabled bool) error {
	a.Orch.SetQualityRouting(enabled)
	return a.saveSettings()
}

func (a *App) saveSettings() error {
	routing := a.Orch.QualityRouting()
	s := llmSettings{
		Strategy:       a.Orch.StrategyName(),
		QualityRouting: &routing,
	}
	if err := persist.WriteJSON(settingsPath(a.Cfg), s); err != nil {
		return fmt.Errorf("op=app.saveSettings: %w", err)
	}
	return nil
}
