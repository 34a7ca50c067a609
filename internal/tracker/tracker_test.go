package tracker_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabiq/collabiq/internal/config"
	"github.com/collabiq/collabiq/internal/domain"
	"github.com/collabiq/collabiq/internal/persist"
	"github.com/collabiq/collabiq/internal/resilience"
	"github.com/collabiq/collabiq/internal/tracker"
)

func newBreakers() *resilience.BreakerManager {
	return resilience.NewBreakerManager(resilience.BreakerConfig{}, nil)
}

func entitiesWithConfidence(c float64) domain.ExtractedEntities {
	person := "Kim Minsu"
	details := "pilot integration"
	return domain.ExtractedEntities{
		Person:  &person,
		Details: &details,
		Confidence: domain.FieldConfidence{
			Person: c, Startup: c, Partner: c, Details: c, Date: c,
		},
	}
}

func TestHealthTracker_LatencyEMA(t *testing.T) {
	h := tracker.NewHealthTracker(filepath.Join(t.TempDir(), "health.json"), newBreakers())

	h.RecordSuccess("gemini", 100)
	snap := h.Snapshot()["gemini"]
	assert.InDelta(t, 100, snap.AvgResponseMs, 1e-9, "first sample seeds the average")

	h.RecordSuccess("gemini", 200)
	snap = h.Snapshot()["gemini"]
	// alpha 0.2: 0.2*200 + 0.8*100
	assert.InDelta(t, 120, snap.AvgResponseMs, 1e-9)
	assert.Equal(t, int64(2), snap.SuccessCount)
}

func TestHealthTracker_FailureBookkeeping(t *testing.T) {
	h := tracker.NewHealthTracker(filepath.Join(t.TempDir(), "health.json"), newBreakers())

	h.RecordFailure("claude", errors.New("timeout"))
	h.RecordFailure("claude", errors.New("refused"))
	snap := h.Snapshot()["claude"]
	assert.Equal(t, int64(2), snap.ErrorCount)
	assert.Equal(t, 2, snap.ConsecutiveFailures)
	assert.Equal(t, "refused", snap.LastError)

	h.RecordSuccess("claude", 50)
	snap = h.Snapshot()["claude"]
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.NotNil(t, snap.LastSuccessAt)
}

func TestHealthTracker_PersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "health.json")
	h := tracker.NewHealthTracker(path, newBreakers())
	h.RecordSuccess("gemini", 80)

	reloaded := tracker.NewHealthTracker(path, newBreakers())
	assert.Equal(t, int64(1), reloaded.Snapshot()["gemini"].SuccessCount)
}

func TestCostTracker_PerMillionPricing(t *testing.T) {
	pricing := map[string]config.Pricing{
		"claude": {InputPerMillion: 0.80, OutputPerMillion: 4.00},
	}
	c := tracker.NewCostTracker(filepath.Join(t.TempDir(), "cost_metrics.json"), pricing)

	c.RecordUsage("claude", 1_000_000, 500_000)
	snap := c.Snapshot()["claude"]
	assert.InDelta(t, 0.80+2.00, snap.CostUSD, 1e-9)
	assert.InDelta(t, 2.80, snap.AvgCostPerCall, 1e-9)

	c.RecordUsage("claude", 1_000_000, 500_000)
	snap = c.Snapshot()["claude"]
	assert.Equal(t, int64(2), snap.Calls)
	assert.InDelta(t, 2.80, snap.AvgCostPerCall, 1e-9)
}

func TestCostTracker_UnpricedProviderIsFree(t *testing.T) {
	c := tracker.NewCostTracker(filepath.Join(t.TempDir(), "cost_metrics.json"), nil)
	c.RecordUsage("gemini", 10_000, 2_000)
	assert.Zero(t, c.Snapshot()["gemini"].CostUSD)
	assert.Zero(t, c.AvgCostPerCall("gemini"))
	assert.Zero(t, c.AvgCostPerCall("never-seen"))
}

func TestQualityTracker_WelfordStatistics(t *testing.T) {
	q := tracker.NewQualityTracker(filepath.Join(t.TempDir(), "quality_metrics.json"), nil)

	q.RecordExtraction("gemini", entitiesWithConfidence(0.8), true)
	q.RecordExtraction("gemini", entitiesWithConfidence(0.6), true)
	q.RecordExtraction("gemini", entitiesWithConfidence(1.0), false)

	snap := q.Snapshot()["gemini"]
	assert.Equal(t, int64(3), snap.Extractions)
	assert.InDelta(t, 0.8, snap.AvgConfidence, 1e-9)
	// population stddev of {0.8, 0.6, 1.0}
	assert.InDelta(t, 0.16329931618, snap.StddevConfidence, 1e-6)
	assert.InDelta(t, 100.0*2/3, snap.ValidationRate, 1e-6)
	assert.InDelta(t, 40.0, snap.AvgCompleteness, 1e-9, "two of five fields extracted")
	assert.InDelta(t, 0.8, snap.PerFieldConfidence["person"], 1e-9)
}

func TestQualityTracker_TrendNeedsFullWindow(t *testing.T) {
	q := tracker.NewQualityTracker(filepath.Join(t.TempDir(), "quality_metrics.json"), nil)

	for range 49 {
		q.RecordExtraction("gemini", entitiesWithConfidence(0.5), true)
	}
	assert.Equal(t, tracker.TrendStable, q.Snapshot()["gemini"].Trend)

	q.RecordExtraction("gemini", entitiesWithConfidence(0.5), true)
	assert.Equal(t, tracker.TrendStable, q.Snapshot()["gemini"].Trend)
}

func TestQualityTracker_TrendImprovingAndDegrading(t *testing.T) {
	q := tracker.NewQualityTracker(filepath.Join(t.TempDir(), "quality_metrics.json"), nil)
	for range 25 {
		q.RecordExtraction("gemini", entitiesWithConfidence(0.5), true)
	}
	for range 25 {
		q.RecordExtraction("gemini", entitiesWithConfidence(0.9), true)
	}
	assert.Equal(t, tracker.TrendImproving, q.Snapshot()["gemini"].Trend)

	for range 25 {
		q.RecordExtraction("gemini", entitiesWithConfidence(0.4), true)
	}
	assert.Equal(t, tracker.TrendDegrading, q.Snapshot()["gemini"].Trend)
}

func TestQualityTracker_QualityScoreComposition(t *testing.T) {
	q := tracker.NewQualityTracker(filepath.Join(t.TempDir(), "quality_metrics.json"), nil)
	assert.Zero(t, q.QualityScore("gemini"), "no extractions scores zero")

	q.RecordExtraction("gemini", entitiesWithConfidence(0.8), true)
	// 0.4*0.8 + 0.3*(40/100) + 0.3*(100/100)
	assert.InDelta(t, 0.32+0.12+0.30, q.QualityScore("gemini"), 1e-9)
}

func TestQualityTracker_ValueScoreFavorsFreeProviders(t *testing.T) {
	costs := map[string]float64{"gemini": 0, "claude": 0.002}
	q := tracker.NewQualityTracker(filepath.Join(t.TempDir(), "quality_metrics.json"), func(p string) float64 {
		return costs[p]
	})
	q.RecordExtraction("gemini", entitiesWithConfidence(0.8), true)
	q.RecordExtraction("claude", entitiesWithConfidence(0.8), true)

	assert.Greater(t, q.ValueScore("gemini"), q.ValueScore("claude"))
	assert.InDelta(t, q.QualityScore("gemini")*1.5, q.ValueScore("gemini"), 1e-9)
}

func TestQualityTracker_SelectByQuality(t *testing.T) {
	costs := map[string]float64{"claude": 0.005, "openai": 0.001}
	q := tracker.NewQualityTracker(filepath.Join(t.TempDir(), "quality_metrics.json"), func(p string) float64 {
		return costs[p]
	})

	assert.Empty(t, q.SelectByQuality([]string{"gemini", "claude"}), "no history selects nobody")

	q.RecordExtraction("claude", entitiesWithConfidence(0.9), true)
	q.RecordExtraction("openai", entitiesWithConfidence(0.6), true)
	assert.Equal(t, "claude", q.SelectByQuality([]string{"gemini", "claude", "openai"}))

	// Equal scores break toward the cheaper provider.
	q2 := tracker.NewQualityTracker(filepath.Join(t.TempDir(), "q2.json"), func(p string) float64 {
		return costs[p]
	})
	q2.RecordExtraction("claude", entitiesWithConfidence(0.7), true)
	q2.RecordExtraction("openai", entitiesWithConfidence(0.7), true)
	assert.Equal(t, "openai", q2.SelectByQuality([]string{"claude", "openai"}))
}

func TestQualityTracker_ResumesWelfordAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quality_metrics.json")
	q := tracker.NewQualityTracker(path, nil)
	q.RecordExtraction("gemini", entitiesWithConfidence(0.8), true)
	q.RecordExtraction("gemini", entitiesWithConfidence(0.6), true)

	var onDisk map[string]tracker.ProviderQuality
	require.NoError(t, persist.ReadJSON(path, &onDisk))
	require.Contains(t, onDisk, "gemini")

	reloaded := tracker.NewQualityTracker(path, nil)
	reloaded.RecordExtraction("gemini", entitiesWithConfidence(1.0), true)
	snap := reloaded.Snapshot()["gemini"]
	assert.Equal(t, int64(3), snap.Extractions)
	assert.InDelta(t, 0.8, snap.AvgConfidence, 1e-9)
	assert.InDelta(t, 0.16329931618, snap.StddevConfidence, 1e-6)
}
