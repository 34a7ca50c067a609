package llm_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabiq/collabiq/internal/domain"
	"github.com/collabiq/collabiq/internal/llm"
	"github.com/collabiq/collabiq/internal/resilience"
	"github.com/collabiq/collabiq/internal/tracker"
)

// fakeAdapter is a scripted provider: fixed entities or a fixed error.
type fakeAdapter struct {
	name     string
	entities domain.ExtractedEntities
	err      error
	calls    atomic.Int64
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Extract(_ context.Context, in domain.ExtractInput) (domain.ExtractResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return domain.ExtractResult{}, f.err
	}
	e := f.entities
	e.Provider = f.name
	e.EmailID = in.EmailID
	return domain.ExtractResult{Entities: e, Usage: domain.Usage{InTokens: 100, OutTokens: 50}}, nil
}

func (f *fakeAdapter) Classify(context.Context, domain.ClassifyInput) (domain.ClassifyResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return domain.ClassifyResult{}, f.err
	}
	return domain.ClassifyResult{Intensity: domain.IntensityCooperate, IntensityConfidence: 0.9, Summary: "s"}, nil
}

func scripted(name string, conf float64, fields map[string]string) *fakeAdapter {
	e := domain.ExtractedEntities{
		Confidence: domain.FieldConfidence{
			Person: conf, Startup: conf, Partner: conf, Details: conf, Date: conf,
		},
	}
	set := func(dst **string, key string) {
		if v, ok := fields[key]; ok {
			s := v
			*dst = &s
		}
	}
	set(&e.Person, "person")
	set(&e.Startup, "startup")
	set(&e.Partner, "partner")
	set(&e.Details, "details")
	return &fakeAdapter{name: name, entities: e}
}

type harness struct {
	orch    *llm.Orchestrator
	health  *tracker.HealthTracker
	quality *tracker.QualityTracker
}

func newHarness(t *testing.T, strategy string, qualityRouting bool, adapters ...*fakeAdapter) *harness {
	t.Helper()
	dir := t.TempDir()
	breakers := resilience.NewBreakerManager(resilience.BreakerConfig{FailureThreshold: 100}, nil)
	exec := resilience.NewExecutor(breakers)
	health := tracker.NewHealthTracker(filepath.Join(dir, "health.json"), breakers)
	cost := tracker.NewCostTracker(filepath.Join(dir, "cost_metrics.json"), nil)
	quality := tracker.NewQualityTracker(filepath.Join(dir, "quality_metrics.json"), cost.AvgCostPerCall)

	m := make(map[string]domain.ProviderAdapter, len(adapters))
	priority := make([]string, 0, len(adapters))
	for _, a := range adapters {
		m[a.name] = a
		priority = append(priority, a.name)
	}
	retry := resilience.RetryConfig{MaxAttempts: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	orch, err := llm.New(m, priority, strategy, qualityRouting, exec, retry, health, cost, quality)
	require.NoError(t, err)
	return &harness{orch: orch, health: health, quality: quality}
}

func TestNew_RejectsUnknownStrategyAndMissingAdapter(t *testing.T) {
	dir := t.TempDir()
	breakers := resilience.NewBreakerManager(resilience.BreakerConfig{}, nil)
	exec := resilience.NewExecutor(breakers)
	health := tracker.NewHealthTracker(filepath.Join(dir, "h.json"), breakers)
	cost := tracker.NewCostTracker(filepath.Join(dir, "c.json"), nil)
	quality := tracker.NewQualityTracker(filepath.Join(dir, "q.json"), nil)

	_, err := llm.New(nil, nil, "roulette", false, exec, resilience.RetryConfig{}, health, cost, quality)
	require.Error(t, err)

	_, err = llm.New(map[string]domain.ProviderAdapter{}, []string{"gemini"}, "failover", false, exec, resilience.RetryConfig{}, health, cost, quality)
	require.Error(t, err)
}

func TestFailover_SkipsFailedProvider(t *testing.T) {
	primary := scripted("gemini", 0.9, map[string]string{"person": "Kim Minsu"})
	primary.err = domain.Transient(errors.New("upstream down"))
	secondary := scripted("claude", 0.8, map[string]string{"person": "Kim Minsu"})

	h := newHarness(t, llm.StrategyFailover, false, primary, secondary)
	e, err := h.orch.Extract(context.Background(), domain.ExtractInput{EmailID: "m1", Body: "b"})
	require.NoError(t, err)
	assert.Equal(t, "claude", e.Provider)
	assert.Equal(t, int64(1), primary.calls.Load())

	snap := h.health.Snapshot()
	assert.Equal(t, int64(1), snap["gemini"].ErrorCount)
	assert.Equal(t, int64(1), snap["claude"].SuccessCount)
}

func TestFailover_AllProvidersFail(t *testing.T) {
	a := scripted("gemini", 0.9, nil)
	a.err = domain.Transient(errors.New("down"))
	b := scripted("claude", 0.9, nil)
	b.err = domain.Permanent(errors.New("bad prompt"))

	h := newHarness(t, llm.StrategyFailover, false, a, b)
	_, err := h.orch.Extract(context.Background(), domain.ExtractInput{EmailID: "m1"})
	require.Error(t, err)
}

func TestFailover_QualityRoutingReordersProviders(t *testing.T) {
	a := scripted("gemini", 0.5, map[string]string{"person": "Kim Minsu"})
	b := scripted("claude", 0.95, map[string]string{"person": "Kim Minsu"})
	h := newHarness(t, llm.StrategyFailover, true, a, b)

	// No history yet: configured priority applies.
	e, err := h.orch.Extract(context.Background(), domain.ExtractInput{EmailID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "gemini", e.Provider)

	// Give claude a better record, then the router must prefer it.
	h.quality.RecordExtraction("claude", b.entities, true)
	e, err = h.orch.Extract(context.Background(), domain.ExtractInput{EmailID: "m2"})
	require.NoError(t, err)
	assert.Equal(t, "claude", e.Provider)
}

func TestBestMatch_PicksHighestConfidence(t *testing.T) {
	a := scripted("gemini", 0.6, map[string]string{"person": "Kim Minsu"})
	b := scripted("claude", 0.9, map[string]string{"person": "Kim Minsu"})
	c := scripted("openai", 0.7, map[string]string{"person": "Kim Minsu"})

	h := newHarness(t, llm.StrategyBestMatch, false, a, b, c)
	e, err := h.orch.Extract(context.Background(), domain.ExtractInput{EmailID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "claude", e.Provider)
	assert.Equal(t, int64(1), a.calls.Load())
	assert.Equal(t, int64(1), c.calls.Load())
}

func TestConsensus_MajorityVotePerField(t *testing.T) {
	a := scripted("gemini", 0.8, map[string]string{"person": "Kim Minsu", "startup": "Acme Robotics"})
	b := scripted("claude", 0.6, map[string]string{"person": "kim minsu", "startup": "Acme Labs"})
	c := scripted("openai", 0.9, map[string]string{"person": "Lee Jiwon", "startup": "Acme Robotics"})

	h := newHarness(t, llm.StrategyConsensus, false, a, b, c)
	e, err := h.orch.Extract(context.Background(), domain.ExtractInput{EmailID: "m1"})
	require.NoError(t, err)

	assert.Equal(t, "consensus", e.Provider)
	require.NotNil(t, e.Person)
	// "Kim Minsu" and "kim minsu" group case-insensitively and outvote "Lee
	// Jiwon"; the higher-confidence casing wins.
	assert.Equal(t, "Kim Minsu", *e.Person)
	assert.InDelta(t, 0.7, e.Confidence.Person, 1e-9, "mean of the winning group")

	require.NotNil(t, e.Startup)
	assert.Equal(t, "Acme Robotics", *e.Startup)
	assert.InDelta(t, (0.8+0.9)/2, e.Confidence.Startup, 1e-9)
}

func TestConsensus_TieBreaksByConfidence(t *testing.T) {
	a := scripted("gemini", 0.6, map[string]string{"startup": "Acme"})
	b := scripted("claude", 0.9, map[string]string{"startup": "Acme Labs"})

	h := newHarness(t, llm.StrategyConsensus, false, a, b)
	e, err := h.orch.Extract(context.Background(), domain.ExtractInput{EmailID: "m1"})
	require.NoError(t, err)
	require.NotNil(t, e.Startup)
	assert.Equal(t, "Acme Labs", *e.Startup)
}

func TestConsensus_SingleSuccessPassesThrough(t *testing.T) {
	a := scripted("gemini", 0.8, map[string]string{"person": "Kim Minsu"})
	b := scripted("claude", 0.9, nil)
	b.err = domain.Transient(errors.New("down"))

	h := newHarness(t, llm.StrategyConsensus, false, a, b)
	e, err := h.orch.Extract(context.Background(), domain.ExtractInput{EmailID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "gemini", e.Provider)
}

func TestAllProviders_ReturnsQualityWinnerAndRecordsAll(t *testing.T) {
	a := scripted("gemini", 0.6, map[string]string{"person": "Kim Minsu"})
	b := scripted("claude", 0.9, map[string]string{"person": "Kim Minsu"})

	h := newHarness(t, llm.StrategyAllProviders, false, a, b)
	e, err := h.orch.Extract(context.Background(), domain.ExtractInput{EmailID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "claude", e.Provider)

	snap := h.quality.Snapshot()
	assert.Equal(t, int64(1), snap["gemini"].Extractions)
	assert.Equal(t, int64(1), snap["claude"].Extractions)
}

func TestClassify_FailsOverBetweenProviders(t *testing.T) {
	a := scripted("gemini", 0.9, nil)
	a.err = domain.Transient(errors.New("down"))
	b := scripted("claude", 0.9, nil)

	h := newHarness(t, llm.StrategyFailover, false, a, b)
	res, err := h.orch.Classify(context.Background(), domain.ClassifyInput{EmailID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, domain.IntensityCooperate, res.Intensity)
}

func TestSetStrategy(t *testing.T) {
	a := scripted("gemini", 0.9, map[string]string{"person": "Kim Minsu"})
	h := newHarness(t, llm.StrategyFailover, false, a)

	require.NoError(t, h.orch.SetStrategy(llm.StrategyConsensus))
	assert.Equal(t, llm.StrategyConsensus, h.orch.StrategyName())
	assert.Error(t, h.orch.SetStrategy("roulette"))

	h.orch.SetQualityRouting(false)
	assert.False(t, h.orch.QualityRouting())
}
