package tracker

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/collabiq/collabiq/internal/domain"
	"github.com/collabiq/collabiq/internal/persist"
)

const (
	// trendWindow is the number of recent overall confidences retained.
	trendWindow = 50
	// trendHalf is the comparison span: mean of the last trendHalf samples
	// versus the previous trendHalf.
	trendHalf = 25
	// trendDelta is the mean difference beyond which the trend leaves stable.
	trendDelta = 0.05
)

// Trend labels.
const (
	TrendImproving = "improving"
	TrendStable    = "stable"
	TrendDegrading = "degrading"
)

// coreFields names the five extraction fields in canonical order.
var coreFields = []string{"person", "startup", "partner", "details", "date"}

// ProviderQuality is the persisted quality record for one provider.
// ConfidenceM2 carries Welford's running sum of squared deviations so the
// recurrence resumes across restarts; RecentConfidences feeds the trend.
type ProviderQuality struct {
	Name               string             `json:"name"`
	Extractions        int64              `json:"extractions"`
	ValidationsPassed  int64              `json:"validations_passed"`
	ValidationsFailed  int64              `json:"validations_failed"`
	ValidationRate     float64            `json:"validation_rate"`
	AvgConfidence      float64            `json:"avg_confidence"`
	StddevConfidence   float64            `json:"stddev_confidence"`
	ConfidenceM2       float64            `json:"confidence_m2"`
	AvgCompleteness    float64            `json:"avg_completeness"`
	AvgFieldsExtracted float64            `json:"avg_fields_extracted"`
	PerFieldConfidence map[string]float64 `json:"per_field_avg_confidence"`
	RecentConfidences  []float64          `json:"recent_confidences"`
	Trend              string             `json:"trend"`
	LastUpdated        time.Time          `json:"last_updated"`
}

// QualityTracker maintains running extraction-quality statistics per provider
// and exposes the composite quality score used for routing.
type QualityTracker struct {
	mu    sync.Mutex
	path  string
	stats map[string]*ProviderQuality

	// avgCost resolves a provider's average cost per call for tie-breaks and
	// value scoring; wired to the cost tracker at composition time.
	avgCost func(provider string) float64
}

// NewQualityTracker loads existing quality state from path. avgCost may be
// nil, in which case all providers are treated as free.
func NewQualityTracker(path string, avgCost func(provider string) float64) *QualityTracker {
	t := &QualityTracker{
		path:    path,
		stats:   make(map[string]*ProviderQuality),
		avgCost: avgCost,
	}
	persist.LoadOrInit(path, &t.stats)
	if t.avgCost == nil {
		t.avgCost = func(string) float64 { return 0 }
	}
	return t
}

// RecordExtraction folds one successful extraction into the provider's
// running statistics: Welford mean/variance over overall confidence,
// per-field means, completeness, validation counters, and the trend window.
func (t *QualityTracker) RecordExtraction(provider string, e domain.ExtractedEntities, validationPassed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.stats[provider]
	if !ok {
		q = &ProviderQuality{
			Name:               provider,
			PerFieldConfidence: make(map[string]float64),
			Trend:              TrendStable,
		}
		t.stats[provider] = q
	}

	overall := e.Confidence.Mean()
	q.Extractions++
	n := float64(q.Extractions)

	// Welford's recurrence for running mean and variance.
	delta := overall - q.AvgConfidence
	q.AvgConfidence += delta / n
	q.ConfidenceM2 += delta * (overall - q.AvgConfidence)
	if q.Extractions > 1 {
		q.StddevConfidence = math.Sqrt(q.ConfidenceM2 / n)
	}

	fields := float64(e.FieldsExtracted())
	q.AvgFieldsExtracted += (fields - q.AvgFieldsExtracted) / n
	q.AvgCompleteness += (e.Completeness() - q.AvgCompleteness) / n

	perField := map[string]float64{
		"person":  e.Confidence.Person,
		"startup": e.Confidence.Startup,
		"partner": e.Confidence.Partner,
		"details": e.Confidence.Details,
		"date":    e.Confidence.Date,
	}
	for _, f := range coreFields {
		q.PerFieldConfidence[f] += (perField[f] - q.PerFieldConfidence[f]) / n
	}

	if validationPassed {
		q.ValidationsPassed++
	} else {
		q.ValidationsFailed++
	}
	total := q.ValidationsPassed + q.ValidationsFailed
	q.ValidationRate = float64(q.ValidationsPassed) / float64(total) * 100

	q.RecentConfidences = append(q.RecentConfidences, overall)
	if len(q.RecentConfidences) > trendWindow {
		q.RecentConfidences = q.RecentConfidences[len(q.RecentConfidences)-trendWindow:]
	}
	q.Trend = computeTrend(q.RecentConfidences)
	q.LastUpdated = time.Now().UTC()

	if err := persist.WriteJSON(t.path, t.stats); err != nil {
		slog.Error("quality tracker persist failed",
			slog.String("path", t.path),
			slog.Any("error", err))
	}
}

// computeTrend compares the mean of the most recent trendHalf samples with
// the previous trendHalf. Fewer than a full window reads as stable.
func computeTrend(window []float64) string {
	if len(window) < trendWindow {
		return TrendStable
	}
	prev := mean(window[len(window)-trendWindow : len(window)-trendHalf])
	last := mean(window[len(window)-trendHalf:])
	switch {
	case last-prev > trendDelta:
		return TrendImproving
	case prev-last > trendDelta:
		return TrendDegrading
	default:
		return TrendStable
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

// QualityScore returns the composite score for provider:
// 0.4·avg_confidence + 0.3·(avg_completeness/100) + 0.3·(validation_rate/100).
// Providers without extractions score zero.
func (t *QualityTracker) QualityScore(provider string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.qualityScoreLocked(provider)
}

func (t *QualityTracker) qualityScoreLocked(provider string) float64 {
	q, ok := t.stats[provider]
	if !ok || q.Extractions == 0 {
		return 0
	}
	return 0.4*q.AvgConfidence + 0.3*(q.AvgCompleteness/100) + 0.3*(q.ValidationRate/100)
}

// ValueScore returns quality per unit of cost, with a 1.5x multiplier for
// free providers.
func (t *QualityTracker) ValueScore(provider string) float64 {
	quality := t.QualityScore(provider)
	cost := t.avgCost(provider)
	if cost == 0 {
		return quality * 1.5
	}
	return quality / (1 + cost*1000)
}

// SelectByQuality returns the candidate with the highest quality score among
// those with at least one recorded extraction. Ties break by lower average
// cost. Returns "" when no candidate qualifies.
func (t *QualityTracker) SelectByQuality(candidates []string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	best := ""
	bestScore := -1.0
	bestCost := 0.0
	for _, c := range candidates {
		q, ok := t.stats[c]
		if !ok || q.Extractions == 0 {
			continue
		}
		score := t.qualityScoreLocked(c)
		cost := t.avgCost(c)
		if score > bestScore || (score == bestScore && cost < bestCost) {
			best, bestScore, bestCost = c, score, cost
		}
	}
	return best
}

// Snapshot returns a copy of all quality records.
func (t *QualityTracker) Snapshot() map[string]ProviderQuality {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]ProviderQuality, len(t.stats))
	for name, q := range t.stats {
		cp := *q
		cp.PerFieldConfidence = make(map[string]float64, len(q.PerFieldConfidence))
		for k, v := range q.PerFieldConfidence {
			cp.PerFieldConfidence[k] = v
		}
		cp.RecentConfidences = append([]float64(nil), q.RecentConfidences...)
		out[name] = cp
	}
	return out
}
