package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Total number of LLM requests by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	LLMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	EmailsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emails_processed_total",
			Help: "Total number of emails that reached a terminal state",
		},
		[]string{"state"},
	)
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Per-stage processing duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"},
	)
	StageFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_failures_total",
			Help: "Total number of stage failures by stage and error class",
		},
		[]string{"stage", "class"},
	)

	DLQDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dlq_depth",
			Help: "Number of entries currently in the dead letter queue",
		},
		[]string{"severity"},
	)

	KBRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_requests_total",
			Help: "Total number of knowledge base API requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
	KBCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_cache_hits_total",
			Help: "Knowledge base cache lookups by kind and result",
		},
		[]string{"kind", "result"},
	)

	MatchDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linker_match_decisions_total",
			Help: "Company match decisions by outcome",
		},
		[]string{"decision"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(LLMRequestsTotal)
	prometheus.MustRegister(LLMRequestDuration)
	prometheus.MustRegister(EmailsProcessedTotal)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(StageFailuresTotal)
	prometheus.MustRegister(DLQDepth)
	prometheus.MustRegister(KBRequestsTotal)
	prometheus.MustRegister(KBCacheHitsTotal)
	prometheus.MustRegister(MatchDecisionsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveStage records one stage execution.
func ObserveStage(stage string, d time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordStageFailure counts one stage failure by error class.
func RecordStageFailure(stage, class string) {
	StageFailuresTotal.WithLabelValues(stage, class).Inc()
}
