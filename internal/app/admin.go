package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/collabiq/collabiq/internal/adapter/observability"
	"github.com/collabiq/collabiq/internal/domain"
)

// adminStatus is the JSON body of GET /status.
type adminStatus struct {
	Halted    bool                    `json:"halted"`
	Strategy  string                  `json:"strategy"`
	LastRun   *domain.RunRecord       `json:"last_run,omitempty"`
	DLQ       map[domain.Severity]int `json:"dlq_depth"`
	Breakers  map[string]string       `json:"breakers"`
	Processed int                     `json:"processed_total"`
}

// AdminRouter builds the daemon's admin surface: health, status, and
// Prometheus metrics.
func (a *App) AdminRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		states := make(map[string]string)
		for name, st := range a.Exec.Breakers().States() {
			states[name] = st.String()
		}
		body := adminStatus{
			Halted:    a.Controller.Halted(),
			Strategy:  a.Orch.StrategyName(),
			LastRun:   a.Controller.LastRun(),
			DLQ:       a.DLQ.Depth(),
			Breakers:  states,
			Processed: a.Processed.Len(),
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		_ = enc.Encode(body)
	})
	r.Post("/resume", func(w http.ResponseWriter, _ *http.Request) {
		a.Controller.Resume()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", promhttp.Handler())

	return otelhttp.NewHandler(r, "admin")
}

// ServeAdmin runs the admin server until ctx is cancelled.
func (a *App) ServeAdmin(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Cfg.AdminAddr,
		Handler:           a.AdminRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	slog.Info("admin server listening", slog.String("addr", a.Cfg.AdminAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
