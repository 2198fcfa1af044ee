// Package diag serves the process's operational surface: a Prometheus
// scrape endpoint and a liveness/readiness probe, mounted by
// cmd/buildmaster alongside the protocol listeners.
package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/piwheels/master/internal/config"
)

// HealthCheck reports whether a dependency the process relies on
// (typically the database pool) is currently reachable.
type HealthCheck func(ctx context.Context) error

// Diag is the metrics/health HTTP server.
type Diag struct {
	cfg      config.DiagConfig
	log      *logrus.Entry
	registry *prometheus.Registry
	srv      *http.Server

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// New builds a Diag serving reg, the registry the caller's Recorders
// register into (cmd/buildmaster creates its own).
func New(cfg config.DiagConfig, reg *prometheus.Registry, log *logrus.Entry) *Diag {
	return &Diag{
		cfg:      cfg,
		log:      log.WithField("task", "diag"),
		registry: reg,
		checks:   make(map[string]HealthCheck),
	}
}

// RegisterCheck adds a named dependency health check, surfaced at
// /healthz. Safe to call before or after Run.
func (d *Diag) RegisterCheck(name string, check HealthCheck) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checks[name] = check
}

type healthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (d *Diag) handleHealthz(w http.ResponseWriter, r *http.Request) {
	d.mu.RLock()
	checks := make(map[string]HealthCheck, len(d.checks))
	for name, c := range d.checks {
		checks[name] = c
	}
	d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	result := healthStatus{Status: "ok", Checks: map[string]string{}}
	for name, check := range checks {
		if err := check(ctx); err != nil {
			result.Status = "degraded"
			result.Checks[name] = err.Error()
		} else {
			result.Checks[name] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if result.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(result)
}

// Handler returns the mux serving /metrics and /healthz, for tests and
// for embedding into a larger router.
func (d *Diag) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", d.handleHealthz).Methods(http.MethodGet)
	return r
}

// Run starts the HTTP server and blocks until ctx is cancelled, then
// shuts down gracefully.
func (d *Diag) Run(ctx context.Context) error {
	d.srv = &http.Server{
		Addr:    d.cfg.ListenAddr,
		Handler: d.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		d.log.WithField("addr", d.cfg.ListenAddr).Info("diag: listening")
		if err := d.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return d.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
