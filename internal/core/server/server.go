package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opengeospatial/ets-wfs20/internal/core/health"
	middleware "github.com/opengeospatial/ets-wfs20/internal/core/middleware"
)

// Status is what the status server exposes about the run in progress.
type Status interface {
	health.ReadinessReporter
	Snapshot() any
	// RunID is the sampling run id, or "" before sampling has started.
	RunID() string
}

// Handler builds the status routes.
func Handler(logger *slog.Logger, status Status) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logging(logger, status.RunID))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(status))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/featuretypes", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status.Snapshot())
	})
	return r
}

// sets up http and serves until ctx is done
func Run(ctx context.Context, addr string, logger *slog.Logger, status Status) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(logger, status),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
