package prometheus

import (
	"context"
	"net/http"
	"time"

	"inviqa/entitlement-pipeline/config"
	h "inviqa/entitlement-pipeline/http"
	"inviqa/entitlement-pipeline/log"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 10 * time.Second

// StartHttpServer serves /metrics, /healthz and whatever routes register adds
// on cfg.HTTPAddr. readiness is consulted by /healthz?readiness=1. It blocks
// until ctx is cancelled and the server has shut down.
func StartHttpServer(ctx context.Context, cfg *config.Config, db h.Pinger, readiness []h.Readiness, register ...func(*http.ServeMux)) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", h.NewHealthzHandler(cfg.GetDependencySystemAddresses(), db, readiness...))
	for _, r := range register {
		r(mux)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Logger.WithError(err).Error("error shutting down the HTTP server")
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Logger.Fatalf("failed to start prometheus HTTP server: %s", err)
	}
}
