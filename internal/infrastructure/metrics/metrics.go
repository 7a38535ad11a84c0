// Package metrics exposes Prometheus instruments for cancellations, run
// matching and convergence waits.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	mCancellations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ci_controlplane_cancellations_total",
			Help: "Run cancellations by provider and result.",
		},
		[]string{"provider", "result"},
	)
	mMatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ci_controlplane_match_attempts_total",
			Help: "Match attempts by provider and outcome (found, not_yet, none, error).",
		},
		[]string{"provider", "outcome"},
	)
	mConvergence = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ci_controlplane_convergence_seconds",
			Help:    "Duration of convergence waits.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"mode", "outcome"},
	)
)

func RecordCancellation(provider, result string) {
	mCancellations.WithLabelValues(provider, result).Inc()
}

func RecordMatchAttempt(provider, outcome string) {
	mMatchAttempts.WithLabelValues(provider, outcome).Inc()
}

func ObserveConvergence(mode, outcome string, d time.Duration) {
	mConvergence.WithLabelValues(mode, outcome).Observe(d.Seconds())
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
