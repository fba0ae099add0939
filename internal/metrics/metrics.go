// Package metrics exposes launcher activity as prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sarth-shah20/stasis/internal/launcher"
)

// Recorder implements launcher.Observer on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	transitions *prometheus.CounterVec
	restarts    *prometheus.CounterVec
	resolve     *prometheus.HistogramVec
	running     *prometheus.GaugeVec
}

var _ launcher.Observer = (*Recorder)(nil)

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stasis_service_transitions_total",
				Help: "Number of launcher state transitions by service and target state.",
			},
			[]string{"service", "state"},
		),
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stasis_service_restarts_total",
				Help: "Number of restarts applied by the restart policy.",
			},
			[]string{"service"},
		),
		resolve: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stasis_image_resolve_duration_seconds",
				Help:    "Time taken to pull or build a service image.",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
			},
			[]string{"service", "kind"},
		),
		running: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stasis_service_running",
				Help: "1 while the service is in the running state.",
			},
			[]string{"service"},
		),
	}
	r.registry.MustRegister(r.transitions, r.restarts, r.resolve, r.running)
	return r
}

func (r *Recorder) Transition(service string, from, to launcher.State) {
	r.transitions.WithLabelValues(service, string(to)).Inc()
	if to == launcher.Running {
		r.running.WithLabelValues(service).Set(1)
	} else if from == launcher.Running {
		r.running.WithLabelValues(service).Set(0)
	}
}

func (r *Recorder) Restarted(service string) {
	r.restarts.WithLabelValues(service).Inc()
}

func (r *Recorder) ImageResolved(service, kind string, d time.Duration) {
	r.resolve.WithLabelValues(service, kind).Observe(d.Seconds())
}

// Registry returns the registry the collectors live on.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the collectors in the prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (r *Recorder) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
