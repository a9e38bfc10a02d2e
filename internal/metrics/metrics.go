// Package metrics exposes run counters on a private Prometheus registry.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Attempt outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeRetry       = "retry"
	OutcomeRateLimited = "rate_limited"
	OutcomeFatal       = "fatal"
	OutcomeCancelled   = "cancelled"
)

type Recorder struct {
	registry *prometheus.Registry
	attempts *prometheus.CounterVec
	chunks   *prometheus.CounterVec
	deltas   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "novtl_attempts_total",
			Help: "Provider attempts by outcome.",
		}, []string{"provider", "outcome"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "novtl_chunks_total",
			Help: "Chunks finished by outcome.",
		}, []string{"outcome"}),
		deltas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "novtl_stream_deltas_total",
			Help: "Streamed text fragments received.",
		}, []string{"provider"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "novtl_attempt_duration_seconds",
			Help:    "Wall time of one provider attempt.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"provider"}),
	}
	r.registry.MustRegister(r.attempts, r.chunks, r.deltas, r.duration)
	return r
}

func (r *Recorder) Attempt(provider, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.attempts.WithLabelValues(provider, outcome).Inc()
	r.duration.WithLabelValues(provider).Observe(d.Seconds())
}

func (r *Recorder) Chunk(outcome string) {
	if r == nil {
		return
	}
	r.chunks.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Delta(provider string) {
	if r == nil {
		return
	}
	r.deltas.WithLabelValues(provider).Inc()
}

// Registry returns the underlying registry, or nil.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
