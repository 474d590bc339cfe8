// Package metrics exposes counters of processed records for Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OutcomeSuccess = "success" // exit code 0
	OutcomeNonZero = "nonzero" // exit code other than 0 or killed by a signal
	OutcomeFailure = "failure" // process could not be run
)

// Metrics holds the collectors of one iter process. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	LinesRead        prometheus.Counter
	Results          *prometheus.CounterVec
	PersistErrors    prometheus.Counter
	RelayDepth       prometheus.Gauge
	WorkersBusy      prometheus.Gauge
	ExecutionSeconds prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		LinesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iter_lines_read_total",
			Help: "Total number of input lines read by the monitor producer",
		}),
		Results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iter_results_total",
			Help: "Total number of persisted results by outcome",
		}, []string{"outcome"}),
		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iter_persist_errors_total",
			Help: "Total number of records whose result could not be persisted",
		}),
		RelayDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iter_relay_depth",
			Help: "Number of lines waiting in the relay",
		}),
		WorkersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iter_workers_busy",
			Help: "Number of workers processing a line",
		}),
		ExecutionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "iter_execution_duration_seconds",
			Help:    "Duration of command executions",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
	}
	reg.MustRegister(
		m.LinesRead,
		m.Results,
		m.PersistErrors,
		m.RelayDepth,
		m.WorkersBusy,
		m.ExecutionSeconds,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) LineRead() {
	if m == nil {
		return
	}
	m.LinesRead.Inc()
}

func (m *Metrics) Result(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Results.WithLabelValues(outcome).Inc()
	if outcome != OutcomeFailure {
		m.ExecutionSeconds.Observe(d.Seconds())
	}
}

func (m *Metrics) PersistError() {
	if m == nil {
		return
	}
	m.PersistErrors.Inc()
}

func (m *Metrics) SetRelayDepth(n int) {
	if m == nil {
		return
	}
	m.RelayDepth.Set(float64(n))
}

func (m *Metrics) WorkerBusy(delta float64) {
	if m == nil {
		return
	}
	m.WorkersBusy.Add(delta)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.InfoContext(ctx, "serving metrics", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if lerr := <-errCh; !errors.Is(lerr, http.ErrServerClosed) {
		err = errors.Join(err, lerr)
	}
	return err
}
