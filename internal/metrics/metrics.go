// Package metrics exposes Prometheus collectors for the crawl engine and
// an optional HTTP listener serving them.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics bundles the crawl collectors. All observation methods are
// nil-safe so the engine can run without metrics wired.
type Metrics struct {
	registry *prometheus.Registry

	pagesTotal    *prometheus.CounterVec
	pagesFailed   prometheus.Counter
	queueDepth    prometheus.Gauge
	fetchDuration prometheus.Histogram
	ckptFlushes   prometheus.Counter
}

// New registers the crawl collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		pagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scavenge_pages_total",
				Help: "Total pages crawled, labeled by HTTP status code.",
			},
			[]string{"status"},
		),
		pagesFailed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scavenge_pages_failed_total",
				Help: "Total pages that failed to fetch, parse, or extract.",
			},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scavenge_frontier_queue_depth",
				Help: "Current number of URLs waiting in the frontier.",
			},
		),
		fetchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scavenge_page_duration_seconds",
				Help:    "Time spent fetching and processing one page.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		),
		ckptFlushes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scavenge_checkpoint_flushes_total",
				Help: "Total durability syncs of the checkpoint log.",
			},
		),
	}
}

// ObservePage records one successfully crawled page.
func (m *Metrics) ObservePage(statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.pagesTotal.WithLabelValues(strconv.Itoa(statusCode)).Inc()
	m.fetchDuration.Observe(duration.Seconds())
}

// ObserveFailure records one page that could not be processed.
func (m *Metrics) ObserveFailure() {
	if m == nil {
		return
	}
	m.pagesFailed.Inc()
}

// ObserveCheckpointFlush records one checkpoint durability sync.
func (m *Metrics) ObserveCheckpointFlush() {
	if m == nil {
		return
	}
	m.ckptFlushes.Inc()
}

// SetQueueDepth publishes the current frontier size.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Serve starts an HTTP listener exposing /metrics and /healthz and returns
// the server so the caller can shut it down.
func (m *Metrics) Serve(addr string, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics listener stopped", zap.Error(err))
		}
	}()
	logger.Info("metrics listener started", zap.String("addr", addr))
	return server
}

// Shutdown stops a listener started with Serve.
func Shutdown(ctx context.Context, server *http.Server) error {
	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown metrics listener: %w", err)
	}
	return nil
}
