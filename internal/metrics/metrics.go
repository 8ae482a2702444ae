// Package metrics defines the Prometheus collectors for retrieval, reranking
// and corpus statistics, and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RetrievalsTotal     *prometheus.CounterVec
	RetrievalLatency    prometheus.Histogram
	RetrievalResults    prometheus.Histogram
	RerankOutcomesTotal *prometheus.CounterVec
	AnalysisOutcomes    *prometheus.CounterVec
	StatsVersion        prometheus.Gauge
	StatsDocuments      prometheus.Gauge
	StatsRebuildsTotal  *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers the collectors with reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, route, and status.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		RetrievalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retrievals_total",
				Help: "Total retrievals by result (ok, empty, error).",
			},
			[]string{"result"},
		),
		RetrievalLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "retrieval_latency_seconds",
				Help:    "End-to-end retrieval latency in seconds.",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		RetrievalResults: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "retrieval_results_count",
				Help:    "Number of results returned per retrieval.",
				Buckets: []float64{0, 1, 3, 5, 10, 20},
			},
		),
		RerankOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rerank_outcomes_total",
				Help: "Reranker outcomes by remote result (success, timeout, error) and final state.",
			},
			[]string{"outcome", "state"},
		),
		AnalysisOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "query_analysis_total",
				Help: "Query analyses by routed prompt variant.",
			},
			[]string{"variant"},
		),
		StatsVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "corpus_stats_version",
				Help: "Version of the corpus statistics snapshot in use.",
			},
		),
		StatsDocuments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "corpus_stats_documents",
				Help: "Document count of the corpus statistics snapshot in use.",
			},
		),
		StatsRebuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corpus_stats_rebuilds_total",
				Help: "Corpus statistics rebuilds by status.",
			},
			[]string{"status"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RetrievalsTotal,
		m.RetrievalLatency,
		m.RetrievalResults,
		m.RerankOutcomesTotal,
		m.AnalysisOutcomes,
		m.StatsVersion,
		m.StatsDocuments,
		m.StatsRebuildsTotal,
		m.CircuitBreakerState,
	)
	return m
}

// Handler returns the Prometheus scrape HTTP handler for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRetrieval records one finished retrieval.
func (m *Metrics) ObserveRetrieval(result string, results int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RetrievalsTotal.WithLabelValues(result).Inc()
	m.RetrievalLatency.Observe(elapsed.Seconds())
	m.RetrievalResults.Observe(float64(results))
}

// ObserveRerank records a reranker outcome and final state.
func (m *Metrics) ObserveRerank(outcome, state string) {
	if m == nil {
		return
	}
	m.RerankOutcomesTotal.WithLabelValues(outcome, state).Inc()
}

// ObserveAnalysis records the prompt variant a query was routed to.
func (m *Metrics) ObserveAnalysis(variant string) {
	if m == nil {
		return
	}
	m.AnalysisOutcomes.WithLabelValues(variant).Inc()
}

// SetSnapshot records the statistics snapshot now in use.
func (m *Metrics) SetSnapshot(version, documents uint64) {
	if m == nil {
		return
	}
	m.StatsVersion.Set(float64(version))
	m.StatsDocuments.Set(float64(documents))
}

// ObserveRebuild records a rebuild attempt.
func (m *Metrics) ObserveRebuild(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StatsRebuildsTotal.WithLabelValues(status).Inc()
}

// SetBreakerState records a circuit breaker state (0=closed, 1=open, 2=half-open).
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
