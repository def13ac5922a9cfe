// Package metrics exposes Prometheus collectors for the trafficpacer service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	visitsTotal                *prometheus.CounterVec
	visitDurationSeconds       *prometheus.HistogramVec
	deferredTotal              *prometheus.CounterVec
	poolInUse                  *prometheus.GaugeVec
	poolLimit                  *prometheus.GaugeVec
	configErrorsTotal          prometheus.Counter
	persistenceFailuresTotal   *prometheus.CounterVec
	stateTransitionsTotal      *prometheus.CounterVec
	progressCommittedTotal     prometheus.Counter
	alertsTotal                *prometheus.CounterVec
	tickDurationSeconds        prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		visitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficpacer_visits_total",
				Help: "Total number of visit attempts, labeled by mode and classification.",
			},
			[]string{"mode", "classification"},
		)

		visitDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trafficpacer_visit_duration_seconds",
				Help:    "Histogram of visit durations, labeled by mode.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45, 90},
			},
			[]string{"mode"},
		)

		deferredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficpacer_deferred_total",
				Help: "Total number of work items deferred by the dispatcher, labeled by reason.",
			},
			[]string{"reason"},
		)

		poolInUse = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trafficpacer_pool_in_use",
				Help: "Execution slots currently held, labeled by pool.",
			},
			[]string{"pool"},
		)

		poolLimit = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trafficpacer_pool_limit",
				Help: "Configured execution slots, labeled by pool.",
			},
			[]string{"pool"},
		)

		configErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "trafficpacer_config_errors_total",
				Help: "Ticks that ran on a prior configuration snapshot because the current one was invalid.",
			},
		)

		persistenceFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficpacer_persistence_failures_total",
				Help: "Persistence operations that failed after retries, labeled by operation.",
			},
			[]string{"op"},
		)

		stateTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficpacer_failure_state_transitions_total",
				Help: "URL failure tracker state transitions.",
			},
			[]string{"from", "to"},
		)

		progressCommittedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "trafficpacer_progress_committed_total",
				Help: "Successful visits committed to plan progress.",
			},
		)

		alertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficpacer_alerts_total",
				Help: "Operational alerts raised, labeled by kind.",
			},
			[]string{"kind"},
		)

		tickDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trafficpacer_tick_duration_seconds",
				Help:    "Histogram of tick planning durations (dispatch only, not visit completion).",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveVisit records one completed visit.
func ObserveVisit(mode, classification string, duration time.Duration) {
	Init()
	visitsTotal.WithLabelValues(mode, classification).Inc()
	visitDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// ObserveDeferred counts one deferred work item.
func ObserveDeferred(reason string) {
	Init()
	deferredTotal.WithLabelValues(reason).Inc()
}

// SetPool publishes a pool's usage and limit.
func SetPool(pool string, inUse, limit int) {
	Init()
	poolInUse.WithLabelValues(pool).Set(float64(inUse))
	poolLimit.WithLabelValues(pool).Set(float64(limit))
}

// ObserveConfigError counts a tick that fell back to the prior snapshot.
func ObserveConfigError() {
	Init()
	configErrorsTotal.Inc()
}

// ObservePersistenceFailure counts a commit that exhausted its retries.
func ObservePersistenceFailure(op string) {
	Init()
	persistenceFailuresTotal.WithLabelValues(op).Inc()
}

// ObserveStateTransition counts a failure tracker transition.
func ObserveStateTransition(from, to string) {
	Init()
	stateTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveProgressCommitted counts committed successes.
func ObserveProgressCommitted(n int) {
	Init()
	progressCommittedTotal.Add(float64(n))
}

// ObserveAlert counts a raised alert.
func ObserveAlert(kind string) {
	Init()
	alertsTotal.WithLabelValues(kind).Inc()
}

// ObserveTick records how long a tick spent planning and dispatching.
func ObserveTick(duration time.Duration) {
	Init()
	tickDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
