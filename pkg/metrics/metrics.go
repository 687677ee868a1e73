// Package metrics exposes the driver's Prometheus collectors: HTTP
// instrumentation for the admin surface plus a handful of driver-shaped
// gauges/counters (active players, scheduled tasks, dispatched
// commands, reload outcomes). Adapted from the teacher's pkg/metrics,
// trimmed from its blockchain-service metric set to this driver's own.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the driver's own Prometheus collectors, kept
	// separate from the default global registry the way the teacher
	// keeps its service metrics isolated from library-registered ones.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mudd",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight admin HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mudd",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of admin HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mudd",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of admin HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"method", "path"})

	activePlayers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mudd",
		Subsystem: "driver",
		Name:      "active_players",
		Help:      "Current number of active player entries (connected or disconnect-holding).",
	})

	schedulerTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mudd",
		Subsystem: "scheduler",
		Name:      "tasks_total",
		Help:      "Total scheduler tasks fired, by owner and outcome.",
	}, []string{"owner", "outcome"})

	dispatchCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mudd",
		Subsystem: "dispatch",
		Name:      "commands_total",
		Help:      "Total commands dispatched, by resolution outcome.",
	}, []string{"outcome"})

	dispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mudd",
		Subsystem: "dispatch",
		Name:      "command_duration_seconds",
		Help:      "Duration of command resolution and invocation, by outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	}, []string{"outcome"})

	reloadOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mudd",
		Subsystem: "reload",
		Name:      "outcomes_total",
		Help:      "Total hot-reload attempts, by path and outcome (ok|diagnostics).",
	}, []string{"path", "outcome"})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		activePlayers,
		schedulerTasks,
		dispatchCommands,
		dispatchDuration,
		reloadOutcomes,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with request-count/duration/in-flight
// collection, skipping /metrics itself to avoid measuring the scrape.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, r.URL.Path).Observe(duration.Seconds())
	})
}

// SetActivePlayers publishes the current active-player count, called by
// the Driver Orchestrator whenever a player is registered or removed.
func SetActivePlayers(n int) {
	activePlayers.Set(float64(n))
}

// RecordSchedulerTask records one scheduler task firing, owner being the
// object id that scheduled it and outcome one of "ok"/"error".
func RecordSchedulerTask(owner, outcome string) {
	if owner == "" {
		owner = "unknown"
	}
	schedulerTasks.WithLabelValues(owner, outcome).Inc()
}

// RecordFunctionExecution records one Dispatch call's resolution
// outcome and wall-clock duration, called by the Command Dispatcher
// around every resolve (base-spec §4.5).
func RecordFunctionExecution(status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Microsecond
	}
	dispatchCommands.WithLabelValues(status).Inc()
	dispatchDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordReloadOutcome records one hot-reload attempt for path, outcome
// being "ok" or "diagnostics".
func RecordReloadOutcome(path, outcome string) {
	reloadOutcomes.WithLabelValues(path, outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}
