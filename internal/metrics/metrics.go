// Package metrics holds the Prometheus collectors of the pool service.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "escrow_pools",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow_pools",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrow_pools",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)

	contributions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow_pools",
			Subsystem: "pool",
			Name:      "contributions_total",
			Help:      "Accepted contributions by pool kind.",
		},
		[]string{"kind"},
	)

	contributedUnits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow_pools",
			Subsystem: "pool",
			Name:      "contributed_units_total",
			Help:      "Units sold by pool kind.",
		},
		[]string{"kind"},
	)

	rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow_pools",
			Subsystem: "pool",
			Name:      "rejections_total",
			Help:      "Rejected operations by pool kind, operation and error code.",
		},
		[]string{"kind", "operation", "code"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow_pools",
			Subsystem: "pool",
			Name:      "status_transitions_total",
			Help:      "Lifecycle transitions by pool kind and target status.",
		},
		[]string{"kind", "status"},
	)

	payouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow_pools",
			Subsystem: "pool",
			Name:      "payouts_total",
			Help:      "Outgoing transfers by pool kind and payout kind.",
		},
		[]string{"kind", "payout"},
	)

	payoutAmount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow_pools",
			Subsystem: "pool",
			Name:      "payout_amount_total",
			Help:      "Base units transferred out by pool kind and payout kind.",
		},
		[]string{"kind", "payout"},
	)

	randomnessRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow_pools",
			Subsystem: "randomness",
			Name:      "requests_total",
			Help:      "Randomness requests by outcome.",
		},
		[]string{"outcome"},
	)

	randomnessLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "escrow_pools",
			Subsystem: "randomness",
			Name:      "fulfillment_seconds",
			Help:      "Time between a randomness request and its fulfillment.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	sweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrow_pools",
			Subsystem: "scheduler",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of lifecycle sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"job"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		contributions,
		contributedUnits,
		rejections,
		transitions,
		payouts,
		payoutAmount,
		randomnessRequests,
		randomnessLatency,
		sweepDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
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

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordContribution counts an accepted contribution.
func RecordContribution(kind string, units int64) {
	contributions.WithLabelValues(kind).Inc()
	contributedUnits.WithLabelValues(kind).Add(float64(units))
}

// RecordRejection counts a rejected operation by error code.
func RecordRejection(kind, operation, code string) {
	rejections.WithLabelValues(kind, operation, code).Inc()
}

// RecordTransition counts a lifecycle transition.
func RecordTransition(kind, status string) {
	transitions.WithLabelValues(kind, status).Inc()
}

// RecordPayout counts a completed outgoing transfer.
func RecordPayout(kind, payout string, amount int64) {
	payouts.WithLabelValues(kind, payout).Inc()
	payoutAmount.WithLabelValues(kind, payout).Add(float64(amount))
}

// RecordRandomness counts a randomness request outcome. latency is observed
// for fulfilled requests only.
func RecordRandomness(outcome string, latency time.Duration) {
	randomnessRequests.WithLabelValues(outcome).Inc()
	if outcome == "fulfilled" && latency > 0 {
		randomnessLatency.Observe(latency.Seconds())
	}
}

// RecordSweep records the duration of a scheduler job.
func RecordSweep(job string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	sweepDuration.WithLabelValues(job).Observe(duration.Seconds())
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

// canonicalPath collapses ids so label cardinality stays bounded:
// /raffles/7/tickets -> /raffles/:id/tickets.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "raffles", "fundraises", "randomness":
		if len(parts) >= 2 {
			parts[1] = ":id"
		}
		if len(parts) > 3 {
			parts = parts[:3]
		}
		return "/" + strings.Join(parts, "/")
	default:
		return "/" + parts[0]
	}
}
