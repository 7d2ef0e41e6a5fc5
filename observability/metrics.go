package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lagom",
			Name:      "calls_total",
			Help:      "Calls served, by outcome code of the response head.",
		},
		[]string{"service", "call", "code"},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lagom",
			Name:      "call_duration_seconds",
			Help:      "Time until the response head of a call was ready.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "call"},
	)
	callFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lagom",
			Name:      "call_failures_total",
			Help:      "Classified call failures, by pipeline stage.",
		},
		[]string{"service", "call", "stage", "code", "name"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(callsTotal, callDuration, callFailures)
	})
}

// RecordCall counts a served call. code is 200 for a successful head.
func RecordCall(service, call string, code int, duration time.Duration) {
	RegisterMetrics()
	callsTotal.WithLabelValues(service, call, strconv.Itoa(code)).Inc()
	callDuration.WithLabelValues(service, call).Observe(duration.Seconds())
}

// RecordFailure counts a classified failure in the given pipeline stage,
// including failures of response streams after their head was sent.
func RecordFailure(service, call, stage string, code int, name string) {
	RegisterMetrics()
	callFailures.WithLabelValues(service, call, stage, strconv.Itoa(code), name).Inc()
}

// MetricsHandler serves the registered metrics for Prometheus to scrape.
func MetricsHandler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}
