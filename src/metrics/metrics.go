// Package metrics exposes Prometheus instrumentation for the call bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "strawgo"

var (
	// sessionsActive is a gauge of calls currently bridged
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of calls currently bridged",
		},
	)

	// sessionDuration is a histogram of billed call duration
	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Billed call duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"reason"}, // reason: stop, hangup, cutoff, out_of_budget, error
	)

	// bargeInsTotal counts caller interruptions by detector
	bargeInsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Total number of caller barge-ins",
		},
		[]string{"source"}, // source: provider, local
	)

	// suppressedFramesTotal counts assistant frames dropped after cancellation
	suppressedFramesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suppressed_frames_total",
			Help:      "Assistant audio frames dropped because their response was cancelled",
		},
	)

	// relayedFramesTotal counts audio frames relayed between the legs
	relayedFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_frames_total",
			Help:      "Audio frames relayed between the telephony and AI legs",
		},
		[]string{"direction"}, // direction: caller, assistant
	)

	// billingReportsTotal counts usage reports sent to the ledger
	billingReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_reports_total",
			Help:      "Usage reports sent to the entitlement ledger",
		},
		[]string{"status"}, // status: success, error
	)

	// toolCallsTotal counts tool invocations
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls",
		},
		[]string{"tool", "status"}, // status: success, error
	)

	// callsRejectedTotal counts media streams refused before a session started
	callsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_rejected_total",
			Help:      "Media streams refused before a session started",
		},
		[]string{"reason"}, // reason: rate_limited, upgrade_failed, ai_dial_failed
	)

	allMetrics = []prometheus.Collector{
		sessionsActive,
		sessionDuration,
		bargeInsTotal,
		suppressedFramesTotal,
		relayedFramesTotal,
		billingReportsTotal,
		toolCallsTotal,
		callsRejectedTotal,
	}
)

// NewRegistry creates a registry holding the bridge metrics plus Go runtime
// and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range allMetrics {
		reg.MustRegister(c)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves reg in the Prometheus exposition format
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// SessionStarted records a newly bridged call
func SessionStarted() {
	sessionsActive.Inc()
}

// SessionEnded records a finished call and its billed duration
func SessionEnded(reason string, seconds int) {
	sessionsActive.Dec()
	sessionDuration.WithLabelValues(reason).Observe(float64(seconds))
}

// RecordBargeIn records one interruption
func RecordBargeIn(source string) {
	bargeInsTotal.WithLabelValues(source).Inc()
}

// RecordSuppressedFrame records one dropped assistant frame
func RecordSuppressedFrame() {
	suppressedFramesTotal.Inc()
}

// RecordRelayedFrame records one relayed audio frame
func RecordRelayedFrame(direction string) {
	relayedFramesTotal.WithLabelValues(direction).Inc()
}

// RecordBillingReport records a ledger deduction attempt
func RecordBillingReport(status string) {
	billingReportsTotal.WithLabelValues(status).Inc()
}

// RecordToolCall records a tool invocation
func RecordToolCall(tool, status string) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
}

// RecordRejectedCall records a refused media stream
func RecordRejectedCall(reason string) {
	callsRejectedTotal.WithLabelValues(reason).Inc()
}
