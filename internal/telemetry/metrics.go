package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared across all routes.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "voicecore",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var SlotAllocationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "voicecore",
		Subsystem: "slots",
		Name:      "allocations_total",
		Help:      "Total number of ensure_active_voice outcomes by status.",
	},
	[]string{"provider", "status"},
)

var SlotsReadyGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "voicecore",
		Subsystem: "slots",
		Name:      "ready",
		Help:      "Current count of voices with allocation_status=ready, by provider.",
	},
	[]string{"provider"},
)

var SlotsAllocatingGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "voicecore",
		Subsystem: "slots",
		Name:      "allocating",
		Help:      "Current count of voices with allocation_status=allocating, by provider.",
	},
	[]string{"provider"},
)

var QueueDepthGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "voicecore",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current number of entries in the allocation KV queue.",
	},
)

var SlotEvictionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "voicecore",
		Subsystem: "slots",
		Name:      "evictions_total",
		Help:      "Total number of voices evicted by the idle reclaimer.",
	},
	[]string{"provider"},
)

var CreditsDebitedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "voicecore",
		Subsystem: "ledger",
		Name:      "credits_debited_total",
		Help:      "Total credits debited across all users.",
	},
)

var CreditsRefundedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "voicecore",
		Subsystem: "ledger",
		Name:      "credits_refunded_total",
		Help:      "Total credits refunded across all users.",
	},
)

var InsufficientCreditsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "voicecore",
		Subsystem: "ledger",
		Name:      "insufficient_credits_total",
		Help:      "Total number of debit attempts rejected for insufficient credits.",
	},
)

var SynthDedupHitsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "voicecore",
		Subsystem: "synth",
		Name:      "dedup_hits_total",
		Help:      "Total number of synthesis requests short-circuited by the dedup guard.",
	},
)

var SynthProviderCallDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "voicecore",
		Subsystem: "synth",
		Name:      "provider_call_duration_seconds",
		Help:      "Duration of outbound TTS provider calls.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
	},
	[]string{"provider", "operation"},
)

// All returns all VoiceCore-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		SlotAllocationsTotal,
		SlotsReadyGauge,
		SlotsAllocatingGauge,
		QueueDepthGauge,
		SlotEvictionsTotal,
		CreditsDebitedTotal,
		CreditsRefundedTotal,
		InsufficientCreditsTotal,
		SynthDedupHitsTotal,
		SynthProviderCallDuration,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and the service's own collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
