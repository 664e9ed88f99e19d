// Package metrics holds the Prometheus instrumentation shared by the
// kernel subsystems.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all kernel metrics. Pass to components that record.
type Metrics struct {
	PolicyEvaluations *prometheus.CounterVec
	PolicyLatency     prometheus.Histogram
	PolicyCacheHits   prometheus.Counter
	QuotaDenials      *prometheus.CounterVec
	SignalsDelivered  *prometheus.CounterVec
	AuditEntries      prometheus.Counter
	AuditFailures     prometheus.Counter
	SandboxViolations *prometheus.CounterVec
	MemoryRejections  *prometheus.CounterVec
	ProxyRequests     *prometheus.CounterVec
	ProxyLatency      prometheus.Histogram
	BreakerState      *prometheus.GaugeVec
}

// New creates and registers all metrics with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		PolicyEvaluations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentos",
				Name:      "policy_evaluations_total",
				Help:      "Total policy evaluations by effect",
			},
			[]string{"effect"},
		),
		PolicyLatency: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "agentos",
				Name:      "policy_evaluation_seconds",
				Help:      "Policy evaluation latency",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05},
			},
		),
		PolicyCacheHits: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentos",
				Name:      "policy_cache_hits_total",
				Help:      "Decision cache hits",
			},
		),
		QuotaDenials: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentos",
				Name:      "quota_denials_total",
				Help:      "Requests denied by quota",
			},
			[]string{"limit"},
		),
		SignalsDelivered: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentos",
				Name:      "signals_delivered_total",
				Help:      "Signals delivered to agents",
			},
			[]string{"kind"},
		),
		AuditEntries: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentos",
				Name:      "audit_entries_total",
				Help:      "Audit entries appended",
			},
		),
		AuditFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentos",
				Name:      "audit_failures_total",
				Help:      "Audit append failures",
			},
		),
		SandboxViolations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentos",
				Name:      "sandbox_violations_total",
				Help:      "Static and runtime sandbox violations",
			},
			[]string{"type"},
		),
		MemoryRejections: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentos",
				Name:      "memory_rejections_total",
				Help:      "Memory writes rejected or flagged",
			},
			[]string{"severity"},
		),
		ProxyRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentos",
				Name:      "proxy_requests_total",
				Help:      "Trust sidecar proxy requests by outcome",
			},
			[]string{"outcome"},
		),
		ProxyLatency: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "agentos",
				Name:      "proxy_latency_seconds",
				Help:      "Trust sidecar end-to-end latency",
				Buckets:   prometheus.DefBuckets,
			},
		),
		BreakerState: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "agentos",
				Name:      "breaker_state",
				Help:      "Circuit state per dependency (0 closed, 1 half-open, 2 open)",
			},
			[]string{"dependency"},
		),
	}
}

// NewNop returns metrics bound to a throwaway registry, for tests and
// callers that do not export.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
