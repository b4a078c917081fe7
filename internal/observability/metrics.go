package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects pipeline counters and histograms via Prometheus.
// All metrics are registered on the default registry under the aegis_
// prefix.
type Metrics struct {
	// RequestsTotal counts pipeline requests by action kind and
	// terminal state.
	RequestsTotal *prometheus.CounterVec

	// RequestDuration measures end-to-end pipeline latency by kind.
	RequestDuration *prometheus.HistogramVec

	// ValidatorBlocks counts requests rejected by the validator,
	// labeled by the rule that fired.
	ValidatorBlocks *prometheus.CounterVec

	// ApprovalsTotal counts approval outcomes: approved, denied,
	// timed_out, cancelled.
	ApprovalsTotal *prometheus.CounterVec

	// ApprovalWait measures how long requests sat awaiting a human
	// decision.
	ApprovalWait prometheus.Histogram

	// SandboxDuration measures container execution time by kind.
	SandboxDuration *prometheus.HistogramVec

	// SandboxActive gauges currently running containers.
	SandboxActive prometheus.Gauge

	// SandboxQueued gauges requests waiting for a container slot.
	SandboxQueued prometheus.Gauge

	// RedactionsTotal counts secret-shaped spans scrubbed from
	// command output.
	RedactionsTotal prometheus.Counter

	// AuditAppends counts audit log writes by result (ok, failed).
	AuditAppends *prometheus.CounterVec

	// ErrorsTotal counts errors by component and type.
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the pipeline metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_requests_total",
				Help: "Pipeline requests by action kind and terminal state",
			},
			[]string{"kind", "state"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aegis_request_duration_seconds",
				Help:    "End-to-end pipeline latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),

		ValidatorBlocks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_validator_blocks_total",
				Help: "Requests rejected by the validator, by rule",
			},
			[]string{"rule"},
		),

		ApprovalsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_approvals_total",
				Help: "Approval outcomes",
			},
			[]string{"status"},
		),

		ApprovalWait: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "aegis_approval_wait_seconds",
				Help:    "Time spent awaiting a human decision",
				Buckets: []float64{1, 5, 15, 60, 120, 300},
			},
		),

		SandboxDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aegis_sandbox_duration_seconds",
				Help:    "Container execution time by action kind",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60},
			},
			[]string{"kind"},
		),

		SandboxActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "aegis_sandbox_active",
				Help: "Currently running containers",
			},
		),

		SandboxQueued: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "aegis_sandbox_queued",
				Help: "Requests waiting for a container slot",
			},
		),

		RedactionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "aegis_redactions_total",
				Help: "Secret-shaped spans scrubbed from output",
			},
		),

		AuditAppends: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_audit_appends_total",
				Help: "Audit log writes by result",
			},
			[]string{"result"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_errors_total",
				Help: "Errors by component and type",
			},
			[]string{"component", "type"},
		),
	}
}

// RecordRequest records a completed pipeline request.
func (m *Metrics) RecordRequest(kind, state string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(kind, state).Inc()
	m.RequestDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordValidatorBlock records a validator rejection.
func (m *Metrics) RecordValidatorBlock(rule string) {
	m.ValidatorBlocks.WithLabelValues(rule).Inc()
}

// RecordApproval records an approval outcome and the time the request
// spent waiting.
func (m *Metrics) RecordApproval(status string, wait time.Duration) {
	m.ApprovalsTotal.WithLabelValues(status).Inc()
	m.ApprovalWait.Observe(wait.Seconds())
}

// RecordSandboxRun records a finished container execution.
func (m *Metrics) RecordSandboxRun(kind string, duration time.Duration) {
	m.SandboxDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetSandboxLoad sets the concurrency gauges from a sandbox stats
// snapshot.
func (m *Metrics) SetSandboxLoad(active, queued int64) {
	m.SandboxActive.Set(float64(active))
	m.SandboxQueued.Set(float64(queued))
}

// RecordRedactions adds to the running redaction count.
func (m *Metrics) RecordRedactions(n int) {
	if n > 0 {
		m.RedactionsTotal.Add(float64(n))
	}
}

// RecordAuditAppend records an audit write attempt.
func (m *Metrics) RecordAuditAppend(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.AuditAppends.WithLabelValues(result).Inc()
}

// RecordError records an error by component and type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
