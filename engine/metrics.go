package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects scheduler health for Prometheus scraping. All metrics
// are namespaced "loom".
//
// Exposed series:
//   - loom_running_steps (gauge): steps executing right now, all jobs.
//   - loom_step_latency_ms (histogram): per-step wall time by agent and
//     terminal status.
//   - loom_step_retries_total (counter): transient retries by agent.
//   - loom_jobs_total (counter): jobs by terminal status.
//   - loom_llm_requests_total (counter): gateway calls by outcome (ok or error).
type Metrics struct {
	runningSteps prometheus.Gauge
	stepLatency  *prometheus.HistogramVec
	stepRetries  *prometheus.CounterVec
	jobsTotal    *prometheus.CounterVec
	llmRequests  *prometheus.CounterVec
}

// NewMetrics registers the scheduler metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		runningSteps: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "loom",
			Name:      "running_steps",
			Help:      "Number of workflow steps currently executing.",
		}),
		stepLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "loom",
			Name:      "step_latency_ms",
			Help:      "Step execution latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"agent", "status"}),
		stepRetries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "step_retries_total",
			Help:      "Transient step failures that were retried.",
		}, []string{"agent"}),
		jobsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "jobs_total",
			Help:      "Jobs by terminal status.",
		}, []string{"status"}),
		llmRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "llm_requests_total",
			Help:      "LLM gateway calls by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) stepStarted() {
	if m != nil {
		m.runningSteps.Inc()
	}
}

func (m *Metrics) stepFinished(agentID, status string, d time.Duration) {
	if m != nil {
		m.runningSteps.Dec()
		m.stepLatency.WithLabelValues(agentID, status).Observe(float64(d.Milliseconds()))
	}
}

func (m *Metrics) stepRetried(agentID string) {
	if m != nil {
		m.stepRetries.WithLabelValues(agentID).Inc()
	}
}

func (m *Metrics) jobFinished(status Status) {
	if m != nil {
		m.jobsTotal.WithLabelValues(string(status)).Inc()
	}
}

// LLMRequest records one gateway call outcome ("ok" or "error").
func (m *Metrics) LLMRequest(outcome string) {
	if m != nil {
		m.llmRequests.WithLabelValues(outcome).Inc()
	}
}
