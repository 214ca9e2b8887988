// Package metrics exposes Prometheus instruments for research jobs and
// claim verification.
//
// Counters:
//   - researchx_jobs_submitted_total{depth}
//   - researchx_jobs_finished_total{depth,status}
//   - researchx_polls_total
//   - researchx_verification_attempts_total
//   - researchx_verification_retries_total
//   - researchx_verification_outcomes_total{status}
//
// Histograms:
//   - researchx_job_duration_seconds{depth}, processing start to terminal state
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "researchx"

// Collector holds every instrument. A nil *Collector is valid and records
// nothing, so components can take one optionally.
type Collector struct {
	jobsSubmitted  *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	polls          prometheus.Counter
	verifyAttempts prometheus.Counter
	verifyRetries  prometheus.Counter
	verifyOutcomes *prometheus.CounterVec
}

// NewCollector creates the instruments and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Research jobs accepted by the submitter.",
		}, []string{"depth"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Research jobs that reached a terminal state.",
		}, []string{"depth", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from processing start to terminal state.",
			Buckets:   []float64{1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"depth"}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Job status fetches issued by pollers.",
		}),
		verifyAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_attempts_total",
			Help:      "Calls made to the verification worker.",
		}),
		verifyRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_retries_total",
			Help:      "Verification attempts that were retries of a failed attempt.",
		}),
		verifyOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_outcomes_total",
			Help:      "Final verification status per claim.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsFinished,
		c.jobDuration,
		c.polls,
		c.verifyAttempts,
		c.verifyRetries,
		c.verifyOutcomes,
	)
	return c
}

func (c *Collector) JobSubmitted(depth string) {
	if c == nil {
		return
	}
	c.jobsSubmitted.WithLabelValues(depth).Inc()
}

// JobFinished records a terminal transition. took is ignored when zero.
func (c *Collector) JobFinished(depth, status string, took time.Duration) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(depth, status).Inc()
	if took > 0 {
		c.jobDuration.WithLabelValues(depth).Observe(took.Seconds())
	}
}

func (c *Collector) Poll() {
	if c == nil {
		return
	}
	c.polls.Inc()
}

// VerificationAttempt counts one worker call; attempt is 0 for the first try.
func (c *Collector) VerificationAttempt(attempt int) {
	if c == nil {
		return
	}
	c.verifyAttempts.Inc()
	if attempt > 0 {
		c.verifyRetries.Inc()
	}
}

func (c *Collector) VerificationOutcome(status string) {
	if c == nil {
		return
	}
	c.verifyOutcomes.WithLabelValues(status).Inc()
}

// Handler serves the registry g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
