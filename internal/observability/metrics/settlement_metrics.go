// Package metrics exposes prometheus instrumentation for the settlement jobs.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	JobRenewals = "subscription_renewals"
	JobRefills  = "user_auto_refills"
)

const (
	OutcomeSuccessful = "successful"
	OutcomeSkipped    = "skipped"
	OutcomeFailed     = "failed"
)

type SettlementMetrics struct {
	jobRuns      *prometheus.CounterVec
	jobErrors    *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	entitiesSeen *prometheus.CounterVec
}

var (
	settlementMu sync.Mutex
	settlement   *SettlementMetrics
)

// Settlement returns the process-wide settlement metrics, registering them on
// the default registry on first use.
func Settlement() *SettlementMetrics {
	settlementMu.Lock()
	defer settlementMu.Unlock()
	if settlement == nil {
		settlement = newSettlementMetrics(prometheus.DefaultRegisterer)
	}
	return settlement
}

// ResetSettlementMetricsForTest re-registers the metrics on the given
// registry so tests can observe counters in isolation.
func ResetSettlementMetricsForTest(reg prometheus.Registerer) *SettlementMetrics {
	settlementMu.Lock()
	defer settlementMu.Unlock()
	settlement = newSettlementMetrics(reg)
	return settlement
}

func newSettlementMetrics(reg prometheus.Registerer) *SettlementMetrics {
	factory := promauto.With(reg)
	return &SettlementMetrics{
		jobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxlane_settlement_job_runs_total",
			Help: "Settlement job invocations.",
		}, []string{"job"}),
		jobErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxlane_settlement_job_errors_total",
			Help: "Settlement job runs that returned an error.",
		}, []string{"job"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voxlane_settlement_job_duration_seconds",
			Help:    "Wall time per settlement job run.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"job"}),
		entitiesSeen: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxlane_settlement_entities_total",
			Help: "Entities processed by settlement jobs, by outcome.",
		}, []string{"job", "outcome"}),
	}
}

func (m *SettlementMetrics) IncJobRun(job string) {
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SettlementMetrics) IncJobError(job string) {
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *SettlementMetrics) ObserveJobDuration(job string, d time.Duration) {
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *SettlementMetrics) AddEntities(job, outcome string, n int) {
	if n == 0 {
		return
	}
	m.entitiesSeen.WithLabelValues(job, outcome).Add(float64(n))
}
