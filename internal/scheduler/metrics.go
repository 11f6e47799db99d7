package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "slate"
	metricsSubsystem = "scheduler"
)

type Metrics struct {
	// Cycle time of a scheduling round.
	scheduleCycleTime prometheus.Histogram
	// Number of jobs started, per cycle.
	startedJobs prometheus.Histogram
	// Number of backfill reservations granted, per cycle.
	grantedReservations prometheus.Histogram
	// Jobs denied or deferred, by pending reason.
	pendingReasons *prometheus.CounterVec
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	scheduleCycleTime := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "schedule_cycle_times",
			Help:      "Cycle time of a scheduling round in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		},
	)
	startedJobs := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "started_jobs",
			Help:      "Number of jobs started each round.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
	)
	grantedReservations := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "granted_reservations",
			Help:      "Number of backfill reservations granted each round.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
	)
	pendingReasons := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "pending_reasons",
			Help:      "Jobs left pending, by reason.",
		},
		[]string{"reason"},
	)
	registry.MustRegister(scheduleCycleTime, startedJobs, grantedReservations, pendingReasons)
	return &Metrics{
		scheduleCycleTime:   scheduleCycleTime,
		startedJobs:         startedJobs,
		grantedReservations: grantedReservations,
		pendingReasons:      pendingReasons,
	}
}

func (m *Metrics) ReportCycle(result *SchedulerResult, duration time.Duration) {
	m.scheduleCycleTime.Observe(duration.Seconds())
	m.startedJobs.Observe(float64(len(result.StartedJobs)))
	m.grantedReservations.Observe(float64(len(result.Reservations)))
	for _, reason := range result.ReasonByJobId {
		m.pendingReasons.WithLabelValues(reason).Inc()
	}
}
