// Package metrics exposes the same figures the extra-info CSV tracer
// (internal/tracer) writes on every tick as live Prometheus gauges, so a
// scheduler under test can be observed without tailing the CSV file.
//
// Grounded on armada's internal/scheduler/metrics/definitions.go: package
// level promauto.NewGaugeVec declarations plus a thin updater, rather than a
// registry object threaded everywhere.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsPrefix = "batsim_"

var (
	simulatedTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: metricsPrefix + "simulated_time_seconds",
		Help: "Current simulated time, as reported on the last extra-info tick.",
	})

	jobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: metricsPrefix + "jobs_running",
		Help: "Number of jobs currently allocated and running.",
	})

	utilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: metricsPrefix + "resource_utilization_ratio",
		Help: "Fraction of resources currently allocated to a running job.",
	})

	utilizationNoReservations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: metricsPrefix + "resource_utilization_no_reservations_ratio",
		Help: "Same as resource_utilization_ratio, excluding hosts held by a reservation's future allocation.",
	})

	jobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: metricsPrefix + "jobs_submitted_total",
		Help: "Total JOB_SUBMITTED events emitted.",
	})

	jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metricsPrefix + "jobs_completed_total",
		Help: "Total JOB_COMPLETED events emitted, by final state.",
	}, []string{"state"})

	checkpointsTaken = promauto.NewCounter(prometheus.CounterOpts{
		Name: metricsPrefix + "checkpoints_total",
		Help: "Total Batsim-level checkpoints successfully written.",
	})
)

// Tick records one extra-info-style sample (§6 *_extra_info.csv columns).
func Tick(simTime float64, running int, util, utilNoReservations float64) {
	simulatedTime.Set(simTime)
	jobsRunning.Set(float64(running))
	utilization.Set(util)
	utilizationNoReservations.Set(utilNoReservations)
}

// JobSubmitted increments the submission counter; called once per
// JOB_SUBMITTED event the dispatcher emits.
func JobSubmitted() {
	jobsSubmitted.Inc()
}

// JobCompleted increments the completion counter for the given terminal
// state string (job.State.String()).
func JobCompleted(state string) {
	jobsCompleted.WithLabelValues(state).Inc()
}

// CheckpointTaken increments the Batsim-level checkpoint counter.
func CheckpointTaken() {
	checkpointsTaken.Inc()
}
