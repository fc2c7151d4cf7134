package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EventsEmittedTotal counts events acknowledged by a destination.
	EventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_events_emitted_total",
			Help: "Total number of events delivered",
		},
		[]string{"destination", "phase"},
	)

	// EventsFailedTotal counts events that failed generation or delivery.
	EventsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_events_failed_total",
			Help: "Total number of failed events",
		},
		[]string{"destination", "reason"},
	)

	// ActiveRuns tracks runs that have not reached a terminal state.
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_active_runs",
			Help: "Number of runs currently executing",
		},
	)

	// RunsTotal counts finished runs by terminal status.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_runs_total",
			Help: "Total number of finished runs by status",
		},
		[]string{"status"},
	)

	// SchedulerBackpressureTotal counts descriptors that found the worker
	// queue full.
	SchedulerBackpressureTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_scheduler_backpressure_total",
			Help: "Number of times the scheduler waited on a saturated worker queue",
		},
	)
)

func init() {
	prometheus.MustRegister(EventsEmittedTotal)
	prometheus.MustRegister(EventsFailedTotal)
	prometheus.MustRegister(ActiveRuns)
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(SchedulerBackpressureTotal)
}
