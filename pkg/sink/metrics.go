package sink

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HECBatchesTotal counts flushed batches by final outcome.
	HECBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_hec_batches_total",
			Help: "Total number of HEC batches by outcome",
		},
		[]string{"destination", "outcome"},
	)

	// HECRetriesTotal counts retried HEC requests.
	HECRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_hec_batch_retries_total",
			Help: "Total number of HEC batch retries",
		},
		[]string{"destination"},
	)

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulse_breaker_state",
			Help: "Circuit breaker state per destination (0 closed, 1 half-open, 2 open)",
		},
		[]string{"destination"},
	)

	// SyslogMessagesTotal counts syslog writes by protocol and outcome.
	SyslogMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_syslog_messages_total",
			Help: "Total number of syslog messages by protocol and outcome",
		},
		[]string{"destination", "protocol", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(HECBatchesTotal)
	prometheus.MustRegister(HECRetriesTotal)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(SyslogMessagesTotal)
}
