// Package metrics exposes prometheus instrumentation for the engine
// and its durability components.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsTotal counts events by terminal outcome: logged, dropped,
	// filtered, processed.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logward_events_total",
			Help: "Total number of log events by outcome",
		},
		[]string{"engine", "outcome"},
	)

	// QueueUtilization is the bounded queue fill ratio (0.0 to 1.0).
	QueueUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logward_queue_utilization",
			Help: "Current utilization of the engine queue (0.0 to 1.0)",
		},
		[]string{"engine"},
	)

	// BatchFlushDuration observes time spent delivering a batch to
	// every sink.
	BatchFlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logward_batch_flush_duration_seconds",
			Help:    "Time spent flushing a batch to sinks",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"engine"},
	)

	// SinkErrorsTotal counts per-event write failures by sink.
	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logward_sink_errors_total",
			Help: "Total number of sink write errors",
		},
		[]string{"engine", "sink"},
	)

	// WALPendingRecords is the number of uncommitted records in a WAL.
	WALPendingRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logward_wal_pending_records",
			Help: "Uncommitted records currently in the write-ahead log",
		},
		[]string{"path"},
	)

	// RingEntries is the entry count recorded in a ring buffer header.
	RingEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logward_ring_entries",
			Help: "Entries recorded in the durable ring buffer header",
		},
		[]string{"path"},
	)

	// EmergencyFlushesTotal counts emergency flush invocations.
	EmergencyFlushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logward_emergency_flushes_total",
		Help: "Total number of emergency flush invocations",
	})
)

// RecordOutcome increments the outcome counter for one event.
func RecordOutcome(engine, outcome string) {
	EventsTotal.WithLabelValues(engine, outcome).Inc()
}

// RecordBatchFlush observes one batch delivery.
func RecordBatchFlush(engine string, d time.Duration) {
	BatchFlushDuration.WithLabelValues(engine).Observe(d.Seconds())
}

// SetQueueUtilization publishes the queue fill ratio.
func SetQueueUtilization(engine string, ratio float64) {
	QueueUtilization.WithLabelValues(engine).Set(ratio)
}

// RecordSinkError increments the error counter for a sink.
func RecordSinkError(engine, sink string) {
	SinkErrorsTotal.WithLabelValues(engine, sink).Inc()
}

// Handler returns the prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
