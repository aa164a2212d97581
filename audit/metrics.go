package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_records_written_total",
			Help: "Audit records persisted, labeled by associated type and event.",
		},
		[]string{"associated_type", "event"},
	)

	capturesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_captures_skipped_total",
			Help: "Captures that produced no record, labeled by reason (disabled, no_changes).",
		},
		[]string{"associated_type", "reason"},
	)

	sequenceConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_sequence_conflicts_total",
			Help: "Version sequence races lost while appending a record.",
		},
		[]string{"associated_type"},
	)

	captureDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audit_capture_duration_seconds",
			Help:    "Duration of a capture including the store round trips.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"associated_type"},
	)

	sinkDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_sink_dropped_total",
			Help: "Records dropped by the async sink because its buffer was full.",
		},
	)
)
