// Package metrics exposes the engine's prometheus counters. Registration
// happens on import against the default registry; serving an exposition
// endpoint is left to the embedding application.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricUnitsInserted       = "units_inserted_total"
	MetricUnitsUpdated        = "units_updated_total"
	MetricUnitsSkippedStale   = "units_skipped_stale_total"
	MetricUnitsRejected       = "units_rejected_total"
	MetricObligationsEnqueued = "obligations_enqueued_total"
	MetricObligationsResolved = "obligations_resolved_total"
	MetricRowsWritten         = "rows_written_total"
	MetricRowsFailed          = "rows_failed_total"
	MetricColumnsAdded        = "columns_added_total"
	MetricXMLRepairs          = "xml_repairs_total"
)

var CounterUnitsInserted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "mastr",
		Subsystem: "sync",
		Name:      MetricUnitsInserted,
		Help:      "Basic units inserted as new rows.",
	},
)

var CounterUnitsUpdated = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "mastr",
		Subsystem: "sync",
		Name:      MetricUnitsUpdated,
		Help:      "Basic units overwritten by a strictly newer record.",
	},
)

var CounterUnitsSkippedStale = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "mastr",
		Subsystem: "sync",
		Name:      MetricUnitsSkippedStale,
		Help:      "Incoming basic records dropped because the stored row was as new or newer.",
	},
)

var CounterUnitsRejected = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "mastr",
		Subsystem: "sync",
		Name:      MetricUnitsRejected,
		Help:      "Incoming basic records rejected during normalization.",
	},
)

var CounterObligationsEnqueued = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "mastr",
		Subsystem: "sync",
		Name:      MetricObligationsEnqueued,
		Help:      "Fetch obligations derived and stored.",
	},
)

var CounterObligationsResolved = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mastr",
		Subsystem: "sync",
		Name:      MetricObligationsResolved,
		Help:      "Fetch obligations removed from the queue, by outcome.",
	},
	[]string{
		"outcome",
	},
)

var CounterRowsWritten = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mastr",
		Subsystem: "bulk",
		Name:      MetricRowsWritten,
		Help:      "Rows written from bulk export files, by table.",
	},
	[]string{
		"table",
	},
)

var CounterRowsFailed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mastr",
		Subsystem: "bulk",
		Name:      MetricRowsFailed,
		Help:      "Rows the store rejected after fault isolation, by fault kind.",
	},
	[]string{
		"kind",
	},
)

var CounterColumnsAdded = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "mastr",
		Subsystem: "bulk",
		Name:      MetricColumnsAdded,
		Help:      "Columns added to detail tables for unknown export fields.",
	},
)

var CounterXMLRepairs = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "mastr",
		Subsystem: "bulk",
		Name:      MetricXMLRepairs,
		Help:      "Byte-level repairs applied to malformed export XML.",
	},
)

func init() {
	prometheus.MustRegister(CounterUnitsInserted)
	prometheus.MustRegister(CounterUnitsUpdated)
	prometheus.MustRegister(CounterUnitsSkippedStale)
	prometheus.MustRegister(CounterUnitsRejected)
	prometheus.MustRegister(CounterObligationsEnqueued)
	prometheus.MustRegister(CounterObligationsResolved)
	prometheus.MustRegister(CounterRowsWritten)
	prometheus.MustRegister(CounterRowsFailed)
	prometheus.MustRegister(CounterColumnsAdded)
	prometheus.MustRegister(CounterXMLRepairs)
}
