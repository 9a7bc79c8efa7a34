// Package metrics holds the Prometheus collectors of the CDC engine and consumer loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hanacdc_events_delivered_total",
		Help: "Total number of change events returned by GetChanges.",
	}, []string{"table", "trigger_type"})

	Batches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hanacdc_batches_total",
		Help: "Total number of GetChanges calls by outcome.",
	}, []string{"outcome"})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hanacdc_batch_size",
		Help:    "Number of events per returned batch.",
		Buckets: []float64{0, 1, 10, 50, 100, 500, 1000, 5000, 10000},
	})

	ReadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hanacdc_read_duration_seconds",
		Help:    "Duration of change-batch reads including retries.",
		Buckets: prometheus.DefBuckets,
	})

	Acks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hanacdc_acks_total",
		Help: "Total number of cursor acknowledgements by table.",
	}, []string{"table"})

	CursorConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hanacdc_cursor_conflicts_total",
		Help: "Total number of guarded status updates that lost to a concurrent writer.",
	})

	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hanacdc_retries_total",
		Help: "Total number of retried source calls by error kind.",
	}, []string{"kind"})

	PoisonEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hanacdc_poison_events_total",
		Help: "Total number of change events that could not be decoded.",
	}, []string{"table"})

	SchemaDrift = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hanacdc_schema_drift_total",
		Help: "Total number of tables paused because their columns changed.",
	}, []string{"table"})

	InitialLoadRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hanacdc_initial_load_rows_total",
		Help: "Total number of rows emitted by initial loads.",
	}, []string{"table"})

	LagSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hanacdc_lag_seconds",
		Help: "Seconds between now and the newest change event of a table.",
	}, []string{"table"})

	PendingEvents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hanacdc_pending_events",
		Help: "Change events above the table's cursor.",
	}, []string{"table"})

	SinkWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hanacdc_sink_writes_total",
		Help: "Total number of events written to a sink.",
	}, []string{"sink"})

	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hanacdc_sink_errors_total",
		Help: "Total number of failed sink writes or flushes.",
	}, []string{"sink"})
)
