package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	SamplesIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattboard_samples_ingested_total",
			Help: "Total number of samples accepted into the store",
		},
		[]string{"source"}, // source: mqtt, csv, demo
	)

	SamplesRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattboard_samples_rejected_total",
			Help: "Total number of samples rejected at ingestion",
		},
		[]string{"reason"}, // reason: late, invalid
	)

	IngestApplyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wattboard_ingest_apply_duration_seconds",
			Help:    "Time taken to apply one sample through store, baseline and detector",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		},
	)

	ShardQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wattboard_shard_queue_size",
			Help: "Current total number of samples buffered across shard queues",
		},
	)

	ShardQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wattboard_shard_queue_capacity",
			Help: "Total capacity of the shard queues",
		},
	)

	// Baseline metrics
	BaselinesWarmedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wattboard_baselines_warmed_total",
			Help: "Total number of series whose baseline reached warm-up",
		},
	)

	// Detector metrics
	EventsOpenedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattboard_events_opened_total",
			Help: "Total number of anomaly events opened",
		},
		[]string{"type"}, // type: spike, sag
	)

	EventsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattboard_events_closed_total",
			Help: "Total number of anomaly events closed",
		},
		[]string{"reason"}, // reason: recovered, silence
	)

	OpenEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wattboard_open_events",
			Help: "Number of anomaly events currently open",
		},
	)

	// Alert engine metrics
	AlertEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattboard_alert_evaluations_total",
			Help: "Total number of alert rule evaluations",
		},
		[]string{"rule"}, // rule: threshold, nodata, timewindow
	)

	AlertFiringsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattboard_alert_firings_total",
			Help: "Total number of alert firings enqueued for dispatch",
		},
		[]string{"rule"},
	)

	AlertSuppressionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattboard_alert_suppressions_total",
			Help: "Total number of firings suppressed",
		},
		[]string{"reason"}, // reason: snoozed, disabled, cooldown, schedule
	)

	// Dispatch metrics
	DispatchPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattboard_dispatch_publish_total",
			Help: "Total number of firing notifications published to the notifier queue",
		},
		[]string{"status"}, // status: success, failed
	)

	DispatchPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wattboard_dispatch_publish_duration_seconds",
			Help:    "Time taken to publish a firing notification",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	DispatchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wattboard_dispatch_retries_total",
			Help: "Total number of dispatch publish retries",
		},
	)

	DispatchQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wattboard_dispatch_queue_size",
			Help: "Current size of the dispatch queue",
		},
	)

	// Bulk import metrics
	ImportRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattboard_import_rows_total",
			Help: "Total number of bulk import rows processed",
		},
		[]string{"status"}, // status: imported, skipped
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattboard_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
