// Package metrics provides Prometheus metrics for shapesync components.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var registerOnce sync.Once

const (
	// Namespace is the Prometheus namespace for all shapesync metrics.
	Namespace = "shapesync"

	// Subsystem constants for metric organization.
	SubsystemCDC       = "cdc"
	SubsystemAPI       = "api"
	SubsystemChangelog = "changelog"
	SubsystemClient    = "client"
)

// Label constants for consistent labeling across metrics.
const (
	LabelSource    = "source"
	LabelTable     = "table"
	LabelOperation = "operation"
	LabelEndpoint  = "endpoint"
	LabelMethod    = "method"
	LabelStatus    = "status"
	LabelErrorType = "error_type"
	LabelComponent = "component"
	LabelMode      = "mode"
)

var (
	// RetriesTotal counts retry attempts per retrying component.
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "retries_total",
			Help:      "Total number of retry attempts",
		},
		[]string{LabelComponent},
	)

	// CDC

	// CDCEventsTotal counts WAL events captured by the worker.
	CDCEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemCDC,
			Name:      "events_total",
			Help:      "Total number of CDC events processed",
		},
		[]string{LabelSource, LabelTable, LabelOperation},
	)

	// CDCErrorsTotal counts CDC errors.
	CDCErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemCDC,
			Name:      "errors_total",
			Help:      "Total number of CDC errors",
		},
		[]string{LabelSource, LabelErrorType},
	)

	// CDCPipelineState reports the pipeline state as its numeric value.
	CDCPipelineState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: SubsystemCDC,
			Name:      "pipeline_state",
			Help:      "Current pipeline state (0=stopped, 1=starting, 2=running, 3=retrying, 4=stopping, 5=failed)",
		},
		[]string{LabelSource},
	)

	// Changelog

	// ChangelogAppendsTotal counts entries appended to the shape log.
	ChangelogAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemChangelog,
			Name:      "appends_total",
			Help:      "Total number of shape log entries appended",
		},
		[]string{LabelTable, LabelOperation},
	)

	// ChangelogCompactedTotal counts entries removed by compaction.
	ChangelogCompactedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemChangelog,
			Name:      "compacted_total",
			Help:      "Total number of shape log entries removed by compaction",
		},
		[]string{LabelTable},
	)

	// ChangelogRotationsTotal counts shape handle rotations.
	ChangelogRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemChangelog,
			Name:      "rotations_total",
			Help:      "Total number of shape handle rotations",
		},
		[]string{LabelTable},
	)

	// API

	// APIRequestsTotal counts API requests.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemAPI,
			Name:      "requests_total",
			Help:      "Total number of API requests",
		},
		[]string{LabelEndpoint, LabelMethod, LabelStatus},
	)

	// APIRequestDuration tracks API request latency.
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: SubsystemAPI,
			Name:      "request_duration_seconds",
			Help:      "Duration of API requests in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{LabelEndpoint, LabelMethod},
	)

	// APIResponseSize tracks API response body sizes.
	APIResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: SubsystemAPI,
			Name:      "response_size_bytes",
			Help:      "Size of API response bodies in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
		},
		[]string{LabelEndpoint, LabelMethod},
	)

	// ShapeRequestsTotal counts shape log reads by mode (snapshot or live) and outcome.
	ShapeRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemAPI,
			Name:      "shape_requests_total",
			Help:      "Total number of shape requests",
		},
		[]string{LabelTable, LabelMode, LabelStatus},
	)

	// LiveConnections tracks open websocket connections.
	LiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: SubsystemAPI,
			Name:      "live_connections",
			Help:      "Number of open live notification connections",
		},
		[]string{LabelTable},
	)

	// LongPollWaits tracks live shape requests parked waiting for new entries.
	LongPollWaits = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: SubsystemAPI,
			Name:      "long_poll_waits",
			Help:      "Number of live shape requests waiting for new entries",
		},
		[]string{LabelTable},
	)

	// Client

	// ClientMessagesTotal counts messages received by shape streams.
	ClientMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemClient,
			Name:      "messages_total",
			Help:      "Total number of shape messages received",
		},
		[]string{LabelTable, LabelOperation},
	)

	// ClientRefetchesTotal counts forced resnapshots.
	ClientRefetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemClient,
			Name:      "refetches_total",
			Help:      "Total number of shape resnapshots",
		},
		[]string{LabelTable},
	)

	// LocalSyncBatchesTotal counts batches applied to local tables.
	LocalSyncBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemClient,
			Name:      "local_batches_total",
			Help:      "Total number of batches applied to local tables",
		},
		[]string{LabelTable, LabelStatus},
	)

	allMetrics = []prometheus.Collector{
		RetriesTotal,
		// CDC
		CDCEventsTotal,
		CDCErrorsTotal,
		CDCPipelineState,
		// Changelog
		ChangelogAppendsTotal,
		ChangelogCompactedTotal,
		ChangelogRotationsTotal,
		// API
		APIRequestsTotal,
		APIRequestDuration,
		APIResponseSize,
		ShapeRequestsTotal,
		LiveConnections,
		LongPollWaits,
		// Client
		ClientMessagesTotal,
		ClientRefetchesTotal,
		LocalSyncBatchesTotal,
	}
)

// Register registers all shapesync metrics with the default Prometheus registry.
// It is safe to call multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		for _, m := range allMetrics {
			prometheus.MustRegister(m)
		}
	})
}

// RegisterWith registers all shapesync metrics with the given registry.
func RegisterWith(reg prometheus.Registerer) {
	for _, m := range allMetrics {
		reg.MustRegister(m)
	}
}

// NewRegistry creates a registry with all shapesync metrics and the standard
// Go runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	RegisterWith(reg)
	return reg
}
