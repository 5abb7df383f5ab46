// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesTotal counts inbound frames by decode outcome
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wstap_frames_total",
			Help: "Total number of inbound frames by decode outcome",
		},
		[]string{"outcome"},
	)

	// EventsPublishedTotal counts event bus publications by topic kind (exact, composite)
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wstap_events_published_total",
			Help: "Total number of decoded events published on the event bus",
		},
		[]string{"topic_kind"},
	)

	// RelayRecordsTotal counts relay records by result (sent, queued, dropped)
	RelayRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wstap_relay_records_total",
			Help: "Total number of records handed to the relay by result",
		},
		[]string{"result"},
	)

	// RelayQueueDepth tracks records waiting in the relay offline queue
	RelayQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wstap_relay_queue_depth",
			Help: "Number of records waiting in the relay offline queue",
		},
	)

	// RelayReconnectsTotal counts scheduled relay reconnect attempts
	RelayReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wstap_relay_reconnects_total",
			Help: "Total number of scheduled relay reconnect attempts",
		},
	)

	// TrackedConnections tracks intercepted connections currently registered
	TrackedConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wstap_tracked_connections",
			Help: "Number of intercepted connections currently tracked",
		},
	)

	// SinkErrorsTotal counts mirror sink write failures
	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wstap_sink_errors_total",
			Help: "Total number of mirror sink write failures",
		},
		[]string{"sink"},
	)
)

// Frame outcome label values for FramesTotal.
const (
	OutcomeDecoded  = "decoded"
	OutcomePartial  = "partial"
	OutcomeUnknown  = "unknown"
	OutcomeSkipped  = "skipped"
	OutcomeDropped  = "dropped"
	OutcomeNotReady = "not_ready"
)
