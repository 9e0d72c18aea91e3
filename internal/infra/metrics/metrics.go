// Package metrics provides Prometheus metrics for the edge gateway:
// frame and event counters, cloud request outcomes, queue depth, and
// device status gauges. Exposed on the admin API's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── TCP / Frames ───────────────────────────────────────────────────────────

// FramesReceived counts inbound frames by classification.
var FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "carnitrack",
	Name:      "frames_received_total",
	Help:      "Inbound TCP frames by kind.",
}, []string{"kind"})

// FramesRejected counts frames dropped for protocol violations
// (oversized lines, bad first frame).
var FramesRejected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "carnitrack",
	Name:      "frames_rejected_total",
	Help:      "Frames rejected for protocol violations.",
})

// DevicesConnected tracks scales with a live TCP socket.
var DevicesConnected = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "carnitrack",
	Name:      "devices_connected",
	Help:      "Scales with a live TCP connection.",
})

// DeviceStatus tracks the number of devices per derived status.
var DeviceStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "carnitrack",
	Name:      "device_status",
	Help:      "Devices per derived status.",
}, []string{"status"})

// ─── Events ─────────────────────────────────────────────────────────────────

// EventsCaptured counts persisted weighing events.
var EventsCaptured = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "carnitrack",
	Name:      "events_captured_total",
	Help:      "Weighing events persisted.",
})

// EventsOffline counts events captured in offline mode.
var EventsOffline = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "carnitrack",
	Name:      "events_offline_total",
	Help:      "Events captured while the Cloud was unreachable.",
})

// EventsSynced counts events acknowledged by the Cloud.
var EventsSynced = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "carnitrack",
	Name:      "events_synced_total",
	Help:      "Events acknowledged by the Cloud.",
})

// EventsFailed counts delivery failures by disposition.
var EventsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "carnitrack",
	Name:      "events_failed_total",
	Help:      "Event delivery failures (transport or rejected).",
}, []string{"reason"})

// EventsDropped counts events lost to persistence failures.
var EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "carnitrack",
	Name:      "events_dropped_total",
	Help:      "Events lost because persistence failed.",
})

// ─── Cloud ──────────────────────────────────────────────────────────────────

// CloudRequests counts REST requests by path and outcome.
var CloudRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "carnitrack",
	Name:      "cloud_requests_total",
	Help:      "Cloud REST requests by path and outcome.",
}, []string{"path", "outcome"})

// CloudOnline is 1 while the REST client considers the Cloud reachable.
var CloudOnline = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "carnitrack",
	Name:      "cloud_online",
	Help:      "1 while the Cloud is considered reachable.",
})

// QueueDepth tracks the offline request queue length.
var QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "carnitrack",
	Name:      "cloud_queue_depth",
	Help:      "Requests waiting in the offline queue.",
})

// ─── Offline Batches ────────────────────────────────────────────────────────

// BatchesOpen tracks currently open offline batches.
var BatchesOpen = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "carnitrack",
	Name:      "offline_batches_open",
	Help:      "Currently open offline batches.",
})
