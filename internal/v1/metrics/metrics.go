package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the classroom collaboration backend.
//
// Naming convention: namespace_subsystem_name
// - namespace: classroom (application-level grouping)
// - subsystem: websocket, room, chat, webrtc, store, lecture
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, participants)
// - Counter: Cumulative events (messages processed, rejections, writes)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveConnections tracks the current number of active WebSocket connections
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "classroom",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of live rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "classroom",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of live rooms",
	})

	// RoomParticipants tracks the number of participants in each room
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "classroom",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	// WebsocketEvents tracks the total number of WebSocket events processed
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classroom",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// EventProcessingDuration tracks the time spent handling inbound events
	EventProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "classroom",
		Subsystem: "websocket",
		Name:      "event_processing_seconds",
		Help:      "Time spent processing inbound WebSocket events",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// ChatRateLimited tracks chat messages dropped by the per-user limiter
	ChatRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "classroom",
		Subsystem: "chat",
		Name:      "rate_limited_total",
		Help:      "Total chat messages rejected by the rate limiter",
	})

	// SignalsRelayed tracks WebRTC signaling frames forwarded between peers
	SignalsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classroom",
		Subsystem: "webrtc",
		Name:      "signals_relayed_total",
		Help:      "Total WebRTC signaling frames relayed",
	}, []string{"event_type", "status"})

	// StoreWrites tracks document store persistence attempts
	StoreWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classroom",
		Subsystem: "store",
		Name:      "writes_total",
		Help:      "Total document store write attempts",
	}, []string{"status"})

	// LectureTransitions tracks lecture lifecycle transitions by target status
	LectureTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classroom",
		Subsystem: "lecture",
		Name:      "transitions_total",
		Help:      "Total lecture status transitions applied",
	}, []string{"status"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
