package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Client-side connection lifecycle
	ConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwidget_connect_attempts_total",
			Help: "Total number of websocket dial attempts",
		},
		[]string{"result"}, // result: open/failed
	)

	ConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatwidget_connections_open",
			Help: "Current number of open widget connections",
		},
	)

	ReconnectsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatwidget_reconnects_scheduled_total",
			Help: "Total number of reconnects scheduled after an abnormal close",
		},
	)

	ReconnectBackoff = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatwidget_reconnect_backoff_seconds",
			Help:    "Delay before a scheduled reconnect",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	ReconnectsExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatwidget_reconnects_exhausted_total",
			Help: "Total number of times the reconnect ceiling was reached",
		},
	)

	// Frames, both sides of the wire
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwidget_frames_total",
			Help: "Total number of websocket frames",
		},
		[]string{"direction"}, // direction: inbound/outbound
	)

	FrameParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatwidget_frame_parse_errors_total",
			Help: "Total number of inbound frames dropped as malformed",
		},
	)

	InstructionsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwidget_instructions_sent_total",
			Help: "Total number of context instruction frames sent",
		},
		[]string{"context"},
	)

	// Stand-in service
	PeerSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatwidget_peer_sessions",
			Help: "Current number of sessions connected to the peer service",
		},
	)

	PeerSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwidget_peer_searches_total",
			Help: "Total number of catalog searches run by the peer service",
		},
		[]string{"result"}, // result: hit/empty/error
	)
)
