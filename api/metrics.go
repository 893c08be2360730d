package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_active_connections",
		Help: "Number of live WebSocket connections by category.",
	}, []string{"category"})

	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_inbound_messages_total",
		Help: "Inbound WebSocket frames processed, by connection category.",
	}, []string{"category"})

	broadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_broadcasts_total",
		Help: "Room broadcast operations performed.",
	})

	broadcastDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_broadcast_drops_total",
		Help: "Outbound frames dropped because a client send queue was full.",
	})

	relayedFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_crdt_relayed_frames_total",
		Help: "Binary CRDT frames relayed within sheet rooms.",
	})

	sessionEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_session_evictions_total",
		Help: "Token sessions evicted by the duplicate-session policy.",
	})
)
