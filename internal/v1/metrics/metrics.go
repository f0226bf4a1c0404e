package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the multiplayer server.
//
// Naming convention: namespace_subsystem_name
// - namespace: multiplayer (application-level grouping)
// - subsystem: websocket, room, rpc, redis (feature-level grouping)
//
// Metric Types:
// - Gauge: current state (connections, rooms, members)
// - Counter: cumulative events (RPCs processed, errors)
// - Histogram: latency distributions (RPC handling time)

var (
	// ActiveConnections tracks the current number of active WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "multiplayer",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of live rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "multiplayer",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of live rooms",
	})

	// RoomMembers tracks the member count of each live room.
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "multiplayer",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of members in each live room",
	}, []string{"room_id"})

	// RPCHandled counts RPC invocations by method and outcome.
	RPCHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "multiplayer",
		Subsystem: "rpc",
		Name:      "handled_total",
		Help:      "Total RPC invocations processed",
	}, []string{"method", "status"})

	// RPCDuration tracks the time spent handling RPC invocations.
	RPCDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "multiplayer",
		Subsystem: "rpc",
		Name:      "handling_seconds",
		Help:      "Time spent handling RPC invocations",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"method"})

	// GroupMembers tracks the size of each broadcast group.
	GroupMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "multiplayer",
		Subsystem: "websocket",
		Name:      "group_members_count",
		Help:      "Number of connections in each broadcast group",
	}, []string{"group"})

	// CircuitBreakerState tracks the current state of the circuit breaker
	// (0: Closed, 1: Open, 2: Half-Open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "multiplayer",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts requests rejected by the circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "multiplayer",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded counts requests that exceeded the rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "multiplayer",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RedisOperationsTotal counts state cache operations by outcome.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "multiplayer",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
