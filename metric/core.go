package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains platform-level metrics shared by the gateway and the
// backend services (not component-specific ones, which are registered
// through the MetricsRegistry).
type Metrics struct {
	// Bridge metrics
	BridgeRequests        *prometheus.CounterVec
	BridgeRequestDuration *prometheus.HistogramVec

	// Relay metrics
	RelayConnections    prometheus.Gauge
	RelayEventsDelivered *prometheus.CounterVec
	RelayEventsDropped  prometheus.Counter
	RelayAuthFailures   prometheus.Counter

	// Endpoint metrics
	EndpointRequests *prometheus.CounterVec

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		BridgeRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "websocketio",
				Subsystem: "bridge",
				Name:      "requests_total",
				Help:      "Total requests forwarded over the bus, by subject and reply status",
			},
			[]string{"subject", "status"},
		),

		BridgeRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "websocketio",
				Subsystem: "bridge",
				Name:      "request_duration_seconds",
				Help:      "Round-trip duration of bus request/reply exchanges",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
			},
			[]string{"subject"},
		),

		RelayConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "websocketio",
				Subsystem: "relay",
				Name:      "connections",
				Help:      "Currently connected authenticated websocket sessions",
			},
		),

		RelayEventsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "websocketio",
				Subsystem: "relay",
				Name:      "events_delivered_total",
				Help:      "Broadcast events delivered to local sessions, by role (sender/recipient)",
			},
			[]string{"role"},
		),

		RelayEventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "websocketio",
				Subsystem: "relay",
				Name:      "events_dropped_total",
				Help:      "Events dropped: malformed, slow consumer, or full inbound queue",
			},
		),

		RelayAuthFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "websocketio",
				Subsystem: "relay",
				Name:      "auth_failures_total",
				Help:      "Websocket handshakes rejected for authentication reasons",
			},
		),

		EndpointRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "websocketio",
				Subsystem: "endpoint",
				Name:      "requests_total",
				Help:      "Requests dispatched by the service endpoint, by route and status",
			},
			[]string{"method", "path", "status"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "websocketio",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "Whether the NATS connection is established (1) or not (0)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "websocketio",
				Subsystem: "nats",
				Name:      "rtt_seconds",
				Help:      "Round-trip time to the NATS server",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "websocketio",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "websocketio",
				Subsystem: "nats",
				Name:      "circuit_breaker_open",
				Help:      "Whether the NATS circuit breaker is open (1) or closed (0)",
			},
		),
	}
}

// RecordBridgeRequest records one bridged request/reply exchange
func (c *Metrics) RecordBridgeRequest(subject, status string, duration time.Duration) {
	c.BridgeRequests.WithLabelValues(subject, status).Inc()
	c.BridgeRequestDuration.WithLabelValues(subject).Observe(duration.Seconds())
}

// RecordEndpointRequest records one dispatched endpoint request
func (c *Metrics) RecordEndpointRequest(method, path, status string) {
	c.EndpointRequests.WithLabelValues(method, path, status).Inc()
}

// SetRelayConnections records the current number of live sessions
func (c *Metrics) SetRelayConnections(count float64) {
	c.RelayConnections.Set(count)
}

// RecordRelayEventDelivered records one event delivered to a session
func (c *Metrics) RecordRelayEventDelivered(role string) {
	c.RelayEventsDelivered.WithLabelValues(role).Inc()
}

// RecordRelayEventDropped records one event that could not be delivered
func (c *Metrics) RecordRelayEventDropped() {
	c.RelayEventsDropped.Inc()
}

// RecordRelayAuthFailure records one rejected websocket handshake
func (c *Metrics) RecordRelayAuthFailure() {
	c.RelayAuthFailures.Inc()
}

// RecordNATSStatus records NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

// RecordNATSRTT records the NATS round-trip time
func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	c.NATSRTT.Set(rtt.Seconds())
}

// RecordNATSReconnect increments the reconnect counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState records the circuit breaker state (0=closed, 1=open)
func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.NATSCircuitBreaker.Set(float64(state))
}
