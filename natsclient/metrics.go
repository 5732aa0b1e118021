package natsclient

import (
	"time"

	"github.com/DuyTran1503/websocketio/metric"
)

// connMetrics translates client state transitions into the shared metrics.
type connMetrics struct {
	metrics *metric.Metrics
}

func (c *connMetrics) recordStatus(status ConnectionStatus) {
	c.metrics.RecordNATSStatus(status == StatusConnected)

	state := 0
	if status == StatusCircuitOpen {
		state = 1
	}
	c.metrics.RecordCircuitBreakerState(state)
}

func (c *connMetrics) recordRTT(rtt time.Duration) {
	c.metrics.RecordNATSRTT(rtt)
}

func (c *connMetrics) recordReconnect() {
	c.metrics.RecordNATSReconnect()
}
