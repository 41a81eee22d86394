package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exports relay metrics. Construct it once per process; promauto
// registers with the default registry.
type Collector struct {
	registeredPeers  prometheus.Gauge
	signalsForwarded prometheus.Counter
	signalsDropped   prometheus.Counter
	signalBytes      prometheus.Counter
	broadcasts       prometheus.Counter
	rateLimited      prometheus.Counter
}

func NewCollector() *Collector {
	return &Collector{
		registeredPeers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshchat_relay_registered_peers",
			Help: "Number of currently registered peers",
		}),
		signalsForwarded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshchat_relay_signals_forwarded_total",
			Help: "Signal payloads forwarded to their target peer",
		}),
		signalsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshchat_relay_signals_dropped_total",
			Help: "Signal payloads dropped (unregistered target or write failure)",
		}),
		signalBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshchat_relay_signal_bytes_total",
			Help: "Total bytes of forwarded signal payloads",
		}),
		broadcasts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshchat_relay_broadcasts_total",
			Help: "Peer-set and disconnect broadcasts sent",
		}),
		rateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshchat_relay_rate_limited_total",
			Help: "Inbound messages dropped by the per-connection rate limit",
		}),
	}
}

func (c *Collector) SetRegisteredPeers(n int) {
	c.registeredPeers.Set(float64(n))
}

func (c *Collector) RecordSignalForwarded(payloadBytes int) {
	c.signalsForwarded.Inc()
	c.signalBytes.Add(float64(payloadBytes))
}

func (c *Collector) RecordSignalDropped() {
	c.signalsDropped.Inc()
}

func (c *Collector) RecordBroadcast() {
	c.broadcasts.Inc()
}

func (c *Collector) RecordRateLimited() {
	c.rateLimited.Inc()
}
