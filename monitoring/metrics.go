package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of Prometheus collectors the daemon exports. A nil
// *Metrics is valid and turns every update into a no-op, so callers never
// need to guard their instrumentation sites.
type Metrics struct {
	outboundPeers   prometheus.Gauge
	inboundPeers    prometheus.Gauge
	addressesStored prometheus.Counter
	connectFailures prometheus.Counter
	acceptedTotal   prometheus.Counter
}

// NewMetrics builds the collector set and registers it on the given
// registerer.
func NewMetrics(r prometheus.Registerer) *Metrics {
	m := &Metrics{
		outboundPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "btcpeerd",
			Name:      "outbound_peers",
			Help:      "Number of currently connected outbound peers.",
		}),
		inboundPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "btcpeerd",
			Name:      "inbound_peers",
			Help:      "Number of currently connected inbound peers.",
		}),
		addressesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "btcpeerd",
			Name:      "addresses_stored_total",
			Help:      "Addresses handed to the host directory from seeding and gossip.",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "btcpeerd",
			Name:      "connect_failures_total",
			Help:      "Failed outbound connection attempts.",
		}),
		acceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "btcpeerd",
			Name:      "accepted_connections_total",
			Help:      "Inbound connections admitted by the listener.",
		}),
	}

	r.MustRegister(
		m.outboundPeers, m.inboundPeers, m.addressesStored,
		m.connectFailures, m.acceptedTotal,
	)

	return m
}

// PeerConnected records a newly installed peer.
func (m *Metrics) PeerConnected(inbound bool) {
	if m == nil {
		return
	}

	if inbound {
		m.inboundPeers.Inc()
		m.acceptedTotal.Inc()
	} else {
		m.outboundPeers.Inc()
	}
}

// PeerDisconnected records a removed peer.
func (m *Metrics) PeerDisconnected(inbound bool) {
	if m == nil {
		return
	}

	if inbound {
		m.inboundPeers.Dec()
	} else {
		m.outboundPeers.Dec()
	}
}

// AddressesStored records n addresses routed to the host directory.
func (m *Metrics) AddressesStored(n int) {
	if m == nil {
		return
	}

	m.addressesStored.Add(float64(n))
}

// ConnectFailed records a failed outbound attempt.
func (m *Metrics) ConnectFailed() {
	if m == nil {
		return
	}

	m.connectFailures.Inc()
}
