package tunneler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for hops and forwards. A nil *Metrics
// records nothing.
type Metrics struct {
	hopDials       *prometheus.CounterVec
	forwardConns   *prometheus.CounterVec
	forwardErrors  *prometheus.CounterVec
	activeRelays   *prometheus.GaugeVec
	relayedBytes   *prometheus.CounterVec
	openListeners  prometheus.Gauge
	openConnection prometheus.Gauge
}

// NewMetrics creates the tunneler metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		hopDials: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tunneler_hop_dials_total",
				Help: "SSH hop connection attempts",
			},
			[]string{"hop", "result"},
		),
		forwardConns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tunneler_forward_connections_total",
				Help: "Connections accepted on forwarded local ports",
			},
			[]string{"forward"},
		),
		forwardErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tunneler_forward_dial_errors_total",
				Help: "Failures dialing a forward destination through its chain",
			},
			[]string{"forward"},
		),
		activeRelays: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tunneler_active_relays",
				Help: "Forwarded connections currently relaying data",
			},
			[]string{"forward"},
		),
		relayedBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tunneler_relayed_bytes_total",
				Help: "Bytes relayed over forwards",
			},
			[]string{"forward", "direction"},
		),
		openListeners: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "tunneler_open_listeners",
				Help: "Local listeners currently bound",
			},
		),
		openConnection: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "tunneler_open_tunnel_connections",
				Help: "Tunnel connections currently open",
			},
		),
	}
}

func (m *Metrics) recordHopDial(hop string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.hopDials.WithLabelValues(hop, result).Inc()
}

func (m *Metrics) recordAccept(fwd string) {
	if m == nil {
		return
	}
	m.forwardConns.WithLabelValues(fwd).Inc()
}

func (m *Metrics) recordDialError(fwd string) {
	if m == nil {
		return
	}
	m.forwardErrors.WithLabelValues(fwd).Inc()
}

func (m *Metrics) relayStarted(fwd string) {
	if m == nil {
		return
	}
	m.activeRelays.WithLabelValues(fwd).Inc()
}

func (m *Metrics) relayDone(fwd string, sent, received int64) {
	if m == nil {
		return
	}
	m.activeRelays.WithLabelValues(fwd).Dec()
	m.relayedBytes.WithLabelValues(fwd, "sent").Add(float64(sent))
	m.relayedBytes.WithLabelValues(fwd, "received").Add(float64(received))
}

func (m *Metrics) listenerOpened() {
	if m == nil {
		return
	}
	m.openListeners.Inc()
}

func (m *Metrics) listenerClosed() {
	if m == nil {
		return
	}
	m.openListeners.Dec()
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.openConnection.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.openConnection.Dec()
}
