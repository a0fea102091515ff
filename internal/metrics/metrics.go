package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Packet paths.
const (
	PathRTP       = "rtp"
	PathRTCP      = "rtcp"
	PathRTCPReply = "rtcp_reply"
	PathSendOut   = "send_out"
	PathSendBack  = "send_back"
)

// Drop reasons.
const (
	DropReasonUnconfiguredDestination = "unconfigured_destination"
	DropReasonNotBound                = "not_bound"
	DropReasonEmptyCompound           = "empty_compound"
	DropReasonWriteError              = "write_error"
)

const namespace = "aero_hap_rtp_relay"

// Metrics holds the relay's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	packetsReceived  *prometheus.CounterVec
	packetsForwarded *prometheus.CounterVec
	packetsDropped   *prometheus.CounterVec
	payloadRewrites  prometheus.Counter
	ssrcLearned      *prometheus.CounterVec
	bindConflicts    prometheus.Counter
	activeProxies    prometheus.Gauge
	gatherer         prometheus.Gatherer
}

// New registers the relay collectors on reg. If reg is also a
// prometheus.Gatherer, Handler serves it.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		packetsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Datagrams read from relay sockets, by path.",
		}, []string{"path"}),
		packetsForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_forwarded_total",
			Help:      "Datagrams written to a peer or server, by path.",
		}, []string{"path"}),
		packetsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Datagrams discarded instead of forwarded, by path and reason.",
		}, []string{"path", "reason"}),
		payloadRewrites: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_type_rewrites_total",
			Help:      "RTP packets whose payload type was rewritten.",
		}),
		ssrcLearned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ssrc_learned_total",
			Help:      "Incoming SSRC values learned, by the packet kind that supplied them.",
		}, []string{"source"}),
		bindConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bind_conflicts_total",
			Help:      "Failed UDP bind attempts during port allocation.",
		}),
		activeProxies: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_proxies",
			Help:      "Proxies currently set up and not destroyed.",
		}),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

func (m *Metrics) Received(path string) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(path).Inc()
}

func (m *Metrics) Forwarded(path string) {
	if m == nil {
		return
	}
	m.packetsForwarded.WithLabelValues(path).Inc()
}

func (m *Metrics) Dropped(path, reason string) {
	if m == nil {
		return
	}
	m.packetsDropped.WithLabelValues(path, reason).Inc()
}

func (m *Metrics) PayloadTypeRewritten() {
	if m == nil {
		return
	}
	m.payloadRewrites.Inc()
}

// SSRCLearned records a learned SSRC; source is PathRTP or PathRTCP.
func (m *Metrics) SSRCLearned(source string) {
	if m == nil {
		return
	}
	m.ssrcLearned.WithLabelValues(source).Inc()
}

func (m *Metrics) BindConflict() {
	if m == nil {
		return
	}
	m.bindConflicts.Inc()
}

func (m *Metrics) ProxyUp() {
	if m == nil {
		return
	}
	m.activeProxies.Inc()
}

func (m *Metrics) ProxyDown() {
	if m == nil {
		return
	}
	m.activeProxies.Dec()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
