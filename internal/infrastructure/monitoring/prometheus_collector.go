package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tumkoussekya/studio-sub000/internal/core/ports"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/gateway"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/worldchat"
	"github.com/tumkoussekya/studio-sub000/internal/mesh"
)

type PrometheusCollector struct {
	// Gateway
	gatewayConnections      prometheus.Gauge
	gatewayConnectionsTotal prometheus.Counter
	messagesPublishedTotal  prometheus.Counter
	historyServedTotal      prometheus.Counter
	framesRejectedTotal     *prometheus.CounterVec

	// World chat
	worldchatConnections   prometheus.Gauge
	worldchatMessagesTotal prometheus.Counter

	// Mesh and client side
	meshPeers              prometheus.Gauge
	meshPeersTotal         prometheus.Counter
	connectionStateChanges *prometheus.CounterVec
}

var (
	_ gateway.Metrics   = (*PrometheusCollector)(nil)
	_ worldchat.Metrics = (*PrometheusCollector)(nil)
	_ mesh.Metrics      = (*PrometheusCollector)(nil)
)

// NewPrometheusCollector registers the collector's metrics with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		gatewayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "studio_gateway_connections",
			Help: "Number of open gateway sockets",
		}),

		gatewayConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "studio_gateway_connections_total",
			Help: "Total number of gateway sockets accepted",
		}),

		messagesPublishedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "studio_messages_published_total",
			Help: "Total number of channel messages published through the gateway",
		}),

		historyServedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "studio_history_requests_total",
			Help: "Total number of history requests answered",
		}),

		framesRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_frames_rejected_total",
			Help: "Gateway requests rejected, by error code",
		}, []string{"code"}),

		worldchatConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "studio_worldchat_connections",
			Help: "Number of open world chat sockets",
		}),

		worldchatMessagesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "studio_worldchat_messages_total",
			Help: "Total number of world chat lines relayed",
		}),

		meshPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "studio_mesh_peers",
			Help: "Number of tracked WebRTC peer connections",
		}),

		meshPeersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "studio_mesh_peers_total",
			Help: "Total number of WebRTC peer connections created",
		}),

		connectionStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_realtime_state_changes_total",
			Help: "Realtime client connection state transitions, by new state",
		}, []string{"state"}),
	}
}

func (p *PrometheusCollector) GatewayConnectionOpened() {
	p.gatewayConnections.Inc()
	p.gatewayConnectionsTotal.Inc()
}

func (p *PrometheusCollector) GatewayConnectionClosed() {
	p.gatewayConnections.Dec()
}

func (p *PrometheusCollector) MessagePublished() {
	p.messagesPublishedTotal.Inc()
}

func (p *PrometheusCollector) HistoryServed() {
	p.historyServedTotal.Inc()
}

func (p *PrometheusCollector) FrameRejected(code string) {
	p.framesRejectedTotal.WithLabelValues(code).Inc()
}

func (p *PrometheusCollector) WorldchatConnectionOpened() {
	p.worldchatConnections.Inc()
}

func (p *PrometheusCollector) WorldchatConnectionClosed() {
	p.worldchatConnections.Dec()
}

func (p *PrometheusCollector) WorldchatMessageRelayed() {
	p.worldchatMessagesTotal.Inc()
}

func (p *PrometheusCollector) MeshPeerOpened() {
	p.meshPeers.Inc()
	p.meshPeersTotal.Inc()
}

func (p *PrometheusCollector) MeshPeerClosed() {
	p.meshPeers.Dec()
}

// RecordConnectionState is meant for ports.Transport.OnStateChange
func (p *PrometheusCollector) RecordConnectionState(state ports.ConnectionState) {
	p.connectionStateChanges.WithLabelValues(string(state)).Inc()
}
