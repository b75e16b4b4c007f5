// Package prom exports agent metrics to Prometheus.
package prom

import (
	"net/http"
	"time"

	"github.com/wildfoundry/dataplicity-agent/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// AgentObserver exports agent metrics to Prometheus.
type AgentObserver struct {
	connState        *prometheus.GaugeVec
	channelGauge     prometheus.Gauge
	servicesStarted  *prometheus.CounterVec
	servicesStopped  *prometheus.CounterVec
	limiterRejected  *prometheus.CounterVec
	channelClosed    *prometheus.CounterVec
	frameDecodeError prometheus.Counter
	reconnectTotal   prometheus.Counter
	bytesTransferred *prometheus.CounterVec
	rpcLatency       prometheus.Histogram
}

// NewAgentObserver registers agent metrics on the registry.
func NewAgentObserver(reg *prometheus.Registry) *AgentObserver {
	o := &AgentObserver{
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dataplicity_agent_conn_state",
			Help: "1 for the current M2M connection state, 0 for all others.",
		}, []string{"state"}),
		channelGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dataplicity_agent_channels",
			Help: "Current open channel count.",
		}),
		servicesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataplicity_agent_services_started_total",
			Help: "Services started, by kind.",
		}, []string{"kind"}),
		servicesStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataplicity_agent_services_stopped_total",
			Help: "Services stopped, by kind.",
		}, []string{"kind"}),
		limiterRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataplicity_agent_limiter_rejected_total",
			Help: "Acquisitions rejected because a limiter was at its bound.",
		}, []string{"limiter"}),
		channelClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataplicity_agent_channel_closed_total",
			Help: "Channel closes, by reason.",
		}, []string{"reason"}),
		frameDecodeError: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dataplicity_agent_frame_decode_errors_total",
			Help: "Frames dropped due to a decode/protocol error.",
		}),
		reconnectTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dataplicity_agent_reconnect_attempts_total",
			Help: "M2M reconnection attempts.",
		}),
		bytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataplicity_agent_bytes_transferred_total",
			Help: "Bytes moved through a service, by kind.",
		}, []string{"kind"}),
		rpcLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dataplicity_agent_controlplane_rpc_latency_seconds",
			Help:    "Control-plane JSON-RPC call latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		o.connState,
		o.channelGauge,
		o.servicesStarted,
		o.servicesStopped,
		o.limiterRejected,
		o.channelClosed,
		o.frameDecodeError,
		o.reconnectTotal,
		o.bytesTransferred,
		o.rpcLatency,
	)
	return o
}

var allConnStates = []observability.ConnState{
	observability.ConnStateDisconnected,
	observability.ConnStateConnecting,
	observability.ConnStateOpen,
	observability.ConnStateIdentified,
}

func (o *AgentObserver) ConnState(s observability.ConnState) {
	for _, candidate := range allConnStates {
		v := 0.0
		if candidate == s {
			v = 1.0
		}
		o.connState.WithLabelValues(string(candidate)).Set(v)
	}
}

func (o *AgentObserver) ChannelCount(n int) {
	o.channelGauge.Set(float64(n))
}

func (o *AgentObserver) ServiceStarted(kind observability.ServiceKind) {
	o.servicesStarted.WithLabelValues(string(kind)).Inc()
}

func (o *AgentObserver) ServiceStopped(kind observability.ServiceKind) {
	o.servicesStopped.WithLabelValues(string(kind)).Inc()
}

func (o *AgentObserver) LimiterRejected(name observability.LimiterName) {
	o.limiterRejected.WithLabelValues(string(name)).Inc()
}

func (o *AgentObserver) ChannelClosed(reason observability.CloseReason) {
	o.channelClosed.WithLabelValues(string(reason)).Inc()
}

func (o *AgentObserver) FrameDecodeError() {
	o.frameDecodeError.Inc()
}

func (o *AgentObserver) ReconnectAttempt() {
	o.reconnectTotal.Inc()
}

func (o *AgentObserver) BytesTransferred(kind observability.ServiceKind, n int64) {
	o.bytesTransferred.WithLabelValues(string(kind)).Add(float64(n))
}

func (o *AgentObserver) RPCLatency(d time.Duration) {
	o.rpcLatency.Observe(d.Seconds())
}
