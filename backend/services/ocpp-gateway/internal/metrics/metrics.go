package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a dedicated Prometheus registry with the runtime collectors attached.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler exposes reg over HTTP.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Metrics are the gateway's own counters and gauges.
type Metrics struct {
	ConnectedChargers prometheus.Gauge
	FramesReceived    *prometheus.CounterVec // labels: type
	DecodeErrors      *prometheus.CounterVec // labels: reason
	RepliesSent       *prometheus.CounterVec // labels: action
	Notifications     *prometheus.CounterVec // labels: call, result
	Commands          *prometheus.CounterVec // labels: result
	UpgradesRejected  *prometheus.CounterVec // labels: reason
	Rebinds           prometheus.Counter
}

// New registers and returns the gateway metrics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedChargers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ocpp_gateway",
			Name:      "registered_chargers",
			Help:      "Charger identities currently held in the connection registry.",
		}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocpp_gateway",
			Name:      "frames_received_total",
			Help:      "Decoded OCPP-J frames by message type.",
		}, []string{"type"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocpp_gateway",
			Name:      "decode_errors_total",
			Help:      "Inbound frames dropped because they could not be decoded.",
		}, []string{"reason"}),
		RepliesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocpp_gateway",
			Name:      "replies_sent_total",
			Help:      "CALLRESULT replies queued per action.",
		}, []string{"action"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocpp_gateway",
			Name:      "backend_notifications_total",
			Help:      "Outbound backend calls by call and result.",
		}, []string{"call", "result"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocpp_gateway",
			Name:      "commands_total",
			Help:      "Command dispatch requests by result.",
		}, []string{"result"}),
		UpgradesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocpp_gateway",
			Name:      "upgrades_rejected_total",
			Help:      "WebSocket upgrade attempts refused before a session started.",
		}, []string{"reason"}),
		Rebinds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ocpp_gateway",
			Name:      "identity_rebinds_total",
			Help:      "Identity promotions triggered by BootNotification.",
		}),
	}
	reg.MustRegister(
		m.ConnectedChargers,
		m.FramesReceived,
		m.DecodeErrors,
		m.RepliesSent,
		m.Notifications,
		m.Commands,
		m.UpgradesRejected,
		m.Rebinds,
	)
	return m
}

// NewNop returns metrics bound to a throwaway registry, for tests and tools.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
