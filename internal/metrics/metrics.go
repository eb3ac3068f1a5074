package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wadesk"

// Registry holds every wadesk collector. It is separate from the default
// registry so tests can create their own.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	ReconnectAttempts = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "reconnect_attempts_total",
		Help:      "Scheduled reconnection attempts.",
	})

	InstanceStatus = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "instances",
		Help:      "Live instances by status.",
	}, []string{"status"})

	MessagesSent = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "messages_sent_total",
		Help:      "Messages accepted by the transport.",
	})

	MessagesFailed = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "messages_failed_total",
		Help:      "Messages the transport rejected.",
	})

	QueueJobs = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "jobs_total",
		Help:      "Queue job outcomes.",
	}, []string{"queue", "outcome"})

	RealtimeClients = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "clients",
		Help:      "Connected realtime clients.",
	})
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
}

// Handler serves the wadesk registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
