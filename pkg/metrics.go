package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

var (
	prometheusGaugeClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "huddle_clients",
			Help: "Number of currently connected control connections on this node",
		},
	)

	prometheusGaugeRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "huddle_rooms",
			Help: "Number of rooms currently held by the registry",
		},
	)

	prometheusCounterRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_relayed_messages_total",
			Help: "Negotiation payloads routed between peers, by kind",
		},
		[]string{"kind"},
	)

	prometheusCounterDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_dropped_messages_total",
			Help: "Control messages dropped without delivery, by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(prometheusGaugeClients)
	prometheus.MustRegister(prometheusGaugeRooms)
	prometheus.MustRegister(prometheusCounterRelayed)
	prometheus.MustRegister(prometheusCounterDropped)
	prometheus.MustRegister(prometheus.NewBuildInfoCollector())
}

func metricsHandler() http.Handler {
	return promhttp.HandlerFor(
		prometheus.DefaultGatherer,
		promhttp.HandlerOpts{
			// Opt into OpenMetrics to support exemplars.
			EnableOpenMetrics: true,
		},
	)
}

// MetricsGetActiveClientsCount reads the connected-clients gauge; the server
// command uses it to drain before shutdown.
func MetricsGetActiveClientsCount() float64 {
	m := &dto.Metric{}
	if err := prometheusGaugeClients.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
