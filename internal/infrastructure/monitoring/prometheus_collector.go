package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exposes signaling-core metrics. It implements
// services.RegistryMetrics.
type PrometheusCollector struct {
	roomsActive           prometheus.Gauge
	participantsConnected prometheus.Gauge
	messagesRelayed       *prometheus.CounterVec
	signalConnections     prometheus.Gauge
	relayOperations       *prometheus.CounterVec
	negotiationFailures   prometheus.Counter
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomlink_rooms_active",
			Help: "Number of active rooms",
		}),

		participantsConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomlink_participants_connected",
			Help: "Number of participants currently in a room",
		}),

		messagesRelayed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "roomlink_messages_relayed_total",
			Help: "Signaling messages relayed between participants",
		}, []string{"type"}),

		signalConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomlink_signal_connections",
			Help: "Open signaling channel connections",
		}),

		relayOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "roomlink_relay_operations_total",
			Help: "SFU relay operations handled",
		}, []string{"operation", "status"}),

		negotiationFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "roomlink_negotiation_failures_total",
			Help: "Negotiation operations rejected by the media relay",
		}),
	}
}

func (c *PrometheusCollector) RoomCreated()       { c.roomsActive.Inc() }
func (c *PrometheusCollector) RoomDeleted()       { c.roomsActive.Dec() }
func (c *PrometheusCollector) ParticipantJoined() { c.participantsConnected.Inc() }
func (c *PrometheusCollector) ParticipantLeft()   { c.participantsConnected.Dec() }

func (c *PrometheusCollector) MessageRelayed(messageType string) {
	c.messagesRelayed.WithLabelValues(messageType).Inc()
}

func (c *PrometheusCollector) ConnectionOpened() { c.signalConnections.Inc() }
func (c *PrometheusCollector) ConnectionClosed() { c.signalConnections.Dec() }

func (c *PrometheusCollector) RelayOperation(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		c.negotiationFailures.Inc()
	}
	c.relayOperations.WithLabelValues(operation, status).Inc()
}
