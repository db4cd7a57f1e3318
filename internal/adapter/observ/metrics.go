package observ

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OrderMetrics implements usecase.Metrics and usecase.RelayMetrics.
type OrderMetrics struct {
	placed   prometheus.Counter
	failures *prometheus.CounterVec
	statuses *prometheus.CounterVec
	outbox   *prometheus.CounterVec
	notified *prometheus.CounterVec
	fulfil   *prometheus.CounterVec
}

// NewOrderMetrics registers the counters on reg; pass prometheus.DefaultRegisterer in main.
func NewOrderMetrics(reg prometheus.Registerer) *OrderMetrics {
	f := promauto.With(reg)
	return &OrderMetrics{
		placed: f.NewCounter(prometheus.CounterOpts{
			Name: "orders_placed_total",
			Help: "Orders committed by the placement workflow",
		}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "order_placement_failures_total",
			Help: "Placement attempts that rolled back, by reason",
		}, []string{"reason"}),
		statuses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "order_status_changes_total",
			Help: "Committed order status transitions, by target status",
		}, []string{"status"}),
		outbox: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox rows relayed to the broker, by result",
		}, []string{"result"}),
		notified: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Admin notifications, by event and result",
		}, []string{"event", "result"}),
		fulfil: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fulfillment_events_total",
			Help: "Fulfillment events consumed from Kafka, by result",
		}, []string{"result"}),
	}
}

func (m *OrderMetrics) OrderPlaced()                  { m.placed.Inc() }
func (m *OrderMetrics) PlacementFailed(reason string) { m.failures.WithLabelValues(reason).Inc() }
func (m *OrderMetrics) StatusChanged(status string)   { m.statuses.WithLabelValues(status).Inc() }
func (m *OrderMetrics) OutboxPublished(result string) { m.outbox.WithLabelValues(result).Inc() }

func (m *OrderMetrics) NotificationSent(event, result string) {
	m.notified.WithLabelValues(event, result).Inc()
}

func (m *OrderMetrics) FulfillmentEvent(result string) { m.fulfil.WithLabelValues(result).Inc() }
