package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service-wide instruments.
type Metrics struct {
	registry *prometheus.Registry

	PendingAcks        prometheus.Gauge
	DeliveryAttempts   *prometheus.CounterVec
	MaintenanceTicks   *prometheus.HistogramVec
	SettlementOutcomes *prometheus.CounterVec
	HoldsAutoReleased  prometheus.Counter
	GatesExpired       prometheus.Counter
}

// New builds an isolated registry with the gateway instruments.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		PendingAcks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "settld_outbox_pending_acks",
			Help: "Deliveries waiting for an acknowledgement.",
		}),
		DeliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settld_webhook_delivery_attempts_total",
			Help: "Webhook delivery attempts by result.",
		}, []string{"result"}),
		MaintenanceTicks: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settld_maintenance_tick_seconds",
			Help:    "Maintenance tick duration by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		SettlementOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settld_settlement_decisions_total",
			Help: "Settlement decisions by verification status.",
		}, []string{"status"}),
		HoldsAutoReleased: factory.NewCounter(prometheus.CounterOpts{
			Name: "settld_holds_auto_released_total",
			Help: "Holds released by the maintenance sweep.",
		}),
		GatesExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "settld_gates_expired_total",
			Help: "Gates auto-expired by the maintenance sweep.",
		}),
	}
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
