package node

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the node's prometheus instruments.
type Metrics struct {
	OperationsCreated  *prometheus.CounterVec
	OperationsReceived *prometheus.CounterVec
	PayloadsDelivered  prometheus.Counter
	Subscriptions      prometheus.Gauge
	SubscriptionErrors prometheus.Counter
}

// NewMetrics creates the node's instruments and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OperationsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aardvark",
			Name:      "operations_created_total",
			Help:      "Operations signed and stored by this node, by log type.",
		}, []string{"log_type"}),
		OperationsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aardvark",
			Name:      "operations_received_total",
			Help:      "Operations received from peers, by ingestion outcome.",
		}, []string{"outcome"}),
		PayloadsDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: "aardvark",
			Name:      "payloads_delivered_total",
			Help:      "Operation bodies handed to the application.",
		}),
		Subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "aardvark",
			Name:      "subscriptions",
			Help:      "Active document subscriptions.",
		}),
		SubscriptionErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "aardvark",
			Name:      "subscription_errors_total",
			Help:      "Subscriptions ended by a fatal error.",
		}),
	}
}
