package billing

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Checkout kinds used as the "kind" label.
const (
	KindNew       = "new"
	KindUpgrade   = "upgrade"
	KindDowngrade = "downgrade"
)

// Metrics counts webhook deliveries and checkout attempts.
type Metrics struct {
	webhooks  *prometheus.CounterVec
	checkouts *prometheus.CounterVec
	gatherer  prometheus.Gatherer
}

// NewMetrics registers the billing counters on reg. A nil reg uses a
// private registry, which keeps tests independent.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhooks_total",
			Help: "Provider webhook events by gateway and outcome.",
		}, []string{"gateway", "outcome"}),
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_checkouts_total",
			Help: "Checkout attempts by gateway, kind and outcome.",
		}, []string{"gateway", "kind", "outcome"}),
		gatherer: reg,
	}
	reg.MustRegister(m.webhooks, m.checkouts)
	return m
}

// ObserveWebhook counts one webhook event.
func (m *Metrics) ObserveWebhook(gw, outcome string) {
	m.webhooks.WithLabelValues(gw, outcome).Inc()
}

// ObserveCheckout counts one checkout attempt.
func (m *Metrics) ObserveCheckout(gw, kind, outcome string) {
	m.checkouts.WithLabelValues(gw, kind, outcome).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
