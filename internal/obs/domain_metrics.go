package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// BillingIntentTotal counts payment intent creation outcomes.
	BillingIntentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "payment_intent_total",
		Help:      "Count of payment intent creation outcomes.",
	}, []string{"kind", "result"})

	// BillingConfirmTotal counts confirm-path outcomes.
	BillingConfirmTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "payment_confirm_total",
		Help:      "Count of confirm-path outcomes.",
	}, []string{"result"})

	// BillingWebhookTotal counts inbound gateway webhook processing outcomes.
	BillingWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "payment_webhook_total",
		Help:      "Count of processed gateway webhooks by event type and outcome.",
	}, []string{"type", "result"})

	// BillingAnomalyTotal counts recorded reconciliation anomalies by kind.
	BillingAnomalyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "payment_anomaly_total",
		Help:      "Count of recorded reconciliation anomalies.",
	}, []string{"kind"})

	// ReceiptEnqueueTotal counts receipt task enqueue outcomes.
	ReceiptEnqueueTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "receipt_enqueue_total",
		Help:      "Count of receipt notification enqueue outcomes.",
	}, []string{"result"})
)

// MustRegisterDomainMetrics registers the domain collectors exactly once.
func MustRegisterDomainMetrics(reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		for _, collector := range []prometheus.Collector{
			BillingIntentTotal,
			BillingConfirmTotal,
			BillingWebhookTotal,
			BillingAnomalyTotal,
			ReceiptEnqueueTotal,
		} {
			registerOrReuse(reg, collector)
		}
	})
}
