package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentInitiateTotal counts charge initiation attempts.
	PaymentInitiateTotal *prometheus.CounterVec
	// PaymentCallbackTotal counts inbound provider callback outcomes.
	PaymentCallbackTotal *prometheus.CounterVec
	// PaymentQueryTotal counts provider status query outcomes.
	PaymentQueryTotal *prometheus.CounterVec
	// PaymentWatchTotal counts client-facing reconciliation loop outcomes.
	PaymentWatchTotal *prometheus.CounterVec
	// PaymentSweepTotal counts payments expired by the stale sweep.
	PaymentSweepTotal prometheus.Counter
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentInitiateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_initiate_total",
			Help:      "Count of payment initiation outcomes.",
		}, []string{"provider", "type", "result"})
		PaymentCallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_callback_total",
			Help:      "Count of processed provider callbacks by outcome.",
		}, []string{"provider", "result"})
		PaymentQueryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_query_total",
			Help:      "Count of provider status queries by outcome.",
		}, []string{"provider", "result"})
		PaymentWatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_watch_total",
			Help:      "Count of reconciliation watch outcomes.",
		}, []string{"outcome"})
		PaymentSweepTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_sweep_total",
			Help:      "Number of stale processing payments expired by the sweep.",
		})

		registerDomainCollector(reg, PaymentInitiateTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentInitiateTotal = v
			}
		})
		registerDomainCollector(reg, PaymentCallbackTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentCallbackTotal = v
			}
		})
		registerDomainCollector(reg, PaymentQueryTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentQueryTotal = v
			}
		})
		registerDomainCollector(reg, PaymentWatchTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentWatchTotal = v
			}
		})
		registerDomainCollector(reg, PaymentSweepTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				PaymentSweepTotal = v
			}
		})
	})
}

func registerDomainCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
