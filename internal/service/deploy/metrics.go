package deploy

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once
	outcomes    *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oreus",
			Subsystem: "deploy",
			Name:      "outcomes_total",
			Help:      "Finished deployments by terminal state",
		}, []string{"state"})
		if err := prometheus.Register(outcomes); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				outcomes = are.ExistingCollector.(*prometheus.CounterVec)
			}
		}
	})
}

func recordOutcome(state string) {
	if outcomes != nil {
		outcomes.WithLabelValues(state).Inc()
	}
}
