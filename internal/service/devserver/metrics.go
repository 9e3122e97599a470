package devserver

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce      sync.Once
	stateTransitions *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oreus",
			Subsystem: "devserver",
			Name:      "state_transitions_total",
			Help:      "Dev server outcomes by resulting state",
		}, []string{"state"})
		if err := prometheus.Register(stateTransitions); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				stateTransitions = are.ExistingCollector.(*prometheus.CounterVec)
			}
		}
	})
}

func recordTransition(state string) {
	if stateTransitions != nil {
		stateTransitions.WithLabelValues(state).Inc()
	}
}
