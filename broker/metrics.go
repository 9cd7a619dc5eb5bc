package broker

import (
	"github.com/patient-imaging/study-access-broker/audit"
	"github.com/rcrowley/go-metrics"
)

const metricsPrefix = "study_access."

type brokerMetrics struct {
	registry  metrics.Registry
	locate    metrics.Timer
	ambiguous metrics.Counter
}

func newBrokerMetrics(registry metrics.Registry) *brokerMetrics {
	if registry == nil {
		registry = metrics.DefaultRegistry
	}
	return &brokerMetrics{
		registry:  registry,
		locate:    metrics.GetOrRegisterTimer(metricsPrefix+"locate", registry),
		ambiguous: metrics.GetOrRegisterCounter(metricsPrefix+"ambiguous_matches", registry),
	}
}

func (m *brokerMetrics) count(outcome audit.Outcome) {
	metrics.GetOrRegisterCounter(metricsPrefix+string(outcome), m.registry).Inc(1)
}
