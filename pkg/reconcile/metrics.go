package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/astromechza/keeplists/pkg/gateway"
)

const metricsNamespace = "keeplists"
const metricsSubsystem = "reconcile"

// Metrics counts reconciliation activity. A nil *Metrics records nothing.
type Metrics struct {
	RefetchTotal       *prometheus.CounterVec
	RevertTotal        *prometheus.CounterVec
	GatewayErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		RefetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "refetch_total",
				Help:      "Refetches triggered by realtime events, by scope",
			},
			[]string{"scope"},
		),
		RevertTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "revert_total",
				Help:      "Optimistic mutations rolled back after a gateway failure",
			},
			[]string{"op"},
		),
		GatewayErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "gateway_errors_total",
				Help:      "Gateway failures by operation and failure kind",
			},
			[]string{"op", "kind"},
		),
	}
	for _, c := range []prometheus.Collector{m.RefetchTotal, m.RevertTotal, m.GatewayErrorsTotal} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) refetch(scope string) {
	if m != nil {
		m.RefetchTotal.WithLabelValues(scope).Inc()
	}
}

func (m *Metrics) revert(op string) {
	if m != nil {
		m.RevertTotal.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) gatewayError(op string, err error) {
	if m != nil {
		m.GatewayErrorsTotal.WithLabelValues(op, gateway.Kind(err)).Inc()
	}
}
