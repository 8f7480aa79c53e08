package devserver

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	peers    prometheus.Gauge
	relayed  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keeplists",
			Subsystem: "devserver",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route template and status code",
		}, []string{"method", "route", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "keeplists",
			Subsystem: "devserver",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route template",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keeplists",
			Subsystem: "devserver",
			Name:      "socket_peers",
			Help:      "Connected websocket peers",
		}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keeplists",
			Subsystem: "devserver",
			Name:      "socket_events_total",
			Help:      "Realtime events relayed to other peers, by event name",
		}, []string{"event"}),
	}
	for _, c := range []prometheus.Collector{m.requests, m.duration, m.peers, m.relayed} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
