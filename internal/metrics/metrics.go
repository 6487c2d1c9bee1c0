package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	RequestsTotal       prometheus.Counter
	StreamsTotal        prometheus.Counter
	IdempotentHits      prometheus.Counter
	UpstreamErrors      prometheus.Counter
	PersistenceFailures prometheus.Counter
	UsageReports        prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatgw",
				Name:      "requests_total",
				Help:      "Total chat requests accepted past admission",
			}),
			StreamsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatgw",
				Name:      "streams_total",
				Help:      "Total streamed responses started",
			}),
			IdempotentHits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatgw",
				Name:      "idempotent_hits_total",
				Help:      "Total responses served from the idempotency cache",
			}),
			UpstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatgw",
				Name:      "upstream_errors_total",
				Help:      "Total provider calls failed after retry exhaustion or breaker open",
			}),
			PersistenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatgw",
				Name:      "persistence_failures_total",
				Help:      "Total swallowed conversation persistence failures",
			}),
			UsageReports: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatgw",
				Name:      "usage_reports_total",
				Help:      "Total usage events dispatched to the billing collector",
			}),
		}
		prometheus.MustRegister(
			global.RequestsTotal,
			global.StreamsTotal,
			global.IdempotentHits,
			global.UpstreamErrors,
			global.PersistenceFailures,
			global.UsageReports,
		)
	})
	return global
}
