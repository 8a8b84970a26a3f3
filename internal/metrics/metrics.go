// Package metrics exposes Prometheus counters for the orchestration engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	opsAccepted       prometheus.Counter
	opsRejected       *prometheus.CounterVec
	releases          prometheus.Counter
	releasedAmount    prometheus.Counter
	commissionAccrued prometheus.Counter
	dispatchFailures  prometheus.Counter
}

// NewCollector builds and registers the engine metrics on a fresh registry.
// Returns the collector and an http.Handler for the /metrics endpoint.
func NewCollector() (*Collector, http.Handler) {
	c := &Collector{
		opsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobline_operations_accepted_total",
			Help: "Total number of accepted lifecycle and payment operations",
		}),
		opsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobline_operations_rejected_total",
			Help: "Total number of rejected operations by reason",
		}, []string{"reason"}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobline_releases_total",
			Help: "Total number of committed payment releases",
		}),
		releasedAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobline_released_amount_total",
			Help: "Cumulative net amount handed to settlement, in base units",
		}),
		commissionAccrued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobline_commission_accrued_total",
			Help: "Cumulative platform commission, in base units",
		}),
		dispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobline_settlement_dispatch_failures_total",
			Help: "Total number of failed settlement dispatch attempts",
		}),
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(c.opsAccepted, c.opsRejected, c.releases, c.releasedAmount, c.commissionAccrued, c.dispatchFailures)
	return c, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func (c *Collector) RecordAccepted() {
	if c == nil {
		return
	}
	c.opsAccepted.Inc()
}

func (c *Collector) RecordRejected(reason string) {
	if c == nil {
		return
	}
	c.opsRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordRelease(net, commission int64) {
	if c == nil {
		return
	}
	c.releases.Inc()
	c.releasedAmount.Add(float64(net))
	c.commissionAccrued.Add(float64(commission))
}

func (c *Collector) RecordDispatchFailure() {
	if c == nil {
		return
	}
	c.dispatchFailures.Inc()
}
