// Package metrics exposes coordinator state to Prometheus. The collector
// queries its providers at scrape time rather than maintaining counters of
// its own, so the values are always consistent with the event loop's view.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/crosspoint/crosspoint/internal/routing"
)

// ActiveCallsProvider exposes the number of live calls.
type ActiveCallsProvider interface {
	ActiveCallCount() int
}

// RoutingStatsProvider exposes the switchboard's counters.
type RoutingStatsProvider interface {
	Stats() routing.Stats
}

// LeaseProvider exposes the number of outstanding backend permits.
type LeaseProvider interface {
	Outstanding() int
}

// Collector is a prometheus.Collector that gathers coordinator metrics at
// scrape time.
type Collector struct {
	activeCalls ActiveCallsProvider
	routing     RoutingStatsProvider
	leases      LeaseProvider
	startTime   time.Time

	// Metric descriptors.
	activeCallsDesc  *prometheus.Desc
	queuedDesc       *prometheus.Desc
	lookupCyclesDesc *prometheus.Desc
	placedDesc       *prometheus.Desc
	failedDesc       *prometheus.Desc
	expiredDesc      *prometheus.Desc
	leasesDesc       *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(
	activeCalls ActiveCallsProvider,
	routingStats RoutingStatsProvider,
	leases LeaseProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		activeCalls: activeCalls,
		routing:     routingStats,
		leases:      leases,
		startTime:   startTime,

		activeCallsDesc: prometheus.NewDesc(
			"crosspoint_active_calls",
			"Number of live calls known to the coordinator",
			nil, nil,
		),
		queuedDesc: prometheus.NewDesc(
			"crosspoint_outgoing_queued",
			"Outgoing calls waiting in the switchboard, by phase",
			[]string{"phase"}, nil,
		),
		lookupCyclesDesc: prometheus.NewDesc(
			"crosspoint_lookup_cycles_total",
			"Discovery lookup cycles initiated since start",
			nil, nil,
		),
		placedDesc: prometheus.NewDesc(
			"crosspoint_calls_placed_total",
			"Outgoing calls successfully placed through a backend",
			nil, nil,
		),
		failedDesc: prometheus.NewDesc(
			"crosspoint_calls_failed_total",
			"Outgoing calls that failed or were declined by every selector",
			nil, nil,
		),
		expiredDesc: prometheus.NewDesc(
			"crosspoint_calls_expired_total",
			"Outgoing calls abandoned by the staleness policy",
			nil, nil,
		),
		leasesDesc: prometheus.NewDesc(
			"crosspoint_backend_leases",
			"Outstanding backend lease permits",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"crosspoint_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.queuedDesc
	ch <- c.lookupCyclesDesc
	ch <- c.placedDesc
	ch <- c.failedDesc
	ch <- c.expiredDesc
	ch <- c.leasesDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.ActiveCallCount()),
		)
	}

	if c.routing != nil {
		st := c.routing.Stats()
		ch <- prometheus.MustNewConstMetric(
			c.queuedDesc, prometheus.GaugeValue,
			float64(st.NewQueued), "new",
		)
		ch <- prometheus.MustNewConstMetric(
			c.queuedDesc, prometheus.GaugeValue,
			float64(st.Pending), "pending",
		)
		ch <- prometheus.MustNewConstMetric(
			c.lookupCyclesDesc, prometheus.CounterValue,
			float64(st.LookupCycle),
		)
		ch <- prometheus.MustNewConstMetric(
			c.placedDesc, prometheus.CounterValue,
			float64(st.Placed),
		)
		ch <- prometheus.MustNewConstMetric(
			c.failedDesc, prometheus.CounterValue,
			float64(st.Failed),
		)
		ch <- prometheus.MustNewConstMetric(
			c.expiredDesc, prometheus.CounterValue,
			float64(st.Expired),
		)
	}

	if c.leases != nil {
		ch <- prometheus.MustNewConstMetric(
			c.leasesDesc, prometheus.GaugeValue,
			float64(c.leases.Outstanding()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
