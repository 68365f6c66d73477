// Package obsmetrics exposes the engine's operational counters over
// Prometheus: one atomic field per counter, backed
// by a private prometheus.Registry and promhttp.HandlerFor rather than
// the global default registry, so a process can run the exporter
// side-by-side with tests without cross-contaminating global state.
package obsmetrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters and gauges the engine updates as it runs.
// Retransmits/BudgetLevel/URBPendingSize are plain atomics read directly by
// tests and logging; the same values are mirrored into the Prometheus
// gauges/counters lazily on Collect via a prometheus.Collector so the hot
// path never touches the registry.
type Metrics struct {
	Retransmits     atomic.Uint64
	PacketsSent     atomic.Uint64
	PacketsDropped  atomic.Uint64
	BudgetLevel     atomic.Int64
	URBPendingSize  atomic.Int64
	FIFODelivered   atomic.Uint64
	RoundsDecided   atomic.Uint64

	registry *prometheus.Registry
	coll     *collector
}

// New creates a Metrics instance with its own private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.coll = &collector{m: m}
	m.registry.MustRegister(m.coll)
	return m
}

// Handler returns the HTTP handler serving this instance's /metrics page.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type collector struct {
	m *Metrics

	retransmits    *prometheus.Desc
	packetsSent    *prometheus.Desc
	packetsDropped *prometheus.Desc
	budgetLevel    *prometheus.Desc
	urbPending     *prometheus.Desc
	fifoDelivered  *prometheus.Desc
	roundsDecided  *prometheus.Desc
}

func (c *collector) descs() []*prometheus.Desc {
	if c.retransmits == nil {
		c.retransmits = prometheus.NewDesc("dalink_retransmits_total", "total stubborn-link retransmissions", nil, nil)
		c.packetsSent = prometheus.NewDesc("dalink_packets_sent_total", "total UDP datagrams sent", nil, nil)
		c.packetsDropped = prometheus.NewDesc("dalink_packets_dropped_total", "total malformed or unexpected datagrams dropped", nil, nil)
		c.budgetLevel = prometheus.NewDesc("dalink_send_budget_level", "current token bucket level", nil, nil)
		c.urbPending = prometheus.NewDesc("dalink_urb_pending_messages", "messages pending delivery in URB", nil, nil)
		c.fifoDelivered = prometheus.NewDesc("dalink_fifo_delivered_total", "total messages delivered via FIFO broadcast", nil, nil)
		c.roundsDecided = prometheus.NewDesc("dalink_lattice_rounds_decided_total", "total lattice agreement rounds decided", nil, nil)
	}
	return []*prometheus.Desc{
		c.retransmits, c.packetsSent, c.packetsDropped,
		c.budgetLevel, c.urbPending, c.fifoDelivered, c.roundsDecided,
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs() {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	c.descs()
	ch <- prometheus.MustNewConstMetric(c.retransmits, prometheus.CounterValue, float64(c.m.Retransmits.Load()))
	ch <- prometheus.MustNewConstMetric(c.packetsSent, prometheus.CounterValue, float64(c.m.PacketsSent.Load()))
	ch <- prometheus.MustNewConstMetric(c.packetsDropped, prometheus.CounterValue, float64(c.m.PacketsDropped.Load()))
	ch <- prometheus.MustNewConstMetric(c.budgetLevel, prometheus.GaugeValue, float64(c.m.BudgetLevel.Load()))
	ch <- prometheus.MustNewConstMetric(c.urbPending, prometheus.GaugeValue, float64(c.m.URBPendingSize.Load()))
	ch <- prometheus.MustNewConstMetric(c.fifoDelivered, prometheus.CounterValue, float64(c.m.FIFODelivered.Load()))
	ch <- prometheus.MustNewConstMetric(c.roundsDecided, prometheus.CounterValue, float64(c.m.RoundsDecided.Load()))
}

var _ prometheus.Collector = (*collector)(nil)
