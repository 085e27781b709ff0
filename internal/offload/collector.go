package offload

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource is anything that reports per-handle statistics.
type StatsSource interface {
	Name() string
	Stats() []HandleStats
}

// PrometheusCollector exports per-handle statistics of a section.
type PrometheusCollector struct {
	source StatsSource

	users        *prometheus.Desc
	outstanding  *prometheus.Desc
	draining     *prometheus.Desc
	polls        *prometheus.Desc
	pollFailures *prometheus.Desc
}

var _ prometheus.Collector = (*PrometheusCollector)(nil)

// NewPrometheusCollector creates a collector reading from source on every
// scrape.
func NewPrometheusCollector(source StatsSource) *PrometheusCollector {
	labels := []string{"section", "instance", "numa_node"}
	return &PrometheusCollector{
		source: source,
		users: prometheus.NewDesc(
			"offload_handle_users",
			"Connections currently bound to the accelerator instance",
			labels, nil,
		),
		outstanding: prometheus.NewDesc(
			"offload_handle_outstanding_operations",
			"Operations submitted to the instance and not yet completed",
			labels, nil,
		),
		draining: prometheus.NewDesc(
			"offload_handle_draining",
			"1 when the instance no longer accepts new connections",
			labels, nil,
		),
		polls: prometheus.NewDesc(
			"offload_handle_polls_total",
			"Polls issued against the instance",
			labels, nil,
		),
		pollFailures: prometheus.NewDesc(
			"offload_handle_poll_failures_total",
			"Polls against the instance that returned an error",
			labels, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.users
	ch <- c.outstanding
	ch <- c.draining
	ch <- c.polls
	ch <- c.pollFailures
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	section := c.source.Name()
	for _, st := range c.source.Stats() {
		labels := []string{section, strconv.Itoa(st.Index), strconv.Itoa(st.Info.NUMANode)}
		draining := 0.0
		if st.State == StateDraining.String() || st.State == StateStopped.String() {
			draining = 1
		}
		ch <- prometheus.MustNewConstMetric(c.users, prometheus.GaugeValue, float64(st.Users), labels...)
		ch <- prometheus.MustNewConstMetric(c.outstanding, prometheus.GaugeValue, float64(st.Outstanding), labels...)
		ch <- prometheus.MustNewConstMetric(c.draining, prometheus.GaugeValue, draining, labels...)
		ch <- prometheus.MustNewConstMetric(c.polls, prometheus.CounterValue, float64(st.Polls), labels...)
		ch <- prometheus.MustNewConstMetric(c.pollFailures, prometheus.CounterValue, float64(st.PollFailures), labels...)
	}
}
