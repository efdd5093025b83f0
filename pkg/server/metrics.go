package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "xmem"

// collector reads the counters at scrape time.
type collector struct {
	server *Server

	events          *prometheus.Desc
	dropped         *prometheus.Desc
	lost            *prometheus.Desc
	inconsistencies *prometheus.Desc
	liveBytes       *prometheus.Desc
	liveAllocs      *prometheus.Desc
	rssBytes        *prometheus.Desc
	nodes           *prometheus.Desc
	units           *prometheus.Desc
	refreshes       *prometheus.Desc
	misses          *prometheus.Desc
	loadErrors      *prometheus.Desc
	trackedPid      *prometheus.Desc
}

func newCollector(s *Server) *collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}

	return &collector{
		server:          s,
		events:          desc("events_total", "Decoded events."),
		dropped:         desc("events_dropped_total", "Malformed records dropped."),
		lost:            desc("events_lost_total", "Records lost by the kernel ring buffer."),
		inconsistencies: desc("inconsistencies_total", "Inconsistent transitions by type.", "type"),
		liveBytes:       desc("live_bytes", "Live bytes by category.", "category"),
		liveAllocs:      desc("live_allocations", "Live allocations by category.", "category"),
		rssBytes:        desc("rss_bytes", "RSS counters of the tracked process by member.", "member"),
		nodes:           desc("tree_nodes", "Nodes of the call-tree."),
		units:           desc("tracked_units", "Tracked memory units."),
		refreshes:       desc("memory_map_refreshes_total", "Memory map refreshes."),
		misses:          desc("resolve_misses_total", "Addresses not covered by the memory map."),
		loadErrors:      desc("symbol_load_errors_total", "Failed symbol table loads."),
		trackedPid:      desc("tracked_pid", "The tracked process ID."),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.events, c.dropped, c.lost, c.inconsistencies, c.liveBytes, c.liveAllocs, c.rssBytes,
		c.nodes, c.units, c.refreshes, c.misses, c.loadErrors, c.trackedPid,
	} {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.server.stats()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(c.events, stats.Events)
	counter(c.dropped, stats.Dropped)
	counter(c.lost, stats.Lost)
	counter(c.inconsistencies, stats.DoubleAllocs, "double_alloc")
	counter(c.inconsistencies, stats.FreesWithoutAlloc, "free_without_alloc")
	for category, s := range stats.Categories {
		gauge(c.liveBytes, float64(s.Live), category)
		gauge(c.liveAllocs, float64(s.Allocations), category)
	}
	for member, v := range stats.Rss {
		gauge(c.rssBytes, float64(v), member)
	}
	gauge(c.nodes, float64(stats.Nodes))
	gauge(c.units, float64(stats.Units))
	counter(c.refreshes, stats.Resolver.Refreshes)
	counter(c.misses, stats.Resolver.Misses)
	counter(c.loadErrors, stats.Resolver.LoadErrors)
	gauge(c.trackedPid, float64(stats.Pid))
}
