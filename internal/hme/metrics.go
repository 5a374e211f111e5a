package hme

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports adapter counters and link state.
type Collector struct {
	a *Adapter

	packets    *prometheus.Desc
	bytes      *prometheus.Desc
	errors     *prometheus.Desc
	dropped    *prometheus.Desc
	collisions *prometheus.Desc
	resets     *prometheus.Desc
	timeouts   *prometheus.Desc
	linkUp     *prometheus.Desc
	speed      *prometheus.Desc
	txFree     *prometheus.Desc
}

// NewCollector returns a collector for a. Register it with a
// prometheus.Registerer.
func NewCollector(a *Adapter) *Collector {
	dev := prometheus.Labels{"device": a.Name()}
	d := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("hme", "", name), help, labels, dev)
	}
	return &Collector{
		a:          a,
		packets:    d("packets_total", "Frames moved, by direction.", "dir"),
		bytes:      d("bytes_total", "Bytes moved, by direction.", "dir"),
		errors:     d("errors_total", "Errors by kind.", "dir", "kind"),
		dropped:    d("dropped_total", "Frames dropped, by direction.", "dir"),
		collisions: d("collisions_total", "Transmit collisions."),
		resets:     d("resets_total", "Device reinitializations after a fault."),
		timeouts:   d("tx_timeouts_total", "Transmit watchdog expiries."),
		linkUp:     d("link_up", "1 while the link is up."),
		speed:      d("link_speed_mbps", "Current link speed."),
		txFree:     d("tx_ring_free", "Free transmit descriptors."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.packets, c.bytes, c.errors, c.dropped, c.collisions,
		c.resets, c.timeouts, c.linkUp, c.speed, c.txFree,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.a.Stats()
	st := c.a.LinkStatus()
	free := c.a.TxFree()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(c.packets, s.RxPackets, "rx")
	counter(c.packets, s.TxPackets, "tx")
	counter(c.bytes, s.RxBytes, "rx")
	counter(c.bytes, s.TxBytes, "tx")
	counter(c.dropped, s.RxDropped, "rx")
	counter(c.dropped, s.TxDropped, "tx")
	counter(c.errors, s.RxErrors, "rx", "all")
	counter(c.errors, s.RxLengthErrors, "rx", "length")
	counter(c.errors, s.RxOverErrors, "rx", "over")
	counter(c.errors, s.RxFIFOErrors, "rx", "fifo")
	counter(c.errors, s.RxCRCErrors, "rx", "crc")
	counter(c.errors, s.RxFrameErrors, "rx", "frame")
	counter(c.errors, s.TxAbortedErrors, "tx", "aborted")
	counter(c.collisions, s.Collisions)
	counter(c.resets, s.Resets)
	counter(c.timeouts, s.TxTimeouts)

	up := 0.0
	if st.LinkUp {
		up = 1
	}
	ch <- prometheus.MustNewConstMetric(c.linkUp, prometheus.GaugeValue, up)
	ch <- prometheus.MustNewConstMetric(c.speed, prometheus.GaugeValue, float64(st.Speed))
	ch <- prometheus.MustNewConstMetric(c.txFree, prometheus.GaugeValue, float64(free))
}

// TxFree is the number of free transmit descriptors.
func (a *Adapter) TxFree() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tx.Free()
}
