package hme

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector(t *testing.T) {
	r := newRig(t).open(t)
	c := NewCollector(r.a)

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if n := testutil.CollectAndCount(c); n != 19 {
		t.Fatalf("collected %d metrics, want 19", n)
	}

	r.receive(t, toUs(100))
	r.a.TxTimeout()
	r.linkUp(t)

	want := `
# HELP hme_link_up 1 while the link is up.
# TYPE hme_link_up gauge
hme_link_up{device="hme0"} 1
# HELP hme_packets_total Frames moved, by direction.
# TYPE hme_packets_total counter
hme_packets_total{device="hme0",dir="rx"} 1
hme_packets_total{device="hme0",dir="tx"} 0
# HELP hme_resets_total Device reinitializations after a fault.
# TYPE hme_resets_total counter
hme_resets_total{device="hme0"} 1
# HELP hme_tx_timeouts_total Transmit watchdog expiries.
# TYPE hme_tx_timeouts_total counter
hme_tx_timeouts_total{device="hme0"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want),
		"hme_link_up", "hme_packets_total", "hme_resets_total", "hme_tx_timeouts_total"); err != nil {
		t.Fatal(err)
	}
}
