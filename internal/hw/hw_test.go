package hw

import (
	"testing"
	"time"
)

type regs map[uint32]uint32

func (r regs) Read32(off uint32) uint32 { return r[off] }
func (r regs) Write32(off, v uint32) { r[off] = v }

func TestValidate(t *testing.T) {
	var nilCtx *Context
	if err := nilCtx.Validate(); err == nil {
		t.Fatal("nil context accepted")
	}
	r := regs{}
	c := &Context{Global: r, ETX: r, ERX: r, BigMAC: r}
	if err := c.Validate(); err == nil {
		t.Fatal("missing tcvr block accepted")
	}
	c.Tcvr = r
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestPollIsBounded(t *testing.T) {
	var slept []time.Duration
	c := &Context{Delay: func(d time.Duration) { slept = append(slept, d) }}

	calls := 0
	if c.Poll(5, time.Microsecond, func() bool { calls++; return false }) {
		t.Fatal("poll succeeded")
	}
	if calls != 5 || len(slept) != 5 {
		t.Fatalf("calls %d sleeps %d", calls, len(slept))
	}

	calls, slept = 0, nil
	if !c.Poll(5, time.Microsecond, func() bool { calls++; return calls == 3 }) {
		t.Fatal("poll failed")
	}
	if calls != 3 || len(slept) != 2 {
		t.Fatalf("calls %d sleeps %d", calls, len(slept))
	}
}

func TestBitHelpers(t *testing.T) {
	r := regs{0x10: 0x0f}
	SetBits(r, 0x10, 0x30)
	ClearBits(r, 0x10, 0x03)
	if r[0x10] != 0x3c {
		t.Fatalf("reg = %#x", r[0x10])
	}
	if !HasBits(r, 0x10, 0x24) || HasBits(r, 0x10, 0x41) {
		t.Fatalf("HasBits wrong for %#x", r[0x10])
	}
}

func TestRingSizeEncoding(t *testing.T) {
	for _, n := range []int{32, 64, 128, 256} {
		code, ok := ERXRingSizeCode(n)
		if !ok {
			t.Fatalf("%d rejected", n)
		}
		if got := ERXRingEntries(ERXCfgDefault(2, code)); got != n {
			t.Fatalf("rx ring %d round trips to %d", n, got)
		}
	}
	if _, ok := ERXRingSizeCode(512); ok {
		t.Fatal("512 entry rx ring accepted")
	}
	for _, n := range []int{16, 32, 512, 4096} {
		if got := ETXRingEntries(ETXRSizeValue(n)); got != n {
			t.Fatalf("tx ring %d round trips to %d", n, got)
		}
	}
}
