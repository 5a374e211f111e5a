package hme

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/tinyrange/hme/internal/dma"
	"github.com/tinyrange/hme/internal/irq"
	"github.com/tinyrange/hme/internal/ring"
	"github.com/tinyrange/hme/internal/sim"
)

func frame(n int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, n)
}

func TestTransmitSingleFragment(t *testing.T) {
	r := newRig(t, func(c *Config, _ *sim.Config) { c.TxRingSize = 512 }).open(t)

	done := 0
	if err := r.a.Transmit(&Packet{Frags: [][]byte{frame(64, 0xab)}, Done: func() { done++ }}); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	d := r.a.tx.Peek(0)
	want := ring.FlagOwn | ring.TxSOP | ring.TxEOP | 64
	if d.Flags != want {
		t.Fatalf("flags = %v, want %v", d.Flags, want)
	}
	if n := r.a.tx.Occupied(); n != 1 {
		t.Fatalf("occupied = %d, want 1", n)
	}

	if n := r.dev.ProcessTx(); n != 1 {
		t.Fatalf("device sent %d frames", n)
	}
	if res := r.a.Interrupt(); res != irq.Handled {
		t.Fatalf("Interrupt = %v", res)
	}
	if n := r.a.tx.Occupied(); n != 0 {
		t.Fatalf("occupied after reclaim = %d", n)
	}
	if done != 1 {
		t.Fatalf("done called %d times", done)
	}
	s := r.a.Stats()
	if s.TxPackets != 1 || s.TxBytes != 64 {
		t.Fatalf("stats = %+v", s)
	}
	if len(r.sent) != 1 || !bytes.Equal(r.sent[0], frame(64, 0xab)) {
		t.Fatalf("wire saw %x", r.sent)
	}
}

func TestTransmitFragments(t *testing.T) {
	r := newRig(t).open(t)
	frags := [][]byte{frame(14, 1), frame(20, 2), frame(30, 3)}
	if err := r.a.Transmit(&Packet{Frags: frags}); err != nil {
		t.Fatalf("Transmit: %v", err)
	}

	for i, tc := range []struct {
		sop, eop bool
		n        int
	}{
		{true, false, 14},
		{false, false, 20},
		{false, true, 30},
	} {
		f := r.a.tx.Peek(i).Flags
		if !f.Owned() || f.SOP() != tc.sop || f.EOP() != tc.eop || f.TxLen() != tc.n {
			t.Fatalf("slot %d flags = %v", i, f)
		}
	}

	r.dev.ProcessTx()
	r.a.Interrupt()
	if len(r.sent) != 1 || !bytes.Equal(r.sent[0], bytes.Join(frags, nil)) {
		t.Fatalf("wire saw %x", r.sent)
	}
	if s := r.a.Stats(); s.TxPackets != 1 || s.TxBytes != 64 {
		t.Fatalf("stats = %+v", s)
	}
	if live := r.a.TxFree(); live != DefaultTxRingSize-1 {
		t.Fatalf("tx free = %d", live)
	}
}

// descStore is one host store into a descriptor table.
type descStore struct {
	slot  int
	addr  bool
	flags ring.Flags
}

// storeLog forwards to the real table and records every store in order.
type storeLog struct {
	ring.Memory
	stores *[]descStore
}

func (m storeLog) StoreFlags(i int, f ring.Flags) {
	*m.stores = append(*m.stores, descStore{slot: i, flags: f})
	m.Memory.StoreFlags(i, f)
}

func (m storeLog) StoreAddr(i int, a dma.Addr) {
	*m.stores = append(*m.stores, descStore{slot: i, addr: true})
	m.Memory.StoreAddr(i, a)
}

func TestTransmitPublishesFirstSlotLast(t *testing.T) {
	r := newRig(t)
	var stores []descStore
	r.a.tx.Interpose(func(inner ring.Memory) ring.Memory {
		return storeLog{Memory: inner, stores: &stores}
	})
	r.open(t)

	rng := rand.New(rand.NewSource(11))
	for iter := 0; iter < 100; iter++ {
		k := 1 + rng.Intn(DefaultMaxFragments)
		frags := make([][]byte, k)
		for j := range frags {
			frags[j] = frame(8+rng.Intn(64), byte(j))
		}
		first := r.a.tx.Head()
		stores = nil
		if err := r.a.Transmit(&Packet{Frags: frags}); err != nil {
			t.Fatalf("iter %d: Transmit: %v", iter, err)
		}

		if len(stores) != 2*k {
			t.Fatalf("iter %d k=%d: %d stores, want %d", iter, k, len(stores), 2*k)
		}
		seen := map[int]bool{}
		for n := 0; n < len(stores); n += 2 {
			addr, flags := stores[n], stores[n+1]
			if !addr.addr || flags.addr || addr.slot != flags.slot {
				t.Fatalf("iter %d k=%d: stores %d,%d are %+v %+v, want address then flags of one slot", iter, k, n, n+1, addr, flags)
			}
			if !flags.flags.Owned() {
				t.Fatalf("iter %d: slot %d published without OWN", iter, flags.slot)
			}
			if flags.slot == first && n != len(stores)-2 {
				t.Fatalf("iter %d k=%d: first slot %d published at store %d of %d", iter, k, first, n, len(stores))
			}
			seen[flags.slot] = true
		}
		last := stores[len(stores)-1]
		if last.slot != first || !last.flags.SOP() {
			t.Fatalf("iter %d k=%d: last store %+v, want SOP flags of slot %d", iter, k, last, first)
		}
		if len(seen) != k {
			t.Fatalf("iter %d k=%d: %d distinct slots published", iter, k, len(seen))
		}

		r.dev.ProcessTx()
		r.a.Interrupt()
	}
	if s := r.a.Stats(); s.TxPackets != 100 {
		t.Fatalf("tx packets = %d", s.TxPackets)
	}
}

func TestTransmitChecksumFlags(t *testing.T) {
	r := newRig(t).open(t)
	p := &Packet{
		Frags:       [][]byte{frame(34, 0), frame(40, 7)},
		CsumPartial: true,
		CsumStart:   34,
		CsumOffset:  6,
	}
	if err := r.a.Transmit(p); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	for i := 0; i < 2; i++ {
		f := r.a.tx.Peek(i).Flags
		if !f.CsumEnabled() || f.CsumStart() != 34 || f.CsumStuff() != 40 {
			t.Fatalf("slot %d flags = %v", i, f)
		}
	}
}

func TestTransmitRejectsBadPackets(t *testing.T) {
	r := newRig(t).open(t)
	tests := []struct {
		name string
		p    *Packet
	}{
		{"empty", &Packet{}},
		{"too many fragments", &Packet{Frags: make([][]byte, DefaultMaxFragments+1)}},
		{"empty fragment", &Packet{Frags: [][]byte{frame(60, 0), nil}}},
		{"checksum past end", &Packet{Frags: [][]byte{frame(60, 0)}, CsumPartial: true, CsumStart: 50, CsumOffset: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.a.Transmit(tt.p); !errors.Is(err, ErrBadPacket) {
				t.Fatalf("err = %v, want ErrBadPacket", err)
			}
		})
	}
	if n := r.a.tx.Occupied(); n != 0 {
		t.Fatalf("occupied = %d", n)
	}
}

func TestTransmitMappingFailureUnwinds(t *testing.T) {
	r := newRig(t).open(t)
	before := r.mmu.Stats().LiveMappings

	r.mapper.ok = 2
	err := r.a.Transmit(&Packet{Frags: [][]byte{frame(20, 1), frame(20, 2), frame(20, 3)}})
	if !errors.Is(err, ErrDMAMappingFailed) {
		t.Fatalf("err = %v, want ErrDMAMappingFailed", err)
	}
	if got := r.mmu.Stats().LiveMappings; got != before {
		t.Fatalf("live mappings = %d, want %d", got, before)
	}
	if n := r.a.tx.Occupied(); n != 0 {
		t.Fatalf("occupied = %d", n)
	}
	for i := 0; i < 3; i++ {
		if r.a.tx.Peek(i).Flags.Owned() {
			t.Fatalf("slot %d handed to device", i)
		}
	}
	if s := r.a.Stats(); s.TxDropped != 1 {
		t.Fatalf("tx dropped = %d", s.TxDropped)
	}

	r.mapper.ok = -1
	if err := r.a.Transmit(&Packet{Frags: [][]byte{frame(60, 1)}}); err != nil {
		t.Fatalf("Transmit after failure: %v", err)
	}
}

func TestTransmitBackpressure(t *testing.T) {
	r := newRig(t, func(c *Config, _ *sim.Config) { c.TxRingSize = 16 }).open(t)

	// Fifteen free slots: the queue stops once MaxFragments or fewer
	// remain.
	for i := 0; i < 7; i++ {
		if r.a.QueueStopped() {
			t.Fatalf("queue stopped after %d packets", i)
		}
		if err := r.a.Transmit(&Packet{Frags: [][]byte{frame(60, byte(i))}}); err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
	}
	if !r.a.QueueStopped() {
		t.Fatalf("queue awake with %d free", r.a.TxFree())
	}

	big := make([][]byte, DefaultMaxFragments)
	for i := range big {
		big[i] = frame(10, byte(i))
	}
	if err := r.a.Transmit(&Packet{Frags: big}); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.a.WaitTx(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("WaitTx = %v", err)
	}

	woke := make(chan error, 1)
	go func() { woke <- r.a.WaitTx(context.Background()) }()

	r.dev.ProcessTx()
	r.a.Interrupt()
	if err := <-woke; err != nil {
		t.Fatalf("WaitTx after reclaim: %v", err)
	}
	if r.a.QueueStopped() {
		t.Fatalf("queue still stopped")
	}
	if err := r.a.Transmit(&Packet{Frags: big}); err != nil {
		t.Fatalf("Transmit after wake: %v", err)
	}
}

func TestReclaimTxIdempotent(t *testing.T) {
	r := newRig(t).open(t)
	for i := 0; i < 3; i++ {
		if err := r.a.Transmit(&Packet{Frags: [][]byte{frame(60, byte(i))}}); err != nil {
			t.Fatal(err)
		}
	}
	r.dev.ProcessTx()
	r.a.ReclaimTx()
	first := r.a.Stats()
	tail := r.a.tx.Tail()

	r.a.ReclaimTx()
	r.a.ReclaimTx()
	if s := r.a.Stats(); s != first {
		t.Fatalf("stats moved: %+v -> %+v", first, s)
	}
	if r.a.tx.Tail() != tail {
		t.Fatalf("tail moved")
	}
	if first.TxPackets != 3 {
		t.Fatalf("tx packets = %d", first.TxPackets)
	}
}

func TestReclaimStopsAtOwnedPacket(t *testing.T) {
	r := newRig(t).open(t)
	if err := r.a.Transmit(&Packet{Frags: [][]byte{frame(60, 1)}}); err != nil {
		t.Fatal(err)
	}
	r.dev.ProcessTx()
	if err := r.a.Transmit(&Packet{Frags: [][]byte{frame(30, 2), frame(30, 3)}}); err != nil {
		t.Fatal(err)
	}
	r.a.ReclaimTx()
	if n := r.a.tx.Occupied(); n != 2 {
		t.Fatalf("occupied = %d, want the unsent packet's 2 slots", n)
	}
	if s := r.a.Stats(); s.TxPackets != 1 {
		t.Fatalf("tx packets = %d", s.TxPackets)
	}
}
