package ring

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"

	"github.com/tinyrange/hme/internal/dma"
)

// recordingMemory implements Memory and records every field write.
type recordingMemory struct {
	flags  []Flags
	addrs  []dma.Addr
	writes []fieldWrite
}

type fieldWrite struct {
	slot  int
	field string
}

func newRecordingMemory(n int) *recordingMemory {
	return &recordingMemory{flags: make([]Flags, n), addrs: make([]dma.Addr, n)}
}

func (m *recordingMemory) Len() int { return len(m.flags) }

func (m *recordingMemory) LoadFlags(i int) Flags { return m.flags[i] }

func (m *recordingMemory) LoadAddr(i int) dma.Addr { return m.addrs[i] }

func (m *recordingMemory) StoreFlags(i int, f Flags) {
	m.flags[i] = f
	m.writes = append(m.writes, fieldWrite{i, "flags"})
}

func (m *recordingMemory) StoreAddr(i int, a dma.Addr) {
	m.addrs[i] = a
	m.writes = append(m.writes, fieldWrite{i, "addr"})
}

func TestNewRejectsBadCapacity(t *testing.T) {
	for _, n := range []int{1, 3, 12, 100} {
		if _, err := New[int](newRecordingMemory(n)); !errors.Is(err, ErrBadCapacity) {
			t.Errorf("New(%d) error = %v, want ErrBadCapacity", n, err)
		}
	}
	if _, err := New[int](newRecordingMemory(32)); err != nil {
		t.Fatalf("New(32): %v", err)
	}
}

func TestNextFreeSlotFullAtCapacityMinusOne(t *testing.T) {
	for _, n := range []int{2, 4, 32, 512} {
		r, err := New[int](newRecordingMemory(n))
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < n-1; i++ {
			slot, err := r.NextFreeSlot()
			if err != nil {
				t.Fatalf("n=%d: slot %d: unexpected %v with %d occupied", n, i, err, r.Occupied())
			}
			r.Publish(slot, Descriptor{Flags: TxFlags(60, true, true), Addr: dma.Addr(0x1000 + i)})
			r.Advance(1)
		}
		if _, err := r.NextFreeSlot(); !errors.Is(err, ErrFull) {
			t.Fatalf("n=%d: NextFreeSlot with %d occupied = %v, want ErrFull", n, r.Occupied(), err)
		}
		if r.Occupied() != n-1 {
			t.Fatalf("n=%d: occupied = %d", n, r.Occupied())
		}

		// Retiring one slot makes exactly one slot available again.
		r.desc.StoreFlags(r.Tail(), 0)
		if _, err := r.TryReclaim(r.Tail()); err != nil {
			t.Fatal(err)
		}
		r.Retire(1)
		if _, err := r.NextFreeSlot(); err != nil {
			t.Fatalf("n=%d: after retire: %v", n, err)
		}
	}
}

func TestOccupancyNeverExceedsBound(t *testing.T) {
	const n = 16
	mem := newRecordingMemory(n)
	r, err := New[int](mem)
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(1))
	for step := 0; step < 10000; step++ {
		if rng.Intn(2) == 0 {
			slot, err := r.NextFreeSlot()
			if errors.Is(err, ErrFull) {
				if r.Occupied() != n-1 {
					t.Fatalf("ErrFull with occupied=%d", r.Occupied())
				}
				continue
			}
			r.Publish(slot, Descriptor{Flags: FlagOwn | 64, Addr: 0x2000})
			r.Advance(1)
		} else if r.Occupied() > 0 {
			mem.flags[r.Tail()] &^= FlagOwn
			if _, err := r.TryReclaim(r.Tail()); err != nil {
				t.Fatal(err)
			}
			r.Retire(1)
		}
		if r.Occupied() > n-1 {
			t.Fatalf("occupied %d exceeds %d", r.Occupied(), n-1)
		}
	}
}

func TestPublishWritesAddressBeforeFlags(t *testing.T) {
	mem := newRecordingMemory(64)
	r, err := New[int](mem)
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 200; iter++ {
		k := 1 + rng.Intn(6)
		if r.Free() < k {
			r.Reset(nil)
			mem.writes = nil
		}
		first := r.Head()
		for j := 1; j < k; j++ {
			r.Publish(r.Index(first, j), Descriptor{Flags: TxFlags(100, false, j == k-1), Addr: dma.Addr(j)})
		}
		r.Publish(first, Descriptor{Flags: TxFlags(100, true, k == 1), Addr: 1})
		r.Advance(k)
	}

	lastAddr := map[int]int{}
	for idx, w := range mem.writes {
		switch w.field {
		case "addr":
			lastAddr[w.slot] = idx
		case "flags":
			a, ok := lastAddr[w.slot]
			if !ok || a != idx-1 {
				t.Fatalf("flags write %d to slot %d not immediately preceded by its address write", idx, w.slot)
			}
		}
	}
}

func TestTryReclaim(t *testing.T) {
	mem := newRecordingMemory(8)
	r, err := New[string](mem)
	if err != nil {
		t.Fatal(err)
	}
	r.Attach(0, "buf0")
	r.Publish(0, Descriptor{Flags: RxFlags(1706), Addr: 0x40})
	if got := r.Owner(0); got != Device {
		t.Fatalf("owner after publish = %v, want device", got)
	}
	if _, err := r.TryReclaim(0); !errors.Is(err, ErrNotReady) {
		t.Fatalf("TryReclaim on owned slot = %v, want ErrNotReady", err)
	}

	mem.flags[0] = RxCompletion(128, 0xbeef, false)
	d, err := r.TryReclaim(0)
	if err != nil {
		t.Fatal(err)
	}
	if d.Flags.RxLen() != 128 || d.Flags.RxChecksum() != 0xbeef || d.Addr != 0x40 {
		t.Fatalf("reclaimed descriptor = %+v", d)
	}
	if got := r.Owner(0); got != Host {
		t.Fatalf("owner after reclaim = %v, want host", got)
	}
	if v, ok := r.Detach(0); !ok || v != "buf0" {
		t.Fatalf("Detach = %q, %v", v, ok)
	}
}

func TestResetReleasesAndNeutralizes(t *testing.T) {
	mem := newRecordingMemory(4)
	r, err := New[int](mem)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		r.Attach(i, 10+i)
		r.Publish(i, Descriptor{Flags: TxFlags(60, true, true), Addr: dma.Addr(0x100 * (i + 1))})
	}
	r.Advance(3)

	released := map[int]int{}
	r.Reset(func(i, v int) { released[i] = v })

	if len(released) != 3 || released[0] != 10 || released[2] != 12 {
		t.Fatalf("released = %v", released)
	}
	for i := 0; i < 4; i++ {
		if d := r.Peek(i); d.Flags != 0 || d.Addr != 0 {
			t.Errorf("slot %d after reset = %+v", i, d)
		}
		if r.Owner(i) != Empty {
			t.Errorf("slot %d owner = %v", i, r.Owner(i))
		}
	}
	if r.Occupied() != 0 || r.Head() != 0 || r.Tail() != 0 {
		t.Fatalf("cursors not rewound: head=%d tail=%d", r.Head(), r.Tail())
	}
}

func TestAllocFromIOMMU(t *testing.T) {
	iommu := dma.NewIOMMU(0x1000_0000, 1<<20)
	r, err := Alloc[int](iommu, 64, binary.BigEndian)
	if err != nil {
		t.Fatal(err)
	}
	r.Publish(5, Descriptor{Flags: TxFlags(64, true, true), Addr: 0xdeadbeef})

	raw, err := iommu.Resolve(r.Base(), 64*DescriptorSize)
	if err != nil {
		t.Fatal(err)
	}
	got := DecodeDescriptor(raw[5*DescriptorSize:], binary.BigEndian)
	if got.Flags != FlagOwn|TxSOP|TxEOP|64 || got.Addr != 0xdeadbeef {
		t.Fatalf("device view = %+v", got)
	}
	r.Reset(nil)
	r.Release()
	if s := iommu.Stats(); s.CoherentBytes != 0 {
		t.Fatalf("coherent bytes after release = %d", s.CoherentBytes)
	}
}

func TestAllocBadCapacity(t *testing.T) {
	iommu := dma.NewIOMMU(0x1000_0000, 1<<20)
	if _, err := Alloc[int](iommu, 100, binary.BigEndian); !errors.Is(err, ErrBadCapacity) {
		t.Fatalf("err = %v", err)
	}
}

func TestAllocExhausted(t *testing.T) {
	iommu := dma.NewIOMMU(0x1000_0000, 256)
	if _, err := Alloc[int](iommu, 256, binary.BigEndian); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("err = %v, want ErrResourceExhausted", err)
	}
}

// teeMemory forwards to inner and records writes in log.
type teeMemory struct {
	Memory
	log *recordingMemory
}

func (m teeMemory) StoreFlags(i int, f Flags) {
	m.log.StoreFlags(i, f)
	m.Memory.StoreFlags(i, f)
}

func (m teeMemory) StoreAddr(i int, a dma.Addr) {
	m.log.StoreAddr(i, a)
	m.Memory.StoreAddr(i, a)
}

func TestInterposeSeesWritesAndKeepsTable(t *testing.T) {
	iommu := dma.NewIOMMU(0x1000_0000, 1<<20)
	r, err := Alloc[int](iommu, 32, binary.BigEndian)
	if err != nil {
		t.Fatal(err)
	}
	base := r.Base()
	log := newRecordingMemory(32)
	r.Interpose(func(inner Memory) Memory { return teeMemory{Memory: inner, log: log} })
	if r.Base() != base {
		t.Fatalf("base moved from %#x to %#x", base, r.Base())
	}

	r.Publish(3, Descriptor{Flags: TxFlags(60, true, true), Addr: 0xabc0})
	want := []fieldWrite{{3, "addr"}, {3, "flags"}}
	if len(log.writes) != len(want) || log.writes[0] != want[0] || log.writes[1] != want[1] {
		t.Fatalf("writes = %v, want %v", log.writes, want)
	}
	raw, err := iommu.Resolve(base, 32*DescriptorSize)
	if err != nil {
		t.Fatal(err)
	}
	if got := DecodeDescriptor(raw[3*DescriptorSize:], binary.BigEndian); got.Addr != 0xabc0 || !got.Flags.Owned() {
		t.Fatalf("device view = %+v", got)
	}
	r.Reset(nil)
	r.Release()
}
