package dma

import (
	"bytes"
	"errors"
	"testing"
)

func TestIOMMUMapResolve(t *testing.T) {
	m := NewIOMMU(0x2000_0000, 1<<16)
	a := []byte("hello device")
	b := make([]byte, 100)

	addrA, err := m.Map(a, ToDevice)
	if err != nil {
		t.Fatal(err)
	}
	addrB, err := m.Map(b, FromDevice)
	if err != nil {
		t.Fatal(err)
	}
	if addrA%mapAlign != 0 || addrB%mapAlign != 0 {
		t.Fatalf("unaligned mappings %s %s", addrA, addrB)
	}
	if addrA == addrB {
		t.Fatalf("overlapping mappings at %s", addrA)
	}

	got, err := m.Resolve(addrA+6, 6)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "device" {
		t.Fatalf("Resolve = %q", got)
	}

	if _, err := m.WriteAt([]byte{1, 2, 3}, int64(addrB)+10); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b[10:13], []byte{1, 2, 3}) {
		t.Fatalf("device write not visible to host: % x", b[:16])
	}

	if _, err := m.Resolve(addrB+90, 20); !errors.Is(err, ErrUnmapped) {
		t.Fatalf("overrun resolve = %v", err)
	}

	m.Unmap(addrA, len(a), ToDevice)
	if _, err := m.Resolve(addrA, 1); !errors.Is(err, ErrUnmapped) {
		t.Fatalf("resolve after unmap = %v", err)
	}
	if s := m.Stats(); s.Maps != 2 || s.Unmaps != 1 || s.LiveMappings != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestIOMMUFailInjection(t *testing.T) {
	m := NewIOMMU(0, 0)
	m.FailNextMaps(2)
	for i := 0; i < 2; i++ {
		if _, err := m.Map(make([]byte, 10), ToDevice); !errors.Is(err, ErrMappingFailed) {
			t.Fatalf("map %d = %v, want ErrMappingFailed", i, err)
		}
	}
	if _, err := m.Map(make([]byte, 10), ToDevice); err != nil {
		t.Fatalf("map after injected failures: %v", err)
	}
	if s := m.Stats(); s.FailedMaps != 2 {
		t.Fatalf("FailedMaps = %d", s.FailedMaps)
	}
}

func TestIOMMUReusesFreedWindows(t *testing.T) {
	m := NewIOMMU(0x1000, 4*mapAlign)
	var addrs []Addr
	for i := 0; i < 4; i++ {
		a, err := m.Map(make([]byte, mapAlign), Bidirectional)
		if err != nil {
			t.Fatalf("map %d: %v", i, err)
		}
		addrs = append(addrs, a)
	}
	if _, err := m.Map(make([]byte, 1), ToDevice); !errors.Is(err, ErrMappingFailed) {
		t.Fatalf("map into full window = %v", err)
	}
	m.Unmap(addrs[1], mapAlign, Bidirectional)
	a, err := m.Map(make([]byte, 8), ToDevice)
	if err != nil {
		t.Fatal(err)
	}
	if a != addrs[1] {
		t.Fatalf("reused window at %s, want %s", a, addrs[1])
	}
}

func TestIOMMUCoherent(t *testing.T) {
	m := NewIOMMU(0, 0)
	mem, addr, err := m.AllocCoherent(100)
	if err != nil {
		t.Fatal(err)
	}
	if len(mem) != 100 {
		t.Fatalf("len = %d", len(mem))
	}
	mem[99] = 0x5a
	var p [1]byte
	if _, err := m.ReadAt(p[:], int64(addr)+99); err != nil || p[0] != 0x5a {
		t.Fatalf("ReadAt = %x, %v", p[0], err)
	}
	m.FreeCoherent(addr)
	if s := m.Stats(); s.CoherentBytes != 0 || s.LiveMappings != 0 {
		t.Fatalf("stats after free = %+v", s)
	}
}

func TestIOMMUUnmapUnknownPanics(t *testing.T) {
	m := NewIOMMU(0, 0)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	m.Unmap(0x1234_0000, 10, ToDevice)
}

func TestIOMMUNeverMapsPastLimit(t *testing.T) {
	const base = 0x1000_0000
	m := NewIOMMU(base, 256)
	if _, err := m.Map(make([]byte, 2048), ToDevice); !errors.Is(err, ErrMappingFailed) {
		t.Fatalf("oversized map into empty window = %v", err)
	}
	if _, _, err := m.AllocCoherent(512); !errors.Is(err, ErrMappingFailed) {
		t.Fatalf("oversized coherent alloc = %v", err)
	}
	if s := m.Stats(); s.LiveMappings != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestIOMMUWrapThenOversize(t *testing.T) {
	const base, size = 0x2000_0000, 1024
	m := NewIOMMU(base, size)

	a, err := m.Map(make([]byte, 512), ToDevice)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Map(make([]byte, 384), ToDevice)
	if err != nil {
		t.Fatal(err)
	}
	m.Unmap(a, 512, ToDevice)

	// The cursor sits near the top; this only fits after wrapping.
	c, err := m.Map(make([]byte, 256), ToDevice)
	if err != nil {
		t.Fatalf("map after wrap: %v", err)
	}
	if c != base {
		t.Fatalf("wrapped map at %s, want %s", c, Addr(base))
	}
	m.Unmap(b, 384, ToDevice)
	m.Unmap(c, 256, ToDevice)

	for _, n := range []int{size + 1, 2 * size, 4096} {
		addr, err := m.Map(make([]byte, n), ToDevice)
		if !errors.Is(err, ErrMappingFailed) {
			t.Fatalf("map of %d bytes at %s = %v", n, addr, err)
		}
	}
	d, err := m.Map(make([]byte, size), ToDevice)
	if err != nil {
		t.Fatalf("map of the whole window: %v", err)
	}
	if uint64(d)+size > base+size {
		t.Fatalf("mapping at %s runs past the window", d)
	}
}
