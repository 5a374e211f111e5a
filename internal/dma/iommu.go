package dma

import (
	"fmt"
	"sync"

	"github.com/google/btree"
)

const (
	// mapAlign keeps every mapping 64-byte aligned, which receive
	// buffers require.
	mapAlign = 64

	defaultIOMMUBase = 0x1000_0000
	defaultIOMMUSize = 0x1000_0000
)

type mapping struct {
	addr     Addr
	buf      []byte
	dir      Direction
	coherent bool
}

func (m mapping) end() uint64 {
	return uint64(m.addr) + uint64(alignUp(len(m.buf)))
}

func mappingLess(a, b mapping) bool { return a.addr < b.addr }

// IOMMUStats counts mapping traffic. Tests use it to check that a path
// performed the syncs and unmaps it promised.
type IOMMUStats struct {
	Maps          uint64
	Unmaps        uint64
	SyncsForCPU   uint64
	SyncsForDev   uint64
	FailedMaps    uint64
	LiveMappings  int
	CoherentBytes int
}

// IOMMU is a Mapper over a private 32-bit bus address window. Device
// models resolve bus addresses back to the mapped bytes through Resolve.
type IOMMU struct {
	mu sync.Mutex

	base   uint64
	limit  uint64
	cursor uint64

	maps *btree.BTreeG[mapping]

	failNext int
	stats    IOMMUStats
}

// NewIOMMU creates a mapper covering [base, base+size). A zero size picks
// a 256MiB window.
func NewIOMMU(base Addr, size uint32) *IOMMU {
	b := uint64(base)
	s := uint64(size)
	if b == 0 {
		b = defaultIOMMUBase
	}
	if s == 0 {
		s = defaultIOMMUSize
	}
	if b+s > 1<<32 {
		s = 1<<32 - b
	}
	return &IOMMU{
		base:   b,
		limit:  b + s,
		cursor: b,
		maps:   btree.NewG(8, mappingLess),
	}
}

// FailNextMaps makes the next n Map or AllocCoherent calls fail.
func (m *IOMMU) FailNextMaps(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// Map implements Mapper.
func (m *IOMMU) Map(buf []byte, dir Direction) (Addr, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", ErrMappingFailed)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(buf, dir, false)
}

// Unmap implements Mapper.
func (m *IOMMU) Unmap(addr Addr, size int, dir Direction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.maps.Delete(mapping{addr: addr}); !ok {
		panic(fmt.Sprintf("dma: unmap of %s (%d bytes, %s) with no mapping", addr, size, dir))
	}
	m.stats.Unmaps++
}

// SyncForCPU implements Mapper.
func (m *IOMMU) SyncForCPU(addr Addr, size int, dir Direction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookupLocked(addr, size)
	m.stats.SyncsForCPU++
}

// SyncForDevice implements Mapper.
func (m *IOMMU) SyncForDevice(addr Addr, size int, dir Direction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookupLocked(addr, size)
	m.stats.SyncsForDev++
}

// AllocCoherent implements Mapper.
func (m *IOMMU) AllocCoherent(size int) ([]byte, Addr, error) {
	if size <= 0 {
		return nil, 0, fmt.Errorf("%w: coherent size %d", ErrMappingFailed, size)
	}
	buf := make([]byte, alignUp(size))
	m.mu.Lock()
	defer m.mu.Unlock()
	addr, err := m.insertLocked(buf, Bidirectional, true)
	if err != nil {
		return nil, 0, err
	}
	m.stats.CoherentBytes += len(buf)
	return buf[:size], addr, nil
}

// FreeCoherent implements Mapper.
func (m *IOMMU) FreeCoherent(addr Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.maps.Delete(mapping{addr: addr})
	if !ok || !old.coherent {
		panic(fmt.Sprintf("dma: free of %s which is not a coherent allocation", addr))
	}
	m.stats.CoherentBytes -= len(old.buf)
}

// Resolve returns the n bytes mapped at addr. The slice aliases the
// mapped buffer.
func (m *IOMMU) Resolve(addr Addr, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.findLocked(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnmapped, addr)
	}
	off := int(addr - mp.addr)
	if off+n > len(mp.buf) {
		return nil, fmt.Errorf("%w: %s+%d overruns %d byte mapping at %s", ErrUnmapped, addr, n, len(mp.buf), mp.addr)
	}
	return mp.buf[off : off+n], nil
}

// ReadAt reads mapped memory at a bus address.
func (m *IOMMU) ReadAt(p []byte, off int64) (int, error) {
	src, err := m.Resolve(Addr(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, src), nil
}

// WriteAt writes mapped memory at a bus address.
func (m *IOMMU) WriteAt(p []byte, off int64) (int, error) {
	dst, err := m.Resolve(Addr(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(dst, p), nil
}

// Stats returns a snapshot of the mapping counters.
func (m *IOMMU) Stats() IOMMUStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.LiveMappings = m.maps.Len()
	return s
}

func (m *IOMMU) insertLocked(buf []byte, dir Direction, coherent bool) (Addr, error) {
	if m.failNext > 0 {
		m.failNext--
		m.stats.FailedMaps++
		return 0, fmt.Errorf("%w: injected failure", ErrMappingFailed)
	}
	size := uint64(alignUp(len(buf)))
	start, ok := m.placeLocked(size)
	if !ok {
		m.stats.FailedMaps++
		return 0, fmt.Errorf("%w: no %d byte window", ErrMappingFailed, size)
	}
	m.maps.ReplaceOrInsert(mapping{addr: Addr(start), buf: buf, dir: dir, coherent: coherent})
	m.cursor = start + size
	if !coherent {
		m.stats.Maps++
	}
	return Addr(start), nil
}

// placeLocked finds a free window of size bytes, first fit from the
// cursor with one wrap back to the base. Every window it returns ends at
// or below limit.
func (m *IOMMU) placeLocked(size uint64) (uint64, bool) {
	if size > m.limit-m.base {
		return 0, false
	}
	start := m.cursor
	wrapped := false
	for {
		if start+size > m.limit {
			if wrapped {
				return 0, false
			}
			wrapped = true
			start = m.base
			continue
		}
		conflict, ok := m.overlapLocked(start, size)
		if !ok {
			return start, true
		}
		start = conflict.end()
		if wrapped && start >= m.cursor {
			return 0, false
		}
	}
}

func (m *IOMMU) overlapLocked(start, size uint64) (mapping, bool) {
	var hit mapping
	found := false
	m.maps.DescendLessOrEqual(mapping{addr: Addr(start)}, func(it mapping) bool {
		if it.end() > start {
			hit, found = it, true
		}
		return false
	})
	if found {
		return hit, true
	}
	m.maps.AscendGreaterOrEqual(mapping{addr: Addr(start)}, func(it mapping) bool {
		if uint64(it.addr) < start+size {
			hit, found = it, true
		}
		return false
	})
	return hit, found
}

func (m *IOMMU) findLocked(addr Addr) (mapping, bool) {
	var hit mapping
	found := false
	m.maps.DescendLessOrEqual(mapping{addr: addr}, func(it mapping) bool {
		if uint64(addr) < uint64(it.addr)+uint64(len(it.buf)) {
			hit, found = it, true
		}
		return false
	})
	return hit, found
}

func (m *IOMMU) lookupLocked(addr Addr, size int) mapping {
	mp, ok := m.findLocked(addr)
	if !ok || int(addr-mp.addr)+size > len(mp.buf) {
		panic(fmt.Sprintf("dma: sync of %s (%d bytes) outside any mapping", addr, size))
	}
	return mp
}

func alignUp(n int) int {
	return (n + mapAlign - 1) &^ (mapAlign - 1)
}
