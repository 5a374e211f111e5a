package dma

import (
	"fmt"
	"sync"
	"unsafe"
)

// Arena is a block of memory split into fixed-size packet buffers. It
// never grows and never blocks: Alloc on an empty arena returns nil so
// interrupt-side callers can treat exhaustion as a drop.
//
// A Buffer handed out by an Arena must not be appended to beyond its
// capacity. It may be resliced freely; Free only needs a slice that
// starts inside the original buffer.
type Arena struct {
	mem     []byte
	bufSize int
	release func() error

	mu struct {
		sync.Mutex
		free   []int
		inUse  []bool
		closed bool
	}
}

// NewArena creates an arena of count buffers of bufSize bytes each.
func NewArena(count, bufSize int) (*Arena, error) {
	if count <= 0 || bufSize <= 0 {
		return nil, fmt.Errorf("%w: arena of %d x %d", ErrNoBuffers, count, bufSize)
	}
	mem, release, err := allocArenaMemory(count * bufSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoBuffers, err)
	}
	a := &Arena{
		mem:     mem,
		bufSize: bufSize,
		release: release,
	}
	a.mu.free = make([]int, count)
	a.mu.inUse = make([]bool, count)
	for i := range a.mu.free {
		// Hand out low indices first.
		a.mu.free[i] = count - 1 - i
	}
	return a, nil
}

// BufferSize is the capacity of every buffer.
func (a *Arena) BufferSize() int { return a.bufSize }

// Available is the number of free buffers.
func (a *Arena) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.mu.free)
}

// Alloc implements Allocator. The returned slice has length size and the
// arena's full buffer capacity.
func (a *Arena) Alloc(size int) []byte {
	if size > a.bufSize {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.mu.free)
	if n == 0 || a.mu.closed {
		return nil
	}
	i := a.mu.free[n-1]
	a.mu.free = a.mu.free[:n-1]
	if a.mu.inUse[i] {
		panic(fmt.Sprintf("dma: arena free list buffer %d is not free", i))
	}
	a.mu.inUse[i] = true
	off := i * a.bufSize
	buf := a.mem[off : off+a.bufSize : off+a.bufSize]
	clear(buf)
	return buf[:size]
}

// Free implements Allocator. Freeing into a closed arena does nothing.
func (a *Arena) Free(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mu.closed {
		return
	}
	i := a.index(buf)
	if !a.mu.inUse[i] {
		panic(fmt.Sprintf("dma: double free of arena buffer %d", i))
	}
	a.mu.inUse[i] = false
	a.mu.free = append(a.mu.free, i)
}

// Close releases the backing memory. Outstanding buffers become invalid
// and must not be read or written; freeing them later is allowed.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mu.closed {
		return nil
	}
	a.mu.closed = true
	a.mu.free = nil
	err := a.release()
	a.release = nil
	a.mem = nil
	return err
}

func (a *Arena) index(buf []byte) int {
	if cap(buf) == 0 {
		panic("dma: free of empty buffer")
	}
	bp := uintptr(unsafe.Pointer(unsafe.SliceData(buf[:1])))
	ap := uintptr(unsafe.Pointer(unsafe.SliceData(a.mem)))
	if bp < ap || bp >= ap+uintptr(len(a.mem)) {
		panic(fmt.Sprintf("dma: buffer %#x not in arena [%#x, %#x)", bp, ap, ap+uintptr(len(a.mem))))
	}
	return int((bp - ap) / uintptr(a.bufSize))
}
