package ring

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/hme/internal/dma"
)

var (
	// ErrResourceExhausted is returned when backing memory for a ring
	// cannot be obtained.
	ErrResourceExhausted = errors.New("ring: resources exhausted")
	// ErrFull is returned by NextFreeSlot when N-1 slots are in flight.
	ErrFull = errors.New("ring: full")
	// ErrNotReady is returned by TryReclaim while the device owns a slot.
	ErrNotReady = errors.New("ring: descriptor not ready")
	// ErrBadCapacity is returned for capacities that are not a power of two.
	ErrBadCapacity = errors.New("ring: capacity must be a power of two")
)

// Owner says who currently controls a slot.
type Owner uint8

const (
	// Empty slots have no buffer behind them.
	Empty Owner = iota
	// Host slots hold a buffer the host may touch.
	Host
	// Device slots have been published; the host may not touch the buffer
	// until TryReclaim hands it back.
	Device
)

func (o Owner) String() string {
	switch o {
	case Empty:
		return "empty"
	case Host:
		return "host"
	case Device:
		return "device"
	default:
		return fmt.Sprintf("Owner(%d)", uint8(o))
	}
}

type slot[T any] struct {
	owner Owner
	val   T
}

// Ring is a fixed-capacity descriptor ring with per-slot host
// bookkeeping of type T (the buffer and mapping backing the slot).
//
// head is where the producer writes next and tail is the oldest slot not
// yet retired. Both are free-running; occupancy is head-tail and never
// exceeds Cap()-1. Ring does no locking: callers serialize access.
type Ring[T any] struct {
	desc  Memory
	slots []slot[T]
	mask  uint32
	head  uint32
	tail  uint32

	// Set when the ring owns its descriptor memory.
	mapper dma.Mapper
	base   dma.Addr
}

// New builds a ring over an existing descriptor table.
func New[T any](desc Memory) (*Ring[T], error) {
	n := desc.Len()
	if n < 2 || n&(n-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadCapacity, n)
	}
	return &Ring[T]{
		desc:  desc,
		slots: make([]slot[T], n),
		mask:  uint32(n - 1),
	}, nil
}

// Alloc obtains coherent descriptor memory for capacity slots from m and
// builds a ring over it. The table's bus address is returned by Base.
func Alloc[T any](m dma.Mapper, capacity int, order binary.ByteOrder) (*Ring[T], error) {
	if capacity < 2 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadCapacity, capacity)
	}
	mem, base, err := m.AllocCoherent(capacity * DescriptorSize)
	if err != nil {
		return nil, fmt.Errorf("%w: descriptor table: %w", ErrResourceExhausted, err)
	}
	tbl, err := NewTable(mem, order)
	if err != nil {
		m.FreeCoherent(base)
		return nil, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	r, err := New[T](tbl)
	if err != nil {
		m.FreeCoherent(base)
		return nil, err
	}
	r.mapper = m
	r.base = base
	return r, nil
}

// Release returns descriptor memory obtained by Alloc. The ring must have
// been Reset first.
func (r *Ring[T]) Release() {
	if r.mapper != nil {
		r.mapper.FreeCoherent(r.base)
		r.mapper = nil
	}
}

// Base is the bus address of the descriptor table.
func (r *Ring[T]) Base() dma.Addr { return r.base }

// Interpose routes every descriptor access through wrap, which receives
// the table the ring uses now. Call it before any descriptor is published.
func (r *Ring[T]) Interpose(wrap func(Memory) Memory) { r.desc = wrap(r.desc) }

// Cap is the number of slots.
func (r *Ring[T]) Cap() int { return len(r.slots) }

// Occupied is the number of slots between tail and head.
func (r *Ring[T]) Occupied() int { return int(r.head - r.tail) }

// Free is the number of slots the producer may still claim.
func (r *Ring[T]) Free() int { return len(r.slots) - 1 - r.Occupied() }

// Head is the slot index the producer writes next.
func (r *Ring[T]) Head() int { return int(r.head & r.mask) }

// Tail is the slot index of the oldest unretired slot.
func (r *Ring[T]) Tail() int { return int(r.tail & r.mask) }

// Next returns the slot index following i.
func (r *Ring[T]) Next(i int) int { return int(uint32(i+1) & r.mask) }

// Index returns the slot index k positions after i.
func (r *Ring[T]) Index(i, k int) int { return int(uint32(i+k) & r.mask) }

// NextFreeSlot returns the head slot, or ErrFull when Cap()-1 slots are
// occupied.
func (r *Ring[T]) NextFreeSlot() (int, error) {
	if r.Free() <= 0 {
		return 0, ErrFull
	}
	return r.Head(), nil
}

// Owner reports who holds slot i.
func (r *Ring[T]) Owner(i int) Owner { return r.slots[i].owner }

// Attach records v as the host buffer behind slot i.
func (r *Ring[T]) Attach(i int, v T) {
	s := &r.slots[i]
	if s.owner == Device {
		panic(fmt.Sprintf("ring: attach to device-owned slot %d", i))
	}
	s.owner = Host
	s.val = v
}

// Value returns the bookkeeping recorded for slot i, whoever owns it.
func (r *Ring[T]) Value(i int) (T, bool) {
	s := &r.slots[i]
	return s.val, s.owner != Empty
}

// Detach removes the host buffer from slot i and returns it.
func (r *Ring[T]) Detach(i int) (T, bool) {
	s := &r.slots[i]
	var zero T
	if s.owner != Host {
		return zero, false
	}
	v := s.val
	s.val = zero
	s.owner = Empty
	return v, true
}

// Publish writes d into slot i: the address word first and the flags
// word second, each as a single atomic store, so the device never sees
// ownership with a stale address. A descriptor with FlagOwn set hands
// the slot to the device.
func (r *Ring[T]) Publish(i int, d Descriptor) {
	r.desc.StoreAddr(i, d.Addr)
	r.desc.StoreFlags(i, d.Flags)
	if d.Flags.Owned() {
		r.slots[i].owner = Device
	}
}

// Advance moves head forward by n published slots.
func (r *Ring[T]) Advance(n int) {
	if n > r.Free() {
		panic(fmt.Sprintf("ring: advance by %d with %d free", n, r.Free()))
	}
	r.head += uint32(n)
}

// Peek reads descriptor i without changing ownership.
func (r *Ring[T]) Peek(i int) Descriptor {
	return Descriptor{Flags: r.desc.LoadFlags(i), Addr: r.desc.LoadAddr(i)}
}

// TryReclaim returns descriptor i and hands the slot back to the host if
// the device has cleared OWN. It returns ErrNotReady otherwise.
func (r *Ring[T]) TryReclaim(i int) (Descriptor, error) {
	f := r.desc.LoadFlags(i)
	if f.Owned() {
		return Descriptor{}, ErrNotReady
	}
	s := &r.slots[i]
	if s.owner == Device {
		s.owner = Host
	}
	return Descriptor{Flags: f, Addr: r.desc.LoadAddr(i)}, nil
}

// Retire moves tail forward by n reclaimed slots.
func (r *Ring[T]) Retire(n int) {
	if n > r.Occupied() {
		panic(fmt.Sprintf("ring: retire %d with %d occupied", n, r.Occupied()))
	}
	r.tail += uint32(n)
}

// Reset drops all buffer ownership, calling release for every slot that
// still records a buffer, rewrites every descriptor as not owned and
// rewinds both cursors.
func (r *Ring[T]) Reset(release func(i int, v T)) {
	var zero T
	for i := range r.slots {
		r.desc.StoreFlags(i, 0)
		r.desc.StoreAddr(i, 0)
		s := &r.slots[i]
		if s.owner != Empty && release != nil {
			release(i, s.val)
		}
		s.owner = Empty
		s.val = zero
	}
	r.head = 0
	r.tail = 0
}
