package ring

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/hme/internal/dma"
)

// Memory is a descriptor table as the host sees it. Every access is a
// single 32-bit load or store so a device polling the table never sees a
// torn word.
type Memory interface {
	Len() int
	LoadFlags(i int) Flags
	LoadAddr(i int) dma.Addr
	StoreFlags(i int, f Flags)
	StoreAddr(i int, addr dma.Addr)
}

// Table is a descriptor table laid out in device-shared memory.
type Table struct {
	mem   []byte
	order binary.ByteOrder
}

var _ Memory = (*Table)(nil)

// NewTable wraps mem as a table of len(mem)/DescriptorSize descriptors
// in the given byte order.
func NewTable(mem []byte, order binary.ByteOrder) (*Table, error) {
	if len(mem) == 0 || len(mem)%DescriptorSize != 0 {
		return nil, fmt.Errorf("ring: table size %d is not a multiple of %d", len(mem), DescriptorSize)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		return nil, fmt.Errorf("ring: table memory is not word aligned")
	}
	if order == nil {
		order = binary.BigEndian
	}
	return &Table{mem: mem, order: order}, nil
}

// Len is the number of descriptors in the table.
func (t *Table) Len() int { return len(t.mem) / DescriptorSize }

// ByteOrder is the table's descriptor byte order.
func (t *Table) ByteOrder() binary.ByteOrder { return t.order }

func (t *Table) word(i, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&t.mem[i*DescriptorSize+off]))
}

func (t *Table) load(p *uint32) uint32 {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], atomic.LoadUint32(p))
	return t.order.Uint32(b[:])
}

func (t *Table) store(p *uint32, v uint32) {
	var b [4]byte
	t.order.PutUint32(b[:], v)
	atomic.StoreUint32(p, binary.NativeEndian.Uint32(b[:]))
}

func (t *Table) LoadFlags(i int) Flags { return Flags(t.load(t.word(i, 0))) }

func (t *Table) LoadAddr(i int) dma.Addr { return dma.Addr(t.load(t.word(i, 4))) }

func (t *Table) StoreFlags(i int, f Flags) { t.store(t.word(i, 0), uint32(f)) }

func (t *Table) StoreAddr(i int, addr dma.Addr) { t.store(t.word(i, 4), uint32(addr)) }

// Load reads descriptor i.
func (t *Table) Load(i int) Descriptor {
	return Descriptor{Flags: t.LoadFlags(i), Addr: t.LoadAddr(i)}
}
