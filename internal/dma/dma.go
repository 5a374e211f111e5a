// Package dma models the host side of device-visible memory: bus
// address mappings that a device resolves, and a fixed pool of packet
// buffers to map.
package dma

import (
	"errors"
	"fmt"
)

var (
	// ErrMappingFailed is returned when no bus address window can be
	// assigned to a buffer.
	ErrMappingFailed = errors.New("dma: mapping failed")
	// ErrUnmapped is returned when a device touches an address with no
	// live mapping behind it.
	ErrUnmapped = errors.New("dma: address not mapped")
	// ErrNoBuffers is returned when a buffer pool cannot be created.
	ErrNoBuffers = errors.New("dma: no buffers")
)

// Addr is a 32-bit bus address as seen by the device.
type Addr uint32

func (a Addr) String() string {
	return fmt.Sprintf("%#08x", uint32(a))
}

// Direction of a streaming mapping.
type Direction uint8

const (
	ToDevice Direction = iota + 1
	FromDevice
	Bidirectional
)

func (d Direction) String() string {
	switch d {
	case ToDevice:
		return "to-device"
	case FromDevice:
		return "from-device"
	case Bidirectional:
		return "bidirectional"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// Mapper hands buffers to a device and takes them back.
//
// A streaming mapping belongs to the device between Map and Unmap; the
// host may only look at the bytes after SyncForCPU and must call
// SyncForDevice before the device may write them again.
type Mapper interface {
	Map(buf []byte, dir Direction) (Addr, error)
	Unmap(addr Addr, size int, dir Direction)
	SyncForCPU(addr Addr, size int, dir Direction)
	SyncForDevice(addr Addr, size int, dir Direction)

	// AllocCoherent returns memory that host and device share without
	// explicit syncs, used for descriptor tables.
	AllocCoherent(size int) ([]byte, Addr, error)
	FreeCoherent(addr Addr)
}

// Allocator hands out packet buffers without blocking. Alloc returns nil
// when nothing is available.
type Allocator interface {
	Alloc(size int) []byte
	Free(buf []byte)
}
