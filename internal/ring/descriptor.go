// Package ring implements the descriptor rings shared between the host
// and the Happy Meal DMA engines.
package ring

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/tinyrange/hme/internal/dma"
)

// DescriptorSize is the size of one hardware descriptor: a 32-bit flags
// word followed by a 32-bit buffer address.
const DescriptorSize = 8

// Flags is the descriptor flags word. Transmit and receive descriptors
// share OWN in bit 31 and otherwise use different sub-fields.
type Flags uint32

const (
	FlagOwn Flags = 0x80000000 // Device owns the descriptor and its buffer

	TxSOP          Flags = 0x40000000 // First descriptor of a packet
	TxEOP          Flags = 0x20000000 // Last descriptor of a packet
	TxCsumEnable   Flags = 0x10000000 // Insert a checksum
	TxCsumLocation Flags = 0x0ff00000 // Offset the checksum is stuffed at
	TxCsumBufBegin Flags = 0x000fc000 // Offset checksumming starts at
	TxSize         Flags = 0x00003fff // Buffer length

	RxOverflow Flags = 0x40000000 // Frame overflowed the buffer
	RxSize     Flags = 0x3fff0000 // Received frame length
	RxCsum     Flags = 0x0000ffff // 16-bit ones-complement sum of the payload

	txCsumLocationShift = 20
	txCsumBufBeginShift = 14
	rxSizeShift         = 16

	// MaxTxCsumStart and MaxTxCsumStuff are the largest offsets the
	// transmit checksum sub-fields can hold.
	MaxTxCsumStart = int(TxCsumBufBegin >> txCsumBufBeginShift)
	MaxTxCsumStuff = int(TxCsumLocation >> txCsumLocationShift)
	// MaxTxLen is the largest single fragment a descriptor can describe.
	MaxTxLen = int(TxSize)
	// MaxRxLen is the largest frame length a receive descriptor reports.
	MaxRxLen = int(RxSize >> rxSizeShift)
)

// Owned reports whether the device owns the descriptor.
func (f Flags) Owned() bool { return f&FlagOwn != 0 }

// TxLen is the fragment length of a transmit descriptor.
func (f Flags) TxLen() int { return int(f & TxSize) }

// SOP reports the start-of-packet bit.
func (f Flags) SOP() bool { return f&TxSOP != 0 }

// EOP reports the end-of-packet bit.
func (f Flags) EOP() bool { return f&TxEOP != 0 }

// CsumEnabled reports whether the transmit checksum engine is requested.
func (f Flags) CsumEnabled() bool { return f&TxCsumEnable != 0 }

// CsumStart is the byte offset the transmit checksum starts at.
func (f Flags) CsumStart() int { return int(f&TxCsumBufBegin) >> txCsumBufBeginShift }

// CsumStuff is the byte offset the transmit checksum is written to.
func (f Flags) CsumStuff() int { return int(f&TxCsumLocation) >> txCsumLocationShift }

// RxLen is the frame length of a completed receive descriptor.
func (f Flags) RxLen() int { return int(f&RxSize) >> rxSizeShift }

// RxChecksum is the hardware payload sum of a completed receive descriptor.
func (f Flags) RxChecksum() uint16 { return uint16(f & RxCsum) }

// Overflow reports the receive overflow bit.
func (f Flags) Overflow() bool { return f&RxOverflow != 0 }

// TxFlags builds the flags for one transmit fragment.
func TxFlags(length int, sop, eop bool) Flags {
	f := FlagOwn | Flags(length)&TxSize
	if sop {
		f |= TxSOP
	}
	if eop {
		f |= TxEOP
	}
	return f
}

// TxChecksum returns the checksum offload sub-fields for a packet whose
// checksum covers bytes from start and is stored at stuff.
func TxChecksum(start, stuff int) Flags {
	return TxCsumEnable |
		(Flags(start)<<txCsumBufBeginShift)&TxCsumBufBegin |
		(Flags(stuff)<<txCsumLocationShift)&TxCsumLocation
}

// RxFlags builds the flags of a receive descriptor handed to the device
// with a buffer of the given usable size.
func RxFlags(bufSize int) Flags {
	return FlagOwn | (Flags(bufSize)<<rxSizeShift)&RxSize
}

// RxCompletion builds the flags a device writes back when it returns a
// receive descriptor.
func RxCompletion(length int, csum uint16, overflow bool) Flags {
	f := (Flags(length)<<rxSizeShift)&RxSize | Flags(csum)
	if overflow {
		f |= RxOverflow
	}
	return f
}

func (f Flags) String() string {
	var parts []string
	if f.Owned() {
		parts = append(parts, "OWN")
	}
	if f&0x40000000 != 0 {
		parts = append(parts, "SOP|OVF")
	}
	if f.EOP() {
		parts = append(parts, "EOP")
	}
	if f.CsumEnabled() {
		parts = append(parts, "CSUM")
	}
	parts = append(parts, fmt.Sprintf("low=%#x", uint32(f&^0xf0000000)))
	return strings.Join(parts, "|")
}

// Descriptor is one hardware descriptor.
type Descriptor struct {
	Flags Flags
	Addr  dma.Addr
}

// Encode writes the descriptor in the hardware layout. SBUS parts use
// big-endian descriptors, PCI parts little-endian.
func (d Descriptor) Encode(b []byte, order binary.ByteOrder) {
	_ = b[DescriptorSize-1]
	order.PutUint32(b[0:4], uint32(d.Flags))
	order.PutUint32(b[4:8], uint32(d.Addr))
}

// DecodeDescriptor reads a descriptor from the hardware layout.
func DecodeDescriptor(b []byte, order binary.ByteOrder) Descriptor {
	_ = b[DescriptorSize-1]
	return Descriptor{
		Flags: Flags(order.Uint32(b[0:4])),
		Addr:  dma.Addr(order.Uint32(b[4:8])),
	}
}
