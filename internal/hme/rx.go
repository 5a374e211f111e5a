package hme

import (
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/tinyrange/hme/internal/dma"
	"github.com/tinyrange/hme/internal/hw"
	"github.com/tinyrange/hme/internal/ring"
)

// rxSlot is the buffer behind one receive descriptor.
type rxSlot struct {
	buf  []byte
	addr dma.Addr
}

// RxPacket is a received frame on its way to the stack. The stack must
// call Release once it is done with Data, and should do so before the
// adapter is released: Data is invalid after Adapter.Release, though a
// late Release is still safe.
type RxPacket struct {
	Data []byte
	// Protocol is the EtherType of the frame.
	Protocol tcpip.NetworkProtocolNumber
	// Checksum is the ones-complement sum the device computed over the
	// frame from the end of the Ethernet header.
	Checksum uint16

	release func()
}

// Release returns the frame buffer to its pool. Calling it twice is a
// no-op.
func (p *RxPacket) Release() {
	if p.release != nil {
		p.release()
		p.release = nil
	}
}

func newRxPacket(buf []byte, length int, csum uint16, pool *dma.Arena) *RxPacket {
	data := buf[RxOffset : RxOffset+length]
	p := &RxPacket{
		Data:     data,
		Checksum: csum,
		release:  func() { pool.Free(buf) },
	}
	if length >= header.EthernetMinimumSize {
		p.Protocol = header.Ethernet(data).Type()
	}
	return p
}

// republishRx hands the buffer already behind slot i back to the device.
func (a *Adapter) republishRx(i int, s rxSlot) {
	a.rx.Publish(i, ring.Descriptor{Flags: ring.RxFlags(rxDescSize), Addr: s.addr})
}

// reclaimRxLocked walks the receive ring from the adapter cursor until it
// finds a slot the device still owns. Every slot it passes is handed
// back to the device before the walk moves on, either with its old
// buffer or with a fresh one.
func (a *Adapter) reclaimRxLocked() {
	drops := 0
	for {
		i := a.rxCur
		d := a.rx.Peek(i)
		if d.Flags.Owned() {
			break
		}
		s, ok := a.rx.Value(i)
		if !ok {
			a.log.Error("rx slot has no buffer", "slot", i)
			break
		}
		a.rxCur = a.rx.Index(i, 1)

		length := d.Flags.RxLen()
		csum := d.Flags.RxChecksum()
		if length < hw.ETHZLen || d.Flags.Overflow() {
			a.stats.RxErrors++
			if length < hw.ETHZLen {
				a.stats.RxLengthErrors++
			}
			if d.Flags.Overflow() {
				a.stats.RxOverErrors++
				a.stats.RxFIFOErrors++
			}
			a.stats.RxDropped++
			a.republishRx(i, s)
			continue
		}

		var pkt *RxPacket
		if length > a.cfg.CopyThreshold {
			ns, ok := a.newRxBuffer()
			if !ok {
				drops++
				a.stats.RxDropped++
				a.republishRx(i, s)
				continue
			}
			a.rx.TryReclaim(i)
			a.rx.Detach(i)
			a.rx.Attach(i, ns)
			a.republishRx(i, ns)
			// The old mapping goes only once the slot points elsewhere.
			a.mapper.Unmap(s.addr, rxBufAlloc, dma.FromDevice)
			pkt = newRxPacket(s.buf, length, csum, a.rxPool)
		} else {
			cb := a.rxCopyPool.Alloc(length + RxOffset)
			if cb == nil {
				drops++
				a.stats.RxDropped++
				a.republishRx(i, s)
				continue
			}
			a.mapper.SyncForCPU(s.addr, length+RxOffset, dma.FromDevice)
			copy(cb[RxOffset:], s.buf[RxOffset:RxOffset+length])
			a.mapper.SyncForDevice(s.addr, length+RxOffset, dma.FromDevice)
			a.republishRx(i, s)
			pkt = newRxPacket(cb, length, csum, a.rxCopyPool)
		}

		a.stats.RxPackets++
		a.stats.RxBytes += uint64(length)
		a.rxq = append(a.rxq, pkt)
	}
	if drops > 0 {
		a.log.Info("Memory squeeze, deferring packet", "dropped", drops)
	}
}

// deliver hands pkt to the tap and the stack. It runs without the lock.
func (a *Adapter) deliver(pkt *RxPacket) {
	a.capture(pkt.Data)
	if a.cfg.Stack == nil {
		pkt.Release()
		return
	}
	a.cfg.Stack.Deliver(pkt)
}

func (a *Adapter) capture(frame []byte) {
	if a.cfg.Tap == nil {
		return
	}
	if err := a.cfg.Tap.WriteFrame(frame); err != nil {
		a.log.Debug("capture failed", "err", err)
	}
}
