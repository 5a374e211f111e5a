package hme

import (
	"context"
	"fmt"

	"github.com/tinyrange/hme/internal/dma"
	"github.com/tinyrange/hme/internal/hw"
	"github.com/tinyrange/hme/internal/ring"
)

// Packet is one frame to transmit, in one or more fragments.
type Packet struct {
	Frags [][]byte

	// CsumPartial asks the device to store the ones-complement sum of
	// the bytes from CsumStart to the end of the frame at
	// CsumStart+CsumOffset.
	CsumPartial bool
	CsumStart   int
	CsumOffset  int

	// Done is called once the device no longer reads the fragments.
	Done func()
}

// Len is the frame length.
func (p *Packet) Len() int {
	n := 0
	for _, f := range p.Frags {
		n += len(f)
	}
	return n
}

func (p *Packet) check(maxFrags int) (ring.Flags, error) {
	k := len(p.Frags)
	if k == 0 || k > maxFrags {
		return 0, fmt.Errorf("%w: %d fragments", ErrBadPacket, k)
	}
	for i, f := range p.Frags {
		if len(f) == 0 || len(f) > ring.MaxTxLen {
			return 0, fmt.Errorf("%w: fragment %d is %d bytes", ErrBadPacket, i, len(f))
		}
	}
	if !p.CsumPartial {
		return 0, nil
	}
	stuff := p.CsumStart + p.CsumOffset
	if p.CsumStart < 0 || p.CsumOffset < 0 || p.CsumStart > ring.MaxTxCsumStart || stuff > ring.MaxTxCsumStuff || stuff+2 > p.Len() {
		return 0, fmt.Errorf("%w: checksum start %d offset %d", ErrBadPacket, p.CsumStart, p.CsumOffset)
	}
	return ring.TxChecksum(p.CsumStart, stuff), nil
}

// txSlot is the host side of one transmit descriptor. The first slot of
// a packet records how many slots the packet spans; the last one carries
// the completion.
type txSlot struct {
	addr   dma.Addr
	len    int
	frags  int
	eop    bool
	pktLen int
	done   func()
}

// txQueue is the stop/wake state of the transmit queue. wakeCh is closed
// whenever the queue is awake or shut.
type txQueue struct {
	stopped bool
	closed  bool
	wakeCh  chan struct{}
}

func (q *txQueue) init() {
	q.stopped = true
	q.closed = true
	q.wakeCh = make(chan struct{})
}

func (q *txQueue) stop() {
	if q.stopped {
		return
	}
	q.stopped = true
	q.wakeCh = make(chan struct{})
}

func (q *txQueue) wake() {
	q.closed = false
	if !q.stopped {
		return
	}
	q.stopped = false
	close(q.wakeCh)
}

func (q *txQueue) close() {
	q.stop()
	q.closed = true
	close(q.wakeCh)
	q.wakeCh = make(chan struct{})
}

// QueueStopped reports whether Transmit would currently be refused for
// lack of room.
func (a *Adapter) QueueStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queue.stopped
}

// WaitTx blocks until the transmit queue is awake.
func (a *Adapter) WaitTx(ctx context.Context) error {
	for {
		a.mu.Lock()
		if a.queue.closed {
			a.mu.Unlock()
			return ErrClosed
		}
		if !a.queue.stopped {
			a.mu.Unlock()
			return nil
		}
		ch := a.queue.wakeCh
		a.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Transmit maps the fragments of p, fills one descriptor per fragment
// and rings the doorbell. Descriptors after the first are handed to the
// device before the first, so the device never starts on a partly
// written packet.
func (a *Adapter) Transmit(p *Packet) error {
	csum, err := p.check(a.cfg.MaxFragments)
	if err != nil {
		return err
	}
	k := len(p.Frags)

	a.mu.Lock()
	if !a.open {
		a.mu.Unlock()
		return ErrClosed
	}
	if !a.ready {
		a.mu.Unlock()
		return ErrNotReady
	}
	if a.tx.Free() < k+1 {
		if !a.queue.stopped {
			a.queue.stop()
			a.log.Error("tx ring full when queue awake", "free", a.tx.Free(), "frags", k)
		}
		a.mu.Unlock()
		return ErrBusy
	}

	addrs := make([]dma.Addr, k)
	for j, f := range p.Frags {
		addr, err := a.mapper.Map(f, dma.ToDevice)
		if err != nil {
			for m := 0; m < j; m++ {
				a.mapper.Unmap(addrs[m], len(p.Frags[m]), dma.ToDevice)
			}
			a.stats.TxDropped++
			a.mu.Unlock()
			return fmt.Errorf("%w: fragment %d: %w", ErrDMAMappingFailed, j, err)
		}
		addrs[j] = addr
	}

	first := a.tx.Head()
	total := p.Len()
	for j := k - 1; j >= 0; j-- {
		i := a.tx.Index(first, j)
		eop := j == k-1
		s := txSlot{addr: addrs[j], len: len(p.Frags[j]), eop: eop}
		if j == 0 {
			s.frags = k
		}
		if eop {
			s.pktLen = total
			s.done = p.Done
		}
		a.tx.Attach(i, s)
		a.tx.Publish(i, ring.Descriptor{
			Flags: ring.TxFlags(len(p.Frags[j]), j == 0, eop) | csum,
			Addr:  addrs[j],
		})
	}
	a.tx.Advance(k)

	if a.tx.Free() <= a.cfg.MaxFragments {
		a.queue.stop()
	}
	a.hw.ETX.Write32(hw.ETXPending, hw.ETXDMAWakeup)
	a.mu.Unlock()

	if a.cfg.Tap != nil {
		frame := make([]byte, 0, total)
		for _, f := range p.Frags {
			frame = append(frame, f...)
		}
		a.capture(frame)
	}
	return nil
}

// reclaimTxLocked retires every packet whose descriptors the device has
// handed back, oldest first, and stops at the first packet still owned
// by the device.
func (a *Adapter) reclaimTxLocked() {
	for a.tx.Occupied() > 0 {
		first := a.tx.Tail()
		head, ok := a.tx.Value(first)
		if !ok || head.frags == 0 {
			a.log.Error("tx ring tail holds no packet", "slot", first)
			return
		}
		if a.tx.Peek(a.tx.Index(first, head.frags-1)).Flags.Owned() {
			break
		}
		busy := false
		for j := 0; j < head.frags-1; j++ {
			if a.tx.Peek(a.tx.Index(first, j)).Flags.Owned() {
				busy = true
				break
			}
		}
		if busy {
			break
		}

		for j := 0; j < head.frags; j++ {
			i := a.tx.Index(first, j)
			if _, err := a.tx.TryReclaim(i); err != nil {
				panic(fmt.Sprintf("hme: tx slot %d owned after check: %v", i, err))
			}
			s, _ := a.tx.Detach(i)
			a.mapper.Unmap(s.addr, s.len, dma.ToDevice)
			if s.eop {
				a.stats.TxPackets++
				a.stats.TxBytes += uint64(s.pktLen)
				if s.done != nil {
					a.doneq = append(a.doneq, s.done)
				}
			}
		}
		a.tx.Retire(head.frags)
	}

	if a.ready && a.queue.stopped && a.tx.Free() > a.cfg.MaxFragments {
		a.queue.wake()
	}
}

// ReclaimTx runs transmit completion outside the interrupt path.
func (a *Adapter) ReclaimTx() {
	a.mu.Lock()
	if a.open {
		a.reclaimTxLocked()
	}
	a.unlock()
}

// TxTimeout is called by the watchdog when the queue has been stopped
// too long. It dumps the transmit state and reinitializes the device.
func (a *Adapter) TxTimeout() {
	a.mu.Lock()
	if !a.open {
		a.mu.Unlock()
		return
	}
	a.stats.TxTimeouts++
	a.log.Error("transmit timed out",
		"etx_cfg", fmt.Sprintf("%#08x", a.hw.ETX.Read32(hw.ETXCfg)),
		"tx_cfg", fmt.Sprintf("%#08x", a.hw.BigMAC.Read32(hw.BMACTXCfg)),
		"occupied", a.tx.Occupied(),
	)
	_ = a.resetLocked("tx timeout")
	a.unlock()
}
