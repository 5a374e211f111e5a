package hme

import (
	"fmt"
	"time"

	"github.com/tinyrange/hme/internal/dma"
	"github.com/tinyrange/hme/internal/hw"
	"github.com/tinyrange/hme/internal/mii"
	"github.com/tinyrange/hme/internal/ring"
)

const (
	stopTries     = 16
	macResetTries = 32
	txDrainTries  = 32
	resetDelay    = 20 * time.Microsecond
)

// stopLocked resets both DMA engines.
func (a *Adapter) stopLocked() {
	g := a.hw.Global
	g.Write32(hw.GregSWReset, hw.GregResetAll)
	if !a.hw.Poll(stopTries, resetDelay, func() bool {
		return g.Read32(hw.GregSWReset) == 0
	}) {
		a.log.Error("global reset did not complete")
	}
}

func (a *Adapter) macReset(off uint32, what string) {
	b := a.hw.BigMAC
	b.Write32(off, 0)
	if !a.hw.Poll(macResetTries, resetDelay, func() bool {
		return b.Read32(off)&1 == 0
	}) {
		a.log.Error("BigMAC reset did not complete", "unit", what)
	}
}

// harvestCountersLocked folds the BigMAC error counters into the stats
// and zeroes them.
func (a *Adapter) harvestCountersLocked() {
	b := a.hw.BigMAC
	take := func(off uint32) uint64 {
		v := b.Read32(off)
		b.Write32(off, 0)
		return uint64(v)
	}
	a.stats.RxCRCErrors += take(hw.BMACRCRCECtr)
	a.stats.RxFrameErrors += take(hw.BMACUnaleCtr)
	a.stats.RxLengthErrors += take(hw.BMACGLECtr)

	excess := uint64(b.Read32(hw.BMACExCtr))
	late := uint64(b.Read32(hw.BMACLTCtr))
	a.stats.TxAbortedErrors += excess
	a.stats.Collisions += excess + late
	b.Write32(hw.BMACExCtr, 0)
	b.Write32(hw.BMACLTCtr, 0)
}

// cleanRingsLocked takes every buffer back from both rings and leaves
// every descriptor unowned.
func (a *Adapter) cleanRingsLocked() {
	a.rx.Reset(func(_ int, s rxSlot) {
		a.mapper.Unmap(s.addr, rxBufAlloc, dma.FromDevice)
		a.rxPool.Free(s.buf)
	})
	a.tx.Reset(func(_ int, s txSlot) {
		a.mapper.Unmap(s.addr, s.len, dma.ToDevice)
		if s.eop && s.done != nil {
			a.doneq = append(a.doneq, s.done)
		}
	})
	a.rxCur = 0
}

// newRxBuffer takes a buffer from the pool and maps it for the device.
func (a *Adapter) newRxBuffer() (rxSlot, bool) {
	buf := a.rxPool.Alloc(rxBufAlloc)
	if buf == nil {
		return rxSlot{}, false
	}
	addr, err := a.mapper.Map(buf, dma.FromDevice)
	if err != nil {
		a.rxPool.Free(buf)
		return rxSlot{}, false
	}
	return rxSlot{buf: buf, addr: addr}, true
}

// initRingsLocked empties both rings and backs every receive slot with a
// fresh device-owned buffer.
func (a *Adapter) initRingsLocked() error {
	a.cleanRingsLocked()
	for i := 0; i < a.rx.Cap(); i++ {
		s, ok := a.newRxBuffer()
		if !ok {
			a.cleanRingsLocked()
			return fmt.Errorf("%w: receive buffer %d of %d", ring.ErrResourceExhausted, i, a.rx.Cap())
		}
		a.rx.Attach(i, s)
		a.rx.Publish(i, ring.Descriptor{Flags: ring.RxFlags(rxDescSize), Addr: s.addr})
	}
	return nil
}

func (a *Adapter) burstConfig() uint32 {
	switch a.cfg.BurstSize {
	case 16:
		return hw.GregCfgBurst16
	case 32:
		return hw.GregCfgBurst32
	default:
		return hw.GregCfgBurst64
	}
}

func (a *Adapter) erxConfig() uint32 {
	code, _ := hw.ERXRingSizeCode(a.rx.Cap())
	return hw.ERXCfgDefault(RxOffset, code)
}

// initLocked brings the device from any state to running with
// negotiation started. It is used by Open and by every recovery path.
func (a *Adapter) initLocked() error {
	a.cancelTimerLocked()
	a.ready = false

	g, etx, erx, b := a.hw.Global, a.hw.ETX, a.hw.ERX, a.hw.BigMAC

	if !a.harvested {
		a.harvested = true
		a.harvestCountersLocked()
	}

	a.stopLocked()
	if err := a.initRingsLocked(); err != nil {
		a.log.Error("cannot fill receive ring", "err", err)
		return err
	}

	a.bus.ProgramMode()
	tcvr, err := a.bus.Check()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLinkTypeUnknown, err)
	}
	switch tcvr {
	case mii.Internal:
		b.Write32(hw.BMACXIFCfg, 0)
	case mii.External:
		b.Write32(hw.BMACXIFCfg, hw.XCfgMIIDisab)
	}
	if err := a.bus.Reset(); err != nil {
		return fmt.Errorf("%w: %w", ErrLinkTypeUnknown, err)
	}

	a.macReset(hw.BMACTXSWReset, "tx")
	a.macReset(hw.BMACRXSWReset, "rx")

	b.Write32(hw.BMACJSize, hw.DefaultJamSize)
	b.Write32(hw.BMACIGap1, hw.DefaultIPG1)
	b.Write32(hw.BMACIGap2, hw.DefaultIPG2)

	e := a.cfg.MAC
	b.Write32(hw.BMACRSeed, (uint32(e[5])|uint32(e[4])<<8)&0x3ff)
	b.Write32(hw.BMACMACAddr2, uint32(e[4])<<8|uint32(e[5]))
	b.Write32(hw.BMACMACAddr1, uint32(e[2])<<8|uint32(e[3]))
	b.Write32(hw.BMACMACAddr0, uint32(e[0])<<8|uint32(e[1]))
	a.writeHashTableLocked()

	rxBase := uint32(a.rx.Base())
	erx.Write32(hw.ERXRing, rxBase)
	etx.Write32(hw.ETXRing, uint32(a.tx.Base()))
	if erx.Read32(hw.ERXRing) != rxBase {
		// Some ERX revisions drop writes with odd parity. Bit 2 is
		// ignored by the device and evens it out.
		a.log.Debug("rx ring base write lost, retrying with parity bit", "base", fmt.Sprintf("%#08x", rxBase))
		erx.Write32(hw.ERXRing, rxBase|0x4)
	}

	g.Write32(hw.GregCfg, a.burstConfig())
	g.Write32(hw.GregIMask, hw.IMaskDefault)

	etx.Write32(hw.ETXRSize, hw.ETXRSizeValue(a.tx.Cap()))
	hw.SetBits(etx, hw.ETXCfg, hw.ETXCfgDMAEnable)

	want := a.erxConfig()
	erx.Write32(hw.ERXCfg, want)
	first := erx.Read32(hw.ERXCfg)
	erx.Write32(hw.ERXCfg, want)
	if got := erx.Read32(hw.ERXCfg); got != want {
		a.log.Error("rx config register did not take", "want", fmt.Sprintf("%#08x", want), "first_read", fmt.Sprintf("%#08x", first), "read", fmt.Sprintf("%#08x", got))
	}

	b.Write32(hw.BMACRXCfg, a.rxConfig())
	a.hw.Sleep(10 * time.Microsecond)

	var txcfg uint32
	if a.fullDuplex {
		txcfg |= hw.TXCfgFullDplx
	}
	b.Write32(hw.BMACTXCfg, txcfg)
	b.Write32(hw.BMACALimit, hw.AttemptLimit)

	xif := uint32(hw.XCfgODEnable)
	if a.cfg.Lance {
		xif |= hw.DefaultIPG0<<5 | hw.XCfgLance
	}
	if tcvr == mii.External {
		xif |= hw.XCfgMIIDisab
	}
	b.Write32(hw.BMACXIFCfg, xif)

	b.Write32(hw.BMACTXMax, hw.MaxFrame)
	b.Write32(hw.BMACRXMax, hw.MaxFrame)
	hw.SetBits(b, hw.BMACTXCfg, hw.TXCfgEnable)
	hw.SetBits(b, hw.BMACRXCfg, hw.RXCfgEnable)

	a.link.Begin()
	a.armTimerLocked()

	a.ready = true
	a.queue.wake()
	a.log.Debug("device initialized", "tcvr", tcvr, "tx_ring", a.tx.Cap(), "rx_ring", a.rx.Cap(), "burst", a.cfg.BurstSize)
	return nil
}

// resetLocked reinitializes the device from a recovery path. Failure
// leaves the adapter not ready until the next tx timeout, fatal
// interrupt or link reconfigure retries.
func (a *Adapter) resetLocked(reason string) error {
	a.log.Warn("resetting", "reason", reason)
	a.stats.Resets++
	if err := a.initLocked(); err != nil {
		a.log.Error("reset failed, device not ready", "err", err)
		a.queue.stop()
		return err
	}
	return nil
}

// bigMAC commits duplex changes for the link machine.
type bigMAC struct{ a *Adapter }

// SetDuplex reprograms the transmit MAC: clear enable, wait for the
// transmitter to drain, change duplex, enable again.
func (m bigMAC) SetDuplex(full bool) error {
	a := m.a
	b := a.hw.BigMAC
	hw.ClearBits(b, hw.BMACTXCfg, hw.TXCfgEnable)
	if !a.hw.Poll(txDrainTries, resetDelay, func() bool {
		return b.Read32(hw.BMACTXCfg)&hw.TXCfgEnable == 0
	}) {
		return fmt.Errorf("transmitter did not stop")
	}
	if full {
		hw.SetBits(b, hw.BMACTXCfg, hw.TXCfgFullDplx)
	} else {
		hw.ClearBits(b, hw.BMACTXCfg, hw.TXCfgFullDplx)
	}
	a.fullDuplex = full
	hw.SetBits(b, hw.BMACTXCfg, hw.TXCfgEnable)
	return nil
}
