package sim

import (
	"github.com/tinyrange/hme/internal/hw"
	"github.com/tinyrange/hme/internal/mii"
)

const (
	frameOpMask  = 0xf0000000
	frameOpRead  = hw.FrameRead & frameOpMask
	frameOpWrite = hw.FrameWrite & frameOpMask
)

// selected is the PHY the MIF is routed to, or nil.
func (d *Device) selected() *PHY {
	if d.tcvrCfg&hw.TcvCfgPSelect != 0 {
		return d.external
	}
	return d.internal
}

// phyAt returns the routed PHY if it answers at addr.
func (d *Device) phyAt(addr uint32) *PHY {
	p := d.selected()
	if p == nil || p.addr != addr {
		return nil
	}
	return p
}

func (d *Device) readTcvr(off uint32) uint32 {
	switch off {
	case hw.TcvrCfg:
		v := d.tcvrCfg &^ (hw.TcvCfgMDIO0 | hw.TcvCfgMDIO1)
		if d.internal != nil {
			v |= hw.TcvCfgMDIO0
		}
		if d.external != nil {
			v |= hw.TcvCfgMDIO1
		}
		if bit, ok := d.bb.driving(); ok {
			line := uint32(hw.TcvCfgMDIO0)
			if d.tcvrCfg&hw.TcvCfgPSelect != 0 {
				line = hw.TcvCfgMDIO1
			}
			v &^= line
			if bit != 0 {
				v |= line
			}
		}
		return v
	case hw.TcvrFrame:
		if d.frameWait > 0 {
			d.frameWait--
			return d.frame &^ hw.FrameTurnaround
		}
		return d.frame
	case hw.TcvrIMask:
		return d.tcvrIMask
	case hw.TcvrBBOEnab:
		return d.bb.oenab
	}
	return 0
}

func (d *Device) writeTcvr(off, val uint32) {
	switch off {
	case hw.TcvrCfg:
		d.tcvrCfg = val &^ (hw.TcvCfgMDIO0 | hw.TcvCfgMDIO1)
	case hw.TcvrFrame:
		d.runFrame(val)
	case hw.TcvrIMask:
		d.tcvrIMask = val
	case hw.TcvrBBOEnab:
		d.bb.oenab = val & 1
		if d.bb.oenab != 0 {
			d.bb.drive = false
		}
	case hw.TcvrBBData:
		d.bb.data = val & 1
	case hw.TcvrBBClock:
		d.clock(val & 1)
	}
}

func (d *Device) runFrame(val uint32) {
	if d.tcvrCfg&hw.TcvCfgBEnable != 0 {
		// Frame register is dead in bit-bang mode.
		d.frame = val &^ hw.FrameTurnaround
		d.frameWait = 1 << 30
		return
	}
	addr := (val >> hw.FramePhyShift) & 0x1f
	reg := mii.Reg((val >> hw.FrameRegShift) & 0x1f)
	p := d.phyAt(addr)
	d.frameWait = d.cfg.FrameLatency
	switch {
	case p == nil:
		// Nobody drives turnaround; the frame never completes.
		d.frame = val&^hw.FrameTurnaround | hw.FrameDataMask
		d.frameWait = 1 << 30
	case val&frameOpMask == frameOpRead:
		d.frame = val&^hw.FrameDataMask | hw.FrameTurnaround | uint32(p.read(reg))
	case val&frameOpMask == frameOpWrite:
		p.write(reg, uint16(val&hw.FrameDataMask))
		d.frame = val | hw.FrameTurnaround
	default:
		d.frame = val
	}
}

// bitBang decodes management frames clocked in by hand: 32 ones of
// preamble, start 01, a two bit opcode, five bits of PHY address and
// five of register; writes continue with turnaround 10 and sixteen data
// bits, reads hand the bus to the PHY for a turnaround zero and sixteen
// data bits.
type bitBang struct {
	oenab uint32
	data  uint32
	clk   uint32

	ones    int
	inFrame bool
	bits    []uint32

	out    []uint32
	outPos int
	cur    uint32
	drive  bool
}

func (b *bitBang) driving() (uint32, bool) {
	return b.cur, b.drive
}

func (d *Device) clock(v uint32) {
	b := &d.bb
	prev := b.clk
	b.clk = v
	switch {
	case prev == 0 && v == 1 && b.oenab != 0:
		d.sampleBit(b.data)
	case prev == 1 && v == 0 && b.oenab == 0:
		if b.outPos < len(b.out) {
			b.cur = b.out[b.outPos]
			b.outPos++
			b.drive = true
		} else {
			// Idle bus floats high.
			b.cur = 1
			b.drive = true
		}
	}
	if b.oenab != 0 {
		b.drive = false
	}
}

func (d *Device) sampleBit(bit uint32) {
	b := &d.bb
	if !b.inFrame {
		switch {
		case bit == 1:
			b.ones++
		case b.ones >= 32:
			b.inFrame = true
			b.bits = append(b.bits[:0], 0)
			b.out = nil
			b.outPos = 0
		default:
			b.ones = 0
		}
		return
	}
	b.bits = append(b.bits, bit)
	if len(b.bits) < 14 {
		return
	}
	start := b.bits[0]<<1 | b.bits[1]
	op := b.bits[2]<<1 | b.bits[3]
	addr := field(b.bits[4:9])
	reg := mii.Reg(field(b.bits[9:14]))
	if start != 1 {
		b.reset()
		return
	}
	switch op {
	case 2: // read
		v := uint16(0xffff)
		if p := d.phyAt(addr); p != nil {
			v = p.read(reg)
		}
		b.out = make([]uint32, 0, 17)
		b.out = append(b.out, 0)
		for i := 15; i >= 0; i-- {
			b.out = append(b.out, uint32(v>>i)&1)
		}
		b.outPos = 0
		b.reset()
	case 1: // write
		if len(b.bits) < 32 {
			return
		}
		if p := d.phyAt(addr); p != nil {
			p.write(reg, uint16(field(b.bits[16:32])))
		}
		b.reset()
	default:
		b.reset()
	}
}

func (b *bitBang) reset() {
	b.inFrame = false
	b.ones = 0
	b.bits = b.bits[:0]
}

func field(bits []uint32) uint32 {
	var v uint32
	for _, b := range bits {
		v = v<<1 | b
	}
	return v
}
