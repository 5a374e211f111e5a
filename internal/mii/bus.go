package mii

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/hme/internal/hw"
)

var (
	// ErrTransceiverFailure is returned for reads that produced the
	// impossible MIF value, including reads with no transceiver selected.
	ErrTransceiverFailure = errors.New("mii: transceiver failure")
	// ErrNoTransceiver is returned when neither PHY answers.
	ErrNoTransceiver = errors.New("mii: no transceiver")
	// ErrResetTimeout is returned when a PHY does not leave reset or
	// isolation within its poll budget.
	ErrResetTimeout = errors.New("mii: transceiver reset timed out")
	// ErrFrameTimeout is returned when a MIF frame never completes.
	ErrFrameTimeout = errors.New("mii: MIF frame timed out")
)

const (
	frameTries = 16
	frameDelay = 20 * time.Microsecond
)

// Mode selects how the MIF reaches the PHY.
type Mode uint8

const (
	// ModeFrame issues whole management frames through the frame register.
	ModeFrame Mode = iota
	// ModeBitBang clocks each MDIO bit by hand.
	ModeBitBang
)

func (m Mode) String() string {
	switch m {
	case ModeFrame:
		return "frame"
	case ModeBitBang:
		return "bitbang"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// ParseMode parses "frame" or "bitbang".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "frame":
		return ModeFrame, nil
	case "bitbang":
		return ModeBitBang, nil
	default:
		return 0, fmt.Errorf("mii: unknown MIF mode %q", s)
	}
}

// Transceiver identifies which PHY the MIF is routed to.
type Transceiver uint8

const (
	None Transceiver = iota
	Internal
	External
)

func (t Transceiver) String() string {
	switch t {
	case None:
		return "none"
	case Internal:
		return "internal"
	case External:
		return "external"
	default:
		return fmt.Sprintf("Transceiver(%d)", uint8(t))
	}
}

// Bus is the management interface of one controller. It is not safe for
// concurrent use; the adapter lock serializes it with everything else.
type Bus struct {
	hw   *hw.Context
	mode Mode
	tcvr Transceiver
	addr uint32
	log  *slog.Logger
}

// NewBus returns a bus with no transceiver selected. Call Check before
// the first register access.
func NewBus(ctx *hw.Context, mode Mode, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{hw: ctx, mode: mode, log: log}
}

// Mode is the current access mode.
func (b *Bus) Mode() Mode { return b.mode }

// Transceiver is the selected PHY.
func (b *Bus) Transceiver() Transceiver { return b.tcvr }

// ProgramMode writes the MIF configuration for the bus mode.
func (b *Bus) ProgramMode() {
	if b.mode == ModeBitBang {
		hw.SetBits(b.hw.Tcvr, hw.TcvrCfg, hw.TcvCfgBEnable)
	} else {
		hw.ClearBits(b.hw.Tcvr, hw.TcvrCfg, hw.TcvCfgBEnable)
	}
}

func (b *Bus) selectTcvr(t Transceiver) {
	b.tcvr = t
	switch t {
	case External:
		b.addr = hw.TcvPAddrExternal
	case Internal:
		b.addr = hw.TcvPAddrInternal
	}
}

// Read reads a PHY register.
func (b *Bus) Read(reg Reg) (uint16, error) {
	if b.tcvr == None {
		return 0, fmt.Errorf("%w: read %s with no transceiver", ErrTransceiverFailure, reg)
	}
	if b.mode == ModeBitBang {
		v := b.bitBangRead(reg)
		b.log.Debug("mif read", "reg", reg, "val", fmt.Sprintf("%#04x", v))
		return v, nil
	}
	t := b.hw.Tcvr
	t.Write32(hw.TcvrFrame, hw.FrameRead|b.addr<<hw.FramePhyShift|uint32(reg)<<hw.FrameRegShift)
	var frame uint32
	if !b.hw.Poll(frameTries, frameDelay, func() bool {
		frame = t.Read32(hw.TcvrFrame)
		return frame&hw.FrameTurnaround != 0
	}) {
		b.log.Error("transceiver MIF read timed out", "reg", reg)
		return 0, fmt.Errorf("%w: read %s: %w", ErrTransceiverFailure, reg, ErrFrameTimeout)
	}
	v := uint16(frame & hw.FrameDataMask)
	b.log.Debug("mif read", "reg", reg, "val", fmt.Sprintf("%#04x", v))
	return v, nil
}

// Write writes a PHY register.
func (b *Bus) Write(reg Reg, val uint16) error {
	b.log.Debug("mif write", "reg", reg, "val", fmt.Sprintf("%#04x", val))
	if b.mode == ModeBitBang {
		b.bitBangWrite(reg, val)
		return nil
	}
	t := b.hw.Tcvr
	t.Write32(hw.TcvrFrame, hw.FrameWrite|b.addr<<hw.FramePhyShift|uint32(reg)<<hw.FrameRegShift|uint32(val))
	if !b.hw.Poll(frameTries, frameDelay, func() bool {
		return t.Read32(hw.TcvrFrame)&hw.FrameTurnaround != 0
	}) {
		b.log.Error("transceiver MIF write timed out", "reg", reg)
		return fmt.Errorf("write %s: %w", reg, ErrFrameTimeout)
	}
	return nil
}

// IsLucent reads the identifier registers of the selected PHY.
func (b *Bus) IsLucent() bool {
	id1, err := b.Read(RegPHYSID1)
	if err != nil {
		return false
	}
	id2, err := b.Read(RegPHYSID2)
	if err != nil {
		return false
	}
	return IsLucent(id1, id2)
}

func (b *Bus) putBit(bit uint32) {
	t := b.hw.Tcvr
	t.Write32(hw.TcvrBBData, bit)
	t.Write32(hw.TcvrBBClock, 0)
	t.Write32(hw.TcvrBBClock, 1)
}

func (b *Bus) getBit() uint32 {
	t := b.hw.Tcvr
	t.Write32(hw.TcvrBBClock, 0)
	b.hw.Sleep(time.Microsecond)
	v := t.Read32(hw.TcvrCfg)
	mask := uint32(hw.TcvCfgMDIO1)
	if b.tcvr == Internal {
		mask = hw.TcvCfgMDIO0
	}
	t.Write32(hw.TcvrBBClock, 1)
	if v&mask != 0 {
		return 1
	}
	return 0
}

func (b *Bus) putHeader(op [2]uint32, reg Reg) {
	b.hw.Tcvr.Write32(hw.TcvrBBOEnab, 1)
	for i := 0; i < 32; i++ {
		b.putBit(1)
	}
	b.putBit(0)
	b.putBit(1)
	b.putBit(op[0])
	b.putBit(op[1])
	for i := 4; i >= 0; i-- {
		b.putBit((b.addr >> i) & 1)
	}
	for i := 4; i >= 0; i-- {
		b.putBit((uint32(reg) >> i) & 1)
	}
}

func (b *Bus) bitBangRead(reg Reg) uint16 {
	b.putHeader([2]uint32{1, 0}, reg)
	b.hw.Tcvr.Write32(hw.TcvrBBOEnab, 0)

	b.getBit() // turnaround
	var v uint16
	for i := 15; i >= 0; i-- {
		v |= uint16(b.getBit()) << i
	}
	for i := 0; i < 3; i++ {
		b.getBit()
	}
	return v
}

func (b *Bus) bitBangWrite(reg Reg, val uint16) {
	b.putHeader([2]uint32{0, 1}, reg)
	b.putBit(1)
	b.putBit(0)
	for i := 15; i >= 0; i-- {
		b.putBit(uint32(val>>i) & 1)
	}
	b.hw.Tcvr.Write32(hw.TcvrBBOEnab, 0)
}
