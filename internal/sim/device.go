// Package sim is a behavioural model of a Happy Meal controller and its
// transceivers. It exposes the same register blocks a real mapping
// would, runs descriptor DMA against a dma.IOMMU, and raises an
// interrupt line.
package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/tinyrange/hme/internal/dma"
	"github.com/tinyrange/hme/internal/hw"
	"github.com/tinyrange/hme/internal/irq"
)

var (
	// ErrRxDisabled is returned by Receive while receive DMA or the MAC
	// receiver is off.
	ErrRxDisabled = errors.New("sim: receiver disabled")
	// ErrNoDescriptor is returned by Receive when the device owns no
	// receive descriptor.
	ErrNoDescriptor = errors.New("sim: no receive descriptor")
	// ErrFiltered is returned by Receive for frames the address filter
	// rejects.
	ErrFiltered = errors.New("sim: frame filtered")
)

// Memory is the device's view of bus addresses.
type Memory interface {
	Resolve(addr dma.Addr, n int) ([]byte, error)
}

// Config describes one simulated controller.
type Config struct {
	// Order is the descriptor byte order: big-endian for SBUS parts,
	// little-endian for PCI parts.
	Order binary.ByteOrder
	// Internal and External say which transceivers are fitted.
	Internal bool
	External bool
	// Lucent makes the transceivers report a Lucent identity.
	Lucent  bool
	Partner Partner
	// FrameLatency is how many reads a MIF frame takes to complete.
	FrameLatency int
	// ERXParityBug drops ERX ring base writes with odd parity, as some
	// early revisions do.
	ERXParityBug bool

	Line *irq.Line
	Log  *slog.Logger

	// OnTransmit receives every frame the device puts on the wire. It is
	// called without the device lock held.
	OnTransmit func(frame []byte)
}

// Stats counts device-side traffic.
type Stats struct {
	TxFrames       uint64
	TxBytes        uint64
	RxFrames       uint64
	RxBytes        uint64
	RxNoDescriptor uint64
	RxFiltered     uint64
	RxDisabled     uint64
	EOPErrors      uint64
}

// Device is a simulated controller.
type Device struct {
	cfg  Config
	mem  Memory
	log  *slog.Logger
	kick chan struct{}

	mu sync.Mutex

	status uint32
	imask  uint32
	gcfg   uint32

	etxCfg   uint32
	etxRing  uint32
	etxRSize uint32
	txIndex  int

	erxCfg  uint32
	erxRing uint32
	rxIndex int

	bmac        map[uint32]uint32
	txcfgWrites []uint32

	tcvrCfg   uint32
	tcvrIMask uint32
	frame     uint32
	frameWait int
	bb        bitBang

	internal *PHY
	external *PHY

	stats Stats
}

// New builds a device over mem.
func New(mem Memory, cfg Config) *Device {
	if cfg.Order == nil {
		cfg.Order = binary.BigEndian
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	d := &Device{
		cfg:  cfg,
		mem:  mem,
		log:  cfg.Log,
		kick: make(chan struct{}, 1),
		bmac: make(map[uint32]uint32),
	}
	if cfg.Internal {
		d.internal = NewPHY(hw.TcvPAddrInternal, cfg.Lucent, cfg.Partner)
	}
	if cfg.External {
		d.external = NewPHY(hw.TcvPAddrExternal, cfg.Lucent, cfg.Partner)
	}
	return d
}

type blockID uint8

const (
	blockGlobal blockID = iota
	blockETX
	blockERX
	blockBigMAC
	blockTcvr
)

type regBlock struct {
	d  *Device
	id blockID
}

func (b regBlock) Read32(off uint32) uint32 {
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	switch b.id {
	case blockGlobal:
		return b.d.readGlobal(off)
	case blockETX:
		return b.d.readETX(off)
	case blockERX:
		return b.d.readERX(off)
	case blockBigMAC:
		return b.d.readBigMAC(off)
	default:
		return b.d.readTcvr(off)
	}
}

func (b regBlock) Write32(off, val uint32) {
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	switch b.id {
	case blockGlobal:
		b.d.writeGlobal(off, val)
	case blockETX:
		b.d.writeETX(off, val)
	case blockERX:
		b.d.writeERX(off, val)
	case blockBigMAC:
		b.d.writeBigMAC(off, val)
	default:
		b.d.writeTcvr(off, val)
	}
}

// Context returns a hardware context mapping the device's register
// blocks. Delay is left nil: the model never needs real time to pass.
func (d *Device) Context() *hw.Context {
	return &hw.Context{
		Global: regBlock{d, blockGlobal},
		ETX:    regBlock{d, blockETX},
		ERX:    regBlock{d, blockERX},
		BigMAC: regBlock{d, blockBigMAC},
		Tcvr:   regBlock{d, blockTcvr},
	}
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// PHY returns the fitted transceiver of the given kind, or nil.
func (d *Device) PHY(external bool) *PHY {
	if external {
		return d.external
	}
	return d.internal
}

// SetPHY fits p as the internal or external transceiver. A nil p removes
// it, as if the transceiver had failed.
func (d *Device) SetPHY(external bool, p *PHY) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if external {
		d.external = p
	} else {
		d.internal = p
	}
}

// SetPartner changes the link partner seen by every fitted transceiver.
func (d *Device) SetPartner(p Partner) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, phy := range []*PHY{d.internal, d.external} {
		if phy != nil {
			phy.SetPartner(p)
		}
	}
}

// RaiseStatus sets status bits as if the hardware had signalled them.
func (d *Device) RaiseStatus(bits uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status |= bits
	d.updateLineLocked()
}

// PendingStatus returns the status bits without clearing them.
func (d *Device) PendingStatus() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// SetCounter loads a BigMAC error counter register.
func (d *Device) SetCounter(off uint32, val uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bmac[off] = val
}

// TXCfgWrites returns every value written to the BigMAC transmit
// configuration register, oldest first.
func (d *Device) TXCfgWrites() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.txcfgWrites...)
}

// BigMAC returns the current value of a BigMAC register.
func (d *Device) BigMAC(off uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bmac[off]
}

// Run drains the transmit ring whenever the doorbell rings, until ctx is
// done.
func (d *Device) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.kick:
			d.ProcessTx()
		}
	}
}

func (d *Device) updateLineLocked() {
	if d.cfg.Line != nil {
		d.cfg.Line.SetLevel(d.status&^d.imask != 0)
	}
}

func (d *Device) readGlobal(off uint32) uint32 {
	switch off {
	case hw.GregSWReset:
		return 0
	case hw.GregCfg:
		return d.gcfg
	case hw.GregStat:
		v := d.status
		d.status = 0
		d.updateLineLocked()
		return v
	case hw.GregIMask:
		return d.imask
	}
	return 0
}

func (d *Device) writeGlobal(off, val uint32) {
	switch off {
	case hw.GregSWReset:
		if val&hw.GregResetTX != 0 {
			d.etxCfg = 0
			d.txIndex = 0
		}
		if val&hw.GregResetRX != 0 {
			d.erxCfg = 0
			d.rxIndex = 0
		}
		d.status = 0
		d.updateLineLocked()
	case hw.GregCfg:
		d.gcfg = val
	case hw.GregIMask:
		d.imask = val
		d.updateLineLocked()
	}
}

func (d *Device) readETX(off uint32) uint32 {
	switch off {
	case hw.ETXCfg:
		return d.etxCfg
	case hw.ETXRing:
		return d.etxRing
	case hw.ETXRSize:
		return d.etxRSize
	}
	return 0
}

func (d *Device) writeETX(off, val uint32) {
	switch off {
	case hw.ETXPending:
		if val&hw.ETXDMAWakeup != 0 {
			select {
			case d.kick <- struct{}{}:
			default:
			}
		}
	case hw.ETXCfg:
		d.etxCfg = val
	case hw.ETXRing:
		d.etxRing = val
	case hw.ETXRSize:
		d.etxRSize = val & hw.ETXRSizeMaxValue
	}
}

func (d *Device) readERX(off uint32) uint32 {
	switch off {
	case hw.ERXCfg:
		return d.erxCfg
	case hw.ERXRing:
		return d.erxRing
	}
	return 0
}

func (d *Device) writeERX(off, val uint32) {
	switch off {
	case hw.ERXCfg:
		d.erxCfg = val
	case hw.ERXRing:
		if d.cfg.ERXParityBug && bits.OnesCount32(val)%2 == 1 {
			d.log.Debug("erx ring write lost to parity", "val", fmt.Sprintf("%#08x", val))
			return
		}
		d.erxRing = val
	}
}

func (d *Device) readBigMAC(off uint32) uint32 {
	switch off {
	case hw.BMACTXSWReset, hw.BMACRXSWReset:
		return 0
	}
	return d.bmac[off]
}

func (d *Device) writeBigMAC(off, val uint32) {
	switch off {
	case hw.BMACTXSWReset:
		d.bmac[hw.BMACTXCfg] = 0
		return
	case hw.BMACRXSWReset:
		d.bmac[hw.BMACRXCfg] = 0
		return
	case hw.BMACTXCfg:
		d.txcfgWrites = append(d.txcfgWrites, val)
	}
	d.bmac[off] = val
}

func (d *Device) txEnabled() bool {
	return d.etxCfg&hw.ETXCfgDMAEnable != 0 && d.bmac[hw.BMACTXCfg]&hw.TXCfgEnable != 0
}

func (d *Device) rxEnabled() bool {
	return d.erxCfg&hw.ERXCfgDMAEnable != 0 && d.bmac[hw.BMACRXCfg]&hw.RXCfgEnable != 0
}

func (d *Device) maxFrame(off uint32) int {
	if v := d.bmac[off]; v != 0 {
		return int(v)
	}
	return hw.MaxFrame
}
