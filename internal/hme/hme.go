// Package hme drives a Sun Happy Meal 10/100 Ethernet controller. It owns
// the transmit and receive descriptor rings shared with the device, the
// interrupt handler, transceiver management and the link negotiation
// timer. Every path that touches rings or registers runs under one
// adapter lock.
package hme

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tinyrange/hme/internal/dma"
	"github.com/tinyrange/hme/internal/hw"
	"github.com/tinyrange/hme/internal/irq"
	"github.com/tinyrange/hme/internal/link"
	"github.com/tinyrange/hme/internal/mii"
	"github.com/tinyrange/hme/internal/ring"
)

var (
	// ErrBusy is returned by Transmit while the ring lacks room for the
	// packet. The caller should wait for the queue to wake.
	ErrBusy = errors.New("hme: transmit ring busy")
	// ErrDMAMappingFailed is returned when a fragment could not be
	// mapped. Nothing was handed to the device.
	ErrDMAMappingFailed = errors.New("hme: DMA mapping failed")
	// ErrLinkTypeUnknown is returned by init when no transceiver answers
	// or the transceiver will not reset. Retry later.
	ErrLinkTypeUnknown = errors.New("hme: transceiver type unknown")
	// ErrClosed is returned for operations on an adapter that is not open.
	ErrClosed = errors.New("hme: adapter closed")
	// ErrAlreadyOpen is returned by Open on an open adapter.
	ErrAlreadyOpen = errors.New("hme: adapter already open")
	// ErrNotReady is returned while the last reset failed to bring the
	// device back.
	ErrNotReady = errors.New("hme: device not ready")
	// ErrBadPacket is returned for packets the hardware cannot describe.
	ErrBadPacket = errors.New("hme: bad packet")
	// ErrInvalidConfig is returned by New for impossible configurations.
	ErrInvalidConfig = errors.New("hme: invalid configuration")
)

const (
	DefaultTxRingSize    = 32
	DefaultRxRingSize    = 32
	DefaultMaxFragments  = 8
	DefaultCopyThreshold = 256
	DefaultBurstSize     = 64

	// RxOffset is where the device places a frame inside its buffer, so
	// the IP header after the 14-byte Ethernet header is word aligned.
	RxOffset = 2

	rxBufAlloc = 1546 + RxOffset + 64
	rxDescSize = rxBufAlloc - RxOffset
)

// Stack receives frames from the adapter. Deliver is called without the
// adapter lock held, so it may transmit.
type Stack interface {
	Deliver(pkt *RxPacket)
}

// Tap sees every frame put on or taken off the wire.
type Tap interface {
	WriteFrame(frame []byte) error
}

// Timer is a pending negotiation tick.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it through
// SystemAfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

// SystemAfterFunc schedules with the runtime timer.
func SystemAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Filter is the receive address filter.
type Filter struct {
	Promisc   bool
	AllMulti  bool
	Multicast []net.HardwareAddr
}

// Config describes one adapter.
type Config struct {
	Name string
	MAC  net.HardwareAddr

	// TxRingSize is a power of two between 16 and 4096.
	TxRingSize int
	// RxRingSize is 32, 64, 128 or 256.
	RxRingSize int
	// RxBuffers sizes the receive buffer pool. It must cover the ring
	// plus replacements for frames held by the stack.
	RxBuffers int
	// MaxFragments bounds the fragments of one packet. The queue stops
	// while fewer than MaxFragments+1 slots are free.
	MaxFragments int
	// CopyThreshold is the largest frame copied out of its ring buffer;
	// larger frames are handed up in place.
	CopyThreshold int
	// BurstSize is the DMA burst in bytes: 16, 32 or 64.
	BurstSize int
	// Lance enables the Lance-compatible inter-packet gap.
	Lance bool

	MIFMode mii.Mode
	Link    link.Params
	Filter  Filter
	Tick    time.Duration
	// Order is the descriptor byte order of the bus the part sits on.
	Order binary.ByteOrder

	Log       *slog.Logger
	Stack     Stack
	Tap       Tap
	AfterFunc AfterFunc
	// OnLink is called with the adapter lock held whenever the link
	// goes up or down. It must not call back into the adapter.
	OnLink func(link.Status)
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "hme0"
	}
	if c.TxRingSize == 0 {
		c.TxRingSize = DefaultTxRingSize
	}
	if c.RxRingSize == 0 {
		c.RxRingSize = DefaultRxRingSize
	}
	if c.RxBuffers == 0 {
		c.RxBuffers = 2 * c.RxRingSize
	}
	if c.MaxFragments == 0 {
		c.MaxFragments = DefaultMaxFragments
	}
	if c.CopyThreshold == 0 {
		c.CopyThreshold = DefaultCopyThreshold
	}
	if c.BurstSize == 0 {
		c.BurstSize = DefaultBurstSize
	}
	if c.Link == (link.Params{}) {
		c.Link = link.Autoneg
	}
	if c.Tick == 0 {
		c.Tick = link.DefaultTick
	}
	if c.Order == nil {
		c.Order = binary.BigEndian
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.AfterFunc == nil {
		c.AfterFunc = SystemAfterFunc
	}
}

// Validate reports whether New would accept c once defaults are
// applied.
func (c Config) Validate() error {
	c.setDefaults()
	return c.validate()
}

func (c *Config) validate() error {
	n := c.TxRingSize
	if n < 16 || n > 4096 || n&(n-1) != 0 {
		return fmt.Errorf("%w: tx ring size %d", ErrInvalidConfig, n)
	}
	if _, ok := hw.ERXRingSizeCode(c.RxRingSize); !ok {
		return fmt.Errorf("%w: rx ring size %d", ErrInvalidConfig, c.RxRingSize)
	}
	if c.RxBuffers < c.RxRingSize {
		return fmt.Errorf("%w: %d rx buffers for a %d entry ring", ErrInvalidConfig, c.RxBuffers, c.RxRingSize)
	}
	if c.MaxFragments < 1 || c.MaxFragments+1 >= c.TxRingSize {
		return fmt.Errorf("%w: max fragments %d", ErrInvalidConfig, c.MaxFragments)
	}
	if c.CopyThreshold < 0 || c.CopyThreshold > rxDescSize {
		return fmt.Errorf("%w: copy threshold %d", ErrInvalidConfig, c.CopyThreshold)
	}
	switch c.BurstSize {
	case 16, 32, 64:
	default:
		return fmt.Errorf("%w: burst size %d", ErrInvalidConfig, c.BurstSize)
	}
	if len(c.MAC) != 6 {
		return fmt.Errorf("%w: MAC address %q", ErrInvalidConfig, c.MAC)
	}
	if err := c.Link.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Stats are the adapter counters.
type Stats struct {
	RxPackets      uint64
	RxBytes        uint64
	RxErrors       uint64
	RxDropped      uint64
	RxLengthErrors uint64
	RxOverErrors   uint64
	RxFIFOErrors   uint64
	RxCRCErrors    uint64
	RxFrameErrors  uint64

	TxPackets       uint64
	TxBytes         uint64
	TxDropped       uint64
	TxAbortedErrors uint64
	Collisions      uint64

	Resets     uint64
	TxTimeouts uint64
}

// Adapter is one Happy Meal controller.
type Adapter struct {
	cfg    Config
	log    *slog.Logger
	hw     *hw.Context
	mapper dma.Mapper
	line   *irq.Line

	mu sync.Mutex

	open       bool
	ready      bool
	released   bool
	harvested  bool
	fullDuplex bool
	filter     Filter

	tx         *ring.Ring[txSlot]
	rx         *ring.Ring[rxSlot]
	rxCur      int
	rxPool     *dma.Arena
	rxCopyPool *dma.Arena
	queue      txQueue

	bus      *mii.Bus
	link     *link.Machine
	timer    Timer
	timerGen uint64

	// Work queued under the lock and run by unlock.
	doneq []func()
	rxq   []*RxPacket

	stats Stats
}

// New allocates the descriptor rings and receive buffers for a
// controller. The device is not touched until Open.
func New(ctx *hw.Context, mapper dma.Mapper, line *irq.Line, cfg Config) (*Adapter, error) {
	if err := ctx.Validate(); err != nil {
		return nil, err
	}
	if mapper == nil || line == nil {
		return nil, fmt.Errorf("%w: missing DMA mapper or interrupt line", ErrInvalidConfig)
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	a := &Adapter{
		cfg:    cfg,
		log:    cfg.Log.With("dev", cfg.Name),
		hw:     ctx,
		mapper: mapper,
		line:   line,
		filter: cfg.Filter,
	}
	a.queue.init()

	var err error
	if a.tx, err = ring.Alloc[txSlot](mapper, cfg.TxRingSize, cfg.Order); err != nil {
		return nil, fmt.Errorf("hme %s: tx ring: %w", cfg.Name, err)
	}
	if a.rx, err = ring.Alloc[rxSlot](mapper, cfg.RxRingSize, cfg.Order); err != nil {
		a.tx.Release()
		return nil, fmt.Errorf("hme %s: rx ring: %w", cfg.Name, err)
	}
	if a.rxPool, err = dma.NewArena(cfg.RxBuffers, rxBufAlloc); err != nil {
		a.rx.Release()
		a.tx.Release()
		return nil, fmt.Errorf("hme %s: %w: %w", cfg.Name, ring.ErrResourceExhausted, err)
	}
	if a.rxCopyPool, err = dma.NewArena(cfg.RxRingSize, cfg.CopyThreshold+RxOffset); err != nil {
		a.rxPool.Close()
		a.rx.Release()
		a.tx.Release()
		return nil, fmt.Errorf("hme %s: %w: %w", cfg.Name, ring.ErrResourceExhausted, err)
	}

	a.bus = mii.NewBus(ctx, cfg.MIFMode, a.log)
	a.link = link.New(a.bus, bigMAC{a}, a.log)
	if err := a.link.SetRequest(cfg.Link); err != nil {
		return nil, err
	}
	a.link.Notify = a.linkChanged
	return a, nil
}

// Name is the interface name.
func (a *Adapter) Name() string { return a.cfg.Name }

// MAC is the station address.
func (a *Adapter) MAC() net.HardwareAddr { return a.cfg.MAC }

// Open requests the interrupt line and initializes the device. If init
// fails the line is released again.
func (a *Adapter) Open() error {
	if err := a.line.Request(a.cfg.Name, a, a.Interrupt); err != nil {
		if errors.Is(err, irq.ErrBusy) {
			return fmt.Errorf("%w: %w", ErrAlreadyOpen, err)
		}
		a.log.Error("can't order irq to go", "irq", a.line.Num(), "err", err)
		return err
	}

	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		a.line.Free(a)
		return ErrClosed
	}
	err := a.initLocked()
	if err == nil {
		a.open = true
	} else {
		a.stopLocked()
		a.cleanRingsLocked()
		a.cancelTimerLocked()
		a.link.Stop()
	}
	a.unlock()

	if err != nil {
		a.line.Free(a)
		return err
	}
	return nil
}

// Close stops the device, releases every buffer held by the rings,
// cancels the negotiation timer and releases the interrupt line.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if !a.open {
		a.mu.Unlock()
		return ErrClosed
	}
	a.open = false
	a.ready = false
	a.stopLocked()
	a.cleanRingsLocked()
	a.cancelTimerLocked()
	a.link.Stop()
	a.queue.close()
	a.unlock()

	a.line.Free(a)
	return nil
}

// Release frees the descriptor tables and buffer pools. The adapter must
// be closed and cannot be reopened. Received packets still held by the
// stack lose their data; releasing them afterwards does nothing.
func (a *Adapter) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open {
		return ErrAlreadyOpen
	}
	if a.released {
		return nil
	}
	a.released = true
	a.tx.Release()
	a.rx.Release()
	return errors.Join(a.rxPool.Close(), a.rxCopyPool.Close())
}

// Stats harvests the hardware error counters and returns the totals.
func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open {
		a.harvestCountersLocked()
	}
	return a.stats
}

// unlock drops the adapter lock and then runs the transmit completions
// and receive deliveries queued while it was held.
func (a *Adapter) unlock() {
	done, pkts := a.doneq, a.rxq
	a.doneq, a.rxq = nil, nil
	a.mu.Unlock()
	for _, f := range done {
		f()
	}
	for _, p := range pkts {
		a.deliver(p)
	}
}

// Transceiver reports which PHY the MIF is routed to.
func (a *Adapter) Transceiver() mii.Transceiver {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bus.Transceiver()
}
