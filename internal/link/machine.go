package link

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/hme/internal/mii"
)

// DefaultTick is the period between two state machine ticks.
const DefaultTick = 1200 * time.Millisecond

const (
	arbTicks     = 10 // Ticks allowed for negotiation to complete
	linkUpTicks  = 10 // Ticks between link-up-wait diagnostics
	forcedTicks  = 4  // Ticks a forced mode gets before the next permutation
	restartTries = 64
	restartDelay = 10 * time.Microsecond
)

// State of the negotiation state machine.
type State uint8

const (
	Asleep State = iota
	Idle
	ArbWait
	LinkUpWait
	ForcedTryWait
)

func (s State) String() string {
	switch s {
	case Asleep:
		return "asleep"
	case Idle:
		return "idle"
	case ArbWait:
		return "arbitration-wait"
	case LinkUpWait:
		return "link-up-wait"
	case ForcedTryWait:
		return "forced-try-wait"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// PHY is management access to the selected transceiver.
type PHY interface {
	Read(reg mii.Reg) (uint16, error)
	Write(reg mii.Reg, val uint16) error
	IsLucent() bool
}

// MAC commits a duplex setting to the transmit MAC.
type MAC interface {
	SetDuplex(full bool) error
}

// Status is a snapshot of the machine.
type Status struct {
	State  State
	Ticks  int
	LinkUp bool
	// Autoneg is true while the current mode came from negotiation.
	Autoneg bool
	Speed   int
	Duplex  Duplex
	// Commits counts duplex commits to the MAC.
	Commits uint64
	// Exhaustions counts forced-mode cycles that ran out of permutations.
	Exhaustions uint64
}

// Machine is the link negotiation state machine. It owns no timer: the
// adapter calls Tick under its lock every DefaultTick while Tick asks to
// be rearmed. Machine is not safe for concurrent use.
type Machine struct {
	phy PHY
	mac MAC
	log *slog.Logger

	// Notify, if set, is called with the new status whenever the link
	// comes up or goes down.
	Notify func(Status)

	request Params
	state   State
	ticks   int

	bmcr      mii.BMCR
	bmsr      mii.BMSR
	advertise mii.ANAR
	csconfig  mii.CSConfig
	physid    [2]uint16

	linkUp      bool
	negotiated  bool
	speed       int
	duplex      Duplex
	commits     uint64
	exhaustions uint64
}

// New returns a machine in the asleep state.
func New(phy PHY, mac MAC, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{phy: phy, mac: mac, log: log, request: Autoneg}
}

// State is the current state.
func (m *Machine) State() State { return m.state }

// Request is the configured link request.
func (m *Machine) Request() Params { return m.request }

// Status returns a snapshot.
func (m *Machine) Status() Status {
	return Status{
		State:       m.state,
		Ticks:       m.ticks,
		LinkUp:      m.linkUp,
		Autoneg:     m.negotiated,
		Speed:       m.speed,
		Duplex:      m.duplex,
		Commits:     m.commits,
		Exhaustions: m.exhaustions,
	}
}

// Stop puts the machine to sleep and forgets the link.
func (m *Machine) Stop() {
	m.state = Asleep
	m.ticks = 0
	m.setLinkDown()
}

// Reconfigure validates p and restarts negotiation with it. On error the
// machine is untouched.
func (m *Machine) Reconfigure(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.request = p
	m.Begin()
	return nil
}

// SetRequest stores p for the next Begin without touching the PHY.
func (m *Machine) SetRequest(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.request = p
	return nil
}

// Begin restarts the machine from idle with the configured request. The
// caller must arm the tick timer afterwards.
func (m *Machine) Begin() {
	m.state = Idle
	m.setLinkDown()

	m.bmsr = mii.BMSR(m.read(mii.RegBMSR))
	m.bmcr = mii.BMCR(m.read(mii.RegBMCR))
	m.physid[0] = m.read(mii.RegPHYSID1)
	m.physid[1] = m.read(mii.RegPHYSID2)
	m.advertise = mii.ANAR(m.read(mii.RegAdvertise))

	if !m.request.Autoneg {
		m.enterForced(mii.ForcedBMCR(m.request.Speed, m.request.Duplex == DuplexFull))
		return
	}

	m.advertise = m.advertise.Advertise(m.bmsr)
	m.write(mii.RegAdvertise, uint16(m.advertise))
	m.log.Debug("advertising", "modes", m.advertise.String())

	m.bmcr |= mii.BMCRANEnable
	m.write(mii.RegBMCR, uint16(m.bmcr))
	m.bmcr |= mii.BMCRANRestart
	m.write(mii.RegBMCR, uint16(m.bmcr))

	started := m.pollRestart()
	if !started {
		m.log.Error("transceiver would not start auto negotiation", "bmcr", fmt.Sprintf("%#04x", uint16(m.bmcr)))
		m.log.Warn("performing forced link detection")
		m.enterForced(mii.ForcedBMCR(100, true))
		return
	}
	m.state = ArbWait
	m.ticks = 0
}

func (m *Machine) pollRestart() bool {
	for i := 0; i < restartTries; i++ {
		v, err := m.phy.Read(mii.RegBMCR)
		if err == nil {
			m.bmcr = mii.BMCR(v)
			if m.bmcr&mii.BMCRANRestart == 0 {
				return true
			}
		}
		sleep(restartDelay)
	}
	return false
}

// enterForced programs a forced mode and re-enables the transceiver so
// the next two ticks can toggle it for a clean link reading.
func (m *Machine) enterForced(bmcr mii.BMCR) {
	m.bmcr = bmcr
	m.write(mii.RegBMCR, uint16(m.bmcr))
	if !m.phy.IsLucent() {
		m.csconfig = mii.CSConfig(m.read(mii.RegCSConfig))
		m.csconfig &^= mii.CSConfigTCVDisable
		m.write(mii.RegCSConfig, uint16(m.csconfig))
	}
	m.state = ForcedTryWait
	m.ticks = 0
}

// Tick advances the machine by one timer period. It reports whether the
// timer should be rearmed.
func (m *Machine) Tick() bool {
	m.ticks++
	switch m.state {
	case ArbWait:
		return m.tickArbWait()
	case LinkUpWait:
		return m.tickLinkUpWait()
	case ForcedTryWait:
		return m.tickForced()
	default:
		m.log.Error("link timer fired while asleep", "state", m.state)
		m.state = Asleep
		m.ticks = 0
		return false
	}
}

func (m *Machine) tickArbWait() bool {
	if m.ticks >= arbTicks {
		m.forceAfterNegotiation()
		return true
	}
	m.bmsr = mii.BMSR(m.read(mii.RegBMSR))
	if m.bmsr&mii.BMSRANComplete == 0 {
		return true
	}
	if err := m.commitNegotiated(); err != nil {
		m.log.Warn("negotiated mode rejected", "err", err)
		m.forceAfterNegotiation()
		return true
	}
	m.state = LinkUpWait
	return true
}

func (m *Machine) forceAfterNegotiation() {
	m.bmcr = mii.BMCR(m.read(mii.RegBMCR))
	m.log.Warn("auto-negotiation unsuccessful, trying forced link mode")
	m.enterForced(mii.ForcedBMCR(100, true))
}

func (m *Machine) tickLinkUpWait() bool {
	m.bmsr = mii.BMSR(m.read(mii.RegBMSR))
	if m.bmsr&mii.BMSRLinkStatus != 0 {
		m.state = Asleep
		m.setLinkUp("link is up")
		return false
	}
	if m.ticks >= linkUpTicks {
		m.log.Warn("auto negotiation successful, link still not completely up")
		m.ticks = 0
	}
	return true
}

func (m *Machine) tickForced() bool {
	m.bmsr = mii.BMSR(m.read(mii.RegBMSR))
	m.csconfig = mii.CSConfig(m.read(mii.RegCSConfig))
	switch m.ticks {
	case 1:
		if !m.phy.IsLucent() {
			m.csconfig |= mii.CSConfigTCVDisable
			m.write(mii.RegCSConfig, uint16(m.csconfig))
		}
		return true
	case 2:
		if !m.phy.IsLucent() {
			m.csconfig &^= mii.CSConfigTCVDisable
			m.write(mii.RegCSConfig, uint16(m.csconfig))
		}
		return true
	}

	if m.bmsr&mii.BMSRLinkStatus != 0 {
		if err := m.commitForced(); err != nil {
			m.log.Error("commit forced link mode", "err", err)
		}
		m.state = Asleep
		m.setLinkUp("link has been forced up")
		return false
	}
	if m.ticks < forcedTicks {
		return true
	}

	if !m.nextPermutation() {
		m.exhaustions++
		m.log.Warn("link down, cable problem?", "request", m.request, "exhaustions", m.exhaustions)
		m.Begin()
		return true
	}
	if !m.phy.IsLucent() {
		m.csconfig = mii.CSConfig(m.read(mii.RegCSConfig))
		m.csconfig |= mii.CSConfigTCVDisable
		m.write(mii.RegCSConfig, uint16(m.csconfig))
	}
	m.ticks = 0
	return true
}

// nextPermutation steps the forced mode down one notch: full duplex to
// half at the same speed, then 100 half to 10 full. It reports false
// once 10 half has been tried.
func (m *Machine) nextPermutation() bool {
	m.bmcr = mii.BMCR(m.read(mii.RegBMCR))
	switch {
	case m.bmcr&mii.BMCRFullDuplex != 0:
		m.bmcr &^= mii.BMCRFullDuplex
	case m.bmcr&mii.BMCRSpeed100 != 0:
		m.bmcr &^= mii.BMCRSpeed100
		m.bmcr |= mii.BMCRFullDuplex
	default:
		return false
	}
	m.log.Debug("trying forced link mode", "speed", m.bmcr.Speed(), "full", m.bmcr.FullDuplex())
	m.write(mii.RegBMCR, uint16(m.bmcr))
	return true
}

func (m *Machine) commitNegotiated() error {
	lpa := mii.ANAR(m.read(mii.RegLPA))
	speed, full, ok := lpa.Resolve()
	if !ok {
		return fmt.Errorf("link partner advertised no modes (lpa %#04x)", uint16(lpa))
	}
	if err := m.commit(full); err != nil {
		return err
	}
	m.negotiated = true
	m.speed = speed
	m.duplex = duplexOf(full)
	return nil
}

func (m *Machine) commitForced() error {
	m.bmcr = mii.BMCR(m.read(mii.RegBMCR))
	full := m.bmcr.FullDuplex()
	m.negotiated = false
	m.speed = m.bmcr.Speed()
	m.duplex = duplexOf(full)
	return m.commit(full)
}

func (m *Machine) commit(full bool) error {
	if err := m.mac.SetDuplex(full); err != nil {
		return fmt.Errorf("set MAC duplex: %w", err)
	}
	m.commits++
	return nil
}

func (m *Machine) setLinkUp(msg string) {
	m.linkUp = true
	m.ticks = 0
	m.log.Info(msg, "speed", m.speed, "duplex", m.duplex, "autoneg", m.negotiated)
	if m.Notify != nil {
		m.Notify(m.Status())
	}
}

func (m *Machine) setLinkDown() {
	if !m.linkUp {
		return
	}
	m.linkUp = false
	m.log.Info("link is down")
	if m.Notify != nil {
		m.Notify(m.Status())
	}
}

func (m *Machine) read(reg mii.Reg) uint16 {
	v, err := m.phy.Read(reg)
	if err != nil {
		m.log.Error("transceiver read failed", "reg", reg, "err", err)
		return 0
	}
	return v
}

func (m *Machine) write(reg mii.Reg, val uint16) {
	if err := m.phy.Write(reg, val); err != nil {
		m.log.Error("transceiver write failed", "reg", reg, "err", err)
	}
}

func duplexOf(full bool) Duplex {
	if full {
		return DuplexFull
	}
	return DuplexHalf
}

// sleep is replaced in tests.
var sleep = time.Sleep
