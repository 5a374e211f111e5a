package sim

import (
	"fmt"
	"strings"

	"github.com/tinyrange/hme/internal/mii"
)

// PHY identifiers reported by the model.
const (
	dp83840ID1 = 0x2000
	dp83840ID2 = 0x5c00
	lucentID1  = 0x0180
	lucentID2  = 0x1d << 10
)

// LinkMode is one speed and duplex combination.
type LinkMode struct {
	Speed int
	Full  bool
}

func (m LinkMode) String() string {
	d := "half"
	if m.Full {
		d = "full"
	}
	return fmt.Sprintf("%d%s", m.Speed, d)
}

// ParseLinkMode parses "100full", "10half" and friends.
func ParseLinkMode(s string) (LinkMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, m := range []LinkMode{{100, true}, {100, false}, {10, true}, {10, false}} {
		if s == m.String() {
			return m, nil
		}
	}
	return LinkMode{}, fmt.Errorf("sim: unknown link mode %q", s)
}

// Partner scripts the far end of the cable. Latencies count reads of the
// PHY status register, so a driver polling once per tick sees them as
// ticks.
type Partner struct {
	// Autoneg makes the partner take part in negotiation.
	Autoneg bool
	// Abilities is what the partner advertises.
	Abilities mii.ANAR
	// NegotiationPolls is how many status reads negotiation takes.
	NegotiationPolls int
	// LinkPolls is how many status reads link establishment takes once
	// negotiation completed or a forced mode was programmed.
	LinkPolls int
	// Forced lists the modes the partner links up with when negotiation
	// is off. An empty list accepts none.
	Forced []LinkMode
	// StuckRestart makes the PHY never acknowledge a negotiation restart.
	StuckRestart bool
	// Unplugged means no link ever comes up.
	Unplugged bool
}

// DefaultPartner negotiates 100 full duplex after two polls.
func DefaultPartner() Partner {
	return Partner{
		Autoneg:          true,
		Abilities:        mii.ANARSelector8023 | mii.ANARSpeedMask,
		NegotiationPolls: 2,
		LinkPolls:        1,
		Forced:           []LinkMode{{100, true}, {100, false}, {10, true}, {10, false}},
	}
}

// PHY is a DP83840-class transceiver model.
type PHY struct {
	addr    uint32
	lucent  bool
	partner Partner

	bmcr      mii.BMCR
	advertise mii.ANAR
	csconfig  mii.CSConfig

	negotiating bool
	anComplete  bool
	statusPolls int
	linkPolls   int
	linkUp      bool

	reads, writes int
}

// NewPHY returns a PHY at the given management address.
func NewPHY(addr uint32, lucent bool, partner Partner) *PHY {
	p := &PHY{addr: addr, lucent: lucent, partner: partner}
	p.reset()
	return p
}

func (p *PHY) reset() {
	p.bmcr = mii.BMCRANEnable | mii.BMCRSpeed100
	p.advertise = mii.ANARSelector8023 | mii.ANARSpeedMask
	p.csconfig = 0
	p.negotiating = false
	p.anComplete = false
	p.statusPolls = 0
	p.linkPolls = 0
	p.linkUp = false
}

// SetPartner replaces the link partner, dropping the link.
func (p *PHY) SetPartner(partner Partner) {
	p.partner = partner
	p.anComplete = false
	p.linkUp = false
	p.statusPolls = 0
	p.linkPolls = 0
	p.negotiating = p.bmcr&mii.BMCRANEnable != 0
}

// LinkUp reports whether the model currently has link.
func (p *PHY) LinkUp() bool { return p.linkUp }

// BMCR is the current control register.
func (p *PHY) BMCR() mii.BMCR { return p.bmcr }

// CSConfig is the current DP83840 configuration register.
func (p *PHY) CSConfig() mii.CSConfig { return p.csconfig }

// Accesses counts management reads and writes.
func (p *PHY) Accesses() (reads, writes int) { return p.reads, p.writes }

func (p *PHY) common() bool {
	return p.partner.Abilities&p.advertise&mii.ANARSpeedMask != 0
}

func (p *PHY) forcedAccepted() bool {
	m := LinkMode{Speed: p.bmcr.Speed(), Full: p.bmcr.FullDuplex()}
	for _, f := range p.partner.Forced {
		if f == m {
			return true
		}
	}
	return false
}

// pollStatus advances the link model by one status read.
func (p *PHY) pollStatus() {
	if p.partner.Unplugged || p.bmcr&(mii.BMCRIsolate|mii.BMCRPowerDown) != 0 {
		p.linkUp = false
		return
	}
	if p.bmcr&mii.BMCRANEnable != 0 {
		if !p.negotiating || !p.partner.Autoneg {
			return
		}
		if !p.anComplete {
			p.statusPolls++
			if p.statusPolls >= p.partner.NegotiationPolls {
				p.anComplete = true
			}
			return
		}
		if !p.linkUp && p.common() {
			p.linkPolls++
			if p.linkPolls > p.partner.LinkPolls {
				p.linkUp = true
			}
		}
		return
	}
	if p.csconfig&mii.CSConfigTCVDisable != 0 || !p.forcedAccepted() {
		p.linkUp = false
		p.linkPolls = 0
		return
	}
	if !p.linkUp {
		p.linkPolls++
		if p.linkPolls > p.partner.LinkPolls {
			p.linkUp = true
		}
	}
}

func (p *PHY) read(reg mii.Reg) uint16 {
	p.reads++
	switch reg {
	case mii.RegBMCR:
		return uint16(p.bmcr)
	case mii.RegBMSR:
		p.pollStatus()
		v := mii.BMSRANCap | mii.BMSR10Half | mii.BMSR10Full | mii.BMSR100Half | mii.BMSR100Full
		if p.anComplete {
			v |= mii.BMSRANComplete
		}
		if p.linkUp {
			v |= mii.BMSRLinkStatus
		}
		return uint16(v)
	case mii.RegPHYSID1:
		if p.lucent {
			return lucentID1
		}
		return dp83840ID1
	case mii.RegPHYSID2:
		if p.lucent {
			return lucentID2
		}
		return dp83840ID2
	case mii.RegAdvertise:
		return uint16(p.advertise)
	case mii.RegLPA:
		if p.anComplete {
			return uint16(p.partner.Abilities)
		}
		return 0
	case mii.RegCSConfig:
		if p.lucent {
			return 0
		}
		return uint16(p.csconfig)
	}
	return 0
}

func (p *PHY) write(reg mii.Reg, val uint16) {
	p.writes++
	switch reg {
	case mii.RegBMCR:
		v := mii.BMCR(val)
		if v&mii.BMCRReset != 0 {
			p.reset()
			return
		}
		modeChanged := (p.bmcr^v)&(mii.BMCRANEnable|mii.BMCRSpeed100|mii.BMCRFullDuplex) != 0
		p.bmcr = v
		if v&mii.BMCRANRestart != 0 {
			if !p.partner.StuckRestart {
				p.bmcr &^= mii.BMCRANRestart
			}
			p.negotiating = true
			p.anComplete = false
			p.linkUp = false
			p.statusPolls = 0
			p.linkPolls = 0
		}
		if modeChanged {
			p.linkUp = false
			p.linkPolls = 0
		}
	case mii.RegAdvertise:
		p.advertise = mii.ANAR(val)
	case mii.RegCSConfig:
		if !p.lucent {
			p.csconfig = mii.CSConfig(val)
		}
	}
}
