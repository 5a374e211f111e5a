// Package mii talks to the controller's transceivers over the MIF
// management interface, either through the frame register or by
// bit-banging the MDIO lines.
package mii

import "fmt"

// Reg is a Clause 22 register address.
type Reg uint8

const (
	RegBMCR      Reg = 0x00 // Basic mode control
	RegBMSR      Reg = 0x01 // Basic mode status
	RegPHYSID1   Reg = 0x02 // PHY identifier, high
	RegPHYSID2   Reg = 0x03 // PHY identifier, low
	RegAdvertise Reg = 0x04 // Auto-negotiation advertisement
	RegLPA       Reg = 0x05 // Link partner ability
	RegCSConfig  Reg = 0x17 // DP83840 configuration and status
)

func (r Reg) String() string {
	switch r {
	case RegBMCR:
		return "BMCR"
	case RegBMSR:
		return "BMSR"
	case RegPHYSID1:
		return "PHYSID1"
	case RegPHYSID2:
		return "PHYSID2"
	case RegAdvertise:
		return "ADVERTISE"
	case RegLPA:
		return "LPA"
	case RegCSConfig:
		return "CSCONFIG"
	default:
		return fmt.Sprintf("reg%#02x", uint8(r))
	}
}

// BMCR is the basic mode control register.
type BMCR uint16

const (
	BMCRFullDuplex BMCR = 0x0100 // Full duplex
	BMCRANRestart  BMCR = 0x0200 // Restart auto-negotiation, self clearing
	BMCRIsolate    BMCR = 0x0400 // Isolate from the MII
	BMCRPowerDown  BMCR = 0x0800 // Power down
	BMCRANEnable   BMCR = 0x1000 // Enable auto-negotiation
	BMCRSpeed100   BMCR = 0x2000 // Select 100Mb/s
	BMCRLoopback   BMCR = 0x4000 // TXD loopback
	BMCRReset      BMCR = 0x8000 // Software reset, self clearing
)

// Speed is the forced speed selected by the register.
func (b BMCR) Speed() int {
	if b&BMCRSpeed100 != 0 {
		return 100
	}
	return 10
}

// FullDuplex reports the forced duplex.
func (b BMCR) FullDuplex() bool { return b&BMCRFullDuplex != 0 }

// ForcedBMCR returns the control word that forces speed and duplex with
// auto-negotiation off.
func ForcedBMCR(speed int, full bool) BMCR {
	var b BMCR
	if speed == 100 {
		b |= BMCRSpeed100
	}
	if full {
		b |= BMCRFullDuplex
	}
	return b
}

// BMSR is the basic mode status register.
type BMSR uint16

const (
	BMSRLinkStatus BMSR = 0x0004 // Link is up
	BMSRANCap      BMSR = 0x0008 // Able to auto-negotiate
	BMSRANComplete BMSR = 0x0020 // Auto-negotiation complete
	BMSR10Half     BMSR = 0x0800 // 10Mb/s half duplex capable
	BMSR10Full     BMSR = 0x1000 // 10Mb/s full duplex capable
	BMSR100Half    BMSR = 0x2000 // 100Mb/s half duplex capable
	BMSR100Full    BMSR = 0x4000 // 100Mb/s full duplex capable
)

// ANAR is the advertisement register. The link partner ability register
// shares its layout.
type ANAR uint16

const (
	ANARSelector8023 ANAR = 0x0001
	ANAR10Half       ANAR = 0x0020
	ANAR10Full       ANAR = 0x0040
	ANAR100Half      ANAR = 0x0080
	ANAR100Full      ANAR = 0x0100

	ANARSpeedMask = ANAR10Half | ANAR10Full | ANAR100Half | ANAR100Full
)

// Advertise returns a with exactly the speed bits the status register
// says the PHY is capable of.
func (a ANAR) Advertise(caps BMSR) ANAR {
	a &^= ANARSpeedMask
	if caps&BMSR10Half != 0 {
		a |= ANAR10Half
	}
	if caps&BMSR10Full != 0 {
		a |= ANAR10Full
	}
	if caps&BMSR100Half != 0 {
		a |= ANAR100Half
	}
	if caps&BMSR100Full != 0 {
		a |= ANAR100Full
	}
	return a
}

// Resolve picks the highest priority common mode from a link partner
// ability word: 100 full, 100 half, 10 full, 10 half. ok is false when
// the partner advertised no speed at all.
func (a ANAR) Resolve() (speed int, full bool, ok bool) {
	switch {
	case a&ANAR100Full != 0:
		return 100, true, true
	case a&ANAR100Half != 0:
		return 100, false, true
	case a&ANAR10Full != 0:
		return 10, true, true
	case a&ANAR10Half != 0:
		return 10, false, true
	default:
		return 0, false, false
	}
}

// ANARFor is the ability bit for one speed and duplex.
func ANARFor(speed int, full bool) ANAR {
	switch {
	case speed == 100 && full:
		return ANAR100Full
	case speed == 100:
		return ANAR100Half
	case full:
		return ANAR10Full
	default:
		return ANAR10Half
	}
}

func (a ANAR) String() string {
	s := ""
	for _, m := range []struct {
		bit  ANAR
		name string
	}{
		{ANAR10Half, "10H "},
		{ANAR10Full, "10F "},
		{ANAR100Half, "100H "},
		{ANAR100Full, "100F "},
	} {
		if a&m.bit != 0 {
			s += m.name
		}
	}
	return "[ " + s + "]"
}

// CSConfig is the DP83840 configuration register.
type CSConfig uint16

const (
	CSConfigTCVDisable CSConfig = 0x0400 // Transceiver disable
	CSConfigDFBypass   CSConfig = 0x8000 // Bypass the 4B5B decoder
)

// Lucent PHY identity. These parts lack the DP83840 configuration
// register, so its toggles are skipped.
const (
	lucentPHYSID1 = 0x0180
	lucentPHYSID2 = 0x1d // PHYSID2 >> 10
)

// IsLucent reports whether the identifier words name a Lucent PHY.
func IsLucent(id1, id2 uint16) bool {
	return id1 == lucentPHYSID1 && id2>>10 == lucentPHYSID2
}
