package mii

import (
	"fmt"
	"time"

	"github.com/tinyrange/hme/internal/hw"
)

const (
	resetTries     = 16
	unisolateTries = 32
	resetDelay     = 20 * time.Microsecond
)

// Check routes the MIF to the external PHY if one is present, otherwise
// to the internal PHY. It returns ErrNoTransceiver when neither answers.
func (b *Bus) Check() (Transceiver, error) {
	t := b.hw.Tcvr
	cfg := t.Read32(hw.TcvrCfg)
	reread := t.Read32(hw.TcvrCfg)
	switch {
	case reread&hw.TcvCfgMDIO1 != 0:
		t.Write32(hw.TcvrCfg, cfg|hw.TcvCfgPSelect)
		b.selectTcvr(External)
	case reread&hw.TcvCfgMDIO0 != 0:
		t.Write32(hw.TcvrCfg, cfg&^hw.TcvCfgPSelect)
		b.selectTcvr(Internal)
	default:
		b.selectTcvr(None)
		b.log.Error("no transceiver found", "tcvr_cfg", fmt.Sprintf("%#08x", reread))
		return None, ErrNoTransceiver
	}
	b.log.Debug("transceiver selected", "tcvr", b.tcvr)
	return b.tcvr, nil
}

// isolateOther parks the PHY that is not in use: loopback, powered down
// and isolated from the MII.
func (b *Bus) isolateOther(cfg uint32) error {
	t := b.hw.Tcvr
	const parked = uint16(BMCRLoopback | BMCRPowerDown | BMCRIsolate)
	switch b.tcvr {
	case External:
		t.Write32(hw.TcvrCfg, cfg&^hw.TcvCfgPSelect)
		b.selectTcvr(Internal)
		if err := b.Write(RegBMCR, parked); err != nil {
			return err
		}
		if _, err := b.Read(RegBMCR); err != nil {
			return err
		}
		t.Write32(hw.TcvrCfg, cfg|hw.TcvCfgPSelect)
		b.selectTcvr(External)
	case Internal:
		if cfg&hw.TcvCfgMDIO1 == 0 {
			return nil
		}
		t.Write32(hw.TcvrCfg, cfg|hw.TcvCfgPSelect)
		b.selectTcvr(External)
		if err := b.Write(RegBMCR, parked); err != nil {
			return err
		}
		if _, err := b.Read(RegBMCR); err != nil {
			return err
		}
		t.Write32(hw.TcvrCfg, cfg&^hw.TcvCfgPSelect)
		b.selectTcvr(Internal)
	}
	return nil
}

// Reset isolates the unused PHY, software-resets the selected one, takes
// it out of isolation and, on DP83840 parts, bypasses the 4B5B decoder.
func (b *Bus) Reset() error {
	if b.tcvr == None {
		return ErrNoTransceiver
	}
	cfg := b.hw.Tcvr.Read32(hw.TcvrCfg)
	if err := b.isolateOther(cfg); err != nil {
		return fmt.Errorf("isolate unused transceiver: %w", err)
	}

	if err := b.Write(RegBMCR, uint16(BMCRReset)); err != nil {
		return fmt.Errorf("reset %s transceiver: %w", b.tcvr, err)
	}
	var (
		bmcr    BMCR
		readErr error
	)
	if !b.hw.Poll(resetTries, resetDelay, func() bool {
		v, err := b.Read(RegBMCR)
		if err != nil {
			readErr = err
			return true
		}
		bmcr = BMCR(v)
		return bmcr&BMCRReset == 0
	}) {
		return fmt.Errorf("%w: %s transceiver stuck in reset", ErrResetTimeout, b.tcvr)
	}
	if readErr != nil {
		return readErr
	}

	bmcr &^= BMCRIsolate
	if err := b.Write(RegBMCR, uint16(bmcr)); err != nil {
		return err
	}
	if !b.hw.Poll(unisolateTries, resetDelay, func() bool {
		v, err := b.Read(RegBMCR)
		if err != nil {
			readErr = err
			return true
		}
		return BMCR(v)&BMCRIsolate == 0
	}) {
		return fmt.Errorf("%w: %s transceiver stuck isolated", ErrResetTimeout, b.tcvr)
	}
	if readErr != nil {
		return readErr
	}

	if !b.IsLucent() {
		cs, err := b.Read(RegCSConfig)
		if err != nil {
			return err
		}
		if err := b.Write(RegCSConfig, cs|uint16(CSConfigDFBypass)); err != nil {
			return err
		}
	}
	b.log.Debug("transceiver reset", "tcvr", b.tcvr)
	return nil
}
