package hme

import (
	"fmt"

	"github.com/tinyrange/hme/internal/link"
)

// armTimerLocked schedules the next negotiation tick. Each arming gets a
// new generation so a tick that fires after it was cancelled does
// nothing.
func (a *Adapter) armTimerLocked() {
	a.cancelTimerLocked()
	gen := a.timerGen
	a.timer = a.cfg.AfterFunc(a.cfg.Tick, func() { a.timerFired(gen) })
}

func (a *Adapter) cancelTimerLocked() {
	a.timerGen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Adapter) timerFired(gen uint64) {
	a.mu.Lock()
	if gen != a.timerGen || !a.open {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	if a.link.Tick() {
		a.armTimerLocked()
	}
	a.unlock()
}

func (a *Adapter) linkChanged(st link.Status) {
	if a.cfg.OnLink != nil {
		a.cfg.OnLink(st)
	}
}

// ReconfigureLink restarts negotiation with p. An invalid p leaves the
// current link untouched. If the last reset failed, p is stored and the
// reset is retried; ErrNotReady is returned if it fails again.
func (a *Adapter) ReconfigureLink(p link.Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	if !a.open {
		err := a.link.SetRequest(p)
		a.mu.Unlock()
		return err
	}
	if !a.ready {
		if err := a.link.SetRequest(p); err != nil {
			a.mu.Unlock()
			return err
		}
		err := a.resetLocked("link reconfigure")
		a.unlock()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNotReady, err)
		}
		return nil
	}
	a.cancelTimerLocked()
	if err := a.link.Reconfigure(p); err != nil {
		a.mu.Unlock()
		return err
	}
	a.armTimerLocked()
	a.unlock()
	return nil
}

// LinkSettings reports the requested link parameters.
func (a *Adapter) LinkSettings() link.Params {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.link.Request()
}

// LinkStatus is a snapshot of the negotiation state.
func (a *Adapter) LinkStatus() link.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.link.Status()
}

// LinkUp reports whether the link is up.
func (a *Adapter) LinkUp() bool {
	return a.LinkStatus().LinkUp
}
