// Package hw describes the register-mapped view of a Happy Meal
// controller. Every access goes through a Block so that a real mapping
// and the device simulator are interchangeable.
package hw

import (
	"fmt"
	"time"
)

// Block is one register block of the controller. Reads are treated as
// side-effecting: status registers clear on read and counters may move
// between two reads of the same offset.
type Block interface {
	Read32(off uint32) uint32
	Write32(off uint32, val uint32)
}

// Context is the capability handed to every component that touches
// hardware. It owns no state beyond the block handles.
type Context struct {
	Global Block
	ETX    Block
	ERX    Block
	BigMAC Block
	Tcvr   Block

	// Delay is used between bounded poll attempts. A nil Delay busy-polls.
	Delay func(time.Duration)
}

// Validate reports a missing register block.
func (c *Context) Validate() error {
	if c == nil {
		return fmt.Errorf("hw: nil context")
	}
	for _, b := range []struct {
		name string
		blk  Block
	}{
		{"global", c.Global},
		{"etx", c.ETX},
		{"erx", c.ERX},
		{"bigmac", c.BigMAC},
		{"tcvr", c.Tcvr},
	} {
		if b.blk == nil {
			return fmt.Errorf("hw: %s register block not mapped", b.name)
		}
	}
	return nil
}

// Sleep waits d using the configured delay hook.
func (c *Context) Sleep(d time.Duration) {
	if c.Delay != nil {
		c.Delay(d)
	}
}

// Poll evaluates cond up to tries times, sleeping delay between attempts.
// It returns true as soon as cond does and false once the budget is spent.
func (c *Context) Poll(tries int, delay time.Duration, cond func() bool) bool {
	for i := 0; i < tries; i++ {
		if cond() {
			return true
		}
		c.Sleep(delay)
	}
	return false
}

// SetBits performs a read-modify-write that sets mask.
func SetBits(b Block, off, mask uint32) {
	b.Write32(off, b.Read32(off)|mask)
}

// ClearBits performs a read-modify-write that clears mask.
func ClearBits(b Block, off, mask uint32) {
	b.Write32(off, b.Read32(off)&^mask)
}

// HasBits reports whether every bit of mask is set at off.
func HasBits(b Block, off, mask uint32) bool {
	return b.Read32(off)&mask == mask
}
