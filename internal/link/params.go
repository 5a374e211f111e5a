// Package link drives the transceiver towards a working speed and
// duplex: auto-negotiation first, then forced modes in priority order.
package link

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidParams is returned for link requests the hardware cannot
// honour. Nothing is changed when it is returned.
var ErrInvalidParams = errors.New("link: invalid parameters")

// Duplex is the link duplex.
type Duplex uint8

const (
	DuplexUnknown Duplex = iota
	DuplexHalf
	DuplexFull
)

func (d Duplex) String() string {
	switch d {
	case DuplexHalf:
		return "half"
	case DuplexFull:
		return "full"
	default:
		return "unknown"
	}
}

// ParseDuplex parses "half" or "full".
func ParseDuplex(s string) (Duplex, error) {
	switch strings.ToLower(s) {
	case "half":
		return DuplexHalf, nil
	case "full":
		return DuplexFull, nil
	case "":
		return DuplexUnknown, nil
	default:
		return DuplexUnknown, fmt.Errorf("%w: duplex %q", ErrInvalidParams, s)
	}
}

// Params is a link request.
type Params struct {
	Autoneg bool
	Speed   int
	Duplex  Duplex
}

// Autoneg is the default request: negotiate everything the PHY can do.
var Autoneg = Params{Autoneg: true}

// Validate rejects forced requests without a concrete speed and duplex.
// Speed and duplex are ignored when auto-negotiation is requested.
func (p Params) Validate() error {
	if p.Autoneg {
		return nil
	}
	if p.Speed != 10 && p.Speed != 100 {
		return fmt.Errorf("%w: speed %d", ErrInvalidParams, p.Speed)
	}
	if p.Duplex != DuplexHalf && p.Duplex != DuplexFull {
		return fmt.Errorf("%w: duplex %s", ErrInvalidParams, p.Duplex)
	}
	return nil
}

func (p Params) String() string {
	if p.Autoneg {
		return "autoneg"
	}
	return fmt.Sprintf("%dMb/s %s", p.Speed, p.Duplex)
}
