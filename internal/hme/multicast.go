package hme

import (
	"fmt"
	"hash/crc32"
	"net"

	"github.com/tinyrange/hme/internal/hw"
)

// maxHashedMulticast is the most addresses hashed before the filter
// falls back to accepting every multicast frame.
const maxHashedMulticast = 64

// multicastHash is the 6-bit hash table index of addr: the top bits of
// the little-endian Ethernet CRC.
func multicastHash(addr net.HardwareAddr) uint32 {
	return ^crc32.ChecksumIEEE(addr) >> 26
}

// hashTable builds the four 16-bit hash registers for f.
func hashTable(f Filter) [4]uint16 {
	var t [4]uint16
	if f.AllMulti || len(f.Multicast) > maxHashedMulticast {
		return [4]uint16{0xffff, 0xffff, 0xffff, 0xffff}
	}
	if f.Promisc {
		return t
	}
	for _, m := range f.Multicast {
		h := multicastHash(m)
		t[h>>4] |= 1 << (h & 0xf)
	}
	return t
}

func (a *Adapter) rxConfig() uint32 {
	cfg := uint32(hw.RXCfgHEnable | hw.RXCfgRejMe)
	if a.filter.Promisc {
		cfg |= hw.RXCfgPMisc
	}
	return cfg
}

func (a *Adapter) writeHashTableLocked() {
	t := hashTable(a.filter)
	b := a.hw.BigMAC
	b.Write32(hw.BMACHTable0, uint32(t[0]))
	b.Write32(hw.BMACHTable1, uint32(t[1]))
	b.Write32(hw.BMACHTable2, uint32(t[2]))
	b.Write32(hw.BMACHTable3, uint32(t[3]))
}

// SetMulticastFilter installs f. The receiver is paused while the hash
// table and promiscuous bit change.
func (a *Adapter) SetMulticastFilter(f Filter) error {
	for _, m := range f.Multicast {
		if len(m) != 6 || m[0]&1 == 0 {
			return fmt.Errorf("%w: %q is not a multicast address", ErrInvalidConfig, m)
		}
	}
	f.Multicast = append([]net.HardwareAddr(nil), f.Multicast...)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.filter = f
	if !a.open || !a.ready {
		return nil
	}

	b := a.hw.BigMAC
	hw.ClearBits(b, hw.BMACRXCfg, hw.RXCfgEnable)
	if !a.hw.Poll(macResetTries, resetDelay, func() bool {
		return b.Read32(hw.BMACRXCfg)&hw.RXCfgEnable == 0
	}) {
		a.log.Error("receiver did not stop for filter change")
	}
	a.writeHashTableLocked()
	b.Write32(hw.BMACRXCfg, a.rxConfig()|hw.RXCfgEnable)
	return nil
}

// MulticastFilter is the installed filter.
func (a *Adapter) MulticastFilter() Filter {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.filter
}
