package sim

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/tinyrange/hme/internal/dma"
	"github.com/tinyrange/hme/internal/hw"
	"github.com/tinyrange/hme/internal/ring"
)

func (d *Device) table(base uint32, entries int) (*ring.Table, error) {
	// Descriptors are 8-byte aligned; the low bits of the base are ignored.
	mem, err := d.mem.Resolve(dma.Addr(base&^7), entries*ring.DescriptorSize)
	if err != nil {
		return nil, err
	}
	return ring.NewTable(mem, d.cfg.Order)
}

// ProcessTx transmits every complete packet the device owns on the
// transmit ring and returns how many it sent.
func (d *Device) ProcessTx() int {
	d.mu.Lock()
	frames := d.processTxLocked()
	d.mu.Unlock()

	if d.cfg.OnTransmit != nil {
		for _, f := range frames {
			d.cfg.OnTransmit(f)
		}
	}
	return len(frames)
}

func (d *Device) processTxLocked() [][]byte {
	if !d.txEnabled() {
		return nil
	}
	n := hw.ETXRingEntries(d.etxRSize)
	tbl, err := d.table(d.etxRing, n)
	if err != nil {
		d.log.Error("transmit ring not mapped", "base", fmt.Sprintf("%#08x", d.etxRing), "err", err)
		d.status |= hw.StatTXTErr
		d.updateLineLocked()
		return nil
	}

	var frames [][]byte
	for {
		first := d.txIndex
		f := tbl.LoadFlags(first)
		if !f.Owned() {
			break
		}
		if !f.SOP() {
			d.txError(hw.StatEOPErr, "descriptor run without start of packet", first)
			break
		}

		var run []int
		complete := false
		for k := 0; k < n; k++ {
			i := (first + k) % n
			fl := tbl.LoadFlags(i)
			if !fl.Owned() || (k > 0 && fl.SOP()) {
				break
			}
			run = append(run, i)
			if fl.EOP() {
				complete = true
				break
			}
		}
		if !complete {
			d.txError(hw.StatEOPErr, "descriptor run without end of packet", first)
			break
		}

		var frame []byte
		for _, i := range run {
			desc := tbl.Load(i)
			buf, err := d.mem.Resolve(desc.Addr, desc.Flags.TxLen())
			if err != nil {
				d.log.Error("transmit buffer not mapped", "slot", i, "err", err)
				d.status |= hw.StatTXTErr
				d.updateLineLocked()
				return frames
			}
			frame = append(frame, buf...)
		}
		if len(frame) > d.maxFrame(hw.BMACTXMax) {
			d.txError(hw.StatMaxPktErr, "oversize frame", first)
			break
		}
		if f.CsumEnabled() {
			insertChecksum(frame, f.CsumStart(), f.CsumStuff())
		}

		for _, i := range run {
			tbl.StoreFlags(i, tbl.LoadFlags(i)&^ring.FlagOwn)
		}
		d.txIndex = (run[len(run)-1] + 1) % n
		d.stats.TxFrames++
		d.stats.TxBytes += uint64(len(frame))
		frames = append(frames, frame)
	}
	if len(frames) > 0 {
		d.status |= hw.StatSentFrame | hw.StatTXAll | hw.StatHostToTX
		d.updateLineLocked()
	}
	return frames
}

func (d *Device) txError(bit uint32, msg string, slot int) {
	d.log.Debug("transmit error", "reason", msg, "slot", slot)
	if bit == hw.StatEOPErr {
		d.stats.EOPErrors++
	}
	d.status |= bit
	d.updateLineLocked()
}

// insertChecksum folds the 16-bit ones-complement sum of frame[start:]
// and stores its complement at frame[stuff:].
func insertChecksum(frame []byte, start, stuff int) {
	if start > len(frame) || stuff+2 > len(frame) {
		return
	}
	sum := checksum.Checksum(frame[start:], 0)
	binary.BigEndian.PutUint16(frame[stuff:], ^sum)
}

// Receive places frame into the next device-owned receive descriptor.
func (d *Device) Receive(frame []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.rxEnabled() {
		d.stats.RxDisabled++
		return ErrRxDisabled
	}
	if !d.accepts(frame) {
		d.stats.RxFiltered++
		return ErrFiltered
	}
	n := hw.ERXRingEntries(d.erxCfg)
	tbl, err := d.table(d.erxRing, n)
	if err != nil {
		d.status |= hw.StatRXTErr
		d.updateLineLocked()
		return fmt.Errorf("sim: receive ring: %w", err)
	}

	i := d.rxIndex
	desc := tbl.Load(i)
	if !desc.Flags.Owned() {
		d.stats.RxNoDescriptor++
		d.status |= hw.StatNoRXD
		d.updateLineLocked()
		return ErrNoDescriptor
	}

	off := int(d.erxCfg&hw.ERXCfgByteOffset) >> hw.ERXCfgByteOffShift
	room := desc.Flags.RxLen()
	length := len(frame)
	overflow := false
	if length > room || length > d.maxFrame(hw.BMACRXMax) {
		overflow = true
		length = min(room, d.maxFrame(hw.BMACRXMax))
	}
	buf, err := d.mem.Resolve(desc.Addr, off+length)
	if err != nil {
		d.status |= hw.StatRXTErr
		d.updateLineLocked()
		return fmt.Errorf("sim: receive buffer: %w", err)
	}
	copy(buf[off:], frame[:length])

	csumStart := 2 * (int(d.erxCfg&hw.ERXCfgCsumStart) >> hw.ERXCfgCsumShift)
	var sum uint16
	if csumStart < length {
		sum = checksum.Checksum(frame[csumStart:length], 0)
	}
	tbl.StoreFlags(i, ring.RxCompletion(length, sum, overflow))
	d.rxIndex = (i + 1) % n

	d.stats.RxFrames++
	d.stats.RxBytes += uint64(length)
	d.status |= hw.StatGotFrame | hw.StatRXToHost
	if overflow {
		d.bmac[hw.BMACGLECtr]++
	}
	d.updateLineLocked()
	return nil
}

func (d *Device) macAddr() tcpip.LinkAddress {
	a2, a1, a0 := d.bmac[hw.BMACMACAddr2], d.bmac[hw.BMACMACAddr1], d.bmac[hw.BMACMACAddr0]
	return tcpip.LinkAddress([]byte{
		byte(a0 >> 8), byte(a0),
		byte(a1 >> 8), byte(a1),
		byte(a2 >> 8), byte(a2),
	})
}

// accepts applies the BigMAC receive filter.
func (d *Device) accepts(frame []byte) bool {
	if len(frame) < header.EthernetMinimumSize {
		// Runts carry no usable address; the MAC passes them up with
		// their length so the host can count them.
		return true
	}
	rxcfg := d.bmac[hw.BMACRXCfg]
	if rxcfg&hw.RXCfgPMisc != 0 {
		return true
	}
	eth := header.Ethernet(frame)
	me := d.macAddr()
	if rxcfg&hw.RXCfgRejMe != 0 && eth.SourceAddress() == me {
		return false
	}
	dst := eth.DestinationAddress()
	if dst == me || dst == header.EthernetBroadcastAddress {
		return true
	}
	if !header.IsMulticastEthernetAddress(dst) || rxcfg&hw.RXCfgHEnable == 0 {
		return false
	}
	h := HashBit(dst)
	reg := [4]uint32{hw.BMACHTable0, hw.BMACHTable1, hw.BMACHTable2, hw.BMACHTable3}[h>>4]
	return d.bmac[reg]&(1<<(h&0xf)) != 0
}

// HashBit returns the hash filter bit, 0..63, that selects addr: the top
// six bits of the little-endian CRC-32 of the address.
func HashBit(addr tcpip.LinkAddress) uint32 {
	crc := ^crc32.Checksum([]byte(addr), crc32.IEEETable)
	return crc >> 26
}

// FrameFrom builds an Ethernet II frame.
func FrameFrom(dst, src tcpip.LinkAddress, etherType uint16, payload []byte) []byte {
	frame := make([]byte, header.EthernetMinimumSize+len(payload))
	header.Ethernet(frame).Encode(&header.EthernetFields{
		SrcAddr: src,
		DstAddr: dst,
		Type:    tcpip.NetworkProtocolNumber(etherType),
	})
	copy(frame[header.EthernetMinimumSize:], payload)
	return frame
}

// Reflect returns a copy of frame with source and destination swapped,
// as an echoing peer would send it back.
func Reflect(frame []byte) []byte {
	out := bytes.Clone(frame)
	if len(out) >= header.EthernetMinimumSize {
		copy(out[0:6], frame[6:12])
		copy(out[6:12], frame[0:6])
	}
	return out
}
