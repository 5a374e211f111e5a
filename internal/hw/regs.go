package hw

// Global register block.
const (
	GregSWReset = 0x000 // Software reset
	GregCfg     = 0x004 // Burst/bus configuration
	GregStat    = 0x108 // Interrupt status, clear on read
	GregIMask   = 0x10c // Interrupt mask, set bit masks the source

	GregResetTX  = 0x1
	GregResetRX  = 0x2
	GregResetAll = GregResetTX | GregResetRX

	GregCfgBurst16 = 0x0
	GregCfgBurst32 = 0x1
	GregCfgBurst64 = 0x2
	GregCfg64Bit   = 0x4
)

// Interrupt status bits. The mask register uses the same layout.
const (
	StatGotFrame  = 0x00000001 // Received a frame
	StatRCntExp   = 0x00000002 // Receive frame counter expired
	StatACntExp   = 0x00000004 // Alignment error counter expired
	StatCCntExp   = 0x00000008 // CRC error counter expired
	StatLCntExp   = 0x00000010 // Length error counter expired
	StatRFIFOVF   = 0x00000020 // Receive FIFO overflow
	StatCVCntExp  = 0x00000040 // Code violation counter expired
	StatSTSTErr   = 0x00000080 // SQE test error
	StatSentFrame = 0x00000100 // Transmitted a frame
	StatTFIFOUnd  = 0x00000200 // Transmit FIFO underrun
	StatMaxPktErr = 0x00000400 // Oversize frame handed to transmitter
	StatNCntExp   = 0x00000800 // Normal collision counter expired
	StatECntExp   = 0x00001000 // Excess collision counter expired
	StatLCCntExp  = 0x00002000 // Late collision counter expired
	StatFCntExp   = 0x00004000 // First collision counter expired
	StatDTimExp   = 0x00008000 // Defer timer expired
	StatRXToHost  = 0x00010000 // Receive descriptors handed to host
	StatNoRXD     = 0x00020000 // No receive descriptors available
	StatRXErr     = 0x00040000 // Generic receive DMA error
	StatRXLatErr  = 0x00080000 // Late receive DMA error
	StatRXPErr    = 0x00100000 // Receive DMA parity error
	StatRXTErr    = 0x00200000 // Receive DMA tag error
	StatEOPErr    = 0x00400000 // Transmit descriptor without end of packet
	StatMIFIRQ    = 0x00800000 // Management interface interrupt
	StatHostToTX  = 0x01000000 // Transmit descriptors taken by the device
	StatTXAll     = 0x02000000 // Transmit ring completions ready
	StatTXEAck    = 0x04000000 // Transmit DMA error ack
	StatTXLErr    = 0x08000000 // Late transmit DMA error
	StatTXPErr    = 0x10000000 // Transmit DMA parity error
	StatTXTErr    = 0x20000000 // Transmit DMA tag error
	StatSLVErr    = 0x40000000 // Slave access error
	StatSLVPErr   = 0x80000000 // Slave access parity error

	// StatErrors collects every bit that needs the error decoder.
	StatErrors = StatACntExp | StatCCntExp | StatLCntExp | StatRFIFOVF |
		StatCVCntExp | StatSTSTErr | StatTFIFOUnd | StatMaxPktErr |
		StatNCntExp | StatECntExp | StatLCCntExp | StatFCntExp |
		StatDTimExp | StatNoRXD | StatRXErr | StatRXLatErr | StatRXPErr |
		StatRXTErr | StatEOPErr | StatMIFIRQ | StatTXEAck | StatTXLErr |
		StatTXPErr | StatTXTErr | StatSLVErr | StatSLVPErr

	// IMaskDefault silences the sources the driver never services.
	IMaskDefault = StatGotFrame | StatRCntExp | StatSentFrame | StatTXPErr
)

// Transmit DMA block.
const (
	ETXPending = 0x00 // Doorbell
	ETXCfg     = 0x04
	ETXRing    = 0x08 // Descriptor ring base
	ETXRSize   = 0x2c // Ring size, (entries >> ETXRSizeShift) - 1

	ETXDMAWakeup     = 0x1
	ETXCfgDMAEnable  = 0x1
	ETXRSizeShift    = 4
	ETXRSizeMaxValue = 0xff
)

// Receive DMA block.
const (
	ERXCfg  = 0x00
	ERXRing = 0x04 // Descriptor ring base, 2K aligned

	ERXCfgDMAEnable     = 0x00000001
	ERXCfgByteOffset    = 0x00000038
	ERXCfgByteOffShift  = 3
	ERXCfgRingSize      = 0x00000600
	ERXCfgRingSizeShift = 9
	ERXCfgCsumStart     = 0x007f0000
	ERXCfgCsumShift     = 16
)

// BigMAC block.
const (
	BMACXIFCfg    = 0x000
	BMACTXSWReset = 0x208
	BMACTXCfg     = 0x20c
	BMACIGap1     = 0x210
	BMACIGap2     = 0x214
	BMACALimit    = 0x218
	BMACJSize     = 0x22c
	BMACTXMax     = 0x230
	BMACExCtr     = 0x248 // Excess collisions
	BMACLTCtr     = 0x24c // Late collisions
	BMACRSeed     = 0x250
	BMACRXSWReset = 0x308
	BMACRXCfg     = 0x30c
	BMACRXMax     = 0x310
	BMACMACAddr2  = 0x318
	BMACMACAddr1  = 0x31c
	BMACMACAddr0  = 0x320
	BMACGLECtr    = 0x328 // Receive length errors
	BMACUnaleCtr  = 0x32c // Unaligned frames
	BMACRCRCECtr  = 0x330 // Receive CRC errors
	BMACHTable3   = 0x340
	BMACHTable2   = 0x344
	BMACHTable1   = 0x348
	BMACHTable0   = 0x34c

	TXCfgEnable   = 0x00000001
	TXCfgFullDplx = 0x00000200
	TXCfgDGiveUp  = 0x00000400

	RXCfgEnable  = 0x00000001
	RXCfgPMisc   = 0x00000040
	RXCfgRejMe   = 0x00000200
	RXCfgHEnable = 0x00000800

	XCfgODEnable = 0x00000001
	XCfgMIIDisab = 0x00000008
	XCfgLance    = 0x00000010
)

// Transceiver (MIF) block.
const (
	TcvrBBClock = 0x00
	TcvrBBData  = 0x04
	TcvrBBOEnab = 0x08
	TcvrFrame   = 0x0c
	TcvrCfg     = 0x10
	TcvrIMask   = 0x14
	TcvrStatus  = 0x18

	TcvCfgPSelect = 0x00000001 // Route MIF to the external PHY
	TcvCfgBEnable = 0x00000004 // Bit-bang mode
	TcvCfgMDIO0   = 0x00000100 // Internal PHY present / data
	TcvCfgMDIO1   = 0x00000200 // External PHY present / data

	FrameWrite      = 0x50020000
	FrameRead       = 0x60020000
	FramePhyShift   = 23
	FrameRegShift   = 18
	FrameTurnaround = 0x00010000
	FrameDataMask   = 0x0000ffff

	TcvPAddrExternal = 0
	TcvPAddrInternal = 1
)

// Fixed MAC programming values.
const (
	DefaultIPG0    = 16
	DefaultIPG1    = 8
	DefaultIPG2    = 4
	DefaultJamSize = 4
	AttemptLimit   = 16
)

// Frame sizes.
const (
	ETHZLen     = 60   // Minimum frame without FCS
	ETHFrameLen = 1514 // Maximum frame without FCS
	// MaxFrame leaves room for an 802.1Q tag.
	MaxFrame = ETHFrameLen + 8
)

// ERXRingSizeCode encodes a receive ring size for ERXCfg. Only 32, 64,
// 128 and 256 entries exist.
func ERXRingSizeCode(entries int) (uint32, bool) {
	switch entries {
	case 32:
		return 0, true
	case 64:
		return 1, true
	case 128:
		return 2, true
	case 256:
		return 3, true
	}
	return 0, false
}

// ERXRingEntries decodes the ring size field of ERXCfg.
func ERXRingEntries(cfg uint32) int {
	return 32 << ((cfg & ERXCfgRingSize) >> ERXCfgRingSizeShift)
}

// ERXCfgDefault is the receive DMA configuration: DMA on, frames placed
// offset bytes into each buffer, and the payload sum starting after the
// Ethernet header (in half-words).
func ERXCfgDefault(offset int, sizeCode uint32) uint32 {
	return ERXCfgDMAEnable |
		uint32(offset)<<ERXCfgByteOffShift&ERXCfgByteOffset |
		sizeCode<<ERXCfgRingSizeShift&ERXCfgRingSize |
		(14/2)<<ERXCfgCsumShift
}

// ETXRSizeValue encodes a transmit ring size for ETXRSize.
func ETXRSizeValue(entries int) uint32 {
	return uint32(entries>>ETXRSizeShift) - 1
}

// ETXRingEntries decodes ETXRSize.
func ETXRingEntries(v uint32) int {
	return int(v+1) << ETXRSizeShift
}
