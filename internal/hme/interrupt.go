package hme

import (
	"fmt"
	"strings"

	"github.com/tinyrange/hme/internal/hw"
	"github.com/tinyrange/hme/internal/irq"
)

const (
	statCounters = hw.StatACntExp | hw.StatCCntExp | hw.StatLCntExp |
		hw.StatCVCntExp | hw.StatECntExp | hw.StatLCCntExp

	statLoud = hw.StatSTSTErr | hw.StatTFIFOUnd | hw.StatMaxPktErr |
		hw.StatRXErr | hw.StatRXPErr | hw.StatRXTErr | hw.StatEOPErr |
		hw.StatMIFIRQ | hw.StatTXEAck | hw.StatTXLErr | hw.StatTXPErr |
		hw.StatTXTErr | hw.StatSLVErr | hw.StatSLVPErr
)

// Interrupt services the device. It reads (and so clears) the status
// register once, decodes error sources, and then reclaims transmit and
// receive descriptors. A fatal error resets the device and skips the
// reclaim, and retries the reset if the last one failed.
func (a *Adapter) Interrupt() irq.Result {
	a.mu.Lock()
	if !a.open {
		a.mu.Unlock()
		return irq.None
	}
	status := a.hw.Global.Read32(hw.GregStat)
	if status == 0 {
		a.mu.Unlock()
		return irq.None
	}

	if status&hw.StatErrors != 0 && a.decodeErrorsLocked(status) {
		_ = a.resetLocked("fatal interrupt status")
		a.unlock()
		return irq.Handled
	}
	if !a.ready {
		a.log.Debug("interrupt while not ready", "status", fmt.Sprintf("%#08x", status))
		a.mu.Unlock()
		return irq.Handled
	}
	if status&hw.StatTXAll != 0 {
		a.reclaimTxLocked()
	}
	if status&hw.StatRXToHost != 0 {
		a.reclaimRxLocked()
	}
	a.unlock()
	return irq.Handled
}

// decodeErrorsLocked logs the error sources in status and reports
// whether any of them needs a reset.
func (a *Adapter) decodeErrorsLocked(status uint32) bool {
	reset := false
	if status&statLoud != 0 {
		a.log.Error("error interrupt", "status", fmt.Sprintf("%#08x", status))
	}
	if status&statCounters != 0 {
		a.harvestCountersLocked()
	}
	if status&hw.StatRFIFOVF != 0 {
		a.log.Debug("receive FIFO overflow")
	}
	if status&hw.StatSTSTErr != 0 {
		a.log.Error("SQE test failed")
		reset = true
	}
	if status&hw.StatTFIFOUnd != 0 {
		a.log.Error("transmitter FIFO underrun, DMA error")
		reset = true
	}
	if status&hw.StatMaxPktErr != 0 {
		a.log.Error("max packet size error")
		reset = true
	}
	if status&hw.StatNoRXD != 0 {
		a.log.Info("out of receive descriptors, packet dropped")
	}
	if status&(hw.StatRXErr|hw.StatRXPErr|hw.StatRXTErr) != 0 {
		a.log.Error("rx DMA errors", "kinds", bitNames(status, []bitName{
			{hw.StatRXErr, "generic"},
			{hw.StatRXPErr, "parity"},
			{hw.StatRXTErr, "tag"},
		}))
		reset = true
	}
	if status&hw.StatEOPErr != 0 {
		a.log.Error("EOP not set in transmit descriptor")
		reset = true
	}
	if status&hw.StatMIFIRQ != 0 {
		a.log.Error("MIF interrupt")
	}
	if status&(hw.StatTXEAck|hw.StatTXLErr|hw.StatTXPErr|hw.StatTXTErr) != 0 {
		a.log.Error("tx DMA errors", "kinds", bitNames(status, []bitName{
			{hw.StatTXEAck, "generic"},
			{hw.StatTXLErr, "late"},
			{hw.StatTXPErr, "parity"},
			{hw.StatTXTErr, "tag"},
		}))
		reset = true
	}
	if status&(hw.StatSLVErr|hw.StatSLVPErr) != 0 {
		kind := "generic"
		if status&hw.StatSLVPErr != 0 {
			kind = "parity"
		}
		a.log.Error("register access error", "kind", kind)
		reset = true
	}
	return reset
}

type bitName struct {
	bit  uint32
	name string
}

func bitNames(v uint32, names []bitName) string {
	var out []string
	for _, n := range names {
		if v&n.bit != 0 {
			out = append(out, n.name)
		}
	}
	return strings.Join(out, ",")
}
