package link

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tinyrange/hme/internal/mii"
)

type regWrite struct {
	reg mii.Reg
	val uint16
}

// fakePHY implements PHY over a register map. Tests move the status
// register between ticks.
type fakePHY struct {
	regs         map[mii.Reg]uint16
	writes       []regWrite
	lucent       bool
	stuckRestart bool
}

func newFakePHY() *fakePHY {
	p := &fakePHY{regs: make(map[mii.Reg]uint16)}
	p.regs[mii.RegBMSR] = uint16(mii.BMSR10Half | mii.BMSR10Full | mii.BMSR100Half | mii.BMSR100Full | mii.BMSRANCap)
	p.regs[mii.RegBMCR] = uint16(mii.BMCRANEnable)
	p.regs[mii.RegAdvertise] = uint16(mii.ANARSelector8023)
	return p
}

func (p *fakePHY) Read(reg mii.Reg) (uint16, error) { return p.regs[reg], nil }

func (p *fakePHY) Write(reg mii.Reg, val uint16) error {
	p.writes = append(p.writes, regWrite{reg, val})
	if reg == mii.RegBMCR && !p.stuckRestart {
		val &^= uint16(mii.BMCRANRestart)
	}
	p.regs[reg] = val
	return nil
}

func (p *fakePHY) IsLucent() bool { return p.lucent }

func (p *fakePHY) setBMSR(bits mii.BMSR) {
	p.regs[mii.RegBMSR] |= uint16(bits)
}

type fakeMAC struct {
	commits []bool
}

func (m *fakeMAC) SetDuplex(full bool) error {
	m.commits = append(m.commits, full)
	return nil
}

func newTestMachine(t *testing.T) (*Machine, *fakePHY, *fakeMAC) {
	t.Helper()
	old := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = old })

	phy := newFakePHY()
	mac := &fakeMAC{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(phy, mac, log), phy, mac
}

func TestNewMachineIsAsleep(t *testing.T) {
	m, _, _ := newTestMachine(t)
	if s := m.Status(); s.State != Asleep || s.Ticks != 0 {
		t.Fatalf("status = %+v", s)
	}
}

func TestBeginAdvertisesCapabilities(t *testing.T) {
	m, phy, _ := newTestMachine(t)
	phy.regs[mii.RegBMSR] = uint16(mii.BMSR10Half | mii.BMSR100Full)
	phy.regs[mii.RegAdvertise] = uint16(mii.ANARSelector8023 | mii.ANAR10Full)

	m.Begin()

	if m.State() != ArbWait {
		t.Fatalf("state = %v, want arbitration-wait", m.State())
	}
	want := uint16(mii.ANARSelector8023 | mii.ANAR10Half | mii.ANAR100Full)
	if got := phy.regs[mii.RegAdvertise]; got != want {
		t.Fatalf("advertise = %#04x, want %#04x", got, want)
	}
	if bmcr := mii.BMCR(phy.regs[mii.RegBMCR]); bmcr&mii.BMCRANEnable == 0 {
		t.Fatalf("autoneg not enabled: %#04x", uint16(bmcr))
	}
}

func TestNegotiationConverges(t *testing.T) {
	m, phy, mac := newTestMachine(t)
	phy.regs[mii.RegLPA] = uint16(mii.ANAR100Full | mii.ANAR10Half)

	var notified []Status
	m.Notify = func(s Status) { notified = append(notified, s) }

	m.Begin()
	for i := 0; i < 3; i++ {
		if !m.Tick() {
			t.Fatal("timer not rearmed while negotiating")
		}
		if m.State() != ArbWait {
			t.Fatalf("tick %d: state = %v", i, m.State())
		}
	}

	phy.setBMSR(mii.BMSRANComplete)
	m.Tick()
	if m.State() != LinkUpWait {
		t.Fatalf("state after completion = %v", m.State())
	}
	if len(mac.commits) != 1 || !mac.commits[0] {
		t.Fatalf("commits = %v, want one full duplex commit", mac.commits)
	}

	m.Tick()
	if m.State() != LinkUpWait {
		t.Fatalf("state without link = %v", m.State())
	}

	phy.setBMSR(mii.BMSRLinkStatus)
	if m.Tick() {
		t.Fatal("timer rearmed after link up")
	}
	s := m.Status()
	if s.State != Asleep || !s.LinkUp || s.Speed != 100 || s.Duplex != DuplexFull || !s.Autoneg {
		t.Fatalf("status = %+v", s)
	}
	if len(mac.commits) != 1 || s.Commits != 1 {
		t.Fatalf("commits = %v (status %d), want exactly one", mac.commits, s.Commits)
	}
	if len(notified) != 1 || !notified[0].LinkUp {
		t.Fatalf("notifications = %+v", notified)
	}

	// A stray tick leaves it asleep.
	if m.Tick() || m.State() != Asleep {
		t.Fatalf("stray tick: state = %v", m.State())
	}
}

func TestLinkUpWaitKeepsPolling(t *testing.T) {
	m, phy, _ := newTestMachine(t)
	phy.regs[mii.RegLPA] = uint16(mii.ANAR10Full)
	m.Begin()
	phy.setBMSR(mii.BMSRANComplete)
	m.Tick()
	for i := 0; i < 35; i++ {
		if !m.Tick() {
			t.Fatal("timer stopped without link")
		}
		if m.State() != LinkUpWait {
			t.Fatalf("state = %v", m.State())
		}
		if m.Status().Ticks >= linkUpTicks {
			t.Fatalf("ticks not reset by diagnostic: %d", m.Status().Ticks)
		}
	}
}

func forcedModes(writes []regWrite) []mii.BMCR {
	var out []mii.BMCR
	for _, w := range writes {
		if w.reg == mii.RegBMCR && mii.BMCR(w.val)&mii.BMCRANEnable == 0 {
			out = append(out, mii.BMCR(w.val))
		}
	}
	return out
}

func TestForcedPermutationOrder(t *testing.T) {
	m, phy, _ := newTestMachine(t)
	m.Begin()

	for i := 0; i < 200 && m.Status().Exhaustions == 0; i++ {
		m.Tick()
	}
	if m.Status().Exhaustions != 1 {
		t.Fatalf("exhaustions = %d", m.Status().Exhaustions)
	}
	if m.State() != ArbWait {
		t.Fatalf("state after exhaustion = %v, want negotiation restarted", m.State())
	}

	want := []mii.BMCR{
		mii.ForcedBMCR(100, true),
		mii.ForcedBMCR(100, false),
		mii.ForcedBMCR(10, true),
		mii.ForcedBMCR(10, false),
	}
	got := forcedModes(phy.writes)
	if len(got) != len(want) {
		t.Fatalf("forced modes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("forced mode %d = %#04x, want %#04x", i, uint16(got[i]), uint16(want[i]))
		}
	}
}

func TestForcedTransceiverToggle(t *testing.T) {
	m, phy, _ := newTestMachine(t)
	if err := m.Reconfigure(Params{Speed: 100, Duplex: DuplexHalf}); err != nil {
		t.Fatal(err)
	}
	var cs []mii.CSConfig
	record := func() {
		cs = append(cs, mii.CSConfig(phy.regs[mii.RegCSConfig])&mii.CSConfigTCVDisable)
	}
	record()
	m.Tick()
	record()
	m.Tick()
	record()
	want := []mii.CSConfig{0, mii.CSConfigTCVDisable, 0}
	for i := range want {
		if cs[i] != want[i] {
			t.Fatalf("tcvdisable after tick %d = %#x, want %#x", i, cs[i], want[i])
		}
	}

	phy.setBMSR(mii.BMSRLinkStatus)
	if m.Tick() {
		t.Fatal("timer rearmed after forced link up")
	}
	s := m.Status()
	if s.State != Asleep || s.Autoneg || s.Speed != 100 || s.Duplex != DuplexHalf {
		t.Fatalf("status = %+v", s)
	}
}

func TestLucentSkipsTransceiverToggle(t *testing.T) {
	m, phy, _ := newTestMachine(t)
	phy.lucent = true
	if err := m.Reconfigure(Params{Speed: 10, Duplex: DuplexFull}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 6; i++ {
		m.Tick()
	}
	for _, w := range phy.writes {
		if w.reg == mii.RegCSConfig {
			t.Fatalf("CSCONFIG written on a Lucent PHY: %#04x", w.val)
		}
	}
}

func TestRestartNotAcknowledgedForcesLink(t *testing.T) {
	m, phy, _ := newTestMachine(t)
	phy.stuckRestart = true
	m.Begin()
	if m.State() != ForcedTryWait || m.Status().Ticks != 0 {
		t.Fatalf("status = %+v", m.Status())
	}
	if got := mii.BMCR(phy.regs[mii.RegBMCR]); got != mii.ForcedBMCR(100, true) {
		t.Fatalf("bmcr = %#04x", uint16(got))
	}
}

func TestNoPartnerAbilityFallsBackToForced(t *testing.T) {
	m, phy, mac := newTestMachine(t)
	m.Begin()
	phy.setBMSR(mii.BMSRANComplete)
	m.Tick()
	if m.State() != ForcedTryWait {
		t.Fatalf("state = %v, want forced-try-wait", m.State())
	}
	if len(mac.commits) != 0 {
		t.Fatalf("commits = %v", mac.commits)
	}
}

func TestReconfigureFromLinkUpWait(t *testing.T) {
	m, phy, _ := newTestMachine(t)
	phy.regs[mii.RegLPA] = uint16(mii.ANAR100Full)
	m.Begin()
	phy.setBMSR(mii.BMSRANComplete)
	m.Tick()
	m.Tick()
	if m.State() != LinkUpWait {
		t.Fatalf("setup: state = %v", m.State())
	}

	if err := m.Reconfigure(Params{Autoneg: false, Speed: 10, Duplex: DuplexHalf}); err != nil {
		t.Fatal(err)
	}
	s := m.Status()
	if s.State != ForcedTryWait || s.Ticks != 0 {
		t.Fatalf("status = %+v", s)
	}
	if got := mii.BMCR(phy.regs[mii.RegBMCR]); got != mii.ForcedBMCR(10, false) {
		t.Fatalf("bmcr = %#04x, want forced 10 half", uint16(got))
	}
	if m.Request() != (Params{Speed: 10, Duplex: DuplexHalf}) {
		t.Fatalf("request = %v", m.Request())
	}
}

func TestReconfigureRejectsInvalid(t *testing.T) {
	tests := []Params{
		{Speed: 1000, Duplex: DuplexFull},
		{Speed: 0, Duplex: DuplexHalf},
		{Speed: 100},
	}
	for _, p := range tests {
		m, phy, _ := newTestMachine(t)
		m.Begin()
		writes := len(phy.writes)
		if err := m.Reconfigure(p); !errors.Is(err, ErrInvalidParams) {
			t.Fatalf("Reconfigure(%+v) = %v, want ErrInvalidParams", p, err)
		}
		if m.State() != ArbWait || len(phy.writes) != writes {
			t.Fatalf("Reconfigure(%+v) changed state", p)
		}
	}
}

func TestParseDuplex(t *testing.T) {
	if d, err := ParseDuplex("Full"); err != nil || d != DuplexFull {
		t.Fatalf("ParseDuplex(Full) = %v, %v", d, err)
	}
	if _, err := ParseDuplex("quarter"); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("err = %v", err)
	}
}
