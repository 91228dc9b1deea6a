package lapic

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/vapic/internal/hv"
	"github.com/tinyrange/vapic/internal/ptimer"
)

// testProc records everything the controller asks of its processor.
type testProc struct {
	mu          sync.Mutex
	id          int
	initialised bool
	down        bool
	nmiPending  bool
	inGuest     bool
	resets      int
	startCS     uint32
	kicks       int
	wakes       int
}

func (p *testProc) ID() int      { return p.id }
func (p *testProc) Pause()       {}
func (p *testProc) PauseNoSync() {}
func (p *testProc) Unpause()     {}

func (p *testProc) Kick() {
	p.mu.Lock()
	p.kicks++
	p.mu.Unlock()
}

func (p *testProc) Wake() {
	p.mu.Lock()
	p.wakes++
	p.mu.Unlock()
}

func (p *testProc) IsInitialised() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialised
}

func (p *testProc) TestAndClearDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	was := p.down
	p.down = false
	return was
}

func (p *testProc) ForceDown() {
	p.mu.Lock()
	p.down = true
	p.mu.Unlock()
}

func (p *testProc) Reset() error {
	p.mu.Lock()
	p.resets++
	p.mu.Unlock()
	return nil
}

func (p *testProc) StartAt(resetCS uint32) {
	p.mu.Lock()
	p.startCS = resetCS
	p.down = false
	p.mu.Unlock()
}

func (p *testProc) CancelEmulation() {}

func (p *testProc) SetNMIPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	was := p.nmiPending
	p.nmiPending = true
	return was
}

func (p *testProc) InGuestMode() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inGuest
}

func (p *testProc) kickCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kicks
}

func (p *testProc) resetCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

func (p *testProc) startVector() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startCS
}

var _ Processor = (*testProc)(nil)

// fakeTimers drives ptimer callbacks from a manual clock.
type fakeTimers struct {
	mu    sync.Mutex
	clock *hv.ManualClock
	next  int
	armed map[int]*fakeTimer
}

type fakeTimer struct {
	id       int
	deadline uint64
	cb       func()
	owner    *fakeTimers
}

func newFakeTimers(clock *hv.ManualClock) *fakeTimers {
	return &fakeTimers{clock: clock, armed: make(map[int]*fakeTimer)}
}

func (f *fakeTimers) factory(delay time.Duration, cb func()) ptimer.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	timer := &fakeTimer{
		id:       f.next,
		deadline: f.clock.Time() + uint64(delay),
		cb:       cb,
		owner:    f,
	}
	f.next++
	f.armed[timer.id] = timer
	return timer
}

func (ft *fakeTimer) Stop() {
	ft.owner.mu.Lock()
	delete(ft.owner.armed, ft.id)
	ft.owner.mu.Unlock()
}

func (f *fakeTimers) advance(deltaNS uint64) {
	f.clock.Advance(deltaNS)
	now := f.clock.Time()

	for {
		f.mu.Lock()
		var due []*fakeTimer
		for _, timer := range f.armed {
			if timer.deadline <= now {
				due = append(due, timer)
			}
		}
		for _, timer := range due {
			delete(f.armed, timer.id)
		}
		f.mu.Unlock()

		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(a, b int) bool { return due[a].deadline < due[b].deadline })
		for _, timer := range due {
			timer.cb()
		}
	}
}

type testDomain struct {
	domain *Domain
	procs  []*testProc
	clock  *hv.ManualClock
	timers *fakeTimers
}

func newTestDomain(t *testing.T, vcpus int, cfg Config, platform *Platform) *testDomain {
	t.Helper()

	procs := make([]*testProc, vcpus)
	lprocs := make([]Processor, vcpus)
	for i := range procs {
		procs[i] = &testProc{id: i, initialised: true}
		lprocs[i] = procs[i]
	}

	clock := hv.NewManualClock(0)
	timers := newFakeTimers(clock)

	opts := []Option{
		WithClock(clock),
		WithTimerFactory(timers.factory),
		WithTaskletRunner(func(f func()) { f() }),
	}
	if platform != nil {
		opts = append(opts, WithPlatform(platform))
	}

	d, err := NewDomain(lprocs, cfg, opts...)
	if err != nil {
		t.Fatalf("NewDomain: %v", err)
	}
	t.Cleanup(d.Destroy)

	return &testDomain{domain: d, procs: procs, clock: clock, timers: timers}
}

// enable software-enables a controller the way a guest would.
func (td *testDomain) enable(vcpu int) {
	td.domain.LAPIC(vcpu).WriteReg(RegSPIV, 0x1ff)
}

// take emulates the processor accepting its highest pending vector.
func (td *testDomain) take(vcpu int) int {
	l := td.domain.LAPIC(vcpu)
	vec := l.HighestPending()
	if vec < 0 {
		return -1
	}
	l.AckPending(uint8(vec), false)
	return vec
}

// pendingESR reads and clears the latched error bits the way a guest
// does, with a write-then-read of the error status register.
func (td *testDomain) pendingESR(vcpu int) uint32 {
	l := td.domain.LAPIC(vcpu)
	l.WriteReg(RegESR, 0)
	return l.regs.Get(RegESR)
}

func TestResetState(t *testing.T) {
	td := newTestDomain(t, 2, Config{}, nil)
	l := td.domain.LAPIC(1)

	if got := l.regs.Get(RegID); got != 2<<24 {
		t.Fatalf("ID register = %#x, want %#x", got, 2<<24)
	}
	if got := l.regs.Get(RegVersion); got != Version {
		t.Fatalf("version = %#x, want %#x", got, Version)
	}
	if got := l.regs.Get(RegSPIV); got != 0xff {
		t.Fatalf("SPIV = %#x, want 0xff", got)
	}
	if got := l.regs.Get(RegDFR); got != 0xffffffff {
		t.Fatalf("DFR = %#x, want flat", got)
	}
	for i := uint32(0); i < numLVT; i++ {
		if got := l.regs.Get(RegLVTTimer + 0x10*i); got != lvtMasked {
			t.Fatalf("LVT %d = %#x, want masked", i, got)
		}
	}
	if l.Enabled() {
		t.Fatalf("controller enabled out of reset")
	}

	base := l.BaseMSR()
	if base&BaseMSREnable == 0 || base&baseMSRAddrMask != DefaultBaseAddress {
		t.Fatalf("base MSR = %#x", base)
	}
	if base&BaseMSRBSP != 0 {
		t.Fatalf("vcpu 1 reports BSP")
	}
	if td.domain.LAPIC(0).BaseMSR()&BaseMSRBSP == 0 {
		t.Fatalf("vcpu 0 does not report BSP")
	}
}

func TestSetIRQKicksOnce(t *testing.T) {
	td := newTestDomain(t, 1, Config{}, nil)
	td.enable(0)
	l := td.domain.LAPIC(0)
	before := td.procs[0].kickCount()

	l.SetIRQ(0x30, false)
	l.SetIRQ(0x30, false)

	if got := td.procs[0].kickCount() - before; got != 1 {
		t.Fatalf("kicked %d times for one pending vector, want 1", got)
	}
	if got := td.take(0); got != 0x30 {
		t.Fatalf("pending = %d, want 0x30", got)
	}
}

func TestInvalidVectorLatchesError(t *testing.T) {
	td := newTestDomain(t, 1, Config{}, nil)
	td.enable(0)
	l := td.domain.LAPIC(0)

	l.SetIRQ(5, false)

	if got := td.pendingESR(0); got&(1<<esrRecvIllegalBit) == 0 {
		t.Fatalf("ESR = %#x, receive-illegal not latched", got)
	}
	// The swap cleared it.
	l.WriteReg(RegESR, 0)
	if got := l.regs.Get(RegESR); got != 0 {
		t.Fatalf("ESR = %#x after clearing swap, want 0", got)
	}
}

func TestErrorInjectsErrorLVT(t *testing.T) {
	td := newTestDomain(t, 1, Config{}, nil)
	td.enable(0)
	l := td.domain.LAPIC(0)

	l.WriteReg(RegLVTError, 0xfe)
	l.SetIRQ(5, false)

	if got := td.take(0); got != 0xfe {
		t.Fatalf("pending = %d, want the error vector 0xfe", got)
	}

	// Repeating the same error while the bit is still latched does not
	// inject again.
	l.WriteReg(RegEOI, 0)
	l.SetIRQ(5, false)
	if got := td.take(0); got != -1 {
		t.Fatalf("pending = %d after duplicate error, want -1", got)
	}
}

func TestPPRFollowsTaskAndInService(t *testing.T) {
	td := newTestDomain(t, 1, Config{}, nil)
	td.enable(0)
	l := td.domain.LAPIC(0)

	if got := l.RefreshPPR(); got != 0 {
		t.Fatalf("idle PPR = %#x, want 0", got)
	}

	l.SetIRQ(0x45, false)
	if got := td.take(0); got != 0x45 {
		t.Fatalf("pending = %d, want 0x45", got)
	}
	if got := l.RefreshPPR(); got != 0x40 {
		t.Fatalf("PPR with 0x45 in service = %#x, want 0x40", got)
	}

	// A task priority in a higher class than in-service wins whole.
	l.WriteReg(RegTPR, 0x53)
	if got := l.RefreshPPR(); got != 0x53 {
		t.Fatalf("PPR = %#x, want TPR 0x53", got)
	}

	// Same class: TPR still wins.
	l.WriteReg(RegTPR, 0x41)
	if got := l.RefreshPPR(); got != 0x41 {
		t.Fatalf("PPR = %#x, want TPR 0x41", got)
	}

	// Lower class than in-service: class of ISR with zero subclass.
	l.WriteReg(RegTPR, 0x30)
	if got := l.RefreshPPR(); got != 0x40 {
		t.Fatalf("PPR = %#x, want 0x40", got)
	}
}

func TestHighestPendingGatesOnInService(t *testing.T) {
	td := newTestDomain(t, 1, Config{}, nil)
	td.enable(0)
	l := td.domain.LAPIC(0)

	l.SetIRQ(0x45, false)
	if got := td.take(0); got != 0x45 {
		t.Fatalf("pending = %d, want 0x45", got)
	}

	// Same priority class as in-service: held back.
	l.SetIRQ(0x41, false)
	if got := l.HighestPending(); got != -1 {
		t.Fatalf("pending = %d, want -1 while 0x45 in service", got)
	}

	// Higher class preempts.
	l.SetIRQ(0x52, false)
	if got := td.take(0); got != 0x52 {
		t.Fatalf("pending = %d, want 0x52", got)
	}

	// Completions unwind in priority order.
	l.WriteReg(RegEOI, 0)
	l.WriteReg(RegEOI, 0)
	if got := td.take(0); got != 0x41 {
		t.Fatalf("pending = %d after EOIs, want 0x41", got)
	}
}

func TestEOIOnEmptyInService(t *testing.T) {
	td := newTestDomain(t, 1, Config{}, nil)
	td.enable(0)
	l := td.domain.LAPIC(0)

	// Nothing in service: the write must be a harmless no-op.
	l.WriteReg(RegEOI, 0)

	if got := l.HighestPending(); got != -1 {
		t.Fatalf("pending = %d, want -1", got)
	}
}

func TestDisabledAcceptsNothing(t *testing.T) {
	td := newTestDomain(t, 1, Config{}, nil)
	l := td.domain.LAPIC(0)

	// Software-disabled out of reset.
	if got := l.HighestPending(); got != -1 {
		t.Fatalf("pending = %d on disabled controller", got)
	}

	td.enable(0)
	l.SetIRQ(0x30, false)

	// Disabling again masks every LVT and stops accepting.
	l.WriteReg(RegSPIV, 0xff)
	if l.Enabled() {
		t.Fatalf("still enabled after clearing SPIV enable bit")
	}
	for i := uint32(0); i < numLVT; i++ {
		if got := l.regs.Get(RegLVTTimer + 0x10*i); got&lvtMasked == 0 {
			t.Fatalf("LVT %d unmasked on a software-disabled controller", i)
		}
	}
}

type testAssist struct {
	mu    sync.Mutex
	flags map[int]bool
}

func newTestAssist() *testAssist { return &testAssist{flags: make(map[int]bool)} }

func (a *testAssist) Completed(p Processor) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flags[p.ID()]
}

func (a *testAssist) Clear(p Processor) {
	a.mu.Lock()
	a.flags[p.ID()] = false
	a.mu.Unlock()
}

func (a *testAssist) Set(p Processor) {
	a.mu.Lock()
	a.flags[p.ID()] = true
	a.mu.Unlock()
}

func TestAssistElidesAndReplaysEOI(t *testing.T) {
	assist := newTestAssist()
	td := newTestDomain(t, 1, Config{}, &Platform{Assist: assist})
	td.enable(0)
	l := td.domain.LAPIC(0)

	// An edge interrupt with empty in-service state sets the assist
	// flag when accepted.
	l.SetIRQ(0x45, false)
	if got := td.take(0); got != 0x45 {
		t.Fatalf("pending = %d, want 0x45", got)
	}
	if !assist.Completed(td.procs[0]) {
		t.Fatalf("assist flag not set on eligible acceptance")
	}

	// The guest completes 0x45 through the assist page (no EOI write),
	// then a second interrupt arrives and is completed with a real
	// write. That write must retire 0x45 first and replay for 0x52.
	l.SetIRQ(0x52, false)
	if got := td.take(0); got != 0x52 {
		t.Fatalf("pending = %d, want 0x52", got)
	}
	l.WriteReg(RegEOI, 0)

	if got := l.highestISR(); got != -1 {
		t.Fatalf("ISR = %#x after replayed EOI, want empty", got)
	}
}

func TestNMIDeliveredOnce(t *testing.T) {
	td := newTestDomain(t, 2, Config{}, nil)

	td.domain.Deliver(DeliverNMI, 0, 2, false, false)

	p := td.procs[1]
	p.mu.Lock()
	pending := p.nmiPending
	p.mu.Unlock()
	if !pending {
		t.Fatalf("NMI not latched")
	}
	kicks := p.kickCount()

	// Already latched: no further wake-up work.
	td.domain.Deliver(DeliverNMI, 0, 2, false, false)
	if got := p.kickCount(); got != kicks {
		t.Fatalf("second NMI kicked again (%d -> %d)", kicks, got)
	}
}

func TestLegacyTargetFollowsLINT0(t *testing.T) {
	td := newTestDomain(t, 2, Config{}, nil)
	td.enable(0)
	td.enable(1)

	if !td.domain.AcceptLegacyIntr(0) {
		t.Fatalf("vcpu 0 does not accept legacy interrupts by default")
	}

	// Program vcpu 1's LINT0 as unmasked ExtINT and move the target.
	td.domain.LAPIC(1).WriteReg(RegLVTLINT0, DeliverExtINT)
	if !td.domain.AcceptLegacyIntr(1) {
		t.Fatalf("vcpu 1 rejected legacy interrupts with ExtINT LINT0")
	}
	if td.domain.AcceptLegacyIntr(0) {
		t.Fatalf("vcpu 0 still the legacy target")
	}
}
