package lapic

import (
	"sync/atomic"

	"github.com/tinyrange/vapic/internal/hv"
	"github.com/tinyrange/vapic/internal/ptimer"
)

// Controller disable reasons, ORed into hwState.Disabled.
const (
	hwDisabledFlag = 0x1 // base MSR enable bit cleared
	swDisabledFlag = 0x2 // spurious register enable bit cleared
)

// hwState is the controller state that lives outside the register
// page. It is saved verbatim in the hidden record. BaseMSR, Disabled
// and PendingESR are accessed atomically.
type hwState struct {
	BaseMSR      uint64
	Disabled     uint32
	TimerDivisor uint32
	TDTMSR       uint64
	PendingESR   uint32
}

// LAPIC is one processor's local interrupt controller.
type LAPIC struct {
	domain *Domain
	proc   Processor
	regs   *RegPage

	hw hwState

	// timerVec mirrors the vector of the last LVT timer write; the
	// armed timer keeps delivering it even while the register changes
	// under it.
	timerVec        uint8
	timerLastUpdate atomic.Uint64
	pt              *ptimer.Source

	initSIPI struct {
		icr     atomic.Uint32
		dest    atomic.Uint32
		tasklet *hv.Tasklet
	}

	// loaded stages identity registers during restore so fixups can
	// run once both records are in.
	loaded struct {
		id, ldr  uint32
		hw, regs bool
	}
}

func newLAPIC(d *Domain, proc Processor) (*LAPIC, error) {
	regs, err := d.alloc.AllocRegsPage()
	if err != nil {
		return nil, err
	}

	l := &LAPIC{
		domain: d,
		proc:   proc,
		regs:   regs,
	}

	var ptOpts []ptimer.Option
	if d.timerFactory != nil {
		ptOpts = append(ptOpts, ptimer.WithTimerFactory(d.timerFactory))
	}
	l.pt = ptimer.New(d.clock, l, ptOpts...)

	l.initSIPI.tasklet = hv.NewTasklet(l.initSIPIAction)
	if d.taskletRunner != nil {
		l.initSIPI.tasklet.SetRunner(d.taskletRunner)
	}

	l.Reset()
	return l, nil
}

func (l *LAPIC) destroy() {
	l.initSIPI.tasklet.Kill()
	l.pt.Destroy()
}

// Processor returns the processor this controller belongs to.
func (l *LAPIC) Processor() Processor { return l.proc }

// Regs exposes the register file for accelerated-access platforms.
func (l *LAPIC) Regs() *RegPage { return l.regs }

func (l *LAPIC) BaseMSR() uint64 {
	return atomic.LoadUint64(&l.hw.BaseMSR)
}

func (l *LAPIC) setBaseMSR(val uint64) {
	atomic.StoreUint64(&l.hw.BaseMSR, val)
}

func (l *LAPIC) x2apicMode() bool {
	return l.BaseMSR()&BaseMSRExtd != 0
}

func (l *LAPIC) xapicMode() bool {
	return !l.hwDisabled() && l.BaseMSR()&BaseMSRExtd == 0
}

func (l *LAPIC) clearLoaded() {
	l.loaded.id, l.loaded.ldr = 0, 0
	l.loaded.hw, l.loaded.regs = false, false
}

// baseAddress is the location of the xAPIC MMIO window.
func (l *LAPIC) baseAddress() uint64 {
	return l.BaseMSR() & baseMSRAddrMask
}

func (l *LAPIC) hwDisabled() bool {
	return atomic.LoadUint32(&l.hw.Disabled)&hwDisabledFlag != 0
}

func (l *LAPIC) swDisabled() bool {
	return atomic.LoadUint32(&l.hw.Disabled)&swDisabledFlag != 0
}

func (l *LAPIC) disabled() bool {
	return atomic.LoadUint32(&l.hw.Disabled) != 0
}

// Enabled reports whether the controller accepts interrupts: hardware
// enabled via the base MSR and software enabled via the spurious
// register.
func (l *LAPIC) Enabled() bool { return !l.disabled() }

func (l *LAPIC) highestISR() int {
	return l.regs.HighestVector(RegISR)
}

func (l *LAPIC) highestIRR() int {
	if sync := l.domain.platform.SyncPostedIntr; sync != nil {
		sync(l.proc)
	}
	return l.regs.HighestVector(RegIRR)
}

// computePPR derives the processor priority from the task priority
// and the highest in-service vector: the task priority wins when its
// priority class is at least the in-service class, otherwise the
// in-service class with a zero subclass.
func (l *LAPIC) computePPR() uint32 {
	tpr := l.regs.Get(RegTPR)
	isrv := uint32(0)
	if isr := l.highestISR(); isr != -1 {
		isrv = uint32(isr)
	}

	if tpr&0xf0 >= isrv&0xf0 {
		return tpr & 0xff
	}
	return isrv & 0xf0
}

// RefreshPPR recomputes the processor priority register and returns
// it. Platforms call this before entering the guest.
func (l *LAPIC) RefreshPPR() uint32 {
	ppr := l.computePPR()
	l.regs.Set(RegPPR, ppr)
	return ppr
}

// reportError latches an error status bit and injects the error LVT
// vector on the bit's first setter. An unmasked error LVT with an
// illegal vector would recurse straight back here, so it only injects
// when injection can succeed and folds in receive-illegal otherwise.
func (l *LAPIC) reportError(bit uint32) {
	mask := uint32(1) << bit
	if atomic.OrUint32(&l.hw.PendingESR, mask)&mask != 0 {
		return
	}

	lvterr := l.regs.Get(RegLVTError)
	inj := false
	if lvterr&lvtMasked == 0 {
		if vectorValid(uint8(lvterr)) {
			inj = true
		} else {
			atomic.OrUint32(&l.hw.PendingESR, 1<<esrRecvIllegalBit)
		}
	}

	if inj {
		l.SetIRQ(uint8(lvterr), false)
	}
}

// SetIRQ accepts a fixed interrupt: records the trigger mode, then
// hands the vector to posted-interrupt hardware or sets it pending in
// the IRR. The target is kicked on every posted delivery but only on
// a 0->1 IRR transition otherwise.
func (l *LAPIC) SetIRQ(vec uint8, trig bool) {
	if !vectorValid(vec) {
		l.reportError(esrRecvIllegalBit)
		return
	}

	if trig {
		l.regs.SetVector(RegTMR, vec)
	} else {
		l.regs.ClearVector(RegTMR, vec)
	}

	p := l.domain.platform
	if p.UpdateEOIExitBitmap != nil {
		p.UpdateEOIExitBitmap(l.proc, vec, trig)
	}

	if p.DeliverPostedIntr != nil {
		p.DeliverPostedIntr(l.proc, vec)
		l.proc.Kick()
		return
	}

	if !l.regs.TestAndSetVector(RegIRR, vec) {
		l.proc.Kick()
	}
}

// TestIRQ reports whether vec is pending, including in a posted
// descriptor not yet synced to the IRR.
func (l *LAPIC) TestIRQ(vec uint8) bool {
	if !vectorValid(vec) {
		return false
	}

	if test := l.domain.platform.TestPostedIntr; test != nil && test(l.proc, vec) {
		return true
	}

	return l.regs.TestVector(RegIRR, vec)
}

// deliverNMI latches the processor's pending-NMI flag and, on the
// first latch, wakes a parked but initialised target.
func (l *LAPIC) deliverNMI() {
	if l.proc.SetNMIPending() {
		return
	}

	wake := false
	l.domain.mu.Lock()
	if l.proc.IsInitialised() {
		wake = l.proc.TestAndClearDown()
	}
	l.domain.mu.Unlock()

	if wake {
		l.proc.Wake()
	}
	l.proc.Kick()
}

// SignalEOI completes the highest in-service vector. If the assist
// enlightenment elided an earlier EOI, that higher-priority completion
// is emulated first and the write's own completion replayed once.
func (l *LAPIC) SignalEOI() {
	assist := l.domain.platform.Assist
	missedEOI := assist != nil && assist.Completed(l.proc)

	for {
		vector := l.highestISR()
		if vector == -1 {
			return
		}

		if !missedEOI && assist != nil {
			assist.Clear(l.proc)
		}

		l.regs.ClearVector(RegISR, uint8(vector))

		if h := l.domain.platform.HandleEOI; h != nil {
			h(uint8(vector), l.highestISR())
		}

		l.handleEOI(uint8(vector))

		if !missedEOI {
			return
		}
		missedEOI = false
	}
}

func (l *LAPIC) handleEOI(vector uint8) {
	level := l.regs.TestVector(RegTMR, vector)
	l.domain.notifyEOI(vector, level)
}

// HighestPending returns the vector the processor should take next,
// or -1. With virtual interrupt delivery the comparison against the
// processor priority is the hardware's job, except while running a
// nested guest.
func (l *LAPIC) HighestPending() int {
	if !l.Enabled() {
		return -1
	}

	p := l.domain.platform

	// Poll synthetic sources first; the poll may assert into the IRR.
	if p.Synthetic != nil {
		p.Synthetic.Poll(l.proc)
	}

	irr := l.highestIRR()
	if irr == -1 {
		return -1
	}

	if p.VirtualIntrDelivery && !l.proc.InGuestMode() {
		return irr
	}

	// An elided EOI must be emulated before ISR means anything.
	if p.Assist != nil && p.Assist.Completed(l.proc) {
		l.SignalEOI()
	}

	isr := l.highestISR()
	if isr >= 0 && irr&0xf0 <= isr&0xf0 {
		// A lower-or-equal-priority vector arrived while one is in
		// service; the assist shortcut no longer applies.
		if p.Assist != nil {
			p.Assist.Clear(l.proc)
		}
		return -1
	}

	return irr
}

// AckPending moves vector from pending to in-service as the processor
// takes it. With virtual interrupt delivery the transition already
// happened in hardware unless force is set.
func (l *LAPIC) AckPending(vector uint8, force bool) bool {
	p := l.domain.platform

	if !force && p.VirtualIntrDelivery {
		return true
	}

	if p.Assist != nil && !l.regs.TestVector(RegTMR, vector) {
		if l.highestISR() == -1 && vector > 0x10 {
			// Edge triggered, outside the legacy range, nothing in
			// service below it: the EOI exit can be elided.
			p.Assist.Set(l.proc)
		}
	}

	if p.Synthetic == nil || !p.Synthetic.AutoEOI(l.proc, vector) {
		l.regs.SetVector(RegISR, vector)
	}
	l.regs.ClearVector(RegIRR, vector)

	return true
}

// doInit resets the architectural registers to their INIT values.
// The logical destination register survives in x2APIC mode, where it
// is read-only and derived from the ID.
func (l *LAPIC) doInit() {
	l.regs.Set(RegVersion, Version)

	for i := uint32(0); i < 8; i++ {
		l.regs.Set(RegIRR+0x10*i, 0)
		l.regs.Set(RegISR+0x10*i, 0)
		l.regs.Set(RegTMR+0x10*i, 0)
	}
	l.regs.Set(RegICRLow, 0)
	l.regs.Set(RegICRHigh, 0)
	if !l.x2apicMode() {
		l.regs.Set(RegLDR, 0)
	}
	l.regs.Set(RegTPR, 0)
	l.regs.Set(RegTimerInit, 0)
	l.regs.Set(RegTimerCur, 0)
	l.setTimerDiv(0)

	l.regs.Set(RegDFR, 0xffffffff)

	for i := uint32(0); i < numLVT; i++ {
		l.regs.Set(RegLVTTimer+0x10*i, lvtMasked)
	}

	l.regs.Set(RegSPIV, 0xff)
	atomic.OrUint32(&l.hw.Disabled, swDisabledFlag)

	l.pt.Destroy()
}

// Reset restores the power-on state: base MSR enabled at the default
// window (BSP bit on processor 0), APIC ID derived from the processor
// ID, everything else as after INIT.
func (l *LAPIC) Reset() {
	base := uint64(BaseMSREnable | DefaultBaseAddress)
	if l.proc.ID() == 0 {
		base |= BaseMSRBSP
	}
	l.setBaseMSR(base)

	l.regs.Set(RegID, uint32(l.proc.ID()*2)<<24)
	l.doInit()
}

func x2apicLDRFromID(id uint32) uint32 {
	return (id&^0xf)<<12 | 1<<(id&0xf)
}

// setX2APICID derives the x2APIC ID and LDR. Domains restored from a
// hypervisor that derived LDRs from processor IDs keep that
// derivation so logical addressing stays consistent with what the
// guest has already read.
func (l *LAPIC) setX2APICID() {
	id := uint32(l.proc.ID() * 2)
	ldr := x2apicLDRFromID(id)
	if l.domain.bugLDRFromVCPUID.Load() {
		ldr = x2apicLDRFromID(uint32(l.proc.ID()))
	}

	l.regs.Set(RegID, id)
	l.regs.Set(RegLDR, ldr)
}
