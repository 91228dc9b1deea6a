package lapic

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/vapic/internal/hv"
)

// ErrUnhandledAccess reports an accelerated register access the
// controller cannot replay.
var ErrUnhandledAccess = errors.New("lapic: unhandleable accelerated access")

// lvtWriteMask returns the writable bits of an LVT register.
func lvtWriteMask(reg uint32) uint32 {
	switch reg {
	case RegLVTTimer:
		return lvtMask | lvtTimerModeMask
	case RegLVTThermal, RegLVTPerf:
		return lvtMask | icrDeliveryMask
	case RegLVTLINT0, RegLVTLINT1:
		return lintMask
	default: // RegLVTError
		return lvtMask
	}
}

// WriteReg applies a semantically complete 32-bit register write.
// reg must be 16-byte aligned. Writes to read-only or undefined
// registers are dropped.
func (l *LAPIC) WriteReg(reg, val uint32) {
	l.clearLoaded()

	switch reg {
	case RegID:
		l.regs.Set(RegID, val)

	case RegESR:
		// Reading the error status requires a preceding write; the
		// write snapshots the accumulated bits into the register.
		val = atomic.SwapUint32(&l.hw.PendingESR, 0)
		l.regs.Set(RegESR, val)

	case RegTPR:
		l.regs.Set(RegTPR, val&0xff)

	case RegEOI:
		l.SignalEOI()

	case RegLDR:
		l.regs.Set(RegLDR, val&0xff000000)

	case RegDFR:
		// Model bits only; the rest reads as ones.
		l.regs.Set(RegDFR, val|0x0fffffff)

	case RegSPIV:
		l.regs.Set(RegSPIV, val&spivWriteMask)

		if val&spivEnabled == 0 {
			atomic.OrUint32(&l.hw.Disabled, swDisabledFlag)

			// Software disable masks every LVT entry.
			for i := uint32(0); i < numLVT; i++ {
				lvt := l.regs.Get(RegLVTTimer + 0x10*i)
				l.regs.Set(RegLVTTimer+0x10*i, lvt|lvtMasked)
			}
		} else {
			atomic.AndUint32(&l.hw.Disabled, ^uint32(swDisabledFlag))
			l.pt.MayUnmask()
		}

	case RegICRLow:
		val &^= icrSendPending
		l.sendIPI(val, l.regs.Get(RegICRHigh))
		l.regs.Set(RegICRLow, val)

	case RegICRHigh:
		l.regs.Set(RegICRHigh, val&0xff000000)

	case RegLVTTimer:
		// Switching into or out of deadline mode clears both
		// countdown programmings.
		if l.lvttDeadline() != (val&lvtTimerModeMask == lvtTimerTSCDeadline) {
			l.regs.Set(RegTimerInit, 0)
			atomic.StoreUint64(&l.hw.TDTMSR, 0)
		}
		l.timerVec = uint8(val)
		l.updateTimer(val, false, l.hw.TimerDivisor)
		fallthrough

	case RegLVTThermal, RegLVTPerf, RegLVTLINT0, RegLVTLINT1, RegLVTError:
		if l.swDisabled() {
			val |= lvtMasked
		}
		val &= lvtWriteMask(reg)
		l.regs.Set(reg, val)

		if reg == RegLVTLINT0 {
			l.domain.AdjustLegacyTarget()
		}
		if reg == RegLVTTimer && val&lvtMasked == 0 {
			l.pt.MayUnmask()
		}
		if reg == RegLVTPerf {
			if h := l.domain.platform.LVTPCUpdate; h != nil {
				h(val)
			}
		}

	case RegTimerInit:
		if !l.lvttOneshot() && !l.lvttPeriodic() {
			break
		}
		l.regs.Set(RegTimerInit, val)
		l.updateTimer(l.regs.Get(RegLVTTimer), true, l.hw.TimerDivisor)

	case RegTimerDiv:
		oldDivisor := l.hw.TimerDivisor
		l.setTimerDiv(val)
		l.updateTimer(l.regs.Get(RegLVTTimer), false, oldDivisor)
	}
}

// readAligned reads one 16-byte-aligned register with its read side
// effects: the processor priority and current count are derived, and
// the countdown registers read zero outside countdown modes.
func (l *LAPIC) readAligned(offset uint32) uint32 {
	switch offset {
	case RegPPR:
		return l.computePPR()

	case RegTimerCur:
		if !l.lvttOneshot() && !l.lvttPeriodic() {
			return 0
		}
		return l.tmcct()

	case RegTimerInit:
		if !l.lvttOneshot() && !l.lvttPeriodic() {
			return 0
		}
		return l.regs.Get(offset)

	default:
		return l.regs.Get(offset)
	}
}

// MMIORegions implements hv.MemoryMappedIODevice for the xAPIC
// window.
func (l *LAPIC) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: l.baseAddress(), Size: PageSize}}
}

// Range reports whether the controller currently decodes addr: only
// in xAPIC mode while hardware enabled.
func (l *LAPIC) Range(addr uint64) bool {
	offset := addr - l.baseAddress()
	return !l.hwDisabled() && !l.x2apicMode() && offset < PageSize
}

// ReadMMIO handles an xAPIC window load. Registers are 32-bit values
// on 16-byte boundaries; any access fully contained in one register
// is honored, everything else reads as zeros.
func (l *LAPIC) ReadMMIO(addr uint64, data []byte) error {
	offset := uint32(addr - l.baseAddress())
	alignment := offset & 0xf

	var result uint32
	if int(alignment)+len(data) <= 4 && offset <= RegTimerDiv+3 {
		result = l.readAligned(offset&^0xf) >> (alignment * 8)
	}

	for i := range data {
		data[i] = byte(result >> (8 * i))
	}
	return nil
}

// WriteMMIO handles an xAPIC window store. Stores narrower than the
// register are merged with its current value; stores that cross a
// register boundary are dropped.
func (l *LAPIC) WriteMMIO(addr uint64, data []byte) error {
	offset := uint32(addr - l.baseAddress())
	alignment := offset & 0xf
	reg := offset &^ 0xf

	if int(alignment)+len(data) > 4 || reg > RegTimerDiv {
		return nil
	}

	var val uint32
	for i, b := range data {
		val |= uint32(b) << (8 * i)
	}

	if len(data) < 4 {
		cur := l.readAligned(reg)
		shift := alignment * 8
		mask := (uint32(1)<<(8*uint32(len(data))) - 1) << shift
		val = cur&^mask | val<<shift
	}

	l.WriteReg(reg, val)
	return nil
}

// x2apicReadable is the bitmask of register indexes (offset >> 4)
// readable as MSRs in x2APIC mode.
var x2apicReadable = func() uint64 {
	regs := []uint32{
		RegID, RegVersion, RegTPR, RegPPR, RegLDR, RegSPIV, RegESR,
		RegICRLow, RegCMCI, RegLVTTimer, RegLVTThermal, RegLVTPerf,
		RegLVTLINT0, RegLVTLINT1, RegLVTError, RegTimerInit,
		RegTimerCur, RegTimerDiv,
	}
	var m uint64
	for _, r := range regs {
		m |= 1 << (r >> 4)
	}
	for i := uint32(0); i < 8; i++ {
		m |= 1 << ((RegISR >> 4) + i)
		m |= 1 << ((RegTMR >> 4) + i)
		m |= 1 << ((RegIRR >> 4) + i)
	}
	return m
}()

// ReadMSR handles an x2APIC register load. Unreadable and undefined
// registers fault.
func (l *LAPIC) ReadMSR(msr uint32) (uint64, error) {
	reg := msr - MSRBase
	if !l.x2apicMode() || reg >= 64 || x2apicReadable&(1<<reg) == 0 {
		return 0, hv.ErrGuestFault
	}

	offset := reg << 4
	var high uint64
	if offset == RegICRLow {
		high = uint64(l.readAligned(RegICRHigh)) << 32
	}
	return high | uint64(l.readAligned(offset)), nil
}

// WriteMSR handles an x2APIC register store. Reserved bits fault
// strictly, unlike the forgiving xAPIC window.
func (l *LAPIC) WriteMSR(msr uint32, val uint64) error {
	reg := msr - MSRBase
	if !l.x2apicMode() || reg >= 0x100 {
		return hv.ErrGuestFault
	}
	offset := reg << 4

	switch offset {
	case RegTPR:
		if val&^0xff != 0 {
			return hv.ErrGuestFault
		}

	case RegSPIV:
		if val&^uint64(icrVectorMask|spivEnabled|spivFocusDisabled) != 0 {
			return hv.ErrGuestFault
		}

	case RegLVTTimer:
		if val&^uint64(lvtMask|lvtTimerModeMask) != 0 {
			return hv.ErrGuestFault
		}

	case RegLVTThermal, RegLVTPerf, RegCMCI:
		if val&^uint64(lvtMask|icrDeliveryMask) != 0 {
			return hv.ErrGuestFault
		}

	case RegLVTLINT0, RegLVTLINT1:
		if val&^uint64(lintMask) != 0 {
			return hv.ErrGuestFault
		}

	case RegLVTError:
		if val&^uint64(lvtMask) != 0 {
			return hv.ErrGuestFault
		}

	case RegTimerInit:

	case RegTimerDiv:
		if val&^uint64(timerDivMask) != 0 {
			return hv.ErrGuestFault
		}

	case RegICRLow:
		if uint32(val)&^uint32(icrVectorMask|icrDeliveryMask|icrDestLogical|
			icrLevelAssert|icrLevelTrig|icrShortMask) != 0 {
			return hv.ErrGuestFault
		}
		// The full 64-bit ICR: destination in the high half.
		l.regs.Set(RegICRHigh, uint32(val>>32))

	case RegSelfIPI:
		if val&^uint64(icrVectorMask) != 0 {
			return hv.ErrGuestFault
		}
		offset = RegICRLow
		val = ShortSelf | val&icrVectorMask

	case RegEOI, RegESR:
		if val != 0 {
			return hv.ErrGuestFault
		}

	default:
		return hv.ErrGuestFault
	}

	l.WriteReg(offset, uint32(val))
	return nil
}

// WriteBaseMSR handles a store to the APIC base MSR: reserved bits,
// window moves and illegal mode transitions fault; enable transitions
// reset the controller.
func (l *LAPIC) WriteBaseMSR(val uint64) error {
	allowed := uint64(baseMSRAddrMask | BaseMSREnable | BaseMSRBSP)
	if l.domain.cfg.X2APICCapable {
		allowed |= BaseMSRExtd
	}
	if val&^allowed != 0 {
		return hv.ErrGuestFault
	}

	// Relocating the xAPIC window is unsupported: the architectural
	// default is the only decoded location.
	if val&(BaseMSRExtd|BaseMSREnable) == BaseMSREnable &&
		val&baseMSRAddrMask != DefaultBaseAddress {
		slog.Info("lapic: guest tried to move the APIC MMIO window",
			"vcpu", l.proc.ID(), "val", val)
		return hv.ErrGuestFault
	}

	old := l.BaseMSR()
	if (old^val)&BaseMSREnable != 0 {
		// Enable and extended cannot change together.
		if val&BaseMSRExtd != 0 {
			return hv.ErrGuestFault
		}

		if val&BaseMSREnable != 0 {
			l.Reset()
			atomic.AndUint32(&l.hw.Disabled, ^uint32(hwDisabledFlag))
			l.pt.MayUnmask()
		} else {
			atomic.OrUint32(&l.hw.Disabled, hwDisabledFlag)
		}
	} else if (old^val)&BaseMSRExtd != 0 && !l.xapicMode() {
		// Extended mode can only be entered from xAPIC and left to it.
		return hv.ErrGuestFault
	}

	l.setBaseMSR(val)
	l.clearLoaded()

	if l.x2apicMode() {
		l.setX2APICID()
	}

	if h := l.domain.platform.ModeUpdate; h != nil {
		h(l.proc)
	}
	return nil
}

// HandleAcceleratedWrite replays a register write the platform
// completed into the register file without decoding. offset must be
// 16-byte aligned.
func (l *LAPIC) HandleAcceleratedWrite(offset uint32) error {
	val := l.regs.Get(offset &^ 0xf)

	if l.x2apicMode() {
		if offset != RegSelfIPI {
			return ErrUnhandledAccess
		}
		offset = RegICRLow
		val = ShortSelf | val&icrVectorMask
	}

	l.WriteReg(offset&^0xf, val)
	return nil
}
