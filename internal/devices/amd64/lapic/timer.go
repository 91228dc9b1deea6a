package lapic

import (
	"log/slog"
	"sync/atomic"
)

func (l *LAPIC) lvttMode() uint32 {
	return l.regs.Get(RegLVTTimer) & lvtTimerModeMask
}

func (l *LAPIC) lvttOneshot() bool  { return l.lvttMode() == lvtTimerOneshot }
func (l *LAPIC) lvttPeriodic() bool { return l.lvttMode() == lvtTimerPeriodic }
func (l *LAPIC) lvttDeadline() bool { return l.lvttMode() == lvtTimerTSCDeadline }

func (l *LAPIC) busCycle() uint64 {
	return uint64(l.domain.cfg.BusCycleNS)
}

// setTimerDiv stores the divide configuration register and demangles
// it into hw.TimerDivisor. Only bits 0, 1 and 3 are settable.
func (l *LAPIC) setTimerDiv(val uint32) {
	val &= timerDivMask
	l.regs.Set(RegTimerDiv, val)

	val = ((val & 3) | ((val & 8) >> 1)) + 1
	l.hw.TimerDivisor = 1 << (val & 7)
}

// tmcct derives the current-count register from elapsed guest time.
// A zero last-update means the countdown is torn down and the count
// reads zero.
func (l *LAPIC) tmcct() uint32 {
	tmict := l.regs.Get(RegTimerInit)
	lastUpdate := l.timerLastUpdate.Load()

	counterPassed := (l.domain.clock.Time() - lastUpdate) /
		(l.busCycle() * uint64(l.hw.TimerDivisor))

	var tmcct uint32
	if tmict != 0 && lastUpdate != 0 {
		if l.lvttPeriodic() {
			counterPassed %= uint64(tmict)
		}
		if counterPassed < uint64(tmict) {
			tmcct = tmict - uint32(counterPassed)
		}
	}
	return tmcct
}

func (l *LAPIC) periodicTick(now uint64) {
	l.timerLastUpdate.Store(now)
}

func (l *LAPIC) deadlineTick(now uint64) {
	l.timerLastUpdate.Store(now)
	atomic.StoreUint64(&l.hw.TDTMSR, 0)
}

// updateTimer reprograms the countdown after a write to a timer
// register. The initial-count register must already hold its new
// value; lvtt is the incoming LVT timer value (only the mode bits
// matter, the register itself may not be written yet) and oldDivisor
// the divisor from before the write.
func (l *LAPIC) updateTimer(lvtt uint32, tmictUpdated bool, oldDivisor uint32) {
	isPeriodic := lvtt&lvtTimerModeMask == lvtTimerPeriodic
	isOneshot := lvtt&lvtTimerModeMask == lvtTimerOneshot

	period := uint64(l.regs.Get(RegTimerInit)) * l.busCycle() * uint64(oldDivisor)

	// How far into the future the next tick lands.
	var delta uint64
	if tmictUpdated {
		delta = period
	} else if period != 0 && l.timerLastUpdate.Load() != 0 {
		timePassed := l.domain.clock.Time() - l.timerLastUpdate.Load()

		// Wraps under the previous mode if a new mode is being set.
		if l.lvttPeriodic() {
			timePassed %= period
		}
		if timePassed < period {
			delta = period - timePassed
		}
	}

	if delta != 0 && (isOneshot || isPeriodic) {
		var timerPeriod uint64

		if l.hw.TimerDivisor != oldDivisor {
			period = uint64(l.regs.Get(RegTimerInit)) * l.busCycle() *
				uint64(l.hw.TimerDivisor)
			delta = delta * uint64(l.hw.TimerDivisor) / uint64(oldDivisor)
		}

		var onFire func(uint64)
		if isPeriodic {
			timerPeriod = period
			onFire = l.periodicTick
		}

		last := l.pt.Register(delta, timerPeriod, l.timerVec, onFire, false)
		if !tmictUpdated {
			// Backdate so the current count keeps reflecting the
			// partially elapsed period.
			last -= period - delta
		}
		l.timerLastUpdate.Store(last)
	} else {
		l.pt.Destroy()
		// The current count reads zero until the initial count is
		// written again.
		l.timerLastUpdate.Store(0)
	}
}

// TDTMSR returns the TSC-deadline value, which reads as zero outside
// deadline mode.
func (l *LAPIC) TDTMSR() uint64 {
	if !l.lvttDeadline() {
		return 0
	}
	return atomic.LoadUint64(&l.hw.TDTMSR)
}

// SetTDTMSR programs the TSC deadline: a future deadline arms a
// one-shot countdown, a past nonzero deadline fires immediately, zero
// disarms.
func (l *LAPIC) SetTDTMSR(value uint64) {
	if l.hwDisabled() {
		return
	}
	if !l.lvttDeadline() {
		slog.Debug("lapic: ignoring TSC deadline write outside deadline mode",
			"vcpu", l.proc.ID())
		return
	}

	guestTSC := l.domain.clock.TSC()
	if value > guestTSC {
		delta := l.domain.clock.TSCToTime(value - guestTSC)
		atomic.StoreUint64(&l.hw.TDTMSR, value)
		start := l.pt.Register(delta, 0, l.timerVec, l.deadlineTick, false)
		l.timerLastUpdate.Store(start)
		return
	}

	// The deadline is already behind the TSC: it reads back as zero,
	// and a nonzero write still owes the guest a tick.
	atomic.StoreUint64(&l.hw.TDTMSR, 0)
	if value > 0 {
		start := l.pt.Register(0, 0, l.timerVec, l.deadlineTick, false)
		l.timerLastUpdate.Store(start)
	} else {
		l.pt.Destroy()
	}
}

// rearmTimer restarts the countdown after a restore, from the
// restored register file and hidden state.
func (l *LAPIC) rearmTimer() {
	l.timerVec = uint8(l.regs.Get(RegLVTTimer))

	if l.lvttDeadline() {
		if tdt := l.TDTMSR(); tdt != 0 {
			l.SetTDTMSR(tdt)
		}
		return
	}

	tmict := l.regs.Get(RegTimerInit)
	if tmict == 0 {
		return
	}

	period := l.busCycle() * uint64(tmict) * uint64(l.hw.TimerDivisor)

	var timerPeriod uint64
	var onFire func(uint64)
	if l.lvttPeriodic() {
		timerPeriod = period
		onFire = l.periodicTick
	}

	start := l.pt.Register(period, timerPeriod, l.timerVec, onFire, false)
	l.timerLastUpdate.Store(start)
}

// InjectTimer implements ptimer.Injector.
func (l *LAPIC) InjectTimer(vector uint8) {
	l.SetIRQ(vector, false)
}

// TimerMasked implements ptimer.Injector: ticks are held while the
// controller is disabled or the LVT timer entry is masked.
func (l *LAPIC) TimerMasked() bool {
	return !l.Enabled() || l.regs.Get(RegLVTTimer)&lvtMasked != 0
}
