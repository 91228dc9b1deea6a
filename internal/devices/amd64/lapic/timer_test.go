package lapic

import "testing"

// newTimerDomain builds a single-processor domain with the controller
// enabled, the divide register at divide-by-1 and the clock moved off
// zero so countdown bookkeeping has a nonzero epoch.
func newTimerDomain(t *testing.T) *testDomain {
	t.Helper()
	td := newTestDomain(t, 1, Config{}, nil)
	td.enable(0)
	td.domain.LAPIC(0).WriteReg(RegTimerDiv, 0xb)
	td.timers.advance(5)
	return td
}

func TestDivideConfiguration(t *testing.T) {
	td := newTestDomain(t, 1, Config{}, nil)
	l := td.domain.LAPIC(0)

	cases := []struct {
		val     uint32
		divisor uint32
	}{
		{0x0, 2},
		{0x1, 4},
		{0x2, 8},
		{0x3, 16},
		{0x8, 32},
		{0x9, 64},
		{0xa, 128},
		{0xb, 1},
	}
	for _, c := range cases {
		l.WriteReg(RegTimerDiv, c.val)
		if l.hw.TimerDivisor != c.divisor {
			t.Fatalf("divide value %#x: divisor = %d, want %d",
				c.val, l.hw.TimerDivisor, c.divisor)
		}
		// Only the architectural bits stick in the register.
		if got := l.regs.Get(RegTimerDiv); got != c.val&timerDivMask {
			t.Fatalf("divide register = %#x, want %#x", got, c.val&timerDivMask)
		}
	}
}

func TestOneshotCountdown(t *testing.T) {
	td := newTimerDomain(t)
	l := td.domain.LAPIC(0)

	l.WriteReg(RegLVTTimer, 0x50) // one-shot, unmasked
	l.WriteReg(RegTimerInit, 100)

	if got := l.readAligned(RegTimerCur); got != 100 {
		t.Fatalf("current count = %d at arm, want 100", got)
	}

	// 40 bus cycles in: count down by 40.
	td.timers.advance(400)
	if got := l.readAligned(RegTimerCur); got != 60 {
		t.Fatalf("current count = %d, want 60", got)
	}
	if got := td.take(0); got != -1 {
		t.Fatalf("vector %d delivered before expiry", got)
	}

	td.timers.advance(600)
	if got := td.take(0); got != 0x50 {
		t.Fatalf("pending = %d at expiry, want 0x50", got)
	}

	// Expired one-shot reads zero and stays there.
	if got := l.readAligned(RegTimerCur); got != 0 {
		t.Fatalf("current count = %d after expiry, want 0", got)
	}
	td.timers.advance(1000)
	if got := l.readAligned(RegTimerCur); got != 0 {
		t.Fatalf("current count = %d long after expiry, want 0", got)
	}
}

func TestPeriodicTimerTicks(t *testing.T) {
	td := newTimerDomain(t)
	l := td.domain.LAPIC(0)

	l.WriteReg(RegLVTTimer, lvtTimerPeriodic|0x50)
	l.WriteReg(RegTimerInit, 1000) // 10000 ns per period

	for tick := 0; tick < 3; tick++ {
		td.timers.advance(10000)
		if got := td.take(0); got != 0x50 {
			t.Fatalf("tick %d: pending = %d, want 0x50", tick, got)
		}
		l.WriteReg(RegEOI, 0)
	}

	// Mid-period readback counts down from the last tick.
	td.timers.advance(2500)
	if got := l.readAligned(RegTimerCur); got != 750 {
		t.Fatalf("current count = %d, want 750", got)
	}

	// Writing zero to the initial count tears the countdown down.
	l.WriteReg(RegTimerInit, 0)
	td.timers.advance(20000)
	if got := td.take(0); got != -1 {
		t.Fatalf("tick delivered after disarm: %d", got)
	}
	if got := l.readAligned(RegTimerCur); got != 0 {
		t.Fatalf("current count = %d after disarm, want 0", got)
	}
}

func TestDivisorRescalesMidFlight(t *testing.T) {
	td := newTimerDomain(t)
	l := td.domain.LAPIC(0)

	l.WriteReg(RegLVTTimer, 0x50)
	l.WriteReg(RegTimerInit, 100) // 1000 ns at divide-by-1

	td.timers.advance(400)
	if got := l.readAligned(RegTimerCur); got != 60 {
		t.Fatalf("current count = %d, want 60", got)
	}

	// Doubling the divisor keeps the count but halves its rate: the
	// remaining 60 counts now take 1200 ns.
	l.WriteReg(RegTimerDiv, 0x0) // divide-by-2
	if got := l.readAligned(RegTimerCur); got != 60 {
		t.Fatalf("current count = %d after divisor change, want 60", got)
	}

	td.timers.advance(1000)
	if got := td.take(0); got != -1 {
		t.Fatalf("fired %d early after rescale", got)
	}
	td.timers.advance(200)
	if got := td.take(0); got != 0x50 {
		t.Fatalf("pending = %d at rescaled expiry, want 0x50", got)
	}
}

func TestTSCDeadline(t *testing.T) {
	td := newTimerDomain(t)
	l := td.domain.LAPIC(0)

	l.WriteReg(RegLVTTimer, lvtTimerTSCDeadline|0x50)

	// Future deadline: reads back, then fires and zeroes itself. The
	// test clock runs the TSC at 1 GHz so ticks and nanoseconds
	// coincide.
	deadline := td.clock.TSC() + 500
	l.SetTDTMSR(deadline)
	if got := l.TDTMSR(); got != deadline {
		t.Fatalf("deadline reads %#x, want %#x", got, deadline)
	}

	td.timers.advance(500)
	if got := td.take(0); got != 0x50 {
		t.Fatalf("pending = %d at deadline, want 0x50", got)
	}
	if got := l.TDTMSR(); got != 0 {
		t.Fatalf("deadline reads %#x after firing, want 0", got)
	}

	// A deadline already behind the TSC still owes a tick, but reads
	// zero immediately.
	l.WriteReg(RegEOI, 0)
	l.SetTDTMSR(td.clock.TSC())
	if got := l.TDTMSR(); got != 0 {
		t.Fatalf("past deadline reads %#x, want 0", got)
	}
	td.timers.advance(0)
	if got := td.take(0); got != 0x50 {
		t.Fatalf("pending = %d for past deadline, want 0x50", got)
	}

	// Zero disarms.
	l.WriteReg(RegEOI, 0)
	l.SetTDTMSR(td.clock.TSC() + 800)
	l.SetTDTMSR(0)
	td.timers.advance(1000)
	if got := td.take(0); got != -1 {
		t.Fatalf("disarmed deadline fired: %d", got)
	}
}

func TestTimerModeSwitchClearsProgramming(t *testing.T) {
	td := newTimerDomain(t)
	l := td.domain.LAPIC(0)

	l.WriteReg(RegLVTTimer, 0x50)
	l.WriteReg(RegTimerInit, 100)

	// Crossing into deadline mode wipes both countdown programmings.
	l.WriteReg(RegLVTTimer, lvtTimerTSCDeadline|0x50)
	if got := l.regs.Get(RegTimerInit); got != 0 {
		t.Fatalf("initial count = %d after mode switch, want 0", got)
	}
	if got := l.TDTMSR(); got != 0 {
		t.Fatalf("deadline = %#x after mode switch, want 0", got)
	}
	td.timers.advance(2000)
	if got := td.take(0); got != -1 {
		t.Fatalf("stale countdown fired %d across the mode switch", got)
	}

	// The countdown registers read zero while in deadline mode and
	// initial-count writes are dropped.
	l.WriteReg(RegTimerInit, 77)
	if got := l.readAligned(RegTimerInit); got != 0 {
		t.Fatalf("initial count reads %d in deadline mode, want 0", got)
	}
}

func TestTimerMasking(t *testing.T) {
	td := newTimerDomain(t)
	l := td.domain.LAPIC(0)

	l.WriteReg(RegLVTTimer, lvtMasked|0x50)
	l.WriteReg(RegTimerInit, 100)

	td.timers.advance(1000)
	if got := td.take(0); got != -1 {
		t.Fatalf("masked timer delivered %d", got)
	}
	if !l.TimerMasked() {
		t.Fatalf("TimerMasked() = false with a masked LVT entry")
	}

	// The latched tick survives in the source until delivery becomes
	// possible again.
	if !l.pt.Active() {
		t.Fatalf("latched tick dropped")
	}
}
