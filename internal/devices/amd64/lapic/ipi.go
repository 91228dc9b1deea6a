package lapic

import (
	"fmt"
	"log/slog"
)

// sendIPI dispatches a write to the interrupt command register.
// INIT and SIPI are deferred to the tasklet: resetting another
// processor cannot run in the sender's execution context. The sender
// stays paused until the deferred work finishes.
func (l *LAPIC) sendIPI(icrLow, icrHigh uint32) {
	shorthand := icrLow & icrShortMask
	logical := icrLow&icrDestLogical != 0
	dest := l.destID(icrHigh)

	switch mode := icrLow & icrDeliveryMask; mode {
	case DeliverINIT, DeliverStartup:
		if l.initSIPI.icr.Load() != 0 {
			// Should be unreachable: the source is paused until the
			// previous request drains.
			slog.Warn("lapic: INIT/SIPI already pending, dropping",
				"vcpu", l.proc.ID(), "icr", icrLow)
			return
		}
		l.proc.PauseNoSync()
		l.initSIPI.icr.Store(icrLow)
		l.initSIPI.dest.Store(dest)
		l.initSIPI.tasklet.Schedule()

	case DeliverLowest:
		target := l.domain.lowestPrio(l, shorthand, dest, logical)
		if !vectorValid(uint8(icrLow)) {
			l.reportError(esrSendIllegalBit)
		} else if target != nil {
			target.acceptIRQ(icrLow)
		}

	default:
		if mode == DeliverFixed && !vectorValid(uint8(icrLow)) {
			l.reportError(esrSendIllegalBit)
			return
		}

		p := l.domain.platform
		batch := p.BeginKickBatch != nil && p.EndKickBatch != nil &&
			l.isMulticastDest(shorthand, dest, logical)
		if batch {
			p.BeginKickBatch()
		}
		for _, target := range l.domain.lapics {
			if MatchDest(target, l, shorthand, dest, logical) {
				target.acceptIRQ(icrLow)
			}
		}
		if batch {
			p.EndKickBatch()
		}
	}
}

// acceptIRQ takes an already-routed interrupt command on the target
// controller.
func (l *LAPIC) acceptIRQ(icrLow uint32) {
	vector := uint8(icrLow)

	switch icrLow & icrDeliveryMask {
	case DeliverFixed, DeliverLowest:
		if l.Enabled() {
			l.SetIRQ(vector, false)
		}

	case DeliverRemRead:
		slog.Warn("lapic: ignoring remote read request", "vcpu", l.proc.ID())

	case DeliverSMI:
		slog.Warn("lapic: ignoring guest SMI", "vcpu", l.proc.ID())

	case DeliverNMI:
		l.deliverNMI()

	case DeliverINIT, DeliverStartup:
		// Routed through the tasklet in sendIPI, never here.
		l.domain.Crash("INIT/SIPI reached direct delivery")

	default:
		slog.Error("lapic: unsupported delivery mode in ICR", "icr", icrLow)
		l.domain.Crash(fmt.Sprintf("unsupported ICR delivery mode %#x", icrLow&icrDeliveryMask))
	}
}

// initSIPIAction runs the stashed INIT or SIPI against every matching
// target, then releases the sender.
func (l *LAPIC) initSIPIAction() {
	icr := l.initSIPI.icr.Load()
	if icr == 0 {
		return
	}
	dest := l.initSIPI.dest.Load()
	shorthand := icr & icrShortMask
	logical := icr&icrDestLogical != 0

	for _, target := range l.domain.lapics {
		if MatchDest(target, l, shorthand, dest, logical) {
			target.initSIPIOne(icr)
		}
	}

	l.initSIPI.icr.Store(0)
	l.proc.Unpause()
}

// initSIPIOne applies an INIT or SIPI to this controller's processor,
// paused for the duration.
func (l *LAPIC) initSIPIOne(icr uint32) {
	l.proc.Pause()

	switch icr & icrDeliveryMask {
	case DeliverINIT:
		// INIT de-assert is a no-op on this APIC generation.
		if icr&(icrLevelTrig|icrLevelAssert) == icrLevelTrig {
			break
		}
		// Nothing to do if the processor was never brought up.
		if !l.proc.IsInitialised() {
			break
		}
		l.proc.ForceDown()
		l.domain.mu.Lock()
		err := l.proc.Reset()
		if err == nil {
			l.doInit()
		}
		l.domain.mu.Unlock()
		if err != nil {
			l.domain.Crash(fmt.Sprintf("vcpu %d reset: %v", l.proc.ID(), err))
		}

	case DeliverStartup:
		resetCS := (icr & 0xff) << 8
		l.proc.StartAt(resetCS)
	}

	l.proc.CancelEmulation()
	l.proc.Unpause()
}
