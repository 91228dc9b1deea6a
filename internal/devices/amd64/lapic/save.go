package lapic

import (
	"encoding/gob"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/vapic/internal/hv"
)

// Save record kinds.
const (
	RecordHidden hv.RecordKind = 1
	RecordRegs   hv.RecordKind = 2
)

// hiddenRecord is the per-controller state outside the register page.
type hiddenRecord struct {
	BaseMSR      uint64
	Disabled     uint32
	TimerDivisor uint32
	TDTMSR       uint64
	PendingESR   uint32
}

// regsRecord is the register page, saved verbatim.
type regsRecord struct {
	Words []uint32
}

func init() {
	gob.Register(hiddenRecord{})
	gob.Register(regsRecord{})
}

func (d *Domain) registerSaveRecords() error {
	err := d.registry.Register(hv.RecordOps{
		Kind:      RecordHidden,
		Name:      "lapic-hidden",
		Instances: func() int { return len(d.lapics) },
		Save: func(i int) (any, error) {
			return d.lapics[i].saveHidden(), nil
		},
		Check: func(i int, dec *gob.Decoder) error {
			var rec hiddenRecord
			if err := dec.Decode(&rec); err != nil {
				return fmt.Errorf("%v: %w", err, hv.ErrBadRecord)
			}
			// Extended mode with the enable bit clear cannot be
			// reached architecturally.
			if rec.BaseMSR&(BaseMSREnable|BaseMSRExtd) == BaseMSRExtd {
				return fmt.Errorf("lapic: extended mode without enable: %w", hv.ErrBadRecord)
			}
			// The divide configuration only produces powers of two up
			// to 128; anything else divides by zero on a TMCCT read.
			div := rec.TimerDivisor
			if div == 0 || div > 128 || div&(div-1) != 0 {
				return fmt.Errorf("lapic: timer divisor %d: %w", div, hv.ErrBadRecord)
			}
			return nil
		},
		Load: func(i int, dec *gob.Decoder) error {
			return d.lapics[i].loadHidden(dec)
		},
	})
	if err != nil {
		return err
	}

	return d.registry.Register(hv.RecordOps{
		Kind:      RecordRegs,
		Name:      "lapic-regs",
		Instances: func() int { return len(d.lapics) },
		Save: func(i int) (any, error) {
			return d.lapics[i].saveRegs(), nil
		},
		Check: func(i int, dec *gob.Decoder) error {
			var rec regsRecord
			if err := dec.Decode(&rec); err != nil {
				return fmt.Errorf("%v: %w", err, hv.ErrBadRecord)
			}
			if len(rec.Words) != PageSize/4 {
				return fmt.Errorf("lapic: register page has %d words: %w",
					len(rec.Words), hv.ErrBadRecord)
			}
			return nil
		},
		Load: func(i int, dec *gob.Decoder) error {
			return d.lapics[i].loadRegs(dec)
		},
	})
}

func (l *LAPIC) saveHidden() hiddenRecord {
	return hiddenRecord{
		BaseMSR:      l.BaseMSR(),
		Disabled:     atomic.LoadUint32(&l.hw.Disabled),
		TimerDivisor: l.hw.TimerDivisor,
		TDTMSR:       atomic.LoadUint64(&l.hw.TDTMSR),
		PendingESR:   atomic.LoadUint32(&l.hw.PendingESR),
	}
}

func (l *LAPIC) saveRegs() regsRecord {
	// Posted interrupts not yet in the IRR would be lost otherwise.
	if sync := l.domain.platform.SyncPostedIntr; sync != nil {
		sync(l.proc)
	}
	return regsRecord{Words: l.regs.Snapshot()}
}

func (l *LAPIC) loadHidden(dec *gob.Decoder) error {
	var rec hiddenRecord
	if err := dec.Decode(&rec); err != nil {
		return err
	}

	atomic.StoreUint64(&l.hw.BaseMSR, rec.BaseMSR)
	atomic.StoreUint32(&l.hw.Disabled, rec.Disabled)
	l.hw.TimerDivisor = rec.TimerDivisor
	atomic.StoreUint64(&l.hw.TDTMSR, rec.TDTMSR)
	atomic.StoreUint32(&l.hw.PendingESR, rec.PendingESR)

	l.loaded.hw = true
	if l.loaded.regs {
		l.loadFixup()
	}

	if h := l.domain.platform.ModeUpdate; h != nil {
		h(l.proc)
	}
	return nil
}

func (l *LAPIC) loadRegs(dec *gob.Decoder) error {
	var rec regsRecord
	if err := dec.Decode(&rec); err != nil {
		return err
	}

	l.regs.Restore(rec.Words)

	l.loaded.id = l.regs.Get(RegID)
	l.loaded.ldr = l.regs.Get(RegLDR)
	l.loaded.regs = true
	if l.loaded.hw {
		l.loadFixup()
	}

	l.RefreshPPR()
	if h := l.domain.platform.ProcessISR; h != nil {
		h(l.highestISR(), l.proc)
	}

	l.domain.AdjustLegacyTarget()
	l.rearmTimer()
	return nil
}

// loadFixup corrects x2APIC identity registers restored from
// hypervisors with historically broken logical ID derivations. Needs
// both records in, so it runs after whichever loads second.
func (l *LAPIC) loadFixup() {
	goodLDR := x2apicLDRFromID(l.loaded.id)

	if !l.x2apicMode() || l.loaded.ldr == goodLDR {
		return
	}

	switch {
	case l.loaded.ldr == 1:
		// Saves where every controller got LDR 1, which is only
		// consistent for ID 0. Rederive from the ID.
		l.setX2APICID()

	case l.loaded.ldr == x2apicLDRFromID(uint32(l.proc.ID())):
		// Saves that derived the LDR from the processor ID instead
		// of the APIC ID. The guest may have read it already, so
		// keep the value and latch the derivation for later mode
		// switches on every processor.
		l.domain.bugLDRFromVCPUID.Store(true)

	default:
		slog.Warn("lapic: bogus x2APIC identity record",
			"vcpu", l.proc.ID(), "id", l.loaded.id,
			"ldr", l.loaded.ldr, "want", goodLDR)
	}
}
