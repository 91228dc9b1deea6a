// Package lapic emulates the per-processor local APIC of an x86
// virtual machine: the guest-visible register file, interrupt
// acceptance and priority, the interprocessor-interrupt pipeline, the
// APIC timer and the xAPIC/x2APIC access surfaces.
package lapic

import (
	"math/bits"
	"sync/atomic"
)

// PageSize is the size of the architectural register window.
const PageSize = 4096

// Register offsets within the register page. Registers are 32-bit
// values on 16-byte boundaries.
const (
	RegID         = 0x020
	RegVersion    = 0x030
	RegTPR        = 0x080
	RegAPR        = 0x090
	RegPPR        = 0x0A0
	RegEOI        = 0x0B0
	RegRRD        = 0x0C0
	RegLDR        = 0x0D0
	RegDFR        = 0x0E0
	RegSPIV       = 0x0F0
	RegISR        = 0x100 // 256-bit bitmap, 8 registers
	RegTMR        = 0x180 // 256-bit bitmap, 8 registers
	RegIRR        = 0x200 // 256-bit bitmap, 8 registers
	RegESR        = 0x280
	RegCMCI       = 0x2F0
	RegICRLow     = 0x300
	RegICRHigh    = 0x310
	RegLVTTimer   = 0x320
	RegLVTThermal = 0x330
	RegLVTPerf    = 0x340
	RegLVTLINT0   = 0x350
	RegLVTLINT1   = 0x360
	RegLVTError   = 0x370
	RegTimerInit  = 0x380
	RegTimerCur   = 0x390
	RegTimerDiv   = 0x3E0
	RegSelfIPI    = 0x3F0
)

// Version reported in the version register: version 0x14 with six LVT
// entries.
const Version = 0x00050014

const numLVT = 6 // LVTTimer .. LVTError

// ICR fields.
const (
	icrVectorMask   = 0x000000ff
	icrDeliveryMask = 0x00000700
	icrDestLogical  = 0x00000800
	icrSendPending  = 0x00001000
	icrLevelAssert  = 0x00004000
	icrLevelTrig    = 0x00008000
	icrShortMask    = 0x000c0000

	// Delivery modes within icrDeliveryMask.
	DeliverFixed   = 0x00000000
	DeliverLowest  = 0x00000100
	DeliverSMI     = 0x00000200
	DeliverRemRead = 0x00000300
	DeliverNMI     = 0x00000400
	DeliverINIT    = 0x00000500
	DeliverStartup = 0x00000600
	DeliverExtINT  = 0x00000700

	// Destination shorthands within icrShortMask.
	ShortNone   = 0x00000000
	ShortSelf   = 0x00040000
	ShortAllInc = 0x00080000
	ShortAllBut = 0x000c0000
)

// LVT fields.
const (
	lvtMasked        = 0x00010000
	lvtInputPolarity = 0x00002000
	lvtRemoteIRR     = 0x00004000
	lvtLevelTrigger  = 0x00008000

	lvtTimerModeMask    = 0x00060000
	lvtTimerOneshot     = 0x00000000
	lvtTimerPeriodic    = 0x00020000
	lvtTimerTSCDeadline = 0x00040000

	// Writable-bit masks per LVT register.
	lvtMask  = lvtMasked | icrSendPending | icrVectorMask
	lintMask = lvtMask | icrDeliveryMask | lvtInputPolarity |
		lvtRemoteIRR | lvtLevelTrigger
)

// Spurious-interrupt vector register fields.
const (
	spivEnabled       = 0x100
	spivFocusDisabled = 0x200
	spivWriteMask     = 0x3ff
)

// Error status register bits.
const (
	esrSendIllegalBit = 5 // illegal vector in an outgoing interrupt
	esrRecvIllegalBit = 6 // illegal vector in an accepted interrupt
)

// Timer divide configuration register: bits 0, 1 and 3 settable.
const timerDivMask = 0xb

// APIC base MSR fields.
const (
	BaseMSRBSP      = 1 << 8
	BaseMSRExtd     = 1 << 10
	BaseMSREnable   = 1 << 11
	baseMSRAddrMask = 0x000ffffffffff000

	// DefaultBaseAddress is the architectural location of the xAPIC
	// MMIO window.
	DefaultBaseAddress = 0xfee00000
)

// MSRBase is the first MSR of the x2APIC register space; register at
// offset off is MSR MSRBase+(off>>4).
const MSRBase = 0x800

// vectorValid reports whether vec may be used as an interrupt vector.
// Vectors 0-15 are architecturally illegal.
func vectorValid(vec uint8) bool { return vec >= 16 }

// PageAllocator provides backing storage for register files. LAPIC
// creation fails if allocation does.
type PageAllocator interface {
	AllocRegsPage() (*RegPage, error)
}

type heapAllocator struct{}

func (heapAllocator) AllocRegsPage() (*RegPage, error) { return new(RegPage), nil }

// RegPage is the page-sized register file. Word accesses are atomic:
// the IRR, ISR and TMR bitmaps are updated concurrently by other
// controllers delivering interrupts.
type RegPage struct {
	words [PageSize / 4]uint32
}

func (p *RegPage) Get(offset uint32) uint32 {
	return atomic.LoadUint32(&p.words[offset>>2])
}

func (p *RegPage) Set(offset, val uint32) {
	atomic.StoreUint32(&p.words[offset>>2], val)
}

// vectorWord returns the word index holding vec's bit for the 256-bit
// bitmap at base. Bitmap registers use the low word of each 16-byte
// stride.
func vectorWord(base uint32, vec uint8) uint32 {
	return (base + 16*(uint32(vec)/32)) >> 2
}

func (p *RegPage) TestVector(base uint32, vec uint8) bool {
	w := atomic.LoadUint32(&p.words[vectorWord(base, vec)])
	return w&(1<<(uint32(vec)%32)) != 0
}

func (p *RegPage) SetVector(base uint32, vec uint8) {
	addr := &p.words[vectorWord(base, vec)]
	mask := uint32(1) << (uint32(vec) % 32)
	for {
		old := atomic.LoadUint32(addr)
		if old&mask != 0 || atomic.CompareAndSwapUint32(addr, old, old|mask) {
			return
		}
	}
}

func (p *RegPage) ClearVector(base uint32, vec uint8) {
	addr := &p.words[vectorWord(base, vec)]
	mask := uint32(1) << (uint32(vec) % 32)
	for {
		old := atomic.LoadUint32(addr)
		if old&mask == 0 || atomic.CompareAndSwapUint32(addr, old, old&^mask) {
			return
		}
	}
}

// TestAndSetVector sets vec's bit and reports whether it was already
// set.
func (p *RegPage) TestAndSetVector(base uint32, vec uint8) bool {
	addr := &p.words[vectorWord(base, vec)]
	mask := uint32(1) << (uint32(vec) % 32)
	for {
		old := atomic.LoadUint32(addr)
		if old&mask != 0 {
			return true
		}
		if atomic.CompareAndSwapUint32(addr, old, old|mask) {
			return false
		}
	}
}

// HighestVector returns the highest set vector of the 256-bit bitmap
// at base, or -1 if the bitmap is empty.
func (p *RegPage) HighestVector(base uint32) int {
	for i := 7; i >= 0; i-- {
		w := atomic.LoadUint32(&p.words[(base>>2)+uint32(i)*4])
		if w != 0 {
			return 32*i + bits.Len32(w) - 1
		}
	}
	return -1
}

// Snapshot copies the whole register file.
func (p *RegPage) Snapshot() []uint32 {
	out := make([]uint32, len(p.words))
	for i := range p.words {
		out[i] = atomic.LoadUint32(&p.words[i])
	}
	return out
}

// Restore overwrites the whole register file.
func (p *RegPage) Restore(words []uint32) {
	for i := range p.words {
		var w uint32
		if i < len(words) {
			w = words[i]
		}
		atomic.StoreUint32(&p.words[i], w)
	}
}
