package lapic

import "log/slog"

// Destination format register models (xAPIC logical mode).
const (
	dfrFlat    = 0xffffffff
	dfrCluster = 0x0fffffff
)

// apicID returns the controller's current APIC ID: the full ID
// register in x2APIC mode, its top byte in xAPIC mode.
func (l *LAPIC) apicID() uint32 {
	id := l.regs.Get(RegID)
	if l.x2apicMode() {
		return id
	}
	return (id >> 24) & 0xff
}

// destID interprets a raw destination field (ICR high word or
// broadcast pattern) in the controller's current mode.
func (l *LAPIC) destID(raw uint32) uint32 {
	if l.x2apicMode() {
		return raw
	}
	return (raw >> 24) & 0xff
}

// matchLogicalAddr reports whether mda addresses this controller in
// logical destination mode.
func (l *LAPIC) matchLogicalAddr(mda uint32) bool {
	logicalID := l.regs.Get(RegLDR)

	if l.x2apicMode() {
		// Cluster ID in the top halves, member bitmask in the low.
		return (logicalID>>16) == (mda>>16) && uint16(logicalID)&uint16(mda) != 0
	}

	logicalID = (logicalID >> 24) & 0xff
	mda &= 0xff

	switch dfr := l.regs.Get(RegDFR); dfr {
	case dfrFlat:
		return logicalID&mda != 0
	case dfrCluster:
		return (logicalID>>4) == (mda>>4) && logicalID&mda&0xf != 0
	default:
		slog.Warn("lapic: bad DFR value", "vcpu", l.proc.ID(), "dfr", dfr)
		return false
	}
}

// MatchDest reports whether target is addressed by an interrupt from
// source with the given shorthand, destination field and destination
// mode (true for logical). source may be nil when no shorthand is in
// use (I/O APIC and MSI originated interrupts).
func MatchDest(target, source *LAPIC, shorthand, dest uint32, logical bool) bool {
	switch shorthand {
	case ShortNone:
		if logical {
			return target.matchLogicalAddr(dest)
		}
		return dest == target.destID(0xffffffff) || dest == target.apicID()

	case ShortSelf:
		return target == source

	case ShortAllInc:
		return true

	case ShortAllBut:
		return target != source

	default:
		slog.Warn("lapic: bad destination shorthand", "shorthand", shorthand)
		return false
	}
}

func multipleBitsSet(x uint32) bool { return x&(x-1) != 0 }

// isMulticastDest reports whether an interrupt from l with the given
// addressing reaches more than one processor, so delivery can batch
// target wake-ups.
func (l *LAPIC) isMulticastDest(shorthand, dest uint32, logical bool) bool {
	if len(l.domain.lapics) <= 2 {
		return false
	}

	if shorthand != ShortNone {
		return shorthand != ShortSelf
	}

	if l.x2apicMode() {
		if logical {
			return multipleBitsSet(uint32(uint16(dest)))
		}
		return dest == 0xffffffff
	}

	if logical {
		dest &= (l.regs.Get(RegDFR) >> 24) & 0xff
		return multipleBitsSet(dest & 0xff)
	}

	return dest == 0xff
}
