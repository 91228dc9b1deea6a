// Package ioapic emulates the x86 I/O APIC: a redirection table of
// interrupt input pins routed into the local interrupt controllers of
// the domain.
package ioapic

import (
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/tinyrange/vapic/internal/devices/amd64/lapic"
	"github.com/tinyrange/vapic/internal/hv"
)

const (
	// BaseAddress is the legacy MMIO base for the first I/O APIC.
	BaseAddress uint64 = 0xFEC00000

	registerWindowSize = 0x20

	registerSelect = 0x00
	registerData   = 0x10

	idRegister           = 0x00
	versionRegister      = 0x01
	arbitrationRegister  = 0x02
	redirectionTableBase = 0x10

	version = 0x11
)

// Redirection bits that the guest is permitted to write.
const redirectionWriteMask uint64 = 0xFFFF0000000000FF |
	(0x7 << 8) | // delivery mode
	(1 << 11) | // destination mode
	(1 << 13) | // polarity
	(1 << 15) | // trigger mode
	(1 << 16) // mask bit

// IOAPIC routes device interrupt pins into the domain's local
// interrupt controllers.
type IOAPIC struct {
	mu sync.Mutex

	domain  *lapic.Domain
	entries []irqRedirection
	index   uint8
	id      uint8

	stats stats
}

// New builds an I/O APIC with numEntries redirection slots, wired into
// the domain: level-triggered completions come back via the domain's
// EOI broadcast and the legacy ExtINT pin is reported through the
// router surface. The redirection table is registered for
// save/restore.
func New(domain *lapic.Domain, numEntries int) (*IOAPIC, error) {
	if numEntries <= 0 {
		numEntries = 24
	}
	entries := make([]irqRedirection, numEntries)
	for i := range entries {
		entries[i] = newIRQRedirection()
	}
	io := &IOAPIC{
		domain:  domain,
		entries: entries,
		stats: stats{
			perIRQ: make([]uint64, numEntries),
		},
	}

	if err := io.registerSaveRecord(); err != nil {
		return nil, err
	}
	domain.AttachEOITarget(io)
	domain.AttachLegacyRouter(io)
	return io, nil
}

// HandleEOI implements lapic.EOITarget: clears remote-IRR for any line
// targeting the completed vector and re-evaluates pending
// level-triggered interrupts.
func (i *IOAPIC) HandleEOI(vector uint32) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for line := range i.entries {
		entry := &i.entries[line]
		if entry.redirection.vector() == uint8(vector) {
			entry.redirection.setRemoteIRR(false)
			entry.evaluate(i.domain, &i.stats, uint8(line), false)
		}
	}
}

// ExtINTDest implements lapic.LegacyRouter: the destination of pin 0
// when it is an unmasked ExtINT entry.
func (i *IOAPIC) ExtINTDest() (dest uint32, ok bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.entries) == 0 {
		return 0, false
	}
	pin0 := i.entries[0].redirection
	if pin0.masked() || pin0.deliveryMode() != lapic.DeliverExtINT {
		return 0, false
	}
	return uint32(pin0.destination()), true
}

// SetIRQ changes the level of a given input pin.
func (i *IOAPIC) SetIRQ(line uint32, high bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if line >= uint32(len(i.entries)) {
		return
	}
	entry := &i.entries[line]
	if high {
		entry.assert(i.domain, &i.stats, uint8(line))
	} else {
		entry.deassert()
	}
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (i *IOAPIC) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{
		{Address: BaseAddress, Size: registerWindowSize},
	}
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (i *IOAPIC) ReadMMIO(addr uint64, data []byte) error {
	if !i.inRange(addr, uint64(len(data))) {
		return fmt.Errorf("ioapic: read outside MMIO window 0x%x: %w", addr, hv.ErrGuestFault)
	}

	offset := addr - BaseAddress
	var value uint32

	i.mu.Lock()
	switch offset {
	case registerSelect:
		value = uint32(i.index)
	case registerData:
		value = i.readRegister(i.index)
	default:
		i.mu.Unlock()
		return fmt.Errorf("ioapic: invalid read offset 0x%x: %w", offset, hv.ErrGuestFault)
	}
	i.mu.Unlock()

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf, value)
	copy(data, buf[:min(len(data), 8)])
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (i *IOAPIC) WriteMMIO(addr uint64, data []byte) error {
	if !i.inRange(addr, uint64(len(data))) {
		return fmt.Errorf("ioapic: write outside MMIO window 0x%x: %w", addr, hv.ErrGuestFault)
	}
	offset := addr - BaseAddress

	i.mu.Lock()
	pin0Before := i.pin0Raw()

	switch offset {
	case registerSelect:
		if len(data) == 0 {
			i.mu.Unlock()
			return fmt.Errorf("ioapic: empty write to select register: %w", hv.ErrGuestFault)
		}
		i.index = data[0]
	case registerData:
		if len(data) != 4 && len(data) != 8 {
			i.mu.Unlock()
			return fmt.Errorf("ioapic: invalid data register write size %d: %w", len(data), hv.ErrGuestFault)
		}
		value := binary.LittleEndian.Uint32(data)
		i.writeRegister(i.index, value)
	default:
		i.mu.Unlock()
		return fmt.Errorf("ioapic: invalid write offset 0x%x: %w", offset, hv.ErrGuestFault)
	}

	pin0Changed := i.pin0Raw() != pin0Before
	i.mu.Unlock()

	// Pin 0 may have become, or stopped being, the ExtINT route.
	if pin0Changed {
		i.domain.AdjustLegacyTarget()
	}
	return nil
}

func (i *IOAPIC) pin0Raw() uint64 {
	if len(i.entries) == 0 {
		return 0
	}
	return i.entries[0].redirection.raw()
}

func (i *IOAPIC) readRegister(index uint8) uint32 {
	switch {
	case index == idRegister:
		return encodeID(i.id)
	case index == versionRegister:
		return encodeVersion(uint8(len(i.entries) - 1))
	case index == arbitrationRegister:
		return 0
	case index >= redirectionTableBase:
		return i.readRedirection(index - redirectionTableBase)
	default:
		return 0
	}
}

func (i *IOAPIC) writeRegister(index uint8, value uint32) {
	switch {
	case index == idRegister:
		i.id = decodeID(value)
	case index == versionRegister, index == arbitrationRegister:
		// Read-only in hardware, ignore.
	case index >= redirectionTableBase:
		i.writeRedirection(index-redirectionTableBase, value)
	}
}

func (i *IOAPIC) readRedirection(index uint8) uint32 {
	entry := i.entryForIndex(index)
	if entry == nil {
		return 0
	}
	raw := entry.redirection.raw()
	if index&1 == 1 {
		return uint32(raw >> 32)
	}
	return uint32(raw & 0xffffffff)
}

func (i *IOAPIC) writeRedirection(index uint8, value uint32) {
	entry := i.entryForIndex(index)
	if entry == nil {
		return
	}

	raw := entry.redirection.raw()
	val := uint64(value)
	lowMask := redirectionWriteMask & 0xffffffff
	highMask := redirectionWriteMask & 0xffffffff00000000
	line := uint8(index / 2)

	wasMasked := entry.redirection.masked()

	if index&1 == 1 {
		raw &= ^highMask
		raw |= (val << 32) & highMask
	} else {
		raw &= ^lowMask
		raw |= val & lowMask
	}
	entry.redirection.setRaw(raw)

	isMasked := entry.redirection.masked()

	// Unmasking while the line is high is a rising edge for
	// edge-triggered entries. Without this, devices waiting for an
	// interrupt after programming the entry hang forever.
	forceEdge := wasMasked && !isMasked && entry.lineLevel

	entry.evaluate(i.domain, &i.stats, line, forceEdge)
}

func (i *IOAPIC) entryForIndex(index uint8) *irqRedirection {
	n := int(index / 2)
	if n < 0 || n >= len(i.entries) {
		return nil
	}
	return &i.entries[n]
}

func (i *IOAPIC) inRange(addr uint64, size uint64) bool {
	if addr < BaseAddress {
		return false
	}
	end := addr + size
	windowEnd := BaseAddress + registerWindowSize
	return end <= windowEnd
}

type irqRedirection struct {
	redirection redirectionEntry
	lineLevel   bool
}

func newIRQRedirection() irqRedirection {
	return irqRedirection{
		redirection: newRedirectionEntry(),
	}
}

func (r *irqRedirection) assert(domain *lapic.Domain, st *stats, line uint8) {
	edge := !r.lineLevel
	r.lineLevel = true
	r.evaluate(domain, st, line, edge)
}

func (r *irqRedirection) deassert() {
	r.lineLevel = false
	r.redirection.setRemoteIRR(false)
}

func (r *irqRedirection) evaluate(domain *lapic.Domain, st *stats, line uint8, edge bool) {
	if r.redirection.masked() {
		return
	}
	mode := r.redirection.deliveryMode()
	if mode == lapic.DeliverExtINT {
		// ExtINT pins feed the legacy PIC path, not the redirection
		// pipeline.
		return
	}

	isLevel := r.redirection.isLevelCapable()
	switch {
	case isLevel && (!r.lineLevel || r.redirection.remoteIRR()):
		return
	case !isLevel && !edge:
		return
	}

	r.redirection.setRemoteIRR(isLevel)
	st.interrupts++
	if int(line) < len(st.perIRQ) {
		st.perIRQ[line]++
	}

	domain.Deliver(
		mode,
		r.redirection.vector(),
		uint32(r.redirection.destination()),
		r.redirection.destinationModeLogical(),
		isLevel,
	)
}

type redirectionEntry struct {
	value uint64
}

func newRedirectionEntry() redirectionEntry {
	return redirectionEntry{value: 1 << 16} // masked
}

func (r redirectionEntry) raw() uint64 {
	return r.value
}

func (r *redirectionEntry) setRaw(value uint64) {
	r.value = value
}

// destination returns bits 56-63 (Destination Field).
func (r redirectionEntry) destination() uint8 {
	return uint8((r.value >> 56) & 0xFF)
}

func (r redirectionEntry) vector() uint8 {
	return uint8(r.value & 0xff)
}

// deliveryMode returns the entry's delivery mode in the interrupt
// command register encoding.
func (r redirectionEntry) deliveryMode() uint32 {
	return uint32(r.value) & 0x700
}

func (r redirectionEntry) masked() bool {
	return (r.value>>16)&1 == 1
}

func (r redirectionEntry) remoteIRR() bool {
	return (r.value>>14)&1 == 1
}

func (r *redirectionEntry) setRemoteIRR(val bool) {
	if val {
		r.value |= 1 << 14
	} else {
		r.value &^= 1 << 14
	}
}

func (r redirectionEntry) triggerModeLevel() bool {
	return (r.value>>15)&1 == 1
}

func (r redirectionEntry) destinationModeLogical() bool {
	return (r.value>>11)&1 == 1
}

func (r redirectionEntry) isLevelCapable() bool {
	if !r.triggerModeLevel() {
		return false
	}
	mode := r.deliveryMode()
	return mode == lapic.DeliverFixed || mode == lapic.DeliverLowest
}

type stats struct {
	interrupts uint64
	perIRQ     []uint64
}

func encodeID(id uint8) uint32 {
	return uint32(id&0x0f) << 24
}

func decodeID(value uint32) uint8 {
	return uint8((value >> 24) & 0x0f)
}

func encodeVersion(maxEntry uint8) uint32 {
	val := uint32(version)
	val |= uint32(maxEntry) << 16
	return val
}

// Save/restore ---------------------------------------------------------------

// RecordIOAPIC is the save record kind for the redirection table.
const RecordIOAPIC hv.RecordKind = 3

type entryRecord struct {
	Value     uint64
	LineLevel bool
}

type ioapicRecord struct {
	Index   uint8
	ID      uint8
	Entries []entryRecord
}

func init() {
	gob.Register(ioapicRecord{})
}

func (i *IOAPIC) registerSaveRecord() error {
	return i.domain.Registry().Register(hv.RecordOps{
		Kind:      RecordIOAPIC,
		Name:      "ioapic",
		Instances: func() int { return 1 },
		Save: func(int) (any, error) {
			return i.saveRecord(), nil
		},
		Check: func(_ int, dec *gob.Decoder) error {
			var rec ioapicRecord
			if err := dec.Decode(&rec); err != nil {
				return fmt.Errorf("%v: %w", err, hv.ErrBadRecord)
			}
			if len(rec.Entries) != len(i.entries) {
				return fmt.Errorf("ioapic: record has %d entries, want %d: %w",
					len(rec.Entries), len(i.entries), hv.ErrBadRecord)
			}
			return nil
		},
		Load: func(_ int, dec *gob.Decoder) error {
			return i.loadRecord(dec)
		},
	})
}

func (i *IOAPIC) saveRecord() ioapicRecord {
	i.mu.Lock()
	defer i.mu.Unlock()

	rec := ioapicRecord{
		Index:   i.index,
		ID:      i.id,
		Entries: make([]entryRecord, len(i.entries)),
	}
	for idx, entry := range i.entries {
		rec.Entries[idx] = entryRecord{
			Value:     entry.redirection.raw(),
			LineLevel: entry.lineLevel,
		}
	}
	return rec
}

func (i *IOAPIC) loadRecord(dec *gob.Decoder) error {
	var rec ioapicRecord
	if err := dec.Decode(&rec); err != nil {
		return err
	}

	i.mu.Lock()
	i.index = rec.Index
	i.id = rec.ID
	for idx, entry := range rec.Entries {
		if idx >= len(i.entries) {
			break
		}
		i.entries[idx].redirection.setRaw(entry.Value)
		i.entries[idx].lineLevel = entry.LineLevel
	}
	i.mu.Unlock()

	i.domain.AdjustLegacyTarget()
	return nil
}

var (
	_ hv.MemoryMappedIODevice = (*IOAPIC)(nil)
	_ lapic.EOITarget         = (*IOAPIC)(nil)
	_ lapic.LegacyRouter      = (*IOAPIC)(nil)
)
