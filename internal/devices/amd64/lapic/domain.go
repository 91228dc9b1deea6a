package lapic

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vapic/internal/hv"
	"github.com/tinyrange/vapic/internal/ptimer"
)

// Processor is the scheduling surface of one virtual CPU. The LAPIC
// never runs guest code itself; it drives the processor through these
// primitives.
type Processor interface {
	ID() int

	// Pause stops the processor and waits until it is out of guest
	// code. PauseNoSync requests the stop without waiting; Unpause
	// undoes either.
	Pause()
	PauseNoSync()
	Unpause()

	// Kick forces the processor out of guest mode so it re-evaluates
	// pending interrupts. Wake unparks a processor blocked waiting
	// for work.
	Kick()
	Wake()

	// IsInitialised reports whether the processor has been brought up
	// at least once. TestAndClearDown clears the parked flag,
	// reporting whether it was set. ForceDown parks the processor.
	IsInitialised() bool
	TestAndClearDown() bool
	ForceDown()

	// Reset clears architectural state apart from FPU initialisation.
	// StartAt reinitialises state to begin execution at the given
	// real-mode code segment.
	Reset() error
	StartAt(resetCS uint32)

	// CancelEmulation aborts any in-flight instruction emulation.
	CancelEmulation()

	// SetNMIPending latches the pending-NMI flag, reporting whether
	// it was already set.
	SetNMIPending() bool

	// InGuestMode reports whether the processor is running a nested
	// guest.
	InGuestMode() bool
}

// AssistProvider models an enlightenment that can complete EOIs on
// the guest's behalf, eliding the EOI register write.
type AssistProvider interface {
	// Completed reports whether the guest finished an assisted EOI
	// without exiting. The flag stays set until Clear.
	Completed(p Processor) bool
	Clear(p Processor)
	Set(p Processor)
}

// SyntheticSource models an enlightened interrupt source polled
// before the IRR is evaluated, with optional auto-EOI vectors.
type SyntheticSource interface {
	Poll(p Processor)
	AutoEOI(p Processor, vec uint8) bool
}

// EOITarget is notified when a level-triggered vector is completed.
type EOITarget interface {
	HandleEOI(vector uint32)
}

// MSISink is notified of every completed vector so pass-through
// message-signalled interrupts can be re-armed.
type MSISink interface {
	MSIEOI(vector uint8)
}

// LegacyRouter reports how the I/O interrupt controller routes its
// legacy pin 0.
type LegacyRouter interface {
	// ExtINTDest returns the destination APIC ID of an unmasked
	// ExtINT-mode pin 0. ok is false when pin 0 is masked or not in
	// ExtINT mode.
	ExtINTDest() (dest uint32, ok bool)
}

// Platform carries optional hardware-acceleration hooks. A nil
// function means the capability is absent.
type Platform struct {
	// VirtualIntrDelivery indicates hardware evaluates IRR/ISR/PPR
	// itself during guest execution.
	VirtualIntrDelivery bool

	DeliverPostedIntr   func(p Processor, vec uint8)
	TestPostedIntr      func(p Processor, vec uint8) bool
	SyncPostedIntr      func(p Processor)
	UpdateEOIExitBitmap func(p Processor, vec uint8, trig bool)

	// HandleEOI runs after a vector is removed from in-service, with
	// the next in-service vector (or -1).
	HandleEOI func(vec uint8, nextISR int)

	// ProcessISR re-derives hardware in-service state after restore.
	ProcessISR func(isr int, p Processor)

	// ModeUpdate runs after the base MSR changes controller mode.
	ModeUpdate func(p Processor)

	// LVTPCUpdate mirrors performance-counter LVT writes to the vPMU.
	LVTPCUpdate func(val uint32)

	// BeginKickBatch/EndKickBatch bracket multicast fan-out so target
	// wake-ups can be amortized.
	BeginKickBatch func()
	EndKickBatch   func()

	Assist    AssistProvider
	Synthetic SyntheticSource
}

// Config carries the domain-wide controller parameters.
type Config struct {
	// X2APICCapable permits guests to enable x2APIC mode.
	X2APICCapable bool

	// BusCycleNS is the length of one timer bus cycle in nanoseconds.
	// Zero means the architectural default of 10.
	BusCycleNS uint32
}

const defaultBusCycleNS = 10

// Domain is the interrupt-routing object shared by all controllers of
// one virtual machine: round-robin arbitration state, the legacy PIC
// target, EOI fan-out and save/restore registration.
type Domain struct {
	cfg      Config
	platform *Platform
	clock    hv.GuestClock
	alloc    PageAllocator
	registry *hv.SaveRegistry

	timerFactory  ptimer.TimerFactory
	taskletRunner func(func())

	lapics []*LAPIC

	// mu guards processor bring-up state transitions.
	mu sync.Mutex

	// routingMu guards the arbitration and legacy-routing fields.
	routingMu    sync.Mutex
	rrPrev       int
	legacyTarget *LAPIC

	// bugLDRFromVCPUID is latched when a restored register file shows
	// logical IDs derived from processor IDs instead of APIC IDs, so
	// later mode switches stay consistent with the source host.
	bugLDRFromVCPUID atomic.Bool

	crashed atomic.Bool

	legacyRouter LegacyRouter
	eoiTargets   []EOITarget
	msiSinks     []MSISink
}

// Option configures a Domain.
type Option func(*Domain)

// WithClock replaces the guest time source.
func WithClock(c hv.GuestClock) Option {
	return func(d *Domain) { d.clock = c }
}

// WithPlatform installs hardware-acceleration hooks.
func WithPlatform(p *Platform) Option {
	return func(d *Domain) { d.platform = p }
}

// WithPageAllocator replaces register file allocation.
func WithPageAllocator(a PageAllocator) Option {
	return func(d *Domain) { d.alloc = a }
}

// WithTimerFactory replaces how timer expirations are scheduled.
func WithTimerFactory(f ptimer.TimerFactory) Option {
	return func(d *Domain) { d.timerFactory = f }
}

// WithTaskletRunner replaces how deferred INIT/SIPI work is executed.
func WithTaskletRunner(r func(func())) Option {
	return func(d *Domain) { d.taskletRunner = r }
}

// NewDomain creates one controller per processor and registers their
// save records.
func NewDomain(procs []Processor, cfg Config, opts ...Option) (*Domain, error) {
	if len(procs) == 0 {
		return nil, fmt.Errorf("lapic: domain needs at least one processor")
	}
	if cfg.BusCycleNS == 0 {
		cfg.BusCycleNS = defaultBusCycleNS
	}

	d := &Domain{
		cfg:      cfg,
		platform: &Platform{},
		clock:    hv.NewWallClock(0),
		alloc:    heapAllocator{},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.registry = hv.NewSaveRegistry(
		hv.ComputeConfigHash(len(procs), cfg.X2APICCapable, cfg.BusCycleNS))

	for i, proc := range procs {
		if proc.ID() != i {
			return nil, fmt.Errorf("lapic: processor %d reports ID %d", i, proc.ID())
		}
		l, err := newLAPIC(d, proc)
		if err != nil {
			return nil, fmt.Errorf("lapic: vcpu %d: %w", proc.ID(), err)
		}
		d.lapics = append(d.lapics, l)
	}
	d.legacyTarget = d.lapics[0]

	if err := d.registerSaveRecords(); err != nil {
		return nil, err
	}
	return d, nil
}

// LAPIC returns the controller of processor i.
func (d *Domain) LAPIC(i int) *LAPIC { return d.lapics[i] }

// VCPUs returns the number of processors in the domain.
func (d *Domain) VCPUs() int { return len(d.lapics) }

// Registry exposes the save/restore registry so cooperating devices
// can register their own records.
func (d *Domain) Registry() *hv.SaveRegistry { return d.registry }

// Destroy tears down every controller's timer and deferred work.
func (d *Domain) Destroy() {
	for _, l := range d.lapics {
		l.destroy()
	}
}

// Crash marks the domain as unrecoverable.
func (d *Domain) Crash(reason string) {
	if !d.crashed.Swap(true) {
		slog.Error("lapic: domain crash", "reason", reason)
	}
}

// Crashed reports whether the domain was crashed.
func (d *Domain) Crashed() bool { return d.crashed.Load() }

// AttachLegacyRouter installs the I/O interrupt controller's legacy
// pin-0 routing surface.
func (d *Domain) AttachLegacyRouter(r LegacyRouter) {
	d.routingMu.Lock()
	d.legacyRouter = r
	d.routingMu.Unlock()
	d.AdjustLegacyTarget()
}

// AttachEOITarget registers a completion listener for level-triggered
// vectors.
func (d *Domain) AttachEOITarget(t EOITarget) {
	d.eoiTargets = append(d.eoiTargets, t)
}

// AttachMSISink registers a completion listener for every vector.
func (d *Domain) AttachMSISink(s MSISink) {
	d.msiSinks = append(d.msiSinks, s)
}

// lowestPrio picks the matching enabled controller with the lowest
// processor priority, round-robin from the previous arbitration
// winner. Ties go to the earliest candidate after the cursor.
func (d *Domain) lowestPrio(source *LAPIC, shorthand, dest uint32, logical bool) *LAPIC {
	d.routingMu.Lock()
	defer d.routingMu.Unlock()

	var target *LAPIC
	targetPPR := uint32(math.MaxUint32)

	i := d.rrPrev
	for range d.lapics {
		i = (i + 1) % len(d.lapics)
		l := d.lapics[i]
		if MatchDest(l, source, shorthand, dest, logical) && l.Enabled() {
			if ppr := l.computePPR(); ppr < targetPPR {
				target = l
				targetPPR = ppr
			}
		}
	}

	if target != nil {
		d.rrPrev = target.proc.ID()
	}
	return target
}

// Deliver accepts an interrupt from a cooperating device (I/O APIC
// redirection entry or MSI) and routes it to matching controllers.
func (d *Domain) Deliver(deliveryMode uint32, vector uint8, dest uint32, logical, level bool) {
	switch deliveryMode {
	case DeliverLowest:
		if target := d.lowestPrio(nil, ShortNone, dest, logical); target != nil {
			target.SetIRQ(vector, level)
		}

	case DeliverFixed:
		for _, l := range d.lapics {
			if MatchDest(l, nil, ShortNone, dest, logical) && l.Enabled() {
				l.SetIRQ(vector, level)
			}
		}

	case DeliverNMI:
		for _, l := range d.lapics {
			if MatchDest(l, nil, ShortNone, dest, logical) {
				l.deliverNMI()
			}
		}

	default:
		slog.Warn("lapic: dropping unsupported device delivery mode",
			"mode", deliveryMode, "vector", vector)
	}
}

// notifyEOI fans a completed vector out to cooperating devices.
// Level-triggered completions go to the I/O interrupt controller;
// every completion goes to MSI sinks.
func (d *Domain) notifyEOI(vector uint8, level bool) {
	if level {
		for _, t := range d.eoiTargets {
			t.HandleEOI(uint32(vector))
		}
	}
	for _, s := range d.msiSinks {
		s.MSIEOI(vector)
	}
}

// acceptsLegacyIntr reports whether l can take legacy PIC output:
// either the I/O interrupt controller routes ExtINT pin 0 at it, or
// its LINT0 entry is an unmasked ExtINT, or it is fully disabled and
// the wire path bypasses it.
func (d *Domain) acceptsLegacyIntr(l *LAPIC) bool {
	if d.legacyRouter != nil {
		if dest, ok := d.legacyRouter.ExtINTDest(); ok &&
			dest == l.apicID() && !l.disabled() {
			return true
		}
	}

	lvt0 := l.regs.Get(RegLVTLINT0)
	if lvt0&(icrDeliveryMask|lvtMasked) == DeliverExtINT {
		return true
	}

	return l.hwDisabled()
}

// AcceptLegacyIntr reports whether processor vcpu should see the
// legacy PIC's interrupt request line.
func (d *Domain) AcceptLegacyIntr(vcpu int) bool {
	if vcpu < 0 || vcpu >= len(d.lapics) {
		return false
	}
	l := d.lapics[vcpu]
	if l.hwDisabled() {
		return false
	}

	d.routingMu.Lock()
	target := d.legacyTarget
	d.routingMu.Unlock()

	return target == l && d.acceptsLegacyIntr(l)
}

// AdjustLegacyTarget recomputes which controller receives legacy PIC
// output after an LVT LINT0 or restore change.
func (d *Domain) AdjustLegacyTarget() {
	target := d.lapics[0]
	for _, l := range d.lapics {
		if d.acceptsLegacyIntr(l) {
			target = l
			break
		}
	}

	d.routingMu.Lock()
	changed := d.legacyTarget != target
	if changed {
		d.legacyTarget = target
	}
	d.routingMu.Unlock()

	if changed {
		slog.Debug("lapic: legacy interrupt target moved", "vcpu", target.proc.ID())
	}
}
