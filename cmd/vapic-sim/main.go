// Command vapic-sim builds an interrupt-controller domain from a YAML
// configuration and drives it through end-to-end scenarios: a
// level-triggered device interrupt, a logical-mode IPI fan-out, the
// periodic timer, INIT/SIPI processor bring-up and a save/restore
// round trip.
package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/tinyrange/vapic/internal/config"
	"github.com/tinyrange/vapic/internal/devices/amd64/ioapic"
	"github.com/tinyrange/vapic/internal/devices/amd64/lapic"
	"github.com/tinyrange/vapic/internal/hv"
	"github.com/tinyrange/vapic/internal/ptimer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "Domain configuration YAML (default: built-in 4-vCPU domain)")
	verbose := fs.Bool("verbose", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run interrupt-controller scenarios against a simulated domain.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := &config.Config{VCPUs: 4, X2APIC: true}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	sim, err := newSimulation(cfg)
	if err != nil {
		return err
	}
	defer sim.domain.Destroy()

	scenarios := []struct {
		name string
		run  func(*simulation) error
	}{
		{"device-interrupt", scenarioDeviceInterrupt},
		{"ipi-fanout", scenarioIPIFanout},
		{"periodic-timer", scenarioPeriodicTimer},
		{"init-sipi", scenarioInitSIPI},
		{"save-restore", scenarioSaveRestore},
	}

	for _, s := range scenarios {
		slog.Info("scenario start", "name", s.name)
		if err := s.run(sim); err != nil {
			return fmt.Errorf("scenario %s: %w", s.name, err)
		}
		slog.Info("scenario ok", "name", s.name)
	}
	return nil
}

// simulation bundles a domain with the simulated processors, clock and
// timer wheel.
type simulation struct {
	cfg    *config.Config
	procs  []*simProc
	clock  *hv.ManualClock
	timers *simTimers
	domain *lapic.Domain
	io     *ioapic.IOAPIC
}

func newSimulation(cfg *config.Config) (*simulation, error) {
	procs := make([]*simProc, cfg.VCPUs)
	lprocs := make([]lapic.Processor, cfg.VCPUs)
	for i := range procs {
		procs[i] = &simProc{id: i, initialised: i == 0}
		lprocs[i] = procs[i]
	}

	clock := hv.NewManualClock(0)
	timers := newSimTimers(clock)

	platform := &lapic.Platform{VirtualIntrDelivery: cfg.VirtualIntrDelivery}
	if cfg.APICAssist {
		platform.Assist = newSimAssist()
	}

	domain, err := lapic.NewDomain(lprocs, lapic.Config{
		X2APICCapable: cfg.X2APIC,
		BusCycleNS:    cfg.BusCycleNS,
	},
		lapic.WithClock(clock),
		lapic.WithPlatform(platform),
		lapic.WithTimerFactory(timers.factory),
		lapic.WithTaskletRunner(func(f func()) { f() }),
	)
	if err != nil {
		return nil, err
	}

	io, err := ioapic.New(domain, cfg.IOAPICEntries)
	if err != nil {
		domain.Destroy()
		return nil, err
	}

	// Controllers come out of reset software-disabled; enable them the
	// way a guest would, through the spurious vector register.
	for i := 0; i < domain.VCPUs(); i++ {
		if err := regWrite(domain.LAPIC(i), lapic.RegSPIV, 0x1ff); err != nil {
			domain.Destroy()
			return nil, err
		}
	}

	return &simulation{
		cfg:    cfg,
		procs:  procs,
		clock:  clock,
		timers: timers,
		domain: domain,
		io:     io,
	}, nil
}

// takeInterrupt emulates a processor accepting its highest pending
// vector, returning -1 when nothing is deliverable.
func (s *simulation) takeInterrupt(vcpu int) int {
	l := s.domain.LAPIC(vcpu)
	vec := l.HighestPending()
	if vec < 0 {
		return -1
	}
	l.AckPending(uint8(vec), false)
	return vec
}

func regRead(l *lapic.LAPIC, reg uint32) uint32 {
	var buf [4]byte
	if err := l.ReadMMIO(lapic.DefaultBaseAddress+uint64(reg), buf[:]); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func regWrite(l *lapic.LAPIC, reg, val uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	return l.WriteMMIO(lapic.DefaultBaseAddress+uint64(reg), buf[:])
}

func ioapicWriteRedirection(io *ioapic.IOAPIC, line int, entry uint64) error {
	for half := 0; half < 2; half++ {
		sel := []byte{byte(0x10 + line*2 + half)}
		if err := io.WriteMMIO(ioapic.BaseAddress, sel); err != nil {
			return err
		}
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(entry>>(32*half)))
		if err := io.WriteMMIO(ioapic.BaseAddress+0x10, buf[:]); err != nil {
			return err
		}
	}
	return nil
}

// Scenarios ------------------------------------------------------------------

// scenarioDeviceInterrupt programs a level-triggered redirection entry
// at pin 2, asserts the line, takes the vector and completes it with
// an EOI. While the line stays high the completion must immediately
// re-deliver the interrupt.
func scenarioDeviceInterrupt(s *simulation) error {
	const (
		line   = 2
		vector = 0x31
	)

	// Fixed delivery, physical destination 0, level triggered.
	entry := uint64(vector) | 1<<15 | uint64(0)<<56
	if err := ioapicWriteRedirection(s.io, line, entry); err != nil {
		return err
	}

	s.io.SetIRQ(line, true)
	if got := s.takeInterrupt(0); got != vector {
		return fmt.Errorf("pending vector = %d, want %d", got, vector)
	}
	slog.Info("device interrupt taken", "vector", vector)

	// EOI with the line still high: the I/O APIC clears remote-IRR and
	// redelivers.
	l := s.domain.LAPIC(0)
	if err := regWrite(l, lapic.RegEOI, 0); err != nil {
		return err
	}
	if got := s.takeInterrupt(0); got != vector {
		return fmt.Errorf("redelivered vector = %d, want %d", got, vector)
	}

	// EOI with the line dropped: nothing further arrives.
	s.io.SetIRQ(line, false)
	if err := regWrite(l, lapic.RegEOI, 0); err != nil {
		return err
	}
	if got := s.takeInterrupt(0); got != -1 {
		return fmt.Errorf("vector %d pending after line dropped", got)
	}
	return nil
}

// scenarioIPIFanout puts every controller in logical flat mode and
// broadcasts a fixed IPI from processor 0 to all others.
func scenarioIPIFanout(s *simulation) error {
	const vector = 0x40

	for i := 0; i < s.domain.VCPUs(); i++ {
		l := s.domain.LAPIC(i)
		if err := regWrite(l, lapic.RegLDR, uint32(1<<uint(i))<<24); err != nil {
			return err
		}
	}

	source := s.domain.LAPIC(0)
	if err := regWrite(source, lapic.RegICRHigh, 0xff000000); err != nil {
		return err
	}
	// Fixed, logical destination, all-excluding-self shorthand.
	if err := regWrite(source, lapic.RegICRLow, lapic.ShortAllBut|lapic.DeliverFixed|0x800|vector); err != nil {
		return err
	}

	for i := 1; i < s.domain.VCPUs(); i++ {
		if got := s.takeInterrupt(i); got != vector {
			return fmt.Errorf("vcpu %d pending vector = %d, want %d", i, got, vector)
		}
	}
	if got := s.domain.LAPIC(0).HighestPending(); got != -1 {
		return fmt.Errorf("source has pending vector %d", got)
	}
	slog.Info("IPI fan-out complete", "targets", s.domain.VCPUs()-1)
	return nil
}

// scenarioPeriodicTimer arms a periodic countdown and advances the
// manual clock across three periods.
func scenarioPeriodicTimer(s *simulation) error {
	const (
		vector = 0x50
		tmict  = 1000
	)

	l := s.domain.LAPIC(0)
	if err := regWrite(l, lapic.RegLVTTimer, 0x20000|vector); err != nil { // periodic
		return err
	}
	if err := regWrite(l, lapic.RegTimerInit, tmict); err != nil {
		return err
	}

	period := uint64(tmict) * 10 // default bus cycle
	if s.cfg.BusCycleNS != 0 {
		period = uint64(tmict) * uint64(s.cfg.BusCycleNS)
	}
	period *= 2 // divide configuration resets to divide-by-2

	ticks := 0
	for i := 0; i < 3; i++ {
		s.timers.advance(period)
		if got := s.takeInterrupt(0); got == vector {
			ticks++
			if err := regWrite(l, lapic.RegEOI, 0); err != nil {
				return err
			}
		}
	}
	if ticks != 3 {
		return fmt.Errorf("got %d timer ticks, want 3", ticks)
	}

	// Disarm.
	if err := regWrite(l, lapic.RegTimerInit, 0); err != nil {
		return err
	}
	slog.Info("periodic timer delivered", "ticks", ticks, "period_ns", period)
	return nil
}

// scenarioInitSIPI brings up processor 1 with the INIT then SIPI
// sequence.
func scenarioInitSIPI(s *simulation) error {
	if s.domain.VCPUs() < 2 {
		slog.Info("skipping INIT/SIPI, single processor domain")
		return nil
	}

	source := s.domain.LAPIC(0)
	target := s.procs[1]
	target.setInitialised(true)

	if err := regWrite(source, lapic.RegICRHigh, uint32(target.ID()*2)<<24); err != nil {
		return err
	}
	if err := regWrite(source, lapic.RegICRLow, lapic.DeliverINIT|0x4000); err != nil {
		return err
	}
	if target.resetCount() != 1 {
		return fmt.Errorf("INIT reset the target %d times, want 1", target.resetCount())
	}

	const startPage = 0x9a
	if err := regWrite(source, lapic.RegICRLow, lapic.DeliverStartup|startPage); err != nil {
		return err
	}
	if got := target.startVector(); got != startPage<<8 {
		return fmt.Errorf("SIPI started target at %#x, want %#x", got, startPage<<8)
	}
	slog.Info("processor brought up", "vcpu", target.ID(), "cs", startPage<<8)
	return nil
}

// scenarioSaveRestore saves the domain, perturbs live state, then
// restores and verifies the snapshot state came back.
func scenarioSaveRestore(s *simulation) error {
	l := s.domain.LAPIC(0)
	if err := regWrite(l, lapic.RegTPR, 0x30); err != nil { // task priority
		return err
	}

	var buf bytes.Buffer
	if err := s.domain.Registry().SaveAll(&buf); err != nil {
		return err
	}

	if err := regWrite(l, lapic.RegTPR, 0); err != nil {
		return err
	}

	if err := s.domain.Registry().LoadAll(bytes.NewReader(buf.Bytes())); err != nil {
		return err
	}
	if got := regRead(l, lapic.RegTPR); got != 0x30 {
		return fmt.Errorf("restored task priority = %#x, want 0x30", got)
	}
	slog.Info("save/restore round trip", "bytes", buf.Len())
	return nil
}

// Simulated processor --------------------------------------------------------

// simProc is a processor stub: it never runs guest code, it just
// records what the interrupt controller asks of it.
type simProc struct {
	mu          sync.Mutex
	id          int
	initialised bool
	down        bool
	nmiPending  bool
	resets      int
	startCS     uint32
	kicks       int
}

func (p *simProc) ID() int { return p.id }
func (p *simProc) Pause() {}
func (p *simProc) PauseNoSync() {}
func (p *simProc) Unpause() {}

func (p *simProc) Kick() {
	p.mu.Lock()
	p.kicks++
	p.mu.Unlock()
}

func (p *simProc) Wake() {}

func (p *simProc) IsInitialised() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialised
}

func (p *simProc) setInitialised(v bool) {
	p.mu.Lock()
	p.initialised = v
	p.mu.Unlock()
}

func (p *simProc) TestAndClearDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	was := p.down
	p.down = false
	return was
}

func (p *simProc) ForceDown() {
	p.mu.Lock()
	p.down = true
	p.mu.Unlock()
}

func (p *simProc) Reset() error {
	p.mu.Lock()
	p.resets++
	p.mu.Unlock()
	return nil
}

func (p *simProc) resetCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

func (p *simProc) StartAt(resetCS uint32) {
	p.mu.Lock()
	p.startCS = resetCS
	p.down = false
	p.mu.Unlock()
}

func (p *simProc) startVector() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startCS
}

func (p *simProc) CancelEmulation() {}

func (p *simProc) SetNMIPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	was := p.nmiPending
	p.nmiPending = true
	return was
}

func (p *simProc) InGuestMode() bool { return false }

var _ lapic.Processor = (*simProc)(nil)

// simAssist is an in-memory EOI-assist page, one flag per processor.
type simAssist struct {
	mu    sync.Mutex
	flags map[int]bool
}

func newSimAssist() *simAssist {
	return &simAssist{flags: make(map[int]bool)}
}

func (a *simAssist) Completed(p lapic.Processor) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flags[p.ID()]
}

func (a *simAssist) Clear(p lapic.Processor) {
	a.mu.Lock()
	a.flags[p.ID()] = false
	a.mu.Unlock()
}

func (a *simAssist) Set(p lapic.Processor) {
	a.mu.Lock()
	a.flags[p.ID()] = true
	a.mu.Unlock()
}

// Simulated timers -----------------------------------------------------------

// simTimers schedules timer callbacks against the manual clock:
// nothing fires until advance moves time past a deadline.
type simTimers struct {
	mu    sync.Mutex
	clock *hv.ManualClock
	next  int
	armed map[int]*simTimer
}

type simTimer struct {
	id       int
	deadline uint64
	cb       func()
	owner    *simTimers
}

func newSimTimers(clock *hv.ManualClock) *simTimers {
	return &simTimers{clock: clock, armed: make(map[int]*simTimer)}
}

func (t *simTimers) factory(delay time.Duration, cb func()) ptimer.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	timer := &simTimer{
		id:       t.next,
		deadline: t.clock.Time() + uint64(delay),
		cb:       cb,
		owner:    t,
	}
	t.next++
	t.armed[timer.id] = timer
	return timer
}

func (s *simTimer) Stop() {
	s.owner.mu.Lock()
	delete(s.owner.armed, s.id)
	s.owner.mu.Unlock()
}

// advance moves the clock forward and fires every timer whose deadline
// passed, in deadline order.
func (t *simTimers) advance(deltaNS uint64) {
	t.clock.Advance(deltaNS)
	now := t.clock.Time()

	for {
		t.mu.Lock()
		var due []*simTimer
		for _, timer := range t.armed {
			if timer.deadline <= now {
				due = append(due, timer)
			}
		}
		for _, timer := range due {
			delete(t.armed, timer.id)
		}
		t.mu.Unlock()

		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(a, b int) bool { return due[a].deadline < due[b].deadline })
		for _, timer := range due {
			timer.cb()
		}
	}
}
