// Package ptimer provides a guest-time timer source for virtual
// interrupt controllers. A Source carries at most one registration at
// a time: one-shot or periodic, counted in guest nanoseconds, injected
// through the owner when it fires. A tick that fires while the owner
// masks delivery is latched and redelivered on unmask.
package ptimer

import (
	"sync"
	"time"

	"github.com/tinyrange/vapic/internal/hv"
)

// Handle tracks a cancellable pending callback.
type Handle interface {
	Stop()
}

// HandleFunc adapts a stop function to Handle.
type HandleFunc func()

func (f HandleFunc) Stop() {
	if f != nil {
		f()
	}
}

// TimerFactory schedules cb to run once after delay. The callback must
// not be invoked synchronously from within the factory call. Tests
// inject manual factories to control firing.
type TimerFactory func(delay time.Duration, cb func()) Handle

func defaultTimerFactory(delay time.Duration, cb func()) Handle {
	if cb == nil {
		return nil
	}
	if delay < 0 {
		delay = 0
	}
	t := time.AfterFunc(delay, cb)
	return HandleFunc(func() { t.Stop() })
}

// Injector is the owning interrupt controller's delivery surface.
type Injector interface {
	// InjectTimer asserts the timer vector.
	InjectTimer(vector uint8)

	// TimerMasked reports whether timer delivery is currently masked.
	TimerMasked() bool
}

type registration struct {
	gen     uint64
	vector  uint8
	period  uint64 // ns, 0 for one-shot
	level   bool
	onFire  func(now uint64)
	handle  Handle
	pending bool
}

// Source owns one timer registration on behalf of an Injector.
type Source struct {
	mu      sync.Mutex
	clock   hv.GuestClock
	inj     Injector
	factory TimerFactory
	gen     uint64
	reg     *registration
}

// Option configures a Source.
type Option func(*Source)

// WithTimerFactory replaces how expirations are scheduled.
func WithTimerFactory(f TimerFactory) Option {
	return func(s *Source) { s.factory = f }
}

func New(clock hv.GuestClock, inj Injector, opts ...Option) *Source {
	s := &Source{
		clock:   clock,
		inj:     inj,
		factory: defaultTimerFactory,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register arms the source: first expiry after delay guest-ns, then
// every period guest-ns if period is nonzero. Any existing
// registration is destroyed first. onFire, if non-nil, runs on every
// expiry with the guest time of the tick; it is the last-update output
// path for countdown readback. Returns the guest time the registration
// was armed at.
func (s *Source) Register(delay, period uint64, vector uint8, onFire func(now uint64), level bool) uint64 {
	s.mu.Lock()
	s.destroyLocked()
	s.gen++
	r := &registration{
		gen:    s.gen,
		vector: vector,
		period: period,
		level:  level,
		onFire: onFire,
	}
	s.reg = r
	start := s.clock.Time()
	gen := r.gen
	r.handle = s.factory(time.Duration(delay), func() { s.fire(gen) })
	s.mu.Unlock()
	return start
}

// Destroy cancels any registration and drops a latched pending tick.
func (s *Source) Destroy() {
	s.mu.Lock()
	s.destroyLocked()
	s.mu.Unlock()
}

func (s *Source) destroyLocked() {
	if s.reg == nil {
		return
	}
	if s.reg.handle != nil {
		s.reg.handle.Stop()
	}
	s.reg = nil
	s.gen++
}

// Active reports whether a registration is armed or holding a latched
// tick.
func (s *Source) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg != nil
}

func (s *Source) fire(gen uint64) {
	s.mu.Lock()
	r := s.reg
	if r == nil || r.gen != gen {
		s.mu.Unlock()
		return
	}
	now := s.clock.Time()
	if r.onFire != nil {
		r.onFire(now)
	}

	inject := false
	vector := r.vector
	if s.inj.TimerMasked() {
		r.pending = true
	} else {
		inject = true
	}

	if r.period > 0 {
		r.handle = s.factory(time.Duration(r.period), func() { s.fire(gen) })
	} else if inject {
		s.reg = nil
		s.gen++
	} else {
		// Expired one-shot held only for the pending latch.
		r.handle = nil
	}
	s.mu.Unlock()

	if inject {
		s.inj.InjectTimer(vector)
	}
}

// MayUnmask redelivers a tick that fired while delivery was masked.
// Call after any guest write that could unmask the timer.
func (s *Source) MayUnmask() {
	s.mu.Lock()
	r := s.reg
	if r == nil || !r.pending || s.inj.TimerMasked() {
		s.mu.Unlock()
		return
	}
	r.pending = false
	vector := r.vector
	if r.period == 0 && r.handle == nil {
		s.reg = nil
		s.gen++
	}
	s.mu.Unlock()

	s.inj.InjectTimer(vector)
}
