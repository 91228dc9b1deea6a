package hv

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrGuestFault indicates an access the guest must observe as a
	// general-protection fault rather than a host error.
	ErrGuestFault = errors.New("hv: guest fault")

	ErrNoSuchVCPU = errors.New("hv: no such vcpu")
	ErrBadRecord  = errors.New("hv: malformed save record")
)

// GuestClock is the guest's view of time. Time is in nanoseconds of
// guest uptime; TSC is the guest timestamp counter.
type GuestClock interface {
	Time() uint64
	TSC() uint64

	// TSCToTime converts a TSC delta to nanoseconds.
	TSCToTime(delta uint64) uint64
}

// WallClock is a GuestClock backed by host monotonic time with a fixed
// TSC frequency.
type WallClock struct {
	start time.Time
	hz    uint64
}

// NewWallClock returns a wall clock ticking the TSC at the given
// frequency. A zero frequency defaults to 1 GHz so TSC and nanoseconds
// coincide.
func NewWallClock(tscHz uint64) *WallClock {
	if tscHz == 0 {
		tscHz = 1_000_000_000
	}
	return &WallClock{start: time.Now(), hz: tscHz}
}

func (c *WallClock) Time() uint64 {
	return uint64(time.Since(c.start))
}

func (c *WallClock) TSC() uint64 {
	return nsToTSC(uint64(time.Since(c.start)), c.hz)
}

func (c *WallClock) TSCToTime(delta uint64) uint64 {
	return delta * 1_000_000_000 / c.hz
}

// ManualClock is a GuestClock advanced explicitly. Used by tests and
// the scenario driver.
type ManualClock struct {
	mu  sync.Mutex
	now uint64
	hz  uint64
}

func NewManualClock(tscHz uint64) *ManualClock {
	if tscHz == 0 {
		tscHz = 1_000_000_000
	}
	return &ManualClock{hz: tscHz}
}

func (c *ManualClock) Time() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) TSC() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return nsToTSC(c.now, c.hz)
}

func (c *ManualClock) TSCToTime(delta uint64) uint64 {
	return delta * 1_000_000_000 / c.hz
}

// Advance moves guest time forward by d nanoseconds.
func (c *ManualClock) Advance(d uint64) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

// nsToTSC converts nanoseconds to TSC ticks without overflowing for
// large uptimes.
func nsToTSC(ns, hz uint64) uint64 {
	return ns/1_000_000_000*hz + ns%1_000_000_000*hz/1_000_000_000
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

type MemoryMappedIODevice interface {
	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

var (
	_ GuestClock = (*WallClock)(nil)
	_ GuestClock = (*ManualClock)(nil)
)
