// Package debugger provides the interactive console of the emulator:
// breakpoints, watchpoints, single stepping, and state inspection. The
// runtime consults it at every instruction boundary through the
// emu.Controller interface.
package debugger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/addiethehomie/IMIC-SDS/emu"
)

// BreakpointType tells what kind of event arms a breakpoint.
type BreakpointType int

// Breakpoint kinds.
const (
	BreakOnExecution BreakpointType = iota
	BreakOnMemory
)

// allCores is the core mask matching every core.
const allCores = 0xFFFFFFFF

// A Breakpoint stops execution when a core reaches an address.
type Breakpoint struct {
	Addr     uint64
	Type     BreakpointType
	CoreMask uint32
	Enabled  bool
	HitCount uint64
}

// A Watchpoint stops execution when an address range is accessed.
type Watchpoint struct {
	Addr     uint64
	Size     uint64
	OnWrite  bool
	Enabled  bool
	HitCount uint64
}

// Stats are the session counters of the debugger.
type Stats struct {
	BreakpointsHit      uint64
	WatchpointsHit      uint64
	InstructionsStepped uint64
}

// A Debugger drives an interactive debug session over a runtime.
type Debugger struct {
	runtime *emu.Runtime

	enabled        atomic.Bool
	breakRequested atomic.Bool
	paused         atomic.Bool

	mu          sync.Mutex
	breakpoints map[uint64]*Breakpoint
	watchpoints []*Watchpoint
	history     []string

	currentCore int
	currentAddr uint64

	stats Stats

	in  io.Reader
	out io.Writer
}

// New creates a debugger over the given runtime, reading commands from in
// and printing to out.
func New(runtime *emu.Runtime, in io.Reader, out io.Writer) *Debugger {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}

	return &Debugger{
		runtime:     runtime,
		breakpoints: make(map[uint64]*Breakpoint),
		in:          in,
		out:         out,
	}
}

// Enable turns debugging on or off.
func (d *Debugger) Enable(on bool) {
	d.enabled.Store(on)
}

// Enabled reports whether debugging is active.
func (d *Debugger) Enabled() bool {
	return d.enabled.Load()
}

// RequestBreak asks the runtime to stop at the next instruction boundary.
func (d *Debugger) RequestBreak() {
	d.breakRequested.Store(true)
}

// ShouldBreak is the pre-step check the runtime performs for every
// instruction.
func (d *Debugger) ShouldBreak(pc uint64, coreID int) bool {
	if !d.enabled.Load() {
		return false
	}

	if d.breakRequested.Load() {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	bp, ok := d.breakpoints[pc]
	if !ok || !bp.Enabled {
		return false
	}
	if bp.CoreMask != allCores && bp.CoreMask&(1<<uint(coreID)) == 0 {
		return false
	}

	bp.HitCount++

	return true
}

// ShouldPause reports whether workers must spin-wait for the console.
func (d *Debugger) ShouldPause() bool {
	return d.paused.Load() || d.breakRequested.Load()
}

// NotifyBreakpointHit records the hit and pauses the session.
func (d *Debugger) NotifyBreakpointHit(pc uint64, coreID int) {
	d.mu.Lock()
	d.stats.BreakpointsHit++
	d.currentAddr = pc
	d.currentCore = coreID
	d.mu.Unlock()

	d.paused.Store(true)
	d.breakRequested.Store(false)

	fmt.Fprintf(d.out, "\nbreakpoint hit at 0x%x on core %d\n", pc, coreID)
}

// CheckWatchpoints records a hit when the accessed range overlaps an armed
// watchpoint.
func (d *Debugger) CheckWatchpoints(addr, size uint64, isWrite bool) bool {
	if !d.enabled.Load() {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, wp := range d.watchpoints {
		if !wp.Enabled {
			continue
		}
		if isWrite != wp.OnWrite {
			continue
		}
		if addr < wp.Addr+wp.Size && wp.Addr < addr+size {
			wp.HitCount++
			d.stats.WatchpointsHit++
			return true
		}
	}

	return false
}

// AddBreakpoint arms an execution breakpoint. Adding an address twice fails.
func (d *Debugger) AddBreakpoint(addr uint64, t BreakpointType, coreMask uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.breakpoints[addr]; exists {
		return false
	}

	d.breakpoints[addr] = &Breakpoint{
		Addr:     addr,
		Type:     t,
		CoreMask: coreMask,
		Enabled:  true,
	}

	return true
}

// SetWatchpoint arms a watchpoint over [addr, addr+size).
func (d *Debugger) SetWatchpoint(addr, size uint64, onWrite bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.watchpoints = append(d.watchpoints, &Watchpoint{
		Addr:    addr,
		Size:    size,
		OnWrite: onWrite,
		Enabled: true,
	})
}

// History returns the commands entered this session.
func (d *Debugger) History() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.history...)
}

// CollectStats returns the session counters.
func (d *Debugger) CollectStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.stats
}

var _ emu.Controller = (*Debugger)(nil)
