// Package perfmon collects per-core performance counters of an emulation
// run and exports them as a report, a CSV file, or a recorded database.
package perfmon

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/addiethehomie/IMIC-SDS/arch"
	"github.com/addiethehomie/IMIC-SDS/emu"
	"github.com/addiethehomie/IMIC-SDS/ringbus"
	"github.com/addiethehomie/IMIC-SDS/sim"
)

// CoreCounters is the counter set kept for each core.
type CoreCounters struct {
	InstructionsRetired  uint64
	VectorInstructions   uint64
	MemoryAccesses       uint64
	L1Hits               uint64
	L1Misses             uint64
	L2Hits               uint64
	L2Misses             uint64
	RingBusTransactions  uint64
	Cycles               uint64
	BranchesTaken        uint64
	BranchesMispredicted uint64
}

// IPC returns instructions per cycle.
func (c CoreCounters) IPC() float64 {
	if c.Cycles == 0 {
		return 0
	}
	return float64(c.InstructionsRetired) / float64(c.Cycles)
}

// A Monitor accumulates counters for every core. It observes the runtime and
// the ring bus through hooks.
type Monitor struct {
	profile arch.Profile

	enabled atomic.Bool

	mu        sync.Mutex
	cores     []CoreCounters
	aggregate CoreCounters
}

// NewMonitor creates a performance monitor for the given profile and core
// count.
func NewMonitor(profile arch.Profile, numCores int) *Monitor {
	return &Monitor{
		profile: profile,
		cores:   make([]CoreCounters, numCores),
	}
}

// Enable turns counting on or off.
func (m *Monitor) Enable(on bool) {
	m.enabled.Store(on)
}

// Enabled reports whether counting is active.
func (m *Monitor) Enabled() bool {
	return m.enabled.Load()
}

// Func lets the monitor observe runtime and ring-bus hooks.
func (m *Monitor) Func(ctx sim.HookCtx) {
	if !m.enabled.Load() {
		return
	}

	switch ctx.Pos {
	case emu.HookPosAfterStep:
		step := ctx.Item.(*emu.CoreStep)
		m.recordStep(step)
	case ringbus.HookPosMsgSend:
		msg := ctx.Item.(*ringbus.Message)
		m.RecordRingTransaction(msg.Src*m.profile.CoresPerTile, uint64(msg.Size()))
	}
}

func (m *Monitor) recordStep(step *emu.CoreStep) {
	isVector := len(step.Translation.Original) > 0 &&
		step.Translation.Original[0] == 0x62

	m.RecordInstruction(step.Core.ID, isVector)
	m.RecordCycle(step.Core.ID, uint64(1+step.Translation.OverheadCycles))
}

// RecordInstruction counts one retired instruction.
func (m *Monitor) RecordInstruction(coreID int, isVector bool) {
	if !m.validCore(coreID) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cores[coreID].InstructionsRetired++
	m.aggregate.InstructionsRetired++

	if isVector {
		m.cores[coreID].VectorInstructions++
		m.aggregate.VectorInstructions++
	}
}

// RecordMemoryAccess counts one access and models the L1/L2 behavior.
func (m *Monitor) RecordMemoryAccess(coreID int, addr, size uint64, isWrite bool) {
	if !m.validCore(coreID) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cores[coreID].MemoryAccesses++
	m.aggregate.MemoryAccesses++

	m.recordCacheLocked(coreID, m.isL1Hit(addr), m.isL2Hit(addr))
}

// RecordCacheEvent counts externally observed cache outcomes.
func (m *Monitor) RecordCacheEvent(coreID int, l1Hit, l2Hit bool) {
	if !m.validCore(coreID) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.recordCacheLocked(coreID, l1Hit, l2Hit)
}

func (m *Monitor) recordCacheLocked(coreID int, l1Hit, l2Hit bool) {
	core := &m.cores[coreID]

	if l1Hit {
		core.L1Hits++
		m.aggregate.L1Hits++
	} else {
		core.L1Misses++
		m.aggregate.L1Misses++
	}

	if l2Hit {
		core.L2Hits++
		m.aggregate.L2Hits++
	} else {
		core.L2Misses++
		m.aggregate.L2Misses++
	}
}

// RecordRingTransaction counts one ring-bus message issued by the core.
func (m *Monitor) RecordRingTransaction(coreID int, size uint64) {
	if !m.validCore(coreID) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cores[coreID].RingBusTransactions++
	m.aggregate.RingBusTransactions++
}

// RecordCycle adds cycles to one core.
func (m *Monitor) RecordCycle(coreID int, cycles uint64) {
	if !m.validCore(coreID) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cores[coreID].Cycles += cycles
	m.aggregate.Cycles += cycles
}

// RecordBranch counts a branch and its prediction outcome.
func (m *Monitor) RecordBranch(coreID int, taken, mispredicted bool) {
	if !m.validCore(coreID) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if taken {
		m.cores[coreID].BranchesTaken++
		m.aggregate.BranchesTaken++
	}
	if mispredicted {
		m.cores[coreID].BranchesMispredicted++
		m.aggregate.BranchesMispredicted++
	}
}

// isL1Hit models a direct-mapped L1: nine of ten distinct lines hit.
func (m *Monitor) isL1Hit(addr uint64) bool {
	line := addr / arch.CacheLineSize
	return line%10 != 0
}

// isL2Hit models the shared L2 with a higher hit rate than L1.
func (m *Monitor) isL2Hit(addr uint64) bool {
	line := addr / arch.CacheLineSize
	return line%20 != 0
}

// Core returns a copy of one core's counters.
func (m *Monitor) Core(coreID int) CoreCounters {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.validCoreLocked(coreID) {
		return CoreCounters{}
	}

	return m.cores[coreID]
}

// Aggregate returns a copy of the summed counters.
func (m *Monitor) Aggregate() CoreCounters {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.aggregate
}

// NumCores returns the number of tracked cores.
func (m *Monitor) NumCores() int {
	return len(m.cores)
}

// Reset clears all counters.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.cores {
		m.cores[i] = CoreCounters{}
	}
	m.aggregate = CoreCounters{}
}

func (m *Monitor) validCore(coreID int) bool {
	return m.enabled.Load() && coreID >= 0 && coreID < len(m.cores)
}

func (m *Monitor) validCoreLocked(coreID int) bool {
	return coreID >= 0 && coreID < len(m.cores)
}

// Report writes the aggregate statistics in human-readable form.
func (m *Monitor) Report(w io.Writer) {
	agg := m.Aggregate()

	fmt.Fprintln(w, "=== Performance Statistics ===")
	fmt.Fprintf(w, "Instructions retired: %d\n", agg.InstructionsRetired)
	fmt.Fprintf(w, "Vector instructions:  %d\n", agg.VectorInstructions)
	fmt.Fprintf(w, "Memory accesses:      %d\n", agg.MemoryAccesses)
	fmt.Fprintf(w, "L1 hits/misses:       %d/%d\n", agg.L1Hits, agg.L1Misses)
	fmt.Fprintf(w, "L2 hits/misses:       %d/%d\n", agg.L2Hits, agg.L2Misses)
	fmt.Fprintf(w, "Ring transactions:    %d\n", agg.RingBusTransactions)
	fmt.Fprintf(w, "Total cycles:         %d\n", agg.Cycles)
	fmt.Fprintf(w, "IPC:                  %.4f\n", agg.IPC())
}

var _ sim.Hook = (*Monitor)(nil)
