// Package emu drives the per-core execution of a loaded MIC program: one
// worker thread per simulated core, a syscall layer, and run/step/pause
// control. Debuggers and performance monitors observe execution through
// hooks.
package emu

import (
	"sync/atomic"
)

// Register-file dimensions shared by KNC and KNL.
const (
	NumVectorRegs = 32
	VectorBytes   = 64
	NumMaskRegs   = 8
	NumGPRs       = 16
)

// A RegFile is the architectural register state of one core.
type RegFile struct {
	ZMM    [NumVectorRegs][VectorBytes]byte
	K      [NumMaskRegs]uint16
	GPR    [NumGPRs]uint64
	RIP    uint64
	RFlags uint64
}

// A Core is the state of one simulated in-order core. Cores are created
// halted and zeroed; loading a program makes them runnable.
type Core struct {
	ID     int
	TileID int

	Regs RegFile

	halted atomic.Bool
	cycles atomic.Uint64

	fault atomic.Value // error
}

func newCore(id, tileID int) *Core {
	c := &Core{ID: id, TileID: tileID}
	c.halted.Store(true)
	return c
}

// Halted reports whether the core has stopped executing.
func (c *Core) Halted() bool {
	return c.halted.Load()
}

// Halt stops the core.
func (c *Core) Halt() {
	c.halted.Store(true)
}

// resume makes a halted core runnable again.
func (c *Core) resume() {
	c.halted.Store(false)
}

// Cycles returns the number of cycles the core has executed. The counter is
// monotonically non-decreasing.
func (c *Core) Cycles() uint64 {
	return c.cycles.Load()
}

func (c *Core) addCycles(n uint64) {
	c.cycles.Add(n)
}

// Fault returns the error that halted the core, if any.
func (c *Core) Fault() error {
	if err, ok := c.fault.Load().(error); ok {
		return err
	}
	return nil
}

func (c *Core) haltWithFault(err error) {
	c.fault.Store(err)
	c.halted.Store(true)
}
