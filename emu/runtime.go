package emu

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/addiethehomie/IMIC-SDS/arch"
	"github.com/addiethehomie/IMIC-SDS/mem"
	"github.com/addiethehomie/IMIC-SDS/ringbus"
	"github.com/addiethehomie/IMIC-SDS/sim"
	"github.com/addiethehomie/IMIC-SDS/xlat"
)

// HookPosBeforeStep triggers before a core executes one instruction, after
// the controller's breakpoint check.
var HookPosBeforeStep = &sim.HookPos{Name: "Core Before Step"}

// HookPosAfterStep triggers after a core executed one instruction. The
// performance monitor records here.
var HookPosAfterStep = &sim.HookPos{Name: "Core After Step"}

// pausePollInterval is how often a paused worker re-checks the pause flag.
const pausePollInterval = 10 * time.Millisecond

// A CoreStep is the hook payload describing one instruction step.
type CoreStep struct {
	Core        *Core
	PC          uint64
	Translation xlat.Translation
}

// A Controller lets a debugger intercept execution at instruction
// boundaries.
type Controller interface {
	ShouldBreak(pc uint64, coreID int) bool
	ShouldPause() bool
	NotifyBreakpointHit(pc uint64, coreID int)
}

// Runtime owns the simulated cores and drives their execution.
type Runtime struct {
	sim.HookableBase

	name    string
	profile arch.Profile

	memory      *mem.BankedMemory
	translators []*xlat.Translator
	cores       []*Core
	ring        *ringbus.Comp
	controller  Controller
	stdout      io.Writer

	halt     atomic.Bool
	paused   atomic.Bool
	running  atomic.Bool
	exitCode atomic.Int64

	globalCycles atomic.Uint64

	selectedCore int
	stepLock     sync.Mutex

	initialized bool
	wg          sync.WaitGroup
}

// Builder can build runtimes.
type Builder struct {
	profile    arch.Profile
	numCores   int
	memorySize uint64
	memory     *mem.BankedMemory
	ring       *ringbus.Comp
	controller Controller
	stdout     io.Writer
}

// MakeBuilder creates a builder with KNC defaults.
func MakeBuilder() Builder {
	return Builder{
		profile: arch.KNC(),
		stdout:  os.Stdout,
	}
}

// WithProfile selects the architecture profile. Core count and memory size
// reset to the profile's defaults unless overridden afterwards.
func (b Builder) WithProfile(p arch.Profile) Builder {
	b.profile = p
	b.numCores = 0
	b.memorySize = 0
	return b
}

// WithNumCores overrides the core count. Must stay within 1 and the
// profile's maximum.
func (b Builder) WithNumCores(n int) Builder {
	b.numCores = n
	return b
}

// WithMemorySize overrides the memory size in bytes.
func (b Builder) WithMemorySize(size uint64) Builder {
	b.memorySize = size
	return b
}

// WithMemory sets a pre-built banked memory. Its profile must match.
func (b Builder) WithMemory(m *mem.BankedMemory) Builder {
	b.memory = m
	return b
}

// WithRingBus attaches a ring bus simulator.
func (b Builder) WithRingBus(r *ringbus.Comp) Builder {
	b.ring = r
	return b
}

// WithController attaches a debugger controller.
func (b Builder) WithController(c Controller) Builder {
	b.controller = c
	return b
}

// WithStdout redirects the guest's standard output.
func (b Builder) WithStdout(w io.Writer) Builder {
	b.stdout = w
	return b
}

// Build creates a new Runtime.
func (b Builder) Build(name string) (*Runtime, error) {
	sim.NameMustBeValid(name)
	b.profile.MustBeValid()

	numCores := b.numCores
	if numCores == 0 {
		numCores = b.profile.NumCores
	}
	if numCores < 1 || numCores > b.profile.NumCores {
		return nil, arch.NewInvalidArgumentError(fmt.Sprintf(
			"core count %d outside 1..%d for %s",
			numCores, b.profile.NumCores, b.profile.Family))
	}

	profile := b.profile
	if b.memorySize != 0 {
		if b.memorySize > b.profile.MemorySize {
			return nil, arch.NewInvalidArgumentError(fmt.Sprintf(
				"memory size %d exceeds %d for %s",
				b.memorySize, b.profile.MemorySize, b.profile.Family))
		}
		profile.MemorySize = b.memorySize
	}

	r := &Runtime{
		name:       name,
		profile:    profile,
		memory:     b.memory,
		ring:       b.ring,
		controller: b.controller,
		stdout:     b.stdout,
	}

	if r.memory == nil {
		r.memory = mem.MakeBankedMemoryBuilder().
			WithProfile(profile).
			Build(name + ".Memory")
	}

	for i := 0; i < numCores; i++ {
		r.cores = append(r.cores, newCore(i, profile.TileOfCore(i)))
		r.translators = append(r.translators,
			xlat.MakeTranslatorBuilder().WithProfile(profile).Build())
	}

	r.initialized = true

	return r, nil
}

// SetController attaches a debugger controller after construction. Only
// valid while the runtime is not running.
func (r *Runtime) SetController(c Controller) {
	if r.running.Load() {
		panic("cannot set controller on a running runtime")
	}
	r.controller = c
}

// Name returns the name of the runtime.
func (r *Runtime) Name() string {
	return r.name
}

// Profile returns the architecture profile in effect.
func (r *Runtime) Profile() arch.Profile {
	return r.profile
}

// NumCores returns the number of simulated cores.
func (r *Runtime) NumCores() int {
	return len(r.cores)
}

// CoreState returns one core by ID.
func (r *Runtime) CoreState(coreID int) (*Core, error) {
	if coreID < 0 || coreID >= len(r.cores) {
		return nil, arch.NewInvalidArgumentError(
			fmt.Sprintf("core %d out of range", coreID))
	}
	return r.cores[coreID], nil
}

// Memory returns the banked memory of the runtime.
func (r *Runtime) Memory() *mem.BankedMemory {
	return r.memory
}

// Translator returns the translator owned by one core.
func (r *Runtime) Translator(coreID int) *xlat.Translator {
	return r.translators[coreID]
}

// GlobalCycles returns the monotonically non-decreasing global cycle count.
func (r *Runtime) GlobalCycles() uint64 {
	return r.globalCycles.Load()
}

// ExitCode returns the code passed to the exit syscall.
func (r *Runtime) ExitCode() int {
	return int(r.exitCode.Load())
}

// LoadProgram copies the program image to address 0, points every core at
// it, and clears the halted flags.
func (r *Runtime) LoadProgram(program []byte) error {
	if !r.initialized {
		return arch.NewInvalidArgumentError("runtime not initialized")
	}

	if uint64(len(program)) > r.profile.MemorySize {
		return arch.NewInvalidArgumentError(fmt.Sprintf(
			"program of %d bytes does not fit in %d bytes of memory",
			len(program), r.profile.MemorySize))
	}

	if err := r.memory.Storage().Write(0, program); err != nil {
		return err
	}

	for _, c := range r.cores {
		c.Regs.RIP = 0
		c.resume()
	}

	r.halt.Store(false)
	r.exitCode.Store(0)

	return nil
}

// Run starts one worker per core plus a coordinator and blocks until the
// global halt flag is set or every core has halted.
func (r *Runtime) Run() error {
	if !r.initialized {
		return arch.NewInvalidArgumentError("runtime not initialized")
	}
	if !r.running.CompareAndSwap(false, true) {
		return arch.NewInvalidArgumentError("runtime already running")
	}
	defer r.running.Store(false)

	if r.ring != nil {
		r.ring.StartSimulation()
		defer r.ring.StopSimulation()
	}

	for _, c := range r.cores {
		r.wg.Add(1)
		go func(core *Core) {
			defer r.wg.Done()
			r.executeCore(core)
		}(c)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			return nil
		default:
		}

		r.globalCycles.Add(1)

		if r.debuggerPaused() {
			time.Sleep(pausePollInterval)
			continue
		}

		time.Sleep(100 * time.Microsecond)
	}
}

func (r *Runtime) debuggerPaused() bool {
	if r.paused.Load() {
		return true
	}
	return r.controller != nil && r.controller.ShouldPause()
}

// executeCore is the per-core worker loop.
func (r *Runtime) executeCore(core *Core) {
	for !r.halt.Load() && !core.Halted() {
		if r.debuggerPaused() {
			time.Sleep(pausePollInterval)
			continue
		}

		if err := r.executeOne(core); err != nil {
			log.Printf("core %d: halted: %v", core.ID, err)
			core.haltWithFault(err)
			return
		}
	}
}

// executeOne runs exactly one instruction on the core.
func (r *Runtime) executeOne(core *Core) error {
	rip := core.Regs.RIP
	if rip >= r.profile.MemorySize {
		return arch.NewMemoryAccessError(fmt.Sprintf(
			"instruction pointer 0x%x out of bounds", rip))
	}

	fetchLen := uint64(xlat.MaxInstLen)
	if rip+fetchLen > r.profile.MemorySize {
		fetchLen = r.profile.MemorySize - rip
	}

	instBytes, err := r.memory.Storage().Read(rip, fetchLen)
	if err != nil {
		return err
	}

	if r.controller != nil && r.controller.ShouldBreak(rip, core.ID) {
		r.controller.NotifyBreakpointHit(rip, core.ID)
		for r.controller.ShouldPause() {
			time.Sleep(pausePollInterval)
		}
	}

	trans := r.translators[core.ID].Translate(rip, instBytes)

	step := CoreStep{Core: core, PC: rip, Translation: trans}
	r.InvokeHook(sim.HookCtx{Domain: r, Pos: HookPosBeforeStep, Item: &step})

	if err := r.applyEffects(core, instBytes); err != nil {
		return err
	}

	advance := uint64(trans.GuestLength)
	if advance == 0 {
		advance = 1
	}
	core.Regs.RIP = rip + advance

	core.addCycles(uint64(1 + trans.OverheadCycles))
	r.globalCycles.Add(1)

	r.InvokeHook(sim.HookCtx{Domain: r, Pos: HookPosAfterStep, Item: &step})

	return nil
}

// applyEffects performs the observable semantics of the instruction.
func (r *Runtime) applyEffects(core *Core, instBytes []byte) error {
	if len(instBytes) == 0 {
		return arch.NewInvalidInstructionError("empty instruction")
	}

	switch {
	case instBytes[0] == 0x90: // NOP
		return nil
	case instBytes[0] == 0xC3: // RET
		core.Halt()
		return nil
	case len(instBytes) >= 2 && instBytes[0] == 0x0F && instBytes[1] == 0x05:
		return r.dispatchSyscall(core)
	case len(instBytes) >= 7 && instBytes[0] == 0x48 && instBytes[1] == 0xC7:
		// REX.W mov reg, imm32 sets up syscall arguments.
		if reg, ok := movTargetGPR(instBytes[2]); ok {
			core.Regs.GPR[reg] = uint64(binary.LittleEndian.Uint32(instBytes[3:7]))
		}
		return nil
	case instBytes[0] >= 0xB8 && instBytes[0] <= 0xBF && len(instBytes) >= 5:
		// mov r32, imm32
		core.Regs.GPR[instBytes[0]-0xB8] =
			uint64(binary.LittleEndian.Uint32(instBytes[1:5]))
		return nil
	default:
		return nil
	}
}

// movTargetGPR maps the ModR/M byte of a REX.W mov-immediate onto the
// argument slot convention of the syscall layer: rax carries the number,
// then rdi, rsi, rdx, rcx, rbx the arguments. Other registers are ignored.
func movTargetGPR(modRM byte) (int, bool) {
	switch modRM {
	case 0xC0: // rax
		return 0, true
	case 0xC7: // rdi
		return 1, true
	case 0xC6: // rsi
		return 2, true
	case 0xC2: // rdx
		return 3, true
	case 0xC1: // rcx
		return 4, true
	case 0xC3: // rbx
		return 5, true
	default:
		return 0, false
	}
}

// coherencyPass announces a data access on the ring so the DTD tracks the
// line's ownership. The message carries the little-endian address in its
// first eight bytes; writes carry a wider payload so the directory marks the
// line dirty.
func (r *Runtime) coherencyPass(core *Core, addr uint64, isWrite bool) {
	if r.ring == nil {
		return
	}

	size := 8
	if isWrite {
		size = 16
	}

	payload := make([]byte, size)
	binary.LittleEndian.PutUint64(payload, addr)

	dst := r.ring.DTDHomeNode(addr)
	src := core.TileID % r.ring.NumNodes()

	r.ring.Send(src, dst, payload, ringbus.PriorityDefault)
}

// SelectCore picks the core that Step operates on.
func (r *Runtime) SelectCore(coreID int) error {
	if coreID < 0 || coreID >= len(r.cores) {
		return arch.NewInvalidArgumentError(
			fmt.Sprintf("core %d out of range", coreID))
	}
	r.selectedCore = coreID
	return nil
}

// Step executes one instruction on the selected core while the workers are
// quiesced.
func (r *Runtime) Step() error {
	r.stepLock.Lock()
	defer r.stepLock.Unlock()

	core := r.cores[r.selectedCore]
	if core.Halted() {
		return arch.NewInvalidArgumentError(
			fmt.Sprintf("core %d is halted", core.ID))
	}

	return r.executeOne(core)
}

// Pause stops the workers at the next instruction boundary.
func (r *Runtime) Pause() {
	r.paused.Store(true)
}

// Resume lets paused workers continue.
func (r *Runtime) Resume() {
	r.paused.Store(false)
}

// Halt requests every core to stop. Workers observe the flag at the top of
// their loop.
func (r *Runtime) Halt() {
	r.halt.Store(true)
}

// Halted reports whether the global halt flag is set.
func (r *Runtime) Halted() bool {
	return r.halt.Load()
}

// ActiveCores returns the number of cores that are not halted.
func (r *Runtime) ActiveCores() int {
	n := 0
	for _, c := range r.cores {
		if !c.Halted() {
			n++
		}
	}
	return n
}

// TotalInstructions sums the cycle counters of all cores.
func (r *Runtime) TotalInstructions() uint64 {
	var total uint64
	for _, c := range r.cores {
		total += c.Cycles()
	}
	return total
}
