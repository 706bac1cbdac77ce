package emu

import (
	"fmt"
	"log"

	"github.com/addiethehomie/IMIC-SDS/arch"
)

// Linux-style syscall numbers recognized by the runtime.
const (
	SyscallRead  = 0
	SyscallWrite = 1
	SyscallOpen  = 2
	SyscallClose = 3
	SyscallMmap  = 9
	SyscallBrk   = 12
	SyscallExit  = 60
)

// syscallErrReturn is the -1 an unsupported call leaves in gpr[0].
const syscallErrReturn = ^uint64(0)

// dispatchSyscall handles the `0F 05` instruction. gpr[0] carries the call
// number; gpr[1..5] the arguments. Unsupported calls return -1 in gpr[0] and
// let the core continue.
func (r *Runtime) dispatchSyscall(core *Core) error {
	num := core.Regs.GPR[0]

	switch num {
	case SyscallExit:
		return r.syscallExit(core)
	case SyscallWrite:
		return r.syscallWrite(core)
	case SyscallRead:
		return r.syscallRead(core)
	default:
		log.Printf("core %d: unimplemented system call %d", core.ID, num)
		core.Regs.GPR[0] = syscallErrReturn
		return nil
	}
}

// syscallExit halts every core and sets the global halt flag. gpr[0]
// carries the exit code.
func (r *Runtime) syscallExit(core *Core) error {
	code := int64(core.Regs.GPR[0])

	fmt.Fprintf(r.stdout, "core %d: exit with code %d\n", core.ID, code)

	r.exitCode.Store(code)
	for _, c := range r.cores {
		c.Halt()
	}
	r.halt.Store(true)

	return nil
}

// syscallWrite writes count bytes from guest memory at buf to standard
// output when fd is 1. Other descriptors return -1.
func (r *Runtime) syscallWrite(core *Core) error {
	fd := core.Regs.GPR[1]
	buf := core.Regs.GPR[2]
	count := core.Regs.GPR[3]

	if fd != 1 {
		core.Regs.GPR[0] = syscallErrReturn
		return nil
	}

	if count == 0 {
		core.Regs.GPR[0] = 0
		return nil
	}

	r.coherencyPass(core, buf, false)

	data, err := r.memory.Read(buf, count)
	if err != nil {
		return err
	}

	if _, err := r.stdout.Write(data); err != nil {
		return arch.NewSystemCallError(err.Error())
	}

	core.Regs.GPR[0] = count

	return nil
}

// syscallRead returns EOF for stdin and -1 for every other descriptor.
func (r *Runtime) syscallRead(core *Core) error {
	fd := core.Regs.GPR[1]

	if fd == 0 {
		core.Regs.GPR[0] = 0
		return nil
	}

	core.Regs.GPR[0] = syscallErrReturn

	return nil
}
