package debugger

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// RunConsole reads commands until quit or end of input. One command per
// line, space-separated tokens.
func (d *Debugger) RunConsole() {
	scanner := bufio.NewScanner(d.in)

	for {
		fmt.Fprint(d.out, "(imic-debug) ")

		if !scanner.Scan() {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		d.mu.Lock()
		d.history = append(d.history, line)
		d.mu.Unlock()

		if !d.ProcessCommand(line) {
			return
		}
	}
}

// ProcessCommand executes one console command. It returns false when the
// session should end.
func (d *Debugger) ProcessCommand(line string) bool {
	tokens := strings.Fields(line)
	cmd, args := tokens[0], tokens[1:]

	switch cmd {
	case "continue", "c":
		d.cmdContinue()
	case "step", "s":
		d.cmdStep()
	case "registers", "r":
		d.cmdRegisters()
	case "memory", "m":
		d.cmdMemory(args)
	case "break", "b":
		d.cmdBreak(args)
	case "quit", "q":
		d.cmdQuit()
		return false
	case "help", "h":
		d.printHelp()
	default:
		fmt.Fprintf(d.out, "unknown command: %s\n", cmd)
		d.printHelp()
	}

	return true
}

func (d *Debugger) cmdContinue() {
	d.paused.Store(false)
	d.breakRequested.Store(false)
	fmt.Fprintln(d.out, "continuing execution")
}

func (d *Debugger) cmdStep() {
	d.mu.Lock()
	core := d.currentCore
	d.stats.InstructionsStepped++
	d.mu.Unlock()

	if err := d.runtime.SelectCore(core); err != nil {
		fmt.Fprintf(d.out, "error: %v\n", err)
		return
	}

	if err := d.runtime.Step(); err != nil {
		fmt.Fprintf(d.out, "error: %v\n", err)
		return
	}

	c, _ := d.runtime.CoreState(core)
	fmt.Fprintf(d.out, "core %d stepped, rip=0x%x\n", core, c.Regs.RIP)
}

func (d *Debugger) cmdRegisters() {
	d.mu.Lock()
	coreID := d.currentCore
	d.mu.Unlock()

	core, err := d.runtime.CoreState(coreID)
	if err != nil {
		fmt.Fprintf(d.out, "error: %v\n", err)
		return
	}

	fmt.Fprintf(d.out, "core %d registers:\n", coreID)
	fmt.Fprintf(d.out, "  RIP:    0x%016x\n", core.Regs.RIP)
	fmt.Fprintf(d.out, "  RFLAGS: 0x%016x\n", core.Regs.RFlags)
	for i, v := range core.Regs.GPR {
		fmt.Fprintf(d.out, "  R%-2d:    0x%016x\n", i, v)
	}
	for i, k := range core.Regs.K {
		fmt.Fprintf(d.out, "  K%d:     0x%04x\n", i, k)
	}
}

func (d *Debugger) cmdMemory(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(d.out, "usage: memory <addr> <size>")
		return
	}

	addr, err := ParseAddress(args[0])
	if err != nil {
		fmt.Fprintf(d.out, "error: %v\n", err)
		return
	}

	size, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Fprintf(d.out, "error: bad size %q\n", args[1])
		return
	}

	data, err := d.runtime.Memory().Storage().Read(addr, size)
	if err != nil {
		fmt.Fprintf(d.out, "error: %v\n", err)
		return
	}

	for i := 0; i < len(data); i += 16 {
		fmt.Fprintf(d.out, "0x%08x: ", addr+uint64(i))
		for j := i; j < i+16 && j < len(data); j++ {
			fmt.Fprintf(d.out, "%02x ", data[j])
		}
		fmt.Fprintln(d.out)
	}
}

func (d *Debugger) cmdBreak(args []string) {
	if len(args) == 0 {
		d.listBreakpoints()
		return
	}

	addr, err := ParseAddress(args[0])
	if err != nil {
		fmt.Fprintf(d.out, "error: %v\n", err)
		return
	}

	if !d.AddBreakpoint(addr, BreakOnExecution, allCores) {
		fmt.Fprintf(d.out, "breakpoint at 0x%x already exists\n", addr)
		return
	}

	fmt.Fprintf(d.out, "breakpoint set at 0x%x\n", addr)
}

func (d *Debugger) cmdQuit() {
	d.paused.Store(false)
	d.enabled.Store(false)
	d.runtime.Halt()
	fmt.Fprintln(d.out, "exiting debugger")
}

func (d *Debugger) listBreakpoints() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.breakpoints) == 0 {
		fmt.Fprintln(d.out, "no breakpoints")
		return
	}

	for _, bp := range d.breakpoints {
		state := "enabled"
		if !bp.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(d.out, "0x%x (%s) hits: %d\n", bp.Addr, state, bp.HitCount)
	}
}

func (d *Debugger) printHelp() {
	fmt.Fprint(d.out, `commands:
  continue (c)          continue execution
  step (s)              single step one instruction
  registers (r)         show registers of the current core
  memory (m) <addr> <n> dump n bytes of memory
  break (b) [addr]      set a breakpoint, or list them
  quit (q)              exit the debugger
  help (h)              show this help
`)
}

// ParseAddress accepts 0x-prefixed hex or decimal addresses.
func ParseAddress(s string) (uint64, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}
