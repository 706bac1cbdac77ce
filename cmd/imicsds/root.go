package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/addiethehomie/IMIC-SDS/arch"
	"github.com/addiethehomie/IMIC-SDS/debugger"
	"github.com/addiethehomie/IMIC-SDS/emu"
	"github.com/addiethehomie/IMIC-SDS/loader"
	"github.com/addiethehomie/IMIC-SDS/mem"
	"github.com/addiethehomie/IMIC-SDS/monitoring"
	"github.com/addiethehomie/IMIC-SDS/pcie"
	"github.com/addiethehomie/IMIC-SDS/perfmon"
	"github.com/addiethehomie/IMIC-SDS/ringbus"
)

type options struct {
	debug       bool
	performance bool
	ringBus     bool
	archName    string
	numCores    int
	memoryMB    uint64
	configFile  string

	csvPath     string
	monitorPort int
}

var opts options

var rootCmd = &cobra.Command{
	Use:   "imicsds [options] <mic_binary>",
	Short: "IMIC-SDS emulates Intel MIC (KNC/KNL) coprocessors",
	Long: `IMIC-SDS - Independent Many Integrated Core Software Development Suite

Loads a 64-bit MIC ELF binary and emulates it on a simulated KNC or KNL
coprocessor, including the on-die ring interconnect, the distributed tag
directory, the banked memory controllers, and the PCIe host bridge.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runEmulation(args[0])
	}

	f := rootCmd.Flags()

	f.BoolVarP(&opts.debug, "debug", "d", false,
		"enable the interactive debugger")
	f.BoolVarP(&opts.performance, "performance", "p", false,
		"enable performance counters and the final report")
	f.BoolVarP(&opts.ringBus, "ring-bus", "r", false,
		"enable the ring bus simulator")
	f.StringVarP(&opts.archName, "arch", "a", "knc",
		"target architecture (knc, knl)")
	f.IntVarP(&opts.numCores, "cores", "c", 0,
		"number of cores to simulate (default: architecture maximum)")
	f.Uint64VarP(&opts.memoryMB, "memory", "m", 0,
		"memory size in MiB (default: architecture maximum)")
	f.StringVarP(&opts.configFile, "config", "f", "",
		"configuration file")

	f.StringVar(&opts.csvPath, "csv", "",
		"export per-core performance counters to a CSV file")
	f.IntVar(&opts.monitorPort, "monitor", 0,
		"start the monitoring web server on this port")
}

// applyConfigFile loads an env-style configuration file and applies keys
// that were not set on the command line.
func applyConfigFile(cmd *cobra.Command) error {
	if opts.configFile == "" {
		return nil
	}

	values, err := godotenv.Read(opts.configFile)
	if err != nil {
		return fmt.Errorf("cannot read config %s: %w", opts.configFile, err)
	}

	if v, ok := values["ARCH"]; ok && !cmd.Flags().Changed("arch") {
		opts.archName = v
	}
	if v, ok := values["CORES"]; ok && !cmd.Flags().Changed("cores") {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("bad CORES value %q", v)
		}
		opts.numCores = n
	}
	if v, ok := values["MEMORY_MB"]; ok && !cmd.Flags().Changed("memory") {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("bad MEMORY_MB value %q", v)
		}
		opts.memoryMB = n
	}

	return nil
}

func runEmulation(binaryPath string) error {
	if err := applyConfigFile(rootCmd); err != nil {
		return err
	}

	profile, err := arch.ByName(opts.archName)
	if err != nil {
		return err
	}

	binary, err := loader.LoadFile(binaryPath)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Binary: %s\n", binary.Filename)
	fmt.Fprintf(os.Stderr, "Architecture: %s\n", profile.Family)

	bridge := pcie.MakeBridgeBuilder().
		WithProfile(profile).
		Build("PCIeBridge")

	var ring *ringbus.Comp
	if opts.ringBus {
		ring = ringbus.MakeBuilder().
			WithProfile(profile).
			WithCoherencyObserver(bridge).
			Build("RingBus")
	}

	builder := emu.MakeBuilder().
		WithProfile(profile).
		WithRingBus(ring)

	if opts.numCores > 0 {
		builder = builder.WithNumCores(opts.numCores)
	}
	if opts.memoryMB > 0 {
		builder = builder.WithMemorySize(opts.memoryMB * 1024 * 1024)
	}

	memProfile := profile
	if opts.memoryMB > 0 {
		memProfile.MemorySize = opts.memoryMB * 1024 * 1024
	}
	memory := mem.MakeBankedMemoryBuilder().
		WithProfile(memProfile).
		WithTransferEngine(bridge).
		Build("Memory")
	builder = builder.WithMemory(memory)

	var dbg *debugger.Debugger

	runtime, err := buildRuntime(builder, &dbg)
	if err != nil {
		return err
	}

	perf := perfmon.NewMonitor(profile, runtime.NumCores())
	if opts.performance {
		perf.Enable(true)
		runtime.AcceptHook(perf)
		if ring != nil {
			ring.AcceptHook(perf)
		}
	}

	if opts.monitorPort != 0 {
		monitor := monitoring.NewMonitor().WithPortNumber(opts.monitorPort)
		monitor.RegisterRuntime(runtime)
		monitor.RegisterPCIeBridge(bridge)
		monitor.RegisterPerfMonitor(perf)
		if ring != nil {
			monitor.RegisterRingBus(ring)
		}
		monitor.StartServer()
	}

	if err := runtime.LoadProgram(binary.Image()); err != nil {
		return err
	}

	if dbg != nil {
		go dbg.RunConsole()
	}

	fmt.Fprintf(os.Stderr, "Cores: %d, Memory: %d MiB\n",
		runtime.NumCores(), runtime.Profile().MemorySize/(1024*1024))

	if err := runtime.Run(); err != nil {
		return err
	}

	if opts.performance {
		perf.Report(os.Stdout)
		if opts.csvPath != "" {
			if err := perf.ExportCSV(opts.csvPath); err != nil {
				return err
			}
		}
	}

	if code := runtime.ExitCode(); code != 0 {
		return &exitError{code: code}
	}

	return nil
}

// buildRuntime finishes the runtime construction and, when requested, wires
// the debugger in as the runtime's controller.
func buildRuntime(
	builder emu.Builder,
	dbg **debugger.Debugger,
) (*emu.Runtime, error) {
	if !opts.debug {
		return builder.Build("Runtime")
	}

	// The debugger needs the runtime and the runtime needs the debugger as
	// its controller, so the runtime is built first and re-pointed.
	runtime, err := builder.Build("Runtime")
	if err != nil {
		return nil, err
	}

	d := debugger.New(runtime, os.Stdin, os.Stdout)
	d.Enable(true)
	runtime.SetController(d)

	*dbg = d

	return runtime, nil
}

// exitError carries the guest's exit code to main.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("emulation exited with code %d", e.code)
}
