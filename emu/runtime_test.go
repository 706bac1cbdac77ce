package emu

import (
	"bytes"
	"encoding/binary"

	gomock "go.uber.org/mock/gomock"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/addiethehomie/IMIC-SDS/arch"
	"github.com/addiethehomie/IMIC-SDS/ringbus"
	"github.com/addiethehomie/IMIC-SDS/sim"
)

// movImm builds a REX.W mov reg, imm32 for the given ModR/M byte.
func movImm(modRM byte, imm uint32) []byte {
	inst := []byte{0x48, 0xC7, modRM, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(inst[3:], imm)
	return inst
}

var syscallInst = []byte{0x0F, 0x05}

var _ = Describe("Runtime", func() {
	It("should initialize with the KNC defaults", func() {
		runtime, err := MakeBuilder().Build("Runtime")

		Expect(err).ToNot(HaveOccurred())
		Expect(runtime.NumCores()).To(Equal(60))
		Expect(runtime.Profile().MemorySize).To(
			Equal(uint64(8 * 1024 * 1024 * 1024)))
		Expect(runtime.Memory().NumBanks()).To(Equal(8))
		Expect(runtime.Memory().BankFor(0)).To(Equal(0))
		Expect(runtime.Memory().BankFor(0xFFFFFFFF)).To(Equal(7))
	})

	It("should create cores halted on their tiles", func() {
		runtime, err := MakeBuilder().WithNumCores(8).Build("Runtime")
		Expect(err).ToNot(HaveOccurred())

		core, err := runtime.CoreState(5)
		Expect(err).ToNot(HaveOccurred())
		Expect(core.Halted()).To(BeTrue())
		Expect(core.TileID).To(Equal(1))
		Expect(core.Cycles()).To(Equal(uint64(0)))
	})

	It("should reject an out-of-range core count", func() {
		_, err := MakeBuilder().WithNumCores(61).Build("Runtime")

		Expect(err).To(HaveOccurred())
		Expect(arch.IsKind(err, arch.ErrInvalidArgument)).To(BeTrue())
	})

	Describe("program loading", func() {
		It("should load a program and make the cores runnable", func() {
			runtime, _ := MakeBuilder().WithNumCores(2).Build("Runtime")

			Expect(runtime.LoadProgram([]byte{0x90, 0xC3})).To(Succeed())

			for i := 0; i < 2; i++ {
				core, _ := runtime.CoreState(i)
				Expect(core.Halted()).To(BeFalse())
				Expect(core.Regs.RIP).To(Equal(uint64(0)))
			}
		})

		It("should accept a program of exactly the memory size", func() {
			runtime, _ := MakeBuilder().
				WithNumCores(1).
				WithMemorySize(1 << 20).
				Build("Runtime")

			Expect(runtime.LoadProgram(make([]byte, 1<<20))).To(Succeed())
		})

		It("should reject a program larger than the memory", func() {
			runtime, _ := MakeBuilder().
				WithNumCores(1).
				WithMemorySize(1 << 20).
				Build("Runtime")

			err := runtime.LoadProgram(make([]byte, 1<<20+1))
			Expect(err).To(HaveOccurred())
			Expect(arch.IsKind(err, arch.ErrInvalidArgument)).To(BeTrue())
		})
	})

	Describe("execution", func() {
		It("should halt each core after RET, with one cycle executed", func() {
			runtime, _ := MakeBuilder().WithNumCores(2).Build("Runtime")

			Expect(runtime.LoadProgram([]byte{0xC3})).To(Succeed())
			Expect(runtime.Run()).To(Succeed())

			for i := 0; i < 2; i++ {
				core, _ := runtime.CoreState(i)
				Expect(core.Halted()).To(BeTrue())
				Expect(core.Cycles()).To(Equal(uint64(1)))
			}
		})

		It("should halt all cores on the exit syscall", func() {
			runtime, _ := MakeBuilder().
				WithNumCores(2).
				WithStdout(&bytes.Buffer{}).
				Build("Runtime")

			program := append(movImm(0xC0, 60), syscallInst...)

			Expect(runtime.LoadProgram(program)).To(Succeed())
			Expect(runtime.Run()).To(Succeed())

			Expect(runtime.Halted()).To(BeTrue())
			for i := 0; i < 2; i++ {
				core, _ := runtime.CoreState(i)
				Expect(core.Halted()).To(BeTrue())
			}
		})

		It("should write guest bytes to standard output", func() {
			out := &bytes.Buffer{}
			runtime, _ := MakeBuilder().
				WithNumCores(1).
				WithStdout(out).
				Build("Runtime")

			message := []byte("hello from the coprocessor\n")
			messageAddr := uint32(0x1000)

			var program []byte
			program = append(program, movImm(0xC7, 1)...) // rdi = stdout
			program = append(program, movImm(0xC6, messageAddr)...)
			program = append(program, movImm(0xC2, uint32(len(message)))...)
			program = append(program, movImm(0xC0, 1)...) // rax = write
			program = append(program, syscallInst...)
			program = append(program, movImm(0xC0, 60)...) // rax = exit
			program = append(program, syscallInst...)

			Expect(runtime.LoadProgram(program)).To(Succeed())
			Expect(runtime.Memory().Storage().Write(
				uint64(messageAddr), message)).To(Succeed())

			Expect(runtime.Run()).To(Succeed())
			Expect(out.String()).To(ContainSubstring(string(message)))
		})

		It("should return -1 for writes to unsupported descriptors", func() {
			runtime, _ := MakeBuilder().
				WithNumCores(1).
				WithStdout(&bytes.Buffer{}).
				Build("Runtime")

			var program []byte
			program = append(program, movImm(0xC7, 7)...) // rdi = bad fd
			program = append(program, movImm(0xC0, 1)...) // rax = write
			program = append(program, syscallInst...)
			program = append(program, 0xC3)

			Expect(runtime.LoadProgram(program)).To(Succeed())
			Expect(runtime.Run()).To(Succeed())

			core, _ := runtime.CoreState(0)
			Expect(core.Regs.GPR[0]).To(Equal(^uint64(0)))
		})

		It("should return -1 for unimplemented syscalls and continue", func() {
			runtime, _ := MakeBuilder().
				WithNumCores(1).
				WithStdout(&bytes.Buffer{}).
				Build("Runtime")

			var program []byte
			program = append(program, movImm(0xC0, 39)...) // getpid
			program = append(program, syscallInst...)
			program = append(program, 0xC3)

			Expect(runtime.LoadProgram(program)).To(Succeed())
			Expect(runtime.Run()).To(Succeed())

			core, _ := runtime.CoreState(0)
			Expect(core.Halted()).To(BeTrue())
			Expect(core.Regs.GPR[0]).To(Equal(^uint64(0)))
		})
	})

	Describe("ring bus integration", func() {
		It("should announce data accesses on the ring", func() {
			ring := ringbus.MakeBuilder().
				WithProfile(arch.KNC()).
				Build("Ring")

			runtime, _ := MakeBuilder().
				WithNumCores(1).
				WithRingBus(ring).
				WithStdout(&bytes.Buffer{}).
				Build("Runtime")

			var program []byte
			program = append(program, movImm(0xC7, 1)...)      // rdi = stdout
			program = append(program, movImm(0xC6, 0x1000)...) // rsi = buf
			program = append(program, movImm(0xC2, 4)...)      // rdx = count
			program = append(program, movImm(0xC0, 1)...)      // rax = write
			program = append(program, syscallInst...)
			program = append(program, movImm(0xC0, 60)...)
			program = append(program, syscallInst...)

			Expect(runtime.LoadProgram(program)).To(Succeed())
			Expect(runtime.Memory().Storage().Write(
				0x1000, []byte("data"))).To(Succeed())

			Expect(runtime.Run()).To(Succeed())

			Expect(ring.CollectStats().TotalMessages).To(
				BeNumerically(">=", 1))

			line, ok := ring.DirectoryLine(0x1000)
			Expect(ok).To(BeTrue())
			Expect(line.Owner).To(Equal(0))
		})
	})

	Describe("stepping", func() {
		It("should execute exactly one instruction", func() {
			runtime, _ := MakeBuilder().WithNumCores(1).Build("Runtime")

			Expect(runtime.LoadProgram([]byte{0x90, 0x90, 0xC3})).To(Succeed())
			Expect(runtime.SelectCore(0)).To(Succeed())

			Expect(runtime.Step()).To(Succeed())

			core, _ := runtime.CoreState(0)
			Expect(core.Regs.RIP).To(Equal(uint64(1)))
			Expect(core.Cycles()).To(Equal(uint64(1)))
			Expect(core.Halted()).To(BeFalse())
		})

		It("should invoke the step hooks around an instruction", func() {
			mockCtrl := gomock.NewController(GinkgoT())
			defer mockCtrl.Finish()

			runtime, _ := MakeBuilder().WithNumCores(1).Build("Runtime")
			Expect(runtime.LoadProgram([]byte{0x90, 0xC3})).To(Succeed())

			hook := NewMockHook(mockCtrl)
			runtime.AcceptHook(hook)

			var positions []*sim.HookPos
			hook.EXPECT().Func(gomock.Any()).
				Do(func(ctx sim.HookCtx) {
					positions = append(positions, ctx.Pos)
				}).
				Times(2)

			Expect(runtime.SelectCore(0)).To(Succeed())
			Expect(runtime.Step()).To(Succeed())

			Expect(positions).To(Equal(
				[]*sim.HookPos{HookPosBeforeStep, HookPosAfterStep}))
		})

		It("should refuse to step a halted core", func() {
			runtime, _ := MakeBuilder().WithNumCores(1).Build("Runtime")

			Expect(runtime.LoadProgram([]byte{0xC3})).To(Succeed())
			Expect(runtime.Step()).To(Succeed())
			Expect(runtime.Step()).ToNot(Succeed())
		})

		It("should keep the global cycle counter non-decreasing", func() {
			runtime, _ := MakeBuilder().WithNumCores(1).Build("Runtime")

			Expect(runtime.LoadProgram([]byte{0x90, 0x90, 0x90, 0xC3})).
				To(Succeed())

			var prev uint64
			for i := 0; i < 4; i++ {
				Expect(runtime.Step()).To(Succeed())
				Expect(runtime.GlobalCycles()).To(BeNumerically(">", prev))
				prev = runtime.GlobalCycles()
			}
		})

		It("should fault on an out-of-bounds rip", func() {
			runtime, _ := MakeBuilder().
				WithNumCores(1).
				WithMemorySize(1 << 20).
				Build("Runtime")

			Expect(runtime.LoadProgram([]byte{0x90})).To(Succeed())

			core, _ := runtime.CoreState(0)
			core.Regs.RIP = 1 << 21

			Expect(runtime.Step()).ToNot(Succeed())
		})
	})
})
