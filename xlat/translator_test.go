package xlat

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/addiethehomie/IMIC-SDS/arch"
)

// vectorInst builds a simplified MVEX-encoded vector instruction.
func vectorInst(op InstType) []byte {
	return []byte{0x62, 0x00, 0x00, byte(op), 0x00, 0x00, 0x00, 0x00}
}

var _ = Describe("Translator", func() {
	var translator *Translator

	BeforeEach(func() {
		translator = MakeTranslatorBuilder().
			WithProfile(arch.KNC()).
			Build()
	})

	Describe("vector translation", func() {
		It("should re-encode VPADDD with an EVEX prefix", func() {
			trans := translator.Translate(0x100, vectorInst(InstVPAddD))

			Expect(trans.Bytes).To(Equal(
				[]byte{0x62, 0x01, 0x00, 0xFE, 0x00, 0x00}))
			Expect(trans.Emulated).To(BeFalse())
			Expect(trans.OverheadCycles).To(Equal(0))
			Expect(trans.Desc).To(ContainSubstring("VPADDD"))
		})

		It("should charge one cycle for gather and scatter", func() {
			gather := translator.Translate(0x100, vectorInst(InstVGatherD))
			Expect(gather.OverheadCycles).To(Equal(1))
			Expect(gather.Emulated).To(BeFalse())

			scatter := translator.Translate(0x200, vectorInst(InstVScatter))
			Expect(scatter.OverheadCycles).To(Equal(1))
		})

		It("should charge one cycle for compares with a predicate", func() {
			trans := translator.Translate(0x100, vectorInst(InstVCmpPS))

			Expect(trans.OverheadCycles).To(Equal(1))
			Expect(trans.Bytes[0]).To(Equal(byte(0x62)))
		})

		It("should mark unknown vector ops as emulated", func() {
			trans := translator.Translate(0x100, vectorInst(0x11))

			Expect(trans.Emulated).To(BeTrue())
			Expect(trans.OverheadCycles).To(Equal(10))
			Expect(trans.Bytes).To(BeEmpty())
		})

		It("should not recognize KNL extensions on KNC", func() {
			trans := translator.Translate(0x100, vectorInst(InstVPermT2D))

			Expect(trans.Emulated).To(BeTrue())
			Expect(trans.OverheadCycles).To(Equal(10))
		})

		It("should recognize KNL extensions on KNL", func() {
			knl := MakeTranslatorBuilder().WithProfile(arch.KNL()).Build()

			trans := knl.Translate(0x100, vectorInst(InstVPermT2D))

			Expect(trans.Emulated).To(BeFalse())
			Expect(trans.Bytes[0]).To(Equal(byte(0x62)))
		})
	})

	Describe("scalar handling", func() {
		It("should pass plain x86 through unchanged", func() {
			trans := translator.Translate(0x100, []byte{0x90})

			Expect(trans.Bytes).To(Equal([]byte{0x90}))
			Expect(trans.GuestLength).To(Equal(1))
			Expect(trans.Emulated).To(BeFalse())
			Expect(trans.OverheadCycles).To(Equal(0))
		})

		It("should know common instruction lengths", func() {
			Expect(translator.Translate(0, []byte{0xC3}).GuestLength).
				To(Equal(1))
			Expect(translator.Translate(16, []byte{0x0F, 0x05}).GuestLength).
				To(Equal(2))
			Expect(translator.Translate(32,
				[]byte{0x48, 0xC7, 0xC0, 0x3C, 0, 0, 0}).GuestLength).
				To(Equal(7))
			Expect(translator.Translate(48,
				[]byte{0xB8, 1, 0, 0, 0}).GuestLength).To(Equal(5))
		})

		It("should emulate KNC cache-control scalars with overhead", func() {
			trans := translator.Translate(0x100, []byte{0x0F, 0xAE, 0x00})

			Expect(trans.Emulated).To(BeTrue())
			Expect(trans.OverheadCycles).To(Equal(5))
			Expect(trans.Bytes).To(Equal([]byte{0x0F, 0xAE, 0x00}))
		})
	})

	Describe("translation cache", func() {
		It("should hit on the second translation of the same pc", func() {
			inst := vectorInst(InstVPAddD)

			first := translator.Translate(0x1000, inst)
			statsAfterFirst := translator.CollectStats()

			second := translator.Translate(0x1000, inst)
			statsAfterSecond := translator.CollectStats()

			Expect(statsAfterSecond.CacheHits).To(
				Equal(statsAfterFirst.CacheHits + 1))
			Expect(second).To(Equal(first))
		})

		It("should produce the first-ever result again after a flush", func() {
			inst := vectorInst(InstVPAddD)

			first := translator.Translate(0x1000, inst)
			translator.FlushCache()
			again := translator.Translate(0x1000, inst)

			Expect(again).To(Equal(first))
		})

		It("should invalidate only the requested range", func() {
			translator.Translate(0x1000, vectorInst(InstVPAddD))
			translator.Translate(0x4000, vectorInst(InstVPSubD))

			translator.InvalidateRange(0x1000, 0x100)

			before := translator.CollectStats()
			translator.Translate(0x4000, vectorInst(InstVPSubD))
			Expect(translator.CollectStats().CacheHits).To(
				Equal(before.CacheHits + 1))

			translator.Translate(0x1000, vectorInst(InstVPAddD))
			Expect(translator.CollectStats().CacheMisses).To(
				Equal(before.CacheMisses + 1))
		})

		It("should count vector instructions once per translation", func() {
			translator.Translate(0x1000, vectorInst(InstVPAddD))
			translator.Translate(0x1000, vectorInst(InstVPAddD))

			Expect(translator.CollectStats().VectorInstructions).To(
				Equal(uint64(1)))
		})

		It("should report the hit rate", func() {
			inst := vectorInst(InstVPAddD)

			translator.Translate(0x1000, inst)
			translator.Translate(0x1000, inst)
			translator.Translate(0x1000, inst)

			Expect(translator.HitRate()).To(BeNumerically("~", 66.6, 0.1))
		})
	})
})

var _ = Describe("Cache", func() {
	It("should map a pc to a slot by (pc>>4) mod size", func() {
		c := NewCache(16)

		Expect(c.index(0)).To(Equal(0))
		Expect(c.index(0x10)).To(Equal(1))
		Expect(c.index(0x100)).To(Equal(0))
	})

	It("should evict the previous occupant on conflict", func() {
		c := NewCache(16)

		c.Insert(0x0, []byte{1}, Translation{PC: 0x0})
		c.Insert(0x100, []byte{2}, Translation{PC: 0x100})

		_, ok := c.Lookup(0x0)
		Expect(ok).To(BeFalse())

		trans, ok := c.Lookup(0x100)
		Expect(ok).To(BeTrue())
		Expect(trans.PC).To(Equal(uint64(0x100)))
	})

	It("should track access counts", func() {
		c := NewCache(16)

		c.Insert(0x20, []byte{1}, Translation{PC: 0x20})
		c.Lookup(0x20)
		c.Lookup(0x20)

		Expect(c.AccessCount(0x20)).To(Equal(uint64(3)))
	})

	It("should remember the original bytes", func() {
		c := NewCache(16)

		c.Insert(0x20, []byte{0xAA, 0xBB}, Translation{PC: 0x20})

		Expect(c.Matches(0x20, []byte{0xAA, 0xBB})).To(BeTrue())
		Expect(c.Matches(0x20, []byte{0xAA, 0xCC})).To(BeFalse())
	})
})
