package sim

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Freq", func() {
	It("should get period", func() {
		var f = 1 * GHz
		Expect(f.Period()).To(BeNumerically("==", 1e-9))
	})

	It("should get period in nanoseconds", func() {
		var f = 1.053 * GHz
		Expect(f.PeriodInNS()).To(BeNumerically("~", 0.9497, 1e-4))
	})

	It("should count cycles", func() {
		var f = 1 * GHz
		Expect(f.Cycle(1e-6)).To(BeNumerically("==", 1000))
	})

	It("should get the time n cycles later", func() {
		var f = 1 * GHz
		Expect(f.NCyclesLater(12, 1)).To(BeNumerically("~", 1.000000012, 1e-12))
	})
})
