package mem

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Storage", func() {
	var storage *Storage

	BeforeEach(func() {
		storage = NewStorage(4 * 1024 * 1024)
	})

	It("should read back what was written", func() {
		data := []byte{1, 2, 3, 4}

		Expect(storage.Write(100, data)).To(Succeed())

		out, err := storage.Read(100, 4)
		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(Equal(data))
	})

	It("should read zeros from untouched memory", func() {
		out, err := storage.Read(1024, 8)

		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(Equal(make([]byte, 8)))
	})

	It("should support accesses that cross page boundaries", func() {
		data := make([]byte, 8192)
		for i := range data {
			data[i] = byte(i)
		}

		Expect(storage.Write(4000, data)).To(Succeed())

		out, err := storage.Read(4000, 8192)
		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(Equal(data))
	})

	It("should allow access at the last byte", func() {
		Expect(storage.Write(storage.Capacity-1, []byte{0xFF})).To(Succeed())

		out, err := storage.Read(storage.Capacity-1, 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(Equal([]byte{0xFF}))
	})

	It("should reject out-of-bound accesses", func() {
		_, err := storage.Read(storage.Capacity, 1)
		Expect(err).To(HaveOccurred())

		err = storage.Write(storage.Capacity-1, []byte{1, 2})
		Expect(err).To(HaveOccurred())
	})
})
