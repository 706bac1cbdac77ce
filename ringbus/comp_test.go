package ringbus

import (
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/addiethehomie/IMIC-SDS/arch"
)

// fourTileProfile is a scaled-down KNC-style profile with a 4-node ring.
func fourTileProfile() arch.Profile {
	p := arch.KNC()
	p.NumCores = 8
	p.CoresPerTile = 2
	p.NumTiles = 4
	p.NumBanks = 4
	p.MemorySize = 1 << 20
	return p
}

func memRequest(addr uint64, size int) []byte {
	payload := make([]byte, size)
	binary.LittleEndian.PutUint64(payload, addr)
	return payload
}

var _ = Describe("Comp", func() {
	var ring *Comp

	BeforeEach(func() {
		ring = MakeBuilder().
			WithProfile(fourTileProfile()).
			WithDTDEnabled(false).
			Build("Ring")
	})

	Describe("distance", func() {
		It("should be zero to self", func() {
			Expect(ring.Distance(2, 2)).To(Equal(0))
		})

		It("should be symmetric", func() {
			for i := 0; i < 4; i++ {
				for j := 0; j < 4; j++ {
					Expect(ring.Distance(i, j)).To(Equal(ring.Distance(j, i)))
				}
			}
		})

		It("should never exceed half the ring", func() {
			for i := 0; i < 4; i++ {
				for j := 0; j < 4; j++ {
					Expect(ring.Distance(i, j)).To(BeNumerically("<=", 2))
				}
			}
		})

		It("should take the wrap-around when it is shorter", func() {
			Expect(ring.Distance(0, 3)).To(Equal(1))
		})
	})

	Describe("send and receive", func() {
		It("should deliver a payload after distance x latency cycles", func() {
			payload := []byte("ABCDEFGH")

			Expect(ring.Send(0, 2, payload, PriorityDefault)).To(BeTrue())

			// distance(0,2)=2 at 2 cycles per hop.
			ring.RunCycles(3)
			_, ok := ring.Receive(2)
			Expect(ok).To(BeFalse())

			ring.RunCycles(1)
			msg, ok := ring.Receive(2)
			Expect(ok).To(BeTrue())
			Expect(msg.Payload).To(Equal(payload))
			Expect(msg.DeliveryTime).To(Equal(uint64(4)))
		})

		It("should deliver to self at the enqueue time", func() {
			Expect(ring.Send(1, 1, []byte("ping"), PriorityDefault)).To(BeTrue())

			msg, ok := ring.Receive(1)
			Expect(ok).To(BeTrue())
			Expect(msg.DeliveryTime).To(Equal(msg.EnqueueTime))
		})

		It("should reject an empty payload", func() {
			Expect(ring.Send(0, 1, nil, PriorityDefault)).To(BeFalse())
		})

		It("should reject invalid node indices", func() {
			Expect(ring.Send(4, 0, []byte("x"), PriorityDefault)).To(BeFalse())
			Expect(ring.Send(0, 4, []byte("x"), PriorityDefault)).To(BeFalse())
			Expect(ring.Send(-1, 0, []byte("x"), PriorityDefault)).To(BeFalse())
		})

		It("should copy the payload on send", func() {
			payload := []byte("orig")

			Expect(ring.Send(0, 1, payload, PriorityDefault)).To(BeTrue())
			payload[0] = 'X'

			ring.RunCycles(2)
			msg, ok := ring.Receive(1)
			Expect(ok).To(BeTrue())
			Expect(msg.Payload).To(Equal([]byte("orig")))
		})

		It("should count node statistics", func() {
			Expect(ring.Send(0, 1, []byte("abcd"), PriorityDefault)).To(BeTrue())
			ring.RunCycles(2)
			_, ok := ring.Receive(1)
			Expect(ok).To(BeTrue())

			Expect(ring.NodeStats(0).MessagesSent).To(Equal(uint64(1)))
			Expect(ring.NodeStats(0).BytesTransmitted).To(Equal(uint64(4)))
			Expect(ring.NodeStats(1).MessagesReceived).To(Equal(uint64(1)))
		})
	})

	Describe("buffering", func() {
		BeforeEach(func() {
			ring = MakeBuilder().
				WithProfile(fourTileProfile()).
				WithDTDEnabled(false).
				WithBufferSize(16).
				Build("Ring")
		})

		It("should reject a send that would overflow the buffer", func() {
			Expect(ring.Send(0, 2, make([]byte, 10), PriorityDefault)).To(BeTrue())
			Expect(ring.Send(0, 2, make([]byte, 10), PriorityDefault)).To(BeFalse())
		})

		It("should keep occupancy within bounds while routing", func() {
			Expect(ring.Send(0, 2, make([]byte, 10), PriorityDefault)).To(BeTrue())

			for i := 0; i < 8; i++ {
				ring.RunCycles(1)
				for n := 0; n < 4; n++ {
					occ := ring.NodeStats(n).BufferOccupancy
					Expect(occ).To(BeNumerically(">=", 0))
					Expect(occ).To(BeNumerically("<=", 16))
				}
			}
		})
	})

	Describe("broadcast", func() {
		It("should deliver one copy to every other node", func() {
			payload := []byte("cast")

			Expect(ring.Broadcast(0, payload)).To(BeTrue())
			ring.RunCycles(4)

			for n := 1; n < 4; n++ {
				msg, ok := ring.Receive(n)
				Expect(ok).To(BeTrue(), "node %d", n)
				Expect(msg.Payload).To(Equal(payload))
				Expect(msg.Priority).To(Equal(PriorityBroadcast))
			}

			_, ok := ring.Receive(0)
			Expect(ok).To(BeFalse())
		})
	})

	Describe("statistics", func() {
		It("should count totals", func() {
			ring.Send(0, 1, []byte("aaaa"), PriorityDefault)
			ring.Send(1, 2, []byte("bbbb"), PriorityDefault)

			stats := ring.CollectStats()
			Expect(stats.TotalMessages).To(Equal(uint64(2)))
			Expect(stats.TotalBytes).To(Equal(uint64(8)))
		})

		It("should reset cleanly", func() {
			ring.Send(0, 1, []byte("aaaa"), PriorityDefault)
			ring.Reset()

			Expect(ring.CollectStats().TotalMessages).To(Equal(uint64(0)))
			Expect(ring.SimTime()).To(Equal(uint64(0)))
			Expect(ring.NodeStats(0).BufferOccupancy).To(Equal(0))
		})
	})
})

var _ = Describe("Comp with dual rings", func() {
	var ring *Comp

	BeforeEach(func() {
		ring = MakeBuilder().
			WithProfile(arch.KNL()).
			WithDTDEnabled(false).
			Build("Ring")
	})

	It("should have one node per KNL tile", func() {
		Expect(ring.NumNodes()).To(Equal(34))
	})

	It("should split traffic across rings by source and destination", func() {
		Expect(ring.ringFor(0, 2)).To(Equal(0))
		Expect(ring.ringFor(0, 1)).To(Equal(1))
		Expect(ring.ringFor(3, 4)).To(Equal(1))
	})

	It("should deliver on both rings independently", func() {
		Expect(ring.Send(0, 2, []byte("even"), PriorityDefault)).To(BeTrue())
		Expect(ring.Send(0, 1, []byte("odds"), PriorityDefault)).To(BeTrue())

		ring.RunCycles(4)

		msg, ok := ring.Receive(2)
		Expect(ok).To(BeTrue())
		Expect(msg.Ring).To(Equal(0))

		msg, ok = ring.Receive(1)
		Expect(ok).To(BeTrue())
		Expect(msg.Ring).To(Equal(1))
	})
})
