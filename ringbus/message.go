package ringbus

import "encoding/binary"

// Broadcast messages carry priority 1; point-to-point traffic priority 0.
const (
	PriorityDefault   = 0
	PriorityBroadcast = 1
)

// A Message is one payload in flight on the ring. The payload is owned by the
// message: it is copied in at send and handed to the caller at receive.
type Message struct {
	Src      int
	Dst      int
	Priority int
	Payload  []byte

	EnqueueTime  uint64
	DeliveryTime uint64

	// Ring carries the index of the ring the message travels on.
	Ring int

	pos       int
	lastMoved uint64
}

// Size returns the payload size in bytes.
func (m *Message) Size() int {
	return len(m.Payload)
}

// isMemoryRequest reports whether a payload looks like a memory request: at
// least eight bytes, the first eight interpreted as a little-endian address.
func isMemoryRequest(payload []byte) bool {
	return len(payload) >= 8
}

func memoryAddress(payload []byte) uint64 {
	return binary.LittleEndian.Uint64(payload[:8])
}
