// Package ringbus simulates the on-die ring interconnect of the MIC
// coprocessors together with the distributed tag directory (DTD) that keeps
// the per-tile caches coherent. KNC carries a single bidirectional ring, KNL
// two; messages travel one hop per simulation step using shortest-distance
// routing.
package ringbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/addiethehomie/IMIC-SDS/arch"
	"github.com/addiethehomie/IMIC-SDS/sim"
)

// HookPosMsgSend marks when a message is accepted onto a node's outbound
// queue.
var HookPosMsgSend = &sim.HookPos{Name: "Ring Msg Send"}

// HookPosMsgRecv marks when a message is retrieved at its destination.
var HookPosMsgRecv = &sim.HookPos{Name: "Ring Msg Recv"}

// defaultBufferSize is the per-node buffer capacity in bytes.
const defaultBufferSize = 1024

// contentionWindow is how recent another node's activity must be, in cycles,
// to count toward contention.
const contentionWindow = 10

// A CoherencyObserver is informed of DTD actions that are visible to the
// host. The PCIe bridge implements it.
type CoherencyObserver interface {
	AddCoherencyOverhead(cycles uint64)
	CountDTDInvalidation()
}

// NodeStats are the counters of one ring stop.
type NodeStats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesTransmitted uint64
	ContentionCycles uint64
	BufferOccupancy  int
}

type node struct {
	id int

	inbound  []*Message
	outbound []*Message

	bufferOccupancy int
	lastActivity    uint64

	stats NodeStats
}

// Stats is a snapshot of the whole network's counters.
type Stats struct {
	TotalMessages  uint64
	TotalBytes     uint64
	AvgLatency     uint64
	MaxContention  uint64
	SimulationTime uint64
}

// Comp simulates the ring interconnect and the DTD. One network lock covers
// the node queues and the directory so that coherency checks and routing
// never take two locks.
type Comp struct {
	sim.HookableBase

	name    string
	profile arch.Profile

	numNodes      int
	numRings      int
	latencyCycles int
	bufferSize    int

	dtdEnabled bool
	observer   CoherencyObserver

	lock  sync.Mutex
	rings [][]*node
	dir   *directory

	simTime       atomic.Uint64
	totalMessages atomic.Uint64
	totalBytes    atomic.Uint64
	totalLatency  atomic.Uint64
	maxContention atomic.Uint64

	running atomic.Bool
	stopMu  sync.Mutex
	stopCh  chan struct{}
}

// Builder can build ring bus components.
type Builder struct {
	profile       arch.Profile
	bufferSize    int
	directorySize int
	dtdEnabled    bool
	observer      CoherencyObserver
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		profile:       arch.KNC(),
		bufferSize:    defaultBufferSize,
		directorySize: defaultDirectorySize,
		dtdEnabled:    true,
	}
}

// WithProfile sets the architecture profile. The node count is the profile's
// tile count and the ring count follows the profile.
func (b Builder) WithProfile(p arch.Profile) Builder {
	b.profile = p
	return b
}

// WithBufferSize sets the per-node buffer capacity in bytes.
func (b Builder) WithBufferSize(size int) Builder {
	b.bufferSize = size
	return b
}

// WithDirectorySize sets the per-home-tile directory capacity.
func (b Builder) WithDirectorySize(size int) Builder {
	b.directorySize = size
	return b
}

// WithDTDEnabled turns the distributed tag directory on or off.
func (b Builder) WithDTDEnabled(enabled bool) Builder {
	b.dtdEnabled = enabled
	return b
}

// WithCoherencyObserver sets the observer informed of host-visible DTD
// actions.
func (b Builder) WithCoherencyObserver(o CoherencyObserver) Builder {
	b.observer = o
	return b
}

// Build creates a new ring bus component.
func (b Builder) Build(name string) *Comp {
	sim.NameMustBeValid(name)
	b.profile.MustBeValid()

	c := &Comp{
		name:          name,
		profile:       b.profile,
		numNodes:      b.profile.NumTiles,
		numRings:      b.profile.NumRings,
		latencyCycles: b.profile.RingLatency,
		bufferSize:    b.bufferSize,
		dtdEnabled:    b.dtdEnabled,
		observer:      b.observer,
		dir:           newDirectory(b.profile.NumTiles, b.directorySize),
		stopCh:        make(chan struct{}),
	}

	for r := 0; r < c.numRings; r++ {
		nodes := make([]*node, c.numNodes)
		for i := range nodes {
			nodes[i] = &node{id: i}
		}
		c.rings = append(c.rings, nodes)
	}

	return c
}

// Name returns the name of the component.
func (c *Comp) Name() string {
	return c.name
}

// NumNodes returns the number of ring stops.
func (c *Comp) NumNodes() int {
	return c.numNodes
}

// SimTime returns the current simulation time in cycles.
func (c *Comp) SimTime() uint64 {
	return c.simTime.Load()
}

// Distance returns the shortest-distance-algorithm hop count between two
// nodes: min(|i-j|, N-|i-j|).
func (c *Comp) Distance(i, j int) int {
	d := i - j
	if d < 0 {
		d = -d
	}
	if wrap := c.numNodes - d; wrap < d {
		return wrap
	}
	return d
}

// nextHop returns the neighbor of cur on the shortest path toward dst, ties
// broken toward increasing index.
func (c *Comp) nextHop(cur, dst int) int {
	if cur == dst {
		return cur
	}

	up := (dst - cur + c.numNodes) % c.numNodes
	down := (cur - dst + c.numNodes) % c.numNodes

	if up <= down {
		return (cur + 1) % c.numNodes
	}
	return (cur - 1 + c.numNodes) % c.numNodes
}

// ringFor assigns a message to a ring. With dual rings traffic is split by
// (src+dst) mod 2.
func (c *Comp) ringFor(src, dst int) int {
	if c.numRings == 1 {
		return 0
	}
	return (src + dst) % c.numRings
}

// Send enqueues a payload from node src to node dst. It returns false when
// the indices are invalid, the payload is empty, or the source buffer cannot
// hold the payload. The payload is copied; the caller keeps ownership of its
// slice.
func (c *Comp) Send(src, dst int, payload []byte, priority int) bool {
	if src < 0 || dst < 0 || src >= c.numNodes || dst >= c.numNodes {
		return false
	}
	if len(payload) == 0 {
		return false
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	now := c.simTime.Load()
	ring := c.ringFor(src, dst)
	srcNode := c.rings[ring][src]

	if srcNode.bufferOccupancy+len(payload) > c.bufferSize {
		return false
	}

	actualDst := dst
	dtdExtra := 0

	if c.dtdEnabled && isMemoryRequest(payload) {
		addr := memoryAddress(payload)
		clean := c.dir.checkCoherency(addr, src)
		hops := c.dir.apply(addr, src, len(payload) > 8, now)
		dtdExtra = hops * c.latencyCycles

		if !clean {
			// Write-back path: detour through the directory home node.
			actualDst = c.dir.homeNode(addr)
			c.dir.tiles[actualDst].stats.SnoopRequests++

			if c.observer != nil {
				c.observer.CountDTDInvalidation()
				c.observer.AddCoherencyOverhead(uint64(dtdExtra))
			}
		}
	}

	contention := c.contentionDelay(ring, src, actualDst, now)

	msg := &Message{
		Src:          src,
		Dst:          actualDst,
		Priority:     priority,
		Payload:      append([]byte(nil), payload...),
		EnqueueTime:  now,
		Ring:         ring,
		pos:          src,
		lastMoved:    now,
		DeliveryTime: now +
			uint64(c.Distance(src, actualDst)*c.latencyCycles) +
			uint64(dtdExtra) +
			uint64(contention),
	}

	if msg.pos == msg.Dst {
		c.rings[ring][msg.Dst].inbound = append(c.rings[ring][msg.Dst].inbound, msg)
	} else {
		srcNode.outbound = append(srcNode.outbound, msg)
		srcNode.bufferOccupancy += msg.Size()
	}

	srcNode.lastActivity = now
	srcNode.stats.MessagesSent++
	srcNode.stats.BytesTransmitted += uint64(msg.Size())
	srcNode.stats.ContentionCycles += uint64(contention)

	c.totalMessages.Add(1)
	c.totalBytes.Add(uint64(msg.Size()))

	if c.NumHooks() > 0 {
		c.InvokeHook(sim.HookCtx{Domain: c, Pos: HookPosMsgSend, Item: msg})
	}

	return true
}

// Broadcast sends a copy of the payload to every node but the source, all at
// broadcast priority. It reports whether every send succeeded.
func (c *Comp) Broadcast(src int, payload []byte) bool {
	ok := true
	for i := 0; i < c.numNodes; i++ {
		if i != src {
			ok = c.Send(src, i, payload, PriorityBroadcast) && ok
		}
	}
	return ok
}

// Receive pops the head of a node's inbound queue if its delivery time has
// passed. The returned message owns its payload.
func (c *Comp) Receive(nodeID int) (*Message, bool) {
	if nodeID < 0 || nodeID >= c.numNodes {
		return nil, false
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	now := c.simTime.Load()

	for r := 0; r < c.numRings; r++ {
		n := c.rings[r][nodeID]
		if len(n.inbound) == 0 {
			continue
		}

		msg := n.inbound[0]
		if now < msg.DeliveryTime {
			continue
		}

		n.inbound = n.inbound[1:]
		n.stats.MessagesReceived++
		n.lastActivity = now

		latency := now - msg.EnqueueTime
		c.totalLatency.Add(latency)
		for {
			prev := c.maxContention.Load()
			if latency <= prev || c.maxContention.CompareAndSwap(prev, latency) {
				break
			}
		}

		if c.NumHooks() > 0 {
			c.InvokeHook(sim.HookCtx{Domain: c, Pos: HookPosMsgRecv, Item: msg})
		}

		return msg, true
	}

	return nil, false
}

// contentionDelay adds one cycle per other node that was active within the
// contention window, capped at buffer_size over the average message size.
func (c *Comp) contentionDelay(ring, src, dst int, now uint64) int {
	delay := 0
	for _, n := range c.rings[ring] {
		if n.id == src || n.id == dst {
			continue
		}
		if now-n.lastActivity < contentionWindow && n.lastActivity > 0 {
			delay++
		}
	}

	avgMsgSize := uint64(arch.CacheLineSize)
	if msgs := c.totalMessages.Load(); msgs > 0 {
		if avg := c.totalBytes.Load() / msgs; avg > 0 {
			avgMsgSize = avg
		}
	}

	maxDelay := c.bufferSize / int(avgMsgSize)
	if maxDelay < 1 {
		maxDelay = 1
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	return delay
}

// Step advances the simulation by one cycle and routes every in-flight
// message one hop. Routing is done by this single owner: messages are
// dequeued, advanced, and re-enqueued without re-entering Send.
func (c *Comp) Step() {
	now := c.simTime.Add(1)

	c.lock.Lock()
	defer c.lock.Unlock()

	for r := 0; r < c.numRings; r++ {
		c.routeRing(r, now)
	}
}

func (c *Comp) routeRing(ring int, now uint64) {
	nodes := c.rings[ring]

	for _, n := range nodes {
		remaining := n.outbound[:0]

		for _, msg := range n.outbound {
			if msg.lastMoved == now {
				remaining = append(remaining, msg)
				continue
			}

			msg.lastMoved = now

			if msg.pos == msg.Dst {
				nodes[msg.Dst].inbound = append(nodes[msg.Dst].inbound, msg)
				n.bufferOccupancy -= msg.Size()
				continue
			}

			hop := c.nextHop(msg.pos, msg.Dst)
			hopNode := nodes[hop]

			if hop != msg.Dst &&
				hopNode.bufferOccupancy+msg.Size() > c.bufferSize {
				// Next stop cannot take the message this cycle; stall.
				n.stats.ContentionCycles++
				remaining = append(remaining, msg)
				continue
			}

			msg.pos = hop
			n.bufferOccupancy -= msg.Size()

			if hop == msg.Dst {
				hopNode.inbound = append(hopNode.inbound, msg)
			} else {
				hopNode.outbound = append(hopNode.outbound, msg)
				hopNode.bufferOccupancy += msg.Size()
				hopNode.lastActivity = now
			}
		}

		n.outbound = remaining
	}
}

// RunCycles advances the simulation by n cycles.
func (c *Comp) RunCycles(n int) {
	for i := 0; i < n; i++ {
		c.Step()
	}
}

// StartSimulation launches the routing loop on its own goroutine.
func (c *Comp) StartSimulation() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}

	stopCh := make(chan struct{})
	c.stopMu.Lock()
	c.stopCh = stopCh
	c.stopMu.Unlock()

	go func() {
		for {
			select {
			case <-stopCh:
				return
			default:
				c.Step()
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()
}

// StopSimulation stops the routing loop.
func (c *Comp) StopSimulation() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}

	c.stopMu.Lock()
	close(c.stopCh)
	c.stopMu.Unlock()
}

// IsRunning reports whether the routing loop is active.
func (c *Comp) IsRunning() bool {
	return c.running.Load()
}

// CheckCoherency runs a directory query for (addr, requester) without
// mutating the directory counters beyond hit/miss accounting.
func (c *Comp) CheckCoherency(addr uint64, requester int) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.dir.checkCoherency(addr, requester)
}

// UpdateOwnership records the tile as single owner of the line.
func (c *Comp) UpdateOwnership(addr uint64, owner int, isModified bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.dir.updateOwnership(addr, owner, isModified, c.simTime.Load())
}

// InvalidateCacheLine clears the requester's sharer bit and hands the line
// over to it.
func (c *Comp) InvalidateCacheLine(addr uint64, requester int) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.dir.invalidateLine(addr, requester, c.simTime.Load())
}

// DTDHomeNode returns the home tile of an address.
func (c *Comp) DTDHomeNode(addr uint64) int {
	return c.dir.homeNode(addr)
}

// DirectoryLine returns a snapshot of the directory entry covering addr.
func (c *Comp) DirectoryLine(addr uint64) (LineInfo, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	line, ok := c.dir.tiles[c.dir.homeNode(addr)].lines[lineAddr(addr)]
	if !ok {
		return LineInfo{}, false
	}

	return LineInfo{
		Addr:       line.addr,
		Owner:      line.owner,
		SharerMask: line.sharerMask,
		Modified:   line.modified,
		Exclusive:  line.exclusive,
		Shared:     line.shared,
	}, true
}

// TileStats returns the directory counters of one home tile.
func (c *Comp) TileStats(tileID int) TileDirectoryStats {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.dir.tiles[tileID].stats
}

// NodeStats returns the counters of one ring stop, summed over rings.
func (c *Comp) NodeStats(nodeID int) NodeStats {
	c.lock.Lock()
	defer c.lock.Unlock()

	var out NodeStats
	for r := 0; r < c.numRings; r++ {
		s := c.rings[r][nodeID].stats
		out.MessagesSent += s.MessagesSent
		out.MessagesReceived += s.MessagesReceived
		out.BytesTransmitted += s.BytesTransmitted
		out.ContentionCycles += s.ContentionCycles
		out.BufferOccupancy += c.rings[r][nodeID].bufferOccupancy
	}

	return out
}

// CollectStats returns a snapshot of the network-wide counters.
func (c *Comp) CollectStats() Stats {
	s := Stats{
		TotalMessages:  c.totalMessages.Load(),
		TotalBytes:     c.totalBytes.Load(),
		MaxContention:  c.maxContention.Load(),
		SimulationTime: c.simTime.Load(),
	}

	if s.TotalMessages > 0 {
		s.AvgLatency = c.totalLatency.Load() / s.TotalMessages
	}

	return s
}

// Reset clears the network state and counters. The directory is kept.
func (c *Comp) Reset() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.simTime.Store(0)
	c.totalMessages.Store(0)
	c.totalBytes.Store(0)
	c.totalLatency.Store(0)
	c.maxContention.Store(0)

	for r := range c.rings {
		for _, n := range c.rings[r] {
			n.inbound = nil
			n.outbound = nil
			n.bufferOccupancy = 0
			n.lastActivity = 0
			n.stats = NodeStats{}
		}
	}
}
