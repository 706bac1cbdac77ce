package ringbus

import (
	"math/bits"

	"github.com/addiethehomie/IMIC-SDS/arch"
)

// A cacheLine is one entry of a home tile's tag directory. At most one of the
// modified/exclusive/shared flags is the primary state; a modified line has
// exactly one sharer, its owner.
type cacheLine struct {
	addr       uint64
	owner      int
	sharerMask uint64

	modified  bool
	exclusive bool
	shared    bool

	lastAccess uint64
}

// TileDirectoryStats are the counters of one home tile's directory.
type TileDirectoryStats struct {
	SnoopRequests        uint64
	InvalidationRequests uint64
	Hits                 uint64
	Misses               uint64
}

type tileDirectory struct {
	tileID   int
	capacity int
	lines    map[uint64]*cacheLine

	stats TileDirectoryStats
}

// The extra hop charges of the reduced-MESI action table.
const (
	dtdHopsMiss      = 2
	dtdHopsShare     = 1
	dtdHopsTransfer  = 1
	dtdHopsWriteback = 3
)

// defaultDirectorySize bounds the entries a home tile tracks.
const defaultDirectorySize = 1024

// directory is the distributed tag directory: one bounded per-home-tile
// collection of cache-line records. The home tile of an access is its raw
// address modulo the node count, so two addresses on the same line can have
// different home tiles.
type directory struct {
	numNodes int
	tiles    []*tileDirectory
}

func newDirectory(numNodes, capacity int) *directory {
	d := &directory{numNodes: numNodes}
	for i := 0; i < numNodes; i++ {
		d.tiles = append(d.tiles, &tileDirectory{
			tileID:   i,
			capacity: capacity,
			lines:    make(map[uint64]*cacheLine),
		})
	}
	return d
}

func lineAddr(addr uint64) uint64 {
	return addr &^ uint64(arch.CacheLineSize - 1)
}

func (d *directory) homeNode(addr uint64) int {
	return int(addr % uint64(d.numNodes))
}

func (d *directory) find(addr uint64) *cacheLine {
	home := d.tiles[d.homeNode(addr)]

	line, ok := home.lines[lineAddr(addr)]
	if !ok {
		home.stats.Misses++
		return nil
	}

	home.stats.Hits++

	return line
}

// checkCoherency reports whether the requesting tile may proceed without a
// write-back. A miss or an access by the current owner is always clean.
func (d *directory) checkCoherency(addr uint64, requester int) bool {
	line := d.find(addr)
	if line == nil {
		return true
	}

	if line.owner == requester {
		return true
	}

	return !line.modified
}

// extraHops returns the coherency charge, in ring hops, for the requesting
// tile touching addr, given the current directory state.
func (d *directory) extraHops(addr uint64, requester int) int {
	line := d.find(addr)

	switch {
	case line == nil:
		return dtdHopsMiss
	case line.owner == requester:
		return 0
	case line.modified:
		return dtdHopsWriteback
	case line.shared:
		return dtdHopsShare
	default:
		return dtdHopsTransfer
	}
}

// apply performs the state transition of the reduced-MESI action table for
// the requesting tile and returns the hop charge.
func (d *directory) apply(addr uint64, requester int, isWrite bool, now uint64) int {
	hops := d.extraHops(addr, requester)
	line := d.tiles[d.homeNode(addr)].lines[lineAddr(addr)]

	switch {
	case line == nil:
		d.updateOwnership(addr, requester, isWrite, now)
	case line.owner == requester:
		line.lastAccess = now
	case line.modified:
		d.invalidateLine(addr, requester, now)
		d.updateOwnership(addr, requester, true, now)
	case line.shared && !isWrite:
		line.sharerMask |= 1 << uint(requester)
		line.shared = true
		line.exclusive = false
		line.lastAccess = now
	default:
		d.invalidateLine(addr, requester, now)
		d.updateOwnership(addr, requester, isWrite, now)
	}

	return hops
}

// updateOwnership records the requesting tile as the single owner of the
// line. A dirty owner holds the line Modified, a clean one Exclusive.
func (d *directory) updateOwnership(addr uint64, owner int, isModified bool, now uint64) {
	home := d.tiles[d.homeNode(addr)]
	la := lineAddr(addr)

	line, ok := home.lines[la]
	if !ok {
		if len(home.lines) >= home.capacity {
			home.evictOldest()
		}

		line = &cacheLine{addr: la}
		home.lines[la] = line
	}

	line.owner = owner
	line.sharerMask = 1 << uint(owner)
	line.modified = isModified
	line.exclusive = !isModified
	line.shared = false
	line.lastAccess = now
}

// invalidateLine removes the requester from the sharer set and hands the line
// to it, counting the invalidation on the home tile.
func (d *directory) invalidateLine(addr uint64, requester int, now uint64) {
	home := d.tiles[d.homeNode(addr)]

	line, ok := home.lines[lineAddr(addr)]
	if !ok {
		return
	}

	line.sharerMask &^= 1 << uint(requester)
	line.owner = requester
	line.lastAccess = now

	home.stats.InvalidationRequests++
}

func (t *tileDirectory) evictOldest() {
	var victim *cacheLine
	for _, line := range t.lines {
		if victim == nil || line.lastAccess < victim.lastAccess {
			victim = line
		}
	}

	if victim != nil {
		delete(t.lines, victim.addr)
	}
}

// LineInfo is an externally visible snapshot of a directory entry.
type LineInfo struct {
	Addr       uint64
	Owner      int
	SharerMask uint64
	Modified   bool
	Exclusive  bool
	Shared     bool
}

// NumSharers returns the population count of the sharer mask.
func (l LineInfo) NumSharers() int {
	return bits.OnesCount64(l.SharerMask)
}
