package xlat

import "bytes"

// DefaultCacheSize is the number of entries of the direct-mapped translation
// cache.
const DefaultCacheSize = 16384

type cacheEntry struct {
	valid       bool
	pc          uint64
	original    []byte
	translation Translation
	accessCount uint64
}

// A Cache is a direct-mapped, PC-indexed store of translations. Replacement
// evicts the previous occupant unconditionally.
type Cache struct {
	entries []cacheEntry
}

// NewCache creates a translation cache with the given entry count.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}

	return &Cache{entries: make([]cacheEntry, size)}
}

func (c *Cache) index(pc uint64) int {
	return int((pc >> 4) % uint64(len(c.entries)))
}

// Lookup returns the cached translation for pc, if the slot holds it.
func (c *Cache) Lookup(pc uint64) (Translation, bool) {
	entry := &c.entries[c.index(pc)]

	if !entry.valid || entry.pc != pc {
		return Translation{}, false
	}

	entry.accessCount++

	return entry.translation, true
}

// Insert stores a translation, evicting whatever occupied the slot.
func (c *Cache) Insert(pc uint64, original []byte, t Translation) {
	if len(original) > MaxInstLen {
		original = original[:MaxInstLen]
	}

	c.entries[c.index(pc)] = cacheEntry{
		valid:       true,
		pc:          pc,
		original:    append([]byte(nil), original...),
		translation: t,
		accessCount: 1,
	}
}

// Matches reports whether the slot for pc holds a translation of exactly the
// given original bytes.
func (c *Cache) Matches(pc uint64, original []byte) bool {
	entry := &c.entries[c.index(pc)]
	if !entry.valid || entry.pc != pc {
		return false
	}

	if len(original) > MaxInstLen {
		original = original[:MaxInstLen]
	}

	return bytes.Equal(entry.original, original)
}

// Flush invalidates all entries.
func (c *Cache) Flush() {
	for i := range c.entries {
		c.entries[i].valid = false
	}
}

// InvalidateRange invalidates every entry whose PC lies in [start,
// start+size).
func (c *Cache) InvalidateRange(start, size uint64) {
	end := start + size
	for i := range c.entries {
		e := &c.entries[i]
		if e.valid && e.pc >= start && e.pc < end {
			e.valid = false
		}
	}
}

// AccessCount returns the access counter of the slot holding pc, or 0.
func (c *Cache) AccessCount(pc uint64) uint64 {
	entry := &c.entries[c.index(pc)]
	if !entry.valid || entry.pc != pc {
		return 0
	}
	return entry.accessCount
}
