package insts

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// Cache is a bounded LRU of decoded instructions keyed by address.
//
// It is backed by a fully-associative Akita directory: one set with one way
// per entry and a block size of one byte, so a block tag is exactly the
// instruction address.
type Cache struct {
	capacity  int
	directory *akitacache.DirectoryImpl

	// Instruction storage - indexed by (setID * capacity + wayID)
	entries []*Instruction
}

// NewCache creates a cache holding at most capacity instructions. A
// capacity below one disables caching.
func NewCache(capacity int) *Cache {
	c := &Cache{capacity: capacity}
	if capacity < 1 {
		c.capacity = 0
		return c
	}

	c.directory = akitacache.NewDirectory(
		1,
		capacity,
		1,
		akitacache.NewLRUVictimFinder(),
	)
	c.entries = make([]*Instruction, capacity)

	return c
}

// Capacity returns the maximum number of entries.
func (c *Cache) Capacity() int {
	return c.capacity
}

func (c *Cache) blockIndex(block *akitacache.Block) int {
	return block.SetID*c.capacity + block.WayID
}

// Get returns the instruction cached at addr and marks it most recently
// used.
func (c *Cache) Get(addr uint64) (*Instruction, bool) {
	if c.directory == nil {
		return nil, false
	}

	block := c.directory.Lookup(0, addr)
	if block == nil || !block.IsValid {
		return nil, false
	}

	c.directory.Visit(block)
	return c.entries[c.blockIndex(block)], true
}

// Put inserts inst under inst.Addr. If a valid entry had to make room, its
// address is returned with evicted set to true.
func (c *Cache) Put(inst *Instruction) (evictedAddr uint64, evicted bool) {
	if c.directory == nil {
		return 0, false
	}

	if block := c.directory.Lookup(0, inst.Addr); block != nil && block.IsValid {
		c.entries[c.blockIndex(block)] = inst
		c.directory.Visit(block)
		return 0, false
	}

	victim := c.directory.FindVictim(inst.Addr)
	if victim.IsValid {
		evictedAddr, evicted = victim.Tag, true
	}

	victim.Tag = inst.Addr
	victim.IsValid = true
	victim.IsDirty = false
	c.entries[c.blockIndex(victim)] = inst
	c.directory.Visit(victim)

	return evictedAddr, evicted
}

// Contains reports whether addr is cached without touching recency.
func (c *Cache) Contains(addr uint64) bool {
	if c.directory == nil {
		return false
	}
	block := c.directory.Lookup(0, addr)
	return block != nil && block.IsValid
}

// Invalidate drops every entry whose encoded bytes intersect
// [addr, addr+n) and returns how many were dropped.
func (c *Cache) Invalidate(addr, n uint64) int {
	if c.directory == nil {
		return 0
	}

	dropped := 0
	for _, set := range c.directory.GetSets() {
		for _, block := range set.Blocks {
			if !block.IsValid {
				continue
			}
			idx := c.blockIndex(block)
			if c.entries[idx].Overlaps(addr, n) {
				block.IsValid = false
				c.entries[idx] = nil
				dropped++
			}
		}
	}

	return dropped
}

// Len returns the number of valid entries.
func (c *Cache) Len() int {
	if c.directory == nil {
		return 0
	}

	n := 0
	for _, set := range c.directory.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid {
				n++
			}
		}
	}
	return n
}

// Reset drops all entries.
func (c *Cache) Reset() {
	if c.directory == nil {
		return
	}
	c.directory.Reset()
	for i := range c.entries {
		c.entries[i] = nil
	}
}
