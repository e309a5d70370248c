package emu

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// WriteHook observes every successful write to the bus.
type WriteHook func(addr, n uint64)

// Bus is a sparse address space built from non-overlapping regions.
//
// Accesses may run across adjacent regions when the higher region starts
// exactly where the lower one ends; any gap faults with ErrUnmapped.
type Bus struct {
	regions []*MemoryRegion // sorted by start
	hooks   []WriteHook
}

// NewBus creates a bus holding the given regions.
func NewBus(regions ...*MemoryRegion) (*Bus, error) {
	b := &Bus{}
	for _, r := range regions {
		if err := b.AddRegion(r); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// AddRegion maps r. A region that intersects an existing one is rejected
// with ErrOverlap and the bus is left unchanged. Empty regions are rejected.
func (b *Bus) AddRegion(r *MemoryRegion) error {
	if r.Size() == 0 {
		return fmt.Errorf("%w: empty region at 0x%x", ErrOutOfRange, r.start)
	}

	for _, existing := range b.regions {
		if existing.Overlaps(r) {
			return b.overlapError(r, existing)
		}
	}

	i := sort.Search(len(b.regions), func(i int) bool {
		return b.regions[i].start >= r.start
	})
	b.regions = append(b.regions, nil)
	copy(b.regions[i+1:], b.regions[i:])
	b.regions[i] = r
	r.onWrite = b.notify
	return nil
}

func (b *Bus) overlapError(r, existing *MemoryRegion) error {
	return fmt.Errorf("%w: [0x%x, 0x%x) intersects [0x%x, 0x%x)",
		ErrOverlap, r.start, r.End(), existing.start, existing.End())
}

// OnWrite registers a hook called after every successful write, including
// writes made directly through a mapped region.
func (b *Bus) OnWrite(hook WriteHook) {
	b.hooks = append(b.hooks, hook)
}

func (b *Bus) notify(addr, n uint64) {
	for _, hook := range b.hooks {
		hook(addr, n)
	}
}

// Regions returns the mapped regions in address order.
func (b *Bus) Regions() []*MemoryRegion {
	out := make([]*MemoryRegion, len(b.regions))
	copy(out, b.regions)
	return out
}

func (b *Bus) find(addr uint64) int {
	i := sort.Search(len(b.regions), func(i int) bool {
		return b.regions[i].End() > addr
	})
	if i < len(b.regions) && b.regions[i].Contains(addr) {
		return i
	}
	return -1
}

// FindRegion returns the region containing addr.
func (b *Bus) FindRegion(addr uint64) (*MemoryRegion, bool) {
	i := b.find(addr)
	if i < 0 {
		return nil, false
	}
	return b.regions[i], true
}

// span visits the region chunks covering [addr, addr+n). It fails before
// calling fn if the range is not fully mapped.
func (b *Bus) span(addr uint64, n int, fn func(r *MemoryRegion, off, lo, hi int)) error {
	first := b.find(addr)
	if first < 0 {
		return fmt.Errorf("%w: 0x%x", ErrUnmapped, addr)
	}

	last := first
	covered := b.regions[first].End() - addr
	for covered < uint64(n) {
		next := last + 1
		if next >= len(b.regions) || b.regions[next].start != b.regions[last].End() {
			return fmt.Errorf("%w: 0x%x+%d crosses unmapped 0x%x",
				ErrUnmapped, addr, n, b.regions[last].End())
		}
		last = next
		covered += b.regions[last].Size()
	}

	pos := 0
	cur := addr
	for i := first; i <= last && pos < n; i++ {
		r := b.regions[i]
		off := int(cur - r.start)
		chunk := min(n-pos, len(r.data)-off)
		fn(r, off, pos, pos+chunk)
		pos += chunk
		cur += uint64(chunk)
	}
	return nil
}

// ReadExact fills out with the bytes at addr.
func (b *Bus) ReadExact(addr uint64, out []byte) error {
	return b.span(addr, len(out), func(r *MemoryRegion, off, lo, hi int) {
		copy(out[lo:hi], r.data[off:])
	})
}

// Fetch copies as many contiguous mapped bytes as fit in buf, starting at
// addr. It fails only when addr itself is unmapped.
func (b *Bus) Fetch(addr uint64, buf []byte) (int, error) {
	i := b.find(addr)
	if i < 0 {
		return 0, fmt.Errorf("%w: 0x%x", ErrUnmapped, addr)
	}

	n := 0
	cur := addr
	for n < len(buf) && i < len(b.regions) {
		r := b.regions[i]
		if !r.Contains(cur) {
			break
		}
		c := copy(buf[n:], r.data[cur-r.start:])
		n += c
		cur += uint64(c)
		i++
	}
	return n, nil
}

// WriteBytes copies data to addr. Nothing is written unless the whole range
// is mapped.
func (b *Bus) WriteBytes(addr uint64, data []byte) error {
	err := b.span(addr, len(data), func(r *MemoryRegion, off, lo, hi int) {
		copy(r.data[off:], data[lo:hi])
	})
	if err != nil {
		return err
	}

	b.notify(addr, uint64(len(data)))
	return nil
}

// ReadU8 reads one byte.
func (b *Bus) ReadU8(addr uint64) (uint8, error) {
	var buf [1]byte
	err := b.ReadExact(addr, buf[:])
	return buf[0], err
}

// ReadU16 reads a little-endian 16-bit value.
func (b *Bus) ReadU16(addr uint64) (uint16, error) {
	var buf [2]byte
	if err := b.ReadExact(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// ReadU32 reads a little-endian 32-bit value.
func (b *Bus) ReadU32(addr uint64) (uint32, error) {
	var buf [4]byte
	if err := b.ReadExact(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadU64 reads a little-endian 64-bit value.
func (b *Bus) ReadU64(addr uint64) (uint64, error) {
	var buf [8]byte
	if err := b.ReadExact(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteU8 writes one byte.
func (b *Bus) WriteU8(addr uint64, v uint8) error {
	return b.WriteBytes(addr, []byte{v})
}

// WriteU16 writes a little-endian 16-bit value.
func (b *Bus) WriteU16(addr uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return b.WriteBytes(addr, buf[:])
}

// WriteU32 writes a little-endian 32-bit value.
func (b *Bus) WriteU32(addr uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return b.WriteBytes(addr, buf[:])
}

// WriteU64 writes a little-endian 64-bit value.
func (b *Bus) WriteU64(addr uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return b.WriteBytes(addr, buf[:])
}

// Read reads a little-endian value of width bits (8, 16, 32 or 64).
func (b *Bus) Read(addr uint64, width uint8) (uint64, error) {
	n := int(width / 8)
	if n < 1 || n > 8 {
		return 0, fmt.Errorf("%w: bad access width %d", ErrExecution, width)
	}
	var buf [8]byte
	if err := b.ReadExact(addr, buf[:n]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Write writes the low width bits of v little-endian.
func (b *Bus) Write(addr uint64, width uint8, v uint64) error {
	n := int(width / 8)
	if n < 1 || n > 8 {
		return fmt.Errorf("%w: bad access width %d", ErrExecution, width)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return b.WriteBytes(addr, buf[:n])
}

// Clone returns a deep copy of the bus without write hooks.
func (b *Bus) Clone() *Bus {
	c := &Bus{regions: make([]*MemoryRegion, len(b.regions))}
	for i, r := range b.regions {
		c.regions[i] = r.Clone()
		c.regions[i].onWrite = c.notify
	}
	return c
}
