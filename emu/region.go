package emu

import (
	"bytes"
	"fmt"
	"math"
)

// MemoryRegion is one contiguous, zero-based byte range [Start, End).
type MemoryRegion struct {
	start   uint64
	data    []byte
	onWrite WriteHook // set by the owning bus
}

// NewMemoryRegion creates a zero-filled region of size bytes at start.
func NewMemoryRegion(start, size uint64) (*MemoryRegion, error) {
	if size > math.MaxUint64-start {
		return nil, fmt.Errorf("%w: region 0x%x+0x%x wraps the address space",
			ErrOutOfRange, start, size)
	}
	return &MemoryRegion{start: start, data: make([]byte, size)}, nil
}

// NewMemoryRegionFromBytes creates a region at start backed by data. The
// region takes ownership of data.
func NewMemoryRegionFromBytes(start uint64, data []byte) (*MemoryRegion, error) {
	if uint64(len(data)) > math.MaxUint64-start {
		return nil, fmt.Errorf("%w: region 0x%x+0x%x wraps the address space",
			ErrOutOfRange, start, len(data))
	}
	return &MemoryRegion{start: start, data: data}, nil
}

// Start returns the first address of the region.
func (r *MemoryRegion) Start() uint64 { return r.start }

// End returns the address one past the last byte of the region.
func (r *MemoryRegion) End() uint64 { return r.start + uint64(len(r.data)) }

// Size returns the region length in bytes.
func (r *MemoryRegion) Size() uint64 { return uint64(len(r.data)) }

// Data returns a copy of the region contents. Writes go through WriteU8 or
// WriteBytes so the owning bus sees them.
func (r *MemoryRegion) Data() []byte {
	out := make([]byte, len(r.data))
	copy(out, r.data)
	return out
}

func (r *MemoryRegion) notify(addr, n uint64) {
	if r.onWrite != nil {
		r.onWrite(addr, n)
	}
}

// Contains reports whether addr lies inside the region.
func (r *MemoryRegion) Contains(addr uint64) bool {
	return addr >= r.start && addr-r.start < uint64(len(r.data))
}

// Overlaps reports whether the two regions share any address.
func (r *MemoryRegion) Overlaps(o *MemoryRegion) bool {
	if r.Size() == 0 || o.Size() == 0 {
		return false
	}
	return r.start < o.End() && o.start < r.End()
}

// index translates [addr, addr+n) to an offset, checking bounds before any
// subtraction.
func (r *MemoryRegion) index(addr, n uint64) (uint64, error) {
	if addr < r.start {
		return 0, fmt.Errorf("%w: 0x%x below region [0x%x, 0x%x)",
			ErrOutOfRange, addr, r.start, r.End())
	}
	off := addr - r.start
	if off > r.Size() || n > r.Size()-off || (n == 0 && off == r.Size()) {
		return 0, fmt.Errorf("%w: 0x%x+%d outside region [0x%x, 0x%x)",
			ErrOutOfRange, addr, n, r.start, r.End())
	}
	return off, nil
}

// ReadU8 reads one byte.
func (r *MemoryRegion) ReadU8(addr uint64) (uint8, error) {
	off, err := r.index(addr, 1)
	if err != nil {
		return 0, err
	}
	return r.data[off], nil
}

// WriteU8 writes one byte.
func (r *MemoryRegion) WriteU8(addr uint64, v uint8) error {
	off, err := r.index(addr, 1)
	if err != nil {
		return err
	}
	r.data[off] = v
	r.notify(addr, 1)
	return nil
}

// WriteBytes copies b to addr. Nothing is written if any byte falls outside
// the region.
func (r *MemoryRegion) WriteBytes(addr uint64, b []byte) error {
	off, err := r.index(addr, uint64(len(b)))
	if err != nil {
		return err
	}
	copy(r.data[off:], b)
	r.notify(addr, uint64(len(b)))
	return nil
}

// ReadExact fills out with the bytes at addr.
func (r *MemoryRegion) ReadExact(addr uint64, out []byte) error {
	off, err := r.index(addr, uint64(len(out)))
	if err != nil {
		return err
	}
	copy(out, r.data[off:])
	return nil
}

// Clone returns a deep copy of the region, detached from any bus.
func (r *MemoryRegion) Clone() *MemoryRegion {
	data := make([]byte, len(r.data))
	copy(data, r.data)
	return &MemoryRegion{start: r.start, data: data}
}

// Equal reports whether both regions start at the same address and hold
// the same bytes.
func (r *MemoryRegion) Equal(o *MemoryRegion) bool {
	return r.start == o.start && bytes.Equal(r.data, o.data)
}
