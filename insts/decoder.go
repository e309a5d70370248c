package insts

import (
	"errors"
	"fmt"
)

// DefaultCacheCapacity is the decode cache size used when none is given.
const DefaultCacheCapacity = 10

// FetchFunc copies up to len(buf) mapped bytes starting at addr into buf and
// returns how many were copied. It fails when addr itself is unmapped.
type FetchFunc func(addr uint64, buf []byte) (int, error)

// DecoderStats holds decode cache statistics.
type DecoderStats struct {
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	Invalidations uint64
}

// Decoder fetches instruction bytes through a FetchFunc, decodes them with a
// Capability and caches the results by address.
type Decoder struct {
	fetch      FetchFunc
	capability Capability
	cache      *Cache
	stats      DecoderStats
	buf        [MaxInstLen]byte
}

// DecoderOption is a functional option for configuring the Decoder.
type DecoderOption func(*Decoder)

// WithCacheCapacity sets the decode cache capacity.
func WithCacheCapacity(n int) DecoderOption {
	return func(d *Decoder) {
		d.cache = NewCache(n)
	}
}

// NewDecoder creates a new decoder reading memory through fetch.
func NewDecoder(
	fetch FetchFunc,
	capability Capability,
	opts ...DecoderOption,
) *Decoder {
	d := &Decoder{
		fetch:      fetch,
		capability: capability,
		cache:      NewCache(DefaultCacheCapacity),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// DecodeNext returns the instruction at rip. The result is owned by the
// caller.
func (d *Decoder) DecodeNext(rip uint64) (*Instruction, error) {
	if inst, ok := d.cache.Get(rip); ok {
		d.stats.Hits++
		return inst.Clone(), nil
	}
	d.stats.Misses++

	n, err := d.fetch(rip, d.buf[:])
	if err != nil {
		return nil, fmt.Errorf("%w at 0x%x: %w", ErrFetch, rip, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w at 0x%x: no bytes mapped", ErrFetch, rip)
	}

	inst, err := d.capability.Decode(d.buf[:n], rip)
	if err != nil {
		if n < MaxInstLen && errors.Is(err, ErrTruncated) {
			return nil, fmt.Errorf("%w at 0x%x: only %d bytes mapped: %w",
				ErrFetch, rip, n, err)
		}
		return nil, err
	}

	if _, evicted := d.cache.Put(inst); evicted {
		d.stats.Evictions++
	}

	return inst.Clone(), nil
}

// Invalidate drops cached instructions overlapping [addr, addr+n).
func (d *Decoder) Invalidate(addr, n uint64) {
	d.stats.Invalidations += uint64(d.cache.Invalidate(addr, n))
}

// Reset empties the cache and clears statistics.
func (d *Decoder) Reset() {
	d.cache.Reset()
	d.stats = DecoderStats{}
}

// Stats returns decode cache statistics.
func (d *Decoder) Stats() DecoderStats {
	return d.stats
}

// Cache returns the decode cache.
func (d *Decoder) Cache() *Cache {
	return d.cache
}
