// Package emu provides functional x86-64 emulation.
package emu

import "github.com/sarchlab/x64emu/insts"

// RegFile represents the x86-64 general-purpose register file.
// It holds the 16 general-purpose registers and the CS and SS selectors
// as canonical 64-bit slots, in snapshot order. Narrower registers alias
// the low bits of their parent slot (AH-DH alias bits 8-15).
type RegFile struct {
	R [insts.NumSlots]uint64
}

// Read returns the value of r zero-extended to 64 bits. Registers without
// a backing slot read as zero.
func (rf *RegFile) Read(r insts.Reg) uint64 {
	s := r.Slot()
	if s == insts.NoSlot {
		return 0
	}
	v := rf.R[s]

	switch {
	case r.IsHigh8():
		return (v >> 8) & 0xFF
	case r.IsSegment():
		return v & 0xFFFF
	}
	return v & widthMask(r.Width())
}

// Write stores v into r following the x86-64 aliasing rules: 32-bit writes
// zero the upper half of the parent, 16- and 8-bit writes preserve the
// untouched bits. Writes to registers without a backing slot are dropped.
func (rf *RegFile) Write(r insts.Reg, v uint64) {
	s := r.Slot()
	if s == insts.NoSlot {
		return
	}
	old := rf.R[s]

	switch {
	case r.IsHigh8():
		rf.R[s] = old&^0xFF00 | (v&0xFF)<<8
	case r.IsSegment():
		rf.R[s] = v & 0xFFFF
	case r.Width() == 64:
		rf.R[s] = v
	case r.Width() == 32:
		rf.R[s] = v & 0xFFFFFFFF
	case r.Width() == 16:
		rf.R[s] = old&^0xFFFF | v&0xFFFF
	case r.Width() == 8:
		rf.R[s] = old&^0xFF | v&0xFF
	}
}

// ReadSlot reads a canonical slot.
func (rf *RegFile) ReadSlot(s insts.Slot) uint64 {
	return rf.R[s]
}

// WriteSlot writes a canonical slot.
func (rf *RegFile) WriteSlot(s insts.Slot, v uint64) {
	rf.R[s] = v
}

// widthMask returns a mask of the low width bits.
func widthMask(width uint8) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << width) - 1
}

// signBit returns the most significant bit of a width-bit value.
func signBit(width uint8) uint64 {
	return uint64(1) << (width - 1)
}

// signExtend sign-extends the low width bits of v to 64 bits.
func signExtend(v uint64, width uint8) uint64 {
	if width >= 64 {
		return v
	}
	shift := 64 - width
	return uint64(int64(v<<shift) >> shift)
}
