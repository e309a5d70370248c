package emu

import "math/bits"

// RFLAGS bit positions.
const (
	FlagCF uint = 0  // Carry
	FlagPF uint = 2  // Parity (even number of set bits in the low byte)
	FlagAF uint = 4  // Adjust (carry or borrow out of bit 3)
	FlagZF uint = 6  // Zero
	FlagSF uint = 7  // Sign
	FlagDF uint = 10 // Direction
	FlagOF uint = 11 // Overflow
)

// FlagsReset is the value of RFLAGS after reset: only the reserved bit 1
// is set.
const FlagsReset Flags = 0x2

// Flags is the RFLAGS bit container. Bits the core does not name are kept
// as they are.
type Flags uint64

// GetBit reports whether bit n is set.
func (f *Flags) GetBit(n uint) bool {
	return *f&(1<<n) != 0
}

// SetBit sets bit n.
func (f *Flags) SetBit(n uint) {
	*f |= 1 << n
}

// ClearBit clears bit n.
func (f *Flags) ClearBit(n uint) {
	*f &^= 1 << n
}

// UpdateBit sets or clears bit n.
func (f *Flags) UpdateBit(n uint, v bool) {
	if v {
		f.SetBit(n)
		return
	}
	f.ClearBit(n)
}

// UpdateZFSF sets ZF and SF from the low width bits of result.
func (f *Flags) UpdateZFSF(result uint64, width uint8) {
	masked := result & widthMask(width)
	f.UpdateBit(FlagZF, masked == 0)
	f.UpdateBit(FlagSF, masked&signBit(width) != 0)
}

// UpdateParity sets PF when the low byte has an even number of set bits.
func (f *Flags) UpdateParity(result uint64) {
	f.UpdateBit(FlagPF, bits.OnesCount8(uint8(result))%2 == 0)
}

// UpdateResult sets ZF, SF and PF from result.
func (f *Flags) UpdateResult(result uint64, width uint8) {
	f.UpdateZFSF(result, width)
	f.UpdateParity(result)
}

// UpdateCFOFAdd sets CF and OF for result = a + b (+ carry-in).
// carry is the unsigned carry out of the top bit.
func (f *Flags) UpdateCFOFAdd(a, b, result uint64, width uint8, carry bool) {
	sign := signBit(width)
	f.UpdateBit(FlagCF, carry)
	f.UpdateBit(FlagOF, (a^result)&(b^result)&sign != 0)
}

// UpdateCFOFSub sets CF and OF for result = a - b (- borrow-in).
// borrow is the unsigned borrow into the top bit.
func (f *Flags) UpdateCFOFSub(a, b, result uint64, width uint8, borrow bool) {
	sign := signBit(width)
	f.UpdateBit(FlagCF, borrow)
	f.UpdateBit(FlagOF, (a^b)&(a^result)&sign != 0)
}

// UpdateAF sets AF from the carry or borrow between bits 3 and 4.
func (f *Flags) UpdateAF(a, b, result uint64) {
	f.UpdateBit(FlagAF, (a^b^result)&0x10 != 0)
}

// CF reports the carry flag.
func (f *Flags) CF() bool { return f.GetBit(FlagCF) }

// PF reports the parity flag.
func (f *Flags) PF() bool { return f.GetBit(FlagPF) }

// AF reports the adjust flag.
func (f *Flags) AF() bool { return f.GetBit(FlagAF) }

// ZF reports the zero flag.
func (f *Flags) ZF() bool { return f.GetBit(FlagZF) }

// SF reports the sign flag.
func (f *Flags) SF() bool { return f.GetBit(FlagSF) }

// DF reports the direction flag.
func (f *Flags) DF() bool { return f.GetBit(FlagDF) }

// OF reports the overflow flag.
func (f *Flags) OF() bool { return f.GetBit(FlagOF) }
