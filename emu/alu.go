// Package emu provides functional x86-64 emulation.
package emu

import (
	"fmt"
	"math/bits"
)

// ALU implements x86-64 arithmetic, logic and shift operations.
// Every operation works on the low width bits of its operands, returns a
// result masked to width and updates the flags it is defined to update.
// Flags the architecture leaves undefined are left unchanged.
type ALU struct {
	flags *Flags
}

// NewALU creates a new ALU connected to the given flags register.
func NewALU(flags *Flags) *ALU {
	return &ALU{flags: flags}
}

func addWithCarry(a, b, cin uint64, width uint8) (uint64, bool) {
	if width == 64 {
		sum, carry := bits.Add64(a, b, cin)
		return sum, carry != 0
	}
	m := widthMask(width)
	sum := a&m + b&m + cin
	return sum & m, sum>>width != 0
}

func subWithBorrow(a, b, bin uint64, width uint8) (uint64, bool) {
	if width == 64 {
		diff, borrow := bits.Sub64(a, b, bin)
		return diff, borrow != 0
	}
	m := widthMask(width)
	a, b = a&m, b&m
	return (a - b - bin) & m, a < b+bin
}

func (a *ALU) setArith(x, y, result uint64, width uint8) {
	a.flags.UpdateAF(x, y, result)
	a.flags.UpdateResult(result, width)
}

// Add returns x + y.
func (a *ALU) Add(x, y uint64, width uint8) uint64 {
	r, carry := addWithCarry(x, y, 0, width)
	a.flags.UpdateCFOFAdd(x, y, r, width, carry)
	a.setArith(x, y, r, width)
	return r
}

// Adc returns x + y + CF.
func (a *ALU) Adc(x, y uint64, width uint8) uint64 {
	var cin uint64
	if a.flags.CF() {
		cin = 1
	}
	r, carry := addWithCarry(x, y, cin, width)
	a.flags.UpdateCFOFAdd(x, y, r, width, carry)
	a.setArith(x, y, r, width)
	return r
}

// Sub returns x - y. CMP is Sub with the result discarded.
func (a *ALU) Sub(x, y uint64, width uint8) uint64 {
	r, borrow := subWithBorrow(x, y, 0, width)
	a.flags.UpdateCFOFSub(x, y, r, width, borrow)
	a.setArith(x, y, r, width)
	return r
}

// Sbb returns x - y - CF.
func (a *ALU) Sbb(x, y uint64, width uint8) uint64 {
	var bin uint64
	if a.flags.CF() {
		bin = 1
	}
	r, borrow := subWithBorrow(x, y, bin, width)
	a.flags.UpdateCFOFSub(x, y, r, width, borrow)
	a.setArith(x, y, r, width)
	return r
}

// Inc returns x + 1. CF is preserved.
func (a *ALU) Inc(x uint64, width uint8) uint64 {
	cf := a.flags.CF()
	r := a.Add(x, 1, width)
	a.flags.UpdateBit(FlagCF, cf)
	return r
}

// Dec returns x - 1. CF is preserved.
func (a *ALU) Dec(x uint64, width uint8) uint64 {
	cf := a.flags.CF()
	r := a.Sub(x, 1, width)
	a.flags.UpdateBit(FlagCF, cf)
	return r
}

// Neg returns -x. CF is set unless x is zero.
func (a *ALU) Neg(x uint64, width uint8) uint64 {
	r := a.Sub(0, x, width)
	a.flags.UpdateBit(FlagCF, x&widthMask(width) != 0)
	return r
}

// Not returns ^x. No flags change.
func (a *ALU) Not(x uint64, width uint8) uint64 {
	return ^x & widthMask(width)
}

func (a *ALU) setLogic(r uint64, width uint8) uint64 {
	r &= widthMask(width)
	a.flags.ClearBit(FlagCF)
	a.flags.ClearBit(FlagOF)
	a.flags.UpdateResult(r, width)
	return r
}

// And returns x & y. TEST is And with the result discarded.
func (a *ALU) And(x, y uint64, width uint8) uint64 {
	return a.setLogic(x&y, width)
}

// Or returns x | y.
func (a *ALU) Or(x, y uint64, width uint8) uint64 {
	return a.setLogic(x|y, width)
}

// Xor returns x ^ y.
func (a *ALU) Xor(x, y uint64, width uint8) uint64 {
	return a.setLogic(x^y, width)
}

// ShiftCount masks a raw shift count the way the hardware does.
func ShiftCount(count uint64, width uint8) uint {
	if width == 64 {
		return uint(count & 0x3F)
	}
	return uint(count & 0x1F)
}

// Shl returns x << count. A zero count changes nothing. CF receives the
// last bit shifted out; OF is defined for a count of one and cleared
// otherwise.
func (a *ALU) Shl(x uint64, count uint, width uint8) uint64 {
	x &= widthMask(width)
	if count == 0 {
		return x
	}

	var r uint64
	if count < 64 {
		r = (x << count) & widthMask(width)
	}

	cf := count <= uint(width) && (x>>(uint(width)-count))&1 != 0
	a.flags.UpdateBit(FlagCF, cf)
	if count == 1 {
		a.flags.UpdateBit(FlagOF, (x^r)&signBit(width) != 0)
	} else {
		a.flags.ClearBit(FlagOF)
	}
	a.flags.UpdateResult(r, width)

	return r
}

// Shr returns x >> count, shifting in zeros. OF is the original sign bit
// for a count of one and cleared otherwise.
func (a *ALU) Shr(x uint64, count uint, width uint8) uint64 {
	x &= widthMask(width)
	if count == 0 {
		return x
	}

	var r uint64
	if count < 64 {
		r = x >> count
	}

	cf := count <= uint(width) && (x>>(count-1))&1 != 0
	a.flags.UpdateBit(FlagCF, cf)
	if count == 1 {
		a.flags.UpdateBit(FlagOF, x&signBit(width) != 0)
	} else {
		a.flags.ClearBit(FlagOF)
	}
	a.flags.UpdateResult(r, width)

	return r
}

// Sar returns x >> count, shifting in copies of the sign bit. OF is
// cleared.
func (a *ALU) Sar(x uint64, count uint, width uint8) uint64 {
	x &= widthMask(width)
	if count == 0 {
		return x
	}

	sx := int64(signExtend(x, width))
	c := min(count, 63)
	r := uint64(sx>>c) & widthMask(width)
	cf := uint64(sx>>(c-1))&1 != 0

	a.flags.UpdateBit(FlagCF, cf)
	a.flags.ClearBit(FlagOF)
	a.flags.UpdateResult(r, width)

	return r
}

// Mul returns the unsigned double-width product of x and y as (lo, hi).
// CF and OF are set when hi is not zero.
func (a *ALU) Mul(x, y uint64, width uint8) (lo, hi uint64) {
	m := widthMask(width)
	if width == 64 {
		hi, lo = bits.Mul64(x, y)
	} else {
		p := (x & m) * (y & m)
		lo, hi = p&m, (p>>width)&m
	}

	a.flags.UpdateBit(FlagCF, hi != 0)
	a.flags.UpdateBit(FlagOF, hi != 0)
	return lo, hi
}

// ImulWide returns the signed double-width product of x and y as (lo, hi).
// CF and OF are set when the product does not fit in width bits.
func (a *ALU) ImulWide(x, y uint64, width uint8) (lo, hi uint64) {
	m := widthMask(width)
	sx, sy := signExtend(x&m, width), signExtend(y&m, width)

	if width == 64 {
		hi, lo = bits.Mul64(sx, sy)
		if int64(sx) < 0 {
			hi -= sy
		}
		if int64(sy) < 0 {
			hi -= sx
		}
	} else {
		p := uint64(int64(sx) * int64(sy))
		lo, hi = p&m, (p>>width)&m
	}

	var ext uint64
	if lo&signBit(width) != 0 {
		ext = m
	}
	overflow := hi != ext
	a.flags.UpdateBit(FlagCF, overflow)
	a.flags.UpdateBit(FlagOF, overflow)
	return lo, hi
}

// Imul returns the signed product of x and y truncated to width.
func (a *ALU) Imul(x, y uint64, width uint8) uint64 {
	lo, _ := a.ImulWide(x, y, width)
	return lo
}

func divideError(format string, args ...any) error {
	return fmt.Errorf("%w: divide error: "+format,
		append([]any{ErrExecution}, args...)...)
}

// DivU divides the unsigned double-width value hi:lo by d. It fails on a
// zero divisor and on a quotient that does not fit in width bits.
func (a *ALU) DivU(hi, lo, d uint64, width uint8) (q, r uint64, err error) {
	m := widthMask(width)
	hi, lo, d = hi&m, lo&m, d&m
	if d == 0 {
		return 0, 0, divideError("divide by zero")
	}

	if width == 64 {
		if hi >= d {
			return 0, 0, divideError("quotient overflow")
		}
		q, r = bits.Div64(hi, lo, d)
		return q, r, nil
	}

	n := hi<<width | lo
	q, r = n/d, n%d
	if q > m {
		return 0, 0, divideError("quotient overflow")
	}
	return q, r, nil
}

// DivS divides the signed double-width value hi:lo by d, truncating toward
// zero. The remainder takes the sign of the dividend.
func (a *ALU) DivS(hi, lo, d uint64, width uint8) (q, r uint64, err error) {
	m := widthMask(width)
	hi, lo, d = hi&m, lo&m, d&m
	if d == 0 {
		return 0, 0, divideError("divide by zero")
	}

	if width == 64 {
		return divS128(hi, lo, d)
	}

	n := int64(signExtend(hi<<width|lo, 2*width))
	dv := int64(signExtend(d, width))
	sq, sr := n/dv, n%dv

	limit := int64(1) << (width - 1)
	if sq < -limit || sq > limit-1 {
		return 0, 0, divideError("quotient overflow")
	}
	return uint64(sq) & m, uint64(sr) & m, nil
}

func divS128(hi, lo, d uint64) (q, r uint64, err error) {
	negN := int64(hi) < 0
	if negN {
		lo, hi = neg128(hi, lo)
	}
	negD := int64(d) < 0
	if negD {
		d = -d
	}

	if hi >= d {
		return 0, 0, divideError("quotient overflow")
	}
	q, r = bits.Div64(hi, lo, d)

	if negN != negD {
		if q > 1<<63 {
			return 0, 0, divideError("quotient overflow")
		}
		q = -q
	} else if q > 1<<63-1 {
		return 0, 0, divideError("quotient overflow")
	}
	if negN {
		r = -r
	}
	return q, r, nil
}

// neg128 returns the two's complement of hi:lo as (lo, hi).
func neg128(hi, lo uint64) (uint64, uint64) {
	lo, borrow := bits.Sub64(0, lo, 0)
	hi, _ = bits.Sub64(0, hi, borrow)
	return lo, hi
}
