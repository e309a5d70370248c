package emu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x64emu/emu"
)

var _ = Describe("ALU", func() {
	var (
		flags emu.Flags
		alu   *emu.ALU
	)

	BeforeEach(func() {
		flags = emu.FlagsReset
		alu = emu.NewALU(&flags)
	})

	Describe("SHL", func() {
		It("should shift 0x8000000000000001 left by one", func() {
			r := alu.Shl(0x8000000000000001, 1, 64)

			Expect(r).To(Equal(uint64(0x2)))
			Expect(flags.CF()).To(BeTrue())
			Expect(flags.OF()).To(BeTrue())
			Expect(flags.ZF()).To(BeFalse())
			Expect(flags.SF()).To(BeFalse())
			Expect(flags.PF()).To(BeFalse())
		})

		It("should leave everything untouched for a zero count", func() {
			flags.SetBit(emu.FlagCF)
			flags.SetBit(emu.FlagOF)
			before := flags

			Expect(alu.Shl(0x1234, 0, 64)).To(Equal(uint64(0x1234)))
			Expect(flags).To(Equal(before))
		})

		It("should clear OF for counts other than one", func() {
			flags.SetBit(emu.FlagOF)
			alu.Shl(0xC000000000000000, 2, 64)
			Expect(flags.OF()).To(BeFalse())
			Expect(flags.CF()).To(BeTrue())
		})

		It("should not touch AF", func() {
			flags.SetBit(emu.FlagAF)
			alu.Shl(0xFF, 3, 8)
			Expect(flags.AF()).To(BeTrue())
		})

		It("should take CF from bit width-count", func() {
			r := alu.Shl(0x40, 2, 8)
			Expect(r).To(BeZero())
			Expect(flags.CF()).To(BeTrue())
			Expect(flags.ZF()).To(BeTrue())
		})
	})

	Describe("SHR", func() {
		It("should take CF from bit count-1 and OF from the old sign", func() {
			r := alu.Shr(0x8000000000000003, 1, 64)
			Expect(r).To(Equal(uint64(0x4000000000000001)))
			Expect(flags.CF()).To(BeTrue())
			Expect(flags.OF()).To(BeTrue())

			alu.Shr(0x80000000, 4, 32)
			Expect(flags.OF()).To(BeFalse())
			Expect(flags.CF()).To(BeFalse())
		})
	})

	It("should undo SHL with SHR down to the surviving low bits", func() {
		values := []uint64{
			0, 1, 0xFFFFFFFFFFFFFFFF, 0x8000000000000001,
			0x0123456789ABCDEF, 0xDEADBEEFCAFEBABE,
		}
		for _, v := range values {
			for count := uint(1); count <= 63; count++ {
				r := alu.Shr(alu.Shl(v, count, 64), count, 64)
				want := v & (uint64(1)<<(64-count) - 1)
				Expect(r).To(Equal(want), "v=%#x count=%d", v, count)
				Expect(flags.ZF()).To(Equal(want == 0))
			}
		}
	})

	Describe("SAR", func() {
		It("should replicate the sign bit", func() {
			Expect(alu.Sar(0x80, 3, 8)).To(Equal(uint64(0xF0)))
			Expect(flags.OF()).To(BeFalse())
			Expect(flags.SF()).To(BeTrue())

			Expect(alu.Sar(0x81, 1, 8)).To(Equal(uint64(0xC0)))
			Expect(flags.CF()).To(BeTrue())
		})
	})

	Describe("ADD and SUB", func() {
		It("should set CF on unsigned carry", func() {
			r := alu.Add(0xFF, 0x01, 8)
			Expect(r).To(BeZero())
			Expect(flags.CF()).To(BeTrue())
			Expect(flags.ZF()).To(BeTrue())
			Expect(flags.AF()).To(BeTrue())
			Expect(flags.OF()).To(BeFalse())
		})

		It("should set OF on signed overflow", func() {
			r := alu.Add(0x7FFFFFFFFFFFFFFF, 1, 64)
			Expect(r).To(Equal(uint64(0x8000000000000000)))
			Expect(flags.OF()).To(BeTrue())
			Expect(flags.CF()).To(BeFalse())
			Expect(flags.SF()).To(BeTrue())
		})

		It("should carry out of 64 bits", func() {
			alu.Add(0xFFFFFFFFFFFFFFFF, 2, 64)
			Expect(flags.CF()).To(BeTrue())
		})

		It("should set CF on borrow and OF on signed overflow", func() {
			r := alu.Sub(0, 1, 32)
			Expect(r).To(Equal(uint64(0xFFFFFFFF)))
			Expect(flags.CF()).To(BeTrue())
			Expect(flags.OF()).To(BeFalse())

			alu.Sub(0x80000000, 1, 32)
			Expect(flags.OF()).To(BeTrue())
			Expect(flags.CF()).To(BeFalse())
		})

		It("should chain carries through ADC and SBB", func() {
			flags.SetBit(emu.FlagCF)
			Expect(alu.Adc(1, 1, 64)).To(Equal(uint64(3)))
			Expect(flags.CF()).To(BeFalse())

			flags.SetBit(emu.FlagCF)
			Expect(alu.Sbb(1, 1, 64)).To(Equal(uint64(0xFFFFFFFFFFFFFFFF)))
			Expect(flags.CF()).To(BeTrue())
		})
	})

	Describe("INC, DEC and NEG", func() {
		It("should preserve CF across INC and DEC", func() {
			flags.SetBit(emu.FlagCF)
			Expect(alu.Inc(0x7F, 8)).To(Equal(uint64(0x80)))
			Expect(flags.CF()).To(BeTrue())
			Expect(flags.OF()).To(BeTrue())

			flags.ClearBit(emu.FlagCF)
			Expect(alu.Dec(0, 16)).To(Equal(uint64(0xFFFF)))
			Expect(flags.CF()).To(BeFalse())
		})

		It("should set CF on NEG of a nonzero value", func() {
			Expect(alu.Neg(1, 64)).To(Equal(uint64(0xFFFFFFFFFFFFFFFF)))
			Expect(flags.CF()).To(BeTrue())

			Expect(alu.Neg(0, 64)).To(BeZero())
			Expect(flags.CF()).To(BeFalse())
		})

		It("should not touch flags on NOT", func() {
			before := flags
			Expect(alu.Not(0x0F, 8)).To(Equal(uint64(0xF0)))
			Expect(flags).To(Equal(before))
		})
	})

	Describe("logic", func() {
		It("should clear CF and OF and keep AF", func() {
			flags.SetBit(emu.FlagCF)
			flags.SetBit(emu.FlagOF)
			flags.SetBit(emu.FlagAF)

			Expect(alu.Xor(0xF0, 0xF0, 64)).To(BeZero())
			Expect(flags.CF()).To(BeFalse())
			Expect(flags.OF()).To(BeFalse())
			Expect(flags.ZF()).To(BeTrue())
			Expect(flags.PF()).To(BeTrue())
			Expect(flags.AF()).To(BeTrue())
		})

		It("should compute AND and OR", func() {
			Expect(alu.And(0xFF00, 0x0FF0, 16)).To(Equal(uint64(0x0F00)))
			Expect(alu.Or(0x8000, 0x0001, 16)).To(Equal(uint64(0x8001)))
			Expect(flags.SF()).To(BeTrue())
		})
	})

	Describe("multiply", func() {
		It("should produce the unsigned high half", func() {
			lo, hi := alu.Mul(0xFFFFFFFFFFFFFFFF, 2, 64)
			Expect(lo).To(Equal(uint64(0xFFFFFFFFFFFFFFFE)))
			Expect(hi).To(Equal(uint64(1)))
			Expect(flags.CF()).To(BeTrue())

			lo, hi = alu.Mul(0x10, 0x10, 8)
			Expect(lo).To(BeZero())
			Expect(hi).To(Equal(uint64(1)))
		})

		It("should produce the signed high half", func() {
			lo, hi := alu.ImulWide(0xFFFFFFFFFFFFFFFF, 0xFFFFFFFFFFFFFFFF, 64)
			Expect(lo).To(Equal(uint64(1)))
			Expect(hi).To(BeZero())
			Expect(flags.OF()).To(BeFalse())

			lo, hi = alu.ImulWide(0xFFFFFFFFFFFFFFFE, 3, 64)
			Expect(lo).To(Equal(uint64(0xFFFFFFFFFFFFFFFA)))
			Expect(hi).To(Equal(uint64(0xFFFFFFFFFFFFFFFF)))
			Expect(flags.OF()).To(BeFalse())
		})

		It("should flag a truncated signed product", func() {
			Expect(alu.Imul(0x4000, 4, 16)).To(BeZero())
			Expect(flags.OF()).To(BeTrue())
			Expect(flags.CF()).To(BeTrue())

			Expect(alu.Imul(0xFFFF, 0xFFFF, 16)).To(Equal(uint64(1)))
			Expect(flags.OF()).To(BeFalse())
		})
	})

	Describe("divide", func() {
		It("should divide unsigned double-width values", func() {
			q, r, err := alu.DivU(1, 0, 2, 64)
			Expect(err).ToNot(HaveOccurred())
			Expect(q).To(Equal(uint64(0x8000000000000000)))
			Expect(r).To(BeZero())

			q, r, err = alu.DivU(0, 100, 7, 32)
			Expect(err).ToNot(HaveOccurred())
			Expect(q).To(Equal(uint64(14)))
			Expect(r).To(Equal(uint64(2)))
		})

		It("should fault on a zero divisor", func() {
			_, _, err := alu.DivU(0, 1, 0, 64)
			Expect(err).To(MatchError(emu.ErrExecution))
			_, _, err = alu.DivS(0, 1, 0, 32)
			Expect(err).To(MatchError(emu.ErrExecution))
		})

		It("should fault when the quotient does not fit", func() {
			_, _, err := alu.DivU(2, 0, 2, 64)
			Expect(err).To(MatchError(emu.ErrExecution))
			_, _, err = alu.DivU(0x01, 0x00, 0x01, 8)
			Expect(err).To(MatchError(emu.ErrExecution))
		})

		It("should truncate signed quotients toward zero", func() {
			// -7 / 2 = -3 remainder -1
			q, r, err := alu.DivS(0xFFFFFFFF, 0xFFFFFFF9, 2, 32)
			Expect(err).ToNot(HaveOccurred())
			Expect(q).To(Equal(uint64(0xFFFFFFFD)))
			Expect(r).To(Equal(uint64(0xFFFFFFFF)))

			q, r, err = alu.DivS(0xFFFFFFFFFFFFFFFF, 0xFFFFFFFFFFFFFFF9, 2, 64)
			Expect(err).ToNot(HaveOccurred())
			Expect(q).To(Equal(uint64(0xFFFFFFFFFFFFFFFD)))
			Expect(r).To(Equal(uint64(0xFFFFFFFFFFFFFFFF)))
		})

		It("should fault on the most negative dividend divided by -1", func() {
			_, _, err := alu.DivS(0xFFFFFFFFFFFFFFFF, 0x8000000000000000,
				0xFFFFFFFFFFFFFFFF, 64)
			Expect(err).To(MatchError(emu.ErrExecution))

			_, _, err = alu.DivS(0xFF, 0x80, 0xFF, 8)
			Expect(err).To(MatchError(emu.ErrExecution))
		})
	})
})
