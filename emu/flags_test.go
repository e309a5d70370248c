package emu_test

import (
	"math/bits"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x64emu/emu"
)

var _ = Describe("Flags", func() {
	var f emu.Flags

	BeforeEach(func() {
		f = emu.FlagsReset
	})

	It("should reset with only bit 1 set", func() {
		Expect(uint64(f)).To(Equal(uint64(0x2)))
	})

	It("should set, clear and update single bits", func() {
		f.SetBit(emu.FlagCF)
		Expect(f.CF()).To(BeTrue())
		f.ClearBit(emu.FlagCF)
		Expect(f.CF()).To(BeFalse())
		f.UpdateBit(emu.FlagOF, true)
		Expect(f.GetBit(11)).To(BeTrue())
		Expect(uint64(f)).To(Equal(uint64(0x802)))
	})

	It("should set PF exactly when the low byte has even popcount", func() {
		for x := uint64(0); x < 0x300; x++ {
			f.UpdateParity(x)
			Expect(f.PF()).To(Equal(bits.OnesCount8(uint8(x))%2 == 0), "x=%#x", x)
		}
	})

	It("should derive ZF and SF from the masked result", func() {
		f.UpdateZFSF(0x100, 8)
		Expect(f.ZF()).To(BeTrue())
		Expect(f.SF()).To(BeFalse())

		f.UpdateZFSF(0x80, 8)
		Expect(f.ZF()).To(BeFalse())
		Expect(f.SF()).To(BeTrue())

		f.UpdateZFSF(0x80, 16)
		Expect(f.SF()).To(BeFalse())
	})

	It("should detect the nibble carry", func() {
		f.UpdateAF(0x0F, 0x01, 0x10)
		Expect(f.AF()).To(BeTrue())
		f.UpdateAF(0x01, 0x01, 0x02)
		Expect(f.AF()).To(BeFalse())
	})

	It("should leave unnamed bits alone", func() {
		f.SetBit(21)
		f.UpdateZFSF(0, 64)
		f.UpdateParity(0)
		Expect(f.GetBit(21)).To(BeTrue())
		Expect(f.GetBit(1)).To(BeTrue())
	})
})
