package insts_test

import (
	"errors"

	"github.com/golang/mock/gomock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x64emu/insts"
)

var errUnmapped = errors.New("unmapped")

// flatMemory is a single mapped window used as the decoder's fetch source.
type flatMemory struct {
	base uint64
	data []byte
}

func (m *flatMemory) fetch(addr uint64, buf []byte) (int, error) {
	if addr < m.base || addr >= m.base+uint64(len(m.data)) {
		return 0, errUnmapped
	}
	return copy(buf, m.data[addr-m.base:]), nil
}

var _ = Describe("Decoder", func() {
	Context("with the x86 capability", func() {
		var (
			mem     *flatMemory
			decoder *insts.Decoder
		)

		BeforeEach(func() {
			mem = &flatMemory{base: 0x400000, data: make([]byte, 64)}
			decoder = insts.NewDecoder(mem.fetch, insts.NewX86Capability())
		})

		It("should decode XOR EAX, EAX; JZ +0x10", func() {
			copy(mem.data, []byte{0x31, 0xC0, 0x74, 0x10})

			xor, err := decoder.DecodeNext(0x400000)
			Expect(err).ToNot(HaveOccurred())
			Expect(xor.Op).To(Equal(insts.OpXOR))
			Expect(xor.Len).To(Equal(uint8(2)))
			Expect(xor.Width).To(Equal(uint8(32)))
			Expect(xor.Operands).To(Equal([]insts.Operand{
				insts.RegOperand(insts.EAX),
				insts.RegOperand(insts.EAX),
			}))

			jz, err := decoder.DecodeNext(xor.NextRIP())
			Expect(err).ToNot(HaveOccurred())
			Expect(jz.Op).To(Equal(insts.OpJcc))
			Expect(jz.Cond).To(Equal(insts.CondE))
			Expect(jz.Addr).To(Equal(uint64(0x400002)))
			Expect(jz.Operands[0].Kind).To(Equal(insts.OperandImm))
			Expect(jz.Operands[0].Imm).To(Equal(int64(0x10)))
		})

		It("should decode a scaled-index memory operand", func() {
			// mov eax, [rbx+rcx*4+0x8]
			copy(mem.data, []byte{0x8B, 0x44, 0x8B, 0x08})

			inst, err := decoder.DecodeNext(0x400000)
			Expect(err).ToNot(HaveOccurred())
			Expect(inst.Op).To(Equal(insts.OpMOV))
			Expect(inst.Width).To(Equal(uint8(32)))
			Expect(inst.Operands[1].Kind).To(Equal(insts.OperandMem))
			Expect(inst.Operands[1].Size).To(Equal(uint8(32)))
			Expect(inst.Operands[1].Mem.Base).To(Equal(insts.RBX))
			Expect(inst.Operands[1].Mem.Index).To(Equal(insts.RCX))
			Expect(inst.Operands[1].Mem.Scale).To(Equal(uint8(4)))
			Expect(inst.Operands[1].Mem.Disp).To(Equal(int64(8)))
		})

		It("should decode a RIP-relative LEA", func() {
			// lea rax, [rip+0x10]
			copy(mem.data, []byte{0x48, 0x8D, 0x05, 0x10, 0x00, 0x00, 0x00})

			inst, err := decoder.DecodeNext(0x400000)
			Expect(err).ToNot(HaveOccurred())
			Expect(inst.Op).To(Equal(insts.OpLEA))
			Expect(inst.Len).To(Equal(uint8(7)))
			Expect(inst.Operands[1].Mem.Base).To(Equal(insts.RIP))
			Expect(inst.Operands[1].Mem.Disp).To(Equal(int64(0x10)))
		})

		It("should decode SHL RAX, 1 with a count of one", func() {
			copy(mem.data, []byte{0x48, 0xD1, 0xE0})

			inst, err := decoder.DecodeNext(0x400000)
			Expect(err).ToNot(HaveOccurred())
			Expect(inst.Op).To(Equal(insts.OpSHL))
			Expect(inst.Width).To(Equal(uint8(64)))
			Expect(inst.Operands[0].Reg).To(Equal(insts.RAX))
		})

		It("should decode INT3 and HLT", func() {
			copy(mem.data, []byte{0xCC, 0xF4})

			int3, err := decoder.DecodeNext(0x400000)
			Expect(err).ToNot(HaveOccurred())
			Expect(int3.Op).To(Equal(insts.OpINT3))
			Expect(int3.Operands).To(BeEmpty())

			hlt, err := decoder.DecodeNext(0x400001)
			Expect(err).ToNot(HaveOccurred())
			Expect(hlt.Op).To(Equal(insts.OpHLT))
		})

		It("should record the REP prefix on string moves", func() {
			copy(mem.data, []byte{0xF3, 0xA4})

			inst, err := decoder.DecodeNext(0x400000)
			Expect(err).ToNot(HaveOccurred())
			Expect(inst.Op).To(Equal(insts.OpMOVS))
			Expect(inst.Rep).To(BeTrue())
			Expect(inst.Width).To(Equal(uint8(8)))
		})

		It("should fail with a fetch fault on unmapped RIP", func() {
			_, err := decoder.DecodeNext(0xDEAD0000)
			Expect(err).To(MatchError(insts.ErrFetch))
			Expect(errors.Is(err, errUnmapped)).To(BeTrue())
		})

		It("should fail with a fetch fault when code runs off the mapping", func() {
			mem.data = []byte{0x48, 0xB8, 0x01, 0x02}

			_, err := decoder.DecodeNext(0x400000)
			Expect(err).To(MatchError(insts.ErrFetch))
		})

		It("should return owned copies", func() {
			copy(mem.data, []byte{0x31, 0xC0})

			first, err := decoder.DecodeNext(0x400000)
			Expect(err).ToNot(HaveOccurred())
			first.Operands[0] = insts.RegOperand(insts.EBX)

			second, err := decoder.DecodeNext(0x400000)
			Expect(err).ToNot(HaveOccurred())
			Expect(second.Operands[0].Reg).To(Equal(insts.EAX))
		})

		It("should agree with a cold decode of the same bytes", func() {
			copy(mem.data, []byte{
				0x48, 0xFF, 0xC0, // inc rax
				0xEB, 0xFB, // jmp -5
			})

			for _, rip := range []uint64{0x400000, 0x400003, 0x400000, 0x400003} {
				warm, err := decoder.DecodeNext(rip)
				Expect(err).ToNot(HaveOccurred())

				cold, err := insts.NewDecoder(mem.fetch, insts.NewX86Capability()).
					DecodeNext(rip)
				Expect(err).ToNot(HaveOccurred())
				Expect(warm).To(Equal(cold))
			}

			Expect(decoder.Stats().Hits).To(Equal(uint64(2)))
			Expect(decoder.Stats().Misses).To(Equal(uint64(2)))
		})

		It("should re-decode after the code bytes are invalidated", func() {
			copy(mem.data, []byte{0x31, 0xC0})

			inst, err := decoder.DecodeNext(0x400000)
			Expect(err).ToNot(HaveOccurred())
			Expect(inst.Op).To(Equal(insts.OpXOR))

			mem.data[0] = 0x29 // sub eax, eax
			decoder.Invalidate(0x400001, 1)

			inst, err = decoder.DecodeNext(0x400000)
			Expect(err).ToNot(HaveOccurred())
			Expect(inst.Op).To(Equal(insts.OpSUB))
			Expect(decoder.Stats().Invalidations).To(Equal(uint64(1)))
		})
	})

	Context("with a mocked capability", func() {
		var (
			mockCtrl   *gomock.Controller
			capability *MockCapability
			mem        *flatMemory
			decoder    *insts.Decoder
		)

		canned := func(addr uint64) *insts.Instruction {
			return &insts.Instruction{Op: insts.OpNOP, Addr: addr, Len: 1}
		}

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
			capability = NewMockCapability(mockCtrl)
			mem = &flatMemory{base: 0x1000, data: make([]byte, 0x100)}
			decoder = insts.NewDecoder(mem.fetch, capability,
				insts.WithCacheCapacity(2))
		})

		AfterEach(func() {
			mockCtrl.Finish()
		})

		It("should pass up to 15 bytes at RIP to the capability", func() {
			capability.EXPECT().
				Decode(gomock.Len(insts.MaxInstLen), uint64(0x1000)).
				Return(canned(0x1000), nil)

			_, err := decoder.DecodeNext(0x1000)
			Expect(err).ToNot(HaveOccurred())
		})

		It("should pass only the mapped tail near the end of memory", func() {
			capability.EXPECT().
				Decode(gomock.Len(4), uint64(0x10FC)).
				Return(canned(0x10FC), nil)

			_, err := decoder.DecodeNext(0x10FC)
			Expect(err).ToNot(HaveOccurred())
		})

		It("should not call the capability on a cache hit", func() {
			capability.EXPECT().
				Decode(gomock.Any(), uint64(0x1000)).
				Return(canned(0x1000), nil).
				Times(1)

			_, err := decoder.DecodeNext(0x1000)
			Expect(err).ToNot(HaveOccurred())
			_, err = decoder.DecodeNext(0x1000)
			Expect(err).ToNot(HaveOccurred())

			Expect(decoder.Stats()).To(Equal(insts.DecoderStats{
				Hits:   1,
				Misses: 1,
			}))
		})

		It("should evict the least recently used address", func() {
			a, b, c := uint64(0x1000), uint64(0x1010), uint64(0x1020)
			capability.EXPECT().Decode(gomock.Any(), a).Return(canned(a), nil).Times(2)
			capability.EXPECT().Decode(gomock.Any(), b).Return(canned(b), nil)
			capability.EXPECT().Decode(gomock.Any(), c).Return(canned(c), nil)

			for _, rip := range []uint64{a, b, c, a} {
				_, err := decoder.DecodeNext(rip)
				Expect(err).ToNot(HaveOccurred())
			}

			Expect(decoder.Cache().Contains(a)).To(BeTrue())
			Expect(decoder.Cache().Contains(b)).To(BeFalse())
			Expect(decoder.Cache().Contains(c)).To(BeTrue())
			Expect(decoder.Stats().Evictions).To(Equal(uint64(2)))
		})

		It("should not cache decode errors", func() {
			capability.EXPECT().
				Decode(gomock.Any(), uint64(0x1000)).
				Return(nil, insts.ErrDecode).
				Times(2)

			_, err := decoder.DecodeNext(0x1000)
			Expect(err).To(MatchError(insts.ErrDecode))
			_, err = decoder.DecodeNext(0x1000)
			Expect(err).To(MatchError(insts.ErrDecode))
		})

		It("should turn a truncated decode of a short window into a fetch fault", func() {
			capability.EXPECT().
				Decode(gomock.Any(), uint64(0x10FE)).
				Return(nil, insts.ErrTruncated)

			_, err := decoder.DecodeNext(0x10FE)
			Expect(err).To(MatchError(insts.ErrFetch))
		})

		It("should forget everything on Reset", func() {
			capability.EXPECT().
				Decode(gomock.Any(), uint64(0x1000)).
				Return(canned(0x1000), nil).
				Times(2)

			_, err := decoder.DecodeNext(0x1000)
			Expect(err).ToNot(HaveOccurred())
			decoder.Reset()
			Expect(decoder.Stats()).To(BeZero())

			_, err = decoder.DecodeNext(0x1000)
			Expect(err).ToNot(HaveOccurred())
		})
	})
})
