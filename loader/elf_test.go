package loader_test

import (
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/afero"

	"github.com/sarchlab/x64emu/emu"
	"github.com/sarchlab/x64emu/insts"
	"github.com/sarchlab/x64emu/loader"
)

const (
	machineX86_64  = 62
	machineAArch64 = 183

	ptLoad = 1
	ptNote = 4

	pfX = 0x1
	pfW = 0x2
	pfR = 0x4
)

// progHeader is one program header of a test ELF. Its data is placed
// after all headers.
type progHeader struct {
	typ    uint32
	flags  uint32
	vaddr  uint64
	data   []byte
	memsz  uint64
	offset uint64
}

// buildELF assembles a minimal little-endian ELF64 executable.
func buildELF(machine uint16, entry uint64, phdrs ...progHeader) []byte {
	const ehsize, phentsize = 64, 56

	hdr := make([]byte, ehsize)
	copy(hdr[0:4], []byte{0x7f, 'E', 'L', 'F'})
	hdr[4] = 2 // 64-bit
	hdr[5] = 1 // little endian
	hdr[6] = 1 // version
	binary.LittleEndian.PutUint16(hdr[16:18], 2) // executable
	binary.LittleEndian.PutUint16(hdr[18:20], machine)
	binary.LittleEndian.PutUint32(hdr[20:24], 1)
	binary.LittleEndian.PutUint64(hdr[24:32], entry)
	binary.LittleEndian.PutUint64(hdr[32:40], ehsize)
	binary.LittleEndian.PutUint16(hdr[52:54], ehsize)
	binary.LittleEndian.PutUint16(hdr[54:56], phentsize)
	binary.LittleEndian.PutUint16(hdr[56:58], uint16(len(phdrs)))
	binary.LittleEndian.PutUint16(hdr[58:60], 64)

	out := hdr
	offset := uint64(ehsize + phentsize*len(phdrs))
	var payload []byte

	for _, p := range phdrs {
		ph := make([]byte, phentsize)
		memsz := p.memsz
		if memsz == 0 {
			memsz = uint64(len(p.data))
		}
		off := p.offset
		if off == 0 {
			off = offset + uint64(len(payload))
		}

		binary.LittleEndian.PutUint32(ph[0:4], p.typ)
		binary.LittleEndian.PutUint32(ph[4:8], p.flags)
		binary.LittleEndian.PutUint64(ph[8:16], off)
		binary.LittleEndian.PutUint64(ph[16:24], p.vaddr)
		binary.LittleEndian.PutUint64(ph[24:32], p.vaddr)
		binary.LittleEndian.PutUint64(ph[32:40], uint64(len(p.data)))
		binary.LittleEndian.PutUint64(ph[40:48], memsz)
		binary.LittleEndian.PutUint64(ph[48:56], 0x1000)

		out = append(out, ph...)
		payload = append(payload, p.data...)
	}

	return append(out, payload...)
}

// build32BitELF returns a bare ELF32 header.
func build32BitELF() []byte {
	hdr := make([]byte, 52)
	copy(hdr[0:4], []byte{0x7f, 'E', 'L', 'F'})
	hdr[4] = 1 // 32-bit
	hdr[5] = 1
	hdr[6] = 1
	binary.LittleEndian.PutUint16(hdr[16:18], 2)
	binary.LittleEndian.PutUint16(hdr[18:20], 3) // i386
	binary.LittleEndian.PutUint32(hdr[20:24], 1)
	binary.LittleEndian.PutUint16(hdr[40:42], 52)
	return hdr
}

var _ = Describe("ELF Loader", func() {
	var fs afero.Fs

	// mov eax, 60; mov edi, 42; syscall
	exitCode := []byte{
		0xB8, 0x3C, 0x00, 0x00, 0x00,
		0xBF, 0x2A, 0x00, 0x00, 0x00,
		0x0F, 0x05,
	}

	writeFile := func(name string, data []byte) string {
		path := "/bin/" + name
		Expect(afero.WriteFile(fs, path, data, 0o755)).To(Succeed())
		return path
	}

	BeforeEach(func() {
		fs = afero.NewMemMapFs()
		Expect(fs.MkdirAll("/bin", 0o755)).To(Succeed())
	})

	Context("with a valid x86-64 ELF binary", func() {
		var path string

		BeforeEach(func() {
			path = writeFile("exit.elf", buildELF(machineX86_64, 0x401000,
				progHeader{typ: ptLoad, flags: pfR | pfX, vaddr: 0x401000, data: exitCode}))
		})

		It("should extract the entry point", func() {
			prog, err := loader.LoadFrom(fs, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(prog.EntryPoint).To(Equal(uint64(0x401000)))
		})

		It("should load the segment contents and permissions", func() {
			prog, err := loader.LoadFrom(fs, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(prog.Segments).To(HaveLen(1))

			seg := prog.Segments[0]
			Expect(seg.VirtAddr).To(Equal(uint64(0x401000)))
			Expect(seg.Data).To(Equal(exitCode))
			Expect(seg.End()).To(Equal(uint64(0x401000 + len(exitCode))))
			Expect(seg.Flags & loader.SegmentFlagExecute).NotTo(BeZero())
			Expect(seg.Flags & loader.SegmentFlagWrite).To(BeZero())
		})

		It("should set up a default stack", func() {
			prog, err := loader.LoadFrom(fs, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(prog.InitialSP).To(Equal(uint64(loader.DefaultStackTop)))
			Expect(prog.StackSize).To(Equal(uint64(loader.DefaultStackSize)))
		})

		It("should run to its exit syscall", func() {
			prog, err := loader.LoadFrom(fs, path)
			Expect(err).NotTo(HaveOccurred())
			bus, err := prog.NewBus()
			Expect(err).NotTo(HaveOccurred())

			e := emu.NewEmulator(bus, prog.EntryPoint, emu.WithStackPointer(prog.InitialSP))
			halt, err := e.Run()
			Expect(err).NotTo(HaveOccurred())
			Expect(halt.Reason).To(Equal(emu.HaltExit))
			Expect(halt.ExitCode).To(Equal(int64(42)))
			Expect(e.CPU().Registers().Read(insts.RSP)).To(Equal(prog.InitialSP))
		})
	})

	It("should load multiple PT_LOAD segments", func() {
		data := []byte{0x01, 0x02, 0x03, 0x04}
		path := writeFile("multi.elf", buildELF(machineX86_64, 0x400000,
			progHeader{typ: ptLoad, flags: pfR | pfX, vaddr: 0x400000, data: exitCode},
			progHeader{typ: ptLoad, flags: pfR | pfW, vaddr: 0x600000, data: data}))

		prog, err := loader.LoadFrom(fs, path)
		Expect(err).NotTo(HaveOccurred())
		Expect(prog.Segments).To(HaveLen(2))
		Expect(prog.Segments[1].VirtAddr).To(Equal(uint64(0x600000)))
		Expect(prog.Segments[1].Data).To(Equal(data))
		Expect(prog.Segments[1].Flags & loader.SegmentFlagWrite).NotTo(BeZero())
	})

	It("should zero-fill BSS past the file data", func() {
		path := writeFile("bss.elf", buildELF(machineX86_64, 0x400000,
			progHeader{typ: ptLoad, flags: pfR | pfW, vaddr: 0x600000,
				data: []byte{1, 2, 3, 4}, memsz: 1024}))

		prog, err := loader.LoadFrom(fs, path)
		Expect(err).NotTo(HaveOccurred())
		Expect(prog.Segments[0].MemSize).To(Equal(uint64(1024)))

		bus, err := prog.NewBus()
		Expect(err).NotTo(HaveOccurred())
		v, err := bus.ReadU32(0x600000)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(uint32(0x04030201)))
		v, err = bus.ReadU32(0x6003FC)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(BeZero())
	})

	It("should handle segments with zero file size", func() {
		path := writeFile("zero.elf", buildELF(machineX86_64, 0x400000,
			progHeader{typ: ptLoad, flags: pfR | pfW, vaddr: 0x700000, memsz: 4096,
				offset: 120}))

		prog, err := loader.LoadFrom(fs, path)
		Expect(err).NotTo(HaveOccurred())
		Expect(prog.Segments[0].Data).To(BeEmpty())
		Expect(prog.Segments[0].MemSize).To(Equal(uint64(4096)))
	})

	It("should return no segments for an ELF without PT_LOAD", func() {
		path := writeFile("note.elf", buildELF(machineX86_64, 0x400000,
			progHeader{typ: ptNote, flags: pfR, offset: 120}))

		prog, err := loader.LoadFrom(fs, path)
		Expect(err).NotTo(HaveOccurred())
		Expect(prog.Segments).To(BeEmpty())
		Expect(prog.EntryPoint).To(Equal(uint64(0x400000)))
	})

	Context("with an invalid file", func() {
		It("should fail on a missing file", func() {
			_, err := loader.LoadFrom(fs, "/bin/missing.elf")
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("failed to open"))
		})

		It("should fail on a non-ELF file", func() {
			path := writeFile("text.bin", []byte("not an elf file"))

			_, err := loader.LoadFrom(fs, path)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("ELF"))
		})

		It("should fail on an empty file", func() {
			_, err := loader.LoadFrom(fs, writeFile("empty.elf", nil))
			Expect(err).To(HaveOccurred())
		})

		It("should reject other architectures", func() {
			path := writeFile("arm.elf", buildELF(machineAArch64, 0x400000))

			_, err := loader.LoadFrom(fs, path)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("not an x86-64"))
		})

		It("should reject 32-bit binaries", func() {
			path := writeFile("elf32.elf", build32BitELF())

			_, err := loader.LoadFrom(fs, path)
			Expect(err).To(HaveOccurred())
		})
	})
})
