package emu_test

import (
	"bytes"
	"errors"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x64emu/emu"
	"github.com/sarchlab/x64emu/insts"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func errno(e int) uint64 {
	return uint64(-int64(e))
}

var _ = Describe("DefaultSyscallHandler", func() {
	var (
		regFile *emu.RegFile
		bus     *emu.Bus
		stdout  *bytes.Buffer
		stderr  *bytes.Buffer
		handler *emu.DefaultSyscallHandler
	)

	BeforeEach(func() {
		regFile = &emu.RegFile{}
		bus = mustBus(mustRegion(0x1000, 0x1000))
		stdout = &bytes.Buffer{}
		stderr = &bytes.Buffer{}
		handler = emu.NewDefaultSyscallHandler(regFile, bus, stdout, stderr)
	})

	setArgs := func(nr, fd, buf, count uint64) {
		regFile.Write(insts.RAX, nr)
		regFile.Write(insts.RDI, fd)
		regFile.Write(insts.RSI, buf)
		regFile.Write(insts.RDX, count)
	}

	Describe("exit", func() {
		It("should report the exit status", func() {
			regFile.Write(insts.RAX, emu.SyscallExit)
			regFile.Write(insts.RDI, 42)

			result := handler.Handle()
			Expect(result.Exited).To(BeTrue())
			Expect(result.ExitCode).To(Equal(int64(42)))
		})

		It("should treat exit_group the same way", func() {
			regFile.Write(insts.RAX, emu.SyscallExitGroup)
			regFile.Write(insts.RDI, 3)

			result := handler.Handle()
			Expect(result.Exited).To(BeTrue())
			Expect(result.ExitCode).To(Equal(int64(3)))
		})

		It("should read the status as a signed 32-bit value", func() {
			regFile.Write(insts.RAX, emu.SyscallExit)
			regFile.Write(insts.RDI, 0x12345678FFFFFFFF)

			result := handler.Handle()
			Expect(result.ExitCode).To(Equal(int64(-1)))
		})
	})

	Describe("write", func() {
		BeforeEach(func() {
			Expect(bus.WriteBytes(0x1100, []byte("Hello, World!"))).To(Succeed())
		})

		It("should write guest memory to stdout", func() {
			setArgs(emu.SyscallWrite, 1, 0x1100, 13)

			result := handler.Handle()
			Expect(result.Exited).To(BeFalse())
			Expect(stdout.String()).To(Equal("Hello, World!"))
			Expect(regFile.Read(insts.RAX)).To(Equal(uint64(13)))
		})

		It("should write to stderr", func() {
			setArgs(emu.SyscallWrite, 2, 0x1100, 5)

			handler.Handle()
			Expect(stderr.String()).To(Equal("Hello"))
			Expect(stdout.Len()).To(BeZero())
		})

		It("should reject unknown descriptors", func() {
			setArgs(emu.SyscallWrite, 7, 0x1100, 5)

			handler.Handle()
			Expect(regFile.Read(insts.RAX)).To(Equal(errno(emu.EBADF)))
		})

		It("should report a buffer outside guest memory", func() {
			setArgs(emu.SyscallWrite, 1, 0x1FF0, 0x20)

			handler.Handle()
			Expect(regFile.Read(insts.RAX)).To(Equal(errno(emu.EFAULT)))
			Expect(stdout.Len()).To(BeZero())
		})

		It("should report host write failures", func() {
			handler = emu.NewDefaultSyscallHandler(regFile, bus, failingWriter{}, stderr)
			setArgs(emu.SyscallWrite, 1, 0x1100, 5)

			handler.Handle()
			Expect(regFile.Read(insts.RAX)).To(Equal(errno(emu.EIO)))
		})
	})

	Describe("read", func() {
		It("should copy stdin into guest memory", func() {
			handler.SetStdin(strings.NewReader("abc"))
			setArgs(emu.SyscallRead, 0, 0x1200, 16)

			handler.Handle()
			Expect(regFile.Read(insts.RAX)).To(Equal(uint64(3)))

			out := make([]byte, 3)
			Expect(bus.ReadExact(0x1200, out)).To(Succeed())
			Expect(string(out)).To(Equal("abc"))
		})

		It("should return end of file without stdin", func() {
			setArgs(emu.SyscallRead, 0, 0x1200, 16)

			handler.Handle()
			Expect(regFile.Read(insts.RAX)).To(BeZero())
		})

		It("should reject descriptors other than stdin", func() {
			handler.SetStdin(strings.NewReader("abc"))
			setArgs(emu.SyscallRead, 1, 0x1200, 16)

			handler.Handle()
			Expect(regFile.Read(insts.RAX)).To(Equal(errno(emu.EBADF)))
		})

		It("should report a buffer outside guest memory", func() {
			handler.SetStdin(strings.NewReader("abc"))
			setArgs(emu.SyscallRead, 0, 0x5000, 16)

			handler.Handle()
			Expect(regFile.Read(insts.RAX)).To(Equal(errno(emu.EFAULT)))
		})
	})

	It("should return ENOSYS for unknown syscalls", func() {
		regFile.Write(insts.RAX, 999)

		result := handler.Handle()
		Expect(result.Exited).To(BeFalse())
		Expect(regFile.Read(insts.RAX)).To(Equal(errno(emu.ENOSYS)))
	})
})
