// Package loader provides program image loading for x86-64 executables.
package loader

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// SegmentFlags represents memory protection flags for a segment.
type SegmentFlags uint32

const (
	// SegmentFlagExecute indicates the segment is executable.
	SegmentFlagExecute SegmentFlags = 1 << iota
	// SegmentFlagWrite indicates the segment is writable.
	SegmentFlagWrite
	// SegmentFlagRead indicates the segment is readable.
	SegmentFlagRead
)

// Segment represents a loadable piece of a program image.
type Segment struct {
	// VirtAddr is the virtual address where this segment should be loaded.
	VirtAddr uint64
	// Data contains the segment contents from the file.
	Data []byte
	// MemSize is the size in memory (may be larger than len(Data) for BSS).
	MemSize uint64
	// Flags contains the segment protection flags.
	Flags SegmentFlags
	// Label names where the segment came from, if known.
	Label string
}

// End returns the address one past the segment in memory.
func (s Segment) End() uint64 {
	return s.VirtAddr + s.MemSize
}

// Load parses an x86-64 ELF binary on the host filesystem.
func Load(path string) (*Program, error) {
	return LoadFrom(afero.NewOsFs(), path)
}

// LoadFrom parses an x86-64 ELF binary on fs and returns a Program ready to
// be mapped onto a bus.
func LoadFrom(fs afero.Fs, path string) (*Program, error) {
	file, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file: %w", err)
	}
	defer func() { _ = file.Close() }()

	f, err := elf.NewFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ELF file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("not a 64-bit ELF file")
	}
	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("not an x86-64 ELF file (machine type: %v)", f.Machine)
	}

	prog := NewProgram(f.Entry)

	for _, phdr := range f.Progs {
		if phdr.Type != elf.PT_LOAD {
			continue
		}

		data := make([]byte, phdr.Filesz)
		if phdr.Filesz > 0 {
			n, err := phdr.ReadAt(data, 0)
			if err != nil && err != io.EOF {
				return nil, fmt.Errorf("failed to read segment at 0x%x: %w", phdr.Vaddr, err)
			}
			if uint64(n) != phdr.Filesz {
				return nil, fmt.Errorf("short read for segment at 0x%x: got %d bytes, expected %d",
					phdr.Vaddr, n, phdr.Filesz)
			}
		}
		if phdr.Memsz < phdr.Filesz {
			return nil, fmt.Errorf("segment at 0x%x: memsz %d smaller than filesz %d",
				phdr.Vaddr, phdr.Memsz, phdr.Filesz)
		}

		var flags SegmentFlags
		if phdr.Flags&elf.PF_X != 0 {
			flags |= SegmentFlagExecute
		}
		if phdr.Flags&elf.PF_W != 0 {
			flags |= SegmentFlagWrite
		}
		if phdr.Flags&elf.PF_R != 0 {
			flags |= SegmentFlagRead
		}

		prog.Segments = append(prog.Segments, Segment{
			VirtAddr: phdr.Vaddr,
			Data:     data,
			MemSize:  phdr.Memsz,
			Flags:    flags,
			Label:    fmt.Sprintf("PT_LOAD@0x%x", phdr.Vaddr),
		})
	}

	return prog, nil
}
