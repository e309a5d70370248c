package loader

import (
	"fmt"

	"github.com/sarchlab/x64emu/emu"
)

// Stack defaults. The stack is one region below DefaultStackTop.
const (
	DefaultStackTop  = 0x7fff_ffff_0000 + DefaultStackSize
	DefaultStackSize = 64 * 1024
)

// Program is a set of segments plus the machine state needed to start it.
type Program struct {
	// EntryPoint is the virtual address where execution should begin.
	EntryPoint uint64
	// Segments contains all loadable segments.
	Segments []Segment
	// InitialSP is the initial stack pointer value. It is the top of the
	// stack region.
	InitialSP uint64
	// StackSize is the size of the stack region below InitialSP. Zero maps
	// no stack.
	StackSize uint64
}

// NewProgram returns an empty program starting at entry with the default
// stack.
func NewProgram(entry uint64) *Program {
	return &Program{
		EntryPoint: entry,
		InitialSP:  DefaultStackTop,
		StackSize:  DefaultStackSize,
	}
}

// NewBus maps every segment with a nonzero memory size, and the stack, onto
// a fresh bus. Bytes past a segment's file data are zero.
func (p *Program) NewBus() (*emu.Bus, error) {
	bus, err := emu.NewBus()
	if err != nil {
		return nil, err
	}

	for _, seg := range p.Segments {
		if seg.MemSize == 0 {
			continue
		}
		if uint64(len(seg.Data)) > seg.MemSize {
			return nil, fmt.Errorf("segment %s: %d bytes of data exceed memsz %d",
				seg.Label, len(seg.Data), seg.MemSize)
		}

		region, err := emu.NewMemoryRegion(seg.VirtAddr, seg.MemSize)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", seg.Label, err)
		}
		if err := region.WriteBytes(seg.VirtAddr, seg.Data); err != nil {
			return nil, fmt.Errorf("segment %s: %w", seg.Label, err)
		}

		if err := bus.AddRegion(region); err != nil {
			return nil, fmt.Errorf("segment %s: %w", seg.Label, err)
		}
	}

	if p.StackSize > 0 {
		if p.StackSize > p.InitialSP {
			return nil, fmt.Errorf("stack of %d bytes does not fit below 0x%x",
				p.StackSize, p.InitialSP)
		}
		stack, err := emu.NewMemoryRegion(p.InitialSP-p.StackSize, p.StackSize)
		if err != nil {
			return nil, fmt.Errorf("stack: %w", err)
		}
		if err := bus.AddRegion(stack); err != nil {
			return nil, fmt.Errorf("stack: %w", err)
		}
	}

	return bus, nil
}
