package emu

import (
	"fmt"

	"github.com/sarchlab/x64emu/insts"
)

// LoadStoreUnit resolves instruction operands against the register file
// and the bus, and implements the stack accesses.
type LoadStoreUnit struct {
	regFile *RegFile
	bus     *Bus
}

// NewLoadStoreUnit creates a new LoadStoreUnit connected to the given
// register file and bus.
func NewLoadStoreUnit(regFile *RegFile, bus *Bus) *LoadStoreUnit {
	return &LoadStoreUnit{
		regFile: regFile,
		bus:     bus,
	}
}

// EffectiveAddress computes base + index*scale + disp. A RIP base resolves
// to nextRIP. Segment overrides are ignored.
func (lsu *LoadStoreUnit) EffectiveAddress(m insts.MemRef, nextRIP uint64) (uint64, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}

	var addr uint64
	switch m.Base {
	case insts.RegNone:
	case insts.RIP:
		addr = nextRIP
	default:
		addr = lsu.regFile.Read(m.Base)
	}
	if m.Index != insts.RegNone {
		addr += lsu.regFile.Read(m.Index) * uint64(m.Scale)
	}
	addr += uint64(m.Disp)

	if m.AddrSize == 32 {
		addr &= 0xFFFFFFFF
	}
	return addr, nil
}

func memSize(op insts.Operand, width uint8) uint8 {
	if op.Size != 0 {
		return op.Size
	}
	return width
}

// Read returns the value of op. Immediates are sign-extended and then
// truncated to width.
func (lsu *LoadStoreUnit) Read(op insts.Operand, width uint8, nextRIP uint64) (uint64, error) {
	switch op.Kind {
	case insts.OperandReg:
		return lsu.regFile.Read(op.Reg), nil
	case insts.OperandImm:
		return uint64(op.Imm) & widthMask(width), nil
	case insts.OperandMem:
		addr, err := lsu.EffectiveAddress(op.Mem, nextRIP)
		if err != nil {
			return 0, err
		}
		return lsu.bus.Read(addr, memSize(op, width))
	}
	return 0, fmt.Errorf("%w: missing operand", ErrExecution)
}

// Write stores v into op.
func (lsu *LoadStoreUnit) Write(op insts.Operand, width uint8, nextRIP uint64, v uint64) error {
	switch op.Kind {
	case insts.OperandReg:
		lsu.regFile.Write(op.Reg, v)
		return nil
	case insts.OperandMem:
		addr, err := lsu.EffectiveAddress(op.Mem, nextRIP)
		if err != nil {
			return err
		}
		return lsu.bus.Write(addr, memSize(op, width), v)
	}
	return fmt.Errorf("%w: operand %v is not writable", ErrExecution, op)
}

// Push decrements RSP by width/8 and stores v there. RSP is left unchanged
// if the store faults.
func (lsu *LoadStoreUnit) Push(v uint64, width uint8) error {
	rsp := lsu.regFile.Read(insts.RSP) - uint64(width/8)
	if err := lsu.bus.Write(rsp, width, v); err != nil {
		return err
	}
	lsu.regFile.Write(insts.RSP, rsp)
	return nil
}

// Pop loads width bits at RSP and increments RSP past them.
func (lsu *LoadStoreUnit) Pop(width uint8) (uint64, error) {
	rsp := lsu.regFile.Read(insts.RSP)
	v, err := lsu.bus.Read(rsp, width)
	if err != nil {
		return 0, err
	}
	lsu.regFile.Write(insts.RSP, rsp+uint64(width/8))
	return v, nil
}
