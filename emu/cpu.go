// Package emu provides functional x86-64 emulation.
package emu

import (
	"fmt"
	"os"

	"github.com/sarchlab/x64emu/insts"
)

// CPU owns the architectural state and executes decoded instructions.
//
// An instruction either completes, leaving RIP at its fall-through or
// branch target, or faults, leaving registers, flags and RIP as they were
// before it started.
type CPU struct {
	bus     *Bus
	regFile *RegFile
	flags   Flags
	rip     uint64

	// Execution units
	alu        *ALU
	lsu        *LoadStoreUnit
	branchUnit *BranchUnit

	syscallHandler SyscallHandler
}

// NewCPU creates a CPU over bus with RIP at entry and flags at their reset
// value.
func NewCPU(bus *Bus, entry uint64) *CPU {
	c := &CPU{
		bus:     bus,
		regFile: &RegFile{},
		flags:   FlagsReset,
		rip:     entry,
	}

	c.alu = NewALU(&c.flags)
	c.lsu = NewLoadStoreUnit(c.regFile, bus)
	c.branchUnit = NewBranchUnit(c.regFile, &c.flags)
	c.syscallHandler = NewDefaultSyscallHandler(c.regFile, bus, os.Stdout, os.Stderr)

	return c
}

// SetSyscallHandler replaces the syscall handler.
func (c *CPU) SetSyscallHandler(h SyscallHandler) {
	c.syscallHandler = h
}

// RIP returns the instruction pointer.
func (c *CPU) RIP() uint64 { return c.rip }

// SetRIP sets the instruction pointer.
func (c *CPU) SetRIP(rip uint64) { c.rip = rip }

// Registers returns the register file.
func (c *CPU) Registers() *RegFile { return c.regFile }

// Flags returns the RFLAGS register.
func (c *CPU) Flags() *Flags { return &c.flags }

// Bus returns the memory bus.
func (c *CPU) Bus() *Bus { return c.bus }

// Handle executes inst. A non-nil Halt reports a controlled stop; RIP then
// points past the halting instruction.
func (c *CPU) Handle(inst *insts.Instruction) (*Halt, error) {
	savedRegs := *c.regFile
	savedFlags := c.flags

	next := inst.NextRIP()
	target, halt, err := c.execute(inst, next)
	if err != nil {
		*c.regFile = savedRegs
		c.flags = savedFlags
		return nil, err
	}

	c.rip = target
	if halt != nil {
		halt.RIP = target
	}
	return halt, nil
}

func (c *CPU) unimplemented(inst *insts.Instruction) error {
	name := inst.Mnemonic
	if name == "" {
		name = inst.Op.String()
	}
	return fmt.Errorf("%w: %s", ErrUnimplemented, name)
}

func needOperands(inst *insts.Instruction, n int) error {
	if len(inst.Operands) < n {
		return fmt.Errorf("%w: %v needs %d operands, has %d",
			ErrExecution, inst.Op, n, len(inst.Operands))
	}
	return nil
}

// execute returns the next RIP.
func (c *CPU) execute(inst *insts.Instruction, next uint64) (uint64, *Halt, error) {
	switch inst.Op {
	case insts.OpNOP:
		return next, nil, nil
	case insts.OpINT3:
		return next, &Halt{Reason: HaltBreakpoint}, nil
	case insts.OpHLT:
		return next, &Halt{Reason: HaltInstruction}, nil
	case insts.OpSYSCALL:
		return next, c.executeSyscall(next), nil

	case insts.OpMOV, insts.OpMOVZX, insts.OpMOVSX, insts.OpLEA,
		insts.OpXCHG, insts.OpCMOVcc, insts.OpSETcc:
		return next, nil, c.executeMove(inst, next)
	case insts.OpCBW, insts.OpCWD:
		return next, nil, c.executeConvert(inst)

	case insts.OpADD, insts.OpADC, insts.OpSUB, insts.OpSBB, insts.OpCMP,
		insts.OpAND, insts.OpOR, insts.OpXOR, insts.OpTEST:
		return next, nil, c.executeBinary(inst, next)
	case insts.OpINC, insts.OpDEC, insts.OpNEG, insts.OpNOT:
		return next, nil, c.executeUnary(inst, next)
	case insts.OpSHL, insts.OpSHR, insts.OpSAR:
		return next, nil, c.executeShift(inst, next)
	case insts.OpMUL, insts.OpIMUL:
		return next, nil, c.executeMultiply(inst, next)
	case insts.OpDIV, insts.OpIDIV:
		return next, nil, c.executeDivide(inst, next)

	case insts.OpPUSH, insts.OpPOP, insts.OpLEAVE:
		return next, nil, c.executeStack(inst, next)
	case insts.OpJMP, insts.OpJcc, insts.OpCALL, insts.OpRET:
		target, err := c.executeBranch(inst, next)
		return target, nil, err

	case insts.OpCLD:
		c.flags.ClearBit(FlagDF)
	case insts.OpSTD:
		c.flags.SetBit(FlagDF)
	case insts.OpCLC:
		c.flags.ClearBit(FlagCF)
	case insts.OpSTC:
		c.flags.SetBit(FlagCF)
	case insts.OpCMC:
		c.flags.UpdateBit(FlagCF, !c.flags.CF())

	case insts.OpMOVS, insts.OpSTOS:
		return next, nil, c.executeString(inst)

	default:
		return 0, nil, c.unimplemented(inst)
	}

	return next, nil, nil
}

func (c *CPU) executeSyscall(next uint64) *Halt {
	c.regFile.Write(insts.RCX, next)
	c.regFile.Write(insts.R11, uint64(c.flags))

	result := c.syscallHandler.Handle()
	if result.Exited {
		return &Halt{Reason: HaltExit, ExitCode: result.ExitCode}
	}
	return nil
}

func operandWidth(op insts.Operand, fallback uint8) uint8 {
	if op.Size != 0 {
		return op.Size
	}
	return fallback
}

func (c *CPU) executeMove(inst *insts.Instruction, next uint64) error {
	width := inst.Width

	if inst.Op == insts.OpSETcc {
		if err := needOperands(inst, 1); err != nil {
			return err
		}
		var v uint64
		if c.branchUnit.CheckCondition(inst.Cond) {
			v = 1
		}
		return c.lsu.Write(inst.Operands[0], 8, next, v)
	}

	if err := needOperands(inst, 2); err != nil {
		return err
	}
	dst, src := inst.Operands[0], inst.Operands[1]

	switch inst.Op {
	case insts.OpLEA:
		if src.Kind != insts.OperandMem {
			return fmt.Errorf("%w: lea source is not memory", ErrExecution)
		}
		addr, err := c.lsu.EffectiveAddress(src.Mem, next)
		if err != nil {
			return err
		}
		return c.lsu.Write(dst, width, next, addr&widthMask(width))

	case insts.OpXCHG:
		a, err := c.lsu.Read(dst, width, next)
		if err != nil {
			return err
		}
		b, err := c.lsu.Read(src, width, next)
		if err != nil {
			return err
		}
		if err := c.lsu.Write(dst, width, next, b); err != nil {
			return err
		}
		return c.lsu.Write(src, width, next, a)
	}

	v, err := c.lsu.Read(src, width, next)
	if err != nil {
		return err
	}

	switch inst.Op {
	case insts.OpMOVSX:
		v = signExtend(v, operandWidth(src, width)) & widthMask(width)
	case insts.OpCMOVcc:
		if !c.branchUnit.CheckCondition(inst.Cond) {
			// A 32-bit destination is zero-extended even when nothing moves.
			if dst.Kind != insts.OperandReg || width != 32 {
				return nil
			}
			v = c.regFile.Read(dst.Reg)
		}
	}

	return c.lsu.Write(dst, width, next, v)
}

// accumulator returns the A and D registers of the given width.
func accumulator(width uint8) (a, d insts.Reg) {
	switch width {
	case 8:
		return insts.AL, insts.AH
	case 16:
		return insts.AX, insts.DX
	case 32:
		return insts.EAX, insts.EDX
	}
	return insts.RAX, insts.RDX
}

func (c *CPU) executeConvert(inst *insts.Instruction) error {
	width := inst.Width
	if width != 16 && width != 32 && width != 64 {
		return fmt.Errorf("%w: bad width %d for %v", ErrExecution, width, inst.Op)
	}

	a, d := accumulator(width)
	half, _ := accumulator(width / 2)

	if inst.Op == insts.OpCBW {
		v := c.regFile.Read(half)
		c.regFile.Write(a, signExtend(v, width/2)&widthMask(width))
		return nil
	}

	var v uint64
	if c.regFile.Read(a)&signBit(width) != 0 {
		v = widthMask(width)
	}
	c.regFile.Write(d, v)
	return nil
}

func (c *CPU) executeBinary(inst *insts.Instruction, next uint64) error {
	if err := needOperands(inst, 2); err != nil {
		return err
	}
	width := inst.Width
	dst, src := inst.Operands[0], inst.Operands[1]

	a, err := c.lsu.Read(dst, width, next)
	if err != nil {
		return err
	}
	b, err := c.lsu.Read(src, width, next)
	if err != nil {
		return err
	}

	var r uint64
	switch inst.Op {
	case insts.OpADD:
		r = c.alu.Add(a, b, width)
	case insts.OpADC:
		r = c.alu.Adc(a, b, width)
	case insts.OpSUB:
		r = c.alu.Sub(a, b, width)
	case insts.OpSBB:
		r = c.alu.Sbb(a, b, width)
	case insts.OpAND:
		r = c.alu.And(a, b, width)
	case insts.OpOR:
		r = c.alu.Or(a, b, width)
	case insts.OpXOR:
		r = c.alu.Xor(a, b, width)
	case insts.OpCMP:
		c.alu.Sub(a, b, width)
		return nil
	case insts.OpTEST:
		c.alu.And(a, b, width)
		return nil
	}

	return c.lsu.Write(dst, width, next, r)
}

func (c *CPU) executeUnary(inst *insts.Instruction, next uint64) error {
	if err := needOperands(inst, 1); err != nil {
		return err
	}
	width := inst.Width
	dst := inst.Operands[0]

	v, err := c.lsu.Read(dst, width, next)
	if err != nil {
		return err
	}

	switch inst.Op {
	case insts.OpINC:
		v = c.alu.Inc(v, width)
	case insts.OpDEC:
		v = c.alu.Dec(v, width)
	case insts.OpNEG:
		v = c.alu.Neg(v, width)
	case insts.OpNOT:
		v = c.alu.Not(v, width)
	}

	return c.lsu.Write(dst, width, next, v)
}

func (c *CPU) executeShift(inst *insts.Instruction, next uint64) error {
	if err := needOperands(inst, 1); err != nil {
		return err
	}
	width := inst.Width
	dst := inst.Operands[0]

	raw := uint64(1)
	if len(inst.Operands) > 1 {
		var err error
		raw, err = c.lsu.Read(inst.Operands[1], 8, next)
		if err != nil {
			return err
		}
	}
	count := ShiftCount(raw, width)

	v, err := c.lsu.Read(dst, width, next)
	if err != nil {
		return err
	}

	switch inst.Op {
	case insts.OpSHL:
		v = c.alu.Shl(v, count, width)
	case insts.OpSHR:
		v = c.alu.Shr(v, count, width)
	case insts.OpSAR:
		v = c.alu.Sar(v, count, width)
	}

	return c.lsu.Write(dst, width, next, v)
}

func (c *CPU) executeMultiply(inst *insts.Instruction, next uint64) error {
	if err := needOperands(inst, 1); err != nil {
		return err
	}
	width := inst.Width

	if inst.Op == insts.OpIMUL && len(inst.Operands) >= 2 {
		dst := inst.Operands[0]
		x, y := inst.Operands[0], inst.Operands[1]
		if len(inst.Operands) == 3 {
			x, y = inst.Operands[1], inst.Operands[2]
		}

		a, err := c.lsu.Read(x, width, next)
		if err != nil {
			return err
		}
		b, err := c.lsu.Read(y, width, next)
		if err != nil {
			return err
		}
		return c.lsu.Write(dst, width, next, c.alu.Imul(a, b, width))
	}

	src, err := c.lsu.Read(inst.Operands[0], width, next)
	if err != nil {
		return err
	}

	aReg, dReg := accumulator(width)
	a := c.regFile.Read(aReg)

	var lo, hi uint64
	if inst.Op == insts.OpMUL {
		lo, hi = c.alu.Mul(a, src, width)
	} else {
		lo, hi = c.alu.ImulWide(a, src, width)
	}

	if width == 8 {
		c.regFile.Write(insts.AX, hi<<8|lo)
		return nil
	}
	c.regFile.Write(aReg, lo)
	c.regFile.Write(dReg, hi)
	return nil
}

func (c *CPU) executeDivide(inst *insts.Instruction, next uint64) error {
	if err := needOperands(inst, 1); err != nil {
		return err
	}
	width := inst.Width

	d, err := c.lsu.Read(inst.Operands[0], width, next)
	if err != nil {
		return err
	}

	aReg, dReg := accumulator(width)
	lo, hi := c.regFile.Read(aReg), c.regFile.Read(dReg)

	var q, r uint64
	if inst.Op == insts.OpDIV {
		q, r, err = c.alu.DivU(hi, lo, d, width)
	} else {
		q, r, err = c.alu.DivS(hi, lo, d, width)
	}
	if err != nil {
		return err
	}

	c.regFile.Write(aReg, q)
	c.regFile.Write(dReg, r)
	return nil
}

func (c *CPU) executeStack(inst *insts.Instruction, next uint64) error {
	width := inst.Width

	switch inst.Op {
	case insts.OpPUSH:
		if err := needOperands(inst, 1); err != nil {
			return err
		}
		v, err := c.lsu.Read(inst.Operands[0], width, next)
		if err != nil {
			return err
		}
		return c.lsu.Push(v, width)

	case insts.OpPOP:
		if err := needOperands(inst, 1); err != nil {
			return err
		}
		v, err := c.lsu.Pop(width)
		if err != nil {
			return err
		}
		return c.lsu.Write(inst.Operands[0], width, next, v)

	case insts.OpLEAVE:
		c.regFile.Write(insts.RSP, c.regFile.Read(insts.RBP))
		v, err := c.lsu.Pop(64)
		if err != nil {
			return err
		}
		c.regFile.Write(insts.RBP, v)
	}

	return nil
}

// branchTarget resolves a JMP/Jcc/CALL operand. Immediates are relative to
// the next instruction.
func (c *CPU) branchTarget(op insts.Operand, next uint64) (uint64, error) {
	if op.Kind == insts.OperandImm {
		return next + uint64(op.Imm), nil
	}
	return c.lsu.Read(op, 64, next)
}

func (c *CPU) executeBranch(inst *insts.Instruction, next uint64) (uint64, error) {
	switch inst.Op {
	case insts.OpJMP:
		if err := needOperands(inst, 1); err != nil {
			return 0, err
		}
		return c.branchTarget(inst.Operands[0], next)

	case insts.OpJcc:
		if err := needOperands(inst, 1); err != nil {
			return 0, err
		}
		if !c.branchUnit.CheckCondition(inst.Cond) {
			return next, nil
		}
		return c.branchTarget(inst.Operands[0], next)

	case insts.OpCALL:
		if err := needOperands(inst, 1); err != nil {
			return 0, err
		}
		target, err := c.branchTarget(inst.Operands[0], next)
		if err != nil {
			return 0, err
		}
		if err := c.lsu.Push(next, 64); err != nil {
			return 0, err
		}
		return target, nil

	case insts.OpRET:
		target, err := c.lsu.Pop(64)
		if err != nil {
			return 0, err
		}
		if len(inst.Operands) > 0 && inst.Operands[0].Kind == insts.OperandImm {
			rsp := c.regFile.Read(insts.RSP)
			c.regFile.Write(insts.RSP, rsp+uint64(inst.Operands[0].Imm)&0xFFFF)
		}
		return target, nil
	}

	return 0, c.unimplemented(inst)
}

// executeString runs MOVS and STOS, repeating RCX times under REP. DF
// selects the direction.
func (c *CPU) executeString(inst *insts.Instruction) error {
	width := inst.Width
	step := uint64(width / 8)
	if c.flags.DF() {
		step = -step
	}

	once := func() error {
		rdi := c.regFile.Read(insts.RDI)

		if inst.Op == insts.OpSTOS {
			a, _ := accumulator(width)
			if err := c.bus.Write(rdi, width, c.regFile.Read(a)); err != nil {
				return err
			}
		} else {
			rsi := c.regFile.Read(insts.RSI)
			v, err := c.bus.Read(rsi, width)
			if err != nil {
				return err
			}
			if err := c.bus.Write(rdi, width, v); err != nil {
				return err
			}
			c.regFile.Write(insts.RSI, rsi+step)
		}

		c.regFile.Write(insts.RDI, rdi+step)
		return nil
	}

	if !inst.Rep {
		return once()
	}

	for c.regFile.Read(insts.RCX) != 0 {
		if err := once(); err != nil {
			return err
		}
		c.regFile.Write(insts.RCX, c.regFile.Read(insts.RCX)-1)
	}
	return nil
}
