package insts

import (
	"fmt"
	"strings"
)

// Op represents an x86-64 operation family.
type Op uint16

// x86-64 operations modeled by the core.
//
// For OpJMP, OpJcc and OpCALL an Immediate operand is a displacement relative
// to the address of the next instruction; Register and Memory operands hold
// absolute targets.
const (
	OpUnknown Op = iota
	OpNOP
	OpINT3
	OpHLT
	OpSYSCALL

	OpMOV
	OpMOVZX
	OpMOVSX
	OpLEA
	OpXCHG
	OpCMOVcc
	OpSETcc
	OpCBW // CBW, CWDE, CDQE by width
	OpCWD // CWD, CDQ, CQO by width

	OpADD
	OpADC
	OpSUB
	OpSBB
	OpINC
	OpDEC
	OpCMP
	OpNEG
	OpAND
	OpOR
	OpXOR
	OpTEST
	OpNOT
	OpSHL
	OpSHR
	OpSAR
	OpMUL
	OpIMUL
	OpDIV
	OpIDIV

	OpPUSH
	OpPOP
	OpLEAVE
	OpJMP
	OpJcc
	OpCALL
	OpRET

	OpCLD
	OpSTD
	OpCLC
	OpSTC
	OpCMC

	OpMOVS
	OpSTOS

	numOps
)

var opNames = [numOps]string{
	OpUnknown: "unknown",
	OpNOP:     "nop", OpINT3: "int3", OpHLT: "hlt", OpSYSCALL: "syscall",
	OpMOV: "mov", OpMOVZX: "movzx", OpMOVSX: "movsx", OpLEA: "lea",
	OpXCHG: "xchg", OpCMOVcc: "cmovcc", OpSETcc: "setcc",
	OpCBW: "cbw", OpCWD: "cwd",
	OpADD: "add", OpADC: "adc", OpSUB: "sub", OpSBB: "sbb",
	OpINC: "inc", OpDEC: "dec", OpCMP: "cmp", OpNEG: "neg",
	OpAND: "and", OpOR: "or", OpXOR: "xor", OpTEST: "test", OpNOT: "not",
	OpSHL: "shl", OpSHR: "shr", OpSAR: "sar",
	OpMUL: "mul", OpIMUL: "imul", OpDIV: "div", OpIDIV: "idiv",
	OpPUSH: "push", OpPOP: "pop", OpLEAVE: "leave",
	OpJMP: "jmp", OpJcc: "jcc", OpCALL: "call", OpRET: "ret",
	OpCLD: "cld", OpSTD: "std", OpCLC: "clc", OpSTC: "stc", OpCMC: "cmc",
	OpMOVS: "movs", OpSTOS: "stos",
}

func (o Op) String() string {
	if o >= numOps {
		return fmt.Sprintf("op(%d)", uint16(o))
	}
	return opNames[o]
}

// IsControlFlow reports whether the operation may redirect RIP.
func (o Op) IsControlFlow() bool {
	switch o {
	case OpJMP, OpJcc, OpCALL, OpRET:
		return true
	}
	return false
}

// Cond represents an x86 condition code. Values 0x0-0xF follow the tttn
// field of the Jcc/SETcc/CMOVcc encodings.
type Cond uint8

// x86 condition codes.
const (
	CondO    Cond = 0x0  // Overflow (OF == 1)
	CondNO   Cond = 0x1  // No overflow (OF == 0)
	CondB    Cond = 0x2  // Below / carry (CF == 1)
	CondAE   Cond = 0x3  // Above or equal / no carry (CF == 0)
	CondE    Cond = 0x4  // Equal / zero (ZF == 1)
	CondNE   Cond = 0x5  // Not equal (ZF == 0)
	CondBE   Cond = 0x6  // Below or equal (CF == 1 || ZF == 1)
	CondA    Cond = 0x7  // Above (CF == 0 && ZF == 0)
	CondS    Cond = 0x8  // Sign (SF == 1)
	CondNS   Cond = 0x9  // No sign (SF == 0)
	CondP    Cond = 0xA  // Parity even (PF == 1)
	CondNP   Cond = 0xB  // Parity odd (PF == 0)
	CondL    Cond = 0xC  // Less (SF != OF)
	CondGE   Cond = 0xD  // Greater or equal (SF == OF)
	CondLE   Cond = 0xE  // Less or equal (ZF == 1 || SF != OF)
	CondG    Cond = 0xF  // Greater (ZF == 0 && SF == OF)
	CondRCXZ Cond = 0x10 // RCX == 0
	CondECXZ Cond = 0x11 // ECX == 0
)

var condNames = map[Cond]string{
	CondO: "o", CondNO: "no", CondB: "b", CondAE: "ae",
	CondE: "e", CondNE: "ne", CondBE: "be", CondA: "a",
	CondS: "s", CondNS: "ns", CondP: "p", CondNP: "np",
	CondL: "l", CondGE: "ge", CondLE: "le", CondG: "g",
	CondRCXZ: "rcxz", CondECXZ: "ecxz",
}

func (c Cond) String() string {
	if n, ok := condNames[c]; ok {
		return n
	}
	return fmt.Sprintf("cond(%d)", uint8(c))
}

// OperandKind distinguishes operand variants.
type OperandKind uint8

// Operand kinds.
const (
	OperandNone OperandKind = iota
	OperandReg
	OperandImm
	OperandMem
)

// MemRef describes a memory operand. RegNone stands for an absent base,
// index or segment. A base of RIP addresses relative to the next
// instruction.
type MemRef struct {
	Base     Reg
	Index    Reg
	Scale    uint8 // 1, 2, 4 or 8
	Disp     int64
	Segment  Reg   // recorded but ignored: addressing is flat
	AddrSize uint8 // 64 or 32 (0x67 prefix)
}

// Validate checks the scale factor.
func (m MemRef) Validate() error {
	switch m.Scale {
	case 1, 2, 4, 8:
		return nil
	}
	return fmt.Errorf("%w: scale %d", ErrBadScale, m.Scale)
}

func (m MemRef) String() string {
	var b strings.Builder
	if m.Segment != RegNone {
		b.WriteString(m.Segment.String())
		b.WriteByte(':')
	}
	b.WriteByte('[')
	sep := ""
	if m.Base != RegNone {
		b.WriteString(m.Base.String())
		sep = "+"
	}
	if m.Index != RegNone {
		fmt.Fprintf(&b, "%s%s*%d", sep, m.Index, m.Scale)
		sep = "+"
	}
	switch {
	case m.Disp < 0:
		fmt.Fprintf(&b, "-0x%x", uint64(-m.Disp))
	case m.Disp > 0 || sep == "":
		fmt.Fprintf(&b, "%s0x%x", sep, m.Disp)
	}
	b.WriteByte(']')
	return b.String()
}

// Operand is one instruction operand. Size is the operand width in bits.
type Operand struct {
	Kind OperandKind
	Size uint8
	Reg  Reg
	Imm  int64
	Mem  MemRef
}

// RegOperand returns a register operand sized to the register.
func RegOperand(r Reg) Operand {
	return Operand{Kind: OperandReg, Reg: r, Size: r.Width()}
}

// ImmOperand returns an immediate operand of the given width.
func ImmOperand(v int64, size uint8) Operand {
	return Operand{Kind: OperandImm, Imm: v, Size: size}
}

// MemOperand returns a memory operand of the given access width.
func MemOperand(m MemRef, size uint8) Operand {
	if m.Scale == 0 {
		m.Scale = 1
	}
	if m.AddrSize == 0 {
		m.AddrSize = 64
	}
	return Operand{Kind: OperandMem, Mem: m, Size: size}
}

func (o Operand) String() string {
	switch o.Kind {
	case OperandReg:
		return o.Reg.String()
	case OperandImm:
		if o.Imm < 0 {
			return fmt.Sprintf("-0x%x", uint64(-o.Imm))
		}
		return fmt.Sprintf("0x%x", o.Imm)
	case OperandMem:
		return o.Mem.String()
	}
	return ""
}

// Instruction represents a decoded x86-64 instruction.
type Instruction struct {
	Op       Op     // Operation family
	Mnemonic string // Assembler text, for diagnostics only
	Addr     uint64 // Address the instruction was decoded from
	Len      uint8  // Encoded length in bytes
	Width    uint8  // Operation width in bits
	Cond     Cond   // Condition for Jcc, SETcc and CMOVcc
	Rep      bool   // REP prefix on string operations

	Operands []Operand
}

// NextRIP returns the address of the following instruction.
func (i *Instruction) NextRIP() uint64 {
	return i.Addr + uint64(i.Len)
}

// Clone returns a deep copy that shares no memory with i.
func (i *Instruction) Clone() *Instruction {
	c := *i
	if i.Operands != nil {
		c.Operands = make([]Operand, len(i.Operands))
		copy(c.Operands, i.Operands)
	}
	return &c
}

// Overlaps reports whether the encoded bytes of i intersect
// [addr, addr+n).
func (i *Instruction) Overlaps(addr, n uint64) bool {
	if n == 0 {
		return false
	}
	end := i.Addr + uint64(i.Len)
	return addr < end && i.Addr < addr+n
}

func (i *Instruction) String() string {
	if i.Mnemonic != "" {
		return i.Mnemonic
	}
	parts := make([]string, len(i.Operands))
	for k, o := range i.Operands {
		parts[k] = o.String()
	}
	name := i.Op.String()
	switch i.Op {
	case OpJcc:
		name = "j" + i.Cond.String()
	case OpSETcc:
		name = "set" + i.Cond.String()
	case OpCMOVcc:
		name = "cmov" + i.Cond.String()
	}
	if len(parts) == 0 {
		return name
	}
	return name + " " + strings.Join(parts, ", ")
}
