package insts

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// MaxInstLen is the longest legal x86-64 instruction encoding in bytes.
const MaxInstLen = 15

// Capability turns raw instruction bytes at a base address into one
// instruction. Implementations must not retain code.
type Capability interface {
	Decode(code []byte, addr uint64) (*Instruction, error)
}

// X86Capability decodes 64-bit mode x86 machine code with x86asm.
type X86Capability struct{}

// NewX86Capability creates a 64-bit mode decode capability.
func NewX86Capability() *X86Capability {
	return &X86Capability{}
}

// Decode decodes the first instruction in code.
func (c *X86Capability) Decode(code []byte, addr uint64) (*Instruction, error) {
	raw, err := x86asm.Decode(code, 64)
	if err != nil {
		if errors.Is(err, x86asm.ErrTruncated) {
			return nil, fmt.Errorf("%w: %d bytes at 0x%x: %w",
				ErrTruncated, len(code), addr, err)
		}
		return nil, fmt.Errorf("%w at 0x%x: %w", ErrDecode, addr, err)
	}

	inst := &Instruction{
		Addr: addr,
		Len:  uint8(raw.Len),
		Mnemonic: x86asm.IntelSyntax(raw, addr, func(uint64) (string, uint64) {
			return "", 0
		}),
	}
	inst.Op, inst.Cond = translateOp(raw)

	for _, p := range raw.Prefix {
		if p == 0 {
			break
		}
		if p&0xFF == x86asm.PrefixREP {
			inst.Rep = true
		}
	}

	for _, a := range raw.Args {
		if a == nil {
			break
		}
		op, err := translateArg(a, raw)
		if err != nil {
			return nil, fmt.Errorf("%w at 0x%x (%s): %w",
				ErrDecode, addr, inst.Mnemonic, err)
		}
		inst.Operands = append(inst.Operands, op)
	}

	// INT3 carries no architectural operand.
	if inst.Op == OpINT3 {
		inst.Operands = nil
	}

	inst.Width = operationWidth(inst, raw)
	for k := range inst.Operands {
		if inst.Operands[k].Kind == OperandImm {
			inst.Operands[k].Size = inst.Width
		}
	}

	return inst, nil
}

var plainOps = map[x86asm.Op]Op{
	x86asm.NOP:     OpNOP,
	x86asm.HLT:     OpHLT,
	x86asm.SYSCALL: OpSYSCALL,
	x86asm.MOV:     OpMOV,
	x86asm.MOVZX:   OpMOVZX,
	x86asm.MOVSX:   OpMOVSX,
	x86asm.MOVSXD:  OpMOVSX,
	x86asm.LEA:     OpLEA,
	x86asm.XCHG:    OpXCHG,
	x86asm.CBW:     OpCBW,
	x86asm.CWDE:    OpCBW,
	x86asm.CDQE:    OpCBW,
	x86asm.CWD:     OpCWD,
	x86asm.CDQ:     OpCWD,
	x86asm.CQO:     OpCWD,
	x86asm.ADD:     OpADD,
	x86asm.ADC:     OpADC,
	x86asm.SUB:     OpSUB,
	x86asm.SBB:     OpSBB,
	x86asm.INC:     OpINC,
	x86asm.DEC:     OpDEC,
	x86asm.CMP:     OpCMP,
	x86asm.NEG:     OpNEG,
	x86asm.AND:     OpAND,
	x86asm.OR:      OpOR,
	x86asm.XOR:     OpXOR,
	x86asm.TEST:    OpTEST,
	x86asm.NOT:     OpNOT,
	x86asm.SHL:     OpSHL,
	x86asm.SHR:     OpSHR,
	x86asm.SAR:     OpSAR,
	x86asm.MUL:     OpMUL,
	x86asm.IMUL:    OpIMUL,
	x86asm.DIV:     OpDIV,
	x86asm.IDIV:    OpIDIV,
	x86asm.PUSH:    OpPUSH,
	x86asm.POP:     OpPOP,
	x86asm.LEAVE:   OpLEAVE,
	x86asm.JMP:     OpJMP,
	x86asm.CALL:    OpCALL,
	x86asm.RET:     OpRET,
	x86asm.CLD:     OpCLD,
	x86asm.STD:     OpSTD,
	x86asm.CLC:     OpCLC,
	x86asm.STC:     OpSTC,
	x86asm.CMC:     OpCMC,
	x86asm.MOVSB:   OpMOVS,
	x86asm.MOVSW:   OpMOVS,
	x86asm.MOVSD:   OpMOVS,
	x86asm.MOVSQ:   OpMOVS,
	x86asm.STOSB:   OpSTOS,
	x86asm.STOSW:   OpSTOS,
	x86asm.STOSD:   OpSTOS,
	x86asm.STOSQ:   OpSTOS,
}

type condOp struct {
	op   Op
	cond Cond
}

var condOps = map[x86asm.Op]condOp{
	x86asm.JO: {OpJcc, CondO}, x86asm.JNO: {OpJcc, CondNO},
	x86asm.JB: {OpJcc, CondB}, x86asm.JAE: {OpJcc, CondAE},
	x86asm.JE: {OpJcc, CondE}, x86asm.JNE: {OpJcc, CondNE},
	x86asm.JBE: {OpJcc, CondBE}, x86asm.JA: {OpJcc, CondA},
	x86asm.JS: {OpJcc, CondS}, x86asm.JNS: {OpJcc, CondNS},
	x86asm.JP: {OpJcc, CondP}, x86asm.JNP: {OpJcc, CondNP},
	x86asm.JL: {OpJcc, CondL}, x86asm.JGE: {OpJcc, CondGE},
	x86asm.JLE: {OpJcc, CondLE}, x86asm.JG: {OpJcc, CondG},
	x86asm.JRCXZ: {OpJcc, CondRCXZ}, x86asm.JECXZ: {OpJcc, CondECXZ},

	x86asm.SETO: {OpSETcc, CondO}, x86asm.SETNO: {OpSETcc, CondNO},
	x86asm.SETB: {OpSETcc, CondB}, x86asm.SETAE: {OpSETcc, CondAE},
	x86asm.SETE: {OpSETcc, CondE}, x86asm.SETNE: {OpSETcc, CondNE},
	x86asm.SETBE: {OpSETcc, CondBE}, x86asm.SETA: {OpSETcc, CondA},
	x86asm.SETS: {OpSETcc, CondS}, x86asm.SETNS: {OpSETcc, CondNS},
	x86asm.SETP: {OpSETcc, CondP}, x86asm.SETNP: {OpSETcc, CondNP},
	x86asm.SETL: {OpSETcc, CondL}, x86asm.SETGE: {OpSETcc, CondGE},
	x86asm.SETLE: {OpSETcc, CondLE}, x86asm.SETG: {OpSETcc, CondG},

	x86asm.CMOVO: {OpCMOVcc, CondO}, x86asm.CMOVNO: {OpCMOVcc, CondNO},
	x86asm.CMOVB: {OpCMOVcc, CondB}, x86asm.CMOVAE: {OpCMOVcc, CondAE},
	x86asm.CMOVE: {OpCMOVcc, CondE}, x86asm.CMOVNE: {OpCMOVcc, CondNE},
	x86asm.CMOVBE: {OpCMOVcc, CondBE}, x86asm.CMOVA: {OpCMOVcc, CondA},
	x86asm.CMOVS: {OpCMOVcc, CondS}, x86asm.CMOVNS: {OpCMOVcc, CondNS},
	x86asm.CMOVP: {OpCMOVcc, CondP}, x86asm.CMOVNP: {OpCMOVcc, CondNP},
	x86asm.CMOVL: {OpCMOVcc, CondL}, x86asm.CMOVGE: {OpCMOVcc, CondGE},
	x86asm.CMOVLE: {OpCMOVcc, CondLE}, x86asm.CMOVG: {OpCMOVcc, CondG},
}

func translateOp(raw x86asm.Inst) (Op, Cond) {
	if op, ok := plainOps[raw.Op]; ok {
		return op, 0
	}
	if co, ok := condOps[raw.Op]; ok {
		return co.op, co.cond
	}
	if raw.Op == x86asm.INT {
		if imm, ok := raw.Args[0].(x86asm.Imm); ok && imm == 3 {
			return OpINT3, 0
		}
	}
	return OpUnknown, 0
}

func translateArg(a x86asm.Arg, raw x86asm.Inst) (Operand, error) {
	switch a := a.(type) {
	case x86asm.Reg:
		r, ok := regMap[a]
		if !ok {
			return Operand{}, fmt.Errorf("unsupported register %v", a)
		}
		return RegOperand(r), nil
	case x86asm.Imm:
		return ImmOperand(int64(a), uint8(raw.DataSize)), nil
	case x86asm.Rel:
		return ImmOperand(int64(a), 64), nil
	case x86asm.Mem:
		m := MemRef{
			Scale:    a.Scale,
			Disp:     a.Disp,
			AddrSize: uint8(raw.AddrSize),
		}
		for _, p := range []struct {
			src x86asm.Reg
			dst *Reg
		}{{a.Base, &m.Base}, {a.Index, &m.Index}, {a.Segment, &m.Segment}} {
			if p.src == 0 {
				continue
			}
			r, ok := regMap[p.src]
			if !ok {
				return Operand{}, fmt.Errorf("unsupported address register %v", p.src)
			}
			*p.dst = r
		}
		if m.Index == RegNone && m.Scale == 0 {
			m.Scale = 1
		}
		if err := m.Validate(); err != nil {
			return Operand{}, err
		}
		return MemOperand(m, uint8(raw.MemBytes*8)), nil
	}
	return Operand{}, fmt.Errorf("unsupported operand %v", a)
}

// operationWidth picks the width the operation computes in: the size of the
// destination for most families, the stack width for PUSH/POP and the
// element size for string and sign-extension forms.
func operationWidth(inst *Instruction, raw x86asm.Inst) uint8 {
	switch raw.Op {
	case x86asm.MOVSB, x86asm.STOSB:
		return 8
	case x86asm.MOVSW, x86asm.STOSW, x86asm.CBW, x86asm.CWD:
		return 16
	case x86asm.MOVSD, x86asm.STOSD, x86asm.CWDE, x86asm.CDQ:
		return 32
	case x86asm.MOVSQ, x86asm.STOSQ, x86asm.CDQE, x86asm.CQO:
		return 64
	}

	switch inst.Op {
	case OpJMP, OpJcc, OpCALL, OpRET, OpLEAVE:
		return 64
	case OpPUSH, OpPOP:
		if raw.DataSize == 16 {
			return 16
		}
		if len(inst.Operands) > 0 && inst.Operands[0].Kind == OperandReg {
			return inst.Operands[0].Size
		}
		return 64
	case OpSETcc:
		return 8
	}

	if len(inst.Operands) > 0 && inst.Operands[0].Kind != OperandImm &&
		inst.Operands[0].Size != 0 {
		return inst.Operands[0].Size
	}
	if raw.DataSize != 0 {
		return uint8(raw.DataSize)
	}
	return 64
}

var regMap = map[x86asm.Reg]Reg{
	x86asm.RAX: RAX, x86asm.RBX: RBX, x86asm.RCX: RCX, x86asm.RDX: RDX,
	x86asm.RSI: RSI, x86asm.RDI: RDI, x86asm.RBP: RBP, x86asm.RSP: RSP,
	x86asm.R8: R8, x86asm.R9: R9, x86asm.R10: R10, x86asm.R11: R11,
	x86asm.R12: R12, x86asm.R13: R13, x86asm.R14: R14, x86asm.R15: R15,

	x86asm.EAX: EAX, x86asm.EBX: EBX, x86asm.ECX: ECX, x86asm.EDX: EDX,
	x86asm.ESI: ESI, x86asm.EDI: EDI, x86asm.EBP: EBP, x86asm.ESP: ESP,
	x86asm.R8L: R8D, x86asm.R9L: R9D, x86asm.R10L: R10D, x86asm.R11L: R11D,
	x86asm.R12L: R12D, x86asm.R13L: R13D, x86asm.R14L: R14D, x86asm.R15L: R15D,

	x86asm.AX: AX, x86asm.BX: BX, x86asm.CX: CX, x86asm.DX: DX,
	x86asm.SI: SI, x86asm.DI: DI, x86asm.BP: BP, x86asm.SP: SP,
	x86asm.R8W: R8W, x86asm.R9W: R9W, x86asm.R10W: R10W, x86asm.R11W: R11W,
	x86asm.R12W: R12W, x86asm.R13W: R13W, x86asm.R14W: R14W, x86asm.R15W: R15W,

	x86asm.AL: AL, x86asm.BL: BL, x86asm.CL: CL, x86asm.DL: DL,
	x86asm.SIB: SIL, x86asm.DIB: DIL, x86asm.BPB: BPL, x86asm.SPB: SPL,
	x86asm.R8B: R8B, x86asm.R9B: R9B, x86asm.R10B: R10B, x86asm.R11B: R11B,
	x86asm.R12B: R12B, x86asm.R13B: R13B, x86asm.R14B: R14B, x86asm.R15B: R15B,

	x86asm.AH: AH, x86asm.BH: BH, x86asm.CH: CH, x86asm.DH: DH,

	x86asm.CS: CS, x86asm.SS: SS, x86asm.DS: DS,
	x86asm.ES: ES, x86asm.FS: FS, x86asm.GS: GS,

	x86asm.RIP: RIP,
}
