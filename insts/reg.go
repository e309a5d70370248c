package insts

// Reg identifies an architectural register or one of its sub-register
// aliases.
type Reg uint8

// Register identifiers. Within each general-purpose group the order matches
// the canonical slot order RAX, RBX, RCX, RDX, RSI, RDI, RBP, RSP, R8..R15.
const (
	RegNone Reg = iota

	RAX
	RBX
	RCX
	RDX
	RSI
	RDI
	RBP
	RSP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	EAX
	EBX
	ECX
	EDX
	ESI
	EDI
	EBP
	ESP
	R8D
	R9D
	R10D
	R11D
	R12D
	R13D
	R14D
	R15D

	AX
	BX
	CX
	DX
	SI
	DI
	BP
	SP
	R8W
	R9W
	R10W
	R11W
	R12W
	R13W
	R14W
	R15W

	AL
	BL
	CL
	DL
	SIL
	DIL
	BPL
	SPL
	R8B
	R9B
	R10B
	R11B
	R12B
	R13B
	R14B
	R15B

	AH
	BH
	CH
	DH

	CS
	SS
	DS
	ES
	FS
	GS

	RIP

	numRegs
)

// Slot is the index of a canonical 64-bit backing register.
type Slot int

// Canonical slots, in snapshot order.
const (
	SlotRAX Slot = iota
	SlotRBX
	SlotRCX
	SlotRDX
	SlotRSI
	SlotRDI
	SlotRBP
	SlotRSP
	SlotR8
	SlotR9
	SlotR10
	SlotR11
	SlotR12
	SlotR13
	SlotR14
	SlotR15
	SlotCS
	SlotSS

	// NumSlots is the number of canonical backing registers.
	NumSlots

	// NoSlot marks registers without architectural backing in the core
	// (DS, ES, FS, GS, RIP and RegNone).
	NoSlot Slot = -1
)

var regNames = [numRegs]string{
	RegNone: "none",
	RAX:     "rax", RBX: "rbx", RCX: "rcx", RDX: "rdx",
	RSI: "rsi", RDI: "rdi", RBP: "rbp", RSP: "rsp",
	R8: "r8", R9: "r9", R10: "r10", R11: "r11",
	R12: "r12", R13: "r13", R14: "r14", R15: "r15",
	EAX: "eax", EBX: "ebx", ECX: "ecx", EDX: "edx",
	ESI: "esi", EDI: "edi", EBP: "ebp", ESP: "esp",
	R8D: "r8d", R9D: "r9d", R10D: "r10d", R11D: "r11d",
	R12D: "r12d", R13D: "r13d", R14D: "r14d", R15D: "r15d",
	AX: "ax", BX: "bx", CX: "cx", DX: "dx",
	SI: "si", DI: "di", BP: "bp", SP: "sp",
	R8W: "r8w", R9W: "r9w", R10W: "r10w", R11W: "r11w",
	R12W: "r12w", R13W: "r13w", R14W: "r14w", R15W: "r15w",
	AL: "al", BL: "bl", CL: "cl", DL: "dl",
	SIL: "sil", DIL: "dil", BPL: "bpl", SPL: "spl",
	R8B: "r8b", R9B: "r9b", R10B: "r10b", R11B: "r11b",
	R12B: "r12b", R13B: "r13b", R14B: "r14b", R15B: "r15b",
	AH: "ah", BH: "bh", CH: "ch", DH: "dh",
	CS: "cs", SS: "ss", DS: "ds", ES: "es", FS: "fs", GS: "gs",
	RIP: "rip",
}

// String returns the lower-case assembler name of the register.
func (r Reg) String() string {
	if r >= numRegs {
		return "invalid"
	}
	return regNames[r]
}

// Slot returns the canonical backing register, or NoSlot.
func (r Reg) Slot() Slot {
	switch {
	case r >= RAX && r <= R15:
		return Slot(r - RAX)
	case r >= EAX && r <= R15D:
		return Slot(r - EAX)
	case r >= AX && r <= R15W:
		return Slot(r - AX)
	case r >= AL && r <= R15B:
		return Slot(r - AL)
	case r >= AH && r <= DH:
		return Slot(r - AH)
	case r == CS:
		return SlotCS
	case r == SS:
		return SlotSS
	default:
		return NoSlot
	}
}

// Width returns the register width in bits.
func (r Reg) Width() uint8 {
	switch {
	case r >= RAX && r <= R15, r == RIP:
		return 64
	case r >= EAX && r <= R15D:
		return 32
	case r >= AX && r <= R15W, r >= CS && r <= GS:
		return 16
	case r >= AL && r <= DH:
		return 8
	default:
		return 0
	}
}

// IsHigh8 reports whether r is one of AH, BH, CH, DH.
func (r Reg) IsHigh8() bool {
	return r >= AH && r <= DH
}

// IsSegment reports whether r is a segment selector.
func (r Reg) IsSegment() bool {
	return r >= CS && r <= GS
}

// Full returns the 64-bit general-purpose register backing r, or RegNone
// for registers that are not general-purpose.
func (r Reg) Full() Reg {
	s := r.Slot()
	if s < SlotRAX || s > SlotR15 {
		return RegNone
	}
	return RAX + Reg(s)
}

// SlotReg returns the register that names slot s in full width.
func SlotReg(s Slot) Reg {
	switch {
	case s >= SlotRAX && s <= SlotR15:
		return RAX + Reg(s)
	case s == SlotCS:
		return CS
	case s == SlotSS:
		return SS
	default:
		return RegNone
	}
}
