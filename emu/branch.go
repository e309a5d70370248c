package emu

import "github.com/sarchlab/x64emu/insts"

// BranchUnit evaluates x86 condition codes.
type BranchUnit struct {
	regFile *RegFile
	flags   *Flags
}

// NewBranchUnit creates a new BranchUnit connected to the given register
// file and flags.
func NewBranchUnit(regFile *RegFile, flags *Flags) *BranchUnit {
	return &BranchUnit{regFile: regFile, flags: flags}
}

// CheckCondition evaluates a condition against the current flags.
// CondRCXZ and CondECXZ test the count register instead.
func (b *BranchUnit) CheckCondition(cond insts.Cond) bool {
	f := b.flags

	switch cond {
	case insts.CondO:
		return f.OF()
	case insts.CondNO:
		return !f.OF()
	case insts.CondB:
		return f.CF()
	case insts.CondAE:
		return !f.CF()
	case insts.CondE:
		return f.ZF()
	case insts.CondNE:
		return !f.ZF()
	case insts.CondBE:
		return f.CF() || f.ZF()
	case insts.CondA:
		return !f.CF() && !f.ZF()
	case insts.CondS:
		return f.SF()
	case insts.CondNS:
		return !f.SF()
	case insts.CondP:
		return f.PF()
	case insts.CondNP:
		return !f.PF()
	case insts.CondL:
		return f.SF() != f.OF()
	case insts.CondGE:
		return f.SF() == f.OF()
	case insts.CondLE:
		return f.ZF() || f.SF() != f.OF()
	case insts.CondG:
		return !f.ZF() && f.SF() == f.OF()
	case insts.CondRCXZ:
		return b.regFile.Read(insts.RCX) == 0
	case insts.CondECXZ:
		return b.regFile.Read(insts.ECX) == 0
	default:
		return false
	}
}
