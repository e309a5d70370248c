package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/sarchlab/x64emu/emu"
	"github.com/sarchlab/x64emu/insts"
)

var flagNames = []struct {
	bit  uint
	name string
}{
	{emu.FlagCF, "CF"},
	{emu.FlagPF, "PF"},
	{emu.FlagAF, "AF"},
	{emu.FlagZF, "ZF"},
	{emu.FlagSF, "SF"},
	{emu.FlagDF, "DF"},
	{emu.FlagOF, "OF"},
}

// flagString lists the set status flags, or "-" when none are.
func flagString(f emu.Flags) string {
	var set []string
	for _, fl := range flagNames {
		if f.GetBit(fl.bit) {
			set = append(set, fl.name)
		}
	}
	if len(set) == 0 {
		return "-"
	}
	return strings.Join(set, " ")
}

// registerTable renders the architectural state as a table, two
// registers per row.
func registerTable(cpu *emu.CPU) string {
	t := table.NewWriter()
	t.SetTitle("Registers")
	t.AppendHeader(table.Row{"Reg", "Value", "Reg", "Value"})

	regs := cpu.Registers()
	for s := insts.SlotRAX; s <= insts.SlotR15; s += 2 {
		a, b := insts.SlotReg(s), insts.SlotReg(s+1)
		t.AppendRow(table.Row{
			a, fmt.Sprintf("0x%016x", regs.ReadSlot(s)),
			b, fmt.Sprintf("0x%016x", regs.ReadSlot(s+1)),
		})
	}

	t.AppendSeparator()
	t.AppendRow(table.Row{
		"rip", fmt.Sprintf("0x%016x", cpu.RIP()),
		"rflags", fmt.Sprintf("0x%016x", uint64(*cpu.Flags())),
	})
	t.AppendRow(table.Row{
		"cs", fmt.Sprintf("0x%04x", regs.ReadSlot(insts.SlotCS)),
		"ss", fmt.Sprintf("0x%04x", regs.ReadSlot(insts.SlotSS)),
	})
	t.AppendFooter(table.Row{"flags", flagString(*cpu.Flags()), "", ""})

	return t.Render()
}

// reportFault prints the fault kind, position and machine state.
func reportFault(w io.Writer, err error, cpu *emu.CPU) {
	fmt.Fprintf(w, "fault: %s\n", emu.KindOf(err))
	var f *emu.Fault
	if errors.As(err, &f) {
		fmt.Fprintf(w, "  rip:         0x%x\n", f.RIP)
		if f.Mnemonic != "" {
			fmt.Fprintf(w, "  instruction: %s\n", f.Mnemonic)
		}
		fmt.Fprintf(w, "  tick:        %d\n", f.Tick)
	}
	fmt.Fprintf(w, "  error:       %v\n\n", err)
	fmt.Fprintln(w, registerTable(cpu))
}
