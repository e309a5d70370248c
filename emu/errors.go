// Package emu provides functional x86-64 emulation.
package emu

import (
	"errors"
	"fmt"

	"github.com/sarchlab/x64emu/insts"
)

var (
	// ErrOutOfRange reports an access outside a region's bounds.
	ErrOutOfRange = errors.New("address out of range")

	// ErrUnmapped reports an access to an address no region covers.
	ErrUnmapped = fmt.Errorf("%w: unmapped access", ErrOutOfRange)

	// ErrOverlap reports a region that intersects an existing one.
	ErrOverlap = errors.New("overlapping region")

	// ErrUnimplemented reports a decoded instruction the core does not model.
	ErrUnimplemented = errors.New("unimplemented instruction")

	// ErrExecution reports a runtime semantic fault such as a divide error.
	ErrExecution = errors.New("execution fault")

	// ErrSnapshot reports an I/O or format error on a snapshot.
	ErrSnapshot = errors.New("snapshot error")

	// ErrNoSnapshot reports an empty snapshot store.
	ErrNoSnapshot = fmt.Errorf("%w: no snapshot found", ErrSnapshot)
)

// FaultKind classifies a fault.
type FaultKind uint8

// Fault kinds.
const (
	FaultUnknown FaultKind = iota
	FaultOutOfRange
	FaultOverlap
	FaultFetch
	FaultDecode
	FaultUnimplemented
	FaultExecution
	FaultSnapshot
)

func (k FaultKind) String() string {
	switch k {
	case FaultOutOfRange:
		return "OutOfRange"
	case FaultOverlap:
		return "OverlapError"
	case FaultFetch:
		return "FetchFault"
	case FaultDecode:
		return "DecodeError"
	case FaultUnimplemented:
		return "Unimplemented"
	case FaultExecution:
		return "ExecutionFault"
	case FaultSnapshot:
		return "SnapshotError"
	}
	return "Unknown"
}

// KindOf classifies err by the sentinel it wraps.
func KindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}

	// Fetch and snapshot errors wrap the bus error that caused them, so they
	// are checked before the bus sentinels.
	switch {
	case errors.Is(err, insts.ErrFetch):
		return FaultFetch
	case errors.Is(err, ErrSnapshot):
		return FaultSnapshot
	case errors.Is(err, insts.ErrDecode):
		return FaultDecode
	case errors.Is(err, ErrUnimplemented):
		return FaultUnimplemented
	case errors.Is(err, ErrOverlap):
		return FaultOverlap
	case errors.Is(err, ErrOutOfRange):
		return FaultOutOfRange
	case errors.Is(err, ErrExecution):
		return FaultExecution
	}
	return FaultUnknown
}

// Fault is a non-recoverable condition surfaced to the host.
type Fault struct {
	Kind     FaultKind
	RIP      uint64
	Mnemonic string // last instruction decoded, if any
	Tick     uint64
	Err      error
}

// NewFault wraps err with the emulator position it happened at.
func NewFault(err error, rip uint64, mnemonic string, tick uint64) *Fault {
	return &Fault{
		Kind:     KindOf(err),
		RIP:      rip,
		Mnemonic: mnemonic,
		Tick:     tick,
		Err:      err,
	}
}

func (f *Fault) Error() string {
	if f.Mnemonic == "" {
		return fmt.Sprintf("%s at rip=0x%x: %v", f.Kind, f.RIP, f.Err)
	}
	return fmt.Sprintf("%s at rip=0x%x (%s): %v", f.Kind, f.RIP, f.Mnemonic, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// HaltReason tells why execution stopped without a fault.
type HaltReason uint8

// Halt reasons.
const (
	HaltBreakpoint  HaltReason = iota + 1 // INT3
	HaltStopped                           // host stop request
	HaltTickLimit                         // host tick budget exhausted
	HaltExit                              // exit or exit_group syscall
	HaltInstruction                       // HLT
)

func (r HaltReason) String() string {
	switch r {
	case HaltBreakpoint:
		return "Breakpoint"
	case HaltStopped:
		return "Stopped"
	case HaltTickLimit:
		return "TickLimit"
	case HaltExit:
		return "Exit"
	case HaltInstruction:
		return "HaltInstruction"
	}
	return "Unknown"
}

// Halt describes a controlled termination.
type Halt struct {
	Reason   HaltReason
	RIP      uint64
	ExitCode int64
}

func (h Halt) String() string {
	if h.Reason == HaltExit {
		return fmt.Sprintf("%s(%d) at rip=0x%x", h.Reason, h.ExitCode, h.RIP)
	}
	return fmt.Sprintf("%s at rip=0x%x", h.Reason, h.RIP)
}
