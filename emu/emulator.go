// Package emu provides functional x86-64 emulation.
package emu

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/sarchlab/x64emu/insts"
)

// DefaultSnapshotInterval is the number of ticks between periodic
// snapshots.
const DefaultSnapshotInterval = 100_000

// State is the externally visible state of the emulator.
type State uint8

// Emulator states.
const (
	StateReady State = iota
	StateHalted
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateHalted:
		return "Halted"
	case StateFaulted:
		return "Faulted"
	}
	return "Unknown"
}

// Emulator drives the fetch-decode-execute loop over a CPU and takes
// periodic snapshots.
type Emulator struct {
	cpu     *CPU
	decoder *insts.Decoder

	capability     insts.Capability
	cacheCapacity  int
	syscallHandler SyscallHandler

	// Snapshots
	store            *SnapshotStore
	snapshotInterval uint64
	snapshotKeep     int

	// I/O
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer

	// Execution state
	tick     uint64
	maxTicks uint64 // 0 means no limit
	state    State
	last     *insts.Instruction
	stop     atomic.Bool
}

// EmulatorOption is a functional option for configuring the Emulator.
type EmulatorOption func(*Emulator)

// WithSnapshotInterval sets the number of ticks between snapshots. A value
// of 0 disables periodic snapshots.
func WithSnapshotInterval(n uint64) EmulatorOption {
	return func(e *Emulator) {
		e.snapshotInterval = n
	}
}

// WithSnapshotStore sets where periodic snapshots are written. Without a
// store no periodic snapshots are taken.
func WithSnapshotStore(store *SnapshotStore) EmulatorOption {
	return func(e *Emulator) {
		e.store = store
	}
}

// WithSnapshotRetention keeps only the newest keep snapshots in the store.
// A value of 0 keeps all of them.
func WithSnapshotRetention(keep int) EmulatorOption {
	return func(e *Emulator) {
		e.snapshotKeep = keep
	}
}

// WithCapability sets the instruction decode capability.
func WithCapability(c insts.Capability) EmulatorOption {
	return func(e *Emulator) {
		e.capability = c
	}
}

// WithCacheCapacity sets the decode cache capacity.
func WithCacheCapacity(n int) EmulatorOption {
	return func(e *Emulator) {
		e.cacheCapacity = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EmulatorOption {
	return func(e *Emulator) {
		e.logger = l
	}
}

// WithMaxTicks stops Run with HaltTickLimit once n instructions have
// executed. A value of 0 means no limit.
func WithMaxTicks(n uint64) EmulatorOption {
	return func(e *Emulator) {
		e.maxTicks = n
	}
}

// WithStdout sets a custom stdout writer for the default syscall handler.
func WithStdout(w io.Writer) EmulatorOption {
	return func(e *Emulator) {
		e.stdout = w
	}
}

// WithStderr sets a custom stderr writer for the default syscall handler.
func WithStderr(w io.Writer) EmulatorOption {
	return func(e *Emulator) {
		e.stderr = w
	}
}

// WithStackPointer sets the initial RSP.
func WithStackPointer(sp uint64) EmulatorOption {
	return func(e *Emulator) {
		e.cpu.regFile.Write(insts.RSP, sp)
	}
}

// WithSyscallHandler sets a custom syscall handler.
func WithSyscallHandler(handler SyscallHandler) EmulatorOption {
	return func(e *Emulator) {
		e.syscallHandler = handler
	}
}

// NewEmulator creates an emulator over bus with RIP at entry.
func NewEmulator(bus *Bus, entry uint64, opts ...EmulatorOption) *Emulator {
	e := &Emulator{
		cpu:              NewCPU(bus, entry),
		capability:       insts.NewX86Capability(),
		cacheCapacity:    insts.DefaultCacheCapacity,
		snapshotInterval: DefaultSnapshotInterval,
		logger:           slog.Default(),
		stdout:           os.Stdout,
		stderr:           os.Stderr,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.attach(e.cpu)

	return e
}

// attach wires the decoder and syscall handler to cpu and its bus.
func (e *Emulator) attach(cpu *CPU) {
	e.cpu = cpu
	e.decoder = insts.NewDecoder(cpu.bus.Fetch, e.capability,
		insts.WithCacheCapacity(e.cacheCapacity))
	cpu.bus.OnWrite(e.decoder.Invalidate)

	if e.syscallHandler != nil {
		cpu.SetSyscallHandler(e.syscallHandler)
	} else {
		cpu.SetSyscallHandler(
			NewDefaultSyscallHandler(cpu.regFile, cpu.bus, e.stdout, e.stderr))
	}
}

// CPU returns the emulated CPU.
func (e *Emulator) CPU() *CPU {
	return e.cpu
}

// Decoder returns the instruction decoder.
func (e *Emulator) Decoder() *insts.Decoder {
	return e.decoder
}

// Tick returns the number of instructions executed.
func (e *Emulator) Tick() uint64 {
	return e.tick
}

// State returns the emulator state.
func (e *Emulator) State() State {
	return e.state
}

// LastInstruction returns the most recently decoded instruction, or nil.
func (e *Emulator) LastInstruction() *insts.Instruction {
	return e.last
}

func (e *Emulator) lastMnemonic() string {
	if e.last == nil {
		return ""
	}
	return e.last.String()
}

// Stop asks a running loop to halt before its next instruction. It is
// safe to call from another goroutine.
func (e *Emulator) Stop() {
	e.stop.Store(true)
}

// Step executes one instruction. It returns a Halt on controlled
// termination and a *Fault on failure; both are nil when execution can
// continue.
func (e *Emulator) Step() (*Halt, error) {
	rip := e.cpu.rip

	if e.stop.CompareAndSwap(true, false) {
		e.state = StateHalted
		return &Halt{Reason: HaltStopped, RIP: rip}, nil
	}
	if e.maxTicks > 0 && e.tick >= e.maxTicks {
		e.state = StateHalted
		return &Halt{Reason: HaltTickLimit, RIP: rip}, nil
	}

	inst, err := e.decoder.DecodeNext(rip)
	if err != nil {
		return nil, e.fault(err, rip)
	}
	e.last = inst

	halt, err := e.cpu.Handle(inst)
	if err != nil {
		return nil, e.fault(err, rip)
	}
	e.tick++

	if e.logger.Enabled(context.Background(), slog.LevelDebug) {
		e.logger.Debug("step",
			"tick", e.tick,
			"rip", fmt.Sprintf("0x%x", rip),
			"mnemonic", inst.String())
	}

	if e.store != nil && e.snapshotInterval > 0 && e.tick%e.snapshotInterval == 0 {
		if err := e.saveSnapshot(); err != nil {
			if halt == nil {
				return nil, e.fault(err, e.cpu.rip)
			}
			e.logger.Error("snapshot failed on halting instruction",
				"tick", e.tick, "reason", halt.Reason, "err", err)
		}
	}

	if halt != nil {
		e.state = StateHalted
		return halt, nil
	}
	e.state = StateReady
	return nil, nil
}

func (e *Emulator) fault(err error, rip uint64) *Fault {
	e.state = StateFaulted
	return NewFault(err, rip, e.lastMnemonic(), e.tick)
}

func (e *Emulator) saveSnapshot() error {
	path, err := e.store.Save(e.tick, e.Snapshot())
	if err != nil {
		return err
	}
	e.logger.Info("snapshot written", "path", path, "tick", e.tick)

	if e.snapshotKeep > 0 {
		if _, err := e.store.Prune(e.snapshotKeep); err != nil {
			e.logger.Warn("snapshot pruning failed", "dir", e.store.Dir(), "err", err)
		}
	}
	return nil
}

// Run executes instructions until a controlled halt or a fault.
func (e *Emulator) Run() (Halt, error) {
	for {
		halt, err := e.Step()
		if err != nil {
			return Halt{}, err
		}
		if halt != nil {
			return *halt, nil
		}
	}
}

// Snapshot captures the current state. The result shares no memory with
// the emulator.
func (e *Emulator) Snapshot() *Snapshot {
	regions := e.cpu.bus.Regions()
	for i, r := range regions {
		regions[i] = r.Clone()
	}

	return &Snapshot{
		Regions:   regions,
		Registers: e.cpu.regFile.R,
		RIP:       e.cpu.rip,
		RFlags:    uint64(e.cpu.flags),
	}
}

// Restore replaces the whole machine state with snap and sets the tick
// counter. The decode cache starts empty.
func (e *Emulator) Restore(snap *Snapshot, tick uint64) error {
	bus, err := snap.NewBus()
	if err != nil {
		return err
	}

	cpu := NewCPU(bus, snap.RIP)
	cpu.regFile.R = snap.Registers
	cpu.flags = Flags(snap.RFlags)
	e.attach(cpu)

	e.tick = tick
	e.last = nil
	e.state = StateReady
	return nil
}

// ResumeLatest restores the newest snapshot in the store and returns its
// tick.
func (e *Emulator) ResumeLatest() (uint64, error) {
	if e.store == nil {
		return 0, fmt.Errorf("%w: no snapshot store configured", ErrNoSnapshot)
	}

	snap, tick, err := e.store.Latest()
	if err != nil {
		return 0, err
	}
	if err := e.Restore(snap, tick); err != nil {
		return 0, err
	}

	e.logger.Info("resumed from snapshot",
		"tick", tick, "rip", fmt.Sprintf("0x%x", snap.RIP))
	return tick, nil
}
