// Package insts provides x86-64 instruction definitions and decoding.
//
// This package turns machine code into owned, structured instruction
// records that the emulator core dispatches on. It supports:
//   - A closed register enum with 64/32/16/8-bit aliases and segment selectors
//   - Operands as Register, Immediate or Memory{base, index, scale, disp, segment}
//   - An abstract decode Capability, with an x86asm-backed implementation
//   - A Decoder that fetches up to 15 bytes at RIP and caches results in an
//     LRU keyed by instruction address
//
// Usage:
//
//	decoder := insts.NewDecoder(bus.Fetch, insts.NewX86Capability())
//	inst, err := decoder.DecodeNext(0x401000)
//	fmt.Printf("Op: %v, Len: %d, %s\n", inst.Op, inst.Len, inst.Mnemonic)
package insts
