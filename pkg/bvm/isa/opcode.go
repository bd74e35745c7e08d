// Package isa defines the guest instruction set executed by the BVM
// interpreter and an assembler for it.
//
// The machine is a stack machine over 64-bit operands. Immediates follow the
// opcode byte in little-endian order.
package isa

import "fmt"

// Opcode is a single instruction byte.
type Opcode byte

// Control and stack.
const (
	Nop         Opcode = 0x00
	Unreachable Opcode = 0x01
	Const32     Opcode = 0x02 // i32 imm, sign extended
	Const64     Opcode = 0x03 // u64 imm
	Drop        Opcode = 0x04
	Dup         Opcode = 0x05
	Swap        Opcode = 0x06
	LocalGet    Opcode = 0x08 // u8 index
	LocalSet    Opcode = 0x09 // u8 index
)

// Memory. The address is popped; the u32 immediate is added to it.
// Stores pop the value first, then the address.
const (
	Load8   Opcode = 0x10
	Load16  Opcode = 0x11
	Load32  Opcode = 0x12
	Load64  Opcode = 0x13
	Store8  Opcode = 0x14
	Store16 Opcode = 0x15
	Store32 Opcode = 0x16
	Store64 Opcode = 0x17
)

// Arithmetic. Binary ops pop b then a and push a op b.
const (
	Add     Opcode = 0x20
	Sub     Opcode = 0x21
	Mul     Opcode = 0x22
	DivU    Opcode = 0x23
	RemU    Opcode = 0x24
	And     Opcode = 0x25
	Or      Opcode = 0x26
	Xor     Opcode = 0x27
	Shl     Opcode = 0x28
	ShrU    Opcode = 0x29
	Bswap32 Opcode = 0x2A
	Bswap64 Opcode = 0x2B
)

// Comparison. Results are 0 or 1.
const (
	Eq  Opcode = 0x30
	Ne  Opcode = 0x31
	LtU Opcode = 0x32
	GtU Opcode = 0x33
	LeU Opcode = 0x34
	GeU Opcode = 0x35
	Eqz Opcode = 0x36
)

// Branches and calls.
const (
	Jmp      Opcode = 0x40 // i32 offset from the next instruction
	JmpIf    Opcode = 0x41
	JmpIfNot Opcode = 0x42
	Call     Opcode = 0x48 // u32 code address, u8 argument count
	Ret      Opcode = 0x49 // u8 result count
	Host     Opcode = 0x50 // u16 host call id
)

// NumLocals is the number of local slots in each local call frame.
const NumLocals = 16

type opInfo struct {
	name string
	imm  int
}

var table = map[Opcode]opInfo{
	Nop: {"nop", 0}, Unreachable: {"unreachable", 0},
	Const32: {"const32", 4}, Const64: {"const64", 8},
	Drop: {"drop", 0}, Dup: {"dup", 0}, Swap: {"swap", 0},
	LocalGet: {"local.get", 1}, LocalSet: {"local.set", 1},
	Load8: {"load8", 4}, Load16: {"load16", 4}, Load32: {"load32", 4}, Load64: {"load64", 4},
	Store8: {"store8", 4}, Store16: {"store16", 4}, Store32: {"store32", 4}, Store64: {"store64", 4},
	Add: {"add", 0}, Sub: {"sub", 0}, Mul: {"mul", 0}, DivU: {"div_u", 0}, RemU: {"rem_u", 0},
	And: {"and", 0}, Or: {"or", 0}, Xor: {"xor", 0}, Shl: {"shl", 0}, ShrU: {"shr_u", 0},
	Bswap32: {"bswap32", 0}, Bswap64: {"bswap64", 0},
	Eq: {"eq", 0}, Ne: {"ne", 0}, LtU: {"lt_u", 0}, GtU: {"gt_u", 0}, LeU: {"le_u", 0}, GeU: {"ge_u", 0}, Eqz: {"eqz", 0},
	Jmp: {"jmp", 4}, JmpIf: {"jmp_if", 4}, JmpIfNot: {"jmp_if_not", 4},
	Call: {"call", 5}, Ret: {"ret", 1}, Host: {"host", 2},
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := table[op]
	return ok
}

// ImmSize returns the number of immediate bytes following op.
func (op Opcode) ImmSize() int {
	return table[op].imm
}

// String returns the mnemonic.
func (op Opcode) String() string {
	if info, ok := table[op]; ok {
		return info.name
	}
	return fmt.Sprintf("op(0x%02x)", byte(op))
}
