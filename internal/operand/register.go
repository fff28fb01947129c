// Package operand implements the value-typed operand/storage model:
// registers, immediates, memory locations with symbolic stack areas, and
// EFLAGS conditions. Every type here is a plain value type; none of it may
// be shared as mutable state across goroutines.
package operand

import "fmt"

// Reg is a general-purpose or XMM register identity. GPRs occupy 0-15,
// matching x86-64's register numbering so the low three bits are usable
// directly as a ModR/M reg/r-m field and bit 3 drives REX.R/X/B; XMM
// registers occupy a disjoint numeric range starting at 16 with their own
// 0-15 encoding.
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	xmmBase Reg = 16
	XMM0        = xmmBase + 0
	XMM1        = xmmBase + 1
	XMM2        = xmmBase + 2
	XMM3        = xmmBase + 3
	XMM4        = xmmBase + 4
	XMM5        = xmmBase + 5
	XMM6        = xmmBase + 6
	XMM7        = xmmBase + 7
	XMM8        = xmmBase + 8
	XMM9        = xmmBase + 9
	XMM10       = xmmBase + 10
	XMM11       = xmmBase + 11
	XMM12       = xmmBase + 12
	XMM13       = xmmBase + 13
	XMM14       = xmmBase + 14
	XMM15       = xmmBase + 15
)

var gpNames = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// IsXMM reports whether r names an XMM register rather than a GPR.
func (r Reg) IsXMM() bool { return r >= xmmBase }

// Index returns the 0-15 encoding used in ModR/M/SIB/REX fields, regardless
// of register class.
func (r Reg) Index() uint8 {
	if r.IsXMM() {
		return uint8(r - xmmBase)
	}
	return uint8(r)
}

// NeedsREXExtension reports whether this register's index requires a REX.*
// extension bit to be set when referenced.
func (r Reg) NeedsREXExtension() bool {
	return r.Index()&0x8 != 0
}

func (r Reg) String() string {
	if r.IsXMM() {
		return fmt.Sprintf("xmm%d", r.Index())
	}
	if int(r) < len(gpNames) {
		return gpNames[r]
	}
	return fmt.Sprintf("reg(%d)", uint8(r))
}

// GPRFromIndex constructs a GPR identity from a raw 0-15 encoding.
func GPRFromIndex(index uint8) Reg { return Reg(index & 0xF) }

// XMMFromIndex constructs an XMM identity from a raw 0-15 encoding.
func XMMFromIndex(index uint8) Reg { return xmmBase + Reg(index&0xF) }

// Bits is a bit count carried by every operand; ByteSize rounds up to
// whole bytes.
type Bits uint16

func (b Bits) ByteSize() int { return (int(b) + 7) / 8 }

const (
	Bits8   Bits = 8
	Bits16  Bits = 16
	Bits32  Bits = 32
	Bits64  Bits = 64
	Bits128 Bits = 128
)
