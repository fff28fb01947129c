// Package abi lowers a function's abstract parameters and return type into
// concrete storages (registers or stack slots) under a specific calling
// convention. Three conventions are provided: Windows x64, System V AMD64,
// and the System V Linux syscall ABI.
package abi

import (
	"github.com/mass-lang/massc/internal/ir"
	"github.com/mass-lang/massc/internal/operand"
)

// JumpKind says how control transfers into the callee: a regular near call
// or the syscall instruction.
type JumpKind int

const (
	JumpCall JumpKind = iota
	JumpSyscall
)

// ArgumentStorage pairs a parameter with the storage assigned to it: a
// register, a stack slot, or — for aggregates split across two eightbytes —
// an Unpacked register pair.
type ArgumentStorage struct {
	Name       string
	Descriptor *ir.Descriptor
	Storage    operand.Storage
}

// FunctionCallSetup is the resolved placement of every parameter and the
// return value for one function under one calling convention. The return
// value may be seen differently by the two sides: an indirect return is
// addressed through RAX on the caller side but arrives in a different
// register on the callee side.
type FunctionCallSetup struct {
	Jump JumpKind

	CallerReturn operand.Storage
	CalleeReturn operand.Storage

	Arguments []ArgumentStorage

	// IndirectReturnArgument is set when the return value does not fit in
	// registers and the callee receives the destination address as a hidden
	// leading argument.
	IndirectReturnArgument *ArgumentStorage

	// ParametersStackSize is the number of bytes of stack the caller must
	// reserve below its outbound arguments for this call.
	ParametersStackSize uint32

	VolatileRegisters uint32
}

// CallTargetView returns argument i's storage as the caller sees it while
// materializing the call: stack slots flip from the received-argument area
// to the outbound call-argument area, everything else is unchanged.
func (s *FunctionCallSetup) CallTargetView(i int) operand.Storage {
	st := s.Arguments[i].Storage
	if st.Tag == operand.TagMemory && st.Memory.Tag == operand.MemoryIndirect &&
		st.Memory.StackArea == operand.StackAreaReceivedArgument {
		st.Memory.StackArea = operand.StackAreaCallTargetArgument
	}
	return st
}

// CallingConvention computes where every parameter and return value live
// for a given function signature.
type CallingConvention interface {
	Name() string

	// VolatileRegisters is the caller-saved GPR bitset; its complement
	// within the sixteen GPRs is what a callee must push in its prologue.
	VolatileRegisters() uint32

	// Lower computes the FunctionCallSetup for fn.
	Lower(fn *ir.FunctionInfo) (FunctionCallSetup, error)
}

func regBit(r operand.Reg) uint32 { return 1 << uint(r.Index()) }

func bitsetOf(regs ...operand.Reg) uint32 {
	var b uint32
	for _, r := range regs {
		b |= regBit(r)
	}
	return b
}

// storageIndirect is the zero-offset dereference of a pointer held in reg,
// used for indirect returns and by-reference argument passing.
func storageIndirect(reg operand.Reg, bits operand.Bits) operand.Storage {
	return operand.Memory(operand.Indirect(reg, 0, operand.StackAreaNone), bits)
}
