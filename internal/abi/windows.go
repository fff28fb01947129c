package abi

import (
	"github.com/mass-lang/massc/internal/ir"
	"github.com/mass-lang/massc/internal/operand"
)

// Windows x64 assigns the first four parameters to RCX/RDX/R8/R9 or
// XMM0-XMM3 by position: the integer and float sequences share one slot
// counter, so a float in position 1 consumes XMM1 and leaves RDX unused.
var windowsGeneralRegisters = [4]operand.Reg{operand.RCX, operand.RDX, operand.R8, operand.R9}
var windowsFloatRegisters = [4]operand.Reg{operand.XMM0, operand.XMM1, operand.XMM2, operand.XMM3}

// windowsVolatile: argument registers, the return register, and R10/R11.
var windowsVolatile = bitsetOf(
	operand.RCX, operand.RDX, operand.R8, operand.R9,
	operand.RAX,
	operand.R10, operand.R11,
)

// WindowsX64 implements the Microsoft x64 calling convention: four register
// slots shared between the integer and float classes by position, a
// mandatory home area for at least four arguments, and arguments wider than
// 64 bits passed through caller-allocated hidden pointers.
type WindowsX64 struct{}

func (WindowsX64) Name() string { return "x86_64-windows" }

func (WindowsX64) VolatileRegisters() uint32 { return windowsVolatile }

func (WindowsX64) Lower(fn *ir.FunctionInfo) (FunctionCallSetup, error) {
	setup := FunctionCallSetup{Jump: JumpCall, VolatileRegisters: windowsVolatile}

	indirectReturn := false
	if fn.Returns != nil && !fn.Returns.IsVoid() {
		bits := operand.Bits(fn.Returns.BitSizeOf())
		switch {
		case fn.Returns.IsFloatScalar():
			ret := operand.Xmm(operand.XMM0, bits)
			setup.CallerReturn = ret
			setup.CalleeReturn = ret
		case bits > 64:
			// The caller allocates the destination and passes its address in
			// RCX; the same address comes back in RAX.
			indirectReturn = true
			setup.CallerReturn = storageIndirect(operand.RAX, bits)
			setup.CalleeReturn = storageIndirect(operand.RCX, bits)
		default:
			ret := operand.Register(operand.RAX, bits)
			setup.CallerReturn = ret
			setup.CalleeReturn = ret
		}
	}

	index := 0
	if indirectReturn {
		// The hidden return pointer consumes the first integer slot and
		// shifts every declared parameter by one.
		index = 1
	}

	for _, p := range fn.Parameters {
		arg := ArgumentStorage{Name: p.Name, Descriptor: p.Type}
		descriptor := p.Type
		bits := operand.Bits(descriptor.BitSizeOf())

		if bits > 64 {
			// Passed by a caller-allocated hidden pointer; the pointer
			// occupies the argument slot.
			descriptor = ir.PointerTo(descriptor)
			bits = operand.Bits64
		}

		if index < len(windowsGeneralRegisters) {
			if descriptor.IsFloatScalar() {
				arg.Storage = operand.Xmm(windowsFloatRegisters[index], bits)
			} else {
				arg.Storage = operand.Register(windowsGeneralRegisters[index], bits)
			}
		} else {
			arg.Storage = operand.Memory(
				operand.Indirect(operand.RSP, int32(index)*8, operand.StackAreaReceivedArgument), bits)
		}
		if descriptor != p.Type {
			// The recorded storage is the slot that holds the pointer and
			// the recorded descriptor is the pointer type; no Indirect view
			// of the pointed-to value is recorded.
			arg.Descriptor = descriptor
		}
		setup.Arguments = append(setup.Arguments, arg)
		index++
	}

	if indirectReturn {
		ret := &ArgumentStorage{
			Descriptor: fn.Returns,
			Storage:    storageIndirect(operand.RCX, operand.Bits(fn.Returns.BitSizeOf())),
		}
		setup.IndirectReturnArgument = ret
	}

	// A home area for at least four arguments is always reserved; the
	// hidden return pointer's slot counts like any other.
	count := uint32(index)
	if count < 4 {
		count = 4
	}
	setup.ParametersStackSize = count * 8
	return setup, nil
}
