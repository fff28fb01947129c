package abi

import (
	"github.com/mass-lang/massc/internal/diag"
	"github.com/mass-lang/massc/internal/ir"
	"github.com/mass-lang/massc/internal/operand"
)

// syscallGeneralRegisters is the kernel-side argument sequence; it differs
// from the user-space convention in one slot, R10 in place of RCX, because
// the syscall instruction clobbers RCX with the return address.
var syscallGeneralRegisters = []operand.Reg{
	operand.RDI, operand.RSI, operand.RDX, operand.R10, operand.R8, operand.R9,
}

var syscallVolatile = bitsetOf(
	operand.RDI, operand.RSI, operand.RDX, operand.R10, operand.R8, operand.R9,
	operand.RAX,
	operand.RCX, operand.R11,
)

// SystemVSyscall lowers a function declared as a Linux system call: up to
// six INTEGER-class arguments in registers, no stack arguments, a 32-bit
// result in RAX, entered via the syscall instruction.
type SystemVSyscall struct{}

func (SystemVSyscall) Name() string { return "x86_64-system-v-syscall" }

func (SystemVSyscall) VolatileRegisters() uint32 { return syscallVolatile }

func (SystemVSyscall) Lower(fn *ir.FunctionInfo) (FunctionCallSetup, error) {
	setup := FunctionCallSetup{Jump: JumpSyscall, VolatileRegisters: syscallVolatile}

	if fn.Returns != nil && !fn.Returns.IsVoid() {
		if fn.Returns.BitSizeOf() != 32 {
			return FunctionCallSetup{}, diag.New(diag.KindTypeMismatch, diag.CategoryCallingConvention,
				"syscall return type must be 32 bits, got %d", fn.Returns.BitSizeOf())
		}
		ret := operand.Register(operand.RAX, operand.Bits32)
		setup.CallerReturn = ret
		setup.CalleeReturn = ret
	}

	general := registerPool{items: syscallGeneralRegisters}
	for _, p := range fn.Parameters {
		classification := ClassifySysV(p.Type)
		if classification.Class != SysVInteger {
			return FunctionCallSetup{}, diag.New(diag.KindTypeMismatch, diag.CategoryCallingConvention,
				"syscall parameter %q has class %s; only INTEGER is passed to the kernel",
				p.Name, classification.Class)
		}
		if classification.EightbyteCount > general.remaining() {
			return FunctionCallSetup{}, diag.New(diag.KindTypeMismatch, diag.CategoryCallingConvention,
				"syscall supports at most six register arguments; %q does not fit", p.Name)
		}
		storage, err := storageForClassification(&classification, &general, &registerPool{}, nil)
		if err != nil {
			return FunctionCallSetup{}, err
		}
		setup.Arguments = append(setup.Arguments, ArgumentStorage{
			Name:       p.Name,
			Descriptor: p.Type,
			Storage:    storage,
		})
	}
	return setup, nil
}
