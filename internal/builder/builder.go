// Package builder accumulates the instructions of one function, tracks
// register occupancy at scratch granularity, and reserves stack slots for
// locals. Register misuse (double acquire, release of a free register) is
// an internal bug and panics; user-reachable failures return errors.
package builder

import (
	"fmt"

	"github.com/mass-lang/massc/internal/diag"
	"github.com/mass-lang/massc/internal/ir"
	"github.com/mass-lang/massc/internal/operand"
)

// scratchPreferenceOrder is the fixed order RegisterAcquireTemp tries:
// RCX, RBX, RDX, R8-R15. RAX is excluded because codegen for div/mul
// hard-codes it.
var scratchPreferenceOrder = []operand.Reg{
	operand.RCX, operand.RBX, operand.RDX,
	operand.R8, operand.R9, operand.R10, operand.R11,
	operand.R12, operand.R13, operand.R14, operand.R15,
}

// RegisterHandle is returned by RegisterAcquireMaybeSaveIfAlreadyAcquired;
// Release replays the save/restore dance if one was needed.
type RegisterHandle struct {
	reg      operand.Reg
	saved    bool
	saveTemp operand.Reg
	fb       *FunctionBuilder
}

// Release restores the register to its pre-acquire state, emitting a
// restoring mov if RegisterAcquireMaybeSaveIfAlreadyAcquired had to save it.
func (h RegisterHandle) Release() {
	if h.saved {
		h.fb.mustEmitAssembly(movMnemonic, operand.Register(h.reg, operand.Bits64), operand.Register(h.saveTemp, operand.Bits64))
		h.fb.RegisterRelease(h.saveTemp)
		return
	}
	h.fb.RegisterRelease(h.reg)
}

// FunctionBuilder owns a growable instruction/byte buffer for one
// function, the register occupancy bitsets, and the stack reservation
// counters the stack resolver consumes.
type FunctionBuilder struct {
	Function *ir.FunctionInfo
	LabelID  operand.LabelRef // the function's own entry label
	EndLabel operand.LabelRef // jumped to by early returns, defined in the epilogue

	instructions []ir.Instruction
	buffer       []byte

	usedRegisterBitset     uint32
	registerOccupiedBitset uint32

	stackReserve              int32
	maxCallParametersStackSize uint32

	frozen bool
}

// New creates a builder for one function, bound to the label the linker
// will use as its call target and the label its epilogue defines.
func New(fn *ir.FunctionInfo, entryLabel, endLabel operand.LabelRef) *FunctionBuilder {
	return &FunctionBuilder{Function: fn, LabelID: entryLabel, EndLabel: endLabel}
}

func bit(r operand.Reg) uint32 { return 1 << uint(r.Index()) }

// RegisterAcquire marks reg occupied. Precondition: not already occupied;
// violating it is an internal bug, not a user error.
func (fb *FunctionBuilder) RegisterAcquire(reg operand.Reg) {
	if fb.registerOccupiedBitset&bit(reg) != 0 {
		panic(fmt.Sprintf("builder: register %s double-acquired", reg))
	}
	fb.registerOccupiedBitset |= bit(reg)
	fb.usedRegisterBitset |= bit(reg)
}

// RegisterAcquireTemp picks any free non-A GPR in the fixed preference
// order.
func (fb *FunctionBuilder) RegisterAcquireTemp() (operand.Reg, error) {
	for _, r := range scratchPreferenceOrder {
		if fb.registerOccupiedBitset&bit(r) == 0 {
			fb.RegisterAcquire(r)
			return r, nil
		}
	}
	return 0, diag.New(diag.KindRegisterUnavailable, diag.CategoryCallingConvention, "no free scratch register available")
}

// RegisterRelease clears reg's occupied bit but keeps its used bit: the
// used set is monotonic and drives prologue/epilogue save/restore.
func (fb *FunctionBuilder) RegisterRelease(reg operand.Reg) {
	if fb.registerOccupiedBitset&bit(reg) == 0 {
		panic(fmt.Sprintf("builder: register %s released while not occupied", reg))
	}
	fb.registerOccupiedBitset &^= bit(reg)
}

// RegisterAcquireMaybeSaveIfAlreadyAcquired acquires reg; if it is already
// occupied, it instead acquires a temp, emits a save, and returns a handle
// whose Release restores reg. Used for operations like idiv that require a
// specific register (RDX) regardless of current occupancy.
func (fb *FunctionBuilder) RegisterAcquireMaybeSaveIfAlreadyAcquired(reg operand.Reg) (RegisterHandle, error) {
	if fb.registerOccupiedBitset&bit(reg) == 0 {
		fb.RegisterAcquire(reg)
		return RegisterHandle{reg: reg, fb: fb}, nil
	}
	temp, err := fb.RegisterAcquireTemp()
	if err != nil {
		return RegisterHandle{}, err
	}
	if err := fb.mustEmitAssembly(movMnemonic, operand.Register(temp, operand.Bits64), operand.Register(reg, operand.Bits64)); err != nil {
		return RegisterHandle{}, err
	}
	return RegisterHandle{reg: reg, saved: true, saveTemp: temp, fb: fb}, nil
}

// UsedRegisterBitset reports the monotonic set of registers ever acquired
// by this builder: the set the prologue must consider for callee-saved
// push/pop.
func (fb *FunctionBuilder) UsedRegisterBitset() uint32 { return fb.usedRegisterBitset }

// OccupiedRegisterBitset reports the currently-occupied set; it must be
// zero again by the end of every function's lowering.
func (fb *FunctionBuilder) OccupiedRegisterBitset() uint32 { return fb.registerOccupiedBitset }

// ReserveStack advances the stack reservation by the value's byte size,
// aligned to its natural alignment, and returns a Local-area Indirect
// storage referencing it.
func (fb *FunctionBuilder) ReserveStack(byteSize, alignment int, bits operand.Bits) operand.Storage {
	if alignment < 1 {
		alignment = 1
	}
	reserve := int32(fb.stackReserve) + int32(byteSize)
	if rem := reserve % int32(alignment); rem != 0 {
		reserve += int32(alignment) - rem
	}
	fb.stackReserve = reserve
	loc := operand.Indirect(operand.RSP, -fb.stackReserve, operand.StackAreaLocal)
	return operand.Memory(loc, bits)
}

// NoteCallArgumentsStackSize records the largest outbound call's stack
// argument footprint seen so far; the stack resolver folds this into the
// frame once.
func (fb *FunctionBuilder) NoteCallArgumentsStackSize(size uint32) {
	if size > fb.maxCallParametersStackSize {
		fb.maxCallParametersStackSize = size
	}
}

// StackReserve returns the raw (unaligned, pre-resolution) local-area
// reservation accumulated so far.
func (fb *FunctionBuilder) StackReserve() int32 { return fb.stackReserve }

// MaxCallParametersStackSize returns the largest outbound call stack
// footprint recorded via NoteCallArgumentsStackSize.
func (fb *FunctionBuilder) MaxCallParametersStackSize() uint32 { return fb.maxCallParametersStackSize }

// Frozen reports whether the builder has been frozen; a frozen builder
// accepts no further instructions.
func (fb *FunctionBuilder) Frozen() bool { return fb.frozen }

// Freeze forbids further appends. Called once codegen for this function is
// complete, immediately before the stack resolver runs.
func (fb *FunctionBuilder) Freeze() { fb.frozen = true }

// Instructions returns the accumulated instruction stream (Assembly/Bytes/
// Label/Label_Patch/Stack_Patch), in emission order.
func (fb *FunctionBuilder) Instructions() []ir.Instruction { return fb.instructions }

// Buffer returns the function-local encoded byte buffer the stack resolver
// rewrites in place before the linker appends it into a section.
func (fb *FunctionBuilder) Buffer() []byte { return fb.buffer }

// SetBuffer replaces the encoded byte buffer; used by the stack resolver
// after it rewrites displacements in place (it may shrink the buffer).
func (fb *FunctionBuilder) SetBuffer(b []byte) { fb.buffer = b }

// SetInstructions replaces the instruction metadata list; used by the stack
// resolver after adjusting offsets for the shrink pass.
func (fb *FunctionBuilder) SetInstructions(insts []ir.Instruction) { fb.instructions = insts }

func (fb *FunctionBuilder) checkNotFrozen() {
	if fb.frozen {
		panic("builder: instruction appended to a frozen Function_Builder")
	}
}
