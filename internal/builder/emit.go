package builder

import (
	"github.com/mass-lang/massc/internal/asmx64"
	"github.com/mass-lang/massc/internal/ir"
	"github.com/mass-lang/massc/internal/operand"
)

var movMnemonic = asmx64.MOV

// Emit appends one Assembly instruction, encodes it immediately via
// asmx64.Encode, and records the resulting bytes plus any Label_Patch/
// Stack_Patch metadata into the function-local buffer. Encoding happens
// here rather than at link time so the stack resolver can operate on a
// plain byte buffer.
func (fb *FunctionBuilder) Emit(mnemonic *ir.Mnemonic, ops ...operand.Storage) error {
	fb.checkNotFrozen()
	inst := ir.Assembly(mnemonic, ops...)
	return fb.emitAssembly(inst)
}

func (fb *FunctionBuilder) mustEmitAssembly(mnemonic *ir.Mnemonic, ops ...operand.Storage) error {
	return fb.Emit(mnemonic, ops...)
}

// noteOperandRegisters folds every GPR an instruction names into the used
// set, so the prologue saves a callee-saved register even when codegen
// wrote to it without going through the allocator. RSP is exempt: a
// stack-relative operand is not a use of the register.
func (fb *FunctionBuilder) noteOperandRegisters(inst ir.Instruction) {
	for i := 0; i < inst.NumOps; i++ {
		s := inst.Operands[i]
		switch s.Tag {
		case operand.TagRegister:
			fb.usedRegisterBitset |= bit(s.Register)
		case operand.TagMemory:
			if s.Memory.Tag != operand.MemoryIndirect {
				continue
			}
			if s.Memory.Base != operand.RSP {
				fb.usedRegisterBitset |= bit(s.Memory.Base)
			}
			if s.Memory.HasIndex {
				fb.usedRegisterBitset |= bit(s.Memory.Index)
			}
		}
	}
}

func (fb *FunctionBuilder) emitAssembly(inst ir.Instruction) error {
	res, err := asmx64.Encode(inst)
	if err != nil {
		return err
	}
	fb.noteOperandRegisters(inst)
	base := len(fb.buffer)
	inst.EncodedLength = len(res.Bytes)
	fb.buffer = append(fb.buffer, res.Bytes...)
	fb.instructions = append(fb.instructions, inst)

	for _, rp := range res.RelPatches {
		fb.instructions = append(fb.instructions, ir.LabelPatch(base+rp.Offset, ir.LabelID(rp.Label.ID)))
	}
	for _, sp := range res.StackPatches {
		fb.instructions = append(fb.instructions, ir.StackPatch(base+sp.Offset, sp.Area))
	}
	return nil
}

// EmitLabel records a label definition at the current buffer offset.
func (fb *FunctionBuilder) EmitLabel(id ir.LabelID) {
	fb.checkNotFrozen()
	fb.instructions = append(fb.instructions, ir.LabelDef(id))
}

// EmitBytes appends pre-encoded raw bytes; a Bytes instruction carrying an
// embedded label slot also leaves a patch entry for the linker.
func (fb *FunctionBuilder) EmitBytes(inst ir.Instruction) {
	fb.checkNotFrozen()
	if inst.Tag != ir.InstructionBytes {
		panic("builder: EmitBytes expects a Bytes instruction")
	}
	base := len(fb.buffer)
	inst.EncodedLength = len(inst.Raw)
	fb.buffer = append(fb.buffer, inst.Raw...)
	fb.instructions = append(fb.instructions, inst)
	if inst.HasEmbeddedLabel {
		fb.instructions = append(fb.instructions,
			ir.LabelPatch(base+inst.EmbeddedLabelAt, inst.EmbeddedLabel))
	}
}

// Move lowers an abstract move between two storages, choosing among a
// direct mov, the zero-move optimization (handled inside asmx64.Encode),
// and the memory-to-memory scratch/rep-movsb idiom, since x86-64 has no
// memory-to-memory mov form.
func (fb *FunctionBuilder) Move(dst, src operand.Storage) error {
	fb.checkNotFrozen()
	if dst.Tag != operand.TagMemory || src.Tag != operand.TagMemory {
		return fb.Emit(movMnemonic, dst, src)
	}
	return fb.moveMemoryToMemory(dst, src)
}

// moveMemoryToMemory routes small transfers through one scratch register
// and large ones through the rep movsb idiom (RSI=src, RDI=dst,
// RCX=count), restoring all three registers afterwards.
func (fb *FunctionBuilder) moveMemoryToMemory(dst, src operand.Storage) error {
	size := int(dst.BitSize.ByteSize())
	if size <= 8 {
		temp, err := fb.RegisterAcquireTemp()
		if err != nil {
			return err
		}
		defer fb.RegisterRelease(temp)
		tempStorage := operand.Register(temp, dst.BitSize)
		if err := fb.Emit(movMnemonic, tempStorage, src); err != nil {
			return err
		}
		return fb.Emit(movMnemonic, dst, tempStorage)
	}

	rsiHandle, err := fb.RegisterAcquireMaybeSaveIfAlreadyAcquired(operand.RSI)
	if err != nil {
		return err
	}
	defer rsiHandle.Release()
	rdiHandle, err := fb.RegisterAcquireMaybeSaveIfAlreadyAcquired(operand.RDI)
	if err != nil {
		return err
	}
	defer rdiHandle.Release()
	rcxHandle, err := fb.RegisterAcquireMaybeSaveIfAlreadyAcquired(operand.RCX)
	if err != nil {
		return err
	}
	defer rcxHandle.Release()

	if err := fb.Emit(asmx64.LEA, operand.Register(operand.RSI, operand.Bits64), src); err != nil {
		return err
	}
	if err := fb.Emit(asmx64.LEA, operand.Register(operand.RDI, operand.Bits64), dst); err != nil {
		return err
	}
	if err := fb.Emit(movMnemonic, operand.Register(operand.RCX, operand.Bits64), operand.StaticFromU64(uint64(size), operand.Bits64)); err != nil {
		return err
	}
	return fb.Emit(asmx64.REPMovsb)
}
