// Package ir defines the abstract intermediate form the core consumes:
// the Instruction tagged variant, the mnemonic/encoding tables' shapes,
// and the function signature the calling-convention lowering stage takes.
// None of this package implements algorithms; it is pure data.
package ir

import "github.com/mass-lang/massc/internal/operand"

// InstructionTag discriminates the five Instruction shapes.
type InstructionTag int

const (
	InstructionAssembly InstructionTag = iota
	InstructionLabel
	InstructionBytes
	InstructionLabelPatch
	InstructionStackPatch
)

// LabelID is the ID of a label in the owning link.Program's label table (the
// ID of an operand.LabelRef handed out by Program.MakeLabel). Builders and
// the linker use it as is; placement does not remap it.
type LabelID int

// Instruction is a tagged variant wide enough that a single ordered slice
// can hold both the abstract instructions a front end emits (Assembly,
// Label) and the artifacts the encoder produces while lowering them
// (Bytes, Label_Patch, Stack_Patch).
type Instruction struct {
	Tag InstructionTag

	// InstructionAssembly
	Mnemonic *Mnemonic
	Operands [3]operand.Storage
	NumOps   int

	// InstructionLabel
	Label LabelID

	// InstructionBytes
	Raw               []byte
	HasEmbeddedLabel  bool
	EmbeddedLabelAt   int // offset within Raw of the embedded label slot
	EmbeddedLabel     LabelID
	EmbeddedLabelSize int // 4 for a rip-relative/rel32 slot

	// InstructionLabelPatch
	// PatchOffset is an absolute offset into the owning Function_Builder's
	// byte buffer at the time the patch was recorded (the linker, component
	// F, rebases it to a section-relative offset when the function is placed).
	PatchOffset int
	PatchLabel  LabelID

	// InstructionStackPatch
	// ModRMOffsetInPreviousInstruction is an absolute offset into the
	// owning builder's byte buffer of the displacement slot to rewrite;
	// the stack resolver treats it as buffer-absolute.
	ModRMOffsetInPreviousInstruction int
	StackArea                        operand.StackArea

	// EncodedLength records the final byte length contributed by this
	// instruction once known, for consumers such as unwind-info generation.
	EncodedLength int
}

// Assembly constructs an Assembly instruction from a mnemonic and up to
// three operands.
func Assembly(m *Mnemonic, ops ...operand.Storage) Instruction {
	var inst Instruction
	inst.Tag = InstructionAssembly
	inst.Mnemonic = m
	inst.NumOps = len(ops)
	for i, o := range ops {
		inst.Operands[i] = o
	}
	return inst
}

// LabelDef marks the definition point of a label within the instruction
// stream.
func LabelDef(id LabelID) Instruction {
	return Instruction{Tag: InstructionLabel, Label: id}
}

// Bytes constructs a raw Bytes instruction.
func Bytes(raw []byte) Instruction {
	cp := append([]byte(nil), raw...)
	return Instruction{Tag: InstructionBytes, Raw: cp}
}

// BytesWithLabel constructs a Bytes instruction whose payload contains an
// embedded rel32/rip-relative label slot at byte offset at.
func BytesWithLabel(raw []byte, at int, label LabelID, size int) Instruction {
	inst := Bytes(raw)
	inst.HasEmbeddedLabel = true
	inst.EmbeddedLabelAt = at
	inst.EmbeddedLabel = label
	inst.EmbeddedLabelSize = size
	return inst
}

// LabelPatch records a patch site with no accompanying bytes.
func LabelPatch(offset int, label LabelID) Instruction {
	return Instruction{Tag: InstructionLabelPatch, PatchOffset: offset, PatchLabel: label}
}

// StackPatch records that the ModR/M displacement at
// modRMOffsetInPreviousInstruction (an absolute offset into the owning
// builder's byte buffer; the slot belongs to the immediately preceding
// instruction) still carries a symbolic stack-area offset
// that the stack resolver (component D) must rewrite before linking.
func StackPatch(modRMOffsetInPreviousInstruction int, area operand.StackArea) Instruction {
	return Instruction{
		Tag:                              InstructionStackPatch,
		ModRMOffsetInPreviousInstruction: modRMOffsetInPreviousInstruction,
		StackArea:                        area,
	}
}

// OperandClass discriminates the operand-encoding classes an encoding row
// can declare for one operand slot.
type OperandClass int

const (
	ClassNone OperandClass = iota
	ClassRegister
	ClassRegisterA // the operand must be register A specifically
	ClassRegisterMemory
	ClassMemory
	ClassXmm
	ClassXmmMemory
	ClassImmediate
	ClassEflags
)

// AnySize marks an OperandEncoding whose size matches any operand bit
// size.
const AnySize = -1

// OperandRole says where a matched operand's bits land in the encoded
// instruction. Class governs whether an operand is *accepted*; Role governs
// *where it goes*, since a Register storage can satisfy either a ModR/M reg
// slot or its r/m slot depending on the encoding row.
type OperandRole int

const (
	RoleNone OperandRole = iota
	RoleModRMReg            // ModR/M.reg field
	RoleModRMRM             // ModR/M.r/m field (+ SIB/disp for memory)
	RoleImmediate           // trailing immediate bytes
	RoleOpcodeReg           // folded into the low 3 bits of the last opcode byte
)

// OperandEncoding is one operand slot of an Instruction_Encoding: the class
// of storage it accepts and the exact byte size it requires (or AnySize).
type OperandEncoding struct {
	Class OperandClass
	Size  int // byte size, or AnySize
	Role  OperandRole
}

// ExtensionType discriminates how an encoding's opcode is extended: a
// fixed /digit extension in ModR/M.reg, a register operand living in
// ModR/M.reg, or a register folded into the low 3 bits of the last opcode
// byte (Plus_Register).
type ExtensionType int

const (
	ExtensionNone ExtensionType = iota
	ExtensionRegister
	ExtensionOpCode
	ExtensionPlusRegister
)

// InstructionEncoding is one candidate byte pattern for a mnemonic, tried
// in table order until one matches every supplied operand.
type InstructionEncoding struct {
	OpCode          [4]byte
	OpCodeLen       int
	ExtensionType   ExtensionType
	OpCodeExtension uint8 // used when ExtensionType == ExtensionOpCode
	Operands        [3]OperandEncoding
	NumOperands     int

	// ConditionEncoded marks an encoding whose Eflags-class operand's
	// CompareType, mapped to its hardware condition-code nibble, is OR'd
	// into the low nibble of the final opcode byte, used
	// by the 16-way Jcc/SETcc families so a single Mnemonic covers every
	// condition code instead of 16 near-duplicate table rows.
	ConditionEncoded bool

	// NoRexW suppresses the automatic REX.W-on-8-byte-operand rule: used by
	// encodings (like PUSH/POP, indirect JMP/CALL and MOVSS/MOVSD) whose
	// size is carried entirely by the opcode rather than REX.W.
	NoRexW bool

	// ForceRexW emits REX.W regardless of operand sizes; needed by
	// operand-less 64-bit forms like CQO that have nothing to infer the
	// width from.
	ForceRexW bool
}

// Mnemonic is a named list of encodings, tried in order by the encoder.
// Mnemonic identity is by pointer: two Mnemonic values are the same
// mnemonic iff they are the same pointer.
type Mnemonic struct {
	Name      string
	Encodings []InstructionEncoding
}
