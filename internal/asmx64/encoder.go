// Package asmx64 turns an abstract ir.Instruction (mnemonic + operands)
// into exact x86-64 machine bytes. Each mnemonic carries a table of
// candidate encodings tried in order; the first whose operand classes and
// sizes match wins. Encoding also records the patch sites later stages
// need: RIP-relative/rel32 label diffs for the linker and symbolic stack
// displacements for the stack resolver.
package asmx64

import (
	"fmt"

	"github.com/mass-lang/massc/internal/diag"
	"github.com/mass-lang/massc/internal/ir"
	"github.com/mass-lang/massc/internal/operand"
)

// conditionCodeNibble maps operand.CompareType, an ABI-agnostic comparison
// enum, to the x86-64 Jcc/SETcc opcode low nibble (Intel SDM Vol. 2, table
// "Condition Test (CC) for Jcc, CMOVcc and SETcc"). The enum's own iota
// order does not match the hardware encoding, so this table — not the enum
// value itself — is the single place that bridges the two.
var conditionCodeNibble = map[operand.CompareType]byte{
	operand.Equal:        0x4,
	operand.NotEqual:     0x5,
	operand.Less:         0xC,
	operand.LessEqual:    0xE,
	operand.Greater:      0xF,
	operand.GreaterEqual: 0xD,
	operand.Below:        0x2,
	operand.BelowEqual:   0x6,
	operand.Above:        0x7,
	operand.AboveEqual:   0x3,
}

// RelPatch describes a 4-byte slot within Result.Bytes holding a rel32 or
// RIP-relative displacement that must later be rewritten to
// target_rva - from_rva once the containing function's bytes are placed
// into a section.
type RelPatch struct {
	Offset int
	Label  operand.LabelRef
}

// StackPatch describes a ModR/M displacement slot within Result.Bytes that
// still carries a symbolic stack-area offset for the stack resolver to
// rewrite once the frame layout is known.
type StackPatch struct {
	Offset int
	Area   operand.StackArea
}

// Result is the encoded form of one Assembly instruction.
type Result struct {
	Bytes        []byte
	RelPatches   []RelPatch
	StackPatches []StackPatch
}

// Encode lowers one Assembly instruction to machine bytes. It never
// mutates shared state: identical input always produces identical bytes
// and identical patch records.
func Encode(inst ir.Instruction) (Result, error) {
	if inst.Tag != ir.InstructionAssembly {
		return Result{}, fmt.Errorf("asmx64: Encode expects an Assembly instruction, got tag %d", inst.Tag)
	}

	mnemonic := inst.Mnemonic
	ops := inst.Operands
	numOps := inst.NumOps

	// "mov r, 0" with a register destination emits a single "xor r, r"
	// instead of a 32/64-bit immediate load.
	if mnemonic == MOV && numOps == 2 && ops[0].Tag == operand.TagRegister && ops[1].IsImmediate() {
		if v, err := ops[1].ImmediateU64(); err == nil && v == 0 {
			mnemonic = XOR
			ops[1] = ops[0]
		}
	}

	enc, err := selectEncoding(mnemonic, ops, numOps)
	if err != nil {
		return Result{}, err
	}
	return emit(enc, ops, numOps)
}

func selectEncoding(m *ir.Mnemonic, ops [3]operand.Storage, numOps int) (ir.InstructionEncoding, error) {
	for _, enc := range m.Encodings {
		if enc.NumOperands != numOps {
			continue
		}
		matched := true
		for i := 0; i < numOps; i++ {
			if !operandMatches(enc.Operands[i], ops[i]) {
				matched = false
				break
			}
		}
		if matched {
			return enc, nil
		}
	}
	return ir.InstructionEncoding{}, diag.New(
		diag.KindNoMatchingEncoding, diag.CategoryEncoding,
		"no matching encoding for %s with %d operand(s): %s",
		m.Name, numOps, dumpOperands(ops, numOps),
	)
}

func dumpOperands(ops [3]operand.Storage, numOps int) string {
	s := ""
	for i := 0; i < numOps; i++ {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%+v", ops[i])
	}
	return s
}

// operandMatches implements the storage-tag/encoding-class compatibility
// table. A RIP-relative label reference is a Memory storage, so it matches
// the memory classes like any other; it additionally satisfies a 32-bit
// Immediate slot, which is how rel32 jump and call targets encode.
func operandMatches(oe ir.OperandEncoding, s operand.Storage) bool {
	if oe.Size != ir.AnySize && oe.Size != s.BitSize.ByteSize() {
		return false
	}
	switch oe.Class {
	case ir.ClassNone:
		return s.Tag == operand.TagNone
	case ir.ClassEflags:
		return s.Tag == operand.TagEflags
	case ir.ClassRegisterA:
		return s.Tag == operand.TagRegister && s.Register == operand.RAX
	case ir.ClassRegister:
		return s.Tag == operand.TagRegister
	case ir.ClassRegisterMemory:
		return s.Tag == operand.TagRegister || s.Tag == operand.TagMemory
	case ir.ClassMemory:
		return s.Tag == operand.TagMemory
	case ir.ClassXmm:
		return s.Tag == operand.TagXmm
	case ir.ClassXmmMemory:
		return s.Tag == operand.TagXmm || s.Tag == operand.TagMemory
	case ir.ClassImmediate:
		return s.IsImmediate() || (s.IsLabel() && oe.Size == 4)
	default:
		return false
	}
}

func fitsS8(v int32) bool { return v >= -128 && v <= 127 }

func encodeS32(v int32) []byte {
	u := uint32(v)
	return []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}
}

// emit computes prefixes and REX, builds ModR/M and SIB, and writes the
// bytes in hardware order: prefixes, REX, opcode, ModR/M, SIB,
// displacement, immediate.
func emit(enc ir.InstructionEncoding, ops [3]operand.Storage, numOps int) (Result, error) {
	regIdx, rmIdx, immIdx, opcodeRegIdx := -1, -1, -1, -1
	for i := 0; i < numOps; i++ {
		switch enc.Operands[i].Role {
		case ir.RoleModRMReg:
			regIdx = i
		case ir.RoleModRMRM:
			if rmIdx != -1 {
				panic("asmx64: malformed encoding selects two ModR/M r/m operands")
			}
			rmIdx = i
		case ir.RoleImmediate:
			immIdx = i
		case ir.RoleOpcodeReg:
			opcodeRegIdx = i
		}
	}
	if opcodeRegIdx != -1 && (regIdx != -1 || rmIdx != -1) {
		panic("asmx64: malformed encoding mixes an opcode+register operand with ModR/M roles")
	}

	prefix66 := false
	rex := uint8(0)
	hasRex := false
	for i := 0; i < numOps; i++ {
		s := ops[i]
		if s.Tag == operand.TagNone || s.Tag == operand.TagAny {
			continue
		}
		if s.BitSize.ByteSize() == 2 {
			prefix66 = true
		}
		if s.BitSize.ByteSize() == 8 && s.Tag != operand.TagXmm && !enc.NoRexW {
			rex |= 0x08
			hasRex = true
		}
	}
	if enc.ForceRexW {
		rex |= 0x08
		hasRex = true
	}
	if regIdx != -1 && ops[regIdx].Register.NeedsREXExtension() {
		rex |= 0x04
		hasRex = true
	}

	usesModRM := enc.ExtensionType == ir.ExtensionRegister || enc.ExtensionType == ir.ExtensionOpCode

	var modrmByte, sibByte byte
	hasSIB := false
	var dispBytes []byte
	ripLabel := operand.LabelRef{}
	hasRipPatch := false
	stackArea := operand.StackAreaNone

	if usesModRM {
		if rmIdx == -1 {
			panic("asmx64: encoding declares ModR/M but selected no r/m operand role")
		}
		regField := enc.OpCodeExtension
		if enc.ExtensionType == ir.ExtensionRegister {
			if regIdx == -1 {
				panic("asmx64: ExtensionRegister encoding selected no reg operand role")
			}
			regField = ops[regIdx].Register.Index() & 0x7
		}

		rmOp := ops[rmIdx]
		switch rmOp.Tag {
		case operand.TagRegister, operand.TagXmm:
			if rmOp.Register.NeedsREXExtension() {
				rex |= 0x01
				hasRex = true
			}
			modrmByte = 0xC0 | (regField << 3) | (rmOp.Register.Index() & 0x7)

		case operand.TagMemory:
			loc := rmOp.Memory
			switch loc.Tag {
			case operand.MemoryInstructionPointerRelative:
				modrmByte = (regField << 3) | 0x05
				dispBytes = make([]byte, 4)
				ripLabel = loc.Label
				hasRipPatch = true

			case operand.MemoryIndirect:
				base := loc.Base
				if base.NeedsREXExtension() {
					rex |= 0x01
					hasRex = true
				}
				needsSIB := base.Index()&0x7 == 0x4 || loc.HasIndex

				var mod byte
				dispLen := 0
				switch {
				case loc.StackArea != operand.StackAreaNone:
					// Always disp32 up front; the stack resolver may later
					// shrink it once the final offset is known.
					mod, dispLen = 0x02, 4
					stackArea = loc.StackArea
				case loc.Offset == 0 && base.Index()&0x7 != 0x5:
					mod, dispLen = 0x00, 0
				case fitsS8(loc.Offset):
					mod, dispLen = 0x01, 1
				default:
					mod, dispLen = 0x02, 4
				}

				rmField := base.Index() & 0x7
				if needsSIB {
					rmField = 0x04
				}
				modrmByte = (mod << 6) | (regField << 3) | rmField

				if needsSIB {
					hasSIB = true
					indexBits := byte(0x04) // "no index"
					if loc.HasIndex {
						idx := loc.Index
						if idx.NeedsREXExtension() {
							rex |= 0x02
							hasRex = true
						}
						indexBits = idx.Index() & 0x7
					}
					sibByte = (0 << 6) | (indexBits << 3) | (base.Index() & 0x7)
				}

				switch dispLen {
				case 1:
					dispBytes = []byte{byte(int8(loc.Offset))}
				case 4:
					dispBytes = encodeS32(loc.Offset)
				}
			}

		default:
			return Result{}, diag.New(diag.KindUnsupportedOperandSize, diag.CategoryEncoding,
				"r/m operand has unsupported storage tag %d", rmOp.Tag)
		}
	}

	opcodeBytes := append([]byte(nil), enc.OpCode[:enc.OpCodeLen]...)
	if enc.ExtensionType == ir.ExtensionPlusRegister {
		if opcodeRegIdx == -1 {
			panic("asmx64: Plus_Register encoding selected no opcode-register operand role")
		}
		r := ops[opcodeRegIdx].Register
		if r.NeedsREXExtension() {
			rex |= 0x01
			hasRex = true
		}
		opcodeBytes[len(opcodeBytes)-1] |= r.Index() & 0x7
	}

	if enc.ConditionEncoded {
		condIdx := -1
		for i := 0; i < numOps; i++ {
			if enc.Operands[i].Class == ir.ClassEflags {
				condIdx = i
			}
		}
		if condIdx == -1 {
			panic("asmx64: ConditionEncoded encoding selected no Eflags operand")
		}
		opcodeBytes[len(opcodeBytes)-1] |= conditionCodeNibble[ops[condIdx].Compare]
	}

	// A leading 0xF2/0xF3 byte in a table's OpCode is a mandatory SSE
	// prefix (MOVSS/MOVSD), not part of the real opcode; it must precede
	// REX like the 0x66 operand-size prefix does, per the x86-64 prefix
	// ordering rules (legacy/mandatory prefixes, then REX, then opcode).
	mandatoryPrefix := byte(0)
	opcodeStart := 0
	if len(opcodeBytes) > 0 && (opcodeBytes[0] == 0xF2 || opcodeBytes[0] == 0xF3) {
		mandatoryPrefix = opcodeBytes[0]
		opcodeStart = 1
	}

	var out []byte
	if prefix66 {
		out = append(out, 0x66)
	}
	if mandatoryPrefix != 0 {
		out = append(out, mandatoryPrefix)
	}
	if hasRex {
		out = append(out, 0x40|rex)
	}
	// Skip leading zero opcode bytes but always emit the terminal byte.
	start := opcodeStart
	for start < len(opcodeBytes)-1 && opcodeBytes[start] == 0x00 {
		start++
	}
	out = append(out, opcodeBytes[start:]...)

	var res Result
	if usesModRM {
		out = append(out, modrmByte)
		if hasSIB {
			out = append(out, sibByte)
		}
		dispOffset := len(out)
		out = append(out, dispBytes...)
		if hasRipPatch {
			res.RelPatches = append(res.RelPatches, RelPatch{Offset: dispOffset, Label: ripLabel})
		}
		if stackArea != operand.StackAreaNone {
			res.StackPatches = append(res.StackPatches, StackPatch{Offset: dispOffset, Area: stackArea})
		}
	}

	if immIdx != -1 {
		imm := ops[immIdx]
		if imm.IsLabel() {
			labelOffset := len(out)
			out = append(out, 0, 0, 0, 0)
			res.RelPatches = append(res.RelPatches, RelPatch{Offset: labelOffset, Label: imm.Memory.Label})
		} else {
			out = append(out, imm.Bytes()...)
		}
	}

	res.Bytes = out
	return res, nil
}
