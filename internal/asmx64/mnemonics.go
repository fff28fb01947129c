package asmx64

import "github.com/mass-lang/massc/internal/ir"

func enc(opcodeLen int, opcode ...byte) [4]byte {
	var b [4]byte
	copy(b[:], opcode)
	return b
}

func rm(class ir.OperandClass, size int, role ir.OperandRole) ir.OperandEncoding {
	return ir.OperandEncoding{Class: class, Size: size, Role: role}
}

// aluFamily builds the encoding table shared by every two-operand ALU
// instruction (ADD, OR, AND, SUB, XOR, CMP): reg/mem OP reg, reg OP
// reg/mem, and reg/mem OP imm, each for byte/word/dword/qword operand
// sizes. The whole family differs only in a base opcode and an extension
// digit, so one generator produces all six tables.
func aluFamily(name string, rmrOp, rrmOp, immOp8, immOpWide, digit byte) *ir.Mnemonic {
	var rows []ir.InstructionEncoding
	for _, sz := range []int{1, 2, 4, 8} {
		rmrOpcode := rmrOp
		rrmOpcode := rrmOp
		if sz != 1 {
			rmrOpcode++
			rrmOpcode++
		}
		rows = append(rows, ir.InstructionEncoding{
			OpCode: enc(1, rmrOpcode), OpCodeLen: 1,
			ExtensionType: ir.ExtensionRegister,
			Operands: [3]ir.OperandEncoding{
				rm(ir.ClassRegisterMemory, sz, ir.RoleModRMRM),
				rm(ir.ClassRegister, sz, ir.RoleModRMReg),
			},
			NumOperands: 2,
		})
		rows = append(rows, ir.InstructionEncoding{
			OpCode: enc(1, rrmOpcode), OpCodeLen: 1,
			ExtensionType: ir.ExtensionRegister,
			Operands: [3]ir.OperandEncoding{
				rm(ir.ClassRegister, sz, ir.RoleModRMReg),
				rm(ir.ClassRegisterMemory, sz, ir.RoleModRMRM),
			},
			NumOperands: 2,
		})
		if sz != 1 {
			// Sign-extended imm8 form, preferred whenever the front end hands
			// in a byte-sized immediate for a wider destination.
			rows = append(rows, ir.InstructionEncoding{
				OpCode: enc(1, 0x83), OpCodeLen: 1,
				ExtensionType: ir.ExtensionOpCode, OpCodeExtension: digit,
				Operands: [3]ir.OperandEncoding{
					rm(ir.ClassRegisterMemory, sz, ir.RoleModRMRM),
					rm(ir.ClassImmediate, 1, ir.RoleImmediate),
				},
				NumOperands: 2,
			})
		}
		immOpcode := immOpWide
		immSize := sz
		if sz == 1 {
			immOpcode = immOp8
		} else if sz == 8 {
			immSize = 4 // sign-extended imm32 for 64-bit ALU ops
		}
		rows = append(rows, ir.InstructionEncoding{
			OpCode: enc(1, immOpcode), OpCodeLen: 1,
			ExtensionType: ir.ExtensionOpCode, OpCodeExtension: digit,
			Operands: [3]ir.OperandEncoding{
				rm(ir.ClassRegisterMemory, sz, ir.RoleModRMRM),
				rm(ir.ClassImmediate, immSize, ir.RoleImmediate),
			},
			NumOperands: 2,
		})
	}
	return &ir.Mnemonic{Name: name, Encodings: rows}
}

// group3 builds the single-operand NOT/NEG/MUL/IMUL/DIV/IDIV family (opcode
// 0xF6 for byte, 0xF7 wider, extension digit selects the operation).
func group3(name string, digit byte) *ir.Mnemonic {
	var rows []ir.InstructionEncoding
	for _, sz := range []int{1, 2, 4, 8} {
		opcode := byte(0xF7)
		if sz == 1 {
			opcode = 0xF6
		}
		rows = append(rows, ir.InstructionEncoding{
			OpCode: enc(1, opcode), OpCodeLen: 1,
			ExtensionType: ir.ExtensionOpCode, OpCodeExtension: digit,
			Operands:    [3]ir.OperandEncoding{rm(ir.ClassRegisterMemory, sz, ir.RoleModRMRM)},
			NumOperands: 1,
		})
	}
	return &ir.Mnemonic{Name: name, Encodings: rows}
}

// group2Imm8 builds the shift/rotate family (opcode 0xC0/0xC1 with an imm8
// shift count).
func group2Imm8(name string, digit byte) *ir.Mnemonic {
	var rows []ir.InstructionEncoding
	for _, sz := range []int{1, 2, 4, 8} {
		opcode := byte(0xC1)
		if sz == 1 {
			opcode = 0xC0
		}
		rows = append(rows, ir.InstructionEncoding{
			OpCode: enc(1, opcode), OpCodeLen: 1,
			ExtensionType: ir.ExtensionOpCode, OpCodeExtension: digit,
			Operands: [3]ir.OperandEncoding{
				rm(ir.ClassRegisterMemory, sz, ir.RoleModRMRM),
				rm(ir.ClassImmediate, 1, ir.RoleImmediate),
			},
			NumOperands: 2,
		})
	}
	return &ir.Mnemonic{Name: name, Encodings: rows}
}

var (
	ADD = aluFamily("add", 0x00, 0x02, 0x80, 0x81, 0)
	OR  = aluFamily("or", 0x08, 0x0A, 0x80, 0x81, 1)
	AND = aluFamily("and", 0x20, 0x22, 0x80, 0x81, 4)
	SUB = aluFamily("sub", 0x28, 0x2A, 0x80, 0x81, 5)
	XOR = aluFamily("xor", 0x30, 0x32, 0x80, 0x81, 6)
	CMP = aluFamily("cmp", 0x38, 0x3A, 0x80, 0x81, 7)

	NOT  = group3("not", 2)
	NEG  = group3("neg", 3)
	MUL  = group3("mul", 4)
	IMUL = group3("imul", 5)
	DIV  = group3("div", 6)
	IDIV = group3("idiv", 7)

	SHL = group2Imm8("shl", 4)
	SHR = group2Imm8("shr", 5)
	ROL = group2Imm8("rol", 0)
	ROR = group2Imm8("ror", 1)
)

// IMUL2 is the two-operand "reg, r/m" form (0F AF), the variant the core
// actually needs beyond the group3 one-operand IMUL (rdx:rax <- rax * r/m).
var IMUL2 = &ir.Mnemonic{
	Name: "imul",
	Encodings: []ir.InstructionEncoding{
		{
			OpCode: enc(2, 0x0F, 0xAF), OpCodeLen: 2,
			ExtensionType: ir.ExtensionRegister,
			Operands: [3]ir.OperandEncoding{
				rm(ir.ClassRegister, 4, ir.RoleModRMReg),
				rm(ir.ClassRegisterMemory, 4, ir.RoleModRMRM),
			},
			NumOperands: 2,
		},
		{
			OpCode: enc(2, 0x0F, 0xAF), OpCodeLen: 2,
			ExtensionType: ir.ExtensionRegister,
			Operands: [3]ir.OperandEncoding{
				rm(ir.ClassRegister, 8, ir.RoleModRMReg),
				rm(ir.ClassRegisterMemory, 8, ir.RoleModRMRM),
			},
			NumOperands: 2,
		},
	},
}

func incDecFamily(name string, digit byte) *ir.Mnemonic {
	var rows []ir.InstructionEncoding
	for _, sz := range []int{2, 4, 8} {
		rows = append(rows, ir.InstructionEncoding{
			OpCode: enc(1, 0xFF), OpCodeLen: 1,
			ExtensionType: ir.ExtensionOpCode, OpCodeExtension: digit,
			Operands:    [3]ir.OperandEncoding{rm(ir.ClassRegisterMemory, sz, ir.RoleModRMRM)},
			NumOperands: 1,
		})
	}
	rows = append(rows, ir.InstructionEncoding{
		OpCode: enc(1, 0xFE), OpCodeLen: 1,
		ExtensionType: ir.ExtensionOpCode, OpCodeExtension: digit,
		Operands:    [3]ir.OperandEncoding{rm(ir.ClassRegisterMemory, 1, ir.RoleModRMRM)},
		NumOperands: 1,
	})
	return &ir.Mnemonic{Name: name, Encodings: rows}
}

var (
	INC = incDecFamily("inc", 0)
	DEC = incDecFamily("dec", 1)
)

// MOV covers register<->register, register<->memory, immediate->register
// (including the 64-bit movabs form), and immediate->memory.
var MOV = &ir.Mnemonic{
	Name: "mov",
	Encodings: func() []ir.InstructionEncoding {
		var rows []ir.InstructionEncoding
		for _, sz := range []int{1, 2, 4, 8} {
			toOpcode, fromOpcode := byte(0x88), byte(0x8A)
			if sz != 1 {
				toOpcode, fromOpcode = 0x89, 0x8B
			}
			rows = append(rows,
				ir.InstructionEncoding{
					OpCode: enc(1, toOpcode), OpCodeLen: 1, ExtensionType: ir.ExtensionRegister,
					Operands: [3]ir.OperandEncoding{
						rm(ir.ClassRegisterMemory, sz, ir.RoleModRMRM),
						rm(ir.ClassRegister, sz, ir.RoleModRMReg),
					},
					NumOperands: 2,
				},
				ir.InstructionEncoding{
					OpCode: enc(1, fromOpcode), OpCodeLen: 1, ExtensionType: ir.ExtensionRegister,
					Operands: [3]ir.OperandEncoding{
						rm(ir.ClassRegister, sz, ir.RoleModRMReg),
						rm(ir.ClassRegisterMemory, sz, ir.RoleModRMRM),
					},
					NumOperands: 2,
				},
			)
		}
		// reg/mem <- imm: 0xC6 /0 ib (byte), 0xC7 /0 id (word/dword/qword,
		// sign-extended for the 64-bit case).
		for _, sz := range []int{1, 2, 4, 8} {
			opcode := byte(0xC7)
			immSize := sz
			if sz == 1 {
				opcode = 0xC6
			} else if sz == 8 {
				immSize = 4
			}
			rows = append(rows, ir.InstructionEncoding{
				OpCode: enc(1, opcode), OpCodeLen: 1,
				ExtensionType: ir.ExtensionOpCode, OpCodeExtension: 0,
				Operands: [3]ir.OperandEncoding{
					rm(ir.ClassRegisterMemory, sz, ir.RoleModRMRM),
					rm(ir.ClassImmediate, immSize, ir.RoleImmediate),
				},
				NumOperands: 2,
			})
		}
		// movabs reg64, imm64 (0xB8+r plus a full 8-byte immediate) must
		// come before the general C7 reg,imm32 row whenever a front end
		// hands in a full 64-bit immediate.
		rows = append([]ir.InstructionEncoding{{
			OpCode: enc(1, 0xB8), OpCodeLen: 1, ExtensionType: ir.ExtensionPlusRegister,
			Operands: [3]ir.OperandEncoding{
				rm(ir.ClassRegister, 8, ir.RoleOpcodeReg),
				rm(ir.ClassImmediate, 8, ir.RoleImmediate),
			},
			NumOperands: 2,
		}}, rows...)
		return rows
	}(),
}

// LEA loads an effective address; the memory operand carries no fixed byte
// size of its own (it is never dereferenced), so its encoding size is Any.
var LEA = &ir.Mnemonic{
	Name: "lea",
	Encodings: []ir.InstructionEncoding{
		{
			OpCode: enc(1, 0x8D), OpCodeLen: 1, ExtensionType: ir.ExtensionRegister,
			Operands: [3]ir.OperandEncoding{
				rm(ir.ClassRegister, 8, ir.RoleModRMReg),
				rm(ir.ClassMemory, ir.AnySize, ir.RoleModRMRM),
			},
			NumOperands: 2,
		},
		{
			OpCode: enc(1, 0x8D), OpCodeLen: 1, ExtensionType: ir.ExtensionRegister,
			Operands: [3]ir.OperandEncoding{
				rm(ir.ClassRegister, 4, ir.RoleModRMReg),
				rm(ir.ClassMemory, ir.AnySize, ir.RoleModRMRM),
			},
			NumOperands: 2,
		},
	},
}

// PUSH/POP operate on 64-bit GPRs only in long mode; REX.W is implied by
// the default 64-bit operand size so no prefix bit is required.
var PUSH = &ir.Mnemonic{
	Name: "push",
	Encodings: []ir.InstructionEncoding{
		{
			OpCode: enc(1, 0x50), OpCodeLen: 1, ExtensionType: ir.ExtensionPlusRegister, NoRexW: true,
			Operands:    [3]ir.OperandEncoding{rm(ir.ClassRegister, 8, ir.RoleOpcodeReg)},
			NumOperands: 1,
		},
		{
			OpCode: enc(1, 0xFF), OpCodeLen: 1, ExtensionType: ir.ExtensionOpCode, OpCodeExtension: 6, NoRexW: true,
			Operands:    [3]ir.OperandEncoding{rm(ir.ClassMemory, 8, ir.RoleModRMRM)},
			NumOperands: 1,
		},
	},
}

var POP = &ir.Mnemonic{
	Name: "pop",
	Encodings: []ir.InstructionEncoding{
		{
			OpCode: enc(1, 0x58), OpCodeLen: 1, ExtensionType: ir.ExtensionPlusRegister, NoRexW: true,
			Operands:    [3]ir.OperandEncoding{rm(ir.ClassRegister, 8, ir.RoleOpcodeReg)},
			NumOperands: 1,
		},
		{
			OpCode: enc(1, 0x8F), OpCodeLen: 1, ExtensionType: ir.ExtensionOpCode, OpCodeExtension: 0, NoRexW: true,
			Operands:    [3]ir.OperandEncoding{rm(ir.ClassMemory, 8, ir.RoleModRMRM)},
			NumOperands: 1,
		},
	},
}

// JMP: near rel32 and indirect through a register/memory.
var JMP = &ir.Mnemonic{
	Name: "jmp",
	Encodings: []ir.InstructionEncoding{
		{
			OpCode: enc(1, 0xE9), OpCodeLen: 1, ExtensionType: ir.ExtensionNone,
			Operands:    [3]ir.OperandEncoding{rm(ir.ClassImmediate, 4, ir.RoleImmediate)},
			NumOperands: 1,
		},
		{
			OpCode: enc(1, 0xFF), OpCodeLen: 1, ExtensionType: ir.ExtensionOpCode, OpCodeExtension: 4, NoRexW: true,
			Operands:    [3]ir.OperandEncoding{rm(ir.ClassRegisterMemory, 8, ir.RoleModRMRM)},
			NumOperands: 1,
		},
	},
}

// CALL: near rel32 and indirect.
var CALL = &ir.Mnemonic{
	Name: "call",
	Encodings: []ir.InstructionEncoding{
		{
			OpCode: enc(1, 0xE8), OpCodeLen: 1, ExtensionType: ir.ExtensionNone,
			Operands:    [3]ir.OperandEncoding{rm(ir.ClassImmediate, 4, ir.RoleImmediate)},
			NumOperands: 1,
		},
		{
			OpCode: enc(1, 0xFF), OpCodeLen: 1, ExtensionType: ir.ExtensionOpCode, OpCodeExtension: 2, NoRexW: true,
			Operands:    [3]ir.OperandEncoding{rm(ir.ClassRegisterMemory, 8, ir.RoleModRMRM)},
			NumOperands: 1,
		},
	},
}

// JCC is a single mnemonic shared by all the condition codes; the
// condition is carried as an Eflags operand and folded into the opcode's
// low nibble at encode time (ConditionEncoded).
var JCC = &ir.Mnemonic{
	Name: "jcc",
	Encodings: []ir.InstructionEncoding{
		{
			OpCode: enc(2, 0x0F, 0x80), OpCodeLen: 2, ExtensionType: ir.ExtensionNone, ConditionEncoded: true,
			Operands: [3]ir.OperandEncoding{
				rm(ir.ClassEflags, 1, ir.RoleNone),
				rm(ir.ClassImmediate, 4, ir.RoleImmediate),
			},
			NumOperands: 2,
		},
	},
}

// SETCC similarly folds the condition into the opcode's low nibble and
// writes a single byte 0/1 to a register or memory destination.
var SETCC = &ir.Mnemonic{
	Name: "setcc",
	Encodings: []ir.InstructionEncoding{
		{
			OpCode: enc(2, 0x0F, 0x90), OpCodeLen: 2, ExtensionType: ir.ExtensionOpCode, OpCodeExtension: 0, ConditionEncoded: true,
			Operands: [3]ir.OperandEncoding{
				rm(ir.ClassRegisterMemory, 1, ir.RoleModRMRM),
				rm(ir.ClassEflags, 1, ir.RoleNone),
			},
			NumOperands: 2,
		},
	},
}

// RET, SYSCALL and INT3 are fixed-width, operand-less encodings.
var (
	RET = &ir.Mnemonic{Name: "ret", Encodings: []ir.InstructionEncoding{
		{OpCode: enc(1, 0xC3), OpCodeLen: 1},
	}}
	SYSCALL = &ir.Mnemonic{Name: "syscall", Encodings: []ir.InstructionEncoding{
		{OpCode: enc(2, 0x0F, 0x05), OpCodeLen: 2},
	}}
	INT3 = &ir.Mnemonic{Name: "int3", Encodings: []ir.InstructionEncoding{
		{OpCode: enc(1, 0xCC), OpCodeLen: 1},
	}}
	// CDQ sign-extends EAX into EDX:EAX (needed before a 32-bit IDIV); CQO
	// does the same for RAX into RDX:RAX ahead of a 64-bit IDIV. Same
	// opcode; only the REX.W prefix distinguishes them, and CQO has no
	// operand to infer it from, so its row forces the prefix.
	CDQ = &ir.Mnemonic{Name: "cdq", Encodings: []ir.InstructionEncoding{
		{OpCode: enc(1, 0x99), OpCodeLen: 1},
	}}
	CQO = &ir.Mnemonic{Name: "cqo", Encodings: []ir.InstructionEncoding{
		{OpCode: enc(1, 0x99), OpCodeLen: 1, ForceRexW: true},
	}}
)

// movzxMovsx builds the MOVZX/MOVSX family: a dest register wider than the
// r/m source, source size encoded in the opcode's low nibble (0xB6/0xB7 for
// zero-extend, 0xBE/0xBF for sign-extend).
func movzxMovsxFamily(name string, byteOp, wordOp byte) *ir.Mnemonic {
	var rows []ir.InstructionEncoding
	for _, destSz := range []int{2, 4, 8} {
		rows = append(rows,
			ir.InstructionEncoding{
				OpCode: enc(2, 0x0F, byteOp), OpCodeLen: 2, ExtensionType: ir.ExtensionRegister,
				Operands: [3]ir.OperandEncoding{
					rm(ir.ClassRegister, destSz, ir.RoleModRMReg),
					rm(ir.ClassRegisterMemory, 1, ir.RoleModRMRM),
				},
				NumOperands: 2,
			},
		)
		if destSz != 2 {
			rows = append(rows, ir.InstructionEncoding{
				OpCode: enc(2, 0x0F, wordOp), OpCodeLen: 2, ExtensionType: ir.ExtensionRegister,
				Operands: [3]ir.OperandEncoding{
					rm(ir.ClassRegister, destSz, ir.RoleModRMReg),
					rm(ir.ClassRegisterMemory, 2, ir.RoleModRMRM),
				},
				NumOperands: 2,
			})
		}
	}
	return &ir.Mnemonic{Name: name, Encodings: rows}
}

var (
	MOVZX = movzxMovsxFamily("movzx", 0xB6, 0xB7)
	MOVSX = movzxMovsxFamily("movsx", 0xBE, 0xBF)
)

// MOVSX64 is the dword->qword sign-extend (plain 0x63 MOVSXD), distinct
// from the MOVSX byte/word-source family above.
var MOVSX64 = &ir.Mnemonic{
	Name: "movsxd",
	Encodings: []ir.InstructionEncoding{
		{
			OpCode: enc(1, 0x63), OpCodeLen: 1, ExtensionType: ir.ExtensionRegister,
			Operands: [3]ir.OperandEncoding{
				rm(ir.ClassRegister, 8, ir.RoleModRMReg),
				rm(ir.ClassRegisterMemory, 4, ir.RoleModRMRM),
			},
			NumOperands: 2,
		},
	},
}

// MOVSS/MOVSD move a single scalar float (32/64-bit) between XMM registers
// or memory, prefixed F3/F2 respectively.
func scalarFloatMove(name string, prefix byte, size int) *ir.Mnemonic {
	// The scalar width is carried entirely by the F3/F2 prefix; REX.W must
	// not appear even when the memory operand is 8 bytes wide.
	return &ir.Mnemonic{Name: name, Encodings: []ir.InstructionEncoding{
		{
			OpCode: enc(3, prefix, 0x0F, 0x10), OpCodeLen: 3, ExtensionType: ir.ExtensionRegister, NoRexW: true,
			Operands: [3]ir.OperandEncoding{
				rm(ir.ClassXmm, size, ir.RoleModRMReg),
				rm(ir.ClassXmmMemory, size, ir.RoleModRMRM),
			},
			NumOperands: 2,
		},
		{
			OpCode: enc(3, prefix, 0x0F, 0x11), OpCodeLen: 3, ExtensionType: ir.ExtensionRegister, NoRexW: true,
			Operands: [3]ir.OperandEncoding{
				rm(ir.ClassXmmMemory, size, ir.RoleModRMRM),
				rm(ir.ClassXmm, size, ir.RoleModRMReg),
			},
			NumOperands: 2,
		},
	}}
}

var (
	MOVSS = scalarFloatMove("movss", 0xF3, 4)
	MOVSD = scalarFloatMove("movsd", 0xF2, 8)
)

// REPMovsb is the "rep movsb" idiom the builder's memory-to-memory move
// falls back to for transfers too large to route through one scratch
// register (RCX counts, RSI/RDI advance one byte per iteration).
var REPMovsb = &ir.Mnemonic{
	Name: "rep movsb",
	Encodings: []ir.InstructionEncoding{
		{OpCode: enc(2, 0xF3, 0xA4), OpCodeLen: 2},
	},
}
