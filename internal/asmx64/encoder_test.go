package asmx64

import (
	"bytes"
	"testing"

	"github.com/mass-lang/massc/internal/ir"
	"github.com/mass-lang/massc/internal/operand"
)

func encode(t *testing.T, m *ir.Mnemonic, ops ...operand.Storage) Result {
	t.Helper()
	res, err := Encode(ir.Assembly(m, ops...))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return res
}

func expectBytes(t *testing.T, res Result, expected []byte) {
	t.Helper()
	if !bytes.Equal(res.Bytes, expected) {
		t.Errorf("Expected % X, got % X", expected, res.Bytes)
	}
}

// TestMovRegToReg tests the 64-bit register-to-register MOV form
func TestMovRegToReg(t *testing.T) {
	res := encode(t, MOV,
		operand.Register(operand.RAX, operand.Bits64),
		operand.Register(operand.RBX, operand.Bits64))
	// 48 89 d8 = REX.W + MOV r/m64, r64 + ModR/M (11 011 000)
	expectBytes(t, res, []byte{0x48, 0x89, 0xD8})
}

// TestMovRegToReg16 tests that 16-bit operands get the 0x66 prefix
func TestMovRegToReg16(t *testing.T) {
	res := encode(t, MOV,
		operand.Register(operand.RAX, operand.Bits16),
		operand.Register(operand.RBX, operand.Bits16))
	// 66 89 d8 = operand-size prefix + MOV r/m16, r16 + ModR/M
	expectBytes(t, res, []byte{0x66, 0x89, 0xD8})
}

// TestMovImm32ToReg tests the C7 /0 immediate form
func TestMovImm32ToReg(t *testing.T) {
	res := encode(t, MOV,
		operand.Register(operand.RCX, operand.Bits32),
		operand.StaticFromU64(42, operand.Bits32))
	// c7 c1 2a 00 00 00 = MOV r/m32, imm32 with ModR/M (11 000 001)
	expectBytes(t, res, []byte{0xC7, 0xC1, 0x2A, 0x00, 0x00, 0x00})
}

// TestMovImm64ToReg tests the movabs B8+r form with a full 8-byte immediate
func TestMovImm64ToReg(t *testing.T) {
	res := encode(t, MOV,
		operand.Register(operand.RDX, operand.Bits64),
		operand.StaticFromU64(0x1122334455667788, operand.Bits64))
	expectBytes(t, res, []byte{0x48, 0xBA, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11})
}

// TestMovZeroBecomesXor tests that a zero immediate into a register is
// rewritten to a single xor of the register with itself
func TestMovZeroBecomesXor(t *testing.T) {
	res := encode(t, MOV,
		operand.Register(operand.RAX, operand.Bits32),
		operand.StaticFromU64(0, operand.Bits32))
	// 31 c0 = XOR r/m32, r32 (eax, eax)
	expectBytes(t, res, []byte{0x31, 0xC0})
}

// TestMovZeroToMemoryStaysMov tests that the xor rewrite only applies to
// register destinations
func TestMovZeroToMemoryStaysMov(t *testing.T) {
	dst := operand.Memory(operand.Indirect(operand.RAX, 0, operand.StackAreaNone), operand.Bits32)
	res := encode(t, MOV, dst, operand.StaticFromU64(0, operand.Bits32))
	// c7 00 00 00 00 00 = MOV dword [rax], 0
	expectBytes(t, res, []byte{0xC7, 0x00, 0x00, 0x00, 0x00, 0x00})
}

// TestAddRegToReg tests ADD with 64-bit registers
func TestAddRegToReg(t *testing.T) {
	res := encode(t, ADD,
		operand.Register(operand.RAX, operand.Bits64),
		operand.Register(operand.RBX, operand.Bits64))
	expectBytes(t, res, []byte{0x48, 0x01, 0xD8})
}

// TestSubRspImm8 tests the sign-extended imm8 ALU form used by prologues
func TestSubRspImm8(t *testing.T) {
	res := encode(t, SUB,
		operand.Register(operand.RSP, operand.Bits64),
		operand.StaticFromU64(0x28, operand.Bits8))
	// 48 83 ec 28 = REX.W + SUB r/m64, imm8 + ModR/M (/5) + imm
	expectBytes(t, res, []byte{0x48, 0x83, 0xEC, 0x28})
}

// TestCmpRegToImm32 tests CMP with a 32-bit immediate
func TestCmpRegToImm32(t *testing.T) {
	res := encode(t, CMP,
		operand.Register(operand.RAX, operand.Bits64),
		operand.StaticFromU64(1000, operand.Bits32))
	// 48 81 f8 e8 03 00 00 = REX.W + CMP r/m64, imm32 (/7)
	expectBytes(t, res, []byte{0x48, 0x81, 0xF8, 0xE8, 0x03, 0x00, 0x00})
}

// TestPushPopExtendedRegister tests that R12 gets REX.B on push/pop
func TestPushPopExtendedRegister(t *testing.T) {
	push := encode(t, PUSH, operand.Register(operand.R12, operand.Bits64))
	expectBytes(t, push, []byte{0x41, 0x54})
	pop := encode(t, POP, operand.Register(operand.R12, operand.Bits64))
	expectBytes(t, pop, []byte{0x41, 0x5C})
}

// TestPushRbx tests that push needs no REX for low registers
func TestPushRbx(t *testing.T) {
	res := encode(t, PUSH, operand.Register(operand.RBX, operand.Bits64))
	expectBytes(t, res, []byte{0x53})
}

// TestIdivReg tests the group-3 /7 form
func TestIdivReg(t *testing.T) {
	res := encode(t, IDIV, operand.Register(operand.RBX, operand.Bits64))
	// 48 f7 fb = REX.W + F7 /7
	expectBytes(t, res, []byte{0x48, 0xF7, 0xFB})
}

// TestImul2RegReg tests the two-operand 0F AF form
func TestImul2RegReg(t *testing.T) {
	res := encode(t, IMUL2,
		operand.Register(operand.RAX, operand.Bits64),
		operand.Register(operand.RBX, operand.Bits64))
	// 48 0f af c3 = IMUL rax, rbx
	expectBytes(t, res, []byte{0x48, 0x0F, 0xAF, 0xC3})
}

// TestShlImm8 tests the group-2 shift with an immediate count
func TestShlImm8(t *testing.T) {
	res := encode(t, SHL,
		operand.Register(operand.RAX, operand.Bits64),
		operand.StaticFromU64(4, operand.Bits8))
	// 48 c1 e0 04 = SHL rax, 4 (C1 /4)
	expectBytes(t, res, []byte{0x48, 0xC1, 0xE0, 0x04})
}

// TestNegReg tests the group-3 /3 form
func TestNegReg(t *testing.T) {
	res := encode(t, NEG, operand.Register(operand.RCX, operand.Bits32))
	// f7 d9 = NEG ecx
	expectBytes(t, res, []byte{0xF7, 0xD9})
}

// TestCdqCqo tests that only CQO carries REX.W
func TestCdqCqo(t *testing.T) {
	expectBytes(t, encode(t, CDQ), []byte{0x99})
	expectBytes(t, encode(t, CQO), []byte{0x48, 0x99})
}

// TestRetSyscallInt3 tests the fixed operand-less encodings
func TestRetSyscallInt3(t *testing.T) {
	expectBytes(t, encode(t, RET), []byte{0xC3})
	expectBytes(t, encode(t, SYSCALL), []byte{0x0F, 0x05})
	expectBytes(t, encode(t, INT3), []byte{0xCC})
}

// TestMemoryRbpZeroDisplacement tests the RBP special case: no-displacement
// encoding is impossible for an RBP base, so a zero disp8 is used
func TestMemoryRbpZeroDisplacement(t *testing.T) {
	mem := operand.Memory(operand.Indirect(operand.RBP, 0, operand.StackAreaNone), operand.Bits64)
	res := encode(t, MOV, mem, operand.Register(operand.RAX, operand.Bits64))
	// 48 89 45 00 = MOV [rbp+0], rax with Mod=01 and a zero disp8
	expectBytes(t, res, []byte{0x48, 0x89, 0x45, 0x00})
}

// TestMemoryRspNeedsSIB tests that an RSP base always gets a SIB byte
func TestMemoryRspNeedsSIB(t *testing.T) {
	mem := operand.Memory(operand.Indirect(operand.RSP, 8, operand.StackAreaNone), operand.Bits64)
	res := encode(t, MOV, mem, operand.Register(operand.RAX, operand.Bits64))
	// 48 89 44 24 08 = MOV [rsp+8], rax (SIB 00 100 100)
	expectBytes(t, res, []byte{0x48, 0x89, 0x44, 0x24, 0x08})
}

// TestMemoryWithIndex tests base+index addressing through SIB
func TestMemoryWithIndex(t *testing.T) {
	mem := operand.Memory(
		operand.IndirectIndexed(operand.RAX, operand.RCX, 0, operand.StackAreaNone), operand.Bits64)
	res := encode(t, MOV,
		operand.Register(operand.RDX, operand.Bits64), mem)
	// 48 8b 14 08 = MOV rdx, [rax+rcx] (SIB scale=1 index=rcx base=rax)
	expectBytes(t, res, []byte{0x48, 0x8B, 0x14, 0x08})
}

// TestStackAreaEmitsDisp32AndPatch tests that a symbolic stack operand is
// always emitted as disp32 with a recorded stack patch
func TestStackAreaEmitsDisp32AndPatch(t *testing.T) {
	mem := operand.Memory(operand.Indirect(operand.RSP, -8, operand.StackAreaLocal), operand.Bits64)
	res := encode(t, MOV, operand.Register(operand.RAX, operand.Bits64), mem)
	// 48 8b 84 24 f8 ff ff ff = MOV rax, [rsp+disp32] with Mod=10
	expectBytes(t, res, []byte{0x48, 0x8B, 0x84, 0x24, 0xF8, 0xFF, 0xFF, 0xFF})
	if len(res.StackPatches) != 1 {
		t.Fatalf("Expected 1 stack patch, got %d", len(res.StackPatches))
	}
	if res.StackPatches[0].Offset != 4 {
		t.Errorf("Expected stack patch at offset 4, got %d", res.StackPatches[0].Offset)
	}
	if res.StackPatches[0].Area != operand.StackAreaLocal {
		t.Errorf("Expected Local stack area, got %d", res.StackPatches[0].Area)
	}
}

// TestRipRelativeRecordsPatch tests RIP-relative memory operands
func TestRipRelativeRecordsPatch(t *testing.T) {
	label := operand.LabelRef{Valid: true, ID: 7}
	mem := operand.Memory(operand.InstructionPointerRelative(label), operand.Bits64)
	res := encode(t, LEA, operand.Register(operand.RDX, operand.Bits64), mem)
	// 48 8d 15 00 00 00 00 = LEA rdx, [rip+disp32]
	expectBytes(t, res, []byte{0x48, 0x8D, 0x15, 0x00, 0x00, 0x00, 0x00})
	if len(res.RelPatches) != 1 || res.RelPatches[0].Offset != 3 || res.RelPatches[0].Label.ID != 7 {
		t.Fatalf("Expected rel patch at offset 3 for label 7, got %+v", res.RelPatches)
	}
}

// TestCallThroughImportSlot tests the FF /2 indirect call through an
// RIP-relative pointer slot
func TestCallThroughImportSlot(t *testing.T) {
	label := operand.LabelRef{Valid: true, ID: 3}
	mem := operand.Memory(operand.InstructionPointerRelative(label), operand.Bits64)
	res := encode(t, CALL, mem)
	// ff 15 00 00 00 00 = CALL qword [rip+disp32]
	expectBytes(t, res, []byte{0xFF, 0x15, 0x00, 0x00, 0x00, 0x00})
	if len(res.RelPatches) != 1 || res.RelPatches[0].Offset != 2 {
		t.Fatalf("Expected rel patch at offset 2, got %+v", res.RelPatches)
	}
}

// TestJmpLabel tests the rel32 jump with a label operand
func TestJmpLabel(t *testing.T) {
	label := operand.LabelRef{Valid: true, ID: 5}
	res := encode(t, JMP, operand.Memory(operand.InstructionPointerRelative(label), operand.Bits32))
	// e9 00 00 00 00 = JMP rel32 (patched later)
	expectBytes(t, res, []byte{0xE9, 0x00, 0x00, 0x00, 0x00})
	if len(res.RelPatches) != 1 || res.RelPatches[0].Offset != 1 {
		t.Fatalf("Expected rel patch at offset 1, got %+v", res.RelPatches)
	}
}

// TestJccFoldsCondition tests that the condition lands in the opcode's low
// nibble
func TestJccFoldsCondition(t *testing.T) {
	label := operand.LabelRef{Valid: true, ID: 2}
	target := operand.Memory(operand.InstructionPointerRelative(label), operand.Bits32)

	res := encode(t, JCC, operand.Eflags(operand.Less), target)
	// 0f 8c = JL rel32
	expectBytes(t, res, []byte{0x0F, 0x8C, 0x00, 0x00, 0x00, 0x00})

	res = encode(t, JCC, operand.Eflags(operand.NotEqual), target)
	// 0f 85 = JNE rel32
	expectBytes(t, res, []byte{0x0F, 0x85, 0x00, 0x00, 0x00, 0x00})
}

// TestSetccFoldsCondition tests SETcc the same way
func TestSetccFoldsCondition(t *testing.T) {
	res := encode(t, SETCC,
		operand.Register(operand.RAX, operand.Bits8), operand.Eflags(operand.Equal))
	// 0f 94 c0 = SETE al
	expectBytes(t, res, []byte{0x0F, 0x94, 0xC0})
}

// TestMovzxByteToDword tests the zero-extending load
func TestMovzxByteToDword(t *testing.T) {
	res := encode(t, MOVZX,
		operand.Register(operand.RAX, operand.Bits32),
		operand.Register(operand.RAX, operand.Bits8))
	// 0f b6 c0 = MOVZX eax, al
	expectBytes(t, res, []byte{0x0F, 0xB6, 0xC0})
}

// TestMovsxdDwordToQword tests the 0x63 sign-extending load
func TestMovsxdDwordToQword(t *testing.T) {
	res := encode(t, MOVSX64,
		operand.Register(operand.RAX, operand.Bits64),
		operand.Register(operand.RCX, operand.Bits32))
	// 48 63 c1 = MOVSXD rax, ecx
	expectBytes(t, res, []byte{0x48, 0x63, 0xC1})
}

// TestMovssXmmToXmm tests that the F3 mandatory prefix precedes everything
func TestMovssXmmToXmm(t *testing.T) {
	res := encode(t, MOVSS,
		operand.Xmm(operand.XMM0, operand.Bits32),
		operand.Xmm(operand.XMM1, operand.Bits32))
	// f3 0f 10 c1 = MOVSS xmm0, xmm1
	expectBytes(t, res, []byte{0xF3, 0x0F, 0x10, 0xC1})
}

// TestMovsdToMemory tests the store direction with a 64-bit scalar; no
// REX.W may appear for XMM operands
func TestMovsdToMemory(t *testing.T) {
	mem := operand.Memory(operand.Indirect(operand.RAX, 0, operand.StackAreaNone), operand.Bits64)
	res := encode(t, MOVSD, mem, operand.Xmm(operand.XMM2, operand.Bits64))
	// f2 0f 11 10 = MOVSD [rax], xmm2
	expectBytes(t, res, []byte{0xF2, 0x0F, 0x11, 0x10})
}

// TestHighRegistersSetREXBits tests REX.R and REX.B together
func TestHighRegistersSetREXBits(t *testing.T) {
	res := encode(t, MOV,
		operand.Register(operand.R8, operand.Bits64),
		operand.Register(operand.R15, operand.Bits64))
	// 4d 8b c7? The r/m form selected is 89: [REX.W+R+B] 89 f8 with
	// r/m=r8, reg=r15: 4D 89 F8
	expectBytes(t, res, []byte{0x4D, 0x89, 0xF8})
}

// TestNoMatchingEncodingFails tests that a hopeless operand mix reports an
// error instead of emitting bytes
func TestNoMatchingEncodingFails(t *testing.T) {
	_, err := Encode(ir.Assembly(RET, operand.Register(operand.RAX, operand.Bits64)))
	if err == nil {
		t.Fatal("Expected an encoding error for ret with an operand")
	}
}

// TestEncoderDeterminism tests that identical input yields identical output
func TestEncoderDeterminism(t *testing.T) {
	label := operand.LabelRef{Valid: true, ID: 11}
	inst := ir.Assembly(MOV,
		operand.Register(operand.RAX, operand.Bits64),
		operand.Memory(operand.InstructionPointerRelative(label), operand.Bits64))
	first, err := Encode(inst)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	second, err := Encode(inst)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Equal(first.Bytes, second.Bytes) {
		t.Errorf("Bytes differ between runs: % X vs % X", first.Bytes, second.Bytes)
	}
	if len(first.RelPatches) != len(second.RelPatches) {
		t.Errorf("Patch records differ between runs")
	}
}

// TestRepMovsb tests the string-copy idiom used by large memory moves
func TestRepMovsb(t *testing.T) {
	expectBytes(t, encode(t, REPMovsb), []byte{0xF3, 0xA4})
}
