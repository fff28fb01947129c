package stackresolve

import (
	"bytes"
	"testing"

	"github.com/mass-lang/massc/internal/asmx64"
	"github.com/mass-lang/massc/internal/builder"
	"github.com/mass-lang/massc/internal/ir"
	"github.com/mass-lang/massc/internal/operand"
)

// testNonVolatile is the complement of the System V caller-saved set (RAX,
// RCX, RDX, RSI, RDI, R8-R11); tests hand it to Resolve directly.
var testNonVolatile = NonVolatileSet(^uint32(0) &^ (1<<0 | 1<<1 | 1<<2 | 1<<6 | 1<<7 | 1<<8 | 1<<9 | 1<<10 | 1<<11))

func newTestBuilder() *builder.FunctionBuilder {
	fn := &ir.FunctionInfo{Name: "test"}
	return builder.New(fn,
		operand.LabelRef{Valid: true, ID: 0},
		operand.LabelRef{Valid: true, ID: 1})
}

// TestDisplacementShrink tests that a local whose final offset fits in a
// signed byte loses three displacement bytes and flips Mod to 01
func TestDisplacementShrink(t *testing.T) {
	fb := newTestBuilder()
	local := fb.ReserveStack(8, 8, operand.Bits64)
	if err := fb.Emit(asmx64.MOV, operand.Register(operand.RAX, operand.Bits64), local); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	before := len(fb.Buffer())
	fb.Freeze()

	layout := Resolve(fb, testNonVolatile)

	after := len(fb.Buffer())
	if before-after != 3 {
		t.Fatalf("Expected the buffer to shrink by 3 bytes, got %d -> %d", before, after)
	}
	// Frame: 8 bytes of locals, no pushes; 8 (ret) + 8 must align to 16.
	if layout.FrameSize != 8 {
		t.Fatalf("Expected an 8-byte frame, got %d", layout.FrameSize)
	}
	// 48 8b 44 24 00 = MOV rax, [rsp+0] with Mod=01 disp8
	expected := []byte{0x48, 0x8B, 0x44, 0x24, 0x00}
	if !bytes.Equal(fb.Buffer(), expected) {
		t.Fatalf("Expected % X, got % X", expected, fb.Buffer())
	}
	if fb.Instructions()[0].EncodedLength != 5 {
		t.Errorf("Expected recorded length 5 after shrink, got %d", fb.Instructions()[0].EncodedLength)
	}
}

// TestDisplacementRewriteValue tests the arithmetic for a deep local that
// must stay disp32
func TestDisplacementRewriteValue(t *testing.T) {
	fb := newTestBuilder()
	first := fb.ReserveStack(8, 8, operand.Bits64) // offset -8
	fb.ReserveStack(256, 8, operand.Bits64)        // pushes reserve to 264
	if err := fb.Emit(asmx64.MOV, operand.Register(operand.RAX, operand.Bits64), first); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	fb.Freeze()

	layout := Resolve(fb, testNonVolatile)
	// 8 + 264 = 272 is already 16-aligned, so no padding is added.
	if layout.FrameSize != 264 {
		t.Fatalf("Expected a 264-byte frame, got %d", layout.FrameSize)
	}
	// first's final displacement: 264 + (-8) = 256, beyond disp8.
	buf := fb.Buffer()
	// 48 8b 84 24 00 01 00 00 = MOV rax, [rsp+256]
	expected := []byte{0x48, 0x8B, 0x84, 0x24, 0x00, 0x01, 0x00, 0x00}
	if !bytes.Equal(buf, expected) {
		t.Fatalf("Expected % X, got % X", expected, buf)
	}
}

// TestFrameAlignment tests the 16-byte call-site alignment invariant:
// stack_reserve + 8*pushes + 8 must be divisible by 16
func TestFrameAlignment(t *testing.T) {
	for _, localBytes := range []int{0, 4, 8, 12, 16, 24, 40, 100} {
		fb := newTestBuilder()
		if localBytes > 0 {
			fb.ReserveStack(localBytes, 4, operand.Bits32)
		}
		fb.RegisterAcquire(operand.RBX) // non-volatile: forces one push
		fb.RegisterRelease(operand.RBX)
		fb.Freeze()

		layout := Resolve(fb, testNonVolatile)
		total := layout.FrameSize + 8*layout.NonVolatilePushCount + 8
		if total%16 != 0 {
			t.Errorf("locals=%d: frame %d + pushes %d breaks 16-byte alignment",
				localBytes, layout.FrameSize, layout.NonVolatilePushCount)
		}
	}
}

// TestCallParametersFoldedIntoFrame tests that outbound call stack space
// joins the reservation exactly once
func TestCallParametersFoldedIntoFrame(t *testing.T) {
	fb := newTestBuilder()
	fb.ReserveStack(8, 8, operand.Bits64)
	fb.NoteCallArgumentsStackSize(32)
	fb.Freeze()

	layout := Resolve(fb, testNonVolatile)
	// 8 locals + 32 call area = 40, aligned to 8 = 40; 40+8 = 48 is
	// 16-aligned, so no padding.
	if layout.FrameSize != 40 {
		t.Fatalf("Expected a 40-byte frame, got %d", layout.FrameSize)
	}
}

// TestReceivedArgumentBase tests that a stack-passed parameter resolves
// above the return address and pushed registers
func TestReceivedArgumentBase(t *testing.T) {
	fb := newTestBuilder()
	arg := operand.Memory(
		operand.Indirect(operand.RSP, 32, operand.StackAreaReceivedArgument), operand.Bits64)
	if err := fb.Emit(asmx64.MOV, operand.Register(operand.RAX, operand.Bits64), arg); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	fb.RegisterAcquire(operand.RBX)
	fb.RegisterRelease(operand.RBX)
	fb.Freeze()

	layout := Resolve(fb, testNonVolatile)
	// One push, no locals: 8 + 8 = 16 already aligned, so frame stays 0.
	if layout.FrameSize != 0 || layout.NonVolatilePushCount != 1 {
		t.Fatalf("Unexpected layout %+v", layout)
	}
	// Argument base = 0 + 8 (push) + 8 (return address) = 16; offset 32
	// lands at rsp+48.
	expected := []byte{0x48, 0x8B, 0x44, 0x24, 0x30}
	if !bytes.Equal(fb.Buffer(), expected) {
		t.Fatalf("Expected % X, got % X", expected, fb.Buffer())
	}
}

// TestShrinkShiftsLaterPatches tests that removing displacement bytes
// rebases the patches that follow
func TestShrinkShiftsLaterPatches(t *testing.T) {
	fb := newTestBuilder()
	a := fb.ReserveStack(8, 8, operand.Bits64)
	b := fb.ReserveStack(8, 8, operand.Bits64)
	if err := fb.Emit(asmx64.MOV, operand.Register(operand.RAX, operand.Bits64), a); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if err := fb.Emit(asmx64.MOV, operand.Register(operand.RBX, operand.Bits64), b); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	fb.Freeze()

	Resolve(fb, testNonVolatile)
	// Writing rbx marks it used, so one push joins the 16 bytes of locals:
	// 8 + 8 + 16 = 32 is 16-aligned and the frame stays at 16. Both loads
	// shrink: [rsp+8] and [rsp+0].
	expected := []byte{
		0x48, 0x8B, 0x44, 0x24, 0x08, // MOV rax, [rsp+8]
		0x48, 0x8B, 0x5C, 0x24, 0x00, // MOV rbx, [rsp+0]
	}
	if !bytes.Equal(fb.Buffer(), expected) {
		t.Fatalf("Expected % X, got % X", expected, fb.Buffer())
	}
}
