package abi

import (
	"testing"

	"github.com/mass-lang/massc/internal/ir"
	"github.com/mass-lang/massc/internal/operand"
)

var (
	s32Type = ir.Opaque(32, 32, false)
	s64Type = ir.Opaque(64, 64, false)
	f64Type = ir.Opaque(64, 64, true)
	f32Type = ir.Opaque(32, 32, true)
)

func pairStruct(a, b *ir.Descriptor) *ir.Descriptor {
	return ir.Struct([]ir.Field{
		{Name: "first", ByteOffset: 0, Type: a},
		{Name: "second", ByteOffset: 8, Type: b},
	})
}

// TestWindowsIntegerArguments tests the RCX/RDX/R8/R9 sequence and the
// spill to the stack above the home area
func TestWindowsIntegerArguments(t *testing.T) {
	fn := &ir.FunctionInfo{
		Name: "five",
		Parameters: []ir.Parameter{
			{Name: "a", Type: s64Type},
			{Name: "b", Type: s64Type},
			{Name: "c", Type: s64Type},
			{Name: "d", Type: s64Type},
			{Name: "e", Type: s64Type},
		},
		Returns: ir.Void,
	}
	setup, err := WindowsX64{}.Lower(fn)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}

	expectedRegs := []operand.Reg{operand.RCX, operand.RDX, operand.R8, operand.R9}
	for i, reg := range expectedRegs {
		s := setup.Arguments[i].Storage
		if s.Tag != operand.TagRegister || s.Register != reg {
			t.Errorf("Argument %d: expected %s, got %+v", i, reg, s)
		}
	}

	fifth := setup.Arguments[4].Storage
	if fifth.Tag != operand.TagMemory || fifth.Memory.Offset != 32 ||
		fifth.Memory.StackArea != operand.StackAreaReceivedArgument {
		t.Errorf("Fifth argument must live at [stack+32], got %+v", fifth)
	}

	// Home area for 4 plus one spilled argument.
	if setup.ParametersStackSize != 40 {
		t.Errorf("Expected 40 bytes of parameter stack, got %d", setup.ParametersStackSize)
	}
}

// TestWindowsSharedSlotCounter tests that a float consumes the positional
// XMM register and the slot, not a separate counter
func TestWindowsSharedSlotCounter(t *testing.T) {
	fn := &ir.FunctionInfo{
		Name: "mixed",
		Parameters: []ir.Parameter{
			{Name: "a", Type: s64Type},
			{Name: "x", Type: f64Type},
			{Name: "b", Type: s64Type},
		},
		Returns: ir.Void,
	}
	setup, err := WindowsX64{}.Lower(fn)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	if setup.Arguments[0].Storage.Register != operand.RCX {
		t.Errorf("First argument must use RCX, got %+v", setup.Arguments[0].Storage)
	}
	if setup.Arguments[1].Storage.Tag != operand.TagXmm ||
		setup.Arguments[1].Storage.Register != operand.XMM1 {
		t.Errorf("Float in slot 1 must use XMM1, got %+v", setup.Arguments[1].Storage)
	}
	if setup.Arguments[2].Storage.Register != operand.R8 {
		t.Errorf("Third argument must use R8, got %+v", setup.Arguments[2].Storage)
	}
}

// TestWindowsLargeArgumentByPointer tests that a >64-bit argument travels
// as a hidden pointer occupying the slot
func TestWindowsLargeArgumentByPointer(t *testing.T) {
	big := pairStruct(s64Type, s64Type)
	fn := &ir.FunctionInfo{
		Name:       "takesBig",
		Parameters: []ir.Parameter{{Name: "v", Type: big}},
		Returns:    ir.Void,
	}
	setup, err := WindowsX64{}.Lower(fn)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	arg := setup.Arguments[0]
	if arg.Storage.Tag != operand.TagRegister || arg.Storage.Register != operand.RCX {
		t.Fatalf("Expected the pointer in RCX, got %+v", arg.Storage)
	}
	if arg.Storage.BitSize != operand.Bits64 {
		t.Errorf("Expected a 64-bit pointer slot, got %d bits", arg.Storage.BitSize)
	}
	if arg.Descriptor.Tag != ir.DescriptorPointerTo {
		t.Errorf("Expected the parameter descriptor to become a pointer")
	}
}

// TestWindowsReturns tests the RAX/XMM0/indirect return rules
func TestWindowsReturns(t *testing.T) {
	small := &ir.FunctionInfo{Name: "small", Returns: s32Type}
	setup, err := WindowsX64{}.Lower(small)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	if setup.CallerReturn.Tag != operand.TagRegister || setup.CallerReturn.Register != operand.RAX {
		t.Errorf("Small integer return must use RAX, got %+v", setup.CallerReturn)
	}

	floaty := &ir.FunctionInfo{Name: "floaty", Returns: f32Type}
	setup, err = WindowsX64{}.Lower(floaty)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	if setup.CallerReturn.Tag != operand.TagXmm || setup.CallerReturn.Register != operand.XMM0 {
		t.Errorf("Float return must use XMM0, got %+v", setup.CallerReturn)
	}
}

// TestWindowsIndirectReturnShiftsArguments tests that a big return's hidden
// pointer consumes the first slot
func TestWindowsIndirectReturnShiftsArguments(t *testing.T) {
	big := pairStruct(s64Type, s64Type)
	fn := &ir.FunctionInfo{
		Name:       "returnsBig",
		Parameters: []ir.Parameter{{Name: "a", Type: s64Type}},
		Returns:    big,
	}
	setup, err := WindowsX64{}.Lower(fn)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	if setup.IndirectReturnArgument == nil {
		t.Fatal("Expected a hidden return pointer argument")
	}
	// Caller sees the result address in RAX, callee receives it in RCX.
	if setup.CallerReturn.Memory.Base != operand.RAX {
		t.Errorf("Caller return must be indirect through RAX, got %+v", setup.CallerReturn)
	}
	if setup.CalleeReturn.Memory.Base != operand.RCX {
		t.Errorf("Callee return must be indirect through RCX, got %+v", setup.CalleeReturn)
	}
	// The declared argument shifts to RDX.
	if setup.Arguments[0].Storage.Register != operand.RDX {
		t.Errorf("First declared argument must shift to RDX, got %+v", setup.Arguments[0].Storage)
	}
}

// TestCallTargetView tests the caller-side flip of stack argument areas
func TestCallTargetView(t *testing.T) {
	fn := &ir.FunctionInfo{
		Name: "spill",
		Parameters: []ir.Parameter{
			{Name: "a", Type: s64Type},
			{Name: "b", Type: s64Type},
			{Name: "c", Type: s64Type},
			{Name: "d", Type: s64Type},
			{Name: "e", Type: s64Type},
		},
		Returns: ir.Void,
	}
	setup, err := WindowsX64{}.Lower(fn)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	callerView := setup.CallTargetView(4)
	if callerView.Memory.StackArea != operand.StackAreaCallTargetArgument {
		t.Errorf("Caller view must use the outbound argument area, got %+v", callerView)
	}
	// The callee-side record is untouched.
	if setup.Arguments[4].Storage.Memory.StackArea != operand.StackAreaReceivedArgument {
		t.Error("CallTargetView must not mutate the setup")
	}
}
