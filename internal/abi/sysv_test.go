package abi

import (
	"testing"

	"github.com/mass-lang/massc/internal/ir"
	"github.com/mass-lang/massc/internal/operand"
)

// TestClassifyScalars tests the non-aggregate classification rules
func TestClassifyScalars(t *testing.T) {
	if c := ClassifySysV(s64Type); c.Class != SysVInteger || c.EightbyteCount != 1 {
		t.Errorf("s64 must classify INTEGER x1, got %+v", c)
	}
	if c := ClassifySysV(f64Type); c.Class != SysVSSE {
		t.Errorf("f64 must classify SSE, got %+v", c)
	}
	if c := ClassifySysV(ir.PointerTo(s32Type)); c.Class != SysVInteger {
		t.Errorf("Pointers must classify INTEGER, got %+v", c)
	}
	if c := ClassifySysV(ir.Void); c.Class != SysVNoClass {
		t.Errorf("Void must classify NO_CLASS, got %+v", c)
	}
}

// TestClassifyIntegerPair tests a {i64, i64} aggregate: two INTEGER
// eightbytes
func TestClassifyIntegerPair(t *testing.T) {
	c := ClassifySysV(pairStruct(s64Type, s64Type))
	if c.Class != SysVInteger || c.EightbyteCount != 2 {
		t.Fatalf("Expected INTEGER x2, got %+v", c)
	}
	if c.Eightbytes[0] != SysVInteger || c.Eightbytes[1] != SysVInteger {
		t.Errorf("Both eightbytes must be INTEGER, got %v", c.Eightbytes[:2])
	}
}

// TestClassifyMixedPair tests a {i64, f64} aggregate: INTEGER then SSE
func TestClassifyMixedPair(t *testing.T) {
	c := ClassifySysV(pairStruct(s64Type, f64Type))
	if c.EightbyteCount != 2 {
		t.Fatalf("Expected 2 eightbytes, got %+v", c)
	}
	if c.Eightbytes[0] != SysVInteger || c.Eightbytes[1] != SysVSSE {
		t.Errorf("Expected INTEGER,SSE, got %v", c.Eightbytes[:2])
	}
}

// TestClassifyTwoFloatsShareEightbyte tests that two f32 fields in one
// eightbyte merge to SSE
func TestClassifyTwoFloatsShareEightbyte(t *testing.T) {
	pair := ir.Struct([]ir.Field{
		{Name: "x", ByteOffset: 0, Type: f32Type},
		{Name: "y", ByteOffset: 4, Type: f32Type},
	})
	c := ClassifySysV(pair)
	if c.Class != SysVSSE || c.EightbyteCount != 1 {
		t.Fatalf("Expected SSE x1, got %+v", c)
	}
}

// TestClassifyFloatAndIntMergeToInteger tests the INTEGER-dominates merge
// rule within one eightbyte
func TestClassifyFloatAndIntMergeToInteger(t *testing.T) {
	mixed := ir.Struct([]ir.Field{
		{Name: "x", ByteOffset: 0, Type: f32Type},
		{Name: "n", ByteOffset: 4, Type: s32Type},
	})
	c := ClassifySysV(mixed)
	if c.Class != SysVInteger {
		t.Fatalf("Expected INTEGER, got %+v", c)
	}
}

// TestClassifyOversized tests that a 17-byte aggregate goes to MEMORY
func TestClassifyOversized(t *testing.T) {
	big := ir.Struct([]ir.Field{
		{Name: "a", ByteOffset: 0, Type: s64Type},
		{Name: "b", ByteOffset: 8, Type: s64Type},
		{Name: "c", ByteOffset: 16, Type: ir.Opaque(8, 8, false)},
	})
	c := ClassifySysV(big)
	if c.Class != SysVMemory {
		t.Fatalf("A 17-byte struct must classify MEMORY, got %+v", c)
	}
}

// TestClassifyMisalignedField tests the unaligned-field MEMORY rule
func TestClassifyMisalignedField(t *testing.T) {
	misaligned := ir.Struct([]ir.Field{
		{Name: "a", ByteOffset: 0, Type: ir.Opaque(8, 8, false)},
		{Name: "b", ByteOffset: 1, Type: s64Type},
	})
	c := ClassifySysV(misaligned)
	if c.Class != SysVMemory {
		t.Fatalf("A misaligned struct must classify MEMORY, got %+v", c)
	}
}

// TestClassifyArray tests fixed-size arrays through the same machinery
func TestClassifyArray(t *testing.T) {
	c := ClassifySysV(ir.FixedSizeArray(s64Type, 2))
	if c.Class != SysVInteger || c.EightbyteCount != 2 {
		t.Fatalf("[2]i64 must classify INTEGER x2, got %+v", c)
	}
	if ClassifySysV(ir.FixedSizeArray(s64Type, 3)).Class != SysVMemory {
		t.Error("[3]i64 exceeds two eightbytes and must classify MEMORY")
	}
}

// TestSysVArgumentRegisters tests the RDI..R9 GPR sequence and XMM floats
func TestSysVArgumentRegisters(t *testing.T) {
	fn := &ir.FunctionInfo{
		Name: "args",
		Parameters: []ir.Parameter{
			{Name: "a", Type: s64Type},
			{Name: "x", Type: f64Type},
			{Name: "b", Type: s64Type},
		},
		Returns: ir.Void,
	}
	setup, err := SystemV{}.Lower(fn)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	if setup.Arguments[0].Storage.Register != operand.RDI {
		t.Errorf("First integer argument must use RDI, got %+v", setup.Arguments[0].Storage)
	}
	// Unlike Windows, the float does not consume an integer slot.
	if setup.Arguments[1].Storage.Register != operand.XMM0 {
		t.Errorf("First float argument must use XMM0, got %+v", setup.Arguments[1].Storage)
	}
	if setup.Arguments[2].Storage.Register != operand.RSI {
		t.Errorf("Second integer argument must use RSI, got %+v", setup.Arguments[2].Storage)
	}
}

// TestSysVIntegerPairUnpacked tests that {i64,i64} spreads across RDI:RSI
func TestSysVIntegerPairUnpacked(t *testing.T) {
	fn := &ir.FunctionInfo{
		Name:       "pair",
		Parameters: []ir.Parameter{{Name: "p", Type: pairStruct(s64Type, s64Type)}},
		Returns:    ir.Void,
	}
	setup, err := SystemV{}.Lower(fn)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	s := setup.Arguments[0].Storage
	if s.Tag != operand.TagUnpacked {
		t.Fatalf("Expected an Unpacked storage, got %+v", s)
	}
	if s.UnpackedLow != operand.RDI || s.UnpackedHigh != operand.RSI {
		t.Errorf("Expected RDI:RSI, got %s:%s", s.UnpackedLow, s.UnpackedHigh)
	}
}

// TestSysVMixedPairUnpacked tests that {i64,f64} takes RDI and XMM0
func TestSysVMixedPairUnpacked(t *testing.T) {
	fn := &ir.FunctionInfo{
		Name:       "mixed",
		Parameters: []ir.Parameter{{Name: "p", Type: pairStruct(s64Type, f64Type)}},
		Returns:    ir.Void,
	}
	setup, err := SystemV{}.Lower(fn)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	s := setup.Arguments[0].Storage
	if s.Tag != operand.TagUnpacked {
		t.Fatalf("Expected an Unpacked storage, got %+v", s)
	}
	if s.UnpackedLow != operand.RDI || s.UnpackedHigh != operand.XMM0 {
		t.Errorf("Expected RDI:XMM0, got %s:%s", s.UnpackedLow, s.UnpackedHigh)
	}
}

// TestSysVMemoryArgumentOnStack tests the stack fallback for MEMORY-class
// values
func TestSysVMemoryArgumentOnStack(t *testing.T) {
	big := ir.Struct([]ir.Field{
		{Name: "a", ByteOffset: 0, Type: s64Type},
		{Name: "b", ByteOffset: 8, Type: s64Type},
		{Name: "c", ByteOffset: 16, Type: s64Type},
	})
	fn := &ir.FunctionInfo{
		Name:       "big",
		Parameters: []ir.Parameter{{Name: "v", Type: big}},
		Returns:    ir.Void,
	}
	setup, err := SystemV{}.Lower(fn)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	s := setup.Arguments[0].Storage
	if s.Tag != operand.TagMemory || s.Memory.StackArea != operand.StackAreaReceivedArgument {
		t.Fatalf("Expected a stack argument, got %+v", s)
	}
	if setup.ParametersStackSize != 24 {
		t.Errorf("Expected 24 bytes of stack parameters, got %d", setup.ParametersStackSize)
	}
}

// TestSysVRegisterExhaustion tests reclassification to MEMORY when the GPR
// pool runs out
func TestSysVRegisterExhaustion(t *testing.T) {
	params := make([]ir.Parameter, 7)
	for i := range params {
		params[i] = ir.Parameter{Name: "p", Type: s64Type}
	}
	fn := &ir.FunctionInfo{Name: "many", Parameters: params, Returns: ir.Void}
	setup, err := SystemV{}.Lower(fn)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	expectedRegs := []operand.Reg{
		operand.RDI, operand.RSI, operand.RDX, operand.RCX, operand.R8, operand.R9,
	}
	for i, reg := range expectedRegs {
		if setup.Arguments[i].Storage.Register != reg {
			t.Errorf("Argument %d: expected %s, got %+v", i, reg, setup.Arguments[i].Storage)
		}
	}
	seventh := setup.Arguments[6].Storage
	if seventh.Tag != operand.TagMemory {
		t.Fatalf("Seventh integer argument must fall to the stack, got %+v", seventh)
	}
}

// TestSysVReturns tests register and indirect returns
func TestSysVReturns(t *testing.T) {
	small := &ir.FunctionInfo{Name: "small", Returns: s64Type}
	setup, err := SystemV{}.Lower(small)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	if setup.CallerReturn.Register != operand.RAX {
		t.Errorf("Integer return must use RAX, got %+v", setup.CallerReturn)
	}

	floaty := &ir.FunctionInfo{Name: "floaty", Returns: f64Type}
	setup, err = SystemV{}.Lower(floaty)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	if setup.CallerReturn.Tag != operand.TagXmm || setup.CallerReturn.Register != operand.XMM0 {
		t.Errorf("Float return must use XMM0, got %+v", setup.CallerReturn)
	}
}

// TestSysVIndirectReturnConsumesRDI tests that a MEMORY return eats the
// first argument register
func TestSysVIndirectReturnConsumesRDI(t *testing.T) {
	big := ir.Struct([]ir.Field{
		{Name: "a", ByteOffset: 0, Type: s64Type},
		{Name: "b", ByteOffset: 8, Type: s64Type},
		{Name: "c", ByteOffset: 16, Type: s64Type},
	})
	fn := &ir.FunctionInfo{
		Name:       "returnsBig",
		Parameters: []ir.Parameter{{Name: "a", Type: s64Type}},
		Returns:    big,
	}
	setup, err := SystemV{}.Lower(fn)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	if setup.CallerReturn.Memory.Base != operand.RAX {
		t.Errorf("Caller must find the result address in RAX, got %+v", setup.CallerReturn)
	}
	if setup.CalleeReturn.Memory.Base != operand.RDI {
		t.Errorf("Callee must receive the address in RDI, got %+v", setup.CalleeReturn)
	}
	// The declared argument shifts to RSI.
	if setup.Arguments[0].Storage.Register != operand.RSI {
		t.Errorf("Declared argument must shift to RSI, got %+v", setup.Arguments[0].Storage)
	}
}
