package abi

import (
	"github.com/mass-lang/massc/internal/diag"
	"github.com/mass-lang/massc/internal/ir"
	"github.com/mass-lang/massc/internal/operand"
)

// SysVClass is the System V AMD64 argument class assigned to a value or to
// one eightbyte slot of an aggregate.
type SysVClass int

const (
	SysVNoClass SysVClass = iota
	SysVInteger
	SysVSSE
	SysVSSEUp
	SysVX87
	SysVX87Up
	SysVComplexX87
	SysVMemory
)

func (c SysVClass) String() string {
	switch c {
	case SysVNoClass:
		return "NO_CLASS"
	case SysVInteger:
		return "INTEGER"
	case SysVSSE:
		return "SSE"
	case SysVSSEUp:
		return "SSEUP"
	case SysVX87:
		return "X87"
	case SysVX87Up:
		return "X87UP"
	case SysVComplexX87:
		return "COMPLEX_X87"
	case SysVMemory:
		return "MEMORY"
	default:
		return "?"
	}
}

// SysVClassification is the result of classifying one value: the merged
// whole-argument class, the per-eightbyte classes, and how many eightbytes
// the value occupies.
type SysVClassification struct {
	Class          SysVClass
	Descriptor     *ir.Descriptor
	EightbyteCount int
	Eightbytes     [8]SysVClass
}

// neededRegisters counts how many general-purpose and vector registers this
// classification consumes if passed in registers.
func (c *SysVClassification) neededRegisters() (general, vector int) {
	if c.Class == SysVMemory || c.Class == SysVNoClass {
		return 0, 0
	}
	for i := 0; i < c.EightbyteCount; i++ {
		switch c.Eightbytes[i] {
		case SysVInteger:
			general++
		case SysVSSE:
			vector++
		}
	}
	return general, vector
}

// ClassifySysV classifies a descriptor per the System V AMD64 ABI. Scalars
// up to one eightbyte are INTEGER or SSE directly; aggregates run the
// recursive eightbyte merge with the standard post-merger cleanup.
func ClassifySysV(d *ir.Descriptor) SysVClassification {
	byteSize := d.ByteSize()

	switch d.Tag {
	case ir.DescriptorVoid:
		return SysVClassification{Class: SysVNoClass, Descriptor: d}
	case ir.DescriptorOpaque, ir.DescriptorPointerTo, ir.DescriptorFunctionInstance:
		if byteSize == 0 {
			return SysVClassification{Class: SysVNoClass, Descriptor: d}
		}
		if byteSize <= 8 {
			class := SysVInteger
			if d.IsFloatScalar() {
				class = SysVSSE
			}
			c := SysVClassification{Class: class, Descriptor: d, EightbyteCount: 1}
			c.Eightbytes[0] = class
			return c
		}
		return SysVClassification{Class: SysVMemory, Descriptor: d}
	case ir.DescriptorStruct, ir.DescriptorFixedSizeArray:
		// Handled below.
	default:
		return SysVClassification{Class: SysVMemory, Descriptor: d}
	}

	// An aggregate larger than eight eightbytes, or containing a misaligned
	// field, is MEMORY outright.
	if byteSize > 8*8 || hasUnalignedField(d, 0) {
		return SysVClassification{Class: SysVMemory, Descriptor: d}
	}

	c := SysVClassification{
		Descriptor:     d,
		EightbyteCount: (byteSize + 7) / 8,
	}
	classifyFieldsRecursively(&c, d, 0)

	// Post-merger cleanup.
	merged := SysVNoClass
	for i := 0; i < c.EightbyteCount; i++ {
		class := c.Eightbytes[i]
		preceding := SysVNoClass
		if i > 0 {
			preceding = c.Eightbytes[i-1]
		}
		if class == SysVMemory {
			merged = SysVMemory
			break
		}
		if class == SysVX87Up && preceding != SysVX87 {
			merged = SysVMemory
			break
		}
		if byteSize > 2*8 {
			if i == 0 {
				if class != SysVSSE {
					merged = SysVMemory
					break
				}
			} else if class != SysVSSEUp {
				merged = SysVMemory
				break
			}
		}
		if class == SysVSSEUp && preceding != SysVSSE && preceding != SysVSSEUp {
			c.Eightbytes[i] = SysVSSE
		}
	}
	if merged == SysVMemory {
		return SysVClassification{Class: SysVMemory, Descriptor: d}
	}

	c.Class = c.Eightbytes[0]
	return c
}

// hasUnalignedField reports whether any scalar field of the aggregate sits
// at an offset not divisible by its own alignment.
func hasUnalignedField(d *ir.Descriptor, base int) bool {
	switch d.Tag {
	case ir.DescriptorStruct:
		for _, f := range d.Fields {
			offset := base + f.ByteOffset
			if offset%f.Type.ByteAlignment() != 0 {
				return true
			}
			if hasUnalignedField(f.Type, offset) {
				return true
			}
		}
	case ir.DescriptorFixedSizeArray:
		itemSize := d.ItemType.ByteSize()
		for i := 0; i < d.Length; i++ {
			offset := base + i*itemSize
			if offset%d.ItemType.ByteAlignment() != 0 {
				return true
			}
			if hasUnalignedField(d.ItemType, offset) {
				return true
			}
		}
	}
	return false
}

// classifyFieldsRecursively merges every scalar field's class into the
// eightbyte slot it occupies. A scalar never straddles an eightbyte
// boundary: misaligned aggregates were already rejected.
func classifyFieldsRecursively(c *SysVClassification, d *ir.Descriptor, base int) {
	forEachField(d, base, func(field *ir.Descriptor, offset int) {
		switch field.Tag {
		case ir.DescriptorStruct, ir.DescriptorFixedSizeArray:
			classifyFieldsRecursively(c, field, offset)
			return
		}

		size := field.ByteSize()
		slot := offset / 8
		if size > 0 {
			end := (offset + size - 1) / 8
			if slot != end {
				panic("abi: scalar field crosses an eightbyte boundary")
			}
		}
		if slot >= c.EightbyteCount {
			panic("abi: field offset exceeds aggregate size")
		}

		fieldClass := SysVNoClass
		switch {
		case size == 0:
			fieldClass = SysVNoClass
		case size <= 8:
			if field.IsFloatScalar() {
				fieldClass = SysVSSE
			} else {
				fieldClass = SysVInteger
			}
		default:
			fieldClass = SysVMemory
		}

		c.Eightbytes[slot] = mergeEightbyteClasses(c.Eightbytes[slot], fieldClass)
	})
}

// mergeEightbyteClasses combines two classes meeting in the same eightbyte.
func mergeEightbyteClasses(a, b SysVClass) SysVClass {
	switch {
	case a == b:
		return a
	case a == SysVNoClass:
		return b
	case b == SysVNoClass:
		return a
	case a == SysVMemory || b == SysVMemory:
		return SysVMemory
	case a == SysVInteger || b == SysVInteger:
		return SysVInteger
	case a == SysVX87 || a == SysVX87Up || a == SysVComplexX87,
		b == SysVX87 || b == SysVX87Up || b == SysVComplexX87:
		return SysVMemory
	default:
		return SysVSSE
	}
}

func forEachField(d *ir.Descriptor, base int, fn func(field *ir.Descriptor, offset int)) {
	switch d.Tag {
	case ir.DescriptorStruct:
		for _, f := range d.Fields {
			fn(f.Type, base+f.ByteOffset)
		}
	case ir.DescriptorFixedSizeArray:
		itemSize := d.ItemType.ByteSize()
		for i := 0; i < d.Length; i++ {
			fn(d.ItemType, base+i*itemSize)
		}
	}
}

// registerPool hands out registers from a fixed sequence.
type registerPool struct {
	items []operand.Reg
	index int
}

func (p *registerPool) remaining() int { return len(p.items) - p.index }

func (p *registerPool) take() operand.Reg {
	r := p.items[p.index]
	p.index++
	return r
}

var sysvGeneralRegisters = []operand.Reg{
	operand.RDI, operand.RSI, operand.RDX, operand.RCX, operand.R8, operand.R9,
}
var sysvVectorRegisters = []operand.Reg{
	operand.XMM0, operand.XMM1, operand.XMM2, operand.XMM3,
	operand.XMM4, operand.XMM5, operand.XMM6, operand.XMM7,
}

// sysvVolatile: argument registers, return registers, and R10/R11.
var sysvVolatile = bitsetOf(
	operand.RDI, operand.RSI, operand.RDX, operand.RCX, operand.R8, operand.R9,
	operand.RAX,
	operand.R10, operand.R11,
)

// SystemV implements the System V AMD64 calling convention.
type SystemV struct{}

func (SystemV) Name() string { return "x86_64-system-v" }

func (SystemV) VolatileRegisters() uint32 { return sysvVolatile }

func (SystemV) Lower(fn *ir.FunctionInfo) (FunctionCallSetup, error) {
	setup := FunctionCallSetup{Jump: JumpCall, VolatileRegisters: sysvVolatile}

	indirectReturn := false
	if fn.Returns != nil && !fn.Returns.IsVoid() {
		classification := ClassifySysV(fn.Returns)
		if classification.Class == SysVMemory {
			indirectReturn = true
			bits := operand.Bits(fn.Returns.BitSizeOf())
			setup.CallerReturn = storageIndirect(operand.RAX, bits)
			setup.CalleeReturn = storageIndirect(operand.RDI, bits)
		} else {
			general := registerPool{items: []operand.Reg{operand.RAX, operand.RDX}}
			vector := registerPool{items: []operand.Reg{operand.XMM0, operand.XMM1}}
			ret, err := storageForClassification(&classification, &general, &vector, nil)
			if err != nil {
				return FunctionCallSetup{}, err
			}
			setup.CallerReturn = ret
			setup.CalleeReturn = ret
		}
	}

	general := registerPool{items: sysvGeneralRegisters}
	vector := registerPool{items: sysvVectorRegisters}
	if indirectReturn {
		// RDI carries the return destination address and is consumed before
		// any declared argument.
		general.take()
	}

	stackOffset := uint32(0)
	for _, p := range fn.Parameters {
		classification := ClassifySysV(p.Type)
		adjustIfNoRegisterAvailable(&classification, &general, &vector)

		storage, err := storageForClassification(&classification, &general, &vector, &stackOffset)
		if err != nil {
			return FunctionCallSetup{}, err
		}
		setup.Arguments = append(setup.Arguments, ArgumentStorage{
			Name:       p.Name,
			Descriptor: p.Type,
			Storage:    storage,
		})
	}
	setup.ParametersStackSize = alignU32(stackOffset, 8)

	if indirectReturn {
		setup.IndirectReturnArgument = &ArgumentStorage{
			Descriptor: fn.Returns,
			Storage:    storageIndirect(operand.RDI, operand.Bits(fn.Returns.BitSizeOf())),
		}
	}
	return setup, nil
}

// adjustIfNoRegisterAvailable reclassifies a register-class argument as
// MEMORY when the register pools cannot cover its eightbytes.
func adjustIfNoRegisterAvailable(c *SysVClassification, general, vector *registerPool) {
	if c.Class != SysVInteger && c.Class != SysVSSE {
		return
	}
	needGeneral, needVector := c.neededRegisters()
	if needGeneral > general.remaining() || needVector > vector.remaining() {
		c.Class = SysVMemory
	}
}

// storageForClassification assigns the concrete storage for a classified
// value: a single register, an Unpacked register pair for two-eightbyte
// aggregates, or a stack slot for MEMORY. stackOffset is nil in return
// position, where MEMORY is handled by the caller via indirect storage.
func storageForClassification(
	c *SysVClassification, general, vector *registerPool, stackOffset *uint32,
) (operand.Storage, error) {
	bits := operand.Bits(c.Descriptor.BitSizeOf())
	switch c.Class {
	case SysVNoClass:
		return operand.None, nil

	case SysVInteger, SysVSSE:
		switch c.EightbyteCount {
		case 1:
			if c.Eightbytes[0] == SysVSSE {
				return operand.Xmm(vector.take(), bits), nil
			}
			return operand.Register(general.take(), bits), nil
		case 2:
			var regs [2]operand.Reg
			for i := 0; i < 2; i++ {
				if c.Eightbytes[i] == SysVSSE {
					regs[i] = vector.take()
				} else {
					regs[i] = general.take()
				}
			}
			return operand.Unpacked(regs[0], regs[1]), nil
		default:
			return operand.Storage{}, diag.New(diag.KindUnimplemented, diag.CategoryCallingConvention,
				"system-v: unexpected eightbyte count %d for a register-class argument", c.EightbyteCount)
		}

	case SysVMemory:
		if stackOffset == nil {
			return operand.Storage{}, diag.New(diag.KindUnimplemented, diag.CategoryCallingConvention,
				"system-v: MEMORY class reached register storage assignment")
		}
		alignment := uint32(c.Descriptor.ByteAlignment())
		if alignment < 8 {
			alignment = 8
		}
		*stackOffset = alignU32(*stackOffset, alignment)
		storage := operand.Memory(
			operand.Indirect(operand.RSP, int32(*stackOffset), operand.StackAreaReceivedArgument), bits)
		*stackOffset += uint32(c.Descriptor.ByteSize())
		return storage, nil

	default:
		return operand.Storage{}, diag.New(diag.KindUnimplemented, diag.CategoryCallingConvention,
			"system-v: argument class %s is not supported", c.Class)
	}
}

func alignU32(v, alignment uint32) uint32 {
	if rem := v % alignment; rem != 0 {
		v += alignment - rem
	}
	return v
}
