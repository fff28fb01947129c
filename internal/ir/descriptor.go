package ir

// DescriptorTag discriminates the type-descriptor shapes a front end can
// hand the core. The core never interprets a descriptor's semantic meaning
// beyond size, alignment, and aggregate shape: name resolution and type
// checking happen before anything reaches this backend.
type DescriptorTag int

const (
	DescriptorVoid DescriptorTag = iota
	DescriptorOpaque
	DescriptorPointerTo
	DescriptorFixedSizeArray
	DescriptorStruct
	DescriptorFunctionInstance
)

// Field is one member of a Struct descriptor's memory layout. ByteOffset is
// supplied by the front end (it already resolved field layout); the core
// uses it to size the struct and, in the System V eightbyte classifier, to
// place each field in its eightbyte and check its alignment.
type Field struct {
	Name       string
	ByteOffset int
	Type       *Descriptor
}

// Descriptor is the type-descriptor tagged variant: Void | Opaque |
// Pointer_To | Fixed_Size_Array | Struct | Function_Instance. Only the
// shape information the backend needs (size, alignment, float-ness,
// aggregate layout) is modeled; everything else is the type checker's
// concern and stays external.
type Descriptor struct {
	Tag DescriptorTag

	// DescriptorOpaque
	BitSize      int
	BitAlignment int
	IsFloat      bool // true for f32/f64 opaque scalars: drives SSE classification

	// DescriptorPointerTo / DescriptorFixedSizeArray
	ItemType *Descriptor
	Length   int // DescriptorFixedSizeArray element count

	// DescriptorStruct
	Fields []Field

	// DescriptorFunctionInstance
	Parameters []*Descriptor
	Returns    *Descriptor
}

// ByteSize returns ceil(bits/8) for the descriptor's total size.
func (d *Descriptor) ByteSize() int {
	return (d.BitSizeOf() + 7) / 8
}

// BitSizeOf returns the descriptor's size in bits.
func (d *Descriptor) BitSizeOf() int {
	switch d.Tag {
	case DescriptorVoid:
		return 0
	case DescriptorOpaque:
		return d.BitSize
	case DescriptorPointerTo, DescriptorFunctionInstance:
		return 64
	case DescriptorFixedSizeArray:
		return d.ItemType.BitSizeOf() * d.Length
	case DescriptorStruct:
		size := 0
		for _, f := range d.Fields {
			end := f.ByteOffset*8 + f.Type.BitSizeOf()
			if end > size {
				size = end
			}
		}
		return size
	default:
		return 0
	}
}

// ByteAlignment returns the descriptor's natural alignment in bytes, used by
// stack reservation and the System V classifier's misalignment check.
func (d *Descriptor) ByteAlignment() int {
	switch d.Tag {
	case DescriptorOpaque:
		if d.BitAlignment > 0 {
			return (d.BitAlignment + 7) / 8
		}
		return d.ByteSize()
	case DescriptorPointerTo, DescriptorFunctionInstance:
		return 8
	case DescriptorFixedSizeArray:
		return d.ItemType.ByteAlignment()
	case DescriptorStruct:
		align := 1
		for _, f := range d.Fields {
			if a := f.Type.ByteAlignment(); a > align {
				align = a
			}
		}
		return align
	default:
		return 1
	}
}

// IsVoid reports whether d carries no value at all.
func (d *Descriptor) IsVoid() bool { return d.Tag == DescriptorVoid }

// IsFloatScalar reports whether this descriptor is a single floating-point
// value, the only input the System V classifier's SSE-vs-INTEGER rule
// needs.
func (d *Descriptor) IsFloatScalar() bool {
	return d.Tag == DescriptorOpaque && d.IsFloat
}

// Void is the shared zero-size descriptor for functions with no return
// value.
var Void = &Descriptor{Tag: DescriptorVoid}

// Opaque builds a scalar descriptor of the given bit size/alignment.
func Opaque(bitSize, bitAlignment int, isFloat bool) *Descriptor {
	return &Descriptor{Tag: DescriptorOpaque, BitSize: bitSize, BitAlignment: bitAlignment, IsFloat: isFloat}
}

// PointerTo builds a pointer descriptor to item.
func PointerTo(item *Descriptor) *Descriptor {
	return &Descriptor{Tag: DescriptorPointerTo, ItemType: item}
}

// FixedSizeArray builds a descriptor for length contiguous items values.
func FixedSizeArray(item *Descriptor, length int) *Descriptor {
	return &Descriptor{Tag: DescriptorFixedSizeArray, ItemType: item, Length: length}
}

// Struct builds an aggregate descriptor from an already-laid-out field list.
func Struct(fields []Field) *Descriptor {
	return &Descriptor{Tag: DescriptorStruct, Fields: fields}
}
