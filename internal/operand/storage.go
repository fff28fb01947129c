package operand

import "fmt"

// CompareType enumerates the EFLAGS condition codes an Eflags storage or a
// conditional jump/setcc instruction tests.
type CompareType int

const (
	Equal CompareType = iota
	NotEqual
	Less
	LessEqual
	Greater
	GreaterEqual
	Below
	BelowEqual
	Above
	AboveEqual
)

func (c CompareType) String() string {
	switch c {
	case Equal:
		return "e"
	case NotEqual:
		return "ne"
	case Less:
		return "l"
	case LessEqual:
		return "le"
	case Greater:
		return "g"
	case GreaterEqual:
		return "ge"
	case Below:
		return "b"
	case BelowEqual:
		return "be"
	case Above:
		return "a"
	case AboveEqual:
		return "ae"
	default:
		return "?"
	}
}

// StackArea tags the symbolic classification of an Indirect memory operand
// whose final displacement isn't known until the stack resolver has
// computed the frame layout. The classification is explicit rather than
// encoded in the displacement's sign, so the resolver switches on the tag
// instead of guessing from the number.
type StackArea int

const (
	StackAreaNone StackArea = iota
	StackAreaLocal
	StackAreaReceivedArgument
	StackAreaCallTargetArgument
	StackAreaAbsolute
)

// MemoryLocationTag discriminates the two Memory_Location shapes.
type MemoryLocationTag int

const (
	MemoryInstructionPointerRelative MemoryLocationTag = iota
	MemoryIndirect
)

// MemoryLocation describes where a Memory storage points: an
// RIP-relative label or a base register plus optional index and
// displacement.
type MemoryLocation struct {
	Tag MemoryLocationTag

	// Instruction_Pointer_Relative
	Label LabelRef

	// Indirect
	Base      Reg
	HasIndex  bool
	Index     Reg
	Offset    int32
	StackArea StackArea
}

// LabelRef is an opaque reference to a label handed out by the linker
// package; operand never interprets it, only carries it.
type LabelRef struct {
	Valid bool
	ID    int
}

func InstructionPointerRelative(label LabelRef) MemoryLocation {
	return MemoryLocation{Tag: MemoryInstructionPointerRelative, Label: label}
}

func Indirect(base Reg, offset int32, area StackArea) MemoryLocation {
	return MemoryLocation{Tag: MemoryIndirect, Base: base, Offset: offset, StackArea: area}
}

func IndirectIndexed(base, index Reg, offset int32, area StackArea) MemoryLocation {
	return MemoryLocation{Tag: MemoryIndirect, Base: base, HasIndex: true, Index: index, Offset: offset, StackArea: area}
}

// Tag discriminates the Storage variants.
type Tag int

const (
	TagNone Tag = iota
	TagAny
	TagEflags
	TagRegister
	TagXmm
	TagStatic
	TagMemory
	TagUnpacked
)

// maxInlineStaticBytes bounds the inline payload so Static values up to 8
// bytes avoid a heap allocation; longer constants carry a slice instead.
const maxInlineStaticBytes = 8

// Storage is the tagged operand variant. It is a plain value type:
// equality is structural, and no method on it mutates shared state.
type Storage struct {
	Tag     Tag
	BitSize Bits

	Register Reg         // TagRegister / TagXmm
	Compare  CompareType // TagEflags
	Memory   MemoryLocation

	// TagStatic: inline payload for values <= 8 bytes; Heap holds the bytes
	// for anything larger, to avoid forcing every constant through a pointer.
	inline    [maxInlineStaticBytes]byte
	inlineLen uint8
	Heap      []byte

	// TagUnpacked: a 16-byte aggregate split across two registers, each a GPR
	// or an XMM register (System V ABI).
	UnpackedLow  Reg
	UnpackedHigh Reg
}

// None is the absent-operand storage used for operand-encoding slots an
// instruction doesn't use.
var None = Storage{Tag: TagNone}

// Any is the wildcard storage of the operand model. No operand-encoding
// class accepts it when the encoder selects an encoding, and the encoder's
// prefix computation skips it like None.
var Any = Storage{Tag: TagAny}

func Register(r Reg, bits Bits) Storage {
	if r.IsXMM() {
		return Storage{Tag: TagXmm, Register: r, BitSize: bits}
	}
	return Storage{Tag: TagRegister, Register: r, BitSize: bits}
}

func Xmm(r Reg, bits Bits) Storage {
	return Storage{Tag: TagXmm, Register: r, BitSize: bits}
}

func Eflags(cmp CompareType) Storage {
	return Storage{Tag: TagEflags, Compare: cmp, BitSize: Bits8}
}

func Memory(loc MemoryLocation, bits Bits) Storage {
	return Storage{Tag: TagMemory, Memory: loc, BitSize: bits}
}

func Unpacked(low, high Reg) Storage {
	return Storage{Tag: TagUnpacked, UnpackedLow: low, UnpackedHigh: high, BitSize: Bits128}
}

// StaticFromU64 builds an immediate Storage holding a little-endian
// encoding of v truncated to bits; values fitting in maxInlineStaticBytes
// are stored inline.
func StaticFromU64(v uint64, bits Bits) Storage {
	n := bits.ByteSize()
	s := Storage{Tag: TagStatic, BitSize: bits}
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	if n <= maxInlineStaticBytes {
		s.inlineLen = uint8(n)
		copy(s.inline[:], buf[:n])
	} else {
		s.Heap = append([]byte(nil), buf[:n]...)
	}
	return s
}

// Bytes returns the little-endian byte representation of a Static storage.
func (s Storage) Bytes() []byte {
	if s.Tag != TagStatic {
		return nil
	}
	if s.Heap != nil {
		return s.Heap
	}
	return append([]byte(nil), s.inline[:s.inlineLen]...)
}

// IsLabel reports whether this storage denotes an RIP-relative memory
// reference to a label — the only form of "label as operand" the encoder
// accepts as an Immediate-class match.
func (s Storage) IsLabel() bool {
	return s.Tag == TagMemory && s.Memory.Tag == MemoryInstructionPointerRelative
}

// IsRegisterOrMemory reports whether the storage can satisfy a
// Register_Memory or Memory encoding class.
func (s Storage) IsRegisterOrMemory() bool {
	return s.Tag == TagRegister || s.Tag == TagMemory
}

// IsImmediate reports whether the storage is a Static (compile-time
// constant) value.
func (s Storage) IsImmediate() bool {
	return s.Tag == TagStatic
}

// ImmediateS64 sign-extends a 1/2/4/8-byte Static value to int64. No
// other widths exist for immediates.
func (s Storage) ImmediateS64() (int64, error) {
	b := s.Bytes()
	switch len(b) {
	case 1:
		return int64(int8(b[0])), nil
	case 2:
		return int64(int16(uint16(b[0]) | uint16(b[1])<<8)), nil
	case 4:
		return int64(int32(u32le(b))), nil
	case 8:
		return int64(u64le(b)), nil
	default:
		return 0, fmt.Errorf("immediate_value_up_to_s64: unsupported immediate width %d bytes", len(b))
	}
}

// ImmediateU64 zero-extends a 1/2/4/8-byte Static value to uint64.
func (s Storage) ImmediateU64() (uint64, error) {
	b := s.Bytes()
	switch len(b) {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(b[0]) | uint64(b[1])<<8, nil
	case 4:
		return uint64(u32le(b)), nil
	case 8:
		return u64le(b), nil
	default:
		return 0, fmt.Errorf("immediate_value_up_to_u64: unsupported immediate width %d bytes", len(b))
	}
}

func u32le(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func u64le(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// Equal is structural equality: every variant-specific field, including
// bit size, must match.
func (s Storage) Equal(o Storage) bool {
	if s.Tag != o.Tag || s.BitSize != o.BitSize {
		return false
	}
	switch s.Tag {
	case TagRegister, TagXmm:
		return s.Register == o.Register
	case TagEflags:
		return s.Compare == o.Compare
	case TagMemory:
		return s.Memory == o.Memory
	case TagUnpacked:
		return s.UnpackedLow == o.UnpackedLow && s.UnpackedHigh == o.UnpackedHigh
	case TagStatic:
		a, b := s.Bytes(), o.Bytes()
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	default:
		return true
	}
}
