// Package link owns the program-wide linking state: sections, labels,
// cross-section diff patches, and import library tables. Labels and patch
// targets are {section, offset} pairs, never raw pointers into section
// buffers, so buffer growth can never invalidate them.
package link

import (
	"fmt"
	"strings"

	"github.com/mass-lang/massc/internal/abi"
	"github.com/mass-lang/massc/internal/builder"
	"github.com/mass-lang/massc/internal/diag"
	"github.com/mass-lang/massc/internal/ir"
	"github.com/mass-lang/massc/internal/operand"
)

// Permissions is the R/W/X bitmask of one section.
type Permissions uint8

const (
	PermRead Permissions = 1 << iota
	PermWrite
	PermExecute
)

// SectionID indexes a Program's section table. IDs are stable for the
// lifetime of the Program.
type SectionID int

// Section is one contiguous region of the output image.
type Section struct {
	Name        string
	Buffer      []byte
	BaseRVA     uint32
	Permissions Permissions
}

// Append adds bytes to the section and returns the offset they start at.
func (s *Section) Append(b []byte) uint32 {
	offset := uint32(len(s.Buffer))
	s.Buffer = append(s.Buffer, b...)
	return offset
}

// Label is a named position inside a section. It is created unresolved and
// resolved exactly once, when its definition point is emitted.
type Label struct {
	Resolved bool
	Offset   uint32
	Section  SectionID
}

// Patch is one recorded rel32/RIP-relative fixup: once every label is
// resolved, the s32 slot at {Section, SlotOffset} receives
// rva(Target) - rva(from anchor).
type Patch struct {
	Target     ir.LabelID
	Section    SectionID
	SlotOffset uint32
	FromOffset uint32 // the next instruction's first byte, same section
}

// ImportSymbol is one function imported from a dynamic library, backed by a
// label in the data section that eventually points at its IAT slot.
type ImportSymbol struct {
	Name  string
	Label operand.LabelRef
}

// ImportLibrary groups the symbols imported from one library.
type ImportLibrary struct {
	Name    string
	Symbols []*ImportSymbol
}

// Function pairs a frozen builder with its calling convention lowering and,
// after placement, the layout facts unwind-info generation needs.
type Function struct {
	Builder *builder.FunctionBuilder
	Setup   abi.FunctionCallSetup
	Layout  FunctionLayout
}

// FunctionLayout records where a placed function landed and the prologue
// shape the exception directory describes.
type FunctionLayout struct {
	BeginRVA     uint32
	EndRVA       uint32
	StackReserve int32

	// PushedRegisters lists the callee-saved registers the prologue pushed,
	// in push order; PushOffsets holds each push's offset from BeginRVA.
	PushedRegisters []operand.Reg
	PushOffsets     []uint8
	SizeOfProlog    uint8
}

// Program is the linking context for one compilation: every section, label,
// patch, import table, and placed function. It also owns the label counter,
// so no package keeps process-wide mutable state.
type Program struct {
	Code SectionID
	Data SectionID

	nextLabelID int

	Sections        []*Section
	Labels          []Label
	Patches         []Patch
	ImportLibraries []*ImportLibrary
	Functions       []*Function

	DefaultConvention abi.CallingConvention
	EntryPoint        *ir.FunctionInfo
}

// NewProgram creates a program with the standard code and data sections.
func NewProgram(convention abi.CallingConvention) *Program {
	p := &Program{DefaultConvention: convention}
	p.Data = p.AddSection(".rdata", PermRead)
	p.Code = p.AddSection(".text", PermRead|PermExecute)
	return p
}

// AddSection registers a new section and returns its ID.
func (p *Program) AddSection(name string, perms Permissions) SectionID {
	id := SectionID(len(p.Sections))
	p.Sections = append(p.Sections, &Section{Name: name, Permissions: perms})
	return id
}

// Section returns the section for an ID.
func (p *Program) Section(id SectionID) *Section { return p.Sections[id] }

// MakeLabel appends a new unresolved label bound to a section.
func (p *Program) MakeLabel(section SectionID) operand.LabelRef {
	id := p.nextLabelID
	p.nextLabelID++
	for len(p.Labels) <= id {
		p.Labels = append(p.Labels, Label{})
	}
	p.Labels[id] = Label{Section: section}
	return operand.LabelRef{Valid: true, ID: id}
}

// SetLabelOffset resolves a label to a section-relative offset. Resolving
// twice to the same offset is allowed; resolving to a different offset is an
// internal bug.
func (p *Program) SetLabelOffset(label operand.LabelRef, offset uint32) {
	l := &p.Labels[label.ID]
	if l.Resolved {
		if l.Offset != offset {
			panic(fmt.Sprintf("link: label %d re-resolved from %d to %d", label.ID, l.Offset, offset))
		}
		return
	}
	l.Resolved = true
	l.Offset = offset
}

// ResolveLabelToRVA returns the label's image-relative address.
func (p *Program) ResolveLabelToRVA(label operand.LabelRef) (uint32, error) {
	l := p.Labels[label.ID]
	if !l.Resolved {
		return 0, diag.New(diag.KindUnimplemented, diag.CategoryLinker,
			"label %d referenced but never resolved", label.ID)
	}
	return p.Sections[l.Section].BaseRVA + l.Offset, nil
}

// RecordPatch remembers a rel32 slot to rewrite once all labels resolve.
func (p *Program) RecordPatch(patch Patch) {
	p.Patches = append(p.Patches, patch)
}

// PatchLabels applies every recorded patch. Patches are independent (each
// writes a distinct s32 slot), so application order does not matter.
func (p *Program) PatchLabels() error {
	for _, patch := range p.Patches {
		targetRVA, err := p.ResolveLabelToRVA(operand.LabelRef{Valid: true, ID: int(patch.Target)})
		if err != nil {
			return err
		}
		section := p.Sections[patch.Section]
		fromRVA := int64(section.BaseRVA) + int64(patch.FromOffset)
		diff := int64(targetRVA) - fromRVA
		if diff < -0x80000000 || diff > 0x7FFFFFFF {
			return diag.New(diag.KindLabelDiffOutOfRange, diag.CategoryLinker,
				"branch target out of rel32 range: %d bytes", diff)
		}
		putS32(section.Buffer, int(patch.SlotOffset), int32(diff))
	}
	return nil
}

// GetOrCreateImportLibrary finds a library by case-insensitive name,
// creating it on first use.
func (p *Program) GetOrCreateImportLibrary(name string) *ImportLibrary {
	for _, lib := range p.ImportLibraries {
		if strings.EqualFold(lib.Name, name) {
			return lib
		}
	}
	lib := &ImportLibrary{Name: name}
	p.ImportLibraries = append(p.ImportLibraries, lib)
	return lib
}

// GetOrCreateImportSymbol returns the label through which calls to an
// imported function are routed; the label resolves to the symbol's IAT slot
// once the image layout is known.
func (p *Program) GetOrCreateImportSymbol(libraryName, symbolName string) operand.LabelRef {
	lib := p.GetOrCreateImportLibrary(libraryName)
	for _, sym := range lib.Symbols {
		if sym.Name == symbolName {
			return sym.Label
		}
	}
	sym := &ImportSymbol{Name: symbolName, Label: p.MakeLabel(p.Data)}
	lib.Symbols = append(lib.Symbols, sym)
	return sym.Label
}

// AddFunction registers a frozen function builder for placement.
func (p *Program) AddFunction(fb *builder.FunctionBuilder, setup abi.FunctionCallSetup) *Function {
	if !fb.Frozen() {
		panic("link: function added before freezing")
	}
	fn := &Function{Builder: fb, Setup: setup}
	p.Functions = append(p.Functions, fn)
	return fn
}

func putS32(buf []byte, at int, v int32) {
	u := uint32(v)
	buf[at] = byte(u)
	buf[at+1] = byte(u >> 8)
	buf[at+2] = byte(u >> 16)
	buf[at+3] = byte(u >> 24)
}
