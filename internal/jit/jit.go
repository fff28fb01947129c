// Package jit executes a linked program in-process: the program's sections
// are copied into one anonymous mapping, labels are patched against their
// in-memory layout, and the mapping is flipped from writable to executable
// before the entry point runs.
package jit

import (
	"unsafe"

	"github.com/mass-lang/massc/internal/diag"
	"github.com/mass-lang/massc/internal/link"
)

const pageSize = 0x1000

// CompiledProgram owns an executable mapping holding the program's code
// and data.
type CompiledProgram struct {
	mapping    []byte
	entry      uintptr
	releasable bool
}

func alignUp(v, alignment uint32) uint32 {
	if rem := v % alignment; rem != 0 {
		v += alignment - rem
	}
	return v
}

// Compile lays the program's sections out back to back, encodes every
// function, applies label patches, and seals the mapping executable.
// Dynamic imports need a loader; a program with import libraries can only
// be written out as an executable image.
func Compile(program *link.Program) (*CompiledProgram, error) {
	if len(program.ImportLibraries) > 0 {
		return nil, diag.New(diag.KindDynamicLibraryLoad, diag.CategoryLinker,
			"jit execution does not support import libraries; write an executable instead")
	}
	if program.EntryPoint == nil {
		return nil, diag.New(diag.KindUnimplemented, diag.CategoryLinker, "program has no entry point")
	}

	// Section base RVAs become plain offsets into the mapping, so the
	// rel32 diffs the patcher writes stay correct at any load address.
	data := program.Section(program.Data)
	code := program.Section(program.Code)
	data.BaseRVA = 0
	code.BaseRVA = alignUp(uint32(len(data.Buffer)), 16)

	entryRVA, err := program.EncodeFunctions()
	if err != nil {
		return nil, err
	}

	size := int(alignUp(code.BaseRVA+uint32(len(code.Buffer)), pageSize))
	mapping, err := mapWritable(size)
	if err != nil {
		return nil, err
	}
	copy(mapping[data.BaseRVA:], data.Buffer)
	copy(mapping[code.BaseRVA:], code.Buffer)
	if err := protectExecutable(mapping); err != nil {
		releaseMapping(mapping)
		return nil, err
	}

	return &CompiledProgram{
		mapping:    mapping,
		entry:      uintptr(unsafe.Pointer(&mapping[0])) + uintptr(entryRVA),
		releasable: true,
	}, nil
}

// Run jumps to the program's entry point on the current goroutine's stack.
// The entry function follows the program's own calling convention, takes no
// arguments, and must not unwind into Go.
func (cp *CompiledProgram) Run() {
	entry := cp.entry
	fn := &entry
	(*(*func())(unsafe.Pointer(&fn)))()
}

// Close unmaps the executable memory. The program must not be run again.
func (cp *CompiledProgram) Close() error {
	if !cp.releasable {
		return nil
	}
	cp.releasable = false
	return releaseMapping(cp.mapping)
}
