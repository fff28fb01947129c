package link

import (
	"fmt"
	"os"

	"github.com/mass-lang/massc/internal/asmx64"
	"github.com/mass-lang/massc/internal/ir"
	"github.com/mass-lang/massc/internal/operand"
	"github.com/mass-lang/massc/internal/stackresolve"
)

// Verbose gates placement traces on stderr; the CLI sets it from -v.
var Verbose bool

// emitInto encodes one instruction straight into a section; used for the
// prologue/epilogue scaffolding the placement loop wraps around a body.
func (p *Program) emitInto(section *Section, mnemonic *ir.Mnemonic, ops ...operand.Storage) error {
	res, err := asmx64.Encode(ir.Assembly(mnemonic, ops...))
	if err != nil {
		return err
	}
	section.Append(res.Bytes)
	return nil
}

// autoImmediate picks the imm8 form when the value fits a signed byte,
// falling back to imm32.
func autoImmediate(v int32) operand.Storage {
	if v >= -128 && v <= 127 {
		return operand.StaticFromU64(uint64(uint8(int8(v))), operand.Bits8)
	}
	return operand.StaticFromU64(uint64(uint32(v)), operand.Bits32)
}

// EncodeFunction resolves fn's stack frame and places its final bytes into
// the code section: prologue (callee-saved pushes, frame allocation), the
// resolved body, the function-end label, the epilogue, and a trailing int3
// trap. Placement also rebases the body's label definitions and rel32 patch
// sites from builder-local offsets to section offsets.
func (p *Program) EncodeFunction(fn *Function) error {
	fb := fn.Builder
	section := p.Sections[p.Code]

	// Placing twice would re-resolve every label; the first placement wins.
	if p.Labels[fb.LabelID.ID].Resolved {
		return nil
	}

	if fn.Setup.VolatileRegisters == 0 {
		panic("link: function setup carries no volatile register set")
	}
	layout := stackresolve.Resolve(fb, stackresolve.NonVolatileSet(^fn.Setup.VolatileRegisters))

	begin := uint32(len(section.Buffer))
	fn.Layout = FunctionLayout{
		BeginRVA:     section.BaseRVA + begin,
		StackReserve: layout.FrameSize,
	}
	p.SetLabelOffset(fb.LabelID, begin)

	// Push callee-saved registers in reverse numeric order, R15 down to RAX.
	nonVolatile := ^fn.Setup.VolatileRegisters & fb.UsedRegisterBitset()
	for i := 15; i >= 0; i-- {
		reg := operand.GPRFromIndex(uint8(i))
		if nonVolatile&(1<<uint(i)) == 0 {
			continue
		}
		fn.Layout.PushOffsets = append(fn.Layout.PushOffsets,
			uint8(uint32(len(section.Buffer))-begin))
		fn.Layout.PushedRegisters = append(fn.Layout.PushedRegisters, reg)
		if err := p.emitInto(section, asmx64.PUSH, operand.Register(reg, operand.Bits64)); err != nil {
			return err
		}
	}

	frame := autoImmediate(layout.FrameSize)
	if err := p.emitInto(section, asmx64.SUB,
		operand.Register(operand.RSP, operand.Bits64), frame); err != nil {
		return err
	}
	fn.Layout.SizeOfProlog = uint8(uint32(len(section.Buffer)) - begin)

	// The body's bytes are final after stack resolution; placement only
	// copies them and rebases the label metadata.
	bodyBase := section.Append(fb.Buffer())
	offset := uint32(0)
	for _, inst := range fb.Instructions() {
		switch inst.Tag {
		case ir.InstructionAssembly, ir.InstructionBytes:
			offset += uint32(inst.EncodedLength)
		case ir.InstructionLabel:
			p.SetLabelOffset(operand.LabelRef{Valid: true, ID: int(inst.Label)}, bodyBase+offset)
		case ir.InstructionLabelPatch:
			// The patch entry follows the instruction it points into, so the
			// running offset is already that instruction's end: the anchor.
			p.RecordPatch(Patch{
				Target:     inst.PatchLabel,
				Section:    p.Code,
				SlotOffset: bodyBase + uint32(inst.PatchOffset),
				FromOffset: bodyBase + offset,
			})
		case ir.InstructionStackPatch:
			// Already rewritten by the stack resolver.
		}
	}

	p.SetLabelOffset(fb.EndLabel, uint32(len(section.Buffer)))

	// An indirect return echoes the destination address back in RAX.
	if fn.Setup.IndirectReturnArgument != nil {
		addressReg := fn.Setup.CalleeReturn.Memory.Base
		if err := p.emitInto(section, asmx64.MOV,
			operand.Register(operand.RAX, operand.Bits64),
			operand.Register(addressReg, operand.Bits64)); err != nil {
			return err
		}
	}

	if err := p.emitInto(section, asmx64.ADD,
		operand.Register(operand.RSP, operand.Bits64), frame); err != nil {
		return err
	}

	// Pop callee-saved registers in forward order, mirroring the pushes.
	for i := 0; i <= 15; i++ {
		if nonVolatile&(1<<uint(i)) == 0 {
			continue
		}
		reg := operand.GPRFromIndex(uint8(i))
		if err := p.emitInto(section, asmx64.POP, operand.Register(reg, operand.Bits64)); err != nil {
			return err
		}
	}

	if err := p.emitInto(section, asmx64.RET); err != nil {
		return err
	}
	fn.Layout.EndRVA = section.BaseRVA + uint32(len(section.Buffer))

	if Verbose {
		fmt.Fprintf(os.Stderr, "massc: placed %s at rva %#x (%d bytes, frame %d, %d pushes)\n",
			fb.Function.Name, fn.Layout.BeginRVA,
			fn.Layout.EndRVA-fn.Layout.BeginRVA, layout.FrameSize, layout.NonVolatilePushCount)
	}
	return p.emitInto(section, asmx64.INT3)
}

// EncodeFunctions places every registered function and applies all label
// patches, returning the entry point's RVA.
func (p *Program) EncodeFunctions() (entryRVA uint32, err error) {
	foundEntry := false
	for _, fn := range p.Functions {
		if fn.Builder.Function.Flags.Macro {
			continue
		}
		if err := p.EncodeFunction(fn); err != nil {
			return 0, err
		}
		if fn.Builder.Function == p.EntryPoint {
			entryRVA = fn.Layout.BeginRVA
			foundEntry = true
		}
	}
	if err := p.PatchLabels(); err != nil {
		return 0, err
	}
	if p.EntryPoint != nil && !foundEntry {
		panic("link: entry point is not among the program's functions")
	}
	return entryRVA, nil
}
