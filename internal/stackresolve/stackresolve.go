// Package stackresolve computes, once a function's builder is frozen, the
// final frame layout (local/argument/call-target displacements relative to
// RSP) and rewrites every Stack_Patch site left by the encoder, shrinking
// disp32 encodings to disp8 where the final offset allows it.
package stackresolve

import (
	"github.com/mass-lang/massc/internal/builder"
	"github.com/mass-lang/massc/internal/ir"
	"github.com/mass-lang/massc/internal/operand"
)

// Layout is the computed frame geometry for one function, handed to
// component F so it can generate unwind info alongside the function body.
type Layout struct {
	// FrameSize is the final size reserved below the pushed non-volatile
	// registers (locals + spilled call arguments + alignment padding). It is
	// a multiple of 8, padded so that it plus the pushes plus the 8-byte
	// return address is a multiple of 16.
	FrameSize int32

	// NonVolatilePushCount is how many callee-saved GPRs the prologue must
	// push (and the epilogue pop), derived from the builder's used-register
	// bitset intersected with the calling convention's non-volatile set.
	NonVolatilePushCount int32

	// ReceivedArgumentStackBase is the displacement (relative to RSP after
	// the prologue) at which the first stack-passed received argument
	// lives, after the return-address/alignment fixup.
	ReceivedArgumentStackBase int32
}

// NonVolatileSet is supplied by internal/abi: the bitset of callee-saved
// GPRs for the active calling convention.
type NonVolatileSet uint32

// Resolve computes the frame layout for fb and rewrites every Stack_Patch
// site in its buffer in place:
//  1. stack_reserve already holds locals (builder.ReserveStack calls).
//  2. stack_reserve += max_call_parameters_stack_size.
//  3. align stack_reserve up to 8.
//  4. compute non-volatile push count from the used-register bitset.
//  5. fix up argument_stack_base so the call-site's return address plus
//     every push lands the frame back on a 16-byte boundary, with the
//     classic +8 (return address) / +8 (alignment parity) adjustment.
func Resolve(fb *builder.FunctionBuilder, nonVolatile NonVolatileSet) Layout {
	reserve := fb.StackReserve() + int32(fb.MaxCallParametersStackSize())
	if rem := reserve % 8; rem != 0 {
		reserve += 8 - rem
	}

	pushCount := int32(popcount(uint32(nonVolatile) & fb.UsedRegisterBitset()))

	// After the prologue: [return addr][pushes...][reserve bytes][RSP].
	// The call site left RSP 16-aligned minus 8 (for the return address);
	// pushes and the reserve must together restore 16-alignment.
	total := int32(8) + pushCount*8 + reserve
	if rem := total % 16; rem != 0 {
		reserve += 16 - rem
	}

	layout := Layout{
		FrameSize:            reserve,
		NonVolatilePushCount: pushCount,
	}
	// A received stack argument sits above the return address and the
	// pushed non-volatiles: base = reserve + pushCount*8 + 8 (return addr).
	layout.ReceivedArgumentStackBase = reserve + pushCount*8 + 8

	rewritePatches(fb, layout)
	return layout
}

func popcount(v uint32) int {
	n := 0
	for v != 0 {
		n += int(v & 1)
		v >>= 1
	}
	return n
}

// rewritePatches walks fb's instruction list, and for every Stack_Patch
// computes the final displacement, writes it into the buffer, and — when
// the new value fits in a signed byte — rewrites the ModR/M's Mod bits
// from disp32 to disp8 and removes the three now-unused displacement
// bytes, shifting every later offset in the instruction list to match.
func rewritePatches(fb *builder.FunctionBuilder, layout Layout) {
	buf := fb.Buffer()
	insts := fb.Instructions()

	for i := range insts {
		inst := insts[i]
		if inst.Tag != ir.InstructionStackPatch {
			continue
		}
		offset := inst.ModRMOffsetInPreviousInstruction
		disp := finalDisplacement(inst.StackArea, readS32(buf, offset), layout)

		modrmOffset := findModRM(buf, offset)

		if fitsS8(disp) {
			buf[modrmOffset] = (buf[modrmOffset] & 0x3F) | 0x40 // Mod 01
			buf[offset] = byte(int8(disp))
			// The patched instruction is the nearest preceding sized entry;
			// its recorded length drops with the three dead bytes.
			for j := i - 1; j >= 0; j-- {
				if insts[j].Tag == ir.InstructionAssembly || insts[j].Tag == ir.InstructionBytes {
					insts[j].EncodedLength -= 3
					break
				}
			}
			shrinkBy3(fb, &buf, insts, i, offset+1)
			insts = fb.Instructions()
			continue
		}
		putS32(buf, offset, disp)
	}
	fb.SetBuffer(buf)
	fb.SetInstructions(insts)
}

// findModRM locates the ModR/M byte preceding a disp32 slot written for a
// stack-area operand. Stack-area operands are RSP-based, so asmx64's
// needsSIB rule always emits a SIB byte between the ModR/M and the
// displacement: the ModR/M byte sits exactly 2 bytes before the slot.
func findModRM(buf []byte, dispOffset int) int {
	return dispOffset - 2
}

func fitsS8(v int32) bool { return v >= -128 && v <= 127 }

func readS32(buf []byte, at int) int {
	return int(int32(uint32(buf[at]) | uint32(buf[at+1])<<8 |
		uint32(buf[at+2])<<16 | uint32(buf[at+3])<<24))
}

func putS32(buf []byte, at int, v int32) {
	u := uint32(v)
	buf[at] = byte(u)
	buf[at+1] = byte(u >> 8)
	buf[at+2] = byte(u >> 16)
	buf[at+3] = byte(u >> 24)
}

// shrinkBy3 removes the 3 now-dead displacement bytes starting at from,
// and decrements every recorded patch offset after the shrink point so
// later patches and label diffs stay correct. The patched instruction's
// EncodedLength is adjusted by the caller.
func shrinkBy3(fb *builder.FunctionBuilder, buf *[]byte, insts []ir.Instruction, patchIdx, from int) {
	b := *buf
	b = append(b[:from], b[from+3:]...)
	*buf = b

	for j := range insts {
		shiftInstructionOffsets(&insts[j], from)
	}
	fb.SetBuffer(b)
}

func shiftInstructionOffsets(inst *ir.Instruction, from int) {
	if inst.Tag == ir.InstructionStackPatch && inst.ModRMOffsetInPreviousInstruction > from {
		inst.ModRMOffsetInPreviousInstruction -= 3
	}
	if inst.Tag == ir.InstructionLabelPatch && inst.PatchOffset > from {
		inst.PatchOffset -= 3
	}
}

// finalDisplacement maps a symbolic StackArea offset to its final
// RSP-relative displacement.
func finalDisplacement(area operand.StackArea, symbolicOffset int, layout Layout) int32 {
	switch area {
	case operand.StackAreaLocal:
		// Local offsets are recorded as negative-from-frame-top in the
		// builder; the resolved displacement is frame_size + offset (offset
		// is <= 0), landing locals below the saved registers.
		return layout.FrameSize + int32(symbolicOffset)
	case operand.StackAreaReceivedArgument:
		return layout.ReceivedArgumentStackBase + int32(symbolicOffset)
	case operand.StackAreaCallTargetArgument:
		return int32(symbolicOffset)
	case operand.StackAreaAbsolute:
		return int32(symbolicOffset)
	default:
		return int32(symbolicOffset)
	}
}
