// Package testir hand-builds small programs the way a front end would,
// for the test suite and the bundled demo programs: the compiler core
// consumes elaborated function signatures and abstract instructions, so
// something has to play the front end's role when none is linked.
package testir

import (
	"github.com/mass-lang/massc/internal/abi"
	"github.com/mass-lang/massc/internal/asmx64"
	"github.com/mass-lang/massc/internal/builder"
	"github.com/mass-lang/massc/internal/ir"
	"github.com/mass-lang/massc/internal/link"
	"github.com/mass-lang/massc/internal/operand"
)

// S32 and S64 are the scalar descriptors the fixtures share.
var (
	S32 = ir.Opaque(32, 32, false)
	S64 = ir.Opaque(64, 64, false)
)

// AddString places a constant string into the program's data section and
// returns the label addressing it.
func AddString(p *link.Program, s string) operand.LabelRef {
	section := p.Section(p.Data)
	label := p.MakeLabel(p.Data)
	p.SetLabelOffset(label, section.Append([]byte(s)))
	return label
}

// NewMain creates a program under the given convention together with a
// builder for its entry function.
func NewMain(convention abi.CallingConvention) (*link.Program, *builder.FunctionBuilder, abi.FunctionCallSetup, error) {
	p := link.NewProgram(convention)

	main := &ir.FunctionInfo{Name: "main", Returns: ir.Void}
	setup, err := convention.Lower(main)
	if err != nil {
		return nil, nil, abi.FunctionCallSetup{}, err
	}
	fb := builder.New(main, p.MakeLabel(p.Code), p.MakeLabel(p.Code))
	p.EntryPoint = main
	return p, fb, setup, nil
}

// callImport lowers a call to an external function: arguments move into the
// storages the callee's convention dictates, then control transfers through
// the import's IAT slot.
func callImport(p *link.Program, fb *builder.FunctionBuilder, fn *ir.FunctionInfo, args ...operand.Storage) error {
	setup, err := p.DefaultConvention.Lower(fn)
	if err != nil {
		return err
	}
	for i, src := range args {
		dst := setup.CallTargetView(i)
		if err := fb.Move(dst, src); err != nil {
			return err
		}
	}
	fb.NoteCallArgumentsStackSize(setup.ParametersStackSize)
	target := p.GetOrCreateImportSymbol(fn.ExternalLibrary, fn.ExternalSymbol)
	return fb.Emit(asmx64.CALL,
		operand.Memory(operand.InstructionPointerRelative(target), operand.Bits64))
}

func external(library, symbol string, returns *ir.Descriptor, params ...ir.Parameter) *ir.FunctionInfo {
	return &ir.FunctionInfo{
		Name:            symbol,
		Parameters:      params,
		Returns:         returns,
		Flags:           ir.FunctionFlags{External: true},
		ExternalLibrary: library,
		ExternalSymbol:  symbol,
	}
}

// ExitCode builds the classic smoke test: main calls
// kernel32.ExitProcess(code).
func ExitCode(code uint32) (*link.Program, error) {
	p, fb, mainSetup, err := NewMain(abi.WindowsX64{})
	if err != nil {
		return nil, err
	}

	exitProcess := external("kernel32.dll", "ExitProcess", ir.Void,
		ir.Parameter{Name: "uExitCode", Type: S32})
	if err := callImport(p, fb, exitProcess,
		operand.StaticFromU64(uint64(code), operand.Bits32)); err != nil {
		return nil, err
	}

	fb.Freeze()
	p.AddFunction(fb, mainSetup)
	return p, nil
}

// HelloWorld builds a main that resolves the stdout handle and writes a
// fixed message through kernel32.WriteFile.
func HelloWorld() (*link.Program, error) {
	const message = "Hello, world!\n"
	const stdOutputHandle = 0xFFFFFFF5 // (DWORD)-11

	p, fb, mainSetup, err := NewMain(abi.WindowsX64{})
	if err != nil {
		return nil, err
	}
	messageLabel := AddString(p, message)

	getStdHandle := external("kernel32.dll", "GetStdHandle", S64,
		ir.Parameter{Name: "nStdHandle", Type: S32})
	writeFile := external("kernel32.dll", "WriteFile", S32,
		ir.Parameter{Name: "hFile", Type: S64},
		ir.Parameter{Name: "lpBuffer", Type: ir.PointerTo(ir.Opaque(8, 8, false))},
		ir.Parameter{Name: "nNumberOfBytesToWrite", Type: S32},
		ir.Parameter{Name: "lpNumberOfBytesWritten", Type: ir.PointerTo(S32)},
		ir.Parameter{Name: "lpOverlapped", Type: S64})

	if err := callImport(p, fb, getStdHandle,
		operand.StaticFromU64(stdOutputHandle, operand.Bits32)); err != nil {
		return nil, err
	}

	// The handle comes back in RAX; WriteFile wants it in RCX.
	writeSetup, err := p.DefaultConvention.Lower(writeFile)
	if err != nil {
		return nil, err
	}
	if err := fb.Move(writeSetup.CallTargetView(0),
		operand.Register(operand.RAX, operand.Bits64)); err != nil {
		return nil, err
	}
	if err := fb.Emit(asmx64.LEA, writeSetup.CallTargetView(1),
		operand.Memory(operand.InstructionPointerRelative(messageLabel), operand.Bits64)); err != nil {
		return nil, err
	}
	if err := fb.Move(writeSetup.CallTargetView(2),
		operand.StaticFromU64(uint64(len(message)), operand.Bits32)); err != nil {
		return nil, err
	}
	written := fb.ReserveStack(4, 4, operand.Bits32)
	if err := fb.Emit(asmx64.LEA, writeSetup.CallTargetView(3), written); err != nil {
		return nil, err
	}
	overlapped := writeSetup.CallTargetView(4)
	if err := fb.Emit(asmx64.MOV, overlapped,
		operand.StaticFromU64(0, operand.Bits32)); err != nil {
		return nil, err
	}
	fb.NoteCallArgumentsStackSize(writeSetup.ParametersStackSize)
	target := p.GetOrCreateImportSymbol(writeFile.ExternalLibrary, writeFile.ExternalSymbol)
	if err := fb.Emit(asmx64.CALL,
		operand.Memory(operand.InstructionPointerRelative(target), operand.Bits64)); err != nil {
		return nil, err
	}

	// Exit 0 explicitly rather than relying on whatever is left in RAX.
	exitProcess := external("kernel32.dll", "ExitProcess", ir.Void,
		ir.Parameter{Name: "uExitCode", Type: S32})
	if err := callImport(p, fb, exitProcess,
		operand.StaticFromU64(0, operand.Bits32)); err != nil {
		return nil, err
	}

	fb.Freeze()
	p.AddFunction(fb, mainSetup)
	return p, nil
}

// Linux syscall numbers the syscall fixture uses.
const (
	sysWrite = 1
	sysExit  = 60
)

// SyscallWrite builds a Linux program that writes message to stdout via the
// write system call and exits cleanly, suitable for in-process execution.
func SyscallWrite(message string) (*link.Program, error) {
	p, fb, mainSetup, err := NewMain(abi.SystemV{})
	if err != nil {
		return nil, err
	}
	messageLabel := AddString(p, message)

	write := &ir.FunctionInfo{
		Name: "write",
		Parameters: []ir.Parameter{
			{Name: "fd", Type: S32},
			{Name: "buffer", Type: ir.PointerTo(ir.Opaque(8, 8, false))},
			{Name: "count", Type: S64},
		},
		Returns: S32,
	}
	writeSetup, err := abi.SystemVSyscall{}.Lower(write)
	if err != nil {
		return nil, err
	}

	if err := fb.Move(writeSetup.Arguments[0].Storage,
		operand.StaticFromU64(1, operand.Bits32)); err != nil {
		return nil, err
	}
	if err := fb.Emit(asmx64.LEA,
		operand.Register(writeSetup.Arguments[1].Storage.Register, operand.Bits64),
		operand.Memory(operand.InstructionPointerRelative(messageLabel), operand.Bits64)); err != nil {
		return nil, err
	}
	if err := fb.Move(writeSetup.Arguments[2].Storage,
		operand.StaticFromU64(uint64(len(message)), operand.Bits64)); err != nil {
		return nil, err
	}
	if err := fb.Move(operand.Register(operand.RAX, operand.Bits32),
		operand.StaticFromU64(sysWrite, operand.Bits32)); err != nil {
		return nil, err
	}
	if err := fb.Emit(asmx64.SYSCALL); err != nil {
		return nil, err
	}

	if err := fb.Move(operand.Register(operand.RDI, operand.Bits32),
		operand.StaticFromU64(0, operand.Bits32)); err != nil {
		return nil, err
	}
	if err := fb.Move(operand.Register(operand.RAX, operand.Bits32),
		operand.StaticFromU64(sysExit, operand.Bits32)); err != nil {
		return nil, err
	}
	if err := fb.Emit(asmx64.SYSCALL); err != nil {
		return nil, err
	}

	fb.Freeze()
	p.AddFunction(fb, mainSetup)
	return p, nil
}
