package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mass-lang/massc/internal/config"
	"github.com/mass-lang/massc/internal/diag"
	"github.com/mass-lang/massc/internal/jit"
	"github.com/mass-lang/massc/internal/link"
	"github.com/mass-lang/massc/internal/pe"
	"github.com/mass-lang/massc/internal/testir"
)

// cli.go - command-line driver above the backend
//
// The backend consumes elaborated signatures and abstract instructions; a
// parser/type-checker front end is a separate component and is not linked
// into this build. Until one is, the positional argument selects one of the
// bundled demo programs by name, so every stage below the front end (call
// setup, encoding, stack resolution, linking, PE emission, JIT execution)
// is exercisable from the command line.

// demoPrograms maps a program name to its builder.
var demoPrograms = map[string]func() (*link.Program, error){
	"exit-code":     func() (*link.Program, error) { return testir.ExitCode(42) },
	"hello-world":   testir.HelloWorld,
	"syscall-write": func() (*link.Program, error) { return testir.SyscallWrite("Hello, world!\n") },
}

func demoProgramNames() string {
	names := make([]string, 0, len(demoPrograms))
	for name := range demoPrograms {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// RunCLI compiles the selected program and either writes an executable or
// runs it in-process.
func RunCLI(build config.Build) error {
	if build.SourcePath == "" {
		return diag.New(diag.KindFileOpen, diag.CategoryFrontend,
			"no program given (available: %s)", demoProgramNames())
	}

	name := strings.TrimSuffix(filepath.Base(build.SourcePath), filepath.Ext(build.SourcePath))
	buildProgram, ok := demoPrograms[name]
	if !ok {
		return diag.New(diag.KindFileOpen, diag.CategoryFrontend,
			"no front end is linked into this build; %q is not a bundled program (available: %s)",
			name, demoProgramNames())
	}

	if VerboseMode {
		fmt.Fprintf(os.Stderr, "massc: building %s\n", name)
	}
	link.Verbose = VerboseMode
	program, err := buildProgram()
	if err != nil {
		return err
	}

	if build.Run {
		return runJIT(program)
	}

	subsystem := pe.SubsystemCLI
	if build.BinaryFormat == config.BinaryFormatPE32GUI {
		subsystem = pe.SubsystemGUI
	}
	if VerboseMode {
		fmt.Fprintf(os.Stderr, "massc: writing %s (%d functions, %d import libraries)\n",
			build.OutputPath, len(program.Functions), len(program.ImportLibraries))
	}
	return pe.Write(build.OutputPath, program, subsystem)
}

func runJIT(program *link.Program) error {
	compiled, err := jit.Compile(program)
	if err != nil {
		return err
	}
	defer compiled.Close()
	if VerboseMode {
		fmt.Fprintf(os.Stderr, "massc: jit entry mapped, jumping\n")
	}
	compiled.Run()
	return nil
}

// formatError renders a backend error for the terminal, with color when
// stderr is one.
func formatError(err error) string {
	var compilerErr *diag.Error
	if errors.As(err, &compilerErr) {
		useColor := false
		if info, statErr := os.Stderr.Stat(); statErr == nil {
			useColor = info.Mode()&os.ModeCharDevice != 0
		}
		return compilerErr.Format(useColor)
	}
	return fmt.Sprintf("error: %v\n", err)
}
