package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mass-lang/massc/internal/config"
)

// An x86-64 machine-code backend for the Mass language: encodes abstract
// assembly into PE32+ executables for Windows, or runs it in-process on
// Linux via the JIT path.

const versionString = "massc 0.3.1"

// VerboseMode gates diagnostic traces on stderr
var VerboseMode bool

func main() {
	// NOTE: Go's flag package stops parsing at the first non-flag argument
	// So flags must come BEFORE the program name: massc --run hello-world
	// NOT: massc hello-world --run
	var outputFlag = flag.String("o", "", "output executable filename")
	var outputLongFlag = flag.String("output", "", "output executable filename")
	var runFlag = flag.Bool("run", false, "execute in-process via the JIT instead of writing a file")
	var binaryFormatFlag = flag.String("binary-format", "", "output image format (pe32:cli, pe32:gui)")
	var versionShort = flag.Bool("V", false, "print version information and exit")
	var version = flag.Bool("version", false, "print version information and exit")
	var verbose = flag.Bool("v", false, "verbose mode (trace encoding and linking stages)")
	var verboseLong = flag.Bool("verbose", false, "verbose mode (trace encoding and linking stages)")
	flag.Parse()

	if *version || *versionShort {
		fmt.Println(versionString)
		os.Exit(0)
	}

	// Use whichever output flag was specified (prefer long form only when
	// the short form is absent)
	outputPath := *outputLongFlag
	if *outputFlag != "" {
		outputPath = *outputFlag
	}

	sourcePath := ""
	if flag.NArg() > 0 {
		sourcePath = flag.Arg(0)
	}

	build, err := config.Resolve(sourcePath, outputPath, *runFlag, *verbose || *verboseLong, *binaryFormatFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	VerboseMode = build.Verbose

	if err := RunCLI(build); err != nil {
		fmt.Fprint(os.Stderr, formatError(err))
		os.Exit(1)
	}
}
