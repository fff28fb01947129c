// Package config resolves build configuration from CLI flags first and
// MASSC_-prefixed environment variables second.
package config

import (
	"fmt"
	"strings"

	"github.com/xyproto/env/v2"
)

// BinaryFormat selects the PE subsystem the linker writes.
type BinaryFormat int

const (
	BinaryFormatPE32CLI BinaryFormat = iota // console subsystem
	BinaryFormatPE32GUI                     // windows subsystem
)

func ParseBinaryFormat(s string) (BinaryFormat, error) {
	switch strings.ToLower(s) {
	case "", "pe32:cli":
		return BinaryFormatPE32CLI, nil
	case "pe32:gui":
		return BinaryFormatPE32GUI, nil
	default:
		return 0, fmt.Errorf("unsupported --binary-format %q (supported: pe32:cli, pe32:gui)", s)
	}
}

// Build holds the resolved configuration for one compilation.
type Build struct {
	SourcePath   string
	OutputPath   string
	Run          bool
	Verbose      bool
	BinaryFormat BinaryFormat
	EntrySymbol  string
}

// Resolve layers explicit flag values over MASSC_* environment overrides.
// A flag value of its zero value means "not explicitly set by the user",
// in which case the environment variable (and finally a hardcoded default)
// is consulted.
func Resolve(sourcePath, outputPath string, run, verbose bool, binaryFormat string) (Build, error) {
	b := Build{SourcePath: sourcePath}

	if outputPath == "" {
		b.OutputPath = env.Str("MASSC_OUTPUT", "a.exe")
	} else {
		b.OutputPath = outputPath
	}

	b.Run = run || env.Bool("MASSC_RUN")
	b.Verbose = verbose || env.Bool("MASSC_VERBOSE")

	if binaryFormat == "" {
		binaryFormat = env.Str("MASSC_BINARY_FORMAT", "pe32:cli")
	}
	format, err := ParseBinaryFormat(binaryFormat)
	if err != nil {
		return Build{}, err
	}
	b.BinaryFormat = format

	b.EntrySymbol = env.Str("MASSC_ENTRY", "main")
	return b, nil
}
