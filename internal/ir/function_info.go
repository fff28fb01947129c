package ir

// FunctionFlags carries the boolean facets of a function that affect
// codegen decisions outside the calling convention: whether the
// function is a macro (never lowered to machine code directly), a
// compile-time-only function, or an externally imported symbol (no body,
// only a call-target label bound through the linker's import tables).
type FunctionFlags struct {
	Macro       bool
	CompileTime bool
	External    bool
}

// Parameter is one Function_Info parameter: its type and the symbolic name
// codegen uses to look up its storage once component E has run.
type Parameter struct {
	Name string
	Type *Descriptor
}

// FunctionInfo is the input the front end hands the core for one
// function. It never carries resolved storages itself; internal/abi's
// call-setup computation assigns those.
type FunctionInfo struct {
	Name       string
	Parameters []Parameter
	Returns    *Descriptor
	Flags      FunctionFlags

	// ExternalLibrary/ExternalSymbol name the DLL and the imported symbol
	// when Flags.External is set.
	ExternalLibrary string
	ExternalSymbol  string
}
