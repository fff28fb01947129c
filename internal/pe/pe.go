// Package pe serializes a linked program into a PE32+ executable image:
// an .rdata section holding the import tables, exception directory, and
// global data, and a .text section holding the encoded functions.
package pe

import (
	"bytes"
	"encoding/binary"
	"os"
	"time"

	"github.com/mass-lang/massc/internal/diag"
	"github.com/mass-lang/massc/internal/link"
)

const (
	fileAlignment    = 0x200
	sectionAlignment = 0x1000

	minWindowsVersionVista = 6

	dosHeaderSize       = 64
	peSignatureSize     = 4
	fileHeaderSize      = 20
	optionalHeaderSize  = 240
	sectionHeaderSize   = 40
	numberOfDirectories = 16

	imageDOSSignature = 0x5A4D     // "MZ"
	imageNTSignature  = 0x00004550 // "PE\0\0"

	imageFileMachineAMD64       = 0x8664
	imageFileExecutableImage    = 0x0002
	imageFileLargeAddressAware  = 0x0020
	imageNTOptionalHdr64Magic   = 0x20B
	imageSubsystemWindowsGUI    = 2
	imageSubsystemWindowsCUI    = 3
	imageDLLCharacteristics     = 0x0020 | 0x0040 | 0x0100 | 0x8000 // HIGH_ENTROPY_VA | DYNAMIC_BASE | NX_COMPAT | TERMINAL_SERVER_AWARE
	imageBase                   = 0x0000000140000000
	imageScnCntCode             = 0x00000020
	imageScnCntInitializedData  = 0x00000040
	imageScnMemExecute          = 0x20000000
	imageScnMemRead             = 0x40000000
	imageScnMemWrite            = 0x80000000

	importDirectoryIndex    = 1
	exceptionDirectoryIndex = 3
	iatDirectoryIndex       = 12

	importDescriptorSize = 20
	runtimeFunctionSize  = 12

	// Fixed-shape unwind info: a 4-byte header plus sixteen u16 slots, so
	// the unwind array can be laid out before the codes are known.
	unwindCodeSlots = 16
	unwindInfoSize  = 4 + 2*unwindCodeSlots
)

const (
	uwopPushNonvol = 0
	uwopAllocLarge = 1
	uwopAllocSmall = 2
)

// Subsystem selects the PE subsystem field.
type Subsystem uint16

const (
	SubsystemCLI Subsystem = imageSubsystemWindowsCUI
	SubsystemGUI Subsystem = imageSubsystemWindowsGUI
)

// rdataLayout remembers where the variably-placed pieces of .rdata landed.
type rdataLayout struct {
	buffer []byte

	iatRVA                  uint32
	iatSize                 uint32
	importDirectoryRVA      uint32
	importDirectorySize     uint32
	exceptionDirectoryRVA   uint32
	exceptionDirectorySize  uint32
	exceptionDirectoryStart uint32 // offset within buffer
	unwindInfoBaseRVA       uint32
	unwindInfoStart         uint32 // offset within buffer
}

func alignUp(v, alignment uint32) uint32 {
	if rem := v % alignment; rem != 0 {
		v += alignment - rem
	}
	return v
}

// encodeRdataSection lays out .rdata at virtualAddress: global data first,
// then per-symbol name-hint entries, the IAT, the image thunk tables, the
// library name strings, the import descriptor array with its zero
// terminator, and finally the exception directory and unwind info arrays
// (zero-filled here, patched once .text is placed). Import symbol labels
// resolve to their IAT slots as a side effect.
func encodeRdataSection(program *link.Program, virtualAddress uint32) rdataLayout {
	var buf bytes.Buffer
	layout := rdataLayout{}
	rva := func() uint32 { return virtualAddress + uint32(buf.Len()) }

	// Global data from the program's data section, 16-aligned.
	data := program.Section(program.Data)
	data.BaseRVA = virtualAddress
	buf.Write(data.Buffer)
	for uint32(buf.Len()) != alignUp(uint32(len(data.Buffer)), 16) {
		buf.WriteByte(0)
	}

	// Name-hint entries: a zero ordinal hint and the NUL-terminated symbol
	// name, padded to an even size.
	hintRVAs := make([][]uint32, len(program.ImportLibraries))
	for i, lib := range program.ImportLibraries {
		for _, sym := range lib.Symbols {
			hintRVAs[i] = append(hintRVAs[i], rva())
			binary.Write(&buf, binary.LittleEndian, uint16(0)) // ordinal hint, value not required
			buf.WriteString(sym.Name)
			buf.WriteByte(0)
			if (len(sym.Name)+1)%2 != 0 {
				buf.WriteByte(0)
			}
		}
	}

	// IAT: per-library thunk arrays, each slot naming its hint entry,
	// terminated by a zero u64. Every slot becomes the resolved location of
	// the corresponding import label.
	layout.iatRVA = rva()
	libIATRVAs := make([]uint32, len(program.ImportLibraries))
	for i, lib := range program.ImportLibraries {
		libIATRVAs[i] = rva()
		for j, sym := range lib.Symbols {
			program.SetLabelOffset(sym.Label, rva()-virtualAddress)
			binary.Write(&buf, binary.LittleEndian, uint64(hintRVAs[i][j]))
		}
		binary.Write(&buf, binary.LittleEndian, uint64(0)) // end of IAT list
	}
	layout.iatSize = rva() - layout.iatRVA

	// Image thunk tables: a second copy of the same shape.
	libThunkRVAs := make([]uint32, len(program.ImportLibraries))
	for i, lib := range program.ImportLibraries {
		libThunkRVAs[i] = rva()
		for j := range lib.Symbols {
			binary.Write(&buf, binary.LittleEndian, uint64(hintRVAs[i][j]))
		}
		binary.Write(&buf, binary.LittleEndian, uint64(0)) // end of image thunk list
	}

	// Library name strings, NUL-terminated, even-padded.
	libNameRVAs := make([]uint32, len(program.ImportLibraries))
	for i, lib := range program.ImportLibraries {
		libNameRVAs[i] = rva()
		buf.WriteString(lib.Name)
		buf.WriteByte(0)
		if (len(lib.Name)+1)%2 != 0 {
			buf.WriteByte(0)
		}
	}

	// IMAGE_IMPORT_DESCRIPTOR array; the zero terminator is excluded from
	// the directory size.
	layout.importDirectoryRVA = rva()
	for i := range program.ImportLibraries {
		binary.Write(&buf, binary.LittleEndian, libThunkRVAs[i]) // OriginalFirstThunk
		binary.Write(&buf, binary.LittleEndian, uint32(0))       // TimeDateStamp
		binary.Write(&buf, binary.LittleEndian, uint32(0))       // ForwarderChain
		binary.Write(&buf, binary.LittleEndian, libNameRVAs[i])  // Name
		binary.Write(&buf, binary.LittleEndian, libIATRVAs[i])   // FirstThunk
	}
	layout.importDirectorySize = rva() - layout.importDirectoryRVA
	buf.Write(make([]byte, importDescriptorSize)) // end of descriptor list

	// Exception directory: one RUNTIME_FUNCTION per function, filled in
	// after .text placement.
	layout.exceptionDirectoryRVA = rva()
	layout.exceptionDirectoryStart = uint32(buf.Len())
	buf.Write(make([]byte, runtimeFunctionSize*len(program.Functions)))
	layout.exceptionDirectorySize = rva() - layout.exceptionDirectoryRVA

	// Unwind info must be u32-aligned.
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	layout.unwindInfoBaseRVA = rva()
	layout.unwindInfoStart = uint32(buf.Len())
	buf.Write(make([]byte, unwindInfoSize*len(program.Functions)))

	layout.buffer = buf.Bytes()
	return layout
}

// fillUnwindInfo writes the RUNTIME_FUNCTION and UNWIND_INFO entries for
// every placed function into the already-reserved .rdata slots.
func fillUnwindInfo(program *link.Program, layout *rdataLayout) error {
	for i, fn := range program.Functions {
		unwindRVA := layout.unwindInfoBaseRVA + uint32(i*unwindInfoSize)

		rf := layout.buffer[layout.exceptionDirectoryStart+uint32(i*runtimeFunctionSize):]
		binary.LittleEndian.PutUint32(rf[0:], fn.Layout.BeginRVA) // BeginAddress
		binary.LittleEndian.PutUint32(rf[4:], fn.Layout.EndRVA)   // EndAddress
		binary.LittleEndian.PutUint32(rf[8:], unwindRVA)          // UnwindInfoAddress

		info := layout.buffer[layout.unwindInfoStart+uint32(i*unwindInfoSize):]
		codes, err := unwindCodes(fn)
		if err != nil {
			return err
		}
		if len(codes) > unwindCodeSlots {
			return diag.New(diag.KindUnimplemented, diag.CategoryPE,
				"unwind info for %q needs %d code slots, at most %d fit",
				fn.Builder.Function.Name, len(codes), unwindCodeSlots)
		}
		info[0] = 1                        // Version 1, no flags
		info[1] = fn.Layout.SizeOfProlog   // SizeOfProlog
		info[2] = uint8(len(codes))        // CountOfCodes
		info[3] = 0                        // no frame register
		for j, code := range codes {
			binary.LittleEndian.PutUint16(info[4+2*j:], code)
		}
	}
	return nil
}

// unwindCodes builds the UNWIND_CODE sequence for one function, ordered by
// descending prologue offset: the frame allocation first, then the pushes
// in reverse emission order.
func unwindCodes(fn *link.Function) ([]uint16, error) {
	var codes []uint16
	code := func(offset uint8, op, info uint8) uint16 {
		return uint16(offset) | uint16(op)<<8 | uint16(info)<<12
	}

	reserve := uint32(fn.Layout.StackReserve)
	switch {
	case reserve == 0:
	case reserve <= 128 && reserve%8 == 0:
		codes = append(codes, code(fn.Layout.SizeOfProlog, uwopAllocSmall, uint8(reserve/8-1)))
	case reserve < 512*1024:
		codes = append(codes,
			code(fn.Layout.SizeOfProlog, uwopAllocLarge, 0),
			uint16(reserve/8))
	default:
		return nil, diag.New(diag.KindUnimplemented, diag.CategoryPE,
			"stack frame of %d bytes exceeds the small unwind encoding", reserve)
	}

	for i := len(fn.Layout.PushedRegisters) - 1; i >= 0; i-- {
		reg := fn.Layout.PushedRegisters[i]
		pushLen := uint8(1)
		if reg.NeedsREXExtension() {
			pushLen = 2
		}
		codes = append(codes, code(fn.Layout.PushOffsets[i]+pushLen, uwopPushNonvol, reg.Index()))
	}
	return codes, nil
}

func sectionCharacteristics(perms link.Permissions) uint32 {
	var c uint32
	if perms&link.PermExecute != 0 {
		c |= imageScnCntCode | imageScnMemExecute
	} else {
		c |= imageScnCntInitializedData
	}
	if perms&link.PermWrite != 0 {
		c |= imageScnMemWrite
	} else if perms&link.PermRead != 0 {
		c |= imageScnMemRead
	}
	return c
}

type sectionHeader struct {
	name            string
	virtualSize     uint32
	virtualAddress  uint32
	sizeOfRawData   uint32
	pointerToRaw    uint32
	characteristics uint32
}

func writeSectionHeader(buf *bytes.Buffer, h sectionHeader) {
	var name [8]byte
	copy(name[:], h.name)
	buf.Write(name[:])
	binary.Write(buf, binary.LittleEndian, h.virtualSize)     // VirtualSize
	binary.Write(buf, binary.LittleEndian, h.virtualAddress)  // VirtualAddress
	binary.Write(buf, binary.LittleEndian, h.sizeOfRawData)   // SizeOfRawData
	binary.Write(buf, binary.LittleEndian, h.pointerToRaw)    // PointerToRawData
	binary.Write(buf, binary.LittleEndian, uint32(0))         // PointerToRelocations
	binary.Write(buf, binary.LittleEndian, uint32(0))         // PointerToLinenumbers
	binary.Write(buf, binary.LittleEndian, uint16(0))         // NumberOfRelocations
	binary.Write(buf, binary.LittleEndian, uint16(0))         // NumberOfLinenumbers
	binary.Write(buf, binary.LittleEndian, h.characteristics) // Characteristics
}

// Image is the assembled PE32+ file plus the facts a caller may want to
// report.
type Image struct {
	Bytes         []byte
	EntryPointRVA uint32
}

// Build assembles the full PE32+ image for a linked program.
func Build(program *link.Program, subsystem Subsystem) (*Image, error) {
	if program.EntryPoint == nil {
		return nil, diag.New(diag.KindUnimplemented, diag.CategoryPE, "program has no entry point")
	}

	// Three headers are budgeted: .rdata, .text, and a zero terminator.
	fileSizeOfHeaders := alignUp(
		dosHeaderSize+peSignatureSize+fileHeaderSize+optionalHeaderSize+3*sectionHeaderSize,
		fileAlignment)
	virtualSizeOfHeaders := alignUp(fileSizeOfHeaders, sectionAlignment)

	// .rdata
	rdataVA := virtualSizeOfHeaders
	rdata := encodeRdataSection(program, rdataVA)
	rdataVirtualSize := uint32(len(rdata.buffer))
	rdataRawSize := alignUp(rdataVirtualSize, fileAlignment)

	// .text
	textVA := rdataVA + alignUp(rdataRawSize, sectionAlignment)
	code := program.Section(program.Code)
	code.BaseRVA = textVA
	entryRVA, err := program.EncodeFunctions()
	if err != nil {
		return nil, err
	}
	if err := fillUnwindInfo(program, &rdata); err != nil {
		return nil, err
	}
	textVirtualSize := uint32(len(code.Buffer))
	textRawSize := alignUp(textVirtualSize, fileAlignment)

	sizeOfImage := textVA + alignUp(textRawSize, sectionAlignment)

	var buf bytes.Buffer

	// IMAGE_DOS_HEADER: e_magic plus e_lfanew pointing right past it.
	binary.Write(&buf, binary.LittleEndian, uint16(imageDOSSignature)) // e_magic
	buf.Write(make([]byte, 58))
	binary.Write(&buf, binary.LittleEndian, uint32(dosHeaderSize)) // e_lfanew

	binary.Write(&buf, binary.LittleEndian, uint32(imageNTSignature))

	// IMAGE_FILE_HEADER
	binary.Write(&buf, binary.LittleEndian, uint16(imageFileMachineAMD64)) // Machine
	binary.Write(&buf, binary.LittleEndian, uint16(2))                     // NumberOfSections
	binary.Write(&buf, binary.LittleEndian, uint32(time.Now().Unix()))     // TimeDateStamp
	binary.Write(&buf, binary.LittleEndian, uint32(0))                     // PointerToSymbolTable
	binary.Write(&buf, binary.LittleEndian, uint32(0))                     // NumberOfSymbols
	binary.Write(&buf, binary.LittleEndian, uint16(optionalHeaderSize))    // SizeOfOptionalHeader
	binary.Write(&buf, binary.LittleEndian,
		uint16(imageFileExecutableImage|imageFileLargeAddressAware)) // Characteristics

	// IMAGE_OPTIONAL_HEADER64
	binary.Write(&buf, binary.LittleEndian, uint16(imageNTOptionalHdr64Magic)) // Magic
	buf.WriteByte(0)                                                           // MajorLinkerVersion
	buf.WriteByte(0)                                                           // MinorLinkerVersion
	binary.Write(&buf, binary.LittleEndian, textRawSize)                       // SizeOfCode
	binary.Write(&buf, binary.LittleEndian, rdataRawSize)                      // SizeOfInitializedData
	binary.Write(&buf, binary.LittleEndian, uint32(0))                         // SizeOfUninitializedData
	binary.Write(&buf, binary.LittleEndian, entryRVA)                          // AddressOfEntryPoint
	binary.Write(&buf, binary.LittleEndian, textVA)                            // BaseOfCode
	binary.Write(&buf, binary.LittleEndian, uint64(imageBase))                 // ImageBase
	binary.Write(&buf, binary.LittleEndian, uint32(sectionAlignment))          // SectionAlignment
	binary.Write(&buf, binary.LittleEndian, uint32(fileAlignment))             // FileAlignment
	binary.Write(&buf, binary.LittleEndian, uint16(minWindowsVersionVista))    // MajorOperatingSystemVersion
	binary.Write(&buf, binary.LittleEndian, uint16(0))                         // MinorOperatingSystemVersion
	binary.Write(&buf, binary.LittleEndian, uint16(0))                         // MajorImageVersion
	binary.Write(&buf, binary.LittleEndian, uint16(0))                         // MinorImageVersion
	binary.Write(&buf, binary.LittleEndian, uint16(minWindowsVersionVista))    // MajorSubsystemVersion
	binary.Write(&buf, binary.LittleEndian, uint16(0))                         // MinorSubsystemVersion
	binary.Write(&buf, binary.LittleEndian, uint32(0))                         // Win32VersionValue
	binary.Write(&buf, binary.LittleEndian, sizeOfImage)                       // SizeOfImage
	binary.Write(&buf, binary.LittleEndian, fileSizeOfHeaders)                 // SizeOfHeaders
	binary.Write(&buf, binary.LittleEndian, uint32(0))                         // CheckSum
	binary.Write(&buf, binary.LittleEndian, uint16(subsystem))                 // Subsystem
	binary.Write(&buf, binary.LittleEndian, uint16(imageDLLCharacteristics))   // DllCharacteristics
	binary.Write(&buf, binary.LittleEndian, uint64(0x100000))                  // SizeOfStackReserve
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))                    // SizeOfStackCommit
	binary.Write(&buf, binary.LittleEndian, uint64(0x100000))                  // SizeOfHeapReserve
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))                    // SizeOfHeapCommit
	binary.Write(&buf, binary.LittleEndian, uint32(0))                         // LoaderFlags
	binary.Write(&buf, binary.LittleEndian, uint32(numberOfDirectories))       // NumberOfRvaAndSizes

	// Data directories: only IAT, Import, and Exception are populated.
	for i := 0; i < numberOfDirectories; i++ {
		var va, size uint32
		switch i {
		case importDirectoryIndex:
			va, size = rdata.importDirectoryRVA, rdata.importDirectorySize
		case exceptionDirectoryIndex:
			va, size = rdata.exceptionDirectoryRVA, rdata.exceptionDirectorySize
		case iatDirectoryIndex:
			va, size = rdata.iatRVA, rdata.iatSize
		}
		binary.Write(&buf, binary.LittleEndian, va)
		binary.Write(&buf, binary.LittleEndian, size)
	}

	writeSectionHeader(&buf, sectionHeader{
		name:            ".rdata",
		virtualSize:     rdataVirtualSize,
		virtualAddress:  rdataVA,
		sizeOfRawData:   rdataRawSize,
		pointerToRaw:    fileSizeOfHeaders,
		characteristics: sectionCharacteristics(program.Section(program.Data).Permissions),
	})
	writeSectionHeader(&buf, sectionHeader{
		name:            ".text",
		virtualSize:     textVirtualSize,
		virtualAddress:  textVA,
		sizeOfRawData:   textRawSize,
		pointerToRaw:    fileSizeOfHeaders + rdataRawSize,
		characteristics: sectionCharacteristics(program.Section(program.Code).Permissions),
	})
	writeSectionHeader(&buf, sectionHeader{}) // terminator

	// Section contents at their file-aligned positions.
	buf.Write(make([]byte, int(fileSizeOfHeaders)-buf.Len()))
	buf.Write(rdata.buffer)
	buf.Write(make([]byte, int(rdataRawSize)-len(rdata.buffer)))
	buf.Write(code.Buffer)
	buf.Write(make([]byte, int(textRawSize)-len(code.Buffer)))

	return &Image{Bytes: buf.Bytes(), EntryPointRVA: entryRVA}, nil
}

// Write assembles the image and writes it to path in one synchronous call.
func Write(path string, program *link.Program, subsystem Subsystem) error {
	image, err := Build(program, subsystem)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, image.Bytes, 0o755); err != nil {
		return diag.New(diag.KindFileOpen, diag.CategoryPE, "cannot write %s: %v", path, err)
	}
	return nil
}
