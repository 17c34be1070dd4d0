package backend

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// PE64 layout constants (spec §4.6): a console-subsystem, non-ASLR image
// with three sections and a hand-built kernel32 import directory since no
// linker produces this binary.
const (
	peBase       = uint64(0x140000000)
	peSectAlign  = uint32(0x1000)
	peFileAlign  = uint32(0x200)
	peHeaderSize = 0x400 // generous fixed headroom for DOS+PE+section headers
)

var peImportNames = []string{
	"ExitProcess",
	"GetStdHandle",
	"WriteFile",
	"ReadFile",
	"ReadConsoleA",
	"CreateThread",
	"WaitForSingleObject",
	"CloseHandle",
}

// WritePE64 links the resolved Encoder's code and data into a minimal
// console-subsystem PE64 executable, constructing the kernel32 import
// directory and IAT the encoder's callImport/reserveImport sites expect.
func WritePE64(e *Encoder) ([]byte, error) {
	if !e.resolved {
		return nil, ErrEncoderNotResolved
	}

	textRVA := alignUp32(uint32(peHeaderSize), peSectAlign)
	textLen := uint32(len(e.code))
	dataRVA := alignUp32(textRVA+textLen, peSectAlign)
	dataLen := uint32(len(e.data))

	textFileOff := alignUp32(uint32(peHeaderSize), peFileAlign)
	textFileLen := alignUp32(textLen, peFileAlign)
	dataFileOff := textFileOff + textFileLen
	dataFileLen := alignUp32(dataLen, peFileAlign)

	var buf bytes.Buffer

	// DOS stub: e_magic + e_lfanew pointing straight at the PE header.
	dos := make([]byte, 0x40)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3C:], 0x40)
	buf.Write(dos)

	buf.Write([]byte{'P', 'E', 0, 0})
	var fh struct {
		Machine              uint16
		NumberOfSections     uint16
		TimeDateStamp        uint32
		PointerToSymbolTable uint32
		NumberOfSymbols      uint32
		SizeOfOptionalHeader uint16
		Characteristics      uint16
	}
	fh.Machine = 0x8664
	fh.NumberOfSections = 3
	fh.SizeOfOptionalHeader = 240
	fh.Characteristics = 0x0002 | 0x0020 // EXECUTABLE_IMAGE | LARGE_ADDRESS_AWARE
	if err := binary.Write(&buf, binary.LittleEndian, fh); err != nil {
		return nil, err
	}

	sizeOfHeaders := alignUp32(uint32(peHeaderSize), peFileAlign)

	rdataRVA := alignUp32(dataRVA+dataLen, peSectAlign)
	rdataFileOff := dataFileOff + dataFileLen
	idata := buildImportDirectory(e, rdataRVA, dataRVA)
	rdataFileLen := alignUp32(uint32(len(idata)), peFileAlign)

	sizeOfImage := alignUp32(rdataRVA+uint32(len(idata)), peSectAlign)

	var oh struct {
		Magic                       uint16
		MajorLinkerVersion          uint8
		MinorLinkerVersion          uint8
		SizeOfCode                  uint32
		SizeOfInitializedData       uint32
		SizeOfUninitializedData     uint32
		AddressOfEntryPoint         uint32
		BaseOfCode                  uint32
		ImageBase                   uint64
		SectionAlignment            uint32
		FileAlignment               uint32
		MajorOSVersion              uint16
		MinorOSVersion              uint16
		MajorImageVersion           uint16
		MinorImageVersion           uint16
		MajorSubsystemVersion       uint16
		MinorSubsystemVersion       uint16
		Win32VersionValue           uint32
		SizeOfImage                 uint32
		SizeOfHeaders               uint32
		CheckSum                    uint32
		Subsystem                   uint16
		DllCharacteristics          uint16
		SizeOfStackReserve          uint64
		SizeOfStackCommit           uint64
		SizeOfHeapReserve           uint64
		SizeOfHeapCommit            uint64
		LoaderFlags                 uint32
		NumberOfRvaAndSizes         uint32
	}
	oh.Magic = 0x20B // PE32+
	oh.SizeOfCode = textFileLen
	oh.SizeOfInitializedData = dataFileLen + rdataFileLen
	oh.AddressOfEntryPoint = textRVA
	oh.BaseOfCode = textRVA
	oh.ImageBase = peBase
	oh.SectionAlignment = peSectAlign
	oh.FileAlignment = peFileAlign
	oh.MajorSubsystemVersion = 6
	oh.SizeOfImage = sizeOfImage
	oh.SizeOfHeaders = sizeOfHeaders
	oh.Subsystem = 3 // IMAGE_SUBSYSTEM_WINDOWS_CUI
	// DllCharacteristics deliberately omits IMAGE_DLLCHARACTERISTICS_DYNAMIC_BASE
	// (0x0040): this is a fixed-base image (spec §4.6), so ASLR is off.
	oh.DllCharacteristics = 0x0100 | 0x0400 // NX_COMPAT | NO_SEH
	oh.SizeOfStackReserve = 0x100000
	oh.SizeOfStackCommit = 0x1000
	oh.SizeOfHeapReserve = 0x100000
	oh.SizeOfHeapCommit = 0x1000
	oh.NumberOfRvaAndSizes = 16
	if err := binary.Write(&buf, binary.LittleEndian, oh); err != nil {
		return nil, err
	}

	dataDirs := make([]uint32, 32)
	dataDirs[1*2+0] = rdataRVA          // IMAGE_DIRECTORY_ENTRY_IMPORT.VirtualAddress
	dataDirs[1*2+1] = uint32(len(idata)) // IMAGE_DIRECTORY_ENTRY_IMPORT.Size
	if err := binary.Write(&buf, binary.LittleEndian, dataDirs); err != nil {
		return nil, err
	}

	writeSection := func(name string, rva, vsize, foff, fsize, flags uint32) error {
		var sh struct {
			Name                 [8]byte
			VirtualSize          uint32
			VirtualAddress       uint32
			SizeOfRawData        uint32
			PointerToRawData     uint32
			PointerToRelocations uint32
			PointerToLineNumbers uint32
			NumberOfRelocations  uint16
			NumberOfLineNumbers  uint16
			Characteristics      uint32
		}
		copy(sh.Name[:], name)
		sh.VirtualSize = vsize
		sh.VirtualAddress = rva
		sh.SizeOfRawData = fsize
		sh.PointerToRawData = foff
		sh.Characteristics = flags
		return binary.Write(&buf, binary.LittleEndian, sh)
	}
	const (
		sCode  = 0x00000020 | 0x20000000 | 0x40000000 // CODE | EXECUTE | READ
		sData  = 0x00000040 | 0x40000000 | 0x80000000 // INITIALIZED_DATA | READ | WRITE
		sRData = 0x00000040 | 0x40000000               // INITIALIZED_DATA | READ
	)
	if err := writeSection(".text", textRVA, textLen, textFileOff, textFileLen, sCode); err != nil {
		return nil, err
	}
	if err := writeSection(".data", dataRVA, dataLen, dataFileOff, dataFileLen, sData); err != nil {
		return nil, err
	}
	if err := writeSection(".idata", rdataRVA, uint32(len(idata)), rdataFileOff, rdataFileLen, sRData); err != nil {
		return nil, err
	}

	for uint32(buf.Len()) < sizeOfHeaders {
		buf.WriteByte(0)
	}
	for uint32(buf.Len()) < textFileOff {
		buf.WriteByte(0)
	}
	buf.Write(e.code)
	for uint32(buf.Len()) < dataFileOff {
		buf.WriteByte(0)
	}
	buf.Write(e.data)
	for uint32(buf.Len()) < rdataFileOff {
		buf.WriteByte(0)
	}
	buf.Write(idata)

	return buf.Bytes(), nil
}

// PEBases returns the (codeBase, dataBase) virtual addresses a PE64 image
// built by WritePE64 would place code and data at, for use with
// Encoder.Resolve before calling WritePE64.
func PEBases(codeLen int) (codeBase, dataBase uint64) {
	textRVA := alignUp32(uint32(peHeaderSize), peSectAlign)
	dataRVA := alignUp32(textRVA+uint32(codeLen), peSectAlign)
	return peBase + uint64(textRVA), peBase + uint64(dataRVA)
}

func alignUp32(v, align uint32) uint32 {
	if v%align == 0 {
		return v
	}
	return v + (align - v%align)
}

// buildImportDirectory builds the IMAGE_IMPORT_DESCRIPTOR, ILT, and
// hint/name table for kernel32.dll. FirstThunk addresses the IAT block
// Encoder.reserveImport already reserved inside .data (dataRVA is passed
// in separately) rather than a second array here, so code already emitted
// against "__imp_<Name>" (patched by Resolve's relocation pass against
// that .data offset, spec §4.5) is patched by the loader in place.
func buildImportDirectory(e *Encoder, rva uint32, dataRVA uint32) []byte {
	names := append([]string(nil), peImportNames...)
	sort.Strings(names)

	iatRVA := dataRVA + uint32(e.dataLabels["__imp_"+names[0]])

	descriptorSize := 20 * 2 // one real descriptor + one null terminator
	iltSize := (len(names) + 1) * 8

	iltOff := descriptorSize
	hintNameOff := iltOff + iltSize
	nameOff := make(map[string]int)
	pos := hintNameOff
	for _, n := range names {
		nameOff[n] = pos
		pos += 2 + len(n) + 1 // hint (2 bytes) + name + NUL
		if pos%2 != 0 {
			pos++
		}
	}
	dllNameOff := pos
	dllName := "KERNEL32.DLL\x00"
	pos += len(dllName)

	buf := make([]byte, pos)
	putU32 := func(off int, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }
	putU64 := func(off int, v uint64) { binary.LittleEndian.PutUint64(buf[off:], v) }

	putU32(0, rva+uint32(iltOff))     // OriginalFirstThunk
	putU32(4, 0)                      // TimeDateStamp
	putU32(8, 0)                      // ForwarderChain
	putU32(12, rva+uint32(dllNameOff)) // Name
	putU32(16, iatRVA)                // FirstThunk (lives in .data, reserved by reserveImport)

	for i, n := range names {
		hintNameRVA := uint64(rva) + uint64(nameOff[n])
		putU64(iltOff+i*8, hintNameRVA)
		off := nameOff[n]
		binary.LittleEndian.PutUint16(buf[off:], 0) // hint
		copy(buf[off+2:], n)
		buf[off+2+len(n)] = 0
	}
	copy(buf[dllNameOff:], dllName)

	return buf
}
