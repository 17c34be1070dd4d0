package backend

import (
	"bytes"
	"encoding/binary"
)

// ELF64 layout constants (spec §4.6's "no assembler or linker" constraint:
// this writer builds a minimal static, non-PIE ELF executable by hand).
const (
	elfBase       = uint64(0x400000)
	elfHeaderSize = 64
	phdrSize      = 56
	pageSize      = 0x1000
)

// WriteELF64 links the resolved Encoder's code and data into a minimal
// static ET_EXEC image: one R|X segment for .text, one R|W segment for
// .data, entry point at the code section's start.
func WriteELF64(e *Encoder) ([]byte, error) {
	if !e.resolved {
		return nil, ErrEncoderNotResolved
	}

	textOff := uint64(pageSize)
	textVaddr := elfBase + textOff
	textLen := uint64(len(e.code))

	dataOff := alignUp(textOff+textLen, pageSize)
	dataVaddr := elfBase + dataOff
	dataLen := uint64(len(e.data))

	var buf bytes.Buffer

	// e_ident
	buf.Write([]byte{0x7F, 'E', 'L', 'F', 2, 1, 1, 0})
	buf.Write(make([]byte, 8)) // padding

	var hdr struct {
		Type, Machine   uint16
		Version         uint32
		Entry           uint64
		Phoff           uint64
		Shoff           uint64
		Flags           uint32
		Ehsize          uint16
		Phentsize       uint16
		Phnum           uint16
		Shentsize       uint16
		Shnum           uint16
		Shstrndx        uint16
	}
	hdr.Type = 2 // ET_EXEC
	hdr.Machine = 0x3E // EM_X86_64
	hdr.Version = 1
	hdr.Entry = textVaddr
	hdr.Phoff = elfHeaderSize
	hdr.Ehsize = elfHeaderSize
	hdr.Phentsize = phdrSize
	hdr.Phnum = 2
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return nil, err
	}

	writePhdr := func(flags uint32, off, vaddr, filesz, memsz uint64) error {
		var ph struct {
			Type, Flags      uint32
			Offset, Vaddr    uint64
			Paddr            uint64
			Filesz, Memsz    uint64
			Align            uint64
		}
		ph.Type = 1 // PT_LOAD
		ph.Flags = flags
		ph.Offset = off
		ph.Vaddr = vaddr
		ph.Paddr = vaddr
		ph.Filesz = filesz
		ph.Memsz = memsz
		ph.Align = pageSize
		return binary.Write(&buf, binary.LittleEndian, ph)
	}

	const (
		pfX = 1
		pfW = 2
		pfR = 4
	)
	if err := writePhdr(pfR|pfX, textOff, textVaddr, textLen, textLen); err != nil {
		return nil, err
	}
	if err := writePhdr(pfR|pfW, dataOff, dataVaddr, dataLen, dataLen); err != nil {
		return nil, err
	}

	for uint64(buf.Len()) < textOff {
		buf.WriteByte(0)
	}
	buf.Write(e.code)
	for uint64(buf.Len()) < dataOff {
		buf.WriteByte(0)
	}
	buf.Write(e.data)

	return buf.Bytes(), nil
}

func alignUp(v, align uint64) uint64 {
	if v%align == 0 {
		return v
	}
	return v + (align - v%align)
}

// ELFBases returns the (codeBase, dataBase) virtual addresses an ELF64
// image built by WriteELF64 would place code and data at, for use with
// Encoder.Resolve before calling WriteELF64. iatBase is unused on Linux.
func ELFBases(codeLen int) (codeBase, dataBase uint64) {
	textVaddr := elfBase + pageSize
	dataVaddr := elfBase + alignUp(pageSize+uint64(codeLen), pageSize)
	return textVaddr, dataVaddr
}
