package backend

import (
	"bytes"
	"testing"
)

// buildTrivialProgram returns a manifest for a single function, fn_main,
// that moves an immediate into r1 and halts (spec §4.4's module entry shape
// with the jmp fn_main prologue omitted since this is a flat test program).
func buildTrivialProgram() *ManifestUnit {
	m := NewManifestUnit()
	m.BindLabel("fn_main")
	m.FrameSizes["fn_main"] = 8
	m.Emit(Mov, 1, OperandImmediate, 0, 42, "mov r1, 42")
	m.Emit(Halt, 0, 0, 0, 0, "")
	return m
}

func TestEncodeLinuxProducesCode(t *testing.T) {
	m := buildTrivialProgram()
	enc := NewEncoder(Linux)
	err := enc.Encode(m)
	assert(t, err == nil, "Encode failed: %v", err)
	assert(t, enc.CodeLen() > 0, "expected non-empty code buffer")
	assert(t, enc.Code() == nil, "Code() should be nil before Resolve")

	codeBase, dataBase := ELFBases(enc.CodeLen())
	err = enc.Resolve(codeBase, dataBase, dataBase)
	assert(t, err == nil, "Resolve failed: %v", err)
	assert(t, len(enc.Code()) == enc.CodeLen(), "Code() length changed across Resolve")
}

func TestWriteELF64HasValidHeader(t *testing.T) {
	m := buildTrivialProgram()
	enc := NewEncoder(Linux)
	assert(t, enc.Encode(m) == nil, "Encode failed")

	codeBase, dataBase := ELFBases(enc.CodeLen())
	assert(t, enc.Resolve(codeBase, dataBase, dataBase) == nil, "Resolve failed")

	img, err := WriteELF64(enc)
	assert(t, err == nil, "WriteELF64 failed: %v", err)
	assert(t, bytes.HasPrefix(img, []byte{0x7F, 'E', 'L', 'F'}), "missing ELF magic")
	assert(t, img[4] == 2, "expected ELFCLASS64, got %d", img[4])
}

func TestWriteELF64RequiresResolve(t *testing.T) {
	m := buildTrivialProgram()
	enc := NewEncoder(Linux)
	assert(t, enc.Encode(m) == nil, "Encode failed")

	_, err := WriteELF64(enc)
	assert(t, err == ErrEncoderNotResolved, "expected ErrEncoderNotResolved, got %v", err)
}

func TestWritePE64HasValidHeader(t *testing.T) {
	m := buildTrivialProgram()
	enc := NewEncoder(Windows)
	assert(t, enc.Encode(m) == nil, "Encode failed")

	codeBase, dataBase := PEBases(enc.CodeLen())
	assert(t, enc.Resolve(codeBase, dataBase, dataBase) == nil, "Resolve failed")

	img, err := WritePE64(enc)
	assert(t, err == nil, "WritePE64 failed: %v", err)
	assert(t, bytes.HasPrefix(img, []byte{'M', 'Z'}), "missing MZ magic")

	peOff := int(img[0x3C]) | int(img[0x3D])<<8 | int(img[0x3E])<<16 | int(img[0x3F])<<24
	assert(t, bytes.Equal(img[peOff:peOff+4], []byte{'P', 'E', 0, 0}), "missing PE signature at e_lfanew")
}

func TestUndefinedSymbolFails(t *testing.T) {
	m := NewManifestUnit()
	m.BindLabel("fn_main")
	m.Emit(Jmp, OperandLabel, 0, 0, 0, "jmp nowhere")
	enc := NewEncoder(Linux)
	assert(t, enc.Encode(m) == nil, "Encode failed")

	err := enc.Resolve(0x400000, 0x500000, 0x500000)
	assert(t, err != nil, "expected an undefined-symbol error resolving a dangling jmp target")
}
