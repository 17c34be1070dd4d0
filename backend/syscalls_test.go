package backend

import (
	"sort"
	"testing"
)

// spawnJoinProgram builds a two-function module where main spawns worker and
// joins the returned handle, exercising emitSpawn/emitJoin end to end through
// Encode (spec §5's concurrency model).
func spawnJoinProgram() *ManifestUnit {
	m := NewManifestUnit()

	m.BindLabel("fn_main")
	m.FrameSizes["fn_main"] = 8
	m.Emit(Spawn, 1, OperandLabel, 0, 0, "spawn r1, fn_worker")
	m.Emit(Join, 1, 0, 0, 0, "")
	m.Emit(Halt, 0, 0, 0, 0, "")

	m.BindLabel("fn_worker")
	m.FrameSizes["fn_worker"] = 8
	m.Emit(Ret, 0, 0, 0, 0, "")

	return m
}

func TestEncodeSpawnJoinLinux(t *testing.T) {
	m := spawnJoinProgram()
	enc := NewEncoder(Linux)
	err := enc.Encode(m)
	assert(t, err == nil, "Encode failed: %v", err)

	codeBase, dataBase := ELFBases(enc.CodeLen())
	err = enc.Resolve(codeBase, dataBase, dataBase)
	assert(t, err == nil, "Resolve failed: %v", err)
}

func TestEncodeSpawnJoinWindows(t *testing.T) {
	m := spawnJoinProgram()
	enc := NewEncoder(Windows)
	err := enc.Encode(m)
	assert(t, err == nil, "Encode failed: %v", err)

	codeBase, dataBase := PEBases(enc.CodeLen())
	err = enc.Resolve(codeBase, dataBase, dataBase)
	assert(t, err == nil, "Resolve failed: %v", err)
}

// TestReserveImportContiguousBlock pins the invariant WritePE64's import
// directory depends on: every __imp_<Name> slot reserved by reserveImport
// lands in one contiguous, 8-byte-stride block of .data, regardless of what
// else was emitted into .data first.
func TestReserveImportContiguousBlock(t *testing.T) {
	enc := NewEncoder(Windows)
	enc.dataEmit([]byte("padding before the import block")...)

	enc.reserveImport("WriteFile")
	enc.reserveImport("ExitProcess")

	sorted := append([]string(nil), peImportNames...)
	sort.Strings(sorted)
	base := -1
	for i, n := range sorted {
		off, ok := enc.dataLabels["__imp_"+n]
		assert(t, ok, "expected __imp_%s to be reserved", n)
		if i == 0 {
			base = off
		}
		assert(t, off == base+i*8, "import %s at offset %d, expected %d for a contiguous block", n, off, base+i*8)
	}
}

func TestEmitExitProducesCode(t *testing.T) {
	for _, target := range []Target{Linux, Windows} {
		enc := NewEncoder(target)
		before := enc.CodeLen()
		enc.emitExit(target)
		assert(t, enc.CodeLen() > before, "emitExit(%v) emitted no code", target)
	}
}

// TestEmitExitPropagatesR0 pins the fix for the HALT exit-code defect:
// emitExit must move r0/rax into the OS exit-code argument register (rdi on
// Linux, rcx on Windows) instead of zeroing it, so `return <expr>` and a
// fallthrough value actually reach the process exit code.
func TestEmitExitPropagatesR0(t *testing.T) {
	encLinux := NewEncoder(Linux)
	encLinux.emitExit(Linux)
	code := encLinux.code
	assert(t, len(code) >= 3, "expected at least a mov rdi,rax before the syscall setup")
	assert(t, code[0] == 0x48 && code[1] == 0x89 && code[2] == 0xC7,
		"expected mov rdi,rax (48 89 C7) first, got % X", code[:3])

	encWin := NewEncoder(Windows)
	encWin.emitExit(Windows)
	code = encWin.code
	assert(t, len(code) >= 3, "expected at least a mov rcx,rax before ExitProcess")
	assert(t, code[0] == 0x48 && code[1] == 0x89 && code[2] == 0xC1,
		"expected mov rcx,rax (48 89 C1) first, got % X", code[:3])
}
