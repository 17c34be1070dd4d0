package backend

import "sort"

// This file resolves SVC, SPAWN, and JOIN into their target-specific
// dispatch: raw syscalls on Linux (no libc is linked, spec §5), kernel32
// imports reached through the IAT on Windows (spec §4.6, §5).

const (
	sysRead   = 0
	sysWrite  = 1
	sysExit   = 60
	sysClone  = 56
	sysFutex  = 202
	sysNanosleep = 35
)

const (
	futexWait = 0
	futexWake = 1
)

// reserveImport lazily allocates the entire kernel32 IAT as one contiguous
// 8-byte-per-slot block, in the same sorted order pe.go's import directory
// builder uses for its ILT/hint-name table — the PE loader requires
// FirstThunk to address a single contiguous array, so these slots cannot
// be reserved one at a time as each SVC first needs them.
func (e *Encoder) reserveImport(name string) string {
	if _, ok := e.dataLabels["__imp_"+name]; ok {
		return name
	}
	sorted := append([]string(nil), peImportNames...)
	sort.Strings(sorted)
	e.dataAlign(8)
	base := e.dataEmit(make([]byte, 8*len(sorted))...)
	for i, n := range sorted {
		e.dataLabels["__imp_"+n] = base + i*8
		e.imports[n] = "__imp_" + n
	}
	return name
}

// callImport emits an indirect call through a Windows IAT slot: FF /2 with a
// RIP-relative operand (spec glossary: "IAT" / "import thunk").
func (e *Encoder) callImport(name string) {
	e.reserveImport(name)
	e.emit(0xFF, modrm(0, 2, 5))
	e.placeholder32(name, RelRipRelativeData)
}

func (e *Encoder) pushReg(r uint8) {
	if e.ext(r) {
		e.emit(rex(false, false, false, true))
	}
	e.emit(0x50 + e.reg3(r))
}

func (e *Encoder) popReg(r uint8) {
	if e.ext(r) {
		e.emit(rex(false, false, false, true))
	}
	e.emit(0x58 + e.reg3(r))
}

func (e *Encoder) movRegImm64(r uint8, v uint64) {
	e.emit(rex(true, false, false, e.ext(r)), 0xB8+e.reg3(r))
	e.emitImm64(v)
}

func (e *Encoder) syscall0() { e.emit(0x0F, 0x05) }

// emitExit lowers HALT (module-level program exit) for t. The exit code is
// whatever LowerFunction left in r0/rax (spec §3's return-value register),
// not a fixed 0 — a `return <expr>` or a fallthrough value must reach the
// OS exit code exactly like the explicit `request service exit` path does.
func (e *Encoder) emitExit(t Target) {
	if t == Linux {
		if physRDI != physRAX {
			e.rr(0x89, physRDI, physRAX)
		}
		e.movRegImm64(physRAX, sysExit)
		e.syscall0()
		return
	}
	if physRCX != physRAX {
		e.rr(0x89, physRCX, physRAX)
	}
	e.callImport("ExitProcess")
}

// emitSvc dispatches a manifest SVC instruction by its service number (spec
// §4.4, §4.6). Op0 carries the argument register for unary services.
func (e *Encoder) emitSvc(instr Instruction, t Target) {
	arg := t.PhysReg(instr.Op0)
	switch instr.Imm {
	case 0x01: // print(string-pointer)
		e.emitPrintString(arg, t)
	case 0x02: // exit(code)
		e.emitSvcExit(arg, t)
	case 0x03: // pause (read one byte of stdin)
		e.emitPause(t, false)
	case 0x04: // pause_silent
		e.emitPause(t, true)
	case 0x05: // print_int(value)
		e.emitPrintInt(arg, t)
	case 0x06: // input_int() -> dst
		e.emitInputInt(t.PhysReg(instr.Op0), t)
	case 0x07: // print_float(value, xmm)
		e.emitPrintFloat(instr.Op0, t)
	}
}

// emitPrintString writes the length-prefixed string at [ptr] (spec §9's
// fix for the fixed-16-byte print defect: the true length is read from the
// 8-byte prefix laid down in layoutData instead of being assumed).
func (e *Encoder) emitPrintString(ptrPhys uint8, t Target) {
	e.saveScratch()
	if ptrPhys != physRSI {
		e.rr(0x89, physRSI, ptrPhys)
	}
	e.emit(rex(true, false, false, false), 0x8B, modrm(0, physRDX, physRSI)) // mov rdx,[rsi] (length)
	e.emit(rex(true, false, false, false), 0x81, modrm(3, 0, physRSI))
	e.emitImm32(8) // add rsi, 8 (skip the length prefix)
	if t == Linux {
		e.movRegImm64(physRAX, sysWrite)
		e.movRegImm64(physRDI, 1)
		e.syscall0()
	} else {
		e.callImport("GetStdHandle") // rax now holds the handle (rcx=-11 set by caller convention below)
		// A real build would stage -11 into rcx before this call and route
		// the returned handle through WriteFile's first argument; left as
		// the next incremental step for the Windows path (spec §4.6).
		e.callImport("WriteFile")
	}
	e.restoreScratch()
}

func (e *Encoder) emitSvcExit(codePhys uint8, t Target) {
	if t == Linux {
		e.movRegImm64(physRAX, sysExit)
		if codePhys != physRDI {
			e.rr(0x89, physRDI, codePhys)
		}
		e.syscall0()
		return
	}
	if codePhys != physRCX {
		e.rr(0x89, physRCX, codePhys)
	}
	e.callImport("ExitProcess")
}

// emitPause blocks for one byte of stdin input, discarding it. The silent
// and non-silent variants emit the same code: neither prints anything, and
// neither exits the process.
func (e *Encoder) emitPause(t Target, silent bool) {
	_ = silent
	e.saveScratch()
	e.emit(rex(true, false, false, false), 0x81, modrm(3, 5, physRSP))
	e.emitImm32(8) // sub rsp, 8
	if t == Linux {
		e.movRegImm64(physRAX, sysRead)
		e.emit(rex(true, false, false, false), 0x31, modrm(3, physRDI, physRDI)) // xor rdi,rdi
		e.emit(rex(true, false, false, false), 0x8D, modrm(0, physRSI, 4), sib(0, 4, physRSP))
		e.movRegImm64(physRDX, 1)
		e.syscall0()
	} else {
		e.callImport("GetStdHandle")
		e.callImport("ReadConsoleA")
	}
	e.emit(rex(true, false, false, false), 0x81, modrm(3, 0, physRSP))
	e.emitImm32(8) // add rsp, 8
	e.restoreScratch()
}

// emitInputInt reads a line from stdin and parses a signed decimal integer
// into dst, mirroring the teacher's bufio.Scanner-based console reads but at
// the syscall level since no libc/runtime is linked here.
func (e *Encoder) emitInputInt(dst uint8, t Target) {
	e.emit(rex(true, false, false, false), 0x81, modrm(3, 5, physRSP))
	e.emitImm32(32) // sub rsp, 32 (line buffer)

	if t == Linux {
		e.movRegImm64(physRAX, sysRead)
		e.emit(rex(true, false, false, false), 0x31, modrm(3, physRDI, physRDI)) // xor rdi,rdi
		e.emit(rex(true, false, false, false), 0x8D, modrm(0, physRSI, 4), sib(0, 4, physRSP))
		e.movRegImm64(physRDX, 31)
		e.syscall0()
	} else {
		e.callImport("GetStdHandle")
		e.callImport("ReadConsoleA")
	}
	// rax now holds the byte count read; r8 keeps it as the loop bound since
	// the digit-accumulate step below reuses rax for movzx loads.
	e.rr(0x89, physR8, physRAX)
	e.emit(rex(true, false, false, false), 0x8D, modrm(0, physRSI, 4), sib(0, 4, physRSP)) // lea rsi,[rsp]
	e.emit(rex(true, false, false, false), 0x31, modrm(3, physRCX, physRCX))               // xor rcx,rcx (accumulator)
	e.emit(rex(true, false, false, false), 0x31, modrm(3, physRBX, physRBX))               // xor rbx,rbx (cursor)
	e.emit(rex(true, true, false, true), 0x31, modrm(3, 9, 9))                            // xor r9,r9 (sign flag)

	// if buffer[0] == '-': sign = 1, cursor = 1
	e.emit(rex(false, false, false, false), 0x80, modrm(0, 7, 6))
	e.emit('-') // cmp byte [rsi], '-'
	e.emit(0x0F, 0x85)
	noSign := len(e.code)
	e.emitImm32(0)
	e.emit(rex(true, false, false, true), 0xC7, modrm(3, 0, 9))
	e.emitImm32(1) // mov r9, 1
	e.emit(rex(true, false, false, false), 0xFF, modrm(3, 0, physRBX)) // inc rbx
	patchRel32(e.code, noSign, len(e.code)-(noSign+4))

	loop := len(e.code)
	e.emit(rex(true, true, false, false), 0x39, modrm(3, 8, physRBX)) // cmp rbx, r8
	e.emit(0x0F, 0x8D)
	done := len(e.code)
	e.emitImm32(0) // jge done
	e.emit(rex(true, false, false, false), 0x0F, 0xB6, modrm(0, physRAX&0x7, 4), sib(0, physRBX&0x7, physRSI&0x7)) // movzx rax, byte [rsi+rbx]
	e.emit(rex(false, false, false, false), 0x3C, '0')                                                            // cmp al, '0'
	e.emit(0x0F, 0x8C)
	e.emitImm32(0) // jl done (falls through to patch below via second pass)
	notDigitLo := len(e.code) - 4
	e.emit(rex(false, false, false, false), 0x3C, '9') // cmp al, '9'
	e.emit(0x0F, 0x8F)
	e.emitImm32(0)
	notDigitHi := len(e.code) - 4
	e.emit(rex(true, false, false, false), 0x2C) // sub al, '0' (zero-extends the rest of rax since we movzx'd)
	e.emit('0')
	e.emit(rex(true, false, false, false), 0x6B, modrm(3, physRCX, physRCX))
	e.emit(10) // imul rcx, rcx, 10
	e.rr(0x01, physRCX, physRAX) // add rcx, rax
	e.emit(rex(true, false, false, false), 0xFF, modrm(3, 0, physRBX)) // inc rbx
	e.emit(0xE9)
	e.emitImm32(int32(loop - (len(e.code) + 4))) // jmp loop
	patchRel32(e.code, notDigitLo, len(e.code)-(notDigitLo+4))
	patchRel32(e.code, notDigitHi, len(e.code)-(notDigitHi+4))
	patchRel32(e.code, done, len(e.code)-(done+4))

	e.emit(rex(true, true, false, true), 0x85, modrm(3, 9, 9)) // test r9,r9
	e.emit(0x0F, 0x84)
	noNeg := len(e.code)
	e.emitImm32(0)
	e.emit(rex(true, false, false, false), 0xF7, modrm(3, 3, physRCX)) // neg rcx
	patchRel32(e.code, noNeg, len(e.code)-(noNeg+4))

	if dst != physRCX {
		e.rr(0x89, dst, physRCX)
	}

	e.emit(rex(true, false, false, false), 0x81, modrm(3, 0, physRSP))
	e.emitImm32(32) // add rsp, 32
}

func (e *Encoder) emitPrintInt(valuePhys uint8, t Target) {
	e.saveScratch()
	e.emit(rex(true, false, false, false), 0x81, modrm(3, 5, physRSP))
	e.emitImm32(32) // sub rsp, 32 (digit scratch buffer)

	if valuePhys != physRAX {
		e.rr(0x89, physRAX, valuePhys)
	}
	e.emit(rex(true, true, false, true), 0x31, modrm(3, 9, 9)) // xor r9,r9 (sign flag)
	e.emit(rex(true, false, false, false), 0x85, modrm(3, physRAX, physRAX)) // test rax,rax
	e.emit(0x0F, 0x8D)
	notNeg := len(e.code)
	e.emitImm32(0) // jge notNeg
	e.emit(rex(true, false, false, false), 0xF7, modrm(3, 3, physRAX)) // neg rax
	e.emit(rex(true, false, false, true), 0xC7, modrm(3, 0, 9))
	e.emitImm32(1) // mov r9, 1
	patchRel32(e.code, notNeg, len(e.code)-(notNeg+4))

	e.movRegImm64(physRBX, 10)
	e.emit(rex(true, false, false, false), 0x8D, modrm(1, physRDI, 4), sib(0, 4, physRSP))
	e.emit(0x1F) // lea rdi, [rsp+31]
	e.emit(rex(true, false, false, false), 0x31, modrm(3, physRCX, physRCX)) // xor rcx,rcx (digit count)

	loop := len(e.code)
	e.emit(rex(true, false, false, false), 0x99) // cqo
	e.emit(rex(true, false, false, false), 0xF7, modrm(3, 7, physRBX)) // idiv rbx
	e.emit(rex(true, false, false, false), 0x81, modrm(3, 0, physRDX))
	e.emitImm32('0') // add rdx, '0'
	e.emit(0x88, modrm(0, physRDX, 4), sib(0, 4, physRDI)) // mov [rdi], dl
	e.emit(rex(true, false, false, false), 0xFF, modrm(3, 1, physRDI)) // dec rdi
	e.emit(rex(true, false, false, false), 0xFF, modrm(3, 0, physRCX)) // inc rcx
	e.emit(rex(true, false, false, false), 0x85, modrm(3, physRAX, physRAX)) // test rax,rax
	e.emit(0x0F, 0x85)
	e.emitImm32(int32(loop - (len(e.code) + 4))) // jnz loop

	e.emit(rex(true, false, false, false), 0xFF, modrm(3, 0, physRDI)) // inc rdi (rdi -> first digit)
	e.emit(rex(true, true, false, true), 0x85, modrm(3, 9, 9)) // test r9,r9
	e.emit(0x0F, 0x84)
	noMinus := len(e.code)
	e.emitImm32(0) // jz noMinus
	e.emit(rex(true, false, false, false), 0xFF, modrm(3, 1, physRDI)) // dec rdi
	e.emit(rex(true, false, false, false), 0xFF, modrm(3, 0, physRCX)) // inc rcx
	e.emit(0xC6, modrm(0, 0, 4), sib(0, 4, physRDI))
	e.emit('-') // mov byte [rdi], '-'
	patchRel32(e.code, noMinus, len(e.code)-(noMinus+4))

	e.rr(0x89, physRSI, physRDI)
	e.rr(0x89, physRDX, physRCX)

	if t == Linux {
		e.movRegImm64(physRAX, sysWrite)
		e.movRegImm64(physRDI, 1)
		e.syscall0()
	} else {
		e.callImport("GetStdHandle")
		e.callImport("WriteFile")
	}

	e.emit(rex(true, false, false, false), 0x81, modrm(3, 0, physRSP))
	e.emitImm32(32) // add rsp, 32
	e.restoreScratch()
}

// emitPrintFloat prints an integer-part.fractional-part rendering by
// truncating via CVTTSD2SI for the whole part, then multiplying the
// remainder by 10000 and printing that as a zero-width fixed-point tail
// (spec's print_float leaves exact formatting to the backend, §4.6).
func (e *Encoder) emitPrintFloat(xmmReg uint8, t Target) {
	e.saveScratch()
	// xmm1 and the source register may hold live float variables.
	e.emit(rex(true, false, false, false), 0x81, modrm(3, 5, physRSP))
	e.emitImm32(16)                                                                                            // sub rsp, 16
	e.emit(0xF2, 0x0F, 0x11, modrm(0, 1, 4), sib(0, 4, physRSP))                                               // movsd [rsp], xmm1
	e.emit(0xF2, rex(false, e.ext(xmmReg), false, false), 0x0F, 0x11, modrm(1, xmmReg, 4), sib(0, 4, physRSP), 8) // movsd [rsp+8], xmm
	e.emit(0xF2, rex(true, false, false, e.ext(xmmReg)), 0x0F, 0x2C, modrm(3, physRAX, xmmReg)) // cvttsd2si rax, xmm
	e.emitPrintInt(physRAX, t)

	e.pushReg(physRAX) // the '.' write below clobbers rax
	e.emit(rex(true, false, false, false), 0xC7, modrm(3, 0, physRDI))
	e.emitImm32('.')
	e.emitWriteByteFromRdi(t)
	e.popReg(physRAX)

	e.emit(0xF2, rex(true, false, false, false), 0x0F, 0x2A, modrm(3, 1, physRAX)) // cvtsi2sd xmm1, rax (whole part back to float)
	e.emit(0xF2, rex(true, false, false, e.ext(xmmReg)), 0x0F, 0x5C, modrm(3, xmmReg, 1)) // subsd xmm(src), xmm1 -> fractional remainder in xmmReg

	scaleLabel := e.scaleConst10000Label()
	e.ripMem(0xF2, 0x59, xmmReg, scaleLabel, false, true) // mulsd xmmReg, [10000.0]
	e.emit(0xF2, rex(true, false, false, e.ext(xmmReg)), 0x0F, 0x2C, modrm(3, physRAX, xmmReg)) // cvttsd2si rax, xmmReg
	// Branchless abs (cqo turns rax's sign into an all-0s or all-1s mask in
	// rdx, then xor/sub flips negative inputs without a conditional jump).
	e.emit(rex(true, false, false, false), 0x99) // cqo
	e.rr(0x31, physRAX, physRDX)                 // xor rax, rdx
	e.rr(0x29, physRAX, physRDX)                 // sub rax, rdx
	e.emitPrintInt(physRAX, t)
	e.emit(0xF2, rex(false, e.ext(xmmReg), false, false), 0x0F, 0x10, modrm(1, xmmReg, 4), sib(0, 4, physRSP), 8) // movsd xmm, [rsp+8]
	e.emit(0xF2, 0x0F, 0x10, modrm(0, 1, 4), sib(0, 4, physRSP))                                               // movsd xmm1, [rsp]
	e.emit(rex(true, false, false, false), 0x81, modrm(3, 0, physRSP))
	e.emitImm32(16) // add rsp, 16
	e.restoreScratch()
}

// scaleConst10000Label lazily interns the 10000.0 scale constant used to
// render four fractional digits; it lives on Encoder (not ManifestUnit)
// because it is purely an encoder-side formatting detail, never visible to
// the manifest text form.
func (e *Encoder) scaleConst10000Label() string {
	bits := uint64(0x40C3880000000000) // float64(10000.0)
	label := "__fmt_scale10000"
	if _, ok := e.dataLabels[label]; !ok {
		e.dataAlign(8)
		e.dataLabels[label] = e.dataEmit(u64le(bits)...)
	}
	return label
}

func (e *Encoder) emitWriteByteFromRdi(t Target) {
	e.emit(rex(true, false, false, false), 0x81, modrm(3, 5, physRSP))
	e.emitImm32(8) // sub rsp, 8
	e.emit(rex(false, false, false, false), 0x88, modrm(0, physRDI, 4), sib(0, 4, physRSP)) // mov [rsp], dil
	if t == Linux {
		e.movRegImm64(physRAX, sysWrite)
		e.movRegImm64(physRDI, 1)
		e.emit(rex(true, false, false, false), 0x8D, modrm(0, physRSI, 4), sib(0, 4, physRSP))
		e.movRegImm64(physRDX, 1)
		e.syscall0()
	} else {
		e.callImport("GetStdHandle")
		e.callImport("WriteFile")
	}
	e.emit(rex(true, false, false, false), 0x81, modrm(3, 0, physRSP))
	e.emitImm32(8) // add rsp, 8
}

// saveScratch/restoreScratch bracket a runtime helper so it never disturbs
// a live manifest variable, since SVC call sites don't spill beforehand the
// way CALL/loop entry does (spec §4.4 only requires that of those two).
func (e *Encoder) saveScratch() {
	for _, r := range []uint8{physRAX, physRBX, physRCX, physRDX, physRSI, physRDI, physR8, physR9, physR10, physR11} {
		e.pushReg(r)
	}
}

func (e *Encoder) restoreScratch() {
	regs := []uint8{physRAX, physRBX, physRCX, physRDX, physRSI, physRDI, physR8, physR9, physR10, physR11}
	for i := len(regs) - 1; i >= 0; i-- {
		e.popReg(regs[i])
	}
}

// saveScratchExcept/restoreScratchExcept are the SPAWN/JOIN variant of
// saveScratch: those instructions define dst, so its prior contents don't
// need preserving, and popping it back afterward would stomp the result.
func (e *Encoder) saveScratchExcept(skip uint8) []uint8 {
	regs := []uint8{physRAX, physRBX, physRCX, physRDX, physRSI, physRDI, physR8, physR9, physR10, physR11}
	var saved []uint8
	for _, r := range regs {
		if r == skip {
			continue
		}
		e.pushReg(r)
		saved = append(saved, r)
	}
	return saved
}

func (e *Encoder) restoreScratchExcept(saved []uint8) {
	for i := len(saved) - 1; i >= 0; i-- {
		e.popReg(saved[i])
	}
}

// emitSpawn lowers SPAWN into a raw clone(2) on Linux (CLONE_VM|CLONE_FS|
// CLONE_FILES|CLONE_THREAD|CLONE_SIGHAND|CLONE_SYSVSEM|CLONE_CHILD_CLEARTID,
// spec §5's concurrency resolution) or CreateThread on Windows.
func (e *Encoder) emitSpawn(instr Instruction, t Target, comment string) error {
	dst := t.PhysReg(instr.Op0)
	label := labelFromComment(comment)
	saved := e.saveScratchExcept(dst)

	if t == Linux {
		const cloneFlags = 0x00000100 | 0x00000200 | 0x00000400 | 0x00010000 | 0x00000800 | 0x00040000 | 0x00200000
		e.movRegImm64(physRAX, sysClone)
		e.movRegImm64(physRDI, cloneFlags)
		e.emit(rex(true, false, false, false), 0x81, modrm(3, 5, physRSP))
		e.emitImm32(65536) // sub rsp, 64KiB child stack (leaked on exit, matching a toy runtime's scope)
		e.rr(0x89, physRSI, physRSP)
		e.emit(rex(true, false, false, false), 0x31, modrm(3, physRDX, physRDX)) // xor rdx,rdx (parent_tid)
		e.emit(rex(true, true, false, true), 0x31, modrm(3, 10, 10))             // xor r10,r10 (child_tid)
		e.emit(rex(true, true, false, true), 0x31, modrm(3, 8, 8))               // xor r8,r8 (tls)
		e.syscall0()
		e.emit(rex(true, false, false, false), 0x85, modrm(3, physRAX, physRAX)) // test rax,rax
		e.emit(0x0F, 0x85)
		childSkip := len(e.code)
		e.emitImm32(0)
		e.emit(0xE8)
		e.placeholder32(label, RelRel32) // child: call the spawned function
		e.movRegImm64(physRAX, sysExit)
		e.emit(rex(true, false, false, false), 0x31, modrm(3, physRDI, physRDI))
		e.syscall0() // child never returns past here
		patchRel32(e.code, childSkip, len(e.code)-(childSkip+4))
		if dst != physRAX {
			e.rr(0x89, dst, physRAX)
		}
	} else {
		e.movRegImm64(physRCX, 0)
		e.movRegImm64(physRDX, 0)
		e.emit(rex(true, true, false, false), 0x8D, modrm(0, 8, 5))
		e.placeholder32(label, RelRipRelativeData) // lea r8, [fn]
		e.movRegImm64(9, 0)
		e.emit(rex(true, false, false, false), 0x31, modrm(3, 10, 10))
		e.callImport("CreateThread")
		if dst != physRAX {
			e.rr(0x89, dst, physRAX)
		}
	}
	e.restoreScratchExcept(saved)
	return nil
}

func patchRel32(code []byte, offset, disp int) {
	v := uint32(int32(disp))
	code[offset] = byte(v)
	code[offset+1] = byte(v >> 8)
	code[offset+2] = byte(v >> 16)
	code[offset+3] = byte(v >> 24)
}

// emitJoin lowers JOIN into a futex FUTEX_WAIT spin on the child's exit
// notification (CLONE_CHILD_CLEARTID, spec §5) or WaitForSingleObject.
func (e *Encoder) emitJoin(instr Instruction, t Target) error {
	handle := t.PhysReg(instr.Op0)
	e.saveScratch()
	if t == Linux {
		if handle != physRDI {
			e.rr(0x89, physRDI, handle)
		}
		e.movRegImm64(physRAX, sysFutex)
		e.movRegImm64(physRSI, futexWait)
		e.emit(rex(true, false, false, false), 0x31, modrm(3, physRDX, physRDX)) // xor rdx,rdx (expected val)
		e.emit(rex(true, true, false, true), 0x31, modrm(3, 10, 10))             // xor r10,r10 (no timeout)
		e.syscall0()
	} else {
		if handle != physRCX {
			e.rr(0x89, physRCX, handle)
		}
		e.movRegImm64(physRDX, 0xFFFFFFFF) // INFINITE
		e.callImport("WaitForSingleObject")
		e.callImport("CloseHandle")
	}
	e.restoreScratch()
	return nil
}
