package backend

import (
	"fmt"
	"strings"
)

// addrScratch is a GPR neither sysvMap nor win64Map ever assigns to a
// manifest register (spec §3's table covers r0..r7 only), so the encoder is
// free to clobber it for address arithmetic without touching a live value.
const addrScratch uint8 = physR12

// labelFromComment recovers the jump/load target a codegen comment recorded,
// e.g. "cjmp 2, else_1" -> "else_1", "mov str_0" -> "str_0" (spec §6: the
// Comments slice carries encoder-visible target text for label operands).
func labelFromComment(comment string) string {
	fields := strings.Fields(comment)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimSuffix(fields[len(fields)-1], ",")
}

var signedJcc = map[Cond]byte{
	CondEq: 0x84, CondNe: 0x85, CondLt: 0x8C, CondLe: 0x8E, CondGt: 0x8F, CondGe: 0x8D,
}

// unsignedJcc is the alternate table the encoder selects after an FCMP,
// since UCOMISD sets CF/ZF the way unsigned integer compares do (spec §4.4).
var unsignedJcc = map[Cond]byte{
	CondEq: 0x84, CondNe: 0x85, CondLt: 0x82, CondLe: 0x86, CondGt: 0x87, CondGe: 0x83,
}

// Encode lowers a manifest unit into flat code/data bytes. Labels are
// resolved lazily through Encoder's relocation list; call Resolve once the
// image writer knows code_base/data_base/iat_base.
func (e *Encoder) Encode(m *ManifestUnit) error {
	e.layoutData(m)

	labelsAt := make(map[int][]string)
	for name, idx := range m.Labels {
		labelsAt[idx] = append(labelsAt[idx], name)
	}

	lastCompareFloat := false
	currentFrame := 0

	for i, instr := range m.Instructions {
		for _, name := range labelsAt[i] {
			e.codeLabels[name] = len(e.code)
			if size, ok := m.FrameSizes[name]; ok {
				currentFrame = size
				e.emitPrologue(size)
			}
		}

		comment := m.Comments[i]
		if err := e.encodeOne(instr, comment, &lastCompareFloat, currentFrame); err != nil {
			return fmt.Errorf("instruction %d (%s): %w", i, instr.Op, err)
		}
	}
	for _, name := range labelsAt[len(m.Instructions)] {
		e.codeLabels[name] = len(e.code)
	}
	return nil
}

// layoutData places shared variables, interned strings, float constants, and
// the two fixed bitmasks FNEG/FABS use into the data buffer, recording each
// one's address under its label.
func (e *Encoder) layoutData(m *ManifestUnit) {
	for _, sh := range m.Shared {
		label := fmt.Sprintf("shared_%d", sh.ID)
		e.dataAlign(8)
		e.dataLabels[label] = e.dataEmit(u64le(sh.Initial)...)
	}

	// Length-prefixed so the print service can compute the true byte count
	// instead of assuming a fixed 16-byte string (the historical Linux print
	// defect this backend's predecessor shipped with).
	for _, s := range m.Strings {
		e.dataAlign(8)
		off := e.dataEmit(u64le(uint64(len(s.Value)))...)
		e.dataLabels[s.Label] = off
		e.dataEmit([]byte(s.Value)...)
	}

	for _, f := range m.FloatConsts {
		e.dataAlign(8)
		e.dataLabels[f.Label] = e.dataEmit(u64le(f.Bits)...)
	}

	e.dataAlign(16)
	e.dataLabels["mask_abs"] = e.dataEmit(append(u64le(0x7FFFFFFFFFFFFFFF), u64le(0)...)...)
	e.dataAlign(16)
	e.dataLabels["mask_neg"] = e.dataEmit(append(u64le(0x8000000000000000), u64le(0)...)...)
}

func u64le(v uint64) []byte {
	return []byte{
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
		byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
	}
}

// emitPrologue pushes rbp, establishes the frame pointer, and reserves size
// bytes of locals; emitEpilogue is its exact inverse, run before RET/HALT.
func (e *Encoder) emitPrologue(size int) {
	e.emit(0x55) // push rbp
	e.emit(rex(true, false, false, false), 0x89, modrm(3, physRSP, physRBP)) // mov rbp, rsp
	if size > 0 {
		e.emit(rex(true, false, false, false), 0x81, modrm(3, 5, physRSP))
		e.emitImm32(int32(size)) // sub rsp, size
	}
}

func (e *Encoder) emitEpilogue(size int) {
	if size > 0 {
		e.emit(rex(true, false, false, false), 0x89, modrm(3, physRBP, physRSP)) // mov rsp, rbp
	}
	e.emit(0x5D) // pop rbp
}

func (e *Encoder) reg3(p uint8) uint8 { return p & 0x7 }
func (e *Encoder) ext(p uint8) bool   { return p >= 8 }

// rr emits a two-byte-opcode-or-less r/m64,r64-form instruction operating on
// two physical GPRs, dst as r/m and src as reg (the "dst op= src" shape every
// manifest ALU instruction uses).
func (e *Encoder) rr(opcode byte, dst, src uint8) {
	e.emit(rex(true, e.ext(src), false, e.ext(dst)), opcode, modrm(3, e.reg3(src), e.reg3(dst)))
}

// rrExt emits a 0x0F-prefixed two-register instruction (IMUL, CVT*, etc.)
// with reg=dst, rm=src per the intel operand order those opcodes use.
func (e *Encoder) rrExt(opcode byte, dst, src uint8, w bool) {
	e.emit(rex(w, e.ext(dst), false, e.ext(src)), 0x0F, opcode, modrm(3, e.reg3(dst), e.reg3(src)))
}

// ripMem emits `op reg, [rip+disp32]`, recording a relocation against
// target. twoByte selects the 0x0F opcode map every SSE instruction here
// uses; w sets REX.W for the 64-bit GPR forms (LEA, MOV).
func (e *Encoder) ripMem(prefix byte, opcode byte, reg uint8, target string, w, twoByte bool) {
	if prefix != 0 {
		e.emit(prefix)
	}
	if twoByte {
		e.emit(rex(w, e.ext(reg), false, false), 0x0F, opcode, modrm(0, e.reg3(reg), 5))
	} else {
		e.emit(rex(w, e.ext(reg), false, false), opcode, modrm(0, e.reg3(reg), 5))
	}
	e.placeholder32(target, RelRipRelativeData)
}

// stackAddr emits a ModRM+disp32 addressing [rbp-off], the encoding every
// StoreStack/LoadStack/Fstore/Fload instruction shares; reg is the register
// field (either a GPR or XMM depending on caller).
func (e *Encoder) stackAddr(reg uint8, off int32) {
	e.emit(modrm(2, e.reg3(reg), 5))
	e.emitImm32(-off)
}

// arrayAddr computes the address of element idxPhys (already negated into
// addrScratch) at base offset baseOff: [rbp + addrScratch*8 - baseOff].
func (e *Encoder) arrayAddr(idxPhys uint8, baseOff int32, regField uint8) {
	// r12 is rm in both setup instructions, so REX.B must extend it even
	// though addrScratch is itself a compile-time constant >= 8.
	e.emit(rex(true, e.ext(idxPhys), false, true), 0x89, modrm(3, e.reg3(idxPhys), addrScratch)) // mov r12, idx
	e.emit(rex(true, false, false, true), 0xF7, modrm(3, 3, addrScratch))                         // neg r12
	e.emit(modrm(2, e.reg3(regField), 4), sib(3, addrScratch&0x7, physRBP))
	e.emitImm32(-baseOff)
}

func (e *Encoder) encodeOne(instr Instruction, comment string, lastCompareFloat *bool, frame int) error {
	t := e.Target
	switch instr.Op {
	case Nop:
		e.emit(0x90)

	case Mov:
		dst := t.PhysReg(instr.Op0)
		switch instr.Op1 {
		case OperandImmediate:
			e.emit(rex(true, false, false, e.ext(dst)), 0xC7, modrm(3, 0, e.reg3(dst)))
			e.emitImm32(instr.Imm)
		case OperandLabel:
			e.ripMem(0, 0x8D, dst, labelFromComment(comment), true, false)
		default:
			e.rr(0x89, dst, t.PhysReg(instr.Op1))
		}

	case Push:
		p := t.PhysReg(instr.Op0)
		if e.ext(p) {
			e.emit(rex(false, false, false, true))
		}
		e.emit(0x50 + e.reg3(p))

	case Pop:
		p := t.PhysReg(instr.Op0)
		if e.ext(p) {
			e.emit(rex(false, false, false, true))
		}
		e.emit(0x58 + e.reg3(p))

	case Add:
		e.aluRegOrImm(instr, 0x01, 0x81, 0)
	case Sub:
		e.aluRegOrImm(instr, 0x29, 0x81, 5)
	case And:
		e.aluRegOrImm(instr, 0x21, 0x81, 4)
	case Or:
		e.aluRegOrImm(instr, 0x09, 0x81, 1)
	case Xor:
		e.aluRegOrImm(instr, 0x31, 0x81, 6)
	case Cmp:
		e.aluRegOrImm(instr, 0x39, 0x81, 7)
		*lastCompareFloat = false

	case Not:
		dst := t.PhysReg(instr.Op0)
		e.emit(rex(true, false, false, e.ext(dst)), 0xF7, modrm(3, 2, e.reg3(dst)))

	case Mul:
		dst, src := t.PhysReg(instr.Op0), t.PhysReg(instr.Op1)
		e.rrExt(0xAF, dst, src, true)

	case Div, Rem:
		e.encodeDivRem(instr, t, instr.Op == Rem)

	case Shl, Shr:
		e.encodeShift(instr, t, instr.Op == Shr)

	case Jmp:
		e.emit(0xE9)
		e.placeholder32(labelFromComment(comment), RelRel32)

	case Cjmp:
		cond := Cond(instr.Op0)
		table := signedJcc
		if *lastCompareFloat {
			table = unsignedJcc
		}
		op, ok := table[cond]
		if !ok {
			return fmt.Errorf("%w: cond %d", ErrInvalidArgument, cond)
		}
		e.emit(0x0F, op)
		e.placeholder32(labelFromComment(comment), RelRel32)

	case Call:
		e.emit(0xE8)
		e.placeholder32(labelFromComment(comment), RelRel32)

	case Ret:
		e.emitEpilogue(frame)
		e.emit(0xC3)

	case Halt:
		e.emitEpilogue(frame)
		e.emitExit(t)

	case Svc:
		e.emitSvc(instr, t)

	case StoreStack:
		reg := t.PhysReg(instr.Op0)
		e.emit(rex(true, e.ext(reg), false, false), 0x89)
		e.stackAddr(reg, instr.Imm)

	case LoadStack:
		reg := t.PhysReg(instr.Op0)
		e.emit(rex(true, e.ext(reg), false, false), 0x8B)
		e.stackAddr(reg, instr.Imm)

	case ArrayAlloc:
		dst := t.PhysReg(instr.Op0)
		e.emit(rex(true, e.ext(dst), false, false), 0x8D)
		e.stackAddr(dst, instr.Imm)

	case ArrayStore:
		// Array index arrives in Op0, the value to store in Op1 (spec §4.4's
		// ARRAY_STORE shape); the element address is computed into r12.
		idx, val := t.PhysReg(instr.Op0), t.PhysReg(instr.Op1)
		e.emit(rex(true, e.ext(val), true, false), 0x89)
		e.arrayAddr(idx, instr.Imm, val)

	case ArrayLoad:
		// ARRAY_LOAD carries the destination in Op0 and the index in Op1
		// (the mirror image of ARRAY_STORE's operand order).
		dst, idx := t.PhysReg(instr.Op0), t.PhysReg(instr.Op1)
		e.emit(rex(true, e.ext(dst), true, false), 0x8B)
		e.arrayAddr(idx, instr.Imm, dst)

	case Fmov:
		dst := instr.Op0
		if instr.Op1 == OperandLabel {
			e.ripMem(0xF2, 0x10, dst, labelFromComment(comment), false, true)
		} else {
			e.emit(0xF2, 0x0F, 0x10, modrm(3, dst, instr.Op1))
		}

	case Fadd, Fsub, Fmul, Fdiv:
		dst, src := instr.Op0, instr.Op1
		var op byte
		switch instr.Op {
		case Fadd:
			op = 0x58
		case Fsub:
			op = 0x5C
		case Fmul:
			op = 0x59
		case Fdiv:
			op = 0x5E
		}
		e.emit(0xF2, 0x0F, op, modrm(3, dst, src))

	case Fcmp:
		e.emit(0x66, 0x0F, 0x2E, modrm(3, instr.Op0, instr.Op1))
		*lastCompareFloat = true

	case Fload:
		e.emit(0xF2, 0x0F, 0x10, 0)
		e.code = e.code[:len(e.code)-1]
		e.stackAddr(instr.Op0, instr.Imm)

	case Fstore:
		e.emit(0xF2, 0x0F, 0x11, 0)
		e.code = e.code[:len(e.code)-1]
		e.stackAddr(instr.Op0, instr.Imm)

	case Cvtsi2sd:
		dst, src := instr.Op0, t.PhysReg(instr.Op1)
		e.emit(0xF2, rex(true, e.ext(dst), false, e.ext(src)), 0x0F, 0x2A, modrm(3, dst&0x7, e.reg3(src)))

	case Cvtsd2si:
		dst, src := t.PhysReg(instr.Op0), instr.Op1
		e.emit(0xF2, rex(true, e.ext(dst), false, e.ext(src)), 0x0F, 0x2D, modrm(3, e.reg3(dst), src&0x7))

	case Fsqrt:
		e.emit(0xF2, 0x0F, 0x51, modrm(3, instr.Op0, instr.Op0))
	case Ffloor:
		e.emit(0x66, 0x0F, 0x3A, 0x0B, modrm(3, instr.Op0, instr.Op0), 0x01)
	case Fceil:
		e.emit(0x66, 0x0F, 0x3A, 0x0B, modrm(3, instr.Op0, instr.Op0), 0x02)
	case Fabs:
		e.ripMem(0x66, 0x54, instr.Op0, "mask_abs", false, true)
	case Fneg:
		e.ripMem(0x66, 0x57, instr.Op0, "mask_neg", false, true)

	case Spawn:
		return e.emitSpawn(instr, t, comment)
	case Join:
		return e.emitJoin(instr, t)

	case AtomicLoad:
		dst := t.PhysReg(instr.Op0)
		label := fmt.Sprintf("shared_%d", instr.Imm)
		e.ripMem(0, 0x8B, dst, label, true, false)

	case AtomicStore:
		src := t.PhysReg(instr.Op0)
		label := fmt.Sprintf("shared_%d", instr.Imm)
		e.emit(rex(true, e.ext(src), false, false), 0x89, modrm(0, e.reg3(src), 5))
		e.placeholder32(label, RelRipRelativeData)

	case AtomicAdd:
		src := t.PhysReg(instr.Op0)
		label := fmt.Sprintf("shared_%d", instr.Imm)
		e.emit(0xF0, rex(true, e.ext(src), false, false), 0x0F, 0xC1, modrm(0, e.reg3(src), 5))
		e.placeholder32(label, RelRipRelativeData)

	case AtomicFadd:
		e.emitAtomicFadd(instr, t)

	case AtomicCas:
		e.emitAtomicCas(instr, t)

	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedOpcode, instr.Op)
	}
	return nil
}

// aluRegOrImm picks the register/register or register/imm32 encoding for
// commutative-shaped ALU ops (the three-operand rule collapses to dst op= src
// at this layer; spec §4.4 leaves the immediate-fold optimization to codegen,
// which already emits OperandImmediate directly when it applied it).
func (e *Encoder) aluRegOrImm(instr Instruction, rrOp, immOp byte, immExt uint8) {
	t := e.Target
	dst := t.PhysReg(instr.Op0)
	if instr.Op1 == OperandImmediate {
		e.emit(rex(true, false, false, e.ext(dst)), immOp, modrm(3, immExt, e.reg3(dst)))
		e.emitImm32(instr.Imm)
		return
	}
	e.rr(rrOp, dst, t.PhysReg(instr.Op1))
}

// encodeDivRem implements the rax/rdx-aliased IDIV dance (spec §4.5): the
// dividend is staged through rax, sign-extended into rdx via CQO, and the
// quotient (Div) or remainder (Rem) is copied back out of rax/rdx.
func (e *Encoder) encodeDivRem(instr Instruction, t Target, rem bool) {
	dst, src := t.PhysReg(instr.Op0), t.PhysReg(instr.Op1)
	savedRax := dst != physRAX && src != physRAX
	savedRdx := dst != physRDX && src != physRDX
	if savedRax {
		e.emit(0x50 + physRAX)
	}
	if savedRdx {
		e.emit(0x50 + physRDX)
	}
	divisor := src
	if src == physRDX {
		// CQO is about to overwrite rdx; stage the divisor through r12
		// before that happens.
		e.rr(0x89, addrScratch, src)
		divisor = addrScratch
	}
	if dst != physRAX {
		e.rr(0x89, physRAX, dst)
	}
	e.emit(rex(true, false, false, false), 0x99) // cqo
	e.emit(rex(true, false, false, e.ext(divisor)), 0xF7, modrm(3, 7, e.reg3(divisor)))
	result := physRAX
	if rem {
		result = physRDX
	}
	if dst != result {
		e.rr(0x89, dst, result)
	}
	if savedRdx {
		e.emit(0x58 + physRDX)
	}
	if savedRax {
		e.emit(0x58 + physRAX)
	}
}

// encodeShift stages the shift count through CL, restoring rcx if it held a
// live value (SHL/SHR r/m64,CL is opcode 0xD3 /4 or /5).
func (e *Encoder) encodeShift(instr Instruction, t Target, right bool) {
	dst, src := t.PhysReg(instr.Op0), t.PhysReg(instr.Op1)
	savedRcx := src != physRCX && dst != physRCX
	if savedRcx {
		e.emit(0x50 + physRCX)
	}
	if src != physRCX {
		e.rr(0x89, physRCX, src)
	}
	ext := uint8(4)
	if right {
		ext = 5
	}
	e.emit(rex(true, false, false, e.ext(dst)), 0xD3, modrm(3, ext, e.reg3(dst)))
	if savedRcx {
		e.emit(0x58 + physRCX)
	}
}

func (e *Encoder) emitAtomicFadd(instr Instruction, t Target) {
	src := instr.Op0
	label := fmt.Sprintf("shared_%d", instr.Imm)

	e.emit(rex(true, false, false, false), 0x81, modrm(3, 5, physRSP))
	e.emitImm32(8) // sub rsp, 8
	e.emit(0xF2, 0x0F, 0x11, modrm(0, 0, 4), sib(0, 4, physRSP)) // movsd [rsp], xmm0

	retry := len(e.code)
	e.ripMem(0, 0x8B, physRAX, label, true, false) // mov rax, [shared]
	e.emit(0x66, rex(true, false, false, false), 0x0F, 0x6E, modrm(3, 0, physRAX)) // movq xmm0, rax
	e.emit(0xF2, 0x0F, 0x58, modrm(3, 0, src))                                     // addsd xmm0, src
	e.emit(0x66, rex(true, false, false, true), 0x0F, 0x7E, modrm(3, 0, addrScratch&0x7)) // movq r12, xmm0
	e.emit(0xF0, rex(true, false, false, true), 0x0F, 0xB1, modrm(0, addrScratch&0x7, 5))
	e.placeholder32(label, RelRipRelativeData) // lock cmpxchg [shared], r12
	e.emit(0x0F, 0x85)
	disp := int32(retry - (len(e.code) + 4))
	e.emitImm32(disp) // jne retry

	e.emit(0xF2, 0x0F, 0x10, modrm(0, 0, 4), sib(0, 4, physRSP)) // movsd xmm0, [rsp]
	e.emit(rex(true, false, false, false), 0x81, modrm(3, 0, physRSP))
	e.emitImm32(8) // add rsp, 8
}

func (e *Encoder) emitAtomicCas(instr Instruction, t Target) {
	dst, newVal := t.PhysReg(instr.Op0), t.PhysReg(instr.Op1)
	label := fmt.Sprintf("shared_%d", instr.Imm)
	if dst != physRAX {
		e.rr(0x89, physRAX, dst)
	}
	e.emit(0xF0, rex(true, e.ext(newVal), false, false), 0x0F, 0xB1, modrm(0, e.reg3(newVal), 5))
	e.placeholder32(label, RelRipRelativeData)
	if dst != physRAX {
		e.rr(0x89, dst, physRAX)
	}
}
