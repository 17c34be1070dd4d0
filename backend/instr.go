package backend

import (
	"fmt"
	"math"
	"unsafe"
)

// Operand sentinels (spec §3): 0xFE marks "this operand names a label,
// resolve at emission"; 0xFF marks "this operand is the immediate in Imm".
const (
	OperandLabel     uint8 = 0xFE
	OperandImmediate uint8 = 0xFF
)

// Instruction is the in-memory form of one manifest instruction. Laid out so
// that sizeof(Instruction) == 8 is possible, mirroring the packed word it
// represents (spec §4.1): [opcode:8][op0:8][op1:8][op2:8][imm32:32].
type Instruction struct {
	Op  Opcode
	Op0 uint8
	Op1 uint8
	Op2 uint8
	Imm int32
}

const instructionWordBytes = uint32(unsafe.Sizeof(uint64(0)))

func init() {
	if instructionWordBytes != 8 {
		panic("packed instruction word is not 8 bytes")
	}
}

// Pack folds the five fields into the 64-bit word described in spec §4.1.
// imm32 must fit in a signed 32-bit range or ErrImmediateOutOfRange is
// returned (relevant when callers build Imm from a wider Go integer).
func Pack(op Opcode, op0, op1, op2 uint8, imm int64) (uint64, error) {
	if imm < math.MinInt32 || imm > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %d", ErrImmediateOutOfRange, imm)
	}
	word := uint64(op)<<56 | uint64(op0)<<48 | uint64(op1)<<40 | uint64(op2)<<32 | uint64(uint32(int32(imm)))
	return word, nil
}

// Unpack reverses Pack, returning the Instruction it encodes.
func Unpack(word uint64) Instruction {
	return Instruction{
		Op:  Opcode(word >> 56),
		Op0: uint8(word >> 48),
		Op1: uint8(word >> 40),
		Op2: uint8(word >> 32),
		Imm: int32(uint32(word)),
	}
}

// Word packs the instruction's own fields, failing only if a caller
// hand-built an out-of-range Imm (Imm is already int32, so this cannot fail
// through normal construction; it exists for symmetry with Pack).
func (i Instruction) Word() uint64 {
	w, _ := Pack(i.Op, i.Op0, i.Op1, i.Op2, int64(i.Imm))
	return w
}

// String renders the instruction as "<mnemonic> op0,op1,op2 imm=<imm>",
// e.g. "add 1,2,0 imm=0". Operand sentinels are shown as their raw byte
// values (254 for a label, 255 for an immediate).
func (i Instruction) String() string {
	return fmt.Sprintf("%s %d,%d,%d imm=%d", i.Op, i.Op0, i.Op1, i.Op2, i.Imm)
}
