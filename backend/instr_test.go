package backend

import (
	"errors"
	"testing"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []Instruction{
		{Op: Mov, Op0: 1, Op1: OperandImmediate, Imm: 42},
		{Op: Jmp, Op0: OperandLabel, Imm: 0},
		{Op: Add, Op0: 3, Op1: 4, Op2: 5},
		{Op: Svc, Op0: 0, Imm: -1},
	}
	for _, want := range cases {
		word := want.Word()
		got := Unpack(word)
		assert(t, got == want, "Unpack(Word()) = %+v, want %+v", got, want)
	}
}

func TestPackImmediateOutOfRange(t *testing.T) {
	_, err := Pack(Mov, 0, 0, 0, int64(1)<<40)
	assert(t, errors.Is(err, ErrImmediateOutOfRange), "expected ErrImmediateOutOfRange, got %v", err)
}

func TestOpcodeString(t *testing.T) {
	assert(t, Mov.String() == "mov", "got %q", Mov.String())
	assert(t, Spawn.String() == "spawn", "got %q", Spawn.String())
	assert(t, Opcode(0xFF).String() == "?unknown?", "got %q", Opcode(0xFF).String())
}

func TestCondNegate(t *testing.T) {
	pairs := map[Cond]Cond{
		CondEq: CondNe,
		CondNe: CondEq,
		CondLt: CondGe,
		CondLe: CondGt,
		CondGt: CondLe,
		CondGe: CondLt,
	}
	for c, want := range pairs {
		assert(t, c.Negate() == want, "%v.Negate() = %v, want %v", c, c.Negate(), want)
		assert(t, c.Negate().Negate() == c, "negate is not involutive for %v", c)
	}
}

func TestJumpFamily(t *testing.T) {
	for _, op := range []Opcode{Jmp, Cjmp, Call, Spawn} {
		assert(t, op.IsJumpFamily(), "%v should be jump-family", op)
	}
	for _, op := range []Opcode{Mov, Add, Halt, Svc} {
		assert(t, !op.IsJumpFamily(), "%v should not be jump-family", op)
	}
}
