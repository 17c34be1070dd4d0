package backend

import "testing"

func TestFPAllocReuseAndReset(t *testing.T) {
	var emitted []Instruction
	emit := func(op Opcode, op0, op1, op2 uint8, imm int32, comment string) {
		emitted = append(emitted, Instruction{Op: op, Op0: op0, Op1: op1, Op2: op2, Imm: imm})
	}
	a := NewFPAlloc(emit)

	r1 := a.AllocateVariable("x")
	a.MarkStored("x")
	r2 := a.AllocateVariable("x")
	assert(t, r1 == r2, "re-allocating a live variable should return the same register")

	a.Reset()
	assert(t, a.FrameSlots() == 0, "Reset should clear spill slot count")
}

func TestFPAllocTempExhaustion(t *testing.T) {
	emit := func(op Opcode, op0, op1, op2 uint8, imm int32, comment string) {}
	a := NewFPAlloc(emit)

	var got []uint8
	for {
		r, err := a.AllocateTemp()
		if err != nil {
			assert(t, err == ErrRegisterExhaustion, "expected ErrRegisterExhaustion, got %v", err)
			break
		}
		got = append(got, r)
		assert(t, len(got) < 100, "AllocateTemp never exhausted, looping forever")
	}
	for _, r := range got {
		a.ReleaseTemp(r)
	}
	_, err := a.AllocateTemp()
	assert(t, err == nil, "expected a temp to be available again after releasing all of them")
}
