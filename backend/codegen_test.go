package backend

import (
	"testing"

	"aurorac/ir"
)

func TestLowerFlatProgramExitsCleanly(t *testing.T) {
	prog := ir.Program{
		Body: []ir.Stmt{
			ir.LetStmt{
				Name: "x",
				Typ:  ir.Int,
				Expr: ir.Binary{
					Op: ir.Add,
					L:  ir.Literal{Typ: ir.Int, IntVal: 2},
					R:  ir.Literal{Typ: ir.Int, IntVal: 3},
				},
			},
			ir.RequestStmt{
				Svc:  ir.ServiceExit,
				Args: []ir.Expr{ir.Variable{Name: "x", Typ: ir.Int}},
			},
		},
	}

	unit, err := Lower(prog, Linux)
	assert(t, err == nil, "Lower failed: %v", err)
	assert(t, len(unit.Instructions) > 0, "expected at least one emitted instruction")

	found := false
	for _, instr := range unit.Instructions {
		if instr.Op == Svc && instr.Imm == int32(ir.ServiceExit) {
			found = true
		}
	}
	assert(t, found, "expected an SVC exit instruction somewhere in the lowered unit")

	_, ok := unit.FrameSizes["fn_main"]
	assert(t, ok, "flat program should get a fn_main frame size entry")
}

func TestLowerModuleJumpsToMain(t *testing.T) {
	prog := ir.Program{
		IsModule: true,
		Functions: []ir.Function{
			{
				Name: "main",
				Body: []ir.Stmt{
					ir.RequestStmt{Svc: ir.ServiceExit, Args: []ir.Expr{ir.Literal{Typ: ir.Int, IntVal: 0}}},
				},
			},
			{
				Name: "helper",
				Ret:  ir.Int,
				Body: []ir.Stmt{
					ir.ReturnStmt{Expr: ir.Literal{Typ: ir.Int, IntVal: 1}},
				},
			},
		},
	}

	unit, err := Lower(prog, Linux)
	assert(t, err == nil, "Lower failed: %v", err)

	// spec §4.4: module entry is an unconditional jump to fn_main.
	assert(t, unit.Instructions[0].Op == Jmp, "expected the first instruction to be the module-entry jmp, got %v", unit.Instructions[0].Op)
	assert(t, unit.Comments[0] == "jmp fn_main", "expected the entry jmp to target fn_main, got %q", unit.Comments[0])

	_, hasMain := unit.Labels["fn_main"]
	_, hasHelper := unit.Labels["fn_helper"]
	assert(t, hasMain, "expected a fn_main label")
	assert(t, hasHelper, "expected a fn_helper label")
}

func TestLowerWithOptionsThreadsDebugLevel(t *testing.T) {
	prog := ir.Program{
		Body: []ir.Stmt{
			ir.RequestStmt{Svc: ir.ServiceExit, Args: []ir.Expr{ir.Literal{Typ: ir.Int, IntVal: 0}}},
		},
	}
	unit, err := LowerWithOptions(prog, Options{Target: Windows, Debug: 3})
	assert(t, err == nil, "LowerWithOptions failed: %v", err)
	assert(t, len(unit.Instructions) > 0, "expected instructions from a Windows-targeted lowering")
}

// TestReturnInMainJumpsToHaltNotRet pins the control-flow fix: main is
// entered via an unconditional JMP (no return address is ever pushed for
// it), so an explicit `return` inside main must never reach a bare RET —
// it has to land on the same exit label the implicit fall-off-the-end HALT
// binds to.
func TestReturnInMainJumpsToHaltNotRet(t *testing.T) {
	prog := ir.Program{
		IsModule: true,
		Functions: []ir.Function{
			{
				Name: "main",
				Ret:  ir.Int,
				Body: []ir.Stmt{
					ir.ReturnStmt{Expr: ir.Literal{Typ: ir.Int, IntVal: 0}},
				},
			},
		},
	}

	unit, err := Lower(prog, Linux)
	assert(t, err == nil, "Lower failed: %v", err)

	for _, instr := range unit.Instructions {
		assert(t, instr.Op != Ret, "main must never emit a bare RET (it is entered via JMP, not CALL)")
	}

	last := unit.Instructions[len(unit.Instructions)-1]
	assert(t, last.Op == Halt, "expected the last instruction in main to be HALT, got %v", last.Op)
}

// TestReturnInOrdinaryFunctionJumpsToRet confirms the same exit-label
// machinery still produces RET (not HALT) for a function actually entered
// via CALL.
func TestReturnInOrdinaryFunctionJumpsToRet(t *testing.T) {
	prog := ir.Program{
		IsModule: true,
		Functions: []ir.Function{
			{Name: "main", Body: []ir.Stmt{
				ir.RequestStmt{Svc: ir.ServiceExit, Args: []ir.Expr{ir.Literal{Typ: ir.Int, IntVal: 0}}},
			}},
			{
				Name: "helper",
				Ret:  ir.Int,
				Body: []ir.Stmt{
					ir.ReturnStmt{Expr: ir.Literal{Typ: ir.Int, IntVal: 120}},
				},
			},
		},
	}

	unit, err := Lower(prog, Linux)
	assert(t, err == nil, "Lower failed: %v", err)

	helperStart, ok := unit.Labels["fn_helper"]
	assert(t, ok, "expected a fn_helper label")

	found := false
	for i := helperStart; i < len(unit.Instructions); i++ {
		if unit.Instructions[i].Op == Ret {
			found = true
			break
		}
	}
	assert(t, found, "expected helper to terminate with RET")
}

// TestDivRemNeverFoldImmediate pins the encode-time panic fix: Div/Rem by a
// literal must materialize the literal into a register rather than folding
// it as an OperandImmediate right operand (spec §4.4's two-register-only
// division contract; encodeDivRem has no immediate form and would index its
// physical-register map with the 0xFF immediate sentinel otherwise).
func TestDivRemNeverFoldImmediate(t *testing.T) {
	for _, op := range []ir.BinOp{ir.Div, ir.Rem} {
		c := NewContext(Options{Target: Linux})
		c.Ints.AllocateVariable("x")
		c.Ints.MarkInitialized("x")

		v, err := lowerBinary(c, ir.Binary{
			Op:  op,
			Typ: ir.Int,
			L:   ir.Variable{Name: "x", Typ: ir.Int},
			R:   ir.Literal{Typ: ir.Int, IntVal: 2},
		})
		assert(t, err == nil, "lowerBinary failed: %v", err)
		assert(t, v.reg != 0, "expected a register result")

		for _, instr := range c.Unit.Instructions {
			if instr.Op == Div || instr.Op == Rem {
				assert(t, instr.Op1 != OperandImmediate,
					"Div/Rem must never carry an immediate operand, got Op1=%d", instr.Op1)
			}
		}
	}
}

func TestRegAllocSpillsUnderPressure(t *testing.T) {
	var emitted []Instruction
	emit := func(op Opcode, op0, op1, op2 uint8, imm int32, comment string) {
		emitted = append(emitted, Instruction{Op: op, Op0: op0, Op1: op1, Op2: op2, Imm: imm})
	}
	a := NewRegAlloc(emit)

	names := []string{"a", "b", "c", "d", "e", "f"}
	for _, n := range names {
		reg := a.AllocateVariable(n)
		a.MarkInitialized(n)
		assert(t, reg >= 1 && reg <= 5, "register %d out of range for variable %s", reg, n)
	}

	spilled := false
	for _, instr := range emitted {
		if instr.Op == StoreStack {
			spilled = true
		}
	}
	assert(t, spilled, "expected allocating a 6th live variable to spill the LRU victim")
	assert(t, a.FrameSlots() == 1, "expected exactly one spill slot, got %d", a.FrameSlots())
}
