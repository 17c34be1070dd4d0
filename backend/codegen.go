package backend

import (
	"fmt"

	"aurorac/ir"
)

// value is the result of lowering an expression: which register file it
// lives in and which slot.
type value struct {
	reg   uint8
	float bool
}

// Lower is the single exported entry point (spec §9's context-struct
// redesign note): it walks prog and returns the manifest unit the x86-64
// encoder consumes. Mirrors gvm's CompileSource/CompileSourceFromBuffer
// split — LowerFunction is the lower-level variant used both here and
// directly by tests.
func Lower(prog ir.Program, target Target) (*ManifestUnit, error) {
	return LowerWithOptions(prog, Options{Target: target})
}

// LowerWithOptions is Lower plus the CLI's Debug level (spec §6): opts.Debug
// is threaded onto the Context so later stages (and the CLI driver, which
// owns the actual os.Stderr writes) can gate diagnostics by verbosity.
func LowerWithOptions(prog ir.Program, opts Options) (*ManifestUnit, error) {
	c := NewContext(opts)

	fns := prog.Functions
	shared := prog.Shared
	if !prog.IsModule {
		fns = []ir.Function{{Name: "main", Body: prog.Body}}
	}

	for _, sv := range shared {
		c.Unit.AddShared(sv.Name, sv.Initial)
		c.Shared[sv.Name] = sv.ID
	}

	for _, fn := range fns {
		c.fnLabel[fn.Name] = "fn_" + fn.Name
	}

	// Module entry: unconditional jump to fn_main (spec §4.4).
	if prog.IsModule {
		c.Unit.Emit(Jmp, OperandLabel, 0, 0, 0, "jmp fn_main")
	}

	for _, fn := range fns {
		if err := LowerFunction(c, fn); err != nil {
			return nil, fmt.Errorf("function %s: %w", fn.Name, err)
		}
	}

	return c.Unit, nil
}

// LowerFunction lowers a single function with its own allocator reset (spec
// §3, §4.4). main terminates with HALT; every other function with RET. Both
// the implicit fall-off-the-end terminator and every explicit `return`
// inside the body land on the same exit label, so a `return` in main can
// never reach a RET meant for a function actually entered via CALL.
func LowerFunction(c *Context, fn ir.Function) error {
	c.ResetFunction()

	label := c.fnLabel[fn.Name]
	if label == "" {
		label = "fn_" + fn.Name
	}
	c.Unit.BindLabel(label)
	c.curExitLabel = label + "_exit"

	// Parameters arrive in r1..r6 (native mapping); bind them as the first
	// live variables so references inside the body reload correctly.
	argRegs := CallArgRegs()
	for i, p := range fn.Params {
		if i >= len(argRegs) {
			break
		}
		if p.Typ == ir.Float {
			reg := c.Floats.AllocateVariable(p.Name)
			c.Floats.MarkStored(p.Name)
			_ = reg
		} else {
			reg := c.Ints.AllocateVariable(p.Name)
			c.Ints.MarkInitialized(p.Name)
			_ = reg
		}
	}

	for _, s := range fn.Body {
		if err := lowerStmt(c, s); err != nil {
			return err
		}
	}

	c.Unit.BindLabel(c.curExitLabel)
	if fn.Name == "main" {
		c.Unit.Emit(Halt, 0, 0, 0, 0, "")
	} else {
		c.Unit.Emit(Ret, 0, 0, 0, 0, "")
	}

	c.Unit.FrameSizes[label] = c.FrameSize()
	return nil
}

func lowerStmt(c *Context, s ir.Stmt) error {
	switch st := s.(type) {
	case ir.LetStmt:
		return lowerLet(c, st)
	case ir.AssignStmt:
		return lowerAssign(c, st)
	case ir.ArrayAssignStmt:
		return lowerArrayAssign(c, st)
	case ir.IfStmt:
		return lowerIf(c, st)
	case ir.WhileStmt:
		return lowerWhile(c, st)
	case ir.ForStmt:
		return lowerFor(c, st)
	case ir.BreakStmt:
		lf, ok := c.CurrentLoop()
		if !ok {
			return fmt.Errorf("%w: break outside loop", ErrInvalidArgument)
		}
		c.Unit.Emit(Jmp, OperandLabel, 0, 0, 0, "jmp "+lf.exitLabel)
		return nil
	case ir.ContinueStmt:
		lf, ok := c.CurrentLoop()
		if !ok {
			return fmt.Errorf("%w: continue outside loop", ErrInvalidArgument)
		}
		c.Unit.Emit(Jmp, OperandLabel, 0, 0, 0, "jmp "+lf.continueLabel)
		return nil
	case ir.RequestStmt:
		return lowerRequest(c, st)
	case ir.ReturnStmt:
		return lowerReturn(c, st)
	case ir.CallStmt:
		_, err := lowerCall(c, ir.Call{Name: st.Name, Args: st.Args})
		return err
	case ir.JoinStmt:
		return lowerJoin(c, st)
	case ir.AtomicOpStmt:
		return lowerAtomicOp(c, st)
	default:
		return fmt.Errorf("%w: unhandled statement %T", ErrInvalidArgument, s)
	}
}

func lowerLet(c *Context, st ir.LetStmt) error {
	if arr, ok := st.Expr.(ir.ArrayLiteral); ok {
		return lowerArrayLet(c, st.Name, arr)
	}

	v, err := lowerExpr(c, st.Expr)
	if err != nil {
		return err
	}
	return storeInto(c, st.Name, v)
}

// storeInto moves v into the register bound to name, marking it initialized.
func storeInto(c *Context, name string, v value) error {
	if v.float {
		dst := c.Floats.AllocateVariable(name)
		if dst != v.reg {
			c.Unit.Emit(Fmov, dst, v.reg, 0, 0, "")
		}
		c.Floats.MarkStored(name)
		if v.reg >= floatScratchLo {
			c.Floats.ReleaseTemp(v.reg)
		}
		return nil
	}
	dst := c.Ints.AllocateVariable(name)
	if dst != v.reg {
		c.Unit.Emit(Mov, dst, v.reg, 0, 0, "")
	}
	c.Ints.MarkInitialized(name)
	if v.reg >= scratchRegLo {
		c.Ints.ReleaseTemp(v.reg)
	}
	return nil
}

func lowerAssign(c *Context, st ir.AssignStmt) error {
	v, err := lowerExpr(c, st.Expr)
	if err != nil {
		return err
	}
	return storeInto(c, st.Name, v)
}

// lowerArrayLet reserves a contiguous block of integer stack slots sized by
// the literal's element count (spec §4.4) and initializes each element.
func lowerArrayLet(c *Context, name string, arr ir.ArrayLiteral) error {
	base := c.Ints.ReserveSlots(len(arr.Elements))
	c.Arrays[name] = arrayInfo{baseSlot: base, length: len(arr.Elements), elemType: int(arr.ElemType)}

	for i, elemExpr := range arr.Elements {
		v, err := lowerExpr(c, elemExpr)
		if err != nil {
			return err
		}
		offset := int32(IntSpillOffset(base + i))
		reg := v.reg
		if v.float {
			// Materialize float element via int reinterpretation is out of
			// scope for plain int arrays; only int/bool arrays are literal
			// arrays here per spec's array literal shape.
			tmp, err := c.Ints.AllocateTemp()
			if err != nil {
				return err
			}
			c.Unit.Emit(Cvtsd2si, tmp, v.reg, 0, 0, "")
			c.Floats.ReleaseTemp(v.reg)
			reg = tmp
		}
		c.Unit.Emit(StoreStack, reg, 0, 0, offset, fmt.Sprintf("array %s[%d]", name, i))
		if reg >= scratchRegLo {
			c.Ints.ReleaseTemp(reg)
		}
	}
	return nil
}

func lowerArrayAssign(c *Context, st ir.ArrayAssignStmt) error {
	info, ok := c.Arrays[st.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUndefinedVariable, st.Name)
	}
	v, err := lowerExpr(c, st.Value)
	if err != nil {
		return err
	}

	if lit, ok := st.Index.(ir.Literal); ok && lit.Typ == ir.Int {
		offset := int32(IntSpillOffset(info.baseSlot + int(lit.IntVal)))
		c.Unit.Emit(StoreStack, v.reg, 0, 0, offset, fmt.Sprintf("%s[%d]=", st.Name, lit.IntVal))
		releaseIfTemp(c, v)
		return nil
	}

	idx, err := lowerExpr(c, st.Index)
	if err != nil {
		return err
	}
	c.Unit.Emit(ArrayStore, idx.reg, v.reg, 0, int32(IntSpillOffset(info.baseSlot)), "array_store "+st.Name)
	releaseIfTemp(c, idx)
	releaseIfTemp(c, v)
	return nil
}

func releaseIfTemp(c *Context, v value) {
	if v.float {
		if v.reg >= floatScratchLo {
			c.Floats.ReleaseTemp(v.reg)
		}
		return
	}
	if v.reg >= scratchRegLo {
		c.Ints.ReleaseTemp(v.reg)
	}
}

func lowerIf(c *Context, st ir.IfStmt) error {
	elseLabel := c.NewLabel("else")
	endLabel := c.NewLabel("endif")

	cond, err := lowerCondition(c, st.Cond)
	if err != nil {
		return err
	}
	negated := cond.Negate()
	target := elseLabel
	if st.Else == nil {
		target = endLabel
	}
	c.Unit.Emit(Cjmp, uint8(negated), OperandLabel, 0, 0, "cjmp "+condComment(negated)+", "+target)

	for _, s := range st.Then {
		if err := lowerStmt(c, s); err != nil {
			return err
		}
	}

	if st.Else != nil {
		c.Unit.Emit(Jmp, OperandLabel, 0, 0, 0, "jmp "+endLabel)
		c.Unit.BindLabel(elseLabel)
		for _, s := range st.Else {
			if err := lowerStmt(c, s); err != nil {
				return err
			}
		}
	}
	c.Unit.BindLabel(endLabel)
	return nil
}

func condComment(cond Cond) string { return fmt.Sprintf("%d", cond) }

func lowerWhile(c *Context, st ir.WhileStmt) error {
	condLabel := c.NewLabel("while_cond")
	bodyLabel := c.NewLabel("while_body")
	exitLabel := c.NewLabel("while_end")

	// Pre-spill per spec §4.3/§8 property 4: the loop body must contain no
	// spill instructions, so every initialized float is flushed before the
	// body label is bound.
	c.Floats.PreSpillLoop()

	c.Unit.Emit(Jmp, OperandLabel, 0, 0, 0, "jmp "+condLabel)
	c.Unit.BindLabel(bodyLabel)

	c.PushLoop(exitLabel, condLabel)
	for _, s := range st.Body {
		if err := lowerStmt(c, s); err != nil {
			return err
		}
	}
	c.PopLoop()

	c.Unit.BindLabel(condLabel)
	cond, err := lowerCondition(c, st.Cond)
	if err != nil {
		return err
	}
	c.Unit.Emit(Cjmp, uint8(cond), OperandLabel, 0, 0, "cjmp "+condComment(cond)+", "+bodyLabel)
	c.Unit.BindLabel(exitLabel)
	return nil
}

// lowerFor desugars `for var = start to end step step { body }` into the
// equivalent let + while, matching the source language's only other looping
// construct in the teacher's spirit of keeping one lowering path per shape.
func lowerFor(c *Context, st ir.ForStmt) error {
	if err := lowerLet(c, ir.LetStmt{Name: st.Var, Typ: ir.Int, Expr: st.Start}); err != nil {
		return err
	}
	cond := ir.Binary{Op: ir.Lt, L: ir.Variable{Name: st.Var, Typ: ir.Int}, R: st.End, Typ: ir.Bool}
	body := append(append([]ir.Stmt{}, st.Body...), ir.AssignStmt{
		Name: st.Var,
		Expr: ir.Binary{Op: ir.Add, L: ir.Variable{Name: st.Var, Typ: ir.Int}, R: st.Step, Typ: ir.Int},
	})
	return lowerWhile(c, ir.WhileStmt{Cond: cond, Body: body})
}

func lowerReturn(c *Context, st ir.ReturnStmt) error {
	if st.Expr != nil {
		v, err := lowerExpr(c, st.Expr)
		if err != nil {
			return err
		}
		if v.float {
			if v.reg != 0 {
				c.Unit.Emit(Fmov, 0, v.reg, 0, 0, "")
			}
		} else if v.reg != 0 {
			c.Unit.Emit(Mov, 0, v.reg, 0, 0, "")
		}
		releaseIfTemp(c, v)
	}
	// Jump to the enclosing function's single exit label rather than
	// emitting RET directly: main is entered via JMP, never CALL, so a bare
	// RET here would pop garbage off the stack as a return address instead
	// of reaching the HALT that LowerFunction binds at curExitLabel.
	c.Unit.Emit(Jmp, OperandLabel, 0, 0, 0, "jmp "+c.curExitLabel)
	return nil
}

func lowerJoin(c *Context, st ir.JoinStmt) error {
	v, err := lowerExpr(c, st.Handle)
	if err != nil {
		return err
	}
	c.Unit.Emit(Join, v.reg, 0, 0, 0, "")
	releaseIfTemp(c, v)
	return nil
}
