package backend

import (
	"fmt"
	"math"

	"aurorac/ir"
)

func isLiteralInt32(e ir.Expr) (int32, bool) {
	lit, ok := e.(ir.Literal)
	if !ok || lit.Typ != ir.Int {
		return 0, false
	}
	if lit.IntVal < math.MinInt32 || lit.IntVal > math.MaxInt32 {
		return 0, false
	}
	return int32(lit.IntVal), true
}

// lowerCondition emits the compare (CMP or FCMP) for a boolean expression
// and returns the Cond matching its own operator — callers negate it
// themselves where the lowering rule calls for that (spec §4.4).
func lowerCondition(c *Context, e ir.Expr) (Cond, error) {
	bin, ok := e.(ir.Binary)
	if !ok {
		// Truthiness test: compare against zero.
		v, err := lowerExpr(c, e)
		if err != nil {
			return 0, err
		}
		tmp, err := c.Ints.AllocateTemp()
		if err != nil {
			return 0, err
		}
		c.Unit.Emit(Mov, tmp, OperandImmediate, 0, 0, "")
		c.Unit.Emit(Cmp, v.reg, tmp, 0, 0, "")
		c.Ints.ReleaseTemp(tmp)
		releaseIfTemp(c, v)
		return CondNe, nil
	}

	l, err := lowerExpr(c, bin.L)
	if err != nil {
		return 0, err
	}
	r, err := lowerExpr(c, bin.R)
	if err != nil {
		return 0, err
	}
	if l.float || r.float {
		c.Unit.Emit(Fcmp, l.reg, r.reg, 0, 0, "")
	} else {
		c.Unit.Emit(Cmp, l.reg, r.reg, 0, 0, "")
	}
	releaseIfTemp(c, l)
	releaseIfTemp(c, r)

	switch bin.Op {
	case ir.Eq:
		return CondEq, nil
	case ir.Ne:
		return CondNe, nil
	case ir.Lt:
		return CondLt, nil
	case ir.Le:
		return CondLe, nil
	case ir.Gt:
		return CondGt, nil
	case ir.Ge:
		return CondGe, nil
	default:
		return 0, fmt.Errorf("%w: %v is not a comparison", ErrInvalidArgument, bin.Op)
	}
}

func lowerExpr(c *Context, e ir.Expr) (value, error) {
	switch ex := e.(type) {
	case ir.Literal:
		return lowerLiteral(c, ex)
	case ir.Variable:
		return lowerVariable(c, ex)
	case ir.Binary:
		return lowerBinary(c, ex)
	case ir.Unary:
		return lowerUnary(c, ex)
	case ir.Call:
		return lowerCall(c, ex)
	case ir.Cast:
		return lowerCast(c, ex)
	case ir.ArrayAccess:
		return lowerArrayAccess(c, ex)
	case ir.Spawn:
		return lowerSpawn(c, ex)
	case ir.AtomicLoadExpr:
		return lowerAtomicLoadExpr(c, ex)
	case ir.Input:
		return lowerInput(c, ex)
	case ir.MathCall:
		return lowerMathCall(c, ex)
	default:
		return value{}, fmt.Errorf("%w: unhandled expression %T", ErrInvalidArgument, e)
	}
}

func lowerLiteral(c *Context, lit ir.Literal) (value, error) {
	switch lit.Typ {
	case ir.Float:
		reg, err := c.Floats.AllocateTemp()
		if err != nil {
			return value{}, err
		}
		label := c.Unit.InternFloatConst(math.Float64bits(lit.FloatVal))
		c.Unit.Emit(Fmov, reg, OperandLabel, 0, 0, "fmov "+label)
		return value{reg: reg, float: true}, nil
	case ir.Bool:
		reg, err := c.Ints.AllocateTemp()
		if err != nil {
			return value{}, err
		}
		v := int32(0)
		if lit.BoolVal {
			v = 1
		}
		c.Unit.Emit(Mov, reg, OperandImmediate, 0, v, "")
		return value{reg: reg}, nil
	case ir.String:
		label := c.Unit.InternString(lit.StringVal)
		reg, err := c.Ints.AllocateTemp()
		if err != nil {
			return value{}, err
		}
		c.Unit.Emit(Mov, reg, OperandLabel, 0, 0, "mov "+label)
		return value{reg: reg}, nil
	default: // Int
		reg, err := c.Ints.AllocateTemp()
		if err != nil {
			return value{}, err
		}
		if lit.IntVal < math.MinInt32 || lit.IntVal > math.MaxInt32 {
			return value{}, fmt.Errorf("%w: %d", ErrImmediateOutOfRange, lit.IntVal)
		}
		c.Unit.Emit(Mov, reg, OperandImmediate, 0, int32(lit.IntVal), "")
		return value{reg: reg}, nil
	}
}

func lowerVariable(c *Context, v ir.Variable) (value, error) {
	if v.Typ == ir.Float {
		return value{reg: c.Floats.GetVariable(v.Name), float: true}, nil
	}
	return value{reg: c.Ints.GetVariable(v.Name)}, nil
}

// lowerBinary implements the three-operand arithmetic rule (spec §4.4): if
// dst != a, MOV dst,a first, then OP dst,b; an immediate right operand
// within signed 32-bit range is folded into the op instead of loaded first.
func lowerBinary(c *Context, b ir.Binary) (value, error) {
	switch b.Op {
	case ir.Eq, ir.Ne, ir.Lt, ir.Le, ir.Gt, ir.Ge:
		return lowerComparisonValue(c, b)
	case ir.And:
		return lowerShortCircuit(c, b, true)
	case ir.Or:
		return lowerShortCircuit(c, b, false)
	}

	l, err := lowerExpr(c, b.L)
	if err != nil {
		return value{}, err
	}

	isFloat := b.Typ == ir.Float || l.float
	if isFloat && !l.float {
		l = convertToFloat(c, l)
	}

	op, err := arithOpcode(b.Op, isFloat)
	if err != nil {
		return value{}, err
	}

	// Div/Rem are two-register-only (spec §4.4): encodeDivRem indexes the
	// physical-register map with Op1 and has no immediate form, so the fold
	// below must never apply to them.
	twoRegOnly := b.Op == ir.Div || b.Op == ir.Rem
	if imm, ok := isLiteralInt32(b.R); ok && !isFloat && !twoRegOnly {
		dst := moveToOwned(c, l, false)
		c.Unit.Emit(op, dst.reg, OperandImmediate, 0, imm, "")
		return dst, nil
	}

	r, err := lowerExpr(c, b.R)
	if err != nil {
		return value{}, err
	}
	if isFloat && !r.float {
		r = convertToFloat(c, r)
	}

	dst := moveToOwned(c, l, isFloat)
	emitOpcode(c, op, dst, r)
	releaseIfTemp(c, r)
	return dst, nil
}

// moveToOwned ensures dst is a scratch register distinct from any named
// variable register the caller still needs live, copying v's value into it
// when v itself is a named variable (not already scratch).
func moveToOwned(c *Context, v value, float bool) value {
	if v.float {
		if v.reg >= floatScratchLo {
			return v
		}
		tmp, _ := c.Floats.AllocateTemp()
		c.Unit.Emit(Fmov, tmp, v.reg, 0, 0, "")
		return value{reg: tmp, float: true}
	}
	if v.reg >= scratchRegLo {
		return v
	}
	tmp, _ := c.Ints.AllocateTemp()
	c.Unit.Emit(Mov, tmp, v.reg, 0, 0, "")
	return value{reg: tmp}
}

func emitOpcode(c *Context, op Opcode, dst, src value) {
	c.Unit.Emit(op, dst.reg, src.reg, 0, 0, "")
}

func arithOpcode(op ir.BinOp, float bool) (Opcode, error) {
	switch op {
	case ir.Add:
		if float {
			return Fadd, nil
		}
		return Add, nil
	case ir.Sub:
		if float {
			return Fsub, nil
		}
		return Sub, nil
	case ir.Mul:
		if float {
			return Fmul, nil
		}
		return Mul, nil
	case ir.Div:
		if float {
			return Fdiv, nil
		}
		return Div, nil
	case ir.Rem:
		if float {
			return 0, fmt.Errorf("%w: float remainder unsupported", ErrInvalidArgument)
		}
		return Rem, nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrInvalidArgument, op)
	}
}

// lowerComparisonValue lowers a comparison used as a value (not directly
// consumed by if/while) into 0/1 via CMP + CJMP diamond.
func lowerComparisonValue(c *Context, b ir.Binary) (value, error) {
	cond, err := lowerCondition(c, b)
	if err != nil {
		return value{}, err
	}
	dst, err := c.Ints.AllocateTemp()
	if err != nil {
		return value{}, err
	}
	trueLabel := c.NewLabel("cmp_true")
	endLabel := c.NewLabel("cmp_end")
	c.Unit.Emit(Cjmp, uint8(cond), OperandLabel, 0, 0, "cjmp "+condComment(cond)+", "+trueLabel)
	c.Unit.Emit(Mov, dst, OperandImmediate, 0, 0, "")
	c.Unit.Emit(Jmp, OperandLabel, 0, 0, 0, "jmp "+endLabel)
	c.Unit.BindLabel(trueLabel)
	c.Unit.Emit(Mov, dst, OperandImmediate, 0, 1, "")
	c.Unit.BindLabel(endLabel)
	return value{reg: dst}, nil
}

// lowerShortCircuit lowers && (isAnd=true) and || into the explicit branch
// diamond spec §4.4 calls for: the right-hand side is skipped once the
// left-hand side already determines the outcome.
func lowerShortCircuit(c *Context, b ir.Binary, isAnd bool) (value, error) {
	dst, err := c.Ints.AllocateTemp()
	if err != nil {
		return value{}, err
	}
	shortLabel := c.NewLabel("sc_short")
	endLabel := c.NewLabel("sc_end")

	lc, err := lowerBoolExpr(c, b.L)
	if err != nil {
		return value{}, err
	}
	c.Unit.Emit(Cmp, lc.reg, OperandImmediate, 0, 0, "")
	if isAnd {
		c.Unit.Emit(Cjmp, uint8(CondEq), OperandLabel, 0, 0, "cjmp "+condComment(CondEq)+", "+shortLabel) // l == 0 -> short to false
	} else {
		c.Unit.Emit(Cjmp, uint8(CondNe), OperandLabel, 0, 0, "cjmp "+condComment(CondNe)+", "+shortLabel) // l != 0 -> short to true
	}
	releaseIfTemp(c, lc)

	rc, err := lowerBoolExpr(c, b.R)
	if err != nil {
		return value{}, err
	}
	if dst != rc.reg {
		c.Unit.Emit(Mov, dst, rc.reg, 0, 0, "")
	}
	releaseIfTemp(c, rc)
	c.Unit.Emit(Jmp, OperandLabel, 0, 0, 0, "jmp "+endLabel)

	c.Unit.BindLabel(shortLabel)
	shortVal := int32(0)
	if !isAnd {
		shortVal = 1
	}
	c.Unit.Emit(Mov, dst, OperandImmediate, 0, shortVal, "")
	c.Unit.BindLabel(endLabel)
	return value{reg: dst}, nil
}

// lowerBoolExpr evaluates e as a 0/1 integer value.
func lowerBoolExpr(c *Context, e ir.Expr) (value, error) {
	return lowerExpr(c, e)
}

func lowerUnary(c *Context, u ir.Unary) (value, error) {
	v, err := lowerExpr(c, u.Operand)
	if err != nil {
		return value{}, err
	}
	switch u.Op {
	case ir.Neg:
		if v.float {
			dst := moveToOwned(c, v, true)
			c.Unit.Emit(Fneg, dst.reg, 0, 0, 0, "")
			return dst, nil
		}
		dst := moveToOwned(c, v, false)
		zero, err := c.Ints.AllocateTemp()
		if err != nil {
			return value{}, err
		}
		c.Unit.Emit(Mov, zero, OperandImmediate, 0, 0, "")
		c.Unit.Emit(Sub, zero, dst.reg, 0, 0, "")
		c.Ints.ReleaseTemp(dst.reg)
		return value{reg: zero}, nil
	case ir.Not:
		dst := moveToOwned(c, v, false)
		c.Unit.Emit(Not, dst.reg, 0, 0, 0, "")
		return dst, nil
	}
	return value{}, fmt.Errorf("%w: %v", ErrInvalidArgument, u.Op)
}

// lowerCall puts up to six arguments into r1..r6 and emits CALL to the
// function label; return value is in r0 (spec §4.4). The codegen orders
// evaluation so no live value occupies a register the call clobbers,
// spilling any live variable register the call would step on before the
// argument setup.
func lowerCall(c *Context, call ir.Call) (value, error) {
	argRegs := CallArgRegs()
	if len(call.Args) > len(argRegs) {
		return value{}, fmt.Errorf("%w: too many call arguments", ErrInvalidArgument)
	}

	c.Ints.SpillAll()
	c.Floats.PreSpillLoop()

	argVals := make([]value, len(call.Args))
	for i, a := range call.Args {
		v, err := lowerExpr(c, a)
		if err != nil {
			return value{}, err
		}
		argVals[i] = v
	}
	for i, v := range argVals {
		target := argRegs[i]
		if v.float {
			c.Unit.Emit(Fmov, target, v.reg, 0, 0, "")
		} else if v.reg != target {
			c.Unit.Emit(Mov, target, v.reg, 0, 0, "")
		}
		releaseIfTemp(c, v)
	}

	label, ok := c.fnLabel[call.Name]
	if !ok {
		return value{}, fmt.Errorf("%w: %s", ErrUndefinedFunction, call.Name)
	}
	c.Unit.Emit(Call, OperandLabel, 0, 0, 0, "call "+label)

	if call.Typ == ir.Float {
		return value{reg: 0, float: true}, nil
	}
	return value{reg: 0}, nil
}

func lowerCast(c *Context, cast ir.Cast) (value, error) {
	v, err := lowerExpr(c, cast.Expr)
	if err != nil {
		return value{}, err
	}
	switch {
	case cast.Target == ir.Float && !v.float:
		return convertToFloat(c, v), nil
	case cast.Target != ir.Float && v.float:
		dst, err := c.Ints.AllocateTemp()
		if err != nil {
			return value{}, err
		}
		c.Unit.Emit(Cvtsd2si, dst, v.reg, 0, 0, "")
		c.Floats.ReleaseTemp(v.reg)
		return value{reg: dst}, nil
	default:
		return v, nil
	}
}

func convertToFloat(c *Context, v value) value {
	if v.float {
		return v
	}
	dst, _ := c.Floats.AllocateTemp()
	c.Unit.Emit(Cvtsi2sd, dst, v.reg, 0, 0, "")
	if v.reg >= scratchRegLo {
		c.Ints.ReleaseTemp(v.reg)
	}
	return value{reg: dst, float: true}
}

func lowerArrayAccess(c *Context, aa ir.ArrayAccess) (value, error) {
	arrVar, ok := aa.Array.(ir.Variable)
	if !ok {
		return value{}, fmt.Errorf("%w: array access on non-variable", ErrInvalidArgument)
	}
	info, ok := c.Arrays[arrVar.Name]
	if !ok {
		return value{}, fmt.Errorf("%w: %s", ErrUndefinedVariable, arrVar.Name)
	}

	if lit, ok := aa.Index.(ir.Literal); ok && lit.Typ == ir.Int {
		offset := int32(IntSpillOffset(info.baseSlot + int(lit.IntVal)))
		dst, err := c.Ints.AllocateTemp()
		if err != nil {
			return value{}, err
		}
		c.Unit.Emit(LoadStack, dst, 0, 0, offset, fmt.Sprintf("%s[%d]", arrVar.Name, lit.IntVal))
		return value{reg: dst}, nil
	}

	idx, err := lowerExpr(c, aa.Index)
	if err != nil {
		return value{}, err
	}
	dst, err := c.Ints.AllocateTemp()
	if err != nil {
		return value{}, err
	}
	c.Unit.Emit(ArrayLoad, dst, idx.reg, 0, int32(IntSpillOffset(info.baseSlot)), "array_load "+arrVar.Name)
	releaseIfTemp(c, idx)
	return value{reg: dst}, nil
}

func lowerSpawn(c *Context, s ir.Spawn) (value, error) {
	label, ok := c.fnLabel[s.FuncName]
	if !ok {
		return value{}, fmt.Errorf("%w: %s", ErrUndefinedFunction, s.FuncName)
	}
	dst, err := c.Ints.AllocateTemp()
	if err != nil {
		return value{}, err
	}
	c.Unit.Emit(Spawn, dst, OperandLabel, 0, 0, "spawn r"+itoa(int(dst))+", "+label)
	return value{reg: dst}, nil
}

func lowerAtomicLoadExpr(c *Context, a ir.AtomicLoadExpr) (value, error) {
	id, ok := c.Shared[a.SharedVar]
	if !ok {
		return value{}, fmt.Errorf("%w: %s", ErrUndefinedVariable, a.SharedVar)
	}
	dst, err := c.Ints.AllocateTemp()
	if err != nil {
		return value{}, err
	}
	c.Unit.Emit(AtomicLoad, dst, OperandImmediate, 0, int32(id), "shared "+a.SharedVar)
	return value{reg: dst}, nil
}

func lowerAtomicOp(c *Context, st ir.AtomicOpStmt) error {
	id, ok := c.Shared[st.Target]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUndefinedVariable, st.Target)
	}

	switch st.Op {
	case ir.AtomicStore:
		v, err := lowerExpr(c, st.Value)
		if err != nil {
			return err
		}
		c.Unit.Emit(AtomicStore, v.reg, OperandImmediate, 0, int32(id), "shared "+st.Target)
		releaseIfTemp(c, v)
		return nil
	case ir.AtomicAdd, ir.AtomicFadd:
		v, err := lowerExpr(c, st.Value)
		if err != nil {
			return err
		}
		if st.Op == ir.AtomicFadd {
			v = convertToFloat(c, v)
		}
		op := AtomicAdd
		if v.float {
			op = AtomicFadd
		}
		c.Unit.Emit(op, v.reg, OperandImmediate, 0, int32(id), "shared "+st.Target)
		releaseIfTemp(c, v)
		return nil
	case ir.AtomicCas:
		expected, err := lowerExpr(c, st.Expected)
		if err != nil {
			return err
		}
		newVal, err := lowerExpr(c, st.New)
		if err != nil {
			return err
		}
		reg, err := c.Ints.AllocateTemp()
		if err != nil {
			return err
		}
		c.Unit.Emit(Mov, reg, expected.reg, 0, 0, "")
		c.Unit.Emit(AtomicCas, reg, newVal.reg, OperandImmediate, int32(id), "shared "+st.Target)
		releaseIfTemp(c, expected)
		releaseIfTemp(c, newVal)
		if st.Dst != "" {
			return storeInto(c, st.Dst, value{reg: reg})
		}
		c.Ints.ReleaseTemp(reg)
		return nil
	case ir.AtomicLoad:
		reg, err := c.Ints.AllocateTemp()
		if err != nil {
			return err
		}
		c.Unit.Emit(AtomicLoad, reg, OperandImmediate, 0, int32(id), "shared "+st.Target)
		if st.Dst != "" {
			return storeInto(c, st.Dst, value{reg: reg})
		}
		c.Ints.ReleaseTemp(reg)
		return nil
	default:
		return fmt.Errorf("%w: unhandled atomic op", ErrInvalidArgument)
	}
}

func lowerInput(c *Context, _ ir.Input) (value, error) {
	dst, err := c.Ints.AllocateTemp()
	if err != nil {
		return value{}, err
	}
	c.Unit.Emit(Svc, dst, OperandImmediate, 0, int32(0x06), "svc input_int")
	return value{reg: dst}, nil
}

func lowerMathCall(c *Context, m ir.MathCall) (value, error) {
	if len(m.Args) != 1 && m.Func != ir.Pow {
		return value{}, fmt.Errorf("%w: math call arity", ErrInvalidArgument)
	}
	v, err := lowerExpr(c, m.Args[0])
	if err != nil {
		return value{}, err
	}
	v = convertToFloat(c, v)
	dst := moveToOwned(c, v, true)

	switch m.Func {
	case ir.Sqrt:
		c.Unit.Emit(Fsqrt, dst.reg, 0, 0, 0, "")
	case ir.Abs:
		c.Unit.Emit(Fabs, dst.reg, 0, 0, 0, "")
	case ir.Floor:
		c.Unit.Emit(Ffloor, dst.reg, 0, 0, 0, "")
	case ir.Ceil:
		c.Unit.Emit(Fceil, dst.reg, 0, 0, 0, "")
	case ir.Pow:
		if len(m.Args) != 2 {
			return value{}, fmt.Errorf("%w: pow requires 2 arguments", ErrInvalidArgument)
		}
		exp, ok := m.Args[1].(ir.Literal)
		if !ok {
			return value{}, fmt.Errorf("%w: pow exponent must be a literal", ErrInvalidArgument)
		}
		n := int(exp.IntVal)
		if n < 0 {
			return value{}, fmt.Errorf("%w: pow exponent must be non-negative", ErrInvalidArgument)
		}
		base := dst
		acc, aerr := c.Floats.AllocateTemp()
		if aerr != nil {
			return value{}, aerr
		}
		oneLabel := c.Unit.InternFloatConst(math.Float64bits(1.0))
		c.Unit.Emit(Fmov, acc, OperandLabel, 0, 0, "fmov "+oneLabel)
		for i := 0; i < n; i++ {
			c.Unit.Emit(Fmul, acc, base.reg, 0, 0, "")
		}
		c.Floats.ReleaseTemp(base.reg)
		dst = value{reg: acc, float: true}
	default:
		return value{}, fmt.Errorf("%w: unhandled math function", ErrInvalidArgument)
	}
	return dst, nil
}
