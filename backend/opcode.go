package backend

// Opcode is the closed instruction set of the manifest ISA (spec §3, §4.1).
type Opcode uint8

const (
	Nop Opcode = iota
	Mov
	Push
	Pop
	Add
	Sub
	Cmp
	Jmp
	Cjmp
	Call
	Ret
	Svc
	Halt
	Mul
	Div
	Rem
	And
	Or
	Xor
	Not
	Shl
	Shr
	StoreStack
	LoadStack
	ArrayAlloc
	ArrayStore
	ArrayLoad
	Fmov
	Fadd
	Fsub
	Fmul
	Fdiv
	Fcmp
	Fload
	Fstore
	Cvtsi2sd
	Cvtsd2si
	Fsqrt
	Fabs
	Fneg
	Ffloor
	Fceil
	Spawn
	Join
	AtomicLoad
	AtomicStore
	AtomicAdd
	AtomicFadd
	AtomicCas
)

// Cond is a CJMP condition code (spec §3).
type Cond uint8

const (
	CondEq Cond = 1
	CondNe Cond = 2
	CondLt Cond = 3
	CondLe Cond = 4
	CondGt Cond = 5
	CondGe Cond = 6
)

// Negate returns the condition that makes an if-statement's else path the
// fall-through, per the CJMP negation lowering rule (spec §4.4).
func (c Cond) Negate() Cond {
	switch c {
	case CondEq:
		return CondNe
	case CondNe:
		return CondEq
	case CondLt:
		return CondGe
	case CondLe:
		return CondGt
	case CondGt:
		return CondLe
	case CondGe:
		return CondLt
	default:
		return c
	}
}

var opcodeToStr = map[Opcode]string{
	Nop:         "nop",
	Mov:         "mov",
	Push:        "push",
	Pop:         "pop",
	Add:         "add",
	Sub:         "sub",
	Cmp:         "cmp",
	Jmp:         "jmp",
	Cjmp:        "cjmp",
	Call:        "call",
	Ret:         "ret",
	Svc:         "svc",
	Halt:        "halt",
	Mul:         "mul",
	Div:         "div",
	Rem:         "rem",
	And:         "and",
	Or:          "or",
	Xor:         "xor",
	Not:         "not",
	Shl:         "shl",
	Shr:         "shr",
	StoreStack:  "store_stack",
	LoadStack:   "load_stack",
	ArrayAlloc:  "array_alloc",
	ArrayStore:  "array_store",
	ArrayLoad:   "array_load",
	Fmov:        "fmov",
	Fadd:        "fadd",
	Fsub:        "fsub",
	Fmul:        "fmul",
	Fdiv:        "fdiv",
	Fcmp:        "fcmp",
	Fload:       "fload",
	Fstore:      "fstore",
	Cvtsi2sd:    "cvtsi2sd",
	Cvtsd2si:    "cvtsd2si",
	Fsqrt:       "fsqrt",
	Fabs:        "fabs",
	Fneg:        "fneg",
	Ffloor:      "ffloor",
	Fceil:       "fceil",
	Spawn:       "spawn",
	Join:        "join",
	AtomicLoad:  "atomic_load",
	AtomicStore: "atomic_store",
	AtomicAdd:   "atomic_add",
	AtomicFadd:  "atomic_fadd",
	AtomicCas:   "atomic_cas",
}

var strToOpcode map[string]Opcode

func init() {
	strToOpcode = make(map[string]Opcode, len(opcodeToStr))
	for op, s := range opcodeToStr {
		strToOpcode[s] = op
	}
}

func (o Opcode) String() string {
	if s, ok := opcodeToStr[o]; ok {
		return s
	}
	return "?unknown?"
}

// jump-family opcodes: each transfers control to (or, for SPAWN, starts a
// thread at) a label carried in the instruction's manifest comment.
func (o Opcode) IsJumpFamily() bool {
	return o == Jmp || o == Cjmp || o == Call || o == Spawn
}
