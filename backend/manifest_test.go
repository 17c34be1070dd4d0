package backend

import (
	"strings"
	"testing"
)

// roundTrip checks spec §8 property 1: Serialize then Parse reproduces an
// identical instruction list (opcode, operands, immediates).
func roundTrip(t *testing.T, m *ManifestUnit) *ManifestUnit {
	t.Helper()
	text := m.Serialize()
	got, err := Parse(text)
	assert(t, err == nil, "Parse failed: %v\ntext:\n%s", err, text)
	assert(t, len(got.Instructions) == len(m.Instructions), "instruction count mismatch: got %d want %d", len(got.Instructions), len(m.Instructions))
	for i := range m.Instructions {
		assert(t, got.Instructions[i] == m.Instructions[i], "instruction %d: got %+v want %+v", i, got.Instructions[i], m.Instructions[i])
	}
	return got
}

func TestManifestRoundTripBasic(t *testing.T) {
	m := NewManifestUnit()
	m.Emit(Mov, 1, OperandImmediate, 0, 7, "mov r1, 7")
	m.BindLabel("loop_1")
	m.Emit(Add, 1, 1, 2, 0, "add r1, r2")
	m.Emit(Cjmp, OperandLabel, 0, 0, int32(CondLt), "cjmp loop_1")
	m.Emit(Halt, 0, 0, 0, 0, "")
	roundTrip(t, m)
}

func TestManifestRoundTripStrings(t *testing.T) {
	m := NewManifestUnit()
	label := m.InternString("hello\nworld \"quoted\"")
	assert(t, label == "str_0", "got label %q", label)
	again := m.InternString("hello\nworld \"quoted\"")
	assert(t, again == label, "interning the same string twice produced different labels")

	m.Emit(Mov, 1, OperandImmediate, 0, 0, "mov r1, str_0")
	got := roundTrip(t, m)
	assert(t, len(got.Strings) == 1, "expected 1 interned string, got %d", len(got.Strings))
	assert(t, got.Strings[0].Value == "hello\nworld \"quoted\"", "string value mismatch: %q", got.Strings[0].Value)
}

func TestManifestRoundTripFloatConst(t *testing.T) {
	m := NewManifestUnit()
	label := m.InternFloatConst(0x3FF0000000000000) // 1.0
	again := m.InternFloatConst(0x3FF0000000000000)
	assert(t, label == again, "fconst interning not deduplicated: %q vs %q", label, again)

	m.Emit(Fmov, 1, 0, 0, 0, "fmov f1, "+label)
	got := roundTrip(t, m)
	assert(t, len(got.FloatConsts) == 1, "expected 1 float const, got %d", len(got.FloatConsts))
	assert(t, got.FloatConsts[0].Bits == 0x3FF0000000000000, "bits mismatch: 0x%016X", got.FloatConsts[0].Bits)
}

func TestManifestFrameSizeRoundTrip(t *testing.T) {
	m := NewManifestUnit()
	m.BindLabel("fn_main")
	m.FrameSizes["fn_main"] = 40
	m.Emit(Halt, 0, 0, 0, 0, "")

	got := roundTrip(t, m)
	assert(t, got.FrameSizes["fn_main"] == 40, "got stack_size %d, want 40", got.FrameSizes["fn_main"])
}

func TestParseUnterminatedString(t *testing.T) {
	_, err := Parse(`string "no closing quote`)
	assert(t, err != nil, "expected an error for an unterminated string literal")
}

func TestParseMalformedLine(t *testing.T) {
	_, err := Parse("this is not a manifest line")
	assert(t, err != nil, "expected ErrMalformedManifest for a garbage line")
}

func TestSerializeContainsLabelBeforeInstruction(t *testing.T) {
	m := NewManifestUnit()
	m.BindLabel("fn_main")
	m.Emit(Halt, 0, 0, 0, 0, "")
	text := m.Serialize()
	idx := strings.Index(text, "label fn_main 0")
	assert(t, idx >= 0, "expected a label line for fn_main, got:\n%s", text)
}
