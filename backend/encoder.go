package backend

import (
	"encoding/binary"
	"fmt"
)

// RelocKind distinguishes how a relocation's value is computed once the
// target address is known (spec §4.5).
type RelocKind int

const (
	RelRel32 RelocKind = iota
	RelAbs64
	RelRipRelativeData
)

// Relocation is a deferred patch of a code-buffer offset, recorded when the
// target label's address isn't known yet (spec §4.5, glossary).
type Relocation struct {
	Offset int // byte offset in the code buffer where the patch begins
	Target string
	Kind   RelocKind
	// InstrEnd is the buffer offset immediately after the disp32/imm64
	// field, used as the PC for rel32's signed displacement computation.
	InstrEnd int
}

// SymbolKind marks which base address resolve() should apply to a label.
type SymbolKind int

const (
	SymCode SymbolKind = iota
	SymData
	SymImport
)

// Encoder is the owning struct for the flat code/data byte buffers and
// their relocation list (spec §5's resource policy: both are owned
// exclusively by the encoder instance and observed only through Code()/
// Data() after Resolve()).
type Encoder struct {
	Target Target

	code []byte
	data []byte

	relocs []Relocation

	// codeLabels/dataLabels map a label name to its offset within code/data
	// respectively, populated as Encode walks the manifest.
	codeLabels map[string]int
	dataLabels map[string]int
	imports    map[string]string // import name -> "__imp_<Name>" symbol

	resolved bool
}

func NewEncoder(target Target) *Encoder {
	return &Encoder{
		Target:     target,
		codeLabels: make(map[string]int),
		dataLabels: make(map[string]int),
		imports:    make(map[string]string),
	}
}

func (e *Encoder) emit(bytes ...byte) {
	e.code = append(e.code, bytes...)
}

// rex builds a REX prefix byte. W selects 64-bit operand size; R/X/B extend
// the ModR/M reg, SIB index, and ModR/M rm (or SIB base) fields respectively
// into the r8-r15 range.
func rex(w, r, x, b bool) byte {
	var v byte = 0x40
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

// modrm builds a ModR/M byte from a 2-bit mod field and two 3-bit register
// fields (the low 3 bits of each physical register index; the high bit is
// carried separately in the REX prefix).
func modrm(mod, reg, rm uint8) byte {
	return (mod << 6) | ((reg & 0x7) << 3) | (rm & 0x7)
}

// sib builds a SIB byte: scale (0=1,1=2,2=4,3=8), index, base.
func sib(scale, index, base uint8) byte {
	return (scale << 6) | ((index & 0x7) << 3) | (base & 0x7)
}

func (e *Encoder) emitImm32(v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	e.emit(b[:]...)
}

func (e *Encoder) emitImm64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.emit(b[:]...)
}

// placeholder32 emits a zeroed disp32/rel32 slot and records a relocation
// against it, keyed by target label and kind.
func (e *Encoder) placeholder32(target string, kind RelocKind) {
	off := len(e.code)
	e.emitImm32(0)
	e.relocs = append(e.relocs, Relocation{Offset: off, Target: target, Kind: kind, InstrEnd: len(e.code)})
}

func (e *Encoder) placeholder64(target string, kind RelocKind) {
	off := len(e.code)
	e.emitImm64(0)
	e.relocs = append(e.relocs, Relocation{Offset: off, Target: target, Kind: kind, InstrEnd: len(e.code)})
}

func (e *Encoder) dataEmit(bytes ...byte) int {
	off := len(e.data)
	e.data = append(e.data, bytes...)
	return off
}

func (e *Encoder) dataAlign(align int) {
	for len(e.data)%align != 0 {
		e.data = append(e.data, 0)
	}
}

// CodeLen returns the number of bytes emitted into the code buffer so far,
// valid both before and after Resolve (callers need it to compute the
// base addresses Resolve itself takes as arguments).
func (e *Encoder) CodeLen() int {
	return len(e.code)
}

// Code returns the encoded text section. Valid only after Resolve.
func (e *Encoder) Code() []byte {
	if !e.resolved {
		return nil
	}
	return e.code
}

// Data returns the encoded data section. Valid only after Resolve.
func (e *Encoder) Data() []byte {
	if !e.resolved {
		return nil
	}
	return e.data
}

// Resolve patches every recorded relocation now that code_base, data_base,
// and iat_base are known (spec §4.5).
func (e *Encoder) Resolve(codeBase, dataBase, iatBase uint64) error {
	for _, r := range e.relocs {
		var target uint64
		if off, ok := e.codeLabels[r.Target]; ok {
			target = codeBase + uint64(off)
		} else if off, ok := e.dataLabels[r.Target]; ok {
			target = dataBase + uint64(off)
		} else if imp, ok := e.imports[r.Target]; ok {
			off, ok2 := e.dataLabels[imp]
			if !ok2 {
				return fmt.Errorf("%w: %s", ErrUndefinedSymbol, r.Target)
			}
			target = iatBase + uint64(off) - dataBase
		} else {
			return fmt.Errorf("%w: %s", ErrUndefinedSymbol, r.Target)
		}

		switch r.Kind {
		case RelRel32:
			disp := int64(target) - int64(codeBase+uint64(r.InstrEnd))
			if disp < -(1 << 31) || disp >= (1<<31) {
				return fmt.Errorf("%w: displacement out of range for %s", ErrImmediateOutOfRange, r.Target)
			}
			binary.LittleEndian.PutUint32(e.code[r.Offset:], uint32(int32(disp)))
		case RelAbs64:
			binary.LittleEndian.PutUint64(e.code[r.Offset:], target)
		case RelRipRelativeData:
			disp := int64(target) - int64(codeBase+uint64(r.InstrEnd))
			binary.LittleEndian.PutUint32(e.code[r.Offset:], uint32(int32(disp)))
		}
	}
	e.resolved = true
	return nil
}
