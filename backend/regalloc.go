package backend

// Integer variable registers are drawn from r1..r5 (spec §4.2). r0 is
// reserved for return values and syscall numbers; r6/r7 are the scratch
// pool.
const (
	numVariableRegs = 5
	variableRegBase = 1 // r1..r5
	scratchRegLo    = 6
	scratchRegHi    = 7
)

// RegAlloc assigns IR variable names to integer registers r1..r5, spilling
// to stack slots under pressure, and hands out r6/r7 as a scratch pool.
// Mirrors the teacher's small owned-struct-with-tight-invariants style
// (gvm/vm/devices.go's counter/channel bookkeeping), generalized to a
// doubly-indexed LRU table per spec §9's redesign note.
type RegAlloc struct {
	nameToReg   map[string]uint8 // variable name -> r1..r5
	regToName   [numVariableRegs]string
	initialized [numVariableRegs]bool
	recency     []uint8 // least-recently-used first

	spillSlotOf map[string]int // variable name -> dense spill slot index
	nextSpill   int

	scratchInUse [2]bool

	emit func(op Opcode, op0, op1, op2 uint8, imm int32, comment string)
}

func NewRegAlloc(emit func(op Opcode, op0, op1, op2 uint8, imm int32, comment string)) *RegAlloc {
	return &RegAlloc{
		nameToReg:   make(map[string]uint8),
		spillSlotOf: make(map[string]int),
		emit:        emit,
	}
}

func (a *RegAlloc) touch(reg uint8) {
	for i, r := range a.recency {
		if r == reg {
			a.recency = append(a.recency[:i], a.recency[i+1:]...)
			break
		}
	}
	a.recency = append(a.recency, reg)
}

// IntSpillOffset converts a dense spill slot index to the byte offset the
// emitter uses for STORE_STACK/LOAD_STACK (spec §4.2): 32-byte shadow space
// plus 8 bytes per slot.
func IntSpillOffset(slot int) int {
	return 32 + slot*8
}

// slotAt returns the absolute register index (1..5) for pool position p.
func slotAt(p int) uint8 { return uint8(variableRegBase + p) }

func (a *RegAlloc) poolIndex(reg uint8) int { return int(reg) - variableRegBase }

// allocateFreeOrEvict returns a register to hold a new variable, spilling
// the LRU initialized victim if all 5 slots are live. Uninitialized victims
// are evicted without a spill (spec §4.2).
func (a *RegAlloc) allocateFreeOrEvict() uint8 {
	for p := 0; p < numVariableRegs; p++ {
		if a.regToName[p] == "" {
			return slotAt(p)
		}
	}

	// All slots live: evict by recency. The recency slice is appended to on
	// every touch, so its head is the LRU register.
	for _, victim := range a.recency {
		p := a.poolIndex(victim)
		name := a.regToName[p]
		if name == "" {
			continue
		}
		if a.initialized[p] {
			a.spill(victim, name)
		}
		delete(a.nameToReg, name)
		a.regToName[p] = ""
		a.initialized[p] = false
		return victim
	}

	// Unreachable given LRU+spill always frees a slot. This fallback returns
	// r0 and reports no error.
	return 0
}

func (a *RegAlloc) spill(reg uint8, name string) {
	slot, ok := a.spillSlotOf[name]
	if !ok {
		slot = a.nextSpill
		a.nextSpill++
		a.spillSlotOf[name] = slot
	}
	a.emit(StoreStack, reg, 0, 0, int32(IntSpillOffset(slot)), "spill "+name)
}

// AllocateVariable returns the register slot assigned to name, allocating a
// fresh (uninitialized) one if this is the first reference.
func (a *RegAlloc) AllocateVariable(name string) uint8 {
	if reg, ok := a.nameToReg[name]; ok {
		a.touch(reg)
		return reg
	}

	reg := a.allocateFreeOrEvict()
	a.nameToReg[name] = reg
	a.regToName[a.poolIndex(reg)] = name
	a.touch(reg)
	return reg
}

// MarkInitialized records that name's first store has been emitted; only
// initialized variables are spilled on eviction (spec §4.2).
func (a *RegAlloc) MarkInitialized(name string) {
	if reg, ok := a.nameToReg[name]; ok {
		a.initialized[a.poolIndex(reg)] = true
	}
}

// GetVariable returns the live register for name, reloading from its spill
// slot (emitting LOAD_STACK) if it isn't currently resident.
func (a *RegAlloc) GetVariable(name string) uint8 {
	if reg, ok := a.nameToReg[name]; ok {
		a.touch(reg)
		return reg
	}

	reg := a.allocateFreeOrEvict()
	a.nameToReg[name] = reg
	a.regToName[a.poolIndex(reg)] = name
	a.initialized[a.poolIndex(reg)] = true
	if slot, ok := a.spillSlotOf[name]; ok {
		a.emit(LoadStack, reg, 0, 0, int32(IntSpillOffset(slot)), "reload "+name)
	}
	a.touch(reg)
	return reg
}

// AllocateTemp draws from the r6/r7 scratch pool.
func (a *RegAlloc) AllocateTemp() (uint8, error) {
	for i, inUse := range a.scratchInUse {
		if !inUse {
			a.scratchInUse[i] = true
			return uint8(scratchRegLo + i), nil
		}
	}
	return 0, ErrRegisterExhaustion
}

// ReleaseTemp returns a scratch register obtained from AllocateTemp.
func (a *RegAlloc) ReleaseTemp(reg uint8) {
	if reg >= scratchRegLo && reg <= scratchRegHi {
		a.scratchInUse[reg-scratchRegLo] = false
	}
}

// FrameSlots reports how many dense integer spill slots were used, letting
// the caller size stack_size per spec §8 property 3.
func (a *RegAlloc) FrameSlots() int { return a.nextSpill }

// ReserveSlots claims n contiguous dense spill slots (for an array's
// backing storage, spec §4.4) and returns the index of the first one.
func (a *RegAlloc) ReserveSlots(n int) int {
	base := a.nextSpill
	a.nextSpill += n
	return base
}

// SpillAll forces every initialized live variable to its stack slot without
// evicting it from its register. lowerCall runs it before setting up a
// call's arguments.
func (a *RegAlloc) SpillAll() {
	for p := 0; p < numVariableRegs; p++ {
		name := a.regToName[p]
		if name == "" || !a.initialized[p] {
			continue
		}
		slot, ok := a.spillSlotOf[name]
		if !ok {
			slot = a.nextSpill
			a.nextSpill++
			a.spillSlotOf[name] = slot
		}
		a.emit(StoreStack, slotAt(p), 0, 0, int32(IntSpillOffset(slot)), "spill "+name)
	}
}

// Reset clears all allocator state for the start of a new function (spec
// §3: "a register allocation exists for the duration of a single function;
// it is reset between functions").
func (a *RegAlloc) Reset() {
	a.nameToReg = make(map[string]uint8)
	a.regToName = [numVariableRegs]string{}
	a.initialized = [numVariableRegs]bool{}
	a.recency = nil
	a.spillSlotOf = make(map[string]int)
	a.nextSpill = 0
	a.scratchInUse = [2]bool{}
}
