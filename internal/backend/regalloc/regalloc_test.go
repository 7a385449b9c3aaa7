package regalloc

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// The test ISA: registers 0..3 are caller-saved ints, 4..5 callee-saved
// ints, 6 and 7 the int scratches; 8..9 caller-saved floats, 10 and 11 the
// float scratches.
func testRegInfo() *RegisterInfo {
	return &RegisterInfo{
		AllocatableRegisters: [NumRegType][]RealReg{
			RegTypeInt:   {0, 1, 2, 3, 4, 5},
			RegTypeFloat: {8, 9},
		},
		CalleeSavedRegisters:  NewRegSet(4, 5),
		CallerSavedRegisters:  NewRegSet(0, 1, 2, 3, 8, 9),
		SpillScratchRegisters: [NumRegType][]RealReg{RegTypeInt: {6, 7}, RegTypeFloat: {10, 11}},
		RealRegType: func(r RealReg) RegType {
			if r >= 8 {
				return RegTypeFloat
			}
			return RegTypeInt
		},
		RealRegName: func(r RealReg) string { return fmt.Sprintf("r%d", r) },
	}
}

type testInstr struct {
	uses, defs []VReg
	call       bool
	reloads    []VReg
	stores     []VReg
}

func (i *testInstr) String() string  { return "test" }
func (i *testInstr) Defs() []VReg    { return i.defs }
func (i *testInstr) Uses() []VReg    { return i.uses }
func (i *testInstr) AssignDef(v VReg) {
	i.defs[0] = v
}
func (i *testInstr) AssignUse(index int, v VReg) {
	i.uses[index] = v
}
func (i *testInstr) IsCall() bool         { return i.call }
func (i *testInstr) IsIndirectCall() bool { return false }
func (i *testInstr) IsCopy() bool         { return false }

type testBlock struct {
	id     int
	instrs []*testInstr
	preds  []int
	iter   int
}

func (b *testBlock) ID() int      { return b.id }
func (b *testBlock) Preds() []int { return b.preds }
func (b *testBlock) Entry() bool  { return b.id == 0 }
func (b *testBlock) InstrIteratorBegin() Instr {
	b.iter = 0
	return b.InstrIteratorNext()
}
func (b *testBlock) InstrIteratorNext() Instr {
	if b.iter >= len(b.instrs) {
		return nil
	}
	i := b.instrs[b.iter]
	b.iter++
	return i
}

type testFunc struct {
	blocks    []*testBlock
	iter      int
	clobbered []VReg
	done      bool
}

func (f *testFunc) BlockIteratorBegin() Block {
	f.iter = 0
	return f.BlockIteratorNext()
}
func (f *testFunc) BlockIteratorNext() Block {
	if f.iter >= len(f.blocks) {
		return nil
	}
	b := f.blocks[f.iter]
	f.iter++
	return b
}
func (f *testFunc) StoreRegisterAfter(v VReg, instr Instr) {
	instr.(*testInstr).stores = append(instr.(*testInstr).stores, v)
}
func (f *testFunc) ReloadRegisterBefore(v VReg, instr Instr) {
	instr.(*testInstr).reloads = append(instr.(*testInstr).reloads, v)
}
func (f *testFunc) ClobberedRegisters(vs []VReg) { f.clobbered = vs }
func (f *testFunc) Done()                        { f.done = true }

func intVReg(id uint32) VReg {
	return (VReg(id)).SetRegType(RegTypeInt).SetRealReg(RealRegInvalid)
}

func TestAllocator_straightLine(t *testing.T) {
	v0, v1, v2 := intVReg(0), intVReg(1), intVReg(2)
	i0 := &testInstr{defs: []VReg{v0}}
	i1 := &testInstr{defs: []VReg{v1}}
	i2 := &testInstr{uses: []VReg{v0, v1}, defs: []VReg{v2}}
	i3 := &testInstr{uses: []VReg{v2}}

	f := &testFunc{blocks: []*testBlock{{id: 0, instrs: []*testInstr{i0, i1, i2, i3}}}}
	a := NewAllocator(testRegInfo())
	a.DoAllocation(f)

	require.True(t, f.done)
	// All three values fit in registers: no spill code.
	require.Empty(t, i2.reloads)
	require.Empty(t, i3.reloads)
	r0, r1 := i2.uses[0].RealReg(), i2.uses[1].RealReg()
	require.NotEqual(t, RealRegInvalid, r0)
	require.NotEqual(t, RealRegInvalid, r1)
	// v0 and v1 are simultaneously live and must differ.
	require.NotEqual(t, r0, r1)
	require.Equal(t, i2.defs[0].RealReg(), i3.uses[0].RealReg())
	// Nothing touched the callee-saved registers.
	require.Empty(t, f.clobbered)
}

func TestAllocator_callCrossingPrefersCalleeSaved(t *testing.T) {
	v0 := intVReg(0)
	def := &testInstr{defs: []VReg{v0}}
	call := &testInstr{call: true}
	use := &testInstr{uses: []VReg{v0}}

	f := &testFunc{blocks: []*testBlock{{id: 0, instrs: []*testInstr{def, call, use}}}}
	a := NewAllocator(testRegInfo())
	a.DoAllocation(f)

	r := use.uses[0].RealReg()
	require.True(t, testRegInfo().CalleeSavedRegisters.Has(r),
		"call-crossing value must live in a callee-saved register, got r%d", r)
	// The prologue must save it.
	require.Len(t, f.clobbered, 1)
	require.Equal(t, r, f.clobbered[0].RealReg())
}

func TestAllocator_spillsWhenOversubscribed(t *testing.T) {
	// Define 8 simultaneously-live values with only 6 int registers.
	const n = 8
	var defs [n]*testInstr
	var vs [n]VReg
	for i := range vs {
		vs[i] = intVReg(uint32(i))
		defs[i] = &testInstr{defs: []VReg{vs[i]}}
	}
	use := &testInstr{uses: append([]VReg{}, vs[:]...)}

	blk := &testBlock{id: 0}
	for _, d := range defs {
		blk.instrs = append(blk.instrs, d)
	}
	blk.instrs = append(blk.instrs, use)

	f := &testFunc{blocks: []*testBlock{blk}}
	a := NewAllocator(testRegInfo())
	a.DoAllocation(f)

	// Some values spilled; their uses were rewritten to scratch registers
	// with reloads inserted before the instruction.
	require.NotEmpty(t, use.reloads)
	spilled := 0
	for _, d := range defs {
		if len(d.stores) > 0 {
			spilled++
		}
	}
	require.Equal(t, n-6, spilled)
	// The scratch registers never collide with allocated ones.
	for _, r := range use.reloads {
		require.Contains(t, []RealReg{6, 7}, r.RealReg())
	}
}

func TestAllocator_liveAcrossBlocks(t *testing.T) {
	v0 := intVReg(0)
	def := &testInstr{defs: []VReg{v0}}
	jmp := &testInstr{}
	use := &testInstr{uses: []VReg{v0}}

	b0 := &testBlock{id: 0, instrs: []*testInstr{def, jmp}}
	b1 := &testBlock{id: 1, instrs: []*testInstr{use}, preds: []int{0}}
	f := &testFunc{blocks: []*testBlock{b0, b1}}
	a := NewAllocator(testRegInfo())
	a.DoAllocation(f)

	require.Equal(t, def.defs[0].RealReg(), use.uses[0].RealReg())
	require.NotEqual(t, RealRegInvalid, use.uses[0].RealReg())
}
