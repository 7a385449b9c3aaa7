package arm64

import (
	"fmt"
	"math"
	"strings"

	"github.com/bytecodealliance/wasmtime-sub017/internal/backend"
	"github.com/bytecodealliance/wasmtime-sub017/internal/backend/regalloc"
	"github.com/bytecodealliance/wasmtime-sub017/internal/engineapi"
	"github.com/bytecodealliance/wasmtime-sub017/internal/entity"
	"github.com/bytecodealliance/wasmtime-sub017/internal/ssa"
)

type (
	// machine implements backend.Machine for AArch64.
	machine struct {
		compiler   backend.Compiler
		instrPool  entity.Pool[instruction]
		currentSSABlk ssa.BasicBlock

		// rootInstr is the first instruction of the current function after
		// EndLoweringFunction linked the blocks.
		rootInstr *instruction
		// perBlockHead and perBlockEnd delimit the instruction list of the
		// currently-lowered block; lowering is in reverse, so instructions
		// are prepended at perBlockHead.
		perBlockHead, perBlockEnd *instruction
		// pendingInstructions are the instructions which are not yet
		// flushed into the block list.
		pendingInstructions []*instruction

		nextLabel label
		// ssaBlockIDToLabels maps an SSA block ID to the label.
		ssaBlockIDToLabels []label
		// labelPositions maps a label to the region the label represents.
		labelPositions     map[label]*labelPosition
		orderedBlockLabels []*labelPosition

		// stackLimitOffset is the vmctx offset of the stack-limit field;
		// assigned by the engine before compilation.
		stackLimitOffset int32
		stackBoundsCheckDisabled bool
		probe backend.StackProbeStrategy

		// abis caches the ABI computation per signature.
		abis map[ssa.SignatureID]*abiImpl
		currentABI *abiImpl

		// callTargets holds the external names referenced by call
		// instructions.
		callTargets []callTarget
		// symbols holds the external names referenced by loadSymAddr.
		symbols []string

		// spill bookkeeping.
		spillSlots    map[regalloc.VRegID]int64
		spillSlotSize int64
		clobberedRegs []regalloc.VReg
		// unresolvedAmodes are the sp-relative accesses whose final offset
		// needs the frame layout.
		unresolvedAmodes []unresolvedAmode
		// unresolvedStackAddrs are stack_addr adds patched the same way.
		unresolvedStackAddrs []*instruction
		// explicitSlotOffsets maps each declared stack slot to its offset
		// inside the explicit-slot area.
		explicitSlotOffsets map[ssa.StackSlot]int64
		explicitSlotsSize   int64
		maxRequiredStackSizeForCalls int64

		regAlloc  regalloc.Allocator
		regAllocFn regAllocFn

		// consts is the literal pool of the current function.
		consts     []poolConst
		constsDedup map[poolConstKey]backend.Label
		// bufLabels maps machine labels to code-buffer labels during
		// Encode.
		bufLabels map[label]backend.Label
		curBuf    *backend.CodeBuffer
	}

	// label represents a position in the generated code which is either a
	// real instruction or the constant pool. This is exactly the same as
	// the traditional "label" in assembly code.
	label uint32

	// labelPosition represents the region of code the label points at.
	labelPosition struct {
		blk        ssa.BasicBlock
		begin, end *instruction
	}

	callTarget struct {
		name string
	}

	unresolvedAmode struct {
		i *instruction
		// area selects the base added at frame finalization.
		area frameArea
	}

	frameArea byte

	poolConst struct {
		bits uint64
		size byte
		l    backend.Label
		// sym, when non-empty, makes the pool entry a relocated address.
		sym string
	}

	poolConstKey struct {
		bits uint64
		size byte
		sym  string
	}
)

const (
	frameAreaSpill frameArea = iota
	frameAreaExplicit
)

const invalidLabel label = 0

// NewBackend returns a new backend for arm64.
func NewBackend() backend.Machine {
	m := &machine{
		instrPool:           entity.NewPool[instruction](),
		labelPositions:      make(map[label]*labelPosition),
		spillSlots:          make(map[regalloc.VRegID]int64),
		abis:                make(map[ssa.SignatureID]*abiImpl),
		explicitSlotOffsets: make(map[ssa.StackSlot]int64),
		constsDedup:         make(map[poolConstKey]backend.Label),
		bufLabels:           make(map[label]backend.Label),
		probe:               backend.DefaultStackProbe(),
		stackLimitOffset:    engineapi.DefaultOffsetData().StackLimitOffset,
	}
	m.regAlloc = regalloc.NewAllocator(regInfo)
	m.regAllocFn.m = m
	return m
}

// SetStackProbe sets the probing policy for subsequent compilations.
func (m *machine) SetStackProbe(p backend.StackProbeStrategy) { m.probe = p }

// SetOffsetData points the prologue at the vmctx layout in use.
func (m *machine) SetOffsetData(off engineapi.OffsetData) {
	m.stackLimitOffset = off.StackLimitOffset
}

// Reset implements backend.Machine.
func (m *machine) Reset() {
	m.instrPool.Reset()
	m.currentSSABlk = nil
	for l := range m.labelPositions {
		delete(m.labelPositions, l)
	}
	m.pendingInstructions = m.pendingInstructions[:0]
	m.orderedBlockLabels = m.orderedBlockLabels[:0]
	m.ssaBlockIDToLabels = m.ssaBlockIDToLabels[:0]
	m.nextLabel = invalidLabel
	m.rootInstr = nil
	m.perBlockHead, m.perBlockEnd = nil, nil
	for k := range m.spillSlots {
		delete(m.spillSlots, k)
	}
	m.spillSlotSize = 0
	m.clobberedRegs = m.clobberedRegs[:0]
	m.unresolvedAmodes = m.unresolvedAmodes[:0]
	m.unresolvedStackAddrs = m.unresolvedStackAddrs[:0]
	for k := range m.explicitSlotOffsets {
		delete(m.explicitSlotOffsets, k)
	}
	m.explicitSlotsSize = 0
	m.maxRequiredStackSizeForCalls = 0
	m.callTargets = m.callTargets[:0]
	m.symbols = m.symbols[:0]
	m.consts = m.consts[:0]
	for k := range m.constsDedup {
		delete(m.constsDedup, k)
	}
	for k := range m.bufLabels {
		delete(m.bufLabels, k)
	}
	m.stackBoundsCheckDisabled = false
	m.currentABI = nil
}

// SetCompiler implements backend.Machine.
func (m *machine) SetCompiler(c backend.Compiler) { m.compiler = c }

// DisableStackCheck implements backend.Machine.
func (m *machine) DisableStackCheck() { m.stackBoundsCheckDisabled = true }

func (m *machine) allocateLabel() label {
	m.nextLabel++
	return m.nextLabel
}

// StartLoweringFunction implements backend.Machine.
func (m *machine) StartLoweringFunction(max ssa.BasicBlockID) {
	imax := int(max)
	if len(m.ssaBlockIDToLabels) <= imax {
		m.ssaBlockIDToLabels = append(m.ssaBlockIDToLabels, make([]label, imax+1)...)
	}
	m.currentABI = m.getOrCreateABI(m.compiler.SSABuilder().Signature())

	// Explicit stack slot offsets are known up front: the frontend declares
	// them before the backend runs.
	var off int64
	m.compiler.SSABuilder().StackSlots(func(s ssa.StackSlot, d *ssa.StackSlotData) {
		align := int64(d.Align)
		off = (off + align - 1) &^ (align - 1)
		m.explicitSlotOffsets[s] = off
		off += int64(d.Size)
	})
	m.explicitSlotsSize = align16(off)
}

func (m *machine) getOrCreateABI(sig *ssa.Signature) *abiImpl {
	if a, ok := m.abis[sig.ID]; ok {
		return a
	}
	a := computeABI(sig)
	m.abis[sig.ID] = a
	return a
}

// EndLoweringFunction implements backend.Machine.
func (m *machine) EndLoweringFunction() {
	if len(m.orderedBlockLabels) > 0 {
		m.rootInstr = m.orderedBlockLabels[0].begin
	}
}

// StartBlock implements backend.Machine.
func (m *machine) StartBlock(blk ssa.BasicBlock) {
	m.currentSSABlk = blk

	l := m.ssaBlockIDToLabels[blk.ID()]
	if l == invalidLabel {
		l = m.allocateLabel()
		m.ssaBlockIDToLabels[blk.ID()] = l
	}

	end := m.allocateNop()
	m.perBlockHead, m.perBlockEnd = end, end

	labelPos, ok := m.labelPositions[l]
	if !ok {
		labelPos = &labelPosition{}
		m.labelPositions[l] = labelPos
	}
	labelPos.blk = blk
	labelPos.begin, labelPos.end = end, end
	m.orderedBlockLabels = append(m.orderedBlockLabels, labelPos)
}

// EndBlock implements backend.Machine.
func (m *machine) EndBlock() {
	if m.currentSSABlk.EntryBlock() {
		m.lowerFunctionArguments()
	}

	l := m.ssaBlockIDToLabels[m.currentSSABlk.ID()]
	m.labelPositions[l].begin = m.perBlockHead
}

// lowerFunctionArguments moves the ABI argument locations into the entry
// block's parameter virtual registers. Called at EndBlock of the entry so
// that the moves end up before the block body.
func (m *machine) lowerFunctionArguments() {
	blk := m.currentSSABlk
	abi := m.currentABI
	for i := blk.Params() - 1; i >= 0; i-- {
		p := blk.Param(i)
		dst := m.compiler.VRegOf(p)
		loc := abi.args[i]
		instr := m.allocateInstr()
		if !loc.onStack {
			m.moveTo(instr, dst, loc.reg, p.Type())
		} else {
			// Incoming stack arguments sit above the saved fp/lr pair.
			kind := loadKindOf(p.Type())
			instr.asLoad(kind, dst, addressMode{rn: fpVReg, imm: uint32(16 + loc.offset)})
		}
		m.insert(instr)
		m.flushPendingInstructions()
	}
}

func (m *machine) moveTo(instr *instruction, dst, src regalloc.VReg, typ ssa.Type) {
	switch {
	case typ.IsFloat() || typ.IsVector():
		instr.asFpuMov64(dst, src)
	default:
		instr.asMov64(dst, src)
	}
}

func loadKindOf(t ssa.Type) instructionKind {
	switch {
	case t.IsVector():
		return fpuLoad128
	case t == ssa.TypeF32:
		return fpuLoad32
	case t.IsFloat():
		return fpuLoad64
	case t == ssa.TypeI32:
		return uLoad32
	default:
		return uLoad64
	}
}

func storeKindOf(t ssa.Type) instructionKind {
	switch {
	case t.IsVector():
		return fpuStore128
	case t == ssa.TypeF32:
		return fpuStore32
	case t.IsFloat():
		return fpuStore64
	case t == ssa.TypeI32:
		return store32
	default:
		return store64
	}
}

func (m *machine) insert(i *instruction) {
	m.pendingInstructions = append(m.pendingInstructions, i)
}

func (m *machine) flushPendingInstructions() {
	l := len(m.pendingInstructions)
	if l == 0 {
		return
	}
	for i := l - 1; i >= 0; i-- { // reverse because we lower instructions in reverse order.
		m.insertAtPerBlockHead(m.pendingInstructions[i])
	}
	m.pendingInstructions = m.pendingInstructions[:0]
}

func (m *machine) insertAtPerBlockHead(i *instruction) {
	if m.perBlockHead == nil {
		m.perBlockHead = i
		m.perBlockEnd = i
		return
	}
	i.next = m.perBlockHead
	m.perBlockHead.prev = i
	m.perBlockHead = i
}

// LinkAdjacentBlocks implements backend.Machine.
func (m *machine) LinkAdjacentBlocks(prev, next ssa.BasicBlock) {
	prevPos := m.labelPositions[m.ssaBlockIDToLabels[prev.ID()]]
	nextPos := m.labelPositions[m.ssaBlockIDToLabels[next.ID()]]
	prevPos.end.next = nextPos.begin
	nextPos.begin.prev = prevPos.end
}

func (m *machine) allocateInstr() *instruction {
	instr := m.instrPool.Allocate()
	*instr = instruction{}
	return instr
}

func (m *machine) allocateNop() *instruction {
	instr := m.allocateInstr()
	instr.asNop0()
	return instr
}

func (m *machine) getOrAllocateSSABlockLabel(blk ssa.BasicBlock) label {
	l := m.ssaBlockIDToLabels[blk.ID()]
	if l == invalidLabel {
		l = m.allocateLabel()
		m.ssaBlockIDToLabels[blk.ID()] = l
	}
	return l
}

// String implements fmt.Stringer.
func (l label) String() string {
	return fmt.Sprintf("L%d", l)
}

// ---- register allocation ------------------------------------------------

// RegAlloc implements backend.Machine.
func (m *machine) RegAlloc() {
	m.regAlloc.DoAllocation(&m.regAllocFn)
}

// regAllocFn implements regalloc.Function over the lowered instruction
// stream.
type regAllocFn struct {
	m       *machine
	blkIter int
}

func (f *regAllocFn) BlockIteratorBegin() regalloc.Block {
	f.blkIter = 0
	return f.BlockIteratorNext()
}

func (f *regAllocFn) BlockIteratorNext() regalloc.Block {
	if f.blkIter >= len(f.m.orderedBlockLabels) {
		return nil
	}
	pos := f.m.orderedBlockLabels[f.blkIter]
	f.blkIter++
	return &regAllocBlock{m: f.m, pos: pos}
}

func (f *regAllocFn) StoreRegisterAfter(v regalloc.VReg, instr regalloc.Instr) {
	m := f.m
	s := m.allocateInstr()
	kind := storeKindOf(m.compiler.TypeOf(v))
	s.asStore(kind, v, addressMode{rn: spVReg, imm: uint32(m.spillSlotOffset(v.ID()))})
	m.unresolvedAmodes = append(m.unresolvedAmodes, unresolvedAmode{i: s, area: frameAreaSpill})
	linkAfter(instr.(*instruction), s)
}

func (f *regAllocFn) ReloadRegisterBefore(v regalloc.VReg, instr regalloc.Instr) {
	m := f.m
	l := m.allocateInstr()
	kind := loadKindOf(m.compiler.TypeOf(v))
	l.asLoad(kind, v, addressMode{rn: spVReg, imm: uint32(m.spillSlotOffset(v.ID()))})
	m.unresolvedAmodes = append(m.unresolvedAmodes, unresolvedAmode{i: l, area: frameAreaSpill})
	linkBefore(instr.(*instruction), l)
}

func (f *regAllocFn) ClobberedRegisters(vs []regalloc.VReg) {
	f.m.clobberedRegs = append(f.m.clobberedRegs[:0], vs...)
}

func (f *regAllocFn) Done() {}

func (m *machine) spillSlotOffset(id regalloc.VRegID) int64 {
	offset, ok := m.spillSlots[id]
	if !ok {
		offset = m.spillSlotSize
		m.spillSlots[id] = offset
		// 16 bytes per slot keeps vector spills aligned.
		m.spillSlotSize += 16
	}
	return offset
}

func linkAfter(pos, i *instruction) {
	next := pos.next
	pos.next = i
	i.prev = pos
	i.next = next
	if next != nil {
		next.prev = i
	}
}

func linkBefore(pos, i *instruction) {
	prev := pos.prev
	pos.prev = i
	i.next = pos
	i.prev = prev
	if prev != nil {
		prev.next = i
	}
}

type regAllocBlock struct {
	m        *machine
	pos      *labelPosition
	iterCur  *instruction
	iterDone bool
}

func (b *regAllocBlock) ID() int { return int(b.pos.blk.ID()) }

func (b *regAllocBlock) Preds() []int {
	blk := b.pos.blk
	preds := make([]int, blk.Preds())
	for i := range preds {
		preds[i] = int(blk.Pred(i).ID())
	}
	return preds
}

func (b *regAllocBlock) Entry() bool { return b.pos.blk.EntryBlock() }

func (b *regAllocBlock) InstrIteratorBegin() regalloc.Instr {
	b.iterCur = b.pos.begin
	b.iterDone = false
	return b.instrIterCheck()
}

func (b *regAllocBlock) InstrIteratorNext() regalloc.Instr {
	if b.iterDone {
		return nil
	}
	if b.iterCur == b.pos.end {
		b.iterDone = true
		return nil
	}
	b.iterCur = b.iterCur.next
	return b.instrIterCheck()
}

func (b *regAllocBlock) instrIterCheck() regalloc.Instr {
	if b.iterCur == nil {
		b.iterDone = true
		return nil
	}
	return b.iterCur
}

// ---- frame finalization -------------------------------------------------

const emergencySlotSize = 16

// PostRegAlloc implements backend.Machine: it finalizes the frame layout,
// patches the sp-relative accesses, and inserts the prologue and epilogues.
func (m *machine) PostRegAlloc() {
	outgoing := align16(m.maxRequiredStackSizeForCalls)
	spillBase := outgoing + emergencySlotSize + m.explicitSlotsSize
	explicitBase := outgoing + emergencySlotSize

	for _, u := range m.unresolvedAmodes {
		switch u.area {
		case frameAreaSpill:
			u.i.u1 += uint64(spillBase)
		case frameAreaExplicit:
			u.i.u1 += uint64(explicitBase)
		}
	}
	for _, i := range m.unresolvedStackAddrs {
		imm := int64(i.imm12()) + explicitBase
		if imm >= 1<<12 {
			panic("BUG: stack_addr offset exceeds the immediate range")
		}
		i.u2 = uint64(imm)<<1 | i.u2&1
	}

	frameSize := spillBase + align16(m.spillSlotSize) + int64(len(m.clobberedRegs))*16
	if frameSize > math.MaxUint32 {
		panic("BUG: frame too large")
	}

	m.insertPrologue(frameSize)
	m.insertEpilogues(frameSize)
}

// insertPrologue builds, in order: fp/lr save, frame-pointer establishment,
// the stack-limit check, optional probing, the frame allocation, and the
// callee-saved register saves.
func (m *machine) insertPrologue(frameSize int64) {
	// The chain is built in program order and spliced before rootInstr.
	var head, tail *instruction
	app := func(i *instruction) {
		i.addedAfterLowering = true
		if head == nil {
			head, tail = i, i
			return
		}
		tail.next = i
		i.prev = tail
		tail = i
	}

	stp := m.allocateInstr()
	stp.asStoreP64pre(fpVReg, lrVReg, -16)
	app(stp)

	movFP := m.allocateInstr()
	movFP.asMov64(fpVReg, spVReg)
	app(movFP)

	if !m.stackBoundsCheckDisabled {
		// The limit lives in vmctx, which arrives in x0. tmp = limit +
		// frame size (plus the worst-case outgoing call area, already part
		// of frameSize); trap if sp < tmp.
		ldr := m.allocateInstr()
		ldr.asLoad(uLoad64, tmpRegVReg, addressMode{rn: intVRegOf(x0), imm: uint32(m.stackLimitOffset)})
		app(ldr)
		for _, i := range m.addImmSequence(tmpRegVReg, tmpRegVReg, frameSize) {
			app(i)
		}
		movSP := m.allocateInstr()
		movSP.asMov64(tmp2RegVReg, spVReg)
		app(movSP)
		cmp := m.allocateInstr()
		cmp.asAluRRR(aluOpSubS, xzrVReg, tmp2RegVReg, tmpRegVReg, true)
		app(cmp)
		trap := m.allocateInstr()
		trap.asTrapIf(lo.asCond(), engineapi.TrapCodeStackOverflow)
		app(trap)
	}

	pageSize := int64(m.probe.PageSize())
	if m.probe.Enabled && frameSize > pageSize {
		pages := frameSize / pageSize
		if pages <= int64(m.probe.UnrollLimitPages) {
			// Unrolled: touch each page with sp temporarily moved down.
			for p := int64(1); p <= pages; p++ {
				sub := m.allocateInstr()
				sub.asAluRRImm12(aluOpSub, spVReg, spVReg, uint16(pageSize), true)
				app(sub)
				st := m.allocateInstr()
				st.asStore(store32, xzrVReg, addressMode{rn: spVReg})
				app(st)
			}
			for _, i := range m.addImmSequence(spVReg, spVReg, pages*pageSize) {
				app(i)
			}
		} else {
			// Probe loop: tmp counts the pages.
			for _, i := range m.constSequence(tmpRegVReg, uint64(pages)) {
				app(i)
			}
			sub := m.allocateInstr()
			sub.asAluRRImm12(aluOpSub, spVReg, spVReg, uint16(pageSize), true)
			app(sub)
			st := m.allocateInstr()
			st.asStore(store32, xzrVReg, addressMode{rn: spVReg})
			app(st)
			dec := m.allocateInstr()
			dec.asAluRRImm12(aluOpSubS, tmpRegVReg, tmpRegVReg, 1, true)
			app(dec)
			// Branch back to the `sub sp` instruction.
			l := m.allocateLabel()
			pos := &labelPosition{begin: sub, end: sub}
			m.labelPositions[l] = pos
			bne := m.allocateInstr()
			bne.asCondBr(ne.asCond(), l)
			app(bne)
			// Restore sp.
			restorePages := pages * pageSize
			for _, i := range m.addImmSequence(spVReg, spVReg, restorePages) {
				app(i)
			}
		}
	}

	for _, i := range m.subImmSequence(spVReg, spVReg, frameSize) {
		app(i)
	}

	// Callee-saved registers live at the top of the frame.
	for idx, r := range m.clobberedRegs {
		off := frameSize - int64(idx+1)*16
		st := m.allocateInstr()
		st.asStore(storeKindOf(m.compiler.TypeOf(r)), r, addressMode{rn: spVReg, imm: uint32(off)})
		app(st)
	}

	if head != nil {
		tail.next = m.rootInstr
		if m.rootInstr != nil {
			m.rootInstr.prev = tail
		}
		m.rootInstr = head
	}
}

// insertEpilogues restores the clobbered registers and the frame before
// every return instruction.
func (m *machine) insertEpilogues(frameSize int64) {
	for cur := m.rootInstr; cur != nil; cur = cur.next {
		if cur.kind != ret {
			continue
		}
		for idx, r := range m.clobberedRegs {
			off := frameSize - int64(idx+1)*16
			ld := m.allocateInstr()
			ld.asLoad(loadKindOf(m.compiler.TypeOf(r)), r, addressMode{rn: spVReg, imm: uint32(off)})
			linkBefore(cur, ld)
		}
		for _, i := range m.addImmSequence(spVReg, spVReg, frameSize) {
			linkBefore(cur, i)
		}
		ldp := m.allocateInstr()
		ldp.asLoadP64post(fpVReg, lrVReg, 16)
		linkBefore(cur, ldp)
	}
}

// addImmSequence returns instructions computing rd = rn + imm.
func (m *machine) addImmSequence(rd, rn regalloc.VReg, imm int64) []*instruction {
	return m.immArith(aluOpAdd, rd, rn, imm)
}

// subImmSequence returns instructions computing rd = rn - imm.
func (m *machine) subImmSequence(rd, rn regalloc.VReg, imm int64) []*instruction {
	return m.immArith(aluOpSub, rd, rn, imm)
}

func (m *machine) immArith(op aluOp, rd, rn regalloc.VReg, imm int64) (out []*instruction) {
	if imm == 0 {
		if rd != rn {
			i := m.allocateInstr()
			i.asMov64(rd, rn)
			out = append(out, i)
		}
		return
	}
	if imm > 0 && imm < 1<<12 {
		i := m.allocateInstr()
		i.asAluRRImm12(op, rd, rn, uint16(imm), true)
		out = append(out, i)
		return
	}
	for _, c := range m.constSequence(tmpRegVReg, uint64(imm)) {
		out = append(out, c)
	}
	i := m.allocateInstr()
	i.asAluRRR(op, rd, rn, tmpRegVReg, true)
	out = append(out, i)
	return
}

// constSequence returns movz/movk instructions materializing the constant
// into rd.
func (m *machine) constSequence(rd regalloc.VReg, c uint64) (out []*instruction) {
	if c == 0 {
		i := m.allocateInstr()
		i.asMovZ(rd, 0, 0, true)
		return []*instruction{i}
	}
	first := true
	for shift := 0; shift < 4; shift++ {
		h := uint16(c >> (16 * shift))
		if h == 0 {
			continue
		}
		i := m.allocateInstr()
		if first {
			i.asMovZ(rd, h, byte(shift), true)
			first = false
		} else {
			i.asMovK(rd, h, byte(shift), true)
		}
		out = append(out, i)
	}
	return
}

// ---- encoding -----------------------------------------------------------

func (m *machine) bufLabel(l label) backend.Label {
	if bl, ok := m.bufLabels[l]; ok {
		return bl
	}
	bl := m.curBuf.AllocateLabel()
	m.bufLabels[l] = bl
	return bl
}

func (m *machine) allocateConst(bits uint64, size byte) backend.Label {
	key := poolConstKey{bits: bits, size: size}
	if l, ok := m.constsDedup[key]; ok {
		return l
	}
	l := m.curBuf.AllocateLabel()
	m.consts = append(m.consts, poolConst{bits: bits, size: size, l: l})
	m.constsDedup[key] = l
	return l
}

// allocateSymConst interns a pool entry holding the absolute address of a
// symbol, filled by a relocation.
func (m *machine) allocateSymConst(sym string) backend.Label {
	key := poolConstKey{sym: sym, size: 8}
	if l, ok := m.constsDedup[key]; ok {
		return l
	}
	l := m.curBuf.AllocateLabel()
	m.consts = append(m.consts, poolConst{size: 8, l: l, sym: sym})
	m.constsDedup[key] = l
	return l
}

// Encode implements backend.Machine.
func (m *machine) Encode(buf *backend.CodeBuffer) {
	m.curBuf = buf

	begins := map[*instruction]label{}
	for l, pos := range m.labelPositions {
		begins[pos.begin] = l
	}

	for cur := m.rootInstr; cur != nil; cur = cur.next {
		if l, ok := begins[cur]; ok {
			bl := m.bufLabel(l)
			buf.Bind(bl)
		}
		if cur.kind == emitSrcLoc {
			buf.StartSourceOffset(ssa.SourceOffset(int64(cur.u1)))
			continue
		}
		if cur.addedAfterLowering {
			m.emitPrologueUnwind(cur, buf)
		}
		m.encode(cur, buf)
	}
	buf.EndSourceOffset()

	// Flush the literal pool, 8-byte aligned, at the end of the function.
	if len(m.consts) > 0 {
		for buf.CurrentOffset()%8 != 0 {
			buf.Emit(0)
		}
		for _, pc := range m.consts {
			buf.Bind(pc.l)
			if pc.sym != "" {
				buf.AddRelocation(buf.CurrentOffset(), pc.sym, backend.RelocKindAbs8, 0)
			}
			if pc.size == 4 {
				buf.Emit32(uint32(pc.bits))
			} else {
				buf.Emit64(pc.bits)
			}
		}
	}
	m.curBuf = nil
}

// emitPrologueUnwind records the unwind directives for prologue-inserted
// instructions.
func (m *machine) emitPrologueUnwind(i *instruction, buf *backend.CodeBuffer) {
	switch i.kind {
	case storeP64:
		buf.PushUnwind(backend.UnwindOpPushFrameRegs, 0, 16)
	case mov64:
		if i.rd == fpVReg {
			buf.PushUnwind(backend.UnwindOpDefineNewFrame, byte(fp), 0)
		}
	case aluRRImm12:
		if aluOp(i.u1) == aluOpSub && i.rd == spVReg {
			buf.PushUnwind(backend.UnwindOpStackAlloc, 0, int32(i.imm12()))
		}
	case store64, fpuStore64, fpuStore128, store32:
		if i.rn == spVReg && i.rm.IsRealReg() && regInfo.CalleeSavedRegisters.Has(i.rm.RealReg()) {
			buf.PushUnwind(backend.UnwindOpSaveReg, byte(i.rm.RealReg()), int32(uint32(i.u1)))
		}
	}
}

// Format implements backend.Machine.
func (m *machine) Format() string {
	begins := map[*instruction]label{}
	for l, pos := range m.labelPositions {
		begins[pos.begin] = l
	}

	irBlocks := map[label]ssa.BasicBlockID{}
	for i, l := range m.ssaBlockIDToLabels {
		irBlocks[l] = ssa.BasicBlockID(i)
	}

	var lines []string
	for cur := m.rootInstr; cur != nil; cur = cur.next {
		if l, ok := begins[cur]; ok {
			var labelStr string
			if blkID, ok := irBlocks[l]; ok {
				labelStr = fmt.Sprintf("%s (SSA Block: blk%d):", l, blkID)
			} else {
				labelStr = fmt.Sprintf("%s:", l)
			}
			lines = append(lines, labelStr)
		}
		if cur.kind == nop0 {
			continue
		}
		lines = append(lines, "\t"+cur.String())
	}
	return "\n" + strings.Join(lines, "\n") + "\n"
}
