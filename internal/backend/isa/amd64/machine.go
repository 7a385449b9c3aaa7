package amd64

import (
	"fmt"
	"strings"

	"github.com/bytecodealliance/wasmtime-sub017/internal/backend"
	"github.com/bytecodealliance/wasmtime-sub017/internal/backend/regalloc"
	"github.com/bytecodealliance/wasmtime-sub017/internal/engineapi"
	"github.com/bytecodealliance/wasmtime-sub017/internal/entity"
	"github.com/bytecodealliance/wasmtime-sub017/internal/ssa"
)

type (
	// machine implements backend.Machine for x86-64.
	machine struct {
		compiler      backend.Compiler
		instrPool     entity.Pool[instruction]
		currentSSABlk ssa.BasicBlock

		rootInstr                 *instruction
		perBlockHead, perBlockEnd *instruction
		pendingInstructions       []*instruction

		nextLabel          label
		ssaBlockIDToLabels []label
		labelPositions     map[label]*labelPosition
		orderedBlockLabels []*labelPosition

		stackLimitOffset         int32
		stackBoundsCheckDisabled bool
		probe                    backend.StackProbeStrategy

		abis       map[ssa.SignatureID]*abiImpl
		currentABI *abiImpl

		callTargets []callTarget
		symbols     []string

		spillSlots           map[regalloc.VRegID]int64
		spillSlotSize        int64
		clobberedRegs        []regalloc.VReg
		unresolvedAmodes     []unresolvedAmode
		explicitSlotOffsets  map[ssa.StackSlot]int64
		explicitSlotsSize    int64
		maxRequiredStackSize int64

		regAlloc   regalloc.Allocator
		regAllocFn regAllocFn

		consts      []poolConst
		constsDedup map[poolConstKey]backend.Label
		bufLabels   map[label]backend.Label
		curBuf      *backend.CodeBuffer
	}

	labelPosition struct {
		blk        ssa.BasicBlock
		begin, end *instruction
	}

	callTarget struct{ name string }

	unresolvedAmode struct {
		i    *instruction
		area frameArea
	}

	frameArea byte

	poolConst struct {
		bits uint64
		size byte
		l    backend.Label
		sym  string
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

// NewBackend returns a new backend for amd64.
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
	m.rootInstr, m.perBlockHead, m.perBlockEnd = nil, nil, nil
	for k := range m.spillSlots {
		delete(m.spillSlots, k)
	}
	m.spillSlotSize = 0
	m.clobberedRegs = m.clobberedRegs[:0]
	m.unresolvedAmodes = m.unresolvedAmodes[:0]
	for k := range m.explicitSlotOffsets {
		delete(m.explicitSlotOffsets, k)
	}
	m.explicitSlotsSize = 0
	m.maxRequiredStackSize = 0
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
			instr.asLoad(loadKindOf(p.Type()), dst, amode{base: rbpVReg, disp: int32(16 + loc.offset)})
		}
		m.insert(instr)
		m.flushPendingInstructions()
	}
}

func (m *machine) moveTo(instr *instruction, dst, src regalloc.VReg, typ ssa.Type) {
	if typ.IsFloat() || typ.IsVector() {
		instr.asXmmMovRR(dst, src)
	} else {
		instr.asMovRR(dst, src, true)
	}
}

func loadKindOf(t ssa.Type) loadKind {
	switch {
	case t.IsVector():
		return loadKindV128
	case t == ssa.TypeF32:
		return loadKindF32
	case t.IsFloat():
		return loadKindF64
	case t == ssa.TypeI32:
		return loadKind32U
	default:
		return loadKind64
	}
}

func storeSizeOf(t ssa.Type) byte {
	if t.IsVector() {
		return 16
	}
	return t.Size()
}

func (m *machine) insert(i *instruction) {
	m.pendingInstructions = append(m.pendingInstructions, i)
}

func (m *machine) flushPendingInstructions() {
	l := len(m.pendingInstructions)
	if l == 0 {
		return
	}
	for i := l - 1; i >= 0; i-- {
		m.insertAtPerBlockHead(m.pendingInstructions[i])
	}
	m.pendingInstructions = m.pendingInstructions[:0]
}

func (m *machine) insertAtPerBlockHead(i *instruction) {
	if m.perBlockHead == nil {
		m.perBlockHead, m.perBlockEnd = i, i
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
	i := m.allocateInstr()
	i.asNop0()
	return i
}

func (m *machine) getOrAllocateSSABlockLabel(blk ssa.BasicBlock) label {
	l := m.ssaBlockIDToLabels[blk.ID()]
	if l == invalidLabel {
		l = m.allocateLabel()
		m.ssaBlockIDToLabels[blk.ID()] = l
	}
	return l
}

// ---- register allocation ------------------------------------------------

// RegAlloc implements backend.Machine.
func (m *machine) RegAlloc() {
	m.regAlloc.DoAllocation(&m.regAllocFn)
}

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
	s.asStore(storeSizeOf(m.compiler.TypeOf(v)), v, amode{base: rspVReg, disp: int32(m.spillSlotOffset(v.ID()))})
	m.unresolvedAmodes = append(m.unresolvedAmodes, unresolvedAmode{i: s, area: frameAreaSpill})
	linkAfter(instr.(*instruction), s)
}

func (f *regAllocFn) ReloadRegisterBefore(v regalloc.VReg, instr regalloc.Instr) {
	m := f.m
	l := m.allocateInstr()
	l.asLoad(loadKindOf(m.compiler.TypeOf(v)), v, amode{base: rspVReg, disp: int32(m.spillSlotOffset(v.ID()))})
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
	if b.iterCur == nil {
		b.iterDone = true
		return nil
	}
	return b.iterCur
}

func (b *regAllocBlock) InstrIteratorNext() regalloc.Instr {
	if b.iterDone || b.iterCur == b.pos.end {
		b.iterDone = true
		return nil
	}
	b.iterCur = b.iterCur.next
	if b.iterCur == nil {
		b.iterDone = true
		return nil
	}
	return b.iterCur
}

// ---- frame finalization -------------------------------------------------

const emergencySlotSize = 16

// PostRegAlloc implements backend.Machine.
func (m *machine) PostRegAlloc() {
	outgoing := align16(m.maxRequiredStackSize)
	explicitBase := outgoing + emergencySlotSize
	spillBase := explicitBase + m.explicitSlotsSize

	for _, u := range m.unresolvedAmodes {
		switch u.area {
		case frameAreaSpill:
			u.i.u2 = uint64(uint32(int32(uint32(u.i.u2)) + int32(spillBase)))
		case frameAreaExplicit:
			u.i.u2 = uint64(uint32(int32(uint32(u.i.u2)) + int32(explicitBase)))
		}
	}

	frameSize := spillBase + align16(m.spillSlotSize) + int64(len(m.clobberedRegs))*16

	m.insertPrologue(frameSize)
	m.insertEpilogues(frameSize)
}

func (m *machine) insertPrologue(frameSize int64) {
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

	push := m.allocateInstr()
	push.asPush64(rbpVReg)
	app(push)
	movBP := m.allocateInstr()
	movBP.asMovRR(rbpVReg, rspVReg, true)
	app(movBP)

	if !m.stackBoundsCheckDisabled {
		// The vmctx arrives in rdi: limit = [rdi+off] + frameSize; trap if
		// rsp < limit.
		ld := m.allocateInstr()
		ld.asLoad(loadKind64, tmpRegVReg, amode{base: rdiVReg, disp: m.stackLimitOffset})
		app(ld)
		add := m.allocateInstr()
		add.asAluRI(aluOpAdd, tmpRegVReg, uint32(frameSize), true)
		app(add)
		cmp := m.allocateInstr()
		cmp.asCmpRR(rspVReg, tmpRegVReg, true)
		app(cmp)
		tr := m.allocateInstr()
		tr.asTrapIf(ccB, engineapi.TrapCodeStackOverflow)
		app(tr)
	}

	pageSize := int64(m.probe.PageSize())
	if m.probe.Enabled && frameSize > pageSize {
		pages := frameSize / pageSize
		if pages <= int64(m.probe.UnrollLimitPages) {
			for p := int64(1); p <= pages; p++ {
				sub := m.allocateInstr()
				sub.asAluRI(aluOpSub, rspVReg, uint32(pageSize), true)
				app(sub)
				st := m.allocateInstr()
				st.asStoreZeroAtSP()
				app(st)
			}
			back := m.allocateInstr()
			back.asAluRI(aluOpAdd, rspVReg, uint32(pages*pageSize), true)
			app(back)
		} else {
			cnt := m.allocateInstr()
			cnt.asMovRI(tmpRegVReg, uint64(pages), true)
			app(cnt)
			sub := m.allocateInstr()
			sub.asAluRI(aluOpSub, rspVReg, uint32(pageSize), true)
			app(sub)
			st := m.allocateInstr()
			st.asStoreZeroAtSP()
			app(st)
			dec := m.allocateInstr()
			dec.asAluRI(aluOpSub, tmpRegVReg, 1, true)
			app(dec)
			l := m.allocateLabel()
			m.labelPositions[l] = &labelPosition{begin: sub, end: sub}
			bne := m.allocateInstr()
			bne.asJcc(ccNe, l)
			app(bne)
			back := m.allocateInstr()
			back.asAluRI(aluOpAdd, rspVReg, uint32(pages*pageSize), true)
			app(back)
		}
	}

	if frameSize > 0 {
		sub := m.allocateInstr()
		sub.asAluRI(aluOpSub, rspVReg, uint32(frameSize), true)
		app(sub)
	}

	for idx, r := range m.clobberedRegs {
		off := frameSize - int64(idx+1)*16
		st := m.allocateInstr()
		st.asStore(storeSizeOf(m.compiler.TypeOf(r)), r, amode{base: rspVReg, disp: int32(off)})
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

func (m *machine) insertEpilogues(frameSize int64) {
	for cur := m.rootInstr; cur != nil; cur = cur.next {
		if cur.kind != ret {
			continue
		}
		for idx, r := range m.clobberedRegs {
			off := frameSize - int64(idx+1)*16
			ld := m.allocateInstr()
			ld.asLoad(loadKindOf(m.compiler.TypeOf(r)), r, amode{base: rspVReg, disp: int32(off)})
			linkBefore(cur, ld)
		}
		if frameSize > 0 {
			add := m.allocateInstr()
			add.asAluRI(aluOpAdd, rspVReg, uint32(frameSize), true)
			linkBefore(cur, add)
		}
		pop := m.allocateInstr()
		pop.asPop64(rbpVReg)
		linkBefore(cur, pop)
	}
}

func align16(v int64) int64 { return (v + 15) &^ 15 }

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

// Encode implements backend.Machine.
func (m *machine) Encode(buf *backend.CodeBuffer) {
	m.curBuf = buf

	begins := map[*instruction]label{}
	for l, pos := range m.labelPositions {
		begins[pos.begin] = l
	}

	for cur := m.rootInstr; cur != nil; cur = cur.next {
		if l, ok := begins[cur]; ok {
			buf.Bind(m.bufLabel(l))
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

	if len(m.consts) > 0 {
		for buf.CurrentOffset()%8 != 0 {
			buf.Emit(0xCC)
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

func (m *machine) emitPrologueUnwind(i *instruction, buf *backend.CodeBuffer) {
	switch i.kind {
	case push64:
		buf.PushUnwind(backend.UnwindOpPushFrameRegs, byte(rbp), 8)
	case movRR:
		if i.rd == rbpVReg {
			buf.PushUnwind(backend.UnwindOpDefineNewFrame, byte(rbp), 0)
		}
	case aluRI:
		if aluOp(byte(i.u1)) == aluOpSub && i.rd == rspVReg {
			buf.PushUnwind(backend.UnwindOpStackAlloc, 0, int32(uint32(i.u1>>32)))
		}
	case store:
		if i.rd == rspVReg && i.rn.IsRealReg() && regInfo.CalleeSavedRegisters.Has(i.rn.RealReg()) {
			buf.PushUnwind(backend.UnwindOpSaveReg, byte(i.rn.RealReg()), int32(uint32(i.u2)))
		}
	}
}

// Format implements backend.Machine.
func (m *machine) Format() string {
	begins := map[*instruction]label{}
	for l, pos := range m.labelPositions {
		begins[pos.begin] = l
	}
	var lines []string
	for cur := m.rootInstr; cur != nil; cur = cur.next {
		if l, ok := begins[cur]; ok {
			lines = append(lines, fmt.Sprintf("%s:", l))
		}
		if cur.kind == nop0 {
			continue
		}
		lines = append(lines, "\t"+cur.String())
	}
	return "\n" + strings.Join(lines, "\n") + "\n"
}

var _ backend.Machine = (*machine)(nil)
