package regalloc

import (
	"fmt"
	"sort"
)

// Allocator is a linear-scan register allocator over block-ordered machine
// IR. Virtual registers pinned to physical registers by the lowering (fixed
// operands, calling conventions) appear as real-register-backed VRegs and
// act as pre-colored blocking ranges; everything else is assigned here.
//
// An unallocatable scratch register per class is reserved for the spill
// code itself, so spilling during spilling always succeeds; the frame also
// carries an emergency slot reserved by the machine backend for the same
// reason.
type Allocator struct {
	regInfo *RegisterInfo

	// state reused across invocations.
	blocks    []blockState
	intervals map[VRegID]*interval
	ordered   []*interval
	realUse   map[RealReg][]posRange
	calls     []int32
	instrs    []Instr
}

type blockState struct {
	blk        Block
	begin, end int32 // global instruction positions [begin, end)
	liveIn     map[VRegID]struct{}
	liveOut    map[VRegID]struct{}
	uses       map[VRegID]struct{} // upward-exposed uses
	defs       map[VRegID]struct{}
}

type posRange struct{ begin, end int32 }

type interval struct {
	v          VReg
	begin, end int32
	uses       []int32 // positions of reads, for the eviction heuristic
	crossCall  bool
	spilled    bool
	r          RealReg
}

// NewAllocator returns a new Allocator.
func NewAllocator(regInfo *RegisterInfo) Allocator {
	return Allocator{
		regInfo:   regInfo,
		intervals: make(map[VRegID]*interval),
		realUse:   make(map[RealReg][]posRange),
	}
}

// DoAllocation performs register allocation on f.
func (a *Allocator) DoAllocation(f Function) {
	a.reset()
	a.collect(f)
	a.computeLiveness()
	a.buildIntervals()
	a.scan()
	a.rewrite(f)
}

func (a *Allocator) reset() {
	a.blocks = a.blocks[:0]
	a.ordered = a.ordered[:0]
	a.calls = a.calls[:0]
	a.instrs = a.instrs[:0]
	for k := range a.intervals {
		delete(a.intervals, k)
	}
	for k := range a.realUse {
		delete(a.realUse, k)
	}
}

// collect linearizes the instruction stream and gathers per-block use/def
// sets plus the pre-colored ranges of real registers.
func (a *Allocator) collect(f Function) {
	pos := int32(0)
	for blk := f.BlockIteratorBegin(); blk != nil; blk = f.BlockIteratorNext() {
		bs := blockState{
			blk:     blk,
			begin:   pos,
			liveIn:  map[VRegID]struct{}{},
			liveOut: map[VRegID]struct{}{},
			uses:    map[VRegID]struct{}{},
			defs:    map[VRegID]struct{}{},
		}
		for instr := blk.InstrIteratorBegin(); instr != nil; instr = blk.InstrIteratorNext() {
			a.instrs = append(a.instrs, instr)
			if instr.IsCall() || instr.IsIndirectCall() {
				a.calls = append(a.calls, pos)
			}
			for _, u := range instr.Uses() {
				if !u.Valid() {
					continue
				}
				if u.IsRealReg() {
					a.extendRealUse(u.RealReg(), pos)
					continue
				}
				if _, defined := bs.defs[u.ID()]; !defined {
					bs.uses[u.ID()] = struct{}{}
				}
				a.recordUse(u, pos)
			}
			for _, d := range instr.Defs() {
				if !d.Valid() {
					continue
				}
				if d.IsRealReg() {
					a.openRealDef(d.RealReg(), pos)
					continue
				}
				bs.defs[d.ID()] = struct{}{}
				a.recordDef(d, pos)
			}
			pos++
		}
		bs.end = pos
		a.blocks = append(a.blocks, bs)
	}
}

func (a *Allocator) recordUse(v VReg, pos int32) {
	iv := a.intervalOf(v, pos)
	if pos > iv.end {
		iv.end = pos
	}
	iv.uses = append(iv.uses, pos)
}

func (a *Allocator) recordDef(v VReg, pos int32) {
	iv := a.intervalOf(v, pos)
	if pos > iv.end {
		iv.end = pos
	}
}

func (a *Allocator) intervalOf(v VReg, pos int32) *interval {
	iv, ok := a.intervals[v.ID()]
	if !ok {
		iv = &interval{v: v, begin: pos, end: pos, r: RealRegInvalid}
		a.intervals[v.ID()] = iv
	}
	return iv
}

// openRealDef and extendRealUse track the occupancy ranges of pre-colored
// registers: a def opens a range and subsequent uses extend it.
func (a *Allocator) openRealDef(r RealReg, pos int32) {
	a.realUse[r] = append(a.realUse[r], posRange{begin: pos, end: pos})
}

func (a *Allocator) extendRealUse(r RealReg, pos int32) {
	rs := a.realUse[r]
	if len(rs) == 0 {
		// Used without a visible def (e.g. an argument register in the
		// entry): occupied from function start.
		a.realUse[r] = append(rs, posRange{begin: 0, end: pos})
		return
	}
	if rs[len(rs)-1].end < pos {
		rs[len(rs)-1].end = pos
	}
}

// computeLiveness runs the standard backward dataflow over the block
// use/def summaries.
func (a *Allocator) computeLiveness() {
	// Successor lists are derived from the predecessor lists.
	succs := make(map[int][]int)
	idToIndex := make(map[int]int, len(a.blocks))
	for i := range a.blocks {
		idToIndex[a.blocks[i].blk.ID()] = i
	}
	for i := range a.blocks {
		for _, p := range a.blocks[i].blk.Preds() {
			succs[p] = append(succs[p], i)
		}
	}

	for changed := true; changed; {
		changed = false
		for i := len(a.blocks) - 1; i >= 0; i-- {
			bs := &a.blocks[i]
			// liveOut = union of liveIn of successors.
			for _, si := range succs[bs.blk.ID()] {
				for v := range a.blocks[si].liveIn {
					if _, ok := bs.liveOut[v]; !ok {
						bs.liveOut[v] = struct{}{}
						changed = true
					}
				}
			}
			// liveIn = uses ∪ (liveOut - defs).
			for v := range bs.uses {
				if _, ok := bs.liveIn[v]; !ok {
					bs.liveIn[v] = struct{}{}
					changed = true
				}
			}
			for v := range bs.liveOut {
				if _, isDef := bs.defs[v]; isDef {
					continue
				}
				if _, ok := bs.liveIn[v]; !ok {
					bs.liveIn[v] = struct{}{}
					changed = true
				}
			}
		}
	}
}

// buildIntervals extends each interval over the blocks where the vreg is
// live across the boundary, then orders them by start position.
func (a *Allocator) buildIntervals() {
	for i := range a.blocks {
		bs := &a.blocks[i]
		for v := range bs.liveIn {
			iv := a.intervals[v]
			if iv == nil {
				panic(fmt.Sprintf("BUG: live-in vreg v%d has no occurrence", v))
			}
			if bs.begin < iv.begin {
				iv.begin = bs.begin
			}
			if bs.begin > iv.end {
				iv.end = bs.end - 1
			}
		}
		for v := range bs.liveOut {
			iv := a.intervals[v]
			if iv == nil {
				panic(fmt.Sprintf("BUG: live-out vreg v%d has no occurrence", v))
			}
			if bs.end-1 > iv.end {
				iv.end = bs.end - 1
			}
		}
	}

	for _, iv := range a.intervals {
		sort.Slice(iv.uses, func(i, j int) bool { return iv.uses[i] < iv.uses[j] })
		for _, c := range a.calls {
			if c >= iv.begin && c < iv.end {
				iv.crossCall = true
				break
			}
		}
		a.ordered = append(a.ordered, iv)
	}
	sort.Slice(a.ordered, func(i, j int) bool {
		if a.ordered[i].begin != a.ordered[j].begin {
			return a.ordered[i].begin < a.ordered[j].begin
		}
		return a.ordered[i].v.ID() < a.ordered[j].v.ID()
	})
}

// nextUseAfter returns the next read position at or after pos, or a large
// sentinel when none remains.
func (iv *interval) nextUseAfter(pos int32) int32 {
	for _, u := range iv.uses {
		if u >= pos {
			return u
		}
	}
	return 1 << 30
}

// realFreeFor reports whether the pre-colored occupancy of r is disjoint
// from [begin, end].
func (a *Allocator) realFreeFor(r RealReg, begin, end int32) bool {
	for _, pr := range a.realUse[r] {
		if pr.begin <= end && begin <= pr.end {
			return false
		}
	}
	return true
}

// scan is the linear scan proper.
func (a *Allocator) scan() {
	var active []*interval

	expire := func(pos int32) {
		n := 0
		for _, iv := range active {
			if iv.end >= pos {
				active[n] = iv
				n++
			}
		}
		active = active[:n]
	}

	for _, iv := range a.ordered {
		expire(iv.begin)
		t := iv.v.RegType()

		if r := a.pickRegister(iv, active, t); r != RealRegInvalid {
			iv.r = r
			active = append(active, iv)
			continue
		}

		// No register free: evict the active interval of the same class
		// whose next use is furthest, breaking ties toward the
		// higher-numbered register for determinism.
		var victim *interval
		for _, cand := range active {
			if cand.v.RegType() != t {
				continue
			}
			if iv.crossCall && a.regInfo.CallerSavedRegisters.Has(cand.r) {
				// Taking this register over would place a call-crossing
				// value in a caller-saved register.
				continue
			}
			if victim == nil {
				victim = cand
				continue
			}
			vn, cn := victim.nextUseAfter(iv.begin), cand.nextUseAfter(iv.begin)
			if cn > vn || (cn == vn && cand.r > victim.r) {
				victim = cand
			}
		}
		if victim != nil && victim.nextUseAfter(iv.begin) > iv.nextUseAfter(iv.begin) &&
			a.realFreeFor(victim.r, iv.begin, iv.end) {
			victim.spilled = true
			iv.r = victim.r
			victim.r = RealRegInvalid
			n := 0
			for _, x := range active {
				if x != victim {
					active[n] = x
					n++
				}
			}
			active = active[:n]
			active = append(active, iv)
		} else {
			iv.spilled = true
		}
	}
}

// pickRegister returns a register that is free over the whole interval, or
// RealRegInvalid. Call-crossing intervals only accept callee-saved
// registers; short-lived ones prefer caller-saved to keep the prologue
// small.
func (a *Allocator) pickRegister(iv *interval, active []*interval, t RegType) RealReg {
	inUse := NewRegSet()
	for _, x := range active {
		if x.r != RealRegInvalid {
			inUse = inUse.Add(x.r)
		}
	}
	var fallback RealReg = RealRegInvalid
	for _, r := range a.regInfo.AllocatableRegisters[t] {
		if inUse.Has(r) || !a.realFreeFor(r, iv.begin, iv.end) {
			continue
		}
		calleeSaved := a.regInfo.CalleeSavedRegisters.Has(r)
		if iv.crossCall {
			if calleeSaved {
				return r
			}
			continue
		}
		if !calleeSaved {
			return r
		}
		if fallback == RealRegInvalid {
			fallback = r
		}
	}
	return fallback
}

// rewrite walks the instruction stream assigning real registers and
// inserting spill code through the Function callbacks.
func (a *Allocator) rewrite(f Function) {
	pos := int32(0)
	clobberedSet := NewRegSet()
	var clobbered []VReg

	for blk := f.BlockIteratorBegin(); blk != nil; blk = f.BlockIteratorNext() {
		for instr := blk.InstrIteratorBegin(); instr != nil; instr = blk.InstrIteratorNext() {
			scratchIdx := [NumRegType]int{}
			for i, u := range instr.Uses() {
				if !u.Valid() || u.IsRealReg() {
					continue
				}
				iv := a.intervals[u.ID()]
				if iv.spilled {
					t := u.RegType()
					scratch := a.takeScratch(t, &scratchIdx)
					assigned := u.SetRealReg(scratch)
					f.ReloadRegisterBefore(assigned, instr)
					instr.AssignUse(i, assigned)
				} else {
					instr.AssignUse(i, u.SetRealReg(iv.r))
				}
			}
			for _, d := range instr.Defs() {
				if !d.Valid() || d.IsRealReg() {
					continue
				}
				iv := a.intervals[d.ID()]
				if iv.spilled {
					t := d.RegType()
					scratch := a.takeScratch(t, &[NumRegType]int{})
					assigned := d.SetRealReg(scratch)
					instr.AssignDef(assigned)
					f.StoreRegisterAfter(assigned, instr)
				} else {
					instr.AssignDef(d.SetRealReg(iv.r))
					if a.regInfo.CalleeSavedRegisters.Has(iv.r) && !clobberedSet.Has(iv.r) {
						clobberedSet = clobberedSet.Add(iv.r)
						clobbered = append(clobbered, d.SetRealReg(iv.r))
					}
				}
			}
			pos++
		}
	}

	sort.Slice(clobbered, func(i, j int) bool {
		return clobbered[i].RealReg() < clobbered[j].RealReg()
	})
	f.ClobberedRegisters(clobbered)
	f.Done()
}

func (a *Allocator) takeScratch(t RegType, idx *[NumRegType]int) RealReg {
	scratches := a.regInfo.SpillScratchRegisters[t]
	if idx[t] >= len(scratches) {
		panic("BUG: out of spill scratch registers")
	}
	r := scratches[idx[t]]
	idx[t]++
	return r
}
