package frontend

import (
	"fmt"
	"math"

	"github.com/go-interpreter/wagon/disasm"
	"github.com/go-interpreter/wagon/wasm"
	"github.com/go-interpreter/wagon/wasm/operators"

	"github.com/bytecodealliance/wasmtime-sub017/internal/engineapi"
	"github.com/bytecodealliance/wasmtime-sub017/internal/ssa"
)

type (
	loweringState struct {
		values           []ssa.Value
		controlFrames    []controlFrame
		unreachable      bool
		unreachableDepth int
		pc               int
	}

	controlFrame struct {
		kind controlFrameKind
		// originalStackLen holds the number of values on the stack when
		// this control frame started.
		originalStackLen int
		// blk is the loop header if this is a loop, and the else-block if
		// this is an if frame.
		blk ssa.BasicBlock
		// followingBlock is the basic block we enter when we reach the
		// "end" of this frame.
		followingBlock ssa.BasicBlock
		// resultTypes are the value types the frame leaves on the stack.
		resultTypes []ssa.Type
		// seenElse is true once the else of an if frame was entered.
		seenElse bool
	}

	controlFrameKind byte
)

const (
	controlFrameKindFunction controlFrameKind = iota + 1
	controlFrameKindLoop
	controlFrameKindIf
	controlFrameKindBlock
)

func (l *loweringState) reset() {
	l.values = l.values[:0]
	l.controlFrames = l.controlFrames[:0]
	l.pc = 0
	l.unreachable = false
	l.unreachableDepth = 0
}

func (l *loweringState) pop() (ret ssa.Value) {
	tail := len(l.values) - 1
	ret = l.values[tail]
	l.values = l.values[:tail]
	return
}

func (l *loweringState) push(v ssa.Value) {
	l.values = append(l.values, v)
}

func (l *loweringState) nPeekDup(n int) []ssa.Value {
	if n == 0 {
		return nil
	}
	tail := len(l.values)
	view := l.values[tail-n : tail]
	return append([]ssa.Value{}, view...)
}

func (l *loweringState) ctrlPush(f controlFrame) {
	l.controlFrames = append(l.controlFrames, f)
}

func (l *loweringState) ctrlPop() (ret controlFrame) {
	tail := len(l.controlFrames) - 1
	ret = l.controlFrames[tail]
	l.controlFrames = l.controlFrames[:tail]
	return
}

func (l *loweringState) ctrlPeekAt(n int) *controlFrame {
	tail := len(l.controlFrames) - 1
	return &l.controlFrames[tail-n]
}

// insert inserts a fully initialized instruction and returns its first
// result.
func (c *Compiler) insert(instr *ssa.Instruction) ssa.Value {
	c.builder.InsertInstruction(instr)
	return instr.Return()
}

func (c *Compiler) iconst(t ssa.Type, bits uint64) ssa.Value {
	i := c.builder.AllocateInstruction()
	i.AsIconst(t, bits)
	return c.insert(i)
}

// binOp pops two operands and pushes op(x, y).
func (c *Compiler) binOp(build func(i *ssa.Instruction, x, y ssa.Value)) {
	st := &c.state
	y := st.pop()
	x := st.pop()
	i := c.builder.AllocateInstruction()
	build(i, x, y)
	st.push(c.insert(i))
}

// unOp pops one operand and pushes op(x).
func (c *Compiler) unOp(build func(i *ssa.Instruction, x ssa.Value)) {
	st := &c.state
	x := st.pop()
	i := c.builder.AllocateInstruction()
	build(i, x)
	st.push(c.insert(i))
}

func (c *Compiler) icmpOp(cond ssa.IntegerCmpCond) {
	c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsIcmp(x, y, cond) })
}

func (c *Compiler) fcmpOp(cond ssa.FloatCmpCond) {
	c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsFcmp(x, y, cond) })
}

// loadVMField loads a word-sized field out of the vmctx.
func (c *Compiler) loadVMField(off int32, t ssa.Type) ssa.Value {
	i := c.builder.AllocateInstruction()
	i.AsLoad(c.vmctx, uint32(off), ssa.MemFlagKnownInBounds, t)
	return c.insert(i)
}

// emitEpochCheck compares the epoch-deadline cell and calls the host yield
// routine when it is armed.
func (c *Compiler) emitEpochCheck() {
	b := c.builder
	deadline := c.loadVMField(c.offsets.EpochDeadlineOffset, ssa.TypeI64)

	yieldBlk, cont := b.AllocateBasicBlock(), b.AllocateBasicBlock()
	brnz := b.AllocateInstruction()
	brnz.AsBrnz(deadline, nil, yieldBlk)
	b.InsertInstruction(brnz)
	jmp := b.AllocateInstruction()
	jmp.AsJump(nil, cont)
	b.InsertInstruction(jmp)
	b.Seal(yieldBlk)

	b.SetCurrentBlock(yieldBlk)
	fnptr := c.loadVMField(c.offsets.EpochYieldFnOffset, ssa.TypeI64)
	call := b.AllocateInstruction()
	call.AsCallIndirect(fnptr, c.yieldSig, []ssa.Value{c.vmctx})
	b.InsertInstruction(call)
	j2 := b.AllocateInstruction()
	j2.AsJump(nil, cont)
	b.InsertInstruction(j2)
	b.Seal(cont)

	b.SetCurrentBlock(cont)
}

// memAccess pops the index and returns the native address plus the memory
// flags of the access, inserting the bounds check demanded by the policy.
func (c *Compiler) memAccess(offset uint32, accessSize uint32) (addr ssa.Value, flags ssa.MemFlags) {
	b := c.builder
	st := &c.state
	idx32 := st.pop()

	ext := b.AllocateInstruction()
	ext.AsUextend(idx32, ssa.TypeI64)
	idx := c.insert(ext)

	end := uint64(offset) + uint64(accessSize)
	pol := c.cfg.Bounds
	switch {
	case pol.StaticMemoryMaximumSize > 0 && end <= pol.StaticMemoryMaximumSize+pol.DynamicMemoryGuardSize:
		// Single-reservation heap: one compare against the static bound
		// covers every access whose static offset stays within the guard.
		bound := c.iconst(ssa.TypeI64, pol.StaticMemoryMaximumSize)
		cmp := b.AllocateInstruction()
		cmp.AsIcmp(idx, bound, ssa.IntegerCmpCondUnsignedGreaterThan)
		cond := c.insert(cmp)
		tr := b.AllocateInstruction()
		tr.AsTrapnz(cond, engineapi.TrapCodeHeapOutOfBounds)
		b.InsertInstruction(tr)
		flags = ssa.MemFlagKnownInBounds
	case end <= pol.DynamicMemoryGuardSize:
		// The static offset lies wholly within the guard region: the
		// access itself is the trap site, no explicit check.
	default:
		memLen := c.loadVMField(c.offsets.MemoryLenOffset(0), ssa.TypeI64)
		endC := c.iconst(ssa.TypeI64, end)
		sum := b.AllocateInstruction()
		sum.AsIadd(idx, endC)
		endAddr := c.insert(sum)
		cmp := b.AllocateInstruction()
		cmp.AsIcmp(endAddr, memLen, ssa.IntegerCmpCondUnsignedGreaterThan)
		cond := c.insert(cmp)
		tr := b.AllocateInstruction()
		tr.AsTrapnz(cond, engineapi.TrapCodeHeapOutOfBounds)
		b.InsertInstruction(tr)
		flags = ssa.MemFlagKnownInBounds
	}

	base := c.loadVMField(c.offsets.MemoryBaseOffset(0), ssa.TypeI64)
	add := b.AllocateInstruction()
	add.AsIadd(base, idx)
	return c.insert(add), flags
}

func (c *Compiler) lowerLoadOp(imms []interface{}, accessSize uint32, build func(i *ssa.Instruction, ptr ssa.Value, off uint32, fl ssa.MemFlags)) {
	if c.state.unreachable {
		return
	}
	offset := imms[1].(uint32)
	addr, fl := c.memAccess(offset, accessSize)
	i := c.builder.AllocateInstruction()
	build(i, addr, offset, fl)
	c.state.push(c.insert(i))
}

func (c *Compiler) lowerStoreOp(imms []interface{}, accessSize uint32, build func(i *ssa.Instruction, x, ptr ssa.Value, off uint32, fl ssa.MemFlags)) {
	if c.state.unreachable {
		return
	}
	offset := imms[1].(uint32)
	x := c.state.pop()
	addr, fl := c.memAccess(offset, accessSize)
	i := c.builder.AllocateInstruction()
	build(i, x, addr, offset, fl)
	c.builder.InsertInstruction(i)
}

// branchTo emits the unconditional transfer to the frame at relative depth,
// passing the values the target expects.
func (c *Compiler) branchTo(depth int) {
	b := c.builder
	st := &c.state
	frame := st.ctrlPeekAt(depth)

	var argc int
	var target ssa.BasicBlock
	if frame.kind == controlFrameKindLoop {
		argc, target = 0, frame.blk
	} else if frame.kind == controlFrameKindFunction {
		ret := b.AllocateInstruction()
		ret.AsReturn(st.nPeekDup(len(frame.resultTypes)))
		b.InsertInstruction(ret)
		return
	} else {
		argc, target = len(frame.resultTypes), frame.followingBlock
	}
	jmp := b.AllocateInstruction()
	jmp.AsJump(st.nPeekDup(argc), target)
	b.InsertInstruction(jmp)
}

// condBranchTo emits the br_if transfer through an argument-free trampoline
// so that conditional branches never carry arguments (the backends rely on
// this critical-edge discipline).
func (c *Compiler) condBranchTo(depth int, cond ssa.Value) {
	b := c.builder
	frame := c.state.ctrlPeekAt(depth)

	needsArgs := frame.kind != controlFrameKindLoop && frame.kind != controlFrameKindFunction &&
		len(frame.resultTypes) > 0
	if !needsArgs && frame.kind != controlFrameKindFunction {
		target := frame.followingBlock
		if frame.kind == controlFrameKindLoop {
			target = frame.blk
		}
		brnz := b.AllocateInstruction()
		brnz.AsBrnz(cond, nil, target)
		b.InsertInstruction(brnz)
		return
	}

	tramp := b.AllocateBasicBlock()
	brnz := b.AllocateInstruction()
	brnz.AsBrnz(cond, nil, tramp)
	b.InsertInstruction(brnz)

	// The trampoline body runs on the taken path only.
	cur := b.CurrentBlock()
	b.Seal(tramp)
	b.SetCurrentBlock(tramp)
	c.branchTo(depth)
	b.SetCurrentBlock(cur)
}

func blockResultTypes(imm interface{}) []ssa.Type {
	var bt wasm.BlockType
	switch v := imm.(type) {
	case wasm.BlockType:
		bt = v
	case wasm.ValueType:
		bt = wasm.BlockType(v)
	default:
		panic(fmt.Sprintf("BUG: unexpected block type immediate %T", imm))
	}
	if bt == wasm.BlockTypeEmpty {
		return nil
	}
	return []ssa.Type{typeToSSA(wasm.ValueType(bt))}
}

// lowerOpcode lowers one decoded wasm instruction.
func (c *Compiler) lowerOpcode(instr *disasm.Instr) error {
	b := c.builder
	st := &c.state
	op := instr.Op.Code
	imms := instr.Immediates

	switch op {
	case operators.Nop:

	case operators.Block:
		results := blockResultTypes(imms[0])
		if st.unreachable {
			st.unreachableDepth++
			return nil
		}
		followingBlk := b.AllocateBasicBlock()
		for _, t := range results {
			followingBlk.AddParam(b, t)
		}
		st.ctrlPush(controlFrame{
			kind:             controlFrameKindBlock,
			originalStackLen: len(st.values),
			followingBlock:   followingBlk,
			resultTypes:      results,
		})

	case operators.Loop:
		results := blockResultTypes(imms[0])
		if st.unreachable {
			st.unreachableDepth++
			return nil
		}
		loopHeader, afterLoop := b.AllocateBasicBlock(), b.AllocateBasicBlock()
		for _, t := range results {
			afterLoop.AddParam(b, t)
		}
		jmp := b.AllocateInstruction()
		jmp.AsJump(nil, loopHeader)
		b.InsertInstruction(jmp)
		b.SetCurrentBlock(loopHeader)
		if c.cfg.EpochInterruption {
			c.emitEpochCheck()
		}
		st.ctrlPush(controlFrame{
			kind:             controlFrameKindLoop,
			originalStackLen: len(st.values),
			blk:              loopHeader,
			followingBlock:   afterLoop,
			resultTypes:      results,
		})

	case operators.If:
		results := blockResultTypes(imms[0])
		if st.unreachable {
			st.unreachableDepth++
			return nil
		}
		cond := st.pop()
		thenBlk, elseBlk, followingBlk := b.AllocateBasicBlock(), b.AllocateBasicBlock(), b.AllocateBasicBlock()
		for _, t := range results {
			followingBlk.AddParam(b, t)
		}
		brz := b.AllocateInstruction()
		brz.AsBrz(cond, nil, elseBlk)
		b.InsertInstruction(brz)
		jmp := b.AllocateInstruction()
		jmp.AsJump(nil, thenBlk)
		b.InsertInstruction(jmp)
		b.Seal(thenBlk)
		b.Seal(elseBlk)
		b.SetCurrentBlock(thenBlk)
		st.ctrlPush(controlFrame{
			kind:             controlFrameKindIf,
			originalStackLen: len(st.values),
			blk:              elseBlk,
			followingBlock:   followingBlk,
			resultTypes:      results,
		})

	case operators.Else:
		if st.unreachable && st.unreachableDepth > 0 {
			return nil
		}
		frame := st.ctrlPeekAt(0)
		if !st.unreachable {
			// Close the then-arm into the following block.
			jmp := b.AllocateInstruction()
			jmp.AsJump(st.nPeekDup(len(frame.resultTypes)), frame.followingBlock)
			b.InsertInstruction(jmp)
		}
		st.unreachable = false
		st.values = st.values[:frame.originalStackLen]
		frame.seenElse = true
		b.SetCurrentBlock(frame.blk)

	case operators.End:
		if st.unreachable && st.unreachableDepth > 0 {
			st.unreachableDepth--
			return nil
		}
		frame := st.ctrlPop()

		if frame.kind == controlFrameKindFunction {
			if !st.unreachable {
				ret := b.AllocateInstruction()
				ret.AsReturn(st.nPeekDup(len(frame.resultTypes)))
				b.InsertInstruction(ret)
			}
			return nil
		}

		if !st.unreachable {
			jmp := b.AllocateInstruction()
			jmp.AsJump(st.nPeekDup(len(frame.resultTypes)), frame.followingBlock)
			b.InsertInstruction(jmp)
		}

		if frame.kind == controlFrameKindIf && !frame.seenElse {
			// Missing else: the else-block just falls through.
			b.SetCurrentBlock(frame.blk)
			jmp := b.AllocateInstruction()
			jmp.AsJump(nil, frame.followingBlock)
			b.InsertInstruction(jmp)
		}
		if frame.kind == controlFrameKindLoop {
			b.Seal(frame.blk)
		}
		b.Seal(frame.followingBlock)

		st.unreachable = false
		st.values = st.values[:frame.originalStackLen]
		b.SetCurrentBlock(frame.followingBlock)
		for i := 0; i < frame.followingBlock.Params(); i++ {
			st.push(frame.followingBlock.Param(i))
		}

	case operators.Br:
		if st.unreachable {
			return nil
		}
		c.branchTo(int(imms[0].(uint32)))
		st.unreachable = true

	case operators.BrIf:
		if st.unreachable {
			return nil
		}
		cond := st.pop()
		c.condBranchTo(int(imms[0].(uint32)), cond)

	case operators.BrTable:
		if st.unreachable {
			return nil
		}
		idx := st.pop()
		n := int(imms[0].(uint32))
		makeTramp := func(depth int) ssa.BasicBlock {
			tramp := b.AllocateBasicBlock()
			cur := b.CurrentBlock()
			b.SetCurrentBlock(tramp)
			c.branchTo(depth)
			b.SetCurrentBlock(cur)
			return tramp
		}
		var targets []ssa.BasicBlock
		for i := 0; i < n; i++ {
			targets = append(targets, makeTramp(int(imms[1+i].(uint32))))
		}
		def := makeTramp(int(imms[1+n].(uint32)))
		jt := b.DeclareJumpTable(ssa.JumpTableData{Targets: targets, Default: def})
		brt := b.AllocateInstruction()
		brt.AsBrTable(idx, jt)
		b.InsertInstruction(brt)
		for _, t := range targets {
			b.Seal(t)
		}
		b.Seal(def)
		st.unreachable = true

	case operators.Return:
		if st.unreachable {
			return nil
		}
		c.branchTo(len(st.controlFrames) - 1)
		st.unreachable = true

	case operators.Unreachable:
		if st.unreachable {
			return nil
		}
		trap := b.AllocateInstruction()
		trap.AsTrap(engineapi.TrapCodeUnreachable)
		b.InsertInstruction(trap)
		st.unreachable = true

	case operators.Drop:
		if st.unreachable {
			return nil
		}
		st.pop()

	case operators.Select:
		if st.unreachable {
			return nil
		}
		cond := st.pop()
		v2 := st.pop()
		v1 := st.pop()
		sel := b.AllocateInstruction()
		sel.AsSelect(cond, v1, v2)
		st.push(c.insert(sel))

	case operators.GetLocal:
		if st.unreachable {
			return nil
		}
		st.push(b.FindValue(c.localVars[imms[0].(uint32)]))

	case operators.SetLocal:
		if st.unreachable {
			return nil
		}
		b.DefineVariableInCurrentBB(c.localVars[imms[0].(uint32)], st.pop())

	case operators.TeeLocal:
		if st.unreachable {
			return nil
		}
		v := st.values[len(st.values)-1]
		b.DefineVariableInCurrentBB(c.localVars[imms[0].(uint32)], v)

	case operators.GetGlobal:
		if st.unreachable {
			return nil
		}
		gi := imms[0].(uint32)
		t := typeToSSA(c.module.GlobalIndexSpace[gi].Type.Type)
		st.push(c.loadVMField(c.offsets.GlobalOffset(gi), t))

	case operators.SetGlobal:
		if st.unreachable {
			return nil
		}
		gi := imms[0].(uint32)
		v := st.pop()
		stI := b.AllocateInstruction()
		stI.AsStore(v, c.vmctx, uint32(c.offsets.GlobalOffset(gi)), ssa.MemFlagKnownInBounds)
		b.InsertInstruction(stI)

	case operators.CurrentMemory:
		if st.unreachable {
			return nil
		}
		lenBytes := c.loadVMField(c.offsets.MemoryLenOffset(0), ssa.TypeI64)
		sixteen := c.iconst(ssa.TypeI64, 16)
		shr := b.AllocateInstruction()
		shr.AsUshr(lenBytes, sixteen)
		pages := c.insert(shr)
		red := b.AllocateInstruction()
		red.AsIreduce(pages, ssa.TypeI32)
		st.push(c.insert(red))

	case operators.GrowMemory:
		if st.unreachable {
			return nil
		}
		delta := st.pop()
		fnptr := c.loadVMField(c.offsets.MemoryGrowFnOffset, ssa.TypeI64)
		call := b.AllocateInstruction()
		call.AsCallIndirect(fnptr, c.memGrowSig, []ssa.Value{c.vmctx, delta})
		st.push(c.insert(call))

	case operators.Call:
		if st.unreachable {
			return nil
		}
		c.lowerCall(imms[0].(uint32))

	case operators.CallIndirect:
		if st.unreachable {
			return nil
		}
		c.lowerCallIndirect(imms[0].(uint32))

	// ---- constants ----
	case operators.I32Const:
		if st.unreachable {
			return nil
		}
		st.push(c.iconst(ssa.TypeI32, uint64(uint32(imms[0].(int32)))))
	case operators.I64Const:
		if st.unreachable {
			return nil
		}
		st.push(c.iconst(ssa.TypeI64, uint64(imms[0].(int64))))
	case operators.F32Const:
		if st.unreachable {
			return nil
		}
		i := b.AllocateInstruction()
		i.AsF32const(math.Float32bits(imms[0].(float32)))
		st.push(c.insert(i))
	case operators.F64Const:
		if st.unreachable {
			return nil
		}
		i := b.AllocateInstruction()
		i.AsF64const(math.Float64bits(imms[0].(float64)))
		st.push(c.insert(i))

	default:
		if st.unreachable {
			return nil
		}
		return c.lowerNumericOpcode(op, imms)
	}
	return nil
}

func (c *Compiler) lowerCall(fnIdx uint32) {
	b := c.builder
	st := &c.state
	sig := c.SignatureOfFunc(fnIdx)

	nargs := len(sig.Params) - 1 // minus vmctx
	args := make([]ssa.Value, 0, nargs+1)
	args = append(args, c.vmctx)
	args = append(args, st.nPeekDup(nargs)...)
	st.values = st.values[:len(st.values)-nargs]

	ref := b.DeclareExtFunc(ssa.ExtFuncData{
		Name:  FuncExternalName(fnIdx),
		SigID: sig.ID,
		Index: fnIdx,
	})
	call := b.AllocateInstruction()
	call.AsCall(ref, sig, args)
	b.InsertInstruction(call)
	r, rs := call.Returns()
	if r.Valid() {
		st.push(r)
	}
	for _, v := range rs {
		st.push(v)
	}
}

// lowerCallIndirect emits the table fetch, the null check, the type-id
// comparison, and the indirect branch-and-link.
func (c *Compiler) lowerCallIndirect(typeIdx uint32) {
	b := c.builder
	st := &c.state
	sig := c.signatures[typeIdx]

	idx32 := st.pop()
	ext := b.AllocateInstruction()
	ext.AsUextend(idx32, ssa.TypeI64)
	idx := c.insert(ext)

	// Bounds check against the table length.
	tableLen := c.loadVMField(c.offsets.TableLenOffset(0), ssa.TypeI64)
	oob := b.AllocateInstruction()
	oob.AsIcmp(idx, tableLen, ssa.IntegerCmpCondUnsignedGreaterThanOrEqual)
	cond := c.insert(oob)
	tr := b.AllocateInstruction()
	tr.AsTrapnz(cond, engineapi.TrapCodeTableOutOfBounds)
	b.InsertInstruction(tr)

	// entry = base + idx*16; the entry is (code pointer, type id).
	base := c.loadVMField(c.offsets.TableBaseOffset(0), ssa.TypeI64)
	four := c.iconst(ssa.TypeI64, 4)
	shl := b.AllocateInstruction()
	shl.AsIshl(idx, four)
	scaled := c.insert(shl)
	add := b.AllocateInstruction()
	add.AsIadd(base, scaled)
	entry := c.insert(add)

	fnptrI := b.AllocateInstruction()
	fnptrI.AsLoad(entry, 0, ssa.MemFlagKnownInBounds, ssa.TypeI64)
	fnptr := c.insert(fnptrI)
	null := b.AllocateInstruction()
	null.AsTrapz(fnptr, engineapi.TrapCodeIndirectCallNull)
	b.InsertInstruction(null)

	typeIDI := b.AllocateInstruction()
	typeIDI.AsLoad(entry, 8, ssa.MemFlagKnownInBounds, ssa.TypeI64)
	typeID := c.insert(typeIDI)
	want := c.iconst(ssa.TypeI64, uint64(typeIdx))
	ne := b.AllocateInstruction()
	ne.AsIcmp(typeID, want, ssa.IntegerCmpCondNotEqual)
	mismatch := c.insert(ne)
	badSig := b.AllocateInstruction()
	badSig.AsTrapnz(mismatch, engineapi.TrapCodeIndirectCallTypeMismatch)
	b.InsertInstruction(badSig)

	nargs := len(sig.Params) - 1
	args := make([]ssa.Value, 0, nargs+1)
	args = append(args, c.vmctx)
	args = append(args, st.nPeekDup(nargs)...)
	st.values = st.values[:len(st.values)-nargs]

	call := b.AllocateInstruction()
	call.AsCallIndirect(fnptr, sig, args)
	b.InsertInstruction(call)
	r, rs := call.Returns()
	if r.Valid() {
		st.push(r)
	}
	for _, v := range rs {
		st.push(v)
	}
}
