package backend

import (
	"fmt"

	"github.com/bytecodealliance/wasmtime-sub017/internal/backend/regalloc"
	"github.com/bytecodealliance/wasmtime-sub017/internal/ssa"
)

// NewCompiler returns a new Compiler that can generate machine code with
// the given ISA backend.
func NewCompiler(mach Machine, builder ssa.Builder, buf *CodeBuffer) Compiler {
	c := &compiler{
		mach: mach, ssaBuilder: builder, buf: buf,
		alreadyLowered: make(map[*ssa.Instruction]struct{}),
	}
	mach.SetCompiler(c)
	return c
}

// compiler is the backend which takes ssa.Builder and lowers the state
// there into the ISA-specific machine code.
type compiler struct {
	mach       Machine
	ssaBuilder ssa.Builder
	buf        *CodeBuffer

	// nextVRegID is the next virtual register ID to be allocated.
	nextVRegID regalloc.VRegID
	// ssaValuesToVRegs maps ssa.ValueID to regalloc.VReg.
	ssaValuesToVRegs []regalloc.VReg
	// ssaValueDefinitions maps ssa.ValueID to its definition.
	ssaValueDefinitions []SSAValueDefinition
	// vRegTypes maps regalloc.VRegID to its ssa type.
	vRegTypes []ssa.Type
	// returnVRegs is the list of virtual registers that store the return
	// values.
	returnVRegs []regalloc.VReg

	alreadyLowered map[*ssa.Instruction]struct{}

	// currentGroupID is the instruction group of the instruction currently
	// being lowered; operand fusion is only legal within one group.
	currentGroupID ssa.InstructionGroupID
}

// SSABuilder implements Compiler.SSABuilder.
func (c *compiler) SSABuilder() ssa.Builder { return c.ssaBuilder }

// Compile implements Compiler.Compile.
func (c *compiler) Compile() (*CompiledFunction, error) {
	c.assignVirtualRegisters()
	c.lowerBlocks()
	c.mach.RegAlloc()
	c.mach.PostRegAlloc()
	c.buf.Reset()
	c.mach.Encode(c.buf)
	return c.buf.Finish(), nil
}

// lowerBlocks lowers each block in the ssa.Builder in reverse post-order.
func (c *compiler) lowerBlocks() {
	builder := c.ssaBuilder
	c.mach.StartLoweringFunction(maxBlockID(builder))
	for blk := builder.BlockIteratorReversePostOrderBegin(); blk != nil; blk = builder.BlockIteratorReversePostOrderNext() {
		c.lowerBlock(blk)
	}
	// After lowering all blocks, link the adjacent blocks so that the
	// machine backend can see the fallthrough chains.
	var prev ssa.BasicBlock
	for next := builder.BlockIteratorReversePostOrderBegin(); next != nil; next = builder.BlockIteratorReversePostOrderNext() {
		if prev != nil {
			c.mach.LinkAdjacentBlocks(prev, next)
		}
		prev = next
	}
	c.mach.EndLoweringFunction()
}

func maxBlockID(b ssa.Builder) (max ssa.BasicBlockID) {
	for blk := b.BlockIteratorBegin(); blk != nil; blk = b.BlockIteratorNext() {
		if id := blk.ID(); id > max {
			max = id
		}
	}
	return
}

func (c *compiler) lowerBlock(blk ssa.BasicBlock) {
	mach := c.mach
	mach.StartBlock(blk)

	// We traverse the instructions in reverse order because the machine
	// might want to lower multiple instructions together (operand fusion).
	cur := blk.Tail()

	// Gather the branching instructions at the end of the block: an
	// unconditional branch possibly preceded by conditional ones.
	var br0 *ssa.Instruction
	if cur.IsBranching() || cur.Opcode() == ssa.OpcodeReturn {
		br0 = cur
		cur = cur.Prev()
	}
	if br0 != nil {
		c.currentGroupID = br0.GroupID()
		mach.LowerSingleBranch(br0)
	}
	for cur != nil && cur.IsBranching() {
		c.currentGroupID = cur.GroupID()
		mach.LowerConditionalBranch(cur)
		cur = cur.Prev()
	}

	for ; cur != nil; cur = cur.Prev() {
		if _, ok := c.alreadyLowered[cur]; ok {
			continue
		}
		c.currentGroupID = cur.GroupID()
		mach.LowerInstr(cur)
	}

	mach.EndBlock()
}

// assignVirtualRegisters assigns a virtual register to each ssa.ValueID
// valid in the ssa.Builder.
func (c *compiler) assignVirtualRegisters() {
	builder := c.ssaBuilder
	refCounts := builder.ValueRefCounts()

	need := len(refCounts) + 1
	if need >= len(c.ssaValuesToVRegs) {
		c.ssaValuesToVRegs = append(c.ssaValuesToVRegs,
			make([]regalloc.VReg, need)...)
	}
	if need >= len(c.ssaValueDefinitions) {
		c.ssaValueDefinitions = append(c.ssaValueDefinitions,
			make([]SSAValueDefinition, need)...)
	}

	for blk := builder.BlockIteratorReversePostOrderBegin(); blk != nil; blk = builder.BlockIteratorReversePostOrderNext() {
		// First we assign a virtual register to each parameter.
		for i := 0; i < blk.Params(); i++ {
			p := blk.Param(i)
			pid := p.ID()
			vreg := c.AllocateVReg(p.Type())
			c.ssaValuesToVRegs[pid] = vreg
			c.ssaValueDefinitions[pid] = SSAValueDefinition{BlkParamVReg: vreg}
		}

		// Assigns each value to a virtual register produced by instructions.
		for cur := blk.Root(); cur != nil; cur = cur.Next() {
			r, rs := cur.Returns()
			if r.Valid() {
				id := r.ID()
				c.ssaValuesToVRegs[id] = c.AllocateVReg(r.Type())
				c.ssaValueDefinitions[id] = SSAValueDefinition{
					Instr:    cur,
					N:        0,
					RefCount: refCountOf(refCounts, id),
				}
			}
			for i, rv := range rs {
				id := rv.ID()
				c.ssaValuesToVRegs[id] = c.AllocateVReg(rv.Type())
				c.ssaValueDefinitions[id] = SSAValueDefinition{
					Instr:    cur,
					N:        i + 1,
					RefCount: refCountOf(refCounts, id),
				}
			}
		}
	}

	c.returnVRegs = c.returnVRegs[:0]
	for i, retBlk := 0, builder.ReturnBlock(); i < retBlk.Params(); i++ {
		c.returnVRegs = append(c.returnVRegs, c.AllocateVReg(retBlk.Param(i).Type()))
	}
}

func refCountOf(refCounts []int, id ssa.ValueID) int {
	if int(id) < len(refCounts) {
		return refCounts[id]
	}
	return 0
}

// AllocateVReg implements Compiler.AllocateVReg.
func (c *compiler) AllocateVReg(typ ssa.Type) regalloc.VReg {
	regType := regalloc.RegTypeInt
	if typ.IsFloat() || typ.IsVector() {
		regType = regalloc.RegTypeFloat
	}
	r := regalloc.VReg(c.nextVRegID).SetRegType(regType).SetRealReg(regalloc.RealRegInvalid)
	if ir := int(c.nextVRegID); len(c.vRegTypes) <= ir {
		c.vRegTypes = append(c.vRegTypes, make([]ssa.Type, ir+1)...)
	}
	c.vRegTypes[c.nextVRegID] = typ
	c.nextVRegID++
	return r
}

// Reset implements Compiler.Reset.
func (c *compiler) Reset() {
	for i := regalloc.VRegID(0); i < c.nextVRegID; i++ {
		c.vRegTypes[i] = ssa.TypeInvalid
	}
	for i := range c.ssaValuesToVRegs {
		c.ssaValuesToVRegs[i] = regalloc.VRegInvalid
	}
	for i := range c.ssaValueDefinitions {
		c.ssaValueDefinitions[i] = SSAValueDefinition{}
	}
	for k := range c.alreadyLowered {
		delete(c.alreadyLowered, k)
	}
	c.nextVRegID = 0
	c.returnVRegs = c.returnVRegs[:0]
	c.mach.Reset()
}

// MarkLowered implements Compiler.MarkLowered.
func (c *compiler) MarkLowered(inst *ssa.Instruction) {
	c.alreadyLowered[inst] = struct{}{}
}

// ValueDefinition implements Compiler.ValueDefinition.
func (c *compiler) ValueDefinition(value ssa.Value) *SSAValueDefinition {
	value = c.ssaBuilder.ResolveAlias(value)
	return &c.ssaValueDefinitions[value.ID()]
}

// VRegOf implements Compiler.VRegOf.
func (c *compiler) VRegOf(value ssa.Value) regalloc.VReg {
	value = c.ssaBuilder.ResolveAlias(value)
	v := c.ssaValuesToVRegs[value.ID()]
	if !v.Valid() {
		panic(fmt.Sprintf("BUG: v%d has no virtual register", value.ID()))
	}
	return v
}

// TypeOf implements Compiler.TypeOf.
func (c *compiler) TypeOf(v regalloc.VReg) ssa.Type {
	return c.vRegTypes[v.ID()]
}

// ReturnVRegs returns the virtual registers for the function results.
func (c *compiler) ReturnVRegs() []regalloc.VReg {
	return c.returnVRegs
}

// MatchInstr implements Compiler.MatchInstr.
func (c *compiler) MatchInstr(def *SSAValueDefinition, opcode ssa.Opcode) bool {
	instr := def.Instr
	return def.IsFromInstr() &&
		instr.Opcode() == opcode &&
		instr.GroupID() == c.currentGroupID &&
		def.RefCount < 2
}

// MatchInstrOneOf implements Compiler.MatchInstrOneOf.
func (c *compiler) MatchInstrOneOf(def *SSAValueDefinition, opcodes []ssa.Opcode) ssa.Opcode {
	if !def.IsFromInstr() || def.RefCount >= 2 || def.Instr.GroupID() != c.currentGroupID {
		return ssa.OpcodeInvalid
	}
	for _, op := range opcodes {
		if def.Instr.Opcode() == op {
			return op
		}
	}
	return ssa.OpcodeInvalid
}
