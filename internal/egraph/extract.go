package egraph

import (
	"github.com/bytecodealliance/wasmtime-sub017/internal/engineapi"
	"github.com/bytecodealliance/wasmtime-sub017/internal/ssa"
)

// materialized records where a class has been turned back into an SSA value.
type materialized struct {
	value ssa.Value
	blk   ssa.BasicBlock
}

// Extract picks one representative e-node per reachable class guided by the
// cost model and writes the result back into the function: kept
// instructions stay in place, replaced ones are unlinked with their results
// aliased to the chosen representative, and rule-created nodes are
// materialized as fresh instructions at the first point of use. Reference
// counts are refreshed afterwards, and the e-graph must not be used again.
func (g *EGraph) Extract() {
	if g.extracted {
		panic("BUG: Extract called twice")
	}
	g.extracted = true

	g.computeBestNodes()

	b := g.builder
	memo := make(map[Class]materialized)
	// trapSeen de-duplicates conditional traps on the same condition class
	// and trap code: a later identical trap in a dominated block is
	// redundant because the first one already proved the condition safe.
	type trapKey struct {
		op   ssa.Opcode
		cond Class
		code engineapi.TrapCode
	}
	trapSeen := make(map[trapKey]ssa.BasicBlock)

	// nodeOrigin tells extraction which SSA value a node was ingested from.
	origin := g.nodeOrigin

	for blk := b.BlockIteratorReversePostOrderBegin(); blk != nil; blk = b.BlockIteratorReversePostOrderNext() {
		for cur := blk.Root(); cur != nil; {
			next := cur.Next()
			r, rs := cur.Returns()

			switch {
			case cur.Opcode() == ssa.OpcodeTrapz || cur.Opcode() == ssa.OpcodeTrapnz:
				g.extractCondTrap(cur, blk, func(k ssa.Opcode, cond Class, code engineapi.TrapCode) (ssa.BasicBlock, bool) {
					prev, ok := trapSeen[trapKey{k, cond, code}]
					return prev, ok
				}, func(k ssa.Opcode, cond Class, code engineapi.TrapCode) {
					trapSeen[trapKey{k, cond, code}] = blk
				})
			case cur.IsPure() && r.Valid() && len(rs) == 0:
				cls, ok := g.ClassOfValue(r)
				if !ok {
					panic("BUG: pure instruction not ingested")
				}
				if m, hit := memo[cls]; hit && (m.blk == blk || b.Dominates(m.blk, blk)) {
					b.Alias(r, m.value)
					b.RemoveInstruction(cur, blk)
					break
				}
				best := g.classes.Get(cls).analysis.bestNode
				if ov, ok := origin[best]; ok && ov == r {
					// This instruction is itself the chosen representative.
					memo[cls] = materialized{value: r, blk: blk}
					break
				}
				v := g.materialize(cls, cur, blk, memo)
				if v != r {
					b.Alias(r, v)
					b.RemoveInstruction(cur, blk)
				}
			}
			cur = next
		}
	}

	b.RunPostOptimizationPasses()
}

// extractCondTrap folds conditional traps with known conditions and
// de-duplicates repeated identical checks.
func (g *EGraph) extractCondTrap(cur *ssa.Instruction, blk ssa.BasicBlock,
	lookup func(ssa.Opcode, Class, engineapi.TrapCode) (ssa.BasicBlock, bool),
	record func(ssa.Opcode, Class, engineapi.TrapCode)) {
	b := g.builder
	cond := b.ResolveAlias(cur.Arg())
	cls, ok := g.ClassOfValue(cond)
	if !ok {
		return
	}
	code := cur.TrapCode()

	if c, known := g.constOf(cls); known {
		trips := (cur.Opcode() == ssa.OpcodeTrapnz) == (c != 0)
		if !trips {
			// Known-non-trapping: the whole trap is elided.
			b.RemoveInstruction(cur, blk)
			return
		}
		// Provably trapping: the test is elided and the trap becomes the
		// block terminator; everything after it is unreachable and removed
		// so the terminator discipline holds.
		trap := b.AllocateInstruction()
		trap.AsTrap(code)
		b.InsertInstructionBefore(trap, cur, blk)
		b.RemoveInstruction(cur, blk)
		for n := trap.Next(); n != nil; {
			nn := n.Next()
			b.RemoveInstruction(n, blk)
			n = nn
		}
		return
	}

	if prevBlk, hit := lookup(cur.Opcode(), cls, code); hit && (prevBlk == blk || b.Dominates(prevBlk, blk)) {
		// An identical dominating check already guards this condition.
		b.RemoveInstruction(cur, blk)
		return
	}
	record(cur.Opcode(), cls, code)
}

// materialize returns an SSA value of the class, inserting instructions
// before `pos` in blk as needed. Subsumed nodes are never chosen; constants
// are rematerialized freely.
func (g *EGraph) materialize(c Class, pos *ssa.Instruction, blk ssa.BasicBlock, memo map[Class]materialized) ssa.Value {
	b := g.builder
	c = g.find(c)
	if m, hit := memo[c]; hit && (m.blk == blk || b.Dominates(m.blk, blk)) {
		return m.value
	}

	cd := g.classes.Get(c)
	av := &cd.analysis

	// Known constants are materialized directly; they cost nothing and are
	// exempt from scoping concerns.
	if av.constant && av.typ.IsInt() {
		instr := b.AllocateInstruction()
		instr.AsIconst(av.typ, av.constBits)
		b.InsertInstructionBefore(instr, pos, blk)
		v := instr.Return()
		memo[c] = materialized{value: v, blk: blk}
		return v
	}

	best := av.bestNode
	nd := g.nodes.Get(best)

	if nd.op == opcodeLeaf {
		return ssa.Value(nd.imm)
	}
	if ov, ok := g.nodeOrigin[best]; ok {
		// The representative was ingested from the program; its value
		// dominates every original use of the class.
		memo[c] = materialized{value: ov, blk: blk}
		return ov
	}

	// Rule-created node: materialize the operands, then the node itself.
	argn := nd.args.Len(&g.argPool)
	args := make([]ssa.Value, argn)
	for i := 0; i < argn; i++ {
		args[i] = g.materialize(nd.args.Get(&g.argPool, i), pos, blk, memo)
	}

	instr := b.AllocateInstruction()
	g.buildInstr(instr, nd, args)
	b.InsertInstructionBefore(instr, pos, blk)
	v := instr.Return()
	memo[c] = materialized{value: v, blk: blk}
	return v
}

// buildInstr initializes instr from the node data and materialized operands.
func (g *EGraph) buildInstr(instr *ssa.Instruction, nd *nodeData, args []ssa.Value) {
	switch nd.op {
	case ssa.OpcodeIconst:
		instr.AsIconst(nd.typ, nd.imm)
	case ssa.OpcodeF32const:
		instr.AsF32const(uint32(nd.imm))
	case ssa.OpcodeF64const:
		instr.AsF64const(nd.imm)
	case ssa.OpcodeVconst:
		instr.AsVconst(nd.typ, nd.imm, nd.imm2)
	case ssa.OpcodeIadd:
		instr.AsIadd(args[0], args[1])
	case ssa.OpcodeIsub:
		instr.AsIsub(args[0], args[1])
	case ssa.OpcodeImul:
		instr.AsImul(args[0], args[1])
	case ssa.OpcodeIneg:
		instr.AsIneg(args[0])
	case ssa.OpcodeBand:
		instr.AsBand(args[0], args[1])
	case ssa.OpcodeBor:
		instr.AsBor(args[0], args[1])
	case ssa.OpcodeBxor:
		instr.AsBxor(args[0], args[1])
	case ssa.OpcodeBnot:
		instr.AsBnot(args[0])
	case ssa.OpcodeBandNot:
		instr.AsBandNot(args[0], args[1])
	case ssa.OpcodeIshl:
		instr.AsIshl(args[0], args[1])
	case ssa.OpcodeUshr:
		instr.AsUshr(args[0], args[1])
	case ssa.OpcodeSshr:
		instr.AsSshr(args[0], args[1])
	case ssa.OpcodeRotl:
		instr.AsRotl(args[0], args[1])
	case ssa.OpcodeRotr:
		instr.AsRotr(args[0], args[1])
	case ssa.OpcodeIcmp:
		instr.AsIcmp(args[0], args[1], ssa.IntegerCmpCond(nd.imm))
	case ssa.OpcodeFcmp:
		instr.AsFcmp(args[0], args[1], ssa.FloatCmpCond(nd.imm))
	case ssa.OpcodeSelect:
		instr.AsSelect(args[0], args[1], args[2])
	case ssa.OpcodeUextend:
		instr.AsUextend(args[0], nd.typ)
	case ssa.OpcodeSextend:
		instr.AsSextend(args[0], nd.typ)
	case ssa.OpcodeIreduce:
		instr.AsIreduce(args[0], nd.typ)
	case ssa.OpcodeSplat:
		instr.AsSplat(args[0], nd.typ)
	case ssa.OpcodeExtractlane:
		instr.AsExtractlane(args[0], byte(nd.imm), nd.imm2 != 0)
	case ssa.OpcodeInsertlane:
		instr.AsInsertlane(args[0], args[1], byte(nd.imm))
	case ssa.OpcodeFcvtFromUint:
		instr.AsFcvtFromUint(args[0], nd.typ)
	case ssa.OpcodeFcvtFromSint:
		instr.AsFcvtFromSint(args[0], nd.typ)
	case ssa.OpcodeFadd:
		instr.AsFadd(args[0], args[1])
	case ssa.OpcodeFsub:
		instr.AsFsub(args[0], args[1])
	case ssa.OpcodeFmul:
		instr.AsFmul(args[0], args[1])
	case ssa.OpcodeFdiv:
		instr.AsFdiv(args[0], args[1])
	case ssa.OpcodeFneg:
		instr.AsFneg(args[0])
	default:
		panic("BUG: no materializer for " + nd.op.String())
	}
}
