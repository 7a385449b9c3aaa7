package egraph

import "github.com/bytecodealliance/wasmtime-sub017/internal/ssa"

// cost is the extraction cost of a node or class. The high bits carry the
// accumulated opcode cost and the low bits the expression depth, so that
// comparing the packed value implements "lower cost, then smaller depth";
// the final tie-break on insertion order falls out of the stable scan in
// computeBestNodes.
type cost uint64

const costInfinity = cost(1) << 62

func makeCost(c uint32, depth uint16) cost {
	return cost(c)<<16 | cost(depth)
}

func (c cost) value() uint32 { return uint32(c >> 16) }
func (c cost) depth() uint16 { return uint16(c) }

// add combines an operator's base cost with an operand's cost, saturating.
func (c cost) add(o cost) cost {
	v := uint64(c.value()) + uint64(o.value())
	if v > 0xffffffff {
		v = 0xffffffff
	}
	d := c.depth()
	if o.depth() > d {
		d = o.depth()
	}
	return makeCost(uint32(v), d)
}

func (c cost) deepen() cost {
	d := c.depth()
	if d < 0xffff {
		d++
	}
	return makeCost(c.value(), d)
}

// baseCost is the opcode cost table: constants near zero, vector weighted
// over scalar, memory over arithmetic.
func baseCost(op ssa.Opcode, typ ssa.Type) cost {
	var c uint32
	switch op {
	case opcodeLeaf, ssa.OpcodeIconst, ssa.OpcodeF32const, ssa.OpcodeF64const,
		ssa.OpcodeVconst, ssa.OpcodeNull:
		c = 0
	case ssa.OpcodeIadd, ssa.OpcodeIsub, ssa.OpcodeIneg, ssa.OpcodeBand,
		ssa.OpcodeBor, ssa.OpcodeBxor, ssa.OpcodeBnot, ssa.OpcodeBandNot,
		ssa.OpcodeIshl, ssa.OpcodeUshr, ssa.OpcodeSshr, ssa.OpcodeRotl,
		ssa.OpcodeRotr, ssa.OpcodeIcmp, ssa.OpcodeUextend, ssa.OpcodeSextend,
		ssa.OpcodeIreduce, ssa.OpcodeBitcast, ssa.OpcodeIabs:
		c = 1
	case ssa.OpcodeImul, ssa.OpcodeClz, ssa.OpcodeCls, ssa.OpcodeCtz,
		ssa.OpcodePopcnt, ssa.OpcodeBswap, ssa.OpcodeSelect, ssa.OpcodeBitselect,
		ssa.OpcodeSplat, ssa.OpcodeExtractlane, ssa.OpcodeInsertlane:
		c = 2
	case ssa.OpcodeUmulhi, ssa.OpcodeSmulhi, ssa.OpcodeFadd, ssa.OpcodeFsub,
		ssa.OpcodeFneg, ssa.OpcodeFabs, ssa.OpcodeFcmp, ssa.OpcodeFcopysign,
		ssa.OpcodeFpromote, ssa.OpcodeFdemote,
		ssa.OpcodeFcvtFromUint, ssa.OpcodeFcvtFromSint:
		c = 3
	case ssa.OpcodeFmul, ssa.OpcodeFmin, ssa.OpcodeFmax, ssa.OpcodeFma,
		ssa.OpcodeCeil, ssa.OpcodeFloor, ssa.OpcodeTrunc, ssa.OpcodeNearest,
		ssa.OpcodeFcvtToUintSat, ssa.OpcodeFcvtToSintSat:
		c = 4
	case ssa.OpcodeFdiv, ssa.OpcodeSqrt:
		c = 10
	default:
		c = 4
	}
	// Vector operations are weighted higher than their scalar forms.
	if typ.IsVector() && op != ssa.OpcodeSplat && c > 0 {
		c += 2
	}
	return makeCost(c, 0)
}

// computeBestNodes runs the cost fixed point over all canonical classes,
// recording the minimum-cost representative per class. The scan is in node
// insertion order, and a strictly-smaller comparison keeps the earliest
// node on ties, which yields the stable "lower insertion order" tie-break.
func (g *EGraph) computeBestNodes() {
	// Initialize.
	g.classes.Iter(func(c Class, cd *classData) bool {
		cd.analysis.bestCost = costInfinity
		return true
	})

	for changed := true; changed; {
		changed = false
		for n := 0; n < g.nodes.Len(); n++ {
			node := Node(n)
			nd := g.nodes.Get(node)
			if nd.subsumed {
				continue
			}
			nodeCost := baseCost(nd.op, nd.typ)
			feasible := true
			argn := nd.args.Len(&g.argPool)
			for i := 0; i < argn; i++ {
				ac := g.find(nd.args.Get(&g.argPool, i))
				acost := g.classes.Get(ac).analysis.bestCost
				if acost == costInfinity {
					feasible = false
					break
				}
				nodeCost = nodeCost.add(acost)
			}
			if !feasible {
				continue
			}
			nodeCost = nodeCost.deepen()

			cls := g.classes.Get(g.classOfNode(node))
			if nodeCost < cls.analysis.bestCost {
				cls.analysis.bestCost = nodeCost
				cls.analysis.bestNode = node
				changed = true
			}
		}
	}
}
