package egraph

import "github.com/bytecodealliance/wasmtime-sub017/internal/ssa"

// Rule is one directed rewrite. The matcher inspects a node; on a match it
// records the rewrite through the ruleContext: either a union with an
// existing class, or a newly constructed node unioned with the node's class.
//
// Rules are directional and specific: commutativity/associativity are not
// blanket rules (operand order is canonicalized at insertion instead), which
// bounds the growth of the graph.
//
// A rule whose right-hand side drops a non-constant value use of the
// left-hand side must set subsume, making the matched node ineligible for
// extraction: otherwise the extractor could pick the node in a scope where
// the dropped operand is unavailable. Constants are exempt because they are
// rematerializable.
type Rule struct {
	Name  string
	apply func(g *EGraph, n Node) (rewrite bool, subsume bool)
}

// Rules is an ordered rule set.
type Rules []Rule

// Budget caps equality saturation. Exhaustion is non-fatal: the graph is
// simply extracted in its current state.
type Budget struct {
	// MaxRounds bounds the number of fixed-point iterations.
	MaxRounds int
	// MaxNodes bounds the total number of e-nodes.
	MaxNodes int
	// MaxUnions bounds the total number of class merges.
	MaxUnions int
}

// DefaultBudget is the saturation budget used by the compiler driver.
func DefaultBudget() Budget {
	return Budget{MaxRounds: 8, MaxNodes: 50000, MaxUnions: 50000}
}

// Saturate repeatedly applies the rules to every node until a fixed point
// or the budget is exhausted. It returns false if the budget stopped it.
func (g *EGraph) Saturate(rules Rules, budget Budget) bool {
	for round := 0; round < budget.MaxRounds; round++ {
		changedUnions := g.unionCount
		// New nodes appended during the loop are picked up by the next
		// round.
		nodesAtStart := g.nodes.Len()
		for n := 0; n < nodesAtStart; n++ {
			node := Node(n)
			nd := g.nodes.Get(node)
			if nd.op == opcodeLeaf || nd.subsumed {
				continue
			}
			for i := range rules {
				if g.nodes.Len() >= budget.MaxNodes || g.unionCount >= budget.MaxUnions {
					return false
				}
				rewrote, subsume := rules[i].apply(g, node)
				if rewrote && subsume {
					g.nodes.Get(node).subsumed = true
				}
			}
		}
		if g.unionCount == changedUnions && g.nodes.Len() == nodesAtStart {
			return true // fixed point
		}
	}
	return false
}

// arg returns the canonical class of the i-th operand of the node.
func (g *EGraph) arg(n Node, i int) Class {
	return g.find(g.nodes.Get(n).args.Get(&g.argPool, i))
}

func (g *EGraph) argCount(n Node) int {
	return g.nodes.Get(n).args.Len(&g.argPool)
}

// constOf returns the known constant of the class, if any.
func (g *EGraph) constOf(c Class) (uint64, bool) {
	av := &g.classes.Get(g.find(c)).analysis
	return av.constBits, av.constant
}

// classOfNode returns the canonical class the node belongs to.
func (g *EGraph) classOfNode(n Node) Class {
	return g.find(g.nodeClass[n])
}

// newConstClass interns an integer-constant node of the given type and
// returns its class.
func (g *EGraph) newConstClass(typ ssa.Type, bits uint64) Class {
	_, cls, _ := g.addNode(nodeData{op: ssa.OpcodeIconst, typ: typ, imm: bits & typeMask(typ)})
	return cls
}

// newNodeClass interns an operator node over existing classes and returns
// its class.
func (g *EGraph) newNodeClass(op ssa.Opcode, typ ssa.Type, imm uint64, args ...Class) Class {
	nd := nodeData{op: op, typ: typ, imm: imm}
	for i := range args {
		args[i] = g.find(args[i])
	}
	var list = nd.args
	for _, a := range args {
		list = list.Append(&g.argPool, a)
	}
	nd.args = list
	_, cls, _ := g.addNode(nd)
	return cls
}

// DefaultRules returns the rule set applied by the compiler driver.
func DefaultRules() Rules {
	return Rules{
		{Name: "const-fold", apply: ruleConstFold},
		{Name: "identity", apply: ruleAlgebraicIdentity},
		{Name: "mul-zero", apply: ruleMulZero},
		{Name: "double-extend", apply: ruleDoubleExtend},
		{Name: "bnot-involution", apply: ruleBnotInvolution},
		{Name: "select-same", apply: ruleSelectSame},
		{Name: "select-const-cond", apply: ruleSelectConstCond},
		{Name: "splat-sink", apply: ruleSplatSink},
	}
}

// ruleConstFold replaces a node whose class analysis knows a constant with
// the interned constant node, letting the extractor pick the zero-cost
// representative.
func ruleConstFold(g *EGraph, n Node) (bool, bool) {
	nd := *g.nodes.Get(n)
	if nd.op == ssa.OpcodeIconst || !nd.typ.IsInt() {
		return false, false
	}
	cls := g.classOfNode(n)
	av := &g.classes.Get(cls).analysis
	if !av.constant {
		return false, false
	}
	g.union(cls, g.newConstClass(nd.typ, av.constBits))
	return true, false
}

// ruleAlgebraicIdentity rewrites x+0, x-0, x*1, x|0, x^0, x&-1, x<<0, x>>0,
// rotates by zero, into x.
func ruleAlgebraicIdentity(g *EGraph, n Node) (bool, bool) {
	nd := *g.nodes.Get(n)
	if !nd.typ.IsInt() || g.argCount(n) != 2 {
		return false, false
	}
	c, ok := g.constOf(g.arg(n, 1))
	if !ok {
		return false, false
	}
	identity := false
	switch nd.op {
	case ssa.OpcodeIadd, ssa.OpcodeIsub, ssa.OpcodeBor, ssa.OpcodeBxor,
		ssa.OpcodeIshl, ssa.OpcodeUshr, ssa.OpcodeSshr,
		ssa.OpcodeRotl, ssa.OpcodeRotr:
		identity = c&typeMask(nd.typ) == 0
	case ssa.OpcodeImul:
		identity = c == 1
	case ssa.OpcodeBand:
		identity = c&typeMask(nd.typ) == typeMask(nd.typ)
	}
	if !identity {
		return false, false
	}
	g.union(g.classOfNode(n), g.arg(n, 0))
	return true, false
}

// ruleMulZero rewrites x*0 and x&0 into 0. The dropped use of x is fine
// because the right-hand side is a rematerializable constant.
func ruleMulZero(g *EGraph, n Node) (bool, bool) {
	nd := *g.nodes.Get(n)
	if !nd.typ.IsInt() || g.argCount(n) != 2 {
		return false, false
	}
	if nd.op != ssa.OpcodeImul && nd.op != ssa.OpcodeBand {
		return false, false
	}
	c, ok := g.constOf(g.arg(n, 1))
	if !ok || c&typeMask(nd.typ) != 0 {
		return false, false
	}
	g.union(g.classOfNode(n), g.newConstClass(nd.typ, 0))
	return true, false
}

// ruleDoubleExtend collapses uextend(uextend x) and sextend(sextend x) into
// a single extension to the outer type.
func ruleDoubleExtend(g *EGraph, n Node) (bool, bool) {
	nd := *g.nodes.Get(n)
	if nd.op != ssa.OpcodeUextend && nd.op != ssa.OpcodeSextend {
		return false, false
	}
	inner, ok := g.singleMemberOp(g.arg(n, 0), nd.op)
	if !ok {
		return false, false
	}
	g.union(g.classOfNode(n), g.newNodeClass(nd.op, nd.typ, 0, g.arg(inner, 0)))
	return true, false
}

// ruleBnotInvolution rewrites bnot(bnot x) into x.
func ruleBnotInvolution(g *EGraph, n Node) (bool, bool) {
	nd := *g.nodes.Get(n)
	if nd.op != ssa.OpcodeBnot {
		return false, false
	}
	inner, ok := g.singleMemberOp(g.arg(n, 0), ssa.OpcodeBnot)
	if !ok {
		return false, false
	}
	g.union(g.classOfNode(n), g.arg(inner, 0))
	return true, false
}

// ruleSelectSame rewrites select(c, x, x) into x. The condition's use is
// dropped and it is not a constant, so the select node must be subsumed.
func ruleSelectSame(g *EGraph, n Node) (bool, bool) {
	nd := *g.nodes.Get(n)
	if nd.op != ssa.OpcodeSelect || g.argCount(n) != 3 {
		return false, false
	}
	if g.arg(n, 1) != g.arg(n, 2) {
		return false, false
	}
	g.union(g.classOfNode(n), g.arg(n, 1))
	return true, true
}

// ruleSelectConstCond rewrites select(const, x, y) into x or y.
func ruleSelectConstCond(g *EGraph, n Node) (bool, bool) {
	nd := *g.nodes.Get(n)
	if nd.op != ssa.OpcodeSelect || g.argCount(n) != 3 {
		return false, false
	}
	c, ok := g.constOf(g.arg(n, 0))
	if !ok {
		return false, false
	}
	if c != 0 {
		g.union(g.classOfNode(n), g.arg(n, 1))
	} else {
		g.union(g.classOfNode(n), g.arg(n, 2))
	}
	// The untaken arm's use is dropped, so the node is subsumed.
	return true, true
}

// ruleSplatSink hoists a splat over a lane-wise operation:
//
//	iadd <TxN>(splat x, splat y)   => splat <TxN>(iadd x, y)
//	fcvt_from_uint <TxN>(splat x)  => splat <TxN>(fcvt_from_uint x)
//
// The integer form is restricted to non-float lanes; the conversion form is
// applied unconditionally because the scalar form is required for the
// backends to cover the 64x2 shapes.
func ruleSplatSink(g *EGraph, n Node) (bool, bool) {
	nd := *g.nodes.Get(n)
	if !nd.typ.IsVector() {
		return false, false
	}
	switch nd.op {
	case ssa.OpcodeIadd, ssa.OpcodeIsub, ssa.OpcodeImul, ssa.OpcodeBand,
		ssa.OpcodeBor, ssa.OpcodeBxor:
		if nd.typ.LaneType().IsFloat() || g.argCount(n) != 2 {
			return false, false
		}
		sx, ok1 := g.singleMemberOp(g.arg(n, 0), ssa.OpcodeSplat)
		sy, ok2 := g.singleMemberOp(g.arg(n, 1), ssa.OpcodeSplat)
		if !ok1 || !ok2 {
			return false, false
		}
		lane := nd.typ.LaneType()
		scalar := g.newNodeClass(nd.op, lane, 0, g.arg(sx, 0), g.arg(sy, 0))
		g.union(g.classOfNode(n), g.newNodeClass(ssa.OpcodeSplat, nd.typ, 0, scalar))
		return true, false
	case ssa.OpcodeFcvtFromUint, ssa.OpcodeFcvtFromSint:
		sx, ok := g.singleMemberOp(g.arg(n, 0), ssa.OpcodeSplat)
		if !ok {
			return false, false
		}
		lane := nd.typ.LaneType()
		scalar := g.newNodeClass(nd.op, lane, 0, g.arg(sx, 0))
		g.union(g.classOfNode(n), g.newNodeClass(ssa.OpcodeSplat, nd.typ, 0, scalar))
		return true, false
	}
	return false, false
}

// singleMemberOp scans the class for a non-subsumed member with the opcode,
// returning the first hit in insertion order for determinism.
func (g *EGraph) singleMemberOp(c Class, op ssa.Opcode) (Node, bool) {
	cd := g.classes.Get(g.find(c))
	for i, n := 0, cd.members.Len(&g.memberPool); i < n; i++ {
		m := cd.members.Get(&g.memberPool, i)
		md := g.nodes.Get(m)
		if md.op == op && !md.subsumed {
			return m, true
		}
	}
	return 0, false
}
