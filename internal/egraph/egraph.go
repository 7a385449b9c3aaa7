// Package egraph implements the equality-saturation middle end: the SSA
// function is ingested into an e-graph, rewrite rules grow it, and an
// extraction pass guided by a cost model writes the chosen representation
// back into the function.
//
// An e-class is an equivalence class of e-nodes known to compute the same
// value; a union-find provides the canonical class. An e-node's operand list
// is an entity list of class handles, so the whole graph is arena-backed and
// cycle-free in the ownership sense: back references are plain handles.
package egraph

import (
	"fmt"

	"github.com/bytecodealliance/wasmtime-sub017/internal/entity"
	"github.com/bytecodealliance/wasmtime-sub017/internal/ssa"
)

type (
	// Class is a handle to an e-class.
	Class uint32
	// Node is a handle to an e-node.
	Node uint32
)

// opcodeLeaf is the pseudo opcode of leaf nodes standing for values the
// e-graph cannot look through: block parameters and results of
// side-effecting instructions. The imm field holds the ssa.Value.
const opcodeLeaf ssa.Opcode = 0x7fffffff

type nodeData struct {
	op  ssa.Opcode
	typ ssa.Type
	// args are the operand classes, canonical at the time of insertion.
	args entity.List[Class]
	// imm carries opcode-dependent immediates: constant bits, comparison
	// conditions, lane indices, or the ssa.Value of a leaf.
	imm, imm2 uint64
	// subsumed nodes are ineligible for extraction.
	subsumed bool
}

type classData struct {
	// members lists the e-nodes of this class. Meaningful only on
	// canonical classes.
	members entity.List[Node]
	// parents lists the e-nodes that use this class as an operand; used to
	// restore congruence after a union.
	parents entity.List[Node]
	analysis analysisValue
}

// nodeKey identifies an e-node up to congruence: opcode, type, immediates
// and canonical operand classes. Pure instructions carry at most three
// operands, so a fixed-size key suffices.
type nodeKey struct {
	op         ssa.Opcode
	typ        ssa.Type
	imm, imm2  uint64
	a0, a1, a2 Class
}

const noClass = Class(0xffffffff)

// EGraph is the equality-saturation graph over one function.
type EGraph struct {
	builder ssa.Builder

	nodes   entity.PrimaryMap[Node, nodeData]
	classes entity.PrimaryMap[Class, classData]
	// parent is the union-find structure over classes.
	parent []Class

	argPool    entity.ListPool[Class]
	memberPool entity.ListPool[Node]

	// hash is the hash-cons table mapping canonical keys to nodes.
	hash map[nodeKey]Node
	// nodeClass maps each node to the class it belongs to (possibly
	// non-canonical; resolve with find).
	nodeClass []Class

	// valueToClass maps the SSA values seen during Build to their classes.
	valueToClass map[ssa.ValueID]Class

	// nodeOrigin maps nodes ingested from the program to the SSA value they
	// were defined as; rule-created nodes have no origin.
	nodeOrigin map[Node]ssa.Value

	// pending is the congruence-repair worklist.
	pending []Node

	// unionCount is the number of unions performed, used against the
	// saturation budget.
	unionCount int

	extracted bool
}

// Build ingests the function held by the builder into a fresh e-graph. The
// builder must have passed RunPasses so that the reverse post-order and the
// dominator tree are available.
func Build(b ssa.Builder) *EGraph {
	g := &EGraph{
		builder:      b,
		hash:         make(map[nodeKey]Node),
		valueToClass: make(map[ssa.ValueID]Class),
		nodeOrigin:   make(map[Node]ssa.Value),
	}

	for blk := b.BlockIteratorReversePostOrderBegin(); blk != nil; blk = b.BlockIteratorReversePostOrderNext() {
		for i := 0; i < blk.Params(); i++ {
			p := blk.Param(i)
			g.valueToClass[p.ID()] = g.leafClass(p)
		}
		for cur := blk.Root(); cur != nil; cur = cur.Next() {
			g.ingest(cur)
		}
	}
	return g
}

// classOf returns the class of the (aliased) value, adding a leaf class if
// the value is not represented yet.
func (g *EGraph) classOf(v ssa.Value) Class {
	v = g.builder.ResolveAlias(v)
	if c, ok := g.valueToClass[v.ID()]; ok {
		return g.find(c)
	}
	c := g.leafClass(v)
	g.valueToClass[v.ID()] = c
	return c
}

func (g *EGraph) leafClass(v ssa.Value) Class {
	_, cls, existed := g.addNode(nodeData{op: opcodeLeaf, typ: v.Type(), imm: uint64(v)})
	if !existed {
		g.classes.Get(cls).analysis = analysisValue{typ: v.Type()}
	}
	return cls
}

// ingest adds one instruction to the graph. Pure single-result instructions
// become e-nodes; everything else becomes part of the side-effecting
// skeleton which extraction leaves in place.
func (g *EGraph) ingest(instr *ssa.Instruction) {
	r, rs := instr.Returns()
	if !instr.IsPure() || !r.Valid() || len(rs) != 0 {
		// Skeleton instruction: just make sure operand classes exist so
		// rules can still reason about the values flowing into it.
		v1, v2, v3, vs := instr.Args()
		for _, v := range []ssa.Value{v1, v2, v3} {
			if v.Valid() {
				g.classOf(v)
			}
		}
		for _, v := range vs {
			g.classOf(v)
		}
		return
	}

	nd := g.nodeFromInstr(instr)
	n, cls, existed := g.addNode(nd)
	if !existed {
		g.nodeOrigin[n] = r
	}
	g.valueToClass[r.ID()] = cls
}

// nodeFromInstr translates a pure instruction into nodeData, canonicalizing
// commutative operand order (constants to the right, otherwise by class id)
// so that the hash-cons table recognizes commuted duplicates. This encodes
// the "canonicalize with the constant second" directed rewrite.
func (g *EGraph) nodeFromInstr(instr *ssa.Instruction) nodeData {
	op := instr.Opcode()
	nd := nodeData{op: op, typ: instr.Return().Type()}

	v1, v2, v3, _ := instr.Args()
	var args []Class
	for _, v := range []ssa.Value{v1, v2, v3} {
		if v.Valid() {
			args = append(args, g.classOf(v))
		}
	}

	switch op {
	case ssa.OpcodeIconst, ssa.OpcodeF32const, ssa.OpcodeF64const:
		nd.imm = instr.ConstBits()
	case ssa.OpcodeVconst:
		nd.imm, nd.imm2 = instr.VconstData()
	case ssa.OpcodeIcmp:
		_, _, c := instr.IcmpData()
		nd.imm = uint64(c)
	case ssa.OpcodeFcmp:
		_, _, c := instr.FcmpData()
		nd.imm = uint64(c)
	case ssa.OpcodeExtractlane, ssa.OpcodeInsertlane:
		nd.imm = uint64(instr.Lane())
	}

	if isCommutative(op) && len(args) == 2 {
		if g.isConstClass(args[0]) && !g.isConstClass(args[1]) {
			args[0], args[1] = args[1], args[0]
		} else if !g.isConstClass(args[0]) && !g.isConstClass(args[1]) && args[0] > args[1] {
			args[0], args[1] = args[1], args[0]
		}
	}

	nd.args = entity.FromSlice(&g.argPool, args)
	return nd
}

func isCommutative(op ssa.Opcode) bool {
	switch op {
	case ssa.OpcodeIadd, ssa.OpcodeImul, ssa.OpcodeBand, ssa.OpcodeBor,
		ssa.OpcodeBxor, ssa.OpcodeFadd, ssa.OpcodeFmul, ssa.OpcodeUmulhi,
		ssa.OpcodeSmulhi:
		return true
	default:
		return false
	}
}

// key computes the canonical hash-cons key of a node.
func (g *EGraph) key(nd *nodeData) nodeKey {
	k := nodeKey{op: nd.op, typ: nd.typ, imm: nd.imm, imm2: nd.imm2,
		a0: noClass, a1: noClass, a2: noClass}
	n := nd.args.Len(&g.argPool)
	for i := 0; i < n; i++ {
		c := g.find(nd.args.Get(&g.argPool, i))
		switch i {
		case 0:
			k.a0 = c
		case 1:
			k.a1 = c
		case 2:
			k.a2 = c
		default:
			panic("BUG: pure e-node with more than 3 operands")
		}
	}
	return k
}

// addNode hash-conses nd. If an equal node exists, its node and class are
// returned with existed=true; otherwise the node is added into a fresh
// class.
func (g *EGraph) addNode(nd nodeData) (Node, Class, bool) {
	k := g.key(&nd)
	if n, ok := g.hash[k]; ok {
		return n, g.find(g.nodeClass[n]), true
	}

	n := g.nodes.Insert(nd)
	cls := g.classes.Insert(classData{})
	g.parent = append(g.parent, cls)
	g.nodeClass = append(g.nodeClass, cls)
	cd := g.classes.Get(cls)
	cd.members = cd.members.Append(&g.memberPool, n)
	cd.analysis = g.computeAnalysis(&nd)
	g.hash[k] = n

	// Register as parent of operand classes for congruence repair.
	argn := nd.args.Len(&g.argPool)
	for i := 0; i < argn; i++ {
		ac := g.find(nd.args.Get(&g.argPool, i))
		pc := g.classes.Get(ac)
		pc.parents = pc.parents.Append(&g.memberPool, n)
	}

	return n, g.find(cls), false
}

// find returns the canonical class of c.
func (g *EGraph) find(c Class) Class {
	for g.parent[c] != c {
		g.parent[c] = g.parent[g.parent[c]] // path halving
		c = g.parent[c]
	}
	return c
}

// union merges the classes of a and b, returning the canonical class and
// triggering congruence repair.
func (g *EGraph) union(a, b Class) Class {
	ra, rb := g.find(a), g.find(b)
	if ra == rb {
		return ra
	}
	g.unionCount++

	// Keep the lower-numbered class canonical for deterministic output.
	if ra > rb {
		ra, rb = rb, ra
	}
	g.parent[rb] = ra

	ca, cb := g.classes.Get(ra), g.classes.Get(rb)

	// Merge members and parents into the canonical class.
	for i, n := 0, cb.members.Len(&g.memberPool); i < n; i++ {
		ca.members = ca.members.Append(&g.memberPool, cb.members.Get(&g.memberPool, i))
	}
	for i, n := 0, cb.parents.Len(&g.memberPool); i < n; i++ {
		p := cb.parents.Get(&g.memberPool, i)
		ca.parents = ca.parents.Append(&g.memberPool, p)
		g.pending = append(g.pending, p)
	}
	// Parents of the canonical side may now be congruent with the merged
	// side's parents too.
	for i, n := 0, ca.parents.Len(&g.memberPool); i < n; i++ {
		g.pending = append(g.pending, ca.parents.Get(&g.memberPool, i))
	}

	// Merge analyses: a known constant wins, the rest is unioned.
	ca.analysis = ca.analysis.merge(&cb.analysis)

	g.repair()
	return ra
}

// repair restores the congruence closure invariant: if two e-nodes have
// identical opcodes and pairwise-equivalent operand classes, their classes
// are merged.
func (g *EGraph) repair() {
	for len(g.pending) > 0 {
		n := g.pending[len(g.pending)-1]
		g.pending = g.pending[:len(g.pending)-1]

		nd := g.nodes.Get(n)
		k := g.key(nd)
		if other, ok := g.hash[k]; ok && other != n {
			// Congruent with an existing node: merge the classes.
			g.union(g.nodeClass[n], g.nodeClass[other])
			continue
		}
		g.hash[k] = n
	}
}

func (g *EGraph) isConstClass(c Class) bool {
	return g.classes.Get(g.find(c)).analysis.constant
}

// ClassOfValue exposes the class of an SSA value, for tests and debugging.
func (g *EGraph) ClassOfValue(v ssa.Value) (Class, bool) {
	c, ok := g.valueToClass[g.builder.ResolveAlias(v).ID()]
	if !ok {
		return 0, false
	}
	return g.find(c), true
}

// NodeCount returns the number of e-nodes.
func (g *EGraph) NodeCount() int { return g.nodes.Len() }

// String returns a debug dump of the canonical classes and their members.
func (g *EGraph) String() string {
	out := ""
	g.classes.Iter(func(c Class, cd *classData) bool {
		if g.find(c) != c {
			return true
		}
		out += fmt.Sprintf("class%d:", c)
		for i, n := 0, cd.members.Len(&g.memberPool); i < n; i++ {
			nd := g.nodes.Get(cd.members.Get(&g.memberPool, i))
			if nd.op == opcodeLeaf {
				out += fmt.Sprintf(" leaf(v%d)", ssa.Value(nd.imm).ID())
			} else {
				out += " " + nd.op.String()
			}
		}
		out += "\n"
		return true
	})
	return out
}
