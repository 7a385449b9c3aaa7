package egraph

import (
	"math/bits"

	"github.com/bytecodealliance/wasmtime-sub017/internal/ssa"
)

// analysisValue is the per-class analysis: the type of the class, whether a
// constant value is known for it, and the best cost/representative found by
// the extractor.
type analysisValue struct {
	typ ssa.Type
	// constant is true if every value of the class is the known constant
	// constBits (interpreted at the class type's width).
	constant  bool
	constBits uint64
	// bestCost and bestNode are filled by the extractor's cost pass.
	bestCost cost
	bestNode Node
}

// merge combines the analyses of two classes being unioned. A known
// constant wins; two distinct known constants would mean an unsound merge
// and are a bug.
func (a analysisValue) merge(b *analysisValue) analysisValue {
	out := a
	if b.constant {
		if a.constant && a.constBits != b.constBits {
			panic("BUG: union of two distinct constants")
		}
		out.constant = true
		out.constBits = b.constBits
	}
	return out
}

// typeMask returns the mask of the low bits meaningful at the type's width.
func typeMask(t ssa.Type) uint64 {
	switch t.Bits() {
	case 8:
		return 0xff
	case 16:
		return 0xffff
	case 32:
		return 0xffffffff
	default:
		return ^uint64(0)
	}
}

// computeAnalysis derives the analysis of a fresh node's class: constant
// nodes and constant-foldable operators over constant operand classes
// populate the known-constant field.
func (g *EGraph) computeAnalysis(nd *nodeData) analysisValue {
	av := analysisValue{typ: nd.typ}

	switch nd.op {
	case ssa.OpcodeIconst:
		av.constant, av.constBits = true, nd.imm&typeMask(nd.typ)
		return av
	case ssa.OpcodeF32const, ssa.OpcodeF64const:
		av.constant, av.constBits = true, nd.imm
		return av
	case opcodeLeaf, ssa.OpcodeVconst, ssa.OpcodeNull:
		return av
	}

	// Fold only scalar-integer operators whose operand classes all carry
	// known constants.
	n := nd.args.Len(&g.argPool)
	var c [3]uint64
	var ct [3]ssa.Type
	for i := 0; i < n; i++ {
		ca := g.classes.Get(g.find(nd.args.Get(&g.argPool, i))).analysis
		if !ca.constant {
			return av
		}
		c[i], ct[i] = ca.constBits, ca.typ
	}

	folded, ok := foldConst(nd, n, c, ct)
	if ok {
		av.constant, av.constBits = true, folded&typeMask(nd.typ)
	}
	return av
}

// foldConst evaluates one operator over constant bits. Only operators whose
// wasm semantics are bit-exact in uint64 arithmetic are folded; float
// arithmetic is deliberately left to the backend to keep NaN propagation
// out of the middle end.
func foldConst(nd *nodeData, argc int, c [3]uint64, ct [3]ssa.Type) (uint64, bool) {
	t := nd.typ
	w := uint(0)
	if t.IsInt() {
		w = uint(t.Bits())
	}
	signExtend := func(v uint64, typ ssa.Type) int64 {
		switch typ.Bits() {
		case 8:
			return int64(int8(v))
		case 16:
			return int64(int16(v))
		case 32:
			return int64(int32(v))
		default:
			return int64(v)
		}
	}

	switch nd.op {
	case ssa.OpcodeIadd:
		return c[0] + c[1], true
	case ssa.OpcodeIsub:
		return c[0] - c[1], true
	case ssa.OpcodeImul:
		return c[0] * c[1], true
	case ssa.OpcodeIneg:
		return -c[0], true
	case ssa.OpcodeBand:
		return c[0] & c[1], true
	case ssa.OpcodeBor:
		return c[0] | c[1], true
	case ssa.OpcodeBxor:
		return c[0] ^ c[1], true
	case ssa.OpcodeBnot:
		return ^c[0], true
	case ssa.OpcodeBandNot:
		return c[0] &^ c[1], true
	case ssa.OpcodeIshl:
		return c[0] << (c[1] & uint64(w-1)), true
	case ssa.OpcodeUshr:
		return (c[0] & typeMask(t)) >> (c[1] & uint64(w-1)), true
	case ssa.OpcodeSshr:
		return uint64(signExtend(c[0], t) >> (c[1] & uint64(w-1))), true
	case ssa.OpcodeRotl:
		switch w {
		case 32:
			return uint64(bits.RotateLeft32(uint32(c[0]), int(c[1]&31))), true
		case 64:
			return bits.RotateLeft64(c[0], int(c[1]&63)), true
		}
	case ssa.OpcodeRotr:
		switch w {
		case 32:
			return uint64(bits.RotateLeft32(uint32(c[0]), -int(c[1]&31))), true
		case 64:
			return bits.RotateLeft64(c[0], -int(c[1]&63)), true
		}
	case ssa.OpcodeClz:
		switch uint(ct[0].Bits()) {
		case 32:
			return uint64(bits.LeadingZeros32(uint32(c[0]))), true
		case 64:
			return uint64(bits.LeadingZeros64(c[0])), true
		}
	case ssa.OpcodeCtz:
		switch uint(ct[0].Bits()) {
		case 32:
			return uint64(bits.TrailingZeros32(uint32(c[0]))), true
		case 64:
			return uint64(bits.TrailingZeros64(c[0])), true
		}
	case ssa.OpcodePopcnt:
		return uint64(bits.OnesCount64(c[0] & typeMask(ct[0]))), true
	case ssa.OpcodeUextend:
		return c[0] & typeMask(ct[0]), true
	case ssa.OpcodeSextend:
		return uint64(signExtend(c[0], ct[0])), true
	case ssa.OpcodeIreduce:
		return c[0], true // masked by the caller at the result width
	case ssa.OpcodeIcmp:
		x, y := c[0]&typeMask(ct[0]), c[1]&typeMask(ct[1])
		sx, sy := signExtend(c[0], ct[0]), signExtend(c[1], ct[1])
		var r bool
		switch ssa.IntegerCmpCond(nd.imm) {
		case ssa.IntegerCmpCondEqual:
			r = x == y
		case ssa.IntegerCmpCondNotEqual:
			r = x != y
		case ssa.IntegerCmpCondSignedLessThan:
			r = sx < sy
		case ssa.IntegerCmpCondSignedGreaterThanOrEqual:
			r = sx >= sy
		case ssa.IntegerCmpCondSignedGreaterThan:
			r = sx > sy
		case ssa.IntegerCmpCondSignedLessThanOrEqual:
			r = sx <= sy
		case ssa.IntegerCmpCondUnsignedLessThan:
			r = x < y
		case ssa.IntegerCmpCondUnsignedGreaterThanOrEqual:
			r = x >= y
		case ssa.IntegerCmpCondUnsignedGreaterThan:
			r = x > y
		case ssa.IntegerCmpCondUnsignedLessThanOrEqual:
			r = x <= y
		}
		if r {
			return 1, true
		}
		return 0, true
	}
	_ = argc
	return 0, false
}
