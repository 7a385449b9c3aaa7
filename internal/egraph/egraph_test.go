package egraph

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bytecodealliance/wasmtime-sub017/internal/engineapi"
	"github.com/bytecodealliance/wasmtime-sub017/internal/ssa"
)

func newTestFunc(t *testing.T, params, results []ssa.Type) (ssa.Builder, ssa.BasicBlock, []ssa.Value) {
	b := ssa.NewBuilder()
	sig := &ssa.Signature{ID: 0, Params: params, Results: results}
	b.DeclareSignature(sig)
	b.SetSignature(sig)
	entry := b.AllocateBasicBlock()
	b.SetCurrentBlock(entry)
	vs := make([]ssa.Value, len(params))
	for i, p := range params {
		vs[i] = entry.AddParam(b, p)
	}
	return b, entry, vs
}

func optimize(b ssa.Builder) *EGraph {
	b.RunPasses()
	g := Build(b)
	g.Saturate(DefaultRules(), DefaultBudget())
	g.Extract()
	return g
}

func TestEGraph_constantFolding(t *testing.T) {
	b, entry, _ := newTestFunc(t, nil, []ssa.Type{ssa.TypeI32})

	c1 := b.AllocateInstruction()
	c1.AsIconst32(40)
	b.InsertInstruction(c1)
	c2 := b.AllocateInstruction()
	c2.AsIconst32(2)
	b.InsertInstruction(c2)
	add := b.AllocateInstruction()
	add.AsIadd(c1.Return(), c2.Return())
	b.InsertInstruction(add)
	ret := b.AllocateInstruction()
	ret.AsReturn([]ssa.Value{add.Return()})
	b.InsertInstruction(ret)
	b.Seal(entry)

	optimize(b)

	// The add is folded away; the return reads a single constant 42.
	format := b.Format()
	require.NotContains(t, format, "Iadd")
	require.Contains(t, format, "Iconst 0x2a")
}

func TestEGraph_gvnSharesExpressions(t *testing.T) {
	b, entry, vs := newTestFunc(t, []ssa.Type{ssa.TypeI32, ssa.TypeI32}, []ssa.Type{ssa.TypeI32})
	x, y := vs[0], vs[1]

	a1 := b.AllocateInstruction()
	a1.AsIadd(x, y)
	b.InsertInstruction(a1)
	// Commuted duplicate: canonicalization recognizes it as the same node.
	a2 := b.AllocateInstruction()
	a2.AsIadd(y, x)
	b.InsertInstruction(a2)
	sum := b.AllocateInstruction()
	sum.AsImul(a1.Return(), a2.Return())
	b.InsertInstruction(sum)
	ret := b.AllocateInstruction()
	ret.AsReturn([]ssa.Value{sum.Return()})
	b.InsertInstruction(ret)
	b.Seal(entry)

	optimize(b)

	format := b.Format()
	require.Equal(t, 1, strings.Count(format, "Iadd"), format)
	// Both multiplication operands resolve to the same value.
	require.Equal(t, b.ResolveAlias(a1.Return()), b.ResolveAlias(a2.Return()))
}

func TestEGraph_algebraicIdentity(t *testing.T) {
	b, entry, vs := newTestFunc(t, []ssa.Type{ssa.TypeI64}, []ssa.Type{ssa.TypeI64})
	x := vs[0]

	zero := b.AllocateInstruction()
	zero.AsIconst64(0)
	b.InsertInstruction(zero)
	add := b.AllocateInstruction()
	add.AsIadd(x, zero.Return())
	b.InsertInstruction(add)
	ret := b.AllocateInstruction()
	ret.AsReturn([]ssa.Value{add.Return()})
	b.InsertInstruction(ret)
	b.Seal(entry)

	optimize(b)

	// x + 0 collapses to the parameter itself.
	require.Equal(t, x, b.ResolveAlias(add.Return()))
	require.NotContains(t, b.Format(), "Iadd")
}

func TestEGraph_splatSinking(t *testing.T) {
	b, entry, vs := newTestFunc(t, []ssa.Type{ssa.TypeI32, ssa.TypeI32}, []ssa.Type{ssa.TypeI32x4})
	x, y := vs[0], vs[1]

	sx := b.AllocateInstruction()
	sx.AsSplat(x, ssa.TypeI32x4)
	b.InsertInstruction(sx)
	sy := b.AllocateInstruction()
	sy.AsSplat(y, ssa.TypeI32x4)
	b.InsertInstruction(sy)
	add := b.AllocateInstruction()
	add.AsIadd(sx.Return(), sy.Return())
	b.InsertInstruction(add)
	ret := b.AllocateInstruction()
	ret.AsReturn([]ssa.Value{add.Return()})
	b.InsertInstruction(ret)
	b.Seal(entry)

	optimize(b)

	// iadd(splat x, splat y) must become splat(iadd x, y): a scalar add
	// followed by exactly one splat.
	format := b.Format()
	require.Equal(t, 1, strings.Count(format, "Splat"), format)
	lines := strings.Split(format, "\n")
	var addLine string
	for _, l := range lines {
		if strings.Contains(l, "Iadd") {
			addLine = l
		}
	}
	require.Contains(t, addLine, ":i32 = Iadd", format)
}

func TestEGraph_fcvtFromUintSplatSinksUnconditionally(t *testing.T) {
	b, entry, vs := newTestFunc(t, []ssa.Type{ssa.TypeI64}, []ssa.Type{ssa.TypeF64x2})
	x := vs[0]

	sx := b.AllocateInstruction()
	sx.AsSplat(x, ssa.TypeI64x2)
	b.InsertInstruction(sx)
	cvt := b.AllocateInstruction()
	cvt.AsFcvtFromUint(sx.Return(), ssa.TypeF64x2)
	b.InsertInstruction(cvt)
	ret := b.AllocateInstruction()
	ret.AsReturn([]ssa.Value{cvt.Return()})
	b.InsertInstruction(ret)
	b.Seal(entry)

	optimize(b)

	format := b.Format()
	var cvtLine string
	for _, l := range strings.Split(format, "\n") {
		if strings.Contains(l, "FcvtFromUint") {
			cvtLine = l
		}
	}
	// The conversion now runs on the scalar lane type.
	require.Contains(t, cvtLine, ":f64 = FcvtFromUint", format)
}

func TestEGraph_trapFolding(t *testing.T) {
	t.Run("known non-trapping is elided", func(t *testing.T) {
		b, entry, _ := newTestFunc(t, nil, nil)
		zero := b.AllocateInstruction()
		zero.AsIconst32(0)
		b.InsertInstruction(zero)
		trap := b.AllocateInstruction()
		trap.AsTrapnz(zero.Return(), engineapi.User(1))
		b.InsertInstruction(trap)
		ret := b.AllocateInstruction()
		ret.AsReturn(nil)
		b.InsertInstruction(ret)
		b.Seal(entry)

		optimize(b)

		format := b.Format()
		require.NotContains(t, format, "Trap")
	})

	t.Run("known trapping becomes unconditional", func(t *testing.T) {
		b, entry, _ := newTestFunc(t, nil, nil)
		one := b.AllocateInstruction()
		one.AsIconst32(1)
		b.InsertInstruction(one)
		trap := b.AllocateInstruction()
		trap.AsTrapnz(one.Return(), engineapi.User(1))
		b.InsertInstruction(trap)
		ret := b.AllocateInstruction()
		ret.AsReturn(nil)
		b.InsertInstruction(ret)
		b.Seal(entry)

		optimize(b)

		format := b.Format()
		require.Contains(t, format, "Trap user1")
		require.NotContains(t, format, "Trapnz")
	})

	t.Run("identical dominated check is deduplicated", func(t *testing.T) {
		b, entry, vs := newTestFunc(t, []ssa.Type{ssa.TypeI64}, nil)
		limit := vs[0]

		cmp1 := b.AllocateInstruction()
		cmp1.AsIcmp(limit, limit, ssa.IntegerCmpCondUnsignedLessThan)
		b.InsertInstruction(cmp1)
		t1 := b.AllocateInstruction()
		t1.AsTrapnz(cmp1.Return(), engineapi.TrapCodeHeapOutOfBounds)
		b.InsertInstruction(t1)

		cmp2 := b.AllocateInstruction()
		cmp2.AsIcmp(limit, limit, ssa.IntegerCmpCondUnsignedLessThan)
		b.InsertInstruction(cmp2)
		t2 := b.AllocateInstruction()
		t2.AsTrapnz(cmp2.Return(), engineapi.TrapCodeHeapOutOfBounds)
		b.InsertInstruction(t2)

		ret := b.AllocateInstruction()
		ret.AsReturn(nil)
		b.InsertInstruction(ret)
		b.Seal(entry)

		optimize(b)

		format := b.Format()
		require.Equal(t, 1, strings.Count(format, "Trapnz"), format)
	})
}

func TestEGraph_selectRules(t *testing.T) {
	b, entry, vs := newTestFunc(t, []ssa.Type{ssa.TypeI32, ssa.TypeI32}, []ssa.Type{ssa.TypeI32})
	c, x := vs[0], vs[1]

	sel := b.AllocateInstruction()
	sel.AsSelect(c, x, x)
	b.InsertInstruction(sel)
	ret := b.AllocateInstruction()
	ret.AsReturn([]ssa.Value{sel.Return()})
	b.InsertInstruction(ret)
	b.Seal(entry)

	optimize(b)

	// select(c, x, x) drops both the select and the use of c.
	require.Equal(t, x, b.ResolveAlias(sel.Return()))
	require.NotContains(t, b.Format(), "Select")
}

func TestEGraph_saturationBudget(t *testing.T) {
	b, entry, vs := newTestFunc(t, []ssa.Type{ssa.TypeI32}, []ssa.Type{ssa.TypeI32})
	x := vs[0]

	prev := x
	for i := 0; i < 10; i++ {
		zero := b.AllocateInstruction()
		zero.AsIconst32(0)
		b.InsertInstruction(zero)
		add := b.AllocateInstruction()
		add.AsIadd(prev, zero.Return())
		b.InsertInstruction(add)
		prev = add.Return()
	}
	ret := b.AllocateInstruction()
	ret.AsReturn([]ssa.Value{prev})
	b.InsertInstruction(ret)
	b.Seal(entry)

	b.RunPasses()
	g := Build(b)
	// A tiny budget stops saturation early; exhaustion is non-fatal and
	// extraction still succeeds.
	saturated := g.Saturate(DefaultRules(), Budget{MaxRounds: 1, MaxNodes: 4, MaxUnions: 1})
	require.False(t, saturated)
	g.Extract()
	require.NoError(t, b.Verify())
}
