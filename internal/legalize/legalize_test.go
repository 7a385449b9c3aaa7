package legalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bytecodealliance/wasmtime-sub017/internal/ssa"
)

func newTestFunc(params, results []ssa.Type) (ssa.Builder, ssa.BasicBlock, []ssa.Value) {
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

func finish(b ssa.Builder, entry ssa.BasicBlock, results []ssa.Value) {
	ret := b.AllocateInstruction()
	ret.AsReturn(results)
	b.InsertInstruction(ret)
	b.Seal(entry)
}

func TestSdivChecks_unknownDivisor(t *testing.T) {
	b, entry, vs := newTestFunc([]ssa.Type{ssa.TypeI64, ssa.TypeI64}, []ssa.Type{ssa.TypeI64})
	div := b.AllocateInstruction()
	div.AsSdiv(vs[0], vs[1])
	b.InsertInstruction(div)
	finish(b, entry, []ssa.Value{div.Return()})

	Run(b, TargetTraits{})

	format := b.Format()
	// Division by zero guard on the divisor.
	require.Contains(t, format, "Trapz v1, int_divz")
	// Overflow guard: x == INT_MIN && y == -1.
	require.Contains(t, format, "int_ovf")
	require.Contains(t, format, "Iconst 0x8000000000000000")
	require.Contains(t, format, "Iconst 0xffffffffffffffff")
	require.NoError(t, b.Verify())
}

func TestSdivChecks_safeConstDivisor(t *testing.T) {
	b, entry, vs := newTestFunc([]ssa.Type{ssa.TypeI64}, []ssa.Type{ssa.TypeI64})
	seven := b.AllocateInstruction()
	seven.AsIconst64(7)
	b.InsertInstruction(seven)
	div := b.AllocateInstruction()
	div.AsSdiv(vs[0], seven.Return())
	b.InsertInstruction(div)
	finish(b, entry, []ssa.Value{div.Return()})

	Run(b, TargetTraits{})

	// A constant divisor known non-zero and non-minus-one needs no checks.
	format := b.Format()
	require.NotContains(t, format, "Trapz")
	require.NotContains(t, format, "Trapnz")
}

func TestSdivChecks_minusOneStillChecksOverflow(t *testing.T) {
	b, entry, vs := newTestFunc([]ssa.Type{ssa.TypeI64}, []ssa.Type{ssa.TypeI64})
	m1 := b.AllocateInstruction()
	m1.AsIconst64(^uint64(0))
	b.InsertInstruction(m1)
	div := b.AllocateInstruction()
	div.AsSdiv(vs[0], m1.Return())
	b.InsertInstruction(div)
	finish(b, entry, []ssa.Value{div.Return()})

	Run(b, TargetTraits{})

	// The shortcut requires non-zero AND non-minus-one, so the guards stay.
	require.Contains(t, b.Format(), "int_ovf")
}

func TestUdivChecks(t *testing.T) {
	b, entry, vs := newTestFunc([]ssa.Type{ssa.TypeI32, ssa.TypeI32}, []ssa.Type{ssa.TypeI32})
	div := b.AllocateInstruction()
	div.AsUdiv(vs[0], vs[1])
	b.InsertInstruction(div)
	finish(b, entry, []ssa.Value{div.Return()})

	Run(b, TargetTraits{})

	format := b.Format()
	require.Contains(t, format, "Trapz v1, int_divz")
	// Unsigned division has no overflow case.
	require.NotContains(t, format, "int_ovf")
}

func TestSmallRotate_orsTheHalves(t *testing.T) {
	b, entry, vs := newTestFunc([]ssa.Type{ssa.TypeI8, ssa.TypeI8}, []ssa.Type{ssa.TypeI8})
	rot := b.AllocateInstruction()
	rot.AsRotr(vs[0], vs[1])
	b.InsertInstruction(rot)
	finish(b, entry, []ssa.Value{b.ResolveAlias(rot.Return())})

	Run(b, TargetTraits{})

	format := b.Format()
	require.NotContains(t, format, "Rotr")
	// Mask with bitwidth-1, both shifts present, and the halves are OR-ed:
	// the AND-variant of this lowering is a documented bug.
	require.Contains(t, format, "Iconst 0x7")
	require.Contains(t, format, "Ushr")
	require.Contains(t, format, "Ishl")
	require.Contains(t, format, "Bor")
}

func TestFcvtTrapping_checksInOrder(t *testing.T) {
	b, entry, vs := newTestFunc([]ssa.Type{ssa.TypeF64}, []ssa.Type{ssa.TypeI32})
	cvt := b.AllocateInstruction()
	cvt.AsFcvtToSint(vs[0], ssa.TypeI32)
	b.InsertInstruction(cvt)
	finish(b, entry, []ssa.Value{b.ResolveAlias(cvt.Return())})

	Run(b, TargetTraits{})

	format := b.Format()
	// NaN check first (bad conversion), then the two range checks (integer
	// overflow), then the raw conversion.
	nan := strings.Index(format, "bad_toint")
	ovf := strings.Index(format, "int_ovf")
	raw := strings.Index(format, "FcvtToSintSat")
	require.True(t, nan >= 0 && ovf >= 0 && raw >= 0, format)
	require.Less(t, nan, ovf)
	require.Less(t, ovf, raw)
}

func TestFcvtSat_expansionWithoutNative(t *testing.T) {
	b, entry, vs := newTestFunc([]ssa.Type{ssa.TypeF32}, []ssa.Type{ssa.TypeI32})
	cvt := b.AllocateInstruction()
	cvt.AsFcvtToUintSat(vs[0], ssa.TypeI32)
	b.InsertInstruction(cvt)
	finish(b, entry, []ssa.Value{b.ResolveAlias(cvt.Return())})

	Run(b, TargetTraits{HasSatFcvt: false})

	format := b.Format()
	// NaN handling selects zero; both clamps are present.
	require.Equal(t, 3, strings.Count(format, "Select"), format)
	require.NotContains(t, format, "Trap")
}

func TestFcvtSat_nativeKept(t *testing.T) {
	b, entry, vs := newTestFunc([]ssa.Type{ssa.TypeF32}, []ssa.Type{ssa.TypeI32})
	cvt := b.AllocateInstruction()
	cvt.AsFcvtToUintSat(vs[0], ssa.TypeI32)
	b.InsertInstruction(cvt)
	finish(b, entry, []ssa.Value{cvt.Return()})

	Run(b, TargetTraits{HasSatFcvt: true})

	require.Contains(t, b.Format(), "FcvtToUintSat")
	require.NotContains(t, b.Format(), "Select")
}

func TestNarrowI128Add(t *testing.T) {
	b, entry, vs := newTestFunc([]ssa.Type{ssa.TypeI128, ssa.TypeI128}, []ssa.Type{ssa.TypeI128})
	add := b.AllocateInstruction()
	add.AsIadd(vs[0], vs[1])
	b.InsertInstruction(add)
	finish(b, entry, []ssa.Value{b.ResolveAlias(add.Return())})

	Run(b, TargetTraits{Has128BitALU: false})

	format := b.Format()
	require.Contains(t, format, "Isplit")
	require.Contains(t, format, "IaddCout")
	require.Contains(t, format, "Iconcat")
}
