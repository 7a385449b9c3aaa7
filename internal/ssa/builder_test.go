package ssa

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuilder_simpleFunction(t *testing.T) {
	b := NewBuilder()
	sig := &Signature{ID: 0, Params: []Type{TypeI32, TypeI32}, Results: []Type{TypeI32}}
	b.DeclareSignature(sig)
	b.SetSignature(sig)

	entry := b.AllocateBasicBlock()
	b.SetCurrentBlock(entry)
	x := entry.AddParam(b, TypeI32)
	y := entry.AddParam(b, TypeI32)

	add := b.AllocateInstruction()
	add.AsIadd(x, y)
	b.InsertInstruction(add)

	ret := b.AllocateInstruction()
	ret.AsReturn([]Value{add.Return()})
	b.InsertInstruction(ret)
	b.Seal(entry)

	require.Equal(t, `
blk0: (v0:i32, v1:i32)
	v2:i32 = Iadd v0, v1
	Return v2
`, b.Format())

	require.NoError(t, b.Verify())
}

func TestBuilder_constInterning(t *testing.T) {
	b := NewBuilder()
	sig := &Signature{ID: 0, Results: []Type{TypeI32}}
	b.DeclareSignature(sig)
	b.SetSignature(sig)

	entry := b.AllocateBasicBlock()
	b.SetCurrentBlock(entry)

	c1 := b.AllocateInstruction()
	c1.AsIconst32(42)
	b.InsertInstruction(c1)

	c2 := b.AllocateInstruction()
	c2.AsIconst32(42)
	b.InsertInstruction(c2)

	// Identical bit-patterns and types share one Value.
	require.Equal(t, c1.Return(), c2.Return())

	// A different type with the same bits gets its own Value.
	c3 := b.AllocateInstruction()
	c3.AsIconst64(42)
	b.InsertInstruction(c3)
	require.NotEqual(t, c1.Return(), c3.Return())

	// And so does a different bit-pattern.
	c4 := b.AllocateInstruction()
	c4.AsIconst32(43)
	b.InsertInstruction(c4)
	require.NotEqual(t, c1.Return(), c4.Return())
}

func TestBuilder_ssaConstructionWithPhis(t *testing.T) {
	b := NewBuilder()
	sig := &Signature{ID: 0, Params: []Type{TypeI32}, Results: []Type{TypeI32}}
	b.DeclareSignature(sig)
	b.SetSignature(sig)

	entry, thenBlk, elseBlk, merge := b.AllocateBasicBlock(), b.AllocateBasicBlock(),
		b.AllocateBasicBlock(), b.AllocateBasicBlock()

	v := b.DeclareVariable(TypeI32)

	b.SetCurrentBlock(entry)
	cond := entry.AddParam(b, TypeI32)
	{
		zero := b.AllocateInstruction()
		zero.AsIconst32(0)
		b.InsertInstruction(zero)
		b.DefineVariableInCurrentBB(v, zero.Return())

		brz := b.AllocateInstruction()
		brz.AsBrz(cond, nil, elseBlk)
		b.InsertInstruction(brz)

		jmp := b.AllocateInstruction()
		jmp.AsJump(nil, thenBlk)
		b.InsertInstruction(jmp)
	}
	b.Seal(entry)
	b.Seal(thenBlk)
	b.Seal(elseBlk)

	b.SetCurrentBlock(thenBlk)
	{
		one := b.AllocateInstruction()
		one.AsIconst32(1)
		b.InsertInstruction(one)
		b.DefineVariableInCurrentBB(v, one.Return())
		jmp := b.AllocateInstruction()
		jmp.AsJump(nil, merge)
		b.InsertInstruction(jmp)
	}

	b.SetCurrentBlock(elseBlk)
	{
		jmp := b.AllocateInstruction()
		jmp.AsJump(nil, merge)
		b.InsertInstruction(jmp)
	}
	b.Seal(merge)

	b.SetCurrentBlock(merge)
	merged := b.FindValue(v)
	{
		ret := b.AllocateInstruction()
		ret.AsReturn([]Value{merged})
		b.InsertInstruction(ret)
	}

	// The merge block must have gained a parameter for the variable, fed by
	// both predecessors.
	require.Equal(t, 1, merge.Params())
	require.Equal(t, merged, merge.Param(0))

	mergeBB := merge.(*basicBlock)
	require.Equal(t, 2, len(mergeBB.preds))
	for _, pred := range mergeBB.preds {
		require.Equal(t, 1, len(pred.branch.vs))
	}

	require.NoError(t, b.Verify())
}

func TestBuilder_loopPhiAndSeal(t *testing.T) {
	b := NewBuilder()
	sig := &Signature{ID: 0, Params: []Type{TypeI32}, Results: []Type{TypeI32}}
	b.DeclareSignature(sig)
	b.SetSignature(sig)

	entry, loop, exit := b.AllocateBasicBlock(), b.AllocateBasicBlock(), b.AllocateBasicBlock()
	i := b.DeclareVariable(TypeI32)

	b.SetCurrentBlock(entry)
	n := entry.AddParam(b, TypeI32)
	{
		zero := b.AllocateInstruction()
		zero.AsIconst32(0)
		b.InsertInstruction(zero)
		b.DefineVariableInCurrentBB(i, zero.Return())
		jmp := b.AllocateInstruction()
		jmp.AsJump(nil, loop)
		b.InsertInstruction(jmp)
	}
	b.Seal(entry)

	// The loop header is not sealed yet: its back edge is unknown.
	b.SetCurrentBlock(loop)
	iv := b.FindValue(i)
	{
		one := b.AllocateInstruction()
		one.AsIconst32(1)
		b.InsertInstruction(one)

		next := b.AllocateInstruction()
		next.AsIadd(iv, one.Return())
		b.InsertInstruction(next)
		b.DefineVariableInCurrentBB(i, next.Return())

		cmp := b.AllocateInstruction()
		cmp.AsIcmp(next.Return(), n, IntegerCmpCondSignedLessThan)
		b.InsertInstruction(cmp)

		brnz := b.AllocateInstruction()
		brnz.AsBrnz(cmp.Return(), nil, loop)
		b.InsertInstruction(brnz)

		jmp := b.AllocateInstruction()
		jmp.AsJump(nil, exit)
		b.InsertInstruction(jmp)
	}
	b.Seal(loop)
	b.Seal(exit)

	b.SetCurrentBlock(exit)
	{
		ret := b.AllocateInstruction()
		ret.AsReturn([]Value{b.FindValue(i)})
		b.InsertInstruction(ret)
	}

	// Sealing the loop header turned the unknown value into a block param
	// fed by both the entry and the back edge.
	require.Equal(t, 1, loop.Params())
	require.NoError(t, b.Verify())

	b.RunPasses()
	require.True(t, loop.LoopHeader())
	require.False(t, entry.LoopHeader())
}

func TestBuilder_runPassesDCE(t *testing.T) {
	b := NewBuilder()
	sig := &Signature{ID: 0, Params: []Type{TypeI32}, Results: []Type{TypeI32}}
	b.DeclareSignature(sig)
	b.SetSignature(sig)

	entry := b.AllocateBasicBlock()
	b.SetCurrentBlock(entry)
	x := entry.AddParam(b, TypeI32)

	// dead: never referenced by a side-effecting instruction.
	dead := b.AllocateInstruction()
	dead.AsImul(x, x)
	b.InsertInstruction(dead)

	live := b.AllocateInstruction()
	live.AsIadd(x, x)
	b.InsertInstruction(live)

	ret := b.AllocateInstruction()
	ret.AsReturn([]Value{live.Return()})
	b.InsertInstruction(ret)
	b.Seal(entry)

	b.RunPasses()

	require.Equal(t, `
blk0: (v0:i32)
	v2:i32 = Iadd v0, v0
	Return v2
`, b.Format())

	refs := b.ValueRefCounts()
	require.Equal(t, 2, refs[x.ID()])
	require.Equal(t, 1, refs[live.Return().ID()])
}

func TestBuilder_verifyErrors(t *testing.T) {
	t.Run("branch arity", func(t *testing.T) {
		b := NewBuilder()
		sig := &Signature{ID: 0, Results: []Type{}}
		b.DeclareSignature(sig)
		b.SetSignature(sig)

		entry, next := b.AllocateBasicBlock(), b.AllocateBasicBlock()
		next.AddParam(b, TypeI32)

		b.SetCurrentBlock(entry)
		jmp := b.AllocateInstruction()
		jmp.AsJump(nil, next) // missing the argument for next's param.
		b.InsertInstruction(jmp)
		b.Seal(entry)
		b.Seal(next)

		b.SetCurrentBlock(next)
		ret := b.AllocateInstruction()
		ret.AsReturn(nil)
		b.InsertInstruction(ret)

		err := b.Verify()
		require.Error(t, err)
		require.Contains(t, err.Error(), "branch carries 0 arguments")
	})

	t.Run("type mismatch", func(t *testing.T) {
		b := NewBuilder()
		sig := &Signature{ID: 0, Params: []Type{TypeI32, TypeI64}, Results: []Type{}}
		b.DeclareSignature(sig)
		b.SetSignature(sig)

		entry := b.AllocateBasicBlock()
		b.SetCurrentBlock(entry)
		x := entry.AddParam(b, TypeI32)
		y := entry.AddParam(b, TypeI64)

		add := b.AllocateInstruction()
		add.AsIadd(x, y)
		b.InsertInstruction(add)

		ret := b.AllocateInstruction()
		ret.AsReturn(nil)
		b.InsertInstruction(ret)
		b.Seal(entry)

		err := b.Verify()
		require.Error(t, err)
		require.Contains(t, err.Error(), "operand types disagree")
	})
}
