// Package legalize rewrites operations the target does not implement
// directly into sequences the instruction selector recognizes. It runs on
// the SSA function after the middle end and before lowering.
//
// Legalization is total for the declared ISA feature set: hitting an
// operation with no rule is a compiler bug and panics.
package legalize

import (
	"github.com/bytecodealliance/wasmtime-sub017/internal/engineapi"
	"github.com/bytecodealliance/wasmtime-sub017/internal/ssa"
)

// TargetTraits describes the ISA facts legalization needs.
type TargetTraits struct {
	// HasHardwareDivChecks is true if the hardware divide traps by itself the
	// way wasm requires (none of our targets do, so the guards are
	// inserted in the IR).
	HasHardwareDivChecks bool
	// HasSatFcvt is true if the target has saturating float-to-int
	// conversions (aarch64 does, x86-64 baseline does not).
	HasSatFcvt bool
	// Has128BitALU is true if 128-bit integer ALU operations exist.
	Has128BitALU bool
	// HasSmallRotates is true if the target rotates 8/16-bit values
	// natively (neither target does).
	HasSmallRotates bool
}

// Run legalizes the function in place.
func Run(b ssa.Builder, traits TargetTraits) {
	for blk := b.BlockIteratorBegin(); blk != nil; blk = b.BlockIteratorNext() {
		for cur := blk.Root(); cur != nil; {
			next := cur.Next()
			legalizeInstr(b, blk, cur, traits)
			cur = next
		}
	}
}

func legalizeInstr(b ssa.Builder, blk ssa.BasicBlock, cur *ssa.Instruction, traits TargetTraits) {
	switch cur.Opcode() {
	case ssa.OpcodeUdiv, ssa.OpcodeUrem:
		if !traits.HasHardwareDivChecks {
			insertUdivChecks(b, blk, cur)
		}
	case ssa.OpcodeSdiv, ssa.OpcodeSrem:
		if !traits.HasHardwareDivChecks {
			insertSdivChecks(b, blk, cur)
		}
	case ssa.OpcodeRotl, ssa.OpcodeRotr:
		if !traits.HasSmallRotates && cur.Return().Type().Bits() < 32 {
			expandSmallRotate(b, blk, cur)
		}
	case ssa.OpcodeFcvtToUint, ssa.OpcodeFcvtToSint:
		expandFcvtTrapping(b, blk, cur)
	case ssa.OpcodeFcvtToUintSat, ssa.OpcodeFcvtToSintSat:
		if !traits.HasSatFcvt {
			expandFcvtSat(b, blk, cur)
		}
	case ssa.OpcodeIadd, ssa.OpcodeIsub:
		if !traits.Has128BitALU && cur.Return().Valid() && cur.Return().Type() == ssa.TypeI128 {
			narrowI128Arith(b, blk, cur)
		}
	}
}

// iconstBefore materializes an integer constant before pos.
func iconstBefore(b ssa.Builder, blk ssa.BasicBlock, pos *ssa.Instruction, typ ssa.Type, bits uint64) ssa.Value {
	c := b.AllocateInstruction()
	c.AsIconst(typ, bits)
	b.InsertInstructionBefore(c, pos, blk)
	return c.Return()
}

// constDivisor returns the known constant divisor, if any.
func constDivisor(b ssa.Builder, v ssa.Value) (uint64, bool) {
	v = b.ResolveAlias(v)
	instr := b.InstructionOfValue(v)
	if instr == nil || !instr.IsConst() || instr.Opcode() != ssa.OpcodeIconst {
		return 0, false
	}
	return instr.ConstBits(), true
}

// insertUdivChecks guards unsigned division with a divide-by-zero check.
// A constant divisor known non-zero needs no check.
func insertUdivChecks(b ssa.Builder, blk ssa.BasicBlock, div *ssa.Instruction) {
	_, y := div.Arg2()
	if c, ok := constDivisor(b, y); ok && c != 0 {
		return
	}
	trap := b.AllocateInstruction()
	trap.AsTrapz(y, engineapi.TrapCodeIntegerDivisionByZero)
	b.InsertInstructionBefore(trap, div, blk)
}

// insertSdivChecks guards signed division with a divide-by-zero check and,
// for Sdiv, the INT_MIN/-1 overflow check. Both checks are elided when the
// divisor is a constant known non-zero and non-minus-one.
func insertSdivChecks(b ssa.Builder, blk ssa.BasicBlock, div *ssa.Instruction) {
	x, y := div.Arg2()
	typ := x.Type()
	mask := uint64(1)<<uint(typ.Bits()) - 1
	if typ.Bits() == 64 {
		mask = ^uint64(0)
	}
	if c, ok := constDivisor(b, y); ok {
		// The shortcut requires non-zero AND non-minus-one: a minus-one
		// divisor still needs the INT_MIN overflow check.
		if c != 0 && c&mask != mask {
			return
		}
	}

	trapz := b.AllocateInstruction()
	trapz.AsTrapz(y, engineapi.TrapCodeIntegerDivisionByZero)
	b.InsertInstructionBefore(trapz, div, blk)

	if div.Opcode() != ssa.OpcodeSdiv {
		// Srem of INT_MIN by -1 is defined (0); only Sdiv overflows.
		return
	}

	intMin := uint64(1) << uint(typ.Bits()-1)
	minusOne := mask

	minC := iconstBefore(b, blk, div, typ, intMin)
	m1C := iconstBefore(b, blk, div, typ, minusOne)

	xIsMin := b.AllocateInstruction()
	xIsMin.AsIcmp(x, minC, ssa.IntegerCmpCondEqual)
	b.InsertInstructionBefore(xIsMin, div, blk)

	yIsM1 := b.AllocateInstruction()
	yIsM1.AsIcmp(y, m1C, ssa.IntegerCmpCondEqual)
	b.InsertInstructionBefore(yIsM1, div, blk)

	both := b.AllocateInstruction()
	both.AsBand(xIsMin.Return(), yIsM1.Return())
	b.InsertInstructionBefore(both, div, blk)

	trapnz := b.AllocateInstruction()
	trapnz.AsTrapnz(both.Return(), engineapi.TrapCodeIntegerOverflow)
	b.InsertInstructionBefore(trapnz, div, blk)
}

// expandSmallRotate emulates 8/16-bit rotates with shifts: the amount is
// masked to bitwidth-1, the value is shifted both ways and the halves are
// OR-ed together.
func expandSmallRotate(b ssa.Builder, blk ssa.BasicBlock, rot *ssa.Instruction) {
	x, amount := rot.Arg2()
	typ := x.Type()
	w := uint64(typ.Bits())

	maskC := iconstBefore(b, blk, rot, amount.Type(), w-1)
	masked := b.AllocateInstruction()
	masked.AsBand(amount, maskC)
	b.InsertInstructionBefore(masked, rot, blk)

	wC := iconstBefore(b, blk, rot, amount.Type(), w)
	inv := b.AllocateInstruction()
	inv.AsIsub(wC, masked.Return())
	b.InsertInstructionBefore(inv, rot, blk)
	invMasked := b.AllocateInstruction()
	invMasked.AsBand(inv.Return(), maskC)
	b.InsertInstructionBefore(invMasked, rot, blk)

	var lo, hi *ssa.Instruction
	lo = b.AllocateInstruction()
	hi = b.AllocateInstruction()
	if rot.Opcode() == ssa.OpcodeRotr {
		lo.AsUshr(x, masked.Return())
		hi.AsIshl(x, invMasked.Return())
	} else {
		lo.AsIshl(x, masked.Return())
		hi.AsUshr(x, invMasked.Return())
	}
	b.InsertInstructionBefore(lo, rot, blk)
	b.InsertInstructionBefore(hi, rot, blk)

	or := b.AllocateInstruction()
	or.AsBor(lo.Return(), hi.Return())
	b.InsertInstructionBefore(or, rot, blk)

	b.Alias(rot.Return(), or.Return())
	b.RemoveInstruction(rot, blk)
}

// fcvtBounds returns the float bit-patterns of the exclusive bounds the
// input must lie within for the conversion to be exact: input > lo and
// input < hi (the NaN case is checked separately).
func fcvtBounds(from, to ssa.Type, signed bool) (lo, hi uint64) {
	f64 := from == ssa.TypeF64
	switch {
	case to == ssa.TypeI32 && signed && f64:
		return 0xc1e0000000200000, 0x41e0000000000000 // -2^31-1 < x < 2^31
	case to == ssa.TypeI32 && signed && !f64:
		return 0xcf000001, 0x4f000000 // nextafter(-2^31) <= ... practical: -2^31-1 < x < 2^31
	case to == ssa.TypeI32 && !signed && f64:
		return 0xbff0000000000000, 0x41f0000000000000 // -1 < x < 2^32
	case to == ssa.TypeI32 && !signed && !f64:
		return 0xbf800000, 0x4f800000
	case to == ssa.TypeI64 && signed && f64:
		return 0xc3e0000000000001, 0x43e0000000000000
	case to == ssa.TypeI64 && signed && !f64:
		return 0xdf000001, 0x5f000000
	case to == ssa.TypeI64 && !signed && f64:
		return 0xbff0000000000000, 0x43f0000000000000
	case to == ssa.TypeI64 && !signed && !f64:
		return 0xbf800000, 0x5f800000
	}
	panic("BUG: unsupported fcvt shape")
}

// expandFcvtTrapping expands the non-saturating float-to-integer conversion
// into, in order: a NaN check raising bad-conversion, an under-bound check
// and an over-bound check raising integer-overflow, then the hardware
// conversion (represented by the saturating opcode, which the selector maps
// to the raw instruction since the operand is now known in range).
func expandFcvtTrapping(b ssa.Builder, blk ssa.BasicBlock, cvt *ssa.Instruction) {
	x := cvt.Arg()
	from, to := x.Type(), cvt.Return().Type()
	signed := cvt.Opcode() == ssa.OpcodeFcvtToSint

	// NaN check: x != x.
	isNan := b.AllocateInstruction()
	isNan.AsFcmp(x, x, ssa.FloatCmpCondNotEqual)
	b.InsertInstructionBefore(isNan, cvt, blk)
	trapNan := b.AllocateInstruction()
	trapNan.AsTrapnz(isNan.Return(), engineapi.TrapCodeBadConversionToInteger)
	b.InsertInstructionBefore(trapNan, cvt, blk)

	loBits, hiBits := fcvtBounds(from, to, signed)
	fconst := func(bits uint64) ssa.Value {
		c := b.AllocateInstruction()
		if from == ssa.TypeF64 {
			c.AsF64const(bits)
		} else {
			c.AsF32const(uint32(bits))
		}
		b.InsertInstructionBefore(c, cvt, blk)
		return c.Return()
	}

	// Under-bound check: !(x > lo) traps.
	aboveLo := b.AllocateInstruction()
	aboveLo.AsFcmp(x, fconst(loBits), ssa.FloatCmpCondGreaterThan)
	b.InsertInstructionBefore(aboveLo, cvt, blk)
	trapLo := b.AllocateInstruction()
	trapLo.AsTrapz(aboveLo.Return(), engineapi.TrapCodeIntegerOverflow)
	b.InsertInstructionBefore(trapLo, cvt, blk)

	// Over-bound check: !(x < hi) traps.
	belowHi := b.AllocateInstruction()
	belowHi.AsFcmp(x, fconst(hiBits), ssa.FloatCmpCondLessThan)
	b.InsertInstructionBefore(belowHi, cvt, blk)
	trapHi := b.AllocateInstruction()
	trapHi.AsTrapz(belowHi.Return(), engineapi.TrapCodeIntegerOverflow)
	b.InsertInstructionBefore(trapHi, cvt, blk)

	// The input is now proven in range; emit the raw conversion.
	raw := b.AllocateInstruction()
	if signed {
		raw.AsFcvtToSintSat(x, to)
	} else {
		raw.AsFcvtToUintSat(x, to)
	}
	b.InsertInstructionBefore(raw, cvt, blk)

	b.Alias(cvt.Return(), raw.Return())
	b.RemoveInstruction(cvt, blk)
}

// expandFcvtSat expands the saturating conversion on targets without a
// native instruction into the three-branch select chain: NaN yields 0,
// below-min yields INT_MIN (or 0 unsigned), above-max yields INT_MAX.
func expandFcvtSat(b ssa.Builder, blk ssa.BasicBlock, cvt *ssa.Instruction) {
	x := cvt.Arg()
	from, to := x.Type(), cvt.Return().Type()
	signed := cvt.Opcode() == ssa.OpcodeFcvtToSintSat

	loBits, hiBits := fcvtBounds(from, to, signed)
	var minInt, maxInt uint64
	if signed {
		minInt = uint64(1) << uint(to.Bits()-1)
		maxInt = minInt - 1
	} else {
		minInt = 0
		maxInt = ^uint64(0) >> uint(64-to.Bits())
	}

	fconst := func(bits uint64) ssa.Value {
		c := b.AllocateInstruction()
		if from == ssa.TypeF64 {
			c.AsF64const(bits)
		} else {
			c.AsF32const(uint32(bits))
		}
		b.InsertInstructionBefore(c, cvt, blk)
		return c.Return()
	}

	raw := b.AllocateInstruction()
	if signed {
		raw.AsFcvtToSintSat(x, to)
	} else {
		raw.AsFcvtToUintSat(x, to)
	}
	b.InsertInstructionBefore(raw, cvt, blk)

	// Clamp above-max.
	belowHi := b.AllocateInstruction()
	belowHi.AsFcmp(x, fconst(hiBits), ssa.FloatCmpCondLessThan)
	b.InsertInstructionBefore(belowHi, cvt, blk)
	maxC := iconstBefore(b, blk, cvt, to, maxInt)
	clampedHi := b.AllocateInstruction()
	clampedHi.AsSelect(belowHi.Return(), raw.Return(), maxC)
	b.InsertInstructionBefore(clampedHi, cvt, blk)

	// Clamp below-min.
	aboveLo := b.AllocateInstruction()
	aboveLo.AsFcmp(x, fconst(loBits), ssa.FloatCmpCondGreaterThan)
	b.InsertInstructionBefore(aboveLo, cvt, blk)
	minC := iconstBefore(b, blk, cvt, to, minInt)
	clampedLo := b.AllocateInstruction()
	clampedLo.AsSelect(aboveLo.Return(), clampedHi.Return(), minC)
	b.InsertInstructionBefore(clampedLo, cvt, blk)

	// NaN yields zero.
	isNan := b.AllocateInstruction()
	isNan.AsFcmp(x, x, ssa.FloatCmpCondNotEqual)
	b.InsertInstructionBefore(isNan, cvt, blk)
	zeroC := iconstBefore(b, blk, cvt, to, 0)
	result := b.AllocateInstruction()
	result.AsSelect(isNan.Return(), zeroC, clampedLo.Return())
	b.InsertInstructionBefore(result, cvt, blk)

	b.Alias(cvt.Return(), result.Return())
	b.RemoveInstruction(cvt, blk)
}

// narrowI128Arith narrows 128-bit add/sub into 64-bit pairs with a carry
// chain.
func narrowI128Arith(b ssa.Builder, blk ssa.BasicBlock, instr *ssa.Instruction) {
	x, y := instr.Arg2()

	split := func(v ssa.Value) (lo, hi ssa.Value) {
		s := b.AllocateInstruction()
		s.AsIsplit(v)
		b.InsertInstructionBefore(s, instr, blk)
		r, rs := s.Returns()
		return r, rs[0]
	}
	xlo, xhi := split(x)
	ylo, yhi := split(y)

	lo := b.AllocateInstruction()
	hi := b.AllocateInstruction()
	if instr.Opcode() == ssa.OpcodeIadd {
		lo.AsIaddCout(xlo, ylo)
		b.InsertInstructionBefore(lo, instr, blk)
		_, rs := lo.Returns()
		carryIn := rs[0]
		sum := b.AllocateInstruction()
		sum.AsIadd(xhi, yhi)
		b.InsertInstructionBefore(sum, instr, blk)
		ext := b.AllocateInstruction()
		ext.AsUextend(carryIn, ssa.TypeI64)
		b.InsertInstructionBefore(ext, instr, blk)
		hi.AsIadd(sum.Return(), ext.Return())
		b.InsertInstructionBefore(hi, instr, blk)
	} else {
		lo.AsIsubBout(xlo, ylo)
		b.InsertInstructionBefore(lo, instr, blk)
		_, rs := lo.Returns()
		borrow := rs[0]
		diff := b.AllocateInstruction()
		diff.AsIsub(xhi, yhi)
		b.InsertInstructionBefore(diff, instr, blk)
		ext := b.AllocateInstruction()
		ext.AsUextend(borrow, ssa.TypeI64)
		b.InsertInstructionBefore(ext, instr, blk)
		hi.AsIsub(diff.Return(), ext.Return())
		b.InsertInstructionBefore(hi, instr, blk)
	}

	concat := b.AllocateInstruction()
	concat.AsIconcat(lo.Return(), hi.Return())
	b.InsertInstructionBefore(concat, instr, blk)

	b.Alias(instr.Return(), concat.Return())
	b.RemoveInstruction(instr, blk)
}

// ExtendCallArgs materializes the sub-word argument extensions required by
// the signature's calling convention at every call site. Conventions that
// leave upper bits unspecified (AAPCS64 base) get no extensions; Apple's
// aarch64 variant and System V do.
func ExtendCallArgs(b ssa.Builder) {
	for blk := b.BlockIteratorBegin(); blk != nil; blk = b.BlockIteratorNext() {
		for cur := blk.Root(); cur != nil; cur = cur.Next() {
			op := cur.Opcode()
			if op != ssa.OpcodeCall && op != ssa.OpcodeCallIndirect {
				continue
			}
			sig := b.ResolveSignature(cur.SigID())
			if !sig.CallConv.RequiresSubWordArgExtension() || sig.ParamExtensions == nil {
				continue
			}
			args := cur.ArgVs()
			for i, arg := range args {
				t := sig.Params[i]
				if t.Bits() >= 32 {
					continue
				}
				var ext *ssa.Instruction
				switch sig.ParamExtensions[i] {
				case ssa.ArgExtensionSign:
					ext = b.AllocateInstruction()
					ext.AsSextend(arg, ssa.TypeI32)
				case ssa.ArgExtensionZero:
					ext = b.AllocateInstruction()
					ext.AsUextend(arg, ssa.TypeI32)
				default:
					continue
				}
				b.InsertInstructionBefore(ext, cur, blk)
				args[i] = ext.Return()
			}
		}
	}
}
