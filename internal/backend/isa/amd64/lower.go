package amd64

import (
	"fmt"

	"github.com/bytecodealliance/wasmtime-sub017/internal/backend/regalloc"
	"github.com/bytecodealliance/wasmtime-sub017/internal/ssa"
)

func condFromSSAIntegerCmpCond(c ssa.IntegerCmpCond) cc {
	switch c {
	case ssa.IntegerCmpCondEqual:
		return ccE
	case ssa.IntegerCmpCondNotEqual:
		return ccNe
	case ssa.IntegerCmpCondSignedLessThan:
		return ccL
	case ssa.IntegerCmpCondSignedGreaterThanOrEqual:
		return ccGe
	case ssa.IntegerCmpCondSignedGreaterThan:
		return ccG
	case ssa.IntegerCmpCondSignedLessThanOrEqual:
		return ccLe
	case ssa.IntegerCmpCondUnsignedLessThan:
		return ccB
	case ssa.IntegerCmpCondUnsignedGreaterThanOrEqual:
		return ccAe
	case ssa.IntegerCmpCondUnsignedGreaterThan:
		return ccA
	case ssa.IntegerCmpCondUnsignedLessThanOrEqual:
		return ccBe
	default:
		panic("invalid integer comparison condition")
	}
}

func (m *machine) emitSrcLocMarker(instr *ssa.Instruction) {
	if off := instr.SourceOffset(); off.Valid() {
		mk := m.allocateInstr()
		mk.asEmitSrcLoc(int64(off))
		m.insert(mk)
	}
}

func (m *machine) vregOf(v ssa.Value) regalloc.VReg {
	return m.compiler.VRegOf(v)
}

// LowerSingleBranch implements backend.Machine.
func (m *machine) LowerSingleBranch(br0 *ssa.Instruction) {
	m.emitSrcLocMarker(br0)
	switch br0.Opcode() {
	case ssa.OpcodeJump:
		_, args, target := br0.BranchData()
		if target.ReturnBlock() {
			m.lowerReturn(args)
		} else {
			m.lowerBranchArgs(args, target)
			j := m.allocateInstr()
			j.asJmp(m.getOrAllocateSSABlockLabel(target))
			m.insert(j)
		}
	case ssa.OpcodeReturn:
		m.lowerReturn(br0.ArgVs())
	case ssa.OpcodeBrTable:
		m.lowerBrTable(br0)
	case ssa.OpcodeTrap:
		t := m.allocateInstr()
		t.asTrap(br0.TrapCode())
		m.insert(t)
	default:
		panic("BUG: unexpected block terminator: " + br0.Opcode().String())
	}
	m.flushPendingInstructions()
}

func (m *machine) lowerReturn(args []ssa.Value) {
	abi := m.currentABI
	for i, rv := range args {
		loc := abi.rets[i]
		src := m.vregOf(rv)
		if !loc.onStack {
			instr := m.allocateInstr()
			m.moveTo(instr, loc.reg, src, rv.Type())
			m.insert(instr)
		} else {
			st := m.allocateInstr()
			st.asStore(storeSizeOf(rv.Type()), src,
				amode{base: rbpVReg, disp: int32(16 + abi.argStackSize + loc.offset)})
			m.insert(st)
		}
	}
	r := m.allocateInstr()
	r.asRet(abi.retRegs())
	m.insert(r)
}

func (m *machine) lowerBranchArgs(args []ssa.Value, target ssa.BasicBlock) {
	if len(args) == 0 {
		return
	}
	tmps := make([]regalloc.VReg, len(args))
	for i, a := range args {
		tmps[i] = m.compiler.AllocateVReg(a.Type())
		instr := m.allocateInstr()
		m.moveTo(instr, tmps[i], m.vregOf(a), a.Type())
		m.insert(instr)
	}
	for i := range args {
		p := target.Param(i)
		instr := m.allocateInstr()
		m.moveTo(instr, m.compiler.VRegOf(p), tmps[i], p.Type())
		m.insert(instr)
	}
}

func (m *machine) lowerBrTable(instr *ssa.Instruction) {
	jt := m.compiler.SSABuilder().JumpTableData(instr.JumpTable())
	idx := m.vregOf(instr.Arg())
	for k, target := range jt.Targets {
		cmp := m.allocateInstr()
		cmp.asCmpRI(idx, uint32(k), false)
		m.insert(cmp)
		j := m.allocateInstr()
		j.asJcc(ccE, m.getOrAllocateSSABlockLabel(target))
		m.insert(j)
	}
	j := m.allocateInstr()
	j.asJmp(m.getOrAllocateSSABlockLabel(jt.Default))
	m.insert(j)
}

// LowerConditionalBranch implements backend.Machine.
func (m *machine) LowerConditionalBranch(b *ssa.Instruction) {
	m.emitSrcLocMarker(b)
	cval, args, target := b.BranchData()
	if len(args) > 0 {
		panic("BUG: conditional branches must carry no arguments (the frontend splits critical edges)")
	}
	targetLabel := m.getOrAllocateSSABlockLabel(target)
	negate := b.Opcode() == ssa.OpcodeBrz

	cvalDef := m.compiler.ValueDefinition(cval)
	if m.compiler.MatchInstr(cvalDef, ssa.OpcodeIcmp) {
		x, y, c := cvalDef.Instr.IcmpData()
		cond := condFromSSAIntegerCmpCond(c)
		if negate {
			cond = cond.invert()
		}
		m.lowerIcmpToFlags(x, y)
		j := m.allocateInstr()
		j.asJcc(cond, targetLabel)
		m.insert(j)
		m.compiler.MarkLowered(cvalDef.Instr)
	} else {
		rc := m.vregOf(cval)
		t := m.allocateInstr()
		t.asTestRR(rc, rc, cval.Type().Bits() == 64)
		m.insert(t)
		cond := ccNe
		if negate {
			cond = ccE
		}
		j := m.allocateInstr()
		j.asJcc(cond, targetLabel)
		m.insert(j)
	}
	m.flushPendingInstructions()
}

func (m *machine) lowerIcmpToFlags(x, y ssa.Value) {
	is64 := x.Type().Bits() == 64
	ydef := m.compiler.ValueDefinition(y)
	if m.compiler.MatchInstr(ydef, ssa.OpcodeIconst) {
		if c := ydef.Instr.ConstBits(); c <= 0x7fffffff {
			cmp := m.allocateInstr()
			cmp.asCmpRI(m.vregOf(x), uint32(c), is64)
			m.insert(cmp)
			m.compiler.MarkLowered(ydef.Instr)
			return
		}
	}
	cmp := m.allocateInstr()
	cmp.asCmpRR(m.vregOf(x), m.vregOf(y), is64)
	m.insert(cmp)
}

// LowerInstr implements backend.Machine.
func (m *machine) LowerInstr(instr *ssa.Instruction) {
	if instr.IsBranching() {
		panic("BUG: branching instructions must be lowered by LowerSingleBranch/LowerConditionalBranch")
	}
	m.emitSrcLocMarker(instr)

	switch op := instr.Opcode(); op {
	case ssa.OpcodeNop:
	case ssa.OpcodeIconst:
		rd := m.vregOf(instr.Return())
		i := m.allocateInstr()
		i.asMovRI(rd, instr.ConstBits(), instr.Return().Type().Bits() == 64)
		m.insert(i)
	case ssa.OpcodeF32const:
		i := m.allocateInstr()
		i.asLoadXmmConst(m.vregOf(instr.Return()), instr.ConstBits(), false)
		m.insert(i)
	case ssa.OpcodeF64const:
		i := m.allocateInstr()
		i.asLoadXmmConst(m.vregOf(instr.Return()), instr.ConstBits(), true)
		m.insert(i)
	case ssa.OpcodeIadd:
		m.lowerTwoAddrALU(instr, aluOpAdd)
	case ssa.OpcodeIsub:
		m.lowerTwoAddrALU(instr, aluOpSub)
	case ssa.OpcodeBand:
		m.lowerTwoAddrALU(instr, aluOpAnd)
	case ssa.OpcodeBor:
		m.lowerTwoAddrALU(instr, aluOpOr)
	case ssa.OpcodeBxor:
		m.lowerTwoAddrALU(instr, aluOpXor)
	case ssa.OpcodeBnot:
		x := instr.Arg()
		rd := m.vregOf(instr.Return())
		mv := m.allocateInstr()
		mv.asMovRR(rd, m.vregOf(x), true)
		m.insert(mv)
		n := m.allocateInstr()
		n.asNot(rd, x.Type().Bits() == 64)
		m.insert(n)
	case ssa.OpcodeIneg:
		x := instr.Arg()
		rd := m.vregOf(instr.Return())
		mv := m.allocateInstr()
		mv.asMovRR(rd, m.vregOf(x), true)
		m.insert(mv)
		n := m.allocateInstr()
		n.asNeg(rd, x.Type().Bits() == 64)
		m.insert(n)
	case ssa.OpcodeImul:
		if instr.Return().Type().IsVector() {
			m.lowerVecALU(instr)
			return
		}
		x, y := instr.Arg2()
		rd := m.vregOf(instr.Return())
		mv := m.allocateInstr()
		mv.asMovRR(rd, m.vregOf(x), true)
		m.insert(mv)
		mul := m.allocateInstr()
		mul.asImulRR(rd, m.vregOf(y), x.Type().Bits() == 64)
		m.insert(mul)
	case ssa.OpcodeIshl:
		m.lowerShift(instr, shiftOpShl)
	case ssa.OpcodeUshr:
		m.lowerShift(instr, shiftOpShr)
	case ssa.OpcodeSshr:
		m.lowerShift(instr, shiftOpSar)
	case ssa.OpcodeRotl:
		m.lowerShift(instr, shiftOpRol)
	case ssa.OpcodeRotr:
		m.lowerShift(instr, shiftOpRor)
	case ssa.OpcodeUdiv, ssa.OpcodeSdiv, ssa.OpcodeUrem, ssa.OpcodeSrem:
		m.lowerDivRem(instr)
	case ssa.OpcodeIcmp:
		x, y, c := instr.IcmpData()
		m.lowerIcmpToFlags(x, y)
		s := m.allocateInstr()
		s.asSetcc(condFromSSAIntegerCmpCond(c), m.vregOf(instr.Return()))
		m.insert(s)
	case ssa.OpcodeFcmp:
		m.lowerFcmp(instr)
	case ssa.OpcodeSelect:
		m.lowerSelect(instr)
	case ssa.OpcodeUextend, ssa.OpcodeSextend:
		m.lowerExtend(instr)
	case ssa.OpcodeIreduce:
		// mov r32 zero-extends; the narrow value is already correct.
		i := m.allocateInstr()
		i.asMovRR(m.vregOf(instr.Return()), m.vregOf(instr.Arg()), false)
		m.insert(i)
	case ssa.OpcodeFadd:
		m.lowerXmmRmR(instr, xmmOpAdd)
	case ssa.OpcodeFsub:
		m.lowerXmmRmR(instr, xmmOpSub)
	case ssa.OpcodeFmul:
		m.lowerXmmRmR(instr, xmmOpMul)
	case ssa.OpcodeFdiv:
		m.lowerXmmRmR(instr, xmmOpDiv)
	case ssa.OpcodeFmin:
		m.lowerXmmRmR(instr, xmmOpMin)
	case ssa.OpcodeFmax:
		m.lowerXmmRmR(instr, xmmOpMax)
	case ssa.OpcodeSqrt:
		i := m.allocateInstr()
		i.asXmmUnary(xmmOpSqrt, m.vregOf(instr.Return()), m.vregOf(instr.Arg()),
			instr.Arg().Type() == ssa.TypeF64)
		m.insert(i)
	case ssa.OpcodeCeil:
		m.lowerRound(instr, 0b10)
	case ssa.OpcodeFloor:
		m.lowerRound(instr, 0b01)
	case ssa.OpcodeTrunc:
		m.lowerRound(instr, 0b11)
	case ssa.OpcodeNearest:
		m.lowerRound(instr, 0b00)
	case ssa.OpcodeFpromote:
		i := m.allocateInstr()
		i.asXmmUnary(xmmOpCvt, m.vregOf(instr.Return()), m.vregOf(instr.Arg()), false)
		m.insert(i)
	case ssa.OpcodeFdemote:
		i := m.allocateInstr()
		i.asXmmUnary(xmmOpCvt, m.vregOf(instr.Return()), m.vregOf(instr.Arg()), true)
		m.insert(i)
	case ssa.OpcodeFneg, ssa.OpcodeFabs, ssa.OpcodeFcopysign:
		m.lowerFpBitManip(instr)
	case ssa.OpcodeFcvtToSintSat, ssa.OpcodeFcvtToUintSat:
		m.lowerFcvtToInt(instr)
	case ssa.OpcodeFcvtFromSint:
		x := instr.Arg()
		i := m.allocateInstr()
		i.asCvtFromInt(m.vregOf(instr.Return()), m.vregOf(x),
			x.Type().Bits() == 64, instr.Return().Type() == ssa.TypeF64)
		m.insert(i)
	case ssa.OpcodeFcvtFromUint:
		m.lowerFcvtFromUint(instr)
	case ssa.OpcodeBitcast:
		m.lowerBitcast(instr)
	case ssa.OpcodeLoad, ssa.OpcodeUload8, ssa.OpcodeSload8, ssa.OpcodeUload16,
		ssa.OpcodeSload16, ssa.OpcodeUload32, ssa.OpcodeSload32:
		m.lowerLoad(instr)
	case ssa.OpcodeStore, ssa.OpcodeIstore8, ssa.OpcodeIstore16, ssa.OpcodeIstore32:
		m.lowerStore(instr)
	case ssa.OpcodeStackLoad:
		slot, off := instr.StackSlotData()
		ld := m.allocateInstr()
		ld.asLoad(loadKindOf(instr.Return().Type()), m.vregOf(instr.Return()),
			amode{base: rspVReg, disp: int32(m.explicitSlotOffsets[slot] + int64(off))})
		m.unresolvedAmodes = append(m.unresolvedAmodes, unresolvedAmode{i: ld, area: frameAreaExplicit})
		m.insert(ld)
	case ssa.OpcodeStackStore:
		slot, off := instr.StackSlotData()
		x := instr.Arg()
		st := m.allocateInstr()
		st.asStore(storeSizeOf(x.Type()), m.vregOf(x),
			amode{base: rspVReg, disp: int32(m.explicitSlotOffsets[slot] + int64(off))})
		m.unresolvedAmodes = append(m.unresolvedAmodes, unresolvedAmode{i: st, area: frameAreaExplicit})
		m.insert(st)
	case ssa.OpcodeCall:
		m.lowerCall(instr)
	case ssa.OpcodeCallIndirect:
		m.lowerCallIndirect(instr)
	case ssa.OpcodeTrapz, ssa.OpcodeTrapnz:
		m.lowerCondTrap(instr)
	case ssa.OpcodeTrap:
		t := m.allocateInstr()
		t.asTrap(instr.TrapCode())
		m.insert(t)
	case ssa.OpcodeFence:
		// Calls are the only synchronization points in single-threaded
		// codegen scope.
	default:
		panic(fmt.Sprintf("BUG: lowering undefined for %s", op))
	}
	m.flushPendingInstructions()
}

func (m *machine) lowerTwoAddrALU(instr *ssa.Instruction, op aluOp) {
	if instr.Return().Type().IsVector() {
		m.lowerVecALU(instr)
		return
	}
	x, y := instr.Arg2()
	is64 := x.Type().Bits() == 64
	rd := m.vregOf(instr.Return())

	mv := m.allocateInstr()
	mv.asMovRR(rd, m.vregOf(x), true)
	m.insert(mv)

	ydef := m.compiler.ValueDefinition(y)
	if m.compiler.MatchInstr(ydef, ssa.OpcodeIconst) {
		if c := ydef.Instr.ConstBits(); c <= 0x7fffffff {
			a := m.allocateInstr()
			a.asAluRI(op, rd, uint32(c), is64)
			m.insert(a)
			m.compiler.MarkLowered(ydef.Instr)
			return
		}
	}
	a := m.allocateInstr()
	a.asAluRR(op, rd, m.vregOf(y), is64)
	m.insert(a)
}

func (m *machine) lowerVecALU(instr *ssa.Instruction) {
	x, y := instr.Arg2()
	rd := m.vregOf(instr.Return())
	mv := m.allocateInstr()
	mv.asXmmMovRR(rd, m.vregOf(x))
	m.insert(mv)
	var op xmmOp
	switch instr.Opcode() {
	case ssa.OpcodeIadd:
		op = xmmOpPadd
	case ssa.OpcodeBand:
		op = xmmOpPand
	case ssa.OpcodeBor:
		op = xmmOpPor
	case ssa.OpcodeBxor:
		op = xmmOpPxor
	default:
		panic("BUG: unsupported vector ALU op: " + instr.Opcode().String())
	}
	a := m.allocateInstr()
	a.asXmmRmR(op, rd, m.vregOf(y), false)
	a.u1 |= uint64(instr.Return().Type().LaneType().Bits()) << 8
	m.insert(a)
}

func (m *machine) lowerShift(instr *ssa.Instruction, op shiftOp) {
	x, y := instr.Arg2()
	is64 := x.Type().Bits() == 64
	rd := m.vregOf(instr.Return())

	mv := m.allocateInstr()
	mv.asMovRR(rd, m.vregOf(x), true)
	m.insert(mv)

	ydef := m.compiler.ValueDefinition(y)
	if m.compiler.MatchInstr(ydef, ssa.OpcodeIconst) {
		s := m.allocateInstr()
		s.asShiftRI(op, rd, byte(ydef.Instr.ConstBits()), is64)
		m.insert(s)
		m.compiler.MarkLowered(ydef.Instr)
		return
	}

	// The variable amount must be in CL.
	mcl := m.allocateInstr()
	mcl.asMovRR(rcxVReg, m.vregOf(y), true)
	m.insert(mcl)
	s := m.allocateInstr()
	s.asShiftRCl(op, rd, is64)
	m.insert(s)
}

// lowerDivRem emits the hardware divide sequence. The dividend is moved
// into RAX and extended into RDX: sign-extension (cdq/cqo) for the signed
// forms, zeroing for the unsigned ones.
func (m *machine) lowerDivRem(instr *ssa.Instruction) {
	x, y := instr.Arg2()
	is64 := x.Type().Bits() == 64
	op := instr.Opcode()
	signed := op == ssa.OpcodeSdiv || op == ssa.OpcodeSrem
	wantRem := op == ssa.OpcodeUrem || op == ssa.OpcodeSrem

	mv := m.allocateInstr()
	mv.asMovRR(raxVReg, m.vregOf(x), true)
	m.insert(mv)

	ext := m.allocateInstr()
	if signed {
		ext.asCdqCqo(is64)
	} else {
		ext.asZeroRdx()
	}
	m.insert(ext)

	d := m.allocateInstr()
	d.asDiv(m.vregOf(y), signed, is64)
	m.insert(d)

	out := m.allocateInstr()
	if wantRem {
		out.asMovRR(m.vregOf(instr.Return()), rdxVReg, true)
	} else {
		out.asMovRR(m.vregOf(instr.Return()), raxVReg, true)
	}
	m.insert(out)
}

// lowerFcmp materializes a float comparison with the wasm NaN discipline:
// every comparison with NaN is false except "not equal". Equality needs the
// parity check because ucomis reports unordered through PF.
func (m *machine) lowerFcmp(instr *ssa.Instruction) {
	x, y, c := instr.FcmpData()
	is64 := x.Type() == ssa.TypeF64
	rd := m.vregOf(instr.Return())

	emitUcomis := func(a, b ssa.Value) {
		u := m.allocateInstr()
		u.asUcomis(m.vregOf(a), m.vregOf(b), is64)
		m.insert(u)
	}

	switch c {
	case ssa.FloatCmpCondEqual, ssa.FloatCmpCondNotEqual:
		emitUcomis(x, y)
		s := m.allocateInstr()
		if c == ssa.FloatCmpCondEqual {
			s.asSetcc(ccE, rd)
		} else {
			s.asSetcc(ccNe, rd)
		}
		m.insert(s)
		p := m.compiler.AllocateVReg(ssa.TypeI32)
		sp := m.allocateInstr()
		if c == ssa.FloatCmpCondEqual {
			// NaN operands must yield false: clear on parity.
			sp.asSetcc(ccNp, p)
			m.insert(sp)
			and := m.allocateInstr()
			and.asAluRR(aluOpAnd, rd, p, false)
			m.insert(and)
		} else {
			// NaN operands must yield true: set on parity.
			sp.asSetcc(ccP, p)
			m.insert(sp)
			or := m.allocateInstr()
			or.asAluRR(aluOpOr, rd, p, false)
			m.insert(or)
		}
	case ssa.FloatCmpCondLessThan, ssa.FloatCmpCondLessThanOrEqual:
		// Swap the operands so that unordered results come out false
		// through the carry-clear conditions.
		emitUcomis(y, x)
		s := m.allocateInstr()
		if c == ssa.FloatCmpCondLessThan {
			s.asSetcc(ccA, rd)
		} else {
			s.asSetcc(ccAe, rd)
		}
		m.insert(s)
	default:
		emitUcomis(x, y)
		s := m.allocateInstr()
		if c == ssa.FloatCmpCondGreaterThan {
			s.asSetcc(ccA, rd)
		} else {
			s.asSetcc(ccAe, rd)
		}
		m.insert(s)
	}
}

func (m *machine) lowerSelect(instr *ssa.Instruction) {
	c, x, y := instr.Arg3()
	rd := m.vregOf(instr.Return())

	if x.Type().IsFloat() || x.Type().IsVector() {
		// Branchless float select via integer moves would lose NaN bits;
		// use a short jcc diamond instead: rd = y; if c != 0 then rd = x.
		mv := m.allocateInstr()
		mv.asXmmMovRR(rd, m.vregOf(y))
		m.insert(mv)
		t := m.allocateInstr()
		t.asTestRR(m.vregOf(c), m.vregOf(c), false)
		m.insert(t)
		skip := m.allocateLabel()
		j := m.allocateInstr()
		j.asJcc(ccE, skip)
		m.insert(j)
		mv2 := m.allocateInstr()
		mv2.asXmmMovRR(rd, m.vregOf(x))
		m.insert(mv2)
		nop := m.allocateNop()
		m.labelPositions[skip] = &labelPosition{begin: nop, end: nop}
		m.insert(nop)
		return
	}

	is64 := x.Type().Bits() == 64
	mv := m.allocateInstr()
	mv.asMovRR(rd, m.vregOf(y), true)
	m.insert(mv)
	t := m.allocateInstr()
	t.asTestRR(m.vregOf(c), m.vregOf(c), false)
	m.insert(t)
	cm := m.allocateInstr()
	cm.asCmovRR(ccNe, rd, m.vregOf(x), is64)
	m.insert(cm)
}

func (m *machine) lowerExtend(instr *ssa.Instruction) {
	x := instr.Arg()
	from := x.Type().Bits()
	to := instr.Return().Type().Bits()
	signed := instr.Opcode() == ssa.OpcodeSextend
	rd := m.vregOf(instr.Return())
	rn := m.vregOf(x)

	var k loadKind
	switch {
	case from == 32 && to == 64 && !signed:
		i := m.allocateInstr()
		i.asMovRR(rd, rn, false) // 32-bit mov zero-extends
		m.insert(i)
		return
	case from == 32 && signed:
		k = loadKind32S
	case from == 16 && signed:
		k = loadKind16S
	case from == 16:
		k = loadKind16U
	case from == 8 && signed:
		k = loadKind8S
	default:
		k = loadKind8U
	}
	// Register-to-register movzx/movsx reuse the load opcodes with a
	// register operand; the encoder accepts the direct form through a
	// dedicated kind.
	i := m.allocateInstr()
	i.asExtendRR(k, rd, rn)
	m.insert(i)
}

// lowerFcvtToInt lowers the saturating conversions. cvttss2si/cvttsd2si
// produce INT_MIN on overflow/NaN; the saturating semantics are recovered
// with compare/cmov fixups. The unsigned 32-bit forms (from f32 or f64)
// use the signed 64-bit conversion and keep its low 32 bits; no 2^31
// compare or bias path is emitted for them.
func (m *machine) lowerFcvtToInt(instr *ssa.Instruction) {
	x := instr.Arg()
	src64 := x.Type() == ssa.TypeF64
	to := instr.Return().Type()
	dst64 := to.Bits() == 64
	signed := instr.Opcode() == ssa.OpcodeFcvtToSintSat
	rd := m.vregOf(instr.Return())

	if signed {
		// The raw conversion saturates to INT_MIN on any out-of-range or
		// NaN input; the legalizer's expansion (or the guard checks of the
		// trapping form) already handled the adjustment cases, so the raw
		// instruction is enough here except for NaN→0.
		cvt := m.allocateInstr()
		cvt.asCvtToInt(rd, m.vregOf(x), src64, dst64)
		m.insert(cvt)

		// NaN must yield 0: ucomis x, x sets parity on NaN.
		u := m.allocateInstr()
		u.asUcomis(m.vregOf(x), m.vregOf(x), src64)
		m.insert(u)
		z := m.compiler.AllocateVReg(to)
		mz := m.allocateInstr()
		mz.asMovRI(z, 0, dst64)
		m.insert(mz)
		cm := m.allocateInstr()
		cm.asCmovRR(ccP, rd, z, dst64)
		m.insert(cm)
		return
	}

	if !dst64 {
		// Unsigned 32-bit: convert through the signed 64-bit form, which
		// covers the whole u32 range exactly.
		wide := m.compiler.AllocateVReg(ssa.TypeI64)
		cvt := m.allocateInstr()
		cvt.asCvtToInt(wide, m.vregOf(x), src64, true)
		m.insert(cvt)
		mv := m.allocateInstr()
		mv.asMovRR(rd, wide, false)
		m.insert(mv)
		return
	}

	// Unsigned 64-bit from float: compare against 2^63; small inputs use
	// the direct signed conversion, larger ones are biased down by 2^63,
	// converted, then the high bit is set.
	var biasBits uint64
	if src64 {
		biasBits = 0x43E0000000000000 // 2^63 as f64
	} else {
		biasBits = 0x5F000000 // 2^63 as f32
	}
	bias := m.compiler.AllocateVReg(x.Type())
	lb := m.allocateInstr()
	lb.asLoadXmmConst(bias, biasBits, src64)
	m.insert(lb)

	small := m.allocateInstr()
	small.asCvtToInt(rd, m.vregOf(x), src64, true)
	m.insert(small)

	// biased = x - 2^63; bigRes = cvt(biased) + 2^63.
	biased := m.compiler.AllocateVReg(x.Type())
	mvb := m.allocateInstr()
	mvb.asXmmMovRR(biased, m.vregOf(x))
	m.insert(mvb)
	sub := m.allocateInstr()
	sub.asXmmRmR(xmmOpSub, biased, bias, src64)
	m.insert(sub)
	bigRes := m.compiler.AllocateVReg(ssa.TypeI64)
	cvtBig := m.allocateInstr()
	cvtBig.asCvtToInt(bigRes, biased, src64, true)
	m.insert(cvtBig)
	hi := m.compiler.AllocateVReg(ssa.TypeI64)
	mh := m.allocateInstr()
	mh.asMovRI(hi, 1<<63, true)
	m.insert(mh)
	add := m.allocateInstr()
	add.asAluRR(aluOpAdd, bigRes, hi, true)
	m.insert(add)

	// Choose: if x < 2^63 (ucomis bias, x sets carry... use a, i.e.
	// bias > x) keep the small result, else the biased one.
	u := m.allocateInstr()
	u.asUcomis(bias, m.vregOf(x), src64)
	m.insert(u)
	cm := m.allocateInstr()
	cm.asCmovRR(ccBe, rd, bigRes, true) // bias <= x: take the biased path
	m.insert(cm)
}

// lowerFcvtFromUint converts an unsigned integer to float. The 32-bit form
// zero-extends and uses the signed 64-bit converter; the 64-bit form
// halves-and-rounds when the top bit is set.
func (m *machine) lowerFcvtFromUint(instr *ssa.Instruction) {
	x := instr.Arg()
	dst64 := instr.Return().Type() == ssa.TypeF64
	rd := m.vregOf(instr.Return())

	if x.Type().Bits() == 32 {
		wide := m.compiler.AllocateVReg(ssa.TypeI64)
		mv := m.allocateInstr()
		mv.asMovRR(wide, m.vregOf(x), false)
		m.insert(mv)
		cvt := m.allocateInstr()
		cvt.asCvtFromInt(rd, wide, true, dst64)
		m.insert(cvt)
		return
	}

	// u64: direct conversion when the sign bit is clear; otherwise convert
	// (x>>1 | x&1) and double the result to keep the rounding correct.
	direct := m.allocateInstr()
	direct.asCvtFromInt(rd, m.vregOf(x), true, dst64)
	m.insert(direct)

	halved := m.compiler.AllocateVReg(ssa.TypeI64)
	mv := m.allocateInstr()
	mv.asMovRR(halved, m.vregOf(x), true)
	m.insert(mv)
	sh := m.allocateInstr()
	sh.asShiftRI(shiftOpShr, halved, 1, true)
	m.insert(sh)
	low := m.compiler.AllocateVReg(ssa.TypeI64)
	mv2 := m.allocateInstr()
	mv2.asMovRR(low, m.vregOf(x), true)
	m.insert(mv2)
	andi := m.allocateInstr()
	andi.asAluRI(aluOpAnd, low, 1, true)
	m.insert(andi)
	or := m.allocateInstr()
	or.asAluRR(aluOpOr, halved, low, true)
	m.insert(or)

	big := m.compiler.AllocateVReg(instr.Return().Type())
	cvt := m.allocateInstr()
	cvt.asCvtFromInt(big, halved, true, dst64)
	m.insert(cvt)
	dbl := m.allocateInstr()
	dbl.asXmmRmR(xmmOpAdd, big, big, dst64)
	m.insert(dbl)

	// Select by the sign of x.
	t := m.allocateInstr()
	t.asTestRR(m.vregOf(x), m.vregOf(x), true)
	m.insert(t)
	skip := m.allocateLabel()
	j := m.allocateInstr()
	j.asJcc(ccNs, skip)
	m.insert(j)
	mvBig := m.allocateInstr()
	mvBig.asXmmMovRR(rd, big)
	m.insert(mvBig)
	nop := m.allocateNop()
	m.labelPositions[skip] = &labelPosition{begin: nop, end: nop}
	m.insert(nop)
}

// lowerFpBitManip lowers fneg/fabs/fcopysign through the integer unit.
func (m *machine) lowerFpBitManip(instr *ssa.Instruction) {
	x := instr.Arg()
	is64 := x.Type() == ssa.TypeF64
	width := 32
	if is64 {
		width = 64
	}
	signBit := uint64(1) << (width - 1)
	rd := m.vregOf(instr.Return())

	bits := m.compiler.AllocateVReg(ssa.TypeI64)
	mv := m.allocateInstr()
	mv.asMovXmmToGpr(bits, m.vregOf(x), is64)
	m.insert(mv)

	switch instr.Opcode() {
	case ssa.OpcodeFneg:
		mask := m.compiler.AllocateVReg(ssa.TypeI64)
		mm := m.allocateInstr()
		mm.asMovRI(mask, signBit, true)
		m.insert(mm)
		x1 := m.allocateInstr()
		x1.asAluRR(aluOpXor, bits, mask, is64)
		m.insert(x1)
	case ssa.OpcodeFabs:
		mask := m.compiler.AllocateVReg(ssa.TypeI64)
		mm := m.allocateInstr()
		mm.asMovRI(mask, signBit-1, true)
		m.insert(mm)
		x1 := m.allocateInstr()
		x1.asAluRR(aluOpAnd, bits, mask, is64)
		m.insert(x1)
	case ssa.OpcodeFcopysign:
		_, y := instr.Arg2()
		ybits := m.compiler.AllocateVReg(ssa.TypeI64)
		mv2 := m.allocateInstr()
		mv2.asMovXmmToGpr(ybits, m.vregOf(y), is64)
		m.insert(mv2)
		mask := m.compiler.AllocateVReg(ssa.TypeI64)
		mm := m.allocateInstr()
		mm.asMovRI(mask, signBit, true)
		m.insert(mm)
		sign := m.allocateInstr()
		sign.asAluRR(aluOpAnd, ybits, mask, is64)
		m.insert(sign)
		body := m.compiler.AllocateVReg(ssa.TypeI64)
		mm2 := m.allocateInstr()
		mm2.asMovRI(body, signBit-1, true)
		m.insert(mm2)
		clr := m.allocateInstr()
		clr.asAluRR(aluOpAnd, bits, body, is64)
		m.insert(clr)
		or := m.allocateInstr()
		or.asAluRR(aluOpOr, bits, ybits, is64)
		m.insert(or)
	}

	back := m.allocateInstr()
	back.asMovGprToXmm(rd, bits, is64)
	m.insert(back)
}

func (m *machine) lowerXmmRmR(instr *ssa.Instruction, op xmmOp) {
	x, y := instr.Arg2()
	is64 := x.Type() == ssa.TypeF64
	rd := m.vregOf(instr.Return())
	mv := m.allocateInstr()
	mv.asXmmMovRR(rd, m.vregOf(x))
	m.insert(mv)
	a := m.allocateInstr()
	a.asXmmRmR(op, rd, m.vregOf(y), is64)
	m.insert(a)
}

func (m *machine) lowerRound(instr *ssa.Instruction, mode byte) {
	x := instr.Arg()
	i := m.allocateInstr()
	i.asXmmRound(m.vregOf(instr.Return()), m.vregOf(x), mode, x.Type() == ssa.TypeF64)
	m.insert(i)
}

func (m *machine) lowerBitcast(instr *ssa.Instruction) {
	x := instr.Arg()
	to := instr.Return().Type()
	rd := m.vregOf(instr.Return())
	rn := m.vregOf(x)
	i := m.allocateInstr()
	switch {
	case x.Type().IsInt() && to.IsFloat():
		i.asMovGprToXmm(rd, rn, to == ssa.TypeF64)
	case x.Type().IsFloat() && to.IsInt():
		i.asMovXmmToGpr(rd, rn, x.Type() == ssa.TypeF64)
	case x.Type().IsFloat() && to.IsFloat():
		i.asXmmMovRR(rd, rn)
	default:
		i.asMovRR(rd, rn, true)
	}
	m.insert(i)
}

func (m *machine) lowerLoad(instr *ssa.Instruction) {
	ptr, offset, flags := instr.MemData()
	var k loadKind
	switch instr.Opcode() {
	case ssa.OpcodeLoad:
		k = loadKindOf(instr.Return().Type())
	case ssa.OpcodeUload8:
		k = loadKind8U
	case ssa.OpcodeSload8:
		k = loadKind8S
	case ssa.OpcodeUload16:
		k = loadKind16U
	case ssa.OpcodeSload16:
		k = loadKind16S
	case ssa.OpcodeUload32:
		k = loadKind32U
	case ssa.OpcodeSload32:
		k = loadKind32S
	}
	ld := m.allocateInstr()
	ld.asLoad(k, m.vregOf(instr.Return()), amode{base: m.vregOf(ptr), disp: int32(offset)})
	if flags&ssa.MemFlagKnownInBounds == 0 {
		ld.markHeapAccess()
	}
	m.insert(ld)
}

func (m *machine) lowerStore(instr *ssa.Instruction) {
	ptr, offset, flags := instr.MemData()
	x := instr.Arg()
	var size byte
	switch instr.Opcode() {
	case ssa.OpcodeStore:
		size = storeSizeOf(x.Type())
	case ssa.OpcodeIstore8:
		size = 1
	case ssa.OpcodeIstore16:
		size = 2
	case ssa.OpcodeIstore32:
		size = 4
	}
	st := m.allocateInstr()
	st.asStore(size, m.vregOf(x), amode{base: m.vregOf(ptr), disp: int32(offset)})
	if flags&ssa.MemFlagKnownInBounds == 0 {
		st.markHeapAccess()
	}
	m.insert(st)
}

func (m *machine) lowerCondTrap(instr *ssa.Instruction) {
	c := instr.Arg()
	code := instr.TrapCode()
	onNonZero := instr.Opcode() == ssa.OpcodeTrapnz

	cdef := m.compiler.ValueDefinition(c)
	if m.compiler.MatchInstr(cdef, ssa.OpcodeIcmp) {
		x, y, cond := cdef.Instr.IcmpData()
		flag := condFromSSAIntegerCmpCond(cond)
		if !onNonZero {
			flag = flag.invert()
		}
		m.lowerIcmpToFlags(x, y)
		t := m.allocateInstr()
		t.asTrapIf(flag, code)
		m.insert(t)
		m.compiler.MarkLowered(cdef.Instr)
		return
	}

	tt := m.allocateInstr()
	tt.asTestRR(m.vregOf(c), m.vregOf(c), c.Type().Bits() == 64)
	m.insert(tt)
	flag := ccNe
	if !onNonZero {
		flag = ccE
	}
	t := m.allocateInstr()
	t.asTrapIf(flag, code)
	m.insert(t)
}

func (m *machine) lowerCall(instr *ssa.Instruction) {
	b := m.compiler.SSABuilder()
	sig := b.ResolveSignature(instr.SigID())
	abi := m.getOrCreateABI(sig)
	ext := b.ExtFuncData(instr.FuncRef())

	m.lowerCallArgs(abi, instr.ArgVs())

	m.callTargets = append(m.callTargets, callTarget{name: ext.Name})
	c := m.allocateInstr()
	c.asCall(len(m.callTargets)-1, abi.argRegs(), abi.retRegs())
	m.insert(c)

	m.lowerCallRets(abi, instr)
	if need := abi.stackSpaceRequired(); need > m.maxRequiredStackSize {
		m.maxRequiredStackSize = need
	}
}

func (m *machine) lowerCallIndirect(instr *ssa.Instruction) {
	b := m.compiler.SSABuilder()
	sig := b.ResolveSignature(instr.SigID())
	abi := m.getOrCreateABI(sig)

	m.lowerCallArgs(abi, instr.ArgVs())

	c := m.allocateInstr()
	c.asCallInd(m.vregOf(instr.Arg()), abi.argRegs(), abi.retRegs())
	m.insert(c)

	m.lowerCallRets(abi, instr)
	if need := abi.stackSpaceRequired(); need > m.maxRequiredStackSize {
		m.maxRequiredStackSize = need
	}
}

func (m *machine) lowerCallArgs(abi *abiImpl, args []ssa.Value) {
	for i, a := range args {
		loc := abi.args[i]
		if !loc.onStack {
			mv := m.allocateInstr()
			m.moveTo(mv, loc.reg, m.vregOf(a), a.Type())
			m.insert(mv)
		} else {
			st := m.allocateInstr()
			st.asStore(storeSizeOf(a.Type()), m.vregOf(a), amode{base: rspVReg, disp: int32(loc.offset)})
			m.insert(st)
		}
	}
}

func (m *machine) lowerCallRets(abi *abiImpl, instr *ssa.Instruction) {
	r, rs := instr.Returns()
	for i := -1; i < len(rs); i++ {
		rv := r
		if i >= 0 {
			rv = rs[i]
		}
		if !rv.Valid() {
			continue
		}
		loc := abi.rets[i+1]
		if !loc.onStack {
			mv := m.allocateInstr()
			m.moveTo(mv, m.vregOf(rv), loc.reg, rv.Type())
			m.insert(mv)
		} else {
			ld := m.allocateInstr()
			ld.asLoad(loadKindOf(rv.Type()), m.vregOf(rv),
				amode{base: rspVReg, disp: int32(abi.argStackSize + loc.offset)})
			m.insert(ld)
		}
	}
}
