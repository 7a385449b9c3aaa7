package arm64

import (
	"fmt"

	"github.com/bytecodealliance/wasmtime-sub017/internal/backend"
	"github.com/bytecodealliance/wasmtime-sub017/internal/backend/regalloc"
	"github.com/bytecodealliance/wasmtime-sub017/internal/ssa"
)

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
			b := m.allocateInstr()
			b.asBr(m.getOrAllocateSSABlockLabel(target))
			m.insert(b)
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

// lowerReturn moves the return values into their ABI locations and emits
// the return, which PostRegAlloc expands with the epilogue.
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
			// Stack results land in the caller-reserved area above the
			// stack arguments.
			st := m.allocateInstr()
			st.asStore(storeKindOf(rv.Type()), src,
				addressMode{rn: fpVReg, imm: uint32(16 + abi.argStackSize + loc.offset)})
			m.insert(st)
		}
	}
	r := m.allocateInstr()
	r.asRet(abi.retRegs())
	m.insert(r)
}

// lowerBranchArgs passes the branch arguments to the target block's
// parameters. The transfer goes through fresh temporaries so that
// overlapping source and destination registers cannot clobber each other.
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

// lowerBrTable expands a br_table into a compare chain ending in the
// default target.
func (m *machine) lowerBrTable(instr *ssa.Instruction) {
	jt := m.compiler.SSABuilder().JumpTableData(instr.JumpTable())
	idx := m.vregOf(instr.Arg())
	for k, target := range jt.Targets {
		cmp := m.allocateInstr()
		if k <= 0xfff {
			cmp.asAluRRImm12(aluOpSubS, xzrVReg, idx, uint16(k), false)
			m.insert(cmp)
		} else {
			c := m.lowerConstantI32(uint32(k))
			cmp.asAluRRR(aluOpSubS, xzrVReg, idx, c, false)
			m.insert(cmp)
		}
		b := m.allocateInstr()
		b.asCondBr(eq.asCond(), m.getOrAllocateSSABlockLabel(target))
		m.insert(b)
	}
	b := m.allocateInstr()
	b.asBr(m.getOrAllocateSSABlockLabel(jt.Default))
	m.insert(b)
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
		flag := condFlagFromSSAIntegerCmpCond(c)
		if negate {
			flag = flag.invert()
		}
		m.lowerIcmpToFlags(x, y)
		br := m.allocateInstr()
		br.asCondBr(flag.asCond(), targetLabel)
		m.insert(br)
		m.compiler.MarkLowered(cvalDef.Instr)
	} else if m.compiler.MatchInstr(cvalDef, ssa.OpcodeFcmp) {
		x, y, c := cvalDef.Instr.FcmpData()
		flag := condFlagFromSSAFloatCmpCond(c)
		if negate {
			flag = flag.invert()
		}
		cmp := m.allocateInstr()
		cmp.asFpuCmp(m.vregOf(x), m.vregOf(y), x.Type() == ssa.TypeF64)
		m.insert(cmp)
		br := m.allocateInstr()
		br.asCondBr(flag.asCond(), targetLabel)
		m.insert(br)
		m.compiler.MarkLowered(cvalDef.Instr)
	} else {
		rc := m.vregOf(cval)
		br := m.allocateInstr()
		if negate {
			br.asCondBr(registerAsRegZeroCond(rc), targetLabel)
		} else {
			br.asCondBr(registerAsRegNotZeroCond(rc), targetLabel)
		}
		m.insert(br)
	}
	m.flushPendingInstructions()
}

// lowerIcmpToFlags emits the flag-setting compare of x and y, using the
// immediate form when y is a small constant.
func (m *machine) lowerIcmpToFlags(x, y ssa.Value) {
	is64 := x.Type().Bits() == 64
	ydef := m.compiler.ValueDefinition(y)
	if m.compiler.MatchInstr(ydef, ssa.OpcodeIconst) {
		if c := ydef.Instr.ConstBits(); c <= 0xfff {
			cmp := m.allocateInstr()
			cmp.asAluRRImm12(aluOpSubS, xzrVReg, m.vregOf(x), uint16(c), is64)
			m.insert(cmp)
			m.compiler.MarkLowered(ydef.Instr)
			return
		}
	}
	cmp := m.allocateInstr()
	cmp.asAluRRR(aluOpSubS, xzrVReg, m.vregOf(x), m.vregOf(y), is64)
	m.insert(cmp)
}

func (m *machine) emitSrcLocMarker(instr *ssa.Instruction) {
	if off := instr.SourceOffset(); off.Valid() {
		mk := m.allocateInstr()
		mk.asEmitSrcLoc(int64(off))
		m.insert(mk)
	}
}

// vregOf returns the VReg of the (aliased) value.
func (m *machine) vregOf(v ssa.Value) regalloc.VReg {
	return m.compiler.VRegOf(v)
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
		m.lowerConstant(m.vregOf(instr.Return()), instr.ConstBits(), instr.Return().Type().Bits() == 64)
	case ssa.OpcodeF32const:
		ld := m.allocateInstr()
		ld.asLoadFpuConst32(m.vregOf(instr.Return()), uint32(instr.ConstBits()))
		m.insert(ld)
	case ssa.OpcodeF64const:
		ld := m.allocateInstr()
		ld.asLoadFpuConst64(m.vregOf(instr.Return()), instr.ConstBits())
		m.insert(ld)
	case ssa.OpcodeIadd, ssa.OpcodeIsub:
		m.lowerAddSub(instr)
	case ssa.OpcodeBand, ssa.OpcodeBor, ssa.OpcodeBxor, ssa.OpcodeBandNot:
		m.lowerBitwise(instr)
	case ssa.OpcodeBnot:
		x := instr.Arg()
		i := m.allocateInstr()
		i.asAluRRR(aluOpOrn, m.vregOf(instr.Return()), xzrVReg, m.vregOf(x), x.Type().Bits() == 64)
		m.insert(i)
	case ssa.OpcodeImul:
		m.lowerAluRRR(instr, aluOpMul)
	case ssa.OpcodeUmulhi:
		m.lowerAluRRR(instr, aluOpUMulH)
	case ssa.OpcodeSmulhi:
		m.lowerAluRRR(instr, aluOpSMulH)
	case ssa.OpcodeUdiv:
		m.lowerAluRRR(instr, aluOpUDiv)
	case ssa.OpcodeSdiv:
		m.lowerAluRRR(instr, aluOpSDiv)
	case ssa.OpcodeUrem, ssa.OpcodeSrem:
		m.lowerRem(instr)
	case ssa.OpcodeIshl:
		m.lowerAluRRR(instr, aluOpLsl)
	case ssa.OpcodeUshr:
		m.lowerAluRRR(instr, aluOpLsr)
	case ssa.OpcodeSshr:
		m.lowerAluRRR(instr, aluOpAsr)
	case ssa.OpcodeRotr:
		m.lowerAluRRR(instr, aluOpRor)
	case ssa.OpcodeRotl:
		m.lowerRotl(instr)
	case ssa.OpcodeClz:
		m.lowerAluRR(instr, aluOpClz)
	case ssa.OpcodeCtz:
		x := instr.Arg()
		is64 := x.Type().Bits() == 64
		rev := m.compiler.AllocateVReg(x.Type())
		i1 := m.allocateInstr()
		i1.asAluRRR(aluOpRbit, rev, m.vregOf(x), regalloc.VRegInvalid, is64)
		m.insert(i1)
		i2 := m.allocateInstr()
		i2.asAluRRR(aluOpClz, m.vregOf(instr.Return()), rev, regalloc.VRegInvalid, is64)
		m.insert(i2)
	case ssa.OpcodeBswap:
		m.lowerAluRR(instr, aluOpRev)
	case ssa.OpcodePopcnt:
		m.lowerPopcnt(instr)
	case ssa.OpcodeIcmp:
		x, y, c := instr.IcmpData()
		if x.Type().IsVector() {
			panic("BUG: vector icmp is not lowered on this target")
		}
		m.lowerIcmpToFlags(x, y)
		cs := m.allocateInstr()
		cs.asCSet(m.vregOf(instr.Return()), condFlagFromSSAIntegerCmpCond(c))
		m.insert(cs)
	case ssa.OpcodeFcmp:
		x, y, c := instr.FcmpData()
		cmp := m.allocateInstr()
		cmp.asFpuCmp(m.vregOf(x), m.vregOf(y), x.Type() == ssa.TypeF64)
		m.insert(cmp)
		cs := m.allocateInstr()
		cs.asCSet(m.vregOf(instr.Return()), condFlagFromSSAFloatCmpCond(c))
		m.insert(cs)
	case ssa.OpcodeSelect:
		m.lowerSelect(instr)
	case ssa.OpcodeUextend, ssa.OpcodeSextend:
		m.lowerExtend(instr)
	case ssa.OpcodeIreduce:
		i := m.allocateInstr()
		i.asMov32(m.vregOf(instr.Return()), m.vregOf(instr.Arg()))
		m.insert(i)
	case ssa.OpcodeFadd, ssa.OpcodeFsub, ssa.OpcodeFmul, ssa.OpcodeFdiv,
		ssa.OpcodeFmin, ssa.OpcodeFmax:
		m.lowerFpuRRR(instr)
	case ssa.OpcodeFneg:
		m.lowerFpuRR(instr, fpuOpNeg)
	case ssa.OpcodeFabs:
		m.lowerFpuRR(instr, fpuOpAbs)
	case ssa.OpcodeSqrt:
		m.lowerFpuRR(instr, fpuOpSqrt)
	case ssa.OpcodeCeil:
		m.lowerFpuRR(instr, fpuOpRintP)
	case ssa.OpcodeFloor:
		m.lowerFpuRR(instr, fpuOpRintM)
	case ssa.OpcodeTrunc:
		m.lowerFpuRR(instr, fpuOpRintZ)
	case ssa.OpcodeNearest:
		m.lowerFpuRR(instr, fpuOpRintN)
	case ssa.OpcodeFpromote:
		i := m.allocateInstr()
		i.asFpuRR(fpuOpCvtToDouble, m.vregOf(instr.Return()), m.vregOf(instr.Arg()), false)
		m.insert(i)
	case ssa.OpcodeFdemote:
		i := m.allocateInstr()
		i.asFpuRR(fpuOpCvtToSingle, m.vregOf(instr.Return()), m.vregOf(instr.Arg()), true)
		m.insert(i)
	case ssa.OpcodeFcopysign:
		m.lowerFcopysign(instr)
	case ssa.OpcodeFcvtToSintSat, ssa.OpcodeFcvtToUintSat:
		// fcvtzs/fcvtzu saturate natively on this target.
		x := instr.Arg()
		i := m.allocateInstr()
		i.asFpuToInt(m.vregOf(instr.Return()), m.vregOf(x),
			op == ssa.OpcodeFcvtToSintSat,
			x.Type() == ssa.TypeF64,
			instr.Return().Type().Bits() == 64)
		m.insert(i)
	case ssa.OpcodeFcvtFromSint, ssa.OpcodeFcvtFromUint:
		x := instr.Arg()
		if instr.Return().Type().IsVector() {
			panic("BUG: vector fcvt_from_* must be sunk under splat by the middle end")
		}
		i := m.allocateInstr()
		i.asIntToFpu(m.vregOf(instr.Return()), m.vregOf(x),
			op == ssa.OpcodeFcvtFromSint,
			x.Type().Bits() == 64,
			instr.Return().Type() == ssa.TypeF64)
		m.insert(i)
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
			addressMode{rn: spVReg, imm: uint32(m.explicitSlotOffsets[slot] + int64(off))})
		m.unresolvedAmodes = append(m.unresolvedAmodes, unresolvedAmode{i: ld, area: frameAreaExplicit})
		m.insert(ld)
	case ssa.OpcodeStackStore:
		slot, off := instr.StackSlotData()
		x := instr.Arg()
		st := m.allocateInstr()
		st.asStore(storeKindOf(x.Type()), m.vregOf(x),
			addressMode{rn: spVReg, imm: uint32(m.explicitSlotOffsets[slot] + int64(off))})
		m.unresolvedAmodes = append(m.unresolvedAmodes, unresolvedAmode{i: st, area: frameAreaExplicit})
		m.insert(st)
	case ssa.OpcodeStackAddr:
		slot, off := instr.StackSlotData()
		add := m.allocateInstr()
		add.asAluRRImm12(aluOpAdd, m.vregOf(instr.Return()), spVReg,
			uint16(m.explicitSlotOffsets[slot]+int64(off)), true)
		m.unresolvedStackAddrs = append(m.unresolvedStackAddrs, add)
		m.insert(add)
	case ssa.OpcodeGlobalValue:
		gv := m.compiler.SSABuilder().GlobalValueData(instr.GlobalValueData())
		m.symbols = append(m.symbols, gv.Name)
		ld := m.allocateInstr()
		ld.asLoadSymAddr(m.vregOf(instr.Return()), len(m.symbols)-1)
		m.insert(ld)
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
	case ssa.OpcodeSplat:
		m.lowerSplat(instr)
	case ssa.OpcodeExtractlane:
		m.lowerExtractlane(instr)
	case ssa.OpcodeInsertlane:
		m.lowerInsertlane(instr)
	case ssa.OpcodeVanyTrue, ssa.OpcodeVallTrue:
		m.lowerVTest(instr)
	case ssa.OpcodeIsNull:
		rc := m.vregOf(instr.Arg())
		cmp := m.allocateInstr()
		cmp.asAluRRImm12(aluOpSubS, xzrVReg, rc, 0, true)
		m.insert(cmp)
		cs := m.allocateInstr()
		cs.asCSet(m.vregOf(instr.Return()), eq)
		m.insert(cs)
	case ssa.OpcodeFence:
		// Single-threaded code generation scope: calls act as the only
		// synchronization points.
	default:
		panic(fmt.Sprintf("BUG: lowering undefined for %s", op))
	}
	m.flushPendingInstructions()
}

// lowerConstant materializes the constant into rd with movz/movn/movk.
func (m *machine) lowerConstant(rd regalloc.VReg, c uint64, _64bit bool) {
	if !_64bit {
		c &= 0xffffffff
	}
	// A value with mostly-set bits is cheaper through movn.
	if _64bit && ^c < 1<<16 {
		i := m.allocateInstr()
		i.asMovN(rd, uint16(^c), 0, true)
		m.insert(i)
		return
	}
	for _, i := range m.constSequence(rd, c) {
		m.insert(i)
	}
}

// lowerConstantI32 materializes a 32-bit constant into a fresh register.
func (m *machine) lowerConstantI32(c uint32) regalloc.VReg {
	rd := m.compiler.AllocateVReg(ssa.TypeI32)
	m.lowerConstant(rd, uint64(c), false)
	return rd
}

// lowerAddSub lowers iadd/isub, folding small immediate operands into the
// imm12 form. A subtract of a negated immediate is emitted as an add of the
// original immediate (and vice versa).
func (m *machine) lowerAddSub(instr *ssa.Instruction) {
	x, y := instr.Arg2()
	is64 := x.Type().Bits() == 64
	rd := m.vregOf(instr.Return())
	op := aluOpAdd
	if instr.Opcode() == ssa.OpcodeIsub {
		op = aluOpSub
	}

	if instr.Return().Type().IsVector() {
		m.lowerVecALU(instr)
		return
	}

	ydef := m.compiler.ValueDefinition(y)
	if m.compiler.MatchInstr(ydef, ssa.OpcodeIconst) {
		c := ydef.Instr.ConstBits()
		neg := -c
		if !is64 {
			neg &= 0xffffffff
		}
		switch {
		case c <= 0xfff:
			i := m.allocateInstr()
			i.asAluRRImm12(op, rd, m.vregOf(x), uint16(c), is64)
			m.insert(i)
			m.compiler.MarkLowered(ydef.Instr)
			return
		case neg <= 0xfff:
			inv := aluOpSub
			if op == aluOpSub {
				inv = aluOpAdd
			}
			i := m.allocateInstr()
			i.asAluRRImm12(inv, rd, m.vregOf(x), uint16(neg), is64)
			m.insert(i)
			m.compiler.MarkLowered(ydef.Instr)
			return
		}
	}
	i := m.allocateInstr()
	i.asAluRRR(op, rd, m.vregOf(x), m.vregOf(y), is64)
	m.insert(i)
}

func (m *machine) lowerBitwise(instr *ssa.Instruction) {
	if instr.Return().Type().IsVector() {
		m.lowerVecALU(instr)
		return
	}
	var op aluOp
	switch instr.Opcode() {
	case ssa.OpcodeBand:
		op = aluOpAnd
	case ssa.OpcodeBor:
		op = aluOpOrr
	case ssa.OpcodeBxor:
		op = aluOpEor
	case ssa.OpcodeBandNot:
		op = aluOpBic
	}
	m.lowerAluRRR(instr, op)
}

func (m *machine) lowerAluRRR(instr *ssa.Instruction, op aluOp) {
	if instr.Return().Type().IsVector() {
		m.lowerVecALU(instr)
		return
	}
	x, y := instr.Arg2()
	i := m.allocateInstr()
	i.asAluRRR(op, m.vregOf(instr.Return()), m.vregOf(x), m.vregOf(y), x.Type().Bits() == 64)
	m.insert(i)
}

func (m *machine) lowerAluRR(instr *ssa.Instruction, op aluOp) {
	x := instr.Arg()
	i := m.allocateInstr()
	i.asAluRRR(op, m.vregOf(instr.Return()), m.vregOf(x), regalloc.VRegInvalid, x.Type().Bits() == 64)
	m.insert(i)
}

func (m *machine) lowerRem(instr *ssa.Instruction) {
	x, y := instr.Arg2()
	is64 := x.Type().Bits() == 64
	divOp := aluOpUDiv
	if instr.Opcode() == ssa.OpcodeSrem {
		divOp = aluOpSDiv
	}
	// rem = x - (x/y)*y
	q := m.compiler.AllocateVReg(x.Type())
	div := m.allocateInstr()
	div.asAluRRR(divOp, q, m.vregOf(x), m.vregOf(y), is64)
	m.insert(div)
	p := m.compiler.AllocateVReg(x.Type())
	mul := m.allocateInstr()
	mul.asAluRRR(aluOpMul, p, q, m.vregOf(y), is64)
	m.insert(mul)
	sub := m.allocateInstr()
	sub.asAluRRR(aluOpSub, m.vregOf(instr.Return()), m.vregOf(x), p, is64)
	m.insert(sub)
}

func (m *machine) lowerRotl(instr *ssa.Instruction) {
	x, y := instr.Arg2()
	is64 := x.Type().Bits() == 64
	neg := m.compiler.AllocateVReg(y.Type())
	n := m.allocateInstr()
	n.asAluRRR(aluOpSub, neg, xzrVReg, m.vregOf(y), is64)
	m.insert(n)
	r := m.allocateInstr()
	r.asAluRRR(aluOpRor, m.vregOf(instr.Return()), m.vregOf(x), neg, is64)
	m.insert(r)
}

func (m *machine) lowerPopcnt(instr *ssa.Instruction) {
	x := instr.Arg()
	v := m.compiler.AllocateVReg(ssa.TypeF64)
	mov := m.allocateInstr()
	mov.asMovToFpu(v, m.vregOf(x), x.Type().Bits() == 64)
	m.insert(mov)
	cnt := m.allocateInstr()
	cnt.asVecLanes(vecLanesOpCnt, v, v, 8)
	m.insert(cnt)
	addv := m.allocateInstr()
	addv.asVecLanes(vecLanesOpAddv, v, v, 8)
	m.insert(addv)
	out := m.allocateInstr()
	out.asVecExtract(m.vregOf(instr.Return()), v, 8, 0, false)
	m.insert(out)
}

func (m *machine) lowerSelect(instr *ssa.Instruction) {
	c, x, y := instr.Arg3()
	rd := m.vregOf(instr.Return())
	flag := ne

	cdef := m.compiler.ValueDefinition(c)
	if m.compiler.MatchInstr(cdef, ssa.OpcodeIcmp) {
		cx, cy, cc := cdef.Instr.IcmpData()
		flag = condFlagFromSSAIntegerCmpCond(cc)
		m.lowerIcmpToFlags(cx, cy)
		m.compiler.MarkLowered(cdef.Instr)
	} else {
		cmp := m.allocateInstr()
		cmp.asAluRRImm12(aluOpSubS, xzrVReg, m.vregOf(c), 0, c.Type().Bits() == 64)
		m.insert(cmp)
	}

	sel := m.allocateInstr()
	if x.Type().IsFloat() {
		sel.asFpuCSel(rd, m.vregOf(x), m.vregOf(y), flag, x.Type() == ssa.TypeF64)
	} else {
		sel.asCSel(rd, m.vregOf(x), m.vregOf(y), flag, x.Type().Bits() == 64)
	}
	m.insert(sel)
}

func (m *machine) lowerExtend(instr *ssa.Instruction) {
	x := instr.Arg()
	from := x.Type().Bits()
	to := instr.Return().Type().Bits()
	signed := instr.Opcode() == ssa.OpcodeSextend
	i := m.allocateInstr()
	i.asExtend(m.vregOf(instr.Return()), m.vregOf(x), from, to, signed)
	m.insert(i)
}

func (m *machine) lowerFpuRRR(instr *ssa.Instruction) {
	var op fpuOp
	switch instr.Opcode() {
	case ssa.OpcodeFadd:
		op = fpuOpAdd
	case ssa.OpcodeFsub:
		op = fpuOpSub
	case ssa.OpcodeFmul:
		op = fpuOpMul
	case ssa.OpcodeFdiv:
		op = fpuOpDiv
	case ssa.OpcodeFmin:
		op = fpuOpMin
	case ssa.OpcodeFmax:
		op = fpuOpMax
	}
	x, y := instr.Arg2()
	i := m.allocateInstr()
	i.asFpuRRR(op, m.vregOf(instr.Return()), m.vregOf(x), m.vregOf(y), x.Type() == ssa.TypeF64)
	m.insert(i)
}

func (m *machine) lowerFpuRR(instr *ssa.Instruction, op fpuOp) {
	x := instr.Arg()
	i := m.allocateInstr()
	i.asFpuRR(op, m.vregOf(instr.Return()), m.vregOf(x), x.Type() == ssa.TypeF64)
	m.insert(i)
}

// lowerFcopysign transfers the sign bit through the integer unit.
func (m *machine) lowerFcopysign(instr *ssa.Instruction) {
	x, y := instr.Arg2()
	is64 := x.Type() == ssa.TypeF64
	width := byte(32)
	if is64 {
		width = 64
	}

	xb := m.compiler.AllocateVReg(ssa.TypeI64)
	yb := m.compiler.AllocateVReg(ssa.TypeI64)
	for _, mv := range []struct {
		dst regalloc.VReg
		src ssa.Value
	}{{xb, x}, {yb, y}} {
		i := m.allocateInstr()
		i.asMovFromFpu(mv.dst, m.vregOf(mv.src), is64)
		m.insert(i)
	}

	signMask := m.compiler.AllocateVReg(ssa.TypeI64)
	mz := m.allocateInstr()
	mz.asMovZ(signMask, 0x8000, byte(width/16-1), is64)
	m.insert(mz)

	cleared := m.compiler.AllocateVReg(ssa.TypeI64)
	bic := m.allocateInstr()
	bic.asAluRRR(aluOpBic, cleared, xb, signMask, is64)
	m.insert(bic)

	sign := m.compiler.AllocateVReg(ssa.TypeI64)
	and := m.allocateInstr()
	and.asAluRRR(aluOpAnd, sign, yb, signMask, is64)
	m.insert(and)

	merged := m.compiler.AllocateVReg(ssa.TypeI64)
	orr := m.allocateInstr()
	orr.asAluRRR(aluOpOrr, merged, cleared, sign, is64)
	m.insert(orr)

	back := m.allocateInstr()
	back.asMovToFpu(m.vregOf(instr.Return()), merged, is64)
	m.insert(back)
}

func (m *machine) lowerBitcast(instr *ssa.Instruction) {
	x := instr.Arg()
	to := instr.Return().Type()
	rd := m.vregOf(instr.Return())
	rn := m.vregOf(x)
	i := m.allocateInstr()
	switch {
	case x.Type().IsInt() && to.IsFloat():
		i.asMovToFpu(rd, rn, to == ssa.TypeF64)
	case x.Type().IsFloat() && to.IsInt():
		i.asMovFromFpu(rd, rn, x.Type() == ssa.TypeF64)
	case x.Type().IsFloat() && to.IsFloat():
		i.asFpuMov64(rd, rn)
	default:
		i.asMov64(rd, rn)
	}
	m.insert(i)
}

// amodeOf resolves ptr+offset into an addressing mode, materializing the
// offset when it does not fit the scaled immediate form.
func (m *machine) amodeOf(ptr ssa.Value, offset uint32, accessSize byte) addressMode {
	base := m.vregOf(ptr)
	if offset%uint32(accessSize) == 0 && offset/uint32(accessSize) < 1<<12 {
		return addressMode{rn: base, imm: offset}
	}
	tmp := m.compiler.AllocateVReg(ssa.TypeI64)
	m.lowerConstant(tmp, uint64(offset), true)
	sum := m.compiler.AllocateVReg(ssa.TypeI64)
	add := m.allocateInstr()
	add.asAluRRR(aluOpAdd, sum, base, tmp, true)
	m.insert(add)
	return addressMode{rn: sum}
}

func (m *machine) lowerLoad(instr *ssa.Instruction) {
	ptr, offset, flags := instr.MemData()
	typ := instr.Return().Type()

	var kind instructionKind
	switch instr.Opcode() {
	case ssa.OpcodeLoad:
		kind = loadKindOf(typ)
	case ssa.OpcodeUload8:
		kind = uLoad8
	case ssa.OpcodeSload8:
		kind = sLoad8
	case ssa.OpcodeUload16:
		kind = uLoad16
	case ssa.OpcodeSload16:
		kind = sLoad16
	case ssa.OpcodeUload32:
		kind = uLoad32
	case ssa.OpcodeSload32:
		kind = sLoad32
	}

	ld := m.allocateInstr()
	ld.asLoad(kind, m.vregOf(instr.Return()), m.amodeOf(ptr, offset, accessSizeOf(kind)))
	if flags&ssa.MemFlagKnownInBounds == 0 {
		ld.markHeapAccess()
	}
	m.insert(ld)
}

func (m *machine) lowerStore(instr *ssa.Instruction) {
	ptr, offset, flags := instr.MemData()
	x := instr.Arg()

	var kind instructionKind
	switch instr.Opcode() {
	case ssa.OpcodeStore:
		kind = storeKindOf(x.Type())
	case ssa.OpcodeIstore8:
		kind = store8
	case ssa.OpcodeIstore16:
		kind = store16
	case ssa.OpcodeIstore32:
		kind = store32
	}

	st := m.allocateInstr()
	st.asStore(kind, m.vregOf(x), m.amodeOf(ptr, offset, accessSizeOf(kind)))
	if flags&ssa.MemFlagKnownInBounds == 0 {
		st.markHeapAccess()
	}
	m.insert(st)
}

func accessSizeOf(k instructionKind) byte {
	switch k {
	case uLoad8, sLoad8, store8:
		return 1
	case uLoad16, sLoad16, store16:
		return 2
	case uLoad32, sLoad32, store32, fpuLoad32, fpuStore32:
		return 4
	case uLoad64, store64, fpuLoad64, fpuStore64:
		return 8
	case fpuLoad128, fpuStore128:
		return 16
	default:
		panic("BUG")
	}
}

func (m *machine) lowerCondTrap(instr *ssa.Instruction) {
	c := instr.Arg()
	code := instr.TrapCode()
	onNonZero := instr.Opcode() == ssa.OpcodeTrapnz

	cdef := m.compiler.ValueDefinition(c)
	if m.compiler.MatchInstr(cdef, ssa.OpcodeIcmp) {
		x, y, cc := cdef.Instr.IcmpData()
		flag := condFlagFromSSAIntegerCmpCond(cc)
		if !onNonZero {
			flag = flag.invert()
		}
		m.lowerIcmpToFlags(x, y)
		t := m.allocateInstr()
		t.asTrapIf(flag.asCond(), code)
		m.insert(t)
		m.compiler.MarkLowered(cdef.Instr)
		return
	}

	rc := m.vregOf(c)
	t := m.allocateInstr()
	if onNonZero {
		t.asTrapIf(registerAsRegNotZeroCond(rc), code)
	} else {
		t.asTrapIf(registerAsRegZeroCond(rc), code)
	}
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
	m.trackCallStackSize(abi)
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
	m.trackCallStackSize(abi)
}

func (m *machine) trackCallStackSize(abi *abiImpl) {
	if need := abi.stackSpaceRequired(); need > m.maxRequiredStackSizeForCalls {
		m.maxRequiredStackSizeForCalls = need
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
			st.asStore(storeKindOf(a.Type()), m.vregOf(a),
				addressMode{rn: spVReg, imm: uint32(loc.offset)})
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
				addressMode{rn: spVReg, imm: uint32(abi.argStackSize + loc.offset)})
			m.insert(ld)
		}
	}
}

func (m *machine) lowerSplat(instr *ssa.Instruction) {
	x := instr.Arg()
	typ := instr.Return().Type()
	laneBits := typ.LaneType().Bits()
	d := m.allocateInstr()
	if x.Type().IsFloat() {
		d.asVecDupElem(m.vregOf(instr.Return()), m.vregOf(x), laneBits, 0)
	} else {
		d.asVecDup(m.vregOf(instr.Return()), m.vregOf(x), laneBits)
	}
	m.insert(d)
}

func (m *machine) lowerExtractlane(instr *ssa.Instruction) {
	x := instr.Arg()
	lane := instr.Lane()
	laneType := x.Type().LaneType()
	i := m.allocateInstr()
	if laneType.IsFloat() {
		i.asVecDupElemScalar(m.vregOf(instr.Return()), m.vregOf(x), laneType.Bits(), lane)
	} else {
		i.asVecExtract(m.vregOf(instr.Return()), m.vregOf(x), laneType.Bits(), lane, instr.ExtractlaneSigned())
	}
	m.insert(i)
}

func (m *machine) lowerInsertlane(instr *ssa.Instruction) {
	x, y := instr.Arg2()
	lane := instr.Lane()
	laneType := x.Type().LaneType()
	rd := m.vregOf(instr.Return())

	// INS mutates in place; copy the vector first.
	cp := m.allocateInstr()
	cp.asFpuMov64(rd, m.vregOf(x))
	m.insert(cp)

	i := m.allocateInstr()
	if laneType.IsFloat() {
		i.asVecInsertElem(rd, m.vregOf(y), laneType.Bits(), lane, 0)
	} else {
		i.asVecInsert(rd, m.vregOf(y), laneType.Bits(), lane)
	}
	m.insert(i)
}

func (m *machine) lowerVecALU(instr *ssa.Instruction) {
	var op vecOp
	switch instr.Opcode() {
	case ssa.OpcodeIadd:
		op = vecOpAdd
	case ssa.OpcodeIsub:
		op = vecOpSub
	case ssa.OpcodeImul:
		op = vecOpMul
	case ssa.OpcodeBand:
		op = vecOpAnd
	case ssa.OpcodeBor:
		op = vecOpOrr
	case ssa.OpcodeBxor:
		op = vecOpEor
	default:
		panic("BUG: unsupported vector ALU op: " + instr.Opcode().String())
	}
	x, y := instr.Arg2()
	i := m.allocateInstr()
	i.asVecRRR(op, m.vregOf(instr.Return()), m.vregOf(x), m.vregOf(y),
		instr.Return().Type().LaneType().Bits())
	m.insert(i)
}

func (m *machine) lowerVTest(instr *ssa.Instruction) {
	x := instr.Arg()
	laneBits := x.Type().LaneType().Bits()
	op := vecLanesOpUmaxv
	if instr.Opcode() == ssa.OpcodeVallTrue {
		op = vecLanesOpUminv
	}
	v := m.compiler.AllocateVReg(ssa.TypeF64)
	red := m.allocateInstr()
	red.asVecLanes(op, v, m.vregOf(x), laneBits)
	m.insert(red)
	gp := m.compiler.AllocateVReg(ssa.TypeI64)
	mv := m.allocateInstr()
	mv.asVecExtract(gp, v, laneBits, 0, false)
	m.insert(mv)
	cmp := m.allocateInstr()
	cmp.asAluRRImm12(aluOpSubS, xzrVReg, gp, 0, false)
	m.insert(cmp)
	cs := m.allocateInstr()
	cs.asCSet(m.vregOf(instr.Return()), ne)
	m.insert(cs)
}

var _ backend.Machine = (*machine)(nil)
