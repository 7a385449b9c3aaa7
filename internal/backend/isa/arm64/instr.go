package arm64

import (
	"fmt"

	"github.com/bytecodealliance/wasmtime-sub017/internal/backend/regalloc"
	"github.com/bytecodealliance/wasmtime-sub017/internal/engineapi"
)

type (
	// instruction represents either a real instruction in arm64, or the
	// meta instructions that are convenient for code generation. For
	// example, the unresolved branches to labels are also instructions.
	//
	// Each instruction knows how to get encoded in binaries. Hence, the
	// final output of compilation can be considered equivalent to the
	// sequence of such instructions.
	//
	// Each field is interpreted depending on the kind.
	instruction struct {
		kind       instructionKind
		prev, next *instruction

		// rd is the destination register; rn, rm the sources.
		rd, rn, rm regalloc.VReg
		// u1, u2 carry kind-specific payloads: ALU sub-ops, immediates,
		// condition flags, labels, trap codes.
		u1, u2 uint64

		// abiArgs and abiRets are the real registers a call/ret uses and
		// defines beyond rd/rn/rm, for the allocator's benefit.
		abiArgs, abiRets []regalloc.VReg

		addedAfterLowering bool

		// The slices below are scratch space for the regalloc interface.
		uses, defs []regalloc.VReg
	}

	instructionKind byte
)

const (
	// nop0 represents a no-op of zero size.
	nop0 instructionKind = iota
	// aluRRR represents an ALU operation with two register sources and a
	// register destination.
	aluRRR
	// aluRRImm12 represents an ALU operation with a register source and an
	// immediate-12 source, with a register destination.
	aluRRImm12
	// movZ represents a MOVZ with a 16-bit immediate.
	movZ
	// movN represents a MOVN with a 16-bit immediate.
	movN
	// movK represents a MOVK with a 16-bit immediate.
	movK
	// mov64 represents a 64-bit register move, encoded as ORR.
	mov64
	// mov32 represents a 32-bit MOV which zeroes the top 32 bits.
	mov32
	// extend represents a sign- or zero-extend operation.
	extend
	// cSet represents a conditional-set operation.
	cSet
	// cSel represents a conditional-select operation.
	cSel
	// fpuCSel represents a floating-point conditional select.
	fpuCSel
	// uLoad8 represents an unsigned 8-bit load.
	uLoad8
	// sLoad8 represents a signed 8-bit load.
	sLoad8
	// uLoad16 represents an unsigned 16-bit load.
	uLoad16
	// sLoad16 represents a signed 16-bit load.
	sLoad16
	// uLoad32 represents an unsigned 32-bit load.
	uLoad32
	// sLoad32 represents a signed 32-bit load.
	sLoad32
	// uLoad64 represents a 64-bit load.
	uLoad64
	// store8 represents an 8-bit store.
	store8
	// store16 represents a 16-bit store.
	store16
	// store32 represents a 32-bit store.
	store32
	// store64 represents a 64-bit store.
	store64
	// storeP64 represents a store of a pair of registers with SP
	// pre-decrement, used in the prologue.
	storeP64
	// loadP64 represents a load of a pair of registers with SP
	// post-increment, used in the epilogue.
	loadP64
	// fpuLoad32/64/128 and fpuStore32/64/128 are the FP/vector loads and
	// stores.
	fpuLoad32
	fpuLoad64
	fpuLoad128
	fpuStore32
	fpuStore64
	fpuStore128
	// fpuRR represents a 1-op FPU instruction.
	fpuRR
	// fpuRRR represents a 2-op FPU instruction.
	fpuRRR
	// fpuCmp represents a scalar FP comparison.
	fpuCmp
	// fpuToInt represents a conversion from FP to integer.
	fpuToInt
	// intToFpu represents a conversion from integer to FP.
	intToFpu
	// fpuMov64 represents a move between FP registers (64-bit).
	fpuMov64
	// movToFpu represents a move from a GPR to a scalar FP register.
	movToFpu
	// movFromFpu represents a move from a scalar FP register to a GPR.
	movFromFpu
	// vecDup represents a duplication of a general-purpose register into
	// every vector lane.
	vecDup
	// vecDupElem represents a duplication of a vector element into every
	// lane, used for float splats.
	vecDupElem
	// vecDupElemScalar represents a move of one vector element into a
	// scalar FP register, used for float lane extraction.
	vecDupElemScalar
	// vecRRR represents a vector ALU operation.
	vecRRR
	// vecExtract represents a move from a vector element to a GPR.
	vecExtract
	// vecInsert represents a move from a GPR into a vector element.
	vecInsert
	// vecInsertElem represents a move between vector elements.
	vecInsertElem
	// vecLanes represents an across-lanes or per-lane unary vector
	// operation (cnt, addv, umaxv, uminv).
	vecLanes
	// loadSymAddr loads the absolute address of an external symbol from
	// the literal pool; the pool entry carries the relocation.
	loadSymAddr
	// loadFpuConst64 loads a 64-bit FP constant from the literal pool.
	loadFpuConst64
	// loadFpuConst32 loads a 32-bit FP constant from the literal pool.
	loadFpuConst32
	// br represents an unconditional branch to a label.
	br
	// condBr represents a conditional branch to a label.
	condBr
	// call represents a machine call instruction to a declared function.
	call
	// callInd represents a machine indirect-call instruction.
	callInd
	// ret represents a machine return instruction.
	ret
	// trap represents an unconditional trap (UDF) carrying a trap code.
	trap
	// trapIf represents a conditional branch over a trap instruction.
	trapIf
	// udf is the raw undefined instruction used inside trap sequences.
	udf
	// emitSrcLoc is a zero-size marker that switches the current source
	// location in the code buffer.
	emitSrcLoc

	numInstructionKinds
)

// aluOp determines the type of ALU operation of aluRRR/aluRRImm12.
type aluOp byte

const (
	aluOpAdd aluOp = iota
	aluOpSub
	aluOpAddS // add, setting flags
	aluOpSubS // subtract, setting flags (cmp)
	aluOpAnd
	aluOpOrr
	aluOpEor
	aluOpMul
	aluOpSDiv
	aluOpUDiv
	aluOpLsl
	aluOpLsr
	aluOpAsr
	aluOpRor
	aluOpSMulH
	aluOpUMulH
	aluOpClz
	aluOpRbit
	aluOpBic
	aluOpOrn
	aluOpRev
)

func (a aluOp) String() string {
	switch a {
	case aluOpAdd:
		return "add"
	case aluOpSub:
		return "sub"
	case aluOpAddS:
		return "adds"
	case aluOpSubS:
		return "subs"
	case aluOpAnd:
		return "and"
	case aluOpOrr:
		return "orr"
	case aluOpEor:
		return "eor"
	case aluOpMul:
		return "mul"
	case aluOpSDiv:
		return "sdiv"
	case aluOpUDiv:
		return "udiv"
	case aluOpLsl:
		return "lsl"
	case aluOpLsr:
		return "lsr"
	case aluOpAsr:
		return "asr"
	case aluOpRor:
		return "ror"
	case aluOpSMulH:
		return "smulh"
	case aluOpUMulH:
		return "umulh"
	case aluOpClz:
		return "clz"
	case aluOpRbit:
		return "rbit"
	case aluOpBic:
		return "bic"
	case aluOpOrn:
		return "orn"
	case aluOpRev:
		return "rev"
	default:
		panic(a)
	}
}

// fpuOp is the sub-operation of fpuRR/fpuRRR.
type fpuOp byte

const (
	fpuOpAdd fpuOp = iota
	fpuOpSub
	fpuOpMul
	fpuOpDiv
	fpuOpMax
	fpuOpMin
	fpuOpAbs
	fpuOpNeg
	fpuOpSqrt
	fpuOpRintN // round to nearest
	fpuOpRintP // ceil
	fpuOpRintM // floor
	fpuOpRintZ // trunc
	fpuOpCvtToDouble // fcvt d, s
	fpuOpCvtToSingle // fcvt s, d
)

func (f fpuOp) String() string {
	switch f {
	case fpuOpAdd:
		return "fadd"
	case fpuOpSub:
		return "fsub"
	case fpuOpMul:
		return "fmul"
	case fpuOpDiv:
		return "fdiv"
	case fpuOpMax:
		return "fmax"
	case fpuOpMin:
		return "fmin"
	case fpuOpAbs:
		return "fabs"
	case fpuOpNeg:
		return "fneg"
	case fpuOpSqrt:
		return "fsqrt"
	case fpuOpRintN:
		return "frintn"
	case fpuOpRintP:
		return "frintp"
	case fpuOpRintM:
		return "frintm"
	case fpuOpRintZ:
		return "frintz"
	case fpuOpCvtToDouble, fpuOpCvtToSingle:
		return "fcvt"
	default:
		panic(f)
	}
}

// vecOp is the sub-operation of vecRRR.
type vecOp byte

const (
	vecOpAdd vecOp = iota
	vecOpSub
	vecOpMul
	vecOpAnd
	vecOpOrr
	vecOpEor
)

// extendKind packs (signed, fromBits, toBits) of an extend instruction.
type extendKind struct {
	signed   bool
	from, to byte
}

// --- constructors -------------------------------------------------------

func (i *instruction) asNop0() { i.kind = nop0 }

func (i *instruction) asAluRRR(op aluOp, rd, rn, rm regalloc.VReg, _64bit bool) {
	i.kind = aluRRR
	i.u1 = uint64(op)
	i.rd, i.rn, i.rm = rd, rn, rm
	if _64bit {
		i.u2 = 1
	}
}

func (i *instruction) asAluRRImm12(op aluOp, rd, rn regalloc.VReg, imm12 uint16, _64bit bool) {
	i.kind = aluRRImm12
	i.u1 = uint64(op)
	i.rd, i.rn = rd, rn
	i.u2 = uint64(imm12) << 1
	if _64bit {
		i.u2 |= 1
	}
}

func (i *instruction) imm12() uint16 { return uint16(i.u2 >> 1) }

func (i *instruction) asMovZ(rd regalloc.VReg, imm16 uint16, shift byte, _64bit bool) {
	i.kind = movZ
	i.rd = rd
	i.u1 = uint64(imm16)<<16 | uint64(shift)
	if _64bit {
		i.u2 = 1
	}
}

func (i *instruction) asMovN(rd regalloc.VReg, imm16 uint16, shift byte, _64bit bool) {
	i.kind = movN
	i.rd = rd
	i.u1 = uint64(imm16)<<16 | uint64(shift)
	if _64bit {
		i.u2 = 1
	}
}

func (i *instruction) asMovK(rd regalloc.VReg, imm16 uint16, shift byte, _64bit bool) {
	i.kind = movK
	i.rd = rd
	i.u1 = uint64(imm16)<<16 | uint64(shift)
	if _64bit {
		i.u2 = 1
	}
}

func (i *instruction) asMov64(rd, rn regalloc.VReg) {
	i.kind = mov64
	i.rd, i.rn = rd, rn
}

func (i *instruction) asMov32(rd, rn regalloc.VReg) {
	i.kind = mov32
	i.rd, i.rn = rd, rn
}

func (i *instruction) asExtend(rd, rn regalloc.VReg, from, to byte, signed bool) {
	i.kind = extend
	i.rd, i.rn = rd, rn
	i.u1 = uint64(from)<<8 | uint64(to)
	if signed {
		i.u2 = 1
	}
}

func (i *instruction) extendKind() extendKind {
	return extendKind{signed: i.u2 != 0, from: byte(i.u1 >> 8), to: byte(i.u1)}
}

func (i *instruction) asCSet(rd regalloc.VReg, c condFlag) {
	i.kind = cSet
	i.rd = rd
	i.u1 = uint64(c)
}

func (i *instruction) asCSel(rd, rn, rm regalloc.VReg, c condFlag, _64bit bool) {
	i.kind = cSel
	i.rd, i.rn, i.rm = rd, rn, rm
	i.u1 = uint64(c)
	if _64bit {
		i.u2 = 1
	}
}

func (i *instruction) asFpuCSel(rd, rn, rm regalloc.VReg, c condFlag, _64bit bool) {
	i.kind = fpuCSel
	i.rd, i.rn, i.rm = rd, rn, rm
	i.u1 = uint64(c)
	if _64bit {
		i.u2 = 1
	}
}

// addressMode is the subset of AArch64 addressing we emit: base register
// plus unsigned scaled 12-bit immediate.
type addressMode struct {
	rn  regalloc.VReg
	imm uint32
}

func (i *instruction) asLoad(kind instructionKind, rd regalloc.VReg, amode addressMode) {
	i.kind = kind
	i.rd = rd
	i.rn = amode.rn
	i.u1 = uint64(amode.imm)
}

// asStoreP64pre initializes `stp rt, rt2, [sp, #offset]!`.
func (i *instruction) asStoreP64pre(rt, rt2 regalloc.VReg, offset int32) {
	i.kind = storeP64
	i.rd, i.rm = rt, rt2
	i.u1 = uint64(uint32(offset))
}

// asLoadP64post initializes `ldp rt, rt2, [sp], #offset`.
func (i *instruction) asLoadP64post(rt, rt2 regalloc.VReg, offset int32) {
	i.kind = loadP64
	i.rd, i.rm = rt, rt2
	i.u1 = uint64(uint32(offset))
}

func (i *instruction) asStore(kind instructionKind, rt regalloc.VReg, amode addressMode) {
	i.kind = kind
	i.rm = rt // the stored value is a use, not a def
	i.rn = amode.rn
	i.u1 = uint64(amode.imm)
}

// markHeapAccess tags a load/store as a guard-protected heap access: the
// encoder records a trap site at its exact PC.
func (i *instruction) markHeapAccess() {
	i.u2 |= 2
}

func (i *instruction) isHeapAccess() bool { return i.u2&2 != 0 }

func (i *instruction) asFpuRR(op fpuOp, rd, rn regalloc.VReg, _64bit bool) {
	i.kind = fpuRR
	i.u1 = uint64(op)
	i.rd, i.rn = rd, rn
	if _64bit {
		i.u2 = 1
	}
}

func (i *instruction) asFpuRRR(op fpuOp, rd, rn, rm regalloc.VReg, _64bit bool) {
	i.kind = fpuRRR
	i.u1 = uint64(op)
	i.rd, i.rn, i.rm = rd, rn, rm
	if _64bit {
		i.u2 = 1
	}
}

func (i *instruction) asFpuCmp(rn, rm regalloc.VReg, _64bit bool) {
	i.kind = fpuCmp
	i.rn, i.rm = rn, rm
	if _64bit {
		i.u2 = 1
	}
}

func (i *instruction) asFpuToInt(rd, rn regalloc.VReg, signed, src64, dst64 bool) {
	i.kind = fpuToInt
	i.rd, i.rn = rd, rn
	i.u1 = boolBit(signed) | boolBit(src64)<<1 | boolBit(dst64)<<2
}

func (i *instruction) asIntToFpu(rd, rn regalloc.VReg, signed, src64, dst64 bool) {
	i.kind = intToFpu
	i.rd, i.rn = rd, rn
	i.u1 = boolBit(signed) | boolBit(src64)<<1 | boolBit(dst64)<<2
}

func (i *instruction) asFpuMov64(rd, rn regalloc.VReg) {
	i.kind = fpuMov64
	i.rd, i.rn = rd, rn
}

func (i *instruction) asMovToFpu(rd, rn regalloc.VReg, _64bit bool) {
	i.kind = movToFpu
	i.rd, i.rn = rd, rn
	if _64bit {
		i.u2 = 1
	}
}

func (i *instruction) asMovFromFpu(rd, rn regalloc.VReg, _64bit bool) {
	i.kind = movFromFpu
	i.rd, i.rn = rd, rn
	if _64bit {
		i.u2 = 1
	}
}

func (i *instruction) asVecDup(rd, rn regalloc.VReg, laneBits byte) {
	i.kind = vecDup
	i.rd, i.rn = rd, rn
	i.u1 = uint64(laneBits)
}

func (i *instruction) asVecDupElem(rd, rn regalloc.VReg, laneBits, lane byte) {
	i.kind = vecDupElem
	i.rd, i.rn = rd, rn
	i.u1 = uint64(laneBits)<<8 | uint64(lane)
}

func (i *instruction) asVecDupElemScalar(rd, rn regalloc.VReg, laneBits, lane byte) {
	i.kind = vecDupElemScalar
	i.rd, i.rn = rd, rn
	i.u1 = uint64(laneBits)<<8 | uint64(lane)
}

func (i *instruction) asVecInsertElem(rd, rn regalloc.VReg, laneBits, dstLane, srcLane byte) {
	i.kind = vecInsertElem
	i.rd, i.rn = rd, rn
	i.u1 = uint64(laneBits)<<8 | uint64(dstLane)
	i.u2 = uint64(srcLane)
}

// vecLanesOp is the sub-operation of vecLanes.
type vecLanesOp byte

const (
	vecLanesOpCnt vecLanesOp = iota
	vecLanesOpAddv
	vecLanesOpUmaxv
	vecLanesOpUminv
)

func (i *instruction) asVecLanes(op vecLanesOp, rd, rn regalloc.VReg, laneBits byte) {
	i.kind = vecLanes
	i.rd, i.rn = rd, rn
	i.u1 = uint64(op)
	i.u2 = uint64(laneBits)
}

func (i *instruction) asLoadSymAddr(rd regalloc.VReg, symIndex int) {
	i.kind = loadSymAddr
	i.rd = rd
	i.u1 = uint64(symIndex)
}

func (i *instruction) asVecRRR(op vecOp, rd, rn, rm regalloc.VReg, laneBits byte) {
	i.kind = vecRRR
	i.rd, i.rn, i.rm = rd, rn, rm
	i.u1 = uint64(op)
	i.u2 = uint64(laneBits)
}

func (i *instruction) asVecExtract(rd, rn regalloc.VReg, laneBits, lane byte, signed bool) {
	i.kind = vecExtract
	i.rd, i.rn = rd, rn
	i.u1 = uint64(laneBits)<<8 | uint64(lane)
	i.u2 = boolBit(signed)
}

func (i *instruction) asVecInsert(rd, rn regalloc.VReg, laneBits, lane byte) {
	i.kind = vecInsert
	i.rd, i.rn = rd, rn
	i.u1 = uint64(laneBits)<<8 | uint64(lane)
}

func (i *instruction) asLoadFpuConst32(rd regalloc.VReg, bits uint32) {
	i.kind = loadFpuConst32
	i.rd = rd
	i.u1 = uint64(bits)
}

func (i *instruction) asLoadFpuConst64(rd regalloc.VReg, bits uint64) {
	i.kind = loadFpuConst64
	i.rd = rd
	i.u1 = bits
}

func (i *instruction) asBr(target label) {
	i.kind = br
	i.u1 = uint64(target)
}

func (i *instruction) asCondBr(c cond, target label) {
	i.kind = condBr
	i.u1 = c.asUint64()
	i.u2 = uint64(target)
}

// asCall initializes a direct call; targetIndex points into the machine's
// call-target table holding the external name for the relocation.
func (i *instruction) asCall(targetIndex int, sigArgs, sigRets []regalloc.VReg) {
	i.kind = call
	i.abiArgs, i.abiRets = sigArgs, sigRets
	i.u1 = uint64(targetIndex)
}

func (i *instruction) asCallInd(rn regalloc.VReg, sigArgs, sigRets []regalloc.VReg) {
	i.kind = callInd
	i.rn = rn
	i.abiArgs, i.abiRets = sigArgs, sigRets
}

func (i *instruction) asRet(retRegs []regalloc.VReg) {
	i.kind = ret
	i.abiArgs = retRegs
}

func (i *instruction) asTrap(code engineapi.TrapCode) {
	i.kind = trap
	i.u1 = uint64(code)
}

func (i *instruction) asTrapIf(c cond, code engineapi.TrapCode) {
	i.kind = trapIf
	i.u1 = c.asUint64()
	i.u2 = uint64(code)
}

func (i *instruction) asUDF(code engineapi.TrapCode) {
	i.kind = udf
	i.u1 = uint64(code)
}

func (i *instruction) asEmitSrcLoc(off int64) {
	i.kind = emitSrcLoc
	i.u1 = uint64(off)
}

func (i *instruction) trapCode() engineapi.TrapCode {
	return engineapi.TrapCode(i.u1)
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// cond unifies the three condition forms of conditional branches: a flag
// condition, register-is-zero and register-is-not-zero.
type cond uint64

type condKind byte

const (
	condKindRegisterZero condKind = iota
	condKindRegisterNotZero
	condKindCondFlagSet
)

func (c cond) kind() condKind { return condKind(c & 0b11) }

func (c cond) register() regalloc.VReg { return regalloc.VReg(c >> 2) }

func (c cond) flag() condFlag { return condFlag(c >> 2) }

func (c cond) asUint64() uint64 { return uint64(c) }

func registerAsRegZeroCond(r regalloc.VReg) cond {
	return cond(r)<<2 | cond(condKindRegisterZero)
}

func registerAsRegNotZeroCond(r regalloc.VReg) cond {
	return cond(r)<<2 | cond(condKindRegisterNotZero)
}

func (c condFlag) asCond() cond {
	return cond(c)<<2 | cond(condKindCondFlagSet)
}

// String implements fmt.Stringer.
func (i *instruction) String() string {
	switch i.kind {
	case nop0:
		return "nop0"
	case aluRRR:
		return fmt.Sprintf("%s %s, %s, %s", aluOp(i.u1), fv(i.rd), fv(i.rn), fv(i.rm))
	case aluRRImm12:
		return fmt.Sprintf("%s %s, %s, #%#x", aluOp(i.u1), fv(i.rd), fv(i.rn), i.imm12())
	case movZ:
		return fmt.Sprintf("movz %s, #%#x, lsl #%d", fv(i.rd), uint16(i.u1>>16), byte(i.u1)*16)
	case movN:
		return fmt.Sprintf("movn %s, #%#x, lsl #%d", fv(i.rd), uint16(i.u1>>16), byte(i.u1)*16)
	case movK:
		return fmt.Sprintf("movk %s, #%#x, lsl #%d", fv(i.rd), uint16(i.u1>>16), byte(i.u1)*16)
	case mov64:
		return fmt.Sprintf("mov %s, %s", fv(i.rd), fv(i.rn))
	case mov32:
		return fmt.Sprintf("mov(w) %s, %s", fv(i.rd), fv(i.rn))
	case extend:
		e := i.extendKind()
		var mnemonic string
		if e.signed {
			mnemonic = fmt.Sprintf("sxt%c", widthChar(e.from))
		} else {
			mnemonic = fmt.Sprintf("uxt%c", widthChar(e.from))
		}
		return fmt.Sprintf("%s %s, %s", mnemonic, fv(i.rd), fv(i.rn))
	case cSet:
		return fmt.Sprintf("cset %s, %s", fv(i.rd), condFlag(i.u1))
	case cSel:
		return fmt.Sprintf("csel %s, %s, %s, %s", fv(i.rd), fv(i.rn), fv(i.rm), condFlag(i.u1))
	case fpuCSel:
		return fmt.Sprintf("fcsel %s, %s, %s, %s", fv(i.rd), fv(i.rn), fv(i.rm), condFlag(i.u1))
	case uLoad8, sLoad8, uLoad16, sLoad16, uLoad32, sLoad32, uLoad64,
		fpuLoad32, fpuLoad64, fpuLoad128:
		return fmt.Sprintf("%s %s, [%s, #%d]", loadStoreName(i.kind), fv(i.rd), fv(i.rn), uint32(i.u1))
	case store8, store16, store32, store64, fpuStore32, fpuStore64, fpuStore128:
		return fmt.Sprintf("%s %s, [%s, #%d]", loadStoreName(i.kind), fv(i.rm), fv(i.rn), uint32(i.u1))
	case storeP64:
		return fmt.Sprintf("stp %s, %s, [sp, #%d]!", fv(i.rd), fv(i.rm), int32(i.u1))
	case loadP64:
		return fmt.Sprintf("ldp %s, %s, [sp], #%d", fv(i.rd), fv(i.rm), int32(i.u1))
	case fpuRR:
		return fmt.Sprintf("%s %s, %s", fpuOp(i.u1), fv(i.rd), fv(i.rn))
	case fpuRRR:
		return fmt.Sprintf("%s %s, %s, %s", fpuOp(i.u1), fv(i.rd), fv(i.rn), fv(i.rm))
	case fpuCmp:
		return fmt.Sprintf("fcmp %s, %s", fv(i.rn), fv(i.rm))
	case fpuToInt:
		return fmt.Sprintf("fcvtz %s, %s", fv(i.rd), fv(i.rn))
	case intToFpu:
		return fmt.Sprintf("cvtf %s, %s", fv(i.rd), fv(i.rn))
	case fpuMov64:
		return fmt.Sprintf("fmov %s, %s", fv(i.rd), fv(i.rn))
	case movToFpu:
		return fmt.Sprintf("fmov %s, %s", fv(i.rd), fv(i.rn))
	case movFromFpu:
		return fmt.Sprintf("fmov %s, %s", fv(i.rd), fv(i.rn))
	case vecDup:
		return fmt.Sprintf("dup %s, %s", fv(i.rd), fv(i.rn))
	case vecDupElem:
		return fmt.Sprintf("dup %s, %s[%d]", fv(i.rd), fv(i.rn), byte(i.u1))
	case vecDupElemScalar:
		return fmt.Sprintf("mov %s, %s[%d]", fv(i.rd), fv(i.rn), byte(i.u1))
	case vecRRR:
		return fmt.Sprintf("vec%d %s, %s, %s", i.u2, fv(i.rd), fv(i.rn), fv(i.rm))
	case vecExtract:
		return fmt.Sprintf("umov %s, %s[%d]", fv(i.rd), fv(i.rn), byte(i.u1))
	case vecInsert:
		return fmt.Sprintf("ins %s[%d], %s", fv(i.rd), byte(i.u1), fv(i.rn))
	case vecInsertElem:
		return fmt.Sprintf("ins %s[%d], %s[%d]", fv(i.rd), byte(i.u1), fv(i.rn), byte(i.u2))
	case vecLanes:
		return fmt.Sprintf("lanes%d %s, %s", i.u2, fv(i.rd), fv(i.rn))
	case loadSymAddr:
		return fmt.Sprintf("ldr %s, #sym(%d)", fv(i.rd), i.u1)
	case loadFpuConst32:
		return fmt.Sprintf("ldr %s, #const32(%#x)", fv(i.rd), uint32(i.u1))
	case loadFpuConst64:
		return fmt.Sprintf("ldr %s, #const64(%#x)", fv(i.rd), i.u1)
	case br:
		return fmt.Sprintf("b %s", label(i.u1))
	case condBr:
		c := cond(i.u1)
		target := label(i.u2)
		switch c.kind() {
		case condKindRegisterZero:
			return fmt.Sprintf("cbz %s, %s", fv(c.register()), target)
		case condKindRegisterNotZero:
			return fmt.Sprintf("cbnz %s, %s", fv(c.register()), target)
		default:
			return fmt.Sprintf("b.%s %s", c.flag(), target)
		}
	case call:
		return "bl <fn>"
	case callInd:
		return fmt.Sprintf("blr %s", fv(i.rn))
	case ret:
		return "ret"
	case trap:
		return fmt.Sprintf("udf #%s", i.trapCode())
	case trapIf:
		c := cond(i.u1)
		switch c.kind() {
		case condKindRegisterZero:
			return fmt.Sprintf("trap_if_zero %s, %s", fv(c.register()), engineapi.TrapCode(i.u2))
		case condKindRegisterNotZero:
			return fmt.Sprintf("trap_if_nonzero %s, %s", fv(c.register()), engineapi.TrapCode(i.u2))
		default:
			return fmt.Sprintf("trap_if %s, %s", c.flag(), engineapi.TrapCode(i.u2))
		}
	case udf:
		return fmt.Sprintf("udf #%s", i.trapCode())
	case emitSrcLoc:
		return fmt.Sprintf("srcloc %d", int64(i.u1))
	default:
		panic(fmt.Sprintf("BUG: unknown instruction kind: %d", i.kind))
	}
}

// fv formats a VReg with the ISA register names.
func fv(v regalloc.VReg) string {
	if v.IsRealReg() {
		return formatRealReg(v.RealReg())
	}
	return v.String()
}

func widthChar(bits byte) byte {
	switch bits {
	case 8:
		return 'b'
	case 16:
		return 'h'
	case 32:
		return 'w'
	default:
		panic("BUG: invalid extend width")
	}
}

func loadStoreName(k instructionKind) string {
	switch k {
	case uLoad8:
		return "ldrb"
	case sLoad8:
		return "ldrsb"
	case uLoad16:
		return "ldrh"
	case sLoad16:
		return "ldrsh"
	case uLoad32:
		return "ldr(w)"
	case sLoad32:
		return "ldrsw"
	case uLoad64:
		return "ldr"
	case fpuLoad32:
		return "ldr(s)"
	case fpuLoad64:
		return "ldr(d)"
	case fpuLoad128:
		return "ldr(q)"
	case store8:
		return "strb"
	case store16:
		return "strh"
	case store32:
		return "str(w)"
	case store64:
		return "str"
	case fpuStore32:
		return "str(s)"
	case fpuStore64:
		return "str(d)"
	case fpuStore128:
		return "str(q)"
	default:
		panic("BUG")
	}
}
