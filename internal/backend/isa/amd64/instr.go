package amd64

import (
	"fmt"

	"github.com/bytecodealliance/wasmtime-sub017/internal/backend/regalloc"
	"github.com/bytecodealliance/wasmtime-sub017/internal/engineapi"
)

type (
	// instruction represents either a real x86-64 instruction or a meta
	// instruction convenient for code generation. Each field is
	// interpreted depending on the kind.
	instruction struct {
		kind       instructionKind
		prev, next *instruction

		rd, rn regalloc.VReg
		u1, u2 uint64

		abiArgs, abiRets []regalloc.VReg

		addedAfterLowering bool

		uses, defs []regalloc.VReg
	}

	instructionKind byte
)

const (
	nop0 instructionKind = iota
	// aluRR is a two-address ALU op: rd = rd <op> rn.
	aluRR
	// aluRI is a two-address ALU op with a 32-bit immediate: rd = rd <op> imm.
	aluRI
	// cmpRR compares rd with rn, setting flags only.
	cmpRR
	// cmpRI compares rd with a 32-bit immediate.
	cmpRI
	// testRR performs test rd, rn.
	testRR
	// movRR is a register move; u2 bit0 selects 64-bit.
	movRR
	// movRI materializes an immediate (movabs when it needs 64 bits).
	movRI
	// neg is a two-address negation.
	neg
	// not is a two-address complement.
	not
	// shiftRCl shifts rd by CL.
	shiftRCl
	// shiftRI shifts rd by an 8-bit immediate.
	shiftRI
	// imulRR is the two-address signed multiply.
	imulRR
	// cdqCqo sign-extends RAX into RDX.
	cdqCqo
	// zeroRdx clears RDX ahead of an unsigned division.
	zeroRdx
	// div is the hardware divide: quotient in RAX, remainder in RDX.
	div
	// load is a memory load; u1 holds the loadKind, u2 the displacement.
	load
	// extendRR is the register form of movzx/movsx; u1 holds the loadKind
	// selecting width and signedness.
	extendRR
	// store is a memory store of rn; u1 holds the size in bytes.
	store
	// setcc materializes a condition into an 8-bit register, zero-extended.
	setcc
	// cmovRR is a conditional move.
	cmovRR
	// jmp is an unconditional branch to a label.
	jmp
	// jcc is a conditional branch to a label.
	jcc
	// call is a direct call through a relocation.
	call
	// callInd is an indirect call through rn.
	callInd
	// ret returns.
	ret
	// trap is ud2 with a trap code.
	trap
	// trapIf is a short conditional jump over a ud2.
	trapIf
	// xmmRmR is a two-address SSE op: rd = rd <op> rn.
	xmmRmR
	// xmmUnary is movss/movsd-style rd = op(rn).
	xmmUnary
	// ucomis compares scalars, setting flags.
	ucomis
	// cvtToInt is cvttss2si/cvttsd2si.
	cvtToInt
	// cvtFromInt is cvtsi2ss/cvtsi2sd.
	cvtFromInt
	// movGprToXmm / movXmmToGpr are bit-pattern moves.
	movGprToXmm
	movXmmToGpr
	// loadXmmConst loads a float constant from the literal pool.
	loadXmmConst
	// xmmMovRR is a register-to-register move in the float class (movaps).
	xmmMovRR
	// storeZeroSP stores a zero word at [rsp], used by stack probing.
	storeZeroSP
	// push64 and pop64 are stack ops used in the prologue/epilogue.
	push64
	pop64
	// emitSrcLoc is a zero-size source-location marker.
	emitSrcLoc

	numInstructionKinds
)

// aluOp is the sub-op of aluRR/aluRI.
type aluOp byte

const (
	aluOpAdd aluOp = iota
	aluOpSub
	aluOpAnd
	aluOpOr
	aluOpXor
)

func (a aluOp) String() string {
	switch a {
	case aluOpAdd:
		return "add"
	case aluOpSub:
		return "sub"
	case aluOpAnd:
		return "and"
	case aluOpOr:
		return "or"
	case aluOpXor:
		return "xor"
	default:
		panic(a)
	}
}

// shiftOp is the sub-op of shiftRCl/shiftRI.
type shiftOp byte

const (
	shiftOpShl shiftOp = iota
	shiftOpShr
	shiftOpSar
	shiftOpRol
	shiftOpRor
)

func (s shiftOp) String() string {
	switch s {
	case shiftOpShl:
		return "shl"
	case shiftOpShr:
		return "shr"
	case shiftOpSar:
		return "sar"
	case shiftOpRol:
		return "rol"
	case shiftOpRor:
		return "ror"
	default:
		panic(s)
	}
}

// loadKind selects the width and extension of a load.
type loadKind byte

const (
	loadKind8U loadKind = iota
	loadKind8S
	loadKind16U
	loadKind16S
	loadKind32U
	loadKind32S
	loadKind64
	loadKindF32
	loadKindF64
	loadKindV128
)

// xmmOp is the sub-op of xmmRmR/xmmUnary.
type xmmOp byte

const (
	xmmOpAdd xmmOp = iota
	xmmOpSub
	xmmOpMul
	xmmOpDiv
	xmmOpMin
	xmmOpMax
	xmmOpSqrt
	xmmOpRound // u1>>8 carries the rounding mode immediate
	xmmOpCvt   // cvtss2sd / cvtsd2ss depending on the 64-bit flag
	xmmOpPadd  // paddb/w/d/q, lane width in u1>>8
	xmmOpPand
	xmmOpPor
	xmmOpPxor
)

// cc is an x86 condition code.
type cc byte

const (
	ccO  cc = 0
	ccNo cc = 1
	ccB  cc = 2
	ccAe cc = 3
	ccE  cc = 4
	ccNe cc = 5
	ccBe cc = 6
	ccA  cc = 7
	ccS  cc = 8
	ccNs cc = 9
	ccP  cc = 10
	ccNp cc = 11
	ccL  cc = 12
	ccGe cc = 13
	ccLe cc = 14
	ccG  cc = 15
)

func (c cc) invert() cc { return c ^ 1 }

func (c cc) String() string {
	return [...]string{"o", "no", "b", "ae", "e", "ne", "be", "a", "s", "ns", "p", "np", "l", "ge", "le", "g"}[c]
}

// amode is the base+displacement addressing we emit.
type amode struct {
	base regalloc.VReg
	disp int32
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// --- constructors -------------------------------------------------------

func (i *instruction) asNop0() { i.kind = nop0 }

func (i *instruction) asAluRR(op aluOp, rd, rn regalloc.VReg, _64 bool) {
	i.kind = aluRR
	i.rd, i.rn = rd, rn
	i.u1 = uint64(op)
	i.u2 = boolBit(_64)
}

func (i *instruction) asAluRI(op aluOp, rd regalloc.VReg, imm uint32, _64 bool) {
	i.kind = aluRI
	i.rd = rd
	i.u1 = uint64(op) | uint64(imm)<<32
	i.u2 = boolBit(_64)
}

func (i *instruction) asCmpRR(x, y regalloc.VReg, _64 bool) {
	i.kind = cmpRR
	i.rd, i.rn = x, y
	i.u2 = boolBit(_64)
}

func (i *instruction) asCmpRI(x regalloc.VReg, imm uint32, _64 bool) {
	i.kind = cmpRI
	i.rd = x
	i.u1 = uint64(imm)
	i.u2 = boolBit(_64)
}

func (i *instruction) asTestRR(x, y regalloc.VReg, _64 bool) {
	i.kind = testRR
	i.rd, i.rn = x, y
	i.u2 = boolBit(_64)
}

func (i *instruction) asMovRR(rd, rn regalloc.VReg, _64 bool) {
	i.kind = movRR
	i.rd, i.rn = rd, rn
	i.u2 = boolBit(_64)
}

func (i *instruction) asMovRI(rd regalloc.VReg, imm uint64, _64 bool) {
	i.kind = movRI
	i.rd = rd
	i.u1 = imm
	i.u2 = boolBit(_64)
}

func (i *instruction) asNeg(rd regalloc.VReg, _64 bool) {
	i.kind = neg
	i.rd = rd
	i.u2 = boolBit(_64)
}

func (i *instruction) asNot(rd regalloc.VReg, _64 bool) {
	i.kind = not
	i.rd = rd
	i.u2 = boolBit(_64)
}

func (i *instruction) asShiftRCl(op shiftOp, rd regalloc.VReg, _64 bool) {
	i.kind = shiftRCl
	i.rd = rd
	i.rn = rcxVReg
	i.u1 = uint64(op)
	i.u2 = boolBit(_64)
}

func (i *instruction) asShiftRI(op shiftOp, rd regalloc.VReg, amount byte, _64 bool) {
	i.kind = shiftRI
	i.rd = rd
	i.u1 = uint64(op) | uint64(amount)<<8
	i.u2 = boolBit(_64)
}

func (i *instruction) asImulRR(rd, rn regalloc.VReg, _64 bool) {
	i.kind = imulRR
	i.rd, i.rn = rd, rn
	i.u2 = boolBit(_64)
}

func (i *instruction) asCdqCqo(_64 bool) {
	i.kind = cdqCqo
	i.rd, i.rn = rdxVReg, raxVReg
	i.u2 = boolBit(_64)
}

func (i *instruction) asZeroRdx() {
	i.kind = zeroRdx
	i.rd = rdxVReg
}

func (i *instruction) asDiv(divisor regalloc.VReg, signed, _64 bool) {
	i.kind = div
	i.rn = divisor
	i.u1 = boolBit(signed)
	i.u2 = boolBit(_64)
}

func (i *instruction) asLoad(k loadKind, rd regalloc.VReg, a amode) {
	i.kind = load
	i.rd = rd
	i.rn = a.base
	i.u1 = uint64(k)
	i.u2 = uint64(uint32(a.disp))
}

func (i *instruction) asStore(sizeInBytes byte, value regalloc.VReg, a amode) {
	i.kind = store
	i.rn = value
	i.rd = a.base // base is a use; store has no defs, see the operand table
	i.u1 = uint64(sizeInBytes)
	i.u2 = uint64(uint32(a.disp))
}

func (i *instruction) asExtendRR(k loadKind, rd, rn regalloc.VReg) {
	i.kind = extendRR
	i.rd, i.rn = rd, rn
	i.u1 = uint64(k)
}

func (i *instruction) asSetcc(c cc, rd regalloc.VReg) {
	i.kind = setcc
	i.rd = rd
	i.u1 = uint64(c)
}

func (i *instruction) asCmovRR(c cc, rd, rn regalloc.VReg, _64 bool) {
	i.kind = cmovRR
	i.rd, i.rn = rd, rn
	i.u1 = uint64(c)
	i.u2 = boolBit(_64)
}

func (i *instruction) asJmp(target label) {
	i.kind = jmp
	i.u1 = uint64(target)
}

func (i *instruction) asJcc(c cc, target label) {
	i.kind = jcc
	i.u1 = uint64(c)
	i.u2 = uint64(target)
}

func (i *instruction) asCall(targetIndex int, args, rets []regalloc.VReg) {
	i.kind = call
	i.u1 = uint64(targetIndex)
	i.abiArgs, i.abiRets = args, rets
}

func (i *instruction) asCallInd(rn regalloc.VReg, args, rets []regalloc.VReg) {
	i.kind = callInd
	i.rn = rn
	i.abiArgs, i.abiRets = args, rets
}

func (i *instruction) asRet(rets []regalloc.VReg) {
	i.kind = ret
	i.abiArgs = rets
}

func (i *instruction) asTrap(code engineapi.TrapCode) {
	i.kind = trap
	i.u1 = uint64(code)
}

func (i *instruction) asTrapIf(c cc, code engineapi.TrapCode) {
	i.kind = trapIf
	i.u1 = uint64(c)
	i.u2 = uint64(code)
}

func (i *instruction) asXmmRmR(op xmmOp, rd, rn regalloc.VReg, _64 bool) {
	i.kind = xmmRmR
	i.rd, i.rn = rd, rn
	i.u1 = uint64(op)
	i.u2 = boolBit(_64)
}

func (i *instruction) asXmmUnary(op xmmOp, rd, rn regalloc.VReg, _64 bool) {
	i.kind = xmmUnary
	i.rd, i.rn = rd, rn
	i.u1 = uint64(op)
	i.u2 = boolBit(_64)
}

func (i *instruction) asXmmRound(rd, rn regalloc.VReg, mode byte, _64 bool) {
	i.kind = xmmUnary
	i.rd, i.rn = rd, rn
	i.u1 = uint64(xmmOpRound) | uint64(mode)<<8
	i.u2 = boolBit(_64)
}

func (i *instruction) asUcomis(x, y regalloc.VReg, _64 bool) {
	i.kind = ucomis
	i.rd, i.rn = x, y
	i.u2 = boolBit(_64)
}

func (i *instruction) asCvtToInt(rd, rn regalloc.VReg, src64, dst64 bool) {
	i.kind = cvtToInt
	i.rd, i.rn = rd, rn
	i.u1 = boolBit(src64)
	i.u2 = boolBit(dst64)
}

func (i *instruction) asCvtFromInt(rd, rn regalloc.VReg, src64, dst64 bool) {
	i.kind = cvtFromInt
	i.rd, i.rn = rd, rn
	i.u1 = boolBit(src64)
	i.u2 = boolBit(dst64)
}

func (i *instruction) asMovGprToXmm(rd, rn regalloc.VReg, _64 bool) {
	i.kind = movGprToXmm
	i.rd, i.rn = rd, rn
	i.u2 = boolBit(_64)
}

func (i *instruction) asMovXmmToGpr(rd, rn regalloc.VReg, _64 bool) {
	i.kind = movXmmToGpr
	i.rd, i.rn = rd, rn
	i.u2 = boolBit(_64)
}

func (i *instruction) asLoadXmmConst(rd regalloc.VReg, bits uint64, _64 bool) {
	i.kind = loadXmmConst
	i.rd = rd
	i.u1 = bits
	i.u2 = boolBit(_64)
}

func (i *instruction) asXmmMovRR(rd, rn regalloc.VReg) {
	i.kind = xmmMovRR
	i.rd, i.rn = rd, rn
}

func (i *instruction) asStoreZeroAtSP() {
	i.kind = storeZeroSP
}

func (i *instruction) asPush64(rn regalloc.VReg) {
	i.kind = push64
	i.rn = rn
}

func (i *instruction) asPop64(rd regalloc.VReg) {
	i.kind = pop64
	i.rd = rd
}

func (i *instruction) asEmitSrcLoc(off int64) {
	i.kind = emitSrcLoc
	i.u1 = uint64(off)
}

func (i *instruction) trapCode() engineapi.TrapCode { return engineapi.TrapCode(i.u1) }

// markHeapAccess tags a load/store as a guard-protected heap access.
func (i *instruction) markHeapAccess()     { i.u1 |= 1 << 16 }
func (i *instruction) isHeapAccess() bool  { return i.u1&(1<<16) != 0 }
func (i *instruction) memPayload() uint64  { return i.u1 &^ (1 << 16) }

// label is a machine-level label, resolved to a code-buffer label at
// encoding.
type label uint32

// String implements fmt.Stringer.
func (l label) String() string { return fmt.Sprintf("L%d", l) }

func fv(v regalloc.VReg) string {
	if v.IsRealReg() {
		return formatRealReg(v.RealReg())
	}
	return v.String()
}

// String implements fmt.Stringer.
func (i *instruction) String() string {
	switch i.kind {
	case nop0:
		return "nop0"
	case aluRR:
		return fmt.Sprintf("%s %s, %s", aluOp(i.u1), fv(i.rd), fv(i.rn))
	case aluRI:
		return fmt.Sprintf("%s %s, %#x", aluOp(byte(i.u1)), fv(i.rd), uint32(i.u1>>32))
	case cmpRR:
		return fmt.Sprintf("cmp %s, %s", fv(i.rd), fv(i.rn))
	case cmpRI:
		return fmt.Sprintf("cmp %s, %#x", fv(i.rd), uint32(i.u1))
	case testRR:
		return fmt.Sprintf("test %s, %s", fv(i.rd), fv(i.rn))
	case movRR:
		return fmt.Sprintf("mov %s, %s", fv(i.rd), fv(i.rn))
	case movRI:
		return fmt.Sprintf("mov %s, %#x", fv(i.rd), i.u1)
	case neg:
		return fmt.Sprintf("neg %s", fv(i.rd))
	case not:
		return fmt.Sprintf("not %s", fv(i.rd))
	case shiftRCl:
		return fmt.Sprintf("%s %s, cl", shiftOp(i.u1), fv(i.rd))
	case shiftRI:
		return fmt.Sprintf("%s %s, %d", shiftOp(byte(i.u1)), fv(i.rd), byte(i.u1>>8))
	case imulRR:
		return fmt.Sprintf("imul %s, %s", fv(i.rd), fv(i.rn))
	case cdqCqo:
		if i.u2&1 != 0 {
			return "cqo"
		}
		return "cdq"
	case zeroRdx:
		return "xor edx, edx"
	case div:
		if i.u1&1 != 0 {
			return fmt.Sprintf("idiv %s", fv(i.rn))
		}
		return fmt.Sprintf("div %s", fv(i.rn))
	case load:
		return fmt.Sprintf("mov %s, [%s+%d]", fv(i.rd), fv(i.rn), int32(uint32(i.u2)))
	case extendRR:
		return fmt.Sprintf("movx %s, %s", fv(i.rd), fv(i.rn))
	case store:
		return fmt.Sprintf("mov [%s+%d], %s", fv(i.rd), int32(uint32(i.u2)), fv(i.rn))
	case setcc:
		return fmt.Sprintf("set%s %s", cc(i.u1), fv(i.rd))
	case cmovRR:
		return fmt.Sprintf("cmov%s %s, %s", cc(i.u1), fv(i.rd), fv(i.rn))
	case jmp:
		return fmt.Sprintf("jmp %s", label(i.u1))
	case jcc:
		return fmt.Sprintf("j%s %s", cc(i.u1), label(i.u2))
	case call:
		return "call <fn>"
	case callInd:
		return fmt.Sprintf("call %s", fv(i.rn))
	case ret:
		return "ret"
	case trap:
		return fmt.Sprintf("ud2 #%s", i.trapCode())
	case trapIf:
		return fmt.Sprintf("trap_if %s, %s", cc(i.u1), engineapi.TrapCode(i.u2))
	case xmmRmR, xmmUnary:
		return fmt.Sprintf("xmm%d %s, %s", byte(i.u1), fv(i.rd), fv(i.rn))
	case ucomis:
		return fmt.Sprintf("ucomis %s, %s", fv(i.rd), fv(i.rn))
	case cvtToInt:
		return fmt.Sprintf("cvtt2si %s, %s", fv(i.rd), fv(i.rn))
	case cvtFromInt:
		return fmt.Sprintf("cvtsi2 %s, %s", fv(i.rd), fv(i.rn))
	case movGprToXmm:
		return fmt.Sprintf("movq %s, %s", fv(i.rd), fv(i.rn))
	case movXmmToGpr:
		return fmt.Sprintf("movq %s, %s", fv(i.rd), fv(i.rn))
	case loadXmmConst:
		return fmt.Sprintf("movs %s, #const(%#x)", fv(i.rd), i.u1)
	case xmmMovRR:
		return fmt.Sprintf("movaps %s, %s", fv(i.rd), fv(i.rn))
	case storeZeroSP:
		return "mov dword [rsp], 0"
	case push64:
		return fmt.Sprintf("push %s", fv(i.rn))
	case pop64:
		return fmt.Sprintf("pop %s", fv(i.rd))
	case emitSrcLoc:
		return fmt.Sprintf("srcloc %d", int64(i.u1))
	default:
		panic(fmt.Sprintf("BUG: unknown instruction kind: %d", i.kind))
	}
}

// operandInfo drives the regalloc.Instr implementation, as in the arm64
// backend: uses are ordered [rd(mod), rn, abiArgs...].
type operandInfo struct {
	useRd, useRn, defRd bool
	useAbi, defAbi      bool
	fixedDefs           []regalloc.VReg
	fixedUses           []regalloc.VReg
}

var operandInfoTable = [numInstructionKinds]operandInfo{
	nop0:         {},
	aluRR:        {useRd: true, useRn: true, defRd: true},
	aluRI:        {useRd: true, defRd: true},
	cmpRR:        {useRd: true, useRn: true},
	cmpRI:        {useRd: true},
	testRR:       {useRd: true, useRn: true},
	movRR:        {useRn: true, defRd: true},
	movRI:        {defRd: true},
	neg:          {useRd: true, defRd: true},
	not:          {useRd: true, defRd: true},
	shiftRCl:     {useRd: true, useRn: true, defRd: true},
	shiftRI:      {useRd: true, defRd: true},
	imulRR:       {useRd: true, useRn: true, defRd: true},
	cdqCqo:       {useRn: true, defRd: true},
	zeroRdx:      {defRd: true},
	div: {useRn: true,
		fixedUses: []regalloc.VReg{raxVReg, rdxVReg},
		fixedDefs: []regalloc.VReg{raxVReg, rdxVReg}},
	load:         {useRn: true, defRd: true},
	extendRR:     {useRn: true, defRd: true},
	store:        {useRd: true, useRn: true},
	setcc:        {defRd: true},
	cmovRR:       {useRd: true, useRn: true, defRd: true},
	jmp:          {},
	jcc:          {},
	call:         {useAbi: true, defAbi: true},
	callInd:      {useRn: true, useAbi: true, defAbi: true},
	ret:          {useAbi: true},
	trap:         {},
	trapIf:       {},
	xmmRmR:       {useRd: true, useRn: true, defRd: true},
	xmmUnary:     {useRn: true, defRd: true},
	ucomis:       {useRd: true, useRn: true},
	cvtToInt:     {useRn: true, defRd: true},
	cvtFromInt:   {useRn: true, defRd: true},
	movGprToXmm:  {useRn: true, defRd: true},
	movXmmToGpr:  {useRn: true, defRd: true},
	loadXmmConst: {defRd: true},
	xmmMovRR:     {useRn: true, defRd: true},
	storeZeroSP:  {},
	push64:       {useRn: true},
	pop64:        {defRd: true},
	emitSrcLoc:   {},
}

// Defs implements regalloc.Instr.
func (i *instruction) Defs() []regalloc.VReg {
	info := &operandInfoTable[i.kind]
	i.defs = i.defs[:0]
	if info.defRd {
		i.defs = append(i.defs, i.rd)
	}
	i.defs = append(i.defs, info.fixedDefs...)
	if info.defAbi {
		i.defs = append(i.defs, i.abiRets...)
	}
	return i.defs
}

// Uses implements regalloc.Instr.
func (i *instruction) Uses() []regalloc.VReg {
	info := &operandInfoTable[i.kind]
	i.uses = i.uses[:0]
	if info.useRd {
		i.uses = append(i.uses, i.rd)
	}
	if info.useRn {
		i.uses = append(i.uses, i.rn)
	}
	if info.useAbi {
		i.uses = append(i.uses, i.abiArgs...)
	}
	i.uses = append(i.uses, info.fixedUses...)
	return i.uses
}

// AssignDef implements regalloc.Instr.
func (i *instruction) AssignDef(v regalloc.VReg) {
	if !operandInfoTable[i.kind].defRd {
		panic("BUG: AssignDef on instruction without a register destination")
	}
	i.rd = v
}

// AssignUse implements regalloc.Instr.
func (i *instruction) AssignUse(index int, v regalloc.VReg) {
	info := &operandInfoTable[i.kind]
	if info.useRd {
		if index == 0 {
			i.rd = v
			return
		}
		index--
	}
	if info.useRn {
		if index == 0 {
			i.rn = v
			return
		}
		index--
	}
	if info.useAbi {
		i.abiArgs[index] = v
		return
	}
	panic("BUG: AssignUse index out of range")
}

// IsCall implements regalloc.Instr.
func (i *instruction) IsCall() bool { return i.kind == call }

// IsIndirectCall implements regalloc.Instr.
func (i *instruction) IsIndirectCall() bool { return i.kind == callInd }

// IsCopy implements regalloc.Instr.
func (i *instruction) IsCopy() bool { return i.kind == movRR }
