package arm64

import "github.com/bytecodealliance/wasmtime-sub017/internal/backend/regalloc"

// operandInfo describes, per instruction kind, which fields carry register
// operands and in which role. The regalloc.Instr implementation below is
// driven by this table, so the order of Uses() is fixed as
// [rn, rm, rd(mod), cond-register, abiArgs...] and AssignUse indexes into
// exactly that order.
type operandInfo struct {
	useRn, useRm bool
	// useRd marks read-modify-write destinations (movk, ins).
	useRd   bool
	defRd   bool
	useCond bool
	useAbi  bool
	defAbi  bool
}

var operandInfoTable = [numInstructionKinds]operandInfo{
	nop0:           {},
	aluRRR:         {useRn: true, useRm: true, defRd: true},
	aluRRImm12:     {useRn: true, defRd: true},
	movZ:           {defRd: true},
	movN:           {defRd: true},
	movK:           {useRd: true, defRd: true},
	mov64:          {useRn: true, defRd: true},
	mov32:          {useRn: true, defRd: true},
	extend:         {useRn: true, defRd: true},
	cSet:           {defRd: true},
	cSel:           {useRn: true, useRm: true, defRd: true},
	fpuCSel:        {useRn: true, useRm: true, defRd: true},
	uLoad8:         {useRn: true, defRd: true},
	sLoad8:         {useRn: true, defRd: true},
	uLoad16:        {useRn: true, defRd: true},
	sLoad16:        {useRn: true, defRd: true},
	uLoad32:        {useRn: true, defRd: true},
	sLoad32:        {useRn: true, defRd: true},
	uLoad64:        {useRn: true, defRd: true},
	fpuLoad32:      {useRn: true, defRd: true},
	fpuLoad64:      {useRn: true, defRd: true},
	fpuLoad128:     {useRn: true, defRd: true},
	store8:         {useRn: true, useRm: true},
	store16:        {useRn: true, useRm: true},
	store32:        {useRn: true, useRm: true},
	store64:        {useRn: true, useRm: true},
	fpuStore32:     {useRn: true, useRm: true},
	fpuStore64:     {useRn: true, useRm: true},
	fpuStore128:    {useRn: true, useRm: true},
	fpuRR:          {useRn: true, defRd: true},
	fpuRRR:         {useRn: true, useRm: true, defRd: true},
	fpuCmp:         {useRn: true, useRm: true},
	fpuToInt:       {useRn: true, defRd: true},
	intToFpu:       {useRn: true, defRd: true},
	fpuMov64:       {useRn: true, defRd: true},
	movToFpu:       {useRn: true, defRd: true},
	movFromFpu:     {useRn: true, defRd: true},
	vecDup:           {useRn: true, defRd: true},
	vecDupElem:       {useRn: true, defRd: true},
	vecDupElemScalar: {useRn: true, defRd: true},
	vecRRR:           {useRn: true, useRm: true, defRd: true},
	vecExtract:       {useRn: true, defRd: true},
	vecInsert:        {useRn: true, useRd: true, defRd: true},
	vecInsertElem:    {useRn: true, useRd: true, defRd: true},
	vecLanes:         {useRn: true, defRd: true},
	loadSymAddr:      {defRd: true},
	storeP64:         {},
	loadP64:          {},
	loadFpuConst32: {defRd: true},
	loadFpuConst64: {defRd: true},
	br:             {},
	condBr:         {useCond: true},
	call:           {useAbi: true, defAbi: true},
	callInd:        {useRn: true, useAbi: true, defAbi: true},
	ret:            {useAbi: true},
	trap:           {},
	trapIf:         {useCond: true},
	udf:            {},
	emitSrcLoc:     {},
}

// Defs implements regalloc.Instr.
func (i *instruction) Defs() []regalloc.VReg {
	info := &operandInfoTable[i.kind]
	i.defs = i.defs[:0]
	if info.defRd {
		i.defs = append(i.defs, i.rd)
	}
	if info.defAbi {
		i.defs = append(i.defs, i.abiRets...)
	}
	return i.defs
}

// Uses implements regalloc.Instr.
func (i *instruction) Uses() []regalloc.VReg {
	info := &operandInfoTable[i.kind]
	i.uses = i.uses[:0]
	if info.useRn {
		i.uses = append(i.uses, i.rn)
	}
	if info.useRm {
		i.uses = append(i.uses, i.rm)
	}
	if info.useRd {
		i.uses = append(i.uses, i.rd)
	}
	if info.useCond {
		if c := cond(i.u1); c.kind() != condKindCondFlagSet {
			i.uses = append(i.uses, c.register())
		}
	}
	if info.useAbi {
		i.uses = append(i.uses, i.abiArgs...)
	}
	return i.uses
}

// AssignDef implements regalloc.Instr.
func (i *instruction) AssignDef(v regalloc.VReg) {
	info := &operandInfoTable[i.kind]
	if !info.defRd {
		panic("BUG: AssignDef on instruction without a register destination")
	}
	i.rd = v
}

// AssignUse implements regalloc.Instr.
func (i *instruction) AssignUse(index int, v regalloc.VReg) {
	info := &operandInfoTable[i.kind]
	if info.useRn {
		if index == 0 {
			i.rn = v
			return
		}
		index--
	}
	if info.useRm {
		if index == 0 {
			i.rm = v
			return
		}
		index--
	}
	if info.useRd {
		if index == 0 {
			i.rd = v
			return
		}
		index--
	}
	if info.useCond {
		if c := cond(i.u1); c.kind() != condKindCondFlagSet {
			if index == 0 {
				switch c.kind() {
				case condKindRegisterZero:
					i.u1 = registerAsRegZeroCond(v).asUint64()
				case condKindRegisterNotZero:
					i.u1 = registerAsRegNotZeroCond(v).asUint64()
				}
				return
			}
			index--
		}
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
func (i *instruction) IsCopy() bool {
	return i.kind == mov64 || i.kind == mov32 || i.kind == fpuMov64
}
