package arm64

import (
	"encoding/binary"
	"fmt"

	"github.com/bytecodealliance/wasmtime-sub017/internal/backend"
	"github.com/bytecodealliance/wasmtime-sub017/internal/engineapi"
)

// Fixup kinds understood by the patcher.
const (
	// fixupKindBr26 is an unconditional branch with a 26-bit word offset.
	fixupKindBr26 backend.FixupKind = iota
	// fixupKindCondBr19 is a conditional branch (b.cond/cbz/cbnz) with a
	// 19-bit word offset.
	fixupKindCondBr19
	// fixupKindLdrLit19 is a load-literal with a 19-bit word offset.
	fixupKindLdrLit19
)

// patcher implements backend.Patcher for AArch64.
type patcher struct{}

// Patch implements backend.Patcher.
func (patcher) Patch(data []byte, kind backend.FixupKind, offset, target int) bool {
	diff := int64(target - offset)
	if diff%4 != 0 {
		panic("BUG: branch offsets must be word-aligned")
	}
	words := diff >> 2
	instr := binary.LittleEndian.Uint32(data[offset:])
	switch kind {
	case fixupKindBr26:
		if words < -(1<<25) || words >= 1<<25 {
			return false
		}
		instr |= uint32(words) & ((1 << 26) - 1)
	case fixupKindCondBr19:
		if words < -(1<<18) || words >= 1<<18 {
			return false
		}
		instr |= (uint32(words) & ((1 << 19) - 1)) << 5
	case fixupKindLdrLit19:
		if words < -(1<<18) || words >= 1<<18 {
			return false
		}
		instr |= (uint32(words) & ((1 << 19) - 1)) << 5
	default:
		panic("BUG: unknown fixup kind")
	}
	binary.LittleEndian.PutUint32(data[offset:], instr)
	return true
}

// EmitTrampoline implements backend.Patcher: an unconditional B reaches
// ±128MiB, far beyond any single function, so it serves as the veneer for
// out-of-range conditional branches.
func (patcher) EmitTrampoline(data []byte, target int) []byte {
	diff := int64(target-len(data)) >> 2
	if diff < -(1<<25) || diff >= 1<<25 {
		panic("BUG: trampoline target out of unconditional branch range")
	}
	word := uint32(0x14000000) | uint32(diff)&((1<<26)-1)
	return binary.LittleEndian.AppendUint32(data, word)
}

func sfBit(is64 bool) uint32 {
	if is64 {
		return 1 << 31
	}
	return 0
}

// encode emits the binary form of the instruction into the buffer. Label
// references are recorded as fixups resolved by the patcher.
func (m *machine) encode(i *instruction, buf *backend.CodeBuffer) {
	rd := func() uint32 { return regNumber(i.rd.RealReg()) }
	rn := func() uint32 { return regNumber(i.rn.RealReg()) }
	rm := func() uint32 { return regNumber(i.rm.RealReg()) }
	is64 := i.u2&1 != 0

	switch i.kind {
	case nop0, emitSrcLoc:
		// zero-size; emitSrcLoc is handled by the caller.
	case aluRRR:
		buf.Emit32(encodeAluRRR(aluOp(i.u1), rd(), rn(), rm(), is64))
	case aluRRImm12:
		var word uint32
		switch aluOp(i.u1) {
		case aluOpAdd:
			word = sfBit(is64) | 0x11000000
		case aluOpSub:
			word = sfBit(is64) | 0x51000000
		case aluOpAddS:
			word = sfBit(is64) | 0x31000000
		case aluOpSubS:
			word = sfBit(is64) | 0x71000000
		default:
			panic("BUG: ALU op with immediate not encodable: " + aluOp(i.u1).String())
		}
		buf.Emit32(word | uint32(i.imm12())<<10 | rn()<<5 | rd())
	case movZ:
		buf.Emit32(sfBit(is64) | 0x52800000 | uint32(byte(i.u1))<<21 | uint32(uint16(i.u1>>16))<<5 | rd())
	case movN:
		buf.Emit32(sfBit(is64) | 0x12800000 | uint32(byte(i.u1))<<21 | uint32(uint16(i.u1>>16))<<5 | rd())
	case movK:
		buf.Emit32(sfBit(is64) | 0x72800000 | uint32(byte(i.u1))<<21 | uint32(uint16(i.u1>>16))<<5 | rd())
	case mov64:
		if i.rn.RealReg() == sp || i.rd.RealReg() == sp {
			// ORR cannot address SP; use ADD #0.
			buf.Emit32(1<<31 | 0x11000000 | rn()<<5 | rd())
		} else {
			buf.Emit32(0xAA0003E0 | rm2(rn()) | rd())
		}
	case mov32:
		buf.Emit32(0x2A0003E0 | rm2(rn()) | rd())
	case extend:
		e := i.extendKind()
		buf.Emit32(encodeExtend(e, rd(), rn()))
	case cSet:
		// cset rd, c == csinc rd, xzr, xzr, invert(c)
		buf.Emit32(0x1A800400 | 31<<16 | uint32(condFlag(i.u1).invert())<<12 | 31<<5 | rd())
	case cSel:
		buf.Emit32(sfBit(is64) | 0x1A800000 | rm()<<16 | uint32(condFlag(i.u1))<<12 | rn()<<5 | rd())
	case fpuCSel:
		buf.Emit32(0x1E200C00 | ftype(is64) | rm()<<16 | uint32(condFlag(i.u1))<<12 | rn()<<5 | rd())
	case uLoad8, sLoad8, uLoad16, sLoad16, uLoad32, sLoad32, uLoad64,
		fpuLoad32, fpuLoad64, fpuLoad128:
		if i.isHeapAccess() {
			buf.AddTrap(buf.CurrentOffset(), engineapi.TrapCodeHeapOutOfBounds)
		}
		buf.Emit32(encodeLoadStore(i.kind, rd(), rn(), uint32(i.u1)))
	case store8, store16, store32, store64, fpuStore32, fpuStore64, fpuStore128:
		if i.isHeapAccess() {
			buf.AddTrap(buf.CurrentOffset(), engineapi.TrapCodeHeapOutOfBounds)
		}
		buf.Emit32(encodeLoadStore(i.kind, rm(), rn(), uint32(i.u1)))
	case storeP64:
		// stp rd, rm, [sp, #imm]!
		buf.Emit32(0xA9800000 | encodeImm7(int32(i.u1)) | rm()<<10 | 31<<5 | rd())
	case loadP64:
		// ldp rd, rm, [sp], #imm
		buf.Emit32(0xA8C00000 | encodeImm7(int32(i.u1)) | rm()<<10 | 31<<5 | rd())
	case fpuRR:
		buf.Emit32(0x1E204000 | ftype(is64) | fpu1Opcode(fpuOp(i.u1))<<15 | rn()<<5 | rd())
	case fpuRRR:
		buf.Emit32(0x1E200800 | ftype(is64) | rm()<<16 | fpu2Opcode(fpuOp(i.u1))<<12 | rn()<<5 | rd())
	case fpuCmp:
		buf.Emit32(0x1E202000 | ftype(is64) | rm()<<16 | rn()<<5)
	case fpuToInt:
		signed, src64, dst64 := i.u1&1 != 0, i.u1&2 != 0, i.u1&4 != 0
		word := sfBit(dst64) | 0x1E380000 | ftype(src64)
		if !signed {
			word |= 1 << 16
		}
		buf.Emit32(word | rn()<<5 | rd())
	case intToFpu:
		signed, src64, dst64 := i.u1&1 != 0, i.u1&2 != 0, i.u1&4 != 0
		word := sfBit(src64) | 0x1E220000 | ftype(dst64)
		if !signed {
			word |= 1 << 16
		}
		buf.Emit32(word | rn()<<5 | rd())
	case fpuMov64:
		buf.Emit32(0x1E604000 | rn()<<5 | rd())
	case movToFpu:
		if is64 {
			buf.Emit32(0x9E670000 | rn()<<5 | rd())
		} else {
			buf.Emit32(0x1E270000 | rn()<<5 | rd())
		}
	case movFromFpu:
		if is64 {
			buf.Emit32(0x9E660000 | rn()<<5 | rd())
		} else {
			buf.Emit32(0x1E260000 | rn()<<5 | rd())
		}
	case vecDup:
		buf.Emit32(0x4E000C00 | dupImm5(byte(i.u1))<<16 | rn()<<5 | rd())
	case vecDupElem:
		laneBits, lane := byte(i.u1>>8), byte(i.u1)
		buf.Emit32(0x4E000400 | laneImm5(laneBits, lane)<<16 | rn()<<5 | rd())
	case vecDupElemScalar:
		laneBits, lane := byte(i.u1>>8), byte(i.u1)
		buf.Emit32(0x5E000400 | laneImm5(laneBits, lane)<<16 | rn()<<5 | rd())
	case vecInsertElem:
		laneBits, dstLane, srcLane := byte(i.u1>>8), byte(i.u1), byte(i.u2)
		imm4 := laneElemImm4(laneBits, srcLane)
		buf.Emit32(0x6E000400 | laneImm5(laneBits, dstLane)<<16 | imm4<<11 | rn()<<5 | rd())
	case vecLanes:
		laneBits := byte(i.u2)
		size := vecSize(laneBits) << 22
		switch vecLanesOp(i.u1) {
		case vecLanesOpCnt:
			buf.Emit32(0x4E205800 | rn()<<5 | rd())
		case vecLanesOpAddv:
			buf.Emit32(0x4E31B800 | size | rn()<<5 | rd())
		case vecLanesOpUmaxv:
			buf.Emit32(0x6E30A800 | size | rn()<<5 | rd())
		case vecLanesOpUminv:
			buf.Emit32(0x6E31A800 | size | rn()<<5 | rd())
		}
	case loadSymAddr:
		l := m.allocateSymConst(m.symbols[i.u1])
		off := buf.CurrentOffset()
		buf.Emit32(0x58000000 | rd())
		buf.UseLabel(off, fixupKindLdrLit19, l)
	case vecRRR:
		buf.Emit32(encodeVecRRR(vecOp(i.u1), byte(i.u2), rd(), rn(), rm()))
	case vecExtract:
		laneBits, lane := byte(i.u1>>8), byte(i.u1)
		signed := i.u2 != 0
		var opc uint32 = 0x3C00 // umov
		if signed {
			opc = 0x2C00 // smov
		}
		q := uint32(0)
		if laneBits == 64 || (signed && laneBits == 32) {
			q = 1 << 30
		}
		buf.Emit32(0x0E000000 | q | laneImm5(laneBits, lane)<<16 | opc | rn()<<5 | rd())
	case vecInsert:
		laneBits, lane := byte(i.u1>>8), byte(i.u1)
		buf.Emit32(0x4E001C00 | laneImm5(laneBits, lane)<<16 | rn()<<5 | rd())
	case loadFpuConst32:
		l := m.allocateConst(uint64(uint32(i.u1)), 4)
		off := buf.CurrentOffset()
		buf.Emit32(0x1C000000 | rd())
		buf.UseLabel(off, fixupKindLdrLit19, l)
	case loadFpuConst64:
		l := m.allocateConst(i.u1, 8)
		off := buf.CurrentOffset()
		buf.Emit32(0x5C000000 | rd())
		buf.UseLabel(off, fixupKindLdrLit19, l)
	case br:
		off := buf.CurrentOffset()
		buf.Emit32(0x14000000)
		buf.UseLabel(off, fixupKindBr26, m.bufLabel(label(i.u1)))
	case condBr:
		c := cond(i.u1)
		off := buf.CurrentOffset()
		switch c.kind() {
		case condKindRegisterZero:
			r := regNumber(c.register().RealReg())
			buf.Emit32(1<<31 | 0x34000000 | r)
		case condKindRegisterNotZero:
			r := regNumber(c.register().RealReg())
			buf.Emit32(1<<31 | 0x35000000 | r)
		case condKindCondFlagSet:
			buf.Emit32(0x54000000 | uint32(c.flag()))
		}
		buf.UseLabel(off, fixupKindCondBr19, m.bufLabel(label(i.u2)))
	case call:
		t := m.callTargets[i.u1]
		buf.AddRelocation(buf.CurrentOffset(), t.name, backend.RelocKindCall, 0)
		buf.Emit32(0x94000000)
	case callInd:
		buf.Emit32(0xD63F0000 | rn()<<5)
	case ret:
		buf.Emit32(0xD65F03C0)
	case trap:
		buf.AddTrap(buf.CurrentOffset(), i.trapCode())
		buf.Emit32(0x00000000)
	case trapIf:
		// Branch over the trap when the condition does not hold.
		c := cond(i.u1)
		switch c.kind() {
		case condKindRegisterZero:
			r := regNumber(c.register().RealReg())
			buf.Emit32(1<<31 | 0x35000000 | 2<<5 | r) // cbnz r, +8
		case condKindRegisterNotZero:
			r := regNumber(c.register().RealReg())
			buf.Emit32(1<<31 | 0x34000000 | 2<<5 | r) // cbz r, +8
		case condKindCondFlagSet:
			buf.Emit32(0x54000000 | 2<<5 | uint32(c.flag().invert())) // b.<inv> +8
		}
		buf.AddTrap(buf.CurrentOffset(), engineapi.TrapCode(i.u2))
		buf.Emit32(0x00000000)
	case udf:
		buf.AddTrap(buf.CurrentOffset(), i.trapCode())
		buf.Emit32(0x00000000)
	default:
		panic(fmt.Sprintf("BUG: unencodable instruction: %s", i))
	}
}

func rm2(rm uint32) uint32 { return rm << 16 }

func ftype(is64 bool) uint32 {
	if is64 {
		return 1 << 22
	}
	return 0
}

func encodeImm7(offset int32) uint32 {
	if offset%8 != 0 || offset < -512 || offset > 504 {
		panic("BUG: invalid pair offset")
	}
	return (uint32(offset/8) & 0x7F) << 15
}

func encodeAluRRR(op aluOp, rd, rn, rm uint32, is64 bool) uint32 {
	sf := sfBit(is64)
	switch op {
	case aluOpAdd:
		return sf | 0x0B000000 | rm<<16 | rn<<5 | rd
	case aluOpSub:
		return sf | 0x4B000000 | rm<<16 | rn<<5 | rd
	case aluOpAddS:
		return sf | 0x2B000000 | rm<<16 | rn<<5 | rd
	case aluOpSubS:
		return sf | 0x6B000000 | rm<<16 | rn<<5 | rd
	case aluOpAnd:
		return sf | 0x0A000000 | rm<<16 | rn<<5 | rd
	case aluOpOrr:
		return sf | 0x2A000000 | rm<<16 | rn<<5 | rd
	case aluOpEor:
		return sf | 0x4A000000 | rm<<16 | rn<<5 | rd
	case aluOpMul:
		// madd rd, rn, rm, xzr
		return sf | 0x1B000000 | rm<<16 | 31<<10 | rn<<5 | rd
	case aluOpSMulH:
		return 0x9B407C00 | rm<<16 | rn<<5 | rd
	case aluOpUMulH:
		return 0x9BC07C00 | rm<<16 | rn<<5 | rd
	case aluOpSDiv:
		return sf | 0x1AC00C00 | rm<<16 | rn<<5 | rd
	case aluOpUDiv:
		return sf | 0x1AC00800 | rm<<16 | rn<<5 | rd
	case aluOpLsl:
		return sf | 0x1AC02000 | rm<<16 | rn<<5 | rd
	case aluOpLsr:
		return sf | 0x1AC02400 | rm<<16 | rn<<5 | rd
	case aluOpAsr:
		return sf | 0x1AC02800 | rm<<16 | rn<<5 | rd
	case aluOpRor:
		return sf | 0x1AC02C00 | rm<<16 | rn<<5 | rd
	case aluOpClz:
		return sf | 0x5AC01000 | rn<<5 | rd
	case aluOpRbit:
		return sf | 0x5AC00000 | rn<<5 | rd
	case aluOpBic:
		return sf | 0x0A200000 | rm<<16 | rn<<5 | rd
	case aluOpOrn:
		return sf | 0x2A200000 | rm<<16 | rn<<5 | rd
	case aluOpRev:
		if is64 {
			return 0xDAC00C00 | rn<<5 | rd
		}
		return 0x5AC00800 | rn<<5 | rd
	default:
		panic("BUG: unencodable ALU op")
	}
}

// laneElemImm4 encodes the source-lane index of INS (element).
func laneElemImm4(laneBits, lane byte) uint32 {
	switch laneBits {
	case 8:
		return uint32(lane)
	case 16:
		return uint32(lane) << 1
	case 32:
		return uint32(lane) << 2
	case 64:
		return uint32(lane) << 3
	default:
		panic("BUG: invalid lane width")
	}
}

func encodeExtend(e extendKind, rd, rn uint32) uint32 {
	// SBFM/UBFM with immr=0, imms=from-1.
	var opc uint32 = 2 // UBFM
	if e.signed {
		opc = 0
	}
	imms := uint32(e.from) - 1
	if e.to == 64 {
		if !e.signed && e.from == 32 {
			// 32-bit mov zeroes the upper half.
			return 0x2A0003E0 | rn<<16 | rd
		}
		return 1<<31 | opc<<29 | 0x13000000 | 1<<22 | imms<<10 | rn<<5 | rd
	}
	return opc<<29 | 0x13000000 | imms<<10 | rn<<5 | rd
}

func encodeLoadStore(k instructionKind, rt, rn, imm uint32) uint32 {
	var base uint32
	var scale uint32
	switch k {
	case uLoad8:
		base, scale = 0x39400000, 1
	case sLoad8:
		base, scale = 0x39800000, 1
	case uLoad16:
		base, scale = 0x79400000, 2
	case sLoad16:
		base, scale = 0x79800000, 2
	case uLoad32:
		base, scale = 0xB9400000, 4
	case sLoad32:
		base, scale = 0xB9800000, 4
	case uLoad64:
		base, scale = 0xF9400000, 8
	case store8:
		base, scale = 0x39000000, 1
	case store16:
		base, scale = 0x79000000, 2
	case store32:
		base, scale = 0xB9000000, 4
	case store64:
		base, scale = 0xF9000000, 8
	case fpuLoad32:
		base, scale = 0xBD400000, 4
	case fpuLoad64:
		base, scale = 0xFD400000, 8
	case fpuLoad128:
		base, scale = 0x3DC00000, 16
	case fpuStore32:
		base, scale = 0xBD000000, 4
	case fpuStore64:
		base, scale = 0xFD000000, 8
	case fpuStore128:
		base, scale = 0x3D800000, 16
	default:
		panic("BUG")
	}
	if imm%scale != 0 || imm/scale >= 1<<12 {
		panic(fmt.Sprintf("BUG: unencodable load/store offset %d", imm))
	}
	return base | (imm/scale)<<10 | rn<<5 | rt
}

func fpu1Opcode(op fpuOp) uint32 {
	switch op {
	case fpuOpAbs:
		return 1
	case fpuOpNeg:
		return 2
	case fpuOpSqrt:
		return 3
	case fpuOpRintN:
		return 8
	case fpuOpRintP:
		return 9
	case fpuOpRintM:
		return 10
	case fpuOpRintZ:
		return 11
	case fpuOpCvtToDouble:
		return 5 // fcvt Dd, Sn (ftype=S)
	case fpuOpCvtToSingle:
		return 4 // fcvt Sd, Dn (ftype=D)
	default:
		panic("BUG: not a 1-source FPU op")
	}
}

func fpu2Opcode(op fpuOp) uint32 {
	switch op {
	case fpuOpMul:
		return 0
	case fpuOpDiv:
		return 1
	case fpuOpAdd:
		return 2
	case fpuOpSub:
		return 3
	case fpuOpMax:
		return 4
	case fpuOpMin:
		return 5
	default:
		panic("BUG: not a 2-source FPU op")
	}
}

func dupImm5(laneBits byte) uint32 {
	switch laneBits {
	case 8:
		return 0b00001
	case 16:
		return 0b00010
	case 32:
		return 0b00100
	case 64:
		return 0b01000
	default:
		panic("BUG: invalid lane width")
	}
}

func laneImm5(laneBits, lane byte) uint32 {
	switch laneBits {
	case 8:
		return uint32(lane)<<1 | 1
	case 16:
		return uint32(lane)<<2 | 2
	case 32:
		return uint32(lane)<<3 | 4
	case 64:
		return uint32(lane)<<4 | 8
	default:
		panic("BUG: invalid lane width")
	}
}

func vecSize(laneBits byte) uint32 {
	switch laneBits {
	case 8:
		return 0
	case 16:
		return 1
	case 32:
		return 2
	case 64:
		return 3
	default:
		panic("BUG: invalid lane width")
	}
}

func encodeVecRRR(op vecOp, laneBits byte, rd, rn, rm uint32) uint32 {
	size := vecSize(laneBits) << 22
	switch op {
	case vecOpAdd:
		return 0x4E208400 | size | rm<<16 | rn<<5 | rd
	case vecOpSub:
		return 0x6E208400 | size | rm<<16 | rn<<5 | rd
	case vecOpMul:
		return 0x4E209C00 | size | rm<<16 | rn<<5 | rd
	case vecOpAnd:
		return 0x4E201C00 | rm<<16 | rn<<5 | rd
	case vecOpOrr:
		return 0x4EA01C00 | rm<<16 | rn<<5 | rd
	case vecOpEor:
		return 0x6E201C00 | rm<<16 | rn<<5 | rd
	default:
		panic("BUG: unencodable vector op")
	}
}
