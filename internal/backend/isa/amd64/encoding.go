package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/bytecodealliance/wasmtime-sub017/internal/backend"
	"github.com/bytecodealliance/wasmtime-sub017/internal/backend/regalloc"
	"github.com/bytecodealliance/wasmtime-sub017/internal/engineapi"
)

// Fixup kinds understood by the patcher. All x86-64 branch displacements we
// emit are 32-bit, which always reaches within one function, so trampolines
// exist only to satisfy the code-buffer contract.
const (
	// fixupKindRel32 is a 32-bit displacement relative to the end of the
	// 4-byte field being patched.
	fixupKindRel32 backend.FixupKind = iota
)

// patcher implements backend.Patcher for x86-64.
type patcher struct{}

// Patch implements backend.Patcher.
func (patcher) Patch(data []byte, kind backend.FixupKind, offset, target int) bool {
	if kind != fixupKindRel32 {
		panic("BUG: unknown fixup kind")
	}
	disp := int64(target) - int64(offset) - 4
	if disp < -(1<<31) || disp >= 1<<31 {
		return false
	}
	binary.LittleEndian.PutUint32(data[offset:], uint32(int32(disp)))
	return true
}

// EmitTrampoline implements backend.Patcher with a 5-byte jmp rel32.
func (patcher) EmitTrampoline(data []byte, target int) []byte {
	data = append(data, 0xE9)
	disp := int64(target) - int64(len(data)) - 4
	return binary.LittleEndian.AppendUint32(data, uint32(int32(disp)))
}

// rexBits returns the REX prefix for the operands and whether any of its
// W/R/B bits is set.
func rexBits(w bool, reg, rm uint8) (byte, bool) {
	var rex byte = 0x40
	if w {
		rex |= 8
	}
	if reg >= 8 {
		rex |= 4
	}
	if rm >= 8 {
		rex |= 1
	}
	return rex, rex != 0x40
}

// emitRegReg emits prefix, REX, opcode and a register-direct ModRM byte.
// emitRegMem below handles the base+disp memory form.
func (m *machine) emitRegReg(buf *backend.CodeBuffer, w bool, reg, rm uint8, prefix []byte, opcode ...byte) {
	buf.Emit(prefix...)
	if r, needed := rexBits(w, reg, rm); needed || w {
		buf.Emit(r)
	}
	buf.Emit(opcode...)
	buf.Emit(0xC0 | reg&7<<3 | rm&7)
}

func (m *machine) emitRegMem(buf *backend.CodeBuffer, w bool, reg, base uint8, disp int32, prefix []byte, opcode ...byte) {
	buf.Emit(prefix...)
	if r, needed := rexBits(w, reg, base); needed || w {
		buf.Emit(r)
	}
	buf.Emit(opcode...)
	baseLow := base & 7
	// rbp/r13 as base require an explicit displacement; rsp/r12 require a
	// SIB byte.
	mod := byte(0)
	small := disp >= -128 && disp <= 127
	switch {
	case disp == 0 && baseLow != 5:
		mod = 0
	case small:
		mod = 1
	default:
		mod = 2
	}
	buf.Emit(mod<<6 | reg&7<<3 | baseLow)
	if baseLow == 4 {
		buf.Emit(0x24) // SIB: scale=1, no index, base=rsp/r12
	}
	switch mod {
	case 1:
		buf.Emit(byte(int8(disp)))
	case 2:
		buf.Emit32(uint32(disp))
	}
}

var aluOpcodeRR = map[aluOp]byte{
	aluOpAdd: 0x03, aluOpSub: 0x2B, aluOpAnd: 0x23, aluOpOr: 0x0B, aluOpXor: 0x33,
}

var aluImmExt = map[aluOp]uint8{
	aluOpAdd: 0, aluOpOr: 1, aluOpAnd: 4, aluOpSub: 5, aluOpXor: 6,
}

var shiftExt = map[shiftOp]uint8{
	shiftOpRol: 0, shiftOpRor: 1, shiftOpShl: 4, shiftOpShr: 5, shiftOpSar: 7,
}

// encode emits the binary form of the instruction into the buffer.
func (m *machine) encode(i *instruction, buf *backend.CodeBuffer) {
	rd := func() uint8 { return encodingOf(i.rd.RealReg()) }
	rn := func() uint8 { return encodingOf(i.rn.RealReg()) }
	w := i.u2&1 != 0

	switch i.kind {
	case nop0, emitSrcLoc:
	case aluRR:
		m.emitRegReg(buf, w, rd(), rn(), nil, aluOpcodeRR[aluOp(i.u1)])
	case aluRI:
		op := aluOp(byte(i.u1))
		imm := uint32(i.u1 >> 32)
		m.emitRegReg(buf, w, aluImmExt[op], rd(), nil, 0x81)
		buf.Emit32(imm)
	case cmpRR:
		m.emitRegReg(buf, w, rd(), rn(), nil, 0x3B)
	case cmpRI:
		m.emitRegReg(buf, w, 7, rd(), nil, 0x81)
		buf.Emit32(uint32(i.u1))
	case testRR:
		m.emitRegReg(buf, w, rn(), rd(), nil, 0x85)
	case movRR:
		m.emitRegReg(buf, w, rd(), rn(), nil, 0x8B)
	case movRI:
		v := i.u1
		if w && v > 0xffffffff {
			r, _ := rexBits(true, 0, rd())
			buf.Emit(r, 0xB8+rd()&7)
			buf.Emit64(v)
		} else if w {
			// mov r32, imm32 zero-extends; use the explicit sign-safe
			// form for negative 64-bit immediates.
			if int64(int32(uint32(v))) == int64(v) && int64(v) < 0 {
				r, _ := rexBits(true, 0, rd())
				buf.Emit(r, 0xC7, 0xC0|rd()&7)
				buf.Emit32(uint32(v))
			} else {
				if r, needed := rexBits(false, 0, rd()); needed {
					buf.Emit(r)
				}
				buf.Emit(0xB8 + rd()&7)
				buf.Emit32(uint32(v))
			}
		} else {
			if r, needed := rexBits(false, 0, rd()); needed {
				buf.Emit(r)
			}
			buf.Emit(0xB8 + rd()&7)
			buf.Emit32(uint32(v))
		}
	case neg:
		m.emitRegReg(buf, w, 3, rd(), nil, 0xF7)
	case not:
		m.emitRegReg(buf, w, 2, rd(), nil, 0xF7)
	case shiftRCl:
		m.emitRegReg(buf, w, shiftExt[shiftOp(i.u1)], rd(), nil, 0xD3)
	case shiftRI:
		m.emitRegReg(buf, w, shiftExt[shiftOp(byte(i.u1))], rd(), nil, 0xC1)
		buf.Emit(byte(i.u1 >> 8))
	case imulRR:
		m.emitRegReg(buf, w, rd(), rn(), nil, 0x0F, 0xAF)
	case cdqCqo:
		if w {
			buf.Emit(0x48)
		}
		buf.Emit(0x99)
	case zeroRdx:
		buf.Emit(0x31, 0xD2) // xor edx, edx
	case div:
		ext := uint8(6)
		if i.u1&1 != 0 {
			ext = 7
		}
		m.emitRegReg(buf, w, ext, rn(), nil, 0xF7)
	case load:
		if i.isHeapAccess() {
			buf.AddTrap(buf.CurrentOffset(), engineapi.TrapCodeHeapOutOfBounds)
		}
		disp := int32(uint32(i.u2))
		switch loadKind(i.memPayload()) {
		case loadKind8U:
			m.emitRegMem(buf, false, rd(), rn(), disp, nil, 0x0F, 0xB6)
		case loadKind8S:
			m.emitRegMem(buf, true, rd(), rn(), disp, nil, 0x0F, 0xBE)
		case loadKind16U:
			m.emitRegMem(buf, false, rd(), rn(), disp, nil, 0x0F, 0xB7)
		case loadKind16S:
			m.emitRegMem(buf, true, rd(), rn(), disp, nil, 0x0F, 0xBF)
		case loadKind32U:
			m.emitRegMem(buf, false, rd(), rn(), disp, nil, 0x8B)
		case loadKind32S:
			m.emitRegMem(buf, true, rd(), rn(), disp, nil, 0x63)
		case loadKind64:
			m.emitRegMem(buf, true, rd(), rn(), disp, nil, 0x8B)
		case loadKindF32:
			m.emitRegMem(buf, false, rd(), rn(), disp, []byte{0xF3}, 0x0F, 0x10)
		case loadKindF64:
			m.emitRegMem(buf, false, rd(), rn(), disp, []byte{0xF2}, 0x0F, 0x10)
		case loadKindV128:
			m.emitRegMem(buf, false, rd(), rn(), disp, []byte{0xF3}, 0x0F, 0x6F)
		}
	case extendRR:
		switch loadKind(i.u1) {
		case loadKind8U:
			m.emitRegReg(buf, false, rd(), rn(), nil, 0x0F, 0xB6)
		case loadKind8S:
			m.emitRegReg(buf, true, rd(), rn(), nil, 0x0F, 0xBE)
		case loadKind16U:
			m.emitRegReg(buf, false, rd(), rn(), nil, 0x0F, 0xB7)
		case loadKind16S:
			m.emitRegReg(buf, true, rd(), rn(), nil, 0x0F, 0xBF)
		case loadKind32S:
			m.emitRegReg(buf, true, rd(), rn(), nil, 0x63)
		default:
			panic("BUG: invalid extend kind")
		}
	case store:
		if i.isHeapAccess() {
			buf.AddTrap(buf.CurrentOffset(), engineapi.TrapCodeHeapOutOfBounds)
		}
		disp := int32(uint32(i.u2))
		switch byte(i.memPayload()) {
		case 1:
			m.emitRegMem(buf, false, rn(), rd(), disp, nil, 0x88)
		case 2:
			m.emitRegMem(buf, false, rn(), rd(), disp, []byte{0x66}, 0x89)
		case 4:
			if i.rn.RegType() == regallocFloat {
				m.emitRegMem(buf, false, rn(), rd(), disp, []byte{0xF3}, 0x0F, 0x11)
			} else {
				m.emitRegMem(buf, false, rn(), rd(), disp, nil, 0x89)
			}
		case 8:
			if i.rn.RegType() == regallocFloat {
				m.emitRegMem(buf, false, rn(), rd(), disp, []byte{0xF2}, 0x0F, 0x11)
			} else {
				m.emitRegMem(buf, true, rn(), rd(), disp, nil, 0x89)
			}
		case 16:
			m.emitRegMem(buf, false, rn(), rd(), disp, []byte{0xF3}, 0x0F, 0x7F)
		}
	case setcc:
		c := cc(i.u1)
		// setcc writes 8 bits; movzx cleans the rest.
		m.emitRegReg(buf, false, 0, rd(), nil, 0x0F, 0x90+byte(c))
		m.emitRegReg(buf, false, rd(), rd(), nil, 0x0F, 0xB6)
	case cmovRR:
		m.emitRegReg(buf, w, rd(), rn(), nil, 0x0F, 0x40+byte(cc(i.u1)))
	case jmp:
		buf.Emit(0xE9)
		off := buf.CurrentOffset()
		buf.Emit32(0)
		buf.UseLabel(off, fixupKindRel32, m.bufLabel(label(i.u1)))
	case jcc:
		buf.Emit(0x0F, 0x80+byte(cc(i.u1)))
		off := buf.CurrentOffset()
		buf.Emit32(0)
		buf.UseLabel(off, fixupKindRel32, m.bufLabel(label(i.u2)))
	case call:
		buf.Emit(0xE8)
		buf.AddRelocation(buf.CurrentOffset(), m.callTargets[i.u1].name, backend.RelocKindCall, 0)
		buf.Emit32(0)
	case callInd:
		m.emitRegReg(buf, false, 2, rn(), nil, 0xFF)
	case ret:
		buf.Emit(0xC3)
	case trap:
		buf.AddTrap(buf.CurrentOffset(), i.trapCode())
		buf.Emit(0x0F, 0x0B)
	case trapIf:
		// Short jump over the 2-byte ud2 when the condition does not hold.
		buf.Emit(0x70+byte(cc(i.u1).invert()), 0x02)
		buf.AddTrap(buf.CurrentOffset(), engineapi.TrapCode(i.u2))
		buf.Emit(0x0F, 0x0B)
	case xmmRmR, xmmUnary:
		m.encodeXmm(i, buf)
	case ucomis:
		if w {
			m.emitRegReg(buf, false, rd(), rn(), []byte{0x66}, 0x0F, 0x2E)
		} else {
			m.emitRegReg(buf, false, rd(), rn(), nil, 0x0F, 0x2E)
		}
	case cvtToInt:
		src64, dst64 := i.u1&1 != 0, w
		pfx := byte(0xF3)
		if src64 {
			pfx = 0xF2
		}
		m.emitRegReg(buf, dst64, rd(), rn(), []byte{pfx}, 0x0F, 0x2C)
	case cvtFromInt:
		src64, dst64 := i.u1&1 != 0, w
		pfx := byte(0xF3)
		if dst64 {
			pfx = 0xF2
		}
		m.emitRegReg(buf, src64, rd(), rn(), []byte{pfx}, 0x0F, 0x2A)
	case movGprToXmm:
		m.emitRegReg(buf, w, rd(), rn(), []byte{0x66}, 0x0F, 0x6E)
	case movXmmToGpr:
		m.emitRegReg(buf, w, rn(), rd(), []byte{0x66}, 0x0F, 0x7E)
	case loadXmmConst:
		size := byte(4)
		pfx := byte(0xF3)
		if w {
			size, pfx = 8, 0xF2
		}
		l := m.allocateConst(i.u1, size)
		// movss/movsd xmm, [rip+disp32]
		buf.Emit(pfx)
		if r, needed := rexBits(false, rd(), 0); needed {
			buf.Emit(r)
		}
		buf.Emit(0x0F, 0x10)
		buf.Emit(0<<6 | rd()&7<<3 | 5) // RIP-relative
		off := buf.CurrentOffset()
		buf.Emit32(0)
		buf.UseLabel(off, fixupKindRel32, l)
	case xmmMovRR:
		m.emitRegReg(buf, false, rd(), rn(), nil, 0x0F, 0x28)
	case storeZeroSP:
		// mov dword [rsp], 0
		buf.Emit(0xC7, 0x04, 0x24)
		buf.Emit32(0)
	case push64:
		if r, needed := rexBits(false, 0, rn()); needed {
			buf.Emit(r)
		}
		buf.Emit(0x50 + rn()&7)
	case pop64:
		if r, needed := rexBits(false, 0, rd()); needed {
			buf.Emit(r)
		}
		buf.Emit(0x58 + rd()&7)
	default:
		panic(fmt.Sprintf("BUG: unencodable instruction: %s", i))
	}
}

func (m *machine) encodeXmm(i *instruction, buf *backend.CodeBuffer) {
	rd := encodingOf(i.rd.RealReg())
	rn := encodingOf(i.rn.RealReg())
	w := i.u2&1 != 0
	pfx := byte(0xF3)
	if w {
		pfx = 0xF2
	}
	switch xmmOp(byte(i.u1)) {
	case xmmOpAdd:
		m.emitRegReg(buf, false, rd, rn, []byte{pfx}, 0x0F, 0x58)
	case xmmOpSub:
		m.emitRegReg(buf, false, rd, rn, []byte{pfx}, 0x0F, 0x5C)
	case xmmOpMul:
		m.emitRegReg(buf, false, rd, rn, []byte{pfx}, 0x0F, 0x59)
	case xmmOpDiv:
		m.emitRegReg(buf, false, rd, rn, []byte{pfx}, 0x0F, 0x5E)
	case xmmOpMin:
		m.emitRegReg(buf, false, rd, rn, []byte{pfx}, 0x0F, 0x5D)
	case xmmOpMax:
		m.emitRegReg(buf, false, rd, rn, []byte{pfx}, 0x0F, 0x5F)
	case xmmOpSqrt:
		m.emitRegReg(buf, false, rd, rn, []byte{pfx}, 0x0F, 0x51)
	case xmmOpCvt:
		m.emitRegReg(buf, false, rd, rn, []byte{pfx}, 0x0F, 0x5A)
	case xmmOpRound:
		mode := byte(i.u1 >> 8)
		op := byte(0x0A) // roundss
		if w {
			op = 0x0B // roundsd
		}
		m.emitRegReg(buf, false, rd, rn, []byte{0x66}, 0x0F, 0x3A, op)
		buf.Emit(mode)
	case xmmOpPadd:
		lane := byte(i.u1 >> 8)
		var op byte
		switch lane {
		case 8:
			op = 0xFC
		case 16:
			op = 0xFD
		case 32:
			op = 0xFE
		case 64:
			op = 0xD4
		}
		m.emitRegReg(buf, false, rd, rn, []byte{0x66}, 0x0F, op)
	case xmmOpPand:
		m.emitRegReg(buf, false, rd, rn, []byte{0x66}, 0x0F, 0xDB)
	case xmmOpPor:
		m.emitRegReg(buf, false, rd, rn, []byte{0x66}, 0x0F, 0xEB)
	case xmmOpPxor:
		m.emitRegReg(buf, false, rd, rn, []byte{0x66}, 0x0F, 0xEF)
	default:
		panic("BUG: unencodable xmm op")
	}
}

const regallocFloat = regalloc.RegTypeFloat
