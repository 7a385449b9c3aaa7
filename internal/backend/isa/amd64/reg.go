package amd64

import (
	"fmt"

	"github.com/bytecodealliance/wasmtime-sub017/internal/backend/regalloc"
)

// x86-64 register numbering: 0-15 are the general purpose registers in
// instruction-encoding order, 16-31 the XMM registers.
const (
	rax regalloc.RealReg = iota
	rcx
	rdx
	rbx
	rsp
	rbp
	rsi
	rdi
	r8
	r9
	r10
	r11
	r12
	r13
	r14
	r15

	xmm0
	xmm1
	xmm2
	xmm3
	xmm4
	xmm5
	xmm6
	xmm7
	xmm8
	xmm9
	xmm10
	xmm11
	xmm12
	xmm13
	xmm14
	xmm15

	numRegisters
)

var regNames = [...]string{
	rax: "rax", rcx: "rcx", rdx: "rdx", rbx: "rbx", rsp: "rsp", rbp: "rbp",
	rsi: "rsi", rdi: "rdi", r8: "r8", r9: "r9", r10: "r10", r11: "r11",
	r12: "r12", r13: "r13", r14: "r14", r15: "r15",
	xmm0: "xmm0", xmm1: "xmm1", xmm2: "xmm2", xmm3: "xmm3", xmm4: "xmm4",
	xmm5: "xmm5", xmm6: "xmm6", xmm7: "xmm7", xmm8: "xmm8", xmm9: "xmm9",
	xmm10: "xmm10", xmm11: "xmm11", xmm12: "xmm12", xmm13: "xmm13",
	xmm14: "xmm14", xmm15: "xmm15",
}

func formatRealReg(r regalloc.RealReg) string {
	if int(r) < len(regNames) && regNames[r] != "" {
		return regNames[r]
	}
	return fmt.Sprintf("r?%d", r)
}

// encodingOf returns the 4-bit register number; bit 3 goes into REX.
func encodingOf(r regalloc.RealReg) uint8 {
	switch {
	case r <= r15:
		return uint8(r)
	case r >= xmm0 && r <= xmm15:
		return uint8(r - xmm0)
	default:
		panic("BUG: invalid register for encoding: " + formatRealReg(r))
	}
}

func intVRegOf(r regalloc.RealReg) regalloc.VReg {
	return regalloc.FromRealReg(r, regalloc.RegTypeInt)
}

func floatVRegOf(r regalloc.RealReg) regalloc.VReg {
	return regalloc.FromRealReg(r, regalloc.RegTypeFloat)
}

var (
	raxVReg = intVRegOf(rax)
	rcxVReg = intVRegOf(rcx)
	rdxVReg = intVRegOf(rdx)
	rspVReg = intVRegOf(rsp)
	rbpVReg = intVRegOf(rbp)
	rdiVReg = intVRegOf(rdi)
	// r11 (and r10 as the second) are reserved as spill scratch; xmm15 and
	// xmm14 for the float class.
	tmpRegVReg = intVRegOf(r11)
)

// regInfo is the ISA description handed to the register allocator,
// following the System V AMD64 ABI.
var regInfo = &regalloc.RegisterInfo{
	AllocatableRegisters: [regalloc.NumRegType][]regalloc.RealReg{
		regalloc.RegTypeInt: {
			rax, rcx, rdx, rsi, rdi, r8, r9,
			rbx, r12, r13, r14, r15,
		},
		regalloc.RegTypeFloat: {
			xmm0, xmm1, xmm2, xmm3, xmm4, xmm5, xmm6, xmm7,
			xmm8, xmm9, xmm10, xmm11, xmm12, xmm13,
		},
	},
	CalleeSavedRegisters: regalloc.NewRegSet(rbx, r12, r13, r14, r15),
	CallerSavedRegisters: regalloc.NewRegSet(
		rax, rcx, rdx, rsi, rdi, r8, r9, r10, r11,
		xmm0, xmm1, xmm2, xmm3, xmm4, xmm5, xmm6, xmm7,
		xmm8, xmm9, xmm10, xmm11, xmm12, xmm13, xmm14, xmm15,
	),
	SpillScratchRegisters: [regalloc.NumRegType][]regalloc.RealReg{
		regalloc.RegTypeInt:   {r11, r10},
		regalloc.RegTypeFloat: {xmm15, xmm14},
	},
	RealRegType: func(r regalloc.RealReg) regalloc.RegType {
		if r >= xmm0 {
			return regalloc.RegTypeFloat
		}
		return regalloc.RegTypeInt
	},
	RealRegName: formatRealReg,
}
