package arm64

import (
	"fmt"

	"github.com/bytecodealliance/wasmtime-sub017/internal/backend/regalloc"
)

// AArch64 register numbering: x0-x30 are the general purpose registers,
// 32-63 the vector registers v0-v31, then the special registers.
//
// See https://developer.arm.com/documentation/dui0801/a/Overview-of-AArch64-state/Predeclared-core-register-names-in-AArch64-state
const (
	x0 regalloc.RealReg = iota
	x1
	x2
	x3
	x4
	x5
	x6
	x7
	x8
	x9
	x10
	x11
	x12
	x13
	x14
	x15
	x16
	x17
	x18
	x19
	x20
	x21
	x22
	x23
	x24
	x25
	x26
	x27
	x28
	fp // x29
	lr // x30

	v0
	v1
	v2
	v3
	v4
	v5
	v6
	v7
	v8
	v9
	v10
	v11
	v12
	v13
	v14
	v15
	v16
	v17
	v18
	v19
	v20
	v21
	v22
	v23
	v24
	v25
	v26
	v27
	v28
	v29
	v30
	v31

	sp
	xzr

	numRegisters
)

var regNames = [...]string{
	x0: "x0", x1: "x1", x2: "x2", x3: "x3", x4: "x4", x5: "x5", x6: "x6",
	x7: "x7", x8: "x8", x9: "x9", x10: "x10", x11: "x11", x12: "x12",
	x13: "x13", x14: "x14", x15: "x15", x16: "x16", x17: "x17", x18: "x18",
	x19: "x19", x20: "x20", x21: "x21", x22: "x22", x23: "x23", x24: "x24",
	x25: "x25", x26: "x26", x27: "x27", x28: "x28", fp: "fp", lr: "lr",
	v0: "v0", v1: "v1", v2: "v2", v3: "v3", v4: "v4", v5: "v5", v6: "v6",
	v7: "v7", v8: "v8", v9: "v9", v10: "v10", v11: "v11", v12: "v12",
	v13: "v13", v14: "v14", v15: "v15", v16: "v16", v17: "v17", v18: "v18",
	v19: "v19", v20: "v20", v21: "v21", v22: "v22", v23: "v23", v24: "v24",
	v25: "v25", v26: "v26", v27: "v27", v28: "v28", v29: "v29", v30: "v30",
	v31: "v31", sp: "sp", xzr: "xzr",
}

func formatRealReg(r regalloc.RealReg) string {
	if int(r) < len(regNames) && regNames[r] != "" {
		return regNames[r]
	}
	return fmt.Sprintf("r?%d", r)
}

// regNumber returns the 5-bit encoding number of the register.
func regNumber(r regalloc.RealReg) uint32 {
	switch {
	case r <= lr:
		return uint32(r)
	case r >= v0 && r <= v31:
		return uint32(r - v0)
	case r == sp || r == xzr:
		return 31
	default:
		panic("BUG: invalid register for encoding: " + formatRealReg(r))
	}
}

var (
	xzrVReg = regalloc.FromRealReg(xzr, regalloc.RegTypeInt)
	spVReg  = regalloc.FromRealReg(sp, regalloc.RegTypeInt)
	fpVReg  = regalloc.FromRealReg(fp, regalloc.RegTypeInt)
	lrVReg  = regalloc.FromRealReg(lr, regalloc.RegTypeInt)
	// x26 holds the vmctx pointer for the duration of the function; x16/x17
	// (the intra-procedure-call scratch registers) are reserved for spill
	// code and the trampolines emitted by the code buffer.
	vmctxVReg   = regalloc.FromRealReg(x26, regalloc.RegTypeInt)
	tmpRegVReg  = regalloc.FromRealReg(x16, regalloc.RegTypeInt)
	tmp2RegVReg = regalloc.FromRealReg(x17, regalloc.RegTypeInt)
)

func intVRegOf(r regalloc.RealReg) regalloc.VReg {
	return regalloc.FromRealReg(r, regalloc.RegTypeInt)
}

func floatVRegOf(r regalloc.RealReg) regalloc.VReg {
	return regalloc.FromRealReg(r, regalloc.RegTypeFloat)
}

// regInfo is the ISA description handed to the register allocator.
var regInfo = &regalloc.RegisterInfo{
	AllocatableRegisters: [regalloc.NumRegType][]regalloc.RealReg{
		regalloc.RegTypeInt: {
			// Caller-saved first so short-lived values avoid prologue
			// traffic; x16/x17 are scratch, x18 is the platform register,
			// x26 holds vmctx, x29/x30 are the frame registers.
			x9, x10, x11, x12, x13, x14, x15,
			x0, x1, x2, x3, x4, x5, x6, x7, x8,
			x19, x20, x21, x22, x23, x24, x25, x27, x28,
		},
		regalloc.RegTypeFloat: {
			v18, v19, v20, v21, v22, v23, v24, v25, v26, v27, v28, v29, v30, v31,
			v0, v1, v2, v3, v4, v5, v6, v7,
			v8, v9, v10, v11, v12, v13, v14, v15,
		},
	},
	CalleeSavedRegisters: regalloc.NewRegSet(
		x19, x20, x21, x22, x23, x24, x25, x26, x27, x28,
		v8, v9, v10, v11, v12, v13, v14, v15,
	),
	CallerSavedRegisters: regalloc.NewRegSet(
		x0, x1, x2, x3, x4, x5, x6, x7, x8, x9, x10, x11, x12, x13, x14, x15,
		v0, v1, v2, v3, v4, v5, v6, v7,
		v16, v17, v18, v19, v20, v21, v22, v23, v24, v25, v26, v27, v28, v29, v30, v31,
	),
	SpillScratchRegisters: [regalloc.NumRegType][]regalloc.RealReg{
		regalloc.RegTypeInt:   {x16, x17},
		regalloc.RegTypeFloat: {v16, v17},
	},
	RealRegType: func(r regalloc.RealReg) regalloc.RegType {
		if r >= v0 && r <= v31 {
			return regalloc.RegTypeFloat
		}
		return regalloc.RegTypeInt
	},
	RealRegName: formatRealReg,
}
