package amd64

import (
	"github.com/bytecodealliance/wasmtime-sub017/internal/backend/regalloc"
	"github.com/bytecodealliance/wasmtime-sub017/internal/ssa"
)

// abiImpl implements the System V AMD64 calling convention for one
// signature: integer arguments in rdi/rsi/rdx/rcx/r8/r9, floats in
// xmm0-xmm7, the rest on the stack; results in rax/rdx and xmm0/xmm1 with
// extra results in the caller-reserved stack area.
type abiImpl struct {
	sig                        *ssa.Signature
	args, rets                 []abiArg
	argStackSize, retStackSize int64
}

type abiArg struct {
	reg     regalloc.VReg
	offset  int64
	typ     ssa.Type
	onStack bool
}

var (
	intParamRegs = []regalloc.RealReg{rdi, rsi, rdx, rcx, r8, r9}
	fpParamRegs  = []regalloc.RealReg{xmm0, xmm1, xmm2, xmm3, xmm4, xmm5, xmm6, xmm7}
	intRetRegs   = []regalloc.RealReg{rax, rdx}
	fpRetRegs    = []regalloc.RealReg{xmm0, xmm1}
)

func computeABI(sig *ssa.Signature) *abiImpl {
	a := &abiImpl{sig: sig}
	a.args, a.argStackSize = assignABILocations(sig.Params, intParamRegs, fpParamRegs)
	a.rets, a.retStackSize = assignABILocations(sig.Results, intRetRegs, fpRetRegs)
	return a
}

func assignABILocations(types []ssa.Type, intRegs, fpRegs []regalloc.RealReg) (locs []abiArg, stackSize int64) {
	intIdx, fpIdx := 0, 0
	for _, t := range types {
		isFloat := t.IsFloat() || t.IsVector()
		var loc abiArg
		loc.typ = t
		switch {
		case !isFloat && intIdx < len(intRegs):
			loc.reg = intVRegOf(intRegs[intIdx])
			intIdx++
		case isFloat && fpIdx < len(fpRegs):
			loc.reg = floatVRegOf(fpRegs[fpIdx])
			fpIdx++
		default:
			loc.onStack = true
			size := int64(8)
			if t.Bits() == 128 {
				stackSize = align16(stackSize)
				size = 16
			}
			loc.offset = stackSize
			stackSize += size
		}
		locs = append(locs, loc)
	}
	stackSize = align16(stackSize)
	return
}

func (a *abiImpl) argRegs() []regalloc.VReg {
	var rs []regalloc.VReg
	for _, l := range a.args {
		if !l.onStack {
			rs = append(rs, l.reg)
		}
	}
	return rs
}

func (a *abiImpl) retRegs() []regalloc.VReg {
	var rs []regalloc.VReg
	for _, l := range a.rets {
		if !l.onStack {
			rs = append(rs, l.reg)
		}
	}
	return rs
}

func (a *abiImpl) stackSpaceRequired() int64 {
	return a.argStackSize + a.retStackSize
}
