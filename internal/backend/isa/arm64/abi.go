package arm64

import (
	"github.com/bytecodealliance/wasmtime-sub017/internal/backend/regalloc"
	"github.com/bytecodealliance/wasmtime-sub017/internal/ssa"
)

// abiImpl implements the AArch64 procedure call standard for one
// signature: integer arguments in x0-x7, floats in v0-v7, the rest on the
// stack; results symmetric, with stack results placed after the stack
// arguments in the caller-reserved area.
type abiImpl struct {
	sig          *ssa.Signature
	args, rets   []abiArg
	argStackSize, retStackSize int64
}

// abiArg describes where one argument or result lives.
type abiArg struct {
	// reg is valid when the value is passed in a register.
	reg regalloc.VReg
	// offset is the offset within the arg/ret stack area otherwise.
	offset int64
	typ    ssa.Type
	onStack bool
}

var (
	intParamRegs = []regalloc.RealReg{x0, x1, x2, x3, x4, x5, x6, x7}
	fpParamRegs  = []regalloc.RealReg{v0, v1, v2, v3, v4, v5, v6, v7}
)

func computeABI(sig *ssa.Signature) *abiImpl {
	a := &abiImpl{sig: sig}
	a.args, a.argStackSize = assignABILocations(sig.Params)
	a.rets, a.retStackSize = assignABILocations(sig.Results)
	return a
}

func assignABILocations(types []ssa.Type) (locs []abiArg, stackSize int64) {
	intIdx, fpIdx := 0, 0
	for _, t := range types {
		isFloat := t.IsFloat() || t.IsVector()
		var loc abiArg
		loc.typ = t
		switch {
		case !isFloat && intIdx < len(intParamRegs):
			loc.reg = intVRegOf(intParamRegs[intIdx])
			intIdx++
		case isFloat && fpIdx < len(fpParamRegs):
			loc.reg = floatVRegOf(fpParamRegs[fpIdx])
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

func align16(v int64) int64 { return (v + 15) &^ 15 }

// argRegs returns the register-passed argument locations, for attaching to call
// instructions as the allocator-visible use/def lists.
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

// stackSpaceRequired is the outgoing stack space a call to this signature
// needs.
func (a *abiImpl) stackSpaceRequired() int64 {
	return a.argStackSize + a.retStackSize
}
