package backend

import (
	"github.com/bytecodealliance/wasmtime-sub017/internal/backend/regalloc"
	"github.com/bytecodealliance/wasmtime-sub017/internal/ssa"
)

// SSAValueDefinition represents a definition of an SSA value.
type SSAValueDefinition struct {
	// BlkParamVReg is valid if Instr == nil: the value is a block
	// parameter already assigned a virtual register.
	BlkParamVReg regalloc.VReg

	// Instr is not nil if the value is defined by an instruction.
	Instr *ssa.Instruction
	// N is the index of the return value in the instr's return values list.
	N int
	// RefCount is the number of references to the value.
	RefCount int
}

// IsFromInstr returns true if the value is defined by an instruction.
func (d *SSAValueDefinition) IsFromInstr() bool {
	return d.Instr != nil
}

// IsFromBlockParam returns true if the value is a block parameter.
func (d *SSAValueDefinition) IsFromBlockParam() bool {
	return d.Instr == nil
}

// SSAValue returns the value this definition defines.
func (d *SSAValueDefinition) SSAValue() ssa.Value {
	if d.IsFromBlockParam() {
		panic("BUG: SSAValue on block param definition")
	}
	r, rs := d.Instr.Returns()
	if d.N == 0 {
		return r
	}
	return rs[d.N-1]
}
