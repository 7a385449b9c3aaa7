package regalloc

import "fmt"

// Function is the view of one function's machine IR the allocator works on.
// Blocks are visited in layout order, which the ISA backend guarantees to be
// a reverse post-order of the CFG.
type Function interface {
	// BlockIteratorBegin/Next iterate the blocks in layout order.
	BlockIteratorBegin() Block
	BlockIteratorNext() Block

	// StoreRegisterAfter inserts code after instr that stores v (which has
	// its RealReg assigned) into the spill slot of its VRegID.
	StoreRegisterAfter(v VReg, instr Instr)
	// ReloadRegisterBefore inserts code before instr that reloads the spill
	// slot of v's VRegID into its assigned RealReg.
	ReloadRegisterBefore(v VReg, instr Instr)

	// ClobberedRegisters is called once with the callee-saved registers the
	// allocation ended up using, so that the prologue/epilogue can save and
	// restore them.
	ClobberedRegisters([]VReg)

	// Done is called when the allocation is finished.
	Done()
}

// Block is one basic block of the machine IR.
type Block interface {
	// ID returns the unique identifier of this block.
	ID() int
	// InstrIteratorBegin/Next iterate the instructions in program order.
	InstrIteratorBegin() Instr
	InstrIteratorNext() Instr
	// Preds returns the IDs of the predecessor blocks.
	Preds() []int
	// Entry reports whether this is the entry block.
	Entry() bool
}

// Instr is one machine instruction.
type Instr interface {
	fmt.Stringer

	// Defs returns the virtual registers defined by this instruction.
	Defs() []VReg
	// Uses returns the virtual registers used by this instruction.
	Uses() []VReg
	// AssignDef rewrites the (single) non-real def to the given VReg with
	// its RealReg assigned.
	AssignDef(VReg)
	// AssignUse rewrites the index-th use to the given VReg with its
	// RealReg assigned.
	AssignUse(index int, v VReg)
	// IsCall reports whether this instruction is a function call, which
	// clobbers the caller-saved registers.
	IsCall() bool
	// IsIndirectCall reports whether this is a call through a register.
	IsIndirectCall() bool
	// IsCopy reports whether this is a register-to-register move, which the
	// allocator may coalesce.
	IsCopy() bool
}
