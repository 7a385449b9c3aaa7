// Package backend must be free of Wasm-specific concept. In other words,
// this package must not import internal/wasm package.
package backend

import (
	"github.com/bytecodealliance/wasmtime-sub017/internal/backend/regalloc"
	"github.com/bytecodealliance/wasmtime-sub017/internal/ssa"
)

// Machine is a backend for a specific ISA machine.
type Machine interface {
	// SetCompiler sets the compilation context used for the lifetime of
	// Machine. This is only called once per Machine, i.e. before the first
	// compilation.
	SetCompiler(Compiler)

	// StartLoweringFunction is called when the compilation of the given
	// function is started. The maxBlockID is the maximum ssa.BasicBlockID
	// in the function.
	StartLoweringFunction(maxBlockID ssa.BasicBlockID)

	// StartBlock is called when the compilation of the given block is
	// started. The order of this being called is the reverse post order of
	// the ssa.BasicBlock(s).
	StartBlock(ssa.BasicBlock)

	// LowerSingleBranch is called when the compilation of the given single
	// branch is started.
	LowerSingleBranch(b *ssa.Instruction)

	// LowerConditionalBranch is called when the compilation of the given
	// conditional branch is started.
	LowerConditionalBranch(b *ssa.Instruction)

	// LowerInstr is called for each instruction in the given block except
	// for the ones marked as already lowered via Compiler.MarkLowered. The
	// order is reverse, i.e. from the last instruction to the first one.
	//
	// Note: this can lower multiple instructions (which produce the
	// inputs) at once whenever it's possible, by reading the SSA value
	// definitions available via Compiler.ValueDefinition.
	LowerInstr(*ssa.Instruction)

	// EndBlock is called when the compilation of the current block is
	// finished.
	EndBlock()

	// LinkAdjacentBlocks is called after finished lowering all blocks in
	// order to create the link between two adjacent blocks.
	LinkAdjacentBlocks(prev, next ssa.BasicBlock)

	// EndLoweringFunction is called when the lowering of the current
	// function is done.
	EndLoweringFunction()

	// RegAlloc does the register allocation after lowering.
	RegAlloc()

	// PostRegAlloc does the post register allocation, e.g. setting up the
	// prologue and epilogue, and resolving the frame layout.
	PostRegAlloc()

	// Encode encodes the machine instructions into the code buffer,
	// resolving relative addresses.
	Encode(buf *CodeBuffer)

	// DisableStackCheck disables the prologue stack-limit check for the
	// function being compiled; used for runtime-internal functions that
	// can never grow the stack.
	DisableStackCheck()

	// Format returns the debug string of the currently compiled machine
	// code for testing purpose.
	Format() string

	// Reset resets the machine state for the next compilation.
	Reset()
}

// StackProbeStrategy selects how large frames are probed: unrolled
// page-touch stores up to UnrollLimitPages, a counting loop beyond.
type StackProbeStrategy struct {
	// Enabled turns probing on.
	Enabled bool
	// UnrollLimitPages is the largest frame, in pages, probed with the
	// unrolled form.
	UnrollLimitPages uint32
	// PageSizeLog2 is the probe step, default 12 (4 KiB pages).
	PageSizeLog2 uint32
}

// DefaultStackProbe returns the default probing policy.
func DefaultStackProbe() StackProbeStrategy {
	return StackProbeStrategy{Enabled: true, UnrollLimitPages: 3, PageSizeLog2: 12}
}

// PageSize returns the probe step in bytes.
func (s StackProbeStrategy) PageSize() uint32 { return 1 << s.PageSizeLog2 }

// Compiler is the interface the Machine uses to reach the compilation
// context: SSA value definitions, virtual register assignment, and fusion
// queries.
type Compiler interface {
	// SSABuilder returns the ssa.Builder used by this compiler.
	SSABuilder() ssa.Builder

	// MarkLowered is used to mark the given instruction as already lowered
	// which tells the compiler to skip it when traversing.
	MarkLowered(inst *ssa.Instruction)

	// ValueDefinition returns the definition of the given value.
	ValueDefinition(ssa.Value) *SSAValueDefinition

	// VRegOf returns the virtual register assigned to the given ssa.Value.
	VRegOf(value ssa.Value) regalloc.VReg

	// TypeOf returns the ssa type of the virtual register.
	TypeOf(regalloc.VReg) ssa.Type

	// AllocateVReg allocates a new virtual register of the given type.
	AllocateVReg(typ ssa.Type) regalloc.VReg

	// MatchInstr returns true if the given definition is from an
	// instruction with the given opcode, the def is the only use of the
	// value, and the instruction is in the same instruction group (i.e. no
	// side effect between the def and the use). The backend fuses such
	// definitions into the use site (e.g. load-and-op, compare-and-branch).
	MatchInstr(def *SSAValueDefinition, opcode ssa.Opcode) bool

	// MatchInstrOneOf is like MatchInstr but for a set of opcodes, and
	// returns the matched opcode or ssa.OpcodeInvalid.
	MatchInstrOneOf(def *SSAValueDefinition, opcodes []ssa.Opcode) ssa.Opcode

	// Compile lowers the SSA function into machine code and returns the
	// result. The bytes alias an internal buffer valid until Reset.
	Compile() (*CompiledFunction, error)

	// Reset prepares the compiler for the next function.
	Reset()
}

// CompiledFunction is the result of one function compilation: the machine
// code plus the four parallel streams of §4.7.
type CompiledFunction struct {
	Code        []byte
	Relocations []RelocEntry
	Traps       []TrapEntry
	SourceLocs  []SourceLocEntry
	Unwind      []UnwindDirective
}
