// Package frontend lowers validated WebAssembly function bodies into the
// SSA IR. The binary decoding and validation are the collaborating
// library's job (wagon); this package consumes its decoded instruction
// stream and the module structure.
package frontend

import (
	"fmt"

	"github.com/go-interpreter/wagon/disasm"
	"github.com/go-interpreter/wagon/wasm"

	"github.com/bytecodealliance/wasmtime-sub017/internal/engineapi"
	"github.com/bytecodealliance/wasmtime-sub017/internal/ssa"
)

// BoundsCheckPolicy carries the heap configuration of §6: a positive
// static maximum turns index checks into a compare against the constant
// bound, and accesses whose offset+size lie within the guard region need no
// explicit check at all.
type BoundsCheckPolicy struct {
	// StaticMemoryMaximumSize, when positive, is the single-reservation
	// heap bound in bytes.
	StaticMemoryMaximumSize uint64
	// DynamicMemoryGuardSize is the guard region appended to dynamic
	// heaps, in bytes.
	DynamicMemoryGuardSize uint64
}

// Config is the frontend configuration.
type Config struct {
	Bounds BoundsCheckPolicy
	// EpochInterruption inserts deadline checks at function entries and
	// loop headers.
	EpochInterruption bool
}

// Compiler lowers one module's functions to SSA, one at a time.
type Compiler struct {
	offsets engineapi.OffsetData
	module  *wasm.Module
	builder ssa.Builder
	cfg     Config

	// signatures maps the module's type indices to the declared SSA
	// signatures (with the implicit vmctx parameter prepended).
	signatures []*ssa.Signature
	// fnSigIndex maps function index to its type index.
	fnSigIndex []uint32

	// per-function state below.
	fnIndex     uint32
	code        []disasm.Instr
	localVars   []ssa.Variable
	vmctx       ssa.Value
	state       loweringState
	yieldSig    *ssa.Signature
	memGrowSig  *ssa.Signature
	nextSig     ssa.SignatureID
}

// NewFrontendCompiler returns a Compiler over the module.
func NewFrontendCompiler(off engineapi.OffsetData, m *wasm.Module, b ssa.Builder, cfg Config) *Compiler {
	c := &Compiler{offsets: off, module: m, builder: b, cfg: cfg}
	c.declareSignatures()
	return c
}

func typeToSSA(t wasm.ValueType) ssa.Type {
	switch t {
	case wasm.ValueTypeI32:
		return ssa.TypeI32
	case wasm.ValueTypeI64:
		return ssa.TypeI64
	case wasm.ValueTypeF32:
		return ssa.TypeF32
	case wasm.ValueTypeF64:
		return ssa.TypeF64
	default:
		panic("BUG: unsupported value type")
	}
}

// declareSignatures converts every module type into an SSA signature with
// the vmctx pointer prepended, plus the builtin signatures for the
// vmctx-resident host functions.
func (c *Compiler) declareSignatures() {
	if c.module.Types != nil {
		for _, t := range c.module.Types.Entries {
			sig := &ssa.Signature{ID: c.nextSig, CallConv: ssa.CallConvSystemV}
			c.nextSig++
			sig.Params = append(sig.Params, ssa.TypeI64) // vmctx
			for _, p := range t.ParamTypes {
				sig.Params = append(sig.Params, typeToSSA(p))
			}
			for _, r := range t.ReturnTypes {
				sig.Results = append(sig.Results, typeToSSA(r))
			}
			c.signatures = append(c.signatures, sig)
			c.builder.DeclareSignature(sig)
		}
	}

	// memory.grow: (vmctx, delta pages) -> previous size in pages.
	c.memGrowSig = &ssa.Signature{ID: c.nextSig, CallConv: ssa.CallConvSystemV,
		Params: []ssa.Type{ssa.TypeI64, ssa.TypeI32}, Results: []ssa.Type{ssa.TypeI32}}
	c.nextSig++
	c.builder.DeclareSignature(c.memGrowSig)

	// epoch yield: (vmctx) -> ().
	c.yieldSig = &ssa.Signature{ID: c.nextSig, CallConv: ssa.CallConvSystemV,
		Params: []ssa.Type{ssa.TypeI64}}
	c.nextSig++
	c.builder.DeclareSignature(c.yieldSig)

	for i := range c.module.FunctionIndexSpace {
		fn := &c.module.FunctionIndexSpace[i]
		for ti := range c.module.Types.Entries {
			if &c.module.Types.Entries[ti] == fn.Sig || sigEqual(&c.module.Types.Entries[ti], fn.Sig) {
				c.fnSigIndex = append(c.fnSigIndex, uint32(ti))
				break
			}
		}
	}
}

func sigEqual(a, b *wasm.FunctionSig) bool {
	if len(a.ParamTypes) != len(b.ParamTypes) || len(a.ReturnTypes) != len(b.ReturnTypes) {
		return false
	}
	for i := range a.ParamTypes {
		if a.ParamTypes[i] != b.ParamTypes[i] {
			return false
		}
	}
	for i := range a.ReturnTypes {
		if a.ReturnTypes[i] != b.ReturnTypes[i] {
			return false
		}
	}
	return true
}

// SignatureOfFunc returns the declared SSA signature of function index i.
func (c *Compiler) SignatureOfFunc(i uint32) *ssa.Signature {
	return c.signatures[c.fnSigIndex[i]]
}

// Init prepares the compiler for function fnIndex with the disassembled
// body.
func (c *Compiler) Init(fnIndex uint32, code []disasm.Instr) {
	c.fnIndex = fnIndex
	c.code = code
	c.state.reset()
	c.localVars = c.localVars[:0]
}

// LowerToSSA builds the SSA function for the initialized function.
func (c *Compiler) LowerToSSA() error {
	b := c.builder
	fn := &c.module.FunctionIndexSpace[c.fnIndex]
	sig := c.SignatureOfFunc(c.fnIndex)
	b.SetSignature(sig)

	entry := b.AllocateBasicBlock()
	b.SetCurrentBlock(entry)

	// The implicit vmctx parameter plus the declared wasm parameters.
	c.vmctx = entry.AddParam(b, ssa.TypeI64)
	b.AnnotateValue(c.vmctx, "vmctx")
	for _, p := range fn.Sig.ParamTypes {
		t := typeToSSA(p)
		v := entry.AddParam(b, t)
		vr := b.DeclareVariable(t)
		b.DefineVariableInCurrentBB(vr, v)
		c.localVars = append(c.localVars, vr)
	}
	// Declared locals are zero-initialized.
	for _, l := range fn.Body.Locals {
		t := typeToSSA(l.Type)
		zero := b.AllocateInstruction()
		switch t {
		case ssa.TypeF32:
			zero.AsF32const(0)
		case ssa.TypeF64:
			zero.AsF64const(0)
		default:
			zero.AsIconst(t, 0)
		}
		b.InsertInstruction(zero)
		for n := uint32(0); n < l.Count; n++ {
			vr := b.DeclareVariable(t)
			b.DefineVariableInCurrentBB(vr, zero.Return())
			c.localVars = append(c.localVars, vr)
		}
	}
	b.Seal(entry)

	if c.cfg.EpochInterruption {
		c.emitEpochCheck()
	}

	// The function-level control frame: "end" at depth zero returns.
	c.state.ctrlPush(controlFrame{
		kind:        controlFrameKindFunction,
		resultTypes: sig.Results,
	})

	for pc := 0; pc < len(c.code); pc++ {
		c.state.pc = pc
		op := &c.code[pc]
		b.SetCurrentSourceOffset(ssa.SourceOffset(pc))
		if err := c.lowerOpcode(op); err != nil {
			return fmt.Errorf("function[%d] pc=%d %s: %w", c.fnIndex, pc, op.Op.Name, err)
		}
	}
	return nil
}

// FuncExternalName is the symbol recorded in relocations for calls to the
// function index.
func FuncExternalName(idx uint32) string {
	return fmt.Sprintf("wasm_function[%d]", idx)
}
