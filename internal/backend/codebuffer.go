package backend

import (
	"encoding/binary"
	"fmt"

	"github.com/bytecodealliance/wasmtime-sub017/internal/engineapi"
	"github.com/bytecodealliance/wasmtime-sub017/internal/ssa"
)

// Label represents a position in the generated code. This is exactly the
// same as the traditional "label" in assembly code.
type Label uint32

// String implements fmt.Stringer.
func (l Label) String() string { return fmt.Sprintf("L%d", l) }

const labelUnbound = -1

// FixupKind is the ISA-defined encoding of a pending label reference: which
// instruction form at the recorded offset needs patching and what
// displacement range it accepts.
type FixupKind byte

// Patcher is implemented per ISA and consulted by the code buffer when
// labels are resolved.
type Patcher interface {
	// Patch writes the displacement from the fixup offset to target into
	// the instruction at offset. It returns false if the displacement does
	// not fit the instruction form, in which case the buffer emits a
	// trampoline and retries against it.
	Patch(data []byte, kind FixupKind, offset, target int) bool
	// EmitTrampoline appends an unconditional long-range jump to target at
	// the end of data, returning the extended buffer. The trampoline must
	// be reachable from anywhere in the function.
	EmitTrampoline(data []byte, target int) []byte
}

// RelocKind classifies relocations of §6.
type RelocKind byte

const (
	// RelocKindAbs8 is an absolute 64-bit address.
	RelocKindAbs8 RelocKind = iota
	// RelocKindPCRel32 is a 32-bit PC-relative displacement.
	RelocKindPCRel32
	// RelocKindCall is a call-instruction displacement (26-bit on arm64,
	// 32-bit on x86-64).
	RelocKindCall
	// RelocKindGOTLoad is a GOT-relative load of an external address.
	RelocKindGOTLoad
)

// RelocEntry is one relocation record.
type RelocEntry struct {
	// Offset is the code offset of the patch site.
	Offset uint32
	// Name is the external symbol referenced.
	Name string
	// Kind is the relocation kind.
	Kind RelocKind
	// Addend is added to the resolved address.
	Addend int64
}

// TrapEntry maps a code offset to the abstract trap raised there.
type TrapEntry struct {
	Offset uint32
	Code   engineapi.TrapCode
}

// SourceLocEntry maps a code offset range to the source offset it was
// compiled from.
type SourceLocEntry struct {
	Start, End uint32
	SourceOff  ssa.SourceOffset
}

// UnwindOp is one abstract unwind directive; the object writer encodes it
// into the OS-appropriate form (DWARF CFI or Win64 UNWIND_INFO).
type UnwindOp byte

const (
	// UnwindOpPushFrameRegs records the save of FP/LR (or RBP) at the
	// function entry.
	UnwindOpPushFrameRegs UnwindOp = iota
	// UnwindOpDefineNewFrame records the establishment of the frame
	// pointer.
	UnwindOpDefineNewFrame
	// UnwindOpSaveReg records a callee-saved register store at SpOffset.
	UnwindOpSaveReg
	// UnwindOpStackAlloc records a stack allocation of SpOffset bytes.
	UnwindOpStackAlloc
)

// UnwindDirective is one (code offset, directive) pair.
type UnwindDirective struct {
	Offset   uint32
	Op       UnwindOp
	Reg      byte
	SpOffset int32
}

// CodeBuffer accumulates machine code bytes together with label fixups,
// relocations, trap sites, unwind directives and source-location ranges.
// Branches to unbound labels emit a provisional encoding which is patched
// when the label is bound; displacements that do not fit are routed through
// a trampoline appended after the function body.
type CodeBuffer struct {
	data []byte

	labels []int // Label -> offset, labelUnbound if not bound yet

	fixups []fixup

	relocs  []RelocEntry
	traps   []TrapEntry
	srclocs []SourceLocEntry
	unwinds []UnwindDirective

	curSrcOff   ssa.SourceOffset
	curSrcBegin uint32
	srcActive   bool

	patcher Patcher
}

type fixup struct {
	offset int
	label  Label
	kind   FixupKind
}

// NewCodeBuffer returns a CodeBuffer patched by the given ISA patcher.
func NewCodeBuffer(p Patcher) *CodeBuffer {
	return &CodeBuffer{patcher: p}
}

// Reset clears the buffer for the next function.
func (c *CodeBuffer) Reset() {
	c.data = c.data[:0]
	c.labels = c.labels[:0]
	c.fixups = c.fixups[:0]
	c.relocs = c.relocs[:0]
	c.traps = c.traps[:0]
	c.srclocs = c.srclocs[:0]
	c.unwinds = c.unwinds[:0]
	c.srcActive = false
}

// CurrentOffset returns the offset the next emitted byte will land at.
func (c *CodeBuffer) CurrentOffset() int { return len(c.data) }

// Emit appends raw bytes.
func (c *CodeBuffer) Emit(bs ...byte) { c.data = append(c.data, bs...) }

// Emit32 appends a little-endian 32-bit word.
func (c *CodeBuffer) Emit32(v uint32) {
	c.data = binary.LittleEndian.AppendUint32(c.data, v)
}

// Emit64 appends a little-endian 64-bit word.
func (c *CodeBuffer) Emit64(v uint64) {
	c.data = binary.LittleEndian.AppendUint64(c.data, v)
}

// AllocateLabel returns a fresh unbound label.
func (c *CodeBuffer) AllocateLabel() Label {
	c.labels = append(c.labels, labelUnbound)
	return Label(len(c.labels) - 1)
}

// Bind binds the label to the current offset.
func (c *CodeBuffer) Bind(l Label) {
	if c.labels[l] != labelUnbound {
		panic("BUG: label bound twice: " + l.String())
	}
	c.labels[l] = len(c.data)
}

// LabelOffset returns the bound offset of the label.
func (c *CodeBuffer) LabelOffset(l Label) int {
	off := c.labels[l]
	if off == labelUnbound {
		panic("BUG: label not bound: " + l.String())
	}
	return off
}

// UseLabel records that the instruction just emitted at offset references
// the label with the given fixup kind. The provisional displacement
// emitted by the caller is patched when the label resolves.
func (c *CodeBuffer) UseLabel(offset int, kind FixupKind, l Label) {
	c.fixups = append(c.fixups, fixup{offset: offset, label: l, kind: kind})
}

// AddRelocation records an external-name relocation at the given offset.
func (c *CodeBuffer) AddRelocation(offset int, name string, kind RelocKind, addend int64) {
	c.relocs = append(c.relocs, RelocEntry{Offset: uint32(offset), Name: name, Kind: kind, Addend: addend})
}

// AddTrap records a trap site at the given offset.
func (c *CodeBuffer) AddTrap(offset int, code engineapi.TrapCode) {
	c.traps = append(c.traps, TrapEntry{Offset: uint32(offset), Code: code})
}

// PushUnwind records an unwind directive at the current offset.
func (c *CodeBuffer) PushUnwind(op UnwindOp, reg byte, spOffset int32) {
	c.unwinds = append(c.unwinds, UnwindDirective{
		Offset: uint32(len(c.data)), Op: op, Reg: reg, SpOffset: spOffset,
	})
}

// StartSourceOffset opens a source-location range at the current offset;
// any previously open range is closed first.
func (c *CodeBuffer) StartSourceOffset(off ssa.SourceOffset) {
	if c.srcActive && c.curSrcOff == off {
		return
	}
	c.EndSourceOffset()
	if !off.Valid() {
		return
	}
	c.srcActive = true
	c.curSrcOff = off
	c.curSrcBegin = uint32(len(c.data))
}

// EndSourceOffset closes the open source-location range, if any.
func (c *CodeBuffer) EndSourceOffset() {
	if !c.srcActive {
		return
	}
	end := uint32(len(c.data))
	if end > c.curSrcBegin {
		c.srclocs = append(c.srclocs, SourceLocEntry{Start: c.curSrcBegin, End: end, SourceOff: c.curSrcOff})
	}
	c.srcActive = false
}

// Finish resolves all pending fixups, emitting trampolines for
// out-of-range branches, aligns the buffer, and surrenders the parallel
// streams. The buffer contents remain valid until Reset.
func (c *CodeBuffer) Finish() *CompiledFunction {
	c.EndSourceOffset()

	// Trampolines appended below never move existing code, so a single
	// pass suffices: each fixup either patches directly or against its
	// trampoline.
	trampolines := map[Label]int{}
	for _, f := range c.fixups {
		target := c.labels[f.label]
		if target == labelUnbound {
			panic("BUG: unresolved label at finish: " + f.label.String())
		}
		if c.patcher.Patch(c.data, f.kind, f.offset, target) {
			continue
		}
		tramp, ok := trampolines[f.label]
		if !ok {
			tramp = len(c.data)
			c.data = c.patcher.EmitTrampoline(c.data, target)
			trampolines[f.label] = tramp
		}
		if !c.patcher.Patch(c.data, f.kind, f.offset, tramp) {
			panic("BUG: trampoline still out of range for " + f.label.String())
		}
	}
	c.fixups = c.fixups[:0]

	// Functions are laid out 16-byte aligned in the final image.
	for len(c.data)%16 != 0 {
		c.data = append(c.data, 0)
	}

	return &CompiledFunction{
		Code:        c.data,
		Relocations: c.relocs,
		Traps:       c.traps,
		SourceLocs:  c.srclocs,
		Unwind:      c.unwinds,
	}
}
