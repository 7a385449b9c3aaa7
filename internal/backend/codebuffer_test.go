package backend

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bytecodealliance/wasmtime-sub017/internal/engineapi"
	"github.com/bytecodealliance/wasmtime-sub017/internal/ssa"
)

// testPatcher patches a fake 8-bit displacement at the recorded offset and
// falls back to trampolines beyond ±127 bytes.
type testPatcher struct{}

func (testPatcher) Patch(data []byte, kind FixupKind, offset, target int) bool {
	diff := target - offset
	if diff < -128 || diff > 127 {
		return false
	}
	data[offset] = byte(int8(diff))
	return true
}

func (testPatcher) EmitTrampoline(data []byte, target int) []byte {
	data = append(data, 0xFF)
	return binary.LittleEndian.AppendUint32(data, uint32(target))
}

func TestCodeBuffer_labelFixup(t *testing.T) {
	buf := NewCodeBuffer(testPatcher{})
	buf.Reset()

	l := buf.AllocateLabel()
	off := buf.CurrentOffset()
	buf.Emit(0) // provisional displacement
	buf.UseLabel(off, 0, l)
	buf.Emit(0xAA, 0xBB)
	buf.Bind(l)
	buf.Emit(0xCC)

	cf := buf.Finish()
	require.Equal(t, byte(3), cf.Code[off], "displacement to the bound label")
}

func TestCodeBuffer_outOfRangeUsesTrampoline(t *testing.T) {
	buf := NewCodeBuffer(testPatcher{})
	buf.Reset()

	l := buf.AllocateLabel()
	buf.Bind(l)
	for i := 0; i < 300; i++ {
		buf.Emit(0x90)
	}
	off := buf.CurrentOffset()
	buf.Emit(0)
	buf.UseLabel(off, 0, l)
	targetOff := buf.LabelOffset(l)

	cf := buf.Finish()
	// The displacement cannot reach back 300 bytes; the patch must point at
	// the trampoline appended after the body, which encodes the real target.
	disp := int(int8(cf.Code[off]))
	require.NotEqual(t, targetOff-off, disp)
	trampOff := off + disp
	require.Equal(t, byte(0xFF), cf.Code[trampOff])
	require.Equal(t, uint32(targetOff), binary.LittleEndian.Uint32(cf.Code[trampOff+1:]))
}

func TestCodeBuffer_unboundLabelPanics(t *testing.T) {
	buf := NewCodeBuffer(testPatcher{})
	buf.Reset()
	l := buf.AllocateLabel()
	off := buf.CurrentOffset()
	buf.Emit(0)
	buf.UseLabel(off, 0, l)
	require.Panics(t, func() { buf.Finish() })
}

func TestCodeBuffer_streams(t *testing.T) {
	buf := NewCodeBuffer(testPatcher{})
	buf.Reset()

	buf.StartSourceOffset(ssa.SourceOffset(10))
	buf.AddTrap(buf.CurrentOffset(), engineapi.TrapCodeIntegerDivisionByZero)
	buf.Emit32(0xDEADBEEF)
	buf.AddRelocation(buf.CurrentOffset(), "memory_grow", RelocKindCall, 0)
	buf.Emit32(0)
	buf.StartSourceOffset(ssa.SourceOffset(20))
	buf.PushUnwind(UnwindOpStackAlloc, 0, 32)
	buf.Emit32(0)

	cf := buf.Finish()
	require.Len(t, cf.Traps, 1)
	require.Equal(t, uint32(0), cf.Traps[0].Offset)
	require.Len(t, cf.Relocations, 1)
	require.Equal(t, "memory_grow", cf.Relocations[0].Name)
	require.Equal(t, uint32(4), cf.Relocations[0].Offset)

	require.Len(t, cf.SourceLocs, 2)
	require.Equal(t, ssa.SourceOffset(10), cf.SourceLocs[0].SourceOff)
	require.Equal(t, uint32(0), cf.SourceLocs[0].Start)
	require.Equal(t, uint32(8), cf.SourceLocs[0].End)
	require.Equal(t, ssa.SourceOffset(20), cf.SourceLocs[1].SourceOff)

	require.Len(t, cf.Unwind, 1)
	require.Equal(t, uint32(8), cf.Unwind[0].Offset)

	// 16-byte alignment of the final bytes.
	require.Zero(t, len(cf.Code)%16)
}

func TestCodeBuffer_fixupOnSameLabelMultipleSites(t *testing.T) {
	buf := NewCodeBuffer(testPatcher{})
	buf.Reset()

	l := buf.AllocateLabel()
	o1 := buf.CurrentOffset()
	buf.Emit(0)
	buf.UseLabel(o1, 0, l)
	o2 := buf.CurrentOffset()
	buf.Emit(0)
	buf.UseLabel(o2, 0, l)
	buf.Bind(l)
	buf.Emit(0xCC)

	cf := buf.Finish()
	require.Equal(t, byte(2), cf.Code[o1])
	require.Equal(t, byte(1), cf.Code[o2])
}
