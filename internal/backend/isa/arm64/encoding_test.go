package arm64

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/arch/arm64/arm64asm"

	"github.com/bytecodealliance/wasmtime-sub017/internal/backend"
	"github.com/bytecodealliance/wasmtime-sub017/internal/engineapi"
)

func TestEncodeAluRRR(t *testing.T) {
	for _, tc := range []struct {
		name string
		op   aluOp
		rd, rn, rm uint32
		is64 bool
		want uint32
	}{
		{name: "add x0, x1, x2", op: aluOpAdd, rd: 0, rn: 1, rm: 2, is64: true, want: 0x8B020020},
		{name: "sub w3, w4, w5", op: aluOpSub, rd: 3, rn: 4, rm: 5, want: 0x4B050083},
		{name: "cmp x1, x2", op: aluOpSubS, rd: 31, rn: 1, rm: 2, is64: true, want: 0xEB02003F},
		{name: "udiv x0, x1, x2", op: aluOpUDiv, rd: 0, rn: 1, rm: 2, is64: true, want: 0x9AC20820},
		{name: "sdiv x0, x1, x2", op: aluOpSDiv, rd: 0, rn: 1, rm: 2, is64: true, want: 0x9AC20C20},
		{name: "and x0, x1, x2", op: aluOpAnd, rd: 0, rn: 1, rm: 2, is64: true, want: 0x8A020020},
		{name: "orr x0, x1, x2", op: aluOpOrr, rd: 0, rn: 1, rm: 2, is64: true, want: 0xAA020020},
		{name: "eor x0, x1, x2", op: aluOpEor, rd: 0, rn: 1, rm: 2, is64: true, want: 0xCA020020},
		{name: "lsl x0, x1, x2", op: aluOpLsl, rd: 0, rn: 1, rm: 2, is64: true, want: 0x9AC22020},
		{name: "mul x0, x1, x2", op: aluOpMul, rd: 0, rn: 1, rm: 2, is64: true, want: 0x9B027C20},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, encodeAluRRR(tc.op, tc.rd, tc.rn, tc.rm, tc.is64))
		})
	}
}

func TestEncode_knownWords(t *testing.T) {
	m := NewBackend().(*machine)
	for _, tc := range []struct {
		name  string
		setup func(i *instruction)
		want  uint32
	}{
		{
			name: "movz x0, #1",
			setup: func(i *instruction) { i.asMovZ(intVRegOf(x0), 1, 0, true) },
			want: 0xD2800020,
		},
		{
			name: "ldr x0, [x1, #8]",
			setup: func(i *instruction) {
				i.asLoad(uLoad64, intVRegOf(x0), addressMode{rn: intVRegOf(x1), imm: 8})
			},
			want: 0xF9400420,
		},
		{
			name: "str w2, [sp]",
			setup: func(i *instruction) {
				i.asStore(store32, intVRegOf(x2), addressMode{rn: spVReg})
			},
			want: 0xB90003E2,
		},
		{
			name:  "ret",
			setup: func(i *instruction) { i.asRet(nil) },
			want:  0xD65F03C0,
		},
		{
			name:  "blr x8",
			setup: func(i *instruction) { i.asCallInd(intVRegOf(x8), nil, nil) },
			want:  0xD63F0100,
		},
		{
			name:  "stp x29, x30, [sp, #-16]!",
			setup: func(i *instruction) { i.asStoreP64pre(fpVReg, lrVReg, -16) },
			want:  0xA9BF7BFD,
		},
		{
			name:  "ldp x29, x30, [sp], #16",
			setup: func(i *instruction) { i.asLoadP64post(fpVReg, lrVReg, 16) },
			want:  0xA8C17BFD,
		},
		{
			name:  "mov x0, x1",
			setup: func(i *instruction) { i.asMov64(intVRegOf(x0), intVRegOf(x1)) },
			want:  0xAA0103E0,
		},
		{
			name:  "csel x0, x1, x2, eq",
			setup: func(i *instruction) { i.asCSel(intVRegOf(x0), intVRegOf(x1), intVRegOf(x2), eq, true) },
			want:  0x9A820020,
		},
		{
			name:  "cset w0, eq",
			setup: func(i *instruction) { i.asCSet(intVRegOf(x0), eq) },
			want:  0x1A9F17E0,
		},
		{
			name:  "fadd d0, d1, d2",
			setup: func(i *instruction) { i.asFpuRRR(fpuOpAdd, floatVRegOf(v0), floatVRegOf(v1), floatVRegOf(v2), true) },
			want:  0x1E622820,
		},
		{
			name:  "fcvtzs w0, d1",
			setup: func(i *instruction) { i.asFpuToInt(intVRegOf(x0), floatVRegOf(v1), true, true, false) },
			want:  0x1E780020,
		},
		{
			name:  "dup v0.4s, w1",
			setup: func(i *instruction) { i.asVecDup(floatVRegOf(v0), intVRegOf(x1), 32) },
			want:  0x4E040C20,
		},
		{
			name:  "add v0.4s, v1.4s, v2.4s",
			setup: func(i *instruction) { i.asVecRRR(vecOpAdd, floatVRegOf(v0), floatVRegOf(v1), floatVRegOf(v2), 32) },
			want:  0x4EA28420,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			buf := backend.NewCodeBuffer(patcher{})
			buf.Reset()
			i := &instruction{}
			tc.setup(i)
			m.encode(i, buf)
			cf := buf.Finish()
			require.GreaterOrEqual(t, len(cf.Code), 4)
			require.Equal(t, tc.want, binary.LittleEndian.Uint32(cf.Code))
		})
	}
}

// The encodings above must round-trip through an independent decoder for
// all the fixed-length forms.
func TestEncode_disassemblyRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		word uint32
		op   arm64asm.Op
	}{
		{0x8B020020, arm64asm.ADD},
		{0x9AC20820, arm64asm.UDIV},
		{0x9AC20C20, arm64asm.SDIV},
		{0xD2800020, arm64asm.MOVZ},
		{0xF9400420, arm64asm.LDR},
		{0xD65F03C0, arm64asm.RET},
		{0xA9BF7BFD, arm64asm.STP},
		{0x1E622820, arm64asm.FADD},
	} {
		var bs [4]byte
		binary.LittleEndian.PutUint32(bs[:], tc.word)
		inst, err := arm64asm.Decode(bs[:])
		require.NoError(t, err)
		require.Equal(t, tc.op, inst.Op, "%#08x decoded to %s", tc.word, inst)
	}
}

func TestTrapIf_emitsTrapTableEntry(t *testing.T) {
	m := NewBackend().(*machine)
	buf := backend.NewCodeBuffer(patcher{})
	buf.Reset()
	i := &instruction{}
	i.asTrapIf(lo.asCond(), engineapi.TrapCodeStackOverflow)
	m.encode(i, buf)
	cf := buf.Finish()
	// b.hs +8 over the udf.
	require.Equal(t, uint32(0x54000042), binary.LittleEndian.Uint32(cf.Code))
	require.Equal(t, uint32(0), binary.LittleEndian.Uint32(cf.Code[4:]))
	require.Len(t, cf.Traps, 1)
	require.Equal(t, uint32(4), cf.Traps[0].Offset)
	require.Equal(t, engineapi.TrapCodeStackOverflow, cf.Traps[0].Code)
}

func TestPatcher_condBrTrampoline(t *testing.T) {
	buf := backend.NewCodeBuffer(patcher{})
	buf.Reset()

	target := buf.AllocateLabel()
	off := buf.CurrentOffset()
	buf.Emit32(0x54000000) // b.eq, to be patched
	buf.UseLabel(off, fixupKindCondBr19, target)

	// Fill more than the 19-bit (±1MiB) conditional range with nops.
	for i := 0; i < (1<<18)+8; i++ {
		buf.Emit32(0xD503201F)
	}
	buf.Bind(target)
	buf.Emit32(0xD65F03C0)

	cf := buf.Finish()

	// The conditional branch cannot reach the target directly, so it must
	// have been redirected to a trampoline appended at the end holding an
	// unconditional branch.
	word := binary.LittleEndian.Uint32(cf.Code[:4])
	disp := int32(word>>5&0x7ffff) << 13 >> 13 // sign-extend imm19
	trampOff := int(disp) * 4
	require.NotEqual(t, buf.LabelOffset(target), trampOff)
	tramp := binary.LittleEndian.Uint32(cf.Code[trampOff:])
	require.Equal(t, uint32(0x14000000), tramp&0xFC000000, "trampoline must be an unconditional B")
}

func TestPrologue_probes(t *testing.T) {
	newMachineWithFrame := func(explicit int64) *machine {
		m := NewBackend().(*machine)
		m.stackBoundsCheckDisabled = true
		m.explicitSlotsSize = explicit
		r := m.allocateInstr()
		r.asRet(nil)
		m.rootInstr = r
		return m
	}
	format := func(m *machine) string {
		var sb strings.Builder
		for cur := m.rootInstr; cur != nil; cur = cur.next {
			sb.WriteString(cur.String())
			sb.WriteByte('\n')
		}
		return sb.String()
	}

	t.Run("small frame has no probes", func(t *testing.T) {
		m := newMachineWithFrame(2048)
		m.PostRegAlloc()
		out := format(m)
		require.NotContains(t, out, "str(w) xzr")
	})

	t.Run("three pages probe unrolled", func(t *testing.T) {
		m := newMachineWithFrame(12288)
		m.PostRegAlloc()
		out := format(m)
		// Three sub-and-store pairs touch each page before the frame is
		// reserved.
		require.Equal(t, 3, strings.Count(out, "sub sp, sp, #0x1000"), out)
		require.Equal(t, 3, strings.Count(out, "str(w) xzr, [sp, #0]"), out)
		// Then sp is restored before the real allocation.
		require.Contains(t, out, "add sp, sp, ", out)
	})

	t.Run("large frame probes with a loop", func(t *testing.T) {
		m := newMachineWithFrame(100000)
		m.PostRegAlloc()
		out := format(m)
		// The loop decrements a page counter and branches back.
		require.Contains(t, out, "subs x16, x16, #0x1")
		require.Contains(t, out, "b.ne")
		require.Equal(t, 1, strings.Count(out, "str(w) xzr, [sp, #0]"), out)
	})
}
