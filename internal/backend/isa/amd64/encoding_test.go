package amd64

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/bytecodealliance/wasmtime-sub017/internal/backend"
	"github.com/bytecodealliance/wasmtime-sub017/internal/engineapi"
)

func encodeOne(t *testing.T, setup func(i *instruction)) []byte {
	t.Helper()
	m := NewBackend().(*machine)
	buf := backend.NewCodeBuffer(patcher{})
	buf.Reset()
	i := &instruction{}
	setup(i)
	m.encode(i, buf)
	n := buf.CurrentOffset() // before the 16-byte alignment padding
	cf := buf.Finish()
	return cf.Code[:n]
}

func TestEncode_knownBytes(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(i *instruction)
		want  []byte
	}{
		{
			name:  "add rax, rcx",
			setup: func(i *instruction) { i.asAluRR(aluOpAdd, raxVReg, rcxVReg, true) },
			want:  []byte{0x48, 0x03, 0xC1},
		},
		{
			name:  "mov rax, rbx",
			setup: func(i *instruction) { i.asMovRR(raxVReg, intVRegOf(rbx), true) },
			want:  []byte{0x48, 0x8B, 0xC3},
		},
		{
			name:  "sub rsp, 0x1000",
			setup: func(i *instruction) { i.asAluRI(aluOpSub, rspVReg, 0x1000, true) },
			want:  []byte{0x48, 0x81, 0xEC, 0x00, 0x10, 0x00, 0x00},
		},
		{
			name:  "push rbp",
			setup: func(i *instruction) { i.asPush64(rbpVReg) },
			want:  []byte{0x55},
		},
		{
			name:  "pop rbp",
			setup: func(i *instruction) { i.asPop64(rbpVReg) },
			want:  []byte{0x5D},
		},
		{
			name:  "ret",
			setup: func(i *instruction) { i.asRet(nil) },
			want:  []byte{0xC3},
		},
		{
			name:  "cqo",
			setup: func(i *instruction) { i.asCdqCqo(true) },
			want:  []byte{0x48, 0x99},
		},
		{
			name:  "idiv rcx",
			setup: func(i *instruction) { i.asDiv(rcxVReg, true, true) },
			want:  []byte{0x48, 0xF7, 0xF9},
		},
		{
			name:  "xor edx, edx",
			setup: func(i *instruction) { i.asZeroRdx() },
			want:  []byte{0x31, 0xD2},
		},
		{
			name: "mov [rsp], eax",
			setup: func(i *instruction) {
				i.asStore(4, raxVReg, amode{base: rspVReg})
			},
			want: []byte{0x89, 0x04, 0x24},
		},
		{
			name: "mov [rbp], eax",
			setup: func(i *instruction) {
				i.asStore(4, raxVReg, amode{base: rbpVReg})
			},
			// rbp as base always carries a displacement byte.
			want: []byte{0x89, 0x45, 0x00},
		},
		{
			name:  "mov dword [rsp], 0",
			setup: func(i *instruction) { i.asStoreZeroAtSP() },
			want:  []byte{0xC7, 0x04, 0x24, 0x00, 0x00, 0x00, 0x00},
		},
		{
			name:  "cmp rsp, r11",
			setup: func(i *instruction) { i.asCmpRR(rspVReg, tmpRegVReg, true) },
			want:  []byte{0x49, 0x3B, 0xE3},
		},
		{
			name:  "cvttsd2si rax, xmm1",
			setup: func(i *instruction) { i.asCvtToInt(raxVReg, floatVRegOf(xmm1), true, true) },
			want:  []byte{0xF2, 0x48, 0x0F, 0x2C, 0xC1},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, encodeOne(t, tc.setup))
		})
	}
}

func TestEncode_trapEmitsUD2AndTableEntry(t *testing.T) {
	m := NewBackend().(*machine)
	buf := backend.NewCodeBuffer(patcher{})
	buf.Reset()
	i := &instruction{}
	i.asTrap(engineapi.TrapCodeUnreachable)
	m.encode(i, buf)
	cf := buf.Finish()
	require.Equal(t, []byte{0x0F, 0x0B}, cf.Code[:2])
	require.Len(t, cf.Traps, 1)
	require.Equal(t, uint32(0), cf.Traps[0].Offset)
	require.Equal(t, engineapi.TrapCodeUnreachable, cf.Traps[0].Code)
}

func TestEncode_trapIfSkipsOverUD2(t *testing.T) {
	out := encodeOne(t, func(i *instruction) { i.asTrapIf(ccB, engineapi.TrapCodeStackOverflow) })
	// jae +2; ud2
	require.Equal(t, []byte{0x73, 0x02, 0x0F, 0x0B}, out)
}

// Disassembly followed by reassembly is the identity on the byte buffer
// for the fixed-length forms; here the independent decoder confirms the
// encodings decode to the intended instructions.
func TestEncode_disassemblyRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		bytes []byte
		op    x86asm.Op
	}{
		{[]byte{0x48, 0x03, 0xC1}, x86asm.ADD},
		{[]byte{0x48, 0x8B, 0xC3}, x86asm.MOV},
		{[]byte{0xC3}, x86asm.RET},
		{[]byte{0x48, 0xF7, 0xF9}, x86asm.IDIV},
		{[]byte{0x0F, 0x0B}, x86asm.UD2},
	} {
		inst, err := x86asm.Decode(tc.bytes, 64)
		require.NoError(t, err)
		require.Equal(t, tc.op, inst.Op)
		require.Equal(t, len(tc.bytes), inst.Len)
	}
}
