package engine

import (
	"bytes"
	"testing"

	"github.com/go-interpreter/wagon/wasm"
	"github.com/stretchr/testify/require"
)

// addModule is `(module (func (param i32 i32) (result i32)
// local.get 0 local.get 1 i32.add))`.
var addModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic, version
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f, // type section
	0x03, 0x02, 0x01, 0x00, // function section
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b, // code section
}

func TestCompileModule_bothTargets(t *testing.T) {
	for _, target := range []string{"aarch64", "x86_64"} {
		t.Run(target, func(t *testing.T) {
			m, err := wasm.ReadModule(bytes.NewReader(addModule), nil)
			require.NoError(t, err)

			out, err := CompileModule(m, Config{Target: target})
			require.NoError(t, err)
			require.Len(t, out.Functions, 1)
			require.NotEmpty(t, out.Text)
			// Functions are 16-byte aligned in the image.
			require.Zero(t, len(out.Text)%16)
			require.Equal(t, uint32(0), out.Functions[0].Offset)
			require.Equal(t, uint32(len(out.Text)), out.Functions[0].Size)
		})
	}
}

func TestCompileModule_determinism(t *testing.T) {
	m1, err := wasm.ReadModule(bytes.NewReader(addModule), nil)
	require.NoError(t, err)
	m2, err := wasm.ReadModule(bytes.NewReader(addModule), nil)
	require.NoError(t, err)

	a, err := CompileModule(m1, Config{Target: "aarch64"})
	require.NoError(t, err)
	b, err := CompileModule(m2, Config{Target: "aarch64"})
	require.NoError(t, err)
	require.Equal(t, a.Text, b.Text)
	require.Equal(t, a.Traps, b.Traps)
}

func TestCompileModule_unsupportedTarget(t *testing.T) {
	m, err := wasm.ReadModule(bytes.NewReader(addModule), nil)
	require.NoError(t, err)
	_, err = CompileModule(m, Config{Target: "riscv64"})
	require.Error(t, err)
	var unsupported *ErrUnsupported
	require.ErrorAs(t, err, &unsupported)
}
