package frontend

import (
	"bytes"
	"testing"

	"github.com/go-interpreter/wagon/disasm"
	"github.com/go-interpreter/wagon/wasm"
	"github.com/stretchr/testify/require"

	"github.com/bytecodealliance/wasmtime-sub017/internal/engineapi"
	"github.com/bytecodealliance/wasmtime-sub017/internal/ssa"
)

// addModule is `(module (func (param i32 i32) (result i32)
// local.get 0 local.get 1 i32.add))`.
var addModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

func lowerFirstFunc(t *testing.T, moduleBytes []byte, cfg Config) (ssa.Builder, *Compiler) {
	t.Helper()
	m, err := wasm.ReadModule(bytes.NewReader(moduleBytes), nil)
	require.NoError(t, err)

	b := ssa.NewBuilder()
	fe := NewFrontendCompiler(engineapi.DefaultOffsetData(), m, b, cfg)

	code, err := disasm.NewDisassembly(m.FunctionIndexSpace[0], m)
	require.NoError(t, err)
	fe.Init(0, code.Code)
	require.NoError(t, fe.LowerToSSA())
	return b, fe
}

func TestLowerToSSA_add(t *testing.T) {
	b, _ := lowerFirstFunc(t, addModule, Config{})
	require.NoError(t, b.Verify())

	require.Equal(t, `
blk0: (vmctx:i64, v1:i32, v2:i32)
	v3:i32 = Iadd v1, v2
	Return v3
`, b.Format())
}

func TestSignatures_vmctxPrepended(t *testing.T) {
	m, err := wasm.ReadModule(bytes.NewReader(addModule), nil)
	require.NoError(t, err)
	b := ssa.NewBuilder()
	fe := NewFrontendCompiler(engineapi.DefaultOffsetData(), m, b, Config{})

	sig := fe.SignatureOfFunc(0)
	// The implicit vmctx pointer precedes the declared parameters.
	require.Equal(t, []ssa.Type{ssa.TypeI64, ssa.TypeI32, ssa.TypeI32}, sig.Params)
	require.Equal(t, []ssa.Type{ssa.TypeI32}, sig.Results)
}

// loadModule is `(module (memory 1) (func (param i32) (result i32)
// local.get 0 i32.load offset=8))`.
var loadModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x06, 0x01, 0x60, 0x01, 0x7f, 0x01, 0x7f, // type
	0x03, 0x02, 0x01, 0x00, // function
	0x05, 0x03, 0x01, 0x00, 0x01, // memory 1 page
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x28, 0x02, 0x08, 0x0b, // code
}

func TestBoundsChecks_policies(t *testing.T) {
	t.Run("no guard emits explicit check", func(t *testing.T) {
		b, _ := lowerFirstFunc(t, loadModule, Config{})
		format := b.Format()
		require.Contains(t, format, "heap_oob")
		require.NoError(t, b.Verify())
	})

	t.Run("guard region elides the check", func(t *testing.T) {
		b, _ := lowerFirstFunc(t, loadModule, Config{
			Bounds: BoundsCheckPolicy{DynamicMemoryGuardSize: 0xffff},
		})
		format := b.Format()
		// offset+size = 12 lies within the guard: the load itself is the
		// trap site and no explicit compare is emitted.
		require.NotContains(t, format, "heap_oob")
		require.NotContains(t, format, "Icmp")
	})

	t.Run("static memory checks the index once", func(t *testing.T) {
		b, _ := lowerFirstFunc(t, loadModule, Config{
			Bounds: BoundsCheckPolicy{StaticMemoryMaximumSize: 0x10000, DynamicMemoryGuardSize: 0xffff},
		})
		format := b.Format()
		require.Contains(t, format, "heap_oob")
		require.Contains(t, format, "Iconst 0x10000")
	})
}

func TestEpochInterruption_insertsDeadlineCheck(t *testing.T) {
	b, _ := lowerFirstFunc(t, addModule, Config{EpochInterruption: true})
	format := b.Format()
	// Entry check: load the deadline cell, branch to the yield call.
	require.Contains(t, format, "Brnz")
	require.Contains(t, format, "CallIndirect")
	require.NoError(t, b.Verify())
}
