// Package amd64 implements the x86-64 instruction selector, encoder and
// frame conventions.
package amd64

import "github.com/bytecodealliance/wasmtime-sub017/internal/backend"

// NewCodeBuffer returns a code buffer wired to this ISA's patcher.
func NewCodeBuffer() *backend.CodeBuffer {
	return backend.NewCodeBuffer(patcher{})
}
