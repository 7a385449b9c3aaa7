package vmctx

import (
	"fmt"

	"github.com/bytecodealliance/wasmtime-sub017/internal/engineapi"
)

// TrapError is the structured error the host surfaces when compiled code
// traps. It never appears as a compile-time error.
type TrapError struct {
	Code engineapi.TrapCode
	// PC is the code offset of the trap site when known.
	PC uint64
}

// Error implements error.
func (e *TrapError) Error() string {
	return fmt.Sprintf("wasm trap: %s (pc=%#x)", e.Code, e.PC)
}

// trapSignal is the panic payload used for the non-local transfer.
type trapSignal struct{ err *TrapError }

// Raise performs the trap-side of the resume-buffer contract: control
// returns to the caller that installed the buffer with the trap code, and
// no deferred work in the frames between runs on the compiled side.
//
// Host builtins called from compiled code use this directly; hardware traps
// (guard-page faults, udf) are translated by the engine's fault handler
// into the same path using the trap table of the faulting function.
func Raise(code engineapi.TrapCode) {
	panic(trapSignal{err: &TrapError{Code: code}})
}

// RaiseAt is Raise with the trap-site PC attached.
func RaiseAt(code engineapi.TrapCode, pc uint64) {
	panic(trapSignal{err: &TrapError{Code: code, PC: pc}})
}

// WithResumeBuffer installs the resume point and invokes f. If f (or
// anything it calls into) raises a trap, the trap is recorded in the
// context's trap cell and returned; any other panic propagates unchanged.
func WithResumeBuffer(c *Context, f func()) (err *TrapError) {
	c.ClearTrap()
	defer func() {
		if r := recover(); r != nil {
			sig, ok := r.(trapSignal)
			if !ok {
				panic(r)
			}
			c.setTrap(sig.err.Code, sig.err.PC)
			err = sig.err
		}
	}()
	f()
	return nil
}
