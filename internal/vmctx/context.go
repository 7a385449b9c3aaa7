// Package vmctx implements the host side of the runtime fabric: the
// per-instance context structure that compiled code addresses through the
// offsets of engineapi.OffsetData, the funcref tables with their type ids,
// memory growth, and the trap resume-buffer contract.
package vmctx

import (
	"encoding/binary"
	"fmt"

	"github.com/bytecodealliance/wasmtime-sub017/internal/engineapi"
)

// Context is one instance's vmctx. Opaque is the raw structure passed to
// compiled code as the implicit first argument; the typed fields mirror the
// host-owned resources the opaque slots point into.
type Context struct {
	Offsets engineapi.OffsetData
	Opaque  []byte

	// Memories holds the linear memories; slot i's base/length cells track
	// Memories[i].
	Memories [][]byte
	// Tables holds the funcref tables.
	Tables []*Table

	// memPageSize is the wasm page size used by MemoryGrow; New sets it to
	// PageSize and nothing else changes it.
	memPageSize uint64
}

// PageSize is the default wasm page size.
const PageSize = 65536

// New returns a Context with the opaque structure allocated for the layout.
func New(off engineapi.OffsetData) *Context {
	c := &Context{
		Offsets:     off,
		Opaque:      make([]byte, off.Size()),
		memPageSize: PageSize,
	}
	c.Memories = make([][]byte, off.NumMemories)
	c.Tables = make([]*Table, off.NumTables)
	for i := range c.Tables {
		c.Tables[i] = &Table{}
	}
	return c
}

func (c *Context) put64(off int32, v uint64) {
	binary.LittleEndian.PutUint64(c.Opaque[off:], v)
}

func (c *Context) get64(off int32) uint64 {
	return binary.LittleEndian.Uint64(c.Opaque[off:])
}

// SetStackLimit installs the stack-limit pointer checked by every prologue.
func (c *Context) SetStackLimit(limit uint64) {
	c.put64(c.Offsets.StackLimitOffset, limit)
}

// SetEpochDeadline arms or disarms the epoch-interruption cell checked at
// function entries and loop headers.
func (c *Context) SetEpochDeadline(v uint64) {
	c.put64(c.Offsets.EpochDeadlineOffset, v)
}

// TrapCode returns the trap cell written by the trap path, if any.
func (c *Context) TrapCode() (engineapi.TrapCode, uint64, bool) {
	code := c.get64(c.Offsets.TrapCodeOffset)
	if code == trapCodeCellEmpty {
		return 0, 0, false
	}
	return engineapi.TrapCode(code), c.get64(c.Offsets.TrapPCOffset), true
}

const trapCodeCellEmpty = ^uint64(0)

// ClearTrap resets the trap cell before a call into compiled code.
func (c *Context) ClearTrap() {
	c.put64(c.Offsets.TrapCodeOffset, trapCodeCellEmpty)
}

// setTrap records a trap into the cell; used by the host-side builtins and
// by the fault handler translating guard-page hits.
func (c *Context) setTrap(code engineapi.TrapCode, pc uint64) {
	c.put64(c.Offsets.TrapCodeOffset, uint64(code))
	c.put64(c.Offsets.TrapPCOffset, pc)
}

// SetMemory installs memory i, updating the base and length cells compiled
// code reads. The caller passes the native address of mem's first byte as
// base; it is written to the base cell as given.
func (c *Context) SetMemory(i uint32, mem []byte, base uintptr) {
	c.Memories[i] = mem
	c.put64(c.Offsets.MemoryBaseOffset(i), uint64(base))
	c.put64(c.Offsets.MemoryLenOffset(i), uint64(len(mem)))
}

// MemoryGrow grows memory i by deltaPages, returning the previous size in
// pages or the failure sentinel. Compiled code reaches this through the
// vmctx-resident function pointer; bounds checks after the call read the
// updated length cell.
func (c *Context) MemoryGrow(i uint32, deltaPages uint32, max uint64, rebase func([]byte) ([]byte, uintptr)) int64 {
	mem := c.Memories[i]
	oldPages := uint64(len(mem)) / c.memPageSize
	newPages := oldPages + uint64(deltaPages)
	if newPages > max {
		return -1
	}
	grown := append(mem, make([]byte, uint64(deltaPages)*c.memPageSize)...)
	var base uintptr
	if rebase != nil {
		grown, base = rebase(grown)
	}
	c.SetMemory(i, grown, base)
	return int64(oldPages)
}

// SetTable installs table i, updating the base and length cells.
func (c *Context) SetTable(i uint32, t *Table, base uintptr) {
	c.Tables[i] = t
	c.put64(c.Offsets.TableBaseOffset(i), uint64(base))
	c.put64(c.Offsets.TableLenOffset(i), uint64(len(t.Entries)))
}

// SetGlobal writes the 64-bit cell of global i.
func (c *Context) SetGlobal(i uint32, v uint64) {
	c.put64(c.Offsets.GlobalOffset(i), v)
}

// Global reads the 64-bit cell of global i.
func (c *Context) Global(i uint32) uint64 {
	return c.get64(c.Offsets.GlobalOffset(i))
}

// String implements fmt.Stringer for debugging.
func (c *Context) String() string {
	return fmt.Sprintf("vmctx{%d memories, %d tables, %d globals}",
		c.Offsets.NumMemories, c.Offsets.NumTables, c.Offsets.NumGlobals)
}
